package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/masa-finance/timeline-harvester/internal/jobserver"
)

const serviceName = "timeline-harvester"

// HealthMetrics tracks the control plane error rate over a sliding window.
type HealthMetrics struct {
	mu             sync.RWMutex
	errorCount     int
	successCount   int
	windowStart    time.Time
	windowDuration time.Duration
	errorThreshold float64
}

func NewHealthMetrics() *HealthMetrics {
	return &HealthMetrics{
		windowStart:    time.Now(),
		windowDuration: 10 * time.Minute,
		errorThreshold: 0.95,
	}
}

func (hm *HealthMetrics) RecordSuccess() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checkAndResetWindow()
	hm.successCount++
}

func (hm *HealthMetrics) RecordError() {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.checkAndResetWindow()
	hm.errorCount++
}

// checkAndResetWindow resets the metrics window if it has expired
func (hm *HealthMetrics) checkAndResetWindow() {
	if time.Since(hm.windowStart) > hm.windowDuration {
		hm.errorCount = 0
		hm.successCount = 0
		hm.windowStart = time.Now()
	}
}

// IsHealthy reports whether the error rate is below the threshold. No
// requests at all counts as healthy.
func (hm *HealthMetrics) IsHealthy() bool {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	total := hm.errorCount + hm.successCount
	if total == 0 {
		return true
	}
	return float64(hm.errorCount)/float64(total) < hm.errorThreshold
}

func (hm *HealthMetrics) GetStats() map[string]any {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	total := hm.errorCount + hm.successCount
	errorRate := 0.0
	if total > 0 {
		errorRate = float64(hm.errorCount) / float64(total)
	}

	return map[string]any{
		"error_count":     hm.errorCount,
		"success_count":   hm.successCount,
		"total_count":     total,
		"error_rate":      errorRate,
		"window_start":    hm.windowStart.Format(time.RFC3339),
		"window_duration": hm.windowDuration.String(),
	}
}

// Healthz is the liveness probe endpoint
func Healthz() func(c echo.Context) error {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": serviceName,
		})
	}
}

// Readyz is the readiness probe endpoint
func Readyz(jobServer *jobserver.JobServer, healthMetrics *HealthMetrics) func(c echo.Context) error {
	return func(c echo.Context) error {
		checks := map[string]any{}
		body := map[string]any{
			"service": serviceName,
			"ready":   true,
			"checks":  checks,
		}

		if jobServer == nil {
			body["ready"] = false
			checks["job_server"] = "not initialized"
			return c.JSON(http.StatusServiceUnavailable, body)
		}

		checks["stats"] = healthMetrics.GetStats()
		if !healthMetrics.IsHealthy() {
			body["ready"] = false
			checks["error_rate"] = "unhealthy"
			return c.JSON(http.StatusServiceUnavailable, body)
		}

		checks["job_server"] = "ok"
		checks["error_rate"] = "healthy"
		checks["pending_items"] = jobServer.Pending()
		return c.JSON(http.StatusOK, body)
	}
}
