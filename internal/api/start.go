package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"

	"github.com/labstack/echo-contrib/pprof"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/masa-finance/timeline-harvester/internal/config"
	"github.com/masa-finance/timeline-harvester/internal/jobserver"
	"github.com/masa-finance/timeline-harvester/internal/ledger"
	"github.com/masa-finance/timeline-harvester/internal/targets"
)

// Deps are the running components the control plane talks to. The job
// server is started by the caller.
type Deps struct {
	JobServer    *jobserver.JobServer
	Classifier   *targets.Classifier
	Checkpointer *ledger.Checkpointer
}

// Start serves the control plane on listenAddress until ctx is done.
func Start(ctx context.Context, listenAddress string, jc config.JobConfiguration, deps Deps) error {
	e := NewServer(jc, deps)

	go func() {
		<-ctx.Done()
		if err := e.Close(); err != nil {
			e.Logger.Error("Failed to close Echo server: ", err)
		}
	}()

	e.Logger.Info(fmt.Sprintf("Starting server on %s", listenAddress))
	if err := e.Start(listenAddress); err != nil && !errors.Is(err, http.ErrServerClosed) {
		e.Logger.Error(err)
		return err
	}
	return nil
}

// NewServer builds the echo instance with every route registered.
func NewServer(jc config.JobConfiguration, deps Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	switch strings.ToLower(jc.GetString("log_level", "info")) {
	case "debug":
		e.Logger.SetLevel(log.DEBUG)
	case "warn", "warning":
		e.Logger.SetLevel(log.WARN)
	case "error":
		e.Logger.SetLevel(log.ERROR)
	default:
		e.Logger.SetLevel(log.INFO)
	}

	healthMetrics := NewHealthMetrics()

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(APIKeyAuthMiddleware(jc))
	e.Use(HealthMetricsMiddleware(healthMetrics))

	// Health check endpoints (no auth required)
	e.GET(HealthCheckPath, Healthz())
	e.GET(ReadinessCheckPath, Readyz(deps.JobServer, healthMetrics))

	profiling := jc.GetBool("profiling_enabled", false)
	if profiling || jc.IsStandaloneMode() {
		pprof.Register(e)
	}
	if profiling {
		enableProfiling(e)
	}
	if jc.IsStandaloneMode() {
		e.Logger.Info("Enabling profiling control endpoints")
		debug := e.Group("/debug/pprof")
		debug.POST("/enable", func(c echo.Context) error {
			enableProfiling(e)
			return c.String(http.StatusOK, "pprof enabled")
		})
		debug.POST("/disable", func(c echo.Context) error {
			disableProfiling(e)
			return c.String(http.StatusOK, "pprof disabled")
		})
	}

	/*
		- POST /targets: classify seeds and queue them
		- GET /items/:id: status of a work item
		- GET /queue/stats: queue depths
		- POST /checkpoint: flush output and save the ledger
		- GET /stats, /metrics
	*/
	e.POST("/targets", addTargets(deps.Classifier, deps.JobServer))
	e.GET("/items/:id", itemStatus(deps.JobServer))
	e.GET("/queue/stats", queueStats(deps.JobServer))
	e.POST("/checkpoint", checkpoint(deps.Checkpointer))
	e.GET("/stats", harvestStats(deps.JobServer))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	return e
}

// enableProfiling turns on the block and mutex probes behind /debug/pprof.
func enableProfiling(e *echo.Echo) {
	e.Logger.Info("Enabling profiling - this may impact performance")

	// Sample time in nanoseconds, see https://github.com/DataDog/go-profiler-notes/blob/main/block.md#usage
	runtime.SetBlockProfileRate(500)
	runtime.SetMutexProfileFraction(1)
}

// disableProfiling turns off the expensive probes. The routes stay registered.
func disableProfiling(e *echo.Echo) {
	e.Logger.Info("Disabling performance-intensive profiling probes")
	runtime.SetBlockProfileRate(0)
	runtime.SetMutexProfileFraction(0)
}
