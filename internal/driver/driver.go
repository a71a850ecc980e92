// Package driver holds what the browser and feed drivers share.
package driver

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/masa-finance/timeline-harvester/internal/session"
)

// NewLimiter paces navigations to perMinute. Zero or less disables pacing.
func NewLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// Acquire gets credentials from m, or anonymous ones when m is nil.
func Acquire(ctx context.Context, m *session.Manager) (*session.Credentials, error) {
	if m == nil {
		return &session.Credentials{}, nil
	}
	return m.Acquire(ctx)
}

// Release returns credentials to m with the error the work item ended with.
func Release(m *session.Manager, c *session.Credentials, err error) {
	if m != nil {
		m.Release(c, err)
	}
}

// FirstError returns the first non-nil error.
func FirstError(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
