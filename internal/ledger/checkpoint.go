package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/masa-finance/timeline-harvester/internal/errs"
	"github.com/masa-finance/timeline-harvester/internal/jobs/stats"
	"github.com/masa-finance/timeline-harvester/internal/metrics"
)

const statsLabel = "ledger"

// PersistenceError is a checkpoint that could not be written. The run goes on
// with the in-memory ledger.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("ledger checkpoint failed: %v", e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{errs.ErrLedgerPersistence, e.Err}
}

// Flusher pushes buffered output. It runs after the snapshot is taken and
// before it is saved, so the ledger never marks records that were not
// written out.
type Flusher interface {
	Flush(ctx context.Context) error
}

type Checkpointer struct {
	ledger   *Ledger
	store    Store
	flushers []Flusher
	stats    *stats.StatsCollector

	interval      time.Duration
	maxRetries    uint64
	retryInterval time.Duration

	mu       sync.Mutex
	saved    uint64
	hasSaved bool
}

type CheckpointOption func(*Checkpointer)

func WithInterval(d time.Duration) CheckpointOption {
	return func(c *Checkpointer) { c.interval = d }
}

func WithFlusher(f Flusher) CheckpointOption {
	return func(c *Checkpointer) { c.flushers = append(c.flushers, f) }
}

func WithStats(s *stats.StatsCollector) CheckpointOption {
	return func(c *Checkpointer) { c.stats = s }
}

// WithRetries bounds the save attempts of one checkpoint.
func WithRetries(n uint64, initial time.Duration) CheckpointOption {
	return func(c *Checkpointer) {
		c.maxRetries = n
		c.retryInterval = initial
	}
}

func NewCheckpointer(l *Ledger, store Store, opts ...CheckpointOption) *Checkpointer {
	c := &Checkpointer{
		ledger:        l,
		store:         store,
		interval:      time.Minute,
		maxRetries:    5,
		retryInterval: 500 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Resume restores the ledger from the last checkpoint.
func (c *Checkpointer) Resume(ctx context.Context) error {
	snap, err := c.store.Load(ctx)
	if err != nil {
		return &PersistenceError{Err: err}
	}
	c.ledger.Restore(snap)

	c.mu.Lock()
	c.saved = c.ledger.Version()
	c.hasSaved = true
	c.mu.Unlock()

	logrus.Infof("Resumed ledger: %d emitted records, %d work items", len(snap.Emitted), len(snap.Counts))
	return nil
}

// Checkpoint flushes output and saves the ledger. Unchanged ledgers are not
// written again.
func (c *Checkpointer) Checkpoint(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	saved, err := c.checkpoint(ctx)
	if err != nil {
		metrics.CheckpointErrors.Inc()
		c.stats.Add(statsLabel, stats.CheckpointErrors, 1)
	} else if saved {
		c.stats.Add(statsLabel, stats.CheckpointsWritten, 1)
	}
	return err
}

func (c *Checkpointer) checkpoint(ctx context.Context) (bool, error) {
	// Records accepted after the snapshot may still sit in a buffer. They
	// belong to the next checkpoint.
	snap, version := c.ledger.pushedSnapshot()

	for _, f := range c.flushers {
		if err := f.Flush(ctx); err != nil {
			return false, &PersistenceError{Err: fmt.Errorf("flushing output: %w", err)}
		}
	}

	if c.hasSaved && version == c.saved {
		return false, nil
	}

	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = c.retryInterval
	b := backoff.WithContext(backoff.WithMaxRetries(strategy, c.maxRetries), ctx)

	err := backoff.Retry(func() error {
		err := c.store.Save(ctx, snap)
		if err != nil {
			logrus.WithError(err).Warn("Ledger save failed, retrying")
		}
		return err
	}, b)
	if err != nil {
		return false, &PersistenceError{Err: err}
	}

	c.saved = version
	c.hasSaved = true
	logrus.Debugf("Ledger checkpoint saved (%d emitted records)", len(snap.Emitted))
	return true, nil
}

// Reset clears both the ledger and the store.
func (c *Checkpointer) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.Clear(ctx); err != nil {
		return &PersistenceError{Err: err}
	}
	c.ledger.Reset()
	c.saved = c.ledger.Version()
	c.hasSaved = true
	return nil
}

// Run checkpoints on every interval until ctx is done. Failures are logged.
func (c *Checkpointer) Run(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Checkpoint(ctx); err != nil {
				logrus.WithError(err).Error("Periodic checkpoint failed")
			}
		}
	}
}
