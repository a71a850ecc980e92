// Package harvest runs one pagination session per work item: responses from
// the driver are normalized, mapped to records, filtered by date window and
// emitted through the ledger until the termination controller resolves.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/timeline-harvester/api/types"
	"github.com/masa-finance/timeline-harvester/internal/jobs/stats"
	"github.com/masa-finance/timeline-harvester/internal/ledger"
	"github.com/masa-finance/timeline-harvester/internal/metrics"
	"github.com/masa-finance/timeline-harvester/internal/normalize"
	"github.com/masa-finance/timeline-harvester/internal/pipeline"
	"github.com/masa-finance/timeline-harvester/internal/records"
	"github.com/masa-finance/timeline-harvester/internal/termination"
	"github.com/masa-finance/timeline-harvester/internal/window"
)

// Driver fetches a work item and feeds its responses to the session until
// the session is done.
type Driver interface {
	Run(ctx context.Context, s *Session) error
}

// Sink receives emitted records.
type Sink interface {
	Push(ctx context.Context, record any) error
}

type Options struct {
	Driver Driver
	Ledger *ledger.Ledger
	Sink   Sink
	Stats  *stats.StatsCollector

	Window      window.Window
	IncludeUser bool

	// OutputScript transforms each record before emission.
	OutputScript string
	// HookScript runs at the session lifecycle points.
	HookScript  string
	HookHelpers map[string]any
	CustomData  map[string]any

	IdleTimeout      time.Duration
	MaxDuration      time.Duration
	ProgressInterval time.Duration
	// DriverGrace bounds how long a resolved session waits for the driver.
	DriverGrace time.Duration
}

type Harvester struct {
	opts    Options
	records *pipeline.Pipeline[*normalize.Payload, types.Record]
	hooks   *Hooks
}

type outputKey struct{}

// New compiles the user scripts. A script that does not compile is an error
// the run cannot recover from.
func New(opts Options) (*Harvester, error) {
	if opts.Driver == nil || opts.Ledger == nil || opts.Sink == nil {
		return nil, errors.New("harvester needs a driver, a ledger and a sink")
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 5 * time.Second
	}
	if opts.DriverGrace <= 0 {
		opts.DriverGrace = 30 * time.Second
	}
	if opts.CustomData == nil {
		opts.CustomData = map[string]any{}
	}

	h := &Harvester{opts: opts}

	recordsPipeline, err := pipeline.New(pipeline.Config[*normalize.Payload, types.Record]{
		Map: func(p *normalize.Payload) ([]types.Record, error) {
			return records.FromPayload(p, opts.IncludeUser), nil
		},
		Filter: func(_ *normalize.Payload, r types.Record) bool {
			return opts.Window.Unbounded() || opts.Window.Compare(r.CreatedAt)
		},
		Output:     h.emit,
		Script:     opts.OutputScript,
		ScriptName: "extendOutputFunction",
		ExposeItem: func(r types.Record) any { return r.Map() },
		ExposeRaw: func(p *normalize.Payload) any {
			return map[string]any{"tweets": p.Tweets, "users": p.Users}
		},
	})
	if err != nil {
		return nil, err
	}
	h.records = recordsPipeline

	if h.hooks, err = NewHooks(opts.HookScript, opts.HookHelpers, opts.CustomData); err != nil {
		return nil, err
	}
	return h, nil
}

// emit is the ledger guarded output stage. The session travels in ctx.
func (h *Harvester) emit(ctx context.Context, rec types.Record, value any) error {
	s, _ := ctx.Value(outputKey{}).(*Session)
	if s == nil {
		return fmt.Errorf("emit outside of a session")
	}

	id := rec.ID
	if m, ok := value.(map[string]any); ok {
		if v, ok := m["id"].(string); ok && v != "" {
			id = v
		}
	}

	accepted, err := h.opts.Ledger.Emit(id, s.item.ID, func() error {
		return h.opts.Sink.Push(context.WithoutCancel(ctx), value)
	})
	if !accepted {
		s.stat(stats.TweetsDuplicate, 1)
		if s.ctrl.IsDone() {
			return pipeline.ErrStop
		}
		return pipeline.ErrSkip
	}
	if err != nil {
		// The sink keeps the record buffered and retries it on the next flush.
		logrus.WithError(err).Warnf("Pushing record %s failed", id)
	}
	s.emitted.Add(1)
	s.stat(stats.TweetsEmitted, 1)
	return nil
}

// Process runs the session of one work item. It returns the termination
// reason, the number of records the ledger holds for the item and, for
// failed sessions, the retryable error.
func (h *Harvester) Process(ctx context.Context, item types.WorkItem) (termination.Reason, int, error) {
	start := time.Now()
	ctrl := termination.New(ctx, termination.Options{
		ItemID:      item.ID,
		Ledger:      h.opts.Ledger,
		IdleTimeout: h.opts.IdleTimeout,
		MaxDuration: h.opts.MaxDuration,
	})
	defer ctrl.Close()

	s := &Session{h: h, item: item, ctrl: ctrl}

	if ctrl.IsDone() {
		logrus.Infof("Skipping %s, already complete", item.URL)
		return ctrl.Reason(), h.opts.Ledger.Count(item.ID), nil
	}

	h.hooks.Fire(ctrl.Context(), HookEvent{Phase: PhaseBeforeNavigation, Item: item})

	driverDone := make(chan error, 1)
	go func() {
		driverDone <- h.opts.Driver.Run(ctrl.Context(), s)
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logProgress(h.opts.ProgressInterval)
	}()

	select {
	case err := <-driverDone:
		if err != nil && ctrl.Context().Err() == nil {
			ctrl.Fail(err)
		} else {
			ctrl.Resolve(termination.ReasonFinished)
		}
	case <-ctrl.Done():
		select {
		case <-driverDone:
		case <-time.After(h.opts.DriverGrace):
			logrus.Warnf("Driver did not stop within %s for %s", h.opts.DriverGrace, item.URL)
		}
	}
	wg.Wait()

	reason := ctrl.Reason()
	count := h.opts.Ledger.Count(item.ID)
	metrics.ObserveSession(string(reason), start)

	h.hooks.Fire(context.WithoutCancel(ctx), HookEvent{
		Phase: PhaseAfterWorkItem,
		Item:  item,
		Data:  map[string]any{"reason": string(reason), "count": count},
	})
	logrus.Infof("Extracted %d tweets from %s (%s)", count, item.URL, reason)

	switch reason {
	case termination.ReasonFailed:
		return reason, count, ctrl.Err()
	case termination.ReasonCancelled:
		if err := ctx.Err(); err != nil {
			return reason, count, err
		}
		return reason, count, context.Canceled
	}
	return reason, count, nil
}
