package jobserver

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"

	"github.com/masa-finance/timeline-harvester/api/types"
	"github.com/masa-finance/timeline-harvester/internal/errs"
	"github.com/masa-finance/timeline-harvester/internal/jobs/stats"
	"github.com/masa-finance/timeline-harvester/internal/termination"
)

// Processor runs one work item to completion and reports why it stopped and
// how many records it emitted.
type Processor interface {
	Process(ctx context.Context, item types.WorkItem) (termination.Reason, int, error)
}

func (js *JobServer) worker(ctx context.Context, p Processor) {
	for {
		item, err := js.priorityQueue.DequeueBlocking(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, ErrQueueClosed) {
				logrus.WithError(err).Warn("Worker stopped")
			}
			return
		}
		js.reportDepth()
		js.doWork(ctx, p, *item)
	}
}

func (js *JobServer) doWork(ctx context.Context, p Processor, item types.WorkItem) {
	label := string(item.Label)
	js.results.Update(item.ID, func(s *types.ItemStatus) {
		s.Item = item
		s.State = types.ItemRunning
		s.UpdatedAt = time.Now()
	})

	reason, count, err := p.Process(ctx, item)

	switch {
	case err == nil:
		js.results.Update(item.ID, func(s *types.ItemStatus) {
			s.State = types.ItemDone
			s.Count += count
			s.Reason = string(reason)
			s.Error = ""
			s.UpdatedAt = time.Now()
		})
		js.stats.Add(label, stats.ItemsCompleted, 1)
		js.donePending()

	case ctx.Err() != nil:
		// shutting down, the item is picked up again on the next run
		js.results.Update(item.ID, func(s *types.ItemStatus) {
			s.State = types.ItemQueued
			s.Count += count
			s.Reason = string(reason)
			s.UpdatedAt = time.Now()
		})
		js.donePending()

	case errs.Retryable(err) && item.RetryCount < js.maxRetries:
		item.RetryCount++
		delay := js.retryDelay(item.RetryCount)
		js.results.Update(item.ID, func(s *types.ItemStatus) {
			s.Item = item
			s.State = types.ItemQueued
			s.Count += count
			s.Reason = string(reason)
			s.Error = err.Error()
			s.UpdatedAt = time.Now()
		})
		js.stats.Add(label, stats.ItemsRetried, 1)
		logrus.WithError(err).WithField("attempt", item.RetryCount).Warnf("Retrying %s in %s", item.URL, delay)
		go js.retry(ctx, item, delay)

	default:
		if errors.Is(err, errs.ErrValidation) {
			js.stats.Add(label, stats.ItemsInvalid, 1)
		}
		logrus.WithError(err).Errorf("Giving up on %s after %d retries", item.URL, item.RetryCount)
		js.results.Update(item.ID, func(s *types.ItemStatus) {
			s.Count += count
			s.Reason = string(reason)
		})
		js.markFailed(item, err)
	}
}

// retry puts the item back on the slow queue once delay has passed.
func (js *JobServer) retry(ctx context.Context, item types.WorkItem, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		js.donePending()
		return
	case <-timer.C:
	}

	if err := js.priorityQueue.EnqueueSlow(&item); err != nil {
		js.markFailed(item, err)
		return
	}
	js.reportDepth()
}

// retryDelay is the exponential backoff interval for the given attempt.
func (js *JobServer) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = js.retryInterval
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (js *JobServer) markFailed(item types.WorkItem, err error) {
	js.results.Update(item.ID, func(s *types.ItemStatus) {
		s.State = types.ItemFailed
		s.Error = err.Error()
		s.UpdatedAt = time.Now()
	})
	js.stats.Add(string(item.Label), stats.ItemsFailed, 1)
	js.donePending()
}
