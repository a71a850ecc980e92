package jobserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/timeline-harvester/api/types"
	"github.com/masa-finance/timeline-harvester/internal/config"
	"github.com/masa-finance/timeline-harvester/internal/errs"
	"github.com/masa-finance/timeline-harvester/internal/jobs/stats"
	"github.com/masa-finance/timeline-harvester/internal/metrics"
	"github.com/masa-finance/timeline-harvester/internal/targets"
)

type JobServer struct {
	sync.Mutex

	workers   int
	processor Processor

	results          *ResultCache
	stats            *stats.StatsCollector
	jobConfiguration config.JobConfiguration

	priorityQueue *PriorityQueue

	// seen maps canonical urls to item ids; an url is only ever queued once
	seen    map[string]string
	pending int
	drained chan struct{}

	maxRetries    int
	retryInterval time.Duration
}

func NewJobServer(workers int, jc config.JobConfiguration) *JobServer {
	logrus.Info("Initializing JobServer...")

	if workers <= 0 {
		logrus.Infof("Invalid worker count (%d), defaulting to 1 worker.", workers)
		workers = 1
	} else {
		logrus.Infof("Setting worker count to %d.", workers)
	}

	bufSize, ok := jc["stats_buf_size"].(uint)
	if !ok {
		logrus.Debug("stats_buf_size not provided or invalid in JobConfiguration. Defaulting to 128.")
		bufSize = 128
	}
	s := stats.StartCollector(bufSize, jc)

	fastQueueSize, err := jc.GetInt("fast_queue_size", 1000)
	if err != nil {
		logrus.WithError(err).Warn("Invalid fast_queue_size, using the default")
	}
	slowQueueSize, err := jc.GetInt("slow_queue_size", 10000)
	if err != nil {
		logrus.WithError(err).Warn("Invalid slow_queue_size, using the default")
	}
	maxRetries, err := jc.GetInt("max_request_retries", 10)
	if err != nil {
		logrus.WithError(err).Warn("Invalid max_request_retries, using the default")
	}
	cacheSize, err := jc.GetInt("result_cache_max_size", 10000)
	if err != nil {
		logrus.WithError(err).Warn("Invalid result_cache_max_size, using the default")
	}

	drained := make(chan struct{})
	close(drained)

	logrus.Infof("Priority queue initialized (fast: %d, slow: %d)", fastQueueSize, slowQueueSize)
	return &JobServer{
		workers:          workers,
		results:          NewResultCache(cacheSize, jc.GetDuration("result_cache_max_age_seconds", 3600)),
		stats:            s,
		jobConfiguration: jc,
		priorityQueue:    NewPriorityQueue(fastQueueSize, slowQueueSize),
		seen:             map[string]string{},
		drained:          drained,
		maxRetries:       maxRetries,
		retryInterval:    jc.GetDuration("retry_initial_interval", 1),
	}
}

// SetProcessor sets what the workers run each work item through. It must be
// called before Run.
func (js *JobServer) SetProcessor(p Processor) {
	js.Lock()
	defer js.Unlock()
	js.processor = p
}

func (js *JobServer) Stats() *stats.StatsCollector {
	return js.stats
}

// Run starts the workers and blocks until ctx is done and every worker has
// returned.
func (js *JobServer) Run(ctx context.Context) error {
	js.Lock()
	p := js.processor
	js.Unlock()
	if p == nil {
		return ErrNoProcessor
	}

	var wg sync.WaitGroup
	for i := 0; i < js.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			js.worker(ctx, p)
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

// Enqueue adds seed items to the fast queue. Items whose url was queued
// before are ignored. It returns the ids that were added.
func (js *JobServer) Enqueue(items ...types.WorkItem) ([]string, error) {
	return js.enqueue(items, true)
}

// EnqueueSlow adds discovered items to the slow queue.
func (js *JobServer) EnqueueSlow(items ...types.WorkItem) ([]string, error) {
	return js.enqueue(items, false)
}

// Discovered returns an enqueuer that routes to the slow queue.
func (js *JobServer) Discovered() targets.Enqueuer {
	return EnqueueFunc(js.EnqueueSlow)
}

// EnqueueFunc adapts a function to the targets.Enqueuer interface.
type EnqueueFunc func(items ...types.WorkItem) ([]string, error)

func (f EnqueueFunc) Enqueue(items ...types.WorkItem) ([]string, error) {
	return f(items...)
}

func (js *JobServer) enqueue(items []types.WorkItem, fast bool) ([]string, error) {
	var (
		added   []string
		errList []error
	)
	for _, item := range items {
		if item.URL == "" {
			errList = append(errList, fmt.Errorf("%w: work item without url", errs.ErrValidation))
			continue
		}
		if item.ID == "" {
			item.ID = targets.ItemID(item.URL)
		}

		js.Lock()
		if _, dup := js.seen[item.URL]; dup {
			js.Unlock()
			continue
		}
		js.seen[item.URL] = item.ID
		js.addPending()
		js.Unlock()

		js.results.Set(item.ID, types.ItemStatus{Item: item, State: types.ItemQueued, UpdatedAt: time.Now()})

		queued := item
		var err error
		if fast {
			err = js.priorityQueue.EnqueueFast(&queued)
		} else {
			err = js.priorityQueue.EnqueueSlow(&queued)
		}
		if err != nil {
			js.Lock()
			delete(js.seen, item.URL)
			js.Unlock()
			js.markFailed(item, err)
			errList = append(errList, fmt.Errorf("queueing %s: %w", item.URL, err))
			continue
		}

		logrus.WithFields(logrus.Fields{"id": item.ID, "label": item.Label, "fast": fast}).Debugf("Queued %s", item.URL)
		js.stats.Add(string(item.Label), stats.ItemsQueued, 1)
		added = append(added, item.ID)
	}
	js.reportDepth()
	return added, errors.Join(errList...)
}

// addPending must be called with the lock held.
func (js *JobServer) addPending() {
	if js.pending == 0 {
		js.drained = make(chan struct{})
	}
	js.pending++
}

func (js *JobServer) donePending() {
	js.Lock()
	defer js.Unlock()
	js.pending--
	if js.pending == 0 {
		close(js.drained)
	}
}

// Pending returns the number of items queued, running or waiting for a retry.
func (js *JobServer) Pending() int {
	js.Lock()
	defer js.Unlock()
	return js.pending
}

// Wait blocks until no item is pending or ctx is done.
func (js *JobServer) Wait(ctx context.Context) error {
	for {
		js.Lock()
		ch := js.drained
		js.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
			if js.Pending() == 0 {
				return nil
			}
		}
	}
}

func (js *JobServer) GetItemStatus(id string) (types.ItemStatus, bool) {
	return js.results.Get(id)
}

func (js *JobServer) GetQueueStats() *QueueStats {
	s := js.priorityQueue.GetStats()
	return &s
}

func (js *JobServer) reportDepth() {
	s := js.priorityQueue.GetStats()
	metrics.SetQueueDepth(s.FastQueueDepth, s.SlowQueueDepth)
}

// Shutdown closes the queues. Items already queued stay unprocessed once the
// Run context is done.
func (js *JobServer) Shutdown() {
	js.priorityQueue.Close()
	js.results.Close()
}
