// Package jobserver queues work items and runs them through a processor with
// a bounded number of workers.
package jobserver

import (
	"context"
	"sync"
	"time"

	"github.com/masa-finance/timeline-harvester/api/types"
)

// PriorityQueue keeps two queues of work items:
// - Fast queue: seeds submitted by the operator or the input file
// - Slow queue: targets discovered by hook scripts, and retries
//
// Workers always drain the fast queue first.
type PriorityQueue struct {
	fastQueue chan *types.WorkItem
	slowQueue chan *types.WorkItem
	mu        sync.RWMutex
	closed    bool
	stats     *QueueStats
}

// QueueStats provides real-time metrics about queue performance.
type QueueStats struct {
	mu             sync.RWMutex
	FastQueueDepth int
	SlowQueueDepth int
	FastProcessed  int64
	SlowProcessed  int64
	LastUpdateTime time.Time
}

// NewPriorityQueue creates a new priority queue with the given buffer sizes.
func NewPriorityQueue(fastQueueSize, slowQueueSize int) *PriorityQueue {
	return &PriorityQueue{
		fastQueue: make(chan *types.WorkItem, fastQueueSize),
		slowQueue: make(chan *types.WorkItem, slowQueueSize),
		stats: &QueueStats{
			LastUpdateTime: time.Now(),
		},
	}
}

// EnqueueFast adds an item to the fast queue without blocking.
// Returns ErrQueueFull if the fast queue is at capacity and ErrQueueClosed
// after Close.
func (pq *PriorityQueue) EnqueueFast(item *types.WorkItem) error {
	return pq.enqueue(pq.fastQueue, item, true)
}

// EnqueueSlow adds an item to the slow queue without blocking.
func (pq *PriorityQueue) EnqueueSlow(item *types.WorkItem) error {
	return pq.enqueue(pq.slowQueue, item, false)
}

func (pq *PriorityQueue) enqueue(q chan *types.WorkItem, item *types.WorkItem, fast bool) error {
	// the read lock is held across the send so Close cannot close the
	// channel underneath us
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	if pq.closed {
		return ErrQueueClosed
	}

	select {
	case q <- item:
		pq.updateStats(fast, false)
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue retrieves an item without blocking, fast queue first.
// Returns ErrQueueEmpty if both queues are empty.
func (pq *PriorityQueue) Dequeue() (*types.WorkItem, error) {
	select {
	case item, ok := <-pq.fastQueue:
		if ok {
			pq.updateStats(true, true)
			return item, nil
		}
	default:
	}

	select {
	case item, ok := <-pq.slowQueue:
		if ok {
			pq.updateStats(false, true)
			return item, nil
		}
	default:
	}

	if pq.isClosed() {
		return nil, ErrQueueClosed
	}
	return nil, ErrQueueEmpty
}

// DequeueBlocking waits until an item is available, the queue is closed and
// drained, or ctx is done.
func (pq *PriorityQueue) DequeueBlocking(ctx context.Context) (*types.WorkItem, error) {
	fast, slow := pq.fastQueue, pq.slowQueue
	for {
		if fast == nil && slow == nil {
			return nil, ErrQueueClosed
		}

		// Check fast queue first
		if fast != nil {
			select {
			case item, ok := <-fast:
				if !ok {
					fast = nil
					continue
				}
				pq.updateStats(true, true)
				return item, nil
			default:
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case item, ok := <-fast:
			if !ok {
				fast = nil
				continue
			}
			pq.updateStats(true, true)
			return item, nil
		case item, ok := <-slow:
			if !ok {
				slow = nil
				continue
			}
			pq.updateStats(false, true)
			return item, nil
		}
	}
}

// Close stops further enqueues. Items already queued can still be dequeued,
// after which DequeueBlocking returns ErrQueueClosed. Close is idempotent.
func (pq *PriorityQueue) Close() {
	pq.mu.Lock()
	defer pq.mu.Unlock()

	if !pq.closed {
		pq.closed = true
		close(pq.fastQueue)
		close(pq.slowQueue)
	}
}

func (pq *PriorityQueue) isClosed() bool {
	pq.mu.RLock()
	defer pq.mu.RUnlock()
	return pq.closed
}

// GetStats returns a snapshot of current queue statistics.
func (pq *PriorityQueue) GetStats() QueueStats {
	pq.stats.mu.RLock()
	defer pq.stats.mu.RUnlock()

	return QueueStats{
		FastQueueDepth: len(pq.fastQueue),
		SlowQueueDepth: len(pq.slowQueue),
		FastProcessed:  pq.stats.FastProcessed,
		SlowProcessed:  pq.stats.SlowProcessed,
		LastUpdateTime: pq.stats.LastUpdateTime,
	}
}

func (pq *PriorityQueue) updateStats(isFast bool, isDequeue bool) {
	pq.stats.mu.Lock()
	defer pq.stats.mu.Unlock()

	if isDequeue {
		if isFast {
			pq.stats.FastProcessed++
		} else {
			pq.stats.SlowProcessed++
		}
	}
	pq.stats.LastUpdateTime = time.Now()
}
