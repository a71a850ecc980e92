package jobserver

import (
	"container/list"
	"sync"
	"time"

	"github.com/masa-finance/timeline-harvester/api/types"
)

// Default values
const (
	defaultMaxSize = 1000
	defaultMaxAge  = 10 * time.Minute
)

type cacheEntry struct {
	key       string
	status    types.ItemStatus
	timestamp time.Time
	element   *list.Element // pointer to the element in the list
}

// ResultCache remembers the latest status of each work item. Entries are
// evicted oldest first once maxSize is reached, and after maxAge.
type ResultCache struct {
	lock    sync.Mutex
	entries map[string]*cacheEntry
	order   *list.List // oldest at Front, newest at Back
	maxSize int
	maxAge  time.Duration
	stop    chan struct{}
	once    sync.Once
}

func NewResultCache(maxSize int, maxAge time.Duration) *ResultCache {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	rc := &ResultCache{
		entries: make(map[string]*cacheEntry),
		order:   list.New(),
		maxSize: maxSize,
		maxAge:  maxAge,
		stop:    make(chan struct{}),
	}
	go rc.periodicCleanup()
	return rc
}

func (rc *ResultCache) Set(key string, status types.ItemStatus) {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	if entry, exists := rc.entries[key]; exists {
		entry.status = status
		entry.timestamp = time.Now()
		rc.order.MoveToBack(entry.element)
		return
	}
	entry := &cacheEntry{
		key:       key,
		status:    status,
		timestamp: time.Now(),
	}
	entry.element = rc.order.PushBack(entry)
	rc.entries[key] = entry
	for len(rc.entries) > rc.maxSize {
		oldest := rc.order.Front()
		if oldest == nil {
			break
		}
		oldestEntry := oldest.Value.(*cacheEntry)
		delete(rc.entries, oldestEntry.key)
		rc.order.Remove(oldest)
	}
}

// Update applies fn to the stored status of key, if there is one.
func (rc *ResultCache) Update(key string, fn func(*types.ItemStatus)) bool {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	entry, exists := rc.entries[key]
	if !exists {
		return false
	}
	fn(&entry.status)
	entry.timestamp = time.Now()
	rc.order.MoveToBack(entry.element)
	return true
}

func (rc *ResultCache) Get(key string) (types.ItemStatus, bool) {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	entry, exists := rc.entries[key]
	if !exists {
		return types.ItemStatus{}, false
	}
	if time.Since(entry.timestamp) > rc.maxAge {
		rc.order.Remove(entry.element)
		delete(rc.entries, key)
		return types.ItemStatus{}, false
	}
	return entry.status, true
}

func (rc *ResultCache) Len() int {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	return len(rc.entries)
}

// Close stops the cleanup goroutine.
func (rc *ResultCache) Close() {
	rc.once.Do(func() { close(rc.stop) })
}

func (rc *ResultCache) periodicCleanup() {
	ticker := time.NewTicker(rc.maxAge / 2)
	defer ticker.Stop()
	for {
		select {
		case <-rc.stop:
			return
		case <-ticker.C:
			rc.cleanupExpired()
		}
	}
}

func (rc *ResultCache) cleanupExpired() {
	rc.lock.Lock()
	defer rc.lock.Unlock()
	now := time.Now()
	for e := rc.order.Front(); e != nil; {
		next := e.Next()
		entry := e.Value.(*cacheEntry)
		if now.Sub(entry.timestamp) > rc.maxAge {
			delete(rc.entries, entry.key)
			rc.order.Remove(e)
		}
		e = next
	}
}
