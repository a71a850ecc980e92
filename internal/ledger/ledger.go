// Package ledger keeps the at-most-once accounting of emitted records: a
// global set of emitted record ids and a per work item count checked against
// the desired budget.
package ledger

import (
	"sort"
	"sync"
)

// Snapshot is the persisted form of the ledger.
type Snapshot struct {
	Counts   map[string]int `json:"counts"`
	Emitted  []string       `json:"emitted"`
	Finished []string       `json:"finished"`
}

type Ledger struct {
	// emitting is held shared by Emit and exclusively while a checkpoint
	// snapshot is taken.
	emitting sync.RWMutex

	mu       sync.Mutex
	budget   int
	counts   map[string]int
	emitted  map[string]struct{}
	finished map[string]struct{}
	watchers map[string]map[int]func()
	nextID   int
	version  uint64
}

// New creates an empty ledger. A budget of zero or less never completes a
// work item by count.
func New(budget int) *Ledger {
	l := &Ledger{budget: budget}
	l.reset()
	return l
}

func (l *Ledger) reset() {
	l.counts = map[string]int{}
	l.emitted = map[string]struct{}{}
	l.finished = map[string]struct{}{}
	l.watchers = map[string]map[int]func(){}
}

func (l *Ledger) Budget() int {
	return l.budget
}

// ShouldAccept reports whether the record has not been emitted yet and the
// work item still has budget left.
func (l *Ledger) ShouldAccept(recordID, itemID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.shouldAccept(recordID, itemID)
}

// Accept records the id as emitted for the work item. Accepting an id that
// was already emitted changes nothing.
func (l *Ledger) Accept(recordID, itemID string) {
	l.mu.Lock()
	fire := l.accept(recordID, itemID)
	l.mu.Unlock()
	run(fire)
}

// TryAccept is ShouldAccept and Accept as one step. Concurrent callers racing
// on the same record id see exactly one true.
func (l *Ledger) TryAccept(recordID, itemID string) bool {
	l.mu.Lock()
	if !l.shouldAccept(recordID, itemID) {
		l.mu.Unlock()
		return false
	}
	fire := l.accept(recordID, itemID)
	l.mu.Unlock()
	run(fire)
	return true
}

// Emit accepts the record and hands it to push before any checkpoint can
// snapshot the ledger, so a saved snapshot only holds pushed records. A
// rejected record is not pushed.
func (l *Ledger) Emit(recordID, itemID string, push func() error) (bool, error) {
	l.emitting.RLock()
	defer l.emitting.RUnlock()

	if !l.TryAccept(recordID, itemID) {
		return false, nil
	}
	return true, push()
}

func (l *Ledger) IsDone(itemID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isDone(itemID)
}

func (l *Ledger) Count(itemID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[itemID]
}

// Emitted reports whether a record id was ever accepted.
func (l *Ledger) Emitted(recordID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.emitted[recordID]
	return ok
}

// Finish seals a work item that ended for another reason than its budget,
// e.g. the timeline ran out. A finished item is done for good.
func (l *Ledger) Finish(itemID string) {
	l.mu.Lock()
	if _, ok := l.finished[itemID]; ok {
		l.mu.Unlock()
		return
	}
	l.finished[itemID] = struct{}{}
	l.version++
	fire := l.takeWatchers(itemID)
	l.mu.Unlock()
	run(fire)
}

// Watch calls fn once when the work item becomes done, immediately if it
// already is. The returned function unregisters fn.
func (l *Ledger) Watch(itemID string, fn func()) (cancel func()) {
	l.mu.Lock()
	if l.isDone(itemID) {
		l.mu.Unlock()
		fn()
		return func() {}
	}
	id := l.nextID
	l.nextID++
	if l.watchers[itemID] == nil {
		l.watchers[itemID] = map[int]func(){}
	}
	l.watchers[itemID][id] = fn
	l.mu.Unlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if w := l.watchers[itemID]; w != nil {
			delete(w, id)
			if len(w) == 0 {
				delete(l.watchers, itemID)
			}
		}
	}
}

// Version changes whenever the state does.
func (l *Ledger) Version() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.version
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

// pushedSnapshot waits for in-flight emits and returns the state with its
// version.
func (l *Ledger) pushedSnapshot() (Snapshot, uint64) {
	l.emitting.Lock()
	defer l.emitting.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot(), l.version
}

func (l *Ledger) snapshot() Snapshot {
	s := Snapshot{
		Counts:   make(map[string]int, len(l.counts)),
		Emitted:  make([]string, 0, len(l.emitted)),
		Finished: make([]string, 0, len(l.finished)),
	}
	for k, v := range l.counts {
		s.Counts[k] = v
	}
	for id := range l.emitted {
		s.Emitted = append(s.Emitted, id)
	}
	for id := range l.finished {
		s.Finished = append(s.Finished, id)
	}
	sort.Strings(s.Emitted)
	sort.Strings(s.Finished)
	return s
}

// Restore replaces the state with a snapshot. Registered watchers are kept
// and fire for items the snapshot marks as done.
func (l *Ledger) Restore(s Snapshot) {
	l.mu.Lock()
	watchers := l.watchers
	l.reset()
	l.watchers = watchers
	for k, v := range s.Counts {
		l.counts[k] = v
	}
	for _, id := range s.Emitted {
		l.emitted[id] = struct{}{}
	}
	for _, id := range s.Finished {
		l.finished[id] = struct{}{}
	}
	l.version++

	var fire []func()
	for itemID := range l.watchers {
		if l.isDone(itemID) {
			fire = append(fire, l.takeWatchers(itemID)...)
		}
	}
	l.mu.Unlock()
	run(fire)
}

// Reset forgets everything. It is the only way the ledger shrinks.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reset()
	l.version++
}

func (l *Ledger) shouldAccept(recordID, itemID string) bool {
	if _, seen := l.emitted[recordID]; seen {
		return false
	}
	return !l.isDone(itemID)
}

func (l *Ledger) accept(recordID, itemID string) []func() {
	if _, seen := l.emitted[recordID]; seen {
		return nil
	}
	l.emitted[recordID] = struct{}{}
	l.counts[itemID]++
	l.version++
	if l.isDone(itemID) {
		return l.takeWatchers(itemID)
	}
	return nil
}

func (l *Ledger) isDone(itemID string) bool {
	if _, ok := l.finished[itemID]; ok {
		return true
	}
	return l.budget > 0 && l.counts[itemID] >= l.budget
}

func (l *Ledger) takeWatchers(itemID string) []func() {
	w := l.watchers[itemID]
	if len(w) == 0 {
		return nil
	}
	delete(l.watchers, itemID)
	fire := make([]func(), 0, len(w))
	for _, fn := range w {
		fire = append(fire, fn)
	}
	return fire
}

// run calls watchers outside the lock so they may use the ledger.
func run(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}
