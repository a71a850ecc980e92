// Package termination decides when a pagination session is over. The first
// of the budget, an end-of-timeline marker, network idleness or the session
// ceiling resolves the controller; later triggers are no-ops.
package termination

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Reason string

const (
	ReasonBudget     Reason = "budget"
	ReasonTerminated Reason = "terminated"
	ReasonIdle       Reason = "idle"
	ReasonCeiling    Reason = "ceiling"
	ReasonFinished   Reason = "finished"
	ReasonFailed     Reason = "failed"
	ReasonCancelled  Reason = "cancelled"
)

// Success reports whether the work item is complete and need not be retried.
func (r Reason) Success() bool {
	switch r {
	case ReasonBudget, ReasonTerminated, ReasonIdle, ReasonCeiling, ReasonFinished:
		return true
	}
	return false
}

// Ledger is the part of the ledger the controller observes.
type Ledger interface {
	IsDone(itemID string) bool
	Watch(itemID string, fn func()) (cancel func())
	Finish(itemID string)
}

type Options struct {
	ItemID string
	Ledger Ledger
	// IdleTimeout ends the session after that long without Touch. Zero disables it.
	IdleTimeout time.Duration
	// MaxDuration is the wall clock ceiling. Zero disables it.
	MaxDuration time.Duration
}

type Controller struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	reason       Reason
	err          error
	lastActivity time.Time
	idle         *time.Timer
	ceiling      *time.Timer
	release      []func()
}

// New starts the controller. It resolves right away when the ledger already
// reports the item done, and with ReasonCancelled when parent is cancelled.
func New(parent context.Context, opts Options) *Controller {
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		opts:         opts,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		lastActivity: time.Now(),
	}

	c.mu.Lock()
	if opts.IdleTimeout > 0 {
		c.idle = time.AfterFunc(opts.IdleTimeout, c.onIdle)
	}
	if opts.MaxDuration > 0 {
		c.ceiling = time.AfterFunc(opts.MaxDuration, func() { c.Resolve(ReasonCeiling) })
	}
	c.mu.Unlock()

	go func() {
		select {
		case <-parent.Done():
			c.Resolve(ReasonCancelled)
		case <-c.done:
		}
	}()

	if opts.Ledger != nil {
		c.OnRelease(opts.Ledger.Watch(opts.ItemID, func() { c.Resolve(ReasonBudget) }))
	}
	return c
}

// Touch records relevant network activity and pushes the idle deadline back.
func (c *Controller) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason != "" {
		return
	}
	c.lastActivity = time.Now()
	if c.idle != nil {
		c.idle.Reset(c.opts.IdleTimeout)
	}
}

func (c *Controller) onIdle() {
	c.mu.Lock()
	if c.reason != "" {
		c.mu.Unlock()
		return
	}
	// a Touch may have raced with the timer firing
	if wait := c.opts.IdleTimeout - time.Since(c.lastActivity); wait > 0 {
		c.idle.Reset(wait)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.Resolve(ReasonIdle)
}

// Terminate reports an explicit end-of-timeline marker.
func (c *Controller) Terminate() bool {
	return c.Resolve(ReasonTerminated)
}

// Fail ends the session with a retryable error.
func (c *Controller) Fail(err error) bool {
	return c.resolve(ReasonFailed, err)
}

// Resolve moves the controller to DONE. Only the first call has an effect
// and it reports true.
func (c *Controller) Resolve(reason Reason) bool {
	return c.resolve(reason, nil)
}

func (c *Controller) resolve(reason Reason, err error) bool {
	c.mu.Lock()
	if c.reason != "" {
		c.mu.Unlock()
		return false
	}
	c.reason = reason
	c.err = err
	if c.idle != nil {
		c.idle.Stop()
	}
	if c.ceiling != nil {
		c.ceiling.Stop()
	}
	release := c.release
	c.release = nil
	close(c.done)
	c.mu.Unlock()

	c.cancel()
	for _, fn := range release {
		fn()
	}

	if reason.Success() && c.opts.Ledger != nil {
		c.opts.Ledger.Finish(c.opts.ItemID)
	}
	logrus.WithFields(logrus.Fields{"item": c.opts.ItemID, "reason": reason}).Debug("Session resolved")
	return true
}

// Done is closed once the controller resolves.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

func (c *Controller) IsDone() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *Controller) Reason() Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Context is cancelled when the controller resolves. Drivers run their
// navigation and scroll loops under it.
func (c *Controller) Context() context.Context {
	return c.ctx
}

// Wait blocks until the controller resolves or ctx is done.
func (c *Controller) Wait(ctx context.Context) (Reason, error) {
	select {
	case <-c.done:
		return c.Reason(), c.Err()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// OnRelease registers fn to run once on resolution, or now if already resolved.
func (c *Controller) OnRelease(fn func()) {
	c.mu.Lock()
	if c.reason == "" {
		c.release = append(c.release, fn)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	fn()
}

// Close releases the controller, resolving it as cancelled if still running.
func (c *Controller) Close() {
	c.Resolve(ReasonCancelled)
}
