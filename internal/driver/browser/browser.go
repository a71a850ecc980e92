// Package browser drives work items with a headless Chrome. The page is
// scrolled while the timeline responses it loads are read off the network
// and handed to the harvest session.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/masa-finance/timeline-harvester/internal/driver"
	"github.com/masa-finance/timeline-harvester/internal/harvest"
	"github.com/masa-finance/timeline-harvester/internal/session"
)

type Options struct {
	// RemoteURL is the DevTools websocket of an external Chrome. Empty
	// launches a local one.
	RemoteURL string
	Headless  bool
	Sessions  *session.Manager
	Limiter   *rate.Limiter

	NavigationTimeout time.Duration
	ScrollInterval    time.Duration
	// BlockedHosts are request hosts that never load, on top of images,
	// media and fonts.
	BlockedHosts []string
}

type Driver struct {
	opts Options

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

func New(opts Options) *Driver {
	if opts.Limiter == nil {
		opts.Limiter = driver.NewLimiter(0)
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 60 * time.Second
	}
	if opts.ScrollInterval <= 0 {
		opts.ScrollInterval = time.Second
	}
	if opts.BlockedHosts == nil {
		opts.BlockedHosts = defaultBlockedHosts
	}
	return &Driver{opts: opts}
}

// Start launches or connects to Chrome. Run calls it when needed.
func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.startLocked()
	return err
}

func (d *Driver) startLocked() (*rod.Browser, error) {
	if d.closed {
		return nil, fmt.Errorf("browser: driver is closed")
	}
	if d.browser != nil {
		return d.browser, nil
	}

	wsURL := d.opts.RemoteURL
	if wsURL != "" {
		logrus.Infof("Connecting to remote browser at %s", wsURL)
	} else {
		l := launcher.New().
			Headless(d.opts.Headless).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		d.lnch = l
		logrus.Infof("Launched local browser (headless: %t)", d.opts.Headless)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		d.cleanupLocked()
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	d.browser = b
	return b, nil
}

// Close shuts Chrome down.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.cleanupLocked()
	return nil
}

func (d *Driver) cleanupLocked() {
	if d.browser != nil {
		if err := d.browser.Close(); err != nil {
			logrus.WithError(err).Debug("Closing browser")
		}
		d.browser = nil
	}
	if d.lnch != nil {
		d.lnch.Cleanup()
		d.lnch = nil
	}
}

// restart drops a browser that stopped answering so the next Run relaunches.
func (d *Driver) restart(b *rod.Browser) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.browser == b {
		logrus.Warn("Restarting unresponsive browser")
		d.cleanupLocked()
	}
}

func (d *Driver) acquireBrowser() (*rod.Browser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startLocked()
}

// Run opens the work item in a fresh tab and scrolls until the session is done.
func (d *Driver) Run(ctx context.Context, s *harvest.Session) (err error) {
	creds, err := driver.Acquire(ctx, d.opts.Sessions)
	if err != nil {
		return err
	}
	defer func() {
		driver.Release(d.opts.Sessions, creds, driver.FirstError(err, s.Err()))
	}()

	b, err := d.acquireBrowser()
	if err != nil {
		return err
	}

	t, err := openTab(ctx, b, d.opts, creds.Cookies, s)
	if err != nil {
		if errors.Is(err, errNoPage) {
			d.restart(b)
		}
		return err
	}
	defer t.close()

	return t.run(ctx)
}
