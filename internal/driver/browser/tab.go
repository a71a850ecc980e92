package browser

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/sirupsen/logrus"

	"github.com/masa-finance/timeline-harvester/api/types"
	"github.com/masa-finance/timeline-harvester/internal/harvest"
	"github.com/masa-finance/timeline-harvester/internal/normalize"
)

var (
	errNoPage     = errors.New("browser: could not open a page")
	errPageFailed = errors.New("page failed to load")
)

// responseSink is what a tab reports to.
type responseSink interface {
	Item() types.WorkItem
	Done() <-chan struct{}
	IsDone() bool
	HandleResponse(resp harvest.Response) *normalize.Payload
}

type captured struct {
	id   proto.NetworkRequestID
	resp *proto.NetworkResponse
}

type tab struct {
	raw    *rod.Page
	page   *rod.Page
	router *rod.HijackRouter
	opts   Options
	sink   responseSink

	mu      sync.Mutex
	pending map[proto.NetworkRequestID]*proto.NetworkResponse
	bodies  chan captured
	closed  bool
	wg      sync.WaitGroup
}

func openTab(ctx context.Context, b *rod.Browser, opts Options, cookies []*http.Cookie, sink responseSink) (*tab, error) {
	raw, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoPage, err)
	}
	page := raw.Context(ctx)

	t := &tab{
		raw:     raw,
		page:    page,
		opts:    opts,
		sink:    sink,
		pending: map[proto.NetworkRequestID]*proto.NetworkResponse{},
		bodies:  make(chan captured, 64),
	}

	if len(cookies) > 0 {
		if err := page.SetCookies(cookieParams(cookies)); err != nil {
			logrus.WithError(err).Warn("Could not set browser cookies")
		}
	}
	t.router = applyResourceBlocking(page, opts.BlockedHosts)

	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		t.close()
		return nil, fmt.Errorf("%w: enabling network events: %v", errNoPage, err)
	}
	t.listen()

	item := sink.Item()
	if err := opts.Limiter.Wait(ctx); err != nil {
		t.close()
		return nil, err
	}
	nav := page.Timeout(opts.NavigationTimeout)
	if err := nav.Navigate(item.URL); err != nil {
		t.close()
		return nil, &harvest.FetchError{URL: item.URL, Err: err}
	}
	if err := nav.WaitLoad(); err != nil {
		logrus.WithError(err).Warnf("Page load did not settle for %s", item.URL)
	}
	return t, nil
}

// listen collects timeline responses as they arrive. Bodies are read in
// arrival order by a single goroutine so the event loop never blocks.
func (t *tab) listen() {
	go t.page.EachEvent(
		func(e *proto.NetworkResponseReceived) {
			if e.Response == nil || !normalize.IsTimelineURL(e.Response.URL) || !harvest.IsJSON(e.Response.MIMEType) {
				return
			}
			t.mu.Lock()
			t.pending[e.RequestID] = e.Response
			t.mu.Unlock()
		},
		func(e *proto.NetworkLoadingFinished) {
			t.mu.Lock()
			defer t.mu.Unlock()
			resp, ok := t.pending[e.RequestID]
			delete(t.pending, e.RequestID)
			if !ok || t.closed {
				return
			}
			select {
			case t.bodies <- captured{id: e.RequestID, resp: resp}:
			default:
				logrus.Warnf("Dropped response from %s, reader is behind", resp.URL)
			}
		},
	)()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for c := range t.bodies {
			t.deliver(c)
		}
	}()
}

func (t *tab) deliver(c captured) {
	if t.sink.IsDone() {
		return
	}
	res, err := proto.NetworkGetResponseBody{RequestID: c.id}.Call(t.page)
	if err != nil {
		if !t.sink.IsDone() {
			logrus.WithError(err).Debugf("Could not read body of %s", c.resp.URL)
		}
		return
	}
	body := []byte(res.Body)
	if res.Base64Encoded {
		if body, err = base64.StdEncoding.DecodeString(res.Body); err != nil {
			logrus.WithError(err).Debugf("Undecodable body of %s", c.resp.URL)
			return
		}
	}
	t.sink.HandleResponse(harvest.Response{
		URL:         c.resp.URL,
		Status:      c.resp.Status,
		ContentType: c.resp.MIMEType,
		Body:        body,
	})
}

// run scrolls the timeline until the session is done. The page keeps
// loading pages as long as there is more to show.
func (t *tab) run(ctx context.Context) error {
	item := t.sink.Item()

	text, err := t.page.Eval(`() => document.body ? document.body.innerText : ""`)
	if err == nil && failedToLoad(text.Value.Str()) {
		return &harvest.FetchError{URL: item.URL, Err: errPageFailed}
	}

	ticker := time.NewTicker(t.opts.ScrollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.sink.Done():
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if _, err := t.page.Eval(expandRepliesJS); err != nil && !t.sink.IsDone() {
			logrus.WithError(err).Debug("Could not expand replies")
		}
		res, err := t.page.Eval(scrollJS)
		if err != nil {
			if t.sink.IsDone() || ctx.Err() != nil {
				return nil
			}
			return &harvest.FetchError{URL: item.URL, Err: err}
		}
		if failedToLoad(res.Value.Str()) {
			return &harvest.FetchError{URL: item.URL, Err: errPageFailed}
		}
	}
}

func (t *tab) close() {
	if t.router != nil {
		if err := t.router.Stop(); err != nil {
			logrus.WithError(err).Debug("Stopping request router")
		}
	}
	if err := t.raw.Close(); err != nil {
		logrus.WithError(err).Debug("Closing page")
	}
	t.mu.Lock()
	if !t.closed {
		t.closed = true
		close(t.bodies)
	}
	t.mu.Unlock()
	t.wg.Wait()
}

// expandRepliesJS clicks the buttons that reveal hidden replies.
const expandRepliesJS = `() => {
	let clicked = 0;
	for (const el of document.querySelectorAll('[role="button"]')) {
		if (/^(show (more )?replies|show additional replies|show)$/i.test((el.innerText || "").trim())) {
			el.click();
			clicked++;
		}
	}
	return clicked;
}`

// scrollJS scrolls one screen down and returns the text of an error
// banner, if one is shown.
const scrollJS = `() => {
	window.scrollBy(0, window.innerHeight * 2);
	const alert = document.querySelector('[role="alert"], [data-testid="error-detail"]');
	return alert ? alert.innerText : "";
}`
