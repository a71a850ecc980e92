// Package feed drives work items over a JSON timeline API, following the
// bottom cursor of each page until the timeline ends.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/masa-finance/timeline-harvester/api/types"
	"github.com/masa-finance/timeline-harvester/internal/driver"
	"github.com/masa-finance/timeline-harvester/internal/harvest"
	"github.com/masa-finance/timeline-harvester/internal/normalize"
	"github.com/masa-finance/timeline-harvester/internal/session"
)

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

var errNotTimeline = errors.New("response is not a timeline")

type Options struct {
	// BaseURL is the root of the feed API. Pages are requested from
	// <BaseURL>/2/timeline/<label>.json.
	BaseURL   string
	Sessions  *session.Manager
	Limiter   *rate.Limiter
	Timeout   time.Duration
	PageSize  int
	MaxPages  int
	UserAgent string
}

type Driver struct {
	opts Options
	base *url.URL
}

func New(opts Options) (*Driver, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid feed base url %q", opts.BaseURL)
	}
	if opts.Limiter == nil {
		opts.Limiter = driver.NewLimiter(0)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	return &Driver{opts: opts, base: base}, nil
}

// PageURL is the address of the page of item that starts at cursor.
func (d *Driver) PageURL(item types.WorkItem, cursor string) string {
	u := *d.base
	u.Path = u.Path + "/2/timeline/" + string(item.Label) + ".json"
	q := url.Values{}
	q.Set("target", item.URL)
	q.Set("count", fmt.Sprint(d.opts.PageSize))
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (d *Driver) Run(ctx context.Context, s *harvest.Session) (err error) {
	creds, err := driver.Acquire(ctx, d.opts.Sessions)
	if err != nil {
		return err
	}
	defer func() {
		driver.Release(d.opts.Sessions, creds, driver.FirstError(err, s.Err()))
	}()

	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.UserAgent(d.opts.UserAgent),
	)
	c.SetRequestTimeout(d.opts.Timeout)
	if len(creds.Cookies) > 0 {
		if err := c.SetCookies(d.base.String(), creds.Cookies); err != nil {
			logrus.WithError(err).Warn("Could not set feed cookies")
		}
	}

	var (
		payload  *normalize.Payload
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		payload = s.HandleResponse(harvest.Response{
			URL:         r.Request.URL.String(),
			Status:      r.StatusCode,
			ContentType: r.Headers.Get("Content-Type"),
			Body:        r.Body,
		})
	})
	c.OnError(func(r *colly.Response, err error) {
		fe := &harvest.FetchError{URL: r.Request.URL.String(), Status: r.StatusCode}
		if r.StatusCode == 0 {
			fe.Err = err
		} else {
			s.HandleResponse(harvest.Response{
				URL:         r.Request.URL.String(),
				Status:      r.StatusCode,
				ContentType: r.Headers.Get("Content-Type"),
				Body:        r.Body,
			})
		}
		fetchErr = fe
	})

	item := s.Item()
	seen := map[string]bool{}
	cursor := ""
	for pages := 0; d.opts.MaxPages <= 0 || pages < d.opts.MaxPages; pages++ {
		if s.IsDone() {
			return nil
		}
		if err := d.opts.Limiter.Wait(ctx); err != nil {
			if s.IsDone() {
				return nil
			}
			return err
		}

		payload, fetchErr = nil, nil
		pageURL := d.PageURL(item, cursor)
		logrus.Debugf("Fetching %s", pageURL)
		if err := c.Visit(pageURL); err != nil && fetchErr == nil {
			fetchErr = &harvest.FetchError{URL: pageURL, Err: err}
		}
		if fetchErr != nil {
			return fetchErr
		}
		if s.IsDone() {
			return nil
		}
		if payload == nil {
			return &harvest.FetchError{URL: pageURL, Err: errNotTimeline}
		}

		seen[cursor] = true
		if payload.Cursor == "" || seen[payload.Cursor] {
			logrus.Debugf("No further pages for %s", item.URL)
			return nil
		}
		cursor = payload.Cursor
	}
	return nil
}
