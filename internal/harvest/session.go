package harvest

import (
	"context"
	"mime"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/masa-finance/timeline-harvester/api/types"
	"github.com/masa-finance/timeline-harvester/internal/jobs/stats"
	"github.com/masa-finance/timeline-harvester/internal/normalize"
	"github.com/masa-finance/timeline-harvester/internal/termination"
)

// Response is one intercepted network response.
type Response struct {
	URL         string
	Status      int
	ContentType string
	Body        []byte
}

// Session is the state of one work item while its driver runs.
type Session struct {
	h       *Harvester
	item    types.WorkItem
	ctrl    *termination.Controller
	emitted atomic.Int64
}

func (s *Session) Item() types.WorkItem {
	return s.item
}

// Context is cancelled once the session is done.
func (s *Session) Context() context.Context {
	return s.ctrl.Context()
}

func (s *Session) Done() <-chan struct{} {
	return s.ctrl.Done()
}

func (s *Session) IsDone() bool {
	return s.ctrl.IsDone()
}

// Touch reports relevant network activity to the idle detector.
func (s *Session) Touch() {
	s.ctrl.Touch()
}

// Fail ends the session with a retryable error.
func (s *Session) Fail(err error) {
	s.ctrl.Fail(err)
}

// Err is the error the session failed with, if it failed.
func (s *Session) Err() error {
	return s.ctrl.Err()
}

// Emitted counts records this session pushed.
func (s *Session) Emitted() int {
	return int(s.emitted.Load())
}

// IsJSON reports whether a content type carries structured data.
func IsJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "application/json")
	}
	return mediaType == "application/json"
}

// HandleResponse runs a response through the pipeline. Responses that are
// not timeline JSON are ignored and a nil payload is returned. A failed
// timeline response fails the session.
func (s *Session) HandleResponse(resp Response) *normalize.Payload {
	if s.ctrl.IsDone() || !IsJSON(resp.ContentType) || !normalize.IsTimelineURL(resp.URL) {
		return nil
	}
	s.ctrl.Touch()
	s.stat(stats.ResponsesSeen, 1)

	if resp.Status < http.StatusOK || resp.Status >= http.StatusMultipleChoices {
		s.stat(stats.ResponseErrors, 1)
		s.ctrl.Fail(&FetchError{URL: resp.URL, Status: resp.Status})
		return nil
	}

	payload, err := normalize.Normalize(resp.Body)
	if err != nil {
		s.stat(stats.FragmentsSkipped, 1)
		logrus.WithError(err).Warnf("Unreadable response from %s", resp.URL)
		return nil
	}
	s.stat(stats.FragmentsSkipped, uint(len(payload.Errors)))

	ctx := s.ctrl.Context()
	s.h.hooks.Fire(ctx, HookEvent{
		Phase: PhaseResponse,
		Item:  s.item,
		Data:  map[string]any{"url": resp.URL, "tweets": len(payload.Tweets), "terminated": payload.Terminated},
	})

	res, err := s.h.records.Run(context.WithValue(ctx, outputKey{}, s), payload, map[string]any{
		"customData": s.h.opts.CustomData,
		"workItem":   s.item.Map(),
	})
	if err != nil {
		logrus.WithError(err).Errorf("Could not emit records from %s", resp.URL)
	}
	s.stat(stats.TweetsOutOfWindow, uint(res.Filtered))
	s.stat(stats.ScriptErrors, uint(res.ScriptErrors))

	if payload.Terminated {
		s.ctrl.Terminate()
	}
	return payload
}

func (s *Session) stat(typ stats.StatType, n uint) {
	s.h.opts.Stats.Add(string(s.item.Label), typ, n)
}

func (s *Session) logProgress(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := int64(-1)
	for {
		select {
		case <-s.ctrl.Done():
			return
		case <-ticker.C:
			if n := s.emitted.Load(); n != last {
				last = n
				logrus.Infof("Extracted %d tweets from %s", n, s.item.URL)
			}
		}
	}
}
