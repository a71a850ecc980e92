package harvest_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/masa-finance/timeline-harvester/api/types"
	"github.com/masa-finance/timeline-harvester/internal/errs"
	. "github.com/masa-finance/timeline-harvester/internal/harvest"
	"github.com/masa-finance/timeline-harvester/internal/ledger"
	"github.com/masa-finance/timeline-harvester/internal/pipeline"
	"github.com/masa-finance/timeline-harvester/internal/termination"
	"github.com/masa-finance/timeline-harvester/internal/window"
)

const timelineURL = "https://twitter.com/i/api/graphql/abc/UserTweets"

type memSink struct {
	mu      sync.Mutex
	records []any
}

func (m *memSink) Push(_ context.Context, r any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, r)
	return nil
}

// flakySink buffers every record but reports a failed write for one id.
type flakySink struct {
	memSink
	failOn string
}

func (f *flakySink) Push(ctx context.Context, r any) error {
	_ = f.memSink.Push(ctx, r)
	if rec, ok := r.(map[string]any); ok && fmt.Sprint(rec["id"]) == f.failOn {
		return errors.New("disk full")
	}
	return nil
}

func (m *memSink) ids() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.records {
		if rec, ok := r.(map[string]any); ok {
			out = append(out, fmt.Sprint(rec["id"]))
		}
	}
	return out
}

// feedDriver plays back responses, then waits for the session to end unless
// finish is set.
type feedDriver struct {
	responses []Response
	finish    bool
	err       error
}

func (d *feedDriver) Run(ctx context.Context, s *Session) error {
	for _, r := range d.responses {
		if s.IsDone() {
			return nil
		}
		s.HandleResponse(r)
	}
	if d.err != nil {
		return d.err
	}
	if d.finish {
		return nil
	}
	<-ctx.Done()
	return nil
}

func tweet(id string, created time.Time) map[string]any {
	return map[string]any{"content": map[string]any{
		"entryType": "TimelineTimelineItem",
		"itemContent": map[string]any{"tweet_results": map[string]any{"result": map[string]any{
			"rest_id": id,
			"core": map[string]any{"user_results": map[string]any{"result": map[string]any{
				"rest_id": "42", "legacy": map[string]any{"screen_name": "gopher", "entities": map[string]any{}},
			}}},
			"legacy": map[string]any{
				"full_text":  "tweet " + id,
				"created_at": created.UTC().Format(time.RubyDate),
			},
		}}},
	}}
}

func page(terminate bool, entries ...map[string]any) Response {
	list := make([]any, len(entries))
	for i, e := range entries {
		list[i] = e
	}
	instructions := []any{map[string]any{"type": "TimelineAddEntries", "entries": list}}
	if terminate {
		instructions = append(instructions, map[string]any{"type": "TimelineTerminateTimeline", "direction": "Bottom"})
	}
	body, err := json.Marshal(map[string]any{"data": map[string]any{"timeline": map[string]any{"instructions": instructions}}})
	Expect(err).NotTo(HaveOccurred())
	return Response{URL: timelineURL, Status: 200, ContentType: "application/json; charset=utf-8", Body: body}
}

var _ = Describe("Harvester", func() {
	var (
		ctx  context.Context
		l    *ledger.Ledger
		sink *memSink
		item types.WorkItem
		now  time.Time
	)

	BeforeEach(func() {
		ctx = context.Background()
		l = ledger.New(3)
		sink = &memSink{}
		item = types.WorkItem{ID: "item-1", Label: types.LabelHandle, URL: "https://twitter.com/gopher"}
		now = time.Now()
	})

	newHarvester := func(driver Driver, mutate ...func(*Options)) *Harvester {
		opts := Options{
			Driver:      driver,
			Ledger:      l,
			Sink:        sink,
			IncludeUser: true,
			IdleTimeout: 200 * time.Millisecond,
			MaxDuration: 5 * time.Second,
		}
		for _, m := range mutate {
			m(&opts)
		}
		h, err := New(opts)
		Expect(err).NotTo(HaveOccurred())
		return h
	}

	It("stops at the budget", func() {
		h := newHarvester(&feedDriver{responses: []Response{
			page(false, tweet("1", now), tweet("2", now)),
			page(false, tweet("3", now), tweet("4", now), tweet("5", now)),
		}})

		reason, count, err := h.Process(ctx, item)
		Expect(err).NotTo(HaveOccurred())
		Expect(reason).To(Equal(termination.ReasonBudget))
		Expect(count).To(Equal(3))
		Expect(sink.ids()).To(Equal([]string{"1", "2", "3"}))
	})

	It("keeps emitting the payload when a push fails", func() {
		flaky := &flakySink{failOn: "1"}
		h := newHarvester(&feedDriver{responses: []Response{
			page(false, tweet("1", now), tweet("2", now), tweet("3", now)),
		}}, func(o *Options) { o.Sink = flaky })

		reason, count, err := h.Process(ctx, item)
		Expect(err).NotTo(HaveOccurred())
		Expect(reason).To(Equal(termination.ReasonBudget))
		Expect(count).To(Equal(3))
		Expect(flaky.ids()).To(Equal([]string{"1", "2", "3"}))
	})

	It("ends on a terminate marker and seals the item", func() {
		h := newHarvester(&feedDriver{responses: []Response{
			page(true, tweet("1", now)),
			page(false, tweet("2", now)),
		}})

		reason, count, err := h.Process(ctx, item)
		Expect(err).NotTo(HaveOccurred())
		Expect(reason).To(Equal(termination.ReasonTerminated))
		Expect(count).To(Equal(1))
		Expect(l.IsDone(item.ID)).To(BeTrue())

		// a retry of the same item does nothing
		reason, _, err = h.Process(ctx, item)
		Expect(err).NotTo(HaveOccurred())
		Expect(reason).To(Equal(termination.ReasonBudget))
		Expect(sink.ids()).To(HaveLen(1))
	})

	It("never emits a record twice across work items", func() {
		h := newHarvester(&feedDriver{finish: true, responses: []Response{page(false, tweet("1", now), tweet("2", now))}})

		_, _, err := h.Process(ctx, item)
		Expect(err).NotTo(HaveOccurred())
		other := item
		other.ID = "item-2"
		reason, count, err := h.Process(ctx, other)
		Expect(err).NotTo(HaveOccurred())
		Expect(reason).To(Equal(termination.ReasonFinished))
		Expect(count).To(BeZero())
		Expect(sink.ids()).To(Equal([]string{"1", "2"}))
	})

	It("goes idle when responses stop", func() {
		h := newHarvester(&feedDriver{responses: []Response{page(false, tweet("1", now))}})

		reason, _, err := h.Process(ctx, item)
		Expect(err).NotTo(HaveOccurred())
		Expect(reason).To(Equal(termination.ReasonIdle))
	})

	It("fails the session on an error status", func() {
		h := newHarvester(&feedDriver{responses: []Response{
			{URL: timelineURL, Status: 429, ContentType: "application/json"},
		}})

		reason, _, err := h.Process(ctx, item)
		Expect(reason).To(Equal(termination.ReasonFailed))
		var fetchErr *FetchError
		Expect(errors.As(err, &fetchErr)).To(BeTrue())
		Expect(fetchErr.Status).To(Equal(429))
		Expect(errors.Is(err, errs.ErrTransientFetch)).To(BeTrue())
		Expect(l.IsDone(item.ID)).To(BeFalse())
	})

	It("reports driver errors as failures", func() {
		boom := &FetchError{URL: item.URL, Err: errors.New("net::ERR_CONNECTION_RESET")}
		h := newHarvester(&feedDriver{err: boom})

		reason, _, err := h.Process(ctx, item)
		Expect(reason).To(Equal(termination.ReasonFailed))
		Expect(err).To(MatchError(boom))
	})

	It("ignores responses that are not timeline json", func() {
		h := newHarvester(&feedDriver{finish: true, responses: []Response{
			{URL: timelineURL, Status: 500, ContentType: "text/html", Body: []byte("<html>")},
			{URL: "https://twitter.com/i/api/1.1/jot/client_event.json", Status: 200, ContentType: "application/json", Body: []byte(`{}`)},
		}})

		reason, _, err := h.Process(ctx, item)
		Expect(err).NotTo(HaveOccurred())
		Expect(reason).To(Equal(termination.ReasonFinished))
	})

	It("drops records outside the date window", func() {
		w, err := window.New("5 days", nil)
		Expect(err).NotTo(HaveOccurred())
		h := newHarvester(&feedDriver{finish: true, responses: []Response{
			page(false, tweet("old", now.AddDate(0, 0, -10)), tweet("new", now)),
		}}, func(o *Options) { o.Window = w })

		_, _, err = h.Process(ctx, item)
		Expect(err).NotTo(HaveOccurred())
		Expect(sink.ids()).To(Equal([]string{"new"}))
	})

	It("applies the output script and strips author fields", func() {
		h := newHarvester(&feedDriver{finish: true, responses: []Response{page(false, tweet("1", now))}},
			func(o *Options) {
				o.OutputScript = `{"id": item.id, "author": item.user.screen_name, "hasEntities": "entities" in item.user, "tag": customData.tag}`
				o.CustomData = map[string]any{"tag": "run-7"}
			})

		_, _, err := h.Process(ctx, item)
		Expect(err).NotTo(HaveOccurred())
		Expect(sink.records).To(Equal([]any{map[string]any{
			"id": "1", "author": "gopher", "hasEntities": false, "tag": "run-7",
		}}))
	})

	It("refuses output scripts that do not compile", func() {
		_, err := New(Options{Driver: &feedDriver{}, Ledger: l, Sink: sink, OutputScript: "item.("})
		Expect(errors.Is(err, errs.ErrUserScriptCompile)).To(BeTrue())

		_, err = New(Options{Driver: &feedDriver{}, Ledger: l, Sink: sink, HookScript: "}{"})
		var compileErr *pipeline.CompileError
		Expect(errors.As(err, &compileErr)).To(BeTrue())
		Expect(compileErr.Name).To(Equal("extendScraperFunction"))
	})

	It("runs hooks with the injected helpers", func() {
		var mu sync.Mutex
		var added []string
		addSearch := func(q string) int {
			mu.Lock()
			defer mu.Unlock()
			added = append(added, q)
			return 1
		}

		h := newHarvester(&feedDriver{finish: true, responses: []Response{page(false, tweet("1", now))}},
			func(o *Options) {
				o.HookScript = `phase == "afterWorkItem" ? addSearch("from:" + item.userData.handle + " " + string(item.data.count)) : nil`
				o.HookHelpers = map[string]any{"addSearch": addSearch}
			})

		item.UserData.Handle = "gopher"
		_, _, err := h.Process(ctx, item)
		Expect(err).NotTo(HaveOccurred())
		Expect(added).To(Equal([]string{"from:gopher 1"}))
	})
})

var _ = Describe("IsJSON", func() {
	It("matches json content types only", func() {
		Expect(IsJSON("application/json")).To(BeTrue())
		Expect(IsJSON("application/json; charset=utf-8")).To(BeTrue())
		Expect(IsJSON("text/html")).To(BeFalse())
		Expect(IsJSON("")).To(BeFalse())
	})
})
