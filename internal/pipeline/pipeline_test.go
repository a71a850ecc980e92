package pipeline_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/masa-finance/timeline-harvester/internal/errs"
	. "github.com/masa-finance/timeline-harvester/internal/pipeline"
	"github.com/masa-finance/timeline-harvester/internal/window"
)

type batch []map[string]any

func mapBatch(raw batch) ([]map[string]any, error) { return raw, nil }

var _ = Describe("Pipeline", func() {
	var (
		ctx     context.Context
		emitted []any
		collect func(context.Context, map[string]any, any) error
	)

	BeforeEach(func() {
		ctx = context.Background()
		emitted = nil
		collect = func(_ context.Context, _ map[string]any, v any) error {
			emitted = append(emitted, v)
			return nil
		}
	})

	It("only outputs records inside the date window", func() {
		now := time.Now().UTC()
		w, err := window.New("5 days", nil)
		Expect(err).NotTo(HaveOccurred())

		p, err := New(Config[batch, map[string]any]{
			Map:    mapBatch,
			Filter: func(_ batch, item map[string]any) bool { return w.Compare(item["created_at"]) },
			Output: collect,
		})
		Expect(err).NotTo(HaveOccurred())

		res, err := p.Run(ctx, batch{
			{"id": "1", "created_at": now.AddDate(0, 0, -10).Format(time.RFC3339)},
			{"id": "2", "created_at": now.Format(time.RFC3339)},
		}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(emitted).To(HaveLen(1))
		Expect(emitted[0].(map[string]any)["id"]).To(Equal("2"))
		Expect(res).To(Equal(Result{Mapped: 2, Filtered: 1, Emitted: 1}))
	})

	It("fails at construction on invalid user code", func() {
		_, err := New(Config[batch, map[string]any]{
			Map:        mapBatch,
			Output:     collect,
			Script:     `item.full_text +`,
			ScriptName: "extendOutputFunction",
		})
		Expect(err).To(HaveOccurred())

		var compileErr *CompileError
		Expect(errors.As(err, &compileErr)).To(BeTrue())
		Expect(compileErr.Name).To(Equal("extendOutputFunction"))
		Expect(errors.Is(err, errs.ErrUserScriptCompile)).To(BeTrue())
	})

	It("fans a sequence result out and drops nil values", func() {
		p, err := New(Config[batch, map[string]any]{
			Map:    mapBatch,
			Output: collect,
			Script: `item.id == "skip" ? nil : [pick(item, "id"), nil, {"copy": item.id, "tag": customData.tag}]`,
		})
		Expect(err).NotTo(HaveOccurred())

		res, err := p.Run(ctx, batch{{"id": "a", "x": 1}, {"id": "skip"}}, map[string]any{
			"customData": map[string]any{"tag": "t"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Emitted).To(Equal(2))
		Expect(emitted).To(Equal([]any{
			map[string]any{"id": "a"},
			map[string]any{"copy": "a", "tag": "t"},
		}))
	})

	It("passes items through without a script", func() {
		p, err := New(Config[batch, map[string]any]{Map: mapBatch, Output: collect})
		Expect(err).NotTo(HaveOccurred())

		_, err = p.Run(ctx, batch{{"id": "1"}}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(emitted).To(Equal([]any{map[string]any{"id": "1"}}))
	})

	It("skips items whose script fails at run time", func() {
		p, err := New(Config[batch, map[string]any]{
			Map:    mapBatch,
			Output: collect,
			Script: `{"n": item.n * 2}`,
		})
		Expect(err).NotTo(HaveOccurred())

		res, err := p.Run(ctx, batch{{"n": "not a number"}, {"n": 2}}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.ScriptErrors).To(Equal(1))
		Expect(emitted).To(HaveLen(1))
	})

	It("stops starting items once the context is done", func() {
		cctx, cancel := context.WithCancel(ctx)
		p, err := New(Config[batch, map[string]any]{
			Map: mapBatch,
			Output: func(c context.Context, item map[string]any, v any) error {
				emitted = append(emitted, v)
				cancel()
				return nil
			},
		})
		Expect(err).NotTo(HaveOccurred())

		res, err := p.Run(cctx, batch{{"id": "1"}, {"id": "2"}, {"id": "3"}}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Emitted).To(Equal(1))
	})

	It("honours ErrStop from the output", func() {
		p, err := New(Config[batch, map[string]any]{
			Map: mapBatch,
			Output: func(context.Context, map[string]any, any) error {
				return ErrStop
			},
		})
		Expect(err).NotTo(HaveOccurred())

		res, err := p.Run(ctx, batch{{"id": "1"}, {"id": "2"}}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Emitted).To(BeZero())
	})

	It("wraps the raw input when there is no map stage", func() {
		var got []string
		p, err := New(Config[string, string]{
			Output: func(_ context.Context, item string, _ any) error {
				got = append(got, item)
				return nil
			},
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = p.Run(ctx, "only", nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]string{"only"}))
	})

	It("cannot reach anything that was not injected", func() {
		p, err := New(Config[batch, map[string]any]{
			Map:    mapBatch,
			Output: collect,
			Script: `[os, secrets, item.id]`,
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = p.Run(ctx, batch{{"id": "1"}}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(emitted).To(Equal([]any{"1"}))
	})
})

var _ = Describe("Helpers", func() {
	It("picks, omits and reads paths", func() {
		m := map[string]any{"a": 1, "b": map[string]any{"c": "deep"}}
		Expect(Pick(m, "a", "zz")).To(Equal(map[string]any{"a": 1}))
		Expect(Omit(m, "a")).To(HaveKey("b"))
		Expect(Omit(m, "a")).NotTo(HaveKey("a"))
		Expect(m).To(HaveKey("a"))
		Expect(Get(m, "b.c")).To(Equal("deep"))
		Expect(Get(m, "a.c")).To(BeNil())
		Expect(Now()).To(HaveSuffix("Z"))
	})
})

var _ = Describe("Output results", func() {
	It("counts skipped values apart from emitted ones", func() {
		p, err := New(Config[batch, map[string]any]{
			Map: mapBatch,
			Output: func(_ context.Context, item map[string]any, _ any) error {
				if item["dup"] == true {
					return ErrSkip
				}
				return nil
			},
		})
		Expect(err).NotTo(HaveOccurred())

		res, err := p.Run(context.Background(), batch{{"dup": true}, {"dup": false}, {"dup": true}}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Emitted).To(Equal(1))
		Expect(res.Skipped).To(Equal(2))
	})

	It("returns other output errors", func() {
		boom := errors.New("sink down")
		p, err := New(Config[batch, map[string]any]{
			Map:    mapBatch,
			Output: func(context.Context, map[string]any, any) error { return boom },
		})
		Expect(err).NotTo(HaveOccurred())

		_, err = p.Run(context.Background(), batch{{"id": "1"}}, nil)
		Expect(err).To(MatchError(boom))
	})
})
