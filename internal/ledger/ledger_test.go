package ledger_test

import (
	"fmt"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	. "github.com/masa-finance/timeline-harvester/internal/ledger"
)

var _ = Describe("Ledger", func() {
	var l *Ledger

	BeforeEach(func() {
		l = New(3)
	})

	It("never accepts the same record twice", func() {
		Expect(l.ShouldAccept("r1", "w")).To(BeTrue())
		l.Accept("r1", "w")
		Expect(l.ShouldAccept("r1", "w")).To(BeFalse())
		Expect(l.ShouldAccept("r1", "other")).To(BeFalse())

		l.Accept("r1", "w")
		Expect(l.Count("w")).To(Equal(1))
		Expect(l.TryAccept("r1", "other")).To(BeFalse())
		Expect(l.Emitted("r1")).To(BeTrue())
	})

	It("is done once the budget is reached", func() {
		Expect(l.TryAccept("a", "w")).To(BeTrue())
		Expect(l.TryAccept("b", "w")).To(BeTrue())
		Expect(l.IsDone("w")).To(BeFalse())
		Expect(l.TryAccept("c", "w")).To(BeTrue())
		Expect(l.IsDone("w")).To(BeTrue())
		Expect(l.TryAccept("d", "w")).To(BeFalse())
		Expect(l.Count("w")).To(Equal(3))
		Expect(l.IsDone("x")).To(BeFalse())
	})

	It("lets exactly one of many racing callers accept a record", func() {
		l = New(0)
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 64; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if l.TryAccept("same", fmt.Sprintf("w%d", i%4)) {
					wins.Add(1)
				}
			}(i)
		}
		wg.Wait()
		Expect(wins.Load()).To(Equal(int32(1)))
	})

	It("notifies watchers once, outside the lock", func() {
		var calls int
		l.Watch("w", func() {
			calls++
			Expect(l.IsDone("w")).To(BeTrue())
		})
		cancelled := 0
		cancel := l.Watch("w", func() { cancelled++ })
		cancel()

		for _, id := range []string{"a", "b", "c", "d"} {
			l.TryAccept(id, "w")
		}
		l.Finish("w")
		Expect(calls).To(Equal(1))
		Expect(cancelled).To(BeZero())

		late := 0
		l.Watch("w", func() { late++ })
		Expect(late).To(Equal(1))
	})

	It("seals finished work items", func() {
		fired := false
		l.Watch("w", func() { fired = true })
		l.Finish("w")
		Expect(fired).To(BeTrue())
		Expect(l.IsDone("w")).To(BeTrue())
		Expect(l.TryAccept("a", "w")).To(BeFalse())
	})

	It("round trips through a snapshot", func() {
		l.TryAccept("a", "w")
		l.TryAccept("b", "v")
		l.Finish("v")
		snap := l.Snapshot()
		Expect(snap.Emitted).To(Equal([]string{"a", "b"}))

		restored := New(3)
		restored.Restore(snap)
		Expect(restored.ShouldAccept("a", "w")).To(BeFalse())
		Expect(restored.Count("w")).To(Equal(1))
		Expect(restored.IsDone("v")).To(BeTrue())

		v := restored.Version()
		restored.Reset()
		Expect(restored.Version()).To(BeNumerically(">", v))
		Expect(restored.ShouldAccept("a", "w")).To(BeTrue())
	})

	It("treats a non positive budget as unlimited", func() {
		l = New(0)
		for i := 0; i < 500; i++ {
			Expect(l.TryAccept(fmt.Sprint(i), "w")).To(BeTrue())
		}
		Expect(l.IsDone("w")).To(BeFalse())
	})
})
