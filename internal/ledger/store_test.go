package ledger_test

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/masa-finance/timeline-harvester/internal/errs"
	. "github.com/masa-finance/timeline-harvester/internal/ledger"
)

type failingStore struct {
	*MemoryStore
	failures int
	attempts int
}

func (f *failingStore) Save(ctx context.Context, s Snapshot) error {
	f.attempts++
	if f.attempts <= f.failures {
		return errors.New("disk full")
	}
	return f.MemoryStore.Save(ctx, s)
}

type countingFlusher struct {
	flushes int
	err     error
}

func (c *countingFlusher) Flush(context.Context) error {
	c.flushes++
	return c.err
}

// bufferedSink holds pushed records until they are flushed. It emits one more
// record while flushing, the way a session does when it races a checkpoint.
type bufferedSink struct {
	ledger  *Ledger
	pending []string
	written []string
	late    string
}

func (b *bufferedSink) push(id string) func() error {
	return func() error {
		b.pending = append(b.pending, id)
		return nil
	}
}

func (b *bufferedSink) Flush(context.Context) error {
	b.written = append(b.written, b.pending...)
	b.pending = nil
	if b.late != "" {
		id := b.late
		b.late = ""
		if _, err := b.ledger.Emit(id, "item", b.push(id)); err != nil {
			return err
		}
	}
	return nil
}

var _ = Describe("SQLiteStore", func() {
	var (
		ctx  context.Context
		path string
	)

	BeforeEach(func() {
		ctx = context.Background()
		path = filepath.Join(GinkgoT().TempDir(), "state", "ledger.db")
	})

	It("does not re-emit after a restart", func() {
		store, err := OpenSQLite(path)
		Expect(err).NotTo(HaveOccurred())

		l := New(10)
		cp := NewCheckpointer(l, store)
		Expect(cp.Resume(ctx)).To(Succeed())

		Expect(l.TryAccept("r1", "w")).To(BeTrue())
		Expect(l.TryAccept("r2", "w")).To(BeTrue())
		l.Finish("done-item")
		Expect(cp.Checkpoint(ctx)).To(Succeed())
		Expect(store.Close()).To(Succeed())

		// a new process opens the same file
		store, err = OpenSQLite(path)
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()

		resumed := New(10)
		Expect(NewCheckpointer(resumed, store).Resume(ctx)).To(Succeed())

		Expect(resumed.ShouldAccept("r1", "w")).To(BeFalse())
		Expect(resumed.ShouldAccept("r2", "other")).To(BeFalse())
		Expect(resumed.Count("w")).To(Equal(2))
		Expect(resumed.IsDone("done-item")).To(BeTrue())
		Expect(resumed.TryAccept("r3", "w")).To(BeTrue())
		Expect(resumed.Count("w")).To(Equal(3))
	})

	It("never lowers a saved count", func() {
		store, err := OpenSQLite(path)
		Expect(err).NotTo(HaveOccurred())
		defer store.Close()

		Expect(store.Save(ctx, Snapshot{Counts: map[string]int{"w": 5}, Emitted: []string{"a"}})).To(Succeed())
		Expect(store.Save(ctx, Snapshot{Counts: map[string]int{"w": 2}, Emitted: []string{"a", "b"}})).To(Succeed())

		snap, err := store.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Counts["w"]).To(Equal(5))
		Expect(snap.Emitted).To(Equal([]string{"a", "b"}))

		Expect(store.Clear(ctx)).To(Succeed())
		snap, err = store.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Counts).To(BeEmpty())
		Expect(snap.Emitted).To(BeEmpty())
	})
})

var _ = Describe("Checkpointer", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("flushes output before saving and skips unchanged ledgers", func() {
		store := NewMemoryStore()
		flusher := &countingFlusher{}
		l := New(0)
		cp := NewCheckpointer(l, store, WithFlusher(flusher))

		l.TryAccept("a", "w")
		Expect(cp.Checkpoint(ctx)).To(Succeed())
		Expect(cp.Checkpoint(ctx)).To(Succeed())
		Expect(flusher.flushes).To(Equal(2))
		Expect(store.Saves()).To(Equal(1))
	})

	It("only saves records that were written out", func() {
		store := NewMemoryStore()
		l := New(0)
		sink := &bufferedSink{ledger: l, late: "late"}
		cp := NewCheckpointer(l, store, WithFlusher(sink))

		accepted, err := l.Emit("early", "item", sink.push("early"))
		Expect(err).NotTo(HaveOccurred())
		Expect(accepted).To(BeTrue())

		Expect(cp.Checkpoint(ctx)).To(Succeed())
		snap, err := store.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Emitted).To(Equal([]string{"early"}))
		Expect(sink.written).To(Equal([]string{"early"}))
		Expect(sink.pending).To(Equal([]string{"late"}))

		// the record emitted during the flush goes out with the next checkpoint
		Expect(cp.Checkpoint(ctx)).To(Succeed())
		snap, err = store.Load(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Emitted).To(ConsistOf("early", "late"))
		Expect(sink.written).To(ConsistOf("early", "late"))
	})

	It("does not push records the ledger rejects", func() {
		l := New(0)
		pushes := 0
		push := func() error { pushes++; return nil }

		accepted, err := l.Emit("a", "w", push)
		Expect(err).NotTo(HaveOccurred())
		Expect(accepted).To(BeTrue())
		accepted, err = l.Emit("a", "other", push)
		Expect(err).NotTo(HaveOccurred())
		Expect(accepted).To(BeFalse())
		Expect(pushes).To(Equal(1))
	})

	It("does not save when the output could not be flushed", func() {
		store := NewMemoryStore()
		l := New(0)
		l.TryAccept("a", "w")
		cp := NewCheckpointer(l, store, WithFlusher(&countingFlusher{err: errors.New("sink down")}))

		err := cp.Checkpoint(ctx)
		Expect(errors.Is(err, errs.ErrLedgerPersistence)).To(BeTrue())
		Expect(store.Saves()).To(BeZero())
	})

	It("retries failed saves", func() {
		store := &failingStore{MemoryStore: NewMemoryStore(), failures: 2}
		l := New(0)
		l.TryAccept("a", "w")

		cp := NewCheckpointer(l, store, WithRetries(3, time.Millisecond))
		Expect(cp.Checkpoint(ctx)).To(Succeed())
		Expect(store.attempts).To(Equal(3))
	})

	It("reports a persistence error once retries run out and keeps the ledger", func() {
		store := &failingStore{MemoryStore: NewMemoryStore(), failures: 100}
		l := New(0)
		l.TryAccept("a", "w")

		cp := NewCheckpointer(l, store, WithRetries(2, time.Millisecond))
		err := cp.Checkpoint(ctx)
		var perr *PersistenceError
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(errors.Is(err, errs.ErrLedgerPersistence)).To(BeTrue())
		Expect(store.attempts).To(Equal(3))
		Expect(l.Emitted("a")).To(BeTrue())
	})

	It("resets the ledger and its store", func() {
		store := NewMemoryStore()
		l := New(0)
		l.TryAccept("a", "w")
		cp := NewCheckpointer(l, store)
		Expect(cp.Checkpoint(ctx)).To(Succeed())

		Expect(cp.Reset(ctx)).To(Succeed())
		Expect(l.Emitted("a")).To(BeFalse())
		snap, _ := store.Load(ctx)
		Expect(snap.Emitted).To(BeEmpty())
	})
})
