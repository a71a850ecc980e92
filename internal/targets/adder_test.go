package targets_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/masa-finance/timeline-harvester/api/types"
	. "github.com/masa-finance/timeline-harvester/internal/targets"
)

type recordingQueue struct {
	items []types.WorkItem
	seen  map[string]bool
}

func (q *recordingQueue) Enqueue(items ...types.WorkItem) ([]string, error) {
	var added []string
	for _, it := range items {
		if q.seen[it.URL] {
			continue
		}
		q.seen[it.URL] = true
		q.items = append(q.items, it)
		added = append(added, it.ID)
	}
	return added, nil
}

var _ = Describe("Adder", func() {
	var (
		queue *recordingQueue
		adder *Adder
	)

	BeforeEach(func() {
		c, err := New(Options{Replies: true})
		Expect(err).NotTo(HaveOccurred())
		queue = &recordingQueue{seen: map[string]bool{}}
		adder = NewAdder(c, queue)
	})

	It("queues each kind of target once", func() {
		Expect(adder.AddProfile("jack")).To(Equal(1))
		Expect(adder.AddProfile("@jack")).To(Equal(0))
		Expect(adder.AddSearch("golang")).To(Equal(1))
		Expect(adder.AddThread("20")).To(Equal(1))
		Expect(adder.AddEvent("42")).To(Equal(1))
		Expect(adder.AddTopic("7")).To(Equal(1))

		Expect(queue.items).To(HaveLen(5))
		Expect(queue.items[0].URL).To(Equal("https://twitter.com/jack/with_replies"))
		Expect(queue.items[1].Label).To(Equal(types.LabelSearch))
	})

	It("reports invalid seeds without queueing", func() {
		Expect(adder.AddTopic("nope")).To(Equal(0))
		_, err := adder.Add(types.LabelHandle, "way_too_long_handle_name")
		Expect(err).To(HaveOccurred())
		Expect(queue.items).To(BeEmpty())
	})

	It("exposes the helpers by name", func() {
		helpers := adder.Helpers()
		Expect(helpers).To(HaveKey("addProfile"))
		Expect(helpers).To(HaveKey("addSearch"))
		Expect(helpers).To(HaveKey("addThread"))
		Expect(helpers).To(HaveKey("addEvent"))
		Expect(helpers).To(HaveKey("addTopic"))

		fn, ok := helpers["addEvent"].(func(string) int)
		Expect(ok).To(BeTrue())
		Expect(fn("99")).To(Equal(1))
	})
})
