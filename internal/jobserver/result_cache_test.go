package jobserver

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/masa-finance/timeline-harvester/api/types"
)

func status(id string, state types.ItemState) types.ItemStatus {
	return types.ItemStatus{Item: types.WorkItem{ID: id}, State: state}
}

var _ = Describe("ResultCache", func() {
	It("should set and get values", func() {
		cache := NewResultCache(0, 0)
		defer cache.Close()

		cache.Set("abc", status("abc", types.ItemQueued))
		got, ok := cache.Get("abc")
		Expect(ok).To(BeTrue())
		Expect(got.Item.ID).To(Equal("abc"))
		Expect(got.State).To(Equal(types.ItemQueued))
	})

	It("should update existing entries only", func() {
		cache := NewResultCache(10, time.Minute)
		defer cache.Close()

		cache.Set("abc", status("abc", types.ItemQueued))
		Expect(cache.Update("abc", func(s *types.ItemStatus) {
			s.State = types.ItemDone
			s.Count = 7
		})).To(BeTrue())
		Expect(cache.Update("missing", func(s *types.ItemStatus) {})).To(BeFalse())

		got, _ := cache.Get("abc")
		Expect(got.State).To(Equal(types.ItemDone))
		Expect(got.Count).To(Equal(7))
	})

	It("should evict oldest when max size is reached", func() {
		cache := NewResultCache(3, time.Minute)
		defer cache.Close()

		for i := 0; i < 5; i++ {
			key := string(rune('a' + i))
			cache.Set(key, status(key, types.ItemQueued))
		}
		Expect(cache.Len()).To(Equal(3))
		_, ok := cache.Get("a")
		Expect(ok).To(BeFalse())
		_, ok = cache.Get("e")
		Expect(ok).To(BeTrue())
	})

	It("should evict by age", func() {
		cache := NewResultCache(10, 200*time.Millisecond)
		defer cache.Close()

		cache.Set("expireme", status("expireme", types.ItemDone))
		time.Sleep(300 * time.Millisecond)
		_, ok := cache.Get("expireme")
		Expect(ok).To(BeFalse())
	})

	It("should clean up expired entries periodically", func() {
		cache := NewResultCache(10, 200*time.Millisecond)
		defer cache.Close()

		cache.Set("periodic", status("periodic", types.ItemDone))
		Eventually(cache.Len, time.Second, 50*time.Millisecond).Should(BeZero())
	})
})
