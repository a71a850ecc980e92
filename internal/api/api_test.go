package api_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/masa-finance/timeline-harvester/api/types"
	"github.com/masa-finance/timeline-harvester/internal/api"
	"github.com/masa-finance/timeline-harvester/internal/config"
	"github.com/masa-finance/timeline-harvester/internal/jobserver"
	"github.com/masa-finance/timeline-harvester/internal/ledger"
	"github.com/masa-finance/timeline-harvester/internal/targets"
	"github.com/masa-finance/timeline-harvester/internal/termination"
	"github.com/masa-finance/timeline-harvester/pkg/client"
)

type oneRecord struct{}

func (oneRecord) Process(context.Context, types.WorkItem) (termination.Reason, int, error) {
	return termination.ReasonFinished, 1, nil
}

var _ = Describe("API", func() {
	var (
		jc         config.JobConfiguration
		jobServer  *jobserver.JobServer
		store      *ledger.MemoryStore
		server     *httptest.Server
		harvester  *client.Client
		ctx        context.Context
		cancel     context.CancelFunc
		processing bool
	)

	BeforeEach(func() {
		jc = config.JobConfiguration{"api_key": "secret", "log_level": "error"}
		processing = false
		ctx, cancel = context.WithCancel(context.Background())
	})

	JustBeforeEach(func() {
		jobServer = jobserver.NewJobServer(1, jc)
		jobServer.SetProcessor(oneRecord{})
		if processing {
			go func() {
				defer GinkgoRecover()
				Expect(jobServer.Run(ctx)).To(Succeed())
			}()
		}

		classifier, err := targets.New(targets.Options{})
		Expect(err).NotTo(HaveOccurred())

		store = ledger.NewMemoryStore()
		l := ledger.New(10)
		l.Accept("tweet-1", "item-1")

		server = httptest.NewServer(api.NewServer(jc, api.Deps{
			JobServer:    jobServer,
			Classifier:   classifier,
			Checkpointer: ledger.NewCheckpointer(l, store),
		}))

		harvester, err = client.NewClient(server.URL, client.APIKey("secret"))
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		cancel()
		server.Close()
		jobServer.Shutdown()
	})

	It("queues classified seeds once", func() {
		resp, err := harvester.SubmitTargets("", "jack", "@nasa", "https://x.com/jack")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Items).To(HaveLen(3))
		Expect(resp.Items[0].URL).To(Equal("https://twitter.com/jack"))
		Expect(resp.Added).To(HaveLen(2))

		status, err := harvester.GetItemStatus(resp.Added[0])
		Expect(err).NotTo(HaveOccurred())
		Expect(status.State).To(Equal(types.ItemQueued))
		Expect(status.Item.Label).To(Equal(types.LabelHandle))

		stats, err := harvester.QueueStats()
		Expect(err).NotTo(HaveOccurred())
		Expect(stats).To(HaveKeyWithValue("fast_queue_depth", BeNumerically("==", 2)))
		Expect(stats).To(HaveKeyWithValue("pending", BeNumerically("==", 2)))
	})

	It("rejects invalid seeds without queueing anything", func() {
		_, err := harvester.SubmitTargets("", "jack", "!!!")
		Expect(err).To(MatchError(ContainSubstring("400")))
		Expect(jobServer.Pending()).To(BeZero())

		_, err = harvester.SubmitTargets(types.LabelStatus, "not-a-number")
		Expect(err).To(MatchError(ContainSubstring("numeric id")))
	})

	It("answers 404 for unknown items", func() {
		_, err := harvester.GetItemStatus("missing")
		Expect(err).To(MatchError(client.ErrNotFound))
	})

	It("saves a checkpoint on request", func() {
		Expect(harvester.Checkpoint()).To(Succeed())
		Expect(store.Saves()).To(Equal(1))
	})

	It("requires the api key outside of the probes", func() {
		anonymous, err := client.NewClient(server.URL)
		Expect(err).NotTo(HaveOccurred())
		_, err = anonymous.QueueStats()
		Expect(err).To(MatchError(ContainSubstring("401")))

		resp, err := http.Get(server.URL + api.HealthCheckPath)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("serves prometheus metrics", func() {
		_, err := harvester.SubmitTargets("", "jack")
		Expect(err).NotTo(HaveOccurred())

		req, err := http.NewRequest(http.MethodGet, server.URL+"/metrics", nil)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("X-API-Key", "secret")
		resp, err := http.DefaultClient.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(body)).To(ContainSubstring("harvester_queue_depth"))
	})

	When("the job server is running", func() {
		BeforeEach(func() {
			processing = true
		})

		It("reports finished items", func() {
			resp, err := harvester.SubmitTargets(types.LabelSearch, "golang")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Added).To(HaveLen(1))

			status, err := harvester.WaitForItem(resp.Added[0], 50, 20*time.Millisecond)
			Expect(err).NotTo(HaveOccurred())
			Expect(status.Count).To(Equal(1))
			Expect(status.Reason).To(Equal(string(termination.ReasonFinished)))
		})
	})
})
