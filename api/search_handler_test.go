package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	apisearch "github.com/ucalyptus/open-mem/api/search"
	"github.com/ucalyptus/open-mem/pkg/agent"
	"github.com/ucalyptus/open-mem/pkg/memory"
	"github.com/ucalyptus/open-mem/pkg/processor"
	"github.com/ucalyptus/open-mem/pkg/registry"
	"github.com/ucalyptus/open-mem/pkg/store"
)

var _ = Describe("handleSearchEndpoint", func() {
	var (
		ctx    context.Context
		st     *store.Store
		server *Server
	)

	record := func(contentID, title, body string) {
		row, err := st.CreateSession(ctx, contentID, "open-mem", "")
		Expect(err).NotTo(HaveOccurred())
		_, err = st.Enqueue(ctx, &memory.PendingMessage{
			SessionID:        row.ID,
			ContentSessionID: contentID,
			Kind:             memory.KindObservation,
		})
		Expect(err).NotTo(HaveOccurred())
		claimed, err := st.ClaimNext(ctx, row.ID)
		Expect(err).NotTo(HaveOccurred())

		obs := []memory.Observation{{
			SessionID:      row.ID,
			Project:        "open-mem",
			Kind:           "change",
			Title:          title,
			Body:           body,
			CreatedAtEpoch: memory.NowMillis(),
		}}
		Expect(st.CompleteMessage(ctx, claimed.ID, obs, nil)).To(Succeed())
	}

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		st, err = store.Open(store.Config{Path: "file::memory:"}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(st.Close)

		reg, err := registry.New(&registry.Config{
			Store:        st,
			PollInterval: time.Hour,
			Logger:       zap.NewNop(),
		})
		Expect(err).NotTo(HaveOccurred())

		proc, err := processor.New(&processor.Config{
			Store:    st,
			Registry: reg,
			Chain:    []agent.Agent{parkedAgent{}},
			Procs:    agent.NewProcTable(),
			Logger:   zap.NewNop(),
		})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() {
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = proc.Shutdown(sctx)
		})

		server, err = NewServer(Config{ListenAddr: ":0"}, st, reg, proc, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())
	})

	search := func(path string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, path, nil)
		Expect(err).NotTo(HaveOccurred())
		resp, err := server.app.Test(req)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	Context("when the q parameter is missing", func() {
		It("returns 400", func() {
			resp := search("/v1/search")
			Expect(resp.StatusCode).To(Equal(fiber.StatusBadRequest))

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("q parameter is required"))
		})
	})

	Context("when the limit is negative", func() {
		It("returns 400", func() {
			resp := search("/v1/search?q=test&limit=-1")
			Expect(resp.StatusCode).To(Equal(fiber.StatusBadRequest))

			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("limit must be a positive integer"))
		})
	})

	Context("when nothing matches", func() {
		It("returns 200 with empty results", func() {
			resp := search("/v1/search?q=unmatched")
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))

			var output apisearch.Output
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(json.Unmarshal(body, &output)).To(Succeed())

			Expect(output.Query).To(Equal("unmatched"))
			Expect(output.Count).To(BeZero())
			Expect(output.Results).To(BeEmpty())
		})
	})

	Context("when records match", func() {
		It("returns them with their session and project", func() {
			record("content-1", "Moved the wake into the enqueue path", "Producers nudge the feed directly.")
			record("content-2", "Unrelated refactor", "Nothing about feeds here.")

			resp := search("/v1/search?q=feed")
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))

			var output apisearch.Output
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(json.Unmarshal(body, &output)).To(Succeed())

			Expect(output.Count).To(Equal(2))
			for _, result := range output.Results {
				Expect(result.Kind).To(Equal("observation"))
				Expect(result.Project).To(Equal("open-mem"))
				Expect(result.SessionID).To(BeNumerically(">", 0))
			}
		})

		It("caps the result count at the limit", func() {
			record("content-1", "First feed change", "")
			record("content-2", "Second feed change", "")
			record("content-3", "Third feed change", "")

			resp := search("/v1/search?q=feed&limit=2")
			Expect(resp.StatusCode).To(Equal(fiber.StatusOK))

			var output apisearch.Output
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(json.Unmarshal(body, &output)).To(Succeed())
			Expect(output.Count).To(Equal(2))
		})
	})
})
