package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/axsim/timing/core"
)

var _ = Describe("Monitor", func() {
	var (
		m *Monitor
		c *core.Core
	)

	BeforeEach(func() {
		c = core.NewCore(core.DefaultConfig())
		m = NewMonitor()
		m.RegisterCore(c)
	})

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		m.router().ServeHTTP(rec, req)
		return rec
	}

	It("should report the pipeline state", func() {
		rsp := get("/api/state")
		Expect(rsp.Code).To(Equal(http.StatusOK))
		Expect(rsp.Body.String()).To(Equal(`{"state":"Stopped"}`))
	})

	It("should serve the aggregated stats as JSON", func() {
		rsp := get("/api/stats")
		Expect(rsp.Code).To(Equal(http.StatusOK))

		var stats core.Stats
		Expect(json.Unmarshal(rsp.Body.Bytes(), &stats)).To(Succeed())
		Expect(stats.Pipeline.State).To(Equal("Stopped"))
	})

	It("should list the backend stages", func() {
		rsp := get("/api/stages")

		var stages []stageRsp
		Expect(json.Unmarshal(rsp.Body.Bytes(), &stages)).To(Succeed())
		Expect(stages).To(HaveLen(3))
		Expect(stages[0].Name).To(Equal("decode"))
		Expect(stages[0].MaxInFlight).To(BeNumerically(">", 0))
	})

	It("should serve per-stage details", func() {
		Expect(get("/api/stage/fetch").Code).To(Equal(http.StatusOK))
		Expect(get("/api/stage/execute").Code).To(Equal(http.StatusOK))
		Expect(get("/api/stage/bogus").Code).To(Equal(http.StatusNotFound))
	})

	It("should serve cache statistics", func() {
		rsp := get("/api/caches")
		Expect(rsp.Code).To(Equal(http.StatusOK))
		Expect(rsp.Body.String()).To(ContainSubstring("L1I"))
	})

	It("should 404 the cache endpoint on a flat-memory core", func() {
		config := core.DefaultConfig()
		config.UseHierarchy = false
		m.RegisterCore(core.NewCore(config))

		Expect(get("/api/caches").Code).To(Equal(http.StatusNotFound))
	})

	It("should refuse to flush a stopped pipeline", func() {
		Expect(get("/api/flush").Code).To(Equal(http.StatusConflict))
	})

	It("should start and stop the pipeline over HTTP", func() {
		Expect(get("/api/start").Code).To(Equal(http.StatusOK))
		Expect(get("/api/start").Code).To(Equal(http.StatusConflict))
		Expect(get("/api/stop").Code).To(Equal(http.StatusOK))
	})

	It("should serve the exception log", func() {
		rsp := get("/api/exceptions")
		Expect(rsp.Code).To(Equal(http.StatusOK))
		Expect(rsp.Body.String()).To(Equal("[]"))
	})
})
