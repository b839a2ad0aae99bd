package backend_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/solarwatch/internal/backend"
	"procodus.dev/solarwatch/internal/solar"
	"procodus.dev/solarwatch/pkg/metrics"
)

var _ = Describe("API", func() {
	var (
		core    *solar.Core
		handler http.Handler
	)

	BeforeEach(func() {
		core = newCore()
		api, err := backend.NewAPI(testLogger, core, metrics.NewBackendMetrics("api_test"))
		Expect(err).NotTo(HaveOccurred())
		handler = api.Handler()
	})

	do := func(method, target string, body any) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, target, &buf)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	decode := func(rec *httptest.ResponseRecorder, v any) {
		ExpectWithOffset(1, json.Unmarshal(rec.Body.Bytes(), v)).To(Succeed())
	}

	Describe("NewAPI", func() {
		It("should require a logger and a core", func() {
			_, err := backend.NewAPI(nil, core, nil)
			Expect(err).To(MatchError(ContainSubstring("logger cannot be nil")))
			_, err = backend.NewAPI(testLogger, nil, nil)
			Expect(err).To(MatchError(ContainSubstring("core cannot be nil")))
		})
	})

	It("should report health", func() {
		rec := do(http.MethodGet, "/healthz", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring(`"ok"`))
	})

	It("should expose Prometheus metrics", func() {
		do(http.MethodGet, "/healthz", nil)
		rec := do(http.MethodGet, "/prom", nil)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("api_test_http_requests_total"))
	})

	Describe("sites", func() {
		It("should create, read, update and delete a site", func() {
			rec := do(http.MethodPost, "/sites", site(7, &solar.Coordinate{Lng: -122.27, Lat: 37.80}))
			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(rec.Header().Get("Location")).To(Equal("/sites/7"))

			rec = do(http.MethodGet, "/sites/7", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var got solar.Site
			decode(rec, &got)
			Expect(got.City).To(Equal("Oakland"))

			updated := site(7, nil)
			updated.City = "Berkeley"
			rec = do(http.MethodPut, "/sites/7", updated)
			Expect(rec.Code).To(Equal(http.StatusOK))

			rec = do(http.MethodGet, "/sites", nil)
			var all []solar.Site
			decode(rec, &all)
			Expect(all).To(HaveLen(1))
			Expect(all[0].City).To(Equal("Berkeley"))

			Expect(do(http.MethodDelete, "/sites/7", nil).Code).To(Equal(http.StatusNoContent))
			Expect(do(http.MethodGet, "/sites/7", nil).Code).To(Equal(http.StatusNotFound))
		})

		It("should map duplicate and invalid sites", func() {
			Expect(do(http.MethodPost, "/sites", site(1, nil)).Code).To(Equal(http.StatusCreated))
			Expect(do(http.MethodPost, "/sites", site(1, nil)).Code).To(Equal(http.StatusConflict))

			rec := do(http.MethodPost, "/sites", site(2, &solar.Coordinate{Lng: 200, Lat: 0}))
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			var body map[string]string
			decode(rec, &body)
			Expect(body["error"]).To(ContainSubstring("coordinate"))
		})

		It("should reject a mismatched body id", func() {
			insertSites(core, site(3, nil))
			Expect(do(http.MethodPut, "/sites/3", site(4, nil)).Code).To(Equal(http.StatusBadRequest))
		})

		It("should require a JSON content type for writes", func() {
			req := httptest.NewRequest(http.MethodPost, "/sites", strings.NewReader(`{"id":1}`))
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			Expect(rec.Code).To(Equal(http.StatusUnsupportedMediaType))
		})

		It("should return stats of a site", func() {
			insertSites(core, site(1, nil))
			Expect(core.IngestReading(context.Background(), reading(1, 40, 10, 0))).To(Succeed())

			rec := do(http.MethodGet, "/sites/1/stats", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var stats solar.SiteStats
			decode(rec, &stats)
			Expect(stats.MeterReadingCount).To(Equal(int64(1)))
			Expect(stats.MaxCapacity).To(Equal(30.0))

			Expect(do(http.MethodGet, "/sites/99/stats", nil).Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("geo search", func() {
		BeforeEach(func() {
			insertSites(core,
				site(1, &solar.Coordinate{Lng: -122.27, Lat: 37.80}),
				site(2, &solar.Coordinate{Lng: -122.26, Lat: 37.81}),
				site(3, &solar.Coordinate{Lng: -118.24, Lat: 34.05}),
			)
		})

		It("should find nearby sites", func() {
			rec := do(http.MethodGet, "/sites/geo?lat=37.80&lng=-122.27&radius=5&radius_unit=km", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var sites []solar.Site
			decode(rec, &sites)
			ids := []int64{}
			for _, s := range sites {
				ids = append(ids, s.ID)
			}
			Expect(ids).To(Equal([]int64{1, 2}))
		})

		It("should filter to excess capacity", func() {
			Expect(core.IngestReading(context.Background(), reading(2, 40, 10, 0))).To(Succeed())
			rec := do(http.MethodGet, "/sites/geo?lat=37.80&lng=-122.27&radius=5&only_excess_capacity=true", nil)
			var sites []solar.Site
			decode(rec, &sites)
			Expect(sites).To(HaveLen(1))
			Expect(sites[0].ID).To(Equal(int64(2)))
		})

		DescribeTable("bad queries",
			func(query string) {
				Expect(do(http.MethodGet, "/sites/geo?"+query, nil).Code).To(Equal(http.StatusBadRequest))
			},
			Entry("missing lat", "lng=1&radius=1"),
			Entry("non-numeric radius", "lat=1&lng=1&radius=far"),
			Entry("zero radius", "lat=1&lng=1&radius=0"),
			Entry("unknown unit", "lat=1&lng=1&radius=1&radius_unit=parsec"),
			Entry("bad flag", "lat=1&lng=1&radius=1&only_excess_capacity=maybe"),
		)
	})

	Describe("readings", func() {
		BeforeEach(func() {
			insertSites(core, site(1, nil), site(2, nil))
		})

		It("should accept a batch and serve the feed and site history", func() {
			rec := do(http.MethodPost, "/meter_readings", []solar.MeterReading{
				reading(1, 10, 5, 0),
				reading(1, 20, 5, 1),
				reading(2, 1, 5, 0),
			})
			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(rec.Body.String()).To(ContainSubstring(`"accepted":3`))

			rec = do(http.MethodGet, "/meter_readings?count=2", nil)
			var feed []solar.FeedEntry
			decode(rec, &feed)
			Expect(feed).To(HaveLen(2))

			rec = do(http.MethodGet, "/meter_readings/1?count=10", nil)
			var history []solar.MeterReading
			decode(rec, &history)
			Expect(history).To(HaveLen(2))
			Expect(history[0].WhGenerated).To(Equal(20.0))
		})

		It("should map an unknown site to 404", func() {
			rec := do(http.MethodPost, "/meter_readings", reading(42, 1, 1, 0))
			Expect(rec.Code).To(Equal(http.StatusNotFound))
			Expect(rec.Body.String()).To(ContainSubstring(`"error"`))
		})

		It("should report per-reading failures of a partially accepted batch", func() {
			rec := do(http.MethodPost, "/meter_readings", []solar.MeterReading{
				reading(1, 10, 5, 0),
				reading(42, 1, 1, 0),
				reading(2, 3, 1, 0),
				reading(0, 1, 1, 0),
			})
			Expect(rec.Code).To(Equal(http.StatusMultiStatus))

			var result struct {
				Accepted int `json:"accepted"`
				Failed   []struct {
					Index  int    `json:"index"`
					SiteID int64  `json:"site_id"`
					Status int    `json:"status"`
					Error  string `json:"error"`
				} `json:"failed"`
			}
			decode(rec, &result)
			Expect(result.Accepted).To(Equal(2))
			Expect(result.Failed).To(HaveLen(2))
			Expect(result.Failed[0].Index).To(Equal(1))
			Expect(result.Failed[0].SiteID).To(Equal(int64(42)))
			Expect(result.Failed[0].Status).To(Equal(http.StatusNotFound))
			Expect(result.Failed[1].Index).To(Equal(3))
			Expect(result.Failed[1].Status).To(Equal(http.StatusBadRequest))

			stats, err := core.GetSiteStats(context.Background(), 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(stats.MeterReadingCount).To(Equal(int64(1)))
		})

		It("should refuse reading ranges without the archive", func() {
			rec := do(http.MethodGet, "/meter_readings/1?from=0&to=1700000000000", nil)
			Expect(rec.Code).To(Equal(http.StatusNotImplemented))
		})

		It("should reject a malformed reading range bound", func() {
			rec := do(http.MethodGet, "/meter_readings/1?from=yesterday", nil)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should reject a bad count", func() {
			Expect(do(http.MethodGet, "/meter_readings?count=-1", nil).Code).To(Equal(http.StatusBadRequest))
		})

		It("should stream new feed entries", func() {
			server := httptest.NewServer(handler)
			defer server.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/meter_readings/stream?from=0-0", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/x-ndjson"))

			Expect(core.IngestReading(ctx, reading(1, 33, 3, 0))).To(Succeed())

			lines := bufio.NewScanner(resp.Body)
			Expect(lines.Scan()).To(BeTrue())
			var entry solar.FeedEntry
			Expect(json.Unmarshal(lines.Bytes(), &entry)).To(Succeed())
			Expect(entry.Reading.WhGenerated).To(Equal(33.0))
			Expect(entry.Cursor).NotTo(BeEmpty())
		})
	})

	Describe("capacity", func() {
		It("should return the ranking", func() {
			insertSites(core, site(1, nil), site(2, nil), site(3, nil))
			for i, gen := range []float64{10, 30, 20} {
				Expect(core.IngestReading(context.Background(), reading(int64(i+1), gen, 0, 0))).To(Succeed())
			}

			rec := do(http.MethodGet, "/capacity?limit=2", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var report solar.CapacityReport
			decode(rec, &report)
			Expect(report.HighestCapacity).To(Equal([]solar.SiteCapacity{{SiteID: 2, Capacity: 30}, {SiteID: 3, Capacity: 20}}))
			Expect(report.LowestCapacity).To(Equal([]solar.SiteCapacity{{SiteID: 1, Capacity: 10}, {SiteID: 3, Capacity: 20}}))
		})
	})

	Describe("metrics", func() {
		BeforeEach(func() {
			insertSites(core, site(1, nil))
			for i := range 5 {
				Expect(core.IngestReading(context.Background(), reading(1, float64(10*(i+1)), 1, i))).To(Succeed())
			}
		})

		It("should return every unit by default", func() {
			rec := do(http.MethodGet, "/metrics/1?count=3", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var series map[solar.MetricUnit][]solar.Measurement
			decode(rec, &series)
			Expect(series).To(HaveLen(3))
			Expect(series[solar.WhGenerated]).To(HaveLen(3))
			Expect(series[solar.WhGenerated][2].Value).To(Equal(50.0))
		})

		It("should select by time range", func() {
			from := strconv.FormatInt(reading(1, 0, 0, 1).Timestamp.UnixMilli(), 10)
			to := reading(1, 0, 0, 2).Timestamp.Format("2006-01-02T15:04:05Z07:00")
			rec := do(http.MethodGet, "/metrics/1?unit=whG&from="+from+"&to="+to, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var series map[solar.MetricUnit][]solar.Measurement
			decode(rec, &series)
			Expect(series).To(HaveKey(solar.WhGenerated))
			Expect(series[solar.WhGenerated]).To(HaveLen(2))
		})

		It("should serve the global series and the latest point", func() {
			rec := do(http.MethodGet, "/metrics/global/latest?unit=whG", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var m solar.Measurement
			decode(rec, &m)
			Expect(m.Value).To(Equal(50.0))

			Expect(do(http.MethodGet, "/metrics/1/latest", nil).Code).To(Equal(http.StatusBadRequest))
		})

		It("should summarize a range", func() {
			from := strconv.FormatInt(baseTime.Add(-1).UnixMilli(), 10)
			to := strconv.FormatInt(baseTime.Add(10*60*1e9).UnixMilli(), 10)
			rec := do(http.MethodGet, "/metrics/1/summary?unit=whG&from="+from+"&to="+to, nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			var summary solar.MetricSummary
			decode(rec, &summary)
			Expect(summary.Count).To(Equal(int64(5)))
			Expect(summary.Min).To(Equal(10.0))
			Expect(summary.Max).To(Equal(50.0))
			Expect(summary.Mean).To(Equal(30.0))
		})

		DescribeTable("bad metric queries",
			func(target string) {
				Expect(do(http.MethodGet, target, nil).Code).To(Equal(http.StatusBadRequest))
			},
			Entry("bad scope", "/metrics/all"),
			Entry("bad unit", "/metrics/1?unit=volts"),
			Entry("bad time", "/metrics/1?from=yesterday"),
		)
	})
})
