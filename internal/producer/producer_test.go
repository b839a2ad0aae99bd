package producer_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/solarwatch/internal/producer"
	"procodus.dev/solarwatch/internal/solar"
	"procodus.dev/solarwatch/pkg/generator"
	"procodus.dev/solarwatch/pkg/metrics"
	"procodus.dev/solarwatch/pkg/mq/mock"
)

var _ = Describe("Producer", func() {
	var (
		logger *slog.Logger
		client *mock.MockClient
		sites  []solar.Site
		noon   time.Time
	)

	BeforeEach(func() {
		logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
		client = mock.NewMockClient()
		sites = generator.Fleet(10, 3, solar.Coordinate{Lng: -122.4, Lat: 37.7}, 20)
		noon = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	})

	newProducer := func(cfg *producer.Config) *producer.Producer {
		if cfg.Logger == nil {
			cfg.Logger = logger
		}
		if cfg.Client == nil {
			cfg.Client = client
		}
		if cfg.Sites == nil {
			cfg.Sites = sites
		}
		if cfg.Interval == 0 {
			cfg.Interval = time.Minute
		}
		if cfg.Now == nil {
			cfg.Now = func() time.Time { return noon }
		}
		p, err := producer.NewProducer(cfg)
		Expect(err).NotTo(HaveOccurred())
		return p
	}

	Describe("NewProducer", func() {
		It("rejects a nil config", func() {
			_, err := producer.NewProducer(nil)
			Expect(err).To(MatchError(ContainSubstring("cannot be nil")))
		})

		DescribeTable("rejects incomplete configs",
			func(mutate func(*producer.Config), want string) {
				cfg := &producer.Config{
					Logger:   logger,
					Client:   client,
					Sites:    sites,
					Interval: time.Minute,
				}
				mutate(cfg)
				p, err := producer.NewProducer(cfg)
				Expect(err).To(MatchError(ContainSubstring(want)))
				Expect(p).To(BeNil())
			},
			Entry("no logger", func(c *producer.Config) { c.Logger = nil }, "logger"),
			Entry("no client", func(c *producer.Config) { c.Client = nil }, "mq client"),
			Entry("no sites", func(c *producer.Config) { c.Sites = nil }, "at least one site"),
			Entry("zero interval", func(c *producer.Config) { c.Interval = 0 }, "interval"),
		)
	})

	Describe("Publish", func() {
		It("pushes one reading per site as a JSON array", func() {
			p := newProducer(&producer.Config{})

			Expect(p.Publish(context.Background())).To(Succeed())

			pushed := client.Pushed()
			Expect(pushed).To(HaveLen(1))

			var batch []solar.MeterReading
			Expect(json.Unmarshal(pushed[0], &batch)).To(Succeed())
			Expect(batch).To(HaveLen(len(sites)))
			for i, r := range batch {
				Expect(r.SiteID).To(Equal(sites[i].ID))
				Expect(r.Timestamp.Equal(noon)).To(BeTrue())
				Expect(r.WhGenerated).To(BeNumerically(">=", 0))
			}
		})

		It("returns the push error and counts the failure", func() {
			m := metrics.NewProducerMetrics("solarwatch_producer_test")
			client.PushError = errors.New("broker down")
			p := newProducer(&producer.Config{Metrics: m})

			err := p.Publish(context.Background())
			Expect(err).To(MatchError(ContainSubstring("broker down")))
			Expect(testutil.ToFloat64(m.PublishFailures.WithLabelValues("push_error"))).To(BeNumerically(">=", 1))
			Expect(testutil.ToFloat64(m.ReadingsGenerated.WithLabelValues("error"))).To(BeNumerically(">=", float64(len(sites))))
		})
	})

	Describe("Register", func() {
		It("is a no-op without a registrar", func() {
			p := newProducer(&producer.Config{})
			Expect(p.Register(context.Background())).To(Succeed())
		})

		It("posts every site to the API and tolerates existing ones", func() {
			var (
				mu   sync.Mutex
				seen []int64
			)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				Expect(r.Method).To(Equal(http.MethodPost))
				Expect(r.URL.Path).To(Equal("/sites"))
				Expect(r.Header.Get("Content-Type")).To(Equal("application/json"))

				var s solar.Site
				Expect(json.NewDecoder(r.Body).Decode(&s)).To(Succeed())

				mu.Lock()
				seen = append(seen, s.ID)
				mu.Unlock()

				if s.ID == sites[0].ID {
					w.WriteHeader(http.StatusConflict)
					return
				}
				w.WriteHeader(http.StatusCreated)
			}))
			defer srv.Close()

			registrar, err := producer.NewHTTPRegistrar(srv.URL+"/", srv.Client())
			Expect(err).NotTo(HaveOccurred())

			p := newProducer(&producer.Config{Registrar: registrar})
			Expect(p.Register(context.Background())).To(Succeed())

			mu.Lock()
			defer mu.Unlock()
			Expect(seen).To(ConsistOf(sites[0].ID, sites[1].ID, sites[2].ID))
		})

		It("fails on an unexpected status", func() {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "invalid site", http.StatusBadRequest)
			}))
			defer srv.Close()

			registrar, err := producer.NewHTTPRegistrar(srv.URL, nil)
			Expect(err).NotTo(HaveOccurred())

			p := newProducer(&producer.Config{Registrar: registrar})
			err = p.Register(context.Background())
			Expect(err).To(MatchError(ContainSubstring("unexpected status 400")))
			Expect(err).To(MatchError(ContainSubstring("invalid site")))
		})

		It("requires an API URL", func() {
			_, err := producer.NewHTTPRegistrar("", nil)
			Expect(err).To(HaveOccurred())
		})
	})
})
