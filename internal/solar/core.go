// Package solar is the storage and aggregation engine of solarwatch: site
// metadata, rolling site statistics, the capacity ranking, the geo index,
// the metric series and the reading feed, kept consistent over a kv.Store.
package solar

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"procodus.dev/solarwatch/pkg/kv"
	"procodus.dev/solarwatch/pkg/metrics"
)

// Config holds the configuration for the Core.
type Config struct {
	Logger  *slog.Logger
	Store   kv.Store
	Metrics *metrics.StoreMetrics

	KeyPrefix string

	// OpTimeout bounds every operation whose context has no deadline.
	OpTimeout time.Duration

	MaxStatsRetries  int
	LastReporting    LastReportingPolicy
	BatchParallelism int

	FeedMaxLen    int64
	FeedMirror    Mirror
	FeedBlock     time.Duration
	FeedBatchSize int64

	MetricRetention time.Duration

	// ReadingLog overrides the default per-site stream log.
	ReadingLog ReadingLog
}

// Core is the facade used by the request handling layers. It is constructed
// once, shared by all handlers and safe for concurrent use.
type Core struct {
	logger      *slog.Logger
	store       kv.Store
	metrics     *metrics.StoreMetrics
	keys        KeySchema
	opTimeout   time.Duration
	parallelism int

	sites    *SiteStore
	capacity *CapacityIndex
	geo      *GeoIndex
	readings *MeterReadingStore
	feed     *Feed
	series   *MetricStore
}

// New creates a Core over an already connected store. The store's lifecycle
// stays with the caller.
func New(cfg *Config) (*Core, error) {
	if cfg == nil {
		return nil, errors.New("core config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.OpTimeout < 0 {
		return nil, errors.New("operation timeout cannot be negative")
	}

	keys, err := NewKeySchema(cfg.KeyPrefix)
	if err != nil {
		return nil, err
	}

	feed, err := NewFeed(&FeedConfig{
		Logger:    cfg.Logger,
		Store:     cfg.Store,
		Keys:      keys,
		Metrics:   cfg.Metrics,
		MaxLen:    cfg.FeedMaxLen,
		Mirror:    cfg.FeedMirror,
		Block:     cfg.FeedBlock,
		BatchSize: cfg.FeedBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create feed: %w", err)
	}

	readingLog := cfg.ReadingLog
	if readingLog == nil {
		readingLog = NewStreamReadingLog(cfg.Store, keys)
	}

	sites := NewSiteStore(cfg.Store, keys)
	capacity := NewCapacityIndex(cfg.Store, keys)
	series := NewMetricStore(cfg.Store, keys, cfg.MetricRetention)

	readings, err := NewMeterReadingStore(&MeterReadingStoreConfig{
		Logger:          cfg.Logger,
		Store:           cfg.Store,
		Keys:            keys,
		Sites:           sites,
		Log:             readingLog,
		Series:          series,
		Feed:            feed,
		Metrics:         cfg.Metrics,
		MaxStatsRetries: cfg.MaxStatsRetries,
		LastReporting:   cfg.LastReporting,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create meter reading store: %w", err)
	}

	parallelism := cfg.BatchParallelism
	if parallelism <= 0 {
		parallelism = 8
	}

	return &Core{
		logger:      cfg.Logger,
		store:       cfg.Store,
		metrics:     cfg.Metrics,
		keys:        keys,
		opTimeout:   cfg.OpTimeout,
		parallelism: parallelism,
		sites:       sites,
		capacity:    capacity,
		geo:         NewGeoIndex(cfg.Store, keys, capacity),
		readings:    readings,
		feed:        feed,
		series:      series,
	}, nil
}

// Keys returns the key schema in use.
func (c *Core) Keys() KeySchema {
	return c.keys
}

// do bounds fn by the operation timeout, records metrics and maps failures
// onto the core error taxonomy.
func (c *Core) do(ctx context.Context, operation string, fn func(context.Context) error) error {
	if _, ok := ctx.Deadline(); !ok && c.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
	}

	start := time.Now()
	err := classify(fn(ctx))
	c.metrics.Observe(operation, start, err)
	return err
}

// IngestReading accepts one meter reading.
func (c *Core) IngestReading(ctx context.Context, r MeterReading) error {
	return c.do(ctx, "ingest_reading", func(ctx context.Context) error {
		return c.readings.Ingest(ctx, r)
	})
}

// IngestReadings accepts a batch. Sites are ingested in parallel with bounded
// concurrency; readings of one site keep their batch order. Every reading is
// attempted and the failures are joined in the returned error as *ReadingError
// values; see ReadingErrors.
func (c *Core) IngestReadings(ctx context.Context, readings []MeterReading) error {
	errs := make([]error, len(readings))

	bySite := make(map[int64][]int)
	for i, r := range readings {
		bySite[r.SiteID] = append(bySite[r.SiteID], i)
	}

	var g errgroup.Group
	g.SetLimit(c.parallelism)
	for _, indexes := range bySite {
		g.Go(func() error {
			for _, i := range indexes {
				if err := c.IngestReading(ctx, readings[i]); err != nil {
					errs[i] = &ReadingError{Index: i, SiteID: readings[i].SiteID, Err: err}
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// GetCapacityReport returns the top and bottom capacity sites.
func (c *Core) GetCapacityReport(ctx context.Context, top, bottom int) (CapacityReport, error) {
	var report CapacityReport
	err := c.do(ctx, "capacity_report", func(ctx context.Context) error {
		var err error
		report, err = c.capacity.Report(ctx, top, bottom)
		return err
	})
	return report, err
}

// GeoSearch returns the sites matching q, sorted by id.
func (c *Core) GeoSearch(ctx context.Context, q GeoQuery) ([]Site, error) {
	var sites []Site
	err := c.do(ctx, "geo_search", func(ctx context.Context) error {
		ids, err := c.geo.Search(ctx, q)
		if err != nil {
			return err
		}
		sites, err = c.sites.GetMany(ctx, ids)
		return err
	})
	return sites, err
}

// GetSite returns a site or ErrSiteNotFound.
func (c *Core) GetSite(ctx context.Context, siteID int64) (Site, error) {
	var site Site
	err := c.do(ctx, "get_site", func(ctx context.Context) error {
		var err error
		site, err = c.sites.Get(ctx, siteID)
		return err
	})
	return site, err
}

// ListSites returns every site, unordered.
func (c *Core) ListSites(ctx context.Context) ([]Site, error) {
	var sites []Site
	err := c.do(ctx, "list_sites", func(ctx context.Context) error {
		var err error
		sites, err = c.sites.List(ctx)
		return err
	})
	return sites, err
}

// InsertSite provisions a new site.
func (c *Core) InsertSite(ctx context.Context, site Site) error {
	return c.do(ctx, "insert_site", func(ctx context.Context) error {
		return c.sites.Insert(ctx, site)
	})
}

// UpdateSite replaces the metadata of an existing site.
func (c *Core) UpdateSite(ctx context.Context, site Site) error {
	return c.do(ctx, "update_site", func(ctx context.Context) error {
		return c.sites.Update(ctx, site)
	})
}

// DeleteSite removes a site and its derived index entries.
func (c *Core) DeleteSite(ctx context.Context, siteID int64) error {
	return c.do(ctx, "delete_site", func(ctx context.Context) error {
		return c.sites.Delete(ctx, siteID)
	})
}

// GetSiteStats returns the rolling statistics of a site.
func (c *Core) GetSiteStats(ctx context.Context, siteID int64) (SiteStats, error) {
	var stats SiteStats
	err := c.do(ctx, "get_site_stats", func(ctx context.Context) error {
		var err error
		stats, err = c.readings.Stats(ctx, siteID)
		return err
	})
	return stats, err
}

// GetMetricRange returns measurements of a series between from and to inclusive.
func (c *Core) GetMetricRange(ctx context.Context, scope Scope, unit MetricUnit, from, to time.Time) ([]Measurement, error) {
	var out []Measurement
	err := c.do(ctx, "metric_range", func(ctx context.Context) error {
		var err error
		out, err = c.series.RangeQuery(ctx, scope, unit, from, to)
		return err
	})
	return out, err
}

// GetRecentMetrics returns up to limit of the newest measurements of a series, ascending.
func (c *Core) GetRecentMetrics(ctx context.Context, scope Scope, unit MetricUnit, limit int) ([]Measurement, error) {
	var out []Measurement
	err := c.do(ctx, "metric_recent", func(ctx context.Context) error {
		var err error
		out, err = c.series.Recent(ctx, scope, unit, limit)
		return err
	})
	return out, err
}

// GetMetricSummary summarizes a series between from and to inclusive.
func (c *Core) GetMetricSummary(ctx context.Context, scope Scope, unit MetricUnit, from, to time.Time) (MetricSummary, error) {
	var summary MetricSummary
	err := c.do(ctx, "metric_summary", func(ctx context.Context) error {
		measurements, err := c.series.RangeQuery(ctx, scope, unit, from, to)
		if err != nil {
			return err
		}
		summary, err = Summarize(measurements)
		return err
	})
	return summary, err
}

// LatestMetric returns the newest measurement of a series.
func (c *Core) LatestMetric(ctx context.Context, scope Scope, unit MetricUnit) (Measurement, bool, error) {
	var (
		m     Measurement
		found bool
	)
	err := c.do(ctx, "metric_latest", func(ctx context.Context) error {
		var err error
		m, found, err = c.series.Latest(ctx, scope, unit)
		return err
	})
	return m, found, err
}

// SubscribeFeed streams accepted readings after from until ctx is done.
// It is not bounded by the operation timeout.
func (c *Core) SubscribeFeed(ctx context.Context, from Cursor) iter.Seq2[FeedEntry, error] {
	return c.feed.Subscribe(ctx, from)
}

// RecentFeed returns up to limit of the newest feed entries, newest first.
func (c *Core) RecentFeed(ctx context.Context, limit int) ([]FeedEntry, error) {
	var out []FeedEntry
	err := c.do(ctx, "recent_feed", func(ctx context.Context) error {
		var err error
		out, err = c.feed.Recent(ctx, limit)
		return err
	})
	return out, err
}

// RecentReadings returns up to limit raw readings of a site, newest first.
func (c *Core) RecentReadings(ctx context.Context, siteID int64, limit int) ([]MeterReading, error) {
	var out []MeterReading
	err := c.do(ctx, "recent_readings", func(ctx context.Context) error {
		var err error
		out, err = c.readings.Recent(ctx, siteID, limit)
		return err
	})
	return out, err
}

// ReadingsBetween returns a site's raw readings with from <= timestamp <= to,
// oldest first. Only range-capable reading logs support it.
func (c *Core) ReadingsBetween(ctx context.Context, siteID int64, from, to time.Time) ([]MeterReading, error) {
	var out []MeterReading
	err := c.do(ctx, "readings_between", func(ctx context.Context) error {
		var err error
		out, err = c.readings.Between(ctx, siteID, from, to)
		return err
	})
	return out, err
}

// Ping checks the backend connection.
func (c *Core) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", c.store.Ping)
}
