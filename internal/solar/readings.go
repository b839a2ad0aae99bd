package solar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"procodus.dev/solarwatch/pkg/kv"
	"procodus.dev/solarwatch/pkg/metrics"
)

// ReadingLog is the append-only store of raw readings.
type ReadingLog interface {
	Append(ctx context.Context, r MeterReading) error

	// Recent returns up to limit readings of a site, newest first.
	Recent(ctx context.Context, siteID int64, limit int) ([]MeterReading, error)
}

// RangeReadingLog is a ReadingLog that can also select readings by timestamp.
type RangeReadingLog interface {
	ReadingLog

	// Between returns a site's readings with from <= timestamp <= to, oldest first.
	Between(ctx context.Context, siteID int64, from, to time.Time) ([]MeterReading, error)
}

// StreamReadingLog keeps raw readings in one backend stream per site.
type StreamReadingLog struct {
	store kv.Store
	keys  KeySchema
}

// NewStreamReadingLog creates a StreamReadingLog.
func NewStreamReadingLog(store kv.Store, keys KeySchema) *StreamReadingLog {
	return &StreamReadingLog{store: store, keys: keys}
}

// Append implements ReadingLog.
func (l *StreamReadingLog) Append(ctx context.Context, r MeterReading) error {
	_, err := l.store.XAdd(ctx, l.keys.SiteReadingsKey(r.SiteID), encodeReading(r), 0)
	return err
}

// Recent implements ReadingLog.
func (l *StreamReadingLog) Recent(ctx context.Context, siteID int64, limit int) ([]MeterReading, error) {
	if limit <= 0 {
		return []MeterReading{}, nil
	}
	entries, err := l.store.XRevRange(ctx, l.keys.SiteReadingsKey(siteID), int64(limit))
	if err != nil {
		return nil, err
	}
	out := make([]MeterReading, 0, len(entries))
	for _, e := range entries {
		r, err := decodeReading(e.Fields)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// MeterReadingStoreConfig holds the configuration for the MeterReadingStore.
type MeterReadingStoreConfig struct {
	Logger  *slog.Logger
	Store   kv.Store
	Keys    KeySchema
	Sites   *SiteStore
	Log     ReadingLog
	Series  *MetricStore
	Feed    *Feed
	Metrics *metrics.StoreMetrics

	// MaxStatsRetries bounds the retries of a conflicting stats transaction.
	MaxStatsRetries int
	LastReporting   LastReportingPolicy
}

// MeterReadingStore is the ingest write path.
type MeterReadingStore struct {
	logger        *slog.Logger
	store         kv.Store
	keys          KeySchema
	sites         *SiteStore
	log           ReadingLog
	series        *MetricStore
	feed          *Feed
	metrics       *metrics.StoreMetrics
	maxRetries    int
	lastReporting LastReportingPolicy
}

// NewMeterReadingStore creates a MeterReadingStore.
func NewMeterReadingStore(cfg *MeterReadingStoreConfig) (*MeterReadingStore, error) {
	if cfg == nil {
		return nil, errors.New("meter reading store config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.Sites == nil || cfg.Log == nil || cfg.Series == nil || cfg.Feed == nil {
		return nil, errors.New("site store, reading log, metric store and feed are required")
	}

	if cfg.MaxStatsRetries < 0 {
		return nil, errors.New("max stats retries cannot be negative")
	}

	policy := cfg.LastReporting
	switch policy {
	case "":
		policy = LastReportingOverwrite
	case LastReportingOverwrite, LastReportingMax:
	default:
		return nil, fmt.Errorf("unknown last reporting policy %q", policy)
	}

	return &MeterReadingStore{
		logger:        cfg.Logger,
		store:         cfg.Store,
		keys:          cfg.Keys,
		sites:         cfg.Sites,
		log:           cfg.Log,
		series:        cfg.Series,
		feed:          cfg.Feed,
		metrics:       cfg.Metrics,
		maxRetries:    cfg.MaxStatsRetries,
		lastReporting: policy,
	}, nil
}

// Ingest accepts a reading. Unknown sites are rejected before any write.
// Earlier steps are not rolled back when a later one fails.
func (s *MeterReadingStore) Ingest(ctx context.Context, r MeterReading) error {
	if err := validateReading(r); err != nil {
		return err
	}
	r = truncateTimestamp(r)

	exists, err := s.sites.Exists(ctx, r.SiteID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %d", ErrSiteNotFound, r.SiteID)
	}

	if err := s.log.Append(ctx, r); err != nil {
		return fmt.Errorf("failed to append raw reading: %w", err)
	}

	if err := s.updateStats(ctx, r); err != nil {
		return err
	}

	if err := s.series.AppendReading(ctx, r); err != nil {
		return fmt.Errorf("failed to append measurements: %w", err)
	}

	if _, err := s.feed.Publish(ctx, r); err != nil {
		return fmt.Errorf("failed to publish reading: %w", err)
	}

	s.metrics.ReadingIngested()
	s.logger.Debug("meter reading ingested",
		"site_id", r.SiteID,
		"timestamp", r.Timestamp,
		"capacity", r.CurrentCapacity(),
	)
	return nil
}

// updateStats applies the reading to the site stats, the site capacity field
// and the capacity ranking in one optimistic transaction watching the stats
// and site keys. Conflicts are retried; exhaustion surfaces ErrTimeout.
func (s *MeterReadingStore) updateStats(ctx context.Context, r MeterReading) error {
	statsKey := s.keys.SiteStatsKey(r.SiteID)
	siteKey := s.keys.SiteHashKey(r.SiteID)
	capacity := r.CurrentCapacity()

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		err := s.store.Watch(ctx, func(tx kv.Tx) error {
			site, err := tx.HGetAll(ctx, siteKey)
			if err != nil {
				return err
			}
			if len(site) == 0 {
				return fmt.Errorf("%w: %d", ErrSiteNotFound, r.SiteID)
			}

			current, err := readStats(ctx, tx, statsKey)
			if err != nil {
				return err
			}
			next := s.applyReading(current, r)

			return tx.Exec(ctx, func(p kv.Pipe) {
				p.HSet(statsKey, encodeStats(next))
				queueSiteCapacity(p, s.keys, r.SiteID, capacity)
				queueCapacity(p, s.keys, r.SiteID, capacity)
			})
		}, statsKey, siteKey)

		if !errors.Is(err, kv.ErrTxConflict) {
			return err
		}
		s.metrics.TxRetry("update_stats")
	}

	return fmt.Errorf("%w: stats update for site %d conflicted %d times", ErrTimeout, r.SiteID, s.maxRetries+1)
}

func readStats(ctx context.Context, r kv.Reader, key string) (SiteStats, error) {
	fields, err := r.HGetAll(ctx, key)
	if err != nil {
		return SiteStats{}, err
	}
	if len(fields) == 0 {
		return SiteStats{}, nil
	}
	return decodeStats(fields)
}

func (s *MeterReadingStore) applyReading(st SiteStats, r MeterReading) SiteStats {
	capacity := r.CurrentCapacity()
	if st.MeterReadingCount == 0 {
		return SiteStats{
			LastReportingTime: r.Timestamp,
			MeterReadingCount: 1,
			MaxWhGenerated:    r.WhGenerated,
			MinWhGenerated:    r.WhGenerated,
			MaxCapacity:       capacity,
		}
	}

	st.MeterReadingCount++
	st.MaxWhGenerated = math.Max(st.MaxWhGenerated, r.WhGenerated)
	st.MinWhGenerated = math.Min(st.MinWhGenerated, r.WhGenerated)
	st.MaxCapacity = math.Max(st.MaxCapacity, capacity)

	if s.lastReporting == LastReportingOverwrite || r.Timestamp.After(st.LastReportingTime) {
		st.LastReportingTime = r.Timestamp
	}
	return st
}

// Stats returns the rolling statistics of a site. A site without readings
// has zero stats.
func (s *MeterReadingStore) Stats(ctx context.Context, siteID int64) (SiteStats, error) {
	exists, err := s.sites.Exists(ctx, siteID)
	if err != nil {
		return SiteStats{}, err
	}
	if !exists {
		return SiteStats{}, fmt.Errorf("%w: %d", ErrSiteNotFound, siteID)
	}
	return readStats(ctx, s.store, s.keys.SiteStatsKey(siteID))
}

// Recent returns up to limit raw readings of a site, newest first.
func (s *MeterReadingStore) Recent(ctx context.Context, siteID int64, limit int) ([]MeterReading, error) {
	return s.log.Recent(ctx, siteID, limit)
}

// Between returns a site's raw readings in [from, to], oldest first. It fails
// with ErrRangeUnsupported when the reading log cannot select by time.
func (s *MeterReadingStore) Between(ctx context.Context, siteID int64, from, to time.Time) ([]MeterReading, error) {
	ranged, ok := s.log.(RangeReadingLog)
	if !ok {
		return nil, ErrRangeUnsupported
	}
	return ranged.Between(ctx, siteID, from, to)
}

// truncateTimestamp drops precision the millisecond storage encoding cannot keep.
func truncateTimestamp(r MeterReading) MeterReading {
	r.Timestamp = r.Timestamp.Truncate(time.Millisecond).UTC()
	return r
}
