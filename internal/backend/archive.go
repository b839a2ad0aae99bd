package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"procodus.dev/solarwatch/internal/solar"
	"procodus.dev/solarwatch/pkg/kv"
	"procodus.dev/solarwatch/pkg/metrics"
)

// Archive is a solar.RangeReadingLog backed by PostgreSQL. It replaces the
// in-store reading streams when the archive is enabled.
type Archive struct {
	logger  *slog.Logger
	db      *gorm.DB
	metrics *metrics.BackendMetrics
}

// NewArchive creates an Archive over an open, migrated database.
func NewArchive(logger *slog.Logger, db *gorm.DB, m *metrics.BackendMetrics) (*Archive, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if db == nil {
		return nil, errors.New("database cannot be nil")
	}

	return &Archive{
		logger:  logger.With("component", "archive"),
		db:      db,
		metrics: m,
	}, nil
}

// Append implements solar.ReadingLog.
func (a *Archive) Append(ctx context.Context, r solar.MeterReading) (err error) {
	defer func(start time.Time) { a.metrics.Archive("append", start, err) }(time.Now())

	if err = a.db.WithContext(ctx).Create(recordFromReading(r)).Error; err != nil {
		return unavailable("failed to archive meter reading", err)
	}
	return nil
}

// Recent implements solar.ReadingLog.
func (a *Archive) Recent(ctx context.Context, siteID int64, limit int) (_ []solar.MeterReading, err error) {
	defer func(start time.Time) { a.metrics.Archive("recent", start, err) }(time.Now())

	if limit <= 0 {
		return []solar.MeterReading{}, nil
	}

	var records []MeterReadingRecord
	err = a.db.WithContext(ctx).
		Where("site_id = ?", siteID).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, unavailable("failed to query archived readings", err)
	}

	out := make([]solar.MeterReading, len(records))
	for i, rec := range records {
		out[i] = rec.Reading()
	}
	return out, nil
}

// Between implements solar.RangeReadingLog.
func (a *Archive) Between(ctx context.Context, siteID int64, from, to time.Time) (_ []solar.MeterReading, err error) {
	defer func(start time.Time) { a.metrics.Archive("between", start, err) }(time.Now())

	var records []MeterReadingRecord
	err = a.db.WithContext(ctx).
		Where("site_id = ? AND timestamp >= ? AND timestamp <= ?", siteID, from.UTC(), to.UTC()).
		Order("timestamp ASC, id ASC").
		Find(&records).Error
	if err != nil {
		return nil, unavailable("failed to query archived readings", err)
	}

	out := make([]solar.MeterReading, len(records))
	for i, rec := range records {
		out[i] = rec.Reading()
	}
	return out, nil
}

// unavailable marks a database failure as a backend outage. Context errors
// stay visible so the core reports them as timeouts.
func unavailable(msg string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%s: %w: %w", msg, kv.ErrUnavailable, err)
}

var _ solar.RangeReadingLog = (*Archive)(nil)
