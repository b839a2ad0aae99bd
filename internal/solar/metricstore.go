package solar

import (
	"context"
	"fmt"
	"time"

	"procodus.dev/solarwatch/pkg/kv"
)

// MetricStore keeps time-ordered measurement series per (scope, unit).
// A series is split into UTC day buckets, each a sorted set scored by Unix
// milliseconds, plus a bucket index scored by day number.
type MetricStore struct {
	store     kv.Store
	keys      KeySchema
	retention time.Duration
}

// NewMetricStore creates a MetricStore. A positive retention expires day buckets
// that long after their last write.
func NewMetricStore(store kv.Store, keys KeySchema, retention time.Duration) *MetricStore {
	return &MetricStore{store: store, keys: keys, retention: retention}
}

// Append adds one measurement to the series of scope.
func (m *MetricStore) Append(ctx context.Context, scope Scope, ms Measurement) error {
	if !ms.Unit.Valid() {
		return fmt.Errorf("unknown metric unit %q", ms.Unit)
	}
	return m.store.Pipelined(ctx, func(p kv.Pipe) {
		m.queueAppend(p, scope, ms)
	})
}

// AppendReading records the three measurements of a reading in both the site
// series and the global series, in one pipeline.
func (m *MetricStore) AppendReading(ctx context.Context, r MeterReading) error {
	measurements := ReadingMeasurements(r)
	return m.store.Pipelined(ctx, func(p kv.Pipe) {
		for _, ms := range measurements {
			m.queueAppend(p, SiteScope(r.SiteID), ms)
			m.queueAppend(p, GlobalScope, ms)
		}
	})
}

// ReadingMeasurements splits a reading into one measurement per MetricUnit.
func ReadingMeasurements(r MeterReading) []Measurement {
	return []Measurement{
		{SiteID: r.SiteID, Value: r.WhGenerated, Unit: WhGenerated, Timestamp: r.Timestamp},
		{SiteID: r.SiteID, Value: r.WhUsed, Unit: WhUsed, Timestamp: r.Timestamp},
		{SiteID: r.SiteID, Value: r.TempC, Unit: TempCelsius, Timestamp: r.Timestamp},
	}
}

func (m *MetricStore) queueAppend(p kv.Pipe, scope Scope, ms Measurement) {
	day := dayOf(ms.Timestamp)
	key := m.keys.MetricKey(scope, ms.Unit, day)

	p.ZAdd(key, kv.ScoredMember{Member: encodeMeasurement(ms), Score: float64(toMillis(ms.Timestamp))})
	p.ZAdd(m.keys.MetricDaysKey(scope, ms.Unit), kv.ScoredMember{Member: id(day), Score: float64(day)})
	if m.retention > 0 {
		p.Expire(key, m.retention)
	}
}

// RangeQuery returns measurements with from <= timestamp <= to, ascending.
func (m *MetricStore) RangeQuery(ctx context.Context, scope Scope, unit MetricUnit, from, to time.Time) ([]Measurement, error) {
	if !unit.Valid() {
		return nil, fmt.Errorf("unknown metric unit %q", unit)
	}
	out := []Measurement{}
	if to.Before(from) {
		return out, nil
	}

	days, err := m.store.ZRangeByScore(ctx, m.keys.MetricDaysKey(scope, unit), float64(dayOf(from)), float64(dayOf(to)), 0, -1)
	if err != nil {
		return nil, err
	}

	fromMs, toMs := float64(toMillis(from)), float64(toMillis(to))
	for _, day := range days {
		members, err := m.store.ZRangeByScore(ctx, m.keys.MetricKey(scope, unit, int64(day.Score)), fromMs, toMs, 0, -1)
		if err != nil {
			return nil, err
		}
		for _, member := range members {
			ms, err := decodeMeasurement(member.Member, unit)
			if err != nil {
				return nil, err
			}
			out = append(out, ms)
		}
	}
	return out, nil
}

// Latest returns the measurement with the highest timestamp, if any.
func (m *MetricStore) Latest(ctx context.Context, scope Scope, unit MetricUnit) (Measurement, bool, error) {
	recent, err := m.Recent(ctx, scope, unit, 1)
	if err != nil || len(recent) == 0 {
		return Measurement{}, false, err
	}
	return recent[0], true, nil
}

// Recent returns up to limit of the newest measurements, ascending.
// Expired buckets still listed in the index are skipped.
func (m *MetricStore) Recent(ctx context.Context, scope Scope, unit MetricUnit, limit int) ([]Measurement, error) {
	if !unit.Valid() {
		return nil, fmt.Errorf("unknown metric unit %q", unit)
	}
	if limit <= 0 {
		return []Measurement{}, nil
	}

	daysKey := m.keys.MetricDaysKey(scope, unit)
	newest := make([]Measurement, 0, limit)
	for rank := int64(0); len(newest) < limit; rank++ {
		days, err := m.store.ZRangeByRank(ctx, daysKey, rank, rank, true)
		if err != nil {
			return nil, err
		}
		if len(days) == 0 {
			break
		}

		want := int64(limit - len(newest))
		members, err := m.store.ZRangeByRank(ctx, m.keys.MetricKey(scope, unit, int64(days[0].Score)), 0, want-1, true)
		if err != nil {
			return nil, err
		}
		for _, member := range members {
			ms, err := decodeMeasurement(member.Member, unit)
			if err != nil {
				return nil, err
			}
			newest = append(newest, ms)
		}
	}

	for i, j := 0, len(newest)-1; i < j; i, j = i+1, j-1 {
		newest[i], newest[j] = newest[j], newest[i]
	}
	return newest, nil
}
