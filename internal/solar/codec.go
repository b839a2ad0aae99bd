package solar

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Storage encoding. Hash and stream values are strings, timestamps are Unix
// milliseconds, floats use the shortest exact decimal form.

const msPerDay = int64(24 * time.Hour / time.Millisecond)

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// dayOf returns the UTC day number of t, counted from the Unix epoch.
func dayOf(t time.Time) int64 {
	ms := toMillis(t)
	day := ms / msPerDay
	if ms%msPerDay < 0 {
		day--
	}
	return day
}

type decoder struct {
	fields map[string]string
	err    error
}

func (d *decoder) str(name string) string {
	return d.fields[name]
}

func (d *decoder) float(name string) float64 {
	if d.err != nil {
		return 0
	}
	v, err := strconv.ParseFloat(d.fields[name], 64)
	if err != nil {
		d.err = fmt.Errorf("field %s: %w", name, err)
	}
	return v
}

func (d *decoder) int(name string) int64 {
	if d.err != nil {
		return 0
	}
	v, err := strconv.ParseInt(d.fields[name], 10, 64)
	if err != nil {
		d.err = fmt.Errorf("field %s: %w", name, err)
	}
	return v
}

func encodeSite(s Site) map[string]string {
	fields := map[string]string{
		"id":          strconv.FormatInt(s.ID, 10),
		"capacity":    formatFloat(s.Capacity),
		"panels":      strconv.Itoa(s.Panels),
		"address":     s.Address,
		"city":        s.City,
		"state":       s.State,
		"postal_code": s.PostalCode,
	}
	if s.Coordinate != nil {
		fields["lng"] = formatFloat(s.Coordinate.Lng)
		fields["lat"] = formatFloat(s.Coordinate.Lat)
	}
	return fields
}

func decodeSite(fields map[string]string) (Site, error) {
	d := &decoder{fields: fields}
	s := Site{
		ID:         d.int("id"),
		Capacity:   d.float("capacity"),
		Panels:     int(d.int("panels")),
		Address:    d.str("address"),
		City:       d.str("city"),
		State:      d.str("state"),
		PostalCode: d.str("postal_code"),
	}
	if _, ok := fields["lng"]; ok {
		s.Coordinate = &Coordinate{Lng: d.float("lng"), Lat: d.float("lat")}
	}
	if d.err != nil {
		return Site{}, fmt.Errorf("failed to decode site: %w", d.err)
	}
	return s, nil
}

func encodeStats(st SiteStats) map[string]string {
	return map[string]string{
		"last_reporting_time": strconv.FormatInt(toMillis(st.LastReportingTime), 10),
		"meter_reading_count": strconv.FormatInt(st.MeterReadingCount, 10),
		"max_wh_generated":    formatFloat(st.MaxWhGenerated),
		"min_wh_generated":    formatFloat(st.MinWhGenerated),
		"max_capacity":        formatFloat(st.MaxCapacity),
	}
}

func decodeStats(fields map[string]string) (SiteStats, error) {
	d := &decoder{fields: fields}
	st := SiteStats{
		LastReportingTime: fromMillis(d.int("last_reporting_time")),
		MeterReadingCount: d.int("meter_reading_count"),
		MaxWhGenerated:    d.float("max_wh_generated"),
		MinWhGenerated:    d.float("min_wh_generated"),
		MaxCapacity:       d.float("max_capacity"),
	}
	if d.err != nil {
		return SiteStats{}, fmt.Errorf("failed to decode site stats: %w", d.err)
	}
	return st, nil
}

func encodeReading(r MeterReading) map[string]string {
	return map[string]string{
		"site_id":      strconv.FormatInt(r.SiteID, 10),
		"wh_used":      formatFloat(r.WhUsed),
		"wh_generated": formatFloat(r.WhGenerated),
		"temp_c":       formatFloat(r.TempC),
		"timestamp":    strconv.FormatInt(toMillis(r.Timestamp), 10),
	}
}

func decodeReading(fields map[string]string) (MeterReading, error) {
	d := &decoder{fields: fields}
	r := MeterReading{
		SiteID:      d.int("site_id"),
		WhUsed:      d.float("wh_used"),
		WhGenerated: d.float("wh_generated"),
		TempC:       d.float("temp_c"),
		Timestamp:   fromMillis(d.int("timestamp")),
	}
	if d.err != nil {
		return MeterReading{}, fmt.Errorf("failed to decode meter reading: %w", d.err)
	}
	return r, nil
}

// A measurement is stored as the sorted set member "siteID:value:millis" scored by millis.
// The timestamp keeps members unique when a value repeats.
func encodeMeasurement(m Measurement) string {
	return strconv.FormatInt(m.SiteID, 10) + ":" + formatFloat(m.Value) + ":" + strconv.FormatInt(toMillis(m.Timestamp), 10)
}

func decodeMeasurement(member string, unit MetricUnit) (Measurement, error) {
	parts := strings.Split(member, ":")
	if len(parts) != 3 {
		return Measurement{}, fmt.Errorf("malformed measurement %q", member)
	}
	siteID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Measurement{}, fmt.Errorf("malformed measurement %q: %w", member, err)
	}
	value, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Measurement{}, fmt.Errorf("malformed measurement %q: %w", member, err)
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Measurement{}, fmt.Errorf("malformed measurement %q: %w", member, err)
	}
	return Measurement{SiteID: siteID, Value: value, Unit: unit, Timestamp: fromMillis(ms)}, nil
}
