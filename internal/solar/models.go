package solar

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Coordinate is a (longitude, latitude) pair in degrees.
// Latitudes beyond MaxGeoLatitude cannot be geo-indexed and are rejected.
type Coordinate struct {
	Lng float64 `json:"lng" yaml:"lng" validate:"gte=-180,lte=180"`
	Lat float64 `json:"lat" yaml:"lat" validate:"gte=-85.05112878,lte=85.05112878"`
}

// MaxGeoLatitude is the Web Mercator bound enforced by Redis GEO commands.
const MaxGeoLatitude = 85.05112878

// Site is a monitored solar installation.
type Site struct {
	ID         int64       `json:"id" yaml:"id" validate:"gt=0"`
	Capacity   float64     `json:"capacity" yaml:"capacity"`
	Panels     int         `json:"panels" yaml:"panels" validate:"gte=0"`
	Address    string      `json:"address" yaml:"address"`
	City       string      `json:"city" yaml:"city"`
	State      string      `json:"state" yaml:"state"`
	PostalCode string      `json:"postal_code" yaml:"postal_code"`
	Coordinate *Coordinate `json:"coordinate,omitempty" yaml:"coordinate,omitempty"`
}

// MeterReading is a single report from a site's meter. Readings are immutable once stored.
type MeterReading struct {
	SiteID      int64     `json:"site_id" validate:"gt=0"`
	WhUsed      float64   `json:"wh_used"`
	WhGenerated float64   `json:"wh_generated"`
	TempC       float64   `json:"temp_c"`
	Timestamp   time.Time `json:"timestamp" validate:"required"`
}

// CurrentCapacity is the net energy of the reading, generated minus used.
func (r MeterReading) CurrentCapacity() float64 {
	return r.WhGenerated - r.WhUsed
}

func (r MeterReading) finite() bool {
	for _, v := range []float64{r.WhUsed, r.WhGenerated, r.TempC} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// SiteStats holds the rolling statistics of a site.
type SiteStats struct {
	LastReportingTime time.Time `json:"last_reporting_time"`
	MeterReadingCount int64     `json:"meter_reading_count"`
	MaxWhGenerated    float64   `json:"max_wh_generated"`
	MinWhGenerated    float64   `json:"min_wh_generated"`
	MaxCapacity       float64   `json:"max_capacity"`
}

// SiteCapacity pairs a site with its current capacity.
type SiteCapacity struct {
	SiteID   int64   `json:"site_id"`
	Capacity float64 `json:"capacity"`
}

// CapacityReport lists the highest and lowest capacity sites.
type CapacityReport struct {
	HighestCapacity []SiteCapacity `json:"highest_capacity"`
	LowestCapacity  []SiteCapacity `json:"lowest_capacity"`
}

// MetricUnit names a measured quantity.
type MetricUnit string

const (
	WhGenerated MetricUnit = "whG"
	WhUsed      MetricUnit = "whU"
	TempCelsius MetricUnit = "tempC"
)

// MetricUnits lists every unit recorded for a reading.
var MetricUnits = []MetricUnit{WhGenerated, WhUsed, TempCelsius}

// Valid reports whether u is a known unit.
func (u MetricUnit) Valid() bool {
	switch u {
	case WhGenerated, WhUsed, TempCelsius:
		return true
	}
	return false
}

// Scope selects a metric series: a single site or the global aggregate.
type Scope int64

// GlobalScope is the series shared by all sites.
const GlobalScope Scope = 0

// SiteScope returns the scope of a single site's series.
func SiteScope(siteID int64) Scope {
	return Scope(siteID)
}

// ParseScope parses "global" or a positive site id.
func ParseScope(s string) (Scope, error) {
	if s == "global" {
		return GlobalScope, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return GlobalScope, fmt.Errorf("invalid metric scope %q", s)
	}
	return SiteScope(id), nil
}

func (s Scope) String() string {
	if s == GlobalScope {
		return "global"
	}
	return strconv.FormatInt(int64(s), 10)
}

// Measurement is one point of a metric series.
type Measurement struct {
	SiteID    int64      `json:"site_id"`
	Value     float64    `json:"value"`
	Unit      MetricUnit `json:"metric_unit"`
	Timestamp time.Time  `json:"timestamp"`
}

// MetricSummary describes the distribution of a series over a time range.
// Quantiles are approximate with 1% relative accuracy.
type MetricSummary struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	P50   float64 `json:"p50"`
	P90   float64 `json:"p90"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// GeoUnit is the unit of a geo query radius.
type GeoUnit string

const (
	Meters     GeoUnit = "m"
	Kilometers GeoUnit = "km"
	Miles      GeoUnit = "mi"
	Feet       GeoUnit = "ft"
)

var metersPerUnit = map[GeoUnit]float64{
	Meters:     1,
	Kilometers: 1000,
	Miles:      1609.344,
	Feet:       0.3048,
}

// GeoQuery selects sites within a radius of a coordinate.
type GeoQuery struct {
	Coordinate         Coordinate `json:"coordinate"`
	Radius             float64    `json:"radius"`
	RadiusUnit         GeoUnit    `json:"radius_unit"`
	OnlyExcessCapacity bool       `json:"only_excess_capacity"`
}

// Cursor is a position in the reading feed.
type Cursor string

const (
	// FeedStart replays the feed from its oldest retained entry.
	FeedStart Cursor = "0-0"
	// FeedTail starts after the newest entry at subscription time.
	FeedTail Cursor = "$"
)

// FeedEntry is a reading delivered by the feed with the cursor to resume after it.
type FeedEntry struct {
	Cursor  Cursor       `json:"cursor"`
	Reading MeterReading `json:"reading"`
}

// LastReportingPolicy controls how SiteStats.LastReportingTime is updated.
type LastReportingPolicy string

const (
	// LastReportingOverwrite stores the timestamp of the latest ingested reading.
	LastReportingOverwrite LastReportingPolicy = "overwrite"
	// LastReportingMax keeps the newest timestamp seen so far.
	LastReportingMax LastReportingPolicy = "max"
)
