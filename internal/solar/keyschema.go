package solar

import (
	"errors"
	"strconv"
	"strings"
)

// KeySchema maps entities to backend keys under a namespace prefix.
// Every entity kind has its own literal segment after the prefix.
type KeySchema struct {
	prefix string
}

// NewKeySchema returns a schema for prefix, which cannot be empty.
func NewKeySchema(prefix string) (KeySchema, error) {
	if prefix == "" {
		return KeySchema{}, errors.New("key prefix cannot be empty")
	}
	return KeySchema{prefix: prefix}, nil
}

// Prefix returns the namespace prefix.
func (k KeySchema) Prefix() string {
	return k.prefix
}

func (k KeySchema) key(parts ...string) string {
	return k.prefix + ":" + strings.Join(parts, ":")
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

// SiteHashKey holds a site's metadata.
func (k KeySchema) SiteHashKey(siteID int64) string {
	return k.key("sites", "info", id(siteID))
}

// SiteIDsKey is the set of all known site ids.
func (k KeySchema) SiteIDsKey() string {
	return k.key("sites", "ids")
}

// SiteStatsKey holds a site's rolling statistics.
func (k KeySchema) SiteStatsKey(siteID int64) string {
	return k.key("sites", "stats", id(siteID))
}

// CapacityRankingKey is the sorted set of sites by current capacity.
func (k KeySchema) CapacityRankingKey() string {
	return k.key("sites", "capacity")
}

// SiteGeoKey is the geo set of site coordinates.
func (k KeySchema) SiteGeoKey() string {
	return k.key("sites", "geo")
}

// MetricKey is one day bucket of a metric series. day counts days since the Unix epoch, UTC.
func (k KeySchema) MetricKey(scope Scope, unit MetricUnit, day int64) string {
	return k.key("metric", scope.String(), string(unit), id(day))
}

// MetricDaysKey indexes the day buckets of a metric series.
func (k KeySchema) MetricDaysKey(scope Scope, unit MetricUnit) string {
	return k.key("metric-days", scope.String(), string(unit))
}

// GlobalFeedKey is the stream of accepted readings.
func (k KeySchema) GlobalFeedKey() string {
	return k.key("feed", "global")
}

// SiteReadingsKey is the raw reading log of a site.
func (k KeySchema) SiteReadingsKey(siteID int64) string {
	return k.key("readings", id(siteID))
}
