package solar

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"procodus.dev/solarwatch/pkg/kv"
)

// GeoIndex holds the coordinates of sites that have one.
type GeoIndex struct {
	store    kv.Store
	keys     KeySchema
	capacity *CapacityIndex
}

// NewGeoIndex creates a GeoIndex. capacity is consulted for excess capacity filtering.
func NewGeoIndex(store kv.Store, keys KeySchema, capacity *CapacityIndex) *GeoIndex {
	return &GeoIndex{store: store, keys: keys, capacity: capacity}
}

// Upsert sets the coordinate of a site.
func (g *GeoIndex) Upsert(ctx context.Context, siteID int64, c Coordinate) error {
	if err := validateCoordinate(c); err != nil {
		return err
	}
	return g.store.Pipelined(ctx, func(p kv.Pipe) {
		p.GeoAdd(g.keys.SiteGeoKey(), id(siteID), c.Lng, c.Lat)
	})
}

// Remove drops a site from the index.
func (g *GeoIndex) Remove(ctx context.Context, siteID int64) error {
	return g.store.Pipelined(ctx, func(p kv.Pipe) {
		p.GeoRem(g.keys.SiteGeoKey(), id(siteID))
	})
}

// RadiusMeters converts a query radius to meters. An empty unit means kilometers.
func RadiusMeters(radius float64, unit GeoUnit) (float64, error) {
	if math.IsNaN(radius) || math.IsInf(radius, 0) || radius <= 0 {
		return 0, fmt.Errorf("%w: got %v", ErrInvalidRadius, radius)
	}
	if unit == "" {
		unit = Kilometers
	}
	factor, ok := metersPerUnit[unit]
	if !ok {
		return 0, fmt.Errorf("%w: unknown unit %q", ErrInvalidRadius, unit)
	}
	return radius * factor, nil
}

// Search returns the ids of sites within the query radius, nearest first.
func (g *GeoIndex) Search(ctx context.Context, q GeoQuery) ([]int64, error) {
	meters, err := RadiusMeters(q.Radius, q.RadiusUnit)
	if err != nil {
		return nil, err
	}
	if err := validateCoordinate(q.Coordinate); err != nil {
		return nil, err
	}

	members, err := g.store.GeoRadius(ctx, g.keys.SiteGeoKey(), q.Coordinate.Lng, q.Coordinate.Lat, meters)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		siteID, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed site id %q in geo index: %w", m, err)
		}

		if q.OnlyExcessCapacity {
			capacity, ranked, err := g.capacity.Score(ctx, siteID)
			if err != nil {
				return nil, err
			}
			if !ranked || capacity <= 0 {
				continue
			}
		}
		ids = append(ids, siteID)
	}
	return ids, nil
}
