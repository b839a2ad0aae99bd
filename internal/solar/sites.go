package solar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"procodus.dev/solarwatch/pkg/kv"
)

// SiteStore keeps site metadata and the set of known site ids.
type SiteStore struct {
	store kv.Store
	keys  KeySchema
}

// NewSiteStore creates a SiteStore.
func NewSiteStore(store kv.Store, keys KeySchema) *SiteStore {
	return &SiteStore{store: store, keys: keys}
}

// Insert stores a new site. It fails with ErrDuplicateSite when the id is taken.
// The site hash, the id set and the geo entry are written in one transaction.
func (s *SiteStore) Insert(ctx context.Context, site Site) error {
	if err := validateSite(site); err != nil {
		return err
	}

	key := s.keys.SiteHashKey(site.ID)
	err := s.store.Watch(ctx, func(tx kv.Tx) error {
		existing, err := tx.HGetAll(ctx, key)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			return fmt.Errorf("%w: %d", ErrDuplicateSite, site.ID)
		}
		return tx.Exec(ctx, func(p kv.Pipe) {
			p.HSet(key, encodeSite(site))
			p.SAdd(s.keys.SiteIDsKey(), id(site.ID))
			if site.Coordinate != nil {
				p.GeoAdd(s.keys.SiteGeoKey(), id(site.ID), site.Coordinate.Lng, site.Coordinate.Lat)
			}
		})
	}, key)
	if errors.Is(err, kv.ErrTxConflict) {
		// The key was written between the read and EXEC: a concurrent insert won.
		return fmt.Errorf("%w: %d", ErrDuplicateSite, site.ID)
	}
	return err
}

// Get returns the site with the given id or ErrSiteNotFound.
func (s *SiteStore) Get(ctx context.Context, siteID int64) (Site, error) {
	return getSite(ctx, s.store, s.keys, siteID)
}

func getSite(ctx context.Context, r kv.Reader, keys KeySchema, siteID int64) (Site, error) {
	fields, err := r.HGetAll(ctx, keys.SiteHashKey(siteID))
	if err != nil {
		return Site{}, err
	}
	if len(fields) == 0 {
		return Site{}, fmt.Errorf("%w: %d", ErrSiteNotFound, siteID)
	}
	return decodeSite(fields)
}

// Exists reports whether a site record is present.
func (s *SiteStore) Exists(ctx context.Context, siteID int64) (bool, error) {
	fields, err := s.store.HGetAll(ctx, s.keys.SiteHashKey(siteID))
	if err != nil {
		return false, err
	}
	return len(fields) > 0, nil
}

// List returns all sites in no particular order. Ids whose record vanished
// concurrently are skipped.
func (s *SiteStore) List(ctx context.Context) ([]Site, error) {
	ids, err := s.store.SMembers(ctx, s.keys.SiteIDsKey())
	if err != nil {
		return nil, err
	}
	sites := make([]Site, 0, len(ids))
	for _, raw := range ids {
		siteID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed site id %q: %w", raw, err)
		}
		site, err := s.Get(ctx, siteID)
		if errors.Is(err, ErrSiteNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// GetMany resolves ids to sites, sorted by id. Missing ids are skipped.
func (s *SiteStore) GetMany(ctx context.Context, ids []int64) ([]Site, error) {
	sites := make([]Site, 0, len(ids))
	for _, siteID := range ids {
		site, err := s.Get(ctx, siteID)
		if errors.Is(err, ErrSiteNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i].ID < sites[j].ID })
	return sites, nil
}

// Update replaces the metadata of an existing site and re-syncs its geo entry.
// The capacity ranking is left to reading ingestion.
func (s *SiteStore) Update(ctx context.Context, site Site) error {
	if err := validateSite(site); err != nil {
		return err
	}

	key := s.keys.SiteHashKey(site.ID)
	return s.store.Watch(ctx, func(tx kv.Tx) error {
		existing, err := tx.HGetAll(ctx, key)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			return fmt.Errorf("%w: %d", ErrSiteNotFound, site.ID)
		}
		return tx.Exec(ctx, func(p kv.Pipe) {
			p.Del(key)
			p.HSet(key, encodeSite(site))
			if site.Coordinate != nil {
				p.GeoAdd(s.keys.SiteGeoKey(), id(site.ID), site.Coordinate.Lng, site.Coordinate.Lat)
			} else {
				p.GeoRem(s.keys.SiteGeoKey(), id(site.ID))
			}
		})
	}, key)
}

// UpdateCapacity overwrites the capacity field of an existing site.
func (s *SiteStore) UpdateCapacity(ctx context.Context, siteID int64, capacity float64) error {
	key := s.keys.SiteHashKey(siteID)
	return s.store.Watch(ctx, func(tx kv.Tx) error {
		existing, err := tx.HGetAll(ctx, key)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			return fmt.Errorf("%w: %d", ErrSiteNotFound, siteID)
		}
		return tx.Exec(ctx, func(p kv.Pipe) {
			queueSiteCapacity(p, s.keys, siteID, capacity)
		})
	}, key)
}

func queueSiteCapacity(p kv.Pipe, keys KeySchema, siteID int64, capacity float64) {
	p.HSet(keys.SiteHashKey(siteID), map[string]string{"capacity": formatFloat(capacity)})
}

// Delete removes the site record, its id, its capacity and geo entries and its stats
// in one atomic pipeline. Raw readings and metric history are kept.
// Derived entries are swept even when the record is already gone, so a retry
// after an unknown outcome cleans up before reporting ErrSiteNotFound.
// When the pipeline outcome is unknown the error is a *PartialDeleteError.
func (s *SiteStore) Delete(ctx context.Context, siteID int64) error {
	exists, err := s.Exists(ctx, siteID)
	if err != nil {
		return err
	}

	member := id(siteID)
	err = s.store.Pipelined(ctx, func(p kv.Pipe) {
		p.Del(s.keys.SiteHashKey(siteID), s.keys.SiteStatsKey(siteID))
		p.SRem(s.keys.SiteIDsKey(), member)
		p.ZRem(s.keys.CapacityRankingKey(), member)
		p.GeoRem(s.keys.SiteGeoKey(), member)
	})
	switch {
	case err != nil && exists:
		return &PartialDeleteError{SiteID: siteID, Err: classify(err)}
	case err != nil:
		return classify(err)
	case !exists:
		return fmt.Errorf("%w: %d", ErrSiteNotFound, siteID)
	}
	return nil
}
