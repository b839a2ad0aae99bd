package solar

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"procodus.dev/solarwatch/pkg/kv"
)

// CapacityIndex ranks sites by current capacity in a sorted set.
type CapacityIndex struct {
	store kv.Store
	keys  KeySchema
}

// NewCapacityIndex creates a CapacityIndex.
func NewCapacityIndex(store kv.Store, keys KeySchema) *CapacityIndex {
	return &CapacityIndex{store: store, keys: keys}
}

// Upsert sets the capacity of a site. Last write wins.
func (c *CapacityIndex) Upsert(ctx context.Context, siteID int64, capacity float64) error {
	return c.store.Pipelined(ctx, func(p kv.Pipe) {
		queueCapacity(p, c.keys, siteID, capacity)
	})
}

func queueCapacity(p kv.Pipe, keys KeySchema, siteID int64, capacity float64) {
	p.ZAdd(keys.CapacityRankingKey(), kv.ScoredMember{Member: id(siteID), Score: capacity})
}

// Remove drops a site from the ranking.
func (c *CapacityIndex) Remove(ctx context.Context, siteID int64) error {
	return c.store.Pipelined(ctx, func(p kv.Pipe) {
		p.ZRem(c.keys.CapacityRankingKey(), id(siteID))
	})
}

// Score returns the ranked capacity of a site and whether it is ranked.
func (c *CapacityIndex) Score(ctx context.Context, siteID int64) (float64, bool, error) {
	return c.store.ZScore(ctx, c.keys.CapacityRankingKey(), id(siteID))
}

// TopK returns the k highest capacity sites, descending, ties by ascending site id.
func (c *CapacityIndex) TopK(ctx context.Context, k int) ([]SiteCapacity, error) {
	return c.rank(ctx, k, true)
}

// BottomK returns the k lowest capacity sites, ascending, ties by ascending site id.
func (c *CapacityIndex) BottomK(ctx context.Context, k int) ([]SiteCapacity, error) {
	return c.rank(ctx, k, false)
}

// Report builds a CapacityReport from TopK and BottomK.
func (c *CapacityIndex) Report(ctx context.Context, top, bottom int) (CapacityReport, error) {
	highest, err := c.TopK(ctx, top)
	if err != nil {
		return CapacityReport{}, err
	}
	lowest, err := c.BottomK(ctx, bottom)
	if err != nil {
		return CapacityReport{}, err
	}
	return CapacityReport{HighestCapacity: highest, LowestCapacity: lowest}, nil
}

// rank reads k members by rank. The backend breaks score ties by member string,
// so when the k-th score is shared the whole score band is read and re-sorted
// by numeric site id before truncating.
func (c *CapacityIndex) rank(ctx context.Context, k int, descending bool) ([]SiteCapacity, error) {
	if k <= 0 {
		return []SiteCapacity{}, nil
	}
	key := c.keys.CapacityRankingKey()

	members, err := c.store.ZRangeByRank(ctx, key, 0, int64(k-1), descending)
	if err != nil {
		return nil, err
	}

	candidates := make(map[string]float64, len(members))
	for _, m := range members {
		candidates[m.Member] = m.Score
	}

	if len(members) == k {
		boundary := members[k-1].Score
		band, err := c.store.ZRangeByScore(ctx, key, boundary, boundary, 0, -1)
		if err != nil {
			return nil, err
		}
		for _, m := range band {
			candidates[m.Member] = m.Score
		}
	}

	out := make([]SiteCapacity, 0, len(candidates))
	for member, score := range candidates {
		siteID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed site id %q in capacity ranking: %w", member, err)
		}
		out = append(out, SiteCapacity{SiteID: siteID, Capacity: score})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Capacity != out[j].Capacity {
			if descending {
				return out[i].Capacity > out[j].Capacity
			}
			return out[i].Capacity < out[j].Capacity
		}
		return out[i].SiteID < out[j].SiteID
	})

	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}
