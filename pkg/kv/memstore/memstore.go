// Package memstore is an in-process kv.Store.
//
// It behaves like a single Redis node: every command runs under one store-wide
// lock, so pipelines and transactions are atomic. It backs unit tests and the
// memory store mode of the server.
package memstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"procodus.dev/solarwatch/pkg/kv"
)

// Redis uses this value for GEO distance calculations.
const earthRadiusMeters = 6372797.560856

type point struct {
	lng, lat float64
}

// Store is an in-memory kv.Store.
type Store struct {
	mu sync.RWMutex

	hashes   map[string]map[string]string
	sets     map[string]map[string]struct{}
	zsets    map[string]*sortedSet
	geos     map[string]map[string]point
	streams  map[string]*stream
	expiry   map[string]time.Time
	versions map[string]uint64

	now    func() time.Time
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for stream ids and key expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		hashes:   make(map[string]map[string]string),
		sets:     make(map[string]map[string]struct{}),
		zsets:    make(map[string]*sortedSet),
		geos:     make(map[string]map[string]point),
		streams:  make(map[string]*stream),
		expiry:   make(map[string]time.Time),
		versions: make(map[string]uint64),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ kv.Store = (*Store)(nil)

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return fmt.Errorf("%w: store closed", kv.ErrUnavailable)
	}
	return nil
}

// expired reports whether key carries a TTL that has passed. Callers hold at least the read lock.
func (s *Store) expired(key string) bool {
	at, ok := s.expiry[key]
	return ok && !s.now().Before(at)
}

// purge drops an expired key. Callers hold the write lock.
func (s *Store) purge(key string) {
	if s.expired(key) {
		s.deleteKey(key)
	}
}

func (s *Store) deleteKey(key string) {
	delete(s.hashes, key)
	delete(s.sets, key)
	delete(s.zsets, key)
	delete(s.geos, key)
	delete(s.streams, key)
	delete(s.expiry, key)
	s.versions[key]++
}

func (s *Store) touch(key string) {
	s.versions[key]++
}

// HGetAll implements kv.Reader.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if s.expired(key) {
		return map[string]string{}, nil
	}
	return copyFields(s.hashes[key]), nil
}

// SMembers implements kv.Reader.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}
	out := []string{}
	if s.expired(key) {
		return out, nil
	}
	for m := range s.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

// ZRangeByRank implements kv.Reader.
func (s *Store) ZRangeByRank(ctx context.Context, key string, start, stop int64, reverse bool) ([]kv.ScoredMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}
	z, ok := s.zsets[key]
	if !ok || s.expired(key) {
		return []kv.ScoredMember{}, nil
	}
	return z.rangeByRank(start, stop, reverse), nil
}

// ZRangeByScore implements kv.Reader.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]kv.ScoredMember, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}
	z, ok := s.zsets[key]
	if !ok || s.expired(key) {
		return []kv.ScoredMember{}, nil
	}
	return z.rangeByScore(min, max, offset, count), nil
}

// ZScore implements kv.Reader.
func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return 0, false, err
	}
	z, ok := s.zsets[key]
	if !ok || s.expired(key) {
		return 0, false, nil
	}
	score, ok := z.scores[member]
	return score, ok, nil
}

// ZCard implements kv.Reader.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return 0, err
	}
	z, ok := s.zsets[key]
	if !ok || s.expired(key) {
		return 0, nil
	}
	return int64(len(z.scores)), nil
}

// GeoRadius implements kv.Reader.
func (s *Store) GeoRadius(ctx context.Context, key string, lng, lat, radius float64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}

	type hit struct {
		member string
		dist   float64
	}
	hits := []hit{}
	if !s.expired(key) {
		for member, p := range s.geos[key] {
			if d := haversine(lng, lat, p.lng, p.lat); d <= radius {
				hits = append(hits, hit{member: member, dist: d})
			}
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].dist != hits[j].dist {
			return hits[i].dist < hits[j].dist
		}
		return hits[i].member < hits[j].member
	})

	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.member
	}
	return out, nil
}

// XRange implements kv.Reader.
func (s *Store) XRange(ctx context.Context, key, after string, count int64) ([]kv.StreamEntry, error) {
	id, err := parseStreamID(after)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}
	st, ok := s.streams[key]
	if !ok {
		return []kv.StreamEntry{}, nil
	}
	return st.after(id, count), nil
}

// XRevRange implements kv.Reader.
func (s *Store) XRevRange(ctx context.Context, key string, count int64) ([]kv.StreamEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}
	st, ok := s.streams[key]
	if !ok {
		return []kv.StreamEntry{}, nil
	}
	return st.newest(count), nil
}

// Pipelined implements kv.Store.
func (s *Store) Pipelined(ctx context.Context, fn func(kv.Pipe)) error {
	p := &pipe{}
	fn(p)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return err
	}
	p.apply(s)
	return nil
}

// Watch implements kv.Store.
func (s *Store) Watch(ctx context.Context, fn func(kv.Tx) error, keys ...string) error {
	s.mu.RLock()
	if err := s.check(ctx); err != nil {
		s.mu.RUnlock()
		return err
	}
	watched := make(map[string]uint64, len(keys))
	for _, k := range keys {
		watched[k] = s.versions[k]
	}
	s.mu.RUnlock()

	return fn(&tx{Store: s, watched: watched})
}

// XAdd implements kv.Store.
func (s *Store) XAdd(ctx context.Context, key string, fields map[string]string, maxLen int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return "", err
	}
	st, ok := s.streams[key]
	if !ok {
		st = newStream()
		s.streams[key] = st
	}
	id := st.append(s.now().UnixMilli(), fields, maxLen)
	s.touch(key)
	return id.String(), nil
}

// XRead implements kv.Store.
func (s *Store) XRead(ctx context.Context, key, after string, count int64, block time.Duration) ([]kv.StreamEntry, error) {
	id, err := parseStreamID(after)
	if err != nil {
		return nil, err
	}

	var deadline <-chan time.Time
	if block > 0 {
		timer := time.NewTimer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		s.mu.Lock()
		if err := s.check(ctx); err != nil {
			s.mu.Unlock()
			return nil, err
		}
		st, ok := s.streams[key]
		if !ok {
			st = newStream()
			s.streams[key] = st
		}
		entries := st.after(id, count)
		notify := st.notify
		s.mu.Unlock()

		if len(entries) > 0 || block <= 0 {
			return entries, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return []kv.StreamEntry{}, nil
		case <-notify:
		}
	}
}

// Ping implements kv.Store.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(ctx)
}

// Close implements kv.Store. Later calls fail with kv.ErrUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Keys returns the number of live keys holding data. Intended for tests.
func (s *Store) Keys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for k, v := range s.hashes {
		if len(v) > 0 && !s.expired(k) {
			seen[k] = struct{}{}
		}
	}
	for k, v := range s.sets {
		if len(v) > 0 && !s.expired(k) {
			seen[k] = struct{}{}
		}
	}
	for k, v := range s.zsets {
		if len(v.scores) > 0 && !s.expired(k) {
			seen[k] = struct{}{}
		}
	}
	for k, v := range s.geos {
		if len(v) > 0 && !s.expired(k) {
			seen[k] = struct{}{}
		}
	}
	for k, v := range s.streams {
		if len(v.records) > 0 {
			seen[k] = struct{}{}
		}
	}
	return len(seen)
}

type tx struct {
	*Store
	watched map[string]uint64
}

// Exec implements kv.Tx.
func (t *tx) Exec(ctx context.Context, fn func(kv.Pipe)) error {
	p := &pipe{}
	fn(p)

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.check(ctx); err != nil {
		return err
	}
	for k, v := range t.watched {
		if t.expired(k) || t.versions[k] != v {
			return kv.ErrTxConflict
		}
	}
	p.apply(t.Store)
	return nil
}

type pipe struct {
	ops []func(*Store)
}

func (p *pipe) apply(s *Store) {
	for _, op := range p.ops {
		op(s)
	}
}

func (p *pipe) HSet(key string, fields map[string]string) {
	fields = copyFields(fields)
	p.ops = append(p.ops, func(s *Store) {
		s.purge(key)
		h, ok := s.hashes[key]
		if !ok {
			h = make(map[string]string, len(fields))
			s.hashes[key] = h
		}
		for k, v := range fields {
			h[k] = v
		}
		s.touch(key)
	})
}

func (p *pipe) Del(keys ...string) {
	p.ops = append(p.ops, func(s *Store) {
		for _, k := range keys {
			s.deleteKey(k)
		}
	})
}

func (p *pipe) SAdd(key string, members ...string) {
	p.ops = append(p.ops, func(s *Store) {
		s.purge(key)
		set, ok := s.sets[key]
		if !ok {
			set = make(map[string]struct{}, len(members))
			s.sets[key] = set
		}
		for _, m := range members {
			set[m] = struct{}{}
		}
		s.touch(key)
	})
}

func (p *pipe) SRem(key string, members ...string) {
	p.ops = append(p.ops, func(s *Store) {
		s.purge(key)
		set := s.sets[key]
		for _, m := range members {
			delete(set, m)
		}
		if len(set) == 0 {
			delete(s.sets, key)
		}
		s.touch(key)
	})
}

func (p *pipe) ZAdd(key string, members ...kv.ScoredMember) {
	p.ops = append(p.ops, func(s *Store) {
		s.purge(key)
		z, ok := s.zsets[key]
		if !ok {
			z = newSortedSet()
			s.zsets[key] = z
		}
		for _, m := range members {
			z.add(m.Member, m.Score)
		}
		s.touch(key)
	})
}

func (p *pipe) ZRem(key string, members ...string) {
	p.ops = append(p.ops, func(s *Store) {
		s.purge(key)
		if z, ok := s.zsets[key]; ok {
			for _, m := range members {
				z.remove(m)
			}
			if len(z.scores) == 0 {
				delete(s.zsets, key)
			}
		}
		s.touch(key)
	})
}

func (p *pipe) GeoAdd(key, member string, lng, lat float64) {
	p.ops = append(p.ops, func(s *Store) {
		s.purge(key)
		g, ok := s.geos[key]
		if !ok {
			g = make(map[string]point)
			s.geos[key] = g
		}
		g[member] = point{lng: lng, lat: lat}
		s.touch(key)
	})
}

func (p *pipe) GeoRem(key string, members ...string) {
	p.ops = append(p.ops, func(s *Store) {
		s.purge(key)
		if g, ok := s.geos[key]; ok {
			for _, m := range members {
				delete(g, m)
			}
			if len(g) == 0 {
				delete(s.geos, key)
			}
		}
		s.touch(key)
	})
}

func (p *pipe) Expire(key string, ttl time.Duration) {
	p.ops = append(p.ops, func(s *Store) {
		if ttl <= 0 {
			s.deleteKey(key)
			return
		}
		s.expiry[key] = s.now().Add(ttl)
		s.touch(key)
	})
}

func haversine(lng1, lat1, lng2, lat2 float64) float64 {
	rad := math.Pi / 180
	lat1r, lat2r := lat1*rad, lat2*rad
	u := math.Sin((lat2r - lat1r) / 2)
	v := math.Sin((lng2 - lng1) * rad / 2)
	a := u*u + math.Cos(lat1r)*math.Cos(lat2r)*v*v
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}
