// Package redisstore implements kv.Store on top of Redis using go-redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"procodus.dev/solarwatch/pkg/kv"
)

// Config holds the Redis connection settings.
type Config struct {
	Logger   *slog.Logger
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Store is a kv.Store backed by a Redis client.
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger
}

var _ kv.Store = (*Store)(nil)

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("redis config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Addr == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	cfg.Logger.Info("connecting to redis", "addr", cfg.Addr, "db", cfg.DB)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	s := &Store{client: client, logger: cfg.Logger}
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	cfg.Logger.Info("redis connection established")
	return s, nil
}

// NewFromClient wraps an existing client. The Store takes ownership of it.
func NewFromClient(client redis.UniversalClient, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, logger: logger}
}

// wrap translates go-redis errors into the kv taxonomy. Context errors pass through.
func wrap(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return kv.ErrTxConflict
	default:
		return fmt.Errorf("%w: %w", kv.ErrUnavailable, err)
	}
}

// nextID returns the smallest stream id strictly greater than id, for inclusive XRANGE starts.
func nextID(id string) (string, error) {
	if id == "" || id == "0" || id == kv.StreamStart {
		return "-", nil
	}
	msPart, seqPart, found := strings.Cut(id, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	if !found {
		return fmt.Sprintf("%d-1", ms), nil
	}
	seq, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid stream id %q: %w", id, err)
	}
	return fmt.Sprintf("%d-%d", ms, seq+1), nil
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func toScored(zs []redis.Z) []kv.ScoredMember {
	out := make([]kv.ScoredMember, len(zs))
	for i, z := range zs {
		out[i] = kv.ScoredMember{Member: fmt.Sprint(z.Member), Score: z.Score}
	}
	return out
}

func toEntries(msgs []redis.XMessage) []kv.StreamEntry {
	out := make([]kv.StreamEntry, len(msgs))
	for i, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			fields[k] = fmt.Sprint(v)
		}
		out[i] = kv.StreamEntry{ID: m.ID, Fields: fields}
	}
	return out
}

// reader implements kv.Reader for both the client and a watched transaction.
type reader struct {
	cmd redis.Cmdable
}

func (r reader) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := r.cmd.HGetAll(ctx, key).Result()
	return res, wrap(err)
}

func (r reader) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := r.cmd.SMembers(ctx, key).Result()
	return res, wrap(err)
}

func (r reader) ZRangeByRank(ctx context.Context, key string, start, stop int64, reverse bool) ([]kv.ScoredMember, error) {
	var (
		zs  []redis.Z
		err error
	)
	if reverse {
		zs, err = r.cmd.ZRevRangeWithScores(ctx, key, start, stop).Result()
	} else {
		zs, err = r.cmd.ZRangeWithScores(ctx, key, start, stop).Result()
	}
	if err != nil {
		return nil, wrap(err)
	}
	return toScored(zs), nil
}

func (r reader) ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]kv.ScoredMember, error) {
	zs, err := r.cmd.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:    formatScore(min),
		Max:    formatScore(max),
		Offset: offset,
		Count:  count,
	}).Result()
	if err != nil {
		return nil, wrap(err)
	}
	return toScored(zs), nil
}

func (r reader) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := r.cmd.ZScore(ctx, key, member).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrap(err)
	}
	return score, true, nil
}

func (r reader) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.cmd.ZCard(ctx, key).Result()
	return n, wrap(err)
}

func (r reader) GeoRadius(ctx context.Context, key string, lng, lat, radius float64) ([]string, error) {
	locs, err := r.cmd.GeoRadius(ctx, key, lng, lat, &redis.GeoRadiusQuery{
		Radius: radius,
		Unit:   "m",
		Sort:   "ASC",
	}).Result()
	if err != nil {
		return nil, wrap(err)
	}
	out := make([]string, len(locs))
	for i, l := range locs {
		out[i] = l.Name
	}
	return out, nil
}

func (r reader) XRange(ctx context.Context, key, after string, count int64) ([]kv.StreamEntry, error) {
	start, err := nextID(after)
	if err != nil {
		return nil, err
	}

	var msgs []redis.XMessage
	if count > 0 {
		msgs, err = r.cmd.XRangeN(ctx, key, start, "+", count).Result()
	} else {
		msgs, err = r.cmd.XRange(ctx, key, start, "+").Result()
	}
	if err != nil {
		return nil, wrap(err)
	}
	return toEntries(msgs), nil
}

func (r reader) XRevRange(ctx context.Context, key string, count int64) ([]kv.StreamEntry, error) {
	var (
		msgs []redis.XMessage
		err  error
	)
	if count > 0 {
		msgs, err = r.cmd.XRevRangeN(ctx, key, "+", "-", count).Result()
	} else {
		msgs, err = r.cmd.XRevRange(ctx, key, "+", "-").Result()
	}
	if err != nil {
		return nil, wrap(err)
	}
	return toEntries(msgs), nil
}

func (s *Store) r() reader {
	return reader{cmd: s.client}
}

// HGetAll implements kv.Reader.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.r().HGetAll(ctx, key)
}

// SMembers implements kv.Reader.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.r().SMembers(ctx, key)
}

// ZRangeByRank implements kv.Reader.
func (s *Store) ZRangeByRank(ctx context.Context, key string, start, stop int64, reverse bool) ([]kv.ScoredMember, error) {
	return s.r().ZRangeByRank(ctx, key, start, stop, reverse)
}

// ZRangeByScore implements kv.Reader.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64, offset, count int64) ([]kv.ScoredMember, error) {
	return s.r().ZRangeByScore(ctx, key, min, max, offset, count)
}

// ZScore implements kv.Reader.
func (s *Store) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	return s.r().ZScore(ctx, key, member)
}

// ZCard implements kv.Reader.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.r().ZCard(ctx, key)
}

// GeoRadius implements kv.Reader.
func (s *Store) GeoRadius(ctx context.Context, key string, lng, lat, radius float64) ([]string, error) {
	return s.r().GeoRadius(ctx, key, lng, lat, radius)
}

// XRange implements kv.Reader.
func (s *Store) XRange(ctx context.Context, key, after string, count int64) ([]kv.StreamEntry, error) {
	return s.r().XRange(ctx, key, after, count)
}

// XRevRange implements kv.Reader.
func (s *Store) XRevRange(ctx context.Context, key string, count int64) ([]kv.StreamEntry, error) {
	return s.r().XRevRange(ctx, key, count)
}

// Pipelined implements kv.Store with MULTI/EXEC.
func (s *Store) Pipelined(ctx context.Context, fn func(kv.Pipe)) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		fn(&pipe{ctx: ctx, p: p})
		return nil
	})
	return wrap(err)
}

// Watch implements kv.Store with WATCH. A conflicting EXEC surfaces as kv.ErrTxConflict.
func (s *Store) Watch(ctx context.Context, fn func(kv.Tx) error, keys ...string) error {
	var fnErr error
	err := s.client.Watch(ctx, func(rtx *redis.Tx) error {
		fnErr = fn(&tx{reader: reader{cmd: rtx}, rtx: rtx})
		return fnErr
	}, keys...)
	if err != nil && err == fnErr {
		return err
	}
	return wrap(err)
}

// XAdd implements kv.Store.
func (s *Store) XAdd(ctx context.Context, key string, fields map[string]string, maxLen int64) (string, error) {
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	args := &redis.XAddArgs{
		Stream: key,
		ID:     "*",
		Values: values,
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	return id, wrap(err)
}

// XRead implements kv.Store.
func (s *Store) XRead(ctx context.Context, key, after string, count int64, block time.Duration) ([]kv.StreamEntry, error) {
	if after == "" {
		after = kv.StreamStart
	}
	args := &redis.XReadArgs{
		Streams: []string{key, after},
		Count:   count,
		Block:   -1,
	}
	if block > 0 {
		args.Block = block
	}
	streams, err := s.client.XRead(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return []kv.StreamEntry{}, nil
	}
	if err != nil {
		return nil, wrap(err)
	}
	for _, st := range streams {
		if st.Stream == key {
			return toEntries(st.Messages), nil
		}
	}
	return []kv.StreamEntry{}, nil
}

// Ping implements kv.Store.
func (s *Store) Ping(ctx context.Context) error {
	return wrap(s.client.Ping(ctx).Err())
}

// Close implements kv.Store.
func (s *Store) Close() error {
	s.logger.Info("closing redis connection")
	return s.client.Close()
}

type tx struct {
	reader
	rtx *redis.Tx
}

// Exec implements kv.Tx.
func (t *tx) Exec(ctx context.Context, fn func(kv.Pipe)) error {
	_, err := t.rtx.TxPipelined(ctx, func(p redis.Pipeliner) error {
		fn(&pipe{ctx: ctx, p: p})
		return nil
	})
	return wrap(err)
}

// pipe queues commands on a go-redis pipeliner. Errors are reported by EXEC.
type pipe struct {
	ctx context.Context
	p   redis.Pipeliner
}

func (p *pipe) HSet(key string, fields map[string]string) {
	if len(fields) == 0 {
		return
	}
	args := make([]any, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}
	p.p.HSet(p.ctx, key, args...)
}

func (p *pipe) Del(keys ...string) {
	if len(keys) == 0 {
		return
	}
	p.p.Del(p.ctx, keys...)
}

func (p *pipe) SAdd(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.p.SAdd(p.ctx, key, args...)
}

func (p *pipe) SRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.p.SRem(p.ctx, key, args...)
}

func (p *pipe) ZAdd(key string, members ...kv.ScoredMember) {
	if len(members) == 0 {
		return
	}
	zs := make([]redis.Z, len(members))
	for i, m := range members {
		zs[i] = redis.Z{Score: m.Score, Member: m.Member}
	}
	p.p.ZAdd(p.ctx, key, zs...)
}

func (p *pipe) ZRem(key string, members ...string) {
	if len(members) == 0 {
		return
	}
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	p.p.ZRem(p.ctx, key, args...)
}

func (p *pipe) GeoAdd(key, member string, lng, lat float64) {
	p.p.GeoAdd(p.ctx, key, &redis.GeoLocation{Name: member, Longitude: lng, Latitude: lat})
}

// GeoRem removes geo members. Redis stores geo sets as sorted sets.
func (p *pipe) GeoRem(key string, members ...string) {
	p.ZRem(key, members...)
}

func (p *pipe) Expire(key string, ttl time.Duration) {
	p.p.Expire(p.ctx, key, ttl)
}
