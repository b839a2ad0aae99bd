package solar

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"procodus.dev/solarwatch/pkg/kv"
	"procodus.dev/solarwatch/pkg/metrics"
)

// Mirror receives a copy of every published reading. pkg/mq.Client satisfies it.
type Mirror interface {
	Push(ctx context.Context, data []byte) error
}

// FeedMessage is the body mirrored to the message queue.
type FeedMessage struct {
	ID      string       `json:"id"`
	Cursor  Cursor       `json:"cursor"`
	Reading MeterReading `json:"reading"`
}

// FeedConfig holds the configuration for the Feed.
type FeedConfig struct {
	Logger  *slog.Logger
	Store   kv.Store
	Keys    KeySchema
	Metrics *metrics.StoreMetrics

	// MaxLen caps the retained log approximately. Zero keeps everything.
	MaxLen int64

	// Mirror is optional.
	Mirror        Mirror
	MirrorTimeout time.Duration

	// Block bounds each wait of a subscriber for new entries.
	Block     time.Duration
	BatchSize int64
}

// Feed is the log-backed broadcast of accepted readings.
type Feed struct {
	logger        *slog.Logger
	store         kv.Store
	key           string
	metrics       *metrics.StoreMetrics
	maxLen        int64
	mirror        Mirror
	mirrorTimeout time.Duration
	block         time.Duration
	batchSize     int64
}

// NewFeed creates a Feed.
func NewFeed(cfg *FeedConfig) (*Feed, error) {
	if cfg == nil {
		return nil, errors.New("feed config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Store == nil {
		return nil, errors.New("store cannot be nil")
	}

	if cfg.MaxLen < 0 {
		return nil, errors.New("feed max length cannot be negative")
	}

	f := &Feed{
		logger:        cfg.Logger,
		store:         cfg.Store,
		key:           cfg.Keys.GlobalFeedKey(),
		metrics:       cfg.Metrics,
		maxLen:        cfg.MaxLen,
		mirror:        cfg.Mirror,
		mirrorTimeout: cfg.MirrorTimeout,
		block:         cfg.Block,
		batchSize:     cfg.BatchSize,
	}
	if f.mirrorTimeout <= 0 {
		f.mirrorTimeout = 2 * time.Second
	}
	if f.block <= 0 {
		f.block = time.Second
	}
	if f.batchSize <= 0 {
		f.batchSize = 100
	}
	return f, nil
}

// Publish appends a reading to the log and mirrors it to the queue.
// Mirror failures are logged and counted, never returned.
func (f *Feed) Publish(ctx context.Context, r MeterReading) (Cursor, error) {
	entryID, err := f.store.XAdd(ctx, f.key, encodeReading(r), f.maxLen)
	if err != nil {
		return "", err
	}
	cursor := Cursor(entryID)

	if f.mirror != nil {
		f.mirrorReading(ctx, cursor, r)
	}
	return cursor, nil
}

func (f *Feed) mirrorReading(ctx context.Context, cursor Cursor, r MeterReading) {
	msg := FeedMessage{ID: uuid.NewString(), Cursor: cursor, Reading: r}
	data, err := json.Marshal(msg)
	if err != nil {
		f.logger.Error("failed to marshal feed message", "site_id", r.SiteID, "error", err)
		f.metrics.FeedMirrorFailed()
		return
	}

	ctx, cancel := context.WithTimeout(ctx, f.mirrorTimeout)
	defer cancel()

	if err := f.mirror.Push(ctx, data); err != nil {
		f.logger.Warn("failed to mirror reading to queue",
			"site_id", r.SiteID,
			"message_id", msg.ID,
			"error", err,
		)
		f.metrics.FeedMirrorFailed()
	}
}

// Recent returns up to limit readings, newest first.
func (f *Feed) Recent(ctx context.Context, limit int) ([]FeedEntry, error) {
	if limit <= 0 {
		return []FeedEntry{}, nil
	}
	entries, err := f.store.XRevRange(ctx, f.key, int64(limit))
	if err != nil {
		return nil, err
	}
	out := make([]FeedEntry, 0, len(entries))
	for _, e := range entries {
		r, err := decodeReading(e.Fields)
		if err != nil {
			return nil, err
		}
		out = append(out, FeedEntry{Cursor: Cursor(e.ID), Reading: r})
	}
	return out, nil
}

// Subscribe returns an unbounded sequence of readings published after from.
// Resuming with the cursor of the last entry seen continues without gaps,
// as long as the entry is still retained. The sequence ends when ctx is done
// or after yielding a backend error.
func (f *Feed) Subscribe(ctx context.Context, from Cursor) iter.Seq2[FeedEntry, error] {
	return func(yield func(FeedEntry, error) bool) {
		after, err := f.resolve(ctx, from)
		if err != nil {
			if ctx.Err() == nil {
				yield(FeedEntry{}, classify(err))
			}
			return
		}

		for ctx.Err() == nil {
			entries, err := f.store.XRead(ctx, f.key, after, f.batchSize, f.block)
			if err != nil {
				if ctx.Err() == nil {
					yield(FeedEntry{}, classify(err))
				}
				return
			}

			for _, e := range entries {
				after = e.ID
				r, err := decodeReading(e.Fields)
				if err != nil {
					if !yield(FeedEntry{}, err) {
						return
					}
					continue
				}
				if !yield(FeedEntry{Cursor: Cursor(e.ID), Reading: r}, nil) {
					return
				}
			}
		}
	}
}

func (f *Feed) resolve(ctx context.Context, from Cursor) (string, error) {
	switch from {
	case "":
		return kv.StreamStart, nil
	case FeedTail:
		newest, err := f.store.XRevRange(ctx, f.key, 1)
		if err != nil {
			return "", err
		}
		if len(newest) == 0 {
			return kv.StreamStart, nil
		}
		return newest[0].ID, nil
	default:
		return string(from), nil
	}
}
