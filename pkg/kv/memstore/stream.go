package memstore

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"procodus.dev/solarwatch/pkg/kv"
)

type streamID struct {
	ms  int64
	seq int64
}

func (id streamID) String() string {
	return fmt.Sprintf("%d-%d", id.ms, id.seq)
}

func (id streamID) less(o streamID) bool {
	return id.ms < o.ms || (id.ms == o.ms && id.seq < o.seq)
}

func parseStreamID(s string) (streamID, error) {
	if s == "" || s == "0" {
		return streamID{}, nil
	}
	msPart, seqPart, found := strings.Cut(s, "-")
	ms, err := strconv.ParseInt(msPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("invalid stream id %q: %w", s, err)
	}
	var seq int64
	if found {
		seq, err = strconv.ParseInt(seqPart, 10, 64)
		if err != nil {
			return streamID{}, fmt.Errorf("invalid stream id %q: %w", s, err)
		}
	}
	return streamID{ms: ms, seq: seq}, nil
}

type streamRecord struct {
	id     streamID
	fields map[string]string
}

// stream is an append-only log. notify is closed and replaced on every append
// so blocked readers wake up.
type stream struct {
	records []streamRecord
	last    streamID
	notify  chan struct{}
}

func newStream() *stream {
	return &stream{notify: make(chan struct{})}
}

func (s *stream) append(nowMs int64, fields map[string]string, maxLen int64) streamID {
	id := streamID{ms: nowMs}
	if !s.last.less(id) {
		id = streamID{ms: s.last.ms, seq: s.last.seq + 1}
	}
	s.records = append(s.records, streamRecord{id: id, fields: copyFields(fields)})
	s.last = id

	if maxLen > 0 && int64(len(s.records)) > maxLen {
		drop := int64(len(s.records)) - maxLen
		s.records = append([]streamRecord(nil), s.records[drop:]...)
	}

	close(s.notify)
	s.notify = make(chan struct{})
	return id
}

func (s *stream) after(after streamID, count int64) []kv.StreamEntry {
	i := sort.Search(len(s.records), func(i int) bool {
		return after.less(s.records[i].id)
	})
	out := []kv.StreamEntry{}
	for ; i < len(s.records); i++ {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		out = append(out, s.records[i].entry())
	}
	return out
}

func (s *stream) newest(count int64) []kv.StreamEntry {
	out := []kv.StreamEntry{}
	for i := len(s.records) - 1; i >= 0; i-- {
		if count > 0 && int64(len(out)) >= count {
			break
		}
		out = append(out, s.records[i].entry())
	}
	return out
}

func (r streamRecord) entry() kv.StreamEntry {
	return kv.StreamEntry{ID: r.id.String(), Fields: copyFields(r.fields)}
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
