package broker

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultMaxStreamLen caps in-memory streams when no explicit limit is set.
const DefaultMaxStreamLen = 10000

type pendingRecord struct {
	entry       Entry
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

type memStream struct {
	entries []Entry
	lastMs  int64
	lastSeq int64
	groups  map[string]*memGroup
	// notify is closed and replaced on every append so blocked group
	// readers wake up.
	notify chan struct{}
}

type memGroup struct {
	// lastDelivered is the id of the newest entry handed to any consumer.
	lastDelivered string
	pending       map[string]*pendingRecord
}

// Memory is an in-memory Broker with Redis Streams semantics: per-stream
// monotonic ids, bounded length, consumer groups with a pending entries
// list, and claim-based crash recovery.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memStream
	maxLen  int64
	clock   func() time.Time
}

// NewMemory creates an in-memory broker. maxLen bounds each stream; zero
// uses DefaultMaxStreamLen.
func NewMemory(maxLen int64) *Memory {
	if maxLen <= 0 {
		maxLen = DefaultMaxStreamLen
	}
	return &Memory{
		streams: make(map[string]*memStream),
		maxLen:  maxLen,
		clock:   time.Now,
	}
}

func (m *Memory) stream(name string) *memStream {
	s, ok := m.streams[name]
	if !ok {
		s = &memStream{
			groups: make(map[string]*memGroup),
			notify: make(chan struct{}),
		}
		m.streams[name] = s
	}
	return s
}

// nextID produces a Redis-style "<ms>-<seq>" id, strictly increasing per
// stream even when the clock stalls or moves backwards.
func (s *memStream) nextID(now time.Time) string {
	ms := now.UnixMilli()
	if ms <= s.lastMs {
		ms = s.lastMs
		s.lastSeq++
	} else {
		s.lastMs = ms
		s.lastSeq = 0
	}
	return fmt.Sprintf("%d-%d", ms, s.lastSeq)
}

func idLess(a, b string) bool {
	ams, aseq := splitID(a)
	bms, bseq := splitID(b)
	if ams != bms {
		return ams < bms
	}
	return aseq < bseq
}

func splitID(id string) (int64, int64) {
	parts := strings.SplitN(id, "-", 2)
	ms, _ := strconv.ParseInt(parts[0], 10, 64)
	var seq int64
	if len(parts) == 2 {
		seq, _ = strconv.ParseInt(parts[1], 10, 64)
	}
	return ms, seq
}

func copyValues(values map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func (m *Memory) Add(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	entry := Entry{ID: s.nextID(m.clock()), Values: copyValues(values)}
	s.entries = append(s.entries, entry)
	if int64(len(s.entries)) > m.maxLen {
		s.entries = s.entries[int64(len(s.entries))-m.maxLen:]
	}

	close(s.notify)
	s.notify = make(chan struct{})
	return entry.ID, nil
}

func (m *Memory) Range(ctx context.Context, stream, after string, count int64) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return nil, ErrStreamNotFound
	}
	var out []Entry
	for _, e := range s.entries {
		if after != "" && after != "0" && !idLess(after, e.ID) {
			continue
		}
		out = append(out, Entry{ID: e.ID, Values: copyValues(e.Values)})
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, nil
}

func (m *Memory) Len(ctx context.Context, stream string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return 0, nil
	}
	return int64(len(s.entries)), nil
}

func (m *Memory) CreateGroup(ctx context.Context, stream, group string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.stream(stream)
	if _, exists := s.groups[group]; exists {
		return nil
	}
	s.groups[group] = &memGroup{pending: make(map[string]*pendingRecord)}
	return nil
}

func (m *Memory) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	deadline := m.clock().Add(block)
	for {
		entries, notify, err := m.readGroupOnce(ctx, stream, group, consumer, count)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
		if block <= 0 {
			return nil, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (m *Memory) readGroupOnce(ctx context.Context, stream, group, consumer string, count int64) ([]Entry, chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return nil, nil, ErrStreamNotFound
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, nil, ErrGroupNotFound
	}

	var out []Entry
	now := m.clock()
	for _, e := range s.entries {
		if g.lastDelivered != "" && !idLess(g.lastDelivered, e.ID) {
			continue
		}
		g.lastDelivered = e.ID
		g.pending[e.ID] = &pendingRecord{
			entry:       Entry{ID: e.ID, Values: copyValues(e.Values)},
			consumer:    consumer,
			deliveredAt: now,
			deliveries:  1,
		}
		out = append(out, Entry{ID: e.ID, Values: copyValues(e.Values)})
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out, s.notify, nil
}

func (m *Memory) Pending(ctx context.Context, stream, group string) ([]PendingEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return nil, ErrStreamNotFound
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, ErrGroupNotFound
	}

	now := m.clock()
	out := make([]PendingEntry, 0, len(g.pending))
	for id, rec := range g.pending {
		out = append(out, PendingEntry{
			ID:         id,
			Consumer:   rec.consumer,
			Idle:       now.Sub(rec.deliveredAt),
			Deliveries: rec.deliveries,
		})
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out, nil
}

func (m *Memory) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return nil, ErrStreamNotFound
	}
	g, ok := s.groups[group]
	if !ok {
		return nil, ErrGroupNotFound
	}

	now := m.clock()
	var out []Entry
	for _, rec := range g.pending {
		if now.Sub(rec.deliveredAt) < minIdle {
			continue
		}
		rec.consumer = consumer
		rec.deliveredAt = now
		rec.deliveries++
		out = append(out, Entry{ID: rec.entry.ID, Values: copyValues(rec.entry.Values)})
	}
	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })
	return out, nil
}

func (m *Memory) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.streams[stream]
	if !ok {
		return ErrStreamNotFound
	}
	g, ok := s.groups[group]
	if !ok {
		return ErrGroupNotFound
	}
	for _, id := range ids {
		delete(g.pending, id)
	}
	return nil
}
