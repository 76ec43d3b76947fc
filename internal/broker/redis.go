package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis is a Broker backed by Redis Streams. Append order, bounded length
// and consumer-group offset tracking all come from Redis itself; pending
// entry claims use XPENDING + XCLAIM.
type Redis struct {
	client *redis.Client
	maxLen int64
}

// NewRedis wraps an existing client. maxLen bounds each stream
// (approximate trimming, XADD MAXLEN ~); zero uses DefaultMaxStreamLen.
func NewRedis(client *redis.Client, maxLen int64) *Redis {
	if maxLen <= 0 {
		maxLen = DefaultMaxStreamLen
	}
	return &Redis{client: client, maxLen: maxLen}
}

func (r *Redis) Add(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	id, err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream:       stream,
		MaxLenApprox: r.maxLen,
		Values:       values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to append to stream %s: %w", stream, err)
	}
	return id, nil
}

func (r *Redis) Range(ctx context.Context, stream, after string, count int64) ([]Entry, error) {
	start := "-"
	if after != "" && after != "0" {
		// Exclusive range start is only available on newer Redis; bump the
		// sequence part instead.
		start = "(" + after
	}
	cmd := r.client.XRangeN(ctx, stream, start, "+", maxCount(count))
	msgs, err := cmd.Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %s: %w", stream, err)
	}
	return toEntries(msgs), nil
}

func maxCount(count int64) int64 {
	if count <= 0 {
		return DefaultMaxStreamLen
	}
	return count
}

func (r *Redis) Len(ctx context.Context, stream string) (int64, error) {
	n, err := r.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get length of stream %s: %w", stream, err)
	}
	return n, nil
}

func (r *Redis) CreateGroup(ctx context.Context, stream, group string) error {
	err := r.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on stream %s: %w", group, stream, err)
	}
	return nil
}

func (r *Redis) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	if block <= 0 {
		// go-redis treats 0 as block-forever; use a minimal poll instead.
		block = time.Millisecond
	}
	res, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to read group %s on stream %s: %w", group, stream, err)
	}
	var entries []Entry
	for _, s := range res {
		entries = append(entries, toEntries(s.Messages)...)
	}
	return entries, nil
}

func (r *Redis) Pending(ctx context.Context, stream, group string) ([]PendingEntry, error) {
	res, err := r.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  DefaultMaxStreamLen,
	}).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("failed to list pending for group %s on stream %s: %w", group, stream, err)
	}
	out := make([]PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			Deliveries: p.RetryCount,
		})
	}
	return out, nil
}

func (r *Redis) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]Entry, error) {
	pending, err := r.Pending(ctx, stream, group)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, p := range pending {
		if p.Idle >= minIdle {
			ids = append(ids, p.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := r.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to claim pending entries on stream %s: %w", stream, err)
	}
	return toEntries(msgs), nil
}

func (r *Redis) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.client.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("failed to ack on stream %s: %w", stream, err)
	}
	return nil
}

func toEntries(msgs []redis.XMessage) []Entry {
	entries := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, Entry{ID: m.ID, Values: m.Values})
	}
	return entries
}
