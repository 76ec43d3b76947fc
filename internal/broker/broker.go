// Package broker provides the append-only stream log underneath the event
// bus. Two implementations share the same semantics: an in-memory broker
// for tests and embedded use, and a Redis Streams broker for production.
package broker

import (
	"context"
	"errors"
	"time"
)

// ErrStreamNotFound is returned when reading from a stream that has never
// been written to.
var ErrStreamNotFound = errors.New("stream not found")

// ErrGroupNotFound is returned when a consumer group operation references a
// group that has not been created.
var ErrGroupNotFound = errors.New("consumer group not found")

// Entry is a single record in a stream. IDs are assigned by the broker at
// append time and increase monotonically within a stream.
type Entry struct {
	ID     string
	Values map[string]interface{}
}

// PendingEntry describes a delivered-but-unacknowledged entry in a
// consumer group.
type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

// Broker is the stream log contract. Delivery through consumer groups is
// at-least-once: entries read via ReadGroup stay pending until acknowledged
// and can be claimed by another consumer after a crash.
type Broker interface {
	// Add appends values to stream and returns the assigned entry id.
	// Streams are bounded: once the configured maximum length is reached
	// the oldest entries are trimmed, so a slow consumer never blocks a
	// publisher.
	Add(ctx context.Context, stream string, values map[string]interface{}) (string, error)

	// Range returns up to count entries with id > after, in append order.
	// Pass "0" (or "") for after to read from the beginning and count <= 0
	// for no limit.
	Range(ctx context.Context, stream, after string, count int64) ([]Entry, error)

	// Len returns the current number of entries in stream.
	Len(ctx context.Context, stream string) (int64, error)

	// CreateGroup creates a consumer group on stream, creating the stream
	// if needed. Creating an existing group is not an error.
	CreateGroup(ctx context.Context, stream, group string) error

	// ReadGroup delivers up to count new entries to consumer, blocking for
	// at most block when none are available (block <= 0 returns
	// immediately). Delivered entries become pending until acked.
	ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// Pending lists unacknowledged entries for a group.
	Pending(ctx context.Context, stream, group string) ([]PendingEntry, error)

	// Claim reassigns pending entries idle for at least minIdle to
	// consumer and returns them. Used to recover work from a crashed
	// consumer.
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]Entry, error)

	// Ack acknowledges ids for group, removing them from the pending list.
	Ack(ctx context.Context, stream, group string, ids ...string) error
}
