// Package bus implements the typed event bus: pub/sub dispatch over broker
// streams, request/response correlation, durable consumer groups with
// retries and dead-lettering, and delivery counters.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/internal/broker"
	"github.com/flowmesh/flowmesh/internal/expr"
	"github.com/flowmesh/flowmesh/internal/logging"
)

const logComponent = "bus"

// TypeWildcard matches every message type in a handler registration.
const TypeWildcard = "*"

// ErrRequestTimeout is returned by Request when no correlated response
// arrives within the deadline.
var ErrRequestTimeout = errors.New("request timed out")

// ErrNotRequest is returned by RespondTo for messages that cannot be
// responded to.
var ErrNotRequest = errors.New("message is not a respondable request")

// ErrClosed is returned once the bus has been shut down.
var ErrClosed = errors.New("bus is closed")

// Handler processes a dispatched message. A non-nil error marks the
// delivery failed and triggers the retry / dead-letter path.
type Handler func(ctx context.Context, msg *Message) error

// DeadLetterSuffix is appended to a stream name to form its dead-letter
// stream.
const DeadLetterSuffix = ":deadletter"

// DeadLetterStream returns the dead-letter stream for a source stream.
func DeadLetterStream(stream string) string { return stream + DeadLetterSuffix }

type handlerEntry struct {
	id      string
	types   map[string]struct{}
	filter  *expr.Expr
	handler Handler
}

func (h *handlerEntry) matches(msg *Message) bool {
	if _, ok := h.types[TypeWildcard]; !ok {
		if _, ok := h.types[msg.Type]; !ok {
			return false
		}
	}
	if h.filter == nil {
		return true
	}
	return h.filter.Eval(map[string]interface{}{
		"message": map[string]interface{}{
			"id":             msg.ID,
			"type":           msg.Type,
			"pattern":        string(msg.Pattern),
			"source":         msg.Source,
			"destination":    msg.Destination,
			"correlation_id": msg.CorrelationID,
			"priority":       msg.Priority,
		},
		"payload":  msg.PayloadMap(),
		"metadata": msg.MetadataMap(),
	})
}

// Options tunes bus behavior. Zero values fall back to defaults.
type Options struct {
	// Source stamps outgoing messages that do not set their own source.
	Source string
	// MaxRetries is how many times a failing delivery is retried before
	// the message is dead-lettered.
	MaxRetries int
	// RetryDelay is the pause between delivery retries.
	RetryDelay time.Duration
	// ReadBlock is the blocking window for group reads.
	ReadBlock time.Duration
	// ClaimMinIdle is the idle threshold after which another consumer's
	// pending entries are claimed.
	ClaimMinIdle time.Duration
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Source == "" {
		out.Source = "flowmesh"
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = 50 * time.Millisecond
	}
	if out.ReadBlock <= 0 {
		out.ReadBlock = 250 * time.Millisecond
	}
	if out.ClaimMinIdle <= 0 {
		out.ClaimMinIdle = 30 * time.Second
	}
	return out
}

// Bus dispatches typed messages over broker streams. Construct with New
// and share by reference; there is no package-level instance.
type Bus struct {
	broker  broker.Broker
	logger  *logging.Logger
	opts    Options
	id      string
	metrics Metrics

	mu       sync.RWMutex
	handlers map[string][]*handlerEntry
	waiters  map[string]chan *Message
	rrLoops  map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// New creates a bus on top of b. logger may be nil for silent operation.
func New(b broker.Broker, logger *logging.Logger, opts Options) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		broker:   b,
		logger:   logging.OrNop(logger),
		opts:     opts.withDefaults(),
		id:       uuid.New().String()[:8],
		handlers: make(map[string][]*handlerEntry),
		waiters:  make(map[string]chan *Message),
		rrLoops:  make(map[string]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Publish appends msg to stream and returns the broker-assigned id.
// Missing envelope fields (id, source, timestamp) are filled in.
func (b *Bus) Publish(ctx context.Context, stream string, msg *Message) (string, error) {
	if b.isClosed() {
		return "", ErrClosed
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Source == "" {
		msg.Source = b.opts.Source
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Pattern == "" {
		msg.Pattern = PatternEvent
	}
	if msg.Metadata == nil {
		msg.Metadata = json.RawMessage(`{}`)
	}
	if msg.Payload == nil {
		msg.Payload = json.RawMessage(`null`)
	}

	values, err := encodeEntry(msg)
	if err != nil {
		return "", err
	}
	id, err := b.broker.Add(ctx, stream, values)
	if err != nil {
		return "", fmt.Errorf("failed to publish to stream %s: %w", stream, err)
	}
	b.metrics.published.Add(1)
	return id, nil
}

// RegisterHandler subscribes handler to stream for the given message types
// ("*" matches all). filterExpr, when non-empty, is a sandboxed boolean
// expression over {message, payload, metadata} that must also pass.
// Returns a handler id usable with RemoveHandler.
func (b *Bus) RegisterHandler(stream string, handler Handler, messageTypes []string, filterExpr string) (string, error) {
	if len(messageTypes) == 0 {
		messageTypes = []string{TypeWildcard}
	}
	types := make(map[string]struct{}, len(messageTypes))
	for _, t := range messageTypes {
		types[t] = struct{}{}
	}
	var filter *expr.Expr
	if filterExpr != "" {
		compiled, err := expr.Compile(filterExpr)
		if err != nil {
			return "", err
		}
		filter = compiled
	}

	entry := &handlerEntry{
		id:      uuid.New().String(),
		types:   types,
		filter:  filter,
		handler: handler,
	}
	b.mu.Lock()
	b.handlers[stream] = append(b.handlers[stream], entry)
	b.mu.Unlock()
	return entry.id, nil
}

// RemoveHandler deregisters a handler previously added on stream.
func (b *Bus) RemoveHandler(stream, handlerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.handlers[stream]
	for i, e := range entries {
		if e.id == handlerID {
			b.handlers[stream] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

// Subscribe registers a catch-all handler on stream and starts a private
// dispatch loop for it, so callers get pub/sub behavior without managing a
// consumer group themselves.
func (b *Bus) Subscribe(stream string, callback Handler) (string, error) {
	id, err := b.RegisterHandler(stream, callback, []string{TypeWildcard}, "")
	if err != nil {
		return "", err
	}
	group := fmt.Sprintf("%s:dispatch:%s", stream, b.id)
	if err := b.broker.CreateGroup(b.ctx, stream, group); err != nil {
		return "", err
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.ProcessGroupEvents(b.ctx, stream, group, "dispatcher"); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Error(logComponent, "dispatch loop exited", map[string]interface{}{
				"stream": stream, "error": err.Error(),
			})
		}
	}()
	return id, nil
}

// Request publishes a request_response message on reqStream and blocks
// until a reply carrying the generated correlation id arrives on
// respStream, or the timeout elapses. The correlation waiter is removed on
// every exit path.
func (b *Bus) Request(ctx context.Context, reqStream, respStream, msgType string, payload interface{}, timeout time.Duration) (*Message, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	if err := b.ensureResponseLoop(respStream); err != nil {
		return nil, err
	}

	msg, err := NewMessage(msgType, PatternRequestResponse, b.opts.Source, payload)
	if err != nil {
		return nil, err
	}
	msg.CorrelationID = uuid.New().String()
	msg.ReplyTo = respStream

	waiter := make(chan *Message, 1)
	b.mu.Lock()
	b.waiters[msg.CorrelationID] = waiter
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.waiters, msg.CorrelationID)
		b.mu.Unlock()
	}()

	if _, err := b.Publish(ctx, reqStream, msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-waiter:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("no response for %s after %s: %w", msgType, timeout, ErrRequestTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, ErrClosed
	}
}

// RespondTo publishes a reply to a request_response message on its
// reply_to stream, carrying over the correlation id.
func (b *Bus) RespondTo(ctx context.Context, req *Message, msgType string, payload interface{}) (string, error) {
	if req.Pattern != PatternRequestResponse || req.ReplyTo == "" || req.CorrelationID == "" {
		return "", fmt.Errorf("message %s (pattern %s): %w", req.ID, req.Pattern, ErrNotRequest)
	}
	resp, err := NewMessage(msgType, PatternRequestResponse, b.opts.Source, payload)
	if err != nil {
		return "", err
	}
	resp.CorrelationID = req.CorrelationID
	resp.Destination = req.Source
	return b.Publish(ctx, req.ReplyTo, resp)
}

// ensureResponseLoop starts, once per response stream, a background group
// reader that routes correlated replies to their waiters.
func (b *Bus) ensureResponseLoop(respStream string) error {
	b.mu.Lock()
	if _, running := b.rrLoops[respStream]; running {
		b.mu.Unlock()
		return nil
	}
	b.rrLoops[respStream] = struct{}{}
	b.mu.Unlock()

	group := fmt.Sprintf("%s:replies:%s", respStream, b.id)
	if err := b.broker.CreateGroup(b.ctx, respStream, group); err != nil {
		b.mu.Lock()
		delete(b.rrLoops, respStream)
		b.mu.Unlock()
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for b.ctx.Err() == nil {
			entries, err := b.broker.ReadGroup(b.ctx, respStream, group, "responder", 16, b.opts.ReadBlock)
			if err != nil {
				if b.ctx.Err() != nil {
					return
				}
				b.logger.Error(logComponent, "response read failed", map[string]interface{}{
					"stream": respStream, "error": err.Error(),
				})
				time.Sleep(b.opts.RetryDelay)
				continue
			}
			for _, entry := range entries {
				if msg, err := decodeEntry(entry); err == nil && msg.CorrelationID != "" {
					b.mu.Lock()
					waiter, ok := b.waiters[msg.CorrelationID]
					b.mu.Unlock()
					if ok {
						select {
						case waiter <- msg:
						default:
							// A response already landed for this id.
						}
					}
				}
				_ = b.broker.Ack(b.ctx, respStream, group, entry.ID)
			}
		}
	}()
	return nil
}

// CreateConsumerGroup creates group on stream, creating the stream itself
// when needed.
func (b *Bus) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	return b.broker.CreateGroup(ctx, stream, group)
}

// ProcessGroupEvents consumes stream as consumerName within group until
// ctx is cancelled. Before reading new entries it claims stale pending
// ones left behind by crashed consumers, so unacked messages are
// redelivered (at-least-once, publish order preserved per consumer).
// Handler failures are isolated per message: after MaxRetries the message
// moves to the stream's dead-letter stream and processing continues.
func (b *Bus) ProcessGroupEvents(ctx context.Context, stream, group, consumerName string) error {
	claimed, err := b.broker.Claim(ctx, stream, group, consumerName, b.opts.ClaimMinIdle)
	if err != nil && !errors.Is(err, broker.ErrStreamNotFound) && !errors.Is(err, broker.ErrGroupNotFound) {
		return err
	}
	for _, entry := range claimed {
		b.handleEntry(ctx, stream, group, entry)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		entries, err := b.broker.ReadGroup(ctx, stream, group, consumerName, 16, b.opts.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, broker.ErrStreamNotFound) || errors.Is(err, broker.ErrGroupNotFound) {
				return err
			}
			b.logger.Error(logComponent, "group read failed", map[string]interface{}{
				"stream": stream, "group": group, "error": err.Error(),
			})
			time.Sleep(b.opts.RetryDelay)
			continue
		}
		for _, entry := range entries {
			b.handleEntry(ctx, stream, group, entry)
		}
	}
}

// handleEntry runs one delivery through the message state machine and
// always acknowledges the source entry: either the handlers succeeded, the
// message was skipped, or it was dead-lettered.
func (b *Bus) handleEntry(ctx context.Context, stream, group string, entry broker.Entry) {
	msg, err := decodeEntry(entry)
	if err != nil {
		b.logger.Warn(logComponent, "dropping undecodable entry", map[string]interface{}{
			"stream": stream, "entry": entry.ID, "error": err.Error(),
		})
		_ = b.broker.Ack(ctx, stream, group, entry.ID)
		return
	}
	if msg.Expired(time.Now()) {
		_ = b.broker.Ack(ctx, stream, group, entry.ID)
		return
	}

	var lastErr error
	for attempt := 0; attempt <= b.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			b.metrics.retried.Add(1)
			select {
			case <-time.After(b.opts.RetryDelay):
			case <-ctx.Done():
				return
			}
		}
		lastErr = b.dispatch(ctx, stream, msg)
		if lastErr == nil {
			b.metrics.consumed.Add(1)
			_ = b.broker.Ack(ctx, stream, group, entry.ID)
			return
		}
		b.metrics.failed.Add(1)
	}

	b.deadLetter(ctx, stream, msg, lastErr)
	_ = b.broker.Ack(ctx, stream, group, entry.ID)
}

// dispatch invokes every matching handler, recovering panics so a broken
// handler cannot kill the consumer loop.
func (b *Bus) dispatch(ctx context.Context, stream string, msg *Message) (err error) {
	b.mu.RLock()
	entries := make([]*handlerEntry, len(b.handlers[stream]))
	copy(entries, b.handlers[stream])
	b.mu.RUnlock()

	for _, h := range entries {
		if !h.matches(msg) {
			continue
		}
		if herr := b.invoke(ctx, h, msg); herr != nil {
			err = herr
		}
	}
	return err
}

func (b *Bus) invoke(ctx context.Context, h *handlerEntry, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.handler(ctx, msg)
}

// deadLetter moves a permanently failing message onto the stream's
// dead-letter stream, recording the origin stream, error and retry count.
func (b *Bus) deadLetter(ctx context.Context, stream string, msg *Message, cause error) {
	b.metrics.deadLettered.Add(1)

	record := map[string]interface{}{
		"original_stream": stream,
		"error":           cause.Error(),
		"retry_count":     b.opts.MaxRetries,
		"status":          string(StatusDeadLettered),
		"message":         msg,
	}
	dead, err := NewMessage(msg.Type, msg.Pattern, b.opts.Source, record)
	if err != nil {
		b.logger.Error(logComponent, "failed to build dead-letter record", map[string]interface{}{
			"stream": stream, "message_id": msg.ID, "error": err.Error(),
		})
		return
	}
	dead.CorrelationID = msg.CorrelationID
	if _, err := b.Publish(ctx, DeadLetterStream(stream), dead); err != nil {
		b.logger.Error(logComponent, "failed to publish dead-letter record", map[string]interface{}{
			"stream": stream, "message_id": msg.ID, "error": err.Error(),
		})
		return
	}
	b.logger.Warn(logComponent, "message dead-lettered", map[string]interface{}{
		"stream": stream, "message_id": msg.ID, "type": msg.Type, "error": cause.Error(),
	})
}

// Metrics returns a snapshot of the delivery counters.
func (b *Bus) Metrics() Snapshot {
	return b.metrics.snapshot()
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close stops background loops and waits for them to exit.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
}
