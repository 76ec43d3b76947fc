package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/internal/broker"
)

// Pattern describes the messaging style of an envelope.
type Pattern string

const (
	PatternPubSub          Pattern = "pubsub"
	PatternRequestResponse Pattern = "request_response"
	PatternCommand         Pattern = "command"
	PatternEvent           Pattern = "event"
)

// Status tracks a message through its processing lifecycle:
// Pending -> Processing -> Completed, or Processing -> Failed -> Retrying
// -> Processing (loop) -> DeadLettered once retries exhaust.
type Status string

const (
	StatusPending      Status = "pending"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusRetrying     Status = "retrying"
	StatusDeadLettered Status = "dead_lettered"
)

// Message is the typed envelope carried on every stream. The JSON form is
// the wire schema and must round-trip byte-for-byte, so payload and
// metadata stay opaque raw JSON.
type Message struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Pattern       Pattern         `json:"pattern"`
	Source        string          `json:"source"`
	Destination   string          `json:"destination,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	Priority      int             `json:"priority"`
	Timestamp     time.Time       `json:"timestamp"`
	Expiration    *time.Time      `json:"expiration,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata"`
}

// NewMessage builds an envelope of the given type and pattern. payload is
// marshalled to JSON; pass json.RawMessage to forward bytes untouched.
func NewMessage(msgType string, pattern Pattern, source string, payload interface{}) (*Message, error) {
	raw, err := marshalOpaque(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Pattern:   pattern,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
		Metadata:  json.RawMessage(`{}`),
	}, nil
}

func marshalOpaque(v interface{}) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return json.RawMessage(`null`), nil
	case json.RawMessage:
		return val, nil
	case []byte:
		return json.RawMessage(val), nil
	default:
		return json.Marshal(v)
	}
}

// Expired reports whether the message carries an expiration in the past.
func (m *Message) Expired(now time.Time) bool {
	return m.Expiration != nil && m.Expiration.Before(now)
}

// PayloadMap decodes the payload into a generic map, returning nil when
// the payload is not a JSON object.
func (m *Message) PayloadMap() map[string]interface{} {
	var out map[string]interface{}
	if err := json.Unmarshal(m.Payload, &out); err != nil {
		return nil
	}
	return out
}

// MetadataMap decodes the metadata into a generic map, returning nil when
// the metadata is not a JSON object.
func (m *Message) MetadataMap() map[string]interface{} {
	var out map[string]interface{}
	if err := json.Unmarshal(m.Metadata, &out); err != nil {
		return nil
	}
	return out
}

// envelopeField is the broker value key the serialized message lives under.
const envelopeField = "data"

func encodeEntry(m *Message) (map[string]interface{}, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message %s: %w", m.ID, err)
	}
	return map[string]interface{}{envelopeField: string(data)}, nil
}

func decodeEntry(entry broker.Entry) (*Message, error) {
	raw, ok := entry.Values[envelopeField]
	if !ok {
		return nil, fmt.Errorf("entry %s has no %q field", entry.ID, envelopeField)
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return nil, fmt.Errorf("entry %s has unexpected %q type %T", entry.ID, envelopeField, raw)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message from entry %s: %w", entry.ID, err)
	}
	return &msg, nil
}
