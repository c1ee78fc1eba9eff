package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EnvelopeVersion is the wire format version carried by every serialized
// envelope so broker-backed deployments can evolve the schema.
const EnvelopeVersion = 1

// Envelope wraps a payload for delivery on a topic.
type Envelope struct {
	ID            string          `json:"id"`
	Topic         Topic           `json:"topic"`
	Version       int             `json:"version"`
	SourceID      string          `json:"source_id"`
	TS            time.Time       `json:"ts"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ReplyTo       Topic           `json:"reply_to,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	// Lagged is set on the first delivery after the subscriber's buffer
	// overflowed and older envelopes were dropped.
	Lagged bool `json:"-"`
}

// NewEnvelope builds an envelope with a fresh id, marshalling payload to JSON.
func NewEnvelope(topic Topic, sourceID string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Envelope{
		ID:       uuid.NewString(),
		Topic:    topic,
		Version:  EnvelopeVersion,
		SourceID: sourceID,
		TS:       time.Now().UTC(),
		Payload:  raw,
	}, nil
}

// Decode unmarshals the payload into dest.
func (e *Envelope) Decode(dest interface{}) error {
	if err := json.Unmarshal(e.Payload, dest); err != nil {
		return fmt.Errorf("decode %s envelope: %w", e.Topic, err)
	}
	return nil
}

// Encode serializes the envelope for broker transport.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a serialized envelope.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if !IsKnownTopic(e.Topic) {
		return Envelope{}, fmt.Errorf("decode envelope: %w: %s", ErrUnknownTopic, e.Topic)
	}
	return e, nil
}
