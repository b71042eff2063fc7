package contracts

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope wraps an event payload for transport
type Envelope struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope creates an envelope for topic with payload encoded as JSON.
// A nil payload produces an envelope with no payload.
func NewEnvelope(topic string, payload any) (*Envelope, error) {
	env := &Envelope{
		ID:        uuid.New().String(),
		Topic:     topic,
		Timestamp: time.Now().UTC(),
	}

	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		env.Payload = p
	default:
		body, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload for %s: %w", topic, err)
		}
		env.Payload = body
	}

	return env, nil
}

// Decode unmarshals the payload into v
func (e *Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s on %s has no payload", e.ID, e.Topic)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("failed to decode payload on %s: %w", e.Topic, err)
	}
	return nil
}

// Marshal encodes the envelope for a byte-oriented transport
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes an envelope received from a byte-oriented transport
func UnmarshalEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Topic == "" {
		return nil, fmt.Errorf("envelope %s has no topic", env.ID)
	}
	return &env, nil
}
