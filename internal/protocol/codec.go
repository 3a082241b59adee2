package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SchemaVersion is written into every envelope as "v". Decoders reject any
// other value.
const SchemaVersion = 1

var (
	ErrUnsupportedVersion = errors.New("unsupported schema version")
	ErrMalformedEnvelope  = errors.New("malformed envelope")
)

type wireEnvelope struct {
	V         int             `json:"v"`
	Type      MessageType     `json:"type"`
	SenderID  string          `json:"sender_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	MessageID string          `json:"message_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func Marshal(env *Envelope) ([]byte, error) {
	if env.Payload == nil {
		return nil, fmt.Errorf("%w: missing payload", ErrMalformedEnvelope)
	}

	var raw json.RawMessage
	if u, ok := env.Payload.(*Unknown); ok {
		raw = u.Raw
	} else {
		b, err := json.Marshal(env.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", env.Type(), err)
		}
		raw = b
	}

	return json.Marshal(wireEnvelope{
		V:         SchemaVersion,
		Type:      env.Type(),
		SenderID:  env.SenderID,
		Timestamp: env.Timestamp,
		MessageID: env.MessageID,
		Payload:   raw,
	})
}

func Unmarshal(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.V != SchemaVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, w.V)
	}
	if w.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}

	env := &Envelope{
		SenderID:  w.SenderID,
		Timestamp: w.Timestamp,
		MessageID: w.MessageID,
	}

	payload := newPayload(w.Type)
	if payload == nil {
		env.Payload = &Unknown{Type: w.Type, Raw: w.Payload}
		return env, nil
	}

	if len(w.Payload) > 0 && string(w.Payload) != "null" {
		if err := json.Unmarshal(w.Payload, payload); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEnvelope, w.Type, err)
		}
	}
	env.Payload = payload

	return env, nil
}
