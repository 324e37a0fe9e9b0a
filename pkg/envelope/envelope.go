// Package envelope defines the message format and channel names shared by
// every agora agent. An Envelope is the sole unit of communication on the
// bus; payloads are type-specific JSON documents.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type classifies an envelope.
type Type string

const (
	TypeTask     Type = "task"
	TypeQuestion Type = "question"
	TypeResponse Type = "response"
	TypeStatus   Type = "status"
	TypeProgress Type = "progress"
	TypeError    Type = "error"
)

// Broadcast is the target name that addresses every agent at once.
const Broadcast = "*"

// Envelope is the base record carried on every bus channel.
type Envelope struct {
	ID           string          `json:"id"`
	From         string          `json:"from"`
	To           string          `json:"to"`
	Type         Type            `json:"type"`
	Payload      json.RawMessage `json:"payload"`
	Timestamp    time.Time       `json:"timestamp"`
	InResponseTo string          `json:"in_response_to,omitempty"`
}

// New creates an envelope with a fresh id and a UTC timestamp, marshalling
// payload as the envelope body.
func New(from, to string, t Type, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return &Envelope{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Type:      t,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponse creates a response envelope correlated to a prior request id.
func NewResponse(from, to string, payload any, inResponseTo string) (*Envelope, error) {
	env, err := New(from, to, TypeResponse, payload)
	if err != nil {
		return nil, err
	}
	env.InResponseTo = inResponseTo
	return env, nil
}

// Validate checks the envelope against the wire contract: the identity
// fields are present, the type is known, and in_response_to is set if and
// only if the envelope is a response.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope missing id")
	}
	if e.From == "" {
		return fmt.Errorf("envelope %s missing from", e.ID)
	}
	if e.To == "" {
		return fmt.Errorf("envelope %s missing to", e.ID)
	}
	switch e.Type {
	case TypeTask, TypeQuestion, TypeResponse, TypeStatus, TypeProgress, TypeError:
	default:
		return fmt.Errorf("envelope %s has unknown type %q", e.ID, e.Type)
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("envelope %s missing timestamp", e.ID)
	}
	if e.Type == TypeResponse && e.InResponseTo == "" {
		return fmt.Errorf("response envelope %s missing in_response_to", e.ID)
	}
	if e.Type != TypeResponse && e.InResponseTo != "" {
		return fmt.Errorf("%s envelope %s must not set in_response_to", e.Type, e.ID)
	}
	return nil
}

// DecodePayload unmarshals the payload into v. A nil payload is a no-op.
func (e *Envelope) DecodePayload(v any) error {
	if e.Payload == nil {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Marshal renders the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses a wire message into an envelope and validates it.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}
