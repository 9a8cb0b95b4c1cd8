package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the engine.
const (
	EventPayoutRecorded    = "payout.recorded"
	EventDistributionAlert = "distribution.alert"
	EventBatchFinished     = "distribution.batch_finished"
)

// EventEnvelope is the wire format of every published event.
type EventEnvelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEventEnvelope wraps payload into an envelope with a fresh id.
func NewEventEnvelope(eventType string, payload any, at time.Time) (EventEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return EventEnvelope{}, err
	}
	return EventEnvelope{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		OccurredAt: at.UTC(),
		Payload:    raw,
	}, nil
}

// OutboxMessage is an event persisted alongside the state change that
// produced it, waiting to be relayed to the broker.
type OutboxMessage struct {
	ID          string     `json:"id"`
	EventType   string     `json:"event_type"`
	Payload     []byte     `json:"payload"` // encoded EventEnvelope
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// NewOutboxMessage encodes an envelope for the outbox.
func NewOutboxMessage(env EventEnvelope) (OutboxMessage, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return OutboxMessage{}, err
	}
	return OutboxMessage{
		ID:        env.EventID,
		EventType: env.EventType,
		Payload:   data,
		CreatedAt: env.OccurredAt,
	}, nil
}
