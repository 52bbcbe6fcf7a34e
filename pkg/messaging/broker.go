package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Broker publishes relayed outbox events to subscribers outside the core.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}

// Message is the envelope published for every outbox event.
type Message struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	AggregateID uuid.UUID       `json:"aggregate_id"`
	OccurredAt  time.Time       `json:"occurred_at"`
	Attempt     int             `json:"attempt"`
	Payload     json.RawMessage `json:"payload"`
}

// Encode marshals the envelope.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}
