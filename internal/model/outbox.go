package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusRetry     OutboxStatus = "retry"
	OutboxStatusProcessed OutboxStatus = "processed"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// Event types handed to the external notifier
const (
	EventConsultationTransitioned = "consultation.transitioned"
	EventSLAEscalation            = "sla.escalation"
)

type OutboxEvent struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	EventType    string          `db:"event_type" json:"event_type"`
	AggregateID  uuid.UUID       `db:"aggregate_id" json:"aggregate_id"`
	Payload      json.RawMessage `db:"payload" json:"payload"`
	Status       OutboxStatus    `db:"status" json:"status"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	ProcessedAt  *time.Time      `db:"processed_at" json:"processed_at,omitempty"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
	RetryCount   int             `db:"retry_count" json:"retry_count"`
	RetryAt      *time.Time      `db:"retry_at" json:"retry_at,omitempty"`
}

// NewOutboxEvent marshals payload into a pending event.
func NewOutboxEvent(eventType string, aggregateID uuid.UUID, payload interface{}, now time.Time) (*OutboxEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxEvent{
		ID:          uuid.New(),
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     raw,
		Status:      OutboxStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// EscalationPayload is the content handed to the notifier for an SLA breach.
type EscalationPayload struct {
	ViolationID      uuid.UUID `json:"violation_id"`
	ConsultationID   uuid.UUID `json:"consultation_id"`
	Urgency          Urgency   `json:"urgency"`
	ViolationMinutes int       `json:"violation_minutes"`
	Target           string    `json:"target"`
	DetectedAt       time.Time `json:"detected_at"`
}

// TransitionPayload is the content handed to the notifier after a status change.
type TransitionPayload struct {
	ConsultationID uuid.UUID `json:"consultation_id"`
	FromState      Status    `json:"from_state"`
	ToState        Status    `json:"to_state"`
	ActorRole      Role      `json:"actor_role"`
	At             time.Time `json:"at"`
}
