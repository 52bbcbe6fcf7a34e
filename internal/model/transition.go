package model

import (
	"time"

	"github.com/google/uuid"
)

// StateTransitionRecord is the insert-only history row for one status change.
type StateTransitionRecord struct {
	ID             uuid.UUID `json:"id" db:"id"`
	ConsultationID uuid.UUID `json:"consultation_id" db:"consultation_id"`
	FromState      Status    `json:"from_state" db:"from_state"`
	ToState        Status    `json:"to_state" db:"to_state"`
	ActorID        uuid.UUID `json:"actor_id" db:"actor_id"`
	ActorRole      Role      `json:"actor_role" db:"actor_role"`
	Reason         *string   `json:"reason,omitempty" db:"reason"`
	Context        JSONMap   `json:"context" db:"context"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// TransitionContext is the caller-supplied data a transition may require.
type TransitionContext struct {
	ProviderID           *uuid.UUID     `json:"provider_id,omitempty"`
	SafetyCheckID        *uuid.UUID     `json:"safety_check_id,omitempty"`
	SafetyInput          *SafetyRequest `json:"safety_input,omitempty"`
	ProviderAcknowledged bool           `json:"provider_acknowledged,omitempty"`
	RiskLevel            RiskLevel      `json:"risk_level,omitempty"`
	Urgency              Urgency        `json:"urgency,omitempty"`
	Reason               string         `json:"reason,omitempty"`
	// DraftNote is externally generated text; it is kept as free text only.
	DraftNote string `json:"draft_note,omitempty"`
}

// TransitionChange is everything a successful transition writes in one unit.
type TransitionChange struct {
	Consultation    *Consultation
	ExpectedStatus  Status
	ExpectedVersion int
	Record          *StateTransitionRecord
	Audit           *AuditEvent
	Outbox          *OutboxEvent
}
