package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type AuditAction string

const (
	AuditActionRead            AuditAction = "read"
	AuditActionWrite           AuditAction = "write"
	AuditActionTransition      AuditAction = "transition"
	AuditActionSafetyCheck     AuditAction = "safety-check"
	AuditActionEmergencyAccess AuditAction = "emergency-access"
)

func (a AuditAction) Valid() bool {
	switch a {
	case AuditActionRead, AuditActionWrite, AuditActionTransition,
		AuditActionSafetyCheck, AuditActionEmergencyAccess:
		return true
	}
	return false
}

// Resource types
const (
	ResourceConsultation = "consultation"
	ResourceTransition   = "consultation_transition"
	ResourceSafetyCheck  = "safety_check"
	ResourceSLAViolation = "sla_violation"
	ResourceAuditLog     = "audit_log"
)

// AuditEvent is an insert-only record of access to or mutation of PHI.
type AuditEvent struct {
	ID              uuid.UUID      `json:"id" db:"id"`
	ActorID         uuid.UUID      `json:"actor_id" db:"actor_id"`
	ActorRole       Role           `json:"actor_role" db:"actor_role"`
	Action          AuditAction    `json:"action" db:"action"`
	ResourceType    string         `json:"resource_type" db:"resource_type"`
	ResourceID      uuid.UUID      `json:"resource_id" db:"resource_id"`
	PatientID       uuid.UUID      `json:"patient_id" db:"patient_id"`
	Justification   *string        `json:"justification,omitempty" db:"justification"`
	EmergencyAccess bool           `json:"emergency_access" db:"emergency_access"`
	PHIFields       pq.StringArray `json:"phi_fields,omitempty" db:"phi_fields"`
	Outcome         string         `json:"outcome" db:"outcome"`
	RequestID       *string        `json:"request_id,omitempty" db:"request_id"`
	Metadata        JSONMap        `json:"metadata,omitempty" db:"metadata"`
	Digest          string         `json:"digest" db:"digest"`
	RecordedAt      time.Time      `json:"recorded_at" db:"recorded_at"`

	// RequiresJustification is set by the caller when the actor is not a
	// participant in the record being read.
	RequiresJustification bool `json:"-" db:"-"`
}

const (
	AuditOutcomeSuccess = "success"
	AuditOutcomeDenied  = "denied"
)

type AuditFilter struct {
	PatientID     *uuid.UUID   `form:"-"`
	ActorID       *uuid.UUID   `form:"-"`
	Action        *AuditAction `form:"action"`
	ResourceType  string       `form:"resource_type"`
	From          *time.Time   `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To            *time.Time   `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	EmergencyOnly bool         `form:"emergency_only"`
	PageSize      int          `form:"page_size"`
}

// AuditCursor is the keyset position after the last event of a page.
type AuditCursor struct {
	RecordedAt time.Time
	ID         uuid.UUID
}

// ReadVolumeSignal flags an actor whose read volume exceeded a threshold.
type ReadVolumeSignal struct {
	ActorID          uuid.UUID `json:"actor_id"`
	ActorRole        Role      `json:"actor_role"`
	Reads            int       `json:"reads"`
	DistinctPatients int       `json:"distinct_patients"`
	WindowStart      time.Time `json:"window_start"`
	WindowEnd        time.Time `json:"window_end"`
}
