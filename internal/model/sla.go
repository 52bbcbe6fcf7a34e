package model

import (
	"time"

	"github.com/google/uuid"
)

// SLAThresholds maps urgency to the maximum minutes allowed before first
// provider response.
type SLAThresholds map[Urgency]int

// DefaultSLAThresholds returns the standard first-response commitments.
func DefaultSLAThresholds() SLAThresholds {
	return SLAThresholds{
		UrgencyUrgent:  30,
		UrgencyHigh:    120,
		UrgencyMedium:  480,
		UrgencyRoutine: 1440,
	}
}

// Minutes returns the threshold for u, falling back to the routine threshold.
func (t SLAThresholds) Minutes(u Urgency) int {
	if m, ok := t[u]; ok {
		return m
	}
	if m, ok := t[UrgencyRoutine]; ok {
		return m
	}
	return DefaultSLAThresholds()[UrgencyRoutine]
}

type ViolationStatus string

const (
	ViolationOpen         ViolationStatus = "open"
	ViolationAcknowledged ViolationStatus = "acknowledged"
	ViolationResolved     ViolationStatus = "resolved"
)

func (s ViolationStatus) Valid() bool {
	switch s {
	case ViolationOpen, ViolationAcknowledged, ViolationResolved:
		return true
	}
	return false
}

// CanMoveTo reports whether the violation status change is allowed.
func (s ViolationStatus) CanMoveTo(next ViolationStatus) bool {
	switch s {
	case ViolationOpen:
		return next == ViolationAcknowledged || next == ViolationResolved
	case ViolationAcknowledged:
		return next == ViolationResolved
	}
	return false
}

type SLAViolation struct {
	ID               uuid.UUID       `json:"id" db:"id"`
	ConsultationID   uuid.UUID       `json:"consultation_id" db:"consultation_id"`
	PatientID        uuid.UUID       `json:"patient_id" db:"patient_id"`
	Urgency          Urgency         `json:"urgency" db:"urgency"`
	ThresholdMinutes int             `json:"threshold_minutes" db:"threshold_minutes"`
	ElapsedMinutes   int             `json:"elapsed_minutes" db:"elapsed_minutes"`
	ViolationMinutes int             `json:"violation_minutes" db:"violation_minutes"`
	Status           ViolationStatus `json:"status" db:"status"`
	EscalationTarget string          `json:"escalation_target" db:"escalation_target"`
	DetectedAt       time.Time       `json:"detected_at" db:"detected_at"`
	AcknowledgedBy   *uuid.UUID      `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt   *time.Time      `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	ResolvedBy       *uuid.UUID      `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// ComplianceRecord is the result of checking one consultation against its SLA.
type ComplianceRecord struct {
	ConsultationID   uuid.UUID `json:"consultation_id"`
	Urgency          Urgency   `json:"urgency"`
	Compliant        bool      `json:"compliant"`
	Responded        bool      `json:"responded"`
	ElapsedMinutes   int       `json:"elapsed_minutes"`
	ThresholdMinutes int       `json:"threshold_minutes"`
	ViolationMinutes int       `json:"violation_minutes"`
	CheckedAt        time.Time `json:"checked_at"`
}

type SLAViolationFilter struct {
	Status  *ViolationStatus `form:"status"`
	Urgency *Urgency         `form:"urgency"`
	Limit   int              `form:"limit"`
}

// ViolationChange is a status change on a violation plus its audit event.
type ViolationChange struct {
	ViolationID uuid.UUID
	From        ViolationStatus
	To          ViolationStatus
	ActorID     uuid.UUID
	At          time.Time
	Audit       *AuditEvent
}

// SweepResult summarizes one SLA sweep.
type SweepResult struct {
	Checked    int           `json:"checked"`
	Violations int           `json:"violations"`
	Duplicates int           `json:"duplicates"`
	Duration   time.Duration `json:"duration"`
}
