package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending              Status = "pending"
	StatusTriaged              Status = "triaged"
	StatusAssigned             Status = "assigned"
	StatusInReview             Status = "in_review"
	StatusRequiresInfo         Status = "requires_info"
	StatusRequiresPeerReview   Status = "requires_peer_review"
	StatusPrescriptionPending  Status = "prescription_pending"
	StatusPrescriptionApproved Status = "prescription_approved"
	StatusPrescriptionSent     Status = "prescription_sent"
	StatusCompleted            Status = "completed"
	StatusEscalated            Status = "escalated"
	StatusCancelled            Status = "cancelled"
)

// AllStatuses lists every defined state in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusTriaged,
	StatusAssigned,
	StatusInReview,
	StatusRequiresInfo,
	StatusRequiresPeerReview,
	StatusPrescriptionPending,
	StatusPrescriptionApproved,
	StatusPrescriptionSent,
	StatusCompleted,
	StatusEscalated,
	StatusCancelled,
}

func (s Status) Valid() bool {
	for _, st := range AllStatuses {
		if st == s {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// TerminalStatuses returns the states with no outgoing transitions.
func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusCancelled}
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown consultation status %q", s)
	}
	return st, nil
}

type Urgency string

const (
	UrgencyUrgent  Urgency = "urgent"
	UrgencyHigh    Urgency = "high"
	UrgencyMedium  Urgency = "medium"
	UrgencyRoutine Urgency = "routine"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyUrgent, UrgencyHigh, UrgencyMedium, UrgencyRoutine:
		return true
	}
	return false
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

var riskRank = map[RiskLevel]int{
	RiskLow:      1,
	RiskModerate: 2,
	RiskHigh:     3,
	RiskCritical: 4,
}

func (r RiskLevel) Valid() bool {
	_, ok := riskRank[r]
	return ok
}

// Rank orders risk levels; unknown levels rank below low.
func (r RiskLevel) Rank() int {
	return riskRank[r]
}

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

type Symptom struct {
	Name      string `json:"name" validate:"required,max=200"`
	Severity  string `json:"severity,omitempty" validate:"omitempty,oneof=mild moderate severe"`
	OnsetDays int    `json:"onset_days,omitempty" validate:"gte=0"`
	Notes     string `json:"notes,omitempty" validate:"max=2000"`
}

// Symptoms is stored as a JSONB array.
type Symptoms []Symptom

func (s Symptoms) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

func (s *Symptoms) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*s = Symptoms{}
		return nil
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("unsupported Symptoms source type %T", src)
	}
}

type Consultation struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	PatientID      uuid.UUID  `json:"patient_id" db:"patient_id"`
	ProviderID     *uuid.UUID `json:"provider_id,omitempty" db:"provider_id"`
	Status         Status     `json:"status" db:"status"`
	Urgency        Urgency    `json:"urgency" db:"urgency"`
	RiskLevel      RiskLevel  `json:"risk_level" db:"risk_level"`
	ChiefComplaint string     `json:"chief_complaint" db:"chief_complaint"`
	Symptoms       Symptoms   `json:"symptoms" db:"symptoms"`
	Version        int        `json:"version" db:"version"`

	CreatedAt              time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at" db:"updated_at"`
	TriagedAt              *time.Time `json:"triaged_at,omitempty" db:"triaged_at"`
	AssignedAt             *time.Time `json:"assigned_at,omitempty" db:"assigned_at"`
	ReviewStartedAt        *time.Time `json:"review_started_at,omitempty" db:"review_started_at"`
	PrescriptionApprovedAt *time.Time `json:"prescription_approved_at,omitempty" db:"prescription_approved_at"`
	PrescriptionSentAt     *time.Time `json:"prescription_sent_at,omitempty" db:"prescription_sent_at"`
	ResolvedAt             *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Clone returns a deep copy so callers can stage changes without touching the original.
func (c *Consultation) Clone() *Consultation {
	cp := *c
	if c.ProviderID != nil {
		id := *c.ProviderID
		cp.ProviderID = &id
	}
	cp.Symptoms = append(Symptoms(nil), c.Symptoms...)
	for _, ts := range []**time.Time{
		&cp.TriagedAt, &cp.AssignedAt, &cp.ReviewStartedAt,
		&cp.PrescriptionApprovedAt, &cp.PrescriptionSentAt, &cp.ResolvedAt,
	} {
		if *ts != nil {
			t := **ts
			*ts = &t
		}
	}
	return &cp
}

// IsParticipant reports whether actor is the consultation's patient or assigned provider.
func (c *Consultation) IsParticipant(actorID uuid.UUID) bool {
	if actorID == c.PatientID {
		return true
	}
	return c.ProviderID != nil && *c.ProviderID == actorID
}

type NewConsultation struct {
	PatientID      uuid.UUID `json:"patient_id" validate:"required"`
	Urgency        Urgency   `json:"urgency" validate:"required,oneof=urgent high medium routine"`
	RiskLevel      RiskLevel `json:"risk_level" validate:"omitempty,oneof=low moderate high critical"`
	ChiefComplaint string    `json:"chief_complaint" validate:"required,max=1000"`
	Symptoms       []Symptom `json:"symptoms" validate:"dive"`
}

type ConsultationFilter struct {
	Statuses   []Status
	Urgency    *Urgency
	PatientID  *uuid.UUID
	ProviderID *uuid.UUID
	Limit      int
}
