package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/consult-core/internal/model"
)

// All repository interfaces in one file
type (
	// Store groups the repositories of one storage backend.
	Store interface {
		Consultations() ConsultationRepository
		Audit() AuditRepository
		SafetyChecks() SafetyCheckRepository
		Interactions() InteractionRepository
		SLA() SLARepository
		Outbox() OutboxRepository
		PingContext(ctx context.Context) error
	}

	// ConsultationRepository persists consultations and their transition history.
	ConsultationRepository interface {
		// Create inserts a new consultation together with its creation audit event.
		Create(ctx context.Context, c *model.Consultation, audit *model.AuditEvent) error
		Get(ctx context.Context, id uuid.UUID) (*model.Consultation, error)
		List(ctx context.Context, filter *model.ConsultationFilter) ([]*model.Consultation, error)
		// ApplyTransition writes the guarded status update, the transition record,
		// the audit event and the outbox event atomically. It returns
		// (false, nil) when the guard did not match.
		ApplyTransition(ctx context.Context, change *model.TransitionChange) (bool, error)
		ListTransitions(ctx context.Context, consultationID uuid.UUID) ([]*model.StateTransitionRecord, error)
	}

	AuditRepository interface {
		Create(ctx context.Context, event *model.AuditEvent) error
		// ListPage returns up to limit events strictly after cursor, ordered by
		// (recorded_at, id) ascending.
		ListPage(ctx context.Context, filter *model.AuditFilter, after *model.AuditCursor, limit int) ([]*model.AuditEvent, error)
	}

	SafetyCheckRepository interface {
		// Create stores the immutable result and its audit event atomically.
		Create(ctx context.Context, result *model.SafetyCheckResult, audit *model.AuditEvent) error
		Get(ctx context.Context, id uuid.UUID) (*model.SafetyCheckResult, error)
	}

	InteractionRepository interface {
		ListForMedications(ctx context.Context, names []string) ([]*model.DrugInteraction, error)
		Upsert(ctx context.Context, interaction *model.DrugInteraction) error
	}

	SLARepository interface {
		// ListSweepCandidates returns non-terminal, unassigned consultations
		// with no violation recorded whose threshold has been exceeded by at
		// least a whole minute at now, earliest deadline first.
		ListSweepCandidates(ctx context.Context, now time.Time, thresholds model.SLAThresholds, limit int) ([]*model.Consultation, error)
		// CreateViolation inserts the violation, its audit event and the
		// escalation outbox event atomically. created is false when a violation
		// already existed for the consultation.
		CreateViolation(ctx context.Context, v *model.SLAViolation, audit *model.AuditEvent, escalation *model.OutboxEvent) (created bool, err error)
		GetViolation(ctx context.Context, id uuid.UUID) (*model.SLAViolation, error)
		GetViolationByConsultation(ctx context.Context, consultationID uuid.UUID) (*model.SLAViolation, error)
		ListViolations(ctx context.Context, filter *model.SLAViolationFilter) ([]*model.SLAViolation, error)
		// UpdateViolationStatus applies change only if the violation is still in
		// change.From. It returns (false, nil) when the guard did not match.
		UpdateViolationStatus(ctx context.Context, change *model.ViolationChange) (bool, error)
	}

	OutboxRepository interface {
		// ClaimPending leases up to limit due events so concurrent relays skip them.
		ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*model.OutboxEvent, error)
		MarkProcessed(ctx context.Context, id uuid.UUID) error
		MarkRetry(ctx context.Context, id uuid.UUID, errorMessage string, retryAt time.Time) error
		MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}
)
