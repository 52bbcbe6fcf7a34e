package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/repository"
)

const violationColumns = `
	id, consultation_id, patient_id, urgency, threshold_minutes, elapsed_minutes,
	violation_minutes, status, escalation_target, detected_at, acknowledged_by,
	acknowledged_at, resolved_by, resolved_at, updated_at
`

type slaRepository struct {
	BaseRepository
}

func NewSLARepository(base BaseRepository) repository.SLARepository {
	return &slaRepository{base}
}

// deadlineExpr is created_at plus the threshold for the row's urgency;
// $3..$6 carry the urgent, high, medium and fallback minutes.
const deadlineExpr = `c.created_at + make_interval(mins => CASE c.urgency
		WHEN 'urgent' THEN $3::int
		WHEN 'high' THEN $4::int
		WHEN 'medium' THEN $5::int
		ELSE $6::int END)`

func (r *slaRepository) ListSweepCandidates(ctx context.Context, now time.Time, thresholds model.SLAThresholds, limit int) ([]*model.Consultation, error) {
	// A breach starts once a whole minute past the deadline has elapsed.
	query := `
		SELECT ` + consultationColumns + `
		FROM consultations c
		WHERE c.status NOT IN ($1, $2)
		AND c.assigned_at IS NULL
		AND ` + deadlineExpr + ` + interval '1 minute' <= $7
		AND NOT EXISTS (SELECT 1 FROM sla_violations v WHERE v.consultation_id = c.id)
		ORDER BY ` + deadlineExpr + ` ASC, c.id ASC
		LIMIT $8
	`
	var out []*model.Consultation
	if err := r.GetDB().SelectContext(ctx, &out, query,
		model.StatusCompleted, model.StatusCancelled,
		thresholds.Minutes(model.UrgencyUrgent),
		thresholds.Minutes(model.UrgencyHigh),
		thresholds.Minutes(model.UrgencyMedium),
		thresholds.Minutes(model.UrgencyRoutine),
		now, limit,
	); err != nil {
		return nil, mapError("list sweep candidates", err)
	}
	return out, nil
}

func (r *slaRepository) CreateViolation(ctx context.Context, v *model.SLAViolation, audit *model.AuditEvent, escalation *model.OutboxEvent) (bool, error) {
	query := `
		INSERT INTO sla_violations (` + violationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (consultation_id) DO NOTHING
	`
	created := false
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query,
			v.ID, v.ConsultationID, v.PatientID, v.Urgency, v.ThresholdMinutes,
			v.ElapsedMinutes, v.ViolationMinutes, v.Status, v.EscalationTarget,
			v.DetectedAt, v.AcknowledgedBy, v.AcknowledgedAt, v.ResolvedBy,
			v.ResolvedAt, v.UpdatedAt,
		)
		if err != nil {
			return mapError("create sla violation", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return mapError("create sla violation", err)
		}
		if rows == 0 {
			return nil
		}
		if err := r.CreateAuditEvent(ctx, tx, audit); err != nil {
			return err
		}
		if err := r.CreateOutboxEvent(ctx, tx, escalation); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (r *slaRepository) GetViolation(ctx context.Context, id uuid.UUID) (*model.SLAViolation, error) {
	var v model.SLAViolation
	query := `SELECT ` + violationColumns + ` FROM sla_violations WHERE id = $1`
	if err := r.GetDB().GetContext(ctx, &v, query, id); err != nil {
		return nil, notFound("sla violation", "get sla violation", err)
	}
	return &v, nil
}

func (r *slaRepository) GetViolationByConsultation(ctx context.Context, consultationID uuid.UUID) (*model.SLAViolation, error) {
	var v model.SLAViolation
	query := `SELECT ` + violationColumns + ` FROM sla_violations WHERE consultation_id = $1`
	if err := r.GetDB().GetContext(ctx, &v, query, consultationID); err != nil {
		return nil, notFound("sla violation", "get sla violation", err)
	}
	return &v, nil
}

func (r *slaRepository) ListViolations(ctx context.Context, filter *model.SLAViolationFilter) ([]*model.SLAViolation, error) {
	query := `SELECT ` + violationColumns + ` FROM sla_violations WHERE 1=1`
	var args []interface{}

	if filter != nil {
		if filter.Status != nil {
			query += fmt.Sprintf(" AND status = $%d", len(args)+1)
			args = append(args, *filter.Status)
		}
		if filter.Urgency != nil {
			query += fmt.Sprintf(" AND urgency = $%d", len(args)+1)
			args = append(args, *filter.Urgency)
		}
	}

	query += " ORDER BY detected_at DESC"
	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, filter.Limit)
	}

	var out []*model.SLAViolation
	if err := r.GetDB().SelectContext(ctx, &out, query, args...); err != nil {
		return nil, mapError("list sla violations", err)
	}
	return out, nil
}

func (r *slaRepository) UpdateViolationStatus(ctx context.Context, change *model.ViolationChange) (bool, error) {
	var query string
	switch change.To {
	case model.ViolationAcknowledged:
		query = `
			UPDATE sla_violations
			SET status = $1, acknowledged_by = $2, acknowledged_at = $3, updated_at = $3
			WHERE id = $4 AND status = $5
		`
	case model.ViolationResolved:
		query = `
			UPDATE sla_violations
			SET status = $1, resolved_by = $2, resolved_at = $3, updated_at = $3
			WHERE id = $4 AND status = $5
		`
	default:
		return false, fmt.Errorf("unsupported violation status %q", change.To)
	}

	updated := false
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, query, change.To, change.ActorID, change.At, change.ViolationID, change.From)
		if err != nil {
			return mapError("update sla violation", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return mapError("update sla violation", err)
		}
		if rows == 0 {
			return nil
		}
		if err := r.CreateAuditEvent(ctx, tx, change.Audit); err != nil {
			return err
		}
		updated = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}
