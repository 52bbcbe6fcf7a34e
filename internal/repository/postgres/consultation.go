package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/repository"
)

const consultationColumns = `
	id, patient_id, provider_id, status, urgency, risk_level, chief_complaint,
	symptoms, version, created_at, updated_at, triaged_at, assigned_at,
	review_started_at, prescription_approved_at, prescription_sent_at, resolved_at
`

type consultationRepository struct {
	BaseRepository
}

func NewConsultationRepository(base BaseRepository) repository.ConsultationRepository {
	return &consultationRepository{base}
}

func (r *consultationRepository) Create(ctx context.Context, c *model.Consultation, audit *model.AuditEvent) error {
	query := `
		INSERT INTO consultations (` + consultationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			c.ID, c.PatientID, c.ProviderID, c.Status, c.Urgency, c.RiskLevel,
			c.ChiefComplaint, c.Symptoms, c.Version, c.CreatedAt, c.UpdatedAt,
			c.TriagedAt, c.AssignedAt, c.ReviewStartedAt, c.PrescriptionApprovedAt,
			c.PrescriptionSentAt, c.ResolvedAt,
		)
		if err != nil {
			return mapError("create consultation", err)
		}
		return r.CreateAuditEvent(ctx, tx, audit)
	})
}

func (r *consultationRepository) Get(ctx context.Context, id uuid.UUID) (*model.Consultation, error) {
	query := `SELECT ` + consultationColumns + ` FROM consultations WHERE id = $1`

	var c model.Consultation
	if err := r.GetDB().GetContext(ctx, &c, query, id); err != nil {
		return nil, notFound("consultation", "get consultation", err)
	}
	return &c, nil
}

func (r *consultationRepository) List(ctx context.Context, filter *model.ConsultationFilter) ([]*model.Consultation, error) {
	query := `SELECT ` + consultationColumns + ` FROM consultations WHERE 1=1`
	var args []interface{}

	if filter != nil {
		if len(filter.Statuses) > 0 {
			query += fmt.Sprintf(" AND status IN (%s)", inPlaceholders(len(args)+1, len(filter.Statuses)))
			for _, s := range filter.Statuses {
				args = append(args, s)
			}
		}
		if filter.Urgency != nil {
			query += fmt.Sprintf(" AND urgency = $%d", len(args)+1)
			args = append(args, *filter.Urgency)
		}
		if filter.PatientID != nil {
			query += fmt.Sprintf(" AND patient_id = $%d", len(args)+1)
			args = append(args, *filter.PatientID)
		}
		if filter.ProviderID != nil {
			query += fmt.Sprintf(" AND provider_id = $%d", len(args)+1)
			args = append(args, *filter.ProviderID)
		}
	}

	query += " ORDER BY created_at ASC"
	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, filter.Limit)
	}

	var out []*model.Consultation
	if err := r.GetDB().SelectContext(ctx, &out, query, args...); err != nil {
		return nil, mapError("list consultations", err)
	}
	return out, nil
}

func (r *consultationRepository) ApplyTransition(ctx context.Context, change *model.TransitionChange) (bool, error) {
	c := change.Consultation
	update := `
		UPDATE consultations SET
			status = $1, provider_id = $2, urgency = $3, risk_level = $4, version = $5,
			updated_at = $6, triaged_at = $7, assigned_at = $8, review_started_at = $9,
			prescription_approved_at = $10, prescription_sent_at = $11, resolved_at = $12
		WHERE id = $13 AND status = $14 AND version = $15
	`
	insertRecord := `
		INSERT INTO consultation_transitions (
			id, consultation_id, from_state, to_state, actor_id, actor_role,
			reason, context, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	applied := false
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, update,
			c.Status, c.ProviderID, c.Urgency, c.RiskLevel, c.Version,
			c.UpdatedAt, c.TriagedAt, c.AssignedAt, c.ReviewStartedAt,
			c.PrescriptionApprovedAt, c.PrescriptionSentAt, c.ResolvedAt,
			c.ID, change.ExpectedStatus, change.ExpectedVersion,
		)
		if err != nil {
			return mapError("update consultation status", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return mapError("update consultation status", err)
		}
		if rows == 0 {
			return nil
		}

		rec := change.Record
		if _, err := tx.ExecContext(ctx, insertRecord,
			rec.ID, rec.ConsultationID, rec.FromState, rec.ToState, rec.ActorID,
			rec.ActorRole, rec.Reason, rec.Context, rec.CreatedAt,
		); err != nil {
			return mapError("create transition record", err)
		}

		if err := r.CreateAuditEvent(ctx, tx, change.Audit); err != nil {
			return err
		}
		if err := r.CreateOutboxEvent(ctx, tx, change.Outbox); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (r *consultationRepository) ListTransitions(ctx context.Context, consultationID uuid.UUID) ([]*model.StateTransitionRecord, error) {
	query := `
		SELECT id, consultation_id, from_state, to_state, actor_id, actor_role,
			reason, context, created_at
		FROM consultation_transitions
		WHERE consultation_id = $1
		ORDER BY created_at ASC, id ASC
	`
	var out []*model.StateTransitionRecord
	if err := r.GetDB().SelectContext(ctx, &out, query, consultationID); err != nil {
		return nil, mapError("list transitions", err)
	}
	return out, nil
}
