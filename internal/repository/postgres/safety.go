package postgres

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/repository"
)

type safetyCheckRepository struct {
	BaseRepository
}

func NewSafetyCheckRepository(base BaseRepository) repository.SafetyCheckRepository {
	return &safetyCheckRepository{base}
}

func (r *safetyCheckRepository) Create(ctx context.Context, result *model.SafetyCheckResult, audit *model.AuditEvent) error {
	query := `
		INSERT INTO safety_checks (id, patient_id, consultation_id, verdict, result, evaluated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, query,
			result.ID, result.PatientID, result.ConsultationID, result.Verdict,
			result, result.EvaluatedAt,
		); err != nil {
			return mapError("create safety check", err)
		}
		return r.CreateAuditEvent(ctx, tx, audit)
	})
}

func (r *safetyCheckRepository) Get(ctx context.Context, id uuid.UUID) (*model.SafetyCheckResult, error) {
	var result model.SafetyCheckResult
	err := r.GetDB().QueryRowxContext(ctx, `SELECT result FROM safety_checks WHERE id = $1`, id).Scan(&result)
	if err != nil {
		return nil, notFound("safety check", "get safety check", err)
	}
	return &result, nil
}

type interactionRepository struct {
	BaseRepository
}

func NewInteractionRepository(base BaseRepository) repository.InteractionRepository {
	return &interactionRepository{base}
}

// ListForMedications returns every reference row where both sides are among names.
func (r *interactionRepository) ListForMedications(ctx context.Context, names []string) ([]*model.DrugInteraction, error) {
	lowered := make([]string, len(names))
	for i, n := range names {
		lowered[i] = strings.ToLower(strings.TrimSpace(n))
	}

	query := `
		SELECT id, medication_a_name, medication_b_name, severity, description, management, source
		FROM drug_interactions
		WHERE lower(medication_a_name) = ANY($1) AND lower(medication_b_name) = ANY($1)
	`
	var out []*model.DrugInteraction
	if err := r.GetDB().SelectContext(ctx, &out, query, pq.Array(lowered)); err != nil {
		return nil, mapError("list drug interactions", err)
	}
	return out, nil
}

func (r *interactionRepository) Upsert(ctx context.Context, in *model.DrugInteraction) error {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	query := `
		INSERT INTO drug_interactions (
			id, medication_a_name, medication_b_name, severity, description, management, source
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT ((lower(medication_a_name)), (lower(medication_b_name))) DO UPDATE SET
			severity = EXCLUDED.severity,
			description = EXCLUDED.description,
			management = EXCLUDED.management,
			source = EXCLUDED.source
	`
	_, err := r.GetDB().ExecContext(ctx, query,
		in.ID, in.MedicationAName, in.MedicationBName, in.Severity,
		in.Description, in.Management, in.Source,
	)
	return mapError("upsert drug interaction", err)
}
