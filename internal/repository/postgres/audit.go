package postgres

import (
	"context"
	"fmt"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/repository"
)

type auditRepository struct {
	BaseRepository
}

func NewAuditRepository(base BaseRepository) repository.AuditRepository {
	return &auditRepository{base}
}

// Create appends a single event. Audit rows are never updated or deleted.
func (r *auditRepository) Create(ctx context.Context, event *model.AuditEvent) error {
	return r.CreateAuditEvent(ctx, r.GetDB(), event)
}

func (r *auditRepository) ListPage(ctx context.Context, filter *model.AuditFilter, after *model.AuditCursor, limit int) ([]*model.AuditEvent, error) {
	query := `
		SELECT id, actor_id, actor_role, action, resource_type, resource_id, patient_id,
			justification, emergency_access, phi_fields, outcome, request_id,
			metadata, digest, recorded_at
		FROM audit_events WHERE 1=1
	`
	var args []interface{}

	if filter != nil {
		if filter.PatientID != nil {
			query += fmt.Sprintf(" AND patient_id = $%d", len(args)+1)
			args = append(args, *filter.PatientID)
		}
		if filter.ActorID != nil {
			query += fmt.Sprintf(" AND actor_id = $%d", len(args)+1)
			args = append(args, *filter.ActorID)
		}
		if filter.Action != nil {
			query += fmt.Sprintf(" AND action = $%d", len(args)+1)
			args = append(args, *filter.Action)
		}
		if filter.ResourceType != "" {
			query += fmt.Sprintf(" AND resource_type = $%d", len(args)+1)
			args = append(args, filter.ResourceType)
		}
		if filter.From != nil {
			query += fmt.Sprintf(" AND recorded_at >= $%d", len(args)+1)
			args = append(args, *filter.From)
		}
		if filter.To != nil {
			query += fmt.Sprintf(" AND recorded_at < $%d", len(args)+1)
			args = append(args, *filter.To)
		}
		if filter.EmergencyOnly {
			query += " AND emergency_access = TRUE"
		}
	}

	if after != nil {
		query += fmt.Sprintf(" AND (recorded_at, id) > ($%d, $%d)", len(args)+1, len(args)+2)
		args = append(args, after.RecordedAt, after.ID)
	}

	query += fmt.Sprintf(" ORDER BY recorded_at ASC, id ASC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	var events []*model.AuditEvent
	if err := r.GetDB().SelectContext(ctx, &events, query, args...); err != nil {
		return nil, mapError("list audit events", err)
	}
	return events, nil
}
