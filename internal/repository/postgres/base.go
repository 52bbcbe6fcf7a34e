package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/consult-core/internal/model"
	apperrors "github.com/jwalitptl/consult-core/pkg/errors"
)

// BaseRepository provides common functionality for all repositories
type BaseRepository struct {
	db *sqlx.DB
}

// NewBaseRepository creates a new base repository
func NewBaseRepository(db *sqlx.DB) BaseRepository {
	return BaseRepository{db: db}
}

// GetDB returns the database instance
func (r *BaseRepository) GetDB() *sqlx.DB {
	return r.db
}

// WithTx executes a function within a transaction. A failed commit is
// reported as StorageUnavailable because its outcome cannot be known.
func (r *BaseRepository) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError("begin transaction", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperrors.StorageUnavailable("commit outcome unknown", err)
	}
	return nil
}

const insertAuditEventQuery = `
	INSERT INTO audit_events (
		id, actor_id, actor_role, action, resource_type, resource_id, patient_id,
		justification, emergency_access, phi_fields, outcome, request_id,
		metadata, digest, recorded_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
`

// CreateAuditEvent writes an audit event within a transaction
func (r *BaseRepository) CreateAuditEvent(ctx context.Context, tx sqlx.ExecerContext, e *model.AuditEvent) error {
	if e == nil {
		return fmt.Errorf("audit event cannot be nil")
	}
	_, err := tx.ExecContext(ctx, insertAuditEventQuery,
		e.ID,
		e.ActorID,
		e.ActorRole,
		e.Action,
		e.ResourceType,
		e.ResourceID,
		e.PatientID,
		e.Justification,
		e.EmergencyAccess,
		e.PHIFields,
		e.Outcome,
		e.RequestID,
		e.Metadata,
		e.Digest,
		e.RecordedAt,
	)
	return mapError("create audit event", err)
}

const insertOutboxEventQuery = `
	INSERT INTO outbox_events (
		id, event_type, aggregate_id, payload, status, retry_count, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

// CreateOutboxEvent writes an outbox event within a transaction
func (r *BaseRepository) CreateOutboxEvent(ctx context.Context, tx sqlx.ExecerContext, e *model.OutboxEvent) error {
	if e == nil {
		return nil
	}
	if e.Payload == nil {
		return fmt.Errorf("event payload cannot be nil")
	}
	_, err := tx.ExecContext(ctx, insertOutboxEventQuery,
		e.ID,
		e.EventType,
		e.AggregateID,
		[]byte(e.Payload),
		e.Status,
		e.RetryCount,
		e.CreatedAt,
		e.UpdatedAt,
	)
	return mapError("create outbox event", err)
}
