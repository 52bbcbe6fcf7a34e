package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/repository"
)

type outboxRepository struct {
	BaseRepository
}

func NewOutboxRepository(base BaseRepository) repository.OutboxRepository {
	return &outboxRepository{base}
}

// ClaimPending pushes retry_at forward by lease on the claimed rows, so a
// relay that dies mid-batch releases its events once the lease expires.
func (r *outboxRepository) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*model.OutboxEvent, error) {
	query := `
		UPDATE outbox_events SET retry_at = NOW() + $2 * INTERVAL '1 millisecond', updated_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status IN ('pending', 'retry')
			AND (retry_at IS NULL OR retry_at <= NOW())
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING id, event_type, aggregate_id, payload, status, error_message,
			created_at, processed_at, updated_at, retry_count, retry_at
	`
	var events []*model.OutboxEvent
	if err := r.GetDB().SelectContext(ctx, &events, query, limit, lease.Milliseconds()); err != nil {
		return nil, mapError("claim outbox events", err)
	}
	return events, nil
}

func (r *outboxRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE outbox_events
		SET status = $1, error_message = NULL, processed_at = NOW(), updated_at = NOW()
		WHERE id = $2
	`
	_, err := r.GetDB().ExecContext(ctx, query, model.OutboxStatusProcessed, id)
	return mapError("mark outbox event processed", err)
}

func (r *outboxRepository) MarkRetry(ctx context.Context, id uuid.UUID, errorMessage string, retryAt time.Time) error {
	query := `
		UPDATE outbox_events
		SET status = $1, error_message = $2, retry_at = $3,
			retry_count = retry_count + 1, updated_at = NOW()
		WHERE id = $4
	`
	_, err := r.GetDB().ExecContext(ctx, query, model.OutboxStatusRetry, errorMessage, retryAt, id)
	return mapError("mark outbox event for retry", err)
}

func (r *outboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE outbox_events
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := r.GetDB().ExecContext(ctx, query, model.OutboxStatusFailed, errorMessage, id)
	return mapError("mark outbox event failed", err)
}

func (r *outboxRepository) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM outbox_events
		WHERE status = 'processed'
		AND processed_at < $1
	`
	result, err := r.GetDB().ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed events: %w", err)
	}

	return result.RowsAffected()
}
