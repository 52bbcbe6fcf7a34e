package postgres

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/jwalitptl/consult-core/internal/repository"
)

// Store hands out the PostgreSQL repositories over one connection pool.
type Store struct {
	db   *sqlx.DB
	base BaseRepository
}

func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db, base: NewBaseRepository(db)}
}

func (s *Store) Consultations() repository.ConsultationRepository {
	return NewConsultationRepository(s.base)
}

func (s *Store) Audit() repository.AuditRepository { return NewAuditRepository(s.base) }

func (s *Store) SafetyChecks() repository.SafetyCheckRepository {
	return NewSafetyCheckRepository(s.base)
}

func (s *Store) Interactions() repository.InteractionRepository {
	return NewInteractionRepository(s.base)
}

func (s *Store) SLA() repository.SLARepository { return NewSLARepository(s.base) }

func (s *Store) Outbox() repository.OutboxRepository { return NewOutboxRepository(s.base) }

func (s *Store) PingContext(ctx context.Context) error {
	return mapError("ping", s.db.PingContext(ctx))
}
