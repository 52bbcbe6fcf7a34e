// Package memory is a process-local implementation of the repository
// interfaces. It backs local development runs and service tests; every
// multi-row write is applied under one lock so it is all-or-nothing.
package memory

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/repository"
	apperrors "github.com/jwalitptl/consult-core/pkg/errors"
)

// Op names a single write step that a fault can be injected into.
type Op string

const (
	OpCreateConsultation Op = "create_consultation"
	OpUpdateConsultation Op = "update_consultation"
	OpInsertTransition   Op = "insert_transition"
	OpInsertAudit        Op = "insert_audit"
	OpInsertOutbox       Op = "insert_outbox"
	OpInsertSafetyCheck  Op = "insert_safety_check"
	OpInsertViolation    Op = "insert_violation"
	OpUpdateViolation    Op = "update_violation"
	OpListAudit          Op = "list_audit"
	OpGetConsultation    Op = "get_consultation"
)

type Store struct {
	mu sync.Mutex

	consultations map[uuid.UUID]*model.Consultation
	transitions   map[uuid.UUID][]*model.StateTransitionRecord
	audit         []*model.AuditEvent
	safetyChecks  map[uuid.UUID]*model.SafetyCheckResult
	interactions  map[string]*model.DrugInteraction
	violations    map[uuid.UUID]*model.SLAViolation
	byConsult     map[uuid.UUID]uuid.UUID
	outbox        []*model.OutboxEvent

	faults map[Op]error
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{
		consultations: make(map[uuid.UUID]*model.Consultation),
		transitions:   make(map[uuid.UUID][]*model.StateTransitionRecord),
		safetyChecks:  make(map[uuid.UUID]*model.SafetyCheckResult),
		interactions:  make(map[string]*model.DrugInteraction),
		violations:    make(map[uuid.UUID]*model.SLAViolation),
		byConsult:     make(map[uuid.UUID]uuid.UUID),
		faults:        make(map[Op]error),
		now:           time.Now,
	}
}

// SetClock replaces the clock used for outbox leases.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// InjectFault makes the next execution of op fail with err.
func (s *Store) InjectFault(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

// fault consumes a pending fault for op. Caller holds mu.
func (s *Store) fault(op Op) error {
	if err, ok := s.faults[op]; ok {
		delete(s.faults, op)
		return err
	}
	return nil
}

// AuditEvents returns a snapshot of every stored audit event in keyset order.
func (s *Store) AuditEvents() []*model.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.AuditEvent, len(s.audit))
	for i, e := range s.audit {
		cp := *e
		out[i] = &cp
	}
	return out
}

// OutboxEvents returns a snapshot of every stored outbox event.
func (s *Store) OutboxEvents() []*model.OutboxEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.OutboxEvent, len(s.outbox))
	for i, e := range s.outbox {
		cp := *e
		out[i] = &cp
	}
	return out
}

// EnqueueOutbox stores e as if a committed transaction had written it.
func (s *Store) EnqueueOutbox(e *model.OutboxEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.outbox = append(s.outbox, &cp)
}

// PingContext always succeeds; the store has no connection to lose.
func (s *Store) PingContext(context.Context) error { return nil }

func (s *Store) Consultations() repository.ConsultationRepository { return &consultationRepo{s} }
func (s *Store) Audit() repository.AuditRepository                { return &auditRepo{s} }
func (s *Store) SafetyChecks() repository.SafetyCheckRepository   { return &safetyRepo{s} }
func (s *Store) Interactions() repository.InteractionRepository   { return &interactionRepo{s} }
func (s *Store) SLA() repository.SLARepository                    { return &slaRepo{s} }
func (s *Store) Outbox() repository.OutboxRepository              { return &outboxRepo{s} }

// insertAudit keeps audit events ordered by (recorded_at, id). Caller holds mu.
func (s *Store) insertAudit(e *model.AuditEvent) {
	cp := *e
	i, _ := slices.BinarySearchFunc(s.audit, &cp, compareAudit)
	s.audit = slices.Insert(s.audit, i, &cp)
}

func compareAudit(a, b *model.AuditEvent) int {
	if c := a.RecordedAt.Compare(b.RecordedAt); c != 0 {
		return c
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}

func interactionKey(a, b string) string {
	return strings.ToLower(strings.TrimSpace(a)) + "|" + strings.ToLower(strings.TrimSpace(b))
}

func notFound(resource string) error {
	return apperrors.NotFound(resource, nil)
}
