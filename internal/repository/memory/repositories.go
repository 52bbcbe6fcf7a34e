package memory

import (
	"bytes"
	"context"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/consult-core/internal/model"
)

type consultationRepo struct{ s *Store }

func (r *consultationRepo) Create(ctx context.Context, c *model.Consultation, audit *model.AuditEvent) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpCreateConsultation); err != nil {
		return err
	}
	if err := s.fault(OpInsertAudit); err != nil {
		return err
	}
	s.consultations[c.ID] = c.Clone()
	s.insertAudit(audit)
	return nil
}

func (r *consultationRepo) Get(ctx context.Context, id uuid.UUID) (*model.Consultation, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpGetConsultation); err != nil {
		return nil, err
	}
	c, ok := s.consultations[id]
	if !ok {
		return nil, notFound("consultation")
	}
	return c.Clone(), nil
}

func (r *consultationRepo) List(ctx context.Context, filter *model.ConsultationFilter) ([]*model.Consultation, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Consultation
	for _, c := range s.consultations {
		if filter != nil {
			if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, c.Status) {
				continue
			}
			if filter.Urgency != nil && c.Urgency != *filter.Urgency {
				continue
			}
			if filter.PatientID != nil && c.PatientID != *filter.PatientID {
				continue
			}
			if filter.ProviderID != nil && (c.ProviderID == nil || *c.ProviderID != *filter.ProviderID) {
				continue
			}
		}
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b *model.Consultation) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *consultationRepo) ApplyTransition(ctx context.Context, change *model.TransitionChange) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.consultations[change.Consultation.ID]
	if !ok {
		return false, notFound("consultation")
	}
	if err := s.fault(OpUpdateConsultation); err != nil {
		return false, err
	}
	if current.Status != change.ExpectedStatus || current.Version != change.ExpectedVersion {
		return false, nil
	}
	// every step is checked before anything is written
	for _, op := range []Op{OpInsertTransition, OpInsertAudit} {
		if err := s.fault(op); err != nil {
			return false, err
		}
	}
	if change.Outbox != nil {
		if err := s.fault(OpInsertOutbox); err != nil {
			return false, err
		}
	}

	s.consultations[current.ID] = change.Consultation.Clone()
	rec := *change.Record
	s.transitions[current.ID] = append(s.transitions[current.ID], &rec)
	s.insertAudit(change.Audit)
	if change.Outbox != nil {
		ev := *change.Outbox
		s.outbox = append(s.outbox, &ev)
	}
	return true, nil
}

func (r *consultationRepo) ListTransitions(ctx context.Context, consultationID uuid.UUID) ([]*model.StateTransitionRecord, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.transitions[consultationID]
	out := make([]*model.StateTransitionRecord, len(recs))
	for i, rec := range recs {
		cp := *rec
		out[i] = &cp
	}
	return out, nil
}

type auditRepo struct{ s *Store }

func (r *auditRepo) Create(ctx context.Context, event *model.AuditEvent) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpInsertAudit); err != nil {
		return err
	}
	s.insertAudit(event)
	return nil
}

func (r *auditRepo) ListPage(ctx context.Context, filter *model.AuditFilter, after *model.AuditCursor, limit int) ([]*model.AuditEvent, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpListAudit); err != nil {
		return nil, err
	}

	var out []*model.AuditEvent
	for _, e := range s.audit {
		if after != nil {
			c := e.RecordedAt.Compare(after.RecordedAt)
			if c < 0 || (c == 0 && bytes.Compare(e.ID[:], after.ID[:]) <= 0) {
				continue
			}
		}
		if !matchAudit(e, filter) {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func matchAudit(e *model.AuditEvent, f *model.AuditFilter) bool {
	if f == nil {
		return true
	}
	if f.PatientID != nil && e.PatientID != *f.PatientID {
		return false
	}
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if f.Action != nil && e.Action != *f.Action {
		return false
	}
	if f.ResourceType != "" && e.ResourceType != f.ResourceType {
		return false
	}
	if f.From != nil && e.RecordedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !e.RecordedAt.Before(*f.To) {
		return false
	}
	if f.EmergencyOnly && !e.EmergencyAccess {
		return false
	}
	return true
}

type safetyRepo struct{ s *Store }

func (r *safetyRepo) Create(ctx context.Context, result *model.SafetyCheckResult, audit *model.AuditEvent) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fault(OpInsertSafetyCheck); err != nil {
		return err
	}
	if err := s.fault(OpInsertAudit); err != nil {
		return err
	}
	cp := *result
	s.safetyChecks[result.ID] = &cp
	s.insertAudit(audit)
	return nil
}

func (r *safetyRepo) Get(ctx context.Context, id uuid.UUID) (*model.SafetyCheckResult, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.safetyChecks[id]
	if !ok {
		return nil, notFound("safety check")
	}
	cp := *res
	return &cp, nil
}

type interactionRepo struct{ s *Store }

func (r *interactionRepo) ListForMedications(ctx context.Context, names []string) ([]*model.DrugInteraction, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[strings.ToLower(strings.TrimSpace(n))] = true
	}
	var out []*model.DrugInteraction
	for _, in := range s.interactions {
		if wanted[strings.ToLower(in.MedicationAName)] && wanted[strings.ToLower(in.MedicationBName)] {
			cp := *in
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *interactionRepo) Upsert(ctx context.Context, in *model.DrugInteraction) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	cp := *in
	s.interactions[interactionKey(in.MedicationAName, in.MedicationBName)] = &cp
	return nil
}

type slaRepo struct{ s *Store }

func (r *slaRepo) ListSweepCandidates(ctx context.Context, now time.Time, thresholds model.SLAThresholds, limit int) ([]*model.Consultation, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := func(c *model.Consultation) time.Time {
		return c.CreatedAt.Add(time.Duration(thresholds.Minutes(c.Urgency)) * time.Minute)
	}
	var out []*model.Consultation
	for _, c := range s.consultations {
		if c.Status.IsTerminal() || c.AssignedAt != nil {
			continue
		}
		if _, seen := s.byConsult[c.ID]; seen {
			continue
		}
		if deadline(c).Add(time.Minute).After(now) {
			continue
		}
		out = append(out, c.Clone())
	}
	slices.SortFunc(out, func(a, b *model.Consultation) int {
		if d := deadline(a).Compare(deadline(b)); d != 0 {
			return d
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *slaRepo) CreateViolation(ctx context.Context, v *model.SLAViolation, audit *model.AuditEvent, escalation *model.OutboxEvent) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byConsult[v.ConsultationID]; exists {
		return false, nil
	}
	for _, op := range []Op{OpInsertViolation, OpInsertAudit} {
		if err := s.fault(op); err != nil {
			return false, err
		}
	}
	if escalation != nil {
		if err := s.fault(OpInsertOutbox); err != nil {
			return false, err
		}
	}

	cp := *v
	s.violations[v.ID] = &cp
	s.byConsult[v.ConsultationID] = v.ID
	s.insertAudit(audit)
	if escalation != nil {
		ev := *escalation
		s.outbox = append(s.outbox, &ev)
	}
	return true, nil
}

func (r *slaRepo) GetViolation(ctx context.Context, id uuid.UUID) (*model.SLAViolation, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.violations[id]
	if !ok {
		return nil, notFound("sla violation")
	}
	cp := *v
	return &cp, nil
}

func (r *slaRepo) GetViolationByConsultation(ctx context.Context, consultationID uuid.UUID) (*model.SLAViolation, error) {
	s := r.s
	s.mu.Lock()
	id, ok := s.byConsult[consultationID]
	s.mu.Unlock()
	if !ok {
		return nil, notFound("sla violation")
	}
	return r.GetViolation(ctx, id)
}

func (r *slaRepo) ListViolations(ctx context.Context, filter *model.SLAViolationFilter) ([]*model.SLAViolation, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.SLAViolation
	for _, v := range s.violations {
		if filter != nil {
			if filter.Status != nil && v.Status != *filter.Status {
				continue
			}
			if filter.Urgency != nil && v.Urgency != *filter.Urgency {
				continue
			}
		}
		cp := *v
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *model.SLAViolation) int { return b.DetectedAt.Compare(a.DetectedAt) })
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *slaRepo) UpdateViolationStatus(ctx context.Context, change *model.ViolationChange) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.violations[change.ViolationID]
	if !ok {
		return false, notFound("sla violation")
	}
	if v.Status != change.From {
		return false, nil
	}
	for _, op := range []Op{OpUpdateViolation, OpInsertAudit} {
		if err := s.fault(op); err != nil {
			return false, err
		}
	}

	actor := change.ActorID
	at := change.At
	v.Status = change.To
	v.UpdatedAt = at
	switch change.To {
	case model.ViolationAcknowledged:
		v.AcknowledgedBy, v.AcknowledgedAt = &actor, &at
	case model.ViolationResolved:
		v.ResolvedBy, v.ResolvedAt = &actor, &at
	}
	s.insertAudit(change.Audit)
	return true, nil
}

type outboxRepo struct{ s *Store }

func (r *outboxRepo) ClaimPending(ctx context.Context, limit int, lease time.Duration) ([]*model.OutboxEvent, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []*model.OutboxEvent
	for _, e := range s.outbox {
		if e.Status != model.OutboxStatusPending && e.Status != model.OutboxStatusRetry {
			continue
		}
		if e.RetryAt != nil && e.RetryAt.After(now) {
			continue
		}
		until := now.Add(lease)
		e.RetryAt = &until
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *outboxRepo) find(id uuid.UUID) *model.OutboxEvent {
	for _, e := range r.s.outbox {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (r *outboxRepo) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e := r.find(id)
	if e == nil {
		return notFound("outbox event")
	}
	now := r.s.now()
	e.Status = model.OutboxStatusProcessed
	e.ErrorMessage = nil
	e.ProcessedAt = &now
	e.UpdatedAt = now
	return nil
}

func (r *outboxRepo) MarkRetry(ctx context.Context, id uuid.UUID, errorMessage string, retryAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e := r.find(id)
	if e == nil {
		return notFound("outbox event")
	}
	e.Status = model.OutboxStatusRetry
	e.ErrorMessage = &errorMessage
	e.RetryAt = &retryAt
	e.RetryCount++
	e.UpdatedAt = r.s.now()
	return nil
}

func (r *outboxRepo) MarkFailed(ctx context.Context, id uuid.UUID, errorMessage string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e := r.find(id)
	if e == nil {
		return notFound("outbox event")
	}
	e.Status = model.OutboxStatusFailed
	e.ErrorMessage = &errorMessage
	e.UpdatedAt = r.s.now()
	return nil
}

func (r *outboxRepo) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var kept []*model.OutboxEvent
	var n int64
	for _, e := range r.s.outbox {
		if e.Status == model.OutboxStatusProcessed && e.ProcessedAt != nil && e.ProcessedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	r.s.outbox = kept
	return n, nil
}
