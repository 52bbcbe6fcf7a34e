package sla

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/repository"
	"github.com/jwalitptl/consult-core/internal/service/audit"
	apperrors "github.com/jwalitptl/consult-core/pkg/errors"
	"github.com/jwalitptl/consult-core/pkg/logger"
	"github.com/jwalitptl/consult-core/pkg/metrics"
)

const (
	defaultBatchSize = 500
	defaultTarget    = "care-coordinator"
)

// Monitor tracks first-response commitments. It reads consultation
// timestamps and writes violations; it never changes a consultation.
type Monitor struct {
	repo          repository.SLARepository
	consultations repository.ConsultationRepository
	metrics       *metrics.Metrics
	logger        *logger.Logger
	thresholds    model.SLAThresholds
	targets       map[model.Urgency]string
	batchSize     int
	now           func() time.Time
}

type Option func(*Monitor)

func WithThresholds(t model.SLAThresholds) Option {
	return func(m *Monitor) {
		if len(t) > 0 {
			m.thresholds = t
		}
	}
}

// WithEscalationTargets sets who is notified per urgency tier.
func WithEscalationTargets(targets map[model.Urgency]string) Option {
	return func(m *Monitor) { m.targets = targets }
}

func WithBatchSize(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func NewMonitor(
	repo repository.SLARepository,
	consultations repository.ConsultationRepository,
	m *metrics.Metrics,
	log *logger.Logger,
	opts ...Option,
) *Monitor {
	mon := &Monitor{
		repo:          repo,
		consultations: consultations,
		metrics:       m,
		logger:        log.WithComponent("sla"),
		thresholds:    model.DefaultSLAThresholds(),
		targets:       map[model.Urgency]string{},
		batchSize:     defaultBatchSize,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(mon)
	}
	return mon
}

func (m *Monitor) clock() time.Time {
	return m.now().UTC().Truncate(time.Microsecond)
}

// CheckCompliance measures the minutes from creation to assignment, or to
// now while the consultation is still waiting.
func (m *Monitor) CheckCompliance(ctx context.Context, consultationID uuid.UUID) (*model.ComplianceRecord, error) {
	c, err := m.consultations.Get(ctx, consultationID)
	if err != nil {
		return nil, err
	}
	return m.compliance(c, m.clock()), nil
}

func (m *Monitor) compliance(c *model.Consultation, now time.Time) *model.ComplianceRecord {
	end, responded := now, false
	switch {
	case c.AssignedAt != nil:
		end, responded = *c.AssignedAt, true
	case c.ResolvedAt != nil:
		end = *c.ResolvedAt
	}

	elapsed := int(end.Sub(c.CreatedAt) / time.Minute)
	if elapsed < 0 {
		elapsed = 0
	}
	threshold := m.thresholds.Minutes(c.Urgency)
	rec := &model.ComplianceRecord{
		ConsultationID:   c.ID,
		Urgency:          c.Urgency,
		Compliant:        elapsed <= threshold,
		Responded:        responded,
		ElapsedMinutes:   elapsed,
		ThresholdMinutes: threshold,
		CheckedAt:        now,
	}
	if !rec.Compliant {
		rec.ViolationMinutes = elapsed - threshold
	}
	return rec
}

func (m *Monitor) target(u model.Urgency) string {
	if t, ok := m.targets[u]; ok && t != "" {
		return t
	}
	return defaultTarget
}

// Sweep records one violation per newly breaching consultation. Running it
// again over the same data creates nothing new. It never resolves violations.
func (m *Monitor) Sweep(ctx context.Context) (*model.SweepResult, error) {
	start := time.Now()
	now := m.clock()
	result := &model.SweepResult{}
	defer func() {
		result.Duration = time.Since(start)
		m.metrics.SLASweepDuration.Observe(result.Duration.Seconds())
	}()

	candidates, err := m.repo.ListSweepCandidates(ctx, now, m.thresholds, m.batchSize)
	if err != nil {
		m.metrics.DatabaseOperations.WithLabelValues("list_sweep_candidates", "error").Inc()
		return result, err
	}
	m.metrics.DatabaseOperations.WithLabelValues("list_sweep_candidates", "success").Inc()
	result.Checked = len(candidates)

	for _, c := range candidates {
		rec := m.compliance(c, now)
		if rec.Compliant {
			continue
		}
		created, err := m.raise(ctx, c, rec, now)
		if err != nil {
			m.logger.Error(err, "failed to record sla violation", "consultation_id", c.ID.String())
			return result, err
		}
		if created {
			result.Violations++
		} else {
			result.Duplicates++
		}
	}

	if result.Violations > 0 {
		m.logger.Info("sla sweep raised violations",
			"checked", result.Checked,
			"violations", result.Violations)
	}
	return result, nil
}

func (m *Monitor) raise(ctx context.Context, c *model.Consultation, rec *model.ComplianceRecord, now time.Time) (bool, error) {
	v := &model.SLAViolation{
		ID:               uuid.New(),
		ConsultationID:   c.ID,
		PatientID:        c.PatientID,
		Urgency:          c.Urgency,
		ThresholdMinutes: rec.ThresholdMinutes,
		ElapsedMinutes:   rec.ElapsedMinutes,
		ViolationMinutes: rec.ViolationMinutes,
		Status:           model.ViolationOpen,
		EscalationTarget: m.target(c.Urgency),
		DetectedAt:       now,
		UpdatedAt:        now,
	}

	ev := audit.NewEvent(model.SystemActor(), model.AuditActionWrite, model.ResourceSLAViolation, v.ID, c.PatientID, now)
	ev.Metadata = model.JSONMap{
		"consultation_id":   c.ID.String(),
		"urgency":           string(c.Urgency),
		"violation_minutes": v.ViolationMinutes,
		"escalation_target": v.EscalationTarget,
	}
	if err := audit.Prepare(ev); err != nil {
		return false, err
	}

	escalation, err := model.NewOutboxEvent(model.EventSLAEscalation, c.ID, model.EscalationPayload{
		ViolationID:      v.ID,
		ConsultationID:   c.ID,
		Urgency:          c.Urgency,
		ViolationMinutes: v.ViolationMinutes,
		Target:           v.EscalationTarget,
		DetectedAt:       now,
	}, now)
	if err != nil {
		return false, apperrors.Internal(err)
	}

	created, err := m.repo.CreateViolation(ctx, v, ev, escalation)
	if err != nil {
		return false, err
	}
	if created {
		m.metrics.SLAViolationsTotal.WithLabelValues(string(c.Urgency)).Inc()
		m.metrics.AuditEventsTotal.WithLabelValues(string(ev.Action)).Inc()
	}
	return created, nil
}

// Acknowledge marks an open violation as seen by actor.
func (m *Monitor) Acknowledge(ctx context.Context, id uuid.UUID, actor model.Actor, note string) (*model.SLAViolation, error) {
	return m.move(ctx, id, actor, model.ViolationAcknowledged, note)
}

// Resolve closes an open or acknowledged violation.
func (m *Monitor) Resolve(ctx context.Context, id uuid.UUID, actor model.Actor, note string) (*model.SLAViolation, error) {
	return m.move(ctx, id, actor, model.ViolationResolved, note)
}

func (m *Monitor) move(ctx context.Context, id uuid.UUID, actor model.Actor, to model.ViolationStatus, note string) (*model.SLAViolation, error) {
	v, err := m.repo.GetViolation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !v.Status.CanMoveTo(to) {
		return nil, apperrors.Conflict("violation cannot move from "+string(v.Status)+" to "+string(to), nil).
			WithDetail("current_status", string(v.Status))
	}

	now := m.clock()
	ev := audit.NewEvent(actor, model.AuditActionWrite, model.ResourceSLAViolation, v.ID, v.PatientID, now)
	ev.Metadata = model.JSONMap{
		"consultation_id": v.ConsultationID.String(),
		"from":            string(v.Status),
		"to":              string(to),
	}
	if note = strings.TrimSpace(note); note != "" {
		ev.Metadata["note"] = note
	}
	audit.ApplyAccess(ev, model.AccessRequestFromContext(ctx))
	if err := audit.Prepare(ev); err != nil {
		return nil, err
	}

	ok, err := m.repo.UpdateViolationStatus(ctx, &model.ViolationChange{
		ViolationID: v.ID,
		From:        v.Status,
		To:          to,
		ActorID:     actor.ID,
		At:          now,
		Audit:       ev,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.Conflict("violation was updated concurrently", nil)
	}
	m.metrics.AuditEventsTotal.WithLabelValues(string(ev.Action)).Inc()
	m.logger.Info("sla violation updated",
		"violation_id", v.ID.String(),
		"status", string(to),
		"actor_id", actor.ID.String())
	return m.repo.GetViolation(ctx, id)
}

func (m *Monitor) Get(ctx context.Context, id uuid.UUID) (*model.SLAViolation, error) {
	return m.repo.GetViolation(ctx, id)
}

func (m *Monitor) GetByConsultation(ctx context.Context, consultationID uuid.UUID) (*model.SLAViolation, error) {
	return m.repo.GetViolationByConsultation(ctx, consultationID)
}

func (m *Monitor) List(ctx context.Context, filter *model.SLAViolationFilter) ([]*model.SLAViolation, error) {
	return m.repo.ListViolations(ctx, filter)
}
