package consultation

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
	"github.com/jwalitptl/consult-core/pkg/validator"
)

const (
	defaultMaxRetries = 3
	maxReasonLength   = 2000
)

// SafetyEvaluator runs or retrieves medication safety checks.
type SafetyEvaluator interface {
	Evaluate(ctx context.Context, actor model.Actor, req *model.SafetyRequest) (*model.SafetyCheckResult, error)
	Lookup(ctx context.Context, id uuid.UUID) (*model.SafetyCheckResult, error)
}

// AuditRecorder writes standalone audit events such as reads.
type AuditRecorder interface {
	Record(ctx context.Context, e *model.AuditEvent) error
}

type Service struct {
	repo       repository.ConsultationRepository
	safety     SafetyEvaluator
	audit      AuditRecorder
	validator  validator.Validator
	metrics    *metrics.Metrics
	logger     *logger.Logger
	maxRetries int
	now        func() time.Time
}

type Option func(*Service)

// WithMaxRetries bounds how often a transition is re-evaluated after losing
// an optimistic concurrency race.
func WithMaxRetries(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(
	repo repository.ConsultationRepository,
	safety SafetyEvaluator,
	recorder AuditRecorder,
	v validator.Validator,
	m *metrics.Metrics,
	log *logger.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		repo:       repo,
		safety:     safety,
		audit:      recorder,
		validator:  v,
		metrics:    m,
		logger:     log.WithComponent("consultation"),
		maxRetries: defaultMaxRetries,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Create opens a consultation in the pending state.
func (s *Service) Create(ctx context.Context, actor model.Actor, in *model.NewConsultation) (*model.Consultation, error) {
	if in == nil {
		return nil, apperrors.InvalidInput("consultation is required", nil)
	}
	if err := s.validator.Validate(in); err != nil {
		return nil, err
	}

	now := s.clock()
	c := &model.Consultation{
		ID:             uuid.New(),
		PatientID:      in.PatientID,
		Status:         model.StatusPending,
		Urgency:        in.Urgency,
		RiskLevel:      in.RiskLevel,
		ChiefComplaint: in.ChiefComplaint,
		Symptoms:       model.Symptoms(in.Symptoms),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if c.RiskLevel == "" {
		c.RiskLevel = model.RiskLow
	}
	if c.Symptoms == nil {
		c.Symptoms = model.Symptoms{}
	}

	ev := audit.NewEvent(actor, model.AuditActionWrite, model.ResourceConsultation, c.ID, c.PatientID, now)
	ev.PHIFields = []string{"chief_complaint", "symptoms", "urgency", "risk_level"}
	ev.Metadata = model.JSONMap{"status": string(c.Status)}
	audit.ApplyAccess(ev, model.AccessRequestFromContext(ctx))
	if err := audit.Prepare(ev); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, c, ev); err != nil {
		s.logger.Error(err, "failed to create consultation", "patient_id", c.PatientID.String())
		return nil, err
	}
	s.logger.Info("consultation created",
		"consultation_id", c.ID.String(),
		"urgency", string(c.Urgency))
	return c, nil
}

// Get returns a consultation after auditing the read. Actors other than the
// patient and the assigned provider must state a justification; if the
// audit write fails the read fails.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor model.Actor, access model.AccessRequest) (*model.Consultation, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.auditRead(ctx, c, model.ResourceConsultation, c.ID, actor, access,
		[]string{"chief_complaint", "symptoms", "risk_level"}); err != nil {
		return nil, err
	}
	return c, nil
}

// History returns the transition records of a consultation, audited like Get.
func (s *Service) History(ctx context.Context, id uuid.UUID, actor model.Actor, access model.AccessRequest) ([]*model.StateTransitionRecord, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := s.repo.ListTransitions(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.auditRead(ctx, c, model.ResourceTransition, c.ID, actor, access, []string{"status"}); err != nil {
		return nil, err
	}
	return records, nil
}

// List returns matching consultations; every returned consultation is audited
// as a read.
func (s *Service) List(ctx context.Context, actor model.Actor, access model.AccessRequest, filter *model.ConsultationFilter) ([]*model.Consultation, error) {
	items, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	for _, c := range items {
		if err := s.auditRead(ctx, c, model.ResourceConsultation, c.ID, actor, access,
			[]string{"chief_complaint", "urgency"}); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (s *Service) auditRead(ctx context.Context, c *model.Consultation, resourceType string, resourceID uuid.UUID,
	actor model.Actor, access model.AccessRequest, fields []string) error {
	ev := audit.NewEvent(actor, model.AuditActionRead, resourceType, resourceID, c.PatientID, s.clock())
	ev.PHIFields = fields
	ev.RequiresJustification = !c.IsParticipant(actor.ID) && actor.Role != model.RoleSystem
	audit.ApplyAccess(ev, access)
	return s.audit.Record(ctx, ev)
}

// LegalTransitions exposes the allowed destinations so clients can self-correct.
func LegalTransitions(from model.Status) []model.Status {
	return AllowedTransitions(from)
}

// RequestTransition moves a consultation to target. Checks run in order:
// terminal state, transition table, required context, safety gate. On
// success the status update, transition record, audit event and outbox event
// commit together. A concurrent change re-reads the consultation and
// evaluates the request again against the fresh state.
func (s *Service) RequestTransition(ctx context.Context, id uuid.UUID, target model.Status, actor model.Actor, tc model.TransitionContext) (*model.Consultation, error) {
	var safetyResult *model.SafetyCheckResult

	for attempt := 0; ; attempt++ {
		current, err := s.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		if err := ValidateTransition(current.Status, target); err != nil {
			s.reject(current, target, err)
			return nil, err
		}
		if err := validateContext(target, tc); err != nil {
			s.reject(current, target, err)
			return nil, err
		}

		if target == model.StatusPrescriptionApproved {
			if safetyResult == nil {
				safetyResult, err = s.resolveSafety(ctx, actor, current, tc)
				if err != nil {
					s.reject(current, target, err)
					return nil, err
				}
			}
			if err := gate(safetyResult, tc); err != nil {
				s.reject(current, target, err)
				return nil, err
			}
		}

		change, err := s.buildChange(ctx, current, target, actor, tc, safetyResult)
		if err != nil {
			return nil, err
		}

		applied, err := s.repo.ApplyTransition(ctx, change)
		if err != nil {
			s.metrics.TransitionsTotal.WithLabelValues(string(target), "error").Inc()
			s.logger.Error(err, "failed to apply transition",
				"consultation_id", id.String(),
				"from", string(current.Status),
				"to", string(target))
			return nil, err
		}
		if applied {
			s.metrics.TransitionsTotal.WithLabelValues(string(target), "success").Inc()
			s.metrics.AuditEventsTotal.WithLabelValues(string(change.Audit.Action)).Inc()
			s.logger.Info("consultation transitioned",
				"consultation_id", id.String(),
				"from", string(current.Status),
				"to", string(target),
				"actor_id", actor.ID.String())
			return change.Consultation, nil
		}

		s.metrics.TransitionConflicts.Inc()
		if attempt >= s.maxRetries {
			s.metrics.TransitionsTotal.WithLabelValues(string(target), "conflict").Inc()
			return nil, apperrors.Conflict("consultation was modified concurrently, retry the request", nil)
		}
		s.logger.Debug("transition lost a concurrent update, re-evaluating",
			"consultation_id", id.String(),
			"attempt", attempt+1)
	}
}

func (s *Service) reject(c *model.Consultation, target model.Status, err error) {
	s.metrics.TransitionsTotal.WithLabelValues(string(target), "rejected").Inc()
	s.logger.Debug("transition rejected",
		"consultation_id", c.ID.String(),
		"from", string(c.Status),
		"to", string(target),
		"code", apperrors.CodeOf(err).String())
}

// validateContext enforces the data each destination needs.
func validateContext(target model.Status, tc model.TransitionContext) error {
	if tc.RiskLevel != "" && !tc.RiskLevel.Valid() {
		return apperrors.InvalidInput("unknown risk level", nil).WithDetail("risk_level", string(tc.RiskLevel))
	}
	if tc.Urgency != "" && !tc.Urgency.Valid() {
		return apperrors.InvalidInput("unknown urgency", nil).WithDetail("urgency", string(tc.Urgency))
	}
	if len(tc.Reason) > maxReasonLength || len(tc.DraftNote) > maxReasonLength {
		return apperrors.InvalidInput("reason and draft note are limited to 2000 characters", nil)
	}

	switch target {
	case model.StatusAssigned:
		if tc.ProviderID == nil || *tc.ProviderID == uuid.Nil {
			return apperrors.MissingContext(string(target), "provider_id")
		}
	case model.StatusPrescriptionApproved:
		if tc.SafetyCheckID == nil && tc.SafetyInput == nil {
			return apperrors.MissingContext(string(target), "safety_check_id")
		}
	}
	return nil
}

// resolveSafety loads the referenced safety check or runs one inline. A
// check that belongs to another patient or consultation does not count.
func (s *Service) resolveSafety(ctx context.Context, actor model.Actor, c *model.Consultation, tc model.TransitionContext) (*model.SafetyCheckResult, error) {
	if tc.SafetyCheckID != nil {
		res, err := s.safety.Lookup(ctx, *tc.SafetyCheckID)
		if err != nil {
			if apperrors.HasCode(err, apperrors.ErrNotFound) {
				return nil, apperrors.MissingContext(string(model.StatusPrescriptionApproved), "safety_check_id").
					WithDetail("safety_check_id", tc.SafetyCheckID.String())
			}
			return nil, err
		}
		if res.PatientID != c.PatientID || (res.ConsultationID != nil && *res.ConsultationID != c.ID) {
			return nil, apperrors.MissingContext(string(model.StatusPrescriptionApproved), "safety_check_id").
				WithDetail("reason", "safety check belongs to a different patient or consultation")
		}
		return res, nil
	}

	req := *tc.SafetyInput
	if req.PatientID == uuid.Nil {
		req.PatientID = c.PatientID
	}
	if req.PatientID != c.PatientID {
		return nil, apperrors.MissingContext(string(model.StatusPrescriptionApproved), "safety_input").
			WithDetail("reason", "safety input is for a different patient")
	}
	consultationID := c.ID
	req.ConsultationID = &consultationID
	return s.safety.Evaluate(ctx, actor, &req)
}

// gate blocks unsafe verdicts outright and caution verdicts without an
// explicit provider acknowledgment.
func gate(res *model.SafetyCheckResult, tc model.TransitionContext) error {
	details := map[string]interface{}{
		"safety_check_id":            res.ID.String(),
		"verdict":                    string(res.Verdict),
		"requires_pharmacist_review": res.RequiresPharmacistReview,
	}
	switch res.Verdict {
	case model.VerdictUnsafe:
		return apperrors.UnsafeTransition("safety check verdict is unsafe", details)
	case model.VerdictCaution:
		if !tc.ProviderAcknowledged {
			details["requires_provider_acknowledgment"] = true
			return apperrors.UnsafeTransition("caution verdict requires provider acknowledgment", details)
		}
	case model.VerdictSafe:
	default:
		return apperrors.UnsafeTransition("safety check has no verdict", details)
	}
	return nil
}

func (s *Service) buildChange(ctx context.Context, current *model.Consultation, target model.Status, actor model.Actor,
	tc model.TransitionContext, safetyResult *model.SafetyCheckResult) (*model.TransitionChange, error) {
	now := s.clock()
	if now.Before(current.CreatedAt) {
		now = current.CreatedAt
	}

	next := current.Clone()
	next.Status = target
	next.Version = current.Version + 1
	if tc.RiskLevel != "" {
		next.RiskLevel = model.MaxRisk(current.RiskLevel, tc.RiskLevel)
	}
	if target == model.StatusTriaged && tc.Urgency != "" {
		next.Urgency = tc.Urgency
	}
	if target == model.StatusAssigned {
		pid := *tc.ProviderID
		next.ProviderID = &pid
	}
	stamp(next, target, now)

	recCtx := model.JSONMap{}
	if next.ProviderID != nil && target == model.StatusAssigned {
		recCtx["provider_id"] = next.ProviderID.String()
	}
	if safetyResult != nil {
		recCtx["safety_check_id"] = safetyResult.ID.String()
		recCtx["verdict"] = string(safetyResult.Verdict)
		recCtx["provider_acknowledged"] = tc.ProviderAcknowledged
	}
	if next.RiskLevel != current.RiskLevel {
		recCtx["risk_level"] = string(next.RiskLevel)
	}
	if next.Urgency != current.Urgency {
		recCtx["urgency"] = string(next.Urgency)
	}
	if note := strings.TrimSpace(tc.DraftNote); note != "" {
		recCtx["untrusted_draft_note"] = note
	}

	rec := &model.StateTransitionRecord{
		ID:             uuid.New(),
		ConsultationID: current.ID,
		FromState:      current.Status,
		ToState:        target,
		ActorID:        actor.ID,
		ActorRole:      actor.Role,
		Context:        recCtx,
		CreatedAt:      now,
	}
	if reason := strings.TrimSpace(tc.Reason); reason != "" {
		rec.Reason = &reason
	}

	ev := audit.NewEvent(actor, model.AuditActionTransition, model.ResourceConsultation, current.ID, current.PatientID, now)
	ev.PHIFields = []string{"status"}
	ev.Metadata = model.JSONMap{
		"transition_id": rec.ID.String(),
		"from":          string(current.Status),
		"to":            string(target),
	}
	audit.ApplyAccess(ev, model.AccessRequestFromContext(ctx))
	if err := audit.Prepare(ev); err != nil {
		return nil, err
	}

	outbox, err := model.NewOutboxEvent(model.EventConsultationTransitioned, current.ID, model.TransitionPayload{
		ConsultationID: current.ID,
		FromState:      current.Status,
		ToState:        target,
		ActorRole:      actor.Role,
		At:             now,
	}, now)
	if err != nil {
		return nil, apperrors.Internal(err)
	}

	return &model.TransitionChange{
		Consultation:    next,
		ExpectedStatus:  current.Status,
		ExpectedVersion: current.Version,
		Record:          rec,
		Audit:           ev,
		Outbox:          outbox,
	}, nil
}
