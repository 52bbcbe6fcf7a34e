package safety

import (
	"context"
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

// profileFields are the protected fields every evaluation reads.
var profileFields = []string{"age_years", "weight_kg", "allergies", "current_medications", "renal_impairment", "hepatic_impairment"}

type Service struct {
	repo       repository.SafetyCheckRepository
	reference  InteractionReference
	validator  validator.Validator
	metrics    *metrics.Metrics
	logger     *logger.Logger
	maxMgPerKg float64
	now        func() time.Time
}

type Option func(*Service)

// WithMaxMgPerKg sets the weight-based ceiling used when a label has none.
func WithMaxMgPerKg(v float64) Option {
	return func(s *Service) { s.maxMgPerKg = v }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(
	repo repository.SafetyCheckRepository,
	reference InteractionReference,
	v validator.Validator,
	m *metrics.Metrics,
	log *logger.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		repo:      repo,
		reference: reference,
		validator: v,
		metrics:   m,
		logger:    log.WithComponent("safety"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Evaluate checks the proposed medications against the patient profile,
// persists the result and writes one safety-check audit event in the same
// transaction. Clinical findings are returned in the result, never as errors.
func (s *Service) Evaluate(ctx context.Context, actor model.Actor, req *model.SafetyRequest) (*model.SafetyCheckResult, error) {
	if req == nil {
		return nil, apperrors.InvalidInput("safety request is required", nil)
	}
	if err := s.validator.Validate(req); err != nil {
		return nil, err
	}
	drafts, err := parseDrafts(req.DraftFindings, s.validator)
	if err != nil {
		return nil, err
	}

	res, err := s.assess(ctx, req)
	if err != nil {
		return nil, err
	}
	res.ID = uuid.New()
	res.PatientID = req.PatientID
	res.ConsultationID = req.ConsultationID
	res.EvaluatedAt = s.now().UTC()
	res.UnverifiedDraftFindings = unconfirmed(drafts, res)

	ev := audit.NewEvent(actor, model.AuditActionSafetyCheck, model.ResourceSafetyCheck, res.ID, req.PatientID, res.EvaluatedAt)
	ev.PHIFields = profileFields
	ev.Metadata = model.JSONMap{
		"verdict":           string(res.Verdict),
		"interactions":      len(res.Interactions),
		"allergy_conflicts": len(res.AllergyConflicts),
		"dosage_warnings":   len(res.DosageWarnings),
		"unverified_drafts": len(res.UnverifiedDraftFindings),
	}
	if req.ConsultationID != nil {
		ev.Metadata["consultation_id"] = req.ConsultationID.String()
	}
	audit.ApplyAccess(ev, model.AccessRequestFromContext(ctx))
	if err := audit.Prepare(ev); err != nil {
		s.metrics.AuditWriteFailures.Inc()
		return nil, err
	}

	if err := s.repo.Create(ctx, res, ev); err != nil {
		s.metrics.AuditWriteFailures.Inc()
		s.logger.Error(err, "failed to persist safety check", "patient_id", req.PatientID.String())
		return nil, err
	}

	s.metrics.SafetyChecksTotal.WithLabelValues(string(res.Verdict)).Inc()
	s.metrics.AuditEventsTotal.WithLabelValues(string(ev.Action)).Inc()
	s.logger.Debug("safety check evaluated",
		"safety_check_id", res.ID.String(),
		"verdict", string(res.Verdict))
	return res, nil
}

// Lookup returns a previously persisted result.
func (s *Service) Lookup(ctx context.Context, id uuid.UUID) (*model.SafetyCheckResult, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) assess(ctx context.Context, req *model.SafetyRequest) (*model.SafetyCheckResult, error) {
	interactions, err := s.checkInteractions(ctx, req)
	if err != nil {
		return nil, err
	}
	res := &model.SafetyCheckResult{
		Verdict:          model.VerdictSafe,
		Interactions:     interactions,
		AllergyConflicts: checkAllergies(req.Proposed, req.Profile.Allergies),
		DosageWarnings:   checkDosage(req.Proposed, req.Profile, s.maxMgPerKg),
	}
	if res.Interactions == nil {
		res.Interactions = []model.InteractionFinding{}
	}
	if res.AllergyConflicts == nil {
		res.AllergyConflicts = []model.AllergyConflict{}
	}
	if res.DosageWarnings == nil {
		res.DosageWarnings = []model.DosageWarning{}
	}

	for _, f := range res.Interactions {
		if f.Severity == model.InteractionCritical {
			res.Verdict = model.VerdictUnsafe
			res.RequiresPharmacistReview = true
		} else {
			res.Verdict = model.WorstVerdict(res.Verdict, model.VerdictCaution)
		}
	}
	for _, c := range res.AllergyConflicts {
		if c.Severity == model.AllergyHigh {
			res.Verdict = model.VerdictUnsafe
			res.RequiresPharmacistReview = true
		} else {
			res.Verdict = model.WorstVerdict(res.Verdict, model.VerdictCaution)
		}
	}
	if len(res.DosageWarnings) > 0 {
		res.Verdict = model.WorstVerdict(res.Verdict, model.VerdictCaution)
	}
	res.RequiresProviderAcknowledgment = res.Verdict == model.VerdictCaution
	return res, nil
}

type medRef struct {
	name     string
	class    string
	proposed bool
}

func (m medRef) matches(ref string) bool {
	ref = normalize(ref)
	return ref == normalize(m.name) || (m.class != "" && ref == m.class)
}

var interactionRank = map[model.InteractionSeverity]int{
	model.InteractionMild: 1, model.InteractionModerate: 2, model.InteractionCritical: 3,
}

// checkInteractions looks at proposed × current and proposed × proposed
// pairs. Pairs made only of current medications are not reassessed.
func (s *Service) checkInteractions(ctx context.Context, req *model.SafetyRequest) ([]model.InteractionFinding, error) {
	var meds []medRef
	var names []string
	for _, p := range req.Proposed {
		m := medRef{name: p.Name, class: classOf(p.Name, p.DrugClass), proposed: true}
		meds = append(meds, m)
		names = append(names, m.name, m.class)
	}
	for _, c := range req.Profile.CurrentMedications {
		m := medRef{name: c, class: classOf(c, "")}
		meds = append(meds, m)
		names = append(names, m.name, m.class)
	}

	found, err := s.reference.Lookup(ctx, names)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}

	var out []model.InteractionFinding
	index := make(map[string]int)
	for i := 0; i < len(meds); i++ {
		for j := i + 1; j < len(meds); j++ {
			a, b := meds[i], meds[j]
			if !a.proposed && !b.proposed {
				continue
			}
			if normalize(a.name) == normalize(b.name) {
				continue
			}
			for _, in := range found {
				if !(a.matches(in.MedicationAName) && b.matches(in.MedicationBName)) &&
					!(a.matches(in.MedicationBName) && b.matches(in.MedicationAName)) {
					continue
				}
				f := model.InteractionFinding{
					MedicationA:    a.name,
					MedicationB:    b.name,
					Severity:       in.Severity,
					Description:    in.Description,
					Recommendation: in.Management,
				}
				if f.Recommendation == "" {
					f.Recommendation = "Review the combination before prescribing"
				}
				key := pairKey(a.name, b.name)
				if k, seen := index[key]; seen {
					if interactionRank[f.Severity] > interactionRank[out[k].Severity] {
						out[k] = f
					}
					continue
				}
				index[key] = len(out)
				out = append(out, f)
			}
		}
	}
	return out, nil
}
