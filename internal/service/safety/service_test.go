package safety

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/internal/repository/memory"
	apperrors "github.com/jwalitptl/consult-core/pkg/errors"
	"github.com/jwalitptl/consult-core/pkg/logger"
	"github.com/jwalitptl/consult-core/pkg/metrics"
	"github.com/jwalitptl/consult-core/pkg/validator"
)

var evalTime = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	store   *memory.Store
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, ref InteractionReference, opts ...Option) *fixture {
	t.Helper()
	store := memory.NewStore()
	m := metrics.New("test", prometheus.NewRegistry())
	if ref == nil {
		ref = NewStaticReference()
	}
	opts = append([]Option{WithClock(func() time.Time { return evalTime })}, opts...)
	svc := NewService(store.SafetyChecks(), ref, validator.New(), m, logger.Nop(), opts...)
	return &fixture{svc: svc, store: store, metrics: m}
}

func pharmacist() model.Actor {
	return model.Actor{ID: uuid.New(), Role: model.RolePharmacist}
}

func adult() model.PatientProfile {
	return model.PatientProfile{AgeYears: 45, WeightKg: 80}
}

func request(profile model.PatientProfile, proposed ...string) *model.SafetyRequest {
	req := &model.SafetyRequest{PatientID: uuid.New(), Profile: profile}
	for _, p := range proposed {
		req.Proposed = append(req.Proposed, model.ProposedMedication{Name: p})
	}
	return req
}

func TestEvaluate_CleanResultIsSafeAndAudited(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Evaluate(context.Background(), pharmacist(), request(adult(), "amoxicillin"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictSafe, res.Verdict)
	assert.False(t, res.RequiresPharmacistReview)
	assert.False(t, res.RequiresProviderAcknowledgment)
	assert.Empty(t, res.Interactions)
	assert.Equal(t, evalTime, res.EvaluatedAt)

	events := f.store.AuditEvents()
	require.Len(t, events, 1)
	assert.Equal(t, model.AuditActionSafetyCheck, events[0].Action)
	assert.Equal(t, res.ID, events[0].ResourceID)
	assert.Equal(t, "safe", events[0].Metadata["verdict"])

	stored, err := f.svc.Lookup(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Verdict, stored.Verdict)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SafetyChecksTotal.WithLabelValues("safe")))
}

func TestEvaluate_CriticalInteractionIsUnsafe(t *testing.T) {
	f := newFixture(t, nil)
	profile := adult()
	profile.CurrentMedications = []string{"Warfarin"}

	res, err := f.svc.Evaluate(context.Background(), pharmacist(), request(profile, "ibuprofen"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictUnsafe, res.Verdict)
	assert.True(t, res.RequiresPharmacistReview)
	assert.False(t, res.RequiresProviderAcknowledgment)
	require.Len(t, res.Interactions, 1)
	assert.Equal(t, model.InteractionCritical, res.Interactions[0].Severity)
	assert.NotEmpty(t, res.Interactions[0].Recommendation)
}

func TestEvaluate_ModerateInteractionIsCaution(t *testing.T) {
	f := newFixture(t, nil)
	profile := adult()
	profile.CurrentMedications = []string{"clopidogrel"}

	res, err := f.svc.Evaluate(context.Background(), pharmacist(), request(profile, "omeprazole"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictCaution, res.Verdict)
	assert.False(t, res.RequiresPharmacistReview)
	assert.True(t, res.RequiresProviderAcknowledgment)
}

func TestEvaluate_ProposedPairsAreChecked(t *testing.T) {
	f := newFixture(t, nil)

	res, err := f.svc.Evaluate(context.Background(), pharmacist(), request(adult(), "sertraline", "phenelzine"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictUnsafe, res.Verdict)
	require.Len(t, res.Interactions, 1)
	assert.Equal(t, "sertraline", res.Interactions[0].MedicationA)
	assert.Equal(t, "phenelzine", res.Interactions[0].MedicationB)
}

func TestEvaluate_CurrentOnlyPairsIgnored(t *testing.T) {
	f := newFixture(t, nil)
	profile := adult()
	profile.CurrentMedications = []string{"warfarin", "aspirin"}

	res, err := f.svc.Evaluate(context.Background(), pharmacist(), request(profile, "amoxicillin"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictSafe, res.Verdict)
}

func TestEvaluate_Allergies(t *testing.T) {
	tests := []struct {
		name      string
		allergy   model.Allergy
		proposed  string
		verdict   model.Verdict
		match     model.AllergyMatch
		pharmRev  bool
		conflicts int
	}{
		{"direct high", model.Allergy{Allergen: "Amoxicillin", Severity: model.AllergyHigh}, "amoxicillin", model.VerdictUnsafe, model.AllergyMatchDirect, true, 1},
		{"class allergen", model.Allergy{Allergen: "penicillin", Severity: model.AllergyModerate}, "ampicillin", model.VerdictCaution, model.AllergyMatchDirect, false, 1},
		{"cross reactive high", model.Allergy{Allergen: "penicillin", Severity: model.AllergyHigh}, "cephalexin", model.VerdictUnsafe, model.AllergyMatchCrossReactive, true, 1},
		{"cross reactive low", model.Allergy{Allergen: "amoxicillin", Severity: model.AllergyLow}, "meropenem", model.VerdictCaution, model.AllergyMatchCrossReactive, false, 1},
		{"nsaid class", model.Allergy{Allergen: "aspirin", Severity: model.AllergyModerate}, "naproxen", model.VerdictCaution, model.AllergyMatchDirect, false, 1},
		{"unrelated", model.Allergy{Allergen: "latex", Severity: model.AllergyHigh}, "azithromycin", model.VerdictSafe, "", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			profile := adult()
			profile.Allergies = []model.Allergy{tt.allergy}

			res, err := f.svc.Evaluate(context.Background(), pharmacist(), request(profile, tt.proposed))
			require.NoError(t, err)
			assert.Equal(t, tt.verdict, res.Verdict)
			assert.Equal(t, tt.pharmRev, res.RequiresPharmacistReview)
			require.Len(t, res.AllergyConflicts, tt.conflicts)
			if tt.conflicts > 0 {
				assert.Equal(t, tt.match, res.AllergyConflicts[0].MatchType)
				assert.Equal(t, tt.allergy.Severity, res.AllergyConflicts[0].Severity)
			}
		})
	}
}

func TestEvaluate_DosageNeverUnsafe(t *testing.T) {
	f := newFixture(t, nil, WithMaxMgPerKg(20))
	profile := model.PatientProfile{AgeYears: 8, WeightKg: 25, RenalImpairment: true, HepaticImpairment: true}
	req := &model.SafetyRequest{
		PatientID: uuid.New(),
		Profile:   profile,
		Proposed: []model.ProposedMedication{
			{Name: "ciprofloxacin", DoseMg: 250}, // under age, renal
			{Name: "acetaminophen", DoseMg: 500}, // 20 mg/kg over 15, hepatic
			{Name: "ondansetron", DoseMg: 1000},  // no label: global ceiling
		},
	}

	res, err := f.svc.Evaluate(context.Background(), pharmacist(), req)
	require.NoError(t, err)
	assert.Equal(t, model.VerdictCaution, res.Verdict)
	assert.True(t, res.RequiresProviderAcknowledgment)
	assert.False(t, res.RequiresPharmacistReview)

	kinds := map[string][]model.DosageWarningKind{}
	for _, w := range res.DosageWarnings {
		kinds[w.Medication] = append(kinds[w.Medication], w.Kind)
	}
	assert.ElementsMatch(t, []model.DosageWarningKind{model.DosageAge, model.DosageRenal}, kinds["ciprofloxacin"])
	assert.ElementsMatch(t, []model.DosageWarningKind{model.DosageWeight, model.DosageHepatic}, kinds["acetaminophen"])
	assert.ElementsMatch(t, []model.DosageWarningKind{model.DosageWeight}, kinds["ondansetron"])
}

func TestEvaluate_SuppliedLabelOverridesBuiltin(t *testing.T) {
	f := newFixture(t, nil)
	minAge := 2
	req := &model.SafetyRequest{
		PatientID: uuid.New(),
		Profile:   model.PatientProfile{AgeYears: 10, WeightKg: 30},
		Proposed:  []model.ProposedMedication{{Name: "aspirin", DoseMg: 100, Label: &model.MedicationLabel{MinAgeYears: &minAge}}},
	}

	res, err := f.svc.Evaluate(context.Background(), pharmacist(), req)
	require.NoError(t, err)
	assert.Equal(t, model.VerdictSafe, res.Verdict)
}

func TestEvaluate_DraftFindingsNeverSetVerdict(t *testing.T) {
	f := newFixture(t, nil)
	profile := adult()
	profile.CurrentMedications = []string{"warfarin"}
	req := request(profile, "ibuprofen")
	req.DraftFindings = json.RawMessage(`[
		{"kind": "interaction", "medication": "ibuprofen", "subject": "warfarin", "severity": "mild"},
		{"kind": "allergy", "medication": "ibuprofen", "subject": "sulfa", "severity": "high"}
	]`)

	res, err := f.svc.Evaluate(context.Background(), pharmacist(), req)
	require.NoError(t, err)
	assert.Equal(t, model.VerdictUnsafe, res.Verdict)
	assert.Equal(t, model.InteractionCritical, res.Interactions[0].Severity)
	assert.Empty(t, res.AllergyConflicts)
	require.Len(t, res.UnverifiedDraftFindings, 1)
	assert.Equal(t, "allergy", res.UnverifiedDraftFindings[0].Kind)
}

func TestEvaluate_DraftClaimingDangerDoesNotMakeSafeUnsafe(t *testing.T) {
	f := newFixture(t, nil)
	req := request(adult(), "amoxicillin")
	req.DraftFindings = json.RawMessage(`{"findings": [{"kind": "interaction", "medication": "amoxicillin", "severity": "critical"}]}`)

	res, err := f.svc.Evaluate(context.Background(), pharmacist(), req)
	require.NoError(t, err)
	assert.Equal(t, model.VerdictSafe, res.Verdict)
	assert.Len(t, res.UnverifiedDraftFindings, 1)
}

func TestEvaluate_MalformedInput(t *testing.T) {
	tests := []struct {
		name string
		req  *model.SafetyRequest
	}{
		{"nil", nil},
		{"no medications", &model.SafetyRequest{PatientID: uuid.New(), Profile: adult()}},
		{"missing weight", &model.SafetyRequest{PatientID: uuid.New(), Proposed: []model.ProposedMedication{{Name: "x"}}, Profile: model.PatientProfile{AgeYears: 3}}},
		{"bad allergy severity", func() *model.SafetyRequest {
			r := request(adult(), "x")
			r.Profile.Allergies = []model.Allergy{{Allergen: "latex", Severity: "extreme"}}
			return r
		}()},
		{"draft not json", func() *model.SafetyRequest {
			r := request(adult(), "x")
			r.DraftFindings = json.RawMessage(`diagnosis: flu`)
			return r
		}()},
		{"draft unknown kind", func() *model.SafetyRequest {
			r := request(adult(), "x")
			r.DraftFindings = json.RawMessage(`[{"kind": "verdict", "medication": "x"}]`)
			return r
		}()},
		{"draft extra field", func() *model.SafetyRequest {
			r := request(adult(), "x")
			r.DraftFindings = json.RawMessage(`[{"kind": "dosage", "medication": "x", "verdict": "safe"}]`)
			return r
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			_, err := f.svc.Evaluate(context.Background(), pharmacist(), tt.req)
			require.Error(t, err)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrInvalidInput))
			assert.Empty(t, f.store.AuditEvents())
		})
	}
}

func TestEvaluate_AuditFailureFailsClosed(t *testing.T) {
	f := newFixture(t, nil)
	f.store.InjectFault(memory.OpInsertAudit, apperrors.StorageUnavailable("", errors.New("timeout")))

	_, err := f.svc.Evaluate(context.Background(), pharmacist(), request(adult(), "amoxicillin"))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrStorageUnavailable))
	assert.Empty(t, f.store.AuditEvents())
}

func TestEvaluate_EachCallAuditedOnce(t *testing.T) {
	f := newFixture(t, nil)
	for i := 0; i < 5; i++ {
		_, err := f.svc.Evaluate(context.Background(), pharmacist(), request(adult(), "cephalexin"))
		require.NoError(t, err)
	}
	assert.Len(t, f.store.AuditEvents(), 5)
}

func TestCachedReference(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()
	require.NoError(t, store.Interactions().Upsert(ctx, &model.DrugInteraction{
		MedicationAName: "Drug-A", MedicationBName: "drug-b", Severity: model.InteractionCritical, Management: "avoid",
	}))
	m := metrics.New("test", prometheus.NewRegistry())
	ref := NewCachedReference(store.Interactions(), time.Minute, m)

	found, err := ref.Lookup(ctx, []string{"drug-b", "DRUG-A"})
	require.NoError(t, err)
	require.Len(t, found, 1)

	_, err = ref.Lookup(ctx, []string{"drug-a", "drug-b"})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InteractionCache.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InteractionCache.WithLabelValues("hit")))

	// chained with the builtin table, the stored interaction drives the verdict
	f := newFixture(t, Chain{ref, NewStaticReference()})
	profile := adult()
	profile.CurrentMedications = []string{"drug-a"}
	res, err := f.svc.Evaluate(ctx, pharmacist(), request(profile, "drug-b"))
	require.NoError(t, err)
	assert.Equal(t, model.VerdictUnsafe, res.Verdict)
}

type failingReference struct{ err error }

func (r failingReference) Lookup(context.Context, []string) ([]*model.DrugInteraction, error) {
	return nil, r.err
}

func TestEvaluate_ReferenceUnavailable(t *testing.T) {
	f := newFixture(t, failingReference{err: apperrors.StorageUnavailable("", nil)})

	_, err := f.svc.Evaluate(context.Background(), pharmacist(), request(adult(), "amoxicillin"))
	assert.True(t, apperrors.Retryable(err))
	assert.Empty(t, f.store.AuditEvents())
}
