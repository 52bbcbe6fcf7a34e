package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_IsTerminal(t *testing.T) {
	for _, s := range AllStatuses {
		want := s == StatusCompleted || s == StatusCancelled
		assert.Equal(t, want, s.IsTerminal(), s)
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("in_review")
	require.NoError(t, err)
	assert.Equal(t, StatusInReview, s)

	_, err = ParseStatus("archived")
	assert.Error(t, err)
}

func TestMaxRisk_NeverLowers(t *testing.T) {
	assert.Equal(t, RiskHigh, MaxRisk(RiskHigh, RiskLow))
	assert.Equal(t, RiskCritical, MaxRisk(RiskModerate, RiskCritical))
	assert.Equal(t, RiskModerate, MaxRisk(RiskModerate, ""))
}

func TestWorstVerdict(t *testing.T) {
	assert.Equal(t, VerdictUnsafe, WorstVerdict(VerdictCaution, VerdictUnsafe))
	assert.Equal(t, VerdictCaution, WorstVerdict(VerdictCaution, VerdictSafe))
	assert.Equal(t, VerdictSafe, WorstVerdict(VerdictSafe, VerdictSafe))
}

func TestConsultation_CloneIsDeep(t *testing.T) {
	provider := uuid.New()
	now := time.Now()
	c := &Consultation{
		ID:         uuid.New(),
		ProviderID: &provider,
		AssignedAt: &now,
		Symptoms:   Symptoms{{Name: "cough"}},
	}

	cp := c.Clone()
	*cp.ProviderID = uuid.New()
	*cp.AssignedAt = now.Add(time.Hour)
	cp.Symptoms[0].Name = "fever"

	assert.Equal(t, provider, *c.ProviderID)
	assert.Equal(t, now, *c.AssignedAt)
	assert.Equal(t, "cough", c.Symptoms[0].Name)
}

func TestConsultation_IsParticipant(t *testing.T) {
	patient, provider := uuid.New(), uuid.New()
	c := &Consultation{PatientID: patient}

	assert.True(t, c.IsParticipant(patient))
	assert.False(t, c.IsParticipant(provider))

	c.ProviderID = &provider
	assert.True(t, c.IsParticipant(provider))
	assert.False(t, c.IsParticipant(uuid.New()))
}

func TestSLAThresholds_Defaults(t *testing.T) {
	th := DefaultSLAThresholds()
	assert.Equal(t, 30, th.Minutes(UrgencyUrgent))
	assert.Equal(t, 120, th.Minutes(UrgencyHigh))
	assert.Equal(t, 480, th.Minutes(UrgencyMedium))
	assert.Equal(t, 1440, th.Minutes(UrgencyRoutine))
	assert.Equal(t, 1440, th.Minutes(Urgency("unknown")))
}

func TestViolationStatus_CanMoveTo(t *testing.T) {
	assert.True(t, ViolationOpen.CanMoveTo(ViolationAcknowledged))
	assert.True(t, ViolationOpen.CanMoveTo(ViolationResolved))
	assert.True(t, ViolationAcknowledged.CanMoveTo(ViolationResolved))
	assert.False(t, ViolationAcknowledged.CanMoveTo(ViolationOpen))
	assert.False(t, ViolationResolved.CanMoveTo(ViolationOpen))
	assert.False(t, ViolationResolved.CanMoveTo(ViolationAcknowledged))
}

func TestJSONMap_ScanNil(t *testing.T) {
	var m JSONMap
	require.NoError(t, m.Scan(nil))
	assert.NotNil(t, m)

	require.NoError(t, m.Scan([]byte(`{"a":1}`)))
	assert.Equal(t, float64(1), m["a"])
}
