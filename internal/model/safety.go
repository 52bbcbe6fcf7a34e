package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Verdict string

const (
	VerdictSafe    Verdict = "safe"
	VerdictCaution Verdict = "caution"
	VerdictUnsafe  Verdict = "unsafe"
)

var verdictRank = map[Verdict]int{VerdictSafe: 0, VerdictCaution: 1, VerdictUnsafe: 2}

// WorstVerdict applies unsafe > caution > safe precedence.
func WorstVerdict(a, b Verdict) Verdict {
	if verdictRank[b] > verdictRank[a] {
		return b
	}
	return a
}

type InteractionSeverity string

const (
	InteractionMild     InteractionSeverity = "mild"
	InteractionModerate InteractionSeverity = "moderate"
	InteractionCritical InteractionSeverity = "critical"
)

type AllergySeverity string

const (
	AllergyLow      AllergySeverity = "low"
	AllergyModerate AllergySeverity = "moderate"
	AllergyHigh     AllergySeverity = "high"
)

type AllergyMatch string

const (
	AllergyMatchDirect        AllergyMatch = "direct"
	AllergyMatchCrossReactive AllergyMatch = "cross_reactive"
)

type DosageWarningKind string

const (
	DosageAge     DosageWarningKind = "age"
	DosageWeight  DosageWarningKind = "weight"
	DosageRenal   DosageWarningKind = "renal"
	DosageHepatic DosageWarningKind = "hepatic"
)

// MedicationLabel holds the labeled limits used by the dosage checks.
type MedicationLabel struct {
	MinAgeYears    *int    `json:"min_age_years,omitempty" validate:"omitempty,gte=0,lte=130"`
	MaxAgeYears    *int    `json:"max_age_years,omitempty" validate:"omitempty,gte=0,lte=130"`
	MaxMgPerKg     float64 `json:"max_mg_per_kg,omitempty" validate:"gte=0"`
	RenalCleared   bool    `json:"renal_cleared,omitempty"`
	HepaticCleared bool    `json:"hepatic_cleared,omitempty"`
}

type ProposedMedication struct {
	Name      string           `json:"name" validate:"required,max=200"`
	DrugClass string           `json:"drug_class,omitempty" validate:"max=100"`
	DoseMg    float64          `json:"dose_mg" validate:"gte=0"`
	Label     *MedicationLabel `json:"label,omitempty"`
}

type Allergy struct {
	Allergen string          `json:"allergen" validate:"required,max=200"`
	Severity AllergySeverity `json:"severity" validate:"required,oneof=low moderate high"`
}

type PatientProfile struct {
	AgeYears           int       `json:"age_years" validate:"gte=0,lte=130"`
	WeightKg           float64   `json:"weight_kg" validate:"gt=0,lte=700"`
	Allergies          []Allergy `json:"allergies" validate:"dive"`
	CurrentMedications []string  `json:"current_medications" validate:"dive,required,max=200"`
	RenalImpairment    bool      `json:"renal_impairment"`
	HepaticImpairment  bool      `json:"hepatic_impairment"`
}

// SafetyRequest is the input to a safety evaluation. DraftFindings is
// externally generated JSON and is never trusted as-is.
type SafetyRequest struct {
	PatientID      uuid.UUID            `json:"patient_id" validate:"required"`
	ConsultationID *uuid.UUID           `json:"consultation_id,omitempty"`
	Proposed       []ProposedMedication `json:"proposed" validate:"required,min=1,dive"`
	Profile        PatientProfile       `json:"profile"`
	DraftFindings  json.RawMessage      `json:"draft_findings,omitempty"`
}

type InteractionFinding struct {
	MedicationA    string              `json:"medication_a"`
	MedicationB    string              `json:"medication_b"`
	Severity       InteractionSeverity `json:"severity"`
	Description    string              `json:"description,omitempty"`
	Recommendation string              `json:"recommendation"`
}

type AllergyConflict struct {
	Medication string          `json:"medication"`
	Allergen   string          `json:"allergen"`
	Severity   AllergySeverity `json:"severity"`
	MatchType  AllergyMatch    `json:"match_type"`
}

type DosageWarning struct {
	Medication string            `json:"medication"`
	Kind       DosageWarningKind `json:"kind"`
	Message    string            `json:"message"`
}

// DraftFinding is a candidate finding proposed by an external generator.
type DraftFinding struct {
	Kind       string `json:"kind" validate:"required,oneof=interaction allergy dosage"`
	Medication string `json:"medication" validate:"required,max=200"`
	Subject    string `json:"subject,omitempty" validate:"max=200"`
	Severity   string `json:"severity,omitempty" validate:"max=20"`
}

type SafetyCheckResult struct {
	ID                             uuid.UUID            `json:"id"`
	PatientID                      uuid.UUID            `json:"patient_id"`
	ConsultationID                 *uuid.UUID           `json:"consultation_id,omitempty"`
	Verdict                        Verdict              `json:"verdict"`
	Interactions                   []InteractionFinding `json:"interactions"`
	AllergyConflicts               []AllergyConflict    `json:"allergy_conflicts"`
	DosageWarnings                 []DosageWarning      `json:"dosage_warnings"`
	RequiresPharmacistReview       bool                 `json:"requires_pharmacist_review"`
	RequiresProviderAcknowledgment bool                 `json:"requires_provider_acknowledgment"`
	UnverifiedDraftFindings        []DraftFinding       `json:"unverified_draft_findings,omitempty"`
	EvaluatedAt                    time.Time            `json:"evaluated_at"`
}

func (r *SafetyCheckResult) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *SafetyCheckResult) Scan(src interface{}) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("unsupported SafetyCheckResult source type %T", src)
	}
}

// DrugInteraction is one row of the interaction reference.
type DrugInteraction struct {
	ID              uuid.UUID           `json:"id" db:"id"`
	MedicationAName string              `json:"medication_a_name" db:"medication_a_name"`
	MedicationBName string              `json:"medication_b_name" db:"medication_b_name"`
	Severity        InteractionSeverity `json:"severity" db:"severity"`
	Description     string              `json:"description" db:"description"`
	Management      string              `json:"management" db:"management"`
	Source          string              `json:"source" db:"source"`
}
