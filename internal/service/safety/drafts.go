package safety

import (
	"bytes"
	"encoding/json"

	"github.com/jwalitptl/consult-core/internal/model"
	apperrors "github.com/jwalitptl/consult-core/pkg/errors"
	"github.com/jwalitptl/consult-core/pkg/validator"
)

const maxDraftFindings = 100

// parseDrafts decodes externally generated candidate findings. Accepts either a
// bare array or an object with a "findings" array. Unknown fields are rejected.
func parseDrafts(raw json.RawMessage, v validator.Validator) ([]model.DraftFinding, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var findings []model.DraftFinding
	if raw[0] == '{' {
		var wrapped struct {
			Findings []model.DraftFinding `json:"findings" validate:"max=100,dive"`
		}
		if err := strictDecode(raw, &wrapped); err != nil {
			return nil, err
		}
		if err := v.Validate(&wrapped); err != nil {
			return nil, err
		}
		findings = wrapped.Findings
	} else {
		if err := strictDecode(raw, &findings); err != nil {
			return nil, err
		}
		if len(findings) > maxDraftFindings {
			return nil, apperrors.InvalidInput("too many draft findings", nil)
		}
		for i := range findings {
			if err := v.Validate(&findings[i]); err != nil {
				return nil, err
			}
		}
	}
	return findings, nil
}

func strictDecode(raw []byte, dst interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperrors.InvalidInput("malformed draft findings", err)
	}
	return nil
}

// unconfirmed returns the drafts that the rule-derived result does not back.
// Draft severities are ignored; only the rules decide severity.
func unconfirmed(drafts []model.DraftFinding, res *model.SafetyCheckResult) []model.DraftFinding {
	var out []model.DraftFinding
	for _, d := range drafts {
		if !confirmed(d, res) {
			out = append(out, d)
		}
	}
	return out
}

func confirmed(d model.DraftFinding, res *model.SafetyCheckResult) bool {
	med := normalize(d.Medication)
	subject := normalize(d.Subject)

	switch d.Kind {
	case "interaction":
		for _, f := range res.Interactions {
			a, b := normalize(f.MedicationA), normalize(f.MedicationB)
			if (a == med && (subject == "" || b == subject)) || (b == med && (subject == "" || a == subject)) {
				return true
			}
		}
	case "allergy":
		for _, c := range res.AllergyConflicts {
			if normalize(c.Medication) == med && (subject == "" || normalize(c.Allergen) == subject) {
				return true
			}
		}
	case "dosage":
		for _, w := range res.DosageWarnings {
			if normalize(w.Medication) == med && (subject == "" || string(w.Kind) == subject) {
				return true
			}
		}
	}
	return false
}
