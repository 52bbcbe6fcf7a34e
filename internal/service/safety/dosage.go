package safety

import (
	"fmt"

	"github.com/jwalitptl/consult-core/internal/model"
)

func intp(v int) *int { return &v }

// builtinLabels holds labeled limits for common medications. A label supplied
// with the proposed medication takes precedence.
var builtinLabels = map[string]model.MedicationLabel{
	"aspirin":         {MinAgeYears: intp(16), MaxMgPerKg: 15},
	"ibuprofen":       {MinAgeYears: intp(1), MaxMgPerKg: 10, RenalCleared: true},
	"acetaminophen":   {MaxMgPerKg: 15, HepaticCleared: true},
	"codeine":         {MinAgeYears: intp(12), HepaticCleared: true},
	"tramadol":        {MinAgeYears: intp(12), RenalCleared: true, HepaticCleared: true},
	"ciprofloxacin":   {MinAgeYears: intp(18), RenalCleared: true},
	"levofloxacin":    {MinAgeYears: intp(18), RenalCleared: true},
	"doxycycline":     {MinAgeYears: intp(8)},
	"amoxicillin":     {MaxMgPerKg: 45, RenalCleared: true},
	"metformin":       {MinAgeYears: intp(10), RenalCleared: true},
	"lisinopril":      {MinAgeYears: intp(6), RenalCleared: true},
	"gabapentin":      {MinAgeYears: intp(3), RenalCleared: true},
	"diphenhydramine": {MinAgeYears: intp(2), MaxAgeYears: intp(64)},
	"diazepam":        {MaxAgeYears: intp(64), HepaticCleared: true},
	"simvastatin":     {MinAgeYears: intp(10), HepaticCleared: true},
	"atorvastatin":    {MinAgeYears: intp(10), HepaticCleared: true},
	"methotrexate":    {RenalCleared: true, HepaticCleared: true},
}

// checkDosage flags age, weight, renal and hepatic concerns. globalMgPerKg
// applies when the label carries no ceiling of its own; zero disables it.
func checkDosage(proposed []model.ProposedMedication, profile model.PatientProfile, globalMgPerKg float64) []model.DosageWarning {
	var out []model.DosageWarning
	warn := func(med string, kind model.DosageWarningKind, format string, args ...interface{}) {
		out = append(out, model.DosageWarning{Medication: med, Kind: kind, Message: fmt.Sprintf(format, args...)})
	}

	for _, med := range proposed {
		label, ok := builtinLabels[normalize(med.Name)]
		if med.Label != nil {
			label, ok = *med.Label, true
		}

		if ok && label.MinAgeYears != nil && profile.AgeYears < *label.MinAgeYears {
			warn(med.Name, model.DosageAge, "patient age %d is below the labeled minimum of %d", profile.AgeYears, *label.MinAgeYears)
		}
		if ok && label.MaxAgeYears != nil && profile.AgeYears > *label.MaxAgeYears {
			warn(med.Name, model.DosageAge, "patient age %d is above the labeled maximum of %d", profile.AgeYears, *label.MaxAgeYears)
		}

		ceiling := globalMgPerKg
		if ok && label.MaxMgPerKg > 0 {
			ceiling = label.MaxMgPerKg
		}
		if ceiling > 0 && med.DoseMg > 0 && profile.WeightKg > 0 {
			if perKg := med.DoseMg / profile.WeightKg; perKg > ceiling {
				warn(med.Name, model.DosageWeight, "dose of %.2f mg/kg exceeds the ceiling of %.2f mg/kg", perKg, ceiling)
			}
		}

		if ok && profile.RenalImpairment && label.RenalCleared {
			warn(med.Name, model.DosageRenal, "renally cleared; patient has renal impairment")
		}
		if ok && profile.HepaticImpairment && label.HepaticCleared {
			warn(med.Name, model.DosageHepatic, "hepatically cleared; patient has hepatic impairment")
		}
	}
	return out
}
