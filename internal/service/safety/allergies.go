package safety

import (
	"slices"

	"github.com/jwalitptl/consult-core/internal/model"
)

// drugClasses maps known medication names to their class.
var drugClasses = map[string]string{
	"penicillin": "penicillin", "penicillin v": "penicillin", "amoxicillin": "penicillin",
	"ampicillin": "penicillin", "piperacillin": "penicillin", "dicloxacillin": "penicillin",

	"cephalexin": "cephalosporin", "cefazolin": "cephalosporin", "cefuroxime": "cephalosporin",
	"ceftriaxone": "cephalosporin", "cefdinir": "cephalosporin",

	"meropenem": "carbapenem", "imipenem": "carbapenem", "ertapenem": "carbapenem",

	"sulfamethoxazole": "sulfonamide", "sulfadiazine": "sulfonamide", "sulfasalazine": "sulfonamide",

	"ibuprofen": "nsaid", "naproxen": "nsaid", "aspirin": "nsaid", "diclofenac": "nsaid",
	"ketorolac": "nsaid", "celecoxib": "nsaid", "meloxicam": "nsaid",

	"morphine": "opioid", "codeine": "opioid", "oxycodone": "opioid", "hydrocodone": "opioid",
	"tramadol": "opioid", "hydromorphone": "opioid", "fentanyl": "opioid",

	"azithromycin": "macrolide", "clarithromycin": "macrolide", "erythromycin": "macrolide",
	"ciprofloxacin": "fluoroquinolone", "levofloxacin": "fluoroquinolone",

	"sertraline": "ssri", "fluoxetine": "ssri", "citalopram": "ssri", "escitalopram": "ssri", "paroxetine": "ssri",
	"phenelzine": "maoi", "tranylcypromine": "maoi", "selegiline": "maoi",

	"lisinopril": "ace_inhibitor", "enalapril": "ace_inhibitor", "ramipril": "ace_inhibitor",
	"diazepam": "benzodiazepine", "lorazepam": "benzodiazepine", "alprazolam": "benzodiazepine",
	"simvastatin": "statin", "atorvastatin": "statin",
}

// crossReactivity lists, for an allergy to one class, the classes that may
// also provoke a reaction.
var crossReactivity = map[string][]string{
	"penicillin":    {"cephalosporin", "carbapenem"},
	"cephalosporin": {"penicillin", "carbapenem"},
	"carbapenem":    {"penicillin", "cephalosporin"},
	"sulfonamide":   {"sulfonamide"},
	"nsaid":         {"nsaid"},
	"opioid":        {"opioid"},
	"macrolide":     {"macrolide"},
}

// classOf returns the drug class for a medication, preferring the one the
// caller supplied.
func classOf(name, supplied string) string {
	if c := normalize(supplied); c != "" {
		return c
	}
	return drugClasses[normalize(name)]
}

// allergenClass resolves an allergen that may be written as a class name or a
// single medication.
func allergenClass(allergen string) string {
	a := normalize(allergen)
	if _, ok := crossReactivity[a]; ok {
		return a
	}
	for _, c := range drugClasses {
		if c == a {
			return a
		}
	}
	return drugClasses[a]
}

func checkAllergies(proposed []model.ProposedMedication, allergies []model.Allergy) []model.AllergyConflict {
	var out []model.AllergyConflict
	for _, med := range proposed {
		name := normalize(med.Name)
		class := classOf(med.Name, med.DrugClass)

		for _, a := range allergies {
			allergen := normalize(a.Allergen)
			aClass := allergenClass(a.Allergen)

			match := model.AllergyMatch("")
			switch {
			case allergen == name, class != "" && (allergen == class || aClass == class):
				match = model.AllergyMatchDirect
			case class != "" && aClass != "" && slices.Contains(crossReactivity[aClass], class):
				match = model.AllergyMatchCrossReactive
			}
			if match == "" {
				continue
			}
			out = append(out, model.AllergyConflict{
				Medication: med.Name,
				Allergen:   a.Allergen,
				Severity:   a.Severity,
				MatchType:  match,
			})
		}
	}
	return out
}
