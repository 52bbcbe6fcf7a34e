package consultation

import (
	"slices"
	"time"

	"github.com/jwalitptl/consult-core/internal/model"
	apperrors "github.com/jwalitptl/consult-core/pkg/errors"
)

// transitions is the lifecycle table. Terminal states have no entry.
var transitions = map[model.Status][]model.Status{
	model.StatusPending:              {model.StatusTriaged, model.StatusCancelled},
	model.StatusTriaged:              {model.StatusAssigned, model.StatusEscalated},
	model.StatusAssigned:             {model.StatusInReview, model.StatusRequiresInfo, model.StatusCancelled},
	model.StatusInReview:             {model.StatusPrescriptionPending, model.StatusRequiresInfo, model.StatusRequiresPeerReview, model.StatusCancelled},
	model.StatusRequiresInfo:         {model.StatusInReview, model.StatusCancelled},
	model.StatusRequiresPeerReview:   {model.StatusInReview, model.StatusEscalated},
	model.StatusPrescriptionPending:  {model.StatusPrescriptionApproved, model.StatusCancelled},
	model.StatusPrescriptionApproved: {model.StatusPrescriptionSent},
	model.StatusPrescriptionSent:     {model.StatusCompleted},
	model.StatusEscalated:            {model.StatusAssigned, model.StatusCancelled},
}

// AllowedTransitions returns the legal destinations from a state.
func AllowedTransitions(from model.Status) []model.Status {
	return slices.Clone(transitions[from])
}

// ValidateTransition is the only place the lifecycle table is enforced.
func ValidateTransition(from, to model.Status) error {
	if from.IsTerminal() {
		return apperrors.TerminalStateViolation(string(from))
	}
	allowed := transitions[from]
	if !slices.Contains(allowed, to) {
		names := make([]string, len(allowed))
		for i, s := range allowed {
			names[i] = string(s)
		}
		return apperrors.InvalidTransition(string(from), string(to), names)
	}
	return nil
}

// stamp records entry into to at the given time. Each timestamp is set
// on first entry only.
func stamp(c *model.Consultation, to model.Status, at time.Time) {
	set := func(field **time.Time) {
		if *field == nil {
			t := at
			*field = &t
		}
	}
	switch to {
	case model.StatusTriaged:
		set(&c.TriagedAt)
	case model.StatusAssigned:
		set(&c.AssignedAt)
	case model.StatusInReview:
		set(&c.ReviewStartedAt)
	case model.StatusPrescriptionApproved:
		set(&c.PrescriptionApprovedAt)
	case model.StatusPrescriptionSent:
		set(&c.PrescriptionSentAt)
	case model.StatusCompleted, model.StatusCancelled:
		set(&c.ResolvedAt)
	}
	c.UpdatedAt = at
}
