package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jwalitptl/consult-core/pkg/errors"
)

type allergy struct {
	Allergen string `json:"allergen" validate:"required"`
	Severity string `json:"severity" validate:"oneof=low moderate high"`
}

type profile struct {
	AgeYears  int       `json:"age_years" validate:"gte=0,lte=130"`
	Allergies []allergy `json:"allergies" validate:"dive"`
}

func TestValidate_OK(t *testing.T) {
	v := New()
	assert.NoError(t, v.Validate(&profile{AgeYears: 40, Allergies: []allergy{{Allergen: "penicillin", Severity: "high"}}}))
}

func TestValidate_ReportsJSONFieldPaths(t *testing.T) {
	v := New()
	err := v.Validate(&profile{AgeYears: 200, Allergies: []allergy{{Severity: "extreme"}}})
	require.Error(t, err)

	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.ErrInvalidInput, appErr.Code)

	fields, ok := appErr.Details["fields"].(map[string]string)
	require.True(t, ok)
	assert.Contains(t, fields, "age_years")
	assert.Contains(t, fields, "allergies[0].allergen")
	assert.Contains(t, fields, "allergies[0].severity")
	assert.Equal(t, "is required", fields["allergies[0].allergen"])
}
