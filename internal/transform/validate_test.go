package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medflow-io/medflow/internal/extract"
)

func enabledValidator() *Validator {
	return NewValidator(ValidationConfig{Enabled: true})
}

func singleRule(column string, rule extract.ValidationRule) []extract.ColumnTransformation {
	return []extract.ColumnTransformation{
		{SourceColumn: column, TargetColumn: column, TargetType: extract.TypeText, Rules: []extract.ValidationRule{rule}},
	}
}

func TestValidator_Disabled(t *testing.T) {
	v := NewValidator(ValidationConfig{Enabled: false})

	rule := extract.ValidationRule{Name: "nhi_format", Kind: extract.RuleFormat}
	result := v.ValidateRow(map[string]any{"nhi": "garbage"}, singleRule("nhi", rule))

	assert.True(t, result.IsValid)
	assert.Empty(t, result.Failures)
}

func TestValidator_BuiltinNHIFormat(t *testing.T) {
	v := enabledValidator()
	transformations := singleRule("nhi", extract.ValidationRule{Name: "nhi_format", Kind: extract.RuleFormat})

	assert.True(t, v.ValidateRow(map[string]any{"nhi": "ABC1234"}, transformations).IsValid)
	assert.False(t, v.ValidateRow(map[string]any{"nhi": "abc1234"}, transformations).IsValid)
	assert.False(t, v.ValidateRow(map[string]any{"nhi": "ABCD123"}, transformations).IsValid)

	// NULL passes a format rule; required-ness is a separate rule.
	assert.True(t, v.ValidateRow(map[string]any{}, transformations).IsValid)
}

func TestValidator_BuiltinEmail(t *testing.T) {
	v := enabledValidator()
	transformations := singleRule("email", extract.ValidationRule{Name: "email", Kind: extract.RuleFormat})

	assert.True(t, v.ValidateRow(map[string]any{"email": "jo@example.org"}, transformations).IsValid)
	assert.False(t, v.ValidateRow(map[string]any{"email": "not-an-email"}, transformations).IsValid)
}

func TestValidator_ExplicitPattern(t *testing.T) {
	v := enabledValidator()
	rule := extract.ValidationRule{Name: "postcode", Kind: extract.RuleFormat, Pattern: `^\d{4}$`}
	transformations := singleRule("postcode", rule)

	assert.True(t, v.ValidateRow(map[string]any{"postcode": "6011"}, transformations).IsValid)
	assert.False(t, v.ValidateRow(map[string]any{"postcode": "60111"}, transformations).IsValid)
}

func TestValidator_Required(t *testing.T) {
	v := enabledValidator()
	transformations := singleRule("patient_id", extract.ValidationRule{Name: "present", Kind: extract.RuleRequired})

	assert.True(t, v.ValidateRow(map[string]any{"patient_id": "P-1"}, transformations).IsValid)

	result := v.ValidateRow(map[string]any{}, transformations)

	require.False(t, result.IsValid)
	assert.Equal(t, "patient_id", result.Failures[0].Column)
	assert.Equal(t, string(extract.RuleRequired), result.Failures[0].Rule)
}

func TestValidator_Range(t *testing.T) {
	v := enabledValidator()
	low, high := 0.0, 130.0
	rule := extract.ValidationRule{Name: "age_range", Kind: extract.RuleRange, Min: &low, Max: &high}
	transformations := singleRule("age", rule)

	assert.True(t, v.ValidateRow(map[string]any{"age": int64(42)}, transformations).IsValid)
	assert.True(t, v.ValidateRow(map[string]any{"age": 130.0}, transformations).IsValid)
	assert.False(t, v.ValidateRow(map[string]any{"age": int64(-1)}, transformations).IsValid)
	assert.False(t, v.ValidateRow(map[string]any{"age": 130.5}, transformations).IsValid)

	// Non-numeric values fail a range rule.
	assert.False(t, v.ValidateRow(map[string]any{"age": "old"}, transformations).IsValid)
}

func TestValidator_Enum(t *testing.T) {
	v := enabledValidator()
	rule := extract.ValidationRule{Name: "gender_code", Kind: extract.RuleEnum, Values: []string{"M", "F", "U", "O"}}
	transformations := singleRule("gender", rule)

	assert.True(t, v.ValidateRow(map[string]any{"gender": "F"}, transformations).IsValid)
	assert.False(t, v.ValidateRow(map[string]any{"gender": "X"}, transformations).IsValid)
}

func TestValidator_Length(t *testing.T) {
	v := enabledValidator()
	minLen, maxLen := 2, 5
	rule := extract.ValidationRule{Name: "code_length", Kind: extract.RuleLength, MinLength: &minLen, MaxLength: &maxLen}
	transformations := singleRule("code", rule)

	assert.True(t, v.ValidateRow(map[string]any{"code": "abc"}, transformations).IsValid)
	assert.False(t, v.ValidateRow(map[string]any{"code": "a"}, transformations).IsValid)
	assert.False(t, v.ValidateRow(map[string]any{"code": "abcdef"}, transformations).IsValid)

	// Length counts runes, not bytes.
	assert.True(t, v.ValidateRow(map[string]any{"code": "māori"}, transformations).IsValid)
}

func TestValidator_CustomPredicate(t *testing.T) {
	v := enabledValidator()
	rule := extract.ValidationRule{
		Name: "discharge_after_admission",
		Kind: extract.RuleCustom,
		Predicate: func(value any, row map[string]any) bool {
			return row["admitted"] != nil
		},
	}
	transformations := singleRule("discharged", rule)

	assert.True(t, v.ValidateRow(map[string]any{"discharged": "x", "admitted": "y"}, transformations).IsValid)
	assert.False(t, v.ValidateRow(map[string]any{"discharged": "x"}, transformations).IsValid)
}

func TestValidator_WarningSeverity(t *testing.T) {
	v := enabledValidator()
	rule := extract.ValidationRule{
		Name:     "email",
		Kind:     extract.RuleFormat,
		Severity: extract.SeverityWarning,
		Message:  "suspicious email address",
	}
	transformations := singleRule("email", rule)

	result := v.ValidateRow(map[string]any{"email": "not-an-email"}, transformations)

	// Warnings never block the row.
	assert.True(t, result.IsValid)
	assert.Empty(t, result.Failures)
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "suspicious email address", result.Warnings[0].Message)
	assert.Equal(t, string(extract.SeverityWarning), result.Warnings[0].Severity)
}

func TestValidator_ShouldStopBatch(t *testing.T) {
	v := NewValidator(ValidationConfig{Enabled: true, MaxErrorsPerBatch: 10})

	assert.False(t, v.ShouldStopBatch(10))
	assert.True(t, v.ShouldStopBatch(11))

	unlimited := NewValidator(ValidationConfig{Enabled: true})
	assert.False(t, unlimited.ShouldStopBatch(1_000_000))
}

func TestValidator_ShouldStopValidation(t *testing.T) {
	v := NewValidator(ValidationConfig{
		Enabled:             true,
		MaxTotalErrors:      100,
		MaxRejectionPercent: 5,
	})

	assert.False(t, v.ShouldStopValidation(10_000, 100))
	assert.True(t, v.ShouldStopValidation(10_000, 101), "total error ceiling")
	assert.True(t, v.ShouldStopValidation(1_000, 60), "rejection rate ceiling")
	assert.False(t, v.ShouldStopValidation(1_000, 50))
}
