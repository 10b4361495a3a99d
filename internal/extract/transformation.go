package extract

import (
	"errors"
	"fmt"
)

// Sentinel errors for transformation catalog validation.
var (
	ErrInvalidTargetType = errors.New("invalid target type")
	ErrInvalidRuleKind   = errors.New("invalid rule kind")
	ErrInvalidSeverity   = errors.New("invalid severity")
)

type (
	// TargetType is the typed-column target of a transformation.
	TargetType string

	// RuleKind classifies a validation rule.
	RuleKind string

	// Severity determines whether a rule failure blocks the row (error)
	// or is merely recorded (warning).
	Severity string

	// ValidationRule is a declarative, tagged rule configuration. The
	// validation engine compiles it into a predicate; the Predicate field
	// carries code-registered custom rules that cannot be expressed in YAML.
	ValidationRule struct {
		// Name identifies the rule in failures and rejection records.
		Name string `yaml:"name"`

		// Kind selects the predicate family.
		Kind RuleKind `yaml:"kind"`

		// Pattern is the regular expression for FORMAT rules.
		Pattern string `yaml:"pattern,omitempty"`

		// Min and Max bound RANGE rules (inclusive). Nil means unbounded.
		Min *float64 `yaml:"min,omitempty"`
		Max *float64 `yaml:"max,omitempty"`

		// Values enumerates the accepted set for ENUM rules.
		Values []string `yaml:"values,omitempty"`

		// MinLength and MaxLength bound LENGTH rules. Nil means unbounded.
		MinLength *int `yaml:"minLength,omitempty"`
		MaxLength *int `yaml:"maxLength,omitempty"`

		// Severity defaults to error when empty.
		Severity Severity `yaml:"severity,omitempty"`

		// Message overrides the generated failure message.
		Message string `yaml:"message,omitempty"`

		// Predicate carries CUSTOM rules registered in code. It may read any
		// column of the row for cross-field validation. Never serialised.
		Predicate func(value any, row map[string]any) bool `yaml:"-"`
	}

	// ColumnTransformation drives both coercion and validation for one
	// staging column. Per-extract lists live on the Handler.
	ColumnTransformation struct {
		// SourceColumn is the raw (text) column read from the raw table.
		SourceColumn string `yaml:"source"`

		// TargetColumn is the staging column the coerced value lands in.
		TargetColumn string `yaml:"target"`

		// TargetType selects the coercion.
		TargetType TargetType `yaml:"type"`

		// Required rejects NULL values that have no default.
		Required bool `yaml:"required,omitempty"`

		// DefaultValue is applied (pre-coercion) when the value is NULL.
		DefaultValue *string `yaml:"default,omitempty"`

		// TransformFunc names a code-registered custom function applied
		// before coercion, e.g. "uppercase" or "normalize_nhi".
		TransformFunc string `yaml:"transform,omitempty"`

		// Rules are applied to the coerced value by the validation engine.
		Rules []ValidationRule `yaml:"rules,omitempty"`
	}
)

// Target types supported by the transformation engine.
const (
	TypeText      TargetType = "TEXT"
	TypeInteger   TargetType = "INTEGER"
	TypeDecimal   TargetType = "DECIMAL"
	TypeBoolean   TargetType = "BOOLEAN"
	TypeDate      TargetType = "DATE"
	TypeTimestamp TargetType = "TIMESTAMP"
	TypeUUID      TargetType = "UUID"
	TypeJSON      TargetType = "JSON"
)

// Rule kinds supported by the validation engine.
const (
	RuleRequired  RuleKind = "REQUIRED"
	RuleFormat    RuleKind = "FORMAT"
	RuleRange     RuleKind = "RANGE"
	RuleEnum      RuleKind = "ENUM"
	RuleLength    RuleKind = "LENGTH"
	RuleReference RuleKind = "REFERENCE"
	RuleCustom    RuleKind = "CUSTOM"
)

// Rule severities.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// IsValid reports whether t is a recognised target type.
func (t TargetType) IsValid() bool {
	switch t {
	case TypeText, TypeInteger, TypeDecimal, TypeBoolean, TypeDate, TypeTimestamp, TypeUUID, TypeJSON:
		return true
	}

	return false
}

// IsValid reports whether k is a recognised rule kind.
func (k RuleKind) IsValid() bool {
	switch k {
	case RuleRequired, RuleFormat, RuleRange, RuleEnum, RuleLength, RuleReference, RuleCustom:
		return true
	}

	return false
}

// IsValid reports whether s is a recognised severity.
func (s Severity) IsValid() bool {
	return s == SeverityError || s == SeverityWarning
}

// EffectiveSeverity returns the rule severity, defaulting to error.
func (r *ValidationRule) EffectiveSeverity() Severity {
	if r.Severity == "" {
		return SeverityError
	}

	return r.Severity
}

// Validate checks a transformation's declarative fields.
func (ct *ColumnTransformation) Validate() error {
	if ct.SourceColumn == "" {
		return fmt.Errorf("%w: transformation missing source column", ErrHandlerInvalid)
	}

	if ct.TargetColumn == "" {
		return fmt.Errorf("%w: transformation for %q missing target column", ErrHandlerInvalid, ct.SourceColumn)
	}

	if !ct.TargetType.IsValid() {
		return fmt.Errorf("%w: %q on column %q", ErrInvalidTargetType, ct.TargetType, ct.SourceColumn)
	}

	for i := range ct.Rules {
		rule := &ct.Rules[i]

		if !rule.Kind.IsValid() {
			return fmt.Errorf("%w: %q on column %q", ErrInvalidRuleKind, rule.Kind, ct.SourceColumn)
		}

		if rule.Severity != "" && !rule.Severity.IsValid() {
			return fmt.Errorf("%w: %q on rule %q", ErrInvalidSeverity, rule.Severity, rule.Name)
		}
	}

	return nil
}
