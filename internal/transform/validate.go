package transform

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/medflow-io/medflow/internal/config"
	"github.com/medflow-io/medflow/internal/extract"
	"github.com/medflow-io/medflow/internal/storage"
)

// Built-in format patterns usable as rule patterns by name.
const (
	// NHIPattern matches the 7-character National Health Index identifier.
	NHIPattern = `^[A-Z]{3}\d{4}$`

	// EmailPattern is a pragmatic address check, not full RFC 5322.
	EmailPattern = `^[^@\s]+@[^@\s]+\.[^@\s]+$`
)

// builtinPatterns maps rule names to patterns for rules that carry no
// explicit pattern of their own.
var builtinPatterns = map[string]string{
	"nhi_format": NHIPattern,
	"email":      EmailPattern,
}

type (
	// ValidationConfig holds validation thresholds.
	ValidationConfig struct {
		// Enabled turns row validation on. When off, every transformed row
		// passes.
		Enabled bool

		// MaxErrorsPerBatch stops the current batch when exceeded.
		// Non-positive disables the check.
		MaxErrorsPerBatch int64

		// MaxTotalErrors stops the whole extract transformation when
		// exceeded. Non-positive disables the check.
		MaxTotalErrors int64

		// MaxRejectionPercent stops the transformation when the running
		// rejection rate crosses it. Non-positive disables the check.
		MaxRejectionPercent float64
	}

	// ValidationResult is the outcome of validating one transformed row.
	ValidationResult struct {
		IsValid  bool
		Failures []storage.FailureDetail
		Warnings []storage.FailureDetail
	}

	// Validator runs the rule sets attached to an extract's column
	// transformations. Compiled patterns are cached across rows. Safe for
	// concurrent use.
	Validator struct {
		cfg ValidationConfig

		mu       sync.RWMutex
		patterns map[string]*regexp.Regexp
	}
)

// LoadValidationConfig reads validation thresholds from the environment.
func LoadValidationConfig() ValidationConfig {
	return ValidationConfig{
		Enabled:             config.GetEnvBool("MEDFLOW_VALIDATION_ENABLED", true),
		MaxErrorsPerBatch:   config.GetEnvInt64("MEDFLOW_MAX_ERRORS_PER_BATCH", 0),
		MaxTotalErrors:      config.GetEnvInt64("MEDFLOW_MAX_TOTAL_ERRORS", 0),
		MaxRejectionPercent: config.GetEnvFloat("MEDFLOW_MAX_REJECTION_PERCENT", 0),
	}
}

// NewValidator creates a validator.
func NewValidator(cfg ValidationConfig) *Validator {
	return &Validator{
		cfg:      cfg,
		patterns: make(map[string]*regexp.Regexp),
	}
}

// ValidateRow runs every rule attached to the row's transformations.
// Failures with severity error block the row; warnings are recorded only.
// Rule predicates receive the whole row, so cross-field rules work.
func (v *Validator) ValidateRow(
	row map[string]any,
	transformations []extract.ColumnTransformation,
) *ValidationResult {
	result := &ValidationResult{IsValid: true}

	if !v.cfg.Enabled {
		return result
	}

	for i := range transformations {
		ct := &transformations[i]
		value := row[ct.TargetColumn]

		for j := range ct.Rules {
			rule := &ct.Rules[j]

			failure := v.evaluate(rule, ct.TargetColumn, value, row)
			if failure == nil {
				continue
			}

			if failure.Severity == severityError {
				result.Failures = append(result.Failures, *failure)
			} else {
				result.Warnings = append(result.Warnings, *failure)
			}
		}
	}

	result.IsValid = len(result.Failures) == 0

	return result
}

// ShouldStopBatch reports whether the current batch has exceeded its error
// budget.
func (v *Validator) ShouldStopBatch(batchErrors int64) bool {
	return v.cfg.MaxErrorsPerBatch > 0 && batchErrors > v.cfg.MaxErrorsPerBatch
}

// ShouldStopValidation reports whether the extract transformation should
// stop given the running totals.
func (v *Validator) ShouldStopValidation(totalRows, totalErrors int64) bool {
	if v.cfg.MaxTotalErrors > 0 && totalErrors > v.cfg.MaxTotalErrors {
		return true
	}

	return storage.ShouldStopOnRejectionRate(totalRows, totalErrors, v.cfg.MaxRejectionPercent)
}

func (v *Validator) evaluate(
	rule *extract.ValidationRule,
	column string,
	value any,
	row map[string]any,
) *storage.FailureDetail {
	ok := true

	switch rule.Kind {
	case extract.RuleRequired:
		ok = value != nil
	case extract.RuleFormat:
		ok = v.matchPattern(rule, value)
	case extract.RuleRange:
		ok = checkRange(rule, value)
	case extract.RuleEnum:
		ok = checkEnum(rule, value)
	case extract.RuleLength:
		ok = checkLength(rule, value)
	case extract.RuleReference, extract.RuleCustom:
		if rule.Predicate != nil {
			ok = rule.Predicate(value, row)
		}
	}

	if ok {
		return nil
	}

	message := rule.Message
	if message == "" {
		message = fmt.Sprintf("rule %s failed on %s", rule.Name, column)
	}

	return &storage.FailureDetail{
		Column:   column,
		Rule:     string(rule.Kind),
		Message:  message,
		Severity: string(rule.EffectiveSeverity()),
	}
}

// matchPattern validates string values against the rule's pattern, falling
// back to the built-in pattern registered under the rule name. NULL values
// pass; required-ness is a separate rule.
func (v *Validator) matchPattern(rule *extract.ValidationRule, value any) bool {
	if value == nil {
		return true
	}

	pattern := rule.Pattern
	if pattern == "" {
		pattern = builtinPatterns[rule.Name]
	}

	if pattern == "" {
		return true
	}

	re, err := v.compile(pattern)
	if err != nil {
		return false
	}

	return re.MatchString(stringify(value))
}

func (v *Validator) compile(pattern string) (*regexp.Regexp, error) {
	v.mu.RLock()
	re, ok := v.patterns[pattern]
	v.mu.RUnlock()

	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.patterns[pattern] = re
	v.mu.Unlock()

	return re, nil
}

func checkRange(rule *extract.ValidationRule, value any) bool {
	if value == nil {
		return true
	}

	var n float64

	switch v := value.(type) {
	case int64:
		n = float64(v)
	case float64:
		n = v
	default:
		return false
	}

	if rule.Min != nil && n < *rule.Min {
		return false
	}

	if rule.Max != nil && n > *rule.Max {
		return false
	}

	return true
}

func checkEnum(rule *extract.ValidationRule, value any) bool {
	if value == nil {
		return true
	}

	s := stringify(value)

	for _, allowed := range rule.Values {
		if s == allowed {
			return true
		}
	}

	return false
}

func checkLength(rule *extract.ValidationRule, value any) bool {
	if value == nil {
		return true
	}

	length := len([]rune(stringify(value)))

	if rule.MinLength != nil && length < *rule.MinLength {
		return false
	}

	if rule.MaxLength != nil && length > *rule.MaxLength {
		return false
	}

	return true
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}
