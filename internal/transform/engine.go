// Package transform implements the second pipeline stage: typed coercion,
// validation, natural-key deduplication and upsert of raw rows into staging
// tables, with a rejection audit trail for everything excluded.
package transform

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medflow-io/medflow/internal/config"
	"github.com/medflow-io/medflow/internal/extract"
	"github.com/medflow-io/medflow/internal/storage"
)

// Failure kinds recorded on rejections.
const (
	failureRequired = "REQUIRED"
	failureFormat   = "FORMAT"
	failureCustom   = "CUSTOM"

	severityError = "error"
)

// ErrUnknownTransformFunc is returned when a transformation names a custom
// function that was never registered.
var ErrUnknownTransformFunc = errors.New("unknown transform function")

// timestampLayouts are tried in order for DATE and TIMESTAMP coercion.
// Permissive on purpose: upstream practice systems emit several shapes.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006",
}

// Boolean coercion sets, matched case-insensitively after trim.
var (
	booleanTrue  = map[string]bool{"true": true, "1": true, "yes": true, "y": true, "t": true, "on": true}
	booleanFalse = map[string]bool{"false": true, "0": true, "no": true, "n": true, "f": true, "off": true}
)

type (
	// TransformFunc is a registered custom transformation. It receives the
	// pre-processed value and the full raw row for cross-field derivation.
	TransformFunc func(value any, row map[string]any) (any, error)

	// EngineConfig holds coercion behaviour.
	EngineConfig struct {
		// TrimStrings trims whitespace before coercion.
		TrimStrings bool

		// NullifyEmptyStrings converts empty strings to NULL before the
		// required/default check.
		NullifyEmptyStrings bool
	}

	// RowResult is the outcome of transforming one raw row.
	RowResult struct {
		Success  bool
		Row      map[string]any
		Failures []storage.FailureDetail
	}

	// Engine coerces raw text rows to typed rows per the column
	// transformations of an extract handler. Safe for concurrent use after
	// registration is done.
	Engine struct {
		cfg   EngineConfig
		funcs map[string]TransformFunc
	}
)

// LoadEngineConfig reads coercion behaviour from the environment.
func LoadEngineConfig() EngineConfig {
	return EngineConfig{
		TrimStrings:         config.GetEnvBool("MEDFLOW_TRIM_STRINGS", true),
		NullifyEmptyStrings: config.GetEnvBool("MEDFLOW_NULLIFY_EMPTY", true),
	}
}

// NewEngine creates a transformation engine.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		cfg:   cfg,
		funcs: make(map[string]TransformFunc),
	}
}

// RegisterFunc registers a named custom transformation. Registration must
// finish before the engine is shared across goroutines.
func (e *Engine) RegisterFunc(name string, fn TransformFunc) {
	e.funcs[name] = fn
}

// TransformRow applies every column transformation to the raw row. A row
// with any failure is not emitted; its failures go to the rejection trail.
//
// Per column the order is: pre-process, custom function, required/default
// handling, coercion to the target type.
func (e *Engine) TransformRow(raw map[string]any, transformations []extract.ColumnTransformation) *RowResult {
	result := &RowResult{Row: make(map[string]any, len(transformations))}

	for i := range transformations {
		ct := &transformations[i]

		value, failure := e.transformColumn(raw[ct.SourceColumn], raw, ct)
		if failure != nil {
			result.Failures = append(result.Failures, *failure)

			continue
		}

		result.Row[ct.TargetColumn] = value
	}

	result.Success = len(result.Failures) == 0
	if !result.Success {
		result.Row = nil
	}

	return result
}

func (e *Engine) transformColumn(
	value any,
	row map[string]any,
	ct *extract.ColumnTransformation,
) (any, *storage.FailureDetail) {
	value = e.preprocess(value)

	if ct.TransformFunc != "" {
		fn, ok := e.funcs[ct.TransformFunc]
		if !ok {
			return nil, &storage.FailureDetail{
				Column:   ct.TargetColumn,
				Rule:     failureCustom,
				Message:  fmt.Sprintf("%s: %q", ErrUnknownTransformFunc, ct.TransformFunc),
				Severity: severityError,
			}
		}

		transformed, err := fn(value, row)
		if err != nil {
			return nil, &storage.FailureDetail{
				Column:   ct.TargetColumn,
				Rule:     failureCustom,
				Message:  err.Error(),
				Severity: severityError,
			}
		}

		value = transformed
	}

	if value == nil {
		if ct.DefaultValue != nil {
			value = *ct.DefaultValue
		} else if ct.Required {
			return nil, &storage.FailureDetail{
				Column:   ct.TargetColumn,
				Rule:     failureRequired,
				Message:  "required value is missing",
				Severity: severityError,
			}
		} else {
			return nil, nil
		}
	}

	coerced, err := Coerce(value, ct.TargetType)
	if err != nil {
		return nil, &storage.FailureDetail{
			Column:   ct.TargetColumn,
			Rule:     failureFormat,
			Message:  err.Error(),
			Severity: severityError,
		}
	}

	return coerced, nil
}

// preprocess trims strings and nullifies empties per configuration.
func (e *Engine) preprocess(value any) any {
	s, ok := value.(string)
	if !ok {
		return value
	}

	if e.cfg.TrimStrings {
		s = strings.TrimSpace(s)
	}

	if e.cfg.NullifyEmptyStrings && s == "" {
		return nil
	}

	return s
}

// Coerce converts a value to the target type. Inputs are usually strings
// (raw tables are all text) but typed inputs from custom functions are
// accepted too.
func Coerce(value any, target extract.TargetType) (any, error) {
	switch target {
	case extract.TypeText:
		return coerceText(value), nil
	case extract.TypeInteger:
		return coerceInteger(value)
	case extract.TypeDecimal:
		return coerceDecimal(value)
	case extract.TypeBoolean:
		return coerceBoolean(value)
	case extract.TypeDate:
		t, err := coerceTimestamp(value)
		if err != nil {
			return nil, err
		}

		// Truncate to the calendar day in the value's own offset; absolute
		// truncation shifts dates near midnight in non-UTC zones.
		y, m, d := t.Date()

		return time.Date(y, m, d, 0, 0, 0, 0, t.Location()), nil
	case extract.TypeTimestamp:
		return coerceTimestamp(value)
	case extract.TypeUUID:
		return coerceUUID(value)
	case extract.TypeJSON:
		return coerceJSON(value)
	default:
		return nil, fmt.Errorf("unsupported target type %q", target)
	}
}

func coerceText(value any) string {
	if s, ok := value.(string); ok {
		return s
	}

	return fmt.Sprintf("%v", value)
}

func coerceInteger(value any) (int64, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("cannot coerce %v to integer", v)
		}

		return int64(math.Floor(v)), nil
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n, nil
		}

		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("cannot coerce %q to integer", v)
		}

		return int64(math.Floor(f)), nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to integer", value)
	}
}

func coerceDecimal(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) {
			return 0, errors.New("cannot coerce NaN to decimal")
		}

		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) {
			return 0, fmt.Errorf("cannot coerce %q to decimal", v)
		}

		return f, nil
	default:
		return 0, fmt.Errorf("cannot coerce %T to decimal", value)
	}
}

func coerceBoolean(value any) (bool, error) {
	if b, ok := value.(bool); ok {
		return b, nil
	}

	s, ok := value.(string)
	if !ok {
		return false, fmt.Errorf("cannot coerce %T to boolean", value)
	}

	normalized := strings.ToLower(strings.TrimSpace(s))

	if booleanTrue[normalized] {
		return true, nil
	}

	if booleanFalse[normalized] {
		return false, nil
	}

	return false, fmt.Errorf("cannot coerce %q to boolean", s)
}

func coerceTimestamp(value any) (time.Time, error) {
	if t, ok := value.(time.Time); ok {
		return t, nil
	}

	s, ok := value.(string)
	if !ok {
		return time.Time{}, fmt.Errorf("cannot coerce %T to timestamp", value)
	}

	s = strings.TrimSpace(s)

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("cannot coerce %q to timestamp", s)
}

// coerceUUID enforces the canonical hyphenated form; uuid.Parse alone also
// accepts URN and braced variants.
func coerceUUID(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("cannot coerce %T to uuid", value)
	}

	s = strings.TrimSpace(s)

	if len(s) != 36 || strings.Count(s, "-") != 4 {
		return "", fmt.Errorf("cannot coerce %q to uuid", s)
	}

	parsed, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("cannot coerce %q to uuid", s)
	}

	return parsed.String(), nil
}

func coerceJSON(value any) (any, error) {
	switch v := value.(type) {
	case map[string]any, []any:
		return v, nil
	case string:
		var parsed any
		if err := json.Unmarshal([]byte(v), &parsed); err != nil {
			return nil, fmt.Errorf("cannot coerce to json: %w", err)
		}

		return parsed, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to json", value)
	}
}
