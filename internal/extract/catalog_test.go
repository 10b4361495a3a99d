package extract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const patientsCatalogYAML = `extracts:
  - extract_type: patients
    table: raw.patients
    staging_table: stg.patients
    columns:
      - patient_id
      - nhi
      - dob
      - updated_at
    natural_keys:
      - patient_id
    updated_at_column: updated_at
    transformations:
      - source: patient_id
        target: patient_id
        type: TEXT
        required: true
      - source: nhi
        target: nhi
        type: TEXT
        rules:
          - name: nhi_format
            kind: FORMAT
      - source: dob
        target: dob
        type: DATE
      - source: updated_at
        target: updated_at
        type: TIMESTAMP
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "extracts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoadCatalog(t *testing.T) {
	catalog, err := LoadCatalog(writeCatalog(t, patientsCatalogYAML))

	require.NoError(t, err)
	require.Len(t, catalog.Extracts, 1)

	hc := catalog.Extracts[0]
	assert.Equal(t, "patients", hc.ExtractType)
	assert.Equal(t, "raw.patients", hc.Table)
	assert.Equal(t, "stg.patients", hc.StagingTable)
	assert.Equal(t, []string{"patient_id", "nhi", "dob", "updated_at"}, hc.Columns)
	assert.Equal(t, "updated_at", hc.UpdatedAtColumn)
	require.Len(t, hc.Transformations, 4)
	assert.Equal(t, TypeDate, hc.Transformations[2].TargetType)
	assert.True(t, hc.Transformations[0].Required)
	assert.Equal(t, RuleFormat, hc.Transformations[1].Rules[0].Kind)
}

func TestLoadCatalog_NotFound(t *testing.T) {
	_, err := LoadCatalog(filepath.Join(t.TempDir(), "missing.yaml"))

	assert.ErrorIs(t, err, ErrCatalogNotFound)
}

func TestLoadCatalog_Malformed(t *testing.T) {
	_, err := LoadCatalog(writeCatalog(t, "extracts: [broken"))

	assert.ErrorIs(t, err, ErrCatalogInvalid)
}

func TestLoadCatalog_Empty(t *testing.T) {
	_, err := LoadCatalog(writeCatalog(t, "extracts: []\n"))

	assert.ErrorIs(t, err, ErrCatalogEmpty)
}

func TestCatalog_BuildRegistry(t *testing.T) {
	catalog, err := LoadCatalog(writeCatalog(t, patientsCatalogYAML))
	require.NoError(t, err)

	registry, err := catalog.BuildRegistry()
	require.NoError(t, err)

	handler, err := registry.Lookup("patients")
	require.NoError(t, err)
	assert.Equal(t, "stg.patients", handler.StagingTable)
	assert.Equal(t, []string{"patient_id"}, handler.NaturalKeys)

	// The registry comes back frozen.
	assert.ErrorIs(t, registry.Register(patientsHandler()), ErrRegistryFrozen)
}

func TestCatalog_BuildRegistry_InvalidTransformation(t *testing.T) {
	catalog := &Catalog{Extracts: []HandlerConfig{{
		ExtractType: "patients",
		Table:       "raw.patients",
		Columns:     []string{"patient_id"},
		Transformations: []ColumnTransformation{
			{SourceColumn: "patient_id", TargetColumn: "patient_id", TargetType: "BLOB"},
		},
	}}}

	_, err := catalog.BuildRegistry()

	assert.ErrorIs(t, err, ErrInvalidTargetType)
}

func TestColumnTransformation_Validate(t *testing.T) {
	valid := ColumnTransformation{SourceColumn: "a", TargetColumn: "a", TargetType: TypeText}
	require.NoError(t, valid.Validate())

	missingSource := valid
	missingSource.SourceColumn = ""
	assert.ErrorIs(t, missingSource.Validate(), ErrHandlerInvalid)

	missingTarget := valid
	missingTarget.TargetColumn = ""
	assert.ErrorIs(t, missingTarget.Validate(), ErrHandlerInvalid)

	badKind := valid
	badKind.Rules = []ValidationRule{{Name: "r", Kind: "GUESS"}}
	assert.ErrorIs(t, badKind.Validate(), ErrInvalidRuleKind)

	badSeverity := valid
	badSeverity.Rules = []ValidationRule{{Name: "r", Kind: RuleFormat, Severity: "fatal"}}
	assert.ErrorIs(t, badSeverity.Validate(), ErrInvalidSeverity)
}

func TestValidationRule_EffectiveSeverity(t *testing.T) {
	rule := &ValidationRule{}
	assert.Equal(t, SeverityError, rule.EffectiveSeverity())

	rule.Severity = SeverityWarning
	assert.Equal(t, SeverityWarning, rule.EffectiveSeverity())
}
