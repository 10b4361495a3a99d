package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMigrations(t *testing.T, names ...string) string {
	t.Helper()

	dir := t.TempDir()

	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o600))
	}

	return dir
}

func TestValidateMigrations_Valid(t *testing.T) {
	dir := writeMigrations(t,
		"001_etl_schema.up.sql",
		"001_etl_schema.down.sql",
		"002_patients_extract.up.sql",
		"002_patients_extract.down.sql",
	)

	assert.NoError(t, ValidateMigrations(dir))
}

func TestValidateMigrations_EmptyDirectory(t *testing.T) {
	err := ValidateMigrations(t.TempDir())

	assert.ErrorContains(t, err, "no migration files found")
}

func TestValidateMigrations_BadFilename(t *testing.T) {
	dir := writeMigrations(t, "1_schema.up.sql")

	assert.ErrorContains(t, ValidateMigrations(dir), "invalid migration filename")

	dir = writeMigrations(t, "001-schema.up.sql")

	assert.ErrorContains(t, ValidateMigrations(dir), "invalid migration filename")
}

func TestValidateMigrations_IgnoresNonSQL(t *testing.T) {
	dir := writeMigrations(t,
		"001_etl_schema.up.sql",
		"001_etl_schema.down.sql",
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("notes"), 0o600))

	assert.NoError(t, ValidateMigrations(dir))
}

func TestValidateMigrations_OrphanedUp(t *testing.T) {
	dir := writeMigrations(t,
		"001_etl_schema.up.sql",
		"001_etl_schema.down.sql",
		"002_patients_extract.up.sql",
	)

	assert.ErrorContains(t, ValidateMigrations(dir), "missing down migration")
}

func TestValidateMigrations_OrphanedDown(t *testing.T) {
	dir := writeMigrations(t,
		"001_etl_schema.up.sql",
		"001_etl_schema.down.sql",
		"002_patients_extract.down.sql",
	)

	assert.ErrorContains(t, ValidateMigrations(dir), "missing up migration")
}

func TestValidateMigrations_SequenceStart(t *testing.T) {
	dir := writeMigrations(t,
		"002_patients_extract.up.sql",
		"002_patients_extract.down.sql",
	)

	assert.ErrorContains(t, ValidateMigrations(dir), "should start with 001")
}

func TestValidateMigrations_SequenceGap(t *testing.T) {
	dir := writeMigrations(t,
		"001_etl_schema.up.sql",
		"001_etl_schema.down.sql",
		"003_appointments_extract.up.sql",
		"003_appointments_extract.down.sql",
	)

	assert.ErrorContains(t, ValidateMigrations(dir), "gap in migration sequence")
}
