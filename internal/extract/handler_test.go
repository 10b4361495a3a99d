package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patientsHandler() *Handler {
	return &Handler{
		ExtractType:  "patients",
		TableName:    "raw.patients",
		Columns:      []string{"patient_id", "name"},
		StagingTable: "stg.patients",
		NaturalKeys:  []string{"patient_id"},
	}
}

func TestHandler_Validate(t *testing.T) {
	require.NoError(t, patientsHandler().Validate())

	var nilHandler *Handler

	assert.ErrorIs(t, nilHandler.Validate(), ErrHandlerInvalid)

	h := patientsHandler()
	h.ExtractType = ""
	assert.ErrorIs(t, h.Validate(), ErrHandlerInvalid)

	h = patientsHandler()
	h.TableName = ""
	assert.ErrorIs(t, h.Validate(), ErrHandlerInvalid)

	h = patientsHandler()
	h.Columns = nil
	assert.ErrorIs(t, h.Validate(), ErrHandlerInvalid)

	h = patientsHandler()
	h.Columns = []string{"patient_id", ""}
	assert.ErrorIs(t, h.Validate(), ErrHandlerInvalid)

	h = patientsHandler()
	h.Columns = []string{"patient_id", "patient_id"}
	assert.ErrorIs(t, h.Validate(), ErrHandlerInvalid)
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, registry.Register(patientsHandler()))
	assert.Equal(t, 1, registry.Len())

	h, err := registry.Lookup("patients")
	require.NoError(t, err)
	assert.Equal(t, "raw.patients", h.TableName)

	_, err = registry.Lookup("appointments")
	assert.ErrorIs(t, err, ErrHandlerMissing)
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, registry.Register(patientsHandler()))
	assert.ErrorIs(t, registry.Register(patientsHandler()), ErrHandlerDuplicate)
}

func TestRegistry_Freeze(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(patientsHandler()))

	registry.Freeze()

	other := patientsHandler()
	other.ExtractType = "appointments"

	assert.ErrorIs(t, registry.Register(other), ErrRegistryFrozen)

	// Lookups still work on a frozen registry.
	_, err := registry.Lookup("patients")
	assert.NoError(t, err)
}

func TestRegistry_ExtractTypes(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(patientsHandler()))

	other := patientsHandler()
	other.ExtractType = "appointments"
	require.NoError(t, registry.Register(other))

	assert.ElementsMatch(t, []string{"patients", "appointments"}, registry.ExtractTypes())
}
