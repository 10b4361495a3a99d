package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patientRow(index int, id string, updatedAt any) Row {
	return Row{
		Index:         index,
		RowNumber:     int64(index + 1),
		LoadRunFileID: "file-1",
		Values: map[string]any{
			"patient_id": id,
			"updated_at": updatedAt,
		},
	}
}

func TestDeduplicate_NewestUpdatedAtWins(t *testing.T) {
	t1 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)
	t3 := t1.Add(2 * time.Hour)

	// Arrival order deliberately not timestamp order.
	rows := []Row{
		patientRow(0, "P-1", t2),
		patientRow(1, "P-1", t1),
		patientRow(2, "P-1", t3),
	}

	kept, deduped := Deduplicate(rows, []string{"patient_id"}, "updated_at")

	require.Len(t, kept, 1)
	assert.Equal(t, int64(2), deduped)
	assert.Equal(t, 2, kept[0].Index)
	assert.Equal(t, t3, kept[0].Values["updated_at"])
}

func TestDeduplicate_TieKeepsLowestIndex(t *testing.T) {
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	rows := []Row{
		patientRow(0, "P-1", at),
		patientRow(1, "P-1", at),
		patientRow(2, "P-1", at),
	}

	kept, deduped := Deduplicate(rows, []string{"patient_id"}, "updated_at")

	require.Len(t, kept, 1)
	assert.Equal(t, int64(2), deduped)
	assert.Equal(t, 0, kept[0].Index)
}

func TestDeduplicate_NoUpdatedAtColumn_FirstSeenWins(t *testing.T) {
	rows := []Row{
		patientRow(0, "P-1", "2024-03-01T10:00:00Z"),
		patientRow(1, "P-1", "2024-03-02T10:00:00Z"),
	}

	kept, deduped := Deduplicate(rows, []string{"patient_id"}, "")

	require.Len(t, kept, 1)
	assert.Equal(t, int64(1), deduped)
	assert.Equal(t, 0, kept[0].Index)
}

func TestDeduplicate_StringTimestamps(t *testing.T) {
	rows := []Row{
		patientRow(0, "P-1", "2024-03-01 08:00:00"),
		patientRow(1, "P-1", "2024-03-01 09:00:00"),
	}

	kept, _ := Deduplicate(rows, []string{"patient_id"}, "updated_at")

	require.Len(t, kept, 1)
	assert.Equal(t, 1, kept[0].Index)
}

func TestDeduplicate_SurvivorsKeepOrder(t *testing.T) {
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

	rows := []Row{
		patientRow(0, "P-1", at),
		patientRow(1, "P-2", at),
		patientRow(2, "P-1", at),
		patientRow(3, "P-3", at),
	}

	kept, deduped := Deduplicate(rows, []string{"patient_id"}, "updated_at")

	require.Len(t, kept, 3)
	assert.Equal(t, int64(1), deduped)
	assert.Equal(t, []int{0, 1, 3}, []int{kept[0].Index, kept[1].Index, kept[2].Index})
}

func TestDeduplicate_NoKeysPassthrough(t *testing.T) {
	rows := []Row{
		patientRow(0, "P-1", nil),
		patientRow(1, "P-1", nil),
	}

	kept, deduped := Deduplicate(rows, nil, "updated_at")

	assert.Len(t, kept, 2)
	assert.Equal(t, int64(0), deduped)
}

func TestNaturalKey_NullDistinctFromLiteralNull(t *testing.T) {
	keys := []string{"patient_id", "practice_id"}

	withNull := NaturalKey(map[string]any{"patient_id": "P-1", "practice_id": nil}, keys)
	withLiteral := NaturalKey(map[string]any{"patient_id": "P-1", "practice_id": "NULL"}, keys)

	assert.NotEqual(t, withNull, withLiteral)
}

func TestNaturalKey_SeparatorCollision(t *testing.T) {
	keys := []string{"a", "b"}

	// "x|y" + "z" must not collide with "x" + "y|z" under any separator the
	// source data can contain.
	first := NaturalKey(map[string]any{"a": "x|y", "b": "z"}, keys)
	second := NaturalKey(map[string]any{"a": "x", "b": "y|z"}, keys)

	assert.NotEqual(t, first, second)
}

func TestNaturalKey_MissingComponentIsNull(t *testing.T) {
	keys := []string{"patient_id", "practice_id"}

	missing := NaturalKey(map[string]any{"patient_id": "P-1"}, keys)
	explicit := NaturalKey(map[string]any{"patient_id": "P-1", "practice_id": nil}, keys)

	assert.Equal(t, explicit, missing)
}
