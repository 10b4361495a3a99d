package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummarize(t *testing.T) {
	rejections := []Rejection{
		{
			Reason: "Validation failed",
			Failures: []FailureDetail{
				{Column: "nhi", Rule: "format", Message: "bad NHI"},
				{Column: "dob", Rule: "required", Message: "missing"},
			},
		},
		{
			Reason: "Validation failed",
			Failures: []FailureDetail{
				{Column: "nhi", Rule: "format", Message: "bad NHI"},
			},
		},
		{Reason: "Transformation failed"},
	}

	summary := Summarize(rejections)

	assert.Equal(t, int64(3), summary.Total)
	assert.Equal(t, int64(2), summary.ByReason["Validation failed"])
	assert.Equal(t, int64(1), summary.ByReason["Transformation failed"])
	assert.Equal(t, int64(2), summary.ByColumn["nhi"])
	assert.Equal(t, int64(1), summary.ByColumn["dob"])
	assert.Len(t, summary.Samples, 3)
}

func TestSummarize_Empty(t *testing.T) {
	summary := Summarize(nil)

	assert.Equal(t, int64(0), summary.Total)
	assert.Nil(t, summary.ByReason)
	assert.Nil(t, summary.Samples)
}

func TestSummarize_SampleBound(t *testing.T) {
	rejections := make([]Rejection, 25)
	for i := range rejections {
		rejections[i] = Rejection{Reason: "Validation failed"}
	}

	summary := Summarize(rejections)

	assert.Equal(t, int64(25), summary.Total)
	assert.Len(t, summary.Samples, maxSummarySamples)
}

func TestRejectionSummary_TopReasons(t *testing.T) {
	summary := &RejectionSummary{
		ByReason: map[string]int64{
			"Validation failed":     5,
			"Transformation failed": 5,
			"Threshold exceeded":    2,
		},
	}

	// Ties break alphabetically.
	assert.Equal(t,
		[]string{"Transformation failed", "Validation failed", "Threshold exceeded"},
		summary.TopReasons(0))

	assert.Equal(t, []string{"Transformation failed", "Validation failed"}, summary.TopReasons(2))
}

func TestShouldStopOnRejectionRate(t *testing.T) {
	// 6 of 100 rejected against a 5% ceiling trips the check.
	assert.True(t, ShouldStopOnRejectionRate(100, 6, 5))

	// Exactly at the ceiling does not trip.
	assert.False(t, ShouldStopOnRejectionRate(100, 5, 5))

	// Non-positive ceiling disables the check.
	assert.False(t, ShouldStopOnRejectionRate(100, 100, 0))

	// No rows seen yet never trips.
	assert.False(t, ShouldStopOnRejectionRate(0, 0, 5))
}

func TestRejectionRow_NullableColumns(t *testing.T) {
	row, err := rejectionRow(Rejection{
		LoadRunID:   "run-1",
		ExtractType: "patients",
		Reason:      "Transformation failed",
	})

	require.NoError(t, err)
	require.Len(t, row, len(rejectionColumns))
	assert.Nil(t, row[1]) // staging_run_id
	assert.Nil(t, row[3]) // row_number
	assert.Nil(t, row[4]) // source_row_id
	assert.Nil(t, row[6]) // validation_failures
	assert.Nil(t, row[7]) // raw_data
	assert.NotNil(t, row[8], "rejected_at defaults to now")
}

func TestRejectionRow_MarshalsFailures(t *testing.T) {
	rowNum := int64(42)
	srcID := "p-42"

	row, err := rejectionRow(Rejection{
		LoadRunID:   "run-1",
		ExtractType: "patients",
		RowNumber:   &rowNum,
		SourceRowID: &srcID,
		Reason:      "Validation failed",
		Failures:    []FailureDetail{{Column: "nhi", Rule: "format", Message: "bad"}},
		RawData:     map[string]any{"nhi": "XYZ"},
	})

	require.NoError(t, err)
	assert.Equal(t, int64(42), row[3])
	assert.Equal(t, "p-42", row[4])
	assert.JSONEq(t, `[{"column":"nhi","rule":"format","message":"bad"}]`, string(row[6].([]byte)))
	assert.JSONEq(t, `{"nhi":"XYZ"}`, string(row[7].([]byte)))
}
