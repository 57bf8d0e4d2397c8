package latency_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/simtune/sim/latency"
)

func TestSaveLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "coeffs.json")
	want := trueCoeffs()

	require.NoError(t, latency.Save(path, &want))
	got, err := latency.Load(path)

	require.NoError(t, err)
	assert.Equal(t, want, *got)

	m, err := latency.LoadModel(path)
	require.NoError(t, err)
	assert.Equal(t, want, m.Coefficients())
}

func TestSave_RefusesUnsetVectors_LeavesPreviousArtefact(t *testing.T) {
	// GIVEN a previously saved artefact
	dir := t.TempDir()
	path := filepath.Join(dir, "coeffs.json")
	good := trueCoeffs()
	require.NoError(t, latency.Save(path, &good))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	// WHEN saving a set with an unset vector
	bad := trueCoeffs()
	bad.PrefillFrame = nil
	err = latency.Save(path, &bad)

	// THEN the save is refused and the artefact is untouched
	assert.True(t, errors.Is(err, latency.ErrCoefficientsUnset))
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	assert.True(t, errors.Is(latency.Save(path, nil), latency.ErrCoefficientsUnset))
}

func TestSave_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	c := trueCoeffs()
	require.NoError(t, latency.Save(filepath.Join(dir, "coeffs.json"), &c))
	require.NoError(t, latency.Save(filepath.Join(dir, "coeffs.json"), &c))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "coeffs.json", entries[0].Name())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		unset   bool
	}{
		{name: "missing key", content: `{"prefill_model":[1,2,3,4],"prefill_frame":[1,2,3],"decode_model":[1,2,3,4],"dp":1}`, unset: true},
		{name: "wrong length", content: `{"prefill_model":[1,2],"prefill_frame":[1,2,3],"decode_model":[1,2,3,4],"decode_frame":[1,2,3],"dp":1}`, unset: true},
		{name: "unknown key", content: `{"prefill_model":[1,2,3,4],"prefill_frame":[1,2,3],"decode_model":[1,2,3,4],"decode_frame":[1,2,3],"dp":1,"extra":true}`},
		{name: "missing dp", content: `{"prefill_model":[1,2,3,4],"prefill_frame":[1,2,3],"decode_model":[1,2,3,4],"decode_frame":[1,2,3]}`},
		{name: "not json", content: `coefficients`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "coeffs.json")
			require.NoError(t, os.WriteFile(path, []byte(tc.content), 0o644))
			_, err := latency.Load(path)
			require.Error(t, err)
			assert.Equal(t, tc.unset, errors.Is(err, latency.ErrCoefficientsUnset))
		})
	}

	_, err := latency.Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
