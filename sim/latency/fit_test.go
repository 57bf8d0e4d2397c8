package latency_test

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/simtune/sim/latency"
)

func trueCoeffs() latency.Coefficients {
	return latency.Coefficients{
		PrefillModel: []float64{5, 0.01, 2e-6, 1e4},
		PrefillFrame: []float64{1.5, 0.2, 0.0005},
		DecodeModel:  []float64{8, 0.05, 0.002, 100},
		DecodeFrame:  []float64{2, 0.03, 1e-5},
		DP:           2,
	}
}

func randomLens(rng *rand.Rand, n, lo, hi int) []int {
	lens := make([]int, n)
	for i := range lens {
		lens[i] = lo + rng.Intn(hi-lo+1)
	}
	return lens
}

// synthesize draws batches from m. With split set every batch carries its
// model/frame decomposition.
func synthesize(t *testing.T, m *latency.Model, n int, split bool, seed int64) []latency.Batch {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	var out []latency.Batch
	for i := 0; i < n; i++ {
		prefill := randomLens(rng, 1+rng.Intn(8), 64, 2048)
		decode := randomLens(rng, 1+rng.Intn(32), 100, 2000)

		pb := latency.Batch{IsPrefill: true, SeqLens: prefill}
		pm, pf := m.PredictPrefillModel(prefill)*1000, m.PredictPrefillFrame(prefill)*1000
		pb.DurationMs = pm + pf

		db := latency.Batch{SeqLens: decode}
		dm, df := m.PredictDecodeModel(decode)*1000, m.PredictDecodeFrame(decode)*1000
		db.DurationMs = dm + df

		if split {
			pb.ModelMs, pb.FrameMs = pm, pf
			db.ModelMs, db.FrameMs = dm, df
		}
		out = append(out, pb, db)
	}
	return out
}

func TestFit_RecoversCoefficients_WithSplit(t *testing.T) {
	// GIVEN batches generated exactly from known coefficients
	want := trueCoeffs()
	m, err := latency.NewModel(want)
	require.NoError(t, err)
	batches := synthesize(t, m, 60, true, 7)

	// WHEN fitted with the same dp
	got, report, err := latency.Fit(batches, want.DP, latency.DefaultFitOptions())

	// THEN every vector is recovered
	require.NoError(t, err)
	assert.InEpsilonSlice(t, want.PrefillModel, got.PrefillModel, 1e-3)
	assert.InEpsilonSlice(t, want.PrefillFrame, got.PrefillFrame, 1e-3)
	assert.InEpsilonSlice(t, want.DecodeModel, got.DecodeModel, 1e-3)
	assert.InEpsilonSlice(t, want.DecodeFrame, got.DecodeFrame, 1e-3)
	assert.Equal(t, want.DP, got.DP)
	assert.True(t, report.Prefill.Split)
	assert.Equal(t, 60, report.Decode.Samples)
	assert.Greater(t, report.Prefill.R2, 0.9999)
}

func TestFit_RoundTrip_FitPredictFit(t *testing.T) {
	// GIVEN coefficients fitted once
	m, err := latency.NewModel(trueCoeffs())
	require.NoError(t, err)
	first, _, err := latency.Fit(synthesize(t, m, 60, true, 11), 2, latency.DefaultFitOptions())
	require.NoError(t, err)

	// WHEN data drawn from the fitted model is fitted again
	fitted, err := latency.NewModel(*first)
	require.NoError(t, err)
	second, _, err := latency.Fit(synthesize(t, fitted, 60, true, 12), 2, latency.DefaultFitOptions())
	require.NoError(t, err)

	// THEN the coefficients are stable
	assert.InEpsilonSlice(t, first.PrefillModel, second.PrefillModel, 1e-3)
	assert.InEpsilonSlice(t, first.DecodeModel, second.DecodeModel, 1e-3)
	assert.InEpsilonSlice(t, first.PrefillFrame, second.PrefillFrame, 1e-3)
	assert.InEpsilonSlice(t, first.DecodeFrame, second.DecodeFrame, 1e-3)
}

func TestFit_OffsetBetweenGridPoints_RefinedByLM(t *testing.T) {
	// GIVEN a saturation offset that no grid point matches
	want := trueCoeffs()
	want.PrefillModel[3] = 3e4
	want.DecodeModel[3] = 250
	m, err := latency.NewModel(want)
	require.NoError(t, err)

	got, report, err := latency.Fit(synthesize(t, m, 80, true, 3), want.DP, latency.DefaultFitOptions())

	require.NoError(t, err)
	assert.InEpsilonSlice(t, want.PrefillModel, got.PrefillModel, 1e-2)
	assert.InEpsilonSlice(t, want.DecodeModel, got.DecodeModel, 1e-2)
	assert.Positive(t, report.Prefill.Iterations)
}

func TestFit_WithoutSplit_PredictsTotals(t *testing.T) {
	// GIVEN only total durations
	m, err := latency.NewModel(trueCoeffs())
	require.NoError(t, err)
	batches := synthesize(t, m, 80, false, 5)

	got, report, err := latency.Fit(batches, 2, latency.DefaultFitOptions())
	require.NoError(t, err)
	assert.False(t, report.Decode.Split)
	assert.Greater(t, report.Prefill.R2, 0.98)
	assert.Greater(t, report.Decode.R2, 0.98)

	// THEN held-out totals are predicted closely even if the split differs
	fitted, err := latency.NewModel(*got)
	require.NoError(t, err)
	for _, b := range synthesize(t, m, 10, false, 99) {
		var pred float64
		if b.IsPrefill {
			pred = fitted.PrefillTime(b.SeqLens) * 1000
		} else {
			pred = fitted.DecodeTime(b.SeqLens) * 1000
		}
		assert.InEpsilon(t, b.DurationMs, pred, 0.05)
	}
}

func TestFit_TooFewBatches_FitError(t *testing.T) {
	m, err := latency.NewModel(trueCoeffs())
	require.NoError(t, err)
	batches := synthesize(t, m, 20, true, 1)

	// GIVEN only 3 decode batches
	var trimmed []latency.Batch
	decodes := 0
	for _, b := range batches {
		if !b.IsPrefill {
			if decodes == 3 {
				continue
			}
			decodes++
		}
		trimmed = append(trimmed, b)
	}

	_, _, err = latency.Fit(trimmed, 2, latency.DefaultFitOptions())

	var fe *latency.FitError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, latency.KindDecode, fe.Kind)
	assert.Contains(t, err.Error(), "need at least 8")
}

func TestFit_SkipsInvalidBatches(t *testing.T) {
	m, err := latency.NewModel(trueCoeffs())
	require.NoError(t, err)
	batches := synthesize(t, m, 20, true, 2)
	batches = append(batches,
		latency.Batch{IsPrefill: true, SeqLens: []int{128}, DurationMs: math.NaN()},
		latency.Batch{IsPrefill: true, SeqLens: nil, DurationMs: 10},
		latency.Batch{SeqLens: []int{0, 5}, DurationMs: 10},
		latency.Batch{SeqLens: []int{5}, DurationMs: -1},
	)

	_, report, err := latency.Fit(batches, 2, latency.DefaultFitOptions())

	require.NoError(t, err)
	assert.Equal(t, 2, report.Prefill.Skipped)
	assert.Equal(t, 2, report.Decode.Skipped)
	assert.Equal(t, 20, report.Prefill.Samples)
}

func TestFit_InvalidDP(t *testing.T) {
	_, _, err := latency.Fit(nil, 0, latency.DefaultFitOptions())
	assert.Error(t, err)
}
