package workload

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_JSONPairsAndObjects(t *testing.T) {
	path := writeFile(t, "w.json", `[[32, 8], {"input_len": 64, "output_len": 16}]`)
	w, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Workload{{InputLen: 32, OutputLen: 8}, {InputLen: 64, OutputLen: 16}}, w)
}

func TestLoad_CSVWithHeader(t *testing.T) {
	path := writeFile(t, "w.csv", "input_len,output_len\n10,2\n20,4\n")
	w, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Workload{{10, 2}, {20, 4}}, w)
}

func TestLoad_CSVBadRow_Errors(t *testing.T) {
	path := writeFile(t, "w.csv", "10,2\nx,4\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_UnknownExtension_Errors(t *testing.T) {
	path := writeFile(t, "w.txt", "10 2")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestRepeat_TotalOutputTokens(t *testing.T) {
	w := Repeat(32, 8, 20)
	assert.Len(t, w, 20)
	assert.Equal(t, 160, w.TotalOutputTokens())
}

func TestGenerate_DeterministicForSeed(t *testing.T) {
	spec := SynthSpec{
		Count:      50,
		InputDist:  DistSpec{Type: "uniform", Params: map[string]float64{"min": 16, "max": 512}},
		OutputDist: DistSpec{Type: "gaussian", Params: map[string]float64{"mean": 64, "std_dev": 16, "min": 1, "max": 128}},
	}
	a, err := Generate(spec, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	b, err := Generate(spec, rand.New(rand.NewSource(7)))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	for _, it := range a {
		assert.GreaterOrEqual(t, it.InputLen, 16)
		assert.LessOrEqual(t, it.InputLen, 512)
		assert.GreaterOrEqual(t, it.OutputLen, 1)
		assert.LessOrEqual(t, it.OutputLen, 128)
	}
}

func TestNewLengthSampler_InvalidSpecs(t *testing.T) {
	tests := []DistSpec{
		{Type: "fixed"},
		{Type: "uniform", Params: map[string]float64{"min": 10, "max": 5}},
		{Type: "exponential", Params: map[string]float64{"mean": 0}},
		{Type: "zipf"},
	}
	for _, spec := range tests {
		_, err := NewLengthSampler(spec)
		assert.Error(t, err, "spec %+v", spec)
	}
}

func TestArrivalSamplers_MeanMatchesRate(t *testing.T) {
	for _, process := range []string{ArrivalPoisson, ArrivalUniform} {
		t.Run(process, func(t *testing.T) {
			s, err := NewArrivalSampler(process, 50)
			require.NoError(t, err)
			rng := rand.New(rand.NewSource(42))
			const n = 20000
			sum := 0.0
			for i := 0; i < n; i++ {
				gap := s.SampleIAT(rng)
				require.GreaterOrEqual(t, gap, 0.0)
				sum += gap
			}
			assert.InDelta(t, 1.0/50, sum/n, 0.001)
		})
	}
}

func TestUniformSampler_BoundedByTwiceMeanGap(t *testing.T) {
	s, err := NewArrivalSampler(ArrivalUniform, 4)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 1000; i++ {
		gap := s.SampleIAT(rng)
		assert.Less(t, gap, 0.5)
		assert.False(t, math.IsNaN(gap))
	}
}

func TestNewArrivalSampler_Errors(t *testing.T) {
	_, err := NewArrivalSampler(ArrivalPoisson, 0)
	assert.Error(t, err)
	_, err = NewArrivalSampler("gamma", 1)
	assert.Error(t, err)
}

func TestFromShareGPT(t *testing.T) {
	dump := `[
		{"id": "a", "conversations": [
			{"from": "human", "value": [1, 2, 3]}, {"from": "gpt", "value": [4, 5]},
			{"from": "human", "value": [6]}, {"from": "gpt", "value": [7, 8, 9, 10]}
		]},
		{"id": "b", "conversations": [
			{"from": "system", "value": [1]},
			{"from": "human", "value": [1, 2]}, {"from": "gpt", "value": []},
			{"from": "human", "value": [1, 2, 3, 4]}, {"from": "gpt", "value": [5]}
		]}
	]`

	first, err := FromShareGPT(strings.NewReader(dump), 1)
	require.NoError(t, err)
	assert.Equal(t, Workload{{3, 2}, {4, 1}}, first)

	all, err := FromShareGPT(strings.NewReader(dump), 0)
	require.NoError(t, err)
	assert.Equal(t, Workload{{3, 2}, {1, 4}, {4, 1}}, all)

	_, err = FromShareGPT(strings.NewReader(`[{"id": "x", "conversations": []}]`), 0)
	assert.Error(t, err)
	_, err = FromShareGPT(strings.NewReader(`{`), 0)
	assert.Error(t, err)
}
