package tuning

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inference-sim/simtune/sim"
	"github.com/inference-sim/simtune/sim/workload"
)

// batchLatency makes prefill slower and decode faster per row as batches grow,
// so that prefill latency rises and decode latency falls with concurrency.
type batchLatency struct{}

func (batchLatency) PrefillTime(seqLens []int) float64 { return 0.01 * float64(len(seqLens)) }
func (batchLatency) DecodeTime(seqLens []int) float64  { return 0.1 / float64(len(seqLens)) }

func baseConfig() sim.SimConfig {
	cfg := sim.DefaultSimConfig()
	cfg.Arrival.Concurrency = 1
	cfg.Batch.MaxBatchSize = 8
	cfg.Batch.MaxPrefillBatchSize = 8
	cfg.Seed = 42
	return cfg
}

func newTestRunner(t *testing.T, th Thresholds, workers int) *Runner {
	t.Helper()
	r, err := NewRunner(baseConfig(), batchLatency{}, workload.Repeat(32, 8, 20), RunnerOptions{
		Thresholds: th,
		Workers:    workers,
		Metrics:    NewMetrics("test"),
	})
	require.NoError(t, err)
	return r
}

func concurrencySpace(t *testing.T) Space {
	t.Helper()
	s, err := NewSpace([]Range{{Name: ParamConcurrency, Low: 1, High: 6, Step: 1}})
	require.NoError(t, err)
	return s
}

// onlyInteriorFeasible measures every concurrency point and returns thresholds
// that exactly concurrency=3 satisfies.
func onlyInteriorFeasible(t *testing.T) Thresholds {
	t.Helper()
	r := newTestRunner(t, NoThresholds(), 1)
	var results []*sim.Result
	for c := 1; c <= 5; c++ {
		o, err := r.Evaluate(context.Background(), Point{ParamConcurrency: float64(c)})
		require.NoError(t, err)
		require.NotNil(t, o.Result)
		results = append(results, o.Result)
	}
	for i := 1; i < len(results); i++ {
		require.Less(t, results[i-1].AvgPrefillLatencyMs, results[i].AvgPrefillLatencyMs, "prefill latency rises with concurrency")
		require.Greater(t, results[i-1].AvgDecodeLatencyMs, results[i].AvgDecodeLatencyMs, "decode latency falls with concurrency")
	}
	k := results[2]
	return Thresholds{
		AvgPrefillMs: k.AvgPrefillLatencyMs,
		P90PrefillMs: k.P90PrefillLatencyMs,
		AvgDecodeMs:  k.AvgDecodeLatencyMs,
		P90DecodeMs:  k.P90DecodeLatencyMs,
	}
}

func TestRange_Values(t *testing.T) {
	tests := []struct {
		name string
		r    Range
		want []float64
	}{
		{name: "half-open", r: Range{Name: ParamConcurrency, Low: 1, High: 6, Step: 2}, want: []float64{1, 3, 5}},
		{name: "high excluded", r: Range{Name: ParamConcurrency, Low: 1, High: 5, Step: 2}, want: []float64{1, 3}},
		{name: "singleton", r: Range{Name: ParamConcurrency, Low: 4, High: 4, Step: 1}, want: []float64{4}},
		{name: "fractional step", r: Range{Name: ParamRequestRate, Low: 0.1, High: 0.4, Step: 0.1}, want: []float64{0.1, 0.2, 0.30000000000000004}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.r.Values())
		})
	}
}

func TestNewSpace_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		ranges []Range
	}{
		{name: "empty"},
		{name: "unknown parameter", ranges: []Range{{Name: "block_size", Low: 1, High: 2, Step: 1}}},
		{name: "inverted", ranges: []Range{{Name: ParamConcurrency, Low: 5, High: 2, Step: 1}}},
		{name: "zero step", ranges: []Range{{Name: ParamConcurrency, Low: 1, High: 2}}},
		{name: "fractional integer step", ranges: []Range{{Name: ParamMaxBatchSize, Low: 1, High: 2, Step: 0.5}}},
		{name: "duplicate", ranges: []Range{{Name: ParamConcurrency, Low: 1, High: 2, Step: 1}, {Name: ParamConcurrency, Low: 1, High: 2, Step: 1}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSpace(tc.ranges)
			assert.Error(t, err)
		})
	}
}

func TestSpace_Enumerate_SkipsStructurallyInvalid(t *testing.T) {
	s, err := NewSpace([]Range{
		{Name: ParamMaxPrefillBatchSize, Low: 2, High: 6, Step: 2},
		{Name: ParamMaxBatchSize, Low: 2, High: 6, Step: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, s.Size())

	g := NewGridSolver(s, baseConfig(), 0)

	want := []Point{
		{ParamMaxBatchSize: 2, ParamMaxPrefillBatchSize: 2},
		{ParamMaxBatchSize: 4, ParamMaxPrefillBatchSize: 2},
		{ParamMaxBatchSize: 4, ParamMaxPrefillBatchSize: 4},
	}
	if diff := cmp.Diff(want, g.Points()); diff != "" {
		t.Errorf("grid points mismatch (-want +got):\n%s", diff)
	}
}

func TestApply_ConvertsMillisecondsAndRounds(t *testing.T) {
	cfg := Apply(baseConfig(), Point{
		ParamConcurrency:      7,
		ParamRequestRate:      2.5,
		ParamPrefillTimeMs:    300,
		ParamDecodeTimeMs:     40,
		ParamMaxPrefillTokens: 4096,
	})
	assert.Equal(t, 7, cfg.Arrival.Concurrency)
	assert.Equal(t, 2.5, cfg.Arrival.RequestRate)
	assert.InDelta(t, 0.3, cfg.Balance.PrefillTimePerReq, 1e-12)
	assert.InDelta(t, 0.04, cfg.Balance.DecodeTimePerReq, 1e-12)
	assert.Equal(t, 4096, cfg.Batch.MaxPrefillTokens)
	assert.Equal(t, 1, baseConfig().Arrival.Concurrency, "base untouched")
}

func TestThresholds_Violation(t *testing.T) {
	r := &sim.Result{AvgPrefillLatencyMs: 120, P90PrefillLatencyMs: 200, AvgDecodeLatencyMs: 30, P90DecodeLatencyMs: 45}
	assert.Equal(t, 0.0, NoThresholds().Violation(r))
	th := Thresholds{AvgPrefillMs: 100, P90PrefillMs: Disabled, AvgDecodeMs: 40, P90DecodeMs: 40}
	assert.Equal(t, 25.0, th.Violation(r))
}

func TestConstraintHandlers(t *testing.T) {
	feasibleSlow := Outcome{Feasible: true, Throughput: 100}
	feasibleFast := Outcome{Feasible: true, Throughput: 200}
	infeasibleFast := Outcome{Throughput: 1000, Violation: 1}
	infeasibleFar := Outcome{Throughput: 1000, Violation: 50}

	ff, err := NewConstraintHandler(HandlerFeasibilityFirst, 0)
	require.NoError(t, err)
	assert.True(t, ff.Better(feasibleSlow, infeasibleFast))
	assert.True(t, ff.Better(feasibleFast, feasibleSlow))
	assert.True(t, ff.Better(infeasibleFast, infeasibleFar))

	pen, err := NewConstraintHandler(HandlerPenalty, 10)
	require.NoError(t, err)
	assert.Equal(t, -1000.0+10, pen.Fitness(1000, 1))
	assert.Equal(t, -200.0, pen.Fitness(200, 0))

	_, err = NewConstraintHandler("lagrange", 1)
	assert.Error(t, err)
}

func TestGridSolver_ReturnsTheOnlyFeasiblePoint(t *testing.T) {
	// GIVEN thresholds that only the interior point concurrency=3 meets
	th := onlyInteriorFeasible(t)
	r := newTestRunner(t, th, 2)

	// WHEN the grid is searched
	rep, err := r.Run(context.Background(), NewGridSolver(concurrencySpace(t), r.Base, 2))

	// THEN that point is returned
	require.NoError(t, err)
	require.NotNil(t, rep.Best)
	assert.Equal(t, Point{ParamConcurrency: 3}, rep.Best.Point)
	assert.Equal(t, 5, rep.Evaluations)
	feasible := 0
	for _, o := range rep.Trials {
		if o.Feasible {
			feasible++
		}
	}
	assert.Equal(t, 1, feasible)
}

func TestPSOSolver_ConvergesToFeasibleRegion(t *testing.T) {
	th := onlyInteriorFeasible(t)
	r := newTestRunner(t, th, 4)
	s, err := NewSolver(concurrencySpace(t), SolverOptions{
		Strategy:   StrategyPSO,
		Handler:    r.Handler,
		Base:       r.Base,
		Particles:  12,
		Iterations: 20,
		Seed:       7,
	})
	require.NoError(t, err)

	rep, err := r.Run(context.Background(), s)

	require.NoError(t, err)
	require.NotNil(t, rep.Best)
	assert.True(t, rep.Best.Feasible)
	assert.Equal(t, Point{ParamConcurrency: 3}, rep.Best.Point)
	assert.Equal(t, 12*20, rep.Evaluations)
	assert.Positive(t, rep.CacheHits, "revisited points come from the memo")
}

func TestPSOSolver_InitialSwarmRespectsBatchCaps(t *testing.T) {
	space, err := NewSpace([]Range{
		{Name: ParamMaxPrefillBatchSize, Low: 1, High: 65, Step: 1},
		{Name: ParamMaxBatchSize, Low: 1, High: 65, Step: 1},
	})
	require.NoError(t, err)
	s, err := NewPSOSolver(space, baseConfig(), Penalty{Coefficient: 1}, PSOOptions{Particles: 50, Iterations: 3}, rand.New(rand.NewSource(1)))
	require.NoError(t, err)

	for s.HasNext() {
		for _, p := range s.NextBatch() {
			assert.LessOrEqual(t, p[ParamMaxPrefillBatchSize], p[ParamMaxBatchSize], "point %s", p)
			assert.GreaterOrEqual(t, p[ParamMaxBatchSize], 1.0)
			assert.LessOrEqual(t, p[ParamMaxBatchSize], 64.0)
			s.Update(Outcome{Point: p, Result: &sim.Result{Throughput: p[ParamMaxBatchSize]}, Feasible: true, Throughput: p[ParamMaxBatchSize]})
		}
	}
}

func TestPSOSolver_ImpossibleStructure(t *testing.T) {
	space, err := NewSpace([]Range{{Name: ParamMaxPrefillBatchSize, Low: 100, High: 200, Step: 10}})
	require.NoError(t, err)
	base := baseConfig()
	base.Batch.MaxBatchSize = 50

	_, err = NewPSOSolver(space, base, Penalty{Coefficient: 1}, PSOOptions{}, rand.New(rand.NewSource(1)))
	assert.Error(t, err)
}

func TestSolvers_IgnoreTimedOutOutcomes(t *testing.T) {
	g := NewGridSolver(concurrencySpace(t), baseConfig(), 0)
	batch := g.NextBatch()
	require.Len(t, batch, 5)

	g.Update(Outcome{Point: batch[0], Result: &sim.Result{Throughput: 1e6}, Throughput: 1e6, Feasible: true, TimedOut: true})
	g.Update(Outcome{Point: batch[1], Result: &sim.Result{Throughput: 10}, Throughput: 10, Feasible: true})
	g.Update(Outcome{Point: batch[2], Rejected: "bad config"})

	best, ok := g.Best()
	require.True(t, ok)
	assert.Equal(t, batch[1], best.Point)
	assert.False(t, g.HasNext(), "two updates still pending")
	g.Update(Outcome{Point: batch[3]})
	g.Update(Outcome{Point: batch[4]})
	assert.False(t, g.HasNext(), "grid exhausted")
}

func TestGrid_SingletonRange_MatchesSingleRun(t *testing.T) {
	// GIVEN a space with one point
	space, err := NewSpace([]Range{{Name: ParamConcurrency, Low: 4, High: 4, Step: 1}})
	require.NoError(t, err)
	r := newTestRunner(t, NoThresholds(), 1)

	rep, err := r.Run(context.Background(), NewGridSolver(space, r.Base, 0))
	require.NoError(t, err)
	require.NotNil(t, rep.Best)

	// WHEN the same configuration is simulated standalone
	s, err := sim.NewSimulator(Apply(r.Base, Point{ParamConcurrency: 4}), batchLatency{}, workload.Repeat(32, 8, 20))
	require.NoError(t, err)
	direct, err := s.Run(context.Background())
	require.NoError(t, err)

	// THEN the metrics are identical
	assert.Equal(t, Point{ParamConcurrency: 4}, rep.Best.Point)
	if diff := cmp.Diff(direct, rep.Best.Result); diff != "" {
		t.Errorf("grid result differs from a single run (-single +grid):\n%s", diff)
	}
}

func TestRunner_ResultsIndependentOfWorkers(t *testing.T) {
	th := onlyInteriorFeasible(t)
	serial, err := newTestRunner(t, th, 1).Run(context.Background(), NewGridSolver(concurrencySpace(t), baseConfig(), 0))
	require.NoError(t, err)
	parallel, err := newTestRunner(t, th, 4).Run(context.Background(), NewGridSolver(concurrencySpace(t), baseConfig(), 0))
	require.NoError(t, err)

	if diff := cmp.Diff(serial, parallel); diff != "" {
		t.Errorf("reports differ (-serial +parallel):\n%s", diff)
	}
}

func TestRunner_RejectsInvalidPointAndAbortsOnInvalidWorkload(t *testing.T) {
	r := newTestRunner(t, NoThresholds(), 1)
	o, err := r.Evaluate(context.Background(), Point{ParamConcurrency: 0})
	require.NoError(t, err)
	assert.NotEmpty(t, o.Rejected)
	assert.False(t, o.Usable())

	bad, err := NewRunner(baseConfig(), batchLatency{}, workload.Workload{{InputLen: 8, OutputLen: 0}}, RunnerOptions{})
	require.NoError(t, err)
	_, err = bad.Evaluate(context.Background(), Point{ParamConcurrency: 1})
	assert.ErrorIs(t, err, sim.ErrInvalidWorkload)
}

func TestRunner_CancelledContext(t *testing.T) {
	r := newTestRunner(t, NoThresholds(), 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Run(ctx, NewGridSolver(concurrencySpace(t), r.Base, 0))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunner_IterationCapMarksTimedOut(t *testing.T) {
	r := newTestRunner(t, NoThresholds(), 1)
	r.Base.MaxIterations = 3

	o, err := r.Evaluate(context.Background(), Point{ParamConcurrency: 2})

	require.NoError(t, err)
	assert.True(t, o.TimedOut)
	assert.False(t, o.Feasible)
	assert.False(t, o.Usable())
}

func TestMetrics_WriteTextfile(t *testing.T) {
	r := newTestRunner(t, NoThresholds(), 1)
	_, err := r.Run(context.Background(), NewGridSolver(concurrencySpace(t), r.Base, 0))
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, r.Metrics.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `simtune_trials_total{outcome="feasible",strategy="test"} 5`)
	assert.Contains(t, string(data), "simtune_best_throughput_tokens_per_second")
}
