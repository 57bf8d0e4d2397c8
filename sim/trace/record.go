// Package trace provides step-level event recording for single-instance simulations.
// This package has no dependencies on sim/; it stores plain data types.
package trace

// StepEvent captures one executed batch step (a prefill or decode forward pass).
// Start and Duration are in seconds of simulated time.
type StepEvent struct {
	Kind      string // "prefill", "decode" or "recompute"
	BatchSize int
	SeqLens   []int
	Start     float64
	Duration  float64

	// Cost-balance state at the moment the step was chosen.
	CostD          float64
	CostP          float64
	DecodeTableLen int
	UsedBlocks     int
}

// RecomputeRecord captures one recompute transition under KV pressure.
type RecomputeRecord struct {
	Clock         float64
	EvictedIDs    []int
	RecomputeTime float64 // estimated re-prefill cost of the evicted rows, seconds
	UsedBefore    int
	UsedAfter     int
}

// PreemptionRecord captures a decode row swapped out when nothing else could free KV.
type PreemptionRecord struct {
	Clock     float64
	RequestID int
}
