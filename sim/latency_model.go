package sim

// LatencyModel estimates step durations for the DES step loop.
// The fitted implementation lives in sim/latency.
// All estimates are in seconds. A numerical failure is reported as NaN;
// callers clamp it rather than abort.
type LatencyModel interface {
	// PrefillTime estimates one prefill step over prompts of the given lengths
	// (model compute plus framework overhead).
	PrefillTime(seqLens []int) float64

	// DecodeTime estimates one decode step over requests whose current context
	// lengths are given.
	DecodeTime(seqLens []int) float64
}
