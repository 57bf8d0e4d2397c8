// Tracks simulation-wide counters and turns per-request histories into run statistics.

package sim

import (
	"fmt"
	"io"
	"sort"
)

// Metrics aggregates counters while the simulation runs.
type Metrics struct {
	CompletedRequests int // Requests that reached their target or a length cap
	FailedRequests    int // Requests dropped at admission
	TruncatedRequests int // Completed on a cap before reaching the target
	PrefillSteps      int
	DecodeSteps       int
	RecomputeSteps    int // re-prefill steps over evicted or preempted requests
	RecomputeEvents   int // recompute transitions under KV pressure
	Preemptions       int
	NumericWarnings   int // step durations clamped to zero
	DecodeBatchSizes  []int
}

// NewMetrics returns zeroed Metrics.
func NewMetrics() *Metrics {
	return &Metrics{DecodeBatchSizes: make([]int, 0)}
}

// Result is the summary a simulation returns to its caller.
// Latencies are in milliseconds to line up with the tuning thresholds.
type Result struct {
	Duration   float64 `json:"duration_s"`
	Iterations int     `json:"iterations"`
	TimedOut   bool    `json:"timed_out"`

	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	Truncated    int `json:"truncated"`
	OutputTokens int `json:"output_tokens"`

	Throughput        float64 `json:"throughput_tokens_per_s"`
	RequestThroughput float64 `json:"throughput_requests_per_s"`

	AvgPrefillLatencyMs float64 `json:"avg_prefill_latency_ms"`
	P90PrefillLatencyMs float64 `json:"p90_prefill_latency_ms"`
	P99PrefillLatencyMs float64 `json:"p99_prefill_latency_ms"`
	AvgDecodeLatencyMs  float64 `json:"avg_decode_latency_ms"`
	P90DecodeLatencyMs  float64 `json:"p90_decode_latency_ms"`
	P99DecodeLatencyMs  float64 `json:"p99_decode_latency_ms"`

	AvgDecodeBatchSize float64     `json:"avg_decode_batch_size"`
	DecodeBatchSizes   map[int]int `json:"decode_batch_size_hist"`

	PrefillSteps    int `json:"prefill_steps"`
	DecodeSteps     int `json:"decode_steps"`
	RecomputeSteps  int `json:"recompute_steps"`
	RecomputeEvents int `json:"recompute_events"`
	Preemptions     int `json:"preemptions"`
	NumericWarnings int `json:"numeric_warnings"`
	PeakKVBlocks    int `json:"peak_kv_blocks"`
}

// summarize builds the Result from request histories and counters.
func summarize(m *Metrics, requests map[int]*Request, clock float64, iterations int, peakBlocks int) *Result {
	ids := make([]int, 0, len(requests))
	for id := range requests {
		ids = append(ids, id)
	}
	// fixed order keeps the float sums reproducible
	sort.Ints(ids)

	var prefill, decode []float64
	outputTokens := 0
	for _, id := range ids {
		req := requests[id]
		outputTokens += req.CurrentDecodeLen + req.RecomputeLen
		for _, st := range req.Steps {
			switch st.Kind {
			case StepPrefill:
				prefill = append(prefill, st.Latency)
			case StepDecode:
				decode = append(decode, st.Latency)
			}
		}
	}

	hist := make(map[int]int)
	for _, b := range m.DecodeBatchSizes {
		hist[b]++
	}

	r := &Result{
		Duration:            clock,
		Iterations:          iterations,
		Completed:           m.CompletedRequests,
		Failed:              m.FailedRequests,
		Truncated:           m.TruncatedRequests,
		OutputTokens:        outputTokens,
		AvgPrefillLatencyMs: CalculateMean(prefill) * 1000,
		P90PrefillLatencyMs: CalculatePercentile(prefill, 90) * 1000,
		P99PrefillLatencyMs: CalculatePercentile(prefill, 99) * 1000,
		AvgDecodeLatencyMs:  CalculateMean(decode) * 1000,
		P90DecodeLatencyMs:  CalculatePercentile(decode, 90) * 1000,
		P99DecodeLatencyMs:  CalculatePercentile(decode, 99) * 1000,
		AvgDecodeBatchSize:  CalculateMean(m.DecodeBatchSizes),
		DecodeBatchSizes:    hist,
		PrefillSteps:        m.PrefillSteps,
		DecodeSteps:         m.DecodeSteps,
		RecomputeSteps:      m.RecomputeSteps,
		RecomputeEvents:     m.RecomputeEvents,
		Preemptions:         m.Preemptions,
		NumericWarnings:     m.NumericWarnings,
		PeakKVBlocks:        peakBlocks,
	}
	if clock > 0 {
		r.Throughput = float64(outputTokens) / clock
		r.RequestThroughput = float64(m.CompletedRequests) / clock
	}
	return r
}

// Print displays the summary in a human-readable form.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintln(w, "=== Simulation Metrics ===")
	fmt.Fprintf(w, "Simulated duration   : %.3f s (%d steps)\n", r.Duration, r.Iterations)
	if r.TimedOut {
		fmt.Fprintln(w, "Iteration cap hit    : partial metrics")
	}
	fmt.Fprintf(w, "Completed / Failed   : %d / %d (truncated %d)\n", r.Completed, r.Failed, r.Truncated)
	fmt.Fprintf(w, "Output tokens        : %d\n", r.OutputTokens)
	fmt.Fprintf(w, "Throughput           : %.2f tokens/s, %.3f req/s\n", r.Throughput, r.RequestThroughput)
	fmt.Fprintf(w, "Prefill latency (ms) : avg %.2f, p90 %.2f, p99 %.2f\n", r.AvgPrefillLatencyMs, r.P90PrefillLatencyMs, r.P99PrefillLatencyMs)
	fmt.Fprintf(w, "Decode latency (ms)  : avg %.2f, p90 %.2f, p99 %.2f\n", r.AvgDecodeLatencyMs, r.P90DecodeLatencyMs, r.P99DecodeLatencyMs)
	fmt.Fprintf(w, "Decode batch size    : avg %.2f\n", r.AvgDecodeBatchSize)
	fmt.Fprintf(w, "Recompute / Preempt  : %d / %d\n", r.RecomputeEvents, r.Preemptions)
	fmt.Fprintf(w, "Peak KV usage        : %d blocks\n", r.PeakKVBlocks)
	if r.NumericWarnings > 0 {
		fmt.Fprintf(w, "Numeric warnings     : %d\n", r.NumericWarnings)
	}
}
