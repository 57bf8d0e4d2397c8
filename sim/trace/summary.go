package trace

// TraceSummary aggregates statistics from a SimulationTrace.
type TraceSummary struct {
	PrefillSteps       int
	DecodeSteps        int
	RecomputeSteps     int
	RecomputeEvents    int
	EvictedRows        int
	Preemptions        int
	MeanDecodeBatch    float64
	MaxDecodeBatch     int
	BusyTime           float64     // sum of step durations, seconds
	DecodeBatchHistory map[int]int // decode batch size -> count
}

// Summarize computes aggregate statistics from a SimulationTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *SimulationTrace) *TraceSummary {
	summary := &TraceSummary{
		DecodeBatchHistory: make(map[int]int),
	}
	if st == nil {
		return summary
	}

	decodeRows := 0
	for _, ev := range st.Steps {
		summary.BusyTime += ev.Duration
		switch ev.Kind {
		case "prefill":
			summary.PrefillSteps++
		case "recompute":
			summary.RecomputeSteps++
		case "decode":
			summary.DecodeSteps++
			decodeRows += ev.BatchSize
			summary.DecodeBatchHistory[ev.BatchSize]++
			if ev.BatchSize > summary.MaxDecodeBatch {
				summary.MaxDecodeBatch = ev.BatchSize
			}
		}
	}
	if summary.DecodeSteps > 0 {
		summary.MeanDecodeBatch = float64(decodeRows) / float64(summary.DecodeSteps)
	}

	summary.RecomputeEvents = len(st.Recomputes)
	for _, r := range st.Recomputes {
		summary.EvictedRows += len(r.EvictedIDs)
	}
	summary.Preemptions = len(st.Preemptions)

	return summary
}
