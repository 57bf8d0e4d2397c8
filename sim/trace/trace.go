package trace

// TraceLevel controls the verbosity of step tracing.
type TraceLevel string

const (
	// TraceLevelNone disables tracing (zero overhead).
	TraceLevelNone TraceLevel = "none"
	// TraceLevelSteps captures every batch step plus recompute and preemption transitions.
	TraceLevelSteps TraceLevel = "steps"
)

// validTraceLevels maps accepted trace level strings.
var validTraceLevels = map[TraceLevel]bool{
	TraceLevelNone:  true,
	TraceLevelSteps: true,
	"":              true, // empty defaults to none
}

// IsValidTraceLevel returns true if the given level string is a recognized trace level.
func IsValidTraceLevel(level string) bool {
	return validTraceLevels[TraceLevel(level)]
}

// SimulationTrace collects step records during a simulation.
// Recompute and preemption transitions are always kept because they are rare
// and feed the run summary; per-step events only at TraceLevelSteps.
type SimulationTrace struct {
	Level       TraceLevel
	Steps       []StepEvent
	Recomputes  []RecomputeRecord
	Preemptions []PreemptionRecord
}

// NewSimulationTrace creates a SimulationTrace ready for recording.
func NewSimulationTrace(level TraceLevel) *SimulationTrace {
	return &SimulationTrace{
		Level:       level,
		Steps:       make([]StepEvent, 0),
		Recomputes:  make([]RecomputeRecord, 0),
		Preemptions: make([]PreemptionRecord, 0),
	}
}

// RecordStep appends a batch step event when step tracing is enabled.
func (st *SimulationTrace) RecordStep(ev StepEvent) {
	if st.Level != TraceLevelSteps {
		return
	}
	st.Steps = append(st.Steps, ev)
}

// RecordRecompute appends a recompute transition.
func (st *SimulationTrace) RecordRecompute(rec RecomputeRecord) {
	st.Recomputes = append(st.Recomputes, rec)
}

// RecordPreemption appends a preemption.
func (st *SimulationTrace) RecordPreemption(rec PreemptionRecord) {
	st.Preemptions = append(st.Preemptions, rec)
}
