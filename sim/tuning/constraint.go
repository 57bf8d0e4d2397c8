package tuning

import (
	"fmt"
	"math"

	"github.com/inference-sim/simtune/sim"
)

// Disabled turns a threshold off.
const Disabled = -1.0

// Thresholds are the latency limits a configuration must meet, in milliseconds.
// A negative value disables the limit.
type Thresholds struct {
	AvgPrefillMs float64 `json:"avg_prefill_latency_ms"`
	P90PrefillMs float64 `json:"p90_prefill_latency_ms"`
	AvgDecodeMs  float64 `json:"avg_decode_latency_ms"`
	P90DecodeMs  float64 `json:"p90_decode_latency_ms"`
}

// NoThresholds disables every limit.
func NoThresholds() Thresholds {
	return Thresholds{AvgPrefillMs: Disabled, P90PrefillMs: Disabled, AvgDecodeMs: Disabled, P90DecodeMs: Disabled}
}

// Violation is Σ max(0, metric − threshold) over the active thresholds.
func (t Thresholds) Violation(r *sim.Result) float64 {
	total := 0.0
	for _, c := range []struct{ limit, got float64 }{
		{t.AvgPrefillMs, r.AvgPrefillLatencyMs},
		{t.P90PrefillMs, r.P90PrefillLatencyMs},
		{t.AvgDecodeMs, r.AvgDecodeLatencyMs},
		{t.P90DecodeMs, r.P90DecodeLatencyMs},
	} {
		if c.limit < 0 {
			continue
		}
		total += math.Max(0, c.got-c.limit)
	}
	return total
}

// Outcome is the evaluation of one Point.
type Outcome struct {
	Point      Point       `json:"point"`
	Result     *sim.Result `json:"result,omitempty"`
	Throughput float64     `json:"throughput"`
	Violation  float64     `json:"violation"`
	Feasible   bool        `json:"feasible"`
	Fitness    float64     `json:"fitness"`
	TimedOut   bool        `json:"timed_out,omitempty"`
	Rejected   string      `json:"rejected,omitempty"` // why the point could not be simulated
	Cached     bool        `json:"cached,omitempty"`
}

// Usable reports whether o may influence a solver's best.
func (o Outcome) Usable() bool {
	return !o.TimedOut && o.Rejected == "" && o.Result != nil
}

// ConstraintHandler ranks outcomes under the latency thresholds.
type ConstraintHandler interface {
	Name() string
	// Fitness scores an outcome; lower is better.
	Fitness(throughput, violation float64) float64
	// Better reports whether a ranks strictly above b.
	Better(a, b Outcome) bool
}

// Constraint handler names.
const (
	HandlerPenalty          = "penalty"
	HandlerFeasibilityFirst = "feasibility_first"
)

// DefaultPenaltyCoefficient weighs one millisecond of threshold violation.
const DefaultPenaltyCoefficient = 100.0

// NewConstraintHandler returns the handler registered under name.
func NewConstraintHandler(name string, penaltyCoefficient float64) (ConstraintHandler, error) {
	if penaltyCoefficient <= 0 {
		penaltyCoefficient = DefaultPenaltyCoefficient
	}
	switch name {
	case "", HandlerPenalty:
		return Penalty{Coefficient: penaltyCoefficient}, nil
	case HandlerFeasibilityFirst:
		return FeasibilityFirst{}, nil
	default:
		return nil, fmt.Errorf("unknown constraint handler %q", name)
	}
}

// Penalty ranks by −throughput + Coefficient·violation.
type Penalty struct {
	Coefficient float64
}

func (Penalty) Name() string { return HandlerPenalty }

func (p Penalty) Fitness(throughput, violation float64) float64 {
	return -throughput + p.Coefficient*violation
}

func (p Penalty) Better(a, b Outcome) bool {
	return a.Fitness < b.Fitness
}

// FeasibilityFirst prefers any feasible outcome over an infeasible one, then
// higher throughput among feasible ones and smaller violation among the rest.
type FeasibilityFirst struct{}

func (FeasibilityFirst) Name() string { return HandlerFeasibilityFirst }

func (FeasibilityFirst) Fitness(throughput, violation float64) float64 {
	if violation > 0 {
		return violation
	}
	return -throughput
}

func (FeasibilityFirst) Better(a, b Outcome) bool {
	switch {
	case a.Feasible && !b.Feasible:
		return true
	case !a.Feasible && b.Feasible:
		return false
	case a.Feasible:
		return a.Throughput > b.Throughput
	default:
		return a.Violation < b.Violation
	}
}

// score fills the derived fields of o from its Result.
func score(o Outcome, t Thresholds, h ConstraintHandler) Outcome {
	if o.Result == nil {
		o.Fitness = math.Inf(1)
		return o
	}
	o.Throughput = o.Result.Throughput
	o.Violation = t.Violation(o.Result)
	o.Feasible = o.Violation == 0 && !o.TimedOut
	o.Fitness = h.Fitness(o.Throughput, o.Violation)
	return o
}
