package tuning

import (
	"fmt"
	"math/rand"

	"github.com/inference-sim/simtune/sim"
)

// Strategy names.
const (
	StrategyGrid = "grid"
	StrategyPSO  = "pso"
)

// Solver proposes points and learns from their outcomes.
//
// NextBatch returns the points to evaluate next; the caller evaluates all of
// them and calls Update once per point, in the order they were proposed,
// before asking for the next batch.
type Solver interface {
	Name() string
	HasNext() bool
	NextBatch() []Point
	Update(o Outcome)
	// Best returns the best feasible outcome seen so far.
	Best() (Outcome, bool)
}

// SolverOptions configures NewSolver.
type SolverOptions struct {
	Strategy   string
	Handler    ConstraintHandler
	Base       sim.SimConfig // fills parameters not in the space
	BatchSize  int           // grid points per batch; 0 means all at once
	Particles  int
	Iterations int
	Seed       int64
}

// NewSolver builds the solver for opts.Strategy.
func NewSolver(space Space, opts SolverOptions) (Solver, error) {
	if opts.Handler == nil {
		opts.Handler = Penalty{Coefficient: DefaultPenaltyCoefficient}
	}
	switch opts.Strategy {
	case "", StrategyGrid:
		return NewGridSolver(space, opts.Base, opts.BatchSize), nil
	case StrategyPSO:
		rng := rand.New(rand.NewSource(sim.DeriveSeed(opts.Seed, sim.SubsystemSolver)))
		return NewPSOSolver(space, opts.Base, opts.Handler, PSOOptions{
			Particles:  opts.Particles,
			Iterations: opts.Iterations,
		}, rng)
	default:
		return nil, fmt.Errorf("unknown strategy %q", opts.Strategy)
	}
}

// bestTracker keeps the best feasible outcome by throughput; ties keep the earlier one.
type bestTracker struct {
	best *Outcome
}

func (b *bestTracker) offer(o Outcome) {
	if !o.Usable() || !o.Feasible {
		return
	}
	if b.best == nil || o.Throughput > b.best.Throughput {
		cp := o
		b.best = &cp
	}
}

func (b *bestTracker) get() (Outcome, bool) {
	if b.best == nil {
		return Outcome{}, false
	}
	return *b.best, true
}
