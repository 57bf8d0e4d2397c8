package tuning

import (
	"github.com/sirupsen/logrus"

	"github.com/inference-sim/simtune/sim"
)

// GridSolver enumerates every point of the space in order.
type GridSolver struct {
	points    []Point
	pos       int
	batchSize int
	pending   int
	skipped   int
	tracker   bestTracker
}

// NewGridSolver enumerates space. Points that break max_prefill_batch_size <=
// max_batch_size are skipped. batchSize <= 0 proposes all points at once.
func NewGridSolver(space Space, base sim.SimConfig, batchSize int) *GridSolver {
	g := &GridSolver{batchSize: batchSize}
	for _, p := range space.Enumerate() {
		if !p.Structural(base) {
			g.skipped++
			continue
		}
		g.points = append(g.points, p)
	}
	if g.skipped > 0 {
		logrus.Infof("grid: skipped %d points with max_prefill_batch_size > max_batch_size", g.skipped)
	}
	if g.batchSize <= 0 {
		g.batchSize = len(g.points)
	}
	return g
}

func (g *GridSolver) Name() string { return StrategyGrid }

// Points returns the enumerated points.
func (g *GridSolver) Points() []Point { return g.points }

func (g *GridSolver) HasNext() bool {
	return g.pending == 0 && g.pos < len(g.points)
}

func (g *GridSolver) NextBatch() []Point {
	if !g.HasNext() {
		return nil
	}
	end := min(g.pos+g.batchSize, len(g.points))
	batch := g.points[g.pos:end]
	g.pending = len(batch)
	g.pos = end
	return batch
}

func (g *GridSolver) Update(o Outcome) {
	if g.pending > 0 {
		g.pending--
	}
	g.tracker.offer(o)
}

func (g *GridSolver) Best() (Outcome, bool) { return g.tracker.get() }
