package tuning

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/simtune/sim"
)

// maxInitDraws bounds the rejection sampling of one initial particle.
const maxInitDraws = 1000

// PSOOptions configures the particle swarm.
type PSOOptions struct {
	Particles  int
	Iterations int // including the initial evaluation
	Inertia    float64
	Cognitive  float64
	Social     float64
}

// DefaultPSOOptions returns 12 particles, 20 iterations, w=0.7 and c1=c2=1.5.
func DefaultPSOOptions() PSOOptions {
	return PSOOptions{Particles: 12, Iterations: 20, Inertia: 0.7, Cognitive: 1.5, Social: 1.5}
}

type particle struct {
	x, v     []float64
	best     []float64
	bestSeen *Outcome
}

// PSOSolver is a particle swarm over the box spanned by the grid values. Each
// particle is evaluated at its position snapped to the grid.
type PSOSolver struct {
	space     Space
	base      sim.SimConfig
	handler   ConstraintHandler
	opts      PSOOptions
	rng       *rand.Rand
	particles []*particle

	iter    int
	pending []int // particle index per proposed point, in order
	cursor  int

	tracker bestTracker
	gbestX  []float64
	guide   *Outcome
	guideX  []float64
}

// NewPSOSolver draws the initial swarm, rejecting positions whose snapped point
// has max_prefill_batch_size > max_batch_size.
func NewPSOSolver(space Space, base sim.SimConfig, h ConstraintHandler, opts PSOOptions, rng *rand.Rand) (*PSOSolver, error) {
	def := DefaultPSOOptions()
	if opts.Particles <= 0 {
		opts.Particles = def.Particles
	}
	if opts.Iterations <= 0 {
		opts.Iterations = def.Iterations
	}
	if opts.Inertia == 0 && opts.Cognitive == 0 && opts.Social == 0 {
		opts.Inertia, opts.Cognitive, opts.Social = def.Inertia, def.Cognitive, def.Social
	}
	s := &PSOSolver{space: space, base: base, handler: h, opts: opts, rng: rng}

	for i := 0; i < opts.Particles; i++ {
		p := &particle{x: make([]float64, len(space)), v: make([]float64, len(space))}
		ok := false
		for draw := 0; draw < maxInitDraws && !ok; draw++ {
			for d, r := range space {
				p.x[d] = r.Low + rng.Float64()*(r.Max()-r.Low)
			}
			ok = s.point(p.x).Structural(base)
		}
		if !ok {
			return nil, fmt.Errorf("pso: no structurally valid initial point after %d draws (max_prefill_batch_size > max_batch_size everywhere)", maxInitDraws)
		}
		for d, r := range space {
			span := r.Max() - r.Low
			p.v[d] = (2*rng.Float64() - 1) * 0.1 * span
		}
		p.best = append([]float64(nil), p.x...)
		s.particles = append(s.particles, p)
	}
	return s, nil
}

func (s *PSOSolver) Name() string { return StrategyPSO }

func (s *PSOSolver) HasNext() bool {
	return s.cursor == len(s.pending) && s.iter < s.opts.Iterations
}

// point snaps a position to the grid.
func (s *PSOSolver) point(x []float64) Point {
	p := make(Point, len(s.space))
	for d, r := range s.space {
		p[r.Name] = r.snap(x[d])
	}
	return p
}

// repair lowers max_prefill_batch_size to max_batch_size, or raises
// max_batch_size when only it is searched.
func (s *PSOSolver) repair(p Point) Point {
	if p.Structural(s.base) {
		return p
	}
	batch, hasBatch := p[ParamMaxBatchSize]
	if !hasBatch {
		batch = float64(s.base.Batch.MaxBatchSize)
	}
	if _, ok := p[ParamMaxPrefillBatchSize]; ok {
		p[ParamMaxPrefillBatchSize] = batch
	} else {
		p[ParamMaxBatchSize] = float64(s.base.Batch.MaxPrefillBatchSize)
	}
	return p
}

func (s *PSOSolver) NextBatch() []Point {
	if !s.HasNext() {
		return nil
	}
	if s.iter > 0 {
		s.move()
	}
	s.iter++
	s.pending = s.pending[:0]
	s.cursor = 0
	batch := make([]Point, 0, len(s.particles))
	for i, p := range s.particles {
		batch = append(batch, s.repair(s.point(p.x)))
		s.pending = append(s.pending, i)
	}
	return batch
}

// move applies the velocity update to every particle.
func (s *PSOSolver) move() {
	social := s.gbestX
	if social == nil {
		social = s.guideX
	}
	for _, p := range s.particles {
		for d, r := range s.space {
			r1, r2 := s.rng.Float64(), s.rng.Float64()
			v := s.opts.Inertia*p.v[d] + s.opts.Cognitive*r1*(p.best[d]-p.x[d])
			if social != nil {
				v += s.opts.Social * r2 * (social[d] - p.x[d])
			}
			x := p.x[d] + v
			if hi := r.Max(); x < r.Low || x > hi {
				x = math.Min(math.Max(x, r.Low), hi)
				v = 0
			}
			p.x[d], p.v[d] = x, v
		}
	}
}

func (s *PSOSolver) Update(o Outcome) {
	if s.cursor >= len(s.pending) {
		logrus.Warnf("pso: update without a pending point (%s)", o.Point)
		return
	}
	p := s.particles[s.pending[s.cursor]]
	s.cursor++
	if !o.Usable() {
		return
	}
	if p.bestSeen == nil || s.handler.Better(o, *p.bestSeen) {
		cp := o
		p.bestSeen = &cp
		copy(p.best, p.x)
	}
	if s.guide == nil || s.handler.Better(o, *s.guide) {
		cp := o
		s.guide = &cp
		s.guideX = append(s.guideX[:0], p.x...)
	}
	before, _ := s.tracker.get()
	s.tracker.offer(o)
	if after, ok := s.tracker.get(); ok && (s.gbestX == nil || after.Throughput != before.Throughput) {
		s.gbestX = append(s.gbestX[:0], p.x...)
	}
}

// Best returns the global best, which only feasible particles can set.
func (s *PSOSolver) Best() (Outcome, bool) { return s.tracker.get() }
