package tuning

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inference-sim/simtune/sim"
	"github.com/inference-sim/simtune/sim/workload"
)

// defaultCacheSize bounds the memo of evaluated points.
const defaultCacheSize = 4096

// Runner evaluates solver proposals on fresh simulators.
type Runner struct {
	Base       sim.SimConfig
	Model      sim.LatencyModel // shared, read-only
	Workload   workload.Workload
	Thresholds Thresholds
	Handler    ConstraintHandler
	Workers    int
	Metrics    *Metrics

	cache *lru.Cache[string, Outcome]
}

// RunnerOptions configures NewRunner.
type RunnerOptions struct {
	Thresholds Thresholds
	Handler    ConstraintHandler
	Workers    int
	CacheSize  int
	Metrics    *Metrics
}

// NewRunner returns a Runner that simulates base with each proposed point applied.
func NewRunner(base sim.SimConfig, lm sim.LatencyModel, w workload.Workload, opts RunnerOptions) (*Runner, error) {
	if lm == nil {
		return nil, errors.New("runner: latency model is nil")
	}
	if opts.Handler == nil {
		opts.Handler = Penalty{Coefficient: DefaultPenaltyCoefficient}
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	cache, err := lru.New[string, Outcome](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("runner: %w", err)
	}
	return &Runner{
		Base:       base,
		Model:      lm,
		Workload:   w,
		Thresholds: opts.Thresholds,
		Handler:    opts.Handler,
		Workers:    opts.Workers,
		Metrics:    opts.Metrics,
		cache:      cache,
	}, nil
}

// Report is the result of a tuning run.
type Report struct {
	Strategy    string    `json:"strategy"`
	Handler     string    `json:"constraint_handler"`
	Best        *Outcome  `json:"best,omitempty"`
	Trials      []Outcome `json:"trials"`
	Evaluations int       `json:"evaluations"`
	CacheHits   int       `json:"cache_hits"`
}

// Run drives s to completion. Batches are evaluated in parallel; outcomes are
// fed back in proposal order.
func (r *Runner) Run(ctx context.Context, s Solver) (*Report, error) {
	rep := &Report{Strategy: s.Name(), Handler: r.Handler.Name()}
	for s.HasNext() {
		batch := s.NextBatch()
		if len(batch) == 0 {
			break
		}
		outcomes := make([]Outcome, len(batch))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(r.Workers)
		for i, p := range batch {
			g.Go(func() error {
				o, err := r.Evaluate(gctx, p)
				if err != nil {
					return err
				}
				outcomes[i] = o
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}

		for _, o := range outcomes {
			s.Update(o)
			rep.Trials = append(rep.Trials, o)
			rep.Evaluations++
			if o.Cached {
				rep.CacheHits++
			}
			if r.Metrics != nil {
				r.Metrics.observe(o)
			}
		}
		if best, ok := s.Best(); ok {
			if r.Metrics != nil {
				r.Metrics.BestThroughput.Set(best.Throughput)
			}
			logrus.Debugf("%s: best so far %s at %.2f tokens/s", s.Name(), best.Point, best.Throughput)
		}
	}
	if best, ok := s.Best(); ok {
		rep.Best = &best
		logrus.Infof("%s: best %s at %.2f tokens/s after %d trials", s.Name(), best.Point, best.Throughput, rep.Evaluations)
	} else {
		logrus.Warnf("%s: no feasible point in %d trials", s.Name(), rep.Evaluations)
	}
	return rep, nil
}

// Evaluate simulates one point. Points whose configuration is invalid are
// returned as rejected outcomes; only cancellation and workload errors fail.
func (r *Runner) Evaluate(ctx context.Context, p Point) (Outcome, error) {
	key := p.Key()
	if o, ok := r.cache.Get(key); ok {
		o.Point = p
		o.Cached = true
		return o, nil
	}

	o := Outcome{Point: p}
	cfg := Apply(r.Base, p)
	simulator, err := sim.NewSimulator(cfg, r.Model, r.Workload)
	if err != nil {
		if errors.Is(err, sim.ErrInvalidWorkload) {
			return o, err
		}
		o.Rejected = err.Error()
		o = score(o, r.Thresholds, r.Handler)
		r.cache.Add(key, o)
		return o, nil
	}

	start := time.Now()
	res, err := simulator.Run(ctx)
	if r.Metrics != nil {
		r.Metrics.TrialDuration.Observe(time.Since(start).Seconds())
	}
	switch {
	case err == nil:
	case errors.Is(err, sim.ErrSchedulerStalled):
		logrus.Warnf("point %s: %v", p, err)
		o.Rejected = err.Error()
		o = score(o, r.Thresholds, r.Handler)
		r.cache.Add(key, o)
		return o, nil
	default:
		return o, fmt.Errorf("point %s: %w", p, err)
	}

	o.Result = res
	o.TimedOut = res.TimedOut
	o = score(o, r.Thresholds, r.Handler)
	r.cache.Add(key, o)
	return o, nil
}
