package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/simtune/sim"
	"github.com/inference-sim/simtune/sim/config"
	"github.com/inference-sim/simtune/sim/latency"
	"github.com/inference-sim/simtune/sim/trace"
	"github.com/inference-sim/simtune/sim/tuning"
)

// traceOutput is trace.json of a single_sim run.
type traceOutput struct {
	Summary     *trace.TraceSummary      `json:"summary"`
	Steps       []trace.StepEvent        `json:"steps,omitempty"`
	Recomputes  []trace.RecomputeRecord  `json:"recomputes"`
	Preemptions []trace.PreemptionRecord `json:"preemptions"`
}

// fitOutput is fit_report.json of a latency_fit run.
type fitOutput struct {
	Trace        latency.TraceStats    `json:"trace"`
	Report       *latency.FitReport    `json:"report"`
	Coefficients *latency.Coefficients `json:"coefficients"`
	SavedTo      string                `json:"saved_to"`
}

func loadModel(cfg *config.Config) (*latency.Model, error) {
	lm, err := latency.LoadModel(cfg.Fit.CoeffsPath)
	if err != nil {
		return nil, fmt.Errorf("latency model: %w", err)
	}
	return lm, nil
}

func runSingleSim(ctx context.Context, w io.Writer, cfg *config.Config, out *outputDir) error {
	simCfg, err := cfg.SimConfig()
	if err != nil {
		return err
	}
	lm, err := loadModel(cfg)
	if err != nil {
		return err
	}
	wl, err := cfg.BuildWorkload(simCfg.Seed)
	if err != nil {
		return err
	}
	if err := out.writeJSON("resolved_config.json", cfg); err != nil {
		return err
	}

	logrus.Infof("simulating %d requests, concurrency %d, %d KV blocks", len(wl), simCfg.Arrival.Concurrency, simCfg.KV.TotalBlocks)
	s, err := sim.NewSimulator(simCfg, lm, wl)
	if err != nil {
		return err
	}
	res, err := s.Run(ctx)
	if err != nil {
		return err
	}
	res.Print(w)

	if err := out.writeJSON("result.json", res); err != nil {
		return err
	}
	if s.Trace != nil && simCfg.TraceLevel == trace.TraceLevelSteps {
		return out.writeJSON("trace.json", traceOutput{
			Summary:     trace.Summarize(s.Trace),
			Steps:       s.Trace.Steps,
			Recomputes:  s.Trace.Recomputes,
			Preemptions: s.Trace.Preemptions,
		})
	}
	return nil
}

func runParamTuning(ctx context.Context, w io.Writer, cfg *config.Config, out *outputDir) error {
	base, err := cfg.TuningBase()
	if err != nil {
		return err
	}
	space, err := cfg.Space()
	if err != nil {
		return err
	}
	handler, err := cfg.Handler()
	if err != nil {
		return err
	}
	lm, err := loadModel(cfg)
	if err != nil {
		return err
	}
	wl, err := cfg.BuildWorkload(base.Seed)
	if err != nil {
		return err
	}
	if err := out.writeJSON("resolved_config.json", cfg); err != nil {
		return err
	}

	t := cfg.Tuning
	solver, err := tuning.NewSolver(space, tuning.SolverOptions{
		Strategy:   t.Strategy,
		Handler:    handler,
		Base:       base,
		BatchSize:  t.Workers,
		Particles:  t.Particles,
		Iterations: t.Iterations,
		Seed:       base.Seed,
	})
	if err != nil {
		return &config.ConfigError{Key: "param_tuning", Reason: err.Error()}
	}
	metrics := tuning.NewMetrics(solver.Name())
	runner, err := tuning.NewRunner(base, lm, wl, tuning.RunnerOptions{
		Thresholds: t.Limits,
		Handler:    handler,
		Workers:    t.Workers,
		Metrics:    metrics,
	})
	if err != nil {
		return err
	}
	logrus.Infof("tuning %d parameters (%d grid points) with %s/%s on %d workers",
		len(space), space.Size(), solver.Name(), handler.Name(), t.Workers)

	rep, err := runner.Run(ctx, solver)
	if err != nil {
		return err
	}
	if err := out.writeJSON("report.json", rep); err != nil {
		return err
	}
	if err := metrics.WriteTextfile(out.file("metrics.prom")); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}

	fmt.Fprintf(w, "%d trials (%d cached)\n", rep.Evaluations, rep.CacheHits)
	if rep.Best == nil {
		fmt.Fprintln(w, "No configuration met the latency limits.")
		return nil
	}
	fmt.Fprintf(w, "Best configuration: %s at %.2f tokens/s\n", rep.Best.Point, rep.Best.Throughput)
	rep.Best.Result.Print(w)
	return nil
}

func runLatencyFit(w io.Writer, cfg *config.Config, out *outputDir) error {
	f := cfg.Fit
	if f.TracePath == "" {
		return &config.ConfigError{Key: "latency_fit.trace_path", Reason: "required for latency_fit"}
	}
	batches, stats, err := latency.ReadTrace(f.TracePath, f.WarmupPrefix)
	if err != nil {
		return err
	}
	coeffs, rep, err := latency.Fit(batches, f.DP, f.Options)
	if err != nil {
		return err
	}
	if err := latency.Save(f.CoeffsPath, coeffs); err != nil {
		return err
	}
	if err := latency.Save(out.file("coefficients.json"), coeffs); err != nil {
		return err
	}
	if err := out.writeJSON("fit_report.json", fitOutput{Trace: stats, Report: rep, Coefficients: coeffs, SavedTo: f.CoeffsPath}); err != nil {
		return err
	}

	fmt.Fprintf(w, "Prefill: %d batches, rmse %.3f ms, r2 %.4f\n", rep.Prefill.Samples, rep.Prefill.RMSEMs, rep.Prefill.R2)
	fmt.Fprintf(w, "Decode : %d batches, rmse %.3f ms, r2 %.4f\n", rep.Decode.Samples, rep.Decode.RMSEMs, rep.Decode.R2)
	fmt.Fprintf(w, "Coefficients saved to %s\n", f.CoeffsPath)
	return nil
}
