package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/inference-sim/simtune/sim/config"
)

// Run types accepted by --type.
const (
	RunSingleSim   = "single_sim"
	RunParamTuning = "param_tuning"
	RunLatencyFit  = "latency_fit"
	RunConfig      = "config"
)

// runOptions holds the flags of the run command.
type runOptions struct {
	configPath     string
	runType        string
	workloadPath   string
	tracePath      string
	coeffsPath     string
	outputDir      string
	logLevel       string
	seed           int64
	strategy       string
	workers        int
	nonInteractive bool
}

// newRootCmd builds the CLI. Each call returns an independent command tree.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "simtune",
		Short:         "Discrete-event simulator, parameter tuner and latency fitter for LLM serving",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newConvertCmd())
	return root
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a simulation, a tuning search, a latency fit or a config dump",
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(opts.logLevel)
			if err != nil {
				return fmt.Errorf("invalid log level %q", opts.logLevel)
			}
			logrus.SetLevel(level)
			return execute(cmd, opts)
		},
	}

	bindRunFlags(cmd.Flags(), opts)
	return cmd
}

func bindRunFlags(f *pflag.FlagSet, opts *runOptions) {
	f.StringVar(&opts.configPath, "config", "", "Run configuration file (JSON or YAML)")
	f.StringVar(&opts.runType, "type", RunSingleSim, "Run type: single_sim, param_tuning, latency_fit or config")
	f.StringVar(&opts.workloadPath, "workload", "", "Workload file (.json or .csv); overrides workload.path")
	f.StringVar(&opts.tracePath, "trace", "", "Batch trace for latency_fit; overrides latency_fit.trace_path")
	f.StringVar(&opts.coeffsPath, "coeffs", "", "Coefficient artefact; overrides latency_fit.coeffs_path")
	f.StringVar(&opts.outputDir, "output-dir", "output", "Directory that receives the timestamped run directory")
	f.StringVar(&opts.logLevel, "log", "warn", "Log level (trace, debug, info, warn, error, fatal, panic)")
	f.Int64Var(&opts.seed, "seed", 0, "Master seed; overrides single_sim.seed")
	f.StringVar(&opts.strategy, "strategy", "", "Search strategy: grid or pso; overrides param_tuning.strategy")
	f.IntVar(&opts.workers, "workers", 0, "Parallel trials; overrides param_tuning.workers")
	f.BoolVar(&opts.nonInteractive, "non-interactive", false, "Fail instead of prompting for missing hardware values")
}

// overrides maps explicitly set flags onto config keys.
func (o *runOptions) overrides(cmd *cobra.Command) map[string]any {
	out := map[string]any{}
	set := func(flag, key string, v any) {
		if cmd.Flags().Changed(flag) {
			out[key] = v
		}
	}
	set("workload", "workload.path", o.workloadPath)
	set("trace", "latency_fit.trace_path", o.tracePath)
	set("coeffs", "latency_fit.coeffs_path", o.coeffsPath)
	set("seed", "single_sim.seed", o.seed)
	set("strategy", "param_tuning.strategy", o.strategy)
	set("workers", "param_tuning.workers", o.workers)
	if cmd.Flags().Changed("seed") {
		out["param_tuning.fixed_params.seed"] = o.seed
	}
	return out
}

func execute(cmd *cobra.Command, opts *runOptions) error {
	cfg, err := config.Load(config.LoadOptions{Path: opts.configPath, Overrides: opts.overrides(cmd)})
	if err != nil {
		return err
	}
	var prompter config.Prompter
	if !opts.nonInteractive {
		prompter = config.NewLinePrompter(cmd.InOrStdin(), cmd.ErrOrStderr())
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	switch opts.runType {
	case RunConfig:
		if err := cfg.ResolveHardware(prompter); err != nil {
			return err
		}
		return cfg.Dump(cmd.OutOrStdout())
	case RunSingleSim:
		if err := cfg.ResolveHardware(prompter); err != nil {
			return err
		}
		out, err := newOutputDir(opts.outputDir, opts.runType, time.Now())
		if err != nil {
			return err
		}
		return runSingleSim(ctx, cmd.OutOrStdout(), cfg, out)
	case RunParamTuning:
		if err := cfg.ResolveHardware(prompter); err != nil {
			return err
		}
		out, err := newOutputDir(opts.outputDir, opts.runType, time.Now())
		if err != nil {
			return err
		}
		return runParamTuning(ctx, cmd.OutOrStdout(), cfg, out)
	case RunLatencyFit:
		out, err := newOutputDir(opts.outputDir, opts.runType, time.Now())
		if err != nil {
			return err
		}
		return runLatencyFit(cmd.OutOrStdout(), cfg, out)
	default:
		return &config.ConfigError{Key: "type", Reason: fmt.Sprintf("unknown run type %q", opts.runType)}
	}
}

// Execute runs the CLI and exits non-zero on any error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		logrus.Errorf("%v", err)
		stop()
		os.Exit(1)
	}
}
