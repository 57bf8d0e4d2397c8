// Package config resolves the declarative run configuration into the typed
// settings of a simulation, a tuning run or a latency fit.
//
// Keys are validated against an embedded schema (schema.yaml): scalars carry a
// type and bounds, ranges a [low, high, step] triple with a minimum step, and
// enumerations an allowed set. Values come from the config file, SIMTUNE_*
// environment variables and explicit overrides, in rising priority.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"

	"github.com/inference-sim/simtune/sim"
	"github.com/inference-sim/simtune/sim/latency"
	"github.com/inference-sim/simtune/sim/trace"
	"github.com/inference-sim/simtune/sim/tuning"
	"github.com/inference-sim/simtune/sim/workload"
)

// Hardware is hardware_model_config.*.
type Hardware struct {
	WorldSize         int     `json:"world_size"`
	TPSize            int     `json:"tp_size"`
	DPSize            int     `json:"dp_size"`
	HBMSizeGiB        float64 `json:"hbm_size"`
	MemoryUtilization float64 `json:"memory_utilization"`
	ModelName         string  `json:"model_name"`
	LLMSizeGiB        float64 `json:"llm_size"`
	BytesPerElement   float64 `json:"bytes_per_element"`
	HiddenSize        int     `json:"hidden_size"`
	NumLayers         int     `json:"num_hidden_layers"`
	NumHeads          int     `json:"num_attention_heads"`
	NumKVHeads        int     `json:"num_key_value_heads"`
	AutoConfig        bool    `json:"enable_auto_config"`
	DeploymentConfig  string  `json:"deployment_config,omitempty"`
	WeightPath        string  `json:"weight_path,omitempty"`
}

// SingleSim is single_sim.*, the parameters of one simulation.
type SingleSim struct {
	NPUMemGiB           float64 `json:"npu_mem_size"`
	KVTotalBlocks       int     `json:"kv_total_blocks"`
	BlockSize           int     `json:"block_size"`
	Concurrency         int     `json:"concurrency"`
	RequestRate         float64 `json:"request_rate"`
	ArrivalProcess      string  `json:"arrival_process"`
	MaxSeqLen           int     `json:"max_seq_len"`
	MaxInputLen         int     `json:"max_input_len"`
	MaxDecodeLen        int     `json:"max_decode_len"`
	MaxPrefillBatchSize int     `json:"max_prefill_batch_size"`
	MinPrefillBatch     int     `json:"min_prefill_batch"`
	MaxPrefillTokens    int     `json:"max_prefill_tokens"`
	MaxBatchSize        int     `json:"max_batch_size"`
	PrefillTimeMs       float64 `json:"prefill_time_ms_per_request"`
	DecodeTimeMs        float64 `json:"decode_time_ms_per_request"`
	SupportSelectBatch  bool    `json:"support_select_batch"`
	RecomputeRatio      float64 `json:"recompute_ratio"`
	MaxIterations       int     `json:"max_iterations"`
	Seed                int64   `json:"seed"`
	TraceLevel          string  `json:"trace_level"`
}

// Tuning is param_tuning.*. Base is single_sim with fixed_params applied.
type Tuning struct {
	Strategy           string            `json:"strategy"`
	ConstraintHandler  string            `json:"constraint_handler"`
	PenaltyCoefficient float64           `json:"penalty_coefficient"`
	Particles          int               `json:"n_particles"`
	Iterations         int               `json:"n_iterations"`
	Workers            int               `json:"workers"`
	Limits             tuning.Thresholds `json:"limits"`
	Ranges             []tuning.Range    `json:"param_ranges"`
	FixedParams        map[string]any    `json:"fixed_params,omitempty"`
	Base               SingleSim         `json:"base"`
}

// Fit is latency_fit.*.
type Fit struct {
	TracePath    string             `json:"trace_path"`
	CoeffsPath   string             `json:"coeffs_path"`
	WarmupPrefix string             `json:"warmup_prefix"`
	DP           int                `json:"dp"`
	Options      latency.FitOptions `json:"options"`
}

// Workload is workload.*: a file, or a synthetic spec when no file is given.
type Workload struct {
	Path      string             `json:"path,omitempty"`
	Synthetic workload.SynthSpec `json:"synthetic"`
}

// Config is the resolved run configuration. It is a snapshot: nothing is read
// from the sources again after Load returns.
type Config struct {
	Hardware  Hardware  `json:"hardware_model_config"`
	SingleSim SingleSim `json:"single_sim"`
	Tuning    Tuning    `json:"param_tuning"`
	Fit       Fit       `json:"latency_fit"`
	Workload  Workload  `json:"workload"`
}

// SimConfig converts single_sim into a simulator configuration.
func (c *Config) SimConfig() (sim.SimConfig, error) {
	return c.SingleSim.simConfig("single_sim")
}

// TuningBase is the simulator configuration every tuning point starts from.
func (c *Config) TuningBase() (sim.SimConfig, error) {
	return c.Tuning.Base.simConfig("param_tuning.fixed_params")
}

func (s SingleSim) simConfig(group string) (sim.SimConfig, error) {
	if s.KVTotalBlocks <= 0 {
		return sim.SimConfig{}, configErrorf(group+".kv_total_blocks", "unresolved; hardware must be resolved first")
	}
	cfg := sim.SimConfig{
		KV: sim.KVCacheConfig{TotalBlocks: s.KVTotalBlocks, BlockSize: s.BlockSize},
		Batch: sim.BatchConfig{
			MaxBatchSize:        s.MaxBatchSize,
			MaxPrefillBatchSize: s.MaxPrefillBatchSize,
			MinPrefillBatch:     s.MinPrefillBatch,
			MaxPrefillTokens:    s.MaxPrefillTokens,
		},
		Limits: sim.LengthLimits{MaxSeqLen: s.MaxSeqLen, MaxInputLen: s.MaxInputLen, MaxDecodeLen: s.MaxDecodeLen},
		Balance: sim.CostBalanceConfig{
			SupportSelectBatch: s.SupportSelectBatch,
			PrefillTimePerReq:  s.PrefillTimeMs / 1000,
			DecodeTimePerReq:   s.DecodeTimeMs / 1000,
		},
		Arrival:        sim.ArrivalConfig{Concurrency: s.Concurrency, RequestRate: s.RequestRate, Process: s.ArrivalProcess},
		RecomputeRatio: s.RecomputeRatio,
		MaxIterations:  s.MaxIterations,
		Seed:           s.Seed,
		TraceLevel:     trace.TraceLevel(s.TraceLevel),
	}
	if err := cfg.Validate(); err != nil {
		return sim.SimConfig{}, configErrorf(group, "%v", err)
	}
	return cfg, nil
}

// Space builds the tuning search space from param_ranges.
func (c *Config) Space() (tuning.Space, error) {
	if len(c.Tuning.Ranges) == 0 {
		return nil, configErrorf("param_tuning.param_ranges", "no ranges configured")
	}
	space, err := tuning.NewSpace(c.Tuning.Ranges)
	if err != nil {
		return nil, configErrorf("param_tuning.param_ranges", "%v", err)
	}
	return space, nil
}

// Handler builds the configured constraint handler.
func (c *Config) Handler() (tuning.ConstraintHandler, error) {
	h, err := tuning.NewConstraintHandler(c.Tuning.ConstraintHandler, c.Tuning.PenaltyCoefficient)
	if err != nil {
		return nil, configErrorf("param_tuning.constraint_handler", "%v", err)
	}
	return h, nil
}

// BuildWorkload loads the workload file, or draws the synthetic workload from
// seed when no file is configured.
func (c *Config) BuildWorkload(seed int64) (workload.Workload, error) {
	if c.Workload.Path != "" {
		w, err := workload.Load(c.Workload.Path)
		if err != nil {
			return nil, configErrorf("workload.path", "%v", err)
		}
		return w, nil
	}
	if c.Workload.Synthetic.Count == 0 {
		return nil, configErrorf("workload", "set workload.path or workload.synthetic.count")
	}
	rng := rand.New(rand.NewSource(sim.DeriveSeed(seed, sim.SubsystemWorkload)))
	w, err := workload.Generate(c.Workload.Synthetic, rng)
	if err != nil {
		return nil, configErrorf("workload.synthetic", "%v", err)
	}
	return w, nil
}

// Dump writes the resolved configuration as indented JSON.
func (c *Config) Dump(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("dump config: %w", err)
	}
	return nil
}
