package config

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"github.com/spf13/viper"

	"github.com/inference-sim/simtune/sim/tuning"
)

// EnvPrefix prefixes environment overrides: SIMTUNE_SINGLE_SIM_CONCURRENCY=4.
const EnvPrefix = "SIMTUNE"

const (
	fixedPrefix = "param_tuning.fixed_params."
	rangePrefix = "param_tuning.param_ranges."
)

// LoadOptions selects the sources of a configuration.
type LoadOptions struct {
	Path      string         // JSON or YAML file; empty uses defaults only
	Overrides map[string]any // dotted keys, highest priority
	Schema    *Schema        // nil uses the embedded schema
}

// Load reads, validates and resolves a run configuration. Hardware-derived
// values (KV capacity, TP/DP) are filled in later by ResolveHardware.
func Load(opts LoadOptions) (*Config, error) {
	schema := opts.Schema
	if schema == nil {
		var err error
		if schema, err = DefaultSchema(); err != nil {
			return nil, err
		}
	}

	v := viper.New()
	for key, def := range schema.Defaults() {
		v.SetDefault(key, def)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if opts.Path != "" {
		v.SetConfigFile(opts.Path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", opts.Path, err)
		}
	}
	for _, key := range sortedKeys(opts.Overrides) {
		v.Set(key, opts.Overrides[key])
	}

	for _, key := range v.AllKeys() {
		if !schema.Known(key) {
			logrus.Warnf("config: unknown key %q ignored", key)
		}
	}

	if err := validateScalars(v.Get, schema); err != nil {
		return nil, err
	}
	fixed, err := fixedParams(v, schema)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Hardware:  readHardware(v.Get),
		SingleSim: readSingleSim(v.Get),
	}
	if err := checkBatchCaps("single_sim", cfg.SingleSim); err != nil {
		return nil, err
	}

	ranges, err := readRanges(v, schema)
	if err != nil {
		return nil, err
	}
	withFixed := func(key string) any {
		if name, ok := strings.CutPrefix(key, "single_sim."); ok {
			if val, ok := fixed[name]; ok {
				return val
			}
		}
		return v.Get(key)
	}
	cfg.Tuning = Tuning{
		Strategy:           cast.ToString(v.Get("param_tuning.strategy")),
		ConstraintHandler:  cast.ToString(v.Get("param_tuning.constraint_handler")),
		PenaltyCoefficient: cast.ToFloat64(v.Get("param_tuning.penalty_coefficient")),
		Particles:          cast.ToInt(v.Get("param_tuning.n_particles")),
		Iterations:         cast.ToInt(v.Get("param_tuning.n_iterations")),
		Workers:            cast.ToInt(v.Get("param_tuning.workers")),
		Limits: tuning.Thresholds{
			AvgPrefillMs: cast.ToFloat64(v.Get("param_tuning.limits.avg_prefill_latency_ms")),
			P90PrefillMs: cast.ToFloat64(v.Get("param_tuning.limits.p90_prefill_latency_ms")),
			AvgDecodeMs:  cast.ToFloat64(v.Get("param_tuning.limits.avg_decode_latency_ms")),
			P90DecodeMs:  cast.ToFloat64(v.Get("param_tuning.limits.p90_decode_latency_ms")),
		},
		Ranges:      ranges,
		FixedParams: fixed,
		Base:        readSingleSim(withFixed),
	}
	if !rangesCover(ranges, tuning.ParamMaxBatchSize, tuning.ParamMaxPrefillBatchSize) {
		if err := checkBatchCaps("param_tuning.fixed_params", cfg.Tuning.Base); err != nil {
			return nil, err
		}
	}

	cfg.Fit = Fit{
		TracePath:    cast.ToString(v.Get("latency_fit.trace_path")),
		CoeffsPath:   cast.ToString(v.Get("latency_fit.coeffs_path")),
		WarmupPrefix: cast.ToString(v.Get("latency_fit.warmup_prefix")),
		DP:           cast.ToInt(v.Get("latency_fit.dp")),
	}
	cfg.Fit.Options.MinSamplesPerKind = cast.ToInt(v.Get("latency_fit.min_samples_per_kind"))
	cfg.Fit.Options.MaxIterations = cast.ToInt(v.Get("latency_fit.max_iterations"))
	cfg.Fit.Options.Tolerance = cast.ToFloat64(v.Get("latency_fit.tolerance"))

	cfg.Workload.Path = cast.ToString(v.Get("workload.path"))
	if v.IsSet("workload.synthetic") {
		err := v.UnmarshalKey("workload.synthetic", &cfg.Workload.Synthetic, func(dc *mapstructure.DecoderConfig) {
			dc.TagName = "json"
			dc.WeaklyTypedInput = true
		})
		if err != nil {
			return nil, configErrorf("workload.synthetic", "%v", err)
		}
	}
	return cfg, nil
}

// validateScalars checks every schema scalar and enum as read through get.
func validateScalars(get func(string) any, schema *Schema) error {
	for _, key := range sortedKeys(schema.Scalars) {
		if err := schema.Scalars[key].check(key, get(key)); err != nil {
			return configErrorf(key, "%v", err)
		}
	}
	for _, key := range sortedKeys(schema.Enums) {
		s, err := cast.ToStringE(get(key))
		if err != nil || !contains(schema.Enums[key].Values, s) {
			return configErrorf(key, "%v not one of %v", get(key), schema.Enums[key].Values)
		}
	}
	return nil
}

// fixedParams validates param_tuning.fixed_params.* against the single_sim
// entries of the same name.
func fixedParams(v *viper.Viper, schema *Schema) (map[string]any, error) {
	fixed := map[string]any{}
	for _, key := range v.AllKeys() {
		name, ok := strings.CutPrefix(key, fixedPrefix)
		if !ok {
			continue
		}
		target := "single_sim." + name
		val := v.Get(key)
		if sc, ok := schema.Scalars[target]; ok {
			if err := sc.check(key, val); err != nil {
				return nil, configErrorf(key, "%v", err)
			}
		} else if e, ok := schema.Enums[target]; ok {
			if !contains(e.Values, cast.ToString(val)) {
				return nil, configErrorf(key, "%v not one of %v", val, e.Values)
			}
		} else {
			return nil, configErrorf(key, "no single_sim parameter %q", name)
		}
		fixed[name] = val
	}
	return fixed, nil
}

// readRanges collects param_tuning.param_ranges.* in name order.
func readRanges(v *viper.Viper, schema *Schema) ([]tuning.Range, error) {
	var ranges []tuning.Range
	for _, key := range sortedKeys(schema.Ranges) {
		if !v.IsSet(key) {
			continue
		}
		low, high, step, err := schema.Ranges[key].checkRange(v.Get(key))
		if err != nil {
			return nil, configErrorf(key, "%v", err)
		}
		r := tuning.Range{Name: strings.TrimPrefix(key, rangePrefix), Low: low, High: high, Step: step}
		if err := r.Validate(); err != nil {
			return nil, configErrorf(key, "%v", err)
		}
		ranges = append(ranges, r)
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Name < ranges[j].Name })
	return ranges, nil
}

func rangesCover(ranges []tuning.Range, names ...string) bool {
	for _, r := range ranges {
		for _, n := range names {
			if r.Name == n {
				return true
			}
		}
	}
	return false
}

func checkBatchCaps(group string, s SingleSim) error {
	if s.MaxPrefillBatchSize > s.MaxBatchSize {
		return configErrorf(group+".max_prefill_batch_size", "%d exceeds max_batch_size %d",
			s.MaxPrefillBatchSize, s.MaxBatchSize)
	}
	if s.MaxInputLen >= s.MaxSeqLen {
		return configErrorf(group+".max_input_len", "%d leaves no room to decode under max_seq_len %d",
			s.MaxInputLen, s.MaxSeqLen)
	}
	return nil
}

func readHardware(get func(string) any) Hardware {
	g := func(k string) any { return get("hardware_model_config." + k) }
	return Hardware{
		WorldSize:         cast.ToInt(g("world_size")),
		TPSize:            cast.ToInt(g("tp_size")),
		DPSize:            cast.ToInt(g("dp_size")),
		HBMSizeGiB:        cast.ToFloat64(g("hbm_size")),
		MemoryUtilization: cast.ToFloat64(g("memory_utilization")),
		ModelName:         cast.ToString(g("model_name")),
		LLMSizeGiB:        cast.ToFloat64(g("llm_size")),
		BytesPerElement:   cast.ToFloat64(g("bytes_per_element")),
		HiddenSize:        cast.ToInt(g("hidden_size")),
		NumLayers:         cast.ToInt(g("num_hidden_layers")),
		NumHeads:          cast.ToInt(g("num_attention_heads")),
		NumKVHeads:        cast.ToInt(g("num_key_value_heads")),
		AutoConfig:        cast.ToBool(g("enable_auto_config")),
		DeploymentConfig:  cast.ToString(g("deployment_config")),
		WeightPath:        cast.ToString(g("weight_path")),
	}
}

func readSingleSim(get func(string) any) SingleSim {
	g := func(k string) any { return get("single_sim." + k) }
	return SingleSim{
		NPUMemGiB:           cast.ToFloat64(g("npu_mem_size")),
		KVTotalBlocks:       cast.ToInt(g("kv_total_blocks")),
		BlockSize:           cast.ToInt(g("block_size")),
		Concurrency:         cast.ToInt(g("concurrency")),
		RequestRate:         cast.ToFloat64(g("request_rate")),
		ArrivalProcess:      cast.ToString(g("arrival_process")),
		MaxSeqLen:           cast.ToInt(g("max_seq_len")),
		MaxInputLen:         cast.ToInt(g("max_input_len")),
		MaxDecodeLen:        cast.ToInt(g("max_decode_len")),
		MaxPrefillBatchSize: cast.ToInt(g("max_prefill_batch_size")),
		MinPrefillBatch:     cast.ToInt(g("min_prefill_batch")),
		MaxPrefillTokens:    cast.ToInt(g("max_prefill_tokens")),
		MaxBatchSize:        cast.ToInt(g("max_batch_size")),
		PrefillTimeMs:       cast.ToFloat64(g("prefill_time_ms_per_request")),
		DecodeTimeMs:        cast.ToFloat64(g("decode_time_ms_per_request")),
		SupportSelectBatch:  cast.ToBool(g("support_select_batch")),
		RecomputeRatio:      cast.ToFloat64(g("recompute_ratio")),
		MaxIterations:       int(math.Round(cast.ToFloat64(g("max_iterations")))),
		Seed:                cast.ToInt64(g("seed")),
		TraceLevel:          cast.ToString(g("trace_level")),
	}
}
