package config

import (
	"fmt"
	"math"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const gib = 1 << 30

// Deployment is the subset of a serving deployment file read by auto-config.
// JSON files parse as YAML.
type Deployment struct {
	WorldSize  int     `yaml:"world_size"`
	TPSize     int     `yaml:"tp_size"`
	DPSize     int     `yaml:"dp_size"`
	WeightPath string  `yaml:"weight_path"`
	HBMSize    float64 `yaml:"hbm_size"`
	ModelName  string  `yaml:"model_name"`
}

// ReadDeployment parses a deployment file.
func ReadDeployment(path string) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read deployment %q: %w", path, err)
	}
	var d Deployment
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse deployment %q: %w", path, err)
	}
	return &d, nil
}

// ResolveHardware completes the hardware section and derives the KV capacity
// of single_sim and of the tuning base. Missing model values are asked from p;
// with a nil Prompter they are a ConfigError.
func (c *Config) ResolveHardware(p Prompter) error {
	h := &c.Hardware
	if h.AutoConfig {
		if err := h.autoConfigure(); err != nil {
			return err
		}
	}
	tp, dp, err := deriveParallelism(h.WorldSize, h.TPSize, h.DPSize)
	if err != nil {
		return err
	}
	h.TPSize, h.DPSize = tp, dp

	for _, s := range []*SingleSim{&c.SingleSim, &c.Tuning.Base} {
		if s.KVTotalBlocks > 0 {
			continue
		}
		if err := h.fillMissing(p, s.NPUMemGiB == 0); err != nil {
			return err
		}
		blocks, err := kvBlocks(*h, *s)
		if err != nil {
			return err
		}
		s.KVTotalBlocks = blocks
		logrus.Infof("kv cache: %d blocks of %d tokens", blocks, s.BlockSize)
	}
	return nil
}

func (h *Hardware) autoConfigure() error {
	if h.DeploymentConfig == "" {
		return configErrorf("hardware_model_config.deployment_config", "required when enable_auto_config is set")
	}
	d, err := ReadDeployment(h.DeploymentConfig)
	if err != nil {
		return configErrorf("hardware_model_config.deployment_config", "%v", err)
	}
	if d.WorldSize <= 0 {
		return configErrorf("hardware_model_config.world_size", "deployment %q has no positive world_size", h.DeploymentConfig)
	}
	h.WorldSize = d.WorldSize
	if d.TPSize > 0 {
		h.TPSize = d.TPSize
	}
	if d.DPSize > 0 {
		h.DPSize = d.DPSize
	}
	if d.WeightPath != "" {
		h.WeightPath = d.WeightPath
	}
	if d.HBMSize > 0 && h.HBMSizeGiB == 0 {
		h.HBMSizeGiB = d.HBMSize
	}
	if d.ModelName != "" {
		h.ModelName = d.ModelName
	}
	if h.WeightPath == "" {
		return configErrorf("hardware_model_config.weight_path", "required when enable_auto_config is set")
	}

	hf, err := ParseHFConfig(hfConfigPath(h.WeightPath))
	if err != nil {
		return configErrorf("hardware_model_config.weight_path", "%v", err)
	}
	shape := hf.Shape()
	if shape.NumLayers > 0 {
		h.NumLayers = shape.NumLayers
	}
	if shape.HiddenSize > 0 {
		h.HiddenSize = shape.HiddenSize
	}
	if shape.NumHeads > 0 {
		h.NumHeads = shape.NumHeads
	}
	if shape.NumKVHeads > 0 {
		h.NumKVHeads = shape.NumKVHeads
	}
	if shape.BytesPerElement > 0 {
		h.BytesPerElement = shape.BytesPerElement
	}
	if h.ModelName == "" {
		h.ModelName = shape.ModelName
	}
	if h.LLMSizeGiB == 0 {
		size, err := weightSizeGiB(h.WeightPath)
		if err != nil {
			return configErrorf("hardware_model_config.llm_size", "%v", err)
		}
		h.LLMSizeGiB = size
	}
	logrus.Infof("auto-config: model=%s world_size=%d layers=%d hidden=%d heads=%d/%d llm_size=%.2fGiB",
		h.ModelName, h.WorldSize, h.NumLayers, h.HiddenSize, h.NumHeads, h.NumKVHeads, h.LLMSizeGiB)
	return nil
}

// deriveParallelism fills a zero TP or DP degree from world size and checks
// tp·dp == world.
func deriveParallelism(world, tp, dp int) (int, int, error) {
	switch {
	case tp == 0 && dp == 0:
		tp, dp = world, 1
	case tp == 0:
		if world%dp != 0 {
			return 0, 0, configErrorf("hardware_model_config.dp_size", "%d does not divide world_size %d", dp, world)
		}
		tp = world / dp
	case dp == 0:
		if world%tp != 0 {
			return 0, 0, configErrorf("hardware_model_config.tp_size", "%d does not divide world_size %d", tp, world)
		}
		dp = world / tp
	}
	if tp*dp != world {
		return 0, 0, configErrorf("hardware_model_config.tp_size", "tp_size %d * dp_size %d != world_size %d", tp, dp, world)
	}
	return tp, dp, nil
}

// fillMissing completes the values kvBlocks needs.
func (h *Hardware) fillMissing(p Prompter, needMemory bool) error {
	type field struct {
		key  string
		help string
		get  func() float64
		set  func(float64)
	}
	fields := []field{
		{"hidden_size", "model hidden size", func() float64 { return float64(h.HiddenSize) }, func(v float64) { h.HiddenSize = int(v) }},
		{"num_hidden_layers", "number of transformer layers", func() float64 { return float64(h.NumLayers) }, func(v float64) { h.NumLayers = int(v) }},
		{"num_attention_heads", "number of attention heads", func() float64 { return float64(h.NumHeads) }, func(v float64) { h.NumHeads = int(v) }},
	}
	if needMemory {
		fields = append(fields,
			field{"hbm_size", "device memory per NPU in GiB", func() float64 { return h.HBMSizeGiB }, func(v float64) { h.HBMSizeGiB = v }},
			field{"llm_size", "model weight size in GiB", func() float64 { return h.LLMSizeGiB }, func(v float64) { h.LLMSizeGiB = v }},
		)
	}
	for _, f := range fields {
		if f.get() > 0 {
			continue
		}
		key := "hardware_model_config." + f.key
		if p == nil {
			return configErrorf(key, "required to size the KV cache; set it or single_sim.kv_total_blocks")
		}
		v, err := p.Prompt(key, f.help)
		if err != nil {
			return configErrorf(key, "%v", err)
		}
		if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return configErrorf(key, "must be positive, got %v", v)
		}
		f.set(v)
	}
	if h.NumKVHeads == 0 {
		h.NumKVHeads = h.NumHeads
	}
	return nil
}

// BlockBytes is the per-device KV footprint of one block:
// 2 (K and V) · layers · kv heads per device · head dim · bytes · block size.
// KV heads are replicated when tp exceeds their count.
func (h Hardware) BlockBytes(blockSize int) float64 {
	if h.NumHeads == 0 || h.TPSize == 0 {
		return 0
	}
	kvHeads := h.NumKVHeads
	if kvHeads == 0 {
		kvHeads = h.NumHeads
	}
	headDim := float64(h.HiddenSize) / float64(h.NumHeads)
	perDevice := math.Max(float64(kvHeads)/float64(h.TPSize), 1)
	return 2 * float64(h.NumLayers) * perDevice * headDim * h.BytesPerElement * float64(blockSize)
}

// kvBlocks sizes the KV cache. Without npu_mem_size the budget is the usable
// HBM minus this device's share of the weights.
func kvBlocks(h Hardware, s SingleSim) (int, error) {
	mem := s.NPUMemGiB
	if mem == 0 {
		mem = h.HBMSizeGiB*h.MemoryUtilization - h.LLMSizeGiB/float64(h.TPSize)
	}
	if mem <= 0 {
		return 0, configErrorf("single_sim.npu_mem_size", "no memory left for the KV cache (%.3f GiB)", mem)
	}
	bb := h.BlockBytes(s.BlockSize)
	if bb <= 0 {
		return 0, configErrorf("hardware_model_config.bytes_per_element", "KV block size is zero")
	}
	blocks := int(math.Floor(mem * gib / bb))
	if blocks < 1 {
		return 0, configErrorf("single_sim.npu_mem_size", "%.3f GiB holds no %d-token KV block", mem, s.BlockSize)
	}
	return blocks, nil
}
