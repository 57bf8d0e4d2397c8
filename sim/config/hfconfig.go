package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HFConfig is a HuggingFace config.json kept as a dynamic map.
type HFConfig struct {
	Raw map[string]any
}

// ModelShape is the part of a model's architecture that sizes its KV cache.
type ModelShape struct {
	ModelName       string
	NumLayers       int
	HiddenSize      int
	NumHeads        int
	NumKVHeads      int
	BytesPerElement float64
}

// dtypeBytes maps config.json precisions to element sizes.
var dtypeBytes = map[string]float64{
	"float32":  4,
	"float16":  2,
	"bfloat16": 2,
	"int8":     1,
	"uint8":    1,
	"fp8":      1,
	"int4":     1, // packed into byte containers
	"nf4":      1,
}

// ParseHFConfig reads a config.json. Multimodal configs are pivoted onto their
// text_config so the language-model shape is read.
func ParseHFConfig(path string) (*HFConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read HF config %q: %w", path, err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse HF config %q: %w", path, err)
	}
	if text, ok := m["text_config"].(map[string]any); ok {
		for k, v := range text {
			m[k] = v
		}
	}
	return &HFConfig{Raw: m}, nil
}

// GetInt returns a JSON number as int.
func (c *HFConfig) GetInt(key string) (int, bool) {
	if v, ok := c.Raw[key].(float64); ok {
		return int(v), true
	}
	return 0, false
}

// GetString returns a string value.
func (c *HFConfig) GetString(key string) (string, bool) {
	s, ok := c.Raw[key].(string)
	return s, ok
}

// firstInt returns the first positive value among keys.
func (c *HFConfig) firstInt(keys ...string) int {
	for _, k := range keys {
		if v, ok := c.GetInt(k); ok && v > 0 {
			return v
		}
	}
	return 0
}

// Shape extracts the KV-relevant model shape. Missing KV head counts fall back
// to the attention head count (multi-head attention).
func (c *HFConfig) Shape() ModelShape {
	heads := c.firstInt("num_attention_heads", "n_head")
	// Falcon uses num_kv_heads, GLM uses multi_query_group_num
	kvHeads := c.firstInt("num_key_value_heads", "num_kv_heads", "multi_query_group_num")
	if kvHeads == 0 {
		kvHeads = heads
	}
	var bpe float64
	if dtype, ok := c.GetString("torch_dtype"); ok {
		bpe = dtypeBytes[dtype]
	} else if dtype, ok := c.GetString("dtype"); ok {
		bpe = dtypeBytes[dtype]
	}
	name, _ := c.GetString("_name_or_path")
	if name == "" {
		name, _ = c.GetString("model_type")
	}
	return ModelShape{
		ModelName:       name,
		NumLayers:       c.firstInt("num_hidden_layers", "n_layer", "num_layers"),
		HiddenSize:      c.firstInt("hidden_size", "n_embd", "d_model"),
		NumHeads:        heads,
		NumKVHeads:      kvHeads,
		BytesPerElement: bpe,
	}
}

// weightSizeGiB sums the checkpoint shards under dir.
func weightSizeGiB(dir string) (float64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".safetensors") || strings.HasSuffix(name, ".bin")) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return float64(total) / float64(1<<30), nil
}

// hfConfigPath is the config.json of a weight directory.
func hfConfigPath(weightPath string) string {
	return filepath.Join(weightPath, "config.json")
}
