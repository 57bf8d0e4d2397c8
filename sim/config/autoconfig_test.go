package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePrompter answers from a map and records the questions.
type fakePrompter struct {
	answers map[string]float64
	asked   []string
}

func (f *fakePrompter) Prompt(key, _ string) (float64, error) {
	f.asked = append(f.asked, key)
	v, ok := f.answers[key]
	if !ok {
		return 0, errors.New("no answer")
	}
	return v, nil
}

func llamaHardware() Hardware {
	return Hardware{
		WorldSize:         1,
		MemoryUtilization: 0.9,
		BytesPerElement:   2,
		HiddenSize:        4096,
		NumLayers:         32,
		NumHeads:          32,
		NumKVHeads:        8,
	}
}

func TestDeriveParallelism(t *testing.T) {
	tests := []struct {
		name           string
		world, tp, dp  int
		wantTP, wantDP int
		wantErr        bool
	}{
		{name: "both derived", world: 8, wantTP: 8, wantDP: 1},
		{name: "dp given", world: 8, dp: 2, wantTP: 4, wantDP: 2},
		{name: "tp given", world: 8, tp: 2, wantTP: 2, wantDP: 4},
		{name: "both given", world: 8, tp: 4, dp: 2, wantTP: 4, wantDP: 2},
		{name: "product mismatch", world: 8, tp: 4, dp: 4, wantErr: true},
		{name: "tp does not divide", world: 8, tp: 3, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tp, dp, err := deriveParallelism(tc.world, tc.tp, tc.dp)
			if tc.wantErr {
				var ce *ConfigError
				assert.True(t, errors.As(err, &ce))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantTP, tp)
			assert.Equal(t, tc.wantDP, dp)
		})
	}
}

func TestBlockBytes(t *testing.T) {
	h := llamaHardware()
	h.TPSize = 1
	// 2 · 32 layers · 8 kv heads · 128 head dim · 2 bytes · 128 tokens = 16 MiB
	assert.Equal(t, float64(16<<20), h.BlockBytes(128))

	h.TPSize = 2
	assert.Equal(t, float64(8<<20), h.BlockBytes(128))

	// KV heads are replicated, not split, past their count
	h.TPSize = 16
	assert.Equal(t, float64(2<<20), h.BlockBytes(128))
}

func TestResolveHardware_ExplicitBlocks(t *testing.T) {
	// GIVEN kv_total_blocks set and no model shape
	cfg, err := Load(LoadOptions{Overrides: map[string]any{"single_sim.kv_total_blocks": 640}})
	require.NoError(t, err)

	// WHEN resolving without a prompter
	require.NoError(t, cfg.ResolveHardware(nil))

	// THEN no model values are needed
	assert.Equal(t, 640, cfg.SingleSim.KVTotalBlocks)
	assert.Equal(t, 640, cfg.Tuning.Base.KVTotalBlocks)
	assert.Equal(t, 1, cfg.Hardware.TPSize)
	assert.Equal(t, 1, cfg.Hardware.DPSize)
}

func TestResolveHardware_FromNPUMemory(t *testing.T) {
	cfg := &Config{Hardware: llamaHardware()}
	cfg.SingleSim = SingleSim{NPUMemGiB: 8, BlockSize: 128}
	cfg.Tuning.Base = SingleSim{NPUMemGiB: 4, BlockSize: 128}

	require.NoError(t, cfg.ResolveHardware(nil))

	assert.Equal(t, 512, cfg.SingleSim.KVTotalBlocks) // 8 GiB / 16 MiB
	assert.Equal(t, 256, cfg.Tuning.Base.KVTotalBlocks)
}

func TestResolveHardware_FromHBM(t *testing.T) {
	// GIVEN 64 GiB HBM at 50% and 16 GiB of weights split over tp=2
	h := llamaHardware()
	h.WorldSize = 2
	h.HBMSizeGiB = 64
	h.MemoryUtilization = 0.5
	h.LLMSizeGiB = 16
	cfg := &Config{Hardware: h}
	cfg.SingleSim = SingleSim{BlockSize: 128}
	cfg.Tuning.Base = cfg.SingleSim

	require.NoError(t, cfg.ResolveHardware(nil))

	// THEN (32 − 8) GiB / 8 MiB per block
	assert.Equal(t, 2, cfg.Hardware.TPSize)
	assert.Equal(t, 3072, cfg.SingleSim.KVTotalBlocks)
}

func TestResolveHardware_NoMemoryLeft(t *testing.T) {
	h := llamaHardware()
	h.HBMSizeGiB = 16
	h.LLMSizeGiB = 16
	cfg := &Config{Hardware: h}
	cfg.SingleSim = SingleSim{BlockSize: 128}
	cfg.Tuning.Base = cfg.SingleSim

	requireConfigError(t, cfg.ResolveHardware(nil), "single_sim.npu_mem_size")
}

func TestResolveHardware_MissingValues(t *testing.T) {
	newCfg := func() *Config {
		cfg := &Config{Hardware: Hardware{WorldSize: 1, MemoryUtilization: 0.9, BytesPerElement: 2}}
		cfg.SingleSim = SingleSim{BlockSize: 128}
		cfg.Tuning.Base = cfg.SingleSim
		return cfg
	}

	t.Run("non-interactive fails", func(t *testing.T) {
		requireConfigError(t, newCfg().ResolveHardware(nil), "hardware_model_config.hidden_size")
	})

	t.Run("prompted once per value", func(t *testing.T) {
		p := &fakePrompter{answers: map[string]float64{
			"hardware_model_config.hidden_size":         4096,
			"hardware_model_config.num_hidden_layers":   32,
			"hardware_model_config.num_attention_heads": 32,
			"hardware_model_config.hbm_size":            64,
			"hardware_model_config.llm_size":            14.4,
		}}
		cfg := newCfg()
		require.NoError(t, cfg.ResolveHardware(p))

		assert.Len(t, p.asked, 5)
		assert.Equal(t, 32, cfg.Hardware.NumKVHeads)
		// (64·0.9 − 14.4) GiB / 64 MiB per block = 691.2
		assert.Equal(t, 691, cfg.SingleSim.KVTotalBlocks)
		assert.Equal(t, cfg.SingleSim.KVTotalBlocks, cfg.Tuning.Base.KVTotalBlocks)
	})

	t.Run("non-positive answer", func(t *testing.T) {
		p := &fakePrompter{answers: map[string]float64{"hardware_model_config.hidden_size": -1}}
		requireConfigError(t, newCfg().ResolveHardware(p), "hardware_model_config.hidden_size")
	})
}

func writeModelDir(t *testing.T, hfConfig string) string {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "config.json", hfConfig)
	writeFile(t, dir, "model-00001.safetensors", strings.Repeat("x", 1<<20))
	writeFile(t, dir, "model-00002.safetensors", strings.Repeat("x", 1<<20))
	writeFile(t, dir, "tokenizer.json", "{}")
	return dir
}

func TestResolveHardware_AutoConfig(t *testing.T) {
	// GIVEN a deployment on 4 devices with tp=2 and a GQA model checkpoint
	modelDir := writeModelDir(t, `{
		"_name_or_path": "tiny-gqa",
		"num_hidden_layers": 24, "hidden_size": 2048,
		"num_attention_heads": 16, "num_key_value_heads": 4,
		"torch_dtype": "float16"
	}`)
	deploy := writeFile(t, t.TempDir(), "deploy.yaml",
		"world_size: 4\ntp_size: 2\nweight_path: "+modelDir+"\nextra_field: ignored\n")

	cfg, err := Load(LoadOptions{Overrides: map[string]any{
		"hardware_model_config.enable_auto_config": true,
		"hardware_model_config.deployment_config":  deploy,
		"single_sim.npu_mem_size":                  3,
	}})
	require.NoError(t, err)

	// WHEN resolving non-interactively
	require.NoError(t, cfg.ResolveHardware(nil))

	// THEN shape and parallelism come from disk
	h := cfg.Hardware
	assert.Equal(t, 4, h.WorldSize)
	assert.Equal(t, 2, h.TPSize)
	assert.Equal(t, 2, h.DPSize)
	assert.Equal(t, "tiny-gqa", h.ModelName)
	assert.Equal(t, 24, h.NumLayers)
	assert.Equal(t, 4, h.NumKVHeads)
	assert.InDelta(t, 2.0/1024, h.LLMSizeGiB, 1e-12) // two 1 MiB shards
	// 2 · 24 · 2 kv heads per device · 128 · 2 bytes · 128 tokens = 3 MiB
	assert.Equal(t, 1024, cfg.SingleSim.KVTotalBlocks)
}

func TestResolveHardware_AutoConfigErrors(t *testing.T) {
	modelDir := writeModelDir(t, `{"num_hidden_layers": 2, "hidden_size": 64, "num_attention_heads": 4}`)
	tests := []struct {
		name   string
		deploy string
		key    string
	}{
		{"tp*dp mismatch", "world_size: 4\ntp_size: 3\ndp_size: 2\nweight_path: " + modelDir + "\n", "hardware_model_config.tp_size"},
		{"no world size", "weight_path: " + modelDir + "\n", "hardware_model_config.world_size"},
		{"no weights", "world_size: 1\n", "hardware_model_config.weight_path"},
		{"missing model config", "world_size: 1\nweight_path: " + t.TempDir() + "\n", "hardware_model_config.weight_path"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Hardware: Hardware{
				AutoConfig:       true,
				DeploymentConfig: writeFile(t, t.TempDir(), "deploy.yaml", tc.deploy),
				BytesPerElement:  2,
			}}
			cfg.SingleSim = SingleSim{NPUMemGiB: 1, BlockSize: 16}
			cfg.Tuning.Base = cfg.SingleSim
			requireConfigError(t, cfg.ResolveHardware(nil), tc.key)
		})
	}

	t.Run("no deployment file configured", func(t *testing.T) {
		cfg := &Config{Hardware: Hardware{AutoConfig: true}}
		requireConfigError(t, cfg.ResolveHardware(nil), "hardware_model_config.deployment_config")
	})
}

func TestParseHFConfig_Shape(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want ModelShape
	}{
		{
			name: "kv heads default to attention heads",
			doc:  `{"model_type": "gpt2", "n_layer": 12, "n_embd": 768, "n_head": 12, "torch_dtype": "float32"}`,
			want: ModelShape{ModelName: "gpt2", NumLayers: 12, HiddenSize: 768, NumHeads: 12, NumKVHeads: 12, BytesPerElement: 4},
		},
		{
			name: "falcon num_kv_heads",
			doc:  `{"num_hidden_layers": 60, "hidden_size": 8192, "num_attention_heads": 128, "num_kv_heads": 8, "torch_dtype": "bfloat16"}`,
			want: ModelShape{NumLayers: 60, HiddenSize: 8192, NumHeads: 128, NumKVHeads: 8, BytesPerElement: 2},
		},
		{
			name: "glm multi_query_group_num",
			doc:  `{"num_layers": 28, "hidden_size": 4096, "num_attention_heads": 32, "multi_query_group_num": 2, "dtype": "fp8"}`,
			want: ModelShape{NumLayers: 28, HiddenSize: 4096, NumHeads: 32, NumKVHeads: 2, BytesPerElement: 1},
		},
		{
			name: "multimodal text_config",
			doc:  `{"model_type": "llava", "text_config": {"num_hidden_layers": 32, "hidden_size": 4096, "num_attention_heads": 32, "num_key_value_heads": 8}}`,
			want: ModelShape{ModelName: "llava", NumLayers: 32, HiddenSize: 4096, NumHeads: 32, NumKVHeads: 8},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hf, err := ParseHFConfig(writeFile(t, t.TempDir(), "config.json", tc.doc))
			require.NoError(t, err)
			assert.Equal(t, tc.want, hf.Shape())
		})
	}
}

func TestParseHFConfig_Malformed(t *testing.T) {
	_, err := ParseHFConfig(writeFile(t, t.TempDir(), "config.json", `{"hidden_size": `))
	assert.Error(t, err)

	_, err = ParseHFConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLinePrompter(t *testing.T) {
	var out bytes.Buffer
	p := NewLinePrompter(strings.NewReader("lots\n  80 \n"), &out)

	v, err := p.Prompt("hardware_model_config.hbm_size", "GiB")
	require.NoError(t, err)
	assert.Equal(t, 80.0, v)
	assert.Contains(t, out.String(), "hardware_model_config.hbm_size (GiB): ")
	assert.Contains(t, out.String(), "not a number")

	_, err = p.Prompt("hardware_model_config.llm_size", "GiB")
	assert.Error(t, err)
}
