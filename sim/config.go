package sim

import (
	"fmt"

	"github.com/inference-sim/simtune/sim/trace"
	"github.com/inference-sim/simtune/sim/workload"
)

// KVCacheConfig groups KV budget parameters.
type KVCacheConfig struct {
	TotalBlocks int // capacity in blocks (must be > 0)
	BlockSize   int // tokens per block (must be > 0)
}

// BatchConfig groups batch formation parameters.
type BatchConfig struct {
	MaxBatchSize        int // max rows in one decode step
	MaxPrefillBatchSize int // max requests in one prefill step
	MinPrefillBatch     int // prefill only when more than this many requests are ready (unless decode is idle)
	MaxPrefillTokens    int // max total prompt tokens in one prefill step
}

// LengthLimits groups the structural length caps.
type LengthLimits struct {
	MaxSeqLen    int // input + generated must stay <= this
	MaxInputLen  int // longer prompts are dropped at admission
	MaxDecodeLen int // per-request decode cap; 0 = no cap beyond the target
}

// CostBalanceConfig parameterises the prefill/decode conflict rule.
// When SupportSelectBatch is set the scheduler favours decode: a prefill runs only
// once the idle-slot cost accumulated by undersized decode steps covers the cost
// of stalling the decode table for a prefill.
type CostBalanceConfig struct {
	SupportSelectBatch bool
	PrefillTimePerReq  float64 // seconds
	DecodeTimePerReq   float64 // seconds
}

// ArrivalConfig groups the request source parameters.
type ArrivalConfig struct {
	Concurrency int     // max admitted requests (waiting + running + decoding + swapped)
	RequestRate float64 // requests/second; 0 = closed loop
	Process     string  // "poisson" or "uniform" (open loop only)
}

// SimConfig is the complete configuration of a single simulation run.
type SimConfig struct {
	KV             KVCacheConfig
	Batch          BatchConfig
	Limits         LengthLimits
	Balance        CostBalanceConfig
	Arrival        ArrivalConfig
	RecomputeRatio float64 // fraction of decode rows evicted under KV pressure; 0 disables recompute
	MaxIterations  int     // safety cap on executed steps; 0 = unlimited
	Seed           int64
	TraceLevel     trace.TraceLevel
}

// DefaultSimConfig returns the defaults used when a field is not configured.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		KV: KVCacheConfig{TotalBlocks: 8192, BlockSize: 128},
		Batch: BatchConfig{
			MaxBatchSize:        200,
			MaxPrefillBatchSize: 50,
			MaxPrefillTokens:    8192,
		},
		Limits: LengthLimits{MaxSeqLen: 4096, MaxInputLen: 3072},
		Balance: CostBalanceConfig{
			PrefillTimePerReq: 0.150,
			DecodeTimePerReq:  0.050,
		},
		Arrival:        ArrivalConfig{Concurrency: 200, Process: workload.ArrivalPoisson},
		RecomputeRatio: 0.5,
		MaxIterations:  10_000_000,
		TraceLevel:     trace.TraceLevelNone,
	}
}

// Validate checks structural consistency. It does not check bounds from the
// run-configuration schema; that is the config resolver's job.
func (c SimConfig) Validate() error {
	if c.KV.TotalBlocks <= 0 {
		return fmt.Errorf("kv total blocks must be > 0, got %d", c.KV.TotalBlocks)
	}
	if c.KV.BlockSize <= 0 {
		return fmt.Errorf("kv block size must be > 0, got %d", c.KV.BlockSize)
	}
	if c.Batch.MaxBatchSize <= 0 {
		return fmt.Errorf("max batch size must be > 0, got %d", c.Batch.MaxBatchSize)
	}
	if c.Batch.MaxPrefillBatchSize <= 0 {
		return fmt.Errorf("max prefill batch size must be > 0, got %d", c.Batch.MaxPrefillBatchSize)
	}
	if c.Batch.MaxPrefillTokens <= 0 {
		return fmt.Errorf("max prefill tokens must be > 0, got %d", c.Batch.MaxPrefillTokens)
	}
	if c.Batch.MinPrefillBatch < 0 {
		return fmt.Errorf("min prefill batch must be >= 0, got %d", c.Batch.MinPrefillBatch)
	}
	if c.Limits.MaxSeqLen <= 1 {
		return fmt.Errorf("max seq len must be > 1, got %d", c.Limits.MaxSeqLen)
	}
	if c.Limits.MaxInputLen <= 0 {
		return fmt.Errorf("max input len must be > 0, got %d", c.Limits.MaxInputLen)
	}
	if c.Arrival.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be > 0, got %d", c.Arrival.Concurrency)
	}
	if c.Arrival.RequestRate < 0 {
		return fmt.Errorf("request rate must be >= 0, got %v", c.Arrival.RequestRate)
	}
	if c.Arrival.RequestRate > 0 && !workload.ValidArrivalProcesses[c.Arrival.Process] {
		return fmt.Errorf("unknown arrival process %q", c.Arrival.Process)
	}
	if c.RecomputeRatio < 0 || c.RecomputeRatio > 1 {
		return fmt.Errorf("recompute ratio must be in [0, 1], got %v", c.RecomputeRatio)
	}
	if c.Balance.PrefillTimePerReq < 0 || c.Balance.DecodeTimePerReq < 0 {
		return fmt.Errorf("cost-balance times must be >= 0")
	}
	if !trace.IsValidTraceLevel(string(c.TraceLevel)) {
		return fmt.Errorf("unknown trace level %q", c.TraceLevel)
	}
	return nil
}
