package sim

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inference-sim/simtune/sim/workload"
)

// fixedLatency returns constant step durations regardless of batch shape.
type fixedLatency struct {
	prefill, decode float64
}

func (f fixedLatency) PrefillTime([]int) float64 { return f.prefill }
func (f fixedLatency) DecodeTime([]int) float64  { return f.decode }

// linearLatency grows with batch tokens (prefill) and batch size (decode).
type linearLatency struct {
	base, perPrefillToken, perDecodeRow float64
}

func (l linearLatency) PrefillTime(seqLens []int) float64 {
	total := 0
	for _, n := range seqLens {
		total += n
	}
	return l.base + l.perPrefillToken*float64(total)
}

func (l linearLatency) DecodeTime(seqLens []int) float64 {
	return l.base + l.perDecodeRow*float64(len(seqLens))
}

func uniformWorkload(n, input, output int) workload.Workload {
	w := make(workload.Workload, n)
	for i := range w {
		w[i] = workload.Item{InputLen: input, OutputLen: output}
	}
	return w
}

// decodingRequest builds a request that has already decoded current tokens and
// holds the matching KV blocks.
func decodingRequest(t *testing.T, kv *KVCacheState, id, input, current, target int) *Request {
	t.Helper()
	req := NewRequest(id, input, target, 0)
	req.CurrentDecodeLen = current
	req.State = StateDecoding
	require.True(t, kv.Allocate(req), "allocation for request %d", id)
	return req
}

func rowsOf(reqs ...*Request) []DecodeRow {
	rows := make([]DecodeRow, len(reqs))
	for i, r := range reqs {
		rows[i] = DecodeRow{Req: r}
	}
	return rows
}

// invariantObserver fails the test as soon as a per-tick invariant breaks.
func invariantObserver(t *testing.T) func(*Simulator) {
	t.Helper()
	lastClock := 0.0
	return func(s *Simulator) {
		kv := s.KV()
		require.GreaterOrEqual(t, kv.UsedBlocks, 0, "used blocks at t=%v", s.Clock)
		require.LessOrEqual(t, kv.UsedBlocks, kv.TotalBlocks, "used blocks at t=%v", s.Clock)
		require.LessOrEqual(t, s.Admitted(), s.cfg.Arrival.Concurrency, "admitted at t=%v", s.Clock)
		require.GreaterOrEqual(t, s.Clock, lastClock, "clock went backwards")
		lastClock = s.Clock
		for _, row := range s.DecodeTable {
			require.Equal(t, StateDecoding, row.Req.State)
			require.LessOrEqual(t, row.Req.CurrentDecodeLen, row.Req.TargetDecodeLen)
			require.Positive(t, kv.Held(row.Req.ID), "decode row %d holds no KV", row.Req.ID)
		}
	}
}

func newTestSimulator(t *testing.T, cfg SimConfig, lm LatencyModel, w workload.Workload) *Simulator {
	t.Helper()
	s, err := NewSimulator(cfg, lm, w)
	require.NoError(t, err)
	s.Observer = invariantObserver(t)
	return s
}
