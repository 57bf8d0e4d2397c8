package sim

// Engine is a stateless façade over the latency model and the KV budget, plus
// the batch-construction helpers the Simulator uses. It never owns requests.
type Engine struct {
	latency        LatencyModel
	kv             *KVCacheState
	recomputeRatio float64
}

// NewEngine wires a latency model to a KV budget.
func NewEngine(lm LatencyModel, kv *KVCacheState, recomputeRatio float64) *Engine {
	return &Engine{latency: lm, kv: kv, recomputeRatio: recomputeRatio}
}

// KV exposes the budget for read-only inspection.
func (e *Engine) KV() *KVCacheState {
	return e.kv
}

// RecomputeEnabled reports whether decode-side KV pressure may evict rows.
func (e *Engine) RecomputeEnabled() bool {
	return e.recomputeRatio > 0
}

func prefillLens(batch []*Request) []int {
	lens := make([]int, len(batch))
	for i, req := range batch {
		lens[i] = req.PrefillLen()
	}
	return lens
}

func decodeLens(rows []DecodeRow) []int {
	lens := make([]int, len(rows))
	for i, row := range rows {
		lens[i] = row.Req.SeqLen()
	}
	return lens
}

// PrefillSim returns the simulated duration of one prefill step, in seconds.
func (e *Engine) PrefillSim(batch []*Request) float64 {
	if len(batch) == 0 {
		return 0
	}
	return e.latency.PrefillTime(prefillLens(batch))
}

// DecodeSim returns the simulated duration of one decode step, in seconds.
func (e *Engine) DecodeSim(rows []DecodeRow) float64 {
	if len(rows) == 0 {
		return 0
	}
	return e.latency.DecodeTime(decodeLens(rows))
}

// KVQuery describes the projected usage JudgeKVBlock evaluates. Absent fields are
// treated as empty. ExplicitUsed, when set, replaces the budget's current usage
// as the baseline; IgnoreActive drops the baseline entirely.
type KVQuery struct {
	Prefill      []*Request
	Decode       []DecodeRow
	ExplicitUsed *int
	IgnoreActive bool
}

// JudgeKVBlock projects KV usage for the union of the query's inputs.
// Decode rows contribute the growth needed for their next token.
func (e *Engine) JudgeKVBlock(q KVQuery) (overBudget bool, usedBlocks int) {
	switch {
	case q.ExplicitUsed != nil:
		usedBlocks = *q.ExplicitUsed
	case !q.IgnoreActive:
		usedBlocks = e.kv.UsedBlocks
	}
	for _, row := range q.Decode {
		if q.IgnoreActive {
			usedBlocks += e.kv.BlocksNeeded(row.Req.SeqLen() + 1)
		} else {
			usedBlocks += e.kv.growth(row.Req)
		}
	}
	_, usedBlocks = e.kv.AdmitPrefill(q.Prefill, usedBlocks)
	return usedBlocks > e.kv.TotalBlocks, usedBlocks
}

// ConstructDecodeBatch returns the largest prefix of table, capped at maxBatchSize
// rows, whose projected KV usage fits. Order is stable.
func (e *Engine) ConstructDecodeBatch(maxBatchSize int, table []DecodeRow) []DecodeRow {
	limit := min(maxBatchSize, len(table))
	free := e.kv.FreeBlocks()
	n := 0
	for n < limit {
		g := e.kv.growth(table[n].Req)
		if g > free {
			break
		}
		free -= g
		n++
	}
	return table[:n]
}

// Recompute evicts the configured fraction of decode rows. The returned time is
// the estimated cost of re-prefilling the evicted rows. It does not touch the budget;
// the Simulator releases the evicted rows' blocks when it commits the transition.
func (e *Engine) Recompute(table []DecodeRow) (newTable []DecodeRow, recycled []*Request, recomputeTime float64) {
	kept, evicted, t := e.kv.Recompute(table, e.recomputeRatio, e.latency.PrefillTime)
	recycled = make([]*Request, len(evicted))
	for i, row := range evicted {
		recycled[i] = row.Req
	}
	return kept, recycled, t
}

// AllocateFor grows the request's KV holding to its current sequence length.
func (e *Engine) AllocateFor(req *Request) bool {
	return e.kv.Allocate(req)
}

// ReleaseFor frees the request's KV holding.
func (e *Engine) ReleaseFor(req *Request) {
	e.kv.Release(req)
}
