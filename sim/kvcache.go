// sim/kvcache.go
package sim

import (
	"fmt"
	"math"
	"sort"
)

// KVCacheState is the KV budget of one simulation.
// It tracks block occupancy per active request for a fixed page size and keeps
// UsedBlocks <= TotalBlocks at all times. The Scheduler mutates it only through
// Allocate and Release, called via the Engine.
type KVCacheState struct {
	TotalBlocks int // Total KV blocks available to the instance
	BlockSize   int // Tokens per block
	UsedBlocks  int // Blocks held by active requests (tracked incrementally)
	PeakBlocks  int // Max number of simultaneously used blocks

	held map[int]int // request ID -> blocks held
}

// NewKVCacheState initializes an empty KV budget.
func NewKVCacheState(totalBlocks, blockSize int) *KVCacheState {
	if blockSize <= 0 {
		panic(fmt.Sprintf("NewKVCacheState: block size must be positive, got %d", blockSize))
	}
	return &KVCacheState{
		TotalBlocks: totalBlocks,
		BlockSize:   blockSize,
		held:        make(map[int]int),
	}
}

// BlocksNeeded returns ceil(seqLen / BlockSize).
func (kvc *KVCacheState) BlocksNeeded(seqLen int) int {
	if seqLen <= 0 {
		return 0
	}
	return (seqLen + kvc.BlockSize - 1) / kvc.BlockSize
}

// FreeBlocks returns the number of blocks not held by any request.
func (kvc *KVCacheState) FreeBlocks() int {
	return kvc.TotalBlocks - kvc.UsedBlocks
}

// Held returns the number of blocks currently held by a request.
func (kvc *KVCacheState) Held(reqID int) int {
	return kvc.held[reqID]
}

// prefillBlocks is the footprint of a request right after its (re-)prefill,
// which ingests PrefillLen tokens and emits one more.
func (kvc *KVCacheState) prefillBlocks(req *Request) int {
	return kvc.BlocksNeeded(req.PrefillLen() + 1)
}

// AdmitPrefill sums block needs over the batch on top of currentUsed.
// The batch fits iff the projection does not exceed TotalBlocks.
func (kvc *KVCacheState) AdmitPrefill(batch []*Request, currentUsed int) (fits bool, projectedUsed int) {
	projectedUsed = currentUsed
	for _, req := range batch {
		projectedUsed += kvc.prefillBlocks(req)
	}
	return projectedUsed <= kvc.TotalBlocks, projectedUsed
}

// growth returns the extra blocks a decoding request needs for its next token.
func (kvc *KVCacheState) growth(req *Request) int {
	return max(0, kvc.BlocksNeeded(req.SeqLen()+1)-kvc.held[req.ID])
}

// Allocate sets the request's holding to cover its current sequence length.
// Returns false, leaving state untouched, when the free pool is too small.
func (kvc *KVCacheState) Allocate(req *Request) bool {
	need := kvc.BlocksNeeded(req.SeqLen())
	delta := need - kvc.held[req.ID]
	if delta <= 0 {
		return true
	}
	if delta > kvc.FreeBlocks() {
		return false
	}
	kvc.held[req.ID] = need
	kvc.UsedBlocks += delta
	kvc.PeakBlocks = max(kvc.PeakBlocks, kvc.UsedBlocks)
	return true
}

// Release returns every block the request holds to the free pool.
func (kvc *KVCacheState) Release(req *Request) {
	kvc.UsedBlocks -= kvc.held[req.ID]
	delete(kvc.held, req.ID)
}

// evictionCount is ceil(ratio * n) bounded to [1, n].
func evictionCount(n int, ratio float64) int {
	if n == 0 {
		return 0
	}
	k := int(math.Ceil(ratio * float64(n)))
	return min(max(k, 1), n)
}

// Recompute evicts ceil(ratio * |table|) rows, chosen farthest-from-finishing first
// (largest remaining output, then smallest current length, then lowest ID).
// Kept rows preserve their table order. The estimated time is prefillCost applied
// to the evicted rows' extended lengths (input plus already-decoded tokens).
func (kvc *KVCacheState) Recompute(table []DecodeRow, ratio float64, prefillCost func(seqLens []int) float64) (kept, evicted []DecodeRow, recomputeTime float64) {
	k := evictionCount(len(table), ratio)
	if k == 0 {
		return table, nil, 0
	}
	order := make([]int, len(table))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := table[order[a]].Req, table[order[b]].Req
		if ra.Remaining() != rb.Remaining() {
			return ra.Remaining() > rb.Remaining()
		}
		if ra.SeqLen() != rb.SeqLen() {
			return ra.SeqLen() < rb.SeqLen()
		}
		return ra.ID < rb.ID
	})
	victims := make(map[int]bool, k)
	for _, idx := range order[:k] {
		victims[idx] = true
	}
	seqLens := make([]int, 0, k)
	for i, row := range table {
		if victims[i] {
			evicted = append(evicted, row)
			seqLens = append(seqLens, row.Req.SeqLen())
		} else {
			kept = append(kept, row)
		}
	}
	if prefillCost != nil {
		recomputeTime = prefillCost(seqLens)
	}
	return kept, evicted, recomputeTime
}
