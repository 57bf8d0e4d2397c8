// Per-tick decisions of the Simulator: prefill versus decode, recompute and
// preemption under KV pressure, and the commits that end each step.

package sim

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/simtune/sim/trace"
)

// scheduleStep runs one decision point. At most one step executes at a time.
func (sim *Simulator) scheduleStep() {
	sim.scheduled = false
	if sim.busy || sim.stopped {
		return
	}
	sim.admit()

	if sim.cfg.MaxIterations > 0 && sim.iterations >= sim.cfg.MaxIterations {
		logrus.Warnf("simulation hit the iteration cap (%d) at %.3fs; reporting partial metrics",
			sim.cfg.MaxIterations, sim.Clock)
		sim.stopped = true
		sim.timedOut = true
		return
	}

	if sim.tryPrefill() {
		return
	}
	sim.tryDecode()
}

// prefillCandidates returns swapped requests followed by running ones, in order.
func (sim *Simulator) prefillCandidates() []*Request {
	return append(sim.Swapped.Items(), sim.Running.Items()...)
}

// largestPrefillPrefix returns the longest prefix of candidates that respects the
// prefill batch cap, the prefill token cap and the KV budget. A single request
// longer than the token cap still forms a batch of one.
func (sim *Simulator) largestPrefillPrefix(candidates []*Request) []*Request {
	limit := min(sim.cfg.Batch.MaxPrefillBatchSize, len(candidates))
	tokens := 0
	k := 0
	for k < limit {
		tokens += candidates[k].PrefillLen()
		if k > 0 && tokens > sim.cfg.Batch.MaxPrefillTokens {
			break
		}
		if over, _ := sim.engine.JudgeKVBlock(KVQuery{Prefill: candidates[:k+1]}); over {
			break
		}
		k++
	}
	return candidates[:k]
}

// prefillCost is the cost of stalling the decode table for one prefill, or -1
// when the scheduler does not favour decode.
func (sim *Simulator) prefillCost() float64 {
	if !sim.cfg.Balance.SupportSelectBatch {
		return -1
	}
	return sim.cfg.Balance.PrefillTimePerReq * float64(len(sim.DecodeTable))
}

func (sim *Simulator) tryPrefill() bool {
	ready := sim.Swapped.Len() + sim.Running.Len()
	if ready == 0 {
		return false
	}
	if len(sim.DecodeTable) > 0 && ready <= sim.cfg.Batch.MinPrefillBatch {
		return false
	}
	if len(sim.DecodeTable) >= sim.cfg.Arrival.Concurrency {
		return false
	}
	batch := sim.largestPrefillPrefix(sim.prefillCandidates())
	if len(batch) == 0 {
		return false
	}
	costP := sim.prefillCost()
	if sim.costD < costP {
		logrus.Tracef("deferring prefill of %d: cost_d=%.3f < cost_p=%.3f", len(batch), sim.costD, costP)
		return false
	}

	fromSwapped := min(len(batch), sim.Swapped.Len())
	sim.Swapped.DequeueN(fromSwapped)
	sim.Running.DequeueN(len(batch) - fromSwapped)

	duration := sim.sanitize(sim.engine.PrefillSim(batch), StepPrefill)
	kind := StepPrefill
	for _, req := range batch {
		if req.NeedsRecompute() {
			kind = StepRecompute
			break
		}
	}
	sim.Trace.RecordStep(trace.StepEvent{
		Kind:           string(kind),
		BatchSize:      len(batch),
		SeqLens:        prefillLens(batch),
		Start:          sim.Clock,
		Duration:       duration,
		CostD:          sim.costD,
		CostP:          costP,
		DecodeTableLen: len(sim.DecodeTable),
		UsedBlocks:     sim.KV().UsedBlocks,
	})
	logrus.Debugf("[t=%.6fs] %s batch=%d duration=%.6fs", sim.Clock, kind, len(batch), duration)

	sim.costD = 0
	sim.inflight = batch
	sim.busy = true
	sim.iterations++
	sim.schedule(&PrefillDoneEvent{
		BaseEvent: sim.base(sim.Clock+duration, EventTypePrefillDone),
		Batch:     batch,
		Start:     sim.Clock,
		Duration:  duration,
	})
	return true
}

func (sim *Simulator) tryDecode() {
	if len(sim.DecodeTable) == 0 {
		return
	}
	limit := min(sim.cfg.Batch.MaxBatchSize, len(sim.DecodeTable))
	if over, _ := sim.engine.JudgeKVBlock(KVQuery{Decode: sim.DecodeTable[:limit]}); over && sim.engine.RecomputeEnabled() {
		sim.recompute()
		if len(sim.DecodeTable) == 0 {
			sim.kick()
			return
		}
	}

	selected := sim.engine.ConstructDecodeBatch(sim.cfg.Batch.MaxBatchSize, sim.DecodeTable)
	for len(selected) == 0 && len(sim.DecodeTable) > 0 {
		sim.preemptLast()
		selected = sim.engine.ConstructDecodeBatch(sim.cfg.Batch.MaxBatchSize, sim.DecodeTable)
	}
	if len(selected) == 0 {
		sim.kick()
		return
	}
	rows := append([]DecodeRow(nil), selected...)

	duration := sim.sanitize(sim.engine.DecodeSim(rows), StepDecode)
	costP := sim.prefillCost()
	sim.Trace.RecordStep(trace.StepEvent{
		Kind:           string(StepDecode),
		BatchSize:      len(rows),
		SeqLens:        decodeLens(rows),
		Start:          sim.Clock,
		Duration:       duration,
		CostD:          sim.costD,
		CostP:          costP,
		DecodeTableLen: len(sim.DecodeTable),
		UsedBlocks:     sim.KV().UsedBlocks,
	})
	if sim.cfg.Balance.SupportSelectBatch {
		idle := max(0, sim.cfg.Batch.MaxBatchSize-len(rows))
		sim.costD += sim.cfg.Balance.DecodeTimePerReq * float64(idle)
	}

	sim.busy = true
	sim.iterations++
	sim.schedule(&DecodeDoneEvent{
		BaseEvent: sim.base(sim.Clock+duration, EventTypeDecodeDone),
		Rows:      rows,
		Start:     sim.Clock,
		Duration:  duration,
	})
}

// evict releases a decode row's KV and marks it for a re-prefill of its prompt
// plus already-decoded tokens.
func (sim *Simulator) evict(req *Request, state RequestState) {
	sim.engine.ReleaseFor(req)
	req.RecomputeLen = req.CurrentDecodeLen
	req.CurrentDecodeLen = 0
	req.Recomputes++
	req.State = state
}

// recompute sheds a fraction of the decode table back to the front of Running.
func (sim *Simulator) recompute() {
	usedBefore := sim.KV().UsedBlocks
	newTable, recycled, estimate := sim.engine.Recompute(sim.DecodeTable)
	if len(recycled) == 0 {
		return
	}
	ids := make([]int, len(recycled))
	for i, req := range recycled {
		sim.evict(req, StateRunning)
		ids[i] = req.ID
	}
	for i := len(recycled) - 1; i >= 0; i-- {
		sim.Running.PushFront(recycled[i])
	}
	sim.DecodeTable = newTable
	sim.Metrics.RecomputeEvents++
	sim.Trace.RecordRecompute(trace.RecomputeRecord{
		Clock:         sim.Clock,
		EvictedIDs:    ids,
		RecomputeTime: sim.sanitize(estimate, StepRecompute),
		UsedBefore:    usedBefore,
		UsedAfter:     sim.KV().UsedBlocks,
	})
	logrus.Debugf("[t=%.6fs] recompute evicted %d rows (est. %.6fs)", sim.Clock, len(recycled), estimate)
}

// preemptLast swaps out the newest decode row when no row can grow.
func (sim *Simulator) preemptLast() {
	last := len(sim.DecodeTable) - 1
	req := sim.DecodeTable[last].Req
	sim.DecodeTable = sim.DecodeTable[:last]
	sim.evict(req, StateSwapped)
	sim.Swapped.Enqueue(req)
	sim.Metrics.Preemptions++
	sim.Trace.RecordPreemption(trace.PreemptionRecord{Clock: sim.Clock, RequestID: req.ID})
	logrus.Debugf("[t=%.6fs] preempted request %d", sim.Clock, req.ID)
}

// commitPrefill ends a prefill step: every request emits one token and joins the decode table.
func (sim *Simulator) commitPrefill(e *PrefillDoneEvent) {
	sim.busy = false
	sim.inflight = nil

	recomputeStep := false
	for _, req := range e.Batch {
		kind := StepPrefill
		if req.NeedsRecompute() {
			kind = StepRecompute
			recomputeStep = true
			req.CurrentDecodeLen = req.RecomputeLen + 1
			req.RecomputeLen = 0
		} else {
			req.CurrentDecodeLen = 1
			req.StartTime = e.Start
		}
		req.record(kind, len(e.Batch), e.Start, e.Duration)
		if !sim.engine.AllocateFor(req) {
			panic(fmt.Sprintf("commitPrefill: KV allocation failed for admitted request %d", req.ID))
		}
		req.State = StateDecoding
		sim.DecodeTable = append(sim.DecodeTable, DecodeRow{Req: req})
	}
	if recomputeStep {
		sim.Metrics.RecomputeSteps++
	} else {
		sim.Metrics.PrefillSteps++
	}

	sim.finishScan()
	sim.admit()
	sim.kick()
}

// commitDecode ends a decode step: every selected row emits one token.
// Rows left out of the step accrue queue wait until their next step.
func (sim *Simulator) commitDecode(e *DecodeDoneEvent) {
	sim.busy = false
	for _, row := range e.Rows {
		req := row.Req
		req.record(StepDecode, len(e.Rows), e.Start, e.Duration)
		req.CurrentDecodeLen++
		if !sim.engine.AllocateFor(req) {
			panic(fmt.Sprintf("commitDecode: KV allocation failed for selected request %d", req.ID))
		}
	}
	sim.Metrics.DecodeSteps++
	sim.Metrics.DecodeBatchSizes = append(sim.Metrics.DecodeBatchSizes, len(e.Rows))

	sim.finishScan()
	sim.admit()
	sim.kick()
}
