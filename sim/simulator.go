// sim/simulator.go
package sim

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/simtune/sim/trace"
	"github.com/inference-sim/simtune/sim/workload"
)

var (
	// ErrInvalidWorkload is returned when a workload item has a non-positive target decode length.
	ErrInvalidWorkload = errors.New("invalid workload")
	// ErrSchedulerStalled means the event queue drained while admitted work remained.
	ErrSchedulerStalled = errors.New("scheduler stalled with work pending")
)

// ctxCheckInterval is how many events run between context checks.
const ctxCheckInterval = 256

// Simulator is the core object that holds simulation time, the request queues and
// the event loop. It exclusively owns its queues and every Request it admits.
type Simulator struct {
	Clock float64 // simulated seconds; advances only when events are popped

	cfg    SimConfig
	events EventQueue
	seq    uint64
	engine *Engine
	source *RequestSource

	// backlog holds open-loop arrivals that found the admitted set full.
	// It is outside the admitted set and does not count toward concurrency.
	backlog RequestQueue
	// Waiting holds admitted requests not yet promoted for prefill.
	Waiting RequestQueue
	// Running holds requests ready for (re-)prefill, in arrival order.
	Running RequestQueue
	// Swapped holds preempted requests; they are re-prefilled before Running.
	Swapped RequestQueue
	// DecodeTable holds the rows that are actively decoding, in admission order.
	DecodeTable []DecodeRow
	// inflight is the prefill batch currently executing.
	inflight []*Request

	FinishedIDs []int
	Requests    map[int]*Request // result cache keyed by request ID

	nextRequestID int
	costD         float64 // idle-slot cost accumulated since the last prefill
	busy          bool    // a prefill or decode step is executing
	scheduled     bool    // a ScheduleEvent is pending
	stopped       bool
	timedOut      bool
	iterations    int
	numericWarned bool

	Metrics *Metrics
	Trace   *trace.SimulationTrace

	// Observer, when set, runs after every executed event. Tests use it to
	// check invariants at each tick.
	Observer func(*Simulator)
}

// NewSimulator builds a simulator over workload w.
// Returns an error wrapping ErrInvalidWorkload when an item's output length is not positive.
func NewSimulator(cfg SimConfig, lm LatencyModel, w workload.Workload) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("simulator config: %w", err)
	}
	if lm == nil {
		return nil, errors.New("simulator: latency model must not be nil")
	}
	for i, it := range w {
		if it.OutputLen <= 0 {
			return nil, fmt.Errorf("%w: item %d has target decode length %d", ErrInvalidWorkload, i, it.OutputLen)
		}
	}
	rng := NewPartitionedRNG(cfg.Seed)
	src, err := NewRequestSource(w, cfg.Arrival.RequestRate, cfg.Arrival.Process, rng.ForSubsystem(SubsystemArrival))
	if err != nil {
		return nil, fmt.Errorf("request source: %w", err)
	}
	kv := NewKVCacheState(cfg.KV.TotalBlocks, cfg.KV.BlockSize)
	return &Simulator{
		cfg:         cfg,
		engine:      NewEngine(lm, kv, cfg.RecomputeRatio),
		source:      src,
		DecodeTable: make([]DecodeRow, 0),
		FinishedIDs: make([]int, 0),
		Requests:    make(map[int]*Request),
		Metrics:     NewMetrics(),
		Trace:       trace.NewSimulationTrace(cfg.TraceLevel),
	}, nil
}

// Config returns the configuration the simulator was built with.
func (sim *Simulator) Config() SimConfig {
	return sim.cfg
}

// KV exposes the KV budget for inspection.
func (sim *Simulator) KV() *KVCacheState {
	return sim.engine.KV()
}

// CostD returns the idle-slot cost accumulated since the last prefill.
func (sim *Simulator) CostD() float64 {
	return sim.costD
}

// Admitted returns |waiting| + |running| + |decode_table| + |swapped|, counting an
// executing prefill batch with the queue it was drawn from.
func (sim *Simulator) Admitted() int {
	return sim.Waiting.Len() + sim.Running.Len() + sim.Swapped.Len() + len(sim.DecodeTable) + len(sim.inflight)
}

// Backlog returns the number of arrived requests waiting for admission.
func (sim *Simulator) Backlog() int {
	return sim.backlog.Len()
}

func (sim *Simulator) schedule(ev Event) {
	sim.events.Schedule(ev)
}

func (sim *Simulator) base(ts float64, t EventType) BaseEvent {
	sim.seq++
	return BaseEvent{timestamp: ts, eventID: sim.seq, eventType: t}
}

// kick schedules a decision point at the current clock if the engine is idle.
func (sim *Simulator) kick() {
	if sim.busy || sim.scheduled || sim.stopped {
		return
	}
	sim.scheduled = true
	sim.schedule(&ScheduleEvent{BaseEvent: sim.base(sim.Clock, EventTypeSchedule)})
}

// Run drives the simulation to completion, to the iteration cap, or until ctx is done.
// The returned Result is never nil; on cancellation it carries partial metrics.
func (sim *Simulator) Run(ctx context.Context) (*Result, error) {
	if sim.source.ClosedLoop() {
		sim.admit()
	} else if sim.source.HasNext() {
		sim.schedule(&ArrivalEvent{BaseEvent: sim.base(sim.source.NextArrival(), EventTypeArrival)})
	}
	sim.kick()

	for n := 0; sim.events.Len() > 0 && !sim.stopped; n++ {
		if n%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return sim.result(), err
			}
		}
		ev := sim.events.PopNext()
		if ev.Timestamp() > sim.Clock {
			sim.Clock = ev.Timestamp()
		}
		logrus.Tracef("[t=%.6fs] Executing %T", sim.Clock, ev)
		ev.Execute(sim)
		if sim.Observer != nil {
			sim.Observer(sim)
		}
	}

	if !sim.stopped && (sim.Admitted() > 0 || sim.backlog.Len() > 0 || sim.source.HasNext()) {
		return sim.result(), fmt.Errorf("%w: admitted=%d backlog=%d remaining=%d",
			ErrSchedulerStalled, sim.Admitted(), sim.backlog.Len(), sim.source.Remaining())
	}
	logrus.Debugf("[t=%.6fs] Simulation ended after %d steps", sim.Clock, sim.iterations)
	return sim.result(), nil
}

func (sim *Simulator) result() *Result {
	r := summarize(sim.Metrics, sim.Requests, sim.Clock, sim.iterations, sim.KV().PeakBlocks)
	r.TimedOut = sim.timedOut
	return r
}

// handleArrival emits the next open-loop item at ts and schedules the following one.
func (sim *Simulator) handleArrival(ts float64) {
	if !sim.source.HasNext() {
		return
	}
	req := sim.newRequest(sim.source.Next(), ts)
	logrus.Tracef("<< Arrival: %d at %.6fs", req.ID, ts)
	sim.backlog.Enqueue(req)
	if sim.source.HasNext() {
		sim.schedule(&ArrivalEvent{BaseEvent: sim.base(sim.source.NextArrival(), EventTypeArrival)})
	}
	sim.admit()
	sim.kick()
}

func (sim *Simulator) newRequest(it workload.Item, arrival float64) *Request {
	req := NewRequest(sim.nextRequestID, it.InputLen, it.OutputLen, arrival)
	sim.nextRequestID++
	return req
}

// rejectReason returns why a request can never be served, or "".
func (sim *Simulator) rejectReason(req *Request) string {
	lim := sim.cfg.Limits
	switch {
	case req.InputLen <= 0:
		return "non-positive input length"
	case req.InputLen > lim.MaxInputLen:
		return fmt.Sprintf("input length %d exceeds max_input_len %d", req.InputLen, lim.MaxInputLen)
	case req.InputLen+1 > lim.MaxSeqLen:
		return fmt.Sprintf("input length %d leaves no room under max_seq_len %d", req.InputLen, lim.MaxSeqLen)
	}
	peak := min(req.InputLen+req.TargetDecodeLen, lim.MaxSeqLen)
	if need := sim.KV().BlocksNeeded(peak); need > sim.KV().TotalBlocks {
		return fmt.Sprintf("peak footprint of %d blocks exceeds KV capacity %d", need, sim.KV().TotalBlocks)
	}
	return ""
}

// admit fills the admitted set up to concurrency, from the open-loop backlog or,
// in closed-loop mode, straight from the workload. Requests that violate the
// structural caps are dropped and counted as failed.
func (sim *Simulator) admit() {
	for sim.Admitted() < sim.cfg.Arrival.Concurrency {
		var req *Request
		switch {
		case sim.backlog.Len() > 0:
			req = sim.backlog.Dequeue()
		case sim.source.ClosedLoop() && sim.source.HasNext():
			req = sim.newRequest(sim.source.Next(), sim.Clock)
		default:
			sim.promote()
			return
		}
		if reason := sim.rejectReason(req); reason != "" {
			sim.Metrics.FailedRequests++
			logrus.Debugf("dropping request %d: %s", req.ID, reason)
			continue
		}
		req.State = StateWaiting
		sim.Requests[req.ID] = req
		sim.Waiting.Enqueue(req)
	}
	sim.promote()
}

// promote moves waiting requests to running while their prompts would fit next to
// the current KV usage and the prompts already queued for prefill. The head of
// the queue is always promoted when nothing is running so the pipeline never idles.
func (sim *Simulator) promote() {
	kv := sim.KV()
	projected := kv.UsedBlocks
	for _, req := range sim.Swapped.Items() {
		projected += kv.prefillBlocks(req)
	}
	for _, req := range sim.Running.Items() {
		projected += kv.prefillBlocks(req)
	}
	for sim.Waiting.Len() > 0 {
		req := sim.Waiting.Peek()
		need := kv.prefillBlocks(req)
		if projected+need > kv.TotalBlocks && sim.Running.Len() > 0 {
			return
		}
		projected += need
		sim.Waiting.Dequeue()
		req.State = StateRunning
		sim.Running.Enqueue(req)
	}
}

// sanitize clamps a non-finite or negative step duration to zero, counting it and
// logging once per simulation.
func (sim *Simulator) sanitize(d float64, kind StepKind) float64 {
	if math.IsNaN(d) || math.IsInf(d, 0) || d < 0 {
		sim.Metrics.NumericWarnings++
		if !sim.numericWarned {
			sim.numericWarned = true
			logrus.Warnf("%s step duration %v is not a finite non-negative value; clamping to 0", kind, d)
		}
		return 0
	}
	return d
}

// finished reports whether a decoding request has reached its target or a cap.
func (sim *Simulator) finished(req *Request) bool {
	lim := sim.cfg.Limits
	return req.CurrentDecodeLen >= req.TargetDecodeLen ||
		req.SeqLen() >= lim.MaxSeqLen ||
		(lim.MaxDecodeLen > 0 && req.CurrentDecodeLen >= lim.MaxDecodeLen)
}

// finishScan removes finished rows from the decode table and reclaims their KV.
// It runs when a step commits, so blocks freed here become visible to the next
// scheduling decision (end-of-tick reclamation).
func (sim *Simulator) finishScan() {
	kept := make([]DecodeRow, 0, len(sim.DecodeTable))
	for _, row := range sim.DecodeTable {
		req := row.Req
		if !sim.finished(req) {
			kept = append(kept, row)
			continue
		}
		req.State = StateFinished
		req.EndTime = sim.Clock
		req.Truncated = req.CurrentDecodeLen < req.TargetDecodeLen
		sim.engine.ReleaseFor(req)
		sim.FinishedIDs = append(sim.FinishedIDs, req.ID)
		sim.Metrics.CompletedRequests++
		if req.Truncated {
			sim.Metrics.TruncatedRequests++
		}
		logrus.Tracef("Finished req %d at %.6fs (%d tokens)", req.ID, sim.Clock, req.CurrentDecodeLen)
	}
	sim.DecodeTable = kept
}
