// Defines the Request struct that models an individual inference request in the simulation.
// Tracks input/output lengths, decode progress, and the per-step latency history.

package sim

import (
	"fmt"
)

// RequestState represents the lifecycle state of a request.
type RequestState string

const (
	StateWaiting  RequestState = "waiting"
	StateRunning  RequestState = "running"
	StateDecoding RequestState = "decoding"
	StateSwapped  RequestState = "swapped"
	StateFinished RequestState = "finished"
)

// StepKind identifies which forward pass a step record or batch step belongs to.
type StepKind string

const (
	StepPrefill   StepKind = "prefill"
	StepDecode    StepKind = "decode"
	StepRecompute StepKind = "recompute"
)

// StepRecord is one entry of a request's timing history.
// Latency and QueueWait are in seconds.
type StepRecord struct {
	Kind      StepKind
	BatchSize int
	Latency   float64 // clock - LastActivity + step duration
	QueueWait float64 // clock - LastActivity
}

// Request models a single request's lifecycle in the simulation.
// All mutation flows through the Simulator that owns it.
type Request struct {
	ID int // Monotonic identifier assigned at admission

	InputLen         int // Prompt length in tokens
	TargetDecodeLen  int // Number of tokens the request wants to generate
	CurrentDecodeLen int // Tokens generated so far

	State RequestState

	ArrivalTime  float64 // Simulated arrival (open-loop) or admission (closed-loop) time, seconds
	StartTime    float64 // Time of the first prefill step start
	EndTime      float64 // Time the request finished
	LastActivity float64 // End of the last step this request took part in

	Steps []StepRecord

	// Recompute bookkeeping. RecomputeLen holds the decoded tokens that must be
	// rebuilt by a re-prefill; it is zero for requests that were never evicted.
	Recomputes   int
	RecomputeLen int
	Truncated    bool // finished on a length cap rather than its target
}

// NewRequest builds a request in the waiting state.
func NewRequest(id, inputLen, targetDecodeLen int, arrival float64) *Request {
	return &Request{
		ID:              id,
		InputLen:        inputLen,
		TargetDecodeLen: targetDecodeLen,
		State:           StateWaiting,
		ArrivalTime:     arrival,
		LastActivity:    arrival,
	}
}

// SeqLen is the number of tokens whose KV the request holds.
func (req *Request) SeqLen() int {
	return req.InputLen + req.CurrentDecodeLen
}

// PrefillLen is the number of tokens a (re-)prefill has to ingest.
func (req *Request) PrefillLen() int {
	return req.InputLen + req.RecomputeLen
}

// Remaining returns how many tokens the request still has to generate.
func (req *Request) Remaining() int {
	return req.TargetDecodeLen - req.CurrentDecodeLen
}

// NeedsRecompute reports whether the request was evicted and awaits a re-prefill.
func (req *Request) NeedsRecompute() bool {
	return req.RecomputeLen > 0
}

// record appends a history entry for a step that started at clock and took duration.
func (req *Request) record(kind StepKind, batchSize int, clock, duration float64) {
	wait := clock - req.LastActivity
	req.Steps = append(req.Steps, StepRecord{
		Kind:      kind,
		BatchSize: batchSize,
		Latency:   wait + duration,
		QueueWait: wait,
	})
	req.LastActivity = clock + duration
}

// String returns a human-readable representation of a Request.
func (req Request) String() string {
	return fmt.Sprintf("Request: (ID: %d, State: %s, Input: %d, Decoded: %d/%d)",
		req.ID, req.State, req.InputLen, req.CurrentDecodeLen, req.TargetDecodeLen)
}

// DecodeRow is one row of the decode table. It exists iff the request is decoding.
type DecodeRow struct {
	Req *Request
}

func (r DecodeRow) ReqID() int { return r.Req.ID }
