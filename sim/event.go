package sim

import "github.com/sirupsen/logrus"

// EventType identifies an event kind for deterministic ordering.
type EventType string

const (
	EventTypeArrival     EventType = "arrival"
	EventTypePrefillDone EventType = "prefill_done"
	EventTypeDecodeDone  EventType = "decode_done"
	EventTypeSchedule    EventType = "schedule"
)

// EventTypePriority orders events that share a timestamp: arrivals land before a
// step commits, and a step commits before the next scheduling decision.
var EventTypePriority = map[EventType]int{
	EventTypeArrival:     0,
	EventTypePrefillDone: 1,
	EventTypeDecodeDone:  1,
	EventTypeSchedule:    2,
}

// Event defines the interface for all simulation events.
// Each event has a Timestamp (simulated seconds), a sequence ID assigned by the
// owning Simulator, and an Execute method that advances simulation state.
type Event interface {
	Timestamp() float64
	EventID() uint64
	Type() EventType
	Execute(*Simulator)
}

// BaseEvent provides common event fields.
type BaseEvent struct {
	timestamp float64
	eventID   uint64
	eventType EventType
}

func (e *BaseEvent) Timestamp() float64 { return e.timestamp }
func (e *BaseEvent) EventID() uint64    { return e.eventID }
func (e *BaseEvent) Type() EventType    { return e.eventType }

// ArrivalEvent is the open-loop arrival of the next workload item.
type ArrivalEvent struct {
	BaseEvent
}

// Execute moves the arriving item into the backlog, admits what fits and
// schedules the following arrival while the workload lasts.
func (e *ArrivalEvent) Execute(sim *Simulator) {
	sim.handleArrival(e.timestamp)
}

// ScheduleEvent is a decision point: the engine is idle and picks the next step.
type ScheduleEvent struct {
	BaseEvent
}

// Execute runs one scheduling decision.
func (e *ScheduleEvent) Execute(sim *Simulator) {
	logrus.Debugf("<< Schedule at %.6fs", e.timestamp)
	sim.scheduleStep()
}

// PrefillDoneEvent commits a prefill (or recompute re-prefill) step.
type PrefillDoneEvent struct {
	BaseEvent
	Batch    []*Request
	Start    float64
	Duration float64
}

// Execute commits the prefill step.
func (e *PrefillDoneEvent) Execute(sim *Simulator) {
	sim.commitPrefill(e)
}

// DecodeDoneEvent commits a decode step over the selected rows.
type DecodeDoneEvent struct {
	BaseEvent
	Rows     []DecodeRow
	Start    float64
	Duration float64
}

// Execute commits the decode step.
func (e *DecodeDoneEvent) Execute(sim *Simulator) {
	sim.commitDecode(e)
}
