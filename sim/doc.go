// Package sim provides the discrete-event simulator of a continuous-batching
// LLM serving instance.
//
// # Reading Guide
//
// Start with these files to understand the simulation kernel:
//   - request.go: Request lifecycle (waiting → running → decoding → finished, with swapped)
//   - event.go: Event types that drive the simulation (Arrival, Schedule, PrefillDone, DecodeDone)
//   - simulator.go: The event loop, admission and the finish scan
//   - scheduler.go: Prefill/decode decisions, cost balance, recompute and preemption
//
// # Architecture
//
// The sim package owns the simulation state and the interfaces it consumes;
// sub-packages supply the pieces around it:
//   - sim/latency/: fitted latency model, Levenberg–Marquardt fitter, trace reader
//   - sim/workload/: workload tables, synthetic lengths, arrival samplers
//   - sim/tuning/: search spaces, grid and particle-swarm solvers, parallel runner
//   - sim/config/: run-configuration schema, loading, validation and auto-config
//   - sim/trace/: step, recompute and preemption records
//
// # Key Interfaces
//
//   - LatencyModel: prefill and decode step durations in seconds
//   - KVCacheState: block-granular KV budget with per-request holdings
//   - Engine: stateless façade combining the two for batch construction
package sim
