package sim

import (
	"math/rand"

	"github.com/inference-sim/simtune/sim/workload"
)

// RequestSource emits workload items according to the arrival model.
// In closed-loop mode (rate 0) the Simulator pulls items whenever the admitted set
// has slack; in open-loop mode each emission advances the next-arrival timestamp
// by a gap drawn from the configured sampler.
type RequestSource struct {
	items   workload.Workload
	next    int
	sampler workload.ArrivalSampler // nil in closed-loop mode
	rng     *rand.Rand

	nextArrival float64
}

// NewRequestSource builds a source over w. rate <= 0 selects closed-loop mode.
func NewRequestSource(w workload.Workload, rate float64, process string, rng *rand.Rand) (*RequestSource, error) {
	src := &RequestSource{items: w, rng: rng}
	if rate > 0 {
		sampler, err := workload.NewArrivalSampler(process, rate)
		if err != nil {
			return nil, err
		}
		src.sampler = sampler
	}
	return src, nil
}

// ClosedLoop reports whether the source keeps a fixed number of requests in flight.
func (s *RequestSource) ClosedLoop() bool {
	return s.sampler == nil
}

// HasNext reports whether workload items remain.
func (s *RequestSource) HasNext() bool {
	return s.next < len(s.items)
}

// Remaining returns the number of items not yet emitted.
func (s *RequestSource) Remaining() int {
	return len(s.items) - s.next
}

// NextArrival returns the timestamp of the next open-loop arrival.
func (s *RequestSource) NextArrival() float64 {
	return s.nextArrival
}

// Next emits the next item. In open-loop mode it also draws the gap to the
// following arrival. Callers must check HasNext first.
func (s *RequestSource) Next() workload.Item {
	it := s.items[s.next]
	s.next++
	if s.sampler != nil {
		s.nextArrival += s.sampler.SampleIAT(s.rng)
	}
	return it
}
