package workload

import (
	"fmt"
	"math/rand"
)

// ArrivalSampler generates inter-arrival gaps for the open-loop request source.
type ArrivalSampler interface {
	// SampleIAT returns the next inter-arrival gap in seconds. Never negative.
	SampleIAT(rng *rand.Rand) float64
}

// PoissonSampler draws exponentially-distributed gaps, Exp(rate).
type PoissonSampler struct {
	rate float64 // requests per second
}

func (s *PoissonSampler) SampleIAT(rng *rand.Rand) float64 {
	return rng.ExpFloat64() / s.rate
}

// UniformSampler draws gaps from U(0, 2/rate), keeping the mean at 1/rate.
type UniformSampler struct {
	rate float64 // requests per second
}

func (s *UniformSampler) SampleIAT(rng *rand.Rand) float64 {
	return rng.Float64() * 2 / s.rate
}

// Arrival process names accepted by NewArrivalSampler.
const (
	ArrivalPoisson = "poisson"
	ArrivalUniform = "uniform"
)

// ValidArrivalProcesses is the set of recognized arrival process names.
var ValidArrivalProcesses = map[string]bool{ArrivalPoisson: true, ArrivalUniform: true}

// NewArrivalSampler creates an ArrivalSampler for a positive rate in requests/second.
func NewArrivalSampler(process string, rate float64) (ArrivalSampler, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("arrival rate must be positive, got %v", rate)
	}
	switch process {
	case ArrivalPoisson:
		return &PoissonSampler{rate: rate}, nil
	case ArrivalUniform:
		return &UniformSampler{rate: rate}, nil
	default:
		return nil, fmt.Errorf("unknown arrival process %q", process)
	}
}
