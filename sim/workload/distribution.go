package workload

import (
	"fmt"
	"math"
	"math/rand"
)

// LengthSampler generates token count samples.
type LengthSampler interface {
	// Sample returns a positive token count (>= 1).
	Sample(rng *rand.Rand) int
}

// FixedSampler always returns the same length.
type FixedSampler struct {
	value int
}

func (s *FixedSampler) Sample(_ *rand.Rand) int {
	return max(1, s.value)
}

// UniformLengthSampler draws integers uniformly from [min, max].
type UniformLengthSampler struct {
	min, max int
}

func (s *UniformLengthSampler) Sample(rng *rand.Rand) int {
	if s.max <= s.min {
		return max(1, s.min)
	}
	return max(1, s.min+rng.Intn(s.max-s.min+1))
}

// GaussianSampler produces clamped Gaussian token lengths.
type GaussianSampler struct {
	mean, stdDev float64
	min, max     int
}

func (s *GaussianSampler) Sample(rng *rand.Rand) int {
	if s.min == s.max {
		return max(1, s.min)
	}
	val := rng.NormFloat64()*s.stdDev + s.mean
	clamped := math.Min(float64(s.max), math.Max(float64(s.min), val))
	result := int(math.Round(clamped))
	if result < 1 {
		return 1
	}
	return result
}

// ExponentialSampler produces exponentially-distributed token lengths.
type ExponentialSampler struct {
	mean float64
}

func (s *ExponentialSampler) Sample(rng *rand.Rand) int {
	val := rng.ExpFloat64() * s.mean
	result := int(math.Round(val))
	if result < 1 {
		return 1
	}
	return result
}

// DistSpec parameterizes a token length distribution.
type DistSpec struct {
	Type   string             `yaml:"type" json:"type"`
	Params map[string]float64 `yaml:"params,omitempty" json:"params,omitempty"`
}

func (d DistSpec) param(name string) (float64, error) {
	v, ok := d.Params[name]
	if !ok {
		return 0, fmt.Errorf("%s distribution requires param %q", d.Type, name)
	}
	return v, nil
}

// NewLengthSampler creates a LengthSampler from a DistSpec.
func NewLengthSampler(spec DistSpec) (LengthSampler, error) {
	switch spec.Type {
	case "fixed", "":
		v, err := spec.param("value")
		if err != nil {
			return nil, err
		}
		if v < 1 {
			return nil, fmt.Errorf("fixed length must be >= 1, got %v", v)
		}
		return &FixedSampler{value: int(v)}, nil
	case "uniform":
		lo, err := spec.param("min")
		if err != nil {
			return nil, err
		}
		hi, err := spec.param("max")
		if err != nil {
			return nil, err
		}
		if lo < 1 || hi < lo {
			return nil, fmt.Errorf("uniform distribution requires 1 <= min <= max, got [%v, %v]", lo, hi)
		}
		return &UniformLengthSampler{min: int(lo), max: int(hi)}, nil
	case "gaussian":
		mean, err := spec.param("mean")
		if err != nil {
			return nil, err
		}
		std := spec.Params["std_dev"]
		lo, hi := spec.Params["min"], spec.Params["max"]
		if hi == 0 {
			hi = mean + 4*std
		}
		if lo < 1 {
			lo = 1
		}
		if hi < lo {
			return nil, fmt.Errorf("gaussian distribution requires min <= max, got [%v, %v]", lo, hi)
		}
		return &GaussianSampler{mean: mean, stdDev: std, min: int(lo), max: int(hi)}, nil
	case "exponential":
		mean, err := spec.param("mean")
		if err != nil {
			return nil, err
		}
		if mean <= 0 {
			return nil, fmt.Errorf("exponential distribution requires mean > 0, got %v", mean)
		}
		return &ExponentialSampler{mean: mean}, nil
	default:
		return nil, fmt.Errorf("unknown distribution type %q", spec.Type)
	}
}
