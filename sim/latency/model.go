// Package latency provides the fitted step-time model of the simulator.
// The LatencyModel interface is defined in sim/ (parent package).
// This package provides Model (closed-form prefill/decode predictor), the
// Levenberg–Marquardt fitter that produces its Coefficients, the batch-trace
// reader the fitter consumes, and the on-disk coefficient artefact.
package latency

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/inference-sim/simtune/sim"
)

// Coefficient vector sizes.
const (
	modelParams = 4 // a, b, c, d
	frameParams = 3 // a, b, c
)

// epsilon protects the 1 + d/x saturation terms against x -> 0.
const epsilon = 1e-9

// ErrCoefficientsUnset is returned when a coefficient vector is missing or has the wrong size.
var ErrCoefficientsUnset = errors.New("coefficient vector unset")

// Coefficients is the fitted coefficient set. All four vectors predict milliseconds.
//
//	prefill model: T = a + (ceil(n/dp)/n) Σ c·x²/(1+d/x²) + b·Σx/(1+d/Σx)
//	decode model:  T = a + b·bsz + c·Σ x/(1+d/x)
//	frames:        T = a + b·bsz + c·tokens
type Coefficients struct {
	PrefillModel []float64 `json:"prefill_model"`
	PrefillFrame []float64 `json:"prefill_frame"`
	DecodeModel  []float64 `json:"decode_model"`
	DecodeFrame  []float64 `json:"decode_frame"`
	DP           int       `json:"dp"`
}

// validateCoeffs checks size and finiteness of a coefficient slice.
func validateCoeffs(name string, coeffs []float64, size int) error {
	if len(coeffs) != size {
		return fmt.Errorf("%w: %s has %d elements, want %d", ErrCoefficientsUnset, name, len(coeffs), size)
	}
	for i, c := range coeffs {
		if math.IsNaN(c) {
			return fmt.Errorf("latency model: %s[%d] is NaN", name, i)
		}
		if math.IsInf(c, 0) {
			return fmt.Errorf("latency model: %s[%d] is Inf", name, i)
		}
	}
	return nil
}

// Validate reports whether every vector is set, finite and correctly sized.
func (c *Coefficients) Validate() error {
	if err := validateCoeffs("prefill_model", c.PrefillModel, modelParams); err != nil {
		return err
	}
	if err := validateCoeffs("prefill_frame", c.PrefillFrame, frameParams); err != nil {
		return err
	}
	if err := validateCoeffs("decode_model", c.DecodeModel, modelParams); err != nil {
		return err
	}
	if err := validateCoeffs("decode_frame", c.DecodeFrame, frameParams); err != nil {
		return err
	}
	if c.DP < 1 {
		return fmt.Errorf("latency model: dp must be >= 1, got %d", c.DP)
	}
	if c.PrefillModel[3] < 0 || c.DecodeModel[3] < 0 {
		return fmt.Errorf("latency model: saturation offset d must be >= 0")
	}
	return nil
}

// prefillModelMs evaluates the prefill compute form over prompt lengths xs.
func prefillModelMs(p []float64, xs []float64, dp int) float64 {
	a, b, c, d := p[0], p[1], p[2], p[3]
	n := len(xs)
	if n == 0 {
		return 0
	}
	quad, sum := 0.0, 0.0
	for _, x := range xs {
		x2 := math.Max(x*x, epsilon)
		quad += c * x * x / (1 + d/x2)
		sum += x
	}
	scale := dpScale(n, dp)
	return a + scale*quad + b*sum/(1+d/math.Max(sum, epsilon))
}

// decodeModelMs evaluates the decode compute form over context lengths xs.
func decodeModelMs(p []float64, xs []float64) float64 {
	a, b, c, d := p[0], p[1], p[2], p[3]
	acc := 0.0
	for _, x := range xs {
		acc += x / (1 + d/math.Max(x, epsilon))
	}
	return a + b*float64(len(xs)) + c*acc
}

// frameMs evaluates a framework overhead vector.
func frameMs(p []float64, bsz int, tokens float64) float64 {
	return p[0] + p[1]*float64(bsz) + p[2]*tokens
}

// dpScale is ceil(n/dp)/n: with data parallelism the quadratic attention work
// of a batch is spread over dp replicas.
func dpScale(n, dp int) float64 {
	if n == 0 {
		return 0
	}
	dp = max(dp, 1)
	return float64((n+dp-1)/dp) / float64(n)
}

func toFloats(seqLens []int) []float64 {
	xs := make([]float64, len(seqLens))
	for i, n := range seqLens {
		xs[i] = float64(n)
	}
	return xs
}

func sumOf(xs []float64) float64 {
	s := 0.0
	for _, x := range xs {
		s += x
	}
	return s
}

// Model predicts step durations from a Coefficients set.
// It is read-only after construction and safe for concurrent use.
type Model struct {
	coeffs Coefficients

	warnedNegative atomic.Bool
	warnedNumeric  atomic.Bool
}

var _ sim.LatencyModel = (*Model)(nil)

// NewModel validates coeffs and returns a predictor over a private copy.
func NewModel(coeffs Coefficients) (*Model, error) {
	if err := coeffs.Validate(); err != nil {
		return nil, err
	}
	cp := Coefficients{
		PrefillModel: append([]float64(nil), coeffs.PrefillModel...),
		PrefillFrame: append([]float64(nil), coeffs.PrefillFrame...),
		DecodeModel:  append([]float64(nil), coeffs.DecodeModel...),
		DecodeFrame:  append([]float64(nil), coeffs.DecodeFrame...),
		DP:           coeffs.DP,
	}
	return &Model{coeffs: cp}, nil
}

// Coefficients returns a copy of the coefficient set.
func (m *Model) Coefficients() Coefficients {
	c := m.coeffs
	c.PrefillModel = append([]float64(nil), c.PrefillModel...)
	c.PrefillFrame = append([]float64(nil), c.PrefillFrame...)
	c.DecodeModel = append([]float64(nil), c.DecodeModel...)
	c.DecodeFrame = append([]float64(nil), c.DecodeFrame...)
	return c
}

// seconds converts a millisecond estimate, clamping negatives to zero and
// mapping non-finite values to NaN. Each condition is logged once per model.
func (m *Model) seconds(what string, ms float64) float64 {
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		if m.warnedNumeric.CompareAndSwap(false, true) {
			logrus.Errorf("latency model: %s estimate is not finite (%v)", what, ms)
		}
		return math.NaN()
	}
	if ms < 0 {
		if m.warnedNegative.CompareAndSwap(false, true) {
			logrus.Warnf("latency model: %s estimate %.4fms is negative; clamping to 0", what, ms)
		}
		return 0
	}
	return ms / 1000
}

// PredictPrefillModel returns the prefill compute time in seconds.
func (m *Model) PredictPrefillModel(seqLens []int) float64 {
	return m.seconds("prefill model", prefillModelMs(m.coeffs.PrefillModel, toFloats(seqLens), m.coeffs.DP))
}

// PredictPrefillFrame returns the prefill framework overhead in seconds.
func (m *Model) PredictPrefillFrame(seqLens []int) float64 {
	return m.seconds("prefill frame", frameMs(m.coeffs.PrefillFrame, len(seqLens), sumOf(toFloats(seqLens))))
}

// PredictDecodeModel returns the decode compute time in seconds.
func (m *Model) PredictDecodeModel(seqLens []int) float64 {
	return m.seconds("decode model", decodeModelMs(m.coeffs.DecodeModel, toFloats(seqLens)))
}

// PredictDecodeFrame returns the decode framework overhead in seconds.
// Its token term is the summed context length of the batch.
func (m *Model) PredictDecodeFrame(seqLens []int) float64 {
	return m.seconds("decode frame", frameMs(m.coeffs.DecodeFrame, len(seqLens), sumOf(toFloats(seqLens))))
}

// PrefillTime implements sim.LatencyModel.
func (m *Model) PrefillTime(seqLens []int) float64 {
	if len(seqLens) == 0 {
		return 0
	}
	return m.PredictPrefillModel(seqLens) + m.PredictPrefillFrame(seqLens)
}

// DecodeTime implements sim.LatencyModel.
func (m *Model) DecodeTime(seqLens []int) float64 {
	if len(seqLens) == 0 {
		return 0
	}
	return m.PredictDecodeModel(seqLens) + m.PredictDecodeFrame(seqLens)
}
