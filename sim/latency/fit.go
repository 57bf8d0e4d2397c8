package latency

import (
	"errors"
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Fit kinds, used in FitError and FitReport.
const (
	KindPrefill = "prefill"
	KindDecode  = "decode"
)

// dGrid seeds the saturation offset d; (a, b, c) are solved linearly at each value
// and the best point starts the Levenberg–Marquardt refinement.
var dGrid = []float64{0, 1, 10, 100, 1e3, 1e4, 1e5, 1e6, 1e7}

// dUpper bounds the saturation offset from above.
const dUpper = 1e12

// Batch is one observed forward pass.
type Batch struct {
	IsPrefill  bool
	SeqLens    []int   // prompt lengths (prefill) or context lengths (decode)
	DurationMs float64 // observed step time

	// Optional split of DurationMs into compute and host-side overhead. When every
	// batch of a kind carries one, model and frame are fitted to their own targets;
	// otherwise the frame is fitted to the residual of the model fit.
	ModelMs float64
	FrameMs float64
}

func (b Batch) hasSplit() bool {
	return b.ModelMs > 0 || b.FrameMs > 0
}

func (b Batch) valid() bool {
	if len(b.SeqLens) == 0 || !finite(b.DurationMs) || b.DurationMs <= 0 {
		return false
	}
	for _, n := range b.SeqLens {
		if n <= 0 {
			return false
		}
	}
	return true
}

// FitOptions tunes the fitter.
type FitOptions struct {
	MinSamplesPerKind int     `json:"min_samples_per_kind"` // fewer valid batches of a kind is a FitError
	MaxIterations     int     `json:"max_iterations"`       // Levenberg–Marquardt iteration cap
	Tolerance         float64 `json:"tolerance"`            // relative SSE improvement that counts as converged
}

// DefaultFitOptions returns the options used by the CLI.
func DefaultFitOptions() FitOptions {
	return FitOptions{MinSamplesPerKind: 8, MaxIterations: 500, Tolerance: 1e-12}
}

// FitError reports a fit that could not produce coefficients for one kind.
type FitError struct {
	Kind   string
	Reason string
	Err    error
}

func (e *FitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fit %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("fit %s: %s", e.Kind, e.Reason)
}

func (e *FitError) Unwrap() error { return e.Err }

// KindReport summarises the fit quality of one kind against observed durations.
type KindReport struct {
	Samples    int     `json:"samples"`
	Skipped    int     `json:"skipped"`
	Split      bool    `json:"split"`
	Iterations int     `json:"iterations"`
	RMSEMs     float64 `json:"rmse_ms"`
	MeanMs     float64 `json:"mean_ms"`
	R2         float64 `json:"r2"`
}

// FitReport is returned alongside fitted coefficients.
type FitReport struct {
	Prefill KindReport `json:"prefill"`
	Decode  KindReport `json:"decode"`
}

// Fit learns all four coefficient vectors from observed batches.
// dp is the data-parallel degree the trace was recorded with.
func Fit(batches []Batch, dp int, opts FitOptions) (*Coefficients, *FitReport, error) {
	if dp < 1 {
		return nil, nil, fmt.Errorf("fit: dp must be >= 1, got %d", dp)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultFitOptions().MaxIterations
	}

	var prefill, decode []Batch
	skipped := map[string]int{}
	for _, b := range batches {
		kind := KindDecode
		if b.IsPrefill {
			kind = KindPrefill
		}
		if !b.valid() {
			skipped[kind]++
			continue
		}
		if b.IsPrefill {
			prefill = append(prefill, b)
		} else {
			decode = append(decode, b)
		}
	}

	coeffs := &Coefficients{DP: dp}
	report := &FitReport{}
	var err error
	coeffs.PrefillModel, coeffs.PrefillFrame, report.Prefill, err = fitKind(KindPrefill, prefill, dp, opts)
	if err != nil {
		return nil, nil, err
	}
	coeffs.DecodeModel, coeffs.DecodeFrame, report.Decode, err = fitKind(KindDecode, decode, dp, opts)
	if err != nil {
		return nil, nil, err
	}
	report.Prefill.Skipped = skipped[KindPrefill]
	report.Decode.Skipped = skipped[KindDecode]
	return coeffs, report, nil
}

// sample holds per-batch features shared by the model and frame fits.
type sample struct {
	xs     []float64
	bsz    int
	tokens float64
}

func fitKind(kind string, batches []Batch, dp int, opts FitOptions) (model, frame []float64, rep KindReport, err error) {
	if len(batches) < opts.MinSamplesPerKind {
		return nil, nil, rep, &FitError{Kind: kind, Reason: fmt.Sprintf("%d batches, need at least %d", len(batches), opts.MinSamplesPerKind)}
	}

	split := true
	for _, b := range batches {
		split = split && b.hasSplit()
	}
	samples := make([]sample, len(batches))
	observed := make([]float64, len(batches))
	modelTarget := make([]float64, len(batches))
	for i, b := range batches {
		xs := toFloats(b.SeqLens)
		samples[i] = sample{xs: xs, bsz: len(xs), tokens: sumOf(xs)}
		observed[i] = b.DurationMs
		modelTarget[i] = b.DurationMs
		if split {
			modelTarget[i] = b.ModelMs
		}
	}

	c := modelCurve(kind, samples, modelTarget, dp)
	p0, err := gridInit(c)
	if err != nil {
		return nil, nil, rep, &FitError{Kind: kind, Reason: "no usable initial point", Err: err}
	}
	res, err := levenbergMarquardt(c, p0, lmOptions{MaxIter: opts.MaxIterations, Tol: opts.Tolerance})
	if err != nil {
		return nil, nil, rep, &FitError{Kind: kind, Reason: "least squares failed", Err: err}
	}
	model = res.Params

	frameTarget := make([]float64, len(batches))
	x := mat.NewDense(len(samples), frameParams, nil)
	for i, s := range samples {
		if split {
			frameTarget[i] = batches[i].FrameMs
		} else {
			frameTarget[i] = observed[i] - c.eval(model, i)
		}
		x.Set(i, 0, 1)
		x.Set(i, 1, float64(s.bsz))
		x.Set(i, 2, s.tokens)
	}
	frame, err = linearLeastSquares(x, frameTarget)
	if err != nil {
		return nil, nil, rep, &FitError{Kind: kind + " frame", Reason: "linear fit failed", Err: err}
	}

	estimates := make([]float64, len(samples))
	for i, s := range samples {
		estimates[i] = c.eval(model, i) + frameMs(frame, s.bsz, s.tokens)
	}
	residual := make([]float64, len(samples))
	floats.SubTo(residual, estimates, observed)
	rep = KindReport{
		Samples:    len(samples),
		Split:      split,
		Iterations: res.Iterations,
		RMSEMs:     math.Sqrt(floats.Dot(residual, residual) / float64(len(residual))),
		MeanMs:     stat.Mean(observed, nil),
		R2:         stat.RSquaredFrom(estimates, observed, nil),
	}
	logrus.Infof("fit %s: %d batches, %d iterations, rmse %.4fms, r2 %.5f", kind, rep.Samples, rep.Iterations, rep.RMSEMs, rep.R2)
	return model, frame, rep, nil
}

// modelCurve builds the prefill or decode least-squares problem.
func modelCurve(kind string, samples []sample, y []float64, dp int) *curve {
	c := &curve{
		n:     len(samples),
		y:     y,
		lower: []float64{math.Inf(-1), math.Inf(-1), math.Inf(-1), 0},
		upper: []float64{math.Inf(1), math.Inf(1), math.Inf(1), dUpper},
	}
	if kind == KindPrefill {
		c.eval = func(p []float64, i int) float64 { return prefillModelMs(p, samples[i].xs, dp) }
		c.grad = func(p []float64, i int, g []float64) { prefillGrad(p, samples[i].xs, dp, g) }
	} else {
		c.eval = func(p []float64, i int) float64 { return decodeModelMs(p, samples[i].xs) }
		c.grad = func(p []float64, i int, g []float64) { decodeGrad(p, samples[i].xs, g) }
	}
	return c
}

// prefillGrad is the gradient of prefillModelMs with respect to (a, b, c, d).
func prefillGrad(p []float64, xs []float64, dp int, g []float64) {
	b, c, d := p[1], p[2], p[3]
	scale := dpScale(len(xs), dp)
	quad, quadD, sum := 0.0, 0.0, 0.0
	for _, x := range xs {
		x2 := math.Max(x*x, epsilon)
		den := 1 + d/x2
		quad += x * x / den
		quadD += x * x / (x2 * den * den)
		sum += x
	}
	sp := math.Max(sum, epsilon)
	denS := 1 + d/sp
	g[0] = 1
	g[1] = sum / denS
	g[2] = scale * quad
	g[3] = -scale*c*quadD - b*sum/(sp*denS*denS)
}

// decodeGrad is the gradient of decodeModelMs with respect to (a, b, c, d).
func decodeGrad(p []float64, xs []float64, g []float64) {
	c, d := p[2], p[3]
	acc, accD := 0.0, 0.0
	for _, x := range xs {
		xp := math.Max(x, epsilon)
		den := 1 + d/xp
		acc += x / den
		accD += x / (xp * den * den)
	}
	g[0] = 1
	g[1] = float64(len(xs))
	g[2] = acc
	g[3] = -c * accD
}

// gridInit solves (a, b, c) by linear least squares for each d in dGrid and
// returns the point with the smallest residual.
func gridInit(c *curve) ([]float64, error) {
	var best []float64
	bestSSE := math.Inf(1)
	var lastErr error
	g := make([]float64, modelParams)
	r := make([]float64, c.n)
	for _, d := range dGrid {
		x := mat.NewDense(c.n, 3, nil)
		probe := []float64{0, 0, 0, d}
		for i := 0; i < c.n; i++ {
			c.grad(probe, i, g)
			x.Set(i, 0, g[0])
			x.Set(i, 1, g[1])
			x.Set(i, 2, g[2])
		}
		abc, err := linearLeastSquares(x, c.y)
		if err != nil {
			lastErr = err
			continue
		}
		p := []float64{abc[0], abc[1], abc[2], d}
		if sse := c.residuals(p, r); finite(sse) && sse < bestSSE {
			best, bestSSE = p, sse
		}
	}
	if best == nil {
		if lastErr == nil {
			lastErr = errors.New("every grid point produced a non-finite residual")
		}
		return nil, lastErr
	}
	return best, nil
}
