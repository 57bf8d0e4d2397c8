package latency

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	errNotConverged = errors.New("levenberg-marquardt did not converge")
	errDegenerate   = errors.New("design matrix is rank deficient")
)

const (
	lambdaInit = 1e-3
	lambdaMin  = 1e-12
	lambdaMax  = 1e16
	maxCond    = 1e13
)

// curve is a least-squares target with an analytic Jacobian.
// eval and grad are evaluated per sample i.
type curve struct {
	n    int
	eval func(p []float64, i int) float64
	grad func(p []float64, i int, g []float64)
	y    []float64

	lower, upper []float64
}

type lmOptions struct {
	MaxIter int
	Tol     float64 // relative SSE improvement under which the fit has converged
}

type lmResult struct {
	Params     []float64
	SSE        float64
	Iterations int
}

func (c *curve) residuals(p, r []float64) float64 {
	sse := 0.0
	for i := 0; i < c.n; i++ {
		r[i] = c.eval(p, i) - c.y[i]
		sse += r[i] * r[i]
	}
	return sse
}

func (c *curve) project(p []float64) {
	for j := range p {
		p[j] = math.Min(math.Max(p[j], c.lower[j]), c.upper[j])
	}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// levenbergMarquardt minimises the sum of squared residuals of c starting at p0.
// Each step solves the damped system as the least-squares problem
// [J·S; √λ·I] δ = [−r; 0] by QR, where S scales the Jacobian columns to unit
// norm (Marquardt scaling). Steps are projected onto the parameter bounds.
func levenbergMarquardt(c *curve, p0 []float64, opts lmOptions) (lmResult, error) {
	k := len(p0)
	p := append([]float64(nil), p0...)
	c.project(p)

	r := make([]float64, c.n)
	cur := c.residuals(p, r)
	if !finite(cur) {
		return lmResult{}, fmt.Errorf("initial residual is not finite")
	}
	tiny := 1e-24 * (1 + sumSquares(c.y))

	aug := mat.NewDense(c.n+k, k, nil)
	rhs := mat.NewVecDense(c.n+k, nil)
	step := mat.NewVecDense(k, nil)
	g := make([]float64, k)
	scale := make([]float64, k)
	trial := make([]float64, k)
	rTrial := make([]float64, c.n)
	lambda := lambdaInit

	done := func(iter int) lmResult {
		return lmResult{Params: p, SSE: cur, Iterations: iter}
	}
	if cur <= tiny {
		return done(0), nil
	}

	for iter := 1; iter <= opts.MaxIter; iter++ {
		for i := 0; i < c.n; i++ {
			c.grad(p, i, g)
			for j := 0; j < k; j++ {
				aug.Set(i, j, g[j])
			}
			rhs.SetVec(i, -r[i])
		}
		for j := 0; j < k; j++ {
			norm := mat.Norm(aug.Slice(0, c.n, j, j+1), 2)
			if norm < epsilon || !finite(norm) {
				norm = 1
			}
			scale[j] = norm
			for i := 0; i < c.n; i++ {
				aug.Set(i, j, aug.At(i, j)/norm)
			}
		}

		for {
			damp := math.Sqrt(lambda)
			for j := 0; j < k; j++ {
				for jj := 0; jj < k; jj++ {
					aug.Set(c.n+j, jj, 0)
				}
				aug.Set(c.n+j, j, damp)
			}
			var qr mat.QR
			qr.Factorize(aug)
			if err := qr.SolveVecTo(step, false, rhs); err != nil {
				lambda *= 10
				if lambda > lambdaMax {
					return done(iter), nil
				}
				continue
			}
			for j := 0; j < k; j++ {
				trial[j] = p[j] + step.AtVec(j)/scale[j]
			}
			c.project(trial)
			next := c.residuals(trial, rTrial)
			if finite(next) && next < cur {
				rel := (cur - next) / cur
				copy(p, trial)
				copy(r, rTrial)
				cur = next
				lambda = math.Max(lambda/10, lambdaMin)
				if rel < opts.Tol || cur <= tiny {
					return done(iter), nil
				}
				break
			}
			lambda *= 10
			if lambda > lambdaMax {
				// No descent direction left: p is a stationary point within bounds.
				return done(iter), nil
			}
		}
	}
	return done(opts.MaxIter), errNotConverged
}

// linearLeastSquares solves min ‖X·β − y‖ by QR on column-normalised X.
func linearLeastSquares(x *mat.Dense, y []float64) ([]float64, error) {
	rows, cols := x.Dims()
	if rows < cols {
		return nil, fmt.Errorf("%w: %d samples for %d parameters", errDegenerate, rows, cols)
	}
	scaled := mat.DenseCopyOf(x)
	scale := make([]float64, cols)
	for j := 0; j < cols; j++ {
		norm := mat.Norm(scaled.Slice(0, rows, j, j+1), 2)
		if norm < epsilon {
			return nil, fmt.Errorf("%w: column %d is zero", errDegenerate, j)
		}
		scale[j] = norm
		for i := 0; i < rows; i++ {
			scaled.Set(i, j, scaled.At(i, j)/norm)
		}
	}

	var qr mat.QR
	qr.Factorize(scaled)
	if cond := qr.Cond(); !finite(cond) || cond > maxCond {
		return nil, fmt.Errorf("%w: condition number %.3g", errDegenerate, cond)
	}
	sol := mat.NewVecDense(cols, nil)
	if err := qr.SolveVecTo(sol, false, mat.NewVecDense(rows, append([]float64(nil), y...))); err != nil {
		return nil, err
	}
	beta := make([]float64, cols)
	for j := range beta {
		beta[j] = sol.AtVec(j) / scale[j]
	}
	return beta, nil
}

func sumSquares(xs []float64) float64 {
	s := 0.0
	for _, x := range xs {
		s += x * x
	}
	return s
}
