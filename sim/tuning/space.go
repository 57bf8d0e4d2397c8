// Package tuning searches simulator configurations for the highest output-token
// throughput that meets the latency thresholds.
//
// A Space of parameter Ranges is explored by a Solver (GridSolver or PSOSolver).
// The Runner evaluates each proposed Point in a fresh sim.Simulator, in parallel,
// and feeds Outcomes back to the Solver in proposal order so results do not
// depend on the worker count.
package tuning

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/inference-sim/simtune/sim"
)

// Tunable parameter names, as they appear under param_tuning.param_ranges.
const (
	ParamConcurrency         = "concurrency"
	ParamRequestRate         = "request_rate"
	ParamMaxBatchSize        = "max_batch_size"
	ParamMaxPrefillBatchSize = "max_prefill_batch_size"
	ParamMaxPrefillTokens    = "max_prefill_tokens"
	ParamPrefillTimeMs       = "prefill_time_ms_per_request"
	ParamDecodeTimeMs        = "decode_time_ms_per_request"
)

// integerParams are snapped to whole numbers.
var integerParams = map[string]bool{
	ParamConcurrency:         true,
	ParamMaxBatchSize:        true,
	ParamMaxPrefillBatchSize: true,
	ParamMaxPrefillTokens:    true,
}

// IsTunable reports whether name is a tunable parameter.
func IsTunable(name string) bool {
	switch name {
	case ParamConcurrency, ParamRequestRate, ParamMaxBatchSize, ParamMaxPrefillBatchSize,
		ParamMaxPrefillTokens, ParamPrefillTimeMs, ParamDecodeTimeMs:
		return true
	}
	return false
}

// Range is one tunable dimension. Grid values are Low, Low+Step, ... strictly
// below High; a range with Low == High is the single value Low.
type Range struct {
	Name string  `json:"name"`
	Low  float64 `json:"low"`
	High float64 `json:"high"`
	Step float64 `json:"step"`
}

// Validate checks the range bounds.
func (r Range) Validate() error {
	if !IsTunable(r.Name) {
		return fmt.Errorf("range %q: not a tunable parameter", r.Name)
	}
	if math.IsNaN(r.Low) || math.IsNaN(r.High) || math.IsNaN(r.Step) {
		return fmt.Errorf("range %q: NaN bound", r.Name)
	}
	if r.High < r.Low {
		return fmt.Errorf("range %q: high %v < low %v", r.Name, r.High, r.Low)
	}
	if r.High > r.Low && r.Step <= 0 {
		return fmt.Errorf("range %q: step must be > 0, got %v", r.Name, r.Step)
	}
	if integerParams[r.Name] && (r.Low != math.Trunc(r.Low) || r.Step != math.Trunc(r.Step)) {
		return fmt.Errorf("range %q: integer parameter needs integer low and step", r.Name)
	}
	return nil
}

// Values enumerates the grid values of r.
func (r Range) Values() []float64 {
	if r.High <= r.Low {
		return []float64{r.Low}
	}
	var vs []float64
	// tolerate accumulated rounding at the open end
	limit := r.High - 1e-9*r.Step
	for i := 0; ; i++ {
		v := r.Low + float64(i)*r.Step
		if v >= limit {
			break
		}
		vs = append(vs, v)
	}
	return vs
}

// Max is the largest grid value of r.
func (r Range) Max() float64 {
	vs := r.Values()
	return vs[len(vs)-1]
}

// snap maps a continuous position onto the grid of r, clamped to [Low, Max].
func (r Range) snap(x float64) float64 {
	hi := r.Max()
	x = math.Min(math.Max(x, r.Low), hi)
	if r.Step > 0 {
		x = math.Min(r.Low+math.Round((x-r.Low)/r.Step)*r.Step, hi)
	}
	if integerParams[r.Name] {
		x = math.Round(x)
	}
	return x
}

// Space is an ordered set of ranges.
type Space []Range

// NewSpace validates the ranges and orders them by name.
func NewSpace(ranges []Range) (Space, error) {
	if len(ranges) == 0 {
		return nil, fmt.Errorf("search space is empty")
	}
	seen := make(map[string]bool, len(ranges))
	s := make(Space, 0, len(ranges))
	for _, r := range ranges {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[r.Name] {
			return nil, fmt.Errorf("range %q: duplicated", r.Name)
		}
		seen[r.Name] = true
		s = append(s, r)
	}
	sort.Slice(s, func(i, j int) bool { return s[i].Name < s[j].Name })
	return s, nil
}

// Size is the number of grid points.
func (s Space) Size() int {
	n := 1
	for _, r := range s {
		n *= len(r.Values())
	}
	return n
}

// Enumerate returns the Cartesian product of the ranges; the last range varies fastest.
func (s Space) Enumerate() []Point {
	points := []Point{{}}
	for _, r := range s {
		vals := r.Values()
		next := make([]Point, 0, len(points)*len(vals))
		for _, p := range points {
			for _, v := range vals {
				q := p.clone()
				q[r.Name] = v
				next = append(next, q)
			}
		}
		points = next
	}
	return points
}

// Point assigns a value to every dimension of a Space.
type Point map[string]float64

func (p Point) clone() Point {
	q := make(Point, len(p))
	for k, v := range p {
		q[k] = v
	}
	return q
}

// Key is a canonical string form of p, used for memoisation.
func (p Point) Key() string {
	names := make([]string, 0, len(p))
	for k := range p {
		names = append(names, k)
	}
	sort.Strings(names)
	var b strings.Builder
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(strconv.FormatFloat(p[k], 'g', -1, 64))
	}
	return b.String()
}

func (p Point) String() string { return p.Key() }

// Structural reports whether p respects max_prefill_batch_size <= max_batch_size,
// reading missing values from base.
func (p Point) Structural(base sim.SimConfig) bool {
	prefill := float64(base.Batch.MaxPrefillBatchSize)
	if v, ok := p[ParamMaxPrefillBatchSize]; ok {
		prefill = v
	}
	batch := float64(base.Batch.MaxBatchSize)
	if v, ok := p[ParamMaxBatchSize]; ok {
		batch = v
	}
	return prefill <= batch
}

// Apply returns base with p's values substituted.
func Apply(base sim.SimConfig, p Point) sim.SimConfig {
	cfg := base
	for name, v := range p {
		switch name {
		case ParamConcurrency:
			cfg.Arrival.Concurrency = int(math.Round(v))
		case ParamRequestRate:
			cfg.Arrival.RequestRate = v
		case ParamMaxBatchSize:
			cfg.Batch.MaxBatchSize = int(math.Round(v))
		case ParamMaxPrefillBatchSize:
			cfg.Batch.MaxPrefillBatchSize = int(math.Round(v))
		case ParamMaxPrefillTokens:
			cfg.Batch.MaxPrefillTokens = int(math.Round(v))
		case ParamPrefillTimeMs:
			cfg.Balance.PrefillTimePerReq = v / 1000
		case ParamDecodeTimeMs:
			cfg.Balance.DecodeTimePerReq = v / 1000
		}
	}
	return cfg
}
