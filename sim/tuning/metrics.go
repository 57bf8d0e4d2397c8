package tuning

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Label values for the trials counter.
const (
	trialFeasible   = "feasible"
	trialInfeasible = "infeasible"
	trialTimedOut   = "timed_out"
	trialRejected   = "rejected"
)

// Metrics is the solver telemetry. It uses its own registry so several runs
// in one process do not collide.
type Metrics struct {
	Registry *prometheus.Registry

	Trials         *prometheus.CounterVec
	CacheHits      prometheus.Counter
	TrialDuration  prometheus.Histogram
	BestThroughput prometheus.Gauge
	SimulatedSteps prometheus.Counter
}

// NewMetrics registers the solver metrics for strategy.
func NewMetrics(strategy string) *Metrics {
	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"strategy": strategy}
	m := &Metrics{
		Registry: reg,
		Trials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "simtune_trials_total",
			Help:        "Evaluated parameter points by outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "simtune_trial_cache_hits_total",
			Help:        "Parameter points answered from the memo cache",
			ConstLabels: constLabels,
		}),
		TrialDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "simtune_trial_duration_seconds",
			Help:        "Wall time of one simulation",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		BestThroughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "simtune_best_throughput_tokens_per_second",
			Help:        "Throughput of the best feasible point so far",
			ConstLabels: constLabels,
		}),
		SimulatedSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "simtune_simulated_steps_total",
			Help:        "Prefill and decode steps executed across all trials",
			ConstLabels: constLabels,
		}),
	}
	reg.MustRegister(m.Trials, m.CacheHits, m.TrialDuration, m.BestThroughput, m.SimulatedSteps)
	return m
}

func (m *Metrics) observe(o Outcome) {
	switch {
	case o.Rejected != "":
		m.Trials.WithLabelValues(trialRejected).Inc()
	case o.TimedOut:
		m.Trials.WithLabelValues(trialTimedOut).Inc()
	case o.Feasible:
		m.Trials.WithLabelValues(trialFeasible).Inc()
	default:
		m.Trials.WithLabelValues(trialInfeasible).Inc()
	}
	if o.Cached {
		m.CacheHits.Inc()
	} else if o.Result != nil {
		m.SimulatedSteps.Add(float64(o.Result.Iterations))
	}
}

// WriteTextfile writes the current values in the node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.Registry)
}
