// package metrics exports the diagnostics of AIS runs, the replay buffer and
// the training loop as prometheus metrics.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/btracey/fab/ais"
	"github.com/btracey/fab/buffer"
	"github.com/btracey/fab/train"
)

const namespace = "fab"

// AIS records the diagnostics of every run of a sampler. It implements
// ais.Observer.
type AIS struct {
	runs        prometheus.Counter
	samples     prometheus.Counter
	flagged     prometheus.Counter
	ess         prometheus.Gauge
	essFraction prometheus.Gauge
	flowESS     prometheus.Gauge
	logZ        prometheus.Gauge
	acceptance  *prometheus.GaugeVec
	stepSize    *prometheus.GaugeVec
	duration    prometheus.Histogram
}

var _ ais.Observer = (*AIS)(nil)

// NewAIS registers the AIS metrics on reg. It returns nil if reg is nil, and
// a nil *AIS ignores every observation.
func NewAIS(reg prometheus.Registerer) *AIS {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &AIS{
		runs: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ais_runs_total",
			Help:      "Number of completed AIS runs",
		}),
		samples: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ais_samples_total",
			Help:      "Number of annealing chains run",
		}),
		flagged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ais_flagged_total",
			Help:      "Number of chains that ended with a non-finite log weight",
		}),
		ess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ais_ess",
			Help:      "Effective sample size of the AIS weights of the last run",
		}),
		essFraction: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ais_ess_fraction",
			Help:      "Effective sample size of the last run divided by its batch size",
		}),
		flowESS: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ais_flow_ess",
			Help:      "Effective sample size of the plain flow importance weights of the last run",
		}),
		logZ: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ais_log_z",
			Help:      "AIS estimate of the log normalizing constant ratio in the last run",
		}),
		acceptance: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ais_acceptance_rate",
			Help:      "Kernel acceptance rate per annealing level in the last run",
		}, []string{"level"}),
		stepSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ais_step_size",
			Help:      "Kernel step size per annealing level in the last run",
		}, []string{"level"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ais_run_duration_seconds",
			Help:      "Duration of AIS runs",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}
}

func (m *AIS) ObserveRun(d *ais.Diagnostics) {
	if m == nil {
		return
	}
	m.runs.Inc()
	m.samples.Add(float64(d.N))
	m.flagged.Add(float64(d.Flagged))
	m.ess.Set(d.ESS)
	m.essFraction.Set(d.ESSFraction)
	m.flowESS.Set(d.FlowESS)
	m.logZ.Set(d.LogZ)
	for k, r := range d.Acceptance {
		m.acceptance.WithLabelValues(strconv.Itoa(k + 1)).Set(r)
	}
	for k, s := range d.StepSizes {
		m.stepSize.WithLabelValues(strconv.Itoa(k + 1)).Set(s)
	}
	m.duration.Observe(d.Duration.Seconds())
}

// RegisterBuffer registers gauges reporting the size and capacity of b. The
// values are read from the buffer at collection time.
func RegisterBuffer(reg prometheus.Registerer, b *buffer.Buffer) {
	if reg == nil {
		return
	}
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "buffer_size",
		Help:      "Number of entries in the replay buffer",
	}, func() float64 { return float64(b.Len()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "buffer_capacity",
		Help:      "Capacity of the replay buffer",
	}, func() float64 { return float64(b.Cap()) })
}

// Trainer records the reports of training steps. It implements
// train.Observer.
type Trainer struct {
	steps    prometheus.Counter
	skipped  *prometheus.CounterVec
	loss     prometheus.Gauge
	gradNorm prometheus.Gauge
	buffered prometheus.Counter
}

var _ train.Observer = (*Trainer)(nil)

// NewTrainer registers the training metrics on reg. It returns nil if reg is
// nil.
func NewTrainer(reg prometheus.Registerer) *Trainer {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Trainer{
		steps: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_steps_total",
			Help:      "Number of training steps attempted",
		}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_skipped_total",
			Help:      "Number of training steps that did not update the flow",
		}, []string{"reason"}),
		loss: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "train_loss",
			Help:      "Loss of the last applied training step",
		}),
		gradNorm: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "train_grad_norm",
			Help:      "Gradient norm of the last applied training step before clipping",
		}),
		buffered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "train_buffered_samples_total",
			Help:      "Number of replay buffer samples used in the loss",
		}),
	}
}

func (m *Trainer) ObserveStep(r *train.Report) {
	if m == nil {
		return
	}
	m.steps.Inc()
	if r.Skipped {
		m.skipped.WithLabelValues(r.SkipReason.String()).Inc()
		return
	}
	m.loss.Set(r.Loss)
	m.gradNorm.Set(r.GradNorm)
	m.buffered.Add(float64(r.Buffered))
}
