// package ais implements the annealed importance sampler. A batch of samples
// is drawn from the flow, each sample is moved through the intermediate
// densities of an annealing schedule with a transition kernel, and the log
// importance weight of each chain is accumulated along the way.
//
// For a schedule 0 = β_0 ≤ ... ≤ β_K = 1 each chain computes
//  w = 0
//  for k = 1..K:
//      w   += log π_k(x_{k-1}) - log π_{k-1}(x_{k-1})
//      x_k  = T_k(x_{k-1})
// where T_k leaves π_k invariant. The weight increment is evaluated before the
// transition at each level.
package ais

import (
	"context"
	"io"
	"math"
	"math/rand/v2"
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/btracey/fab"
	"github.com/btracey/fab/schedule"
	"github.com/btracey/fab/transition"
)

// Observer receives the diagnostics of every completed AIS run.
type Observer interface {
	ObserveRun(d *Diagnostics)
}

// Diagnostics describes one AIS run. The values are reported only; the
// sampler does not act on them beyond the step size adaptation.
type Diagnostics struct {
	N       int
	Flagged int
	// ESS is the effective sample size of the AIS weights and ESSFraction is
	// ESS / N.
	ESS         float64
	ESSFraction float64
	// FlowESS is the effective sample size of the plain importance weights
	// log p(x_0) - log q(x_0) of the initial flow samples.
	FlowESS float64
	// LogZ is log mean exp(w), the AIS estimate of log(Z_p / Z_q).
	LogZ float64
	// Acceptance is the acceptance rate at each level and StepSizes the step
	// size it was run with. Element k-1 is level k.
	Acceptance []float64
	StepSizes  []float64
	Duration   time.Duration
}

// Sampler is an annealed importance sampler. It is safe for concurrent use.
type Sampler struct {
	flow   fab.DensityModel
	target fab.Density

	schedule      *schedule.Schedule
	kernel        transition.Kernel
	adapter       *transition.Adapter
	stepsPerLevel int
	concurrent    int
	settings      fab.Settings

	logger   logrus.FieldLogger
	observer Observer
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithSchedule replaces the schedule named in the settings.
func WithSchedule(s *schedule.Schedule) Option {
	return func(a *Sampler) { a.schedule = s }
}

// WithKernel replaces the kernel named in the settings.
func WithKernel(k transition.Kernel) Option {
	return func(a *Sampler) { a.kernel = k }
}

// WithLogger sets the logger. By default nothing is logged.
func WithLogger(l logrus.FieldLogger) Option {
	return func(a *Sampler) { a.logger = l }
}

// WithObserver sets an observer for the run diagnostics.
func WithObserver(o Observer) Option {
	return func(a *Sampler) { a.observer = o }
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// New returns a sampler from the flow to the target. The schedule and kernel
// are built from the settings unless replaced by an Option. The error wraps
// fab.ErrInvalidConfig if the settings are not valid.
func New(flow fab.DensityModel, target fab.Density, s fab.Settings, opts ...Option) (*Sampler, error) {
	if flow == nil || target == nil {
		return nil, errors.Wrap(fab.ErrInvalidConfig, "ais: nil flow or target")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	a := &Sampler{
		flow:          flow,
		target:        target,
		stepsPerLevel: s.StepsPerLevel,
		concurrent:    s.Concurrent,
		settings:      s,
		logger:        discardLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	var err error
	if a.schedule == nil {
		if a.schedule, err = schedule.FromSettings(s); err != nil {
			return nil, err
		}
	}
	if a.kernel == nil {
		if a.kernel, err = transition.FromSettings(s); err != nil {
			return nil, err
		}
	}
	if a.concurrent == 0 {
		a.concurrent = runtime.GOMAXPROCS(0)
	}
	a.adapter = transition.NewAdapter(a.schedule.Len(), s.StepSize, s.Adapt)
	return a, nil
}

// Schedule returns the annealing schedule of the sampler.
func (a *Sampler) Schedule() *schedule.Schedule {
	return a.schedule
}

// StepSizes returns the current step size at each level.
func (a *Sampler) StepSizes() []float64 {
	return a.adapter.StepSizes(nil)
}

// Sample runs n annealing chains and returns the weighted batch of their end
// points along with the run diagnostics. All randomness is drawn from src:
// the initial flow samples first, then one seed per chain, so the result does
// not depend on the number of goroutines.
//
// Entries with a non-finite weight are kept and flagged. If every entry is
// flagged, the batch and diagnostics are returned along with an error wrapping
// fab.ErrBatchDegenerate. A cancelled context aborts the run.
func (a *Sampler) Sample(ctx context.Context, n int, src rand.Source) (*fab.WeightedBatch, *Diagnostics, error) {
	if n < 1 {
		return nil, nil, errors.Wrapf(fab.ErrInvalidConfig, "ais: batch size must be at least 1, have %d", n)
	}
	start := time.Now()
	dim := a.flow.Dim()
	b := fab.NewWeightedBatch(n, dim)
	a.flow.Sample(b.X, src)

	master := rand.New(src)
	seeds := make([][2]uint64, n)
	for i := range seeds {
		seeds[i] = [2]uint64{master.Uint64(), master.Uint64()}
	}

	betas := a.schedule.Betas(nil)
	sizes := a.adapter.StepSizes(nil)
	levels := len(betas) - 1
	base := make([]float64, n)

	workers := a.concurrent
	if workers > n {
		workers = n
	}
	accepted := make([][]int, workers)
	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		w := w
		accepted[w] = make([]int, levels)
		g.Go(func() error {
			for i := w; i < n; i += workers {
				rnd := rand.New(rand.NewPCG(seeds[i][0], seeds[i][1]))
				logw, logq, b0, err := a.chain(ctx, b.X.RawRowView(i), betas, sizes, accepted[w], rnd)
				if err != nil {
					return err
				}
				b.LogWeights[i] = logw
				b.LogQ[i] = logq
				base[i] = b0
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, errors.Wrap(err, "ais: run aborted")
	}

	acceptance := make([]float64, levels)
	for k := range acceptance {
		var c int
		for w := range accepted {
			c += accepted[w][k]
		}
		acceptance[k] = float64(c) / float64(n*a.stepsPerLevel)
	}
	a.adapter.Update(acceptance)

	flagged := b.Flag()
	ess := fab.ESS(b.LogWeights)
	d := &Diagnostics{
		N:           n,
		Flagged:     flagged,
		ESS:         ess,
		ESSFraction: ess / float64(n),
		FlowESS:     fab.ESS(base),
		LogZ:        fab.LogMeanExp(b.LogWeights),
		Acceptance:  acceptance,
		StepSizes:   sizes,
		Duration:    time.Since(start),
	}
	if a.observer != nil {
		a.observer.ObserveRun(d)
	}
	fields := logrus.Fields{
		"action":   "ais_sample",
		"n":        n,
		"flagged":  flagged,
		"ess":      ess,
		"flow_ess": d.FlowESS,
		"log_z":    d.LogZ,
		"took":     d.Duration,
	}
	if flagged == n {
		a.logger.WithFields(fields).Warn("every AIS weight is non-finite")
		return b, d, errors.Wrapf(fab.ErrBatchDegenerate, "ais: all %d weights are non-finite", n)
	}
	if flagged > 0 {
		a.logger.WithFields(fields).Warn("AIS batch has non-finite weights")
	} else {
		a.logger.WithFields(fields).Debug("AIS run finished")
	}
	return b, d, nil
}

// chain anneals the single sample x in-place, adds the number of accepted
// moves per level into accepted, and returns the log weight, the flow log
// density at the final point, and the plain importance weight of the
// initial point.
func (a *Sampler) chain(ctx context.Context, x []float64, betas, sizes []float64, accepted []int, rnd *rand.Rand) (logw, logq, base float64, err error) {
	lq := a.flow.LogProb(x)
	lp := a.target.LogProb(x)
	base = lp - lq
	if math.IsNaN(base) {
		base = math.Inf(-1)
	}

	st := transition.NewState(x, lq)
	for k := 1; k < len(betas); k++ {
		if err := ctx.Err(); err != nil {
			return 0, 0, 0, err
		}
		logw += increment(betas[k-1], betas[k], lq, lp)

		level := Level{Flow: a.flow, Target: a.target, Beta: betas[k]}
		st.Reset(interpolate(betas[k], lq, lp))
		c := transition.Run(a.kernel, st, level, sizes[k-1], a.stepsPerLevel, rnd)
		accepted[k-1] += c
		if c > 0 {
			lq = a.flow.LogProb(x)
			lp = a.target.LogProb(x)
		}
	}
	return logw, lq, base, nil
}
