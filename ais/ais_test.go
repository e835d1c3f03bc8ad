package ais

import (
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"

	"github.com/btracey/fab"
	"github.com/btracey/fab/distribution"
	"github.com/btracey/fab/schedule"
	"github.com/btracey/fab/transition"
)

func settings(k int) fab.Settings {
	s := fab.DefaultSettings()
	s.AnnealingSteps = k
	s.Adapt.Enabled = false
	return s
}

func TestIdenticalFlowAndTarget(t *testing.T) {
	// When the target is the flow every intermediate density is the flow, so
	// every weight increment is zero.
	flow := distribution.NewIndependentGaussian([]float64{1, -1}, []float64{0.7, 1.3})
	for _, k := range []int{1, 3, 10} {
		a, err := New(flow, flow, settings(k))
		require.NoError(t, err)
		b, d, err := a.Sample(context.Background(), 64, rand.NewPCG(1, uint64(k)))
		require.NoError(t, err)
		for i, w := range b.LogWeights {
			if w != 0 {
				t.Errorf("K = %d: weight %d = %v, want 0", k, i, w)
			}
		}
		assert.Equal(t, 0, d.Flagged)
		assert.InDelta(t, 64, d.ESS, 1e-9)
		assert.InDelta(t, 0, d.LogZ, 1e-12)
	}

	_, err := New(flow, flow, settings(0))
	assert.ErrorIs(t, err, fab.ErrInvalidConfig)
}

func TestIncrement(t *testing.T) {
	assert.Equal(t, 0.0, increment(0.5, 0.5, math.Inf(-1), 3))
	assert.InDelta(t, 0.25*(2-5), increment(0.25, 0.5, 5, 2), 1e-15)
	assert.True(t, math.IsInf(increment(0, 0.1, -1, math.Inf(-1)), -1))
	assert.Equal(t, 4.0, interpolate(0, 4, math.Inf(-1)))
	assert.Equal(t, 4.0, interpolate(1, math.Inf(-1), 4))
}

func TestWeightRecursion(t *testing.T) {
	// With a kernel that never moves, x_k = x_0 and the weights telescope to
	// log p(x_0) - log q(x_0) for any schedule.
	flow := distribution.NewIndependentGaussian([]float64{0.5, 0}, []float64{1, 1})
	target, err := distribution.NewIsotropic([]float64{0, 0}, 1)
	require.NoError(t, err)
	sched, err := schedule.New(7, schedule.Power{Exponent: 2})
	require.NoError(t, err)
	a, err := New(flow, target, settings(7), WithSchedule(sched), WithKernel(frozen{}))
	require.NoError(t, err)
	b, _, err := a.Sample(context.Background(), 32, rand.NewPCG(2, 3))
	require.NoError(t, err)
	for i := 0; i < b.Len(); i++ {
		x := b.Sample(i)
		want := target.LogProb(x) - flow.LogProb(x)
		assert.InDelta(t, want, b.LogWeights[i], 1e-10)
		assert.InDelta(t, flow.LogProb(x), b.LogQ[i], 1e-12)
	}
}

type frozen struct{}

func (frozen) Step(s *transition.State, p fab.Density, stepSize float64, rnd *rand.Rand) bool {
	return false
}

func weightedMean(b *fab.WeightedBatch) []float64 {
	w := fab.SelfNormalize(nil, b.LogWeights, b.Flagged)
	mean := make([]float64, b.Dim())
	for i, v := range w {
		floats.AddScaled(mean, v, b.Sample(i))
	}
	return mean
}

func TestMiscenteredGaussian(t *testing.T) {
	target, err := distribution.NewIsotropic([]float64{0, 0}, 1)
	require.NoError(t, err)
	flow := distribution.NewIndependentGaussian([]float64{1.5, -1}, []float64{1, 1})

	s := settings(10)
	s.StepsPerLevel = 2
	s.StepSize = 1
	a, err := New(flow, target, s)
	require.NoError(t, err)

	src := rand.NewPCG(10, 11)
	b, d, err := a.Sample(context.Background(), 256, src)
	require.NoError(t, err)
	require.Equal(t, 256, b.Len())
	require.Equal(t, 0, d.Flagged)

	// Unweighted flow samples from a separate stream.
	flowMean := make([]float64, 2)
	xs := fab.NewWeightedBatch(256, 2)
	flow.Sample(xs.X, rand.NewPCG(12, 13))
	for i := 0; i < xs.Len(); i++ {
		floats.AddScaled(flowMean, 1.0/256, xs.Sample(i))
	}

	ais := weightedMean(b)
	origin := []float64{0, 0}
	assert.Less(t, floats.Distance(ais, origin, 2), floats.Distance(flowMean, origin, 2))
	assert.Less(t, floats.Distance(ais, origin, 2), 0.75)

	// The target and the flow are both normalized, so log Z is near zero.
	assert.InDelta(t, 0, d.LogZ, 0.5)
	assert.Greater(t, d.ESS, d.FlowESS)
	assert.Len(t, d.Acceptance, 10)
	for _, r := range d.Acceptance {
		assert.Greater(t, r, 0.0)
	}
}

func TestDeterministicAcrossConcurrency(t *testing.T) {
	target, err := distribution.NewIsotropic([]float64{0, 0, 0}, 1)
	require.NoError(t, err)
	flow := distribution.NewIndependentGaussian([]float64{1, 1, 1}, []float64{2, 2, 2})
	var batches []*fab.WeightedBatch
	for _, c := range []int{1, 3, 8} {
		s := settings(5)
		s.Kernel = fab.KernelMALA
		s.StepSize = 0.4
		s.Concurrent = c
		a, err := New(flow, target, s)
		require.NoError(t, err)
		b, _, err := a.Sample(context.Background(), 50, rand.NewPCG(77, 78))
		require.NoError(t, err)
		batches = append(batches, b)
	}
	for _, b := range batches[1:] {
		assert.Equal(t, batches[0].LogWeights, b.LogWeights)
		assert.Equal(t, batches[0].X.RawMatrix().Data, b.X.RawMatrix().Data)
	}
}

// nanTarget has no density anywhere.
type nanTarget struct{}

func (nanTarget) LogProb(x []float64) float64 { return math.NaN() }

// halfTarget is a standard normal with the left half plane removed.
type halfTarget struct{ fab.Density }

func (h halfTarget) LogProb(x []float64) float64 {
	if x[0] < 0 {
		return math.Inf(-1)
	}
	return h.Density.LogProb(x)
}

func TestFlagged(t *testing.T) {
	flow := distribution.NewIndependentGaussian([]float64{0, 0}, []float64{1, 1})
	normal, err := distribution.NewIsotropic([]float64{0, 0}, 1)
	require.NoError(t, err)

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	// Chains started in the removed half get -Inf weights, the rest are kept.
	a, err := New(flow, halfTarget{normal}, settings(4), WithLogger(logger))
	require.NoError(t, err)
	b, d, err := a.Sample(context.Background(), 200, rand.NewPCG(5, 5))
	require.NoError(t, err)
	assert.Greater(t, d.Flagged, 0)
	assert.Less(t, d.Flagged, 200)
	assert.Equal(t, d.Flagged, b.NumFlagged())
	for i, f := range b.Flagged {
		w := b.LogWeights[i]
		assert.Equal(t, math.IsInf(w, 0) || math.IsNaN(w), f)
	}
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)

	// Every chain degenerate.
	a, err = New(flow, nanTarget{}, settings(3), WithLogger(logger))
	require.NoError(t, err)
	b, d, err = a.Sample(context.Background(), 20, rand.NewPCG(6, 6))
	assert.ErrorIs(t, err, fab.ErrBatchDegenerate)
	require.NotNil(t, b)
	assert.Equal(t, 20, d.Flagged)
	assert.Equal(t, 0.0, d.ESS)
}

type recorder struct {
	runs []*Diagnostics
}

func (r *recorder) ObserveRun(d *Diagnostics) { r.runs = append(r.runs, d) }

func TestAdaptationAndObserver(t *testing.T) {
	target, err := distribution.NewIsotropic([]float64{0, 0}, 1)
	require.NoError(t, err)
	flow := distribution.NewIndependentGaussian([]float64{0, 0}, []float64{1.5, 1.5})
	s := settings(3)
	s.Adapt.Enabled = true
	s.Adapt.Rate = 0.5
	s.StepSize = 8
	rec := &recorder{}
	a, err := New(flow, target, s, WithObserver(rec))
	require.NoError(t, err)
	before := a.StepSizes()
	for i := 0; i < 5; i++ {
		_, _, err := a.Sample(context.Background(), 100, rand.NewPCG(uint64(i), 1))
		require.NoError(t, err)
	}
	after := a.StepSizes()
	for k := range before {
		assert.Less(t, after[k], before[k], "a step size of 8 accepts rarely and must shrink")
	}
	require.Len(t, rec.runs, 5)
	assert.Equal(t, before, rec.runs[0].StepSizes)
}

func TestCancel(t *testing.T) {
	target, err := distribution.NewIsotropic([]float64{0}, 1)
	require.NoError(t, err)
	flow := distribution.NewIndependentGaussian([]float64{0}, []float64{1})
	a, err := New(flow, target, settings(5))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = a.Sample(ctx, 10, rand.NewPCG(1, 1))
	assert.ErrorIs(t, err, context.Canceled)

	_, _, err = a.Sample(context.Background(), 0, rand.NewPCG(1, 1))
	assert.ErrorIs(t, err, fab.ErrInvalidConfig)
}

func TestLevelScore(t *testing.T) {
	target, err := distribution.NewIsotropic([]float64{2, 0}, 1)
	require.NoError(t, err)
	flow := distribution.NewIndependentGaussian([]float64{0, 0}, []float64{1, 1})
	x := []float64{0.5, 0.5}
	for _, beta := range []float64{0, 0.3, 1} {
		l := Level{Flow: flow, Target: target, Beta: beta}
		analytic := l.ScoreInput(nil, x)
		numeric := transition.Score(nil, struct{ fab.Density }{l}, x)
		for i := range x {
			assert.InDelta(t, numeric[i], analytic[i], 1e-6)
		}
	}
}
