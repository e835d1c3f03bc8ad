package fab_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/diff/fd"

	"github.com/btracey/fab"
	"github.com/btracey/fab/distribution"
)

func lossBatch(logw []float64) *fab.WeightedBatch {
	b := fab.NewWeightedBatch(len(logw), 2)
	for i := range logw {
		b.X.Set(i, 0, 0.3*float64(i)-0.5)
		b.X.Set(i, 1, 1-0.2*float64(i))
	}
	copy(b.LogWeights, logw)
	b.Flag()
	return b
}

func meanNLL(b *fab.WeightedBatch, m fab.Density, use []int) float64 {
	var s float64
	for _, i := range use {
		s -= m.LogProb(b.Sample(i))
	}
	return s / float64(len(use))
}

func TestSelfNormalizedUniform(t *testing.T) {
	m := distribution.NewIndependentGaussian([]float64{0.2, -0.1}, []float64{1.5, 0.8})
	b := lossBatch([]float64{3, 3, 3, 3})
	loss, err := fab.SelfNormalized{}.Loss(b, m, nil)
	require.NoError(t, err)
	assert.InDelta(t, meanNLL(b, m, []int{0, 1, 2, 3}), loss, 1e-12)
}

func TestLossGradient(t *testing.T) {
	logw := []float64{0.1, -2, 1.5, math.Inf(-1), 0.4}
	b := lossBatch(logw)
	b.LogQ = []float64{-2, -1.5, -3, -2, -2.5}
	mu := []float64{0.2, -0.1}
	sigma := []float64{1.5, 0.8}
	for _, loss := range []fab.Loss{
		fab.SelfNormalized{},
		fab.SelfNormalized{Mask: fab.MaskClip},
		fab.BufferAdjusted{Alpha: 2},
		fab.BufferAdjusted{Alpha: 0.5, Mask: fab.MaskClip},
	} {
		m := distribution.NewIndependentGaussian(mu, sigma)
		theta := m.Parameters(nil)
		grad := make([]float64, len(theta))
		_, err := loss.Loss(b, m, grad)
		require.NoError(t, err)

		// The weights are constants of the loss, so the finite difference of
		// the loss value is only the gradient for the self-normalized loss.
		if _, ok := loss.(fab.SelfNormalized); !ok {
			continue
		}
		numeric := fd.Gradient(nil, func(p []float64) float64 {
			c := distribution.NewIndependentGaussian(mu, sigma)
			c.SetParameters(p)
			v, err := loss.Loss(b, c, nil)
			require.NoError(t, err)
			return v
		}, theta, &fd.Settings{Formula: fd.Central})
		assert.InDeltaSlice(t, numeric, grad, 1e-6, "%T %v", loss, loss)
	}
}

func TestBufferAdjustedGradient(t *testing.T) {
	// The reweighting factors are held fixed in the gradient.
	b := lossBatch([]float64{0, 0, 0})
	b.LogQ = []float64{-2, -1.5, -3}
	m := distribution.NewIndependentGaussian([]float64{0, 0}, []float64{1, 1})
	theta := m.Parameters(nil)
	grad := make([]float64, len(theta))
	const alpha = 2
	_, err := fab.BufferAdjusted{Alpha: alpha}.Loss(b, m, grad)
	require.NoError(t, err)

	c := make([]float64, 3)
	for i := range c {
		c[i] = math.Exp((1 - alpha) * (m.LogProb(b.Sample(i)) - b.LogQ[i]))
	}
	numeric := fd.Gradient(nil, func(p []float64) float64 {
		q := distribution.NewIndependentGaussian([]float64{0, 0}, []float64{1, 1})
		q.SetParameters(p)
		var l float64
		for i, v := range c {
			l -= v * q.LogProb(b.Sample(i)) / 3
		}
		return l
	}, theta, &fd.Settings{Formula: fd.Central})
	assert.InDeltaSlice(t, numeric, grad, 1e-6)

	// When the flow has not changed every factor is one.
	for i := range b.LogQ {
		b.LogQ[i] = m.LogProb(b.Sample(i))
	}
	loss, err := fab.BufferAdjusted{}.Loss(b, m, nil)
	require.NoError(t, err)
	assert.InDelta(t, meanNLL(b, m, []int{0, 1, 2}), loss, 1e-12)
}

func TestMask(t *testing.T) {
	m := distribution.NewIndependentGaussian([]float64{0, 0}, []float64{1, 1})
	inf := math.Inf(1)

	// Excluding the +Inf and NaN entries leaves two equal weights.
	b := lossBatch([]float64{1, inf, math.NaN(), 1})
	loss, err := fab.SelfNormalized{Mask: fab.MaskExclude}.Loss(b, m, nil)
	require.NoError(t, err)
	assert.InDelta(t, meanNLL(b, m, []int{0, 3}), loss, 1e-12)

	// Clipping maps +Inf to the largest finite weight and NaN to the
	// smallest.
	b = lossBatch([]float64{0, inf, math.NaN(), math.Log(3)})
	loss, err = fab.SelfNormalized{Mask: fab.MaskClip}.Loss(b, m, nil)
	require.NoError(t, err)
	ref := lossBatch([]float64{0, math.Log(3), 0, math.Log(3)})
	want, err := fab.SelfNormalized{}.Loss(ref, m, nil)
	require.NoError(t, err)
	assert.InDelta(t, want, loss, 1e-12)
	assert.Equal(t, "clip", fab.MaskClip.String())
}

type holed struct{ fab.DensityModel }

func (h holed) LogProb(x []float64) float64 {
	if x[0] > 0 {
		return math.Inf(-1)
	}
	return h.DensityModel.LogProb(x)
}

func TestLossDegenerate(t *testing.T) {
	m := distribution.NewIndependentGaussian([]float64{0, 0}, []float64{1, 1})
	for _, loss := range []fab.Loss{fab.SelfNormalized{}, fab.BufferAdjusted{}, fab.SelfNormalized{Mask: fab.MaskClip}} {
		b := lossBatch([]float64{math.NaN(), math.Inf(1), math.Inf(-1)})
		v, err := loss.Loss(b, m, nil)
		assert.ErrorIs(t, err, fab.ErrBatchDegenerate)
		assert.True(t, math.IsNaN(v))

		_, err = loss.Loss(fab.NewWeightedBatch(0, 2), m, nil)
		assert.ErrorIs(t, err, fab.ErrBatchDegenerate)
	}

	// Entries where the model has no density are dropped. Samples 0 and 1
	// have x[0] <= 0.
	b := lossBatch([]float64{0, 0, 0, 0, 0})
	h := holed{m}
	loss, err := fab.SelfNormalized{}.Loss(b, h, nil)
	require.NoError(t, err)
	assert.InDelta(t, meanNLL(b, m, []int{0, 1}), loss, 1e-12)

	assert.Panics(t, func() { fab.SelfNormalized{}.Loss(b, h, make([]float64, 4)) })
}
