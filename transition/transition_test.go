package transition

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/btracey/fab"
)

func standardNormal(t *testing.T, dim int) *distmv.Normal {
	sigma := make([]float64, dim)
	for i := range sigma {
		sigma[i] = 1
	}
	n, ok := distmv.NewNormal(make([]float64, dim), mat.NewDiagDense(dim, sigma), nil)
	require.True(t, ok)
	return n
}

// logOnly hides any gradient method of the density.
type logOnly struct {
	fab.Density
}

// chain runs a single chain and returns the sample moments per dimension
// after burn-in, and the acceptance rate.
func chain(k Kernel, p fab.Density, start []float64, stepSize float64, n, burn int, seed uint64) (mean, variance []float64, rate float64) {
	rnd := rand.New(rand.NewPCG(seed, seed+1))
	dim := len(start)
	x := make([]float64, dim)
	copy(x, start)
	s := NewState(x, p.LogProb(x))
	samples := mat.NewDense(n, dim, nil)
	var accepted int
	for i := 0; i < burn+n; i++ {
		if k.Step(s, p, stepSize, rnd) {
			accepted++
		}
		if i >= burn {
			samples.SetRow(i-burn, s.X)
		}
	}
	mean = make([]float64, dim)
	variance = make([]float64, dim)
	col := make([]float64, n)
	for j := 0; j < dim; j++ {
		mat.Col(col, j, samples)
		mean[j], variance[j] = stat.MeanVariance(col, nil)
	}
	return mean, variance, float64(accepted) / float64(burn+n)
}

func TestKernelsConverge(t *testing.T) {
	t.Parallel()
	const dim = 2
	p := standardNormal(t, dim)
	for _, test := range []struct {
		Name     string
		Kernel   Kernel
		Density  fab.Density
		StepSize float64
		N        int
	}{
		{"Metropolis", Metropolis{}, p, 1.2, 60000},
		{"MALA", MALA{}, p, 0.9, 30000},
		{"MALA finite difference", MALA{}, logOnly{p}, 0.9, 30000},
		{"HMC", HMC{LeapfrogSteps: 5}, p, 0.3, 20000},
	} {
		start := []float64{3, -3}
		mean, variance, rate := chain(test.Kernel, test.Density, start, test.StepSize, test.N, 1000, 7)
		for j := 0; j < dim; j++ {
			if math.Abs(mean[j]) > 0.1 {
				t.Errorf("%s: mean[%d] = %v, want 0", test.Name, j, mean[j])
			}
			if math.Abs(variance[j]-1) > 0.15 {
				t.Errorf("%s: variance[%d] = %v, want 1", test.Name, j, variance[j])
			}
		}
		if rate <= 0.05 || rate >= 1 {
			t.Errorf("%s: acceptance rate %v out of range", test.Name, rate)
		}
	}
}

func TestDeterministic(t *testing.T) {
	p := standardNormal(t, 3)
	for _, k := range []Kernel{Metropolis{}, MALA{}, HMC{LeapfrogSteps: 3}} {
		m1, v1, r1 := chain(k, p, []float64{1, 2, 3}, 0.5, 500, 0, 42)
		m2, v2, r2 := chain(k, p, []float64{1, 2, 3}, 0.5, 500, 0, 42)
		assert.Equal(t, m1, m2)
		assert.Equal(t, v1, v2)
		assert.Equal(t, r1, r2)
	}
}

// halfPlane is a standard normal restricted to x[0] > 0.
type halfPlane struct {
	n *distmv.Normal
}

func (h halfPlane) LogProb(x []float64) float64 {
	if x[0] <= 0 {
		return math.Inf(-1)
	}
	return h.n.LogProb(x)
}

type nanDensity struct{}

func (nanDensity) LogProb(x []float64) float64 { return math.NaN() }

func TestNonFiniteRejected(t *testing.T) {
	p := halfPlane{standardNormal(t, 2)}
	rnd := rand.New(rand.NewPCG(3, 4))
	x := []float64{0.5, 0}
	s := NewState(x, p.LogProb(x))
	for i := 0; i < 5000; i++ {
		Metropolis{}.Step(s, p, 1, rnd)
		require.Greater(t, s.X[0], 0.0, "chain left the support")
		require.False(t, math.IsNaN(s.LogP))
	}

	// A density that is NaN everywhere never accepts.
	x = []float64{1, 1}
	s = NewState(x, 0)
	for _, k := range []Kernel{Metropolis{}, MALA{}, HMC{}} {
		assert.Equal(t, 0, Run(k, s, nanDensity{}, 0.5, 20, rnd))
		assert.Equal(t, []float64{1, 1}, s.X)
	}
}

func TestOutsideSupportMovesIn(t *testing.T) {
	p := halfPlane{standardNormal(t, 2)}
	rnd := rand.New(rand.NewPCG(5, 6))
	x := []float64{-0.1, 0}
	s := NewState(x, p.LogProb(x))
	require.True(t, math.IsInf(s.LogP, -1))
	n := Run(Metropolis{}, s, p, 1, 200, rnd)
	assert.Greater(t, n, 0)
	assert.Greater(t, s.X[0], 0.0)
	assert.False(t, math.IsInf(s.LogP, 0))
}

func TestScore(t *testing.T) {
	p := standardNormal(t, 2)
	x := []float64{0.3, -1.2}
	analytic := Score(nil, p, x)
	numeric := Score(nil, logOnly{p}, x)
	for i := range x {
		assert.InDelta(t, -x[i], analytic[i], 1e-12)
		assert.InDelta(t, analytic[i], numeric[i], 1e-5)
	}
}

func TestAdapter(t *testing.T) {
	set := fab.AdaptSettings{
		Enabled:          true,
		TargetAcceptance: 0.5,
		MinStepSize:      0.01,
		MaxStepSize:      2,
		Rate:             0.5,
	}
	a := NewAdapter(3, 0.5, set)
	a.Update([]float64{1, 0, math.NaN()})
	sizes := a.StepSizes(nil)
	assert.Greater(t, sizes[0], 0.5)
	assert.Less(t, sizes[1], 0.5)
	assert.Equal(t, 0.5, sizes[2])

	for i := 0; i < 1000; i++ {
		a.Update([]float64{1, 0, 0.5})
	}
	sizes = a.StepSizes(sizes)
	assert.Equal(t, 2.0, sizes[0])
	assert.Equal(t, 0.01, sizes[1])
	assert.Equal(t, 0.5, sizes[2])

	set.Enabled = false
	a = NewAdapter(2, 5, set)
	a.Update([]float64{1, 1})
	assert.Equal(t, []float64{5, 5}, a.StepSizes(nil))
}

func TestAdaptedMetropolisRate(t *testing.T) {
	// Repeated rounds of adaptation bring the acceptance rate near the target.
	p := standardNormal(t, 2)
	set := fab.AdaptSettings{
		Enabled:          true,
		TargetAcceptance: 0.4,
		MinStepSize:      1e-3,
		MaxStepSize:      50,
		Rate:             1,
	}
	a := NewAdapter(1, 20, set)
	var rate float64
	for round := 0; round < 60; round++ {
		eps := a.StepSizes(nil)[0]
		_, _, rate = chain(Metropolis{}, p, []float64{0, 0}, eps, 2000, 0, uint64(round))
		a.Update([]float64{rate})
	}
	assert.InDelta(t, 0.4, rate, 0.08)
}

func TestFromSettings(t *testing.T) {
	s := fab.DefaultSettings()
	for kind, want := range map[fab.KernelKind]Kernel{
		fab.KernelMetropolis: Metropolis{},
		fab.KernelMALA:       MALA{},
		fab.KernelHMC:        HMC{LeapfrogSteps: s.LeapfrogSteps},
	} {
		s.Kernel = kind
		k, err := FromSettings(s)
		require.NoError(t, err)
		assert.Equal(t, want, k)
	}
	s.Kernel = "gibbs"
	_, err := FromSettings(s)
	assert.ErrorIs(t, err, fab.ErrInvalidConfig)
}
