// package distribution implements densities for use as flows and targets.
package distribution

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/btracey/fab"
)

const errLen = "distribution: length mismatch"

var (
	_ fab.Trainable    = (*IndependentGaussian)(nil)
	_ fab.ScoreInputer = (*IndependentGaussian)(nil)
)

// IndependentGaussian is a Gaussian distribution where the dimensions are
// independent from one another. It is the simplest trainable flow: its
// parameters are the means followed by the log standard deviations,
//  θ = [μ_0, ..., μ_{d-1}, log σ_0, ..., log σ_{d-1}].
type IndependentGaussian struct {
	Norms []distuv.Normal
}

// NewIndependentGaussian returns an IndependentGaussian with the given means
// and standard deviations.
func NewIndependentGaussian(mu, sigma []float64) *IndependentGaussian {
	if len(mu) != len(sigma) {
		panic(errLen)
	}
	ind := &IndependentGaussian{Norms: make([]distuv.Normal, len(mu))}
	for i := range mu {
		if !(sigma[i] > 0) {
			panic("distribution: non-positive standard deviation")
		}
		ind.Norms[i] = distuv.Normal{Mu: mu[i], Sigma: sigma[i]}
	}
	return ind
}

func (ind *IndependentGaussian) Dim() int {
	return len(ind.Norms)
}

// Rand stores a random draw into x, allocating if x is nil.
func (ind *IndependentGaussian) Rand(x []float64, src rand.Source) []float64 {
	if x == nil {
		x = make([]float64, len(ind.Norms))
	}
	if len(x) != len(ind.Norms) {
		panic(errLen)
	}
	for i := range x {
		n := ind.Norms[i]
		n.Src = src
		x[i] = n.Rand()
	}
	return x
}

func (ind *IndependentGaussian) Sample(data *mat.Dense, src rand.Source) {
	nSamples, _ := data.Dims()
	for i := 0; i < nSamples; i++ {
		ind.Rand(data.RawRowView(i), src)
	}
}

func (ind *IndependentGaussian) LogProb(x []float64) float64 {
	if len(x) != len(ind.Norms) {
		panic(errLen)
	}
	var logprob float64
	for i, v := range x {
		logprob += ind.Norms[i].LogProb(v)
	}
	return logprob
}

func (ind *IndependentGaussian) ScoreInput(deriv, x []float64) []float64 {
	if deriv == nil {
		deriv = make([]float64, ind.Dim())
	}
	if len(deriv) != ind.Dim() || len(x) != ind.Dim() {
		panic(errLen)
	}
	for i, xi := range x {
		deriv[i] = ind.Norms[i].ScoreInput(xi)
	}
	return deriv
}

func (ind *IndependentGaussian) NumParameters() int {
	return 2 * len(ind.Norms)
}

func (ind *IndependentGaussian) Parameters(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, ind.NumParameters())
	}
	if len(dst) != ind.NumParameters() {
		panic(errLen)
	}
	d := len(ind.Norms)
	for i, n := range ind.Norms {
		dst[i] = n.Mu
		dst[d+i] = math.Log(n.Sigma)
	}
	return dst
}

func (ind *IndependentGaussian) SetParameters(p []float64) {
	if len(p) != ind.NumParameters() {
		panic(errLen)
	}
	d := len(ind.Norms)
	for i := range ind.Norms {
		ind.Norms[i].Mu = p[i]
		ind.Norms[i].Sigma = math.Exp(p[d+i])
	}
}

// ParameterScore computes the gradient of the log density at x with respect
// to the parameters. The log σ terms are σ ∂/∂σ log q(x).
func (ind *IndependentGaussian) ParameterScore(dst, x []float64) []float64 {
	if dst == nil {
		dst = make([]float64, ind.NumParameters())
	}
	if len(dst) != ind.NumParameters() || len(x) != ind.Dim() {
		panic(errLen)
	}
	d := len(ind.Norms)
	deriv := make([]float64, 2)
	for i, xi := range x {
		n := ind.Norms[i]
		n.Score(deriv, xi)
		dst[i] = deriv[0]
		dst[d+i] = n.Sigma * deriv[1]
	}
	return dst
}

// Mean stores the means into dst, allocating if dst is nil.
func (ind *IndependentGaussian) Mean(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, ind.Dim())
	}
	for i, n := range ind.Norms {
		dst[i] = n.Mu
	}
	return dst
}

// Uniform is a uniform distribution over a box. Outside the box the log
// density is -Inf, which makes it a target with bounded support.
type Uniform struct {
	Unifs []distuv.Uniform
}

var _ fab.DensityModel = Uniform{}

// NewUniform returns the uniform distribution on the box [min_i, max_i].
func NewUniform(min, max []float64) Uniform {
	if len(min) != len(max) {
		panic(errLen)
	}
	u := Uniform{Unifs: make([]distuv.Uniform, len(min))}
	for i := range min {
		u.Unifs[i] = distuv.Uniform{Min: min[i], Max: max[i]}
	}
	return u
}

func (u Uniform) Dim() int {
	return len(u.Unifs)
}

func (u Uniform) Rand(x []float64, src rand.Source) []float64 {
	if x == nil {
		x = make([]float64, len(u.Unifs))
	}
	if len(x) != len(u.Unifs) {
		panic(errLen)
	}
	for i := range x {
		d := u.Unifs[i]
		d.Src = src
		x[i] = d.Rand()
	}
	return x
}

func (u Uniform) Sample(data *mat.Dense, src rand.Source) {
	nSamples, _ := data.Dims()
	for i := 0; i < nSamples; i++ {
		u.Rand(data.RawRowView(i), src)
	}
}

func (u Uniform) LogProb(x []float64) float64 {
	if len(x) != len(u.Unifs) {
		panic(errLen)
	}
	var logprob float64
	for i, v := range x {
		logprob += u.Unifs[i].LogProb(v)
	}
	return logprob
}
