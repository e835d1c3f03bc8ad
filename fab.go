// package fab implements the annealed importance sampling (AIS) bootstrap used
// to train a flow density q toward an unnormalized target p.
//
// A batch of samples is drawn from the flow and transported through the
// sequence of intermediate densities
//  log π_k(x) = (1-β_k) log q(x) + β_k log p(x),  0 = β_0 < β_1 < ... < β_K = 1
// with Markov kernels that leave each π_k invariant. The importance weight of
// each chain is accumulated along the way as
//  w = \sum_{k=1}^K log π_k(x_{k-1}) - log π_{k-1}(x_{k-1})
// and the weighted samples are used to train the flow, either directly or
// after being stored in a replay buffer.
//
// This package holds the capability interfaces shared by the subpackages, the
// WeightedBatch type, weight diagnostics, the training losses, and the
// Settings. The sampler itself is in package ais, the kernels in transition,
// the schedules in schedule, and the replay buffer in buffer.
package fab

import (
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrInvalidConfig is returned when a schedule, kernel, buffer or sampler
	// is constructed with invalid settings.
	ErrInvalidConfig = errors.New("fab: invalid configuration")
	// ErrBatchDegenerate is returned when every entry of a batch has a
	// non-finite weight, so no training signal can be formed from it.
	ErrBatchDegenerate = errors.New("fab: degenerate batch")
	// ErrBufferUnderflow is returned when more samples are requested from a
	// replay buffer than it can provide.
	ErrBufferUnderflow = errors.New("fab: buffer underflow")
)

const errLen = "fab: length mismatch"

// Density is an unnormalized log density. The target distribution only needs
// to implement Density. Any distmv.LogProber satisfies it.
type Density interface {
	LogProb(x []float64) float64
}

// ScoreInputer is a density that can compute the gradient of its log density
// with respect to the input location. If score is nil a new slice is
// allocated, otherwise the result is stored in-place into score.
type ScoreInputer interface {
	ScoreInput(score, x []float64) []float64
}

// DensityModel is a normalized density that can be sampled.
type DensityModel interface {
	Density
	Dim() int
	// Sample fills each row of dst with an independent draw from the model
	// using src as the source of randomness.
	Sample(dst *mat.Dense, src rand.Source)
}

// Trainable is a DensityModel with real-valued parameters.
type Trainable interface {
	DensityModel
	NumParameters() int
	// Parameters stores the current parameters into dst, allocating if dst
	// is nil.
	Parameters(dst []float64) []float64
	SetParameters(p []float64)
	// ParameterScore computes ∇_θ log q(x), the gradient of the log density
	// at x with respect to the parameters.
	ParameterScore(dst, x []float64) []float64
}
