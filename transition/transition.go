// package transition implements Markov transition kernels that leave a given
// density invariant. Every move is Metropolis corrected, so detailed balance
// holds with respect to the density the kernel is stepped with.
package transition

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"

	"github.com/btracey/fab"
)

// State is the state of one Markov chain. X is the current location and is
// updated in-place. LogP is the log density of X under the density the chain
// is currently moved with.
type State struct {
	X    []float64
	LogP float64

	// score is ∇ log p(X) when scoreOK is true.
	score   []float64
	scoreOK bool

	prop      []float64
	propScore []float64
	mom       []float64
}

// NewState returns a state at x with the given log density. The state uses x
// as its storage.
func NewState(x []float64, logp float64) *State {
	return &State{X: x, LogP: logp}
}

// Reset sets the log density of the current location. It must be called when
// the density the chain is moved with changes.
func (s *State) Reset(logp float64) {
	s.LogP = logp
	s.scoreOK = false
}

func (s *State) alloc() {
	if len(s.prop) == len(s.X) {
		return
	}
	n := len(s.X)
	s.prop = make([]float64, n)
	s.propScore = make([]float64, n)
	s.mom = make([]float64, n)
	s.score = make([]float64, n)
	s.scoreOK = false
}

// accepted moves the proposal into the current location. X is owned by the
// caller, so the proposal is copied.
func (s *State) accepted(logp float64, withScore bool) {
	copy(s.X, s.prop)
	s.LogP = logp
	if withScore {
		s.score, s.propScore = s.propScore, s.score
	}
	s.scoreOK = withScore
}

func (s *State) ensureScore(p fab.Density) bool {
	if !s.scoreOK {
		Score(s.score, p, s.X)
		s.scoreOK = true
	}
	return allFinite(s.score)
}

// Kernel is a Markov transition kernel.
type Kernel interface {
	// Step makes one Metropolis-corrected move of s under p with the given
	// step size and reports whether the move was accepted. All randomness
	// comes from rnd.
	Step(s *State, p fab.Density, stepSize float64, rnd *rand.Rand) bool
}

var (
	_ Kernel = Metropolis{}
	_ Kernel = MALA{}
	_ Kernel = HMC{}
)

// Run makes steps independent moves of s and returns the number accepted.
func Run(k Kernel, s *State, p fab.Density, stepSize float64, steps int, rnd *rand.Rand) int {
	var n int
	for i := 0; i < steps; i++ {
		if k.Step(s, p, stepSize, rnd) {
			n++
		}
	}
	return n
}

// FromSettings returns the kernel named by the settings.
func FromSettings(s fab.Settings) (Kernel, error) {
	switch s.Kernel {
	case fab.KernelMetropolis, "":
		return Metropolis{}, nil
	case fab.KernelMALA:
		return MALA{}, nil
	case fab.KernelHMC:
		if s.LeapfrogSteps < 1 {
			return nil, errors.Wrapf(fab.ErrInvalidConfig, "leapfrog steps must be at least 1, have %d", s.LeapfrogSteps)
		}
		return HMC{LeapfrogSteps: s.LeapfrogSteps}, nil
	}
	return nil, errors.Wrapf(fab.ErrInvalidConfig, "unknown kernel %q", s.Kernel)
}

// Score stores ∇ log p(x) into dst. If p is a fab.ScoreInputer its ScoreInput
// method is used, otherwise the gradient is estimated with central finite
// differences.
func Score(dst []float64, p fab.Density, x []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(x))
	}
	if len(dst) != len(x) {
		panic("transition: length mismatch")
	}
	if si, ok := p.(fab.ScoreInputer); ok {
		return si.ScoreInput(dst, x)
	}
	return fd.Gradient(dst, p.LogProb, x, &fd.Settings{Formula: fd.Central})
}

// accept is the Metropolis test for a move from a point with log density cur
// to a point with log density prop. logCorr is log q(x|x') - log q(x'|x) for
// asymmetric proposals. A proposal with non-finite density is never accepted.
// If the current point has no density, any finite proposal is accepted.
func accept(cur, prop, logCorr float64, rnd *rand.Rand) bool {
	if math.IsNaN(prop) || math.IsInf(prop, 0) {
		return false
	}
	if math.IsNaN(cur) || math.IsInf(cur, -1) {
		return true
	}
	logA := prop - cur + logCorr
	if logA >= 0 {
		return true
	}
	return math.Log(rnd.Float64()) < logA
}

func allFinite(s []float64) bool {
	for _, v := range s {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
