package transition

import (
	"math"
	"math/rand/v2"

	"github.com/btracey/fab"
)

// MALA is the Metropolis-adjusted Langevin kernel. The proposal takes a
// gradient step followed by Gaussian noise,
//  x' = x + (ε²/2) ∇ log p(x) + ε ξ,  ξ ~ N(0, I),
// and the acceptance probability includes the ratio of the forward and
// reverse proposal densities. A proposal at which the gradient is not finite
// is rejected, as is any proposal from a point without a finite gradient.
type MALA struct{}

func (MALA) Step(s *State, p fab.Density, stepSize float64, rnd *rand.Rand) bool {
	s.alloc()
	if !s.ensureScore(p) {
		return false
	}
	h := stepSize * stepSize / 2
	for i, v := range s.X {
		s.prop[i] = v + h*s.score[i] + stepSize*rnd.NormFloat64()
	}
	lp := p.LogProb(s.prop)
	if math.IsNaN(lp) || math.IsInf(lp, 0) {
		return false
	}
	Score(s.propScore, p, s.prop)
	if !allFinite(s.propScore) {
		return false
	}
	// log q(x'|x) and log q(x|x') up to the shared normalization.
	var fwd, bwd float64
	for i := range s.X {
		d := s.prop[i] - s.X[i] - h*s.score[i]
		fwd += d * d
		d = s.X[i] - s.prop[i] - h*s.propScore[i]
		bwd += d * d
	}
	v := 2 * stepSize * stepSize
	logCorr := (fwd - bwd) / v
	if !accept(s.LogP, lp, logCorr, rnd) {
		return false
	}
	s.accepted(lp, true)
	return true
}

// HMC is a Hamiltonian Monte Carlo kernel with an identity mass matrix. Each
// move draws a fresh momentum and integrates the Hamiltonian dynamics with
// LeapfrogSteps leapfrog steps of size ε, followed by a Metropolis test on the
// change in total energy. If LeapfrogSteps is zero, one step is used.
type HMC struct {
	LeapfrogSteps int
}

func (h HMC) Step(s *State, p fab.Density, stepSize float64, rnd *rand.Rand) bool {
	s.alloc()
	if !s.ensureScore(p) {
		return false
	}
	steps := h.LeapfrogSteps
	if steps < 1 {
		steps = 1
	}
	var kin0 float64
	for i := range s.mom {
		m := rnd.NormFloat64()
		s.mom[i] = m
		kin0 += m * m / 2
	}
	copy(s.prop, s.X)
	copy(s.propScore, s.score)
	for l := 0; l < steps; l++ {
		for i := range s.mom {
			s.mom[i] += stepSize / 2 * s.propScore[i]
			s.prop[i] += stepSize * s.mom[i]
		}
		Score(s.propScore, p, s.prop)
		if !allFinite(s.propScore) {
			return false
		}
		for i := range s.mom {
			s.mom[i] += stepSize / 2 * s.propScore[i]
		}
	}
	var kin1 float64
	for _, m := range s.mom {
		kin1 += m * m / 2
	}
	lp := p.LogProb(s.prop)
	if !accept(s.LogP, lp, kin0-kin1, rnd) {
		return false
	}
	s.accepted(lp, true)
	return true
}
