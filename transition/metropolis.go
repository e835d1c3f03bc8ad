package transition

import (
	"math/rand/v2"

	"github.com/btracey/fab"
)

// Metropolis is a random-walk Metropolis kernel. The proposal is a Gaussian
// ball around the current point,
//  x' = x + ε ξ,  ξ ~ N(0, I),
// which is symmetric, so the proposal densities cancel in the acceptance
// probability min(1, p(x')/p(x)).
type Metropolis struct{}

func (Metropolis) Step(s *State, p fab.Density, stepSize float64, rnd *rand.Rand) bool {
	s.alloc()
	for i, v := range s.X {
		s.prop[i] = v + stepSize*rnd.NormFloat64()
	}
	lp := p.LogProb(s.prop)
	if !accept(s.LogP, lp, 0, rnd) {
		return false
	}
	s.accepted(lp, false)
	return true
}
