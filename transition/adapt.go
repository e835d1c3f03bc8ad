package transition

import (
	"math"
	"sync"

	"github.com/btracey/fab"
)

// Adapter holds one step size per annealing level and tunes them toward a
// target acceptance rate. The step sizes are read at the start of an AIS run
// and updated once with the acceptance rates of the run, so a run always uses
// a fixed kernel at each level. Use NewAdapter to construct an Adapter.
type Adapter struct {
	settings fab.AdaptSettings

	mu    sync.Mutex
	sizes []float64
}

// NewAdapter returns an adapter for the given number of levels, with every
// step size set to initial (clipped to the bounds if adaptation is enabled).
func NewAdapter(levels int, initial float64, settings fab.AdaptSettings) *Adapter {
	a := &Adapter{
		settings: settings,
		sizes:    make([]float64, levels),
	}
	for i := range a.sizes {
		a.sizes[i] = a.clip(initial)
	}
	return a
}

func (a *Adapter) clip(v float64) float64 {
	if !a.settings.Enabled {
		return v
	}
	return math.Max(a.settings.MinStepSize, math.Min(a.settings.MaxStepSize, v))
}

// Levels returns the number of levels.
func (a *Adapter) Levels() int {
	return len(a.sizes)
}

// StepSizes stores the current step sizes into dst, allocating if dst is nil.
// Element k-1 is the step size at level k.
func (a *Adapter) StepSizes(dst []float64) []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if dst == nil {
		dst = make([]float64, len(a.sizes))
	}
	if len(dst) != len(a.sizes) {
		panic("transition: length mismatch")
	}
	copy(dst, a.sizes)
	return dst
}

// Update moves each step size with the Robbins-Monro rule
//  log ε_k ← log ε_k + Rate (a_k - TargetAcceptance)
// where a_k is the observed acceptance rate at level k, and clips the result to
// [MinStepSize, MaxStepSize]. Levels with a NaN acceptance rate are left
// unchanged. Update does nothing if adaptation is disabled.
func (a *Adapter) Update(acceptance []float64) {
	if !a.settings.Enabled {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(acceptance) != len(a.sizes) {
		panic("transition: length mismatch")
	}
	for k, rate := range acceptance {
		if math.IsNaN(rate) {
			continue
		}
		v := a.sizes[k] * math.Exp(a.settings.Rate*(rate-a.settings.TargetAcceptance))
		a.sizes[k] = a.clip(v)
	}
}
