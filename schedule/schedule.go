// package schedule implements annealing schedules, the sequences of
// interpolation coefficients
//  0 = β_0 ≤ β_1 ≤ ... ≤ β_K = 1
// between the flow and the target log densities.
package schedule

import (
	"math"

	"github.com/pkg/errors"

	"github.com/btracey/fab"
)

// Policy maps the step index k ∈ [0, n] of an n step schedule to its
// coefficient β_k.
type Policy interface {
	Beta(k, n int) float64
}

var (
	_ Policy = Uniform{}
	_ Policy = Power{}
	_ Policy = Geometric{}
)

// Uniform spaces the coefficients evenly, β_k = k/n.
type Uniform struct{}

func (Uniform) Beta(k, n int) float64 {
	return float64(k) / float64(n)
}

// Power sets β_k = (k/n)^Exponent. An exponent larger than one puts more
// intermediate distributions close to the flow, smaller than one close to the
// target.
type Power struct {
	Exponent float64
}

func (p Power) Beta(k, n int) float64 {
	return math.Pow(float64(k)/float64(n), p.Exponent)
}

// Geometric spaces the non-zero coefficients evenly in log space from Start to
// one,
//  β_0 = 0,  β_k = Start^((n-k)/(n-1)) for k ≥ 1.
// For n = 1 the schedule is {0, 1}.
type Geometric struct {
	Start float64
}

func (g Geometric) Beta(k, n int) float64 {
	switch {
	case k == 0:
		return 0
	case k == n:
		return 1
	}
	return math.Pow(g.Start, float64(n-k)/float64(n-1))
}

// Schedule is a validated sequence of annealing coefficients.
type Schedule struct {
	betas []float64
}

// New returns the n-step schedule produced by the policy. If p is nil, Uniform
// is used. The error wraps fab.ErrInvalidConfig if n < 1 or the policy does
// not produce a valid sequence.
func New(n int, p Policy) (*Schedule, error) {
	if n < 1 {
		return nil, errors.Wrapf(fab.ErrInvalidConfig, "schedule needs at least one step, have %d", n)
	}
	if p == nil {
		p = Uniform{}
	}
	betas := make([]float64, n+1)
	for k := range betas {
		betas[k] = p.Beta(k, n)
	}
	return FromBetas(betas)
}

// FromBetas returns a schedule with the given coefficients. The sequence must
// have at least two elements, start at 0, end at 1, and never decrease.
func FromBetas(betas []float64) (*Schedule, error) {
	if len(betas) < 2 {
		return nil, errors.Wrapf(fab.ErrInvalidConfig, "schedule needs at least two coefficients, have %d", len(betas))
	}
	if betas[0] != 0 {
		return nil, errors.Wrapf(fab.ErrInvalidConfig, "schedule must start at 0, have %v", betas[0])
	}
	if last := betas[len(betas)-1]; last != 1 {
		return nil, errors.Wrapf(fab.ErrInvalidConfig, "schedule must end at 1, have %v", last)
	}
	for k, b := range betas {
		if math.IsNaN(b) || b < 0 || b > 1 {
			return nil, errors.Wrapf(fab.ErrInvalidConfig, "coefficient %d is %v, outside [0, 1]", k, b)
		}
		if k > 0 && b < betas[k-1] {
			return nil, errors.Wrapf(fab.ErrInvalidConfig, "coefficients decrease at step %d: %v < %v", k, b, betas[k-1])
		}
	}
	c := make([]float64, len(betas))
	copy(c, betas)
	return &Schedule{betas: c}, nil
}

// FromSettings returns the schedule named by the settings.
func FromSettings(s fab.Settings) (*Schedule, error) {
	var p Policy
	switch s.Schedule {
	case fab.ScheduleUniform, "":
		p = Uniform{}
	case fab.SchedulePower:
		p = Power{Exponent: s.ScheduleParam}
	case fab.ScheduleGeometric:
		p = Geometric{Start: s.ScheduleParam}
	default:
		return nil, errors.Wrapf(fab.ErrInvalidConfig, "unknown schedule %q", s.Schedule)
	}
	return New(s.AnnealingSteps, p)
}

// Len returns the number of annealing steps K.
func (s *Schedule) Len() int {
	return len(s.betas) - 1
}

// Beta returns β_k.
func (s *Schedule) Beta(k int) float64 {
	return s.betas[k]
}

// Betas stores the K+1 coefficients into dst and returns it. If dst is nil a
// new slice is allocated.
func (s *Schedule) Betas(dst []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(s.betas))
	}
	if len(dst) != len(s.betas) {
		panic("schedule: length mismatch")
	}
	copy(dst, s.betas)
	return dst
}
