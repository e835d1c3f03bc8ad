package fab

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// MaskPolicy sets how entries with non-finite log weights are treated by a
// Loss.
type MaskPolicy int

const (
	// MaskExclude removes flagged and non-finite entries before the weights
	// are normalized.
	MaskExclude MaskPolicy = iota
	// MaskClip replaces non-finite weights with the nearest end of the range
	// of finite weights in the batch. NaN is treated as the lowest weight.
	MaskClip
)

func (m MaskPolicy) String() string {
	switch m {
	case MaskExclude:
		return "exclude"
	case MaskClip:
		return "clip"
	}
	return "unknown"
}

// mask returns the log weights to use and the entries to leave out.
func (m MaskPolicy) mask(b *WeightedBatch) (logw []float64, excluded []bool) {
	n := b.Len()
	logw = make([]float64, n)
	excluded = make([]bool, n)
	copy(logw, b.LogWeights)
	switch m {
	default:
		panic("fab: unknown mask policy")
	case MaskExclude:
		for i, w := range logw {
			if b.Flagged[i] || math.IsNaN(w) || math.IsInf(w, 0) {
				excluded[i] = true
			}
		}
	case MaskClip:
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, w := range logw {
			if math.IsNaN(w) || math.IsInf(w, 0) {
				continue
			}
			lo = math.Min(lo, w)
			hi = math.Max(hi, w)
		}
		if math.IsInf(lo, 1) {
			// Nothing finite to clip to.
			for i := range excluded {
				excluded[i] = true
			}
			return logw, excluded
		}
		for i, w := range logw {
			switch {
			case math.IsInf(w, 1):
				logw[i] = hi
			case math.IsNaN(w), math.IsInf(w, -1):
				logw[i] = lo
			}
		}
	}
	return logw, excluded
}

// Loss turns a weighted batch into a scalar training objective for the
// model. If grad is non-nil, the model must be Trainable and the gradient of
// the loss with respect to the model parameters is stored in-place into grad.
// The weights of the batch are constants of the loss.
type Loss interface {
	Loss(b *WeightedBatch, m DensityModel, grad []float64) (float64, error)
}

var (
	_ Loss = SelfNormalized{}
	_ Loss = BufferAdjusted{}
)

// SelfNormalized is the self-normalized importance weighted negative log
// likelihood
//  L(θ) = -\sum_i \bar{w}_i log q_θ(x_i),   \bar{w}_i = exp(w_i) / \sum_j exp(w_j).
// With uniform weights it reduces to the mean negative log likelihood.
type SelfNormalized struct {
	Mask MaskPolicy
}

func (s SelfNormalized) Loss(b *WeightedBatch, m DensityModel, grad []float64) (float64, error) {
	n := b.Len()
	if n == 0 {
		return math.NaN(), errors.Wrap(ErrBatchDegenerate, "empty batch")
	}
	if b.Dim() != m.Dim() {
		panic("fab: dimension mismatch")
	}
	logw, excluded := s.Mask.mask(b)
	logq := evalLogQ(b, m, excluded)
	w := SelfNormalize(nil, logw, excluded)
	if w == nil {
		return math.NaN(), errors.Wrapf(ErrBatchDegenerate, "no usable entries out of %d", n)
	}
	var loss float64
	for i, v := range w {
		if v == 0 {
			continue
		}
		loss -= v * logq[i]
	}
	if grad != nil {
		accumGrad(grad, b, m, w, -1)
	}
	return loss, nil
}

// BufferAdjusted is the loss for samples drawn from a replay buffer in
// proportion to their AIS weights. Since the flow has changed since the
// samples were generated, each term is reweighted by the ratio of the
// current and the stored flow densities,
//  L(θ) = -(1/n) \sum_i exp((1-α)(log q_θ(x_i) - log q_old(x_i))) log q_θ(x_i)
// where log q_old is the LogQ stored with the batch. For α = 2 this targets
// the α-divergence D_2(p || q). If Alpha is zero, 2 is used.
type BufferAdjusted struct {
	Alpha float64
	Mask  MaskPolicy
}

func (ba BufferAdjusted) Loss(b *WeightedBatch, m DensityModel, grad []float64) (float64, error) {
	n := b.Len()
	if n == 0 {
		return math.NaN(), errors.Wrap(ErrBatchDegenerate, "empty batch")
	}
	if b.Dim() != m.Dim() {
		panic("fab: dimension mismatch")
	}
	alpha := ba.Alpha
	if alpha == 0 {
		alpha = 2
	}
	_, excluded := ba.Mask.mask(b)
	logq := evalLogQ(b, m, excluded)
	c := make([]float64, n)
	var kept int
	for i := range c {
		if excluded[i] {
			continue
		}
		v := math.Exp((1 - alpha) * (logq[i] - b.LogQ[i]))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			excluded[i] = true
			continue
		}
		c[i] = v
		kept++
	}
	if kept == 0 {
		return math.NaN(), errors.Wrapf(ErrBatchDegenerate, "no usable entries out of %d", n)
	}
	floats.Scale(1/float64(kept), c)
	var loss float64
	for i, v := range c {
		if excluded[i] {
			continue
		}
		loss -= v * logq[i]
	}
	if grad != nil {
		accumGrad(grad, b, m, c, -1)
	}
	return loss, nil
}

// evalLogQ evaluates the model at the entries that are not excluded, and
// excludes the entries where the model density is not finite.
func evalLogQ(b *WeightedBatch, m DensityModel, excluded []bool) []float64 {
	logq := make([]float64, b.Len())
	for i := range logq {
		if excluded[i] {
			continue
		}
		v := m.LogProb(b.Sample(i))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			excluded[i] = true
			continue
		}
		logq[i] = v
	}
	return logq
}

// accumGrad stores scale * \sum_i c_i ∇_θ log q(x_i) into grad.
func accumGrad(grad []float64, b *WeightedBatch, m DensityModel, c []float64, scale float64) {
	t, ok := m.(Trainable)
	if !ok {
		panic("fab: gradient requested for a model that is not Trainable")
	}
	if len(grad) != t.NumParameters() {
		panic(errLen)
	}
	for i := range grad {
		grad[i] = 0
	}
	score := make([]float64, len(grad))
	for i, v := range c {
		if v == 0 {
			continue
		}
		t.ParameterScore(score, b.Sample(i))
		floats.AddScaled(grad, scale*v, score)
	}
}
