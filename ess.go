package fab

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// usable returns the weights that take part in a weighted sum. A weight of
// -Inf is a valid zero weight. NaN and +Inf are dropped.
func usable(logw []float64) []float64 {
	u := make([]float64, 0, len(logw))
	for _, w := range logw {
		if math.IsNaN(w) || math.IsInf(w, 1) {
			continue
		}
		u = append(u, w)
	}
	return u
}

// ESS returns the effective sample size of a set of log importance weights,
//  ESS = (\sum_i exp(w_i))^2 / \sum_i exp(2 w_i)
// computed in log space. NaN and +Inf weights are ignored. ESS returns 0 if
// no weight is finite.
func ESS(logw []float64) float64 {
	u := usable(logw)
	if len(u) == 0 {
		return 0
	}
	lse := floats.LogSumExp(u)
	if math.IsInf(lse, -1) {
		return 0
	}
	twice := make([]float64, len(u))
	for i, w := range u {
		twice[i] = 2 * w
	}
	return math.Exp(2*lse - floats.LogSumExp(twice))
}

// LogMeanExp returns log((1/n) \sum_i exp(w_i)) over the usable weights. For
// AIS weights this is the estimate of log(Z_p / Z_q).
func LogMeanExp(logw []float64) float64 {
	u := usable(logw)
	if len(u) == 0 {
		return math.Inf(-1)
	}
	return floats.LogSumExp(u) - math.Log(float64(len(u)))
}

// SelfNormalize stores the normalized weights exp(w_i) / \sum_j exp(w_j) into
// dst, and returns dst. Entries where mask is true get weight zero and are not
// part of the normalization. If dst is nil a new slice is allocated. If no
// weight is usable SelfNormalize returns nil.
func SelfNormalize(dst, logw []float64, mask []bool) []float64 {
	if mask != nil && len(mask) != len(logw) {
		panic(errLen)
	}
	if dst == nil {
		dst = make([]float64, len(logw))
	}
	if len(dst) != len(logw) {
		panic(errLen)
	}
	kept := make([]float64, 0, len(logw))
	for i, w := range logw {
		if (mask != nil && mask[i]) || math.IsNaN(w) || math.IsInf(w, 1) {
			continue
		}
		kept = append(kept, w)
	}
	if len(kept) == 0 {
		return nil
	}
	lse := floats.LogSumExp(kept)
	if math.IsInf(lse, -1) {
		return nil
	}
	for i, w := range logw {
		if (mask != nil && mask[i]) || math.IsNaN(w) || math.IsInf(w, 1) {
			dst[i] = 0
			continue
		}
		dst[i] = math.Exp(w - lse)
	}
	return dst
}
