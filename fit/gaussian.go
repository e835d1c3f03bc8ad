// package fit estimates simple densities from weighted batches.
package fit

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/btracey/fab"
	"github.com/btracey/fab/distribution"
)

// weights returns the self-normalized weights of the batch scaled to sum to
// the number of usable entries, as the weighted moments of stat expect.
func weights(b *fab.WeightedBatch) ([]float64, error) {
	w := fab.SelfNormalize(nil, b.LogWeights, b.Flagged)
	if w == nil {
		return nil, errors.Wrapf(fab.ErrBatchDegenerate, "fit: no usable weights out of %d", b.Len())
	}
	floats.Scale(float64(b.Len()-b.NumFlagged()), w)
	return w, nil
}

// Gaussian fits a multivariate Gaussian to the batch by matching the
// importance weighted mean and covariance.
func Gaussian(b *fab.WeightedBatch) (*distmv.Normal, error) {
	w, err := weights(b)
	if err != nil {
		return nil, err
	}
	dim := b.Dim()
	mean := make([]float64, dim)
	col := make([]float64, b.Len())
	for j := range mean {
		mat.Col(col, j, b.X)
		mean[j] = stat.Mean(col, w)
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, b.X, w)

	normal, ok := distmv.NewNormal(mean, &cov, nil)
	if !ok {
		return nil, errors.Wrap(fab.ErrBatchDegenerate, "fit: weighted covariance is not positive definite")
	}
	return normal, nil
}

// IndependentGaussian fits a diagonal Gaussian to the batch by matching the
// importance weighted mean and variance of each dimension. It can be used to
// start a flow from the moments of an AIS batch.
func IndependentGaussian(b *fab.WeightedBatch) (*distribution.IndependentGaussian, error) {
	w, err := weights(b)
	if err != nil {
		return nil, err
	}
	dim := b.Dim()
	mu := make([]float64, dim)
	sigma := make([]float64, dim)
	col := make([]float64, b.Len())
	for j := range mu {
		mat.Col(col, j, b.X)
		mu[j], sigma[j] = stat.MeanStdDev(col, w)
		if !(sigma[j] > 0) {
			return nil, errors.Wrapf(fab.ErrBatchDegenerate, "fit: dimension %d has no spread", j)
		}
	}
	return distribution.NewIndependentGaussian(mu, sigma), nil
}
