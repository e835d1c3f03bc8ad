package distribution

import (
	"math"
	"math/rand/v2"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/btracey/fab"
)

var (
	_ fab.DensityModel = (*Mixture)(nil)
	_ fab.ScoreInputer = (*Mixture)(nil)
)

// Mixture is a weighted mixture of multivariate Gaussians,
//  p(x) = \sum_i π_i N(x; μ_i, Σ_i).
// Multi-modal mixtures are the standard stress test for AIS, since a flow
// started on one mode has to be transported to the others.
type Mixture struct {
	logWeights []float64
	weights    []float64
	comps      []*distmv.Normal
	means      [][]float64
	chols      []*mat.Cholesky
	dim        int
}

// NewMixture returns a mixture of the components with the given (not
// necessarily normalized) weights.
func NewMixture(weights []float64, comps []*distmv.Normal) (*Mixture, error) {
	if len(weights) != len(comps) || len(comps) == 0 {
		return nil, errors.Wrapf(fab.ErrInvalidConfig, "mixture has %d weights and %d components", len(weights), len(comps))
	}
	dim := comps[0].Dim()
	sum := floats.Sum(weights)
	if !(sum > 0) {
		return nil, errors.Wrap(fab.ErrInvalidConfig, "mixture weights must sum to a positive value")
	}
	m := &Mixture{
		logWeights: make([]float64, len(weights)),
		weights:    make([]float64, len(weights)),
		comps:      comps,
		means:      make([][]float64, len(comps)),
		chols:      make([]*mat.Cholesky, len(comps)),
		dim:        dim,
	}
	for i, w := range weights {
		if w < 0 {
			return nil, errors.Wrapf(fab.ErrInvalidConfig, "negative mixture weight %v", w)
		}
		m.weights[i] = w / sum
		m.logWeights[i] = math.Log(w / sum)
	}
	for i, c := range comps {
		if c.Dim() != dim {
			return nil, errors.Wrapf(fab.ErrInvalidConfig, "component %d has dimension %d, want %d", i, c.Dim(), dim)
		}
		m.means[i] = c.Mean(nil)
		var cov mat.SymDense
		c.CovarianceMatrix(&cov)
		var chol mat.Cholesky
		if ok := chol.Factorize(&cov); !ok {
			return nil, errors.Wrapf(fab.ErrInvalidConfig, "component %d covariance is not positive definite", i)
		}
		m.chols[i] = &chol
	}
	return m, nil
}

func (m *Mixture) Dim() int {
	return m.dim
}

func (m *Mixture) LogProb(x []float64) float64 {
	if len(x) != m.dim {
		panic(errLen)
	}
	lps := make([]float64, len(m.comps))
	for i, c := range m.comps {
		lps[i] = m.logWeights[i] + c.LogProb(x)
	}
	return floats.LogSumExp(lps)
}

// ScoreInput computes \sum_i r_i(x) ∇ log N(x; μ_i, Σ_i) where r_i are the
// posterior component responsibilities at x.
func (m *Mixture) ScoreInput(score, x []float64) []float64 {
	if score == nil {
		score = make([]float64, m.dim)
	}
	if len(score) != m.dim || len(x) != m.dim {
		panic(errLen)
	}
	lps := make([]float64, len(m.comps))
	for i, c := range m.comps {
		lps[i] = m.logWeights[i] + c.LogProb(x)
	}
	lse := floats.LogSumExp(lps)
	for i := range score {
		score[i] = 0
	}
	g := make([]float64, m.dim)
	for i, c := range m.comps {
		r := math.Exp(lps[i] - lse)
		if r == 0 {
			continue
		}
		c.ScoreInput(g, x)
		floats.AddScaled(score, r, g)
	}
	return score
}

func (m *Mixture) Sample(data *mat.Dense, src rand.Source) {
	nSamples, _ := data.Dims()
	cat := distuv.NewCategorical(m.weights, src)
	for i := 0; i < nSamples; i++ {
		c := int(cat.Rand())
		distmv.NormalRand(data.RawRowView(i), m.means[c], m.chols[c], src)
	}
}

// NewIsotropic returns the Gaussian with mean mu and covariance σ² I.
func NewIsotropic(mu []float64, sigma float64) (*distmv.Normal, error) {
	if !(sigma > 0) {
		return nil, errors.Wrapf(fab.ErrInvalidConfig, "standard deviation must be positive, have %v", sigma)
	}
	diag := make([]float64, len(mu))
	for i := range diag {
		diag[i] = sigma * sigma
	}
	n, ok := distmv.NewNormal(mu, mat.NewDiagDense(len(mu), diag), nil)
	if !ok {
		return nil, errors.Wrap(fab.ErrInvalidConfig, "covariance is not positive definite")
	}
	return n, nil
}
