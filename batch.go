package fab

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// WeightedBatch is a set of samples with their log importance weights.
// Each row of X is a sample. LogQ holds the flow log density at the sample
// when the batch was produced. Flagged marks entries whose weight is not
// finite; those entries are kept so the caller can account for them.
type WeightedBatch struct {
	X          *mat.Dense
	LogWeights []float64
	LogQ       []float64
	Flagged    []bool
}

// NewWeightedBatch allocates a batch of n samples of dimension dim with
// all weights set to zero.
func NewWeightedBatch(n, dim int) *WeightedBatch {
	b := &WeightedBatch{
		LogWeights: make([]float64, n),
		LogQ:       make([]float64, n),
		Flagged:    make([]bool, n),
	}
	if n > 0 && dim > 0 {
		b.X = mat.NewDense(n, dim, nil)
	}
	return b
}

// Len returns the number of entries in the batch.
func (b *WeightedBatch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.LogWeights)
}

// Dim returns the dimension of the samples.
func (b *WeightedBatch) Dim() int {
	if b == nil || b.X == nil {
		return 0
	}
	_, c := b.X.Dims()
	return c
}

// Sample returns a view of the i^th sample. The returned slice shares storage
// with the batch and must not be modified.
func (b *WeightedBatch) Sample(i int) []float64 {
	return b.X.RawRowView(i)
}

// Flag recomputes Flagged from the weights, and returns the number of flagged
// entries.
func (b *WeightedBatch) Flag() int {
	var n int
	for i, w := range b.LogWeights {
		bad := math.IsNaN(w) || math.IsInf(w, 0)
		b.Flagged[i] = bad
		if bad {
			n++
		}
	}
	return n
}

// NumFlagged returns the number of flagged entries.
func (b *WeightedBatch) NumFlagged() int {
	var n int
	for _, f := range b.Flagged {
		if f {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the batch.
func (b *WeightedBatch) Clone() *WeightedBatch {
	c := NewWeightedBatch(b.Len(), b.Dim())
	if b.X != nil {
		c.X.Copy(b.X)
	}
	copy(c.LogWeights, b.LogWeights)
	copy(c.LogQ, b.LogQ)
	copy(c.Flagged, b.Flagged)
	return c
}

// Concat returns a new batch containing copies of the entries of all the
// batches in order. It is used to mix fresh AIS samples with samples from the
// replay buffer. Nil and empty batches are skipped. Concat panics if the
// batches have different dimensions.
func Concat(batches ...*WeightedBatch) *WeightedBatch {
	var n, dim int
	for _, b := range batches {
		if b.Len() == 0 {
			continue
		}
		if dim == 0 {
			dim = b.Dim()
		}
		if b.Dim() != dim {
			panic("fab: dimension mismatch")
		}
		n += b.Len()
	}
	c := NewWeightedBatch(n, dim)
	var idx int
	for _, b := range batches {
		for i := 0; i < b.Len(); i++ {
			c.X.SetRow(idx, b.X.RawRowView(i))
			c.LogWeights[idx] = b.LogWeights[i]
			c.LogQ[idx] = b.LogQ[i]
			c.Flagged[idx] = b.Flagged[i]
			idx++
		}
	}
	return c
}
