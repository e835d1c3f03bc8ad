package buffer

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

// Eviction chooses which entries leave a full buffer.
type Eviction interface {
	// Victims returns the indices of n distinct entries to remove. The
	// entries are in insertion order and must not be modified.
	Victims(entries []Entry, n int) []int
}

// Sampling chooses which entries are drawn from the buffer.
type Sampling interface {
	// Choose returns the indices of n distinct entries.
	Choose(entries []Entry, n int, src rand.Source) []int
}

var (
	_ Eviction = FIFO{}
	_ Eviction = Priority{}
	_ Sampling = Uniform{}
	_ Sampling = Weighted{}
)

// FIFO evicts the oldest entries first.
type FIFO struct{}

func (FIFO) Victims(entries []Entry, n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// Priority evicts the entries with the lowest score first. Entries with equal
// scores are evicted oldest first, and a NaN score is lower than any other.
// If Score is nil the log weight is used.
type Priority struct {
	Score func(e Entry) float64
}

func (p Priority) Victims(entries []Entry, n int) []int {
	score := p.Score
	if score == nil {
		score = func(e Entry) float64 { return e.LogWeight }
	}
	scores := make([]float64, len(entries))
	idx := make([]int, len(entries))
	for i, e := range entries {
		scores[i] = score(e)
		if math.IsNaN(scores[i]) {
			scores[i] = math.Inf(-1)
		}
		idx[i] = i
	}
	// The entries are in insertion order so a stable sort breaks ties by age.
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] < scores[idx[b]]
	})
	return idx[:n]
}

// Uniform draws entries uniformly without replacement.
type Uniform struct{}

func (Uniform) Choose(entries []Entry, n int, src rand.Source) []int {
	idx := make([]int, n)
	sampleuv.WithoutReplacement(idx, len(entries), src)
	return idx
}

// Weighted draws entries without replacement with probability proportional to
// their importance weight exp(LogWeight). Once every remaining weight has
// underflowed to zero the rest of the draw is uniform.
type Weighted struct{}

func (Weighted) Choose(entries []Entry, n int, src rand.Source) []int {
	logw := make([]float64, len(entries))
	for i, e := range entries {
		logw[i] = e.LogWeight
	}
	hi := floats.Max(logw)
	w := make([]float64, len(entries))
	if !math.IsInf(hi, 0) && !math.IsNaN(hi) {
		for i, v := range logw {
			w[i] = math.Exp(v - hi)
			if math.IsNaN(w[i]) {
				w[i] = 0
			}
		}
	}

	idx := make([]int, 0, n)
	taken := make([]bool, len(entries))
	ws := sampleuv.NewWeighted(w, src)
	for len(idx) < n {
		i, ok := ws.Take()
		if !ok || taken[i] {
			break
		}
		idx = append(idx, i)
		taken[i] = true
	}
	if len(idx) == n {
		return idx
	}
	rest := make([]int, 0, len(entries)-len(idx))
	for i, t := range taken {
		if !t {
			rest = append(rest, i)
		}
	}
	pick := make([]int, n-len(idx))
	sampleuv.WithoutReplacement(pick, len(rest), src)
	for _, j := range pick {
		idx = append(idx, rest[j])
	}
	return idx
}
