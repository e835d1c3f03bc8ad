package ais

import (
	"github.com/btracey/fab"
	"github.com/btracey/fab/transition"
)

// Level is the intermediate density
//  log π_β(x) = (1-β) log q(x) + β log p(x)
// between the flow q and the target p.
type Level struct {
	Flow   fab.Density
	Target fab.Density
	Beta   float64
}

var (
	_ fab.Density      = Level{}
	_ fab.ScoreInputer = Level{}
)

// interpolate combines the flow and target log densities at β. The end
// points return a single term so that an infinite density on the other side
// does not turn into 0*Inf.
func interpolate(beta, logq, logp float64) float64 {
	switch beta {
	case 0:
		return logq
	case 1:
		return logp
	}
	return (1-beta)*logq + beta*logp
}

// increment is the AIS weight increment log π_{k}(x) - log π_{k-1}(x) for a
// point with flow log density logq and target log density logp.
func increment(prev, next, logq, logp float64) float64 {
	db := next - prev
	if db == 0 {
		return 0
	}
	return db * (logp - logq)
}

func (l Level) LogProb(x []float64) float64 {
	switch l.Beta {
	case 0:
		return l.Flow.LogProb(x)
	case 1:
		return l.Target.LogProb(x)
	}
	return interpolate(l.Beta, l.Flow.LogProb(x), l.Target.LogProb(x))
}

// ScoreInput computes ∇ log π_β(x). The flow and target gradients are taken
// from their ScoreInput methods when present, and estimated with finite
// differences otherwise.
func (l Level) ScoreInput(score, x []float64) []float64 {
	if score == nil {
		score = make([]float64, len(x))
	}
	switch l.Beta {
	case 0:
		return transition.Score(score, l.Flow, x)
	case 1:
		return transition.Score(score, l.Target, x)
	}
	transition.Score(score, l.Flow, x)
	gp := transition.Score(nil, l.Target, x)
	for i := range score {
		score[i] = (1-l.Beta)*score[i] + l.Beta*gp[i]
	}
	return score
}
