package fab

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestESS(t *testing.T) {
	inf := math.Inf(-1)
	for i, test := range []struct {
		logw []float64
		ess  float64
	}{
		{logw: []float64{0, 0, 0, 0}, ess: 4},
		{logw: []float64{-700, -700, -700}, ess: 3},
		{logw: []float64{800, 800}, ess: 2},
		{logw: []float64{10, inf, inf, inf}, ess: 1},
		{logw: []float64{0, math.Log(3)}, ess: 16.0 / 10},
		{logw: []float64{0, math.NaN(), 0}, ess: 2},
		{logw: []float64{inf, inf}, ess: 0},
		{logw: []float64{math.NaN()}, ess: 0},
		{logw: nil, ess: 0},
	} {
		assert.InDelta(t, test.ess, ESS(test.logw), 1e-10, "case %d", i)
	}
}

func TestLogMeanExp(t *testing.T) {
	assert.InDelta(t, math.Log(2), LogMeanExp([]float64{0, math.Log(3)}), 1e-14)
	assert.InDelta(t, 1000, LogMeanExp([]float64{1000, 1000}), 1e-10)
	assert.True(t, math.IsInf(LogMeanExp(nil), -1))
}

func TestSelfNormalize(t *testing.T) {
	w := SelfNormalize(nil, []float64{0, math.Log(3), 5}, []bool{false, false, true})
	assert.InDeltaSlice(t, []float64{0.25, 0.75, 0}, w, 1e-14)

	w = SelfNormalize(nil, []float64{math.Inf(1), 1, 1}, nil)
	assert.InDeltaSlice(t, []float64{0, 0.5, 0.5}, w, 1e-14)

	assert.Nil(t, SelfNormalize(nil, []float64{math.Inf(-1), math.NaN()}, nil))
	assert.Panics(t, func() { SelfNormalize(make([]float64, 1), []float64{0, 0}, nil) })
}
