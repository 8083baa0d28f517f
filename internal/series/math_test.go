package series

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeanStdSkipNaN(t *testing.T) {
	xs := []float64{1, math.NaN(), 2, 3, math.NaN(), 4}
	assert.InDelta(t, 2.5, Mean(xs), 1e-12)
	assert.InDelta(t, math.Sqrt(5.0/3.0), Std(xs), 1e-12)
	assert.Equal(t, 4, Count(xs))
	assert.True(t, math.IsNaN(Mean([]float64{math.NaN()})))
	assert.True(t, math.IsNaN(Std([]float64{1})))
}

func TestMedianAndMAD(t *testing.T) {
	assert.InDelta(t, 2.5, Median([]float64{4, 1, 3, 2}), 1e-12)
	assert.InDelta(t, 3, Median([]float64{5, 1, 3, math.NaN()}), 1e-12)
	// MAD of {1,2,3,4,100}: median 3, deviations {2,1,0,1,97} -> 1.
	assert.InDelta(t, 1, MAD([]float64{1, 2, 3, 4, 100}), 1e-12)
}

func TestPercentileInterpolates(t *testing.T) {
	xs := []float64{1, 2, 3, 4}
	assert.InDelta(t, 2.5, Percentile(xs, 50), 1e-12)
	assert.InDelta(t, 1.75, Percentile(xs, 25), 1e-12)
	assert.InDelta(t, 1, Percentile(xs, 0), 1e-12)
	assert.InDelta(t, 4, Percentile(xs, 100), 1e-12)
}

func TestSkewnessKurtosisKnownValues(t *testing.T) {
	sym := []float64{1, 2, 3, 4, 5}
	assert.InDelta(t, 0, Skewness(sym), 1e-12)
	assert.InDelta(t, -1.2, Kurtosis(sym), 1e-12)
	assert.True(t, math.IsNaN(Skewness([]float64{1, 2})))
	assert.True(t, math.IsNaN(Kurtosis([]float64{1, 2, 3})))
}

func TestPearsonPairwiseComplete(t *testing.T) {
	x := []float64{1, 2, math.NaN(), 3}
	y := []float64{2, 4, 5, 6}
	assert.InDelta(t, 1, Pearson(x, y), 1e-12)

	anti := Pearson([]float64{1, 2, 3}, []float64{3, 2, 1})
	assert.InDelta(t, -1, anti, 1e-12)

	// Zero variance on one side has no defined correlation.
	assert.True(t, math.IsNaN(Pearson([]float64{1, 1, 1}, []float64{1, 2, 3})))
}

func TestSpearmanMonotone(t *testing.T) {
	x := []float64{1, 4, 9, 16}
	y := []float64{2, 3, 5, 8}
	assert.InDelta(t, 1, Spearman(x, y), 1e-12)
	assert.InDelta(t, -1, Spearman(x, []float64{8, 5, 3, 2}), 1e-12)
}

func TestRankifyAveragesTies(t *testing.T) {
	ranks := Rankify([]float64{10, 20, 20, 30, math.NaN()})
	assert.Equal(t, 1.0, ranks[0])
	assert.Equal(t, 2.5, ranks[1])
	assert.Equal(t, 2.5, ranks[2])
	assert.Equal(t, 4.0, ranks[3])
	assert.True(t, math.IsNaN(ranks[4]))
}

func TestAutoCorrShiftedSelf(t *testing.T) {
	xs := []float64{1, 2, 3, 4, 5, 6}
	assert.InDelta(t, 1, AutoCorr(xs, 1), 1e-12)
	assert.True(t, math.IsNaN(AutoCorr(xs, 0)))
	assert.True(t, math.IsNaN(AutoCorr(xs, 6)))
}

func TestCumulativeReturnCompounds(t *testing.T) {
	cum := CumulativeReturn([]float64{0.1, -0.5, math.NaN()})
	require.Len(t, cum, 3)
	assert.InDelta(t, 0.1, cum[0], 1e-12)
	assert.InDelta(t, -0.45, cum[1], 1e-12)
	// NaN periods hold the curve flat.
	assert.InDelta(t, -0.45, cum[2], 1e-12)
}

func TestMaxDrawdownPeakToTrough(t *testing.T) {
	dd := MaxDrawdown([]float64{0, 0.1, -0.1, 0.05})
	assert.InDelta(t, 0.2/1.1, dd, 1e-12)
	assert.Equal(t, 0.0, MaxDrawdown([]float64{0, 0.1, 0.2}))
}

func TestRollingMinPeriods(t *testing.T) {
	sum := Rolling([]float64{1, 2, 3, 4}, 3, 1, Sum)
	assert.Equal(t, []float64{1, 3, 6, 9}, sum)

	sd := Rolling([]float64{1, 2, 3, 4}, 4, 2, Std)
	assert.True(t, math.IsNaN(sd[0]))
	assert.InDelta(t, math.Sqrt(0.5), sd[1], 1e-12)
	assert.InDelta(t, 1, sd[2], 1e-12)

	// NaN inside the window shrinks the valid count.
	m := Rolling([]float64{1, math.NaN(), 3}, 2, 2, Mean)
	assert.True(t, math.IsNaN(m[1]))
	assert.True(t, math.IsNaN(m[2]))
}
