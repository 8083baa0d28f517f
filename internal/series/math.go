package series

import (
	"math"
	"sort"
)

// The kernels below skip NaN inputs the way a column store is expected to:
// a NaN never participates in a statistic and never poisons its neighbors.
// Variance-based statistics use the sample (n-1) convention.

// Count returns the number of non-NaN values.
func Count(xs []float64) int {
	n := 0
	for _, x := range xs {
		if !math.IsNaN(x) {
			n++
		}
	}
	return n
}

// Sum returns the sum of non-NaN values; an all-NaN input sums to 0.
func Sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		if !math.IsNaN(x) {
			s += x
		}
	}
	return s
}

// Mean returns the mean of non-NaN values, NaN when none exist.
func Mean(xs []float64) float64 {
	var s float64
	n := 0
	for _, x := range xs {
		if !math.IsNaN(x) {
			s += x
			n++
		}
	}
	if n == 0 {
		return math.NaN()
	}
	return s / float64(n)
}

// Std returns the sample standard deviation of non-NaN values, NaN when
// fewer than two exist.
func Std(xs []float64) float64 {
	m := Mean(xs)
	if math.IsNaN(m) {
		return math.NaN()
	}
	var ss float64
	n := 0
	for _, x := range xs {
		if !math.IsNaN(x) {
			d := x - m
			ss += d * d
			n++
		}
	}
	if n < 2 {
		return math.NaN()
	}
	return math.Sqrt(ss / float64(n-1))
}

// Min returns the smallest non-NaN value, NaN when none exist.
func Min(xs []float64) float64 {
	out := math.NaN()
	for _, x := range xs {
		if math.IsNaN(x) {
			continue
		}
		if math.IsNaN(out) || x < out {
			out = x
		}
	}
	return out
}

// Max returns the largest non-NaN value, NaN when none exist.
func Max(xs []float64) float64 {
	out := math.NaN()
	for _, x := range xs {
		if math.IsNaN(x) {
			continue
		}
		if math.IsNaN(out) || x > out {
			out = x
		}
	}
	return out
}

func validSorted(xs []float64) []float64 {
	out := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) {
			out = append(out, x)
		}
	}
	sort.Float64s(out)
	return out
}

// Median returns the median of non-NaN values, NaN when none exist.
func Median(xs []float64) float64 {
	v := validSorted(xs)
	n := len(v)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 1 {
		return v[n/2]
	}
	return (v[n/2-1] + v[n/2]) / 2
}

// MAD returns the median absolute deviation around the median.
func MAD(xs []float64) float64 {
	m := Median(xs)
	if math.IsNaN(m) {
		return math.NaN()
	}
	dev := make([]float64, 0, len(xs))
	for _, x := range xs {
		if !math.IsNaN(x) {
			dev = append(dev, math.Abs(x-m))
		}
	}
	return Median(dev)
}

// Percentile returns the p-th percentile (0..100) of non-NaN values using
// linear interpolation between order statistics.
func Percentile(xs []float64, p float64) float64 {
	v := validSorted(xs)
	n := len(v)
	if n == 0 {
		return math.NaN()
	}
	if n == 1 {
		return v[0]
	}
	pos := p / 100 * float64(n-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo < 0 {
		lo = 0
	}
	if hi > n-1 {
		hi = n - 1
	}
	if lo == hi {
		return v[lo]
	}
	frac := pos - float64(lo)
	return v[lo]*(1-frac) + v[hi]*frac
}

// Skewness returns the bias-adjusted sample skewness, NaN when fewer than
// three valid values exist or the variance is zero.
func Skewness(xs []float64) float64 {
	m := Mean(xs)
	if math.IsNaN(m) {
		return math.NaN()
	}
	var m2, m3 float64
	n := 0
	for _, x := range xs {
		if math.IsNaN(x) {
			continue
		}
		d := x - m
		m2 += d * d
		m3 += d * d * d
		n++
	}
	if n < 3 {
		return math.NaN()
	}
	nf := float64(n)
	m2 /= nf
	m3 /= nf
	if m2 == 0 {
		return math.NaN()
	}
	g1 := m3 / math.Pow(m2, 1.5)
	return g1 * math.Sqrt(nf*(nf-1)) / (nf - 2)
}

// Kurtosis returns the bias-adjusted excess kurtosis, NaN when fewer than
// four valid values exist or the variance is zero.
func Kurtosis(xs []float64) float64 {
	m := Mean(xs)
	if math.IsNaN(m) {
		return math.NaN()
	}
	var m2, m4 float64
	n := 0
	for _, x := range xs {
		if math.IsNaN(x) {
			continue
		}
		d := x - m
		d2 := d * d
		m2 += d2
		m4 += d2 * d2
		n++
	}
	if n < 4 {
		return math.NaN()
	}
	nf := float64(n)
	m2 /= nf
	m4 /= nf
	if m2 == 0 {
		return math.NaN()
	}
	g2 := m4/(m2*m2) - 3
	return ((nf+1)*g2 + 6) * (nf - 1) / ((nf - 2) * (nf - 3))
}

// Pearson returns the Pearson correlation over pairwise-complete values,
// NaN when fewer than two complete pairs exist or either side has zero
// variance.
func Pearson(x, y []float64) float64 {
	if len(x) != len(y) {
		return math.NaN()
	}
	var sx, sy, sxx, syy, sxy float64
	n := 0
	for i := range x {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			continue
		}
		xi, yi := x[i], y[i]
		sx += xi
		sy += yi
		sxx += xi * xi
		syy += yi * yi
		sxy += xi * yi
		n++
	}
	if n < 2 {
		return math.NaN()
	}
	nf := float64(n)
	num := sxy - sx*sy/nf
	denx := sxx - sx*sx/nf
	deny := syy - sy*sy/nf
	if denx <= 0 || deny <= 0 {
		return math.NaN()
	}
	return num / math.Sqrt(denx*deny)
}

// Spearman returns the rank correlation over pairwise-complete values.
func Spearman(x, y []float64) float64 {
	if len(x) != len(y) {
		return math.NaN()
	}
	fx := make([]float64, 0, len(x))
	fy := make([]float64, 0, len(y))
	for i := range x {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			continue
		}
		fx = append(fx, x[i])
		fy = append(fy, y[i])
	}
	return Pearson(Rankify(fx), Rankify(fy))
}

// Rankify converts values to average ranks 1..n over the non-NaN subset.
// Ties receive the mean of the ranks they span; NaN stays NaN.
func Rankify(xs []float64) []float64 {
	type kv struct {
		v float64
		i int
	}
	tmp := make([]kv, 0, len(xs))
	for i, v := range xs {
		if !math.IsNaN(v) {
			tmp = append(tmp, kv{v: v, i: i})
		}
	}
	sort.SliceStable(tmp, func(a, b int) bool { return tmp[a].v < tmp[b].v })
	out := make([]float64, len(xs))
	for i := range out {
		out[i] = math.NaN()
	}
	i := 0
	for i < len(tmp) {
		j := i + 1
		for j < len(tmp) && tmp[j].v == tmp[i].v {
			j++
		}
		rank := 0.5*float64(i+j-1) + 1
		for k := i; k < j; k++ {
			out[tmp[k].i] = rank
		}
		i = j
	}
	return out
}

// AutoCorr returns the lag-k autocorrelation of xs, computed as the Pearson
// correlation between the series and its k-shifted self.
func AutoCorr(xs []float64, lag int) float64 {
	if lag <= 0 || lag >= len(xs) {
		return math.NaN()
	}
	return Pearson(xs[:len(xs)-lag], xs[lag:])
}

// CumulativeReturn folds per-period simple returns into a cumulative return
// curve: out[t] = prod(1+r[0..t]) - 1. NaN returns compound as zero.
func CumulativeReturn(rs []float64) []float64 {
	out := make([]float64, len(rs))
	acc := 1.0
	for i, r := range rs {
		if !math.IsNaN(r) {
			acc *= 1 + r
		}
		out[i] = acc - 1
	}
	return out
}

// MaxDrawdown returns the largest peak-to-trough loss of a cumulative
// return curve, as a positive fraction of the peak wealth.
func MaxDrawdown(cum []float64) float64 {
	peak := math.Inf(-1)
	var worst float64
	for _, c := range cum {
		if math.IsNaN(c) {
			continue
		}
		w := 1 + c
		if w > peak {
			peak = w
		}
		if peak > 0 {
			dd := (peak - w) / peak
			if dd > worst {
				worst = dd
			}
		}
	}
	if math.IsInf(peak, -1) {
		return math.NaN()
	}
	return worst
}

// Rolling applies f over trailing windows of width w. The window at row i
// is xs[max(0,i-w+1)..i]; f receives only the window's non-NaN values and
// runs only when at least minPeriods of them exist, otherwise the output is
// NaN.
func Rolling(xs []float64, w, minPeriods int, f func(valid []float64) float64) []float64 {
	if minPeriods < 1 {
		minPeriods = 1
	}
	out := make([]float64, len(xs))
	buf := make([]float64, 0, w)
	for i := range xs {
		lo := i - w + 1
		if lo < 0 {
			lo = 0
		}
		buf = buf[:0]
		for j := lo; j <= i; j++ {
			if !math.IsNaN(xs[j]) {
				buf = append(buf, xs[j])
			}
		}
		if len(buf) < minPeriods {
			out[i] = math.NaN()
			continue
		}
		out[i] = f(buf)
	}
	return out
}

// RollingWindow is Rolling without the NaN filter: f receives the raw
// window (current value last) whenever the window holds at least
// minPeriods non-NaN values.
func RollingWindow(xs []float64, w, minPeriods int, f func(win []float64) float64) []float64 {
	if minPeriods < 1 {
		minPeriods = 1
	}
	out := make([]float64, len(xs))
	for i := range xs {
		lo := i - w + 1
		if lo < 0 {
			lo = 0
		}
		win := xs[lo : i+1]
		if Count(win) < minPeriods {
			out[i] = math.NaN()
			continue
		}
		out[i] = f(win)
	}
	return out
}
