package analysis

import (
	"math"
	"sort"

	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/series"
)

// TradingDaysPerYear is the annualization base; ratios of k-day returns are
// scaled by 252/k.
const TradingDaysPerYear = 252

// DecayLags is the number of horizon multiples examined by the decay and
// autocorrelation charts.
const DecayLags = 10

// ICSeries holds per-date information coefficients for one correlation kind.
type ICSeries struct {
	Dates  []string
	Values []float64
}

// MovingAverage returns the 10-date moving average of the IC values, with
// NaN until the window fills.
func (s ICSeries) MovingAverage() []float64 {
	return series.Rolling(s.Values, 10, 10, series.Mean)
}

// CumSum returns the running sum of the IC values.
func (s ICSeries) CumSum() []float64 {
	out := make([]float64, len(s.Values))
	var acc float64
	for i, v := range s.Values {
		if !math.IsNaN(v) {
			acc += v
		}
		out[i] = acc
	}
	return out
}

// ComputeIC calculates the per-date Pearson and Spearman correlations
// between the factor and the forward return. Dates with fewer than two
// valid pairs are skipped, so both series share one date axis.
func ComputeIC(f *series.Frame, factorCol string, k int) (ic, rankIC ICSeries, err error) {
	xs := f.Float(factorCol)
	rs := f.Float(ReturnColumn(k))
	if xs == nil || rs == nil {
		return ic, rankIC, errs.Internalf("ic: missing %q or %q", factorCol, ReturnColumn(k))
	}
	for _, g := range f.DateGroups() {
		fv := make([]float64, len(g.Rows))
		rv := make([]float64, len(g.Rows))
		for j, r := range g.Rows {
			fv[j] = xs[r]
			rv[j] = rs[r]
		}
		if validPairs(fv, rv) < 2 {
			continue
		}
		ic.Dates = append(ic.Dates, g.Key)
		ic.Values = append(ic.Values, series.Pearson(fv, rv))
		rankIC.Dates = append(rankIC.Dates, g.Key)
		rankIC.Values = append(rankIC.Values, series.Spearman(fv, rv))
	}
	if len(ic.Values) == 0 {
		return ic, rankIC, errs.NoDataf("no date had two or more valid factor/return pairs")
	}
	return ic, rankIC, nil
}

func validPairs(a, b []float64) int {
	n := 0
	for i := range a {
		if !math.IsNaN(a[i]) && !math.IsNaN(b[i]) {
			n++
		}
	}
	return n
}

// Summary aggregates an IC series into the headline indicator table.
type Summary struct {
	Mean          float64
	Std           float64
	IR            float64
	PositiveRatio float64
	AbsGT002Ratio float64
	Skew          float64
	Kurtosis      float64
	TStat         float64
	Min           float64
	P5            float64
	P25           float64
	Median        float64
	P75           float64
	P95           float64
	Max           float64
}

// Summarize reduces an IC series. IR is mean/std; the t-statistic is
// mean/(std/sqrt(n)) over the non-NaN observations.
func Summarize(values []float64) Summary {
	var s Summary
	s.Mean = series.Mean(values)
	s.Std = series.Std(values)
	s.Skew = series.Skewness(values)
	s.Kurtosis = series.Kurtosis(values)
	s.Min = series.Min(values)
	s.Max = series.Max(values)
	s.P5 = series.Percentile(values, 0.05)
	s.P25 = series.Percentile(values, 0.25)
	s.Median = series.Percentile(values, 0.50)
	s.P75 = series.Percentile(values, 0.75)
	s.P95 = series.Percentile(values, 0.95)

	n, pos, big := 0, 0, 0
	for _, v := range values {
		if math.IsNaN(v) {
			continue
		}
		n++
		if v > 0 {
			pos++
		}
		if math.Abs(v) > 0.02 {
			big++
		}
	}
	if n > 0 {
		s.PositiveRatio = float64(pos) / float64(n)
		s.AbsGT002Ratio = float64(big) / float64(n)
	}
	if s.Std > 0 {
		s.IR = s.Mean / s.Std
		s.TStat = s.Mean / (s.Std / math.Sqrt(float64(n)))
	} else {
		s.IR = math.NaN()
		s.TStat = math.NaN()
	}
	return s
}

// Decay measures how predictive power fades with horizon: for each lag
// l in 1..lags it correlates the factor at date t with the forward return
// at date t+l*k (k trading days per step), averaged over all t. Lags that
// run out of dates yield NaN. Spearman selects rank correlation.
func Decay(f *series.Frame, factorCol string, k, lags int, spearman bool) ([]float64, error) {
	xs := f.Float(factorCol)
	rs := f.Float(ReturnColumn(k))
	if xs == nil || rs == nil {
		return nil, errs.Internalf("decay: missing %q or %q", factorCol, ReturnColumn(k))
	}

	// Index factor and return vectors per date, keyed by symbol position.
	dates := f.DistinctDates()
	symIdx := make(map[string]int, len(f.DistinctSymbols()))
	for i, s := range f.DistinctSymbols() {
		symIdx[s] = i
	}
	width := len(symIdx)
	factorAt := make(map[string][]float64, len(dates))
	returnAt := make(map[string][]float64, len(dates))
	for _, g := range f.DateGroups() {
		fv := nanRow(width)
		rv := nanRow(width)
		for _, r := range g.Rows {
			j := symIdx[f.Symbol(r)]
			fv[j] = xs[r]
			rv[j] = rs[r]
		}
		factorAt[g.Key] = fv
		returnAt[g.Key] = rv
	}

	corr := series.Pearson
	if spearman {
		corr = series.Spearman
	}
	out := make([]float64, lags)
	for l := 1; l <= lags; l++ {
		var ics []float64
		for t := 0; t+l*k < len(dates); t++ {
			fv := factorAt[dates[t]]
			rv := returnAt[dates[t+l*k]]
			if validPairs(fv, rv) < 2 {
				continue
			}
			ics = append(ics, corr(fv, rv))
		}
		out[l-1] = series.Mean(ics)
	}
	return out, nil
}

func nanRow(n int) []float64 {
	row := make([]float64, n)
	for i := range row {
		row[i] = math.NaN()
	}
	return row
}

// AutoCorrelation returns the sample autocorrelation of the IC series at
// lags 1..lags.
func AutoCorrelation(values []float64, lags int) []float64 {
	out := make([]float64, lags)
	for l := 1; l <= lags; l++ {
		out[l-1] = series.AutoCorr(values, l)
	}
	return out
}

// GroupPerformance captures the headline risk/return numbers for one
// group's rebalanced return stream, plus the same numbers measured on the
// excess stream against the benchmark.
type GroupPerformance struct {
	Label            int
	CumulativeReturn float64
	AnnualReturn     float64
	AnnualVolatility float64
	Sharpe           float64
	MaxDrawdown      float64
	MonthlyWinRate   float64
	Turnover         float64
	ExcessReturn     float64
	ExcessAnnual     float64
	ExcessDrawdown   float64
	ExcessWinRate    float64
	TrackingError    float64
	InfoRatio        float64
}

// MeasureGroup derives performance metrics from a group's per-date return
// series and the aligned benchmark. Returns are k-day horizon returns
// sampled daily, so annualization uses 252/k. Dates are YYYYMMDD strings;
// the monthly win rate compounds within calendar months.
func MeasureGroup(label int, dates []string, rets, bench []float64, k int, members map[string][]string) GroupPerformance {
	perYear := float64(TradingDaysPerYear) / float64(k)
	excess := make([]float64, len(rets))
	for i := range rets {
		excess[i] = rets[i] - bench[i]
	}
	cum := series.CumulativeReturn(rets)
	excum := series.CumulativeReturn(excess)

	p := GroupPerformance{Label: label}
	if n := len(cum); n > 0 {
		p.CumulativeReturn = cum[n-1]
		p.ExcessReturn = excum[n-1]
	}
	p.AnnualReturn = series.Mean(rets) * perYear
	p.ExcessAnnual = series.Mean(excess) * perYear
	p.AnnualVolatility = series.Std(rets) * math.Sqrt(perYear)
	if p.AnnualVolatility > 0 {
		p.Sharpe = p.AnnualReturn / p.AnnualVolatility
	} else {
		p.Sharpe = math.NaN()
	}
	p.MaxDrawdown = series.MaxDrawdown(cum)
	p.ExcessDrawdown = series.MaxDrawdown(excum)
	p.MonthlyWinRate = monthlyWinRate(dates, rets)
	p.ExcessWinRate = monthlyWinRate(dates, excess)
	p.TrackingError = series.Std(excess) * math.Sqrt(perYear)
	if p.TrackingError > 0 {
		p.InfoRatio = series.Mean(excess) * perYear / p.TrackingError
	} else {
		p.InfoRatio = math.NaN()
	}
	p.Turnover = meanTurnover(dates, members)
	return p
}

// monthlyWinRate compounds returns within each YYYYMM bucket and reports
// the fraction of months that finished positive.
func monthlyWinRate(dates []string, rets []float64) float64 {
	if len(dates) == 0 {
		return math.NaN()
	}
	byMonth := make(map[string]float64)
	var months []string
	for i, d := range dates {
		if len(d) < 6 || math.IsNaN(rets[i]) {
			continue
		}
		m := d[:6]
		if _, ok := byMonth[m]; !ok {
			byMonth[m] = 1
			months = append(months, m)
		}
		byMonth[m] *= 1 + rets[i]
	}
	if len(months) == 0 {
		return math.NaN()
	}
	sort.Strings(months)
	wins := 0
	for _, m := range months {
		if byMonth[m]-1 > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(months))
}

// meanTurnover averages, over consecutive rebalance dates, the fraction of
// current members that were not held on the previous date.
func meanTurnover(dates []string, members map[string][]string) float64 {
	if len(dates) < 2 || members == nil {
		return math.NaN()
	}
	var sum float64
	n := 0
	prev := toSet(members[dates[0]])
	for _, d := range dates[1:] {
		cur := members[d]
		if len(cur) == 0 {
			continue
		}
		entered := 0
		for _, s := range cur {
			if !prev[s] {
				entered++
			}
		}
		sum += float64(entered) / float64(len(cur))
		n++
		prev = toSet(cur)
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}

func toSet(ss []string) map[string]bool {
	m := make(map[string]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}
