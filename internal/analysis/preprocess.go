// Package analysis implements the evaluation pipeline's numeric stages:
// cross-sectional preprocessing, quantile grouping with forward-return
// attribution, and the statistics that fill a task's result bundle.
package analysis

import (
	"math"

	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/series"
)

// TrimMethod selects the outlier rule applied before standardization.
type TrimMethod string

const (
	// TrimSigma clips values outside mean ± 3·std.
	TrimSigma TrimMethod = "std"
	// TrimMAD clips values outside median ± 3·1.4826·MAD.
	TrimMAD TrimMethod = "median"
)

// ParseTrimMethod normalizes the extreme_value_processing parameter,
// accepting the Chinese synonyms the surface allows.
func ParseTrimMethod(s string) (TrimMethod, error) {
	switch s {
	case "std", "标准差":
		return TrimSigma, nil
	case "median", "中位数":
		return TrimMAD, nil
	default:
		return "", errs.Validationf("extreme_value_processing must be one of std, median, 标准差, 中位数; got %q", s)
	}
}

// Standardize trims and z-scores the factor column per date, in place.
//
// For each date: values outside the trim bounds are clipped to them, then
// the section is centered and scaled by the post-trim mean and standard
// deviation. A section whose post-trim deviation is zero or undefined
// (all equal, one valid value, or no valid values) standardizes to zeros
// for every row of that date. Otherwise NaN rows stay NaN.
func Standardize(f *series.Frame, col string, method TrimMethod) error {
	xs := f.Float(col)
	if xs == nil {
		return errs.Internalf("standardize: frame has no column %q", col)
	}
	for _, g := range f.DateGroups() {
		section := make([]float64, len(g.Rows))
		for k, r := range g.Rows {
			section[k] = xs[r]
		}
		clipped := clip(section, method)
		mean := series.Mean(clipped)
		std := series.Std(clipped)
		degenerate := math.IsNaN(std) || std == 0
		for k, r := range g.Rows {
			switch {
			case degenerate:
				xs[r] = 0
			case math.IsNaN(clipped[k]):
				xs[r] = math.NaN()
			default:
				xs[r] = (clipped[k] - mean) / std
			}
		}
	}
	return nil
}

func clip(section []float64, method TrimMethod) []float64 {
	var lo, hi float64
	switch method {
	case TrimMAD:
		m := series.Median(section)
		d := series.MAD(section)
		if math.IsNaN(m) || math.IsNaN(d) {
			return section
		}
		spread := 3 * 1.4826 * d
		lo, hi = m-spread, m+spread
	default:
		m := series.Mean(section)
		sd := series.Std(section)
		if math.IsNaN(m) || math.IsNaN(sd) {
			return section
		}
		lo, hi = m-3*sd, m+3*sd
	}
	out := make([]float64, len(section))
	for i, x := range section {
		switch {
		case math.IsNaN(x):
			out[i] = x
		case x < lo:
			out[i] = lo
		case x > hi:
			out[i] = hi
		default:
			out[i] = x
		}
	}
	return out
}
