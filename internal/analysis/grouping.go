package analysis

import (
	"fmt"
	"math"
	"sort"

	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/series"
)

// Direction states whether larger factor values are expected to earn more.
type Direction string

const (
	DirectionPositive Direction = "positive"
	DirectionNegative Direction = "negative"
)

// ParseDirection normalizes the factor_direction parameter, accepting the
// Chinese synonyms the surface allows.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "positive", "正向":
		return DirectionPositive, nil
	case "negative", "负向":
		return DirectionNegative, nil
	default:
		return "", errs.Validationf("factor_direction must be one of positive, negative, 正向, 负向; got %q", s)
	}
}

// ReturnColumn is the name of the forward-return column for cycle k.
func ReturnColumn(k int) string { return fmt.Sprintf("%dday_return", k) }

// GroupColumn holds the 1-based quantile label after AssignGroups.
const GroupColumn = "group"

// AttachForwardReturns adds the k-day forward return close[t+k]/close[t]-1
// per symbol. Rows whose window runs past the last available date get NaN.
// Offsets are in rows of the symbol's own date-ordered history, so symbols
// with gaps measure k of their own trading days.
func AttachForwardReturns(f *series.Frame, k int) error {
	if k <= 0 {
		return errs.Validationf("cycle must be a positive number of days, got %d", k)
	}
	close := f.Float("close")
	if close == nil {
		return errs.Internalf("forward returns: frame has no close column")
	}
	ret := make([]float64, f.Len())
	for i := range ret {
		ret[i] = math.NaN()
	}
	for _, g := range f.SymbolGroups() {
		for j := 0; j+k < len(g.Rows); j++ {
			cur := close[g.Rows[j]]
			fut := close[g.Rows[j+k]]
			if math.IsNaN(cur) || math.IsNaN(fut) || cur == 0 {
				continue
			}
			ret[g.Rows[j]] = fut/cur - 1
		}
	}
	return f.SetFloat(ReturnColumn(k), ret)
}

// DropInvalid removes rows whose factor or forward return is NaN. The
// evaluation window shrinks here: the trailing k dates lose all rows and
// disappear from the frame entirely.
func DropInvalid(f *series.Frame, factorCol string, k int) (*series.Frame, error) {
	xs := f.Float(factorCol)
	rs := f.Float(ReturnColumn(k))
	if xs == nil || rs == nil {
		return nil, errs.Internalf("drop invalid: missing %q or %q", factorCol, ReturnColumn(k))
	}
	out := f.FilterRows(func(i int) bool {
		return !math.IsNaN(xs[i]) && !math.IsNaN(rs[i])
	})
	if out.Len() == 0 {
		return nil, errs.NoDataf("no rows with both factor values and forward returns; the window may be shorter than the cycle")
	}
	return out, nil
}

// AssignGroups labels each row with a quantile group 1..groups per date,
// ascending in factor value. Ranking is stable (symbol order breaks
// nothing) and ties share the lower group: every row whose factor equals
// the value at a boundary falls into the boundary's lower side. Under
// DirectionNegative labels are flipped to groups+1-label so that group
// `groups` is always the conventionally best bucket.
func AssignGroups(f *series.Frame, factorCol string, groups int, dir Direction) error {
	if groups < 1 {
		return errs.Validationf("group_number must be at least 1, got %d", groups)
	}
	xs := f.Float(factorCol)
	if xs == nil {
		return errs.Internalf("grouping: frame has no column %q", factorCol)
	}
	labels := make([]float64, f.Len())
	for _, g := range f.DateGroups() {
		n := len(g.Rows)
		idx := make([]int, n)
		for k := range idx {
			idx[k] = g.Rows[k]
		}
		// Rows arrive symbol-ordered; a stable sort on value keeps that
		// order inside ties, making labels reproducible run to run.
		sort.SliceStable(idx, func(a, b int) bool { return xs[idx[a]] < xs[idx[b]] })

		runStart := 0
		for p := 0; p < n; p++ {
			if xs[idx[p]] != xs[idx[runStart]] {
				runStart = p
			}
			lbl := runStart*groups/n + 1
			if dir == DirectionNegative {
				lbl = groups + 1 - lbl
			}
			labels[idx[p]] = float64(lbl)
		}
	}
	return f.SetFloat(GroupColumn, labels)
}

// BestGroup is the conventionally best label after direction flipping.
func BestGroup(groups int) int { return groups }

// Benchmark returns the equal-weighted mean forward return per date over
// every surviving row, aligned to the frame's distinct dates.
func Benchmark(f *series.Frame, k int) (dates []string, rets []float64, err error) {
	rs := f.Float(ReturnColumn(k))
	if rs == nil {
		return nil, nil, errs.Internalf("benchmark: frame has no column %q", ReturnColumn(k))
	}
	for _, g := range f.DateGroups() {
		section := make([]float64, len(g.Rows))
		for j, r := range g.Rows {
			section[j] = rs[r]
		}
		dates = append(dates, g.Key)
		rets = append(rets, series.Mean(section))
	}
	return dates, rets, nil
}

// GroupReturns computes the equal-weighted mean forward return per date for
// one group label, aligned to the full date axis; dates where the group is
// empty get NaN.
func GroupReturns(f *series.Frame, k, label int) (dates []string, rets []float64, err error) {
	rs := f.Float(ReturnColumn(k))
	ls := f.Float(GroupColumn)
	if rs == nil || ls == nil {
		return nil, nil, errs.Internalf("group returns: missing %q or %q", ReturnColumn(k), GroupColumn)
	}
	want := float64(label)
	for _, g := range f.DateGroups() {
		var section []float64
		for _, r := range g.Rows {
			if ls[r] == want {
				section = append(section, rs[r])
			}
		}
		dates = append(dates, g.Key)
		if len(section) == 0 {
			rets = append(rets, math.NaN())
		} else {
			rets = append(rets, series.Mean(section))
		}
	}
	return dates, rets, nil
}

// GroupMembers lists the symbols of one group per date, for turnover.
func GroupMembers(f *series.Frame, label int) map[string][]string {
	ls := f.Float(GroupColumn)
	if ls == nil {
		return nil
	}
	want := float64(label)
	out := make(map[string][]string)
	for _, g := range f.DateGroups() {
		for _, r := range g.Rows {
			if ls[r] == want {
				out[g.Key] = append(out[g.Key], f.Symbol(r))
			}
		}
	}
	return out
}
