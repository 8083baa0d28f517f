package analysis

import (
	"fmt"
	"math"

	"github.com/factorlab/factorlab/internal/series"
)

// Axis is one named data sequence of a chart. Data entries are floats or
// strings; NaN is encoded as nil so the payload survives JSON encoding.
type Axis struct {
	Name string        `bson:"name" json:"name"`
	Data []interface{} `bson:"data" json:"data"`
}

// Chart is the render-ready payload stored in the result bundle: a title
// plus named x and y sequences.
type Chart struct {
	Title string `bson:"title" json:"title"`
	X     []Axis `bson:"x" json:"x"`
	Y     []Axis `bson:"y" json:"y"`
}

func floatData(xs []float64) []interface{} {
	out := make([]interface{}, len(xs))
	for i, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			out[i] = nil
		} else {
			out[i] = x
		}
	}
	return out
}

func stringData(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func intData(n int) []interface{} {
	out := make([]interface{}, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

// SequenceChart plots an IC series against its date axis together with the
// running cumulative sum and the 10-date moving average.
func SequenceChart(title string, s ICSeries) Chart {
	return Chart{
		Title: title,
		X:     []Axis{{Name: "date", Data: stringData(s.Dates)}},
		Y: []Axis{
			{Name: "ic", Data: floatData(s.Values)},
			{Name: "ic_cumsum", Data: floatData(s.CumSum())},
			{Name: "ic_ma10", Data: floatData(s.MovingAverage())},
		},
	}
}

// DensityChart renders a 20-bin histogram of the series, normalized so the
// bar areas sum to one. A constant series collapses to a single bar.
func DensityChart(title string, values []float64) Chart {
	var valid []float64
	for _, v := range values {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	const bins = 20
	lo, hi := series.Min(valid), series.Max(valid)
	if len(valid) == 0 || math.IsNaN(lo) {
		return Chart{Title: title, X: []Axis{{Name: "ic"}}, Y: []Axis{{Name: "density"}}}
	}
	if lo == hi {
		return Chart{
			Title: title,
			X:     []Axis{{Name: "ic", Data: floatData([]float64{lo})}},
			Y:     []Axis{{Name: "density", Data: floatData([]float64{1})}},
		}
	}
	width := (hi - lo) / bins
	counts := make([]float64, bins)
	centers := make([]float64, bins)
	for i := range centers {
		centers[i] = lo + (float64(i)+0.5)*width
	}
	for _, v := range valid {
		b := int((v - lo) / width)
		if b >= bins {
			b = bins - 1
		}
		counts[b]++
	}
	total := float64(len(valid)) * width
	for i := range counts {
		counts[i] /= total
	}
	return Chart{
		Title: title,
		X:     []Axis{{Name: "ic", Data: floatData(centers)}},
		Y:     []Axis{{Name: "density", Data: floatData(counts)}},
	}
}

// LagChart is the common shape of the decay and autocorrelation charts:
// one value per lag 1..n.
func LagChart(title, name string, values []float64) Chart {
	return Chart{
		Title: title,
		X:     []Axis{{Name: "lag", Data: intData(len(values))}},
		Y:     []Axis{{Name: name, Data: floatData(values)}},
	}
}

// GroupLabel renders a group number the way the bundle names series.
func GroupLabel(label int) string { return fmt.Sprintf("group_%d", label) }

// BenchmarkLabel names the benchmark series in charts and tables.
const BenchmarkLabel = "benchmark"

// ReturnChart plots cumulative return curves per group plus the benchmark,
// all on the shared date axis.
func ReturnChart(title string, dates []string, byGroup map[int][]float64, groups int, bench []float64) Chart {
	c := Chart{
		Title: title,
		X:     []Axis{{Name: "date", Data: stringData(dates)}},
	}
	for g := 1; g <= groups; g++ {
		c.Y = append(c.Y, Axis{Name: GroupLabel(g), Data: floatData(series.CumulativeReturn(byGroup[g]))})
	}
	c.Y = append(c.Y, Axis{Name: BenchmarkLabel, Data: floatData(series.CumulativeReturn(bench))})
	return c
}

// SingleReturnChart plots one group's cumulative curve next to the
// benchmark's.
func SingleReturnChart(title string, dates []string, label int, rets, bench []float64) Chart {
	return Chart{
		Title: title,
		X:     []Axis{{Name: "date", Data: stringData(dates)}},
		Y: []Axis{
			{Name: GroupLabel(label), Data: floatData(series.CumulativeReturn(rets))},
			{Name: BenchmarkLabel, Data: floatData(series.CumulativeReturn(bench))},
		},
	}
}

// ExcessChart plots each group's cumulative return over the benchmark.
func ExcessChart(title string, dates []string, byGroup map[int][]float64, groups int, bench []float64) Chart {
	c := Chart{
		Title: title,
		X:     []Axis{{Name: "date", Data: stringData(dates)}},
	}
	for g := 1; g <= groups; g++ {
		rets := byGroup[g]
		excess := make([]float64, len(rets))
		for i := range rets {
			excess[i] = rets[i] - bench[i]
		}
		c.Y = append(c.Y, Axis{Name: GroupLabel(g), Data: floatData(series.CumulativeReturn(excess))})
	}
	return c
}
