package analysis

import (
	"fmt"
	"math"

	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/series"
)

// Params are the evaluation knobs that shape the bundle.
type Params struct {
	FactorCol string
	Cycle     int
	Groups    int
	Direction Direction
}

// IndicatorRow is one line of the factor_data_analysis table. The same
// indicator is reported for the IC and the rank-IC series side by side.
type IndicatorRow struct {
	Indicator string  `bson:"indicator" json:"indicator"`
	IC        float64 `bson:"ic" json:"ic"`
	RankIC    float64 `bson:"rank_ic" json:"rank_ic"`
}

// GroupRow is one line of the one_group_data table.
type GroupRow struct {
	Group            string  `bson:"group" json:"group"`
	CumulativeReturn float64 `bson:"return_ratio" json:"return_ratio"`
	AnnualReturn     float64 `bson:"annual_return" json:"annual_return"`
	AnnualVolatility float64 `bson:"annual_volatility" json:"annual_volatility"`
	Sharpe           float64 `bson:"sharpe_ratio" json:"sharpe_ratio"`
	MaxDrawdown      float64 `bson:"maximum_drawdown" json:"maximum_drawdown"`
	MonthlyWinRate   float64 `bson:"monthly_win_rate" json:"monthly_win_rate"`
	Turnover         float64 `bson:"turnover" json:"turnover"`
	ExcessReturn     float64 `bson:"excess_return" json:"excess_return"`
	ExcessDrawdown   float64 `bson:"excess_drawdown" json:"excess_drawdown"`
	ExcessWinRate    float64 `bson:"excess_win_rate" json:"excess_win_rate"`
	TrackingError    float64 `bson:"tracking_error" json:"tracking_error"`
	InfoRatio        float64 `bson:"information_ratio" json:"information_ratio"`
}

// Bundle is the complete statistics payload persisted for a finished task.
// Field names are the keys the chart query surface selects by.
type Bundle struct {
	ICSequenceChart     Chart          `bson:"ic_sequence_chart" json:"ic_sequence_chart"`
	ICDensityChart      Chart          `bson:"ic_density_chart" json:"ic_density_chart"`
	ICDecayChart        Chart          `bson:"ic_decay_chart" json:"ic_decay_chart"`
	ICSelfCorrChart     Chart          `bson:"ic_self_correlation_chart" json:"ic_self_correlation_chart"`
	RankICSequenceChart Chart          `bson:"rank_ic_sequence_chart" json:"rank_ic_sequence_chart"`
	RankICDensityChart  Chart          `bson:"rank_ic_density_chart" json:"rank_ic_density_chart"`
	RankICDecayChart    Chart          `bson:"rank_ic_decay_chart" json:"rank_ic_decay_chart"`
	RankICSelfCorrChart Chart          `bson:"rank_ic_self_correlation_chart" json:"rank_ic_self_correlation_chart"`
	ReturnChart         Chart          `bson:"return_chart" json:"return_chart"`
	SimpleReturnChart   Chart          `bson:"simple_return_chart" json:"simple_return_chart"`
	ExcessChart         Chart          `bson:"excess_chart" json:"excess_chart"`
	GroupReturnAnalysis Chart          `bson:"group_return_analysis" json:"group_return_analysis"`
	FactorDataAnalysis  []IndicatorRow `bson:"factor_data_analysis" json:"factor_data_analysis"`
	OneGroupData        []GroupRow     `bson:"one_group_data" json:"one_group_data"`
	LastDateTopFactor   []TopEntry     `bson:"last_date_top_factor" json:"last_date_top_factor"`
}

// BestRow picks the conventionally best group's row out of one_group_data:
// the highest numbered group, skipping the benchmark. Nil when empty.
func BestRow(rows []GroupRow) *GroupRow {
	var best *GroupRow
	bestN := -1
	for i := range rows {
		var n int
		if _, err := fmt.Sscanf(rows[i].Group, "group_%d", &n); err != nil {
			continue
		}
		if n > bestN {
			bestN = n
			best = &rows[i]
		}
	}
	return best
}

// indicatorNames fixes the row order of the factor_data_analysis table.
var indicatorNames = []string{
	"IC_mean", "IC_std", "IC_IR", "IC_GT0_ratio", "IC_ABS_GT002_ratio",
	"IC_skew", "IC_kurtosis", "IC_tstat",
	"IC_min", "IC_P5", "IC_P25", "IC_median", "IC_P75", "IC_P95", "IC_max",
}

func indicatorTable(ic, rank Summary) []IndicatorRow {
	pick := func(s Summary, name string) float64 {
		switch name {
		case "IC_mean":
			return s.Mean
		case "IC_std":
			return s.Std
		case "IC_IR":
			return s.IR
		case "IC_GT0_ratio":
			return s.PositiveRatio
		case "IC_ABS_GT002_ratio":
			return s.AbsGT002Ratio
		case "IC_skew":
			return s.Skew
		case "IC_kurtosis":
			return s.Kurtosis
		case "IC_tstat":
			return s.TStat
		case "IC_min":
			return s.Min
		case "IC_P5":
			return s.P5
		case "IC_P25":
			return s.P25
		case "IC_median":
			return s.Median
		case "IC_P75":
			return s.P75
		case "IC_P95":
			return s.P95
		case "IC_max":
			return s.Max
		}
		return math.NaN()
	}
	rows := make([]IndicatorRow, 0, len(indicatorNames))
	for _, name := range indicatorNames {
		rows = append(rows, IndicatorRow{
			Indicator: name,
			IC:        san(pick(ic, name)),
			RankIC:    san(pick(rank, name)),
		})
	}
	return rows
}

// san flattens non-finite metric values to zero so the tables always
// round-trip through JSON; absent performance reads as zero downstream.
func san(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}

func groupRow(name string, p GroupPerformance) GroupRow {
	return GroupRow{
		Group:            name,
		CumulativeReturn: san(p.CumulativeReturn),
		AnnualReturn:     san(p.AnnualReturn),
		AnnualVolatility: san(p.AnnualVolatility),
		Sharpe:           san(p.Sharpe),
		MaxDrawdown:      san(p.MaxDrawdown),
		MonthlyWinRate:   san(p.MonthlyWinRate),
		Turnover:         san(p.Turnover),
		ExcessReturn:     san(p.ExcessReturn),
		ExcessDrawdown:   san(p.ExcessDrawdown),
		ExcessWinRate:    san(p.ExcessWinRate),
		TrackingError:    san(p.TrackingError),
		InfoRatio:        san(p.InfoRatio),
	}
}

// BuildBundle runs the statistics stage over a grouped frame: IC series and
// summaries, decay and autocorrelation, per-group and benchmark performance,
// and the final-date top list. The frame must already carry the forward
// return and group columns for p.Cycle and have invalid rows dropped.
func BuildBundle(f *series.Frame, p Params, names map[string]string) (*Bundle, error) {
	if f.Len() == 0 {
		return nil, errs.NoDataf("statistics: empty frame")
	}
	ic, rankIC, err := ComputeIC(f, p.FactorCol, p.Cycle)
	if err != nil {
		return nil, err
	}
	icDecay, err := Decay(f, p.FactorCol, p.Cycle, DecayLags, false)
	if err != nil {
		return nil, err
	}
	rankDecay, err := Decay(f, p.FactorCol, p.Cycle, DecayLags, true)
	if err != nil {
		return nil, err
	}

	benchDates, bench, err := Benchmark(f, p.Cycle)
	if err != nil {
		return nil, err
	}
	byGroup := make(map[int][]float64, p.Groups)
	perf := make([]GroupPerformance, 0, p.Groups)
	for g := 1; g <= p.Groups; g++ {
		_, rets, err := GroupReturns(f, p.Cycle, g)
		if err != nil {
			return nil, err
		}
		byGroup[g] = rets
		perf = append(perf, MeasureGroup(g, benchDates, rets, bench, p.Cycle, GroupMembers(f, g)))
	}
	benchPerf := MeasureGroup(0, benchDates, bench, bench, p.Cycle, nil)

	best := BestGroup(p.Groups)
	b := &Bundle{
		ICSequenceChart:     SequenceChart("IC Sequence", ic),
		ICDensityChart:      DensityChart("IC Distribution", ic.Values),
		ICDecayChart:        LagChart("IC Decay", "ic_mean", icDecay),
		ICSelfCorrChart:     LagChart("IC Autocorrelation", "autocorr", AutoCorrelation(ic.Values, DecayLags)),
		RankICSequenceChart: SequenceChart("Rank IC Sequence", rankIC),
		RankICDensityChart:  DensityChart("Rank IC Distribution", rankIC.Values),
		RankICDecayChart:    LagChart("Rank IC Decay", "ic_mean", rankDecay),
		RankICSelfCorrChart: LagChart("Rank IC Autocorrelation", "autocorr", AutoCorrelation(rankIC.Values, DecayLags)),
		ReturnChart:         ReturnChart("Cumulative Return by Group", benchDates, byGroup, p.Groups, bench),
		SimpleReturnChart:   SingleReturnChart("Top Group vs Benchmark", benchDates, best, byGroup[best], bench),
		ExcessChart:         ExcessChart("Excess Return by Group", benchDates, byGroup, p.Groups, bench),
		FactorDataAnalysis:  indicatorTable(Summarize(ic.Values), Summarize(rankIC.Values)),
		LastDateTopFactor:   TopFactors(f, p.FactorCol, TopFactorCount, names),
	}
	for _, gp := range perf {
		b.OneGroupData = append(b.OneGroupData, groupRow(GroupLabel(gp.Label), gp))
	}
	b.OneGroupData = append(b.OneGroupData, groupRow(BenchmarkLabel, benchPerf))
	b.GroupReturnAnalysis = groupAnalysisChart(perf)
	return b, nil
}

// groupAnalysisChart summarizes the spread of annualized returns across
// groups as a bar chart; a monotone profile is the visual signature of a
// working factor.
func groupAnalysisChart(perf []GroupPerformance) Chart {
	labels := make([]string, len(perf))
	ann := make([]float64, len(perf))
	excess := make([]float64, len(perf))
	for i, gp := range perf {
		labels[i] = GroupLabel(gp.Label)
		ann[i] = san(gp.AnnualReturn)
		excess[i] = san(gp.ExcessAnnual)
	}
	return Chart{
		Title: "Annualized Return by Group",
		X:     []Axis{{Name: "group", Data: stringData(labels)}},
		Y: []Axis{
			{Name: "annual_return", Data: floatData(ann)},
			{Name: "excess_annual_return", Data: floatData(excess)},
		},
	}
}
