package engine

import (
	"math"

	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/series"
)

// Time-series operators run per symbol over date-ordered sub-series.
// Rolling windows are trailing; min_periods conventions follow the
// operator contracts (SUM tolerates a single value, STDDEV needs
// max(2, w/4), averaging windows need a full window).

func init() {
	register("DELAY", 2, 2, opDelay)
	register("REF", 2, 2, opDelay)
	register("RETURNS", 1, 1, opReturns)
	register("SUM", 2, 2, opSum)
	register("STDDEV", 2, 2, opStddev)
	register("TS_MEAN", 2, 2, opTsMean)
	register("MA", 2, 2, opTsMean)
	register("TS_MIN", 2, 2, rollingOp(series.Min, fullWindow))
	register("TS_MAX", 2, 2, rollingOp(series.Max, fullWindow))
	register("TS_RANK", 2, 2, opTsRank)
	register("EMA", 2, 2, opEma)
	register("WMA", 2, 2, opWma)
	register("SMA", 3, 3, opSma)
	register("DIFF", 2, 2, opDiff)
	register("DELTA", 2, 2, opDiff)
	register("CROSS", 2, 2, opCross)
	register("FILTER", 2, 2, opFilter)
	register("CORRELATION", 3, 3, opCorrelation)
	register("COVARIANCE", 3, 3, opCovariance)
	register("PRODUCT", 2, 2, rollingOp(prod, fullWindow))
	register("HIGHDAY", 2, 2, opHighday)
	register("LOWDAY", 2, 2, opLowday)
	register("COUNT", 2, 2, opCount)
}

type minPeriodsFn func(w int) int

func fullWindow(w int) int { return w }
func onePeriod(int) int    { return 1 }

func prod(valid []float64) float64 {
	out := 1.0
	for _, x := range valid {
		out *= x
	}
	return out
}

// rollingOp builds a per-symbol trailing-window operator from a reduction
// over the window's valid values.
func rollingOp(reduce func([]float64) float64, minp minPeriodsFn) opImpl {
	return func(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
		w, err := windowArg(call, args, 1)
		if err != nil {
			return Value{}, err
		}
		xs := args[0].materialize(ctx.n)
		out := ctx.perSymbol(xs, func(sub []float64) []float64 {
			return series.Rolling(sub, w, minp(w), reduce)
		})
		return vectorValue(out), nil
	}
}

func opSum(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	return rollingOp(series.Sum, onePeriod)(ctx, call, args)
}

func opTsMean(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	return rollingOp(series.Mean, fullWindow)(ctx, call, args)
}

func opStddev(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	w, err := windowArg(call, args, 1)
	if err != nil {
		return Value{}, err
	}
	minp := w / 4
	if minp < 2 {
		minp = 2
	}
	xs := args[0].materialize(ctx.n)
	out := ctx.perSymbol(xs, func(sub []float64) []float64 {
		return series.Rolling(sub, w, minp, series.Std)
	})
	return vectorValue(out), nil
}

func shift(sub []float64, n int) []float64 {
	out := make([]float64, len(sub))
	for i := range out {
		if i < n {
			out[i] = math.NaN()
		} else {
			out[i] = sub[i-n]
		}
	}
	return out
}

func opDelay(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	n, err := windowArg(call, args, 1)
	if err != nil {
		return Value{}, err
	}
	xs := args[0].materialize(ctx.n)
	out := ctx.perSymbol(xs, func(sub []float64) []float64 {
		return shift(sub, n)
	})
	return vectorValue(out), nil
}

// opReturns is the one-period simple return with the first observation
// pinned to zero.
func opReturns(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	xs := args[0].materialize(ctx.n)
	out := ctx.perSymbol(xs, func(sub []float64) []float64 {
		res := make([]float64, len(sub))
		for i := range sub {
			if i == 0 {
				res[i] = 0
				continue
			}
			prev, cur := sub[i-1], sub[i]
			if math.IsNaN(prev) || math.IsNaN(cur) || prev == 0 {
				res[i] = math.NaN()
			} else {
				res[i] = cur/prev - 1
			}
		}
		return res
	})
	return vectorValue(out), nil
}

// opTsRank emits the fractional rank (0,1] of the current value among the
// valid values of its trailing window.
func opTsRank(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	w, err := windowArg(call, args, 1)
	if err != nil {
		return Value{}, err
	}
	xs := args[0].materialize(ctx.n)
	out := ctx.perSymbol(xs, func(sub []float64) []float64 {
		return series.RollingWindow(sub, w, w, func(win []float64) float64 {
			cur := win[len(win)-1]
			if math.IsNaN(cur) {
				return math.NaN()
			}
			ranks := series.Rankify(win)
			n := series.Count(win)
			return ranks[len(win)-1] / float64(n)
		})
	})
	return vectorValue(out), nil
}

// ema is the exponential moving average with alpha=2/(w+1), seeded at the
// first valid value; NaN inputs hold the previous average.
func ema(sub []float64, w int) []float64 {
	alpha := 2.0 / (float64(w) + 1)
	out := make([]float64, len(sub))
	acc := math.NaN()
	for i, x := range sub {
		if math.IsNaN(acc) {
			acc = x
		} else if !math.IsNaN(x) {
			acc = alpha*x + (1-alpha)*acc
		}
		out[i] = acc
	}
	return out
}

func opEma(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	w, err := windowArg(call, args, 1)
	if err != nil {
		return Value{}, err
	}
	xs := args[0].materialize(ctx.n)
	out := ctx.perSymbol(xs, func(sub []float64) []float64 {
		return ema(sub, w)
	})
	return vectorValue(out), nil
}

// opWma is the linearly weighted moving average: weights 1..w, newest
// heaviest, full valid window required.
func opWma(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	w, err := windowArg(call, args, 1)
	if err != nil {
		return Value{}, err
	}
	xs := args[0].materialize(ctx.n)
	out := ctx.perSymbol(xs, func(sub []float64) []float64 {
		return series.RollingWindow(sub, w, w, func(win []float64) float64 {
			if len(win) < w {
				return math.NaN()
			}
			var num, den float64
			for i, x := range win {
				if math.IsNaN(x) {
					return math.NaN()
				}
				weight := float64(i + 1)
				num += weight * x
				den += weight
			}
			return num / den
		})
	})
	return vectorValue(out), nil
}

// wilder runs the SMA(X, w, m) recursion y = (m*x + (w-m)*y_prev) / w,
// seeded at the first valid value.
func wilder(sub []float64, w, m int) []float64 {
	out := make([]float64, len(sub))
	acc := math.NaN()
	for i, x := range sub {
		if math.IsNaN(acc) {
			acc = x
		} else if !math.IsNaN(x) {
			acc = (float64(m)*x + float64(w-m)*acc) / float64(w)
		}
		out[i] = acc
	}
	return out
}

func opSma(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	w, err := windowArg(call, args, 1)
	if err != nil {
		return Value{}, err
	}
	m, err := windowArg(call, args, 2)
	if err != nil {
		return Value{}, err
	}
	if m >= w {
		return Value{}, computationAt(call, "SMA: smoothing weight %d must be smaller than window %d", m, w)
	}
	xs := args[0].materialize(ctx.n)
	out := ctx.perSymbol(xs, func(sub []float64) []float64 {
		return wilder(sub, w, m)
	})
	return vectorValue(out), nil
}

func opDiff(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	n, err := windowArg(call, args, 1)
	if err != nil {
		return Value{}, err
	}
	xs := args[0].materialize(ctx.n)
	out := ctx.perSymbol(xs, func(sub []float64) []float64 {
		shifted := shift(sub, n)
		res := make([]float64, len(sub))
		for i := range sub {
			res[i] = sub[i] - shifted[i]
		}
		return res
	})
	return vectorValue(out), nil
}

// opCross marks the rows where a crosses above b: a was at or below b on
// the previous row and is above it now.
func opCross(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	as := args[0].materialize(ctx.n)
	bs := args[1].materialize(ctx.n)
	out := ctx.perSymbolN([][]float64{as, bs}, func(subs [][]float64) []float64 {
		a, b := subs[0], subs[1]
		res := make([]float64, len(a))
		for i := 1; i < len(a); i++ {
			if math.IsNaN(a[i-1]) || math.IsNaN(b[i-1]) || math.IsNaN(a[i]) || math.IsNaN(b[i]) {
				continue
			}
			if a[i-1] <= b[i-1] && a[i] > b[i] {
				res[i] = 1
			}
		}
		return res
	})
	return vectorValue(out), nil
}

// opFilter keeps s where cond is truthy and blanks it to NaN elsewhere.
func opFilter(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	xs := args[0]
	cond := args[1]
	out := make([]float64, ctx.n)
	for i := 0; i < ctx.n; i++ {
		if truthy(cond.at(i)) {
			out[i] = xs.at(i)
		} else {
			out[i] = math.NaN()
		}
	}
	return vectorValue(out), nil
}

func pairwiseRolling(ctx *evalContext, call *CallExpr, args []Value, f func(x, y []float64) float64) (Value, error) {
	w, err := windowArg(call, args, 2)
	if err != nil {
		return Value{}, err
	}
	as := args[0].materialize(ctx.n)
	bs := args[1].materialize(ctx.n)
	out := ctx.perSymbolN([][]float64{as, bs}, func(subs [][]float64) []float64 {
		a, b := subs[0], subs[1]
		res := make([]float64, len(a))
		for i := range a {
			lo := i - w + 1
			if lo < 0 || pairCount(a[lo:i+1], b[lo:i+1]) < w {
				res[i] = math.NaN()
				continue
			}
			res[i] = f(a[lo:i+1], b[lo:i+1])
		}
		return res
	})
	return vectorValue(out), nil
}

func pairCount(x, y []float64) int {
	n := 0
	for i := range x {
		if !math.IsNaN(x[i]) && !math.IsNaN(y[i]) {
			n++
		}
	}
	return n
}

func opCorrelation(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	return pairwiseRolling(ctx, call, args, series.Pearson)
}

func opCovariance(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	return pairwiseRolling(ctx, call, args, func(x, y []float64) float64 {
		mx, my := series.Mean(x), series.Mean(y)
		if math.IsNaN(mx) || math.IsNaN(my) {
			return math.NaN()
		}
		var s float64
		n := 0
		for i := range x {
			if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
				continue
			}
			s += (x[i] - mx) * (y[i] - my)
			n++
		}
		if n < 2 {
			return math.NaN()
		}
		return s / float64(n-1)
	})
}

func daysSince(pick func(win []float64) int) func(win []float64) float64 {
	return func(win []float64) float64 {
		idx := pick(win)
		if idx < 0 {
			return math.NaN()
		}
		return float64(len(win) - 1 - idx)
	}
}

func opHighday(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	return rollingWindowOp(ctx, call, args, daysSince(func(win []float64) int {
		best := math.Inf(-1)
		idx := -1
		for i, x := range win {
			if !math.IsNaN(x) && x >= best {
				best = x
				idx = i
			}
		}
		return idx
	}))
}

func opLowday(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	return rollingWindowOp(ctx, call, args, daysSince(func(win []float64) int {
		best := math.Inf(1)
		idx := -1
		for i, x := range win {
			if !math.IsNaN(x) && x <= best {
				best = x
				idx = i
			}
		}
		return idx
	}))
}

func rollingWindowOp(ctx *evalContext, call *CallExpr, args []Value, f func(win []float64) float64) (Value, error) {
	w, err := windowArg(call, args, 1)
	if err != nil {
		return Value{}, err
	}
	xs := args[0].materialize(ctx.n)
	out := ctx.perSymbol(xs, func(sub []float64) []float64 {
		return series.RollingWindow(sub, w, w, f)
	})
	return vectorValue(out), nil
}

// opCount counts the truthy values in the trailing window.
func opCount(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	w, err := windowArg(call, args, 1)
	if err != nil {
		return Value{}, err
	}
	xs := args[0].materialize(ctx.n)
	out := ctx.perSymbol(xs, func(sub []float64) []float64 {
		res := make([]float64, len(sub))
		for i := range sub {
			lo := i - w + 1
			if lo < 0 {
				lo = 0
			}
			cnt := 0.0
			for j := lo; j <= i; j++ {
				if truthy(sub[j]) {
					cnt++
				}
			}
			res[i] = cnt
		}
		return res
	})
	return vectorValue(out), nil
}

func computationAt(call *CallExpr, format string, args ...interface{}) error {
	return errs.Computationf(call.At, format, args...)
}
