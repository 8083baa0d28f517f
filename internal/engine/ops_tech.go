package engine

import (
	"math"

	"github.com/factorlab/factorlab/internal/series"
)

// Technical bundles compose the primitive time-series operators. Window
// arguments are optional and default to the conventional settings.

func init() {
	register("MACD", 1, 4, opMacd)
	register("KDJ", 3, 6, opKdj)
	register("RSI", 1, 2, opRsi)
	register("BOLL", 1, 3, opBoll)
	register("CCI", 3, 4, opCci)
	register("ATR", 3, 4, opAtr)
}

// opMacd returns the MACD histogram 2*(DIF-DEA) where DIF is the fast/slow
// EMA spread and DEA its signal EMA.
func opMacd(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	fast, err := optWindowArg(call, args, 1, 12)
	if err != nil {
		return Value{}, err
	}
	slow, err := optWindowArg(call, args, 2, 26)
	if err != nil {
		return Value{}, err
	}
	signal, err := optWindowArg(call, args, 3, 9)
	if err != nil {
		return Value{}, err
	}
	xs := args[0].materialize(ctx.n)
	out := ctx.perSymbol(xs, func(sub []float64) []float64 {
		ef := ema(sub, fast)
		es := ema(sub, slow)
		dif := make([]float64, len(sub))
		for i := range dif {
			dif[i] = ef[i] - es[i]
		}
		dea := ema(dif, signal)
		res := make([]float64, len(sub))
		for i := range res {
			res[i] = 2 * (dif[i] - dea[i])
		}
		return res
	})
	return vectorValue(out), nil
}

// opKdj returns the K line of the stochastic oscillator: the Wilder
// smoothing of RSV = 100*(close-LLV)/(HHV-LLV).
func opKdj(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	n, err := optWindowArg(call, args, 3, 9)
	if err != nil {
		return Value{}, err
	}
	m1, err := optWindowArg(call, args, 4, 3)
	if err != nil {
		return Value{}, err
	}
	if _, err := optWindowArg(call, args, 5, 3); err != nil {
		return Value{}, err
	}
	high := args[0].materialize(ctx.n)
	low := args[1].materialize(ctx.n)
	closeC := args[2].materialize(ctx.n)
	out := ctx.perSymbolN([][]float64{high, low, closeC}, func(subs [][]float64) []float64 {
		h, l, c := subs[0], subs[1], subs[2]
		hh := series.Rolling(h, n, 1, series.Max)
		ll := series.Rolling(l, n, 1, series.Min)
		rsv := make([]float64, len(c))
		for i := range rsv {
			den := hh[i] - ll[i]
			if math.IsNaN(c[i]) || math.IsNaN(den) || den == 0 {
				rsv[i] = math.NaN()
			} else {
				rsv[i] = 100 * (c[i] - ll[i]) / den
			}
		}
		return wilder(rsv, m1, 1)
	})
	return vectorValue(out), nil
}

// opRsi is the Wilder RSI: 100 * SMA(gains,n,1) / (SMA(gains,n,1) +
// SMA(losses,n,1)).
func opRsi(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	n, err := optWindowArg(call, args, 1, 14)
	if err != nil {
		return Value{}, err
	}
	xs := args[0].materialize(ctx.n)
	out := ctx.perSymbol(xs, func(sub []float64) []float64 {
		gains := make([]float64, len(sub))
		losses := make([]float64, len(sub))
		for i := range sub {
			if i == 0 || math.IsNaN(sub[i]) || math.IsNaN(sub[i-1]) {
				gains[i] = math.NaN()
				losses[i] = math.NaN()
				continue
			}
			d := sub[i] - sub[i-1]
			gains[i] = math.Max(d, 0)
			losses[i] = math.Max(-d, 0)
		}
		up := wilder(gains, n, 1)
		down := wilder(losses, n, 1)
		res := make([]float64, len(sub))
		for i := range res {
			den := up[i] + down[i]
			if math.IsNaN(den) || den == 0 {
				res[i] = math.NaN()
			} else {
				res[i] = 100 * up[i] / den
			}
		}
		return res
	})
	return vectorValue(out), nil
}

// opBoll returns %B, the close's position inside the n-period, k-sigma
// Bollinger band.
func opBoll(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	n, err := optWindowArg(call, args, 1, 20)
	if err != nil {
		return Value{}, err
	}
	k, err := optWindowArg(call, args, 2, 2)
	if err != nil {
		return Value{}, err
	}
	xs := args[0].materialize(ctx.n)
	out := ctx.perSymbol(xs, func(sub []float64) []float64 {
		mid := series.Rolling(sub, n, n, series.Mean)
		sd := series.Rolling(sub, n, n, series.Std)
		res := make([]float64, len(sub))
		for i := range res {
			width := 2 * float64(k) * sd[i]
			if math.IsNaN(sub[i]) || math.IsNaN(mid[i]) || math.IsNaN(width) || width == 0 {
				res[i] = math.NaN()
				continue
			}
			lower := mid[i] - float64(k)*sd[i]
			res[i] = (sub[i] - lower) / width
		}
		return res
	})
	return vectorValue(out), nil
}

// opCci is the commodity channel index over the typical price.
func opCci(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	n, err := optWindowArg(call, args, 3, 14)
	if err != nil {
		return Value{}, err
	}
	high := args[0].materialize(ctx.n)
	low := args[1].materialize(ctx.n)
	closeC := args[2].materialize(ctx.n)
	out := ctx.perSymbolN([][]float64{high, low, closeC}, func(subs [][]float64) []float64 {
		h, l, c := subs[0], subs[1], subs[2]
		tp := make([]float64, len(c))
		for i := range tp {
			tp[i] = (h[i] + l[i] + c[i]) / 3
		}
		res := series.RollingWindow(tp, n, n, func(win []float64) float64 {
			m := series.Mean(win)
			var dev float64
			cnt := 0
			for _, x := range win {
				if !math.IsNaN(x) {
					dev += math.Abs(x - m)
					cnt++
				}
			}
			if cnt == 0 {
				return math.NaN()
			}
			md := dev / float64(cnt)
			cur := win[len(win)-1]
			if math.IsNaN(cur) || md == 0 {
				return math.NaN()
			}
			return (cur - m) / (0.015 * md)
		})
		return res
	})
	return vectorValue(out), nil
}

// opAtr is the Wilder-smoothed average true range.
func opAtr(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	n, err := optWindowArg(call, args, 3, 14)
	if err != nil {
		return Value{}, err
	}
	high := args[0].materialize(ctx.n)
	low := args[1].materialize(ctx.n)
	closeC := args[2].materialize(ctx.n)
	out := ctx.perSymbolN([][]float64{high, low, closeC}, func(subs [][]float64) []float64 {
		h, l, c := subs[0], subs[1], subs[2]
		tr := make([]float64, len(c))
		for i := range tr {
			hl := h[i] - l[i]
			if i == 0 {
				tr[i] = hl
				continue
			}
			prev := c[i-1]
			if math.IsNaN(prev) {
				tr[i] = hl
				continue
			}
			tr[i] = math.Max(hl, math.Max(math.Abs(h[i]-prev), math.Abs(l[i]-prev)))
		}
		return wilder(tr, n, 1)
	})
	return vectorValue(out), nil
}
