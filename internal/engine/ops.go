package engine

import (
	"fmt"
	"math"

	"github.com/factorlab/factorlab/internal/series"
)

// opImpl evaluates one operator call. Implementations allocate their
// outputs and never mutate argument vectors.
type opImpl func(ctx *evalContext, call *CallExpr, args []Value) (Value, error)

type opSpec struct {
	name    string
	minArgs int
	maxArgs int
	fn      opImpl
}

func (s *opSpec) arityString() string {
	if s.minArgs == s.maxArgs {
		return fmt.Sprintf("%d argument(s)", s.minArgs)
	}
	return fmt.Sprintf("%d to %d arguments", s.minArgs, s.maxArgs)
}

var ops = map[string]*opSpec{}

func register(name string, minArgs, maxArgs int, fn opImpl) {
	ops[name] = &opSpec{name: name, minArgs: minArgs, maxArgs: maxArgs, fn: fn}
}

// IsOperator reports whether name (canonical upper case) is a vocabulary
// operator.
func IsOperator(name string) bool {
	_, ok := ops[name]
	return ok
}

func init() {
	// Element-wise.
	register("IF", 3, 3, opIf)
	register("ABS", 1, 1, unaryOp(math.Abs))
	register("LOG", 1, 1, unaryOp(func(x float64) float64 {
		if x <= 0 {
			return math.NaN()
		}
		return math.Log(x)
	}))
	register("SIGN", 1, 1, unaryOp(func(x float64) float64 {
		switch {
		case math.IsNaN(x):
			return math.NaN()
		case x > 0:
			return 1
		case x < 0:
			return -1
		default:
			return 0
		}
	}))
	register("FLOOR", 1, 1, unaryOp(math.Floor))
	register("CEILING", 1, 1, unaryOp(math.Ceil))
	register("POWER", 2, 2, binaryOp(math.Pow))
	register("MIN", 2, 2, binaryOp(func(a, b float64) float64 {
		if math.IsNaN(a) || math.IsNaN(b) {
			return math.NaN()
		}
		return math.Min(a, b)
	}))
	register("MAX", 2, 2, binaryOp(func(a, b float64) float64 {
		if math.IsNaN(a) || math.IsNaN(b) {
			return math.NaN()
		}
		return math.Max(a, b)
	}))

	// Cross-sectional, grouped by date.
	register("RANK", 1, 1, opRank)
	register("SCALE", 1, 1, opScale)
}

func unaryOp(f func(float64) float64) opImpl {
	return func(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
		return mapUnary(ctx.n, args[0], f), nil
	}
}

func binaryOp(f func(a, b float64) float64) opImpl {
	return func(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
		return mapBinary(ctx.n, args[0], args[1], f), nil
	}
}

func opIf(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	cond, a, b := args[0], args[1], args[2]
	out := make([]float64, ctx.n)
	for i := 0; i < ctx.n; i++ {
		if truthy(cond.at(i)) {
			out[i] = a.at(i)
		} else {
			out[i] = b.at(i)
		}
	}
	return vectorValue(out), nil
}

// opRank ranks each date's cross-section with average tie-breaks and
// renormalizes to [-0.5, +0.5]; NaN inputs are excluded from ranking and
// emitted as 0.
func opRank(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	xs := args[0].materialize(ctx.n)
	out := ctx.perDate(xs, func(sub []float64) []float64 {
		ranks := series.Rankify(sub)
		valid := 0
		for _, r := range ranks {
			if !math.IsNaN(r) {
				valid++
			}
		}
		res := make([]float64, len(sub))
		for i, r := range ranks {
			switch {
			case math.IsNaN(r):
				res[i] = 0
			case valid <= 1:
				res[i] = 0
			default:
				res[i] = (r-1)/float64(valid-1) - 0.5
			}
		}
		return res
	})
	return vectorValue(out), nil
}

// opScale rescales each date's cross-section so the absolute values sum to
// one. NaN stays NaN; an all-zero section scales to NaN.
func opScale(ctx *evalContext, call *CallExpr, args []Value) (Value, error) {
	xs := args[0].materialize(ctx.n)
	out := ctx.perDate(xs, func(sub []float64) []float64 {
		var denom float64
		for _, x := range sub {
			if !math.IsNaN(x) {
				denom += math.Abs(x)
			}
		}
		res := make([]float64, len(sub))
		for i, x := range sub {
			if math.IsNaN(x) || denom == 0 {
				res[i] = math.NaN()
			} else {
				res[i] = x / denom
			}
		}
		return res
	})
	return vectorValue(out), nil
}
