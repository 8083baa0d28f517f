package engine

import (
	"math"

	"github.com/factorlab/factorlab/internal/errs"
)

func evalProgram(ctx *evalContext, prog *Program) ([]float64, error) {
	var last Value
	for i := range prog.Stmts {
		stmt := &prog.Stmts[i]
		v, err := evalExpr(ctx, stmt.X)
		if err != nil {
			return nil, err
		}
		if stmt.Assign != "" {
			ctx.vars[stmt.Assign] = v.materialize(ctx.n)
		}
		last = v
		if stmt.Return {
			break
		}
	}
	out := last.materialize(ctx.n)
	// Non-finite results never leave the engine; downstream statistics
	// treat them as missing.
	cleaned := make([]float64, len(out))
	for i, x := range out {
		if math.IsInf(x, 0) {
			cleaned[i] = math.NaN()
		} else {
			cleaned[i] = x
		}
	}
	return cleaned, nil
}

func evalExpr(ctx *evalContext, e Expr) (Value, error) {
	switch n := e.(type) {
	case *NumberExpr:
		return scalarValue(n.Value), nil

	case *RefExpr:
		col, ok := ctx.resolve(n.Name)
		if !ok {
			return Value{}, errs.Computationf(n.At, "series %q is not available", n.Name)
		}
		return vectorValue(col), nil

	case *UnaryExpr:
		x, err := evalExpr(ctx, n.X)
		if err != nil {
			return Value{}, err
		}
		return mapUnary(ctx.n, x, func(v float64) float64 { return -v }), nil

	case *BinaryExpr:
		x, err := evalExpr(ctx, n.X)
		if err != nil {
			return Value{}, err
		}
		y, err := evalExpr(ctx, n.Y)
		if err != nil {
			return Value{}, err
		}
		return evalBinary(ctx, n, x, y)

	case *CallExpr:
		spec, ok := ops[n.Name]
		if !ok {
			return Value{}, errs.Computationf(n.At, "unknown operator %s", n.Name)
		}
		if len(n.Args) < spec.minArgs || len(n.Args) > spec.maxArgs {
			return Value{}, errs.Computationf(n.At, "%s expects %s, got %d", n.Name, spec.arityString(), len(n.Args))
		}
		args := make([]Value, len(n.Args))
		for i, a := range n.Args {
			v, err := evalExpr(ctx, a)
			if err != nil {
				return Value{}, err
			}
			args[i] = v
		}
		return spec.fn(ctx, n, args)
	}
	return Value{}, errs.Computationf(e.Pos(), "unsupported expression")
}

func evalBinary(ctx *evalContext, n *BinaryExpr, x, y Value) (Value, error) {
	switch n.Op {
	case tokPlus:
		return mapBinary(ctx.n, x, y, func(a, b float64) float64 { return a + b }), nil
	case tokMinus:
		return mapBinary(ctx.n, x, y, func(a, b float64) float64 { return a - b }), nil
	case tokStar:
		return mapBinary(ctx.n, x, y, func(a, b float64) float64 { return a * b }), nil
	case tokSlash:
		return mapBinary(ctx.n, x, y, func(a, b float64) float64 {
			if b == 0 {
				return math.NaN()
			}
			return a / b
		}), nil
	case tokCaret:
		return mapBinary(ctx.n, x, y, math.Pow), nil
	case tokEQ:
		return compare(ctx.n, x, y, func(a, b float64) bool { return a == b }), nil
	case tokNE:
		return compare(ctx.n, x, y, func(a, b float64) bool { return a != b }), nil
	case tokLT:
		return compare(ctx.n, x, y, func(a, b float64) bool { return a < b }), nil
	case tokLE:
		return compare(ctx.n, x, y, func(a, b float64) bool { return a <= b }), nil
	case tokGT:
		return compare(ctx.n, x, y, func(a, b float64) bool { return a > b }), nil
	case tokGE:
		return compare(ctx.n, x, y, func(a, b float64) bool { return a >= b }), nil
	}
	return Value{}, errs.Computationf(n.At, "unsupported operator")
}

// compare yields a 0/1 mask; comparisons against NaN are false.
func compare(n int, x, y Value, f func(a, b float64) bool) Value {
	return mapBinary(n, x, y, func(a, b float64) float64 {
		if math.IsNaN(a) || math.IsNaN(b) {
			return 0
		}
		if f(a, b) {
			return 1
		}
		return 0
	})
}

// windowArg extracts a positive integer window from a call argument.
func windowArg(call *CallExpr, args []Value, idx int) (int, error) {
	v := args[idx]
	if !v.isScalar() {
		return 0, errs.Computationf(call.Args[idx].Pos(), "%s: argument %d must be a constant", call.Name, idx+1)
	}
	w := int(v.scalar)
	if float64(w) != v.scalar || w <= 0 {
		return 0, errs.Computationf(call.Args[idx].Pos(), "%s: argument %d must be a positive integer, got %v", call.Name, idx+1, v.scalar)
	}
	return w, nil
}

// optWindowArg is windowArg with a default for trailing optional arguments.
func optWindowArg(call *CallExpr, args []Value, idx, def int) (int, error) {
	if idx >= len(args) {
		return def, nil
	}
	return windowArg(call, args, idx)
}
