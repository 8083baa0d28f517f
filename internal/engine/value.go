package engine

import "math"

// Value is the result of evaluating an expression: either a scalar
// (literals and arithmetic over literals) or a vector aligned with the
// evaluation frame's rows. Vectors are shared, never mutated in place;
// operators allocate their outputs.
type Value struct {
	vec    []float64
	scalar float64
}

func scalarValue(x float64) Value       { return Value{scalar: x} }
func vectorValue(xs []float64) Value    { return Value{vec: xs} }
func (v Value) isScalar() bool          { return v.vec == nil }
func (v Value) at(i int) float64 {
	if v.vec == nil {
		return v.scalar
	}
	return v.vec[i]
}

// materialize returns the value as a row-aligned slice of length n. Scalars
// broadcast; vectors are returned as-is (callers treat them read-only).
func (v Value) materialize(n int) []float64 {
	if v.vec != nil {
		return v.vec
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = v.scalar
	}
	return out
}

func mapUnary(n int, v Value, f func(float64) float64) Value {
	if v.isScalar() {
		return scalarValue(f(v.scalar))
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = f(v.at(i))
	}
	return vectorValue(out)
}

func mapBinary(n int, a, b Value, f func(x, y float64) float64) Value {
	if a.isScalar() && b.isScalar() {
		return scalarValue(f(a.scalar, b.scalar))
	}
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = f(a.at(i), b.at(i))
	}
	return vectorValue(out)
}

// truthy treats a value as a boolean mask element: non-zero and non-NaN.
func truthy(x float64) bool {
	return !math.IsNaN(x) && x != 0
}
