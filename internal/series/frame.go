// Package series implements the columnar (date, symbol) tables the
// evaluation pipeline runs on, plus the NaN-aware math kernels used by the
// expression engine and the statistics layer.
//
// A Frame is row-aligned: Dates()[i] and Symbols()[i] key row i, and every
// column holds one value per row. Float columns use NaN for missing values;
// string columns use "". Dates are YYYYMMDD strings so lexicographic order
// is chronological order.
package series

import (
	"fmt"
	"math"
	"sort"
)

// Frame is a column-oriented table keyed by (date, symbol).
type Frame struct {
	dates   []string
	symbols []string
	floats  map[string][]float64
	strs    map[string][]string
	order   []string
}

// New returns an empty frame.
func New() *Frame {
	return &Frame{
		floats: make(map[string][]float64),
		strs:   make(map[string][]string),
	}
}

// FromColumns builds a frame from pre-aligned columns. All slices must have
// the same length as dates.
func FromColumns(dates, symbols []string, floats map[string][]float64, strs map[string][]string) (*Frame, error) {
	n := len(dates)
	if len(symbols) != n {
		return nil, fmt.Errorf("series: symbols length %d != dates length %d", len(symbols), n)
	}
	f := New()
	f.dates = append(f.dates, dates...)
	f.symbols = append(f.symbols, symbols...)
	for name, col := range floats {
		if len(col) != n {
			return nil, fmt.Errorf("series: column %q length %d != %d", name, len(col), n)
		}
		f.floats[name] = append([]float64(nil), col...)
		f.order = append(f.order, name)
	}
	for name, col := range strs {
		if len(col) != n {
			return nil, fmt.Errorf("series: column %q length %d != %d", name, len(col), n)
		}
		f.strs[name] = append([]string(nil), col...)
		f.order = append(f.order, name)
	}
	sort.Strings(f.order)
	return f, nil
}

// Len returns the row count.
func (f *Frame) Len() int { return len(f.dates) }

// Date returns the date key of row i.
func (f *Frame) Date(i int) string { return f.dates[i] }

// Symbol returns the symbol key of row i.
func (f *Frame) Symbol(i int) string { return f.symbols[i] }

// Columns returns the column names in a stable order.
func (f *Frame) Columns() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// HasFloat reports whether a float column exists.
func (f *Frame) HasFloat(name string) bool {
	_, ok := f.floats[name]
	return ok
}

// HasStr reports whether a string column exists.
func (f *Frame) HasStr(name string) bool {
	_, ok := f.strs[name]
	return ok
}

// Float returns the backing slice of a float column, or nil when absent.
// Callers must not resize it.
func (f *Frame) Float(name string) []float64 { return f.floats[name] }

// Str returns the backing slice of a string column, or nil when absent.
func (f *Frame) Str(name string) []string { return f.strs[name] }

// SetFloat installs (or replaces) a float column. The slice length must
// match the frame.
func (f *Frame) SetFloat(name string, col []float64) error {
	if len(col) != f.Len() {
		return fmt.Errorf("series: column %q length %d != frame length %d", name, len(col), f.Len())
	}
	if !f.HasFloat(name) && !f.HasStr(name) {
		f.order = append(f.order, name)
	}
	f.floats[name] = col
	return nil
}

// Rename renames a column in place. Renaming a missing column is a no-op.
func (f *Frame) Rename(old, new string) {
	if old == new {
		return
	}
	if col, ok := f.floats[old]; ok {
		delete(f.floats, old)
		f.floats[new] = col
	} else if col, ok := f.strs[old]; ok {
		delete(f.strs, old)
		f.strs[new] = col
	} else {
		return
	}
	for i, name := range f.order {
		if name == old {
			f.order[i] = new
		}
	}
}

// AppendRow appends one row. Known columns absent from the maps are padded
// with NaN / ""; new columns are backfilled for all prior rows.
func (f *Frame) AppendRow(date, symbol string, floatVals map[string]float64, strVals map[string]string) {
	n := f.Len()
	for name := range floatVals {
		if !f.HasFloat(name) {
			col := make([]float64, n)
			for i := range col {
				col[i] = math.NaN()
			}
			f.floats[name] = col
			f.order = append(f.order, name)
		}
	}
	for name := range strVals {
		if !f.HasStr(name) {
			f.strs[name] = make([]string, n)
			f.order = append(f.order, name)
		}
	}
	f.dates = append(f.dates, date)
	f.symbols = append(f.symbols, symbol)
	for name, col := range f.floats {
		v, ok := floatVals[name]
		if !ok {
			v = math.NaN()
		}
		f.floats[name] = append(col, v)
	}
	for name, col := range f.strs {
		f.strs[name] = append(col, strVals[name])
	}
}

// Concat concatenates frames row-wise. Columns are unioned; missing values
// pad with NaN / "". Nil and empty frames are skipped.
func Concat(frames ...*Frame) *Frame {
	out := New()
	total := 0
	for _, fr := range frames {
		if fr == nil {
			continue
		}
		total += fr.Len()
		for _, name := range fr.order {
			if _, ok := fr.floats[name]; ok {
				if !out.HasFloat(name) {
					out.floats[name] = nil
					out.order = append(out.order, name)
				}
			} else if !out.HasStr(name) {
				out.strs[name] = nil
				out.order = append(out.order, name)
			}
		}
	}
	out.dates = make([]string, 0, total)
	out.symbols = make([]string, 0, total)
	for _, fr := range frames {
		if fr == nil || fr.Len() == 0 {
			continue
		}
		out.dates = append(out.dates, fr.dates...)
		out.symbols = append(out.symbols, fr.symbols...)
		for name := range out.floats {
			src := fr.floats[name]
			col := out.floats[name]
			if src != nil {
				col = append(col, src...)
			} else {
				for i := 0; i < fr.Len(); i++ {
					col = append(col, math.NaN())
				}
			}
			out.floats[name] = col
		}
		for name := range out.strs {
			src := fr.strs[name]
			col := out.strs[name]
			if src != nil {
				col = append(col, src...)
			} else {
				for i := 0; i < fr.Len(); i++ {
					col = append(col, "")
				}
			}
			out.strs[name] = col
		}
	}
	return out
}

// SortByDateSymbol stably sorts rows by (date, symbol) ascending.
func (f *Frame) SortByDateSymbol() {
	idx := make([]int, f.Len())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ia, ib := idx[a], idx[b]
		if f.dates[ia] != f.dates[ib] {
			return f.dates[ia] < f.dates[ib]
		}
		return f.symbols[ia] < f.symbols[ib]
	})
	f.applyPermutation(idx)
}

func (f *Frame) applyPermutation(idx []int) {
	dates := make([]string, len(idx))
	symbols := make([]string, len(idx))
	for i, j := range idx {
		dates[i] = f.dates[j]
		symbols[i] = f.symbols[j]
	}
	f.dates, f.symbols = dates, symbols
	for name, col := range f.floats {
		next := make([]float64, len(idx))
		for i, j := range idx {
			next[i] = col[j]
		}
		f.floats[name] = next
	}
	for name, col := range f.strs {
		next := make([]string, len(idx))
		for i, j := range idx {
			next[i] = col[j]
		}
		f.strs[name] = next
	}
}

// Select returns a new frame containing the given rows, in the given order.
func (f *Frame) Select(rows []int) *Frame {
	out := New()
	out.order = append(out.order, f.order...)
	out.dates = make([]string, len(rows))
	out.symbols = make([]string, len(rows))
	for i, j := range rows {
		out.dates[i] = f.dates[j]
		out.symbols[i] = f.symbols[j]
	}
	for name, col := range f.floats {
		next := make([]float64, len(rows))
		for i, j := range rows {
			next[i] = col[j]
		}
		out.floats[name] = next
	}
	for name, col := range f.strs {
		next := make([]string, len(rows))
		for i, j := range rows {
			next[i] = col[j]
		}
		out.strs[name] = next
	}
	return out
}

// FilterRows returns a new frame with the rows keep() accepts.
func (f *Frame) FilterRows(keep func(i int) bool) *Frame {
	rows := make([]int, 0, f.Len())
	for i := 0; i < f.Len(); i++ {
		if keep(i) {
			rows = append(rows, i)
		}
	}
	return f.Select(rows)
}

// Merge inner-joins two frames on (date, symbol). Columns are unioned; when
// both sides carry a column of the same name the left side wins. Right-side
// duplicates of a key join against its first occurrence.
func Merge(left, right *Frame) *Frame {
	type key struct{ d, s string }
	ridx := make(map[key]int, right.Len())
	for j := right.Len() - 1; j >= 0; j-- {
		ridx[key{right.dates[j], right.symbols[j]}] = j
	}
	li := make([]int, 0, left.Len())
	ri := make([]int, 0, left.Len())
	for i := 0; i < left.Len(); i++ {
		if j, ok := ridx[key{left.dates[i], left.symbols[i]}]; ok {
			li = append(li, i)
			ri = append(ri, j)
		}
	}
	out := left.Select(li)
	for _, name := range right.order {
		if out.HasFloat(name) || out.HasStr(name) {
			continue
		}
		if col, ok := right.floats[name]; ok {
			next := make([]float64, len(ri))
			for i, j := range ri {
				next[i] = col[j]
			}
			out.floats[name] = next
			out.order = append(out.order, name)
		} else if col, ok := right.strs[name]; ok {
			next := make([]string, len(ri))
			for i, j := range ri {
				next[i] = col[j]
			}
			out.strs[name] = next
			out.order = append(out.order, name)
		}
	}
	return out
}

// Group is a set of row indices sharing one key.
type Group struct {
	Key  string
	Rows []int
}

// DateGroups partitions rows by date, keys ascending, rows within a date
// ordered by symbol.
func (f *Frame) DateGroups() []Group {
	return f.groupBy(f.dates, f.symbols)
}

// SymbolGroups partitions rows by symbol, keys ascending, rows within a
// symbol ordered by date. Time-series operators depend on that inner order.
func (f *Frame) SymbolGroups() []Group {
	return f.groupBy(f.symbols, f.dates)
}

func (f *Frame) groupBy(keys, inner []string) []Group {
	byKey := make(map[string][]int)
	for i := range keys {
		byKey[keys[i]] = append(byKey[keys[i]], i)
	}
	names := make([]string, 0, len(byKey))
	for k := range byKey {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]Group, 0, len(names))
	for _, k := range names {
		rows := byKey[k]
		sort.SliceStable(rows, func(a, b int) bool { return inner[rows[a]] < inner[rows[b]] })
		out = append(out, Group{Key: k, Rows: rows})
	}
	return out
}

// DistinctDates returns the sorted distinct dates in the frame.
func (f *Frame) DistinctDates() []string {
	seen := make(map[string]struct{}, len(f.dates))
	out := make([]string, 0, 16)
	for _, d := range f.dates {
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	sort.Strings(out)
	return out
}

// DistinctSymbols returns the sorted distinct symbols in the frame.
func (f *Frame) DistinctSymbols() []string {
	seen := make(map[string]struct{}, len(f.symbols))
	out := make([]string, 0, 64)
	for _, s := range f.symbols {
		if _, ok := seen[s]; !ok {
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
