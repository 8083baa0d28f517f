package engine

import (
	"strings"

	"github.com/factorlab/factorlab/internal/series"
)

// columnAliases maps the canonical reference names user code may use to
// the frame column that backs them. Frames may carry more float columns
// (base factors); those are referenceable by their upper-cased name.
var columnAliases = map[string]string{
	"OPEN":       "open",
	"CLOSE":      "close",
	"HIGH":       "high",
	"LOW":        "low",
	"VOLUME":     "volume",
	"AMOUNT":     "amount",
	"TURNOVER":   "turnover",
	"MARKET_CAP": "market_cap",
	"PRE_CLOSE":  "pre_close",
}

// IsColumnRef reports whether name (canonical upper case) is one of the
// standard market column references accepted at validation time.
func IsColumnRef(name string) bool {
	_, ok := columnAliases[name]
	return ok
}

// evalContext carries the evaluation frame, program variables, and the
// lazily-built row groupings the cross-sectional and time-series operators
// run over.
type evalContext struct {
	frame *series.Frame
	n     int
	vars  map[string][]float64
	dg    []series.Group
	sg    []series.Group
}

func newEvalContext(frame *series.Frame) *evalContext {
	return &evalContext{
		frame: frame,
		n:     frame.Len(),
		vars:  make(map[string][]float64),
	}
}

func (c *evalContext) dateGroups() []series.Group {
	if c.dg == nil {
		c.dg = c.frame.DateGroups()
	}
	return c.dg
}

func (c *evalContext) symbolGroups() []series.Group {
	if c.sg == nil {
		c.sg = c.frame.SymbolGroups()
	}
	return c.sg
}

// resolve finds a named series: program variables first, then standard
// column aliases, then any frame column by lower-cased name.
func (c *evalContext) resolve(name string) ([]float64, bool) {
	if col, ok := c.vars[name]; ok {
		return col, true
	}
	if backing, ok := columnAliases[name]; ok {
		if col := c.frame.Float(backing); col != nil {
			return col, true
		}
		return nil, false
	}
	if col := c.frame.Float(strings.ToLower(name)); col != nil {
		return col, true
	}
	return nil, false
}

// perSymbol applies f to each symbol's date-ordered sub-series and
// scatters the results back to row order.
func (c *evalContext) perSymbol(xs []float64, f func(sub []float64) []float64) []float64 {
	out := make([]float64, c.n)
	for _, g := range c.symbolGroups() {
		sub := make([]float64, len(g.Rows))
		for k, r := range g.Rows {
			sub[k] = xs[r]
		}
		res := f(sub)
		for k, r := range g.Rows {
			out[r] = res[k]
		}
	}
	return out
}

// perSymbolN is perSymbol over multiple aligned inputs.
func (c *evalContext) perSymbolN(inputs [][]float64, f func(subs [][]float64) []float64) []float64 {
	out := make([]float64, c.n)
	for _, g := range c.symbolGroups() {
		subs := make([][]float64, len(inputs))
		for si, in := range inputs {
			sub := make([]float64, len(g.Rows))
			for k, r := range g.Rows {
				sub[k] = in[r]
			}
			subs[si] = sub
		}
		res := f(subs)
		for k, r := range g.Rows {
			out[r] = res[k]
		}
	}
	return out
}

// perDate applies f to each date's symbol-ordered cross-section.
func (c *evalContext) perDate(xs []float64, f func(sub []float64) []float64) []float64 {
	out := make([]float64, c.n)
	for _, g := range c.dateGroups() {
		sub := make([]float64, len(g.Rows))
		for k, r := range g.Rows {
			sub[k] = xs[r]
		}
		res := f(sub)
		for k, r := range g.Rows {
			out[r] = res[k]
		}
	}
	return out
}
