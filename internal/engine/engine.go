package engine

import (
	"errors"
	"sort"
	"strings"

	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/series"
)

// Dialect selects how factor code is compiled.
type Dialect string

const (
	// DialectFormula is a single infix expression.
	DialectFormula Dialect = "formula"
	// DialectProgram is a sequence of assignments ending in the factor
	// value (a return statement or the last statement).
	DialectProgram Dialect = "program"
)

// ParseDialect normalizes a stored code_type value.
func ParseDialect(codeType string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(codeType)) {
	case "formula":
		return DialectFormula, nil
	case "program", "class":
		return DialectProgram, nil
	default:
		return "", errs.Validationf("unknown code_type %q", codeType)
	}
}

// Compile parses and semantically checks factor code. Failures are
// validation errors carrying the offending position, suitable for
// admission-time rejection.
func Compile(code string, dialect Dialect) (*Program, error) {
	var (
		prog *Program
		perr *parseError
	)
	switch dialect {
	case DialectFormula:
		prog, perr = parseFormula(code)
	case DialectProgram:
		prog, perr = parseProgram(code)
	default:
		return nil, errs.Validationf("unknown dialect %q", dialect)
	}
	if perr != nil {
		pos := perr.pos
		return nil, &errs.Error{Kind: errs.KindValidation, Msg: perr.msg, Pos: &pos}
	}
	if err := check(prog); err != nil {
		return nil, err
	}
	return prog, nil
}

// Validate reports whether factor code is admissible: it parses, every
// reference resolves to a market column or a prior assignment, every call
// names a vocabulary operator with an acceptable argument count, and
// assignments do not shadow columns or operators.
func Validate(code string, dialect Dialect) error {
	_, err := Compile(code, dialect)
	return err
}

// check enforces the reference and call rules over a parsed program.
func check(prog *Program) error {
	assigned := map[string]bool{}
	for i := range prog.Stmts {
		stmt := &prog.Stmts[i]
		var walkErr error
		walk(stmt.X, func(e Expr) {
			if walkErr != nil {
				return
			}
			switch n := e.(type) {
			case *RefExpr:
				if assigned[n.Name] || IsColumnRef(n.Name) {
					return
				}
				if IsOperator(n.Name) {
					walkErr = validationAt(n.At, "operator %s must be called with arguments", n.Name)
					return
				}
				walkErr = validationAt(n.At, "unknown series %q", n.Name)
			case *CallExpr:
				spec, ok := ops[n.Name]
				if !ok {
					walkErr = validationAt(n.At, "unknown operator %s", n.Name)
					return
				}
				if len(n.Args) < spec.minArgs || len(n.Args) > spec.maxArgs {
					walkErr = validationAt(n.At, "%s expects %s, got %d", n.Name, spec.arityString(), len(n.Args))
				}
			}
		})
		if walkErr != nil {
			return walkErr
		}
		if stmt.Assign != "" {
			if IsColumnRef(stmt.Assign) {
				return validationAt(stmt.At, "cannot assign to market column %s", stmt.Assign)
			}
			if IsOperator(stmt.Assign) {
				return validationAt(stmt.At, "cannot assign to operator %s", stmt.Assign)
			}
			assigned[stmt.Assign] = true
		}
	}
	return nil
}

func validationAt(pos errs.Position, format string, args ...interface{}) error {
	e := errs.Validationf(format, args...)
	p := pos
	e.Pos = &p
	return e
}

// Evaluate compiles and runs factor code against a frame, returning the
// factor series aligned with the frame's rows. Runtime failures are
// computation errors carrying the source position.
func Evaluate(frame *series.Frame, code string, dialect Dialect) ([]float64, error) {
	prog, err := Compile(code, dialect)
	if err != nil {
		// Code that slipped past admission and fails to compile at run
		// time is a computation failure from the task's point of view.
		var e *errs.Error
		if errors.As(err, &e) && e.Kind == errs.KindValidation {
			return nil, &errs.Error{Kind: errs.KindComputation, Msg: e.Msg, Pos: e.Pos}
		}
		return nil, err
	}
	return Run(frame, prog)
}

// Run executes a pre-compiled program against a frame.
func Run(frame *series.Frame, prog *Program) ([]float64, error) {
	ctx := newEvalContext(frame)
	return evalProgram(ctx, prog)
}

// ReferencedColumns returns the frame columns (storage names, lower case)
// a compiled program reads, sorted. Program variables are excluded.
func ReferencedColumns(prog *Program) []string {
	assigned := map[string]bool{}
	seen := map[string]bool{}
	for i := range prog.Stmts {
		stmt := &prog.Stmts[i]
		walk(stmt.X, func(e Expr) {
			if n, ok := e.(*RefExpr); ok && !assigned[n.Name] {
				if backing, isCol := columnAliases[n.Name]; isCol {
					seen[backing] = true
				}
			}
		})
		if stmt.Assign != "" {
			assigned[stmt.Assign] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
