package engine

import "github.com/factorlab/factorlab/internal/errs"

// Expr is any expression node. Every node remembers where it came from so
// failures can point at the offending source.
type Expr interface {
	Pos() errs.Position
}

// NumberExpr is a float literal.
type NumberExpr struct {
	Value float64
	At    errs.Position
}

func (e *NumberExpr) Pos() errs.Position { return e.At }

// RefExpr references a market column or a program variable; Name is
// canonicalized to upper case.
type RefExpr struct {
	Name string
	At   errs.Position
}

func (e *RefExpr) Pos() errs.Position { return e.At }

// UnaryExpr is unary minus.
type UnaryExpr struct {
	X  Expr
	At errs.Position
}

func (e *UnaryExpr) Pos() errs.Position { return e.At }

// BinaryExpr covers arithmetic and comparisons; comparisons evaluate to
// 0/1 series.
type BinaryExpr struct {
	Op tokKind
	X  Expr
	Y  Expr
	At errs.Position
}

func (e *BinaryExpr) Pos() errs.Position { return e.At }

// CallExpr invokes a vocabulary operator; Name is canonicalized to upper
// case.
type CallExpr struct {
	Name string
	Args []Expr
	At   errs.Position
}

func (e *CallExpr) Pos() errs.Position { return e.At }

// Stmt is one program statement: an assignment, a return, or a bare
// expression.
type Stmt struct {
	Assign string // "" unless an assignment
	Return bool
	X      Expr
	At     errs.Position
}

// Program is a compiled factor definition: zero or more statements and the
// expression whose value is the factor series. The formula dialect compiles
// to a Program with a single bare statement.
type Program struct {
	Stmts []Stmt
}

// walk visits e and all children, depth first.
func walk(e Expr, visit func(Expr)) {
	if e == nil {
		return
	}
	visit(e)
	switch n := e.(type) {
	case *UnaryExpr:
		walk(n.X, visit)
	case *BinaryExpr:
		walk(n.X, visit)
		walk(n.Y, visit)
	case *CallExpr:
		for _, a := range n.Args {
			walk(a, visit)
		}
	}
}
