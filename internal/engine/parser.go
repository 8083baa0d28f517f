package engine

import "strings"

// parser is a recursive-descent parser with precedence climbing. Grammar,
// loosest first: comparison, additive, multiplicative, unary minus, power
// (right associative), primary.
type parser struct {
	toks []token
	pos  int
}

// newParser tokenizes src. The formula dialect has no statements, so it
// drops newline tokens entirely and multi-line formulas just work; the
// program dialect keeps them as statement separators.
func newParser(src string, dropNewlines bool) (*parser, *parseError) {
	toks, err := newLexer(src).scan()
	if err != nil {
		return nil, err
	}
	if dropNewlines {
		kept := toks[:0]
		for _, t := range toks {
			if t.kind != tokNewline {
				kept = append(kept, t)
			}
		}
		toks = kept
	}
	return &parser{toks: toks}, nil
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) skipNewlines() {
	for p.cur().kind == tokNewline {
		p.pos++
	}
}

func (p *parser) expect(kind tokKind) (token, *parseError) {
	t := p.cur()
	if t.kind != kind {
		return t, errAt(t.line, t.col, t.text, "expected %s, found %s", kind, describe(t))
	}
	p.pos++
	return t, nil
}

func describe(t token) string {
	if t.kind == tokEOF {
		return "end of input"
	}
	if t.kind == tokNewline {
		return "end of statement"
	}
	return "'" + t.text + "'"
}

// parseFormula compiles the formula dialect: exactly one expression.
func parseFormula(src string) (*Program, *parseError) {
	p, err := newParser(src, true)
	if err != nil {
		return nil, err
	}
	p.skipNewlines()
	x, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	p.skipNewlines()
	if t := p.cur(); t.kind != tokEOF {
		return nil, errAt(t.line, t.col, t.text, "unexpected %s after expression", describe(t))
	}
	return &Program{Stmts: []Stmt{{X: x, At: x.Pos()}}}, nil
}

// parseProgram compiles the program dialect: newline/';'-separated
// statements `name = expr`, optionally finishing with `return expr` (or a
// bare expression). The program's value is the return expression when
// present, otherwise the value of the last statement.
func parseProgram(src string) (*Program, *parseError) {
	p, err := newParser(src, false)
	if err != nil {
		return nil, err
	}
	prog := &Program{}
	sawReturn := false
	for {
		p.skipNewlines()
		t := p.cur()
		if t.kind == tokEOF {
			break
		}
		if sawReturn {
			return nil, errAt(t.line, t.col, t.text, "statement after return")
		}
		stmt, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		sawReturn = stmt.Return
		prog.Stmts = append(prog.Stmts, stmt)
		t = p.cur()
		if t.kind == tokEOF {
			break
		}
		if t.kind != tokNewline {
			return nil, errAt(t.line, t.col, t.text, "expected end of statement, found %s", describe(t))
		}
	}
	if len(prog.Stmts) == 0 {
		return nil, errAt(1, 1, "", "empty program")
	}
	return prog, nil
}

func (p *parser) parseStmt() (Stmt, *parseError) {
	t := p.cur()
	if t.kind == tokReturn {
		p.pos++
		x, err := p.parseExpr()
		if err != nil {
			return Stmt{}, err
		}
		return Stmt{Return: true, X: x, At: t.pos()}, nil
	}
	// Assignment: IDENT '=' expr (but not IDENT '==').
	if t.kind == tokIdent && p.toks[p.pos+1].kind == tokAssign {
		p.pos += 2
		x, err := p.parseExpr()
		if err != nil {
			return Stmt{}, err
		}
		return Stmt{Assign: strings.ToUpper(t.text), X: x, At: t.pos()}, nil
	}
	x, err := p.parseExpr()
	if err != nil {
		return Stmt{}, err
	}
	return Stmt{X: x, At: x.Pos()}, nil
}

func (p *parser) parseExpr() (Expr, *parseError) {
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, *parseError) {
	x, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		t := p.cur()
		switch t.kind {
		case tokEQ, tokNE, tokLT, tokLE, tokGT, tokGE:
			p.pos++
			y, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			x = &BinaryExpr{Op: t.kind, X: x, Y: y, At: t.pos()}
		default:
			return x, nil
		}
	}
}

func (p *parser) parseAdditive() (Expr, *parseError) {
	x, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		t := p.cur()
		if t.kind != tokPlus && t.kind != tokMinus {
			return x, nil
		}
		p.pos++
		y, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{Op: t.kind, X: x, Y: y, At: t.pos()}
	}
}

func (p *parser) parseMultiplicative() (Expr, *parseError) {
	x, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.cur()
		if t.kind != tokStar && t.kind != tokSlash {
			return x, nil
		}
		p.pos++
		y, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		x = &BinaryExpr{Op: t.kind, X: x, Y: y, At: t.pos()}
	}
}

func (p *parser) parseUnary() (Expr, *parseError) {
	t := p.cur()
	if t.kind == tokMinus {
		p.pos++
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{X: x, At: t.pos()}, nil
	}
	if t.kind == tokPlus {
		p.pos++
		return p.parseUnary()
	}
	return p.parsePower()
}

func (p *parser) parsePower() (Expr, *parseError) {
	x, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	t := p.cur()
	if t.kind != tokCaret {
		return x, nil
	}
	p.pos++
	// Right associative: 2^3^2 == 2^(3^2).
	y, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	return &BinaryExpr{Op: tokCaret, X: x, Y: y, At: t.pos()}, nil
}

func (p *parser) parsePrimary() (Expr, *parseError) {
	t := p.cur()
	switch t.kind {
	case tokNumber:
		p.pos++
		return &NumberExpr{Value: t.num, At: t.pos()}, nil
	case tokIdent:
		p.pos++
		name := strings.ToUpper(t.text)
		if p.cur().kind != tokLParen {
			return &RefExpr{Name: name, At: t.pos()}, nil
		}
		p.pos++ // consume '('
		call := &CallExpr{Name: name, At: t.pos()}
		p.skipNewlines()
		if p.cur().kind == tokRParen {
			p.pos++
			return call, nil
		}
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, arg)
			p.skipNewlines()
			switch p.cur().kind {
			case tokComma:
				p.pos++
				p.skipNewlines()
			case tokRParen:
				p.pos++
				return call, nil
			default:
				u := p.cur()
				return nil, errAt(u.line, u.col, u.text, "expected ',' or ')' in %s(...) arguments, found %s", call.Name, describe(u))
			}
		}
	case tokLParen:
		p.pos++
		p.skipNewlines()
		x, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skipNewlines()
		if _, err := p.expect(tokRParen); err != nil {
			return nil, err
		}
		return x, nil
	default:
		return nil, errAt(t.line, t.col, t.text, "expected expression, found %s", describe(t))
	}
}
