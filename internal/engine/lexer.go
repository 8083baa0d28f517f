// Package engine evaluates user-supplied factor definitions over a columnar
// market frame. Two dialects are supported: a single infix formula, and a
// small assignment-statement program. Both compile to the same AST and run
// against the operator vocabulary in ops.go; the only observable inputs are
// the named market columns and prior assignments, so user code cannot reach
// the filesystem, network, or process state.
package engine

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/factorlab/factorlab/internal/errs"
)

type tokKind int

const (
	tokEOF tokKind = iota
	tokNewline
	tokNumber
	tokIdent
	tokReturn
	tokPlus
	tokMinus
	tokStar
	tokSlash
	tokCaret
	tokLParen
	tokRParen
	tokComma
	tokAssign
	tokEQ
	tokNE
	tokLT
	tokLE
	tokGT
	tokGE
)

func (k tokKind) String() string {
	switch k {
	case tokEOF:
		return "end of input"
	case tokNewline:
		return "newline"
	case tokNumber:
		return "number"
	case tokIdent:
		return "identifier"
	case tokReturn:
		return "return"
	case tokPlus:
		return "'+'"
	case tokMinus:
		return "'-'"
	case tokStar:
		return "'*'"
	case tokSlash:
		return "'/'"
	case tokCaret:
		return "'^'"
	case tokLParen:
		return "'('"
	case tokRParen:
		return "')'"
	case tokComma:
		return "','"
	case tokAssign:
		return "'='"
	case tokEQ:
		return "'=='"
	case tokNE:
		return "'!='"
	case tokLT:
		return "'<'"
	case tokLE:
		return "'<='"
	case tokGT:
		return "'>'"
	case tokGE:
		return "'>='"
	}
	return "token"
}

type token struct {
	kind tokKind
	text string
	num  float64
	line int
	col  int
}

func (t token) pos() errs.Position {
	return errs.Position{Line: t.line, Column: t.col, Context: t.text}
}

// parseError is the internal parse/scan failure; the public entry points
// convert it to a Validation or Computation error depending on when the
// code is being compiled.
type parseError struct {
	msg string
	pos errs.Position
}

func (e *parseError) Error() string {
	return fmt.Sprintf("%s (%s)", e.msg, e.pos)
}

func errAt(line, col int, context, format string, args ...interface{}) *parseError {
	return &parseError{
		msg: fmt.Sprintf(format, args...),
		pos: errs.Position{Line: line, Column: col, Context: context},
	}
}

type lexer struct {
	src  string
	off  int
	line int
	col  int
}

func newLexer(src string) *lexer {
	return &lexer{src: src, line: 1, col: 1}
}

func (lx *lexer) peekByte() byte {
	if lx.off >= len(lx.src) {
		return 0
	}
	return lx.src[lx.off]
}

func (lx *lexer) advance() byte {
	c := lx.src[lx.off]
	lx.off++
	if c == '\n' {
		lx.line++
		lx.col = 1
	} else {
		lx.col++
	}
	return c
}

// scan tokenizes the whole input. Newlines are kept as tokens because the
// program dialect uses them as statement separators; '#' starts a comment
// running to end of line.
func (lx *lexer) scan() ([]token, *parseError) {
	var toks []token
	for lx.off < len(lx.src) {
		c := lx.peekByte()
		line, col := lx.line, lx.col
		switch {
		case c == ' ' || c == '\t' || c == '\r':
			lx.advance()
		case c == '#':
			for lx.off < len(lx.src) && lx.peekByte() != '\n' {
				lx.advance()
			}
		case c == '\n':
			lx.advance()
			toks = append(toks, token{kind: tokNewline, text: "\\n", line: line, col: col})
		case c == ';':
			lx.advance()
			toks = append(toks, token{kind: tokNewline, text: ";", line: line, col: col})
		case c >= '0' && c <= '9' || c == '.':
			tok, err := lx.scanNumber(line, col)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
		case isIdentStart(c):
			start := lx.off
			for lx.off < len(lx.src) && isIdentPart(lx.peekByte()) {
				lx.advance()
			}
			text := lx.src[start:lx.off]
			kind := tokIdent
			if strings.EqualFold(text, "return") {
				kind = tokReturn
			}
			toks = append(toks, token{kind: kind, text: text, line: line, col: col})
		default:
			tok, err := lx.scanOperator(line, col)
			if err != nil {
				return nil, err
			}
			toks = append(toks, tok)
		}
	}
	toks = append(toks, token{kind: tokEOF, text: "", line: lx.line, col: lx.col})
	return toks, nil
}

func (lx *lexer) scanNumber(line, col int) (token, *parseError) {
	start := lx.off
	seenDot := false
	for lx.off < len(lx.src) {
		c := lx.peekByte()
		if c >= '0' && c <= '9' {
			lx.advance()
			continue
		}
		if c == '.' && !seenDot {
			seenDot = true
			lx.advance()
			continue
		}
		if (c == 'e' || c == 'E') && lx.off > start {
			// exponent: e[+-]?digits
			saveOff, saveCol := lx.off, lx.col
			lx.advance()
			if lx.peekByte() == '+' || lx.peekByte() == '-' {
				lx.advance()
			}
			if d := lx.peekByte(); d < '0' || d > '9' {
				lx.off, lx.col = saveOff, saveCol
				break
			}
			for lx.off < len(lx.src) {
				if d := lx.peekByte(); d >= '0' && d <= '9' {
					lx.advance()
				} else {
					break
				}
			}
		}
		break
	}
	text := lx.src[start:lx.off]
	num, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, errAt(line, col, text, "invalid number %q", text)
	}
	return token{kind: tokNumber, text: text, num: num, line: line, col: col}, nil
}

func (lx *lexer) scanOperator(line, col int) (token, *parseError) {
	c := lx.advance()
	mk := func(kind tokKind, text string) token {
		return token{kind: kind, text: text, line: line, col: col}
	}
	switch c {
	case '+':
		return mk(tokPlus, "+"), nil
	case '-':
		return mk(tokMinus, "-"), nil
	case '*':
		return mk(tokStar, "*"), nil
	case '/':
		return mk(tokSlash, "/"), nil
	case '^':
		return mk(tokCaret, "^"), nil
	case '(':
		return mk(tokLParen, "("), nil
	case ')':
		return mk(tokRParen, ")"), nil
	case ',':
		return mk(tokComma, ","), nil
	case '=':
		if lx.peekByte() == '=' {
			lx.advance()
			return mk(tokEQ, "=="), nil
		}
		return mk(tokAssign, "="), nil
	case '!':
		if lx.peekByte() == '=' {
			lx.advance()
			return mk(tokNE, "!="), nil
		}
		return token{}, errAt(line, col, "!", "unexpected character '!'")
	case '<':
		if lx.peekByte() == '=' {
			lx.advance()
			return mk(tokLE, "<="), nil
		}
		return mk(tokLT, "<"), nil
	case '>':
		if lx.peekByte() == '=' {
			lx.advance()
			return mk(tokGE, ">="), nil
		}
		return mk(tokGT, ">"), nil
	}
	return token{}, errAt(line, col, string(c), "unexpected character %q", string(c))
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}
