package script

import (
	"fmt"
	"strconv"
)

// Statements.
type stmt interface{ stmtLine() int }

type letStmt struct {
	line int
	name string
	expr expr
}

type assignStmt struct {
	line int
	name string
	expr expr
}

type ifStmt struct {
	line int
	cond expr
	then []stmt
	els  []stmt
}

type whileStmt struct {
	line int
	cond expr
	body []stmt
}

type exprStmt struct {
	line int
	expr expr
}

func (s letStmt) stmtLine() int    { return s.line }
func (s assignStmt) stmtLine() int { return s.line }
func (s ifStmt) stmtLine() int     { return s.line }
func (s whileStmt) stmtLine() int  { return s.line }
func (s exprStmt) stmtLine() int   { return s.line }

// Expressions.
type expr interface{ exprLine() int }

type numberLit struct {
	line int
	val  float64
}

type stringLit struct {
	line int
	val  string
}

type boolLit struct {
	line int
	val  bool
}

type nullLit struct{ line int }

type identExpr struct {
	line int
	name string
}

type memberExpr struct {
	line int
	obj  expr
	name string
}

type indexExpr struct {
	line int
	obj  expr
	idx  expr
}

type callExpr struct {
	line   int
	callee expr
	args   []expr
}

type unaryExpr struct {
	line int
	op   string
	x    expr
}

type binaryExpr struct {
	line     int
	op       string
	lhs, rhs expr
}

func (e numberLit) exprLine() int  { return e.line }
func (e stringLit) exprLine() int  { return e.line }
func (e boolLit) exprLine() int    { return e.line }
func (e nullLit) exprLine() int    { return e.line }
func (e identExpr) exprLine() int  { return e.line }
func (e memberExpr) exprLine() int { return e.line }
func (e indexExpr) exprLine() int  { return e.line }
func (e callExpr) exprLine() int   { return e.line }
func (e unaryExpr) exprLine() int  { return e.line }
func (e binaryExpr) exprLine() int { return e.line }

type parser struct {
	toks []token
	pos  int
}

func parse(toks []token) ([]stmt, error) {
	p := &parser{toks: toks}
	var out []stmt
	for !p.at(tokEOF, "") {
		s, err := p.statement()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) at(kind tokenKind, text string) bool {
	t := p.cur()
	return t.kind == kind && (text == "" || t.text == text)
}

func (p *parser) accept(kind tokenKind, text string) bool {
	if p.at(kind, text) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expect(kind tokenKind, text string) (token, error) {
	if p.at(kind, text) {
		return p.next(), nil
	}
	t := p.cur()
	want := text
	if want == "" {
		want = fmt.Sprintf("token kind %d", kind)
	}
	return token{}, fmt.Errorf("line %d: expected %q, got %q", t.line, want, t.text)
}

func (p *parser) statement() (stmt, error) {
	t := p.cur()
	switch {
	case t.kind == tokIdent && t.text == "let":
		p.next()
		name, err := p.expect(tokIdent, "")
		if err != nil {
			return nil, err
		}
		if isReserved(name.text) {
			return nil, fmt.Errorf("line %d: %q is reserved", name.line, name.text)
		}
		if _, err := p.expect(tokPunct, "="); err != nil {
			return nil, err
		}
		e, err := p.expression()
		if err != nil {
			return nil, err
		}
		p.accept(tokPunct, ";")
		return letStmt{line: t.line, name: name.text, expr: e}, nil

	case t.kind == tokIdent && t.text == "if":
		return p.ifStatement()

	case t.kind == tokIdent && t.text == "while":
		p.next()
		if _, err := p.expect(tokPunct, "("); err != nil {
			return nil, err
		}
		cond, err := p.expression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokPunct, ")"); err != nil {
			return nil, err
		}
		body, err := p.block()
		if err != nil {
			return nil, err
		}
		return whileStmt{line: t.line, cond: cond, body: body}, nil

	case t.kind == tokIdent && p.toks[p.pos+1].kind == tokPunct && p.toks[p.pos+1].text == "=":
		p.next()
		p.next()
		e, err := p.expression()
		if err != nil {
			return nil, err
		}
		p.accept(tokPunct, ";")
		return assignStmt{line: t.line, name: t.text, expr: e}, nil
	}

	e, err := p.expression()
	if err != nil {
		return nil, err
	}
	p.accept(tokPunct, ";")
	return exprStmt{line: t.line, expr: e}, nil
}

func (p *parser) ifStatement() (stmt, error) {
	t, _ := p.expect(tokIdent, "if")
	if _, err := p.expect(tokPunct, "("); err != nil {
		return nil, err
	}
	cond, err := p.expression()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(tokPunct, ")"); err != nil {
		return nil, err
	}
	then, err := p.block()
	if err != nil {
		return nil, err
	}
	var els []stmt
	if p.accept(tokIdent, "else") {
		if p.at(tokIdent, "if") {
			chained, err := p.ifStatement()
			if err != nil {
				return nil, err
			}
			els = []stmt{chained}
		} else if els, err = p.block(); err != nil {
			return nil, err
		}
	}
	return ifStmt{line: t.line, cond: cond, then: then, els: els}, nil
}

func (p *parser) block() ([]stmt, error) {
	if _, err := p.expect(tokPunct, "{"); err != nil {
		return nil, err
	}
	var out []stmt
	for !p.at(tokPunct, "}") {
		if p.at(tokEOF, "") {
			return nil, fmt.Errorf("line %d: unterminated block", p.cur().line)
		}
		s, err := p.statement()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	p.next()
	return out, nil
}

// Precedence climbing: || < && < equality < comparison < additive <
// multiplicative < unary < postfix.
func (p *parser) expression() (expr, error) { return p.orExpr() }

func (p *parser) orExpr() (expr, error) {
	return p.binaryLevel([]string{"||"}, p.andExpr)
}

func (p *parser) andExpr() (expr, error) {
	return p.binaryLevel([]string{"&&"}, p.equalityExpr)
}

func (p *parser) equalityExpr() (expr, error) {
	return p.binaryLevel([]string{"==", "!="}, p.comparisonExpr)
}

func (p *parser) comparisonExpr() (expr, error) {
	return p.binaryLevel([]string{"<", "<=", ">", ">="}, p.additiveExpr)
}

func (p *parser) additiveExpr() (expr, error) {
	return p.binaryLevel([]string{"+", "-"}, p.multiplicativeExpr)
}

func (p *parser) multiplicativeExpr() (expr, error) {
	return p.binaryLevel([]string{"*", "/", "%"}, p.unaryExprP)
}

func (p *parser) binaryLevel(ops []string, next func() (expr, error)) (expr, error) {
	lhs, err := next()
	if err != nil {
		return nil, err
	}
	for {
		matched := false
		for _, op := range ops {
			if p.at(tokPunct, op) {
				t := p.next()
				rhs, err := next()
				if err != nil {
					return nil, err
				}
				lhs = binaryExpr{line: t.line, op: op, lhs: lhs, rhs: rhs}
				matched = true
				break
			}
		}
		if !matched {
			return lhs, nil
		}
	}
}

func (p *parser) unaryExprP() (expr, error) {
	if p.at(tokPunct, "!") || p.at(tokPunct, "-") {
		t := p.next()
		x, err := p.unaryExprP()
		if err != nil {
			return nil, err
		}
		return unaryExpr{line: t.line, op: t.text, x: x}, nil
	}
	return p.postfixExpr()
}

func (p *parser) postfixExpr() (expr, error) {
	e, err := p.primaryExpr()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.accept(tokPunct, "."):
			name, err := p.expect(tokIdent, "")
			if err != nil {
				return nil, err
			}
			e = memberExpr{line: name.line, obj: e, name: name.text}
		case p.accept(tokPunct, "["):
			idx, err := p.expression()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokPunct, "]"); err != nil {
				return nil, err
			}
			e = indexExpr{line: e.exprLine(), obj: e, idx: idx}
		case p.at(tokPunct, "("):
			t := p.next()
			var args []expr
			for !p.at(tokPunct, ")") {
				a, err := p.expression()
				if err != nil {
					return nil, err
				}
				args = append(args, a)
				if !p.accept(tokPunct, ",") {
					break
				}
			}
			if _, err := p.expect(tokPunct, ")"); err != nil {
				return nil, err
			}
			// Structural sandbox: the only callable form is api.<name>(…).
			m, ok := e.(memberExpr)
			if !ok {
				return nil, fmt.Errorf("line %d: only capability methods can be called", t.line)
			}
			root, ok := m.obj.(identExpr)
			if !ok || root.name != "api" {
				return nil, fmt.Errorf("line %d: only api.%s(…) calls are allowed", t.line, m.name)
			}
			e = callExpr{line: t.line, callee: m, args: args}
		default:
			return e, nil
		}
	}
}

func (p *parser) primaryExpr() (expr, error) {
	t := p.cur()
	switch {
	case t.kind == tokNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad number %q", t.line, t.text)
		}
		return numberLit{line: t.line, val: f}, nil
	case t.kind == tokString:
		p.next()
		return stringLit{line: t.line, val: t.text}, nil
	case t.kind == tokIdent && t.text == "true":
		p.next()
		return boolLit{line: t.line, val: true}, nil
	case t.kind == tokIdent && t.text == "false":
		p.next()
		return boolLit{line: t.line, val: false}, nil
	case t.kind == tokIdent && t.text == "null":
		p.next()
		return nullLit{line: t.line}, nil
	case t.kind == tokIdent:
		p.next()
		return identExpr{line: t.line, name: t.text}, nil
	case t.kind == tokPunct && t.text == "(":
		p.next()
		e, err := p.expression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokPunct, ")"); err != nil {
			return nil, err
		}
		return e, nil
	}
	return nil, fmt.Errorf("line %d: unexpected token %q", t.line, t.text)
}

func isReserved(name string) bool {
	switch name {
	case "api", "params", "let", "if", "else", "while", "true", "false", "null":
		return true
	}
	return false
}
