package script

import (
	"context"
	"errors"

	"trad-core/pkg/types"
)

type scope struct {
	vars   map[string]Value
	parent *scope
}

func newScope(parent *scope) *scope {
	return &scope{vars: make(map[string]Value), parent: parent}
}

func (s *scope) lookup(name string) (Value, bool) {
	for sc := s; sc != nil; sc = sc.parent {
		if v, ok := sc.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func (s *scope) set(name string, v Value) bool {
	for sc := s; sc != nil; sc = sc.parent {
		if _, ok := sc.vars[name]; ok {
			sc.vars[name] = v
			return true
		}
	}
	return false
}

type interp struct {
	ctx    context.Context
	cap    Capability
	params map[string]Value
	steps  int
}

func (in *interp) step(line int) error {
	if err := in.ctx.Err(); err != nil {
		return types.WrapTradeError(types.KindTimeout, err)
	}
	in.steps--
	if in.steps < 0 {
		return userErr(line, "step budget exhausted")
	}
	return nil
}

func (in *interp) execBlock(body []stmt, sc *scope) error {
	for _, s := range body {
		if err := in.exec(s, sc); err != nil {
			return err
		}
	}
	return nil
}

func (in *interp) exec(s stmt, sc *scope) error {
	if err := in.step(s.stmtLine()); err != nil {
		return err
	}
	switch s := s.(type) {
	case letStmt:
		v, err := in.eval(s.expr, sc)
		if err != nil {
			return err
		}
		sc.vars[s.name] = v
		return nil
	case assignStmt:
		v, err := in.eval(s.expr, sc)
		if err != nil {
			return err
		}
		if !sc.set(s.name, v) {
			return userErr(s.line, "assignment to undeclared variable %q", s.name)
		}
		return nil
	case ifStmt:
		cond, err := in.eval(s.cond, sc)
		if err != nil {
			return err
		}
		if truthy(cond) {
			return in.execBlock(s.then, newScope(sc))
		}
		return in.execBlock(s.els, newScope(sc))
	case whileStmt:
		for {
			if err := in.step(s.line); err != nil {
				return err
			}
			cond, err := in.eval(s.cond, sc)
			if err != nil {
				return err
			}
			if !truthy(cond) {
				return nil
			}
			if err := in.execBlock(s.body, newScope(sc)); err != nil {
				return err
			}
		}
	case exprStmt:
		_, err := in.eval(s.expr, sc)
		return err
	}
	return userErr(s.stmtLine(), "unknown statement")
}

func (in *interp) eval(e expr, sc *scope) (Value, error) {
	switch e := e.(type) {
	case numberLit:
		return e.val, nil
	case stringLit:
		return e.val, nil
	case boolLit:
		return e.val, nil
	case nullLit:
		return nil, nil
	case identExpr:
		if e.name == "api" || e.name == "params" {
			return nil, userErr(e.line, "%q cannot be used as a value", e.name)
		}
		v, ok := sc.lookup(e.name)
		if !ok {
			return nil, userErr(e.line, "undefined variable %q", e.name)
		}
		return v, nil
	case memberExpr:
		return in.evalMember(e, sc)
	case indexExpr:
		return in.evalIndex(e, sc)
	case callExpr:
		return in.evalCall(e, sc)
	case unaryExpr:
		x, err := in.eval(e.x, sc)
		if err != nil {
			return nil, err
		}
		switch e.op {
		case "!":
			return !truthy(x), nil
		case "-":
			f, ok := x.(float64)
			if !ok {
				return nil, userErr(e.line, "unary minus on non-number")
			}
			return -f, nil
		}
	case binaryExpr:
		return in.evalBinary(e, sc)
	}
	return nil, userErr(e.exprLine(), "unknown expression")
}

func (in *interp) evalMember(e memberExpr, sc *scope) (Value, error) {
	// params.<name> reads a coerced parameter.
	if root, ok := e.obj.(identExpr); ok && root.name == "params" {
		v, ok := in.params[e.name]
		if !ok {
			return nil, userErr(e.line, "undeclared parameter %q", e.name)
		}
		return v, nil
	}

	obj, err := in.eval(e.obj, sc)
	if err != nil {
		return nil, err
	}
	switch obj := obj.(type) {
	case map[string]Value:
		return obj[e.name], nil
	case []Value:
		if e.name == "length" {
			return float64(len(obj)), nil
		}
	case string:
		if e.name == "length" {
			return float64(len(obj)), nil
		}
	}
	return nil, userErr(e.line, "no member %q", e.name)
}

func (in *interp) evalIndex(e indexExpr, sc *scope) (Value, error) {
	obj, err := in.eval(e.obj, sc)
	if err != nil {
		return nil, err
	}
	idx, err := in.eval(e.idx, sc)
	if err != nil {
		return nil, err
	}
	switch obj := obj.(type) {
	case []Value:
		f, ok := idx.(float64)
		if !ok {
			return nil, userErr(e.line, "list index must be a number")
		}
		i := int(f)
		if i < 0 || i >= len(obj) {
			return nil, userErr(e.line, "index %d out of range (length %d)", i, len(obj))
		}
		return obj[i], nil
	case map[string]Value:
		s, ok := idx.(string)
		if !ok {
			return nil, userErr(e.line, "object key must be a string")
		}
		return obj[s], nil
	}
	return nil, userErr(e.line, "cannot index this value")
}

// evalCall invokes a capability method. A structured trade error does not
// abort the tick: it comes back as an {error, message} object so the
// strategy can inspect it and decide, matching the contract that reverted
// trades leave the run alive.
func (in *interp) evalCall(e callExpr, sc *scope) (Value, error) {
	m := e.callee.(memberExpr)
	args := make([]Value, len(e.args))
	for i, a := range e.args {
		v, err := in.eval(a, sc)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	result, err := in.cap.Call(in.ctx, m.name, args)
	if err != nil {
		var te *types.TradeError
		if errors.As(err, &te) && te.Kind != types.KindUserCodeError {
			return map[string]Value{
				"error":   string(te.Kind),
				"message": te.Error(),
			}, nil
		}
		return nil, err
	}
	return result, nil
}

func (in *interp) evalBinary(e binaryExpr, sc *scope) (Value, error) {
	lhs, err := in.eval(e.lhs, sc)
	if err != nil {
		return nil, err
	}
	// Short-circuit logical operators.
	switch e.op {
	case "&&":
		if !truthy(lhs) {
			return false, nil
		}
		rhs, err := in.eval(e.rhs, sc)
		if err != nil {
			return nil, err
		}
		return truthy(rhs), nil
	case "||":
		if truthy(lhs) {
			return true, nil
		}
		rhs, err := in.eval(e.rhs, sc)
		if err != nil {
			return nil, err
		}
		return truthy(rhs), nil
	}

	rhs, err := in.eval(e.rhs, sc)
	if err != nil {
		return nil, err
	}

	switch e.op {
	case "==":
		return scalarEqual(lhs, rhs), nil
	case "!=":
		return !scalarEqual(lhs, rhs), nil
	}

	// String concatenation.
	if e.op == "+" {
		if ls, ok := lhs.(string); ok {
			if rs, ok := rhs.(string); ok {
				return ls + rs, nil
			}
		}
	}
	// String comparison.
	if ls, lok := lhs.(string); lok {
		if rs, rok := rhs.(string); rok {
			switch e.op {
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
	}

	lf, lok := lhs.(float64)
	rf, rok := rhs.(float64)
	if !lok || !rok {
		return nil, userErr(e.line, "operator %q needs matching operand types", e.op)
	}
	switch e.op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, userErr(e.line, "division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, userErr(e.line, "division by zero")
		}
		return float64(int64(lf) % int64(rf)), nil
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	}
	return nil, userErr(e.line, "unknown operator %q", e.op)
}

func truthy(v Value) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != ""
	case []Value:
		return len(v) > 0
	case map[string]Value:
		return len(v) > 0
	}
	return true
}

func scalarEqual(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	}
	return false
}
