// Package script implements the strategy program language: the small
// imperative language the code-generation stage emits for user strategies.
//
// The language has let bindings, assignment, if/else, while, arithmetic,
// comparison and logical operators, and exactly two ambient roots: `api`
// (the capability surface, call-only) and `params` (the coerced parameter
// values, read-only). Nothing else is reachable — there are no imports, no
// reflective lookups, and no host values beyond what a capability call
// returns. Sandboxing is structural, not textual.
//
// Execution is bounded by a step budget so a runaway loop cannot wedge its
// run's worker.
package script

import (
	"context"

	"trad-core/pkg/types"
)

// Value is a runtime value: nil, bool, float64, string, []Value or
// map[string]Value (the latter two produced by capability calls).
type Value = any

// Capability is the only door out of a strategy program. The runtime binds
// it to the per-run capability surface.
type Capability interface {
	Call(ctx context.Context, name string, args []Value) (Value, error)
}

// Program is a parsed strategy: its statements plus the @param declarations
// extracted from the source comments.
type Program struct {
	Params []types.ParamDecl
	body   []stmt
}

// Parse lexes and parses source. Syntax errors carry a line number.
func Parse(source string) (*Program, error) {
	decls, err := ExtractParams(source)
	if err != nil {
		return nil, err
	}
	toks, err := lex(source)
	if err != nil {
		return nil, err
	}
	body, err := parse(toks)
	if err != nil {
		return nil, err
	}
	return &Program{Params: decls, body: body}, nil
}

// Run executes one tick of the program. params must already be coerced via
// CoerceParams. maxSteps bounds statement executions; zero means the
// default budget.
func (p *Program) Run(ctx context.Context, cap Capability, params map[string]Value, maxSteps int) error {
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	in := &interp{ctx: ctx, cap: cap, params: params, steps: maxSteps}
	return in.execBlock(p.body, newScope(nil))
}

const defaultMaxSteps = 1_000_000

// userErr builds the UserCodeError every program-level failure surfaces as.
func userErr(line int, format string, args ...any) error {
	args = append([]any{line}, args...)
	return types.NewTradeError(types.KindUserCodeError, "line %d: "+format, args...)
}
