package script

import (
	"context"
	"strings"
	"testing"

	"trad-core/pkg/types"
)

// recordingCap records every capability call and replies from a canned table.
type recordingCap struct {
	calls   []string
	args    [][]Value
	replies map[string]Value
	errs    map[string]error
}

func (c *recordingCap) Call(ctx context.Context, name string, args []Value) (Value, error) {
	c.calls = append(c.calls, name)
	c.args = append(c.args, args)
	if err, ok := c.errs[name]; ok {
		return nil, err
	}
	return c.replies[name], nil
}

func run(t *testing.T, source string, cap *recordingCap, params map[string]Value) error {
	t.Helper()
	prog, err := Parse(source)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return prog.Run(context.Background(), cap, params, 10_000)
}

func TestBasicProgram(t *testing.T) {
	t.Parallel()
	cap := &recordingCap{replies: map[string]Value{
		"getPrice": 0.5,
	}}
	src := `
		let price = api.getPrice(params.pair)
		let size = 0.01
		if (price < 1.0) {
			size = size * 2
		}
		api.buy(params.pair, size)
		api.log("bought at " + "low price")
	`
	err := run(t, src, cap, map[string]Value{"pair": "0xcc"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(cap.calls) != 3 || cap.calls[1] != "buy" {
		t.Fatalf("calls = %v", cap.calls)
	}
	if got := cap.args[1][1]; got != 0.02 {
		t.Errorf("buy size = %v, want doubled 0.02", got)
	}
	if got := cap.args[2][0]; got != "bought at low price" {
		t.Errorf("log arg = %v", got)
	}
}

func TestWhileAndListAccess(t *testing.T) {
	t.Parallel()
	cap := &recordingCap{replies: map[string]Value{
		"listCoins": []Value{
			map[string]Value{"pair": "0x01", "priceEth": 2.0},
			map[string]Value{"pair": "0x02", "priceEth": 0.5},
			map[string]Value{"pair": "0x03", "priceEth": 0.1},
		},
	}}
	src := `
		let coins = api.listCoins("newest", 10)
		let i = 0
		while (i < coins.length) {
			let coin = coins[i]
			if (coin.priceEth < 1.0) {
				api.log(coin.pair)
			}
			i = i + 1
		}
	`
	if err := run(t, src, cap, nil); err != nil {
		t.Fatalf("Run: %v", err)
	}
	var logged []string
	for i, name := range cap.calls {
		if name == "log" {
			logged = append(logged, cap.args[i][0].(string))
		}
	}
	if len(logged) != 2 || logged[0] != "0x02" || logged[1] != "0x03" {
		t.Errorf("logged = %v", logged)
	}
}

func TestStepBudget(t *testing.T) {
	t.Parallel()
	prog, err := Parse(`let i = 0
		while (true) { i = i + 1 }`)
	if err != nil {
		t.Fatal(err)
	}
	err = prog.Run(context.Background(), &recordingCap{}, nil, 1000)
	if types.KindOf(err) != types.KindUserCodeError {
		t.Fatalf("err = %v, want UserCodeError", err)
	}
	if !strings.Contains(err.Error(), "step budget") {
		t.Errorf("err = %v, want step budget message", err)
	}
}

func TestStructuralSandbox(t *testing.T) {
	t.Parallel()
	parseErrs := []string{
		`foo()`,                  // bare call
		`params.pair()`,          // params is not callable
		`let x = api.buy; x(1)`,  // capability methods are not values
		`api.buy.call("0x", 1)`,  // nested member call
		`let api = 1`,            // reserved
		`let params = 1`,         // reserved
	}
	for _, src := range parseErrs {
		if _, err := Parse(src); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", src)
		}
	}

	// api as a value is a runtime refusal.
	prog, err := Parse(`let x = api`)
	if err != nil {
		t.Fatal(err)
	}
	if err := prog.Run(context.Background(), &recordingCap{}, nil, 100); err == nil {
		t.Error("api as value must be refused")
	}
}

func TestUndefinedVariableAndParam(t *testing.T) {
	t.Parallel()
	prog, _ := Parse(`api.log(nope)`)
	err := prog.Run(context.Background(), &recordingCap{}, nil, 100)
	if types.KindOf(err) != types.KindUserCodeError {
		t.Errorf("undefined variable: %v", err)
	}

	prog, _ = Parse(`api.log(params.missing)`)
	err = prog.Run(context.Background(), &recordingCap{}, nil, 100)
	if types.KindOf(err) != types.KindUserCodeError {
		t.Errorf("undeclared param: %v", err)
	}
}

func TestTradeErrorComesBackAsValue(t *testing.T) {
	t.Parallel()
	cap := &recordingCap{
		errs: map[string]error{
			"buy": types.NewTradeError(types.KindSlippageExceeded, "pool moved"),
		},
	}
	src := `
		let result = api.buy("0xcc", 0.01)
		if (result.error == "SlippageExceeded") {
			api.log("will retry next tick")
		}
	`
	if err := run(t, src, cap, nil); err != nil {
		t.Fatalf("a structured trade error must not abort the tick: %v", err)
	}
	if cap.calls[len(cap.calls)-1] != "log" {
		t.Errorf("calls = %v, want the strategy to observe the error", cap.calls)
	}
}

func TestExtractParams(t *testing.T) {
	t.Parallel()
	src := `// @param pair pair 0x00000000000000000000000000000000000000cc Target pair
// @param amount eth 0.01 Size per trade
// @param cadence interval 5m Tick cadence
// @param mode enum[safe|fast] safe Execution mode
let x = 1`
	prog, err := Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(prog.Params) != 4 {
		t.Fatalf("params = %+v", prog.Params)
	}
	if p := prog.Params[1]; p.Name != "amount" || p.Type != "eth" || p.Default != "0.01" || p.Description != "Size per trade" {
		t.Errorf("decl = %+v", p)
	}
}

func TestInvalidDefaultsRefusedAtLoad(t *testing.T) {
	t.Parallel()
	cases := []string{
		`// @param cadence interval 2x Bad interval`,
		`// @param mode enum[a|b] c Not an option`,
		`// @param amount eth NaN Not finite`,
		`// @param fee bps 9000 Over ceiling`,
		`// @param target address 0x123 Too short`,
		`// @param pair pair 0x00cc Bad pair`,
		`// @param share pct 150 Over hundred`,
		`// @param amount eth 1
// @param amount eth 2 Duplicate`,
	}
	for _, src := range cases {
		if _, err := Parse(src); err == nil {
			t.Errorf("Parse(%q) succeeded, want refusal", src)
		} else if types.KindOf(err) != types.KindParameterOutOfRange {
			t.Errorf("Parse(%q): kind = %v", src, err)
		}
	}
}

func TestCoerceParams(t *testing.T) {
	t.Parallel()
	schema := []types.ParamDecl{
		{Name: "amount", Type: "eth", Default: "0.01"},
		{Name: "count", Type: "int", Default: "3"},
		{Name: "enabled", Type: "boolean", Default: "false"},
		{Name: "cadence", Type: "interval", Default: "once"},
	}

	vals, err := CoerceParams(schema, map[string]string{"amount": "0.5", "enabled": "true"})
	if err != nil {
		t.Fatalf("CoerceParams: %v", err)
	}
	if vals["amount"] != 0.5 || vals["count"] != float64(3) || vals["enabled"] != true || vals["cadence"] != "once" {
		t.Errorf("vals = %+v", vals)
	}

	// A bad override refuses the load even when the default is fine.
	if _, err := CoerceParams(schema, map[string]string{"cadence": "2x"}); err == nil {
		t.Error("bad override must refuse")
	}
}
