package runtime

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"trad-core/internal/config"
	"trad-core/internal/ledger"
	"trad-core/pkg/types"
)

const testPairHex = "0x00000000000000000000000000000000000000cc"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTrader struct {
	mu       sync.Mutex
	executes []types.TradeIntent
	err      error
}

func (f *fakeTrader) Execute(ctx context.Context, venue, runID string, intent types.TradeIntent) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.executes = append(f.executes, intent)
	return &types.Receipt{
		Hash:        "0xabc",
		Status:      types.TxConfirmed,
		EthAmount:   big.NewInt(10_000_000_000_000_000),       // 0.01 ETH
		TokenAmount: new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)),
	}, nil
}

func (f *fakeTrader) SelectModeForRun(venue string) (types.ExecMode, string) {
	return types.ModeDirect, "0x00000000000000000000000000000000000000ee"
}

func (f *fakeTrader) ForgetRun(runID string) {}

func (f *fakeTrader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.executes)
}

type fakeMarket struct{}

func (fakeMarket) ListCoins(ctx context.Context, sort string, limit, offset int) ([]types.Coin, error) {
	return []types.Coin{{Pair: testPairHex, Symbol: "TT", PriceEth: 0.5, EthCollected: 10}}, nil
}

func (fakeMarket) GetCoin(ctx context.Context, pair string) (*types.Coin, error) {
	return &types.Coin{Pair: pair, EthCollected: 10}, nil
}

func (fakeMarket) ListTrades(ctx context.Context, pair string, limit int) ([]types.CoinTrade, error) {
	return nil, nil
}

func (fakeMarket) FetchMetadata(ctx context.Context, uri string) (map[string]any, error) {
	return map[string]any{"name": "test"}, nil
}

type fakeChain struct{}

func (fakeChain) Reserves(ctx context.Context, pair common.Address) (*big.Int, *big.Int, error) {
	eth := new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))
	tok := new(big.Int).Mul(big.NewInt(1_000_000), big.NewInt(1e18))
	return eth, tok, nil
}

func (fakeChain) TokenOf(ctx context.Context, pair common.Address) (common.Address, error) {
	return common.HexToAddress("0xdd"), nil
}

func (fakeChain) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18)), nil
}

func newTestHost(t *testing.T) (*RuntimeHost, *ledger.Ledger, *fakeTrader) {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { led.Close() })

	cfg := &config.Config{
		Chain:    config.ChainConfig{EthUsdPrice: 3000},
		Subgraph: config.SubgraphConfig{Timeout: time.Second, MaxParallel: 2},
		Runtime:  config.RuntimeConfig{LogBufferLines: 50, MaxTickSteps: 100_000},
	}
	trader := &fakeTrader{}
	host := New(cfg, led, trader, fakeMarket{}, fakeChain{}, testLogger())
	t.Cleanup(host.Shutdown)
	return host, led, trader
}

func createStrategy(t *testing.T, led *ledger.Ledger, source string) string {
	t.Helper()
	s := &types.Strategy{Name: "t", Venue: "curve", Source: source}
	if err := led.CreateStrategy(s); err != nil {
		t.Fatal(err)
	}
	return s.ID
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestRunOnceLifecycle(t *testing.T) {
	t.Parallel()
	host, led, trader := newTestHost(t)
	id := createStrategy(t, led, `
		// @param pair pair `+testPairHex+` Target
		// @param amount eth 0.01 Size
		api.buy(params.pair, params.amount)
		api.log("done")
	`)

	if err := host.Start(id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return !host.IsRunning(id) })

	s, _ := led.GetStrategy(id)
	if s.Status != types.StatusPaused {
		t.Errorf("status = %s, want paused after a once run", s.Status)
	}
	runs, _ := led.RunsByStrategy(id)
	if len(runs) != 1 || runs[0].StoppedAt == nil {
		t.Fatalf("runs = %+v, want one closed run", runs)
	}
	if trader.count() != 1 {
		t.Errorf("executes = %d, want 1", trader.count())
	}
	trades, _ := led.TradesByRun(runs[0].ID)
	if len(trades) != 1 || trades[0].Idx != 0 || trades[0].Side != types.Buy {
		t.Fatalf("trades = %+v", trades)
	}
	if trades[0].EthAmount != "0.01" || trades[0].TokenAmount != "100" {
		t.Errorf("fill = %s ETH / %s tokens", trades[0].EthAmount, trades[0].TokenAmount)
	}
}

func TestSingleActiveRunPerStrategy(t *testing.T) {
	t.Parallel()
	host, led, _ := newTestHost(t)
	id := createStrategy(t, led, `api.schedule("1h")`)

	if err := host.Start(id); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, time.Second, func() bool { return host.IsRunning(id) })

	if err := host.Start(id); err == nil {
		t.Fatal("second start must fail while running")
	}
	if err := host.Stop(id); err != nil {
		t.Fatal(err)
	}
}

func TestStopIsIdempotentAndCancelsTimer(t *testing.T) {
	t.Parallel()
	host, led, trader := newTestHost(t)

	// Never started: a no-op.
	ghost := createStrategy(t, led, `api.schedule("1s")`)
	if err := host.Stop(ghost); err != nil {
		t.Fatalf("stop on never-started: %v", err)
	}

	id := createStrategy(t, led, `
		// @param pair pair `+testPairHex+` Target
		api.buy(params.pair, 0.01)
		api.schedule("1s")
	`)
	if err := host.Start(id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return trader.count() >= 1 })

	if err := host.Stop(id); err != nil {
		t.Fatal(err)
	}
	if err := host.Stop(id); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	s, _ := led.GetStrategy(id)
	if s.Status != types.StatusPaused {
		t.Errorf("status = %s, want paused", s.Status)
	}
	runs, _ := led.RunsByStrategy(id)
	if runs[0].StoppedAt == nil {
		t.Error("run must be closed on stop")
	}

	// The armed 1s timer must not fire another tick.
	before := trader.count()
	time.Sleep(1300 * time.Millisecond)
	if trader.count() != before {
		t.Errorf("ticks after stop: %d -> %d", before, trader.count())
	}
}

func TestCrashIsolation(t *testing.T) {
	t.Parallel()
	host, led, trader := newTestHost(t)

	crashing := createStrategy(t, led, `api.log(undefinedVariable)`)
	healthy := createStrategy(t, led, `
		// @param pair pair `+testPairHex+` Target
		api.buy(params.pair, 0.01)
	`)

	if err := host.Start(crashing); err != nil {
		t.Fatal(err)
	}
	if err := host.Start(healthy); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 2*time.Second, func() bool {
		return !host.IsRunning(crashing) && !host.IsRunning(healthy)
	})

	cs, _ := led.GetStrategy(crashing)
	if cs.Status != types.StatusError {
		t.Errorf("crashing status = %s, want error", cs.Status)
	}
	crashRuns, _ := led.RunsByStrategy(crashing)
	if crashRuns[0].StoppedAt == nil {
		t.Error("crashed run must be closed")
	}

	hs, _ := led.GetStrategy(healthy)
	if hs.Status != types.StatusPaused {
		t.Errorf("healthy status = %s, want paused", hs.Status)
	}
	if trader.count() != 1 {
		t.Errorf("healthy strategy executes = %d, want 1", trader.count())
	}
}

func TestInvalidParamDefaultsRefuseStart(t *testing.T) {
	t.Parallel()
	host, led, _ := newTestHost(t)
	id := createStrategy(t, led, `
		// @param cadence interval 2x Broken cadence
		api.log("never runs")
	`)

	if err := host.Start(id); err == nil {
		t.Fatal("start must refuse an invalid parameter default")
	}
	runs, _ := led.RunsByStrategy(id)
	if len(runs) != 0 {
		t.Errorf("runs = %+v, want none", runs)
	}
	s, _ := led.GetStrategy(id)
	if s.Status != types.StatusDraft {
		t.Errorf("status = %s, want untouched draft", s.Status)
	}
}

func TestTradeErrorKeepsRunAlive(t *testing.T) {
	t.Parallel()
	host, led, trader := newTestHost(t)
	trader.err = types.NewTradeError(types.KindSlippageExceeded, "pool moved")

	id := createStrategy(t, led, `
		// @param pair pair `+testPairHex+` Target
		let result = api.buy(params.pair, 0.01)
		if (result.error != "") {
			api.log("buy failed, retrying next tick")
		}
		api.schedule("1h")
	`)
	if err := host.Start(id); err != nil {
		t.Fatal(err)
	}

	// The structured revert must not error the strategy: it stays running,
	// sleeping toward the next tick.
	waitFor(t, time.Second, func() bool {
		lines := host.Logs(id)
		for _, l := range lines {
			if l.Message == "buy failed, retrying next tick" {
				return true
			}
		}
		return false
	})
	if !host.IsRunning(id) {
		t.Fatal("run must survive a trade revert")
	}
	s, _ := led.GetStrategy(id)
	if s.Status != types.StatusActive {
		t.Errorf("status = %s, want active", s.Status)
	}

	runs, _ := led.RunsByStrategy(id)
	trades, _ := led.TradesByRun(runs[0].ID)
	if len(trades) != 0 {
		t.Errorf("reverted trade must leave no row, got %+v", trades)
	}
	host.Stop(id)
}

func TestResumeAll(t *testing.T) {
	t.Parallel()
	host, led, trader := newTestHost(t)
	id := createStrategy(t, led, `
		// @param pair pair `+testPairHex+` Target
		api.buy(params.pair, 0.01)
	`)

	// Simulate a previous process that died mid-run: status active, run open.
	if err := led.SetStrategyStatus(id, types.StatusActive); err != nil {
		t.Fatal(err)
	}
	run := &types.Run{StrategyID: id, Mode: types.ModeDirect, InitialCapital: "1"}
	if err := led.OpenRun(run); err != nil {
		t.Fatal(err)
	}

	host.ResumeAll()
	waitFor(t, 2*time.Second, func() bool { return !host.IsRunning(id) })

	if trader.count() != 1 {
		t.Errorf("resumed strategy executes = %d, want 1", trader.count())
	}
	// The resumed tick re-attached to the open run rather than opening a second.
	runs, _ := led.RunsByStrategy(id)
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want the original only", len(runs))
	}
	if runs[0].ID != run.ID || runs[0].StoppedAt == nil {
		t.Errorf("run = %+v, want original closed", runs[0])
	}
}

func TestLogBufferRing(t *testing.T) {
	t.Parallel()
	buf := newLogBuffer(3, nil)
	for _, m := range []string{"a", "b", "c", "d", "e"} {
		buf.append(types.LogInfo, m)
	}
	lines := buf.snapshot()
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want capacity 3", len(lines))
	}
	if lines[0].Message != "c" || lines[2].Message != "e" {
		t.Errorf("ring = %v", lines)
	}
}

func TestParseInterval(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		d    time.Duration
		once bool
		ok   bool
	}{
		{"30s", 30 * time.Second, false, true},
		{"5m", 5 * time.Minute, false, true},
		{"1h", time.Hour, false, true},
		{"2d", 48 * time.Hour, false, true},
		{"once", 0, true, true},
		{"", 0, true, true},
		{"2x", 0, false, false},
		{"m5", 0, false, false},
		{"-1s", 0, false, false},
		{"1.5h", 0, false, false},
	}
	for _, tc := range cases {
		d, once, err := parseInterval(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("parseInterval(%q) err = %v", tc.in, err)
			continue
		}
		if tc.ok && (d != tc.d || once != tc.once) {
			t.Errorf("parseInterval(%q) = %v, %v", tc.in, d, once)
		}
	}
}
