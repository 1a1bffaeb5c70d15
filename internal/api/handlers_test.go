package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"trad-core/internal/config"
	"trad-core/internal/ledger"
	"trad-core/internal/runtime"
	"trad-core/pkg/types"
)

type stubTrader struct{}

func (stubTrader) Execute(ctx context.Context, venue, runID string, intent types.TradeIntent) (*types.Receipt, error) {
	return &types.Receipt{Hash: types.ZeroHash, Status: types.TxSimulated}, nil
}
func (stubTrader) SelectModeForRun(venue string) (types.ExecMode, string) {
	return types.ModeSimulated, ""
}
func (stubTrader) ForgetRun(runID string) {}

type stubMarket struct {
	coins []types.Coin
	err   error
}

func (m stubMarket) ListCoins(ctx context.Context, sort string, limit, offset int) ([]types.Coin, error) {
	return m.coins, m.err
}
func (m stubMarket) GetCoin(ctx context.Context, pair string) (*types.Coin, error) {
	return nil, nil
}
func (m stubMarket) ListTrades(ctx context.Context, pair string, limit int) ([]types.CoinTrade, error) {
	return nil, nil
}
func (m stubMarket) FetchMetadata(ctx context.Context, uri string) (map[string]any, error) {
	return nil, nil
}

type stubChain struct{}

func (stubChain) Reserves(ctx context.Context, pair common.Address) (*big.Int, *big.Int, error) {
	return big.NewInt(1), big.NewInt(1), nil
}
func (stubChain) TokenOf(ctx context.Context, pair common.Address) (common.Address, error) {
	return common.Address{}, nil
}
func (stubChain) TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return big.NewInt(0), nil
}

const testToken = "test-admin-token"

func newTestServer(t *testing.T, adminToken string) (*Server, *ledger.Ledger) {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { led.Close() })

	cfg := &config.Config{
		DryRun:   true,
		Chain:    config.ChainConfig{EthUsdPrice: 3000},
		Subgraph: config.SubgraphConfig{Timeout: time.Second, MaxParallel: 2},
		Runtime:  config.RuntimeConfig{LogBufferLines: 50, MaxTickSteps: 100_000},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	host := runtime.New(cfg, led, stubTrader{}, stubMarket{}, stubChain{}, logger)
	t.Cleanup(host.Shutdown)

	market := stubMarket{coins: []types.Coin{{Pair: "0xab00000000000000000000000000000000000000", Symbol: "TT"}}}
	srv := NewServer(config.DashboardConfig{Enabled: true, Port: 0, AdminToken: adminToken}, led, host, market, logger)
	return srv, led
}

func doRequest(srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, testToken)
	rec := doRequest(srv, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
}

func TestAdminGating(t *testing.T) {
	t.Parallel()

	body := map[string]string{"name": "s", "venue": "curve"}

	// No token configured: state-changing routes refuse outright.
	srv, _ := newTestServer(t, "")
	rec := doRequest(srv, http.MethodPost, "/api/strategies", "", body)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("unconfigured token: %d, want 503", rec.Code)
	}

	srv2, _ := newTestServer(t, testToken)
	if rec := doRequest(srv2, http.MethodPost, "/api/strategies", "", body); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing bearer: %d, want 401", rec.Code)
	}
	if rec := doRequest(srv2, http.MethodPost, "/api/strategies", "wrong", body); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong bearer: %d, want 401", rec.Code)
	}
	if rec := doRequest(srv2, http.MethodPost, "/api/strategies", testToken, body); rec.Code != http.StatusCreated {
		t.Errorf("valid bearer: %d, want 201", rec.Code)
	}

	// Reads stay open.
	if rec := doRequest(srv2, http.MethodGet, "/api/strategies", "", nil); rec.Code != http.StatusOK {
		t.Errorf("unauthenticated list: %d, want 200", rec.Code)
	}
}

func TestStrategyCRUDOverHTTP(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, testToken)

	source := "// @param size eth 0.01 Trade size\napi.log(\"hi\")"
	rec := doRequest(srv, http.MethodPost, "/api/strategies", testToken, map[string]string{
		"name": "dip buyer", "venue": "curve", "source": source,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create = %d: %s", rec.Code, rec.Body)
	}
	var created types.Strategy
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Status != types.StatusDraft {
		t.Fatalf("created = %+v", created)
	}
	if len(created.ParamSchema) != 1 || created.ParamSchema[0].Name != "size" {
		t.Fatalf("schema = %+v, want size extracted", created.ParamSchema)
	}

	rec = doRequest(srv, http.MethodGet, "/api/strategies/"+created.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d", rec.Code)
	}

	created.Name = "renamed"
	rec = doRequest(srv, http.MethodPut, "/api/strategies/"+created.ID, testToken, created)
	if rec.Code != http.StatusOK {
		t.Fatalf("update = %d: %s", rec.Code, rec.Body)
	}

	rec = doRequest(srv, http.MethodDelete, "/api/strategies/"+created.ID, testToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete = %d", rec.Code)
	}
	rec = doRequest(srv, http.MethodGet, "/api/strategies/"+created.ID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get deleted = %d, want 404", rec.Code)
	}
}

func TestCreateRefusesBadParamDefault(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, testToken)

	rec := doRequest(srv, http.MethodPost, "/api/strategies", testToken, map[string]string{
		"name": "broken", "venue": "curve",
		"source": "// @param cadence interval 2x Broken\napi.log(\"x\")",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("create with bad default = %d, want 400", rec.Code)
	}
}

func TestPerformanceRouteValidation(t *testing.T) {
	t.Parallel()
	srv, led := newTestServer(t, testToken)

	s := &types.Strategy{Name: "p", Venue: "curve"}
	if err := led.CreateStrategy(s); err != nil {
		t.Fatal(err)
	}

	// No runs yet.
	rec := doRequest(srv, http.MethodGet, "/api/strategies/"+s.ID+"/performance", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("no runs = %d, want 400", rec.Code)
	}

	run := &types.Run{StrategyID: s.ID, Mode: types.ModeSimulated}
	if err := led.OpenRun(run); err != nil {
		t.Fatal(err)
	}
	rec = doRequest(srv, http.MethodGet, "/api/strategies/"+s.ID+"/performance?range=1d", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("performance = %d: %s", rec.Code, rec.Body)
	}
	var perf types.Performance
	if err := json.Unmarshal(rec.Body.Bytes(), &perf); err != nil {
		t.Fatal(err)
	}
	if len(perf.EquityCurve) != 2 {
		t.Errorf("empty run curve = %d points, want origin and now", len(perf.EquityCurve))
	}

	rec = doRequest(srv, http.MethodGet, "/api/strategies/"+s.ID+"/performance?range=2w", "", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad range = %d, want 400", rec.Code)
	}
}

func TestCoinsReadThrough(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, testToken)

	rec := doRequest(srv, http.MethodGet, "/api/coins?sort=marketCap&limit=5", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("coins = %d", rec.Code)
	}
	var coins []types.Coin
	if err := json.Unmarshal(rec.Body.Bytes(), &coins); err != nil {
		t.Fatal(err)
	}
	if len(coins) != 1 || coins[0].Symbol != "TT" {
		t.Fatalf("coins = %+v", coins)
	}
}

func TestVenueSecretsNeverLeak(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, testToken)

	rec := doRequest(srv, http.MethodPut, "/api/venues/curve/secret", testToken, map[string]string{"key": "0xdeadbeef"})
	if rec.Code != http.StatusOK {
		t.Fatalf("put secret = %d: %s", rec.Code, rec.Body)
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("deadbeef")) {
		t.Fatal("stored key echoed back in response")
	}

	rec = doRequest(srv, http.MethodGet, "/api/venues", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list venues = %d", rec.Code)
	}
	var venues []string
	if err := json.Unmarshal(rec.Body.Bytes(), &venues); err != nil {
		t.Fatal(err)
	}
	if len(venues) != 1 || venues[0] != "curve" {
		t.Fatalf("venues = %v", venues)
	}

	rec = doRequest(srv, http.MethodDelete, "/api/venues/curve/secret", testToken, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete secret = %d", rec.Code)
	}
}

func TestLogsForIdleStrategyIsEmptyList(t *testing.T) {
	t.Parallel()
	srv, led := newTestServer(t, testToken)

	s := &types.Strategy{Name: "idle", Venue: "curve"}
	if err := led.CreateStrategy(s); err != nil {
		t.Fatal(err)
	}
	rec := doRequest(srv, http.MethodGet, "/api/strategies/"+s.ID+"/logs", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("logs = %d", rec.Code)
	}
	if got := bytes.TrimSpace(rec.Body.Bytes()); string(got) != "[]" {
		t.Fatalf("logs body = %s, want []", got)
	}
}
