package subgraph

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"trad-core/internal/config"
)

func newTestClient(url string) *Client {
	return NewClient(config.SubgraphConfig{URL: url, Timeout: 2 * time.Second})
}

func TestListCoins(t *testing.T) {
	t.Parallel()
	var gotVars map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		gotVars = req.Variables
		w.Write([]byte(`{"data":{"coins":[
			{"id":"0xcc","token":"0xdd","name":"Coin","symbol":"CN",
			 "priceEth":"0.000001","ethCollected":"12.5","marketCapUsd":"375000",
			 "createdAt":"1724000000","metadataUri":"https://meta/1.json"}
		]}}`))
	}))
	defer srv.Close()

	coins, err := newTestClient(srv.URL).ListCoins(context.Background(), "marketCap", 10, 5)
	if err != nil {
		t.Fatalf("ListCoins: %v", err)
	}
	if len(coins) != 1 {
		t.Fatalf("coins = %d", len(coins))
	}
	c := coins[0]
	if c.Pair != "0xcc" || c.PriceEth != 0.000001 || c.EthCollected != 12.5 || c.CreatedAt != 1724000000 {
		t.Errorf("coin = %+v", c)
	}
	if gotVars["orderBy"] != "ethCollected" {
		t.Errorf("orderBy = %v, want ethCollected for marketCap sort", gotVars["orderBy"])
	}
	if gotVars["first"] != float64(10) || gotVars["skip"] != float64(5) {
		t.Errorf("paging vars = %v", gotVars)
	}
}

func TestGetCoinMissing(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"coin":null}}`))
	}))
	defer srv.Close()

	coin, err := newTestClient(srv.URL).GetCoin(context.Background(), "0xnope")
	if err != nil {
		t.Fatalf("GetCoin: %v", err)
	}
	if coin != nil {
		t.Errorf("coin = %+v, want nil for unknown pair", coin)
	}
}

func TestGraphQLErrorSurfaces(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"field does not exist"}]}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).ListCoins(context.Background(), "newest", 10, 0)
	if err == nil || !strings.Contains(err.Error(), "field does not exist") {
		t.Errorf("err = %v, want the GraphQL message", err)
	}
}

func TestRetryOn5xx(t *testing.T) {
	t.Parallel()
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"data":{"trades":[{"pair":"0xcc","side":"buy","ethAmount":"0.5","timestamp":"1724000000"}]}}`))
	}))
	defer srv.Close()

	trades, err := newTestClient(srv.URL).ListTrades(context.Background(), "0xcc", 10)
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(trades) != 1 || trades[0].EthAmount != 0.5 {
		t.Errorf("trades = %+v", trades)
	}
}

func TestFetchMetadata(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"description":"a coin","image":"ipfs://x"}`))
	}))
	defer srv.Close()

	meta, err := newTestClient("").FetchMetadata(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("FetchMetadata: %v", err)
	}
	if meta["description"] != "a coin" {
		t.Errorf("meta = %+v", meta)
	}
}

func TestNoEndpointConfigured(t *testing.T) {
	t.Parallel()
	if _, err := newTestClient("").ListCoins(context.Background(), "newest", 10, 0); err == nil {
		t.Error("missing endpoint must error")
	}
}
