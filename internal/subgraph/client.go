// Package subgraph implements the launchpad market-data reader.
//
// The client answers four questions over a single GraphQL endpoint:
//   - ListCoins:     ranked coin list (newest | marketCap), paged
//   - GetCoin:       one coin by pair address
//   - ListTrades:    recent fills on a pair
//   - FetchMetadata: resolve a coin's metadata URI to its JSON document
//
// Responses are never cached; every strategy tick reads fresh state. Requests
// are retried on 5xx and carry the configured deadline (default 10 s).
package subgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"trad-core/internal/config"
	"trad-core/pkg/types"
)

// Client is the GraphQL client for the launchpad subgraph.
type Client struct {
	http *resty.Client
	url  string
}

// NewClient creates a subgraph client with retry and the configured timeout.
func NewClient(cfg config.SubgraphConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{http: httpClient, url: cfg.URL}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// query posts one GraphQL operation and decodes data into out.
func (c *Client) query(ctx context.Context, q string, vars map[string]any, out any) error {
	if c.url == "" {
		return types.NewTradeError(types.KindNetworkUnavailable, "no subgraph endpoint configured")
	}

	var result graphQLResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(graphQLRequest{Query: q, Variables: vars}).
		SetResult(&result).
		ForceContentType("application/json").
		Post(c.url)
	if err != nil {
		if ctx.Err() != nil {
			return types.WrapTradeError(types.KindTimeout, err)
		}
		return types.WrapTradeError(types.KindNetworkUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.NewTradeError(types.KindNetworkUnavailable, "subgraph status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(result.Errors) > 0 {
		return types.NewTradeError(types.KindNetworkUnavailable, "subgraph error: %s", result.Errors[0].Message)
	}
	if err := json.Unmarshal(result.Data, out); err != nil {
		return fmt.Errorf("decode subgraph response: %w", err)
	}
	return nil
}

// coinEntity is the wire shape of one coin; numeric fields arrive as strings.
type coinEntity struct {
	ID           string `json:"id"`
	Token        string `json:"token"`
	Name         string `json:"name"`
	Symbol       string `json:"symbol"`
	PriceEth     string `json:"priceEth"`
	EthCollected string `json:"ethCollected"`
	MarketCapUsd string `json:"marketCapUsd"`
	CreatedAt    string `json:"createdAt"`
	MetadataURI  string `json:"metadataUri"`
}

func (e coinEntity) toCoin() types.Coin {
	return types.Coin{
		Pair:         e.ID,
		Token:        e.Token,
		Name:         e.Name,
		Symbol:       e.Symbol,
		PriceEth:     parseFloat(e.PriceEth),
		EthCollected: parseFloat(e.EthCollected),
		MarketCapUsd: parseFloat(e.MarketCapUsd),
		CreatedAt:    parseInt(e.CreatedAt),
		MetadataURI:  e.MetadataURI,
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

const listCoinsQuery = `query ($orderBy: String!, $first: Int!, $skip: Int!) {
  coins(orderBy: $orderBy, orderDirection: desc, first: $first, skip: $skip) {
    id token name symbol priceEth ethCollected marketCapUsd createdAt metadataUri
  }
}`

// ListCoins returns the ranked coin list. sort is "newest" or "marketCap";
// anything else falls back to newest.
func (c *Client) ListCoins(ctx context.Context, sort string, limit, offset int) ([]types.Coin, error) {
	orderBy := "createdAt"
	if sort == "marketCap" {
		orderBy = "ethCollected"
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var data struct {
		Coins []coinEntity `json:"coins"`
	}
	err := c.query(ctx, listCoinsQuery, map[string]any{
		"orderBy": orderBy, "first": limit, "skip": offset,
	}, &data)
	if err != nil {
		return nil, err
	}

	out := make([]types.Coin, len(data.Coins))
	for i, e := range data.Coins {
		out[i] = e.toCoin()
	}
	return out, nil
}

const getCoinQuery = `query ($id: ID!) {
  coin(id: $id) {
    id token name symbol priceEth ethCollected marketCapUsd createdAt metadataUri
  }
}`

// GetCoin loads one coin by pair address. A pair the subgraph has never seen
// returns nil.
func (c *Client) GetCoin(ctx context.Context, pair string) (*types.Coin, error) {
	var data struct {
		Coin *coinEntity `json:"coin"`
	}
	if err := c.query(ctx, getCoinQuery, map[string]any{"id": pair}, &data); err != nil {
		return nil, err
	}
	if data.Coin == nil {
		return nil, nil
	}
	coin := data.Coin.toCoin()
	return &coin, nil
}

const listTradesQuery = `query ($pair: String!, $first: Int!) {
  trades(where: {pair: $pair}, orderBy: timestamp, orderDirection: desc, first: $first) {
    pair side ethAmount timestamp
  }
}`

// ListTrades returns the most recent fills on a pair, newest first.
func (c *Client) ListTrades(ctx context.Context, pair string, limit int) ([]types.CoinTrade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var data struct {
		Trades []struct {
			Pair      string `json:"pair"`
			Side      string `json:"side"`
			EthAmount string `json:"ethAmount"`
			Timestamp string `json:"timestamp"`
		} `json:"trades"`
	}
	if err := c.query(ctx, listTradesQuery, map[string]any{"pair": pair, "first": limit}, &data); err != nil {
		return nil, err
	}

	out := make([]types.CoinTrade, len(data.Trades))
	for i, t := range data.Trades {
		out[i] = types.CoinTrade{
			Pair:      t.Pair,
			Side:      t.Side,
			EthAmount: parseFloat(t.EthAmount),
			Timestamp: parseInt(t.Timestamp),
		}
	}
	return out, nil
}

// FetchMetadata resolves a coin's metadata URI to its JSON document.
func (c *Client) FetchMetadata(ctx context.Context, uri string) (map[string]any, error) {
	var out map[string]any
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(uri)
	if err != nil {
		return nil, types.WrapTradeError(types.KindNetworkUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, types.NewTradeError(types.KindNetworkUnavailable, "metadata status %d", resp.StatusCode())
	}
	return out, nil
}
