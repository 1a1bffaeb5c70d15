package runtime

import (
	"context"
	"math/big"
	"regexp"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"trad-core/internal/ledger"
	"trad-core/internal/script"
	"trad-core/pkg/types"
)

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// marketCapSupplyFactor converts a pair's collected ETH into its quoted
// fully-diluted market cap.
const marketCapSupplyFactor = 100

// capability is the per-run surface handed to the strategy program. It is
// the only door out: market-data reads, trades through the executor, the
// run's log buffer, and scheduling. One capability exists per run; the
// chain mutex serializes submissions and the semaphore caps parallel
// subgraph reads.
type capability struct {
	host   *RuntimeHost
	runID  string
	venue  string
	wallet common.Address // zero when no wallet is resolvable (simulated)
	buf    *logBuffer

	chainMu sync.Mutex
	sem     chan struct{}

	mu          sync.Mutex
	scheduleReq string
	scheduled   bool
}

func (c *capability) resetTick() {
	c.mu.Lock()
	c.scheduleReq = ""
	c.scheduled = false
	c.mu.Unlock()
}

// nextInterval reports what the tick asked for: the armed duration, or
// done=true when the run should end (never scheduled, or "once").
func (c *capability) nextInterval() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.scheduled {
		return 0, true
	}
	dur, once, err := parseInterval(c.scheduleReq)
	if err != nil || once {
		return 0, true
	}
	return dur, false
}

// Call implements script.Capability.
func (c *capability) Call(ctx context.Context, name string, args []script.Value) (script.Value, error) {
	switch name {
	case "listCoins":
		return c.listCoins(ctx, args)
	case "getCoin":
		return c.getCoin(ctx, args)
	case "listTrades":
		return c.listTrades(ctx, args)
	case "fetchMetadata":
		return c.fetchMetadata(ctx, args)
	case "getPrice":
		return c.getPrice(ctx, args)
	case "getMarketCap":
		return c.getMarketCap(ctx, args)
	case "buy":
		return c.trade(ctx, types.Buy, args)
	case "sell":
		return c.trade(ctx, types.Sell, args)
	case "getBalance":
		return c.getBalance(ctx, args)
	case "log":
		return c.logLine(args)
	case "schedule":
		return c.schedule(args)
	}
	return nil, types.NewTradeError(types.KindUserCodeError, "unknown capability %q", name)
}

func argString(args []script.Value, i int, what string) (string, error) {
	if i >= len(args) {
		return "", types.NewTradeError(types.KindUserCodeError, "missing %s argument", what)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", types.NewTradeError(types.KindUserCodeError, "%s must be a string", what)
	}
	return s, nil
}

func argNumber(args []script.Value, i int, what string) (float64, error) {
	if i >= len(args) {
		return 0, types.NewTradeError(types.KindUserCodeError, "missing %s argument", what)
	}
	f, ok := args[i].(float64)
	if !ok {
		return 0, types.NewTradeError(types.KindUserCodeError, "%s must be a number", what)
	}
	return f, nil
}

func argPair(args []script.Value, i int) (string, error) {
	s, err := argString(args, i, "pair")
	if err != nil {
		return "", err
	}
	if !addressRe.MatchString(s) {
		return "", types.NewTradeError(types.KindBadAddress, "pair %q", s)
	}
	return s, nil
}

// readSlot acquires a subgraph read permit: the per-strategy semaphore, the
// process-wide bucket, and the read deadline.
func (c *capability) readSlot(ctx context.Context) (context.Context, context.CancelFunc, error) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, types.WrapTradeError(types.KindTimeout, ctx.Err())
	}
	if err := c.host.limits.Subgraph.Wait(ctx); err != nil {
		<-c.sem
		return nil, nil, types.WrapTradeError(types.KindTimeout, err)
	}
	rctx, cancel := context.WithTimeout(ctx, c.host.subgraphTimeout)
	release := func() {
		cancel()
		<-c.sem
	}
	return rctx, release, nil
}

func (c *capability) listCoins(ctx context.Context, args []script.Value) (script.Value, error) {
	sort := "newest"
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			sort = s
		}
	}
	limit := 50
	if len(args) > 1 {
		if f, ok := args[1].(float64); ok {
			limit = int(f)
		}
	}

	rctx, release, err := c.readSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	coins, err := c.host.market.ListCoins(rctx, sort, limit, 0)
	if err != nil {
		return nil, err
	}
	out := make([]script.Value, len(coins))
	for i, coin := range coins {
		out[i] = coinValue(coin)
	}
	return out, nil
}

func (c *capability) getCoin(ctx context.Context, args []script.Value) (script.Value, error) {
	pair, err := argPair(args, 0)
	if err != nil {
		return nil, err
	}
	rctx, release, err := c.readSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	coin, err := c.host.market.GetCoin(rctx, pair)
	if err != nil {
		return nil, err
	}
	if coin == nil {
		return nil, nil
	}
	return coinValue(*coin), nil
}

func (c *capability) listTrades(ctx context.Context, args []script.Value) (script.Value, error) {
	pair, err := argPair(args, 0)
	if err != nil {
		return nil, err
	}
	limit := 100
	if len(args) > 1 {
		if f, ok := args[1].(float64); ok {
			limit = int(f)
		}
	}

	rctx, release, err := c.readSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	trades, err := c.host.market.ListTrades(rctx, pair, limit)
	if err != nil {
		return nil, err
	}
	out := make([]script.Value, len(trades))
	for i, tr := range trades {
		out[i] = map[string]script.Value{
			"pair":      tr.Pair,
			"side":      tr.Side,
			"ethAmount": tr.EthAmount,
			"timestamp": float64(tr.Timestamp),
		}
	}
	return out, nil
}

func (c *capability) fetchMetadata(ctx context.Context, args []script.Value) (script.Value, error) {
	uri, err := argString(args, 0, "uri")
	if err != nil {
		return nil, err
	}
	rctx, release, err := c.readSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	meta, err := c.host.market.FetchMetadata(rctx, uri)
	if err != nil {
		return nil, err
	}
	out := make(map[string]script.Value, len(meta))
	for k, v := range meta {
		out[k] = sanitizeJSON(v)
	}
	return out, nil
}

// getPrice quotes the pair live from its reserves, in ETH per whole token.
func (c *capability) getPrice(ctx context.Context, args []script.Value) (script.Value, error) {
	pair, err := argPair(args, 0)
	if err != nil {
		return nil, err
	}
	ethReserve, tokenReserve, err := c.host.chain.Reserves(ctx, common.HexToAddress(pair))
	if err != nil {
		return nil, err
	}
	if tokenReserve.Sign() == 0 {
		return 0.0, nil
	}
	price, _ := new(big.Float).Quo(new(big.Float).SetInt(ethReserve), new(big.Float).SetInt(tokenReserve)).Float64()
	return price, nil
}

func (c *capability) getMarketCap(ctx context.Context, args []script.Value) (script.Value, error) {
	pair, err := argPair(args, 0)
	if err != nil {
		return nil, err
	}
	rctx, release, err := c.readSlot(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	coin, err := c.host.market.GetCoin(rctx, pair)
	if err != nil {
		return nil, err
	}
	if coin == nil {
		return nil, types.NewTradeError(types.KindBadAddress, "unknown pair %s", pair)
	}
	return coin.EthCollected * c.host.ethUsd * marketCapSupplyFactor, nil
}

// trade routes a buy or sell through the executor and, for confirmed fills,
// appends the trade row and a trade-level log line. Reverted or simulated
// submissions leave no row.
func (c *capability) trade(ctx context.Context, side types.Side, args []script.Value) (script.Value, error) {
	pair, err := argPair(args, 0)
	if err != nil {
		return nil, err
	}
	what := "ethAmount"
	if side == types.Sell {
		what = "tokenAmount"
	}
	amount, err := argNumber(args, 1, what)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, types.NewTradeError(types.KindBadAmount, "%s %v must be positive", what, amount)
	}

	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if err := c.host.limits.Chain.Wait(ctx); err != nil {
		return nil, types.WrapTradeError(types.KindTimeout, err)
	}

	intent := types.TradeIntent{
		Side:   side,
		Pair:   pair,
		Amount: decimal.NewFromFloat(amount).String(),
	}
	receipt, err := c.host.trader.Execute(ctx, c.venue, c.runID, intent)
	if err != nil {
		c.buf.append(types.LogError, string(side)+" "+pair+" failed: "+err.Error())
		return nil, err
	}

	if receipt.Status == types.TxConfirmed {
		fill := fillFromReceipt(side, pair, receipt)
		trade, err := c.host.ledger.AppendTrade(c.runID, fill)
		if err != nil {
			return nil, err
		}
		c.buf.append(types.LogTrade, string(side)+" "+trade.TokenAmount+" tokens / "+trade.EthAmount+" ETH on "+pair)
	} else {
		c.buf.append(types.LogInfo, "simulated "+string(side)+" on "+pair)
	}

	return map[string]script.Value{
		"hash":   receipt.Hash,
		"status": string(receipt.Status),
	}, nil
}

func (c *capability) getBalance(ctx context.Context, args []script.Value) (script.Value, error) {
	token, err := argString(args, 0, "token")
	if err != nil {
		return nil, err
	}
	if !addressRe.MatchString(token) {
		return nil, types.NewTradeError(types.KindBadAddress, "token %q", token)
	}
	if c.wallet == (common.Address{}) {
		return 0.0, nil
	}
	bal, err := c.host.chain.TokenBalance(ctx, common.HexToAddress(token), c.wallet)
	if err != nil {
		return nil, err
	}
	f, _ := decimal.NewFromBigInt(bal, -18).Float64()
	return f, nil
}

func (c *capability) logLine(args []script.Value) (script.Value, error) {
	msg, err := argString(args, 0, "message")
	if err != nil {
		return nil, err
	}
	c.buf.append(types.LogInfo, msg)
	return nil, nil
}

func (c *capability) schedule(args []script.Value) (script.Value, error) {
	interval, err := argString(args, 0, "interval")
	if err != nil {
		return nil, err
	}
	if _, _, err := parseInterval(interval); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.scheduleReq = interval
	c.scheduled = true
	c.mu.Unlock()
	return nil, nil
}

func coinValue(coin types.Coin) script.Value {
	return map[string]script.Value{
		"pair":         coin.Pair,
		"token":        coin.Token,
		"name":         coin.Name,
		"symbol":       coin.Symbol,
		"priceEth":     coin.PriceEth,
		"ethCollected": coin.EthCollected,
		"marketCapUsd": coin.MarketCapUsd,
		"createdAt":    float64(coin.CreatedAt),
		"metadataUri":  coin.MetadataURI,
	}
}

// sanitizeJSON maps decoded JSON onto the interpreter's value set.
func sanitizeJSON(v any) script.Value {
	switch v := v.(type) {
	case nil, bool, float64, string:
		return v
	case []any:
		out := make([]script.Value, len(v))
		for i, e := range v {
			out[i] = sanitizeJSON(e)
		}
		return out
	case map[string]any:
		out := make(map[string]script.Value, len(v))
		for k, e := range v {
			out[k] = sanitizeJSON(e)
		}
		return out
	}
	return nil
}

func fillFromReceipt(side types.Side, pair string, r *types.Receipt) ledger.Fill {
	eth := decimal.Zero
	tokens := decimal.Zero
	if r.EthAmount != nil {
		eth = decimal.NewFromBigInt(r.EthAmount, -18)
	}
	if r.TokenAmount != nil {
		tokens = decimal.NewFromBigInt(r.TokenAmount, -18)
	}
	return ledger.Fill{
		Side:        side,
		Pair:        pair,
		EthAmount:   eth.String(),
		TokenAmount: tokens.String(),
		TxHash:      r.Hash,
	}
}
