// Package executor turns a validated trade intent into an on-chain
// transaction: pre-trade risk checks, a slippage-bounded quote against the
// pair's constant-product reserves, submission either directly from a stored
// key or through the custody contract, and receipt waiting.
package executor

import (
	"context"
	"crypto/ecdsa"
	"log/slog"
	"math/big"
	"regexp"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"trad-core/internal/config"
	"trad-core/internal/metrics"
	"trad-core/internal/poolmath"
	"trad-core/pkg/types"
)

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// tradeDeadline is how far in the future the on-chain deadline is set.
// The receipt wait uses the same horizon.
const tradeDeadline = time.Hour

// Backend is the chain access the executor needs. chain.Client is the live
// implementation; chain.SimBackend backs the tests.
type Backend interface {
	Reserves(ctx context.Context, pair common.Address) (ethReserve, tokenReserve *big.Int, err error)
	TokenOf(ctx context.Context, pair common.Address) (common.Address, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	DirectBuy(ctx context.Context, key *ecdsa.PrivateKey, pair common.Address, ethIn, minTokensOut *big.Int, deadline int64) (common.Hash, error)
	DirectSell(ctx context.Context, key *ecdsa.PrivateKey, pair common.Address, tokenIn, minEthOut *big.Int, deadline int64) (common.Hash, error)
	DelegateBuy(ctx context.Context, user, pair common.Address, ethIn, minTokensOut *big.Int, deadline int64) (common.Hash, error)
	DelegateSell(ctx context.Context, user, pair common.Address, tokenIn, minEthOut *big.Int, deadline int64) (common.Hash, error)
	WaitMined(ctx context.Context, hash common.Hash) (types.TxStatus, error)
	DelegateReady() bool
}

// SecretSource resolves the stored credential for a venue.
type SecretSource interface {
	VenueSecret(venue string) (*types.VenueSecret, error)
}

// Executor is shared by all strategies; per-run usage tracking lives in the
// embedded risk state.
type Executor struct {
	backend        Backend
	secrets        SecretSource
	risk           *riskState
	slippageBps    int64
	custodyFeeBps  int64
	dryRun         bool
	receiptTimeout time.Duration
	logger         *slog.Logger
}

// New creates an executor. custodyFeeBps is the custody contract's current
// operator fee, sampled at startup; it only affects delegate-mode quoting.
func New(backend Backend, secrets SecretSource, cfg config.RiskConfig, custodyFeeBps int64, dryRun bool, receiptTimeout time.Duration, logger *slog.Logger) *Executor {
	if receiptTimeout <= 0 {
		receiptTimeout = tradeDeadline
	}
	return &Executor{
		backend:        backend,
		secrets:        secrets,
		risk:           newRiskState(cfg),
		slippageBps:    int64(cfg.SlippageBps),
		custodyFeeBps:  custodyFeeBps,
		dryRun:         dryRun,
		receiptTimeout: receiptTimeout,
		logger:         logger.With("component", "executor"),
	}
}

// Execute runs the full pipeline for one intent. On a revert the error kind
// carries the decoded reason and no receipt is returned; the caller records
// nothing (revert means no trade row).
func (e *Executor) Execute(ctx context.Context, venue, runID string, intent types.TradeIntent) (*types.Receipt, error) {
	// 1. Validate.
	if !addressRe.MatchString(intent.Pair) {
		return nil, types.NewTradeError(types.KindBadAddress, "pair %q", intent.Pair)
	}
	amountWei, err := parseAmount(intent.Amount)
	if err != nil {
		return nil, err
	}

	// 2. Risk ceilings, buys only for the ETH caps.
	if err := e.risk.check(runID, intent.Side, intent.Amount); err != nil {
		return nil, err
	}

	// 3. Dry-run short-circuit: synthetic receipt, zero chain interaction.
	if e.dryRun {
		return &types.Receipt{Hash: types.ZeroHash, Status: types.TxSimulated}, nil
	}

	// 4. Mode selection.
	mode, key, user, err := e.selectMode(venue)
	if err != nil {
		return nil, err
	}

	pair := common.HexToAddress(intent.Pair)
	receipt, err := e.trade(ctx, mode, key, user, pair, intent.Side, amountWei)
	if err != nil {
		return nil, err
	}

	e.risk.commit(runID, intent.Side, intent.Amount)
	metrics.TradesSubmitted.Inc()
	e.logger.Info("trade confirmed",
		"run", runID, "side", intent.Side, "pair", intent.Pair,
		"amount", intent.Amount, "hash", receipt.Hash, "mode", mode,
	)
	return receipt, nil
}

// SelectModeForRun reports which execution mode a run on this venue will use
// without submitting anything, plus the wallet address the run trades as
// (the custody depositor in delegate mode, the key's address in direct
// mode). The runtime records it on the Run row.
func (e *Executor) SelectModeForRun(venue string) (types.ExecMode, string) {
	if e.dryRun {
		return types.ModeSimulated, ""
	}
	mode, key, user, err := e.selectMode(venue)
	if err != nil {
		return types.ModeSimulated, ""
	}
	if mode == types.ModeDelegate {
		return mode, user.Hex()
	}
	return mode, crypto.PubkeyToAddress(key.PublicKey).Hex()
}

// selectMode resolves the venue credential into an execution mode.
// Delegate wins when the custody wiring is up and the credential stores a
// bare user address; a hex private key selects direct mode.
func (e *Executor) selectMode(venue string) (types.ExecMode, *ecdsa.PrivateKey, common.Address, error) {
	secret, err := e.secrets.VenueSecret(venue)
	if err != nil || secret == nil || secret.Key == "" {
		return "", nil, common.Address{}, types.NewTradeError(types.KindVenueNotConfigured, "no credential for venue %q", venue)
	}

	if e.backend.DelegateReady() && addressRe.MatchString(secret.Key) {
		return types.ModeDelegate, nil, common.HexToAddress(secret.Key), nil
	}

	key, kerr := parseHexKey(secret.Key)
	if kerr != nil {
		if e.backend.DelegateReady() {
			return "", nil, common.Address{}, types.NewTradeError(types.KindDelegateNotConfigured, "venue %q credential is neither a user address nor a key", venue)
		}
		return "", nil, common.Address{}, types.NewTradeError(types.KindVenueNotConfigured, "venue %q credential is not a usable key", venue)
	}
	return types.ModeDirect, key, common.Address{}, nil
}

// trade quotes and submits, then waits for the receipt.
func (e *Executor) trade(ctx context.Context, mode types.ExecMode, key *ecdsa.PrivateKey, user, pair common.Address, side types.Side, amountWei *big.Int) (*types.Receipt, error) {
	ethReserve, tokenReserve, err := e.backend.Reserves(ctx, pair)
	if err != nil {
		return nil, err
	}

	var (
		expected, minOut *big.Int
		poolIn           = amountWei
	)
	if side == types.Buy {
		// Delegate buys: the custody fee comes off the top; the pool never
		// sees the fee portion, so quote on the net amount.
		if mode == types.ModeDelegate {
			poolIn, _ = poolmath.ApplyFeeBps(amountWei, e.custodyFeeBps)
		}
		expected, minOut = poolmath.BuyQuote(ethReserve, tokenReserve, poolIn, e.slippageBps)
	} else {
		expected, minOut = poolmath.SellQuote(ethReserve, tokenReserve, amountWei, e.slippageBps)
	}

	deadline := time.Now().Add(tradeDeadline).Unix()
	var hash common.Hash
	switch {
	case mode == types.ModeDelegate && side == types.Buy:
		hash, err = e.backend.DelegateBuy(ctx, user, pair, amountWei, minOut, deadline)
	case mode == types.ModeDelegate:
		hash, err = e.backend.DelegateSell(ctx, user, pair, amountWei, minOut, deadline)
	case side == types.Buy:
		hash, err = e.backend.DirectBuy(ctx, key, pair, amountWei, minOut, deadline)
	default:
		hash, err = e.backend.DirectSell(ctx, key, pair, amountWei, minOut, deadline)
	}
	if err != nil {
		return nil, err
	}
	metrics.ChainSubmissions.Inc()

	waitCtx, cancel := context.WithTimeout(ctx, e.receiptTimeout)
	defer cancel()
	status, err := e.backend.WaitMined(waitCtx, hash)
	if err != nil {
		return nil, err
	}
	if status != types.TxConfirmed {
		return nil, types.NewTradeError(types.KindUnknownRevert, "transaction %s reverted", hash.Hex())
	}

	rcpt := &types.Receipt{Hash: hash.Hex(), Status: status}
	if side == types.Buy {
		rcpt.EthAmount = amountWei
		rcpt.TokenAmount = expected
	} else {
		rcpt.EthAmount = expected
		rcpt.TokenAmount = amountWei
	}
	return rcpt, nil
}

// parseAmount parses a positive decimal with at most 18 fractional digits
// into wei (or base token units).
func parseAmount(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, types.NewTradeError(types.KindBadAmount, "amount %q", s)
	}
	if d.Sign() <= 0 {
		return nil, types.NewTradeError(types.KindBadAmount, "amount %q must be positive", s)
	}
	shifted := d.Shift(18)
	if !shifted.IsInteger() {
		return nil, types.NewTradeError(types.KindBadAmount, "amount %q has more than 18 fractional digits", s)
	}
	return shifted.BigInt(), nil
}

func parseHexKey(s string) (*ecdsa.PrivateKey, error) {
	if len(s) >= 2 && s[:2] == "0x" {
		s = s[2:]
	}
	return crypto.HexToECDSA(s)
}
