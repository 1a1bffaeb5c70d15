// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the strategy execution core —
// strategies, runs, trades, positions, trade intents, and receipts. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"math/big"
	"time"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// StrategyStatus is the persisted lifecycle state of a strategy definition.
type StrategyStatus string

const (
	StatusDraft  StrategyStatus = "draft"
	StatusActive StrategyStatus = "active"
	StatusPaused StrategyStatus = "paused"
	StatusError  StrategyStatus = "error"
)

// ExecMode tags how a run's trades reach the chain.
type ExecMode string

const (
	ModeDirect    ExecMode = "direct"    // signed from a stored private key
	ModeDelegate  ExecMode = "delegate"  // routed through the custody contract
	ModeSimulated ExecMode = "simulated" // dry-run, no chain writes
)

// TxStatus is the terminal state of a submitted trade.
type TxStatus string

const (
	TxConfirmed TxStatus = "confirmed"
	TxReverted  TxStatus = "reverted"
	TxSimulated TxStatus = "simulated"
)

// LogLevel classifies run log lines.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogTrade LogLevel = "trade"
	LogError LogLevel = "error"
)

// ————————————————————————————————————————————————————————————————————————
// Persistent records
// ————————————————————————————————————————————————————————————————————————

// Strategy is the persistent definition of one user-authored strategy.
// Source is the generated strategy program; ParamSchema is derived from its
// @param directives, Params holds the user's overrides.
type Strategy struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Description   string            `json:"description"`
	Venue         string            `json:"venue"`
	Status        StrategyStatus    `json:"status"`
	Source        string            `json:"source"`
	ParamSchema   []ParamDecl       `json:"param_schema"`
	Params        map[string]string `json:"params"`
	DashboardSpec string            `json:"dashboard_spec,omitempty"`
	ChatHistory   string            `json:"chat_history,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ParamDecl is one @param directive: name, type tag, default, description.
type ParamDecl struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Default     string `json:"default"`
	Description string `json:"description"`
}

// Run is a single activation interval of a strategy.
// At most one run per strategy has StoppedAt == nil.
type Run struct {
	ID             string     `json:"id"`
	StrategyID     string     `json:"strategy_id"`
	StartedAt      time.Time  `json:"started_at"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	InitialCapital string     `json:"initial_capital_eth"` // decimal ETH string
	Mode           ExecMode   `json:"mode"`
	UserAddress    string     `json:"user_address,omitempty"` // delegate mode only
	DryRun         bool       `json:"dry_run"`
}

// Trade is a single fill inside a run. Rows are append-only and carry a
// monotonic Idx per run; Cumulative is the running PnL sum through this trade.
type Trade struct {
	RunID       string    `json:"run_id"`
	Idx         int       `json:"idx"`
	Timestamp   time.Time `json:"timestamp"`
	Side        Side      `json:"side"`
	Pair        string    `json:"pair"`
	EthAmount   string    `json:"eth_amount"`   // decimal ETH string
	TokenAmount string    `json:"token_amount"` // decimal token string
	PnL         string    `json:"pnl_eth"`
	PnLPct      float64   `json:"pnl_pct"`
	Cumulative  string    `json:"cumulative_eth"`
	TxHash      string    `json:"tx_hash"`
}

// Lot is one FIFO inventory entry: tokens acquired and the gross ETH spent
// to acquire them. Sells consume lots in insertion order.
type Lot struct {
	TokenAmount string `json:"token_amount"`
	CostBasis   string `json:"cost_basis_eth"`
}

// Position is the per-(run, token) FIFO inventory.
type Position struct {
	RunID string `json:"run_id"`
	Token string `json:"token"`
	Lots  []Lot  `json:"lots"`
}

// VenueSecret is the stored credential for one venue. Key is either a hex
// private key (direct mode) or a bare user wallet address (delegate mode).
type VenueSecret struct {
	Venue     string    `json:"venue"`
	Key       string    `json:"key"`
	Endpoint  string    `json:"endpoint"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ————————————————————————————————————————————————————————————————————————
// Execution
// ————————————————————————————————————————————————————————————————————————

// TradeIntent is what a strategy's buy/sell call reduces to before execution.
// Amount is a decimal string with up to 18 fractional digits: ETH in for
// buys, tokens in for sells.
type TradeIntent struct {
	Side   Side
	Pair   string
	Amount string
	User   string // delegate mode: custody depositor whose balance trades
}

// Receipt is the outcome of a submitted (or simulated) trade.
type Receipt struct {
	Hash        string   `json:"hash"`
	Status      TxStatus `json:"status"`
	EthAmount   *big.Int `json:"-"` // wei moved on the ETH side
	TokenAmount *big.Int `json:"-"` // base-unit tokens moved
}

// ZeroHash is the synthetic transaction hash returned by dry-run trades.
const ZeroHash = "0x0000000000000000000000000000000000000000000000000000000000000000"

// LogLine is one entry in a run's rolling log buffer.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
}

// ————————————————————————————————————————————————————————————————————————
// Market data (subgraph read surface)
// ————————————————————————————————————————————————————————————————————————

// Coin is one launchpad token as reported by the subgraph.
type Coin struct {
	Pair         string  `json:"pair"`
	Token        string  `json:"token"`
	Name         string  `json:"name"`
	Symbol       string  `json:"symbol"`
	PriceEth     float64 `json:"price_eth"`
	EthCollected float64 `json:"eth_collected"`
	MarketCapUsd float64 `json:"market_cap_usd"`
	CreatedAt    int64   `json:"created_at"`
	MetadataURI  string  `json:"metadata_uri"`
}

// CoinTrade is one historical fill on a pair from the subgraph.
type CoinTrade struct {
	Pair      string  `json:"pair"`
	Side      string  `json:"side"`
	EthAmount float64 `json:"eth_amount"`
	Timestamp int64   `json:"timestamp"`
}

// Performance aggregates one run's trades over a time range.
type Performance struct {
	EquityCurve []EquityPoint `json:"equity_curve"`
	Trades      []Trade       `json:"trades"`
	Summary     Summary       `json:"summary"`
}

// EquityPoint is one point on the cumulative-PnL curve.
type EquityPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Cumulative float64   `json:"cumulative_eth"`
}

// Summary holds the headline statistics over a performance range.
// WinRate counts sells only; buys are inventory acquisition, not P/L events.
type Summary struct {
	TotalPnL       float64 `json:"total_pnl_eth"`
	TotalPnLPct    float64 `json:"total_pnl_pct"`
	WinRate        float64 `json:"win_rate_pct"`
	MaxDrawdownPct float64 `json:"max_drawdown_pct"`
	AvgPnL         float64 `json:"avg_pnl_eth"`
	BestPnL        float64 `json:"best_pnl_eth"`
	WorstPnL       float64 `json:"worst_pnl_eth"`
}
