package executor

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trad-core/internal/config"
	"trad-core/pkg/types"
)

// riskState enforces the pre-submission ceilings: per-trade, per-run and
// per-day ETH spend (buys only — sells return capital) and per-run trade
// count. Zero-valued limits are disabled.
type riskState struct {
	mu  sync.Mutex
	cfg config.RiskConfig

	perRunEth    map[string]decimal.Decimal
	perRunTrades map[string]int
	day          string // yyyy-mm-dd the daily counter belongs to
	dayEth       decimal.Decimal
}

func newRiskState(cfg config.RiskConfig) *riskState {
	return &riskState{
		cfg:          cfg,
		perRunEth:    make(map[string]decimal.Decimal),
		perRunTrades: make(map[string]int),
		dayEth:       decimal.Zero,
	}
}

// check rejects an intent that would breach a ceiling. It does not reserve:
// ticks within a run are serialized, so check/commit cannot interleave for
// the same run.
func (r *riskState) check(runID string, side types.Side, amount string) error {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return types.NewTradeError(types.KindBadAmount, "amount %q", amount)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollDayLocked()

	if r.cfg.MaxTradesPerRun > 0 && r.perRunTrades[runID] >= r.cfg.MaxTradesPerRun {
		return types.NewTradeError(types.KindRiskLimitExceeded, "run trade count at limit %d", r.cfg.MaxTradesPerRun)
	}
	if side != types.Buy {
		return nil
	}

	if r.cfg.MaxEthPerTrade > 0 && amt.GreaterThan(decimal.NewFromFloat(r.cfg.MaxEthPerTrade)) {
		return types.NewTradeError(types.KindRiskLimitExceeded, "%s ETH exceeds per-trade limit %v", amount, r.cfg.MaxEthPerTrade)
	}
	if r.cfg.MaxEthPerRun > 0 {
		if r.perRunEth[runID].Add(amt).GreaterThan(decimal.NewFromFloat(r.cfg.MaxEthPerRun)) {
			return types.NewTradeError(types.KindRiskLimitExceeded, "run ETH spend would exceed %v", r.cfg.MaxEthPerRun)
		}
	}
	if r.cfg.MaxEthPerDay > 0 {
		if r.dayEth.Add(amt).GreaterThan(decimal.NewFromFloat(r.cfg.MaxEthPerDay)) {
			return types.NewTradeError(types.KindRiskLimitExceeded, "daily ETH spend would exceed %v", r.cfg.MaxEthPerDay)
		}
	}
	return nil
}

// commit records usage after a confirmed trade.
func (r *riskState) commit(runID string, side types.Side, amount string) {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollDayLocked()

	r.perRunTrades[runID]++
	if side == types.Buy {
		r.perRunEth[runID] = r.perRunEth[runID].Add(amt)
		r.dayEth = r.dayEth.Add(amt)
	}
}

// forgetRun drops per-run counters once a run closes.
func (r *riskState) forgetRun(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.perRunEth, runID)
	delete(r.perRunTrades, runID)
}

func (r *riskState) rollDayLocked() {
	today := time.Now().UTC().Format(time.DateOnly)
	if r.day != today {
		r.day = today
		r.dayEth = decimal.Zero
	}
}

// ForgetRun releases risk counters for a closed run.
func (e *Executor) ForgetRun(runID string) { e.risk.forgetRun(runID) }
