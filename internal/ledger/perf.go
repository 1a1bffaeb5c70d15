package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trad-core/pkg/types"
)

// rangeDurations maps the supported performance ranges. "all" is the zero
// value (no lower bound).
var rangeDurations = map[string]time.Duration{
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"all": 0,
}

// Performance aggregates a run's trades over a named range (1h, 4h, 1d, 7d,
// all). The equity curve is bracketed: a synthetic origin at the range start
// with zero PnL, every trade's cumulative, and a closing point at now
// replicating the last cumulative, so the chart spans the full window even
// when trades cluster.
func (l *Ledger) Performance(runID, rng string) (*types.Performance, error) {
	dur, ok := rangeDurations[rng]
	if !ok {
		return nil, fmt.Errorf("unknown range %q", rng)
	}

	run, err := l.GetRun(runID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var since int64
	start := run.StartedAt
	if dur > 0 {
		start = now.Add(-dur)
		since = start.Unix()
	}

	trades, err := l.tradesSince(runID, since)
	if err != nil {
		return nil, err
	}

	perf := &types.Performance{Trades: trades}
	perf.EquityCurve = equityCurve(start, now, trades)
	perf.Summary = summarize(run, trades)
	return perf, nil
}

// StrategyPerformance resolves a strategy to its active run, or the latest
// run when none is open, and aggregates that. A non-empty runID pins the run
// explicitly.
func (l *Ledger) StrategyPerformance(strategyID, rng, runID string) (*types.Performance, error) {
	if runID == "" {
		run, err := l.ActiveRun(strategyID)
		if err != nil {
			return nil, err
		}
		if run == nil {
			err := l.db.QueryRow(`SELECT id FROM runs WHERE strategy_id=? ORDER BY started_at DESC LIMIT 1`, strategyID).Scan(&runID)
			if err == sql.ErrNoRows {
				return nil, fmt.Errorf("strategy %s has no runs", strategyID)
			}
			if err != nil {
				return nil, fmt.Errorf("latest run: %w", err)
			}
		} else {
			runID = run.ID
		}
	}
	return l.Performance(runID, rng)
}

func equityCurve(start, end time.Time, trades []types.Trade) []types.EquityPoint {
	curve := []types.EquityPoint{{Timestamp: start, Cumulative: 0}}
	last := 0.0
	for _, t := range trades {
		cum, err := decimal.NewFromString(t.Cumulative)
		if err != nil {
			continue
		}
		last, _ = cum.Float64()
		curve = append(curve, types.EquityPoint{Timestamp: t.Timestamp, Cumulative: last})
	}
	return append(curve, types.EquityPoint{Timestamp: end, Cumulative: last})
}

// summarize computes the headline statistics over the filtered trades.
// Win rate counts sells only; buys are inventory acquisition.
func summarize(run *types.Run, trades []types.Trade) types.Summary {
	var sum types.Summary

	total := decimal.Zero
	var sells, wins int
	first := true
	for _, t := range trades {
		pnl, err := decimal.NewFromString(t.PnL)
		if err != nil {
			continue
		}
		total = total.Add(pnl)
		if t.Side != types.Sell {
			continue
		}
		sells++
		if pnl.IsPositive() {
			wins++
		}
		f, _ := pnl.Float64()
		if first || f > sum.BestPnL {
			sum.BestPnL = f
		}
		if first || f < sum.WorstPnL {
			sum.WorstPnL = f
		}
		first = false
	}
	sum.TotalPnL, _ = total.Float64()

	capital, _ := decimal.NewFromString(run.InitialCapital)
	if capital.IsPositive() {
		pct, _ := total.Div(capital).Mul(decimal.NewFromInt(100)).Float64()
		sum.TotalPnLPct = pct
	}
	if sells > 0 {
		sum.WinRate = float64(wins) / float64(sells) * 100
		sum.AvgPnL = sum.TotalPnL / float64(sells)
	}

	sum.MaxDrawdownPct = maxDrawdownPct(trades)
	return sum
}

// maxDrawdownPct is the largest (peak - current)/peak along the cumulative
// series, in percent. Stretches where the running peak is non-positive
// contribute nothing.
func maxDrawdownPct(trades []types.Trade) float64 {
	var peak, maxDD float64
	for _, t := range trades {
		cum, err := decimal.NewFromString(t.Cumulative)
		if err != nil {
			continue
		}
		c, _ := cum.Float64()
		if c > peak {
			peak = c
			continue
		}
		if peak > 0 {
			if dd := (peak - c) / peak * 100; dd > maxDD {
				maxDD = dd
			}
		}
	}
	return maxDD
}
