package ledger

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"trad-core/pkg/types"
)

// OpenRun starts a new run for a strategy. A strategy can have at most one
// open run; opening a second fails.
func (l *Ledger) OpenRun(r *types.Run) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now().UTC()
	}

	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var open int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM runs WHERE strategy_id=? AND stopped_at IS NULL`, r.StrategyID).Scan(&open); err != nil {
		return fmt.Errorf("check open runs: %w", err)
	}
	if open > 0 {
		return fmt.Errorf("strategy %s already has an open run", r.StrategyID)
	}

	dry := 0
	if r.DryRun {
		dry = 1
	}
	_, err = tx.Exec(`INSERT INTO runs (id, strategy_id, started_at, stopped_at, initial_capital, mode, user_address, dry_run)
		VALUES (?, ?, ?, NULL, ?, ?, ?, ?)`,
		r.ID, r.StrategyID, r.StartedAt.Unix(), r.InitialCapital, r.Mode, r.UserAddress, dry)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return tx.Commit()
}

// CloseRun stamps stopped_at. Closing an already-closed run is a no-op.
func (l *Ledger) CloseRun(runID string) error {
	_, err := l.db.Exec(`UPDATE runs SET stopped_at=? WHERE id=? AND stopped_at IS NULL`,
		time.Now().UTC().Unix(), runID)
	if err != nil {
		return fmt.Errorf("close run: %w", err)
	}
	return nil
}

// ActiveRun returns the strategy's open run, or nil.
func (l *Ledger) ActiveRun(strategyID string) (*types.Run, error) {
	row := l.db.QueryRow(`SELECT id, strategy_id, started_at, stopped_at, initial_capital, mode, user_address, dry_run
		FROM runs WHERE strategy_id=? AND stopped_at IS NULL`, strategyID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetRun loads one run by ID.
func (l *Ledger) GetRun(runID string) (*types.Run, error) {
	row := l.db.QueryRow(`SELECT id, strategy_id, started_at, stopped_at, initial_capital, mode, user_address, dry_run
		FROM runs WHERE id=?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s not found", runID)
	}
	return r, err
}

// RunsByStrategy returns all runs of a strategy, newest first.
func (l *Ledger) RunsByStrategy(strategyID string) ([]*types.Run, error) {
	rows, err := l.db.Query(`SELECT id, strategy_id, started_at, stopped_at, initial_capital, mode, user_address, dry_run
		FROM runs WHERE strategy_id=? ORDER BY started_at DESC`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*types.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*types.Run, error) {
	var (
		r       types.Run
		started int64
		stopped sql.NullInt64
		dry     int
	)
	err := row.Scan(&r.ID, &r.StrategyID, &started, &stopped, &r.InitialCapital, &r.Mode, &r.UserAddress, &dry)
	if err != nil {
		return nil, err
	}
	r.StartedAt = time.Unix(started, 0).UTC()
	if stopped.Valid {
		t := time.Unix(stopped.Int64, 0).UTC()
		r.StoppedAt = &t
	}
	r.DryRun = dry != 0
	return &r, nil
}

// Fill is the input to AppendTrade: the confirmed amounts of one trade.
// Amounts are decimal strings (ETH and whole tokens respectively).
type Fill struct {
	Side        types.Side
	Pair        string
	EthAmount   string
	TokenAmount string
	TxHash      string
	Timestamp   time.Time
}

// AppendTrade records one confirmed fill and settles its PnL against the
// run's FIFO inventory, all in a single transaction.
//
// Buys open a lot (tokens acquired, gross ETH spent) and carry zero PnL.
// Sells consume lots front to back; the realized PnL is the ETH received
// minus the cost basis of the consumed tokens. Tokens sold beyond recorded
// inventory carry a zero cost basis.
func (l *Ledger) AppendTrade(runID string, f Fill) (*types.Trade, error) {
	ethAmt, err := decimal.NewFromString(f.EthAmount)
	if err != nil {
		return nil, fmt.Errorf("eth amount %q: %w", f.EthAmount, err)
	}
	tokenAmt, err := decimal.NewFromString(f.TokenAmount)
	if err != nil {
		return nil, fmt.Errorf("token amount %q: %w", f.TokenAmount, err)
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}

	tx, err := l.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var idx int
	var prevCum string
	err = tx.QueryRow(`SELECT idx, cumulative FROM trades WHERE run_id=? ORDER BY idx DESC LIMIT 1`, runID).
		Scan(&idx, &prevCum)
	switch err {
	case nil:
		idx++
	case sql.ErrNoRows:
		idx, prevCum = 0, "0"
	default:
		return nil, fmt.Errorf("last trade: %w", err)
	}
	cumulative, err := decimal.NewFromString(prevCum)
	if err != nil {
		return nil, fmt.Errorf("cumulative %q: %w", prevCum, err)
	}

	pnl := decimal.Zero
	pnlPct := 0.0
	if f.Side == types.Buy {
		_, err = tx.Exec(`INSERT INTO lots (run_id, token, token_amount, cost_basis) VALUES (?, ?, ?, ?)`,
			runID, f.Pair, tokenAmt.String(), ethAmt.String())
		if err != nil {
			return nil, fmt.Errorf("open lot: %w", err)
		}
	} else {
		cost, err := consumeLots(tx, runID, f.Pair, tokenAmt)
		if err != nil {
			return nil, err
		}
		pnl = ethAmt.Sub(cost)
		if cost.IsPositive() {
			pnlPct, _ = pnl.Div(cost).Mul(decimal.NewFromInt(100)).Float64()
		}
	}
	cumulative = cumulative.Add(pnl)

	_, err = tx.Exec(`INSERT INTO trades (run_id, idx, ts, side, pair, eth_amount, token_amount, pnl, pnl_pct, cumulative, tx_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, idx, f.Timestamp.Unix(), f.Side, f.Pair,
		ethAmt.String(), tokenAmt.String(), pnl.String(), pnlPct, cumulative.String(), f.TxHash)
	if err != nil {
		return nil, fmt.Errorf("insert trade: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &types.Trade{
		RunID:       runID,
		Idx:         idx,
		Timestamp:   f.Timestamp,
		Side:        f.Side,
		Pair:        f.Pair,
		EthAmount:   ethAmt.String(),
		TokenAmount: tokenAmt.String(),
		PnL:         pnl.String(),
		PnLPct:      pnlPct,
		Cumulative:  cumulative.String(),
		TxHash:      f.TxHash,
	}, nil
}

// consumeLots pops inventory front to back until want tokens are covered and
// returns the cost basis of what was consumed. A partially consumed lot keeps
// its proportional remainder.
func consumeLots(tx *sql.Tx, runID, token string, want decimal.Decimal) (decimal.Decimal, error) {
	rows, err := tx.Query(`SELECT id, token_amount, cost_basis FROM lots WHERE run_id=? AND token=? ORDER BY id`, runID, token)
	if err != nil {
		return decimal.Zero, fmt.Errorf("load lots: %w", err)
	}
	type lotRow struct {
		id           int64
		tokens, cost decimal.Decimal
	}
	var lots []lotRow
	for rows.Next() {
		var (
			lr             lotRow
			tokensS, costS string
		)
		if err := rows.Scan(&lr.id, &tokensS, &costS); err != nil {
			rows.Close()
			return decimal.Zero, err
		}
		if lr.tokens, err = decimal.NewFromString(tokensS); err != nil {
			rows.Close()
			return decimal.Zero, fmt.Errorf("lot tokens %q: %w", tokensS, err)
		}
		if lr.cost, err = decimal.NewFromString(costS); err != nil {
			rows.Close()
			return decimal.Zero, fmt.Errorf("lot cost %q: %w", costS, err)
		}
		lots = append(lots, lr)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return decimal.Zero, err
	}

	remaining := want
	cost := decimal.Zero
	for _, lot := range lots {
		if !remaining.IsPositive() {
			break
		}
		if lot.tokens.LessThanOrEqual(remaining) {
			cost = cost.Add(lot.cost)
			remaining = remaining.Sub(lot.tokens)
			if _, err := tx.Exec(`DELETE FROM lots WHERE id=?`, lot.id); err != nil {
				return decimal.Zero, fmt.Errorf("close lot: %w", err)
			}
			continue
		}
		share := lot.cost.Mul(remaining).Div(lot.tokens)
		cost = cost.Add(share)
		if _, err := tx.Exec(`UPDATE lots SET token_amount=?, cost_basis=? WHERE id=?`,
			lot.tokens.Sub(remaining).String(), lot.cost.Sub(share).String(), lot.id); err != nil {
			return decimal.Zero, fmt.Errorf("shrink lot: %w", err)
		}
		remaining = decimal.Zero
	}
	return cost, nil
}

// TradesByRun returns a run's trades in execution order.
func (l *Ledger) TradesByRun(runID string) ([]types.Trade, error) {
	return l.tradesSince(runID, 0)
}

func (l *Ledger) tradesSince(runID string, since int64) ([]types.Trade, error) {
	rows, err := l.db.Query(`SELECT run_id, idx, ts, side, pair, eth_amount, token_amount, pnl, pnl_pct, cumulative, tx_hash
		FROM trades WHERE run_id=? AND ts>=? ORDER BY idx`, runID, since)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var (
			t  types.Trade
			ts int64
		)
		if err := rows.Scan(&t.RunID, &t.Idx, &ts, &t.Side, &t.Pair,
			&t.EthAmount, &t.TokenAmount, &t.PnL, &t.PnLPct, &t.Cumulative, &t.TxHash); err != nil {
			return nil, err
		}
		t.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Positions returns the run's remaining FIFO inventory grouped by token.
func (l *Ledger) Positions(runID string) ([]types.Position, error) {
	rows, err := l.db.Query(`SELECT token, token_amount, cost_basis FROM lots WHERE run_id=? ORDER BY token, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list lots: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var token string
		var lot types.Lot
		if err := rows.Scan(&token, &lot.TokenAmount, &lot.CostBasis); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].Token != token {
			out = append(out, types.Position{RunID: runID, Token: token})
		}
		out[len(out)-1].Lots = append(out[len(out)-1].Lots, lot)
	}
	return out, rows.Err()
}
