// Package ledger is the persistent record of everything the runtime does:
// strategy definitions, runs, the append-only trade log with FIFO PnL
// accounting, and venue credentials. It is backed by a single SQLite file.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"trad-core/pkg/types"
)

// Ledger wraps the SQLite handle. All methods are safe for concurrent use;
// SQLite serializes writers and the driver retries on busy.
type Ledger struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS strategies (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL,
	description    TEXT NOT NULL DEFAULT '',
	venue          TEXT NOT NULL,
	status         TEXT NOT NULL,
	source         TEXT NOT NULL DEFAULT '',
	param_schema   TEXT NOT NULL DEFAULT '[]',
	params         TEXT NOT NULL DEFAULT '{}',
	dashboard_spec TEXT NOT NULL DEFAULT '',
	chat_history   TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	strategy_id     TEXT NOT NULL REFERENCES strategies(id),
	started_at      INTEGER NOT NULL,
	stopped_at      INTEGER,
	initial_capital TEXT NOT NULL DEFAULT '0',
	mode            TEXT NOT NULL,
	user_address    TEXT NOT NULL DEFAULT '',
	dry_run         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_strategy ON runs(strategy_id, started_at);

CREATE TABLE IF NOT EXISTS trades (
	run_id       TEXT NOT NULL REFERENCES runs(id),
	idx          INTEGER NOT NULL,
	ts           INTEGER NOT NULL,
	side         TEXT NOT NULL,
	pair         TEXT NOT NULL,
	eth_amount   TEXT NOT NULL,
	token_amount TEXT NOT NULL,
	pnl          TEXT NOT NULL,
	pnl_pct      REAL NOT NULL,
	cumulative   TEXT NOT NULL,
	tx_hash      TEXT NOT NULL,
	PRIMARY KEY (run_id, idx)
);
CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(run_id, ts);

CREATE TABLE IF NOT EXISTS lots (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	token        TEXT NOT NULL,
	token_amount TEXT NOT NULL,
	cost_basis   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lots_run ON lots(run_id, token, id);

CREATE TABLE IF NOT EXISTS secrets (
	venue      TEXT PRIMARY KEY,
	key        TEXT NOT NULL,
	endpoint   TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);
`

// Open opens (creating if needed) the ledger database at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY under write load.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{db: db}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// ————————————————————————————————————————————————————————————————————————
// Strategies
// ————————————————————————————————————————————————————————————————————————

// CreateStrategy inserts a new strategy. A missing ID is generated; status
// defaults to draft.
func (l *Ledger) CreateStrategy(s *types.Strategy) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = types.StatusDraft
	}
	now := time.Now().UTC()
	s.CreatedAt, s.UpdatedAt = now, now

	schemaJSON, paramsJSON, err := encodeStrategyJSON(s)
	if err != nil {
		return err
	}
	_, err = l.db.Exec(`INSERT INTO strategies
		(id, name, description, venue, status, source, param_schema, params, dashboard_spec, chat_history, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Description, s.Venue, s.Status, s.Source,
		schemaJSON, paramsJSON, s.DashboardSpec, s.ChatHistory,
		now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("insert strategy: %w", err)
	}
	return nil
}

// UpdateStrategy overwrites all mutable fields of an existing strategy.
func (l *Ledger) UpdateStrategy(s *types.Strategy) error {
	s.UpdatedAt = time.Now().UTC()
	schemaJSON, paramsJSON, err := encodeStrategyJSON(s)
	if err != nil {
		return err
	}
	res, err := l.db.Exec(`UPDATE strategies SET
		name=?, description=?, venue=?, status=?, source=?, param_schema=?, params=?, dashboard_spec=?, chat_history=?, updated_at=?
		WHERE id=?`,
		s.Name, s.Description, s.Venue, s.Status, s.Source,
		schemaJSON, paramsJSON, s.DashboardSpec, s.ChatHistory,
		s.UpdatedAt.Unix(), s.ID)
	if err != nil {
		return fmt.Errorf("update strategy: %w", err)
	}
	return requireRow(res, "strategy "+s.ID)
}

// SetStrategyStatus flips just the lifecycle state.
func (l *Ledger) SetStrategyStatus(id string, status types.StrategyStatus) error {
	res, err := l.db.Exec(`UPDATE strategies SET status=?, updated_at=? WHERE id=?`,
		status, time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("set strategy status: %w", err)
	}
	return requireRow(res, "strategy "+id)
}

// GetStrategy loads one strategy by ID.
func (l *Ledger) GetStrategy(id string) (*types.Strategy, error) {
	row := l.db.QueryRow(`SELECT id, name, description, venue, status, source,
		param_schema, params, dashboard_spec, chat_history, created_at, updated_at
		FROM strategies WHERE id=?`, id)
	return scanStrategy(row)
}

// ListStrategies returns all strategies, newest first.
func (l *Ledger) ListStrategies() ([]*types.Strategy, error) {
	rows, err := l.db.Query(`SELECT id, name, description, venue, status, source,
		param_schema, params, dashboard_spec, chat_history, created_at, updated_at
		FROM strategies ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	var out []*types.Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteStrategy removes a strategy and its runs, trades and lots.
func (l *Ledger) DeleteStrategy(id string) error {
	tx, err := l.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM trades WHERE run_id IN (SELECT id FROM runs WHERE strategy_id=?)`, id); err != nil {
		return fmt.Errorf("delete trades: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM lots WHERE run_id IN (SELECT id FROM runs WHERE strategy_id=?)`, id); err != nil {
		return fmt.Errorf("delete lots: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM runs WHERE strategy_id=?`, id); err != nil {
		return fmt.Errorf("delete runs: %w", err)
	}
	res, err := tx.Exec(`DELETE FROM strategies WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete strategy: %w", err)
	}
	if err := requireRow(res, "strategy "+id); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (*types.Strategy, error) {
	var (
		s                      types.Strategy
		schemaJSON, paramsJSON string
		created, updated       int64
	)
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.Venue, &s.Status, &s.Source,
		&schemaJSON, &paramsJSON, &s.DashboardSpec, &s.ChatHistory, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("strategy not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan strategy: %w", err)
	}
	if err := json.Unmarshal([]byte(schemaJSON), &s.ParamSchema); err != nil {
		return nil, fmt.Errorf("decode param schema: %w", err)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &s.Params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	s.CreatedAt = time.Unix(created, 0).UTC()
	s.UpdatedAt = time.Unix(updated, 0).UTC()
	return &s, nil
}

func encodeStrategyJSON(s *types.Strategy) (schemaJSON, paramsJSON string, err error) {
	if s.ParamSchema == nil {
		s.ParamSchema = []types.ParamDecl{}
	}
	if s.Params == nil {
		s.Params = map[string]string{}
	}
	sj, err := json.Marshal(s.ParamSchema)
	if err != nil {
		return "", "", fmt.Errorf("encode param schema: %w", err)
	}
	pj, err := json.Marshal(s.Params)
	if err != nil {
		return "", "", fmt.Errorf("encode params: %w", err)
	}
	return string(sj), string(pj), nil
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s not found", what)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Venue secrets
// ————————————————————————————————————————————————————————————————————————

// PutVenueSecret stores or replaces the credential for a venue.
func (l *Ledger) PutVenueSecret(s *types.VenueSecret) error {
	s.UpdatedAt = time.Now().UTC()
	_, err := l.db.Exec(`INSERT INTO secrets (venue, key, endpoint, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(venue) DO UPDATE SET key=excluded.key, endpoint=excluded.endpoint, updated_at=excluded.updated_at`,
		s.Venue, s.Key, s.Endpoint, s.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("put secret: %w", err)
	}
	return nil
}

// VenueSecret returns the stored credential, or nil when none exists.
// This satisfies the executor's SecretSource.
func (l *Ledger) VenueSecret(venue string) (*types.VenueSecret, error) {
	var (
		s       types.VenueSecret
		updated int64
	)
	err := l.db.QueryRow(`SELECT venue, key, endpoint, updated_at FROM secrets WHERE venue=?`, venue).
		Scan(&s.Venue, &s.Key, &s.Endpoint, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load secret: %w", err)
	}
	s.UpdatedAt = time.Unix(updated, 0).UTC()
	return &s, nil
}

// ListVenues reports which venues have a credential, never the credential
// itself.
func (l *Ledger) ListVenues() ([]string, error) {
	rows, err := l.db.Query(`SELECT venue FROM secrets ORDER BY venue`)
	if err != nil {
		return nil, fmt.Errorf("list venues: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteVenueSecret removes a venue credential.
func (l *Ledger) DeleteVenueSecret(venue string) error {
	_, err := l.db.Exec(`DELETE FROM secrets WHERE venue=?`, venue)
	return err
}
