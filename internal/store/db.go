// Package store is the persistence layer: an embedded SQLite database
// holding events, markets, trades, whale trades and sync cursors.
//
// The schema is created on open and upgraded additively; rollup columns
// (trade_count) are repaired from the trades table at migration time so the
// denormalized counters can always be rebuilt from the authoritative rows.
// WAL mode lets API readers proceed while the scheduler writes.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("store: not found")

const queryTimeout = 15 * time.Second

// Store wraps the SQLite handle and owns schema management.
type Store struct {
	db   *sqlx.DB
	path string
	log  *slog.Logger
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db, path: path, log: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	s.log.Info("database ready", "path", path)
	return s, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SizeBytes reports the database file size. Zero when the file cannot be
// stat'ed (e.g. in-memory databases).
func (s *Store) SizeBytes() int64 {
	fi, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// DB exposes the handle for packages that own their own queries
// (metrics, klines, whale detection).
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.log.Warn("rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	slug            TEXT NOT NULL UNIQUE,
	title           TEXT NOT NULL DEFAULT '',
	description     TEXT NOT NULL DEFAULT '',
	category        TEXT NOT NULL DEFAULT '',
	start_date      TEXT NOT NULL DEFAULT '',
	end_date        TEXT NOT NULL DEFAULT '',
	image           TEXT NOT NULL DEFAULT '',
	icon            TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL DEFAULT 'active',
	neg_risk        INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id           INTEGER REFERENCES events(id),
	slug               TEXT NOT NULL DEFAULT '',
	condition_id       TEXT NOT NULL UNIQUE,
	question_id        TEXT NOT NULL DEFAULT '',
	oracle             TEXT NOT NULL DEFAULT '',
	collateral_token   TEXT NOT NULL DEFAULT '',
	yes_token_id       TEXT NOT NULL DEFAULT '',
	no_token_id        TEXT NOT NULL DEFAULT '',
	neg_risk           INTEGER NOT NULL DEFAULT 0,
	verified           INTEGER NOT NULL DEFAULT 0,
	sync_warning       TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'active',
	question           TEXT NOT NULL DEFAULT '',
	description        TEXT NOT NULL DEFAULT '',
	outcomes           TEXT NOT NULL DEFAULT '',
	outcome_prices     TEXT NOT NULL DEFAULT '',
	end_date           TEXT NOT NULL DEFAULT '',
	image              TEXT NOT NULL DEFAULT '',
	icon               TEXT NOT NULL DEFAULT '',
	category           TEXT NOT NULL DEFAULT '',
	volume             REAL NOT NULL DEFAULT 0,
	volume_24h         REAL NOT NULL DEFAULT 0,
	liquidity          REAL NOT NULL DEFAULT 0,
	best_bid           REAL NOT NULL DEFAULT 0,
	best_ask           REAL NOT NULL DEFAULT 0,
	trade_count        INTEGER NOT NULL DEFAULT 0,
	unique_traders_24h INTEGER NOT NULL DEFAULT 0,
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_markets_slug ON markets(slug);
CREATE INDEX IF NOT EXISTS idx_markets_yes_token ON markets(yes_token_id);
CREATE INDEX IF NOT EXISTS idx_markets_no_token ON markets(no_token_id);
CREATE INDEX IF NOT EXISTS idx_markets_event_id ON markets(event_id);
CREATE INDEX IF NOT EXISTS idx_markets_category ON markets(category);
CREATE INDEX IF NOT EXISTS idx_markets_volume ON markets(volume DESC);
CREATE INDEX IF NOT EXISTS idx_markets_status ON markets(status);

CREATE TABLE IF NOT EXISTS trades (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	market_id    INTEGER NOT NULL REFERENCES markets(id),
	tx_hash      TEXT NOT NULL,
	log_index    INTEGER NOT NULL,
	block_number INTEGER NOT NULL DEFAULT 0,
	maker        TEXT NOT NULL DEFAULT '',
	taker        TEXT NOT NULL DEFAULT '',
	side         TEXT NOT NULL DEFAULT '',
	outcome      TEXT NOT NULL DEFAULT '',
	price        REAL NOT NULL DEFAULT 0,
	size         REAL NOT NULL DEFAULT 0,
	fee          REAL NOT NULL DEFAULT 0,
	token_id     TEXT NOT NULL DEFAULT '',
	timestamp    TEXT NOT NULL DEFAULT '',
	UNIQUE (tx_hash, log_index)
);
CREATE INDEX IF NOT EXISTS idx_trades_market_id ON trades(market_id);
CREATE INDEX IF NOT EXISTS idx_trades_block ON trades(block_number);
CREATE INDEX IF NOT EXISTS idx_trades_token_id ON trades(token_id);
CREATE INDEX IF NOT EXISTS idx_trades_timestamp ON trades(timestamp);
CREATE INDEX IF NOT EXISTS idx_trades_maker ON trades(maker);
CREATE INDEX IF NOT EXISTS idx_trades_taker ON trades(taker);

CREATE TABLE IF NOT EXISTS whale_trades (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	trade_id     INTEGER NOT NULL DEFAULT 0,
	tx_hash      TEXT NOT NULL,
	log_index    INTEGER NOT NULL,
	market_id    INTEGER NOT NULL REFERENCES markets(id),
	trader       TEXT NOT NULL DEFAULT '',
	side         TEXT NOT NULL DEFAULT '',
	outcome      TEXT NOT NULL DEFAULT '',
	price        REAL NOT NULL DEFAULT 0,
	size         REAL NOT NULL DEFAULT 0,
	usd_value    REAL NOT NULL DEFAULT 0,
	block_number INTEGER NOT NULL DEFAULT 0,
	timestamp    TEXT NOT NULL DEFAULT '',
	UNIQUE (tx_hash, log_index)
);
CREATE INDEX IF NOT EXISTS idx_whales_usd ON whale_trades(usd_value DESC);
CREATE INDEX IF NOT EXISTS idx_whales_market ON whale_trades(market_id);
CREATE INDEX IF NOT EXISTS idx_whales_timestamp ON whale_trades(timestamp);
CREATE INDEX IF NOT EXISTS idx_whales_trader ON whale_trades(trader);

CREATE TABLE IF NOT EXISTS sync_state (
	key        TEXT PRIMARY KEY,
	last_block INTEGER NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	// Additive upgrades for databases created before these columns existed.
	marketCols := []struct{ name, ddl string }{
		{"verified", "INTEGER NOT NULL DEFAULT 0"},
		{"unique_traders_24h", "INTEGER NOT NULL DEFAULT 0"},
	}
	existing, err := s.tableColumns("markets")
	if err != nil {
		return err
	}
	for _, col := range marketCols {
		if _, ok := existing[col.name]; ok {
			continue
		}
		if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE markets ADD COLUMN %s %s", col.name, col.ddl)); err != nil {
			return fmt.Errorf("add markets.%s: %w", col.name, err)
		}
		s.log.Info("added column", "table", "markets", "column", col.name)
	}

	// Repair trade_count from the authoritative trades rows.
	res, err := s.db.Exec(`
		UPDATE markets SET trade_count = (
			SELECT COUNT(*) FROM trades WHERE trades.market_id = markets.id
		)
		WHERE trade_count != (
			SELECT COUNT(*) FROM trades WHERE trades.market_id = markets.id
		)`)
	if err != nil {
		return fmt.Errorf("repair trade_count: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Info("repaired trade_count rollups", "markets", n)
	}

	return nil
}

func (s *Store) tableColumns(table string) (map[string]struct{}, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]struct{})
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[name] = struct{}{}
	}
	return cols, rows.Err()
}

// ISOLayout is the canonical timestamp format for every written row.
// Keeping one format means timestamp predicates stay lexicographic.
const ISOLayout = "2006-01-02T15:04:05Z"

func nowISO() string {
	return time.Now().UTC().Format(ISOLayout)
}
