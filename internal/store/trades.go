package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/zh0006xu/PolyLens/pkg/types"
)

// Reserved sync_state keys.
const (
	CursorTradeSync = "trade_sync"
	CursorWhaleSync = "whale_sync"
)

const insertTradeSQL = `
	INSERT OR IGNORE INTO trades (
		market_id, tx_hash, log_index, block_number, maker, taker,
		side, outcome, price, size, fee, token_id, timestamp
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// InsertTradeTx persists one trade inside the caller's transaction and bumps
// the market's trade_count rollup. Duplicate (tx_hash, log_index) rows are
// ignored and reported as inserted=false.
func (s *Store) InsertTradeTx(tx *sqlx.Tx, t types.Trade) (bool, error) {
	res, err := tx.Exec(insertTradeSQL,
		t.MarketID, t.TxHash, t.LogIndex, t.BlockNumber, t.Maker, t.Taker,
		t.Side, t.Outcome, t.Price, t.Size, t.Fee, t.TokenID, t.Timestamp)
	if err != nil {
		return false, fmt.Errorf("insert trade %s/%d: %w", t.TxHash, t.LogIndex, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if _, err := tx.Exec("UPDATE markets SET trade_count = trade_count + 1 WHERE id = ?", t.MarketID); err != nil {
		return false, fmt.Errorf("bump trade_count for market %d: %w", t.MarketID, err)
	}
	return true, nil
}

// TradesForMarket returns a page of a market's trades in chain order.
func (s *Store) TradesForMarket(ctx context.Context, marketID int64, limit, offset int) ([]types.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}
	var out []types.Trade
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM trades WHERE market_id = ?
		ORDER BY block_number, log_index
		LIMIT ? OFFSET ?`, marketID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("trades for market %d: %w", marketID, err)
	}
	return out, nil
}

// LatestTradePrice returns the most recent traded price for (market, token),
// or ErrNotFound when the pair has never traded.
func (s *Store) LatestTradePrice(ctx context.Context, marketID int64, tokenID string) (*types.Trade, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var t types.Trade
	err := s.db.GetContext(ctx, &t, `
		SELECT * FROM trades
		WHERE market_id = ? AND token_id = ? AND price > 0
		ORDER BY id DESC LIMIT 1`, marketID, tokenID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest price for market %d: %w", marketID, err)
	}
	return &t, nil
}

// Cursor returns the sync_state value for key, or 0 when the key is unset.
func (s *Store) Cursor(ctx context.Context, key string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var v int64
	err := s.db.GetContext(ctx, &v, "SELECT last_block FROM sync_state WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cursor %s: %w", key, err)
	}
	return v, nil
}

const setCursorSQL = `
	INSERT INTO sync_state (key, last_block, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		last_block = excluded.last_block,
		updated_at = excluded.updated_at`

// SetCursor writes a sync_state value in its own transaction.
func (s *Store) SetCursor(ctx context.Context, key string, value int64) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, setCursorSQL, key, value, nowISO()); err != nil {
		return fmt.Errorf("set cursor %s: %w", key, err)
	}
	return nil
}

// SetCursorTx writes a sync_state value inside the caller's transaction.
// The indexer commits each block's trades and its checkpoint together.
func (s *Store) SetCursorTx(tx *sqlx.Tx, key string, value int64) error {
	if _, err := tx.Exec(setCursorSQL, key, value, nowISO()); err != nil {
		return fmt.Errorf("set cursor %s: %w", key, err)
	}
	return nil
}

// ClearCursor removes a sync_state key (used by index --reset).
func (s *Store) ClearCursor(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM sync_state WHERE key = ?", key); err != nil {
		return fmt.Errorf("clear cursor %s: %w", key, err)
	}
	return nil
}

// TableCounts reports row counts for the stats surface.
type TableCounts struct {
	Events      int64 `db:"events" json:"events"`
	Markets     int64 `db:"markets" json:"markets"`
	Trades      int64 `db:"trades" json:"trades"`
	WhaleTrades int64 `db:"whale_trades" json:"whale_trades"`
}

// Counts returns the row count of every table.
func (s *Store) Counts(ctx context.Context) (TableCounts, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var c TableCounts
	err := s.db.GetContext(ctx, &c, `
		SELECT
			(SELECT COUNT(*) FROM events) AS events,
			(SELECT COUNT(*) FROM markets) AS markets,
			(SELECT COUNT(*) FROM trades) AS trades,
			(SELECT COUNT(*) FROM whale_trades) AS whale_trades`)
	if err != nil {
		return c, fmt.Errorf("table counts: %w", err)
	}
	return c, nil
}

// Cursors returns every sync_state row.
func (s *Store) Cursors(ctx context.Context) ([]types.SyncCursor, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var out []types.SyncCursor
	if err := s.db.SelectContext(ctx, &out, "SELECT * FROM sync_state ORDER BY key"); err != nil {
		return nil, fmt.Errorf("cursors: %w", err)
	}
	return out, nil
}
