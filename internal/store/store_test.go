package store

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zh0006xu/PolyLens/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string   { return &s }
func f64Ptr(f float64) *float64 { return &f }
func boolPtr(b bool) *bool      { return &b }

func seedMarket(t *testing.T, s *Store, conditionID string) int64 {
	t.Helper()
	id, err := s.UpsertMarket(context.Background(), MarketPatch{
		ConditionID: conditionID,
		Slug:        strPtr("mkt-" + conditionID),
		Question:    strPtr("Will it happen?"),
		YesTokenID:  strPtr("yes-" + conditionID),
		NoTokenID:   strPtr("no-" + conditionID),
		Status:      strPtr("active"),
	})
	require.NoError(t, err)
	return id
}

func insertTrade(t *testing.T, s *Store, tr types.Trade) bool {
	t.Helper()
	var inserted bool
	err := s.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		var err error
		inserted, err = s.InsertTradeTx(tx, tr)
		return err
	})
	require.NoError(t, err)
	return inserted
}

func TestUpsertEventKeepsExistingOnNil(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.UpsertEvent(ctx, EventPatch{
		Slug:     "election-2026",
		Title:    strPtr("Election 2026"),
		Category: strPtr("politics"),
	})
	require.NoError(t, err)

	// Second upsert with nil fields must not clobber stored values.
	id2, err := s.UpsertEvent(ctx, EventPatch{Slug: "election-2026", Status: strPtr("closed")})
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	ev, err := s.EventBySlug(ctx, "election-2026")
	require.NoError(t, err)
	assert.Equal(t, "Election 2026", ev.Title)
	assert.Equal(t, "politics", ev.Category)
	assert.Equal(t, "closed", ev.Status)
}

func TestUpsertMarketFixedPoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	patch := MarketPatch{
		ConditionID: "0xc0ffee",
		Slug:        strPtr("btc-100k"),
		Question:    strPtr("BTC above 100k?"),
		Volume:      f64Ptr(1234.5),
		NegRisk:     boolPtr(true),
	}
	id, err := s.UpsertMarket(ctx, patch)
	require.NoError(t, err)

	// Re-applying the same payload changes nothing but updated_at.
	id2, err := s.UpsertMarket(ctx, patch)
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	m, err := s.MarketByConditionID(ctx, "0xc0ffee")
	require.NoError(t, err)
	assert.Equal(t, "btc-100k", m.Slug)
	assert.Equal(t, 1234.5, m.Volume)
	assert.True(t, m.NegRisk)

	// Nil volume keeps the stored rollup.
	_, err = s.UpsertMarket(ctx, MarketPatch{ConditionID: "0xc0ffee", Status: strPtr("closed")})
	require.NoError(t, err)
	m, err = s.MarketByConditionID(ctx, "0xc0ffee")
	require.NoError(t, err)
	assert.Equal(t, 1234.5, m.Volume)
	assert.Equal(t, "closed", m.Status)
}

func TestUpsertMarketClearsSyncWarning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertMarket(ctx, MarketPatch{
		ConditionID: "0xabc",
		SyncWarning: strPtr("token id mismatch"),
	})
	require.NoError(t, err)

	m, err := s.MarketByConditionID(ctx, "0xabc")
	require.NoError(t, err)
	assert.Equal(t, "token id mismatch", m.SyncWarning)

	// An upsert without a warning clears the old one.
	_, err = s.UpsertMarket(ctx, MarketPatch{ConditionID: "0xabc"})
	require.NoError(t, err)
	m, err = s.MarketByConditionID(ctx, "0xabc")
	require.NoError(t, err)
	assert.Empty(t, m.SyncWarning)
}

func TestInsertTradeIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	marketID := seedMarket(t, s, "0x01")

	tr := types.Trade{
		MarketID:    marketID,
		TxHash:      "0xaaa",
		LogIndex:    7,
		BlockNumber: 100,
		Maker:       "0xm",
		Taker:       "0xt",
		Side:        types.BUY,
		Outcome:     types.OutcomeYes,
		Price:       0.5,
		Size:        200,
		TokenID:     "yes-0x01",
		Timestamp:   time.Now().UTC().Format(ISOLayout),
	}

	assert.True(t, insertTrade(t, s, tr))
	assert.False(t, insertTrade(t, s, tr), "replay must be ignored")

	m, err := s.MarketByID(ctx, marketID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.TradeCount, "trade_count bumps only on real inserts")

	trades, err := s.TradesForMarket(ctx, marketID, 10, 0)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 0.5, trades[0].Price)
}

func TestMarketByTokenID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedMarket(t, s, "0x02")

	m, err := s.MarketByTokenID(ctx, "no-0x02")
	require.NoError(t, err)
	assert.Equal(t, id, m.ID)

	_, err = s.MarketByTokenID(ctx, "unknown-token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCursors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.Cursor(ctx, CursorTradeSync)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v, "unset cursor reads as zero")

	require.NoError(t, s.SetCursor(ctx, CursorTradeSync, 12345))
	v, err = s.Cursor(ctx, CursorTradeSync)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), v)

	require.NoError(t, s.ClearCursor(ctx, CursorTradeSync))
	v, err = s.Cursor(ctx, CursorTradeSync)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestListMarketsFilterAndSort(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, vol := range []float64{100, 300, 200} {
		cond := fmt.Sprintf("0x%02d", i)
		_, err := s.UpsertMarket(ctx, MarketPatch{
			ConditionID: cond,
			Slug:        strPtr(fmt.Sprintf("market-%d", i)),
			Question:    strPtr(fmt.Sprintf("Question %d?", i)),
			Category:    strPtr("crypto"),
			Status:      strPtr("active"),
			Volume:      f64Ptr(vol),
		})
		require.NoError(t, err)
	}
	_, err := s.UpsertMarket(ctx, MarketPatch{
		ConditionID: "0xother",
		Category:    strPtr("sports"),
		Status:      strPtr("closed"),
	})
	require.NoError(t, err)

	out, err := s.ListMarkets(ctx, MarketFilter{Category: "crypto", Sort: "volume"})
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, 300.0, out[0].Volume)
	assert.Equal(t, 100.0, out[2].Volume)

	out, err = s.ListMarkets(ctx, MarketFilter{Status: "closed"})
	require.NoError(t, err)
	require.Len(t, out, 1)

	out, err = s.ListMarkets(ctx, MarketFilter{Search: "Question 1"})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "market-1", out[0].Slug)

	n, err := s.CountMarkets(ctx, MarketFilter{Category: "crypto"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestCategories(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.UpsertMarket(ctx, MarketPatch{
			ConditionID: fmt.Sprintf("0xc%d", i),
			Category:    strPtr("politics"),
		})
		require.NoError(t, err)
	}
	_, err := s.UpsertMarket(ctx, MarketPatch{ConditionID: "0xs0", Category: strPtr("sports")})
	require.NoError(t, err)
	_, err = s.UpsertMarket(ctx, MarketPatch{ConditionID: "0xn0"}) // no category
	require.NoError(t, err)

	cats, err := s.Categories(ctx)
	require.NoError(t, err)
	require.Len(t, cats, 2, "empty categories are excluded")
	assert.Equal(t, "politics", cats[0].Slug)
	assert.Equal(t, int64(3), cats[0].Count)
}

func TestRefreshUniqueTraders24h(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	marketID := seedMarket(t, s, "0x03")

	now := time.Now().UTC()
	recent := now.Add(-time.Hour).Format(ISOLayout)
	stale := now.Add(-48 * time.Hour).Format(ISOLayout)

	for i, tc := range []struct {
		taker string
		ts    string
	}{
		{"0xalice", recent},
		{"0xalice", recent},
		{"0xbob", recent},
		{"0xcarol", stale}, // outside the window
	} {
		insertTrade(t, s, types.Trade{
			MarketID:  marketID,
			TxHash:    fmt.Sprintf("0xtx%d", i),
			LogIndex:  1,
			Maker:     "0xmaker",
			Taker:     tc.taker,
			Side:      types.BUY,
			Price:     0.5,
			Size:      10,
			Timestamp: tc.ts,
		})
	}

	require.NoError(t, s.RefreshUniqueTraders24h(ctx, marketID))
	m, err := s.MarketByID(ctx, marketID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.UniqueTraders24h)
}

func TestTradeCountRepairedOnMigrate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repair.db")
	s, err := Open(path, slog.Default())
	require.NoError(t, err)

	ctx := context.Background()
	marketID := seedMarket(t, s, "0x04")
	insertTrade(t, s, types.Trade{MarketID: marketID, TxHash: "0x1", LogIndex: 0, Price: 0.5, Size: 1})

	// Corrupt the rollup, then reopen: migrate must repair it.
	_, err = s.DB().Exec("UPDATE markets SET trade_count = 99 WHERE id = ?", marketID)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, slog.Default())
	require.NoError(t, err)
	defer s.Close()

	m, err := s.MarketByID(ctx, marketID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), m.TradeCount)
}
