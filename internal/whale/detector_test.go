package whale

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

	"github.com/zh0006xu/PolyLens/internal/store"
	"github.com/zh0006xu/PolyLens/pkg/types"
)

func newTestDetector(t *testing.T) (*Detector, *store.Store, int64) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	slug := "whale-market"
	question := "Will the whales move?"
	mid, err := st.UpsertMarket(context.Background(), store.MarketPatch{
		ConditionID: "0xwhalecond",
		Slug:        &slug,
		Question:    &question,
	})
	require.NoError(t, err)

	return New(st, slog.Default()), st, mid
}

func insertTrade(t *testing.T, st *store.Store, marketID, seq int64, side types.Side, price, size float64, ts string) {
	t.Helper()
	require.NoError(t, st.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		_, err := st.InsertTradeTx(tx, types.Trade{
			MarketID:    marketID,
			TxHash:      fmt.Sprintf("0xtx%d", seq),
			LogIndex:    0,
			BlockNumber: 100 + seq,
			Maker:       "0xmaker",
			Taker:       fmt.Sprintf("0xtaker%d", seq%2),
			Side:        side,
			Outcome:     types.OutcomeYes,
			Price:       price,
			Size:        size,
			TokenID:     "1",
			Timestamp:   ts,
		})
		return err
	}))
}

func nowISO(offset time.Duration) string {
	return time.Now().UTC().Add(offset).Format(store.ISOLayout)
}

func TestThresholdIsExclusive(t *testing.T) {
	t.Parallel()

	d, st, mid := newTestDetector(t)
	ctx := context.Background()

	ts := nowISO(0)
	insertTrade(t, st, mid, 1, types.BUY, 0.5, 2000, ts) // exactly 1000
	insertTrade(t, st, mid, 2, types.BUY, 0.5, 2002, ts) // 1001

	whales, err := d.DetectNew(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, whales, 1, "a trade worth exactly the threshold is not flagged")
	assert.Equal(t, int64(2), whales[0].TradeID)

	n, err := d.Backfill(ctx, 1000)
	require.NoError(t, err)
	assert.Zero(t, n, "backfill applies the same strict comparison")
}

func TestDetectNewTailsOnce(t *testing.T) {
	t.Parallel()

	d, st, mid := newTestDetector(t)
	ctx := context.Background()

	ts := nowISO(0)
	values := []float64{500, 1500, 1500, 800, 2000}
	for i, v := range values {
		insertTrade(t, st, mid, int64(i+1), types.BUY, 0.5, v/0.5, ts)
	}

	whales, err := d.DetectNew(ctx, 1000)
	require.NoError(t, err)
	require.Len(t, whales, 3)
	assert.Equal(t, int64(2), whales[0].TradeID)
	assert.Equal(t, int64(3), whales[1].TradeID)
	assert.Equal(t, int64(5), whales[2].TradeID)
	assert.Equal(t, "whale-market", whales[0].Slug)
	assert.Equal(t, "Will the whales move?", whales[0].Question)
	assert.InDelta(t, 1500, whales[0].USDValue, 1e-9)

	// The whole tail was examined, so a second call finds nothing new.
	whales, err = d.DetectNew(ctx, 1000)
	require.NoError(t, err)
	assert.Empty(t, whales)

	cursor, err := st.Cursor(ctx, store.CursorWhaleSync)
	require.NoError(t, err)
	assert.Equal(t, int64(5), cursor)

	counts, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.WhaleTrades)
}

func TestBackfillIdempotent(t *testing.T) {
	t.Parallel()

	d, st, mid := newTestDetector(t)
	ctx := context.Background()

	ts := nowISO(0)
	insertTrade(t, st, mid, 1, types.BUY, 0.5, 4000, ts)  // $2000
	insertTrade(t, st, mid, 2, types.SELL, 0.5, 1000, ts) // $500

	n, err := d.Backfill(ctx, 1000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = d.Backfill(ctx, 1000)
	require.NoError(t, err)
	assert.Zero(t, n, "already flagged trades are ignored")

	// A lower threshold picks up what the first pass skipped.
	n, err = d.Backfill(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestListAndRecentFilters(t *testing.T) {
	t.Parallel()

	d, st, mid := newTestDetector(t)
	ctx := context.Background()

	insertTrade(t, st, mid, 1, types.BUY, 0.5, 4000, nowISO(-30*time.Minute))  // $2000
	insertTrade(t, st, mid, 2, types.SELL, 0.5, 6000, nowISO(-2*time.Hour))   // $3000
	insertTrade(t, st, mid, 3, types.BUY, 0.5, 10000, nowISO(-48*time.Hour))  // $5000
	_, err := d.Backfill(ctx, 1000)
	require.NoError(t, err)

	all, err := d.List(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.InDelta(t, 2000, all[0].USDValue, 1e-9, "newest first")

	buys, err := d.List(ctx, ListFilter{Side: "BUY"})
	require.NoError(t, err)
	assert.Len(t, buys, 2)

	big, err := d.List(ctx, ListFilter{MinValue: 2500})
	require.NoError(t, err)
	assert.Len(t, big, 2)

	dayWindow, err := d.List(ctx, ListFilter{Hours: 24})
	require.NoError(t, err)
	assert.Len(t, dayWindow, 2)

	recent, err := d.Recent(ctx, 60, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.InDelta(t, 2000, recent[0].USDValue, 1e-9)
}

func TestWindowStats(t *testing.T) {
	t.Parallel()

	d, st, mid := newTestDetector(t)
	ctx := context.Background()

	ts := nowISO(-time.Hour)
	insertTrade(t, st, mid, 1, types.BUY, 0.5, 4000, ts)  // $2000
	insertTrade(t, st, mid, 2, types.SELL, 0.5, 6000, ts) // $3000
	insertTrade(t, st, mid, 3, types.BUY, 0.5, 2000, ts)  // $1000, below threshold
	_, err := d.Backfill(ctx, 1500)
	require.NoError(t, err)

	s, err := d.WindowStats(ctx, 24)
	require.NoError(t, err)
	assert.Equal(t, int64(2), s.TradeCount)
	assert.InDelta(t, 5000, s.TotalVolume, 1e-9)
	assert.InDelta(t, 2000, s.BuyVolume, 1e-9)
	assert.InDelta(t, 3000, s.SellVolume, 1e-9)
	require.NotEmpty(t, s.TopWhales)
	require.Len(t, s.BusyMarkets, 1)
	assert.Equal(t, "whale-market", s.BusyMarkets[0].Slug)
}
