package klines

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

func newTestBuilder(t *testing.T) (*Builder, *store.Store, int64) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	slug := "kline-market"
	mid, err := st.UpsertMarket(context.Background(), store.MarketPatch{
		ConditionID: "0xklinecond",
		Slug:        &slug,
	})
	require.NoError(t, err)

	return New(st, slog.Default()), st, mid
}

func addTradeAt(t *testing.T, st *store.Store, marketID, seq int64, price, size float64, at time.Time) {
	t.Helper()
	require.NoError(t, st.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		_, err := st.InsertTradeTx(tx, types.Trade{
			MarketID:    marketID,
			TxHash:      fmt.Sprintf("0xktx%d", seq),
			BlockNumber: seq,
			Maker:       "0xmaker",
			Taker:       "0xtaker",
			Side:        types.BUY,
			Outcome:     types.OutcomeYes,
			Price:       price,
			Size:        size,
			TokenID:     "1",
			Timestamp:   at.UTC().Format(store.ISOLayout),
		})
		return err
	}))
}

func TestCandlesBucketing(t *testing.T) {
	t.Parallel()

	b, st, mid := newTestBuilder(t)
	ctx := context.Background()

	// Two trades in one minute bucket, one in the next.
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	addTradeAt(t, st, mid, 1, 0.40, 100, base.Add(5*time.Second))
	addTradeAt(t, st, mid, 2, 0.60, 50, base.Add(30*time.Second))
	addTradeAt(t, st, mid, 3, 0.55, 10, base.Add(70*time.Second))

	candles, err := b.Candles(ctx, mid, "1m", 100, "")
	require.NoError(t, err)
	require.Len(t, candles, 2)

	c0 := candles[0]
	assert.Equal(t, base.Unix(), c0.Timestamp)
	assert.Equal(t, 0.40, c0.Open)
	assert.Equal(t, 0.60, c0.High)
	assert.Equal(t, 0.40, c0.Low)
	assert.Equal(t, 0.60, c0.Close)
	assert.InDelta(t, 0.40*100+0.60*50, c0.Volume, 1e-9)
	assert.Equal(t, int64(2), c0.TradeCount)

	assert.Equal(t, base.Add(time.Minute).Unix(), candles[1].Timestamp)
	assert.Equal(t, int64(1), candles[1].TradeCount)

	_, err = b.Candles(ctx, mid, "3m", 100, "")
	assert.ErrorIs(t, err, ErrBadInterval)
}

func TestCandlesOpenTieBreakByID(t *testing.T) {
	t.Parallel()

	b, st, mid := newTestBuilder(t)
	at := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)

	// Same timestamp: the lower row id defines the open, the higher the close.
	addTradeAt(t, st, mid, 1, 0.30, 10, at)
	addTradeAt(t, st, mid, 2, 0.70, 10, at)

	candles, err := b.Candles(context.Background(), mid, "1h", 10, "")
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 0.30, candles[0].Open)
	assert.Equal(t, 0.70, candles[0].Close)
}

func TestCandlesLimitKeepsNewest(t *testing.T) {
	t.Parallel()

	b, st, mid := newTestBuilder(t)
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	for i := int64(0); i < 5; i++ {
		addTradeAt(t, st, mid, i+1, 0.50, 10, base.Add(time.Duration(i)*time.Minute))
	}

	candles, err := b.Candles(context.Background(), mid, "1m", 2, "")
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, base.Add(3*time.Minute).Unix(), candles[0].Timestamp)
	assert.Equal(t, base.Add(4*time.Minute).Unix(), candles[1].Timestamp)
}

func TestLatestPriceAndRange(t *testing.T) {
	t.Parallel()

	b, st, mid := newTestBuilder(t)
	ctx := context.Background()

	_, err := b.LatestPrice(ctx, mid)
	assert.ErrorIs(t, err, store.ErrNotFound)

	now := time.Now().UTC()
	addTradeAt(t, st, mid, 1, 0.45, 10, now.Add(-2*time.Hour))
	addTradeAt(t, st, mid, 2, 0.55, 10, now.Add(-10*time.Minute))

	p, err := b.LatestPrice(ctx, mid)
	require.NoError(t, err)
	assert.Equal(t, 0.55, p.Price)

	pts, err := b.PriceRange(ctx, mid, 1)
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, 0.55, pts[0].Price)

	pts, err = b.PriceRange(ctx, mid, 24)
	require.NoError(t, err)
	assert.Len(t, pts, 2)
}
