package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zh0006xu/PolyLens/internal/klines"
	"github.com/zh0006xu/PolyLens/internal/metrics"
	"github.com/zh0006xu/PolyLens/internal/store"
	"github.com/zh0006xu/PolyLens/internal/stream"
	"github.com/zh0006xu/PolyLens/internal/traders"
	"github.com/zh0006xu/PolyLens/internal/whale"
	"github.com/zh0006xu/PolyLens/pkg/types"
)

// newTestServer wires a server over a temp store and a fake Data API.
func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	dataAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	t.Cleanup(dataAPI.Close)

	log := slog.Default()
	deps := Deps{
		Store:          st,
		Metrics:        metrics.New(st, log),
		Klines:         klines.New(st, log),
		Whales:         whale.New(st, log),
		Traders:        traders.New(st, dataAPI.URL, 1000, 500, time.Minute, log),
		Hub:            stream.NewHub(log),
		WhaleThreshold: 1000,
	}
	return NewServer("127.0.0.1", 0, deps, log), st
}

func seedMarketWithTrades(t *testing.T, st *store.Store) int64 {
	t.Helper()
	ctx := context.Background()

	slug := "api-market"
	question := "Will the API hold up?"
	status := "active"
	vol := 12000.0
	mid, err := st.UpsertMarket(ctx, store.MarketPatch{
		ConditionID: "0xapicond",
		Slug:        &slug,
		Question:    &question,
		Status:      &status,
		Volume:      &vol,
	})
	require.NoError(t, err)

	for i, tr := range []struct {
		side  types.Side
		price float64
		size  float64
	}{
		{types.BUY, 0.40, 100},
		{types.BUY, 0.60, 50},
		{types.SELL, 0.50, 50},
	} {
		require.NoError(t, st.WithTx(ctx, func(tx *sqlx.Tx) error {
			_, err := st.InsertTradeTx(tx, types.Trade{
				MarketID: mid, TxHash: fmt.Sprintf("0xatx%d", i), BlockNumber: int64(i + 1),
				Maker: "0xmaker", Taker: "0xtaker", Side: tr.side, Outcome: types.OutcomeYes,
				Price: tr.price, Size: tr.size, TokenID: "1",
				Timestamp: time.Now().UTC().Add(-time.Duration(3-i) * time.Minute).Format(store.ISOLayout),
			})
			return err
		}))
	}
	return mid
}

func doGET(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	}
	return rec, body
}

func TestMarketEndpoints(t *testing.T) {
	t.Parallel()

	s, st := newTestServer(t)
	mid := seedMarketWithTrades(t, st)

	rec, body := doGET(t, s, "/api/markets?status=active")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["total"])

	rec, body = doGET(t, s, fmt.Sprintf("/api/markets/%d", mid))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "api-market", body["slug"])
	assert.Len(t, body["recent_trades"], 3)

	rec, body = doGET(t, s, fmt.Sprintf("/api/markets/%d/price", mid))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0.50, body["price"].(float64), 1e-9)

	rec, _ = doGET(t, s, "/api/markets/99999")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doGET(t, s, "/api/markets/not-a-number")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestKlineAndMetricValidation(t *testing.T) {
	t.Parallel()

	s, st := newTestServer(t)
	mid := seedMarketWithTrades(t, st)

	rec, body := doGET(t, s, fmt.Sprintf("/api/klines?market_id=%d&interval=1m", mid))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, body["candles"])

	rec, _ = doGET(t, s, fmt.Sprintf("/api/klines?market_id=%d&interval=3m", mid))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doGET(t, s, "/api/klines")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = doGET(t, s, fmt.Sprintf("/api/metrics/%d/vwap?period=1h", mid))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 0.475, body["vwap"].(float64), 1e-9)

	rec, _ = doGET(t, s, fmt.Sprintf("/api/metrics/%d/vwap?period=2h", mid))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = doGET(t, s, fmt.Sprintf("/api/metrics/%d/buy-sell-ratio?period=1h", mid))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.InDelta(t, 2.8, body["buy_sell_ratio"].(float64), 1e-9, "buys $70 over sells $25")
}

func TestWhaleEndpoints(t *testing.T) {
	t.Parallel()

	s, st := newTestServer(t)
	seedMarketWithTrades(t, st)

	req := httptest.NewRequest(http.MethodPost, "/api/whales/detect?threshold=20", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec2, body := doGET(t, s, "/api/whales?side=BUY")
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.EqualValues(t, 2, body["count"])

	rec2, _ = doGET(t, s, "/api/whales?side=HODL")
	assert.Equal(t, http.StatusBadRequest, rec2.Code)

	rec2, body = doGET(t, s, "/api/whales/stats?hours=24")
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.EqualValues(t, 3, body["trade_count"])
}

func TestTraderValidationAndHealth(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer(t)

	rec, _ := doGET(t, s, "/api/traders/nonsense/stats")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := doGET(t, s, "/api/traders/0x1111111111111111111111111111111111111111/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["trade_count"])

	rec, body = doGET(t, s, "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, body = doGET(t, s, "/api/scheduler/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["enabled"])

	req := httptest.NewRequest(http.MethodPost, "/api/scheduler/trigger", nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rec, body = doGET(t, s, "/api/ws/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, body["total_clients"])
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	s, st := newTestServer(t)
	seedMarketWithTrades(t, st)

	rec, body := doGET(t, s, "/api/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	counts := body["counts"].(map[string]any)
	assert.EqualValues(t, 1, counts["markets"])
	assert.EqualValues(t, 3, counts["trades"])
}
