package api

import (
	"errors"
	"net/http"

	"github.com/zh0006xu/PolyLens/internal/klines"
	"github.com/zh0006xu/PolyLens/internal/metrics"
	"github.com/zh0006xu/PolyLens/internal/store"
)

// handleKlines returns candles for ?market_id=&interval=&limit=&token_id=.
func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	marketID := int64(queryInt(r, "market_id", 0))
	if marketID <= 0 {
		s.writeError(w, http.StatusBadRequest, "market_id required")
		return
	}
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1h"
	}
	candles, err := s.klines.Candles(r.Context(), marketID, interval,
		queryInt(r, "limit", 100), r.URL.Query().Get("token_id"))
	if errors.Is(err, klines.ErrBadInterval) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"market_id": marketID,
		"interval":  interval,
		"candles":   candles,
	})
}

// handleKlinePrice returns the latest price for the klines surface.
func (s *Server) handleKlinePrice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	p, err := s.klines.LatestPrice(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no trades for market")
		return
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

// handleKlineRange returns raw price points from the last ?hours=.
func (s *Server) handleKlineRange(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	hours := queryInt(r, "hours", 24)
	if hours <= 0 || hours > 24*30 {
		s.writeError(w, http.StatusBadRequest, "hours out of range")
		return
	}
	pts, err := s.klines.PriceRange(r.Context(), id, hours)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if pts == nil {
		pts = []klines.PricePoint{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"hours":     hours,
		"prices":    pts,
	})
}

// requireMarketAndPeriod parses the shared metric arguments.
func (s *Server) requireMarketAndPeriod(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid market id")
		return 0, "", false
	}
	period := r.URL.Query().Get("period")
	if period == "" {
		period = "24h"
	}
	if _, ok := metrics.Periods[period]; !ok {
		s.writeError(w, http.StatusBadRequest, "unknown period")
		return 0, "", false
	}
	if _, err := s.store.MarketByID(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return 0, "", false
	}
	return id, period, true
}

// handleMetrics returns the combined metric summary.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	id, period, ok := s.requireMarketAndPeriod(w, r)
	if !ok {
		return
	}
	out, err := s.metrics.All(r.Context(), id, period, s.threshold)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBuySellRatio(w http.ResponseWriter, r *http.Request) {
	id, period, ok := s.requireMarketAndPeriod(w, r)
	if !ok {
		return
	}
	out, err := s.metrics.BuySellPressure(r.Context(), id, period, r.URL.Query().Get("token_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleVWAP(w http.ResponseWriter, r *http.Request) {
	id, period, ok := s.requireMarketAndPeriod(w, r)
	if !ok {
		return
	}
	out, err := s.metrics.PriceVWAP(r.Context(), id, period, r.URL.Query().Get("token_id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleWhaleSignal accepts ?threshold= to override the scheduler default.
func (s *Server) handleWhaleSignal(w http.ResponseWriter, r *http.Request) {
	id, period, ok := s.requireMarketAndPeriod(w, r)
	if !ok {
		return
	}
	threshold := queryFloat(r, "threshold", s.threshold)
	if threshold < 0 {
		s.writeError(w, http.StatusBadRequest, "threshold must be non-negative")
		return
	}
	out, err := s.metrics.LargeTradeSignal(r.Context(), id, period, threshold)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTraderStats(w http.ResponseWriter, r *http.Request) {
	id, period, ok := s.requireMarketAndPeriod(w, r)
	if !ok {
		return
	}
	out, err := s.metrics.ParticipantStats(r.Context(), id, period)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHotMarkets(w http.ResponseWriter, r *http.Request) {
	out, err := s.metrics.HotMarkets(r.Context(), queryInt(r, "limit", 10))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if out == nil {
		out = []metrics.HotMarket{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"markets": out})
}

func (s *Server) handleVolumeAnomalies(w http.ResponseWriter, r *http.Request) {
	out, err := s.metrics.VolumeAnomalies(r.Context(),
		queryFloat(r, "min_ratio", 3), queryInt(r, "limit", 10))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if out == nil {
		out = []metrics.VolumeAnomaly{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"anomalies": out})
}

func (s *Server) handleSmartMoney(w http.ResponseWriter, r *http.Request) {
	out, err := s.metrics.SmartMoney(r.Context(),
		queryInt(r, "hours", 24), queryInt(r, "limit", 10))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if out == nil {
		out = []metrics.SmartMoneyFlow{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"flows": out})
}
