package api

import (
	"net/http"

	"github.com/zh0006xu/PolyLens/internal/store"
	"github.com/zh0006xu/PolyLens/pkg/types"
)

// handleMarkets lists markets with filtering, search, sorting, and paging.
func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.MarketFilter{
		Status:   q.Get("status"),
		Category: q.Get("category"),
		Search:   q.Get("search"),
		Sort:     q.Get("sort"),
		Order:    q.Get("order"),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}

	markets, err := s.store.ListMarkets(r.Context(), f)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	total, err := s.store.CountMarkets(r.Context(), f)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"markets": markets,
		"total":   total,
		"limit":   f.Limit,
		"offset":  f.Offset,
	})
}

// marketDetail is a market joined with its parent event and recent trades.
type marketDetail struct {
	*types.Market
	Event        *types.Event  `json:"event,omitempty"`
	RecentTrades []types.Trade `json:"recent_trades"`
}

// handleMarket returns one market with its event and latest trades.
func (s *Server) handleMarket(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	m, err := s.store.MarketByID(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	detail := marketDetail{Market: m}
	if m.EventID != nil {
		if ev, err := s.store.EventByID(r.Context(), *m.EventID); err == nil {
			detail.Event = ev
		}
	}
	trades, err := s.store.TradesForMarket(r.Context(), id, 20, 0)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	detail.RecentTrades = trades
	s.writeJSON(w, http.StatusOK, detail)
}

// handleMarketPrice returns the latest traded price.
func (s *Server) handleMarketPrice(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	if _, err := s.store.MarketByID(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	p, err := s.klines.LatestPrice(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"price":     p.Price,
		"timestamp": p.Timestamp,
	})
}

// handleMarketHolders proxies the holder list from the Data API.
func (s *Server) handleMarketHolders(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid market id")
		return
	}
	m, err := s.store.MarketByID(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	raw, err := s.traders.Holders(r.Context(), m.ConditionID, queryInt(r, "limit", 20))
	if err != nil {
		s.log.Warn("holders proxy failed", "market", m.Slug, "error", err)
		s.writeError(w, http.StatusBadGateway, "holders unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"market_id": id,
		"holders":   raw,
	})
}

// handleCategories lists distinct categories with market counts.
func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	cats, err := s.store.Categories(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if cats == nil {
		cats = []store.Category{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"categories": cats})
}
