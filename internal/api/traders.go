package api

import (
	"errors"
	"net/http"
	"regexp"
	"strings"

	"github.com/gorilla/mux"

	"github.com/zh0006xu/PolyLens/internal/traders"
)

var addressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// pathAddr validates the {addr} path variable as an EVM address.
func (s *Server) pathAddr(w http.ResponseWriter, r *http.Request) (string, bool) {
	addr := mux.Vars(r)["addr"]
	if !addressRe.MatchString(addr) {
		s.writeError(w, http.StatusBadRequest, "invalid wallet address")
		return "", false
	}
	return strings.ToLower(addr), true
}

// proxyResult writes a Data API payload, mapping failures to 502 and
// argument errors to 400.
func (s *Server) proxyResult(w http.ResponseWriter, out any, err error) {
	if errors.Is(err, traders.ErrBadArgument) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Warn("data api proxy failed", "error", err)
		s.writeError(w, http.StatusBadGateway, "upstream unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleTradersTop proxies the leaderboard: ?order_by={PNL,VOL}&period=.
func (s *Server) handleTradersTop(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.traders.Leaderboard(r.Context(),
		q.Get("order_by"), q.Get("period"), q.Get("category"),
		queryInt(r, "limit", 20), queryInt(r, "offset", 0))
	s.proxyResult(w, out, err)
}

// handleTradersSearch ranks locally indexed traders by volume; ?q= narrows
// by address prefix.
func (s *Server) handleTradersSearch(w http.ResponseWriter, r *http.Request) {
	top, err := s.traders.TopLocal(r.Context(), queryInt(r, "limit", 20))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	prefix := strings.ToLower(r.URL.Query().Get("q"))
	out := make([]traders.TopLocalTrader, 0, len(top))
	for _, t := range top {
		if prefix == "" || strings.HasPrefix(strings.ToLower(t.Address), prefix) {
			out = append(out, t)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"traders": out})
}

// handleTraderProfile returns the whale classification plus portfolio value.
func (s *Server) handleTraderProfile(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	level, err := s.traders.WhaleLevel(r.Context(), addr)
	if err != nil {
		s.proxyResult(w, nil, err)
		return
	}
	out := map[string]any{
		"address":     addr,
		"whale_level": level.Level,
		"max_trade":   level.MaxTradeUSD,
		"max_market":  level.MaxMarketUSD,
	}
	if value, err := s.traders.Value(r.Context(), addr); err == nil {
		out["value"] = value
	}
	if traded, err := s.traders.Traded(r.Context(), addr); err == nil {
		out["traded"] = traded
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTraderTrades(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	out, err := s.traders.Trades(r.Context(), addr,
		queryInt(r, "limit", 50), queryInt(r, "offset", 0))
	s.proxyResult(w, out, err)
}

func (s *Server) handleTraderPositions(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("closed") == "true" {
		out, err := s.traders.ClosedPositions(r.Context(), addr)
		s.proxyResult(w, out, err)
		return
	}
	out, err := s.traders.Positions(r.Context(), addr)
	s.proxyResult(w, out, err)
}

// handleTraderLocalStats reports locally indexed activity for an address.
func (s *Server) handleTraderLocalStats(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	out, err := s.traders.Stats(r.Context(), addr)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTraderValue(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	out, err := s.traders.Value(r.Context(), addr)
	s.proxyResult(w, out, err)
}

func (s *Server) handleTraderPnL(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.pathAddr(w, r)
	if !ok {
		return
	}
	out, err := s.traders.PnLHistory(r.Context(), addr, queryInt(r, "limit", 0))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if out == nil {
		out = []traders.PnLPoint{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"address": addr, "history": out})
}
