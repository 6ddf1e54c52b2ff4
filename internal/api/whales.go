package api

import (
	"net/http"
	"strconv"

	"github.com/zh0006xu/PolyLens/internal/whale"
	"github.com/zh0006xu/PolyLens/pkg/types"
)

// handleWhales lists flagged whale trades with optional filters.
func (s *Server) handleWhales(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := whale.ListFilter{
		MinValue: queryFloat(r, "min_value", 0),
		Hours:    queryInt(r, "hours", 0),
		Limit:    queryInt(r, "limit", 50),
		Offset:   queryInt(r, "offset", 0),
	}
	if v := q.Get("market_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid market_id")
			return
		}
		f.MarketID = &id
	}
	if side := q.Get("side"); side != "" {
		if side != string(types.BUY) && side != string(types.SELL) {
			s.writeError(w, http.StatusBadRequest, "side must be BUY or SELL")
			return
		}
		f.Side = side
	}

	out, err := s.whales.List(r.Context(), f)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if out == nil {
		out = []types.WhaleTrade{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"whales": out, "count": len(out)})
}

// handleWhalesRecent returns whales from the last ?minutes=.
func (s *Server) handleWhalesRecent(w http.ResponseWriter, r *http.Request) {
	minutes := queryInt(r, "minutes", 60)
	if minutes <= 0 || minutes > 24*60 {
		s.writeError(w, http.StatusBadRequest, "minutes out of range")
		return
	}
	out, err := s.whales.Recent(r.Context(), minutes, queryInt(r, "limit", 50))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if out == nil {
		out = []types.WhaleTrade{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"minutes": minutes,
		"whales":  out,
		"count":   len(out),
	})
}

// handleWhaleStats aggregates whale activity over ?hours=.
func (s *Server) handleWhaleStats(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "hours", 24)
	if hours <= 0 || hours > 24*30 {
		s.writeError(w, http.StatusBadRequest, "hours out of range")
		return
	}
	out, err := s.whales.WindowStats(r.Context(), hours)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleWhaleDetect runs an on-demand backfill plus tail with an optional
// ?threshold= override.
func (s *Server) handleWhaleDetect(w http.ResponseWriter, r *http.Request) {
	threshold := queryFloat(r, "threshold", s.threshold)
	if threshold <= 0 {
		s.writeError(w, http.StatusBadRequest, "threshold must be positive")
		return
	}
	flagged, err := s.whales.Backfill(r.Context(), threshold)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	fresh, err := s.whales.DetectNew(r.Context(), threshold)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"threshold":  threshold,
		"backfilled": flagged,
		"new_whales": len(fresh),
	})
}
