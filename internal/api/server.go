// Package api is the HTTP and WebSocket read surface. Handlers validate
// arguments and delegate to the store, the metrics engine, the whale
// detector, and the trader service; nothing here writes to the database
// except the explicit whale backfill and scheduler trigger actions.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/zh0006xu/PolyLens/internal/klines"
	"github.com/zh0006xu/PolyLens/internal/metrics"
	"github.com/zh0006xu/PolyLens/internal/scheduler"
	"github.com/zh0006xu/PolyLens/internal/store"
	"github.com/zh0006xu/PolyLens/internal/stream"
	"github.com/zh0006xu/PolyLens/internal/traders"
	"github.com/zh0006xu/PolyLens/internal/whale"
)

// Server hosts the read API.
type Server struct {
	store     *store.Store
	metrics   *metrics.Engine
	klines    *klines.Builder
	whales    *whale.Detector
	traders   *traders.Service
	scheduler *scheduler.Scheduler // may be nil when --no-scheduler
	hub       *stream.Hub
	threshold float64
	server    *http.Server
	log       *slog.Logger
}

// Deps bundles the collaborators the server reads from.
type Deps struct {
	Store          *store.Store
	Metrics        *metrics.Engine
	Klines         *klines.Builder
	Whales         *whale.Detector
	Traders        *traders.Service
	Scheduler      *scheduler.Scheduler
	Hub            *stream.Hub
	WhaleThreshold float64
}

// NewServer builds the router and the http.Server around it.
func NewServer(host string, port int, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		store:     deps.Store,
		metrics:   deps.Metrics,
		klines:    deps.Klines,
		whales:    deps.Whales,
		traders:   deps.Traders,
		scheduler: deps.Scheduler,
		hub:       deps.Hub,
		threshold: deps.WhaleThreshold,
		log:       logger.With("component", "api"),
	}

	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/markets", s.handleMarkets).Methods(http.MethodGet)
	api.HandleFunc("/markets/{id}", s.handleMarket).Methods(http.MethodGet)
	api.HandleFunc("/markets/{id}/price", s.handleMarketPrice).Methods(http.MethodGet)
	api.HandleFunc("/markets/{id}/holders", s.handleMarketHolders).Methods(http.MethodGet)
	api.HandleFunc("/categories", s.handleCategories).Methods(http.MethodGet)

	api.HandleFunc("/klines", s.handleKlines).Methods(http.MethodGet)
	api.HandleFunc("/klines/price/{id}", s.handleKlinePrice).Methods(http.MethodGet)
	api.HandleFunc("/klines/range/{id}", s.handleKlineRange).Methods(http.MethodGet)

	api.HandleFunc("/metrics/{id}", s.handleMetrics).Methods(http.MethodGet)
	api.HandleFunc("/metrics/{id}/buy-sell-ratio", s.handleBuySellRatio).Methods(http.MethodGet)
	api.HandleFunc("/metrics/{id}/vwap", s.handleVWAP).Methods(http.MethodGet)
	api.HandleFunc("/metrics/{id}/whale-signal", s.handleWhaleSignal).Methods(http.MethodGet)
	api.HandleFunc("/metrics/{id}/traders", s.handleTraderStats).Methods(http.MethodGet)

	api.HandleFunc("/insights/hot-markets", s.handleHotMarkets).Methods(http.MethodGet)
	api.HandleFunc("/insights/volume-anomalies", s.handleVolumeAnomalies).Methods(http.MethodGet)
	api.HandleFunc("/insights/smart-money", s.handleSmartMoney).Methods(http.MethodGet)

	api.HandleFunc("/whales", s.handleWhales).Methods(http.MethodGet)
	api.HandleFunc("/whales/recent", s.handleWhalesRecent).Methods(http.MethodGet)
	api.HandleFunc("/whales/stats", s.handleWhaleStats).Methods(http.MethodGet)
	api.HandleFunc("/whales/detect", s.handleWhaleDetect).Methods(http.MethodPost)

	api.HandleFunc("/traders/top", s.handleTradersTop).Methods(http.MethodGet)
	api.HandleFunc("/traders/search", s.handleTradersSearch).Methods(http.MethodGet)
	api.HandleFunc("/traders/{addr}", s.handleTraderProfile).Methods(http.MethodGet)
	api.HandleFunc("/traders/{addr}/trades", s.handleTraderTrades).Methods(http.MethodGet)
	api.HandleFunc("/traders/{addr}/positions", s.handleTraderPositions).Methods(http.MethodGet)
	api.HandleFunc("/traders/{addr}/stats", s.handleTraderLocalStats).Methods(http.MethodGet)
	api.HandleFunc("/traders/{addr}/value", s.handleTraderValue).Methods(http.MethodGet)
	api.HandleFunc("/traders/{addr}/pnl-history", s.handleTraderPnL).Methods(http.MethodGet)

	api.HandleFunc("/scheduler/status", s.handleSchedulerStatus).Methods(http.MethodGet)
	api.HandleFunc("/scheduler/trigger", s.handleSchedulerTrigger).Methods(http.MethodPost)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api.HandleFunc("/ws/whales", s.handleWSWhales).Methods(http.MethodGet)
	api.HandleFunc("/ws/trades", s.handleWSTrades).Methods(http.MethodGet)
	api.HandleFunc("/ws/status", s.handleWSStatus).Methods(http.MethodGet)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(r)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", host, port),
		Handler: handler,
		// No WriteTimeout: WebSocket connections share this server and
		// stay open indefinitely.
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.server.Handler }

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.log.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts down.
func (s *Server) Stop() error {
	s.log.Info("api server stopping")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
