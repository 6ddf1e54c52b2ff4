// Package scheduler drives the periodic sync pipeline: index new blocks,
// refresh metadata for the busiest markets, recount 24h traders, then tail
// for new whales and push them out. Ticks never overlap; a tick that
// arrives while a sync is running is skipped, not queued.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zh0006xu/PolyLens/internal/gamma"
	"github.com/zh0006xu/PolyLens/internal/indexer"
	"github.com/zh0006xu/PolyLens/internal/store"
	"github.com/zh0006xu/PolyLens/internal/stream"
	"github.com/zh0006xu/PolyLens/internal/whale"
	"github.com/zh0006xu/PolyLens/pkg/types"
)

const (
	refreshTopMarkets  = 50
	refreshConcurrency = 10
	refreshCallTimeout = 5 * time.Second
)

// SyncResult is the snapshot of one completed sync.
type SyncResult struct {
	StartedAt        string   `json:"started_at"`
	FinishedAt       string   `json:"finished_at"`
	DurationMS       int64    `json:"duration_ms"`
	BlocksScanned    int64    `json:"blocks_scanned"`
	TradesInserted   int      `json:"trades_inserted"`
	MarketsRefreshed int      `json:"markets_refreshed"`
	WhalesDetected   int      `json:"whales_detected"`
	Warnings         []string `json:"warnings,omitempty"`
	Error            string   `json:"error,omitempty"`
}

// Scheduler runs the pipeline on a fixed interval.
type Scheduler struct {
	store    *store.Store
	indexer  *indexer.Indexer
	gamma    *gamma.Client
	whales   *whale.Detector
	hub      *stream.Hub
	interval time.Duration
	thresh   float64
	log      *slog.Logger

	// job is the tick body; tests substitute a slow stand-in.
	job func(ctx context.Context) SyncResult

	syncing   atomic.Bool
	syncCount atomic.Int64
	running   atomic.Bool

	mu       sync.Mutex
	lastSync *SyncResult

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a scheduler.
func New(st *store.Store, ix *indexer.Indexer, gc *gamma.Client, wd *whale.Detector, hub *stream.Hub, interval time.Duration, whaleThreshold float64, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		store:    st,
		indexer:  ix,
		gamma:    gc,
		whales:   wd,
		hub:      hub,
		interval: interval,
		thresh:   whaleThreshold,
		log:      logger.With("component", "scheduler"),
		stop:     make(chan struct{}),
	}
	s.job = s.runSync
	return s
}

// Start launches the tick loop. Stop suppresses future ticks; a sync already
// in flight is left to finish.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.log.Info("scheduler started", "interval", s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop suppresses future ticks and waits for the loop to exit. An in-flight
// sync keeps running to completion.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.log.Info("scheduler stopped")
}

// TriggerNow starts a sync immediately unless one is already running.
// Returns false when skipped.
func (s *Scheduler) TriggerNow() bool {
	return s.tick()
}

// tick runs one sync on its own goroutine under the non-overlap guard.
func (s *Scheduler) tick() bool {
	if !s.syncing.CompareAndSwap(false, true) {
		s.log.Debug("sync still running, tick skipped")
		return false
	}
	s.syncCount.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.syncing.Store(false)

		// Shutdown must not cancel an active sync, so the job gets a fresh
		// context rather than one tied to Start.
		res := s.job(context.Background())

		s.mu.Lock()
		s.lastSync = &res
		s.mu.Unlock()
		if res.Error != "" {
			s.log.Error("sync failed", "error", res.Error)
		} else {
			s.log.Info("sync done",
				"blocks", res.BlocksScanned, "trades", res.TradesInserted,
				"whales", res.WhalesDetected, "duration_ms", res.DurationMS)
		}
	}()
	return true
}

// runSync is the pipeline body. A failing step records the error and stops
// the tick; the scheduler itself keeps ticking.
func (s *Scheduler) runSync(ctx context.Context) SyncResult {
	started := time.Now()
	res := SyncResult{StartedAt: started.UTC().Format(time.RFC3339)}
	defer func() {
		res.FinishedAt = time.Now().UTC().Format(time.RFC3339)
		res.DurationMS = time.Since(started).Milliseconds()
	}()

	idx, err := s.indexer.SyncIncremental(ctx, indexer.DefaultBlockLookback)
	if err != nil {
		res.Error = fmt.Sprintf("index: %v", err)
		return res
	}
	res.BlocksScanned = idx.BlocksScanned
	res.TradesInserted = idx.TradesInserted
	res.Warnings = append(res.Warnings, idx.Warnings...)

	refreshed, err := s.refreshMarkets(ctx)
	if err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("refresh: %v", err))
	}
	res.MarketsRefreshed = refreshed

	if err := s.refreshTraderCounts(ctx); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("trader counts: %v", err))
	}

	if idx.TradesInserted > 0 {
		whales, err := s.whales.DetectNew(ctx, s.thresh)
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("whale tail: %v", err))
		} else {
			res.WhalesDetected = len(whales)
			for _, w := range whales {
				s.hub.Broadcast(stream.ChannelWhales, "whale_alert", w)
			}
		}
	}
	return res
}

// refreshMarkets pulls fresh prices and status for the most-voluminous
// active markets, bounded to refreshConcurrency parallel Gamma calls.
func (s *Scheduler) refreshMarkets(ctx context.Context) (int, error) {
	markets, err := s.store.TopActiveMarkets(ctx, refreshTopMarkets)
	if err != nil {
		return 0, err
	}
	if len(markets) == 0 {
		return 0, nil
	}

	var refreshed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refreshConcurrency)
	for _, m := range markets {
		g.Go(func() error {
			if err := s.refreshOne(gctx, m); err != nil {
				s.log.Warn("market refresh failed", "market", m.Slug, "error", err)
				return nil // one stale market never fails the batch
			}
			refreshed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(refreshed.Load()), err
	}
	return int(refreshed.Load()), nil
}

func (s *Scheduler) refreshOne(ctx context.Context, m types.Market) error {
	ctx, cancel := context.WithTimeout(ctx, refreshCallTimeout)
	defer cancel()

	fresh, err := s.gamma.MarketByConditionID(ctx, m.ConditionID)
	if errors.Is(err, gamma.ErrNoResults) {
		return nil
	}
	if err != nil {
		return err
	}

	status := gamma.StatusOf(fresh.Active, fresh.Closed, fresh.Archived)
	patch := store.MarketPatch{
		ConditionID: m.ConditionID,
		Status:      &status,
	}
	if fresh.OutcomePrices != "" {
		patch.OutcomePrices = &fresh.OutcomePrices
	}
	if v := fresh.VolumeUSD(); v > 0 {
		patch.Volume = &v
	}
	if v := float64(fresh.Volume24hr); v > 0 {
		patch.Volume24h = &v
	}
	if v := float64(fresh.BestBid); v > 0 {
		patch.BestBid = &v
	}
	if v := float64(fresh.BestAsk); v > 0 {
		patch.BestAsk = &v
	}
	if len(fresh.Events) > 0 && fresh.Events[0].Slug != "" {
		if ev, err := s.store.EventBySlug(ctx, fresh.Events[0].Slug); err == nil {
			patch.EventID = &ev.ID
		}
	}
	_, err = s.store.UpsertMarket(ctx, patch)
	return err
}

// refreshTraderCounts recounts unique 24h takers for the busiest markets.
func (s *Scheduler) refreshTraderCounts(ctx context.Context) error {
	ids, err := s.store.TopMarketsByVolume24h(ctx, refreshTopMarkets)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.store.RefreshUniqueTraders24h(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Status is the scheduler's public state.
type Status struct {
	Running        bool        `json:"running"`
	IsSyncing      bool        `json:"is_syncing"`
	SyncCount      int64       `json:"sync_count"`
	IntervalSec    float64     `json:"interval_sec"`
	WhaleThreshold float64     `json:"whale_threshold"`
	LastSyncResult *SyncResult `json:"last_sync_result,omitempty"`
}

// Status reports the current state and the last sync snapshot.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	last := s.lastSync
	s.mu.Unlock()
	return Status{
		Running:        s.running.Load(),
		IsSyncing:      s.syncing.Load(),
		SyncCount:      s.syncCount.Load(),
		IntervalSec:    s.interval.Seconds(),
		WhaleThreshold: s.thresh,
		LastSyncResult: last,
	}
}
