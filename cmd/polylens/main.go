// Command polylens is the Polymarket flow dashboard backend: an on-chain
// trade indexer, a market discovery sync, and the HTTP/WebSocket read API.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/zh0006xu/PolyLens/internal/api"
	"github.com/zh0006xu/PolyLens/internal/chain"
	"github.com/zh0006xu/PolyLens/internal/config"
	"github.com/zh0006xu/PolyLens/internal/discovery"
	"github.com/zh0006xu/PolyLens/internal/gamma"
	"github.com/zh0006xu/PolyLens/internal/indexer"
	"github.com/zh0006xu/PolyLens/internal/klines"
	"github.com/zh0006xu/PolyLens/internal/metrics"
	"github.com/zh0006xu/PolyLens/internal/scheduler"
	"github.com/zh0006xu/PolyLens/internal/store"
	"github.com/zh0006xu/PolyLens/internal/stream"
	"github.com/zh0006xu/PolyLens/internal/traders"
	"github.com/zh0006xu/PolyLens/internal/whale"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "polylens",
		Short:         "Polymarket sentiment and flow dashboard backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(indexCmd(), discoverCmd(), serveCmd(), statsCmd())
	return root
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func loadConfig(needChain bool) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(needChain); err != nil {
		return nil, err
	}
	return cfg, nil
}

// exchanges parses the two watched exchange contracts.
func exchanges(cfg *config.Config) []common.Address {
	return []common.Address{
		common.HexToAddress(cfg.Chain.CTFExchange),
		common.HexToAddress(cfg.Chain.NegRiskCTFExchange),
	}
}

func buildDiscovery(cfg *config.Config, st *store.Store, log *slog.Logger) *discovery.Service {
	gc := gamma.New(cfg.Gamma.BaseURL, log)
	return discovery.New(st, gc,
		common.HexToAddress(cfg.Chain.USDCe),
		common.HexToAddress(cfg.Chain.WrappedCollateral),
		log)
}

func indexCmd() *cobra.Command {
	var (
		fromBlock int64
		toBlock   int64
		dbPath    string
		batchSize int64
		reset     bool
		txFilter  string
	)
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Scan the chain for OrderFilled events and persist trades",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.Database.Path = dbPath
			}
			if batchSize > 0 {
				cfg.Chain.BatchSize = batchSize
			}
			log := newLogger(cfg.Logging.Level)
			ctx := cmd.Context()

			st, err := store.Open(cfg.Database.Path, log)
			if err != nil {
				return err
			}
			defer st.Close()

			if reset {
				if err := st.ClearCursor(ctx, store.CursorTradeSync); err != nil {
					return err
				}
				log.Info("trade sync cursor cleared")
			}

			ch, err := chain.Dial(ctx, cfg.Chain.RPCURL, log)
			if err != nil {
				return err
			}
			ix := indexer.New(st, ch, buildDiscovery(cfg, st, log), exchanges(cfg), cfg.Chain.BatchSize, log)

			var res indexer.Result
			if fromBlock > 0 {
				to := toBlock
				if to <= 0 {
					head, err := ch.Head(ctx)
					if err != nil {
						return err
					}
					to = int64(head)
				}
				res, err = ix.Scan(ctx, fromBlock, to, txFilter)
			} else {
				res, err = ix.SyncIncremental(ctx, indexer.DefaultBlockLookback)
			}
			if err != nil {
				return err
			}
			log.Info("index run complete",
				"from", res.FromBlock, "to", res.ToBlock,
				"logs", res.LogsSeen, "inserted", res.TradesInserted,
				"warnings", len(res.Warnings))
			for _, w := range res.Warnings {
				log.Warn(w)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&fromBlock, "from-block", 0, "first block to scan (default: resume from checkpoint)")
	cmd.Flags().Int64Var(&toBlock, "to-block", 0, "last block to scan (default: chain head)")
	cmd.Flags().StringVar(&dbPath, "db", "", "database path override")
	cmd.Flags().Int64Var(&batchSize, "batch-size", 500, "blocks per get_logs call")
	cmd.Flags().BoolVar(&reset, "reset", false, "clear the sync checkpoint before scanning")
	cmd.Flags().StringVar(&txFilter, "tx", "", "only index fills from this transaction hash")
	return cmd
}

func discoverCmd() *cobra.Command {
	var (
		eventSlug string
		all       bool
		limit     int
		dbPath    string
	)
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Fetch market metadata from Gamma and store it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if eventSlug == "" && !all {
				return fmt.Errorf("one of --event-slug or --all is required")
			}
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.Database.Path = dbPath
			}
			log := newLogger(cfg.Logging.Level)
			ctx := cmd.Context()

			st, err := store.Open(cfg.Database.Path, log)
			if err != nil {
				return err
			}
			defer st.Close()

			svc := buildDiscovery(cfg, st, log)
			var sum discovery.Summary
			if eventSlug != "" {
				sum, err = svc.ByEventSlug(ctx, eventSlug)
			} else {
				sum, err = svc.All(ctx, true, limit, limit <= 0)
			}
			if err != nil {
				return err
			}
			log.Info("discovery complete",
				"found", sum.MarketsFound, "saved", sum.MarketsSaved,
				"warnings", len(sum.Warnings))
			for _, w := range sum.Warnings {
				log.Warn(w)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&eventSlug, "event-slug", "", "discover one event's markets")
	cmd.Flags().BoolVar(&all, "all", false, "discover all active markets")
	cmd.Flags().IntVar(&limit, "limit", 0, "cap on markets fetched with --all (0 = everything)")
	cmd.Flags().StringVar(&dbPath, "db", "", "database path override")
	return cmd
}

// serveOverrides carries the `serve` flag values. Zero values mean the flag
// was not passed and the environment-derived config wins.
type serveOverrides struct {
	host           string
	port           int
	dbPath         string
	syncInterval   int
	noScheduler    bool
	whaleThreshold float64
}

func applyServeOverrides(cfg *config.Config, o serveOverrides) {
	if o.host != "" {
		cfg.API.Host = o.host
	}
	if o.port > 0 {
		cfg.API.Port = o.port
	}
	if o.dbPath != "" {
		cfg.Database.Path = o.dbPath
	}
	if o.syncInterval > 0 {
		cfg.Scheduler.IntervalSec = o.syncInterval
	}
	if o.noScheduler {
		cfg.Scheduler.Enabled = false
	}
	if o.whaleThreshold > 0 {
		cfg.Scheduler.WhaleThreshold = o.whaleThreshold
	}
}

func serveCmd() *cobra.Command {
	var (
		host           string
		port           int
		dbPath         string
		syncInterval   int
		noScheduler    bool
		whaleThreshold float64
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server with the background sync scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			applyServeOverrides(cfg, serveOverrides{
				host:           host,
				port:           port,
				dbPath:         dbPath,
				syncInterval:   syncInterval,
				noScheduler:    noScheduler,
				whaleThreshold: whaleThreshold,
			})
			if cfg.Scheduler.Enabled && cfg.Chain.RPCURL == "" {
				return fmt.Errorf("chain.rpc_url is required with the scheduler enabled (set RPC_URL or pass --no-scheduler)")
			}
			log := newLogger(cfg.Logging.Level)
			ctx := cmd.Context()

			st, err := store.Open(cfg.Database.Path, log)
			if err != nil {
				return err
			}
			defer st.Close()

			hub := stream.NewHub(log)
			wd := whale.New(st, log)

			var sched *scheduler.Scheduler
			if cfg.Scheduler.Enabled {
				ch, err := chain.Dial(ctx, cfg.Chain.RPCURL, log)
				if err != nil {
					return err
				}
				gc := gamma.New(cfg.Gamma.BaseURL, log)
				ix := indexer.New(st, ch, buildDiscovery(cfg, st, log), exchanges(cfg), cfg.Chain.BatchSize, log)
				sched = scheduler.New(st, ix, gc, wd, hub,
					cfg.Scheduler.Interval(), cfg.Scheduler.WhaleThreshold, log)
				sched.Start()
				defer sched.Stop()
			}

			srv := api.NewServer(cfg.API.Host, cfg.API.Port, api.Deps{
				Store:          st,
				Metrics:        metrics.New(st, log),
				Klines:         klines.New(st, log),
				Whales:         wd,
				Traders:        traders.New(st, cfg.DataAPI.BaseURL, cfg.Traders.StatsMaxTrades, cfg.Traders.LevelMaxTrades, cfg.Traders.LevelCacheTTL(), log),
				Scheduler:      sched,
				Hub:            hub,
				WhaleThreshold: cfg.Scheduler.WhaleThreshold,
			}, log)

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()

			sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			select {
			case <-sigCtx.Done():
				log.Info("shutdown signal received")
				return srv.Stop()
			case err := <-errCh:
				return err
			}
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "listen host override")
	cmd.Flags().IntVar(&port, "port", 0, "listen port override")
	cmd.Flags().StringVar(&dbPath, "db", "", "database path override")
	cmd.Flags().IntVar(&syncInterval, "sync-interval", 0, "seconds between scheduler ticks (default from SYNC_INTERVAL, 10)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve without background sync")
	cmd.Flags().Float64Var(&whaleThreshold, "whale-threshold", 0, "whale USD threshold override")
	return cmd
}

func statsCmd() *cobra.Command {
	var dbPath string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print table counts and sync cursors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(false)
			if err != nil {
				return err
			}
			if dbPath != "" {
				cfg.Database.Path = dbPath
			}
			log := newLogger(cfg.Logging.Level)
			ctx := cmd.Context()

			st, err := store.Open(cfg.Database.Path, log)
			if err != nil {
				return err
			}
			defer st.Close()

			counts, err := st.Counts(ctx)
			if err != nil {
				return err
			}
			cursors, err := st.Cursors(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "events:       %d\n", counts.Events)
			fmt.Fprintf(out, "markets:      %d\n", counts.Markets)
			fmt.Fprintf(out, "trades:       %d\n", counts.Trades)
			fmt.Fprintf(out, "whale_trades: %d\n", counts.WhaleTrades)
			for _, c := range cursors {
				fmt.Fprintf(out, "%s = %d (updated %s)\n", c.Key, c.LastBlock, c.UpdatedAt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "database path override")
	return cmd
}
