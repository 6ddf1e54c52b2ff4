// Package indexer scans the CTF exchange contracts for OrderFilled events
// and persists them as trades. Progress is checkpointed block by block in
// the same transaction as the block's trades, so a crash never loses a
// committed block and a restart never double-counts one.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/jmoiron/sqlx"

	"github.com/zh0006xu/PolyLens/internal/chain"
	"github.com/zh0006xu/PolyLens/internal/store"
	"github.com/zh0006xu/PolyLens/pkg/types"
)

// DefaultBlockLookback bounds the first incremental sync when no checkpoint
// exists yet.
const DefaultBlockLookback = 100

// Resolver discovers a market for a token id the store does not know.
// Returns (nil, nil) when the token cannot be resolved.
type Resolver interface {
	ByTokenID(ctx context.Context, tokenID string) (*types.Market, error)
}

// Indexer drives the scan loop.
type Indexer struct {
	store     *store.Store
	chain     *chain.Client
	resolver  Resolver // optional
	exchanges []common.Address
	batchSize int64
	log       *slog.Logger
}

// New creates an indexer. resolver may be nil to disable on-demand market
// discovery.
func New(st *store.Store, ch *chain.Client, resolver Resolver, exchanges []common.Address, batchSize int64, logger *slog.Logger) *Indexer {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Indexer{
		store:     st,
		chain:     ch,
		resolver:  resolver,
		exchanges: exchanges,
		batchSize: batchSize,
		log:       logger.With("component", "indexer"),
	}
}

// Result summarizes one scan.
type Result struct {
	FromBlock      int64    `json:"from_block"`
	ToBlock        int64    `json:"to_block"`
	BlocksScanned  int64    `json:"blocks_scanned"`
	LogsSeen       int      `json:"logs_seen"`
	TradesInserted int      `json:"trades_inserted"`
	Warnings       []string `json:"warnings,omitempty"`
}

// scanState carries per-scan memoization: token ids already sent to the
// resolver, resolved markets, and block timestamps.
type scanState struct {
	tried      map[string]bool
	markets    map[string]*types.Market
	blockTimes map[uint64]string
	txFilter   string
}

// Scan indexes fills in [from, to]. txFilter, when non-empty, keeps only
// fills from that transaction (debugging aid).
func (ix *Indexer) Scan(ctx context.Context, from, to int64, txFilter string) (Result, error) {
	res := Result{FromBlock: from, ToBlock: to}
	if from > to {
		return res, fmt.Errorf("invalid range %d..%d", from, to)
	}

	st := &scanState{
		tried:      make(map[string]bool),
		markets:    make(map[string]*types.Market),
		blockTimes: make(map[uint64]string),
		txFilter:   strings.ToLower(txFilter),
	}

	for cur := from; cur <= to; cur += ix.batchSize {
		end := cur + ix.batchSize - 1
		if end > to {
			end = to
		}
		if err := ix.scanBatch(ctx, cur, end, st, &res); err != nil {
			return res, err
		}
	}
	res.BlocksScanned = to - from + 1
	return res, nil
}

func (ix *Indexer) scanBatch(ctx context.Context, from, to int64, st *scanState, res *Result) error {
	logs, err := ix.chain.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: big.NewInt(from),
		ToBlock:   big.NewInt(to),
		Addresses: ix.exchanges,
		Topics:    [][]common.Hash{{OrderFilledTopic}},
	})
	if err != nil {
		return err
	}
	res.LogsSeen += len(logs)

	byBlock := make(map[uint64][]ethtypes.Log)
	for _, lg := range logs {
		byBlock[lg.BlockNumber] = append(byBlock[lg.BlockNumber], lg)
	}

	for b := from; b <= to; b++ {
		blockLogs := byBlock[uint64(b)]
		if len(blockLogs) == 0 {
			if err := ix.store.SetCursor(ctx, store.CursorTradeSync, b); err != nil {
				return err
			}
			continue
		}
		sort.Slice(blockLogs, func(i, j int) bool {
			return blockLogs[i].Index < blockLogs[j].Index
		})
		if err := ix.commitBlock(ctx, b, blockLogs, st, res); err != nil {
			return err
		}
	}
	return nil
}

// commitBlock writes a block's trades and its checkpoint atomically.
func (ix *Indexer) commitBlock(ctx context.Context, block int64, logs []ethtypes.Log, st *scanState, res *Result) error {
	ts, ok := st.blockTimes[uint64(block)]
	if !ok {
		var err error
		ts, err = ix.chain.BlockTime(ctx, uint64(block))
		if err != nil {
			return err
		}
		st.blockTimes[uint64(block)] = ts
	}

	var trades []types.Trade
	for _, lg := range logs {
		fill, err := DecodeOrderFilled(lg)
		if err != nil {
			res.Warnings = append(res.Warnings, err.Error())
			continue
		}
		if st.txFilter != "" && strings.ToLower(fill.TxHash) != st.txFilter {
			continue
		}
		m, warn := ix.resolveMarket(ctx, fill.TokenID, st)
		if m == nil {
			if warn != "" {
				res.Warnings = append(res.Warnings, warn)
			}
			continue
		}
		trades = append(trades, types.Trade{
			MarketID:    m.ID,
			TxHash:      fill.TxHash,
			LogIndex:    fill.LogIndex,
			BlockNumber: fill.BlockNumber,
			Maker:       fill.Maker,
			Taker:       fill.Taker,
			Side:        fill.Side,
			Outcome:     outcomeFor(m, fill.TokenID),
			Price:       fill.Price,
			Size:        fill.Size,
			Fee:         fill.Fee,
			TokenID:     fill.TokenID,
			Timestamp:   ts,
		})
	}

	return ix.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		for _, t := range trades {
			inserted, err := ix.store.InsertTradeTx(tx, t)
			if err != nil {
				return err
			}
			if inserted {
				res.TradesInserted++
			}
		}
		return ix.store.SetCursorTx(tx, store.CursorTradeSync, block)
	})
}

// resolveMarket maps a token id to its market, trying the store first and
// then (once per scan per token) on-demand discovery.
func (ix *Indexer) resolveMarket(ctx context.Context, tokenID string, st *scanState) (*types.Market, string) {
	if m, ok := st.markets[tokenID]; ok {
		return m, ""
	}

	m, err := ix.store.MarketByTokenID(ctx, tokenID)
	if err == nil {
		st.markets[tokenID] = m
		return m, ""
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Sprintf("lookup token %s: %v", tokenID, err)
	}

	if ix.resolver != nil && !st.tried[tokenID] {
		st.tried[tokenID] = true
		m, err := ix.resolver.ByTokenID(ctx, tokenID)
		if err != nil {
			ix.log.Warn("on-demand discovery failed", "token_id", tokenID, "error", err)
		} else if m != nil {
			st.markets[tokenID] = m
			return m, ""
		}
	}
	return nil, fmt.Sprintf("unknown token id %s, trade skipped", tokenID)
}

func outcomeFor(m *types.Market, tokenID string) types.Outcome {
	switch tokenID {
	case m.YesTokenID:
		return types.OutcomeYes
	case m.NoTokenID:
		return types.OutcomeNo
	default:
		return types.OutcomeUnknown
	}
}

// SyncIncremental scans from the checkpoint to the chain head. On a fresh
// database the scan starts lookback blocks behind the head.
func (ix *Indexer) SyncIncremental(ctx context.Context, lookback int64) (Result, error) {
	head, err := ix.chain.Head(ctx)
	if err != nil {
		return Result{}, err
	}
	cursor, err := ix.store.Cursor(ctx, store.CursorTradeSync)
	if err != nil {
		return Result{}, err
	}

	var from int64
	if cursor > 0 {
		from = cursor + 1
	} else {
		if lookback <= 0 {
			lookback = DefaultBlockLookback
		}
		from = int64(head) - lookback
		if from < 0 {
			from = 0
		}
	}
	if from > int64(head) {
		return Result{FromBlock: from, ToBlock: int64(head)}, nil
	}
	return ix.Scan(ctx, from, int64(head), "")
}
