// Package chain wraps the Polygon JSON-RPC endpoint. Log queries are retried
// with backoff because public RPC nodes rate-limit eth_getLogs aggressively.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// RPC is the subset of the Ethereum client the indexer needs. Tests swap in
// a fake.
type RPC interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
}

const (
	logRetries      = 3
	logRetryBackoff = 2 * time.Second
)

// Client adds retry and convenience accessors on top of an RPC endpoint.
type Client struct {
	rpc RPC
	log *slog.Logger
}

// Dial connects to the RPC endpoint.
func Dial(ctx context.Context, rpcURL string, logger *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc %s: %w", rpcURL, err)
	}
	return NewClient(ec, logger), nil
}

// NewClient wraps an existing RPC connection.
func NewClient(rpc RPC, logger *slog.Logger) *Client {
	return &Client{rpc: rpc, log: logger.With("component", "chain")}
}

// Head returns the latest block number.
func (c *Client) Head(ctx context.Context) (uint64, error) {
	n, err := c.rpc.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return n, nil
}

// FilterLogs fetches logs for the query, retrying transient failures with
// exponential backoff (2s, 4s, 8s).
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]ethtypes.Log, error) {
	var lastErr error
	for attempt := 0; attempt < logRetries; attempt++ {
		if attempt > 0 {
			wait := logRetryBackoff << (attempt - 1)
			c.log.Warn("get_logs retry", "attempt", attempt, "wait", wait, "error", lastErr)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		logs, err := c.rpc.FilterLogs(ctx, q)
		if err == nil {
			return logs, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("get_logs after %d attempts: %w", logRetries, lastErr)
}

// BlockTime returns a block's timestamp as an ISO-8601 UTC string.
func (c *Client) BlockTime(ctx context.Context, number uint64) (string, error) {
	h, err := c.rpc.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return "", fmt.Errorf("header %d: %w", number, err)
	}
	return time.Unix(int64(h.Time), 0).UTC().Format("2006-01-02T15:04:05Z"), nil
}
