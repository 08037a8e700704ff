// Package ledger is the engine's only connection to the chain. It wraps a
// go-ethereum RPC client with rate limiting, error classification, and a
// self-healing log subscription, and it owns the payment contract ABI.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/chainrecon/internal/domain"
)

// backend is the subset of *ethclient.Client the Client uses.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
	Close()
}

// ClientConfig holds the parameters for connecting to a ledger node.
type ClientConfig struct {
	RPCURL            string
	ChainID           int64
	RateLimit         float64
	Burst             int
	BackfillMaxBlocks uint64
}

// TxDetails is the part of a transaction the verifier needs.
type TxDetails struct {
	Hash  common.Hash
	From  common.Address
	To    *common.Address
	Value *big.Int
	Input []byte
}

// Client is safe for concurrent use by every worker. It is built once at
// startup and closed on shutdown.
type Client struct {
	backend     backend
	signer      types.Signer
	limiter     *rate.Limiter
	backfillMax uint64
	logger      *slog.Logger

	// lifetime of subscription goroutines
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	pollInterval      time.Duration
}

// Dial connects to the node at cfg.RPCURL and checks that it serves the
// expected chain.
func Dial(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial: %w: %w", domain.ErrLedgerUnavailable, err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("ledger: chain id: %w: %w", domain.ErrLedgerUnavailable, err)
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		eth.Close()
		return nil, fmt.Errorf("ledger: node serves chain %s, configured chain is %d", chainID, cfg.ChainID)
	}
	return newClient(eth, chainID, cfg, logger), nil
}

func newClient(b backend, chainID *big.Int, cfg ClientConfig, logger *slog.Logger) *Client {
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		backend:           b,
		signer:            types.LatestSignerForChainID(chainID),
		limiter:           rate.NewLimiter(limit, burst),
		backfillMax:       cfg.BackfillMaxBlocks,
		logger:            logger.With(slog.String("component", "ledger")),
		ctx:               ctx,
		cancel:            cancel,
		reconnectDelay:    2 * time.Second,
		maxReconnectDelay: 60 * time.Second,
		pollInterval:      4 * time.Second,
	}
}

// BlockNumber returns the current head height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	if err := c.throttle(ctx, "block number"); err != nil {
		return 0, err
	}
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, classify("block number", err)
	}
	return n, nil
}

// Receipt returns the receipt of txRef, or domain.ErrTxNotFound when the node
// has none (unknown or still pending).
func (c *Client) Receipt(ctx context.Context, txRef common.Hash) (*types.Receipt, error) {
	if err := c.throttle(ctx, "receipt"); err != nil {
		return nil, err
	}
	r, err := c.backend.TransactionReceipt(ctx, txRef)
	if err != nil {
		return nil, classify("receipt", err)
	}
	if r == nil {
		return nil, fmt.Errorf("ledger: receipt: %w", domain.ErrTxNotFound)
	}
	return r, nil
}

// Transaction returns the details of txRef, or domain.ErrTxNotFound.
func (c *Client) Transaction(ctx context.Context, txRef common.Hash) (*TxDetails, error) {
	if err := c.throttle(ctx, "transaction"); err != nil {
		return nil, err
	}
	tx, _, err := c.backend.TransactionByHash(ctx, txRef)
	if err != nil {
		return nil, classify("transaction", err)
	}
	details := &TxDetails{
		Hash:  tx.Hash(),
		To:    tx.To(),
		Value: tx.Value(),
		Input: tx.Data(),
	}
	if from, err := types.Sender(c.signer, tx); err == nil {
		details.From = from
	}
	return details, nil
}

// FilterLogs runs a historical log query.
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := c.throttle(ctx, "filter logs"); err != nil {
		return nil, err
	}
	logs, err := c.backend.FilterLogs(ctx, q)
	if err != nil {
		return nil, classify("filter logs", err)
	}
	return logs, nil
}

// throttle waits for a rate limiter token. A wait that cannot finish before
// the deadline is an outage of the ledger budget, not a caller error; only
// an already-done context is reported as such.
func (c *Client) throttle(ctx context.Context, op string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("ledger: %s: throttled: %w: %w", op, domain.ErrLedgerUnavailable, err)
	}
	return nil
}

// Close stops every subscription, waits for their goroutines to exit, and
// closes the RPC connection. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.backend.Close()
	})
}

// classify maps an RPC error onto the domain taxonomy. Context errors pass
// through so callers can tell cancellation from an outage.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, ethereum.NotFound):
		return fmt.Errorf("ledger: %s: %w", op, domain.ErrTxNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("ledger: %s: %w: %w", op, domain.ErrLedgerUnavailable, err)
	}
}
