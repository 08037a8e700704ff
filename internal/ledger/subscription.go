package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/alanyoungcy/chainrecon/internal/metrics"
)

const subscriptionBuffer = 128

// SubscribePayments streams PaymentReceived logs emitted by contract. The
// returned channel survives connection drops: the subscription is re-created
// with exponential backoff and the blocks missed while disconnected are
// backfilled (bounded by BackfillMaxBlocks). Backfilled logs may repeat logs
// already delivered, so consumers must deduplicate. The channel is closed when
// ctx is cancelled or the Client is closed.
//
// Nodes that do not support push notifications (plain HTTP endpoints) are
// polled instead.
func (c *Client) SubscribePayments(ctx context.Context, contract common.Address) (<-chan types.Log, error) {
	if c.ctx.Err() != nil {
		return nil, errors.New("ledger: client closed")
	}
	query := ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{PaymentReceivedTopic}},
	}

	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)

	out := make(chan types.Log, subscriptionBuffer)
	logs := make(chan types.Log, subscriptionBuffer)

	sub, err := c.backend.SubscribeFilterLogs(runCtx, query, logs)
	switch {
	case errors.Is(err, rpc.ErrNotificationsUnsupported):
		c.logger.Info("node does not support subscriptions, polling for logs",
			slog.String("contract", contract.Hex()),
			slog.Duration("interval", c.pollInterval),
		)
		c.wg.Add(1)
		go func() {
			defer stop()
			defer cancel()
			c.runPolling(runCtx, query, out)
		}()
		return out, nil
	case err != nil:
		stop()
		cancel()
		return nil, classify("subscribe logs", err)
	}

	// The head at subscribe time is where a backfill starts if the
	// subscription drops before delivering anything.
	start, err := c.BlockNumber(runCtx)
	if err != nil {
		c.logger.Warn("subscribe: head unavailable, reconnect backfill falls back to the window",
			slog.String("error", err.Error()),
		)
	}

	c.logger.Info("subscribed to payment logs",
		slog.String("contract", contract.Hex()),
		slog.Uint64("from_block", start),
	)
	c.wg.Add(1)
	go func() {
		defer stop()
		defer cancel()
		c.runSubscription(runCtx, query, sub, logs, out, start)
	}()
	return out, nil
}

func (c *Client) runSubscription(ctx context.Context, query ethereum.FilterQuery, sub ethereum.Subscription, logs chan types.Log, out chan<- types.Log, start uint64) {
	defer c.wg.Done()
	defer close(out)

	last := start
	for {
		err := c.pump(ctx, sub, logs, out, &last)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("log subscription dropped, reconnecting", slog.String("error", err.Error()))

		sub, logs = c.resubscribe(ctx, query)
		if sub == nil {
			return
		}
		metrics.Default().SubscriptionReconnects.Inc()
		c.backfill(ctx, query, out, &last)
	}
}

// pump forwards logs until the subscription fails or ctx is cancelled.
func (c *Client) pump(ctx context.Context, sub ethereum.Subscription, logs <-chan types.Log, out chan<- types.Log, last *uint64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed by node")
			}
			return err
		case lg := <-logs:
			if !deliver(ctx, out, lg) {
				return ctx.Err()
			}
			if !lg.Removed && lg.BlockNumber > *last {
				*last = lg.BlockNumber
			}
		}
	}
}

// resubscribe retries with exponential backoff until it succeeds or ctx is
// cancelled, in which case it returns a nil subscription.
func (c *Client) resubscribe(ctx context.Context, query ethereum.FilterQuery) (ethereum.Subscription, chan types.Log) {
	delay := c.reconnectDelay
	for {
		if !sleepCtx(ctx, delay) {
			return nil, nil
		}
		logs := make(chan types.Log, subscriptionBuffer)
		sub, err := c.backend.SubscribeFilterLogs(ctx, query, logs)
		if err == nil {
			c.logger.Info("log subscription restored")
			return sub, logs
		}
		c.logger.Warn("resubscribe failed",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)

		// Exponential backoff.
		delay *= 2
		if delay > c.maxReconnectDelay {
			delay = c.maxReconnectDelay
		}
	}
}

// backfill replays logs from the last delivered block to the current head.
// It starts at the last block itself because that block may have had logs
// after the one delivered. With no known position it replays the
// BackfillMaxBlocks window, or nothing when the window is unbounded.
func (c *Client) backfill(ctx context.Context, query ethereum.FilterQuery, out chan<- types.Log, last *uint64) {
	head, err := c.BlockNumber(ctx)
	if err != nil {
		c.logger.Warn("backfill skipped, head unavailable", slog.String("error", err.Error()))
		return
	}
	from := *last
	if from == 0 {
		if c.backfillMax == 0 {
			c.logger.Warn("backfill skipped, no starting block and no window")
			return
		}
		if head > c.backfillMax {
			from = head - c.backfillMax
		}
	}
	if c.backfillMax > 0 && head > c.backfillMax && from < head-c.backfillMax {
		c.logger.Warn("backfill window truncated",
			slog.Uint64("missed_from", from),
			slog.Uint64("resume_from", head-c.backfillMax),
		)
		from = head - c.backfillMax
	}
	if from > head {
		return
	}

	q := query
	q.FromBlock = new(big.Int).SetUint64(from)
	q.ToBlock = new(big.Int).SetUint64(head)
	logs, err := c.FilterLogs(ctx, q)
	if err != nil {
		c.logger.Warn("backfill query failed", slog.String("error", err.Error()))
		return
	}
	for _, lg := range logs {
		if !deliver(ctx, out, lg) {
			return
		}
		if lg.BlockNumber > *last {
			*last = lg.BlockNumber
		}
	}
	c.logger.Info("backfill complete",
		slog.Uint64("from", from),
		slog.Uint64("to", head),
		slog.Int("logs", len(logs)),
	)
}

// runPolling emulates a subscription with periodic range queries, starting
// at the head observed when polling begins.
func (c *Client) runPolling(ctx context.Context, query ethereum.FilterQuery, out chan<- types.Log) {
	defer c.wg.Done()
	defer close(out)

	var next uint64
	if head, err := c.BlockNumber(ctx); err == nil {
		next = head + 1
	}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		head, err := c.BlockNumber(ctx)
		if err != nil {
			c.logger.Warn("poll: head unavailable", slog.String("error", err.Error()))
			continue
		}
		if next == 0 {
			next = head
		}
		if head < next {
			continue
		}
		from := next
		if c.backfillMax > 0 && head-from > c.backfillMax {
			from = head - c.backfillMax
		}

		q := query
		q.FromBlock = new(big.Int).SetUint64(from)
		q.ToBlock = new(big.Int).SetUint64(head)
		logs, err := c.FilterLogs(ctx, q)
		if err != nil {
			c.logger.Warn("poll: log query failed", slog.String("error", err.Error()))
			continue
		}
		for _, lg := range logs {
			if !deliver(ctx, out, lg) {
				return
			}
		}
		next = head + 1
	}
}

func deliver(ctx context.Context, out chan<- types.Log, lg types.Log) bool {
	select {
	case out <- lg:
		return true
	case <-ctx.Done():
		return false
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
