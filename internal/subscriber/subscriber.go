// Package subscriber turns payment logs from the live ledger subscription
// into candidate events for the work queue. It never decides whether a
// payment is valid.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/ledger"
	"github.com/alanyoungcy/chainrecon/internal/metrics"
	"github.com/alanyoungcy/chainrecon/internal/pipeline"
)

// Source is the ledger side of the subscriber.
type Source interface {
	SubscribePayments(ctx context.Context, contract common.Address) (<-chan types.Log, error)
	Transaction(ctx context.Context, txRef common.Hash) (*ledger.TxDetails, error)
}

// Sink accepts candidate events. *pipeline.Queue implements it.
type Sink interface {
	Enqueue(ctx context.Context, ev domain.PaymentEvent) error
}

// Config tunes the subscriber.
type Config struct {
	Contract common.Address
	// Resolvers is the number of goroutines fetching transactions to
	// recover order refs.
	Resolvers int
	DedupTTL  time.Duration
}

// Subscriber reads the payment log stream. The subscription goroutine only
// filters logs; transaction lookups run on resolver goroutines so a slow
// node never stalls the stream.
type Subscriber struct {
	source Source
	sink   Sink
	cfg    Config
	dedup  *pipeline.Dedup
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Subscriber.
func New(source Source, sink Sink, cfg Config, logger *slog.Logger) *Subscriber {
	if cfg.Resolvers < 1 {
		cfg.Resolvers = 4
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	return &Subscriber{
		source: source,
		sink:   sink,
		cfg:    cfg,
		dedup:  pipeline.NewDedup(cfg.DedupTTL),
		logger: logger.With(slog.String("component", "subscriber")),
		now:    time.Now,
	}
}

// Run subscribes and blocks until ctx is cancelled or the subscription
// channel closes.
func (s *Subscriber) Run(ctx context.Context) error {
	logs, err := s.source.SubscribePayments(ctx, s.cfg.Contract)
	if err != nil {
		return fmt.Errorf("subscriber: %w", err)
	}
	s.logger.Info("subscriber started",
		slog.String("contract", s.cfg.Contract.Hex()),
		slog.Int("resolvers", s.cfg.Resolvers),
	)

	pending := make(chan types.Log, s.cfg.Resolvers)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(pending)
		return s.filter(gctx, logs, pending)
	})
	for i := 0; i < s.cfg.Resolvers; i++ {
		g.Go(func() error {
			for lg := range pending {
				if err := s.forward(gctx, lg); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		s.logger.Info("subscriber stopped")
		return nil
	}
	return err
}

// filter drops reorged and redelivered logs and passes the rest on. It also
// expires dedup entries once per TTL.
func (s *Subscriber) filter(ctx context.Context, logs <-chan types.Log, out chan<- types.Log) error {
	cleanup := time.NewTicker(s.cfg.DedupTTL)
	defer cleanup.Stop()
	observed := metrics.Default().LogsObserved

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-cleanup.C:
			if n := s.dedup.Cleanup(); n > 0 {
				s.logger.Debug("dedup entries expired", slog.Int("count", n))
			}
		case lg, ok := <-logs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("subscriber: payment log stream closed")
			}
			if lg.Removed {
				observed.WithLabelValues("removed").Inc()
				s.logger.Warn("payment log removed by reorg",
					slog.String("tx_ref", lg.TxHash.Hex()),
					slog.Uint64("block", lg.BlockNumber),
				)
				continue
			}
			if s.dedup.IsDuplicate(pipeline.DedupKey(lg.TxHash, lg.Index)) {
				observed.WithLabelValues("duplicate").Inc()
				continue
			}
			select {
			case out <- lg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// forward resolves the order ref of lg and enqueues the event. Lookup
// failures still enqueue, leaving the ref empty for the verifier to recover.
func (s *Subscriber) forward(ctx context.Context, lg types.Log) error {
	ev := s.Resolve(ctx, lg)
	if err := s.sink.Enqueue(ctx, ev); err != nil {
		if ctx.Err() != nil || errors.Is(err, pipeline.ErrQueueClosed) {
			return nil
		}
		return fmt.Errorf("subscriber: enqueue %s: %w", lg.TxHash.Hex(), err)
	}
	metrics.Default().LogsObserved.WithLabelValues("enqueued").Inc()
	s.logger.Debug("payment event enqueued",
		slog.String("tx_ref", ev.TxRef.Hex()),
		slog.String("order_ref", ev.OrderRef),
	)
	return nil
}

// Resolve builds the PaymentEvent for lg. The order ref is indexed as a hash
// in the log, so the plaintext is taken from the payOrder call data and kept
// only when it hashes to the logged topic.
func (s *Subscriber) Resolve(ctx context.Context, lg types.Log) domain.PaymentEvent {
	ev := domain.PaymentEvent{
		TxRef:       lg.TxHash,
		LogIndex:    lg.Index,
		BlockNumber: lg.BlockNumber,
		Log:         lg,
		ObservedAt:  s.now().UTC(),
	}
	attrs := []any{slog.String("tx_ref", lg.TxHash.Hex())}

	tx, err := s.source.Transaction(ctx, lg.TxHash)
	if err != nil {
		metrics.Default().LogsObserved.WithLabelValues("unresolved").Inc()
		s.logger.WarnContext(ctx, "transaction lookup failed, enqueueing without order ref",
			append(attrs, slog.String("error", err.Error()))...)
		return ev
	}
	call, err := ledger.DecodePayOrder(tx.Input)
	if err != nil {
		metrics.Default().LogsObserved.WithLabelValues("unresolved").Inc()
		s.logger.WarnContext(ctx, "payment call data not decodable, enqueueing without order ref",
			append(attrs, slog.String("error", err.Error()))...)
		return ev
	}
	if len(lg.Topics) > 1 && ledger.OrderRefHash(call.OrderRef) != lg.Topics[1] {
		metrics.Default().LogsObserved.WithLabelValues("unresolved").Inc()
		s.logger.WarnContext(ctx, "call data order ref does not match the logged hash",
			append(attrs, slog.String("call_order_ref", call.OrderRef))...)
		return ev
	}
	ev.OrderRef = call.OrderRef
	return ev
}
