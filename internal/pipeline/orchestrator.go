package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/metrics"
)

// Verifier checks one transaction.
type Verifier interface {
	Verify(ctx context.Context, txRef common.Hash, expectedOrderRef string) (domain.VerificationResult, error)
}

// Reconciler applies verified payments and records the ones that cannot be
// applied.
type Reconciler interface {
	Reconcile(ctx context.Context, res domain.VerificationResult, orderRef string) (domain.Order, bool, error)
	ManualReview(ctx context.Context, res domain.VerificationResult, claimedRef string) error
	RecordFailure(ctx context.Context, txRef, orderRef string, cause error)
}

// Config tunes the worker pool.
type Config struct {
	RequeueLimit int
	// RequeueDelay is the wait before the first requeue. It doubles on each
	// further attempt.
	RequeueDelay time.Duration
	DrainTimeout time.Duration
}

// Orchestrator runs one worker per queue shard. Each worker verifies and
// reconciles the events of its shard in order.
type Orchestrator struct {
	queue      *Queue
	verifier   Verifier
	reconciler Reconciler
	cfg        Config
	logger     *slog.Logger
}

// NewOrchestrator creates an Orchestrator draining queue.
func NewOrchestrator(queue *Queue, v Verifier, r Reconciler, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	return &Orchestrator{
		queue:      queue,
		verifier:   v,
		reconciler: r,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "pipeline")),
	}
}

// Run starts the workers and blocks until they exit. When ctx is cancelled
// the queue is closed and the workers drain what is left, with processing
// contexts that outlive ctx by at most DrainTimeout.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline starting",
		slog.Int("workers", o.queue.Shards()),
		slog.Int("requeue_limit", o.cfg.RequeueLimit),
	)

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	var g errgroup.Group
	for i, shard := range o.queue.shards {
		g.Go(func() error {
			o.work(workCtx, ctx, i, shard)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		o.queue.Close()
		o.logger.Info("pipeline draining", slog.Int("queued", o.queue.Len()))

		timer := time.NewTimer(o.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			o.logger.Warn("drain timeout reached, abandoning queued work", slog.Int("queued", o.queue.Len()))
			cancelWork()
		}
	}()

	err := g.Wait()
	close(done)
	o.logger.Info("pipeline stopped")
	return err
}

func (o *Orchestrator) work(workCtx, runCtx context.Context, shard int, items <-chan Item) {
	logger := o.logger.With(slog.Int("shard", shard))
	for it := range items {
		metrics.Default().QueueDepth.Dec()
		err := o.Process(workCtx, it.Event)
		if err == nil {
			continue
		}
		if workCtx.Err() != nil {
			logger.Warn("payment event dropped at shutdown",
				slog.String("tx_ref", it.Event.TxRef.Hex()),
				slog.String("order_ref", it.Event.OrderRef),
			)
			continue
		}
		o.requeue(runCtx, workCtx, it, err)
	}
}

// Process verifies ev and reconciles the result. Terminal failures are
// recorded and swallowed; only transient failures are returned.
func (o *Orchestrator) Process(ctx context.Context, ev domain.PaymentEvent) error {
	res, err := o.verifier.Verify(ctx, ev.TxRef, ev.OrderRef)
	if err != nil {
		return o.fail(ctx, ev, err)
	}

	if !res.HasOrderRef() {
		if err := o.reconciler.ManualReview(ctx, res, ev.OrderRef); err != nil {
			o.logger.ErrorContext(ctx, "manual review not recorded",
				slog.String("tx_ref", ev.TxRef.Hex()),
				slog.String("error", err.Error()),
			)
		}
		return nil
	}

	if _, _, err := o.reconciler.Reconcile(ctx, res, ev.OrderRef); err != nil {
		return o.fail(ctx, ev, err)
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, ev domain.PaymentEvent, err error) error {
	if domain.IsTransient(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pe *domain.PaymentError
	if !errors.As(err, &pe) {
		// Store or infrastructure trouble; the payment itself may be fine.
		o.logger.ErrorContext(ctx, "reconciliation failed",
			slog.String("tx_ref", ev.TxRef.Hex()),
			slog.String("order_ref", ev.OrderRef),
			slog.String("error", err.Error()),
		)
		return err
	}
	o.reconciler.RecordFailure(ctx, ev.TxRef.Hex(), ev.OrderRef, err)
	return nil
}

// requeue schedules it again after a doubling delay, or records the failure
// once the requeue budget is spent.
func (o *Orchestrator) requeue(runCtx, workCtx context.Context, it Item, cause error) {
	attrs := []any{
		slog.String("tx_ref", it.Event.TxRef.Hex()),
		slog.String("order_ref", it.Event.OrderRef),
		slog.Int("attempt", it.Attempt),
		slog.String("error", cause.Error()),
	}
	if it.Attempt >= o.cfg.RequeueLimit {
		o.logger.Warn("requeue budget exhausted", attrs...)
		o.reconciler.RecordFailure(workCtx, it.Event.TxRef.Hex(), it.Event.OrderRef, cause)
		return
	}

	delay := o.cfg.RequeueDelay << it.Attempt
	o.logger.Info("requeueing payment event", append(attrs, slog.Duration("delay", delay))...)
	next := Item{Event: it.Event, Attempt: it.Attempt + 1}
	time.AfterFunc(delay, func() {
		if err := o.queue.put(runCtx, next); err != nil {
			o.logger.Warn("requeue dropped", append(attrs, slog.String("reason", err.Error()))...)
		}
	})
}
