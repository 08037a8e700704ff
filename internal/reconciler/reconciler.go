// Package reconciler applies verified payments to orders exactly once and
// fans the outcome out to the audit log, the signal bus, the downstream
// webhook, and operator alerts.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alanyoungcy/chainrecon/internal/cache/local"
	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/metrics"
	"github.com/alanyoungcy/chainrecon/internal/notify"
)

// Alerter delivers operator alerts.
type Alerter interface {
	Notify(ctx context.Context, alert notify.Alert) error
}

// Deliverer posts events to the downstream order workflow.
type Deliverer interface {
	Deliver(ctx context.Context, event string, data any) error
}

// Config tunes the Reconciler.
type Config struct {
	// LockTTL bounds how long a distributed order lock may be held, and how
	// long Reconcile waits to obtain it.
	LockTTL time.Duration
	// NotifyTimeout bounds the background webhook and alert delivery.
	NotifyTimeout time.Duration
}

// Option wires an optional collaborator.
type Option func(*Reconciler)

// WithLockManager adds a distributed lock taken after the in-process one.
func WithLockManager(lm domain.LockManager) Option {
	return func(r *Reconciler) { r.locks = lm }
}

// WithSignalBus publishes settlements and manual-review items.
func WithSignalBus(bus domain.SignalBus) Option {
	return func(r *Reconciler) { r.bus = bus }
}

// WithEvidenceArchive stores evidence for manual-review and failed payments.
func WithEvidenceArchive(a domain.EvidenceArchive) Option {
	return func(r *Reconciler) { r.evidence = a }
}

// WithAlerter sends operator alerts.
func WithAlerter(a Alerter) Option {
	return func(r *Reconciler) { r.alerts = a }
}

// WithWebhook delivers settlements downstream.
func WithWebhook(d Deliverer) Option {
	return func(r *Reconciler) { r.webhook = d }
}

// Reconciler settles orders. It is safe for concurrent use; calls for the
// same order are serialised.
type Reconciler struct {
	orders   domain.OrderStore
	audit    domain.AuditStore
	keyed    *local.KeyedMutex
	locks    domain.LockManager
	bus      domain.SignalBus
	evidence domain.EvidenceArchive
	alerts   Alerter
	webhook  Deliverer
	cfg      Config
	logger   *slog.Logger
	tracer   trace.Tracer
	inflight sync.WaitGroup
}

// New creates a Reconciler over the given stores.
func New(orders domain.OrderStore, audit domain.AuditStore, cfg Config, logger *slog.Logger, opts ...Option) *Reconciler {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 30 * time.Second
	}
	r := &Reconciler{
		orders: orders,
		audit:  audit,
		keyed:  local.NewKeyedMutex(),
		cfg:    cfg,
		logger: logger.With(slog.String("component", "reconciler")),
		tracer: otel.Tracer("github.com/alanyoungcy/chainrecon/internal/reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Settled is the payload published for every first-time settlement.
type Settled struct {
	OrderRef      string    `json:"order_ref"`
	TxRef         string    `json:"tx_ref"`
	Amount        string    `json:"amount"`
	Token         string    `json:"token"`
	TokenSymbol   string    `json:"token_symbol"`
	Mode          string    `json:"mode"`
	Confirmations uint64    `json:"confirmations"`
	SettledAt     time.Time `json:"settled_at"`
}

// Reconcile applies res to orderRef. When orderRef is empty the reference
// recovered by the verifier is used. It returns the order as stored and
// whether this call settled it; an already-settled order is a success with
// applied=false.
func (r *Reconciler) Reconcile(ctx context.Context, res domain.VerificationResult, orderRef string) (domain.Order, bool, error) {
	txHex := res.TxRef.Hex()
	ctx, span := r.tracer.Start(ctx, "reconciler.Reconcile", trace.WithAttributes(
		attribute.String("tx_ref", txHex),
		attribute.String("order_ref", orderRef),
	))
	defer span.End()

	order, applied, err := r.reconcile(ctx, res, orderRef)

	m := metrics.Default()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.ErrorKind(err))
		m.Reconciliations.WithLabelValues(domain.ErrorKind(err)).Inc()
		r.logger.WarnContext(ctx, "reconciliation failed",
			slog.String("tx_ref", txHex),
			slog.String("order_ref", orderRef),
			slog.String("kind", domain.ErrorKind(err)),
			slog.String("error", err.Error()),
		)
		return order, false, err
	}

	outcome := "already_settled"
	if applied {
		outcome = "applied"
	}
	span.SetAttributes(attribute.String("outcome", outcome))
	m.Reconciliations.WithLabelValues(outcome).Inc()
	r.logger.InfoContext(ctx, "order reconciled",
		slog.String("tx_ref", txHex),
		slog.String("order_ref", order.Ref),
		slog.String("outcome", outcome),
		slog.String("payment_status", string(order.PaymentStatus)),
	)

	if applied {
		r.announce(ctx, res, order)
	}
	return order, applied, nil
}

func (r *Reconciler) reconcile(ctx context.Context, res domain.VerificationResult, orderRef string) (domain.Order, bool, error) {
	txHex := res.TxRef.Hex()
	if !res.Valid {
		return domain.Order{}, false, domain.NewPaymentError(domain.ErrInvalidPayment, txHex, "verification result is not valid")
	}
	if !res.HasOrderRef() {
		return domain.Order{}, false, domain.NewPaymentError(domain.ErrInvalidPayment, txHex,
			"payment carries no order reference and must be reconciled manually")
	}
	if orderRef == "" {
		orderRef = res.OrderRef
	}
	if res.OrderRef != orderRef {
		return domain.Order{}, false, domain.Mismatch(domain.ErrOrderMismatch, txHex, orderRef, res.OrderRef)
	}

	unlock, err := r.lock(ctx, orderRef)
	if err != nil {
		return domain.Order{}, false, err
	}
	defer unlock()

	out, err := r.orders.Settle(ctx, domain.Settlement{
		OrderRef:      orderRef,
		TxRef:         txHex,
		Amount:        res.Amount,
		Token:         res.Token,
		Confirmations: res.Confirmations,
		Mode:          res.Mode,
		VerifiedAt:    res.VerifiedAt,
	}, expectationGuard(txHex, res))
	if err != nil {
		var pe *domain.PaymentError
		if errors.Is(err, domain.ErrOrderNotFound) && !errors.As(err, &pe) {
			err = domain.NewPaymentError(domain.ErrOrderNotFound, txHex, fmt.Sprintf("order %s is not registered", orderRef))
		}
		return out.Order, false, err
	}
	if out.Replayed && out.Order.Ref != orderRef {
		return domain.Order{}, false, domain.Mismatch(domain.ErrOrderMismatch, txHex, orderRef, out.Order.Ref)
	}
	return out.Order, out.Applied, nil
}

// expectationGuard rejects a payment in the wrong token or below the amount
// registered at checkout. It runs against the locked order row.
func expectationGuard(txHex string, res domain.VerificationResult) domain.SettleGuard {
	return func(o domain.Order) error {
		if o.ExpectsToken() && *o.ExpectedToken != res.Token {
			return domain.Mismatch(domain.ErrTokenMismatch, txHex, o.ExpectedTokenHex(), res.Token.Hex())
		}
		if o.ExpectsAmount() && res.Amount.LessThan(o.ExpectedAmount) {
			return domain.Mismatch(domain.ErrUnderpaid, txHex, o.ExpectedAmount.String(), res.Amount.String())
		}
		return nil
	}
}

// lock takes the in-process order lock and then, when configured, the
// distributed one. Waiting for the distributed lock is bounded by LockTTL;
// running out reports domain.ErrLockHeld, which is transient.
func (r *Reconciler) lock(ctx context.Context, orderRef string) (func(), error) {
	key := "order:" + orderRef
	unlockLocal, err := r.keyed.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	if r.locks == nil {
		return unlockLocal, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, r.cfg.LockTTL)
	defer cancel()
	backoff := 25 * time.Millisecond
	for {
		unlockRemote, err := r.locks.Acquire(waitCtx, key, r.cfg.LockTTL)
		if err == nil {
			return func() {
				unlockRemote()
				unlockLocal()
			}, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			unlockLocal()
			return nil, fmt.Errorf("reconciler: lock %s: %w", key, err)
		}
		select {
		case <-waitCtx.Done():
			unlockLocal()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("reconciler: lock %s: %w", key, domain.ErrLockHeld)
		case <-time.After(backoff):
		}
		if backoff < 500*time.Millisecond {
			backoff *= 2
		}
	}
}

// announce records and fans out a first-time settlement. The order is
// already committed, so failures here are logged and never returned.
func (r *Reconciler) announce(ctx context.Context, res domain.VerificationResult, o domain.Order) {
	settledAt := o.UpdatedAt
	if o.ChainVerifiedAt != nil {
		settledAt = *o.ChainVerifiedAt
	}
	msg := Settled{
		OrderRef:      o.Ref,
		TxRef:         o.ChainTxRef,
		Amount:        o.ChainAmount.String(),
		Token:         res.Token.Hex(),
		TokenSymbol:   res.TokenSymbol,
		Mode:          string(o.SettlementMode),
		Confirmations: o.ChainConfirmations,
		SettledAt:     settledAt,
	}

	r.auditLog(ctx, domain.AuditPaymentSettled, map[string]any{
		"order_ref":     msg.OrderRef,
		"tx_ref":        msg.TxRef,
		"amount":        msg.Amount,
		"token":         msg.Token,
		"payer":         res.Payer.Hex(),
		"block_number":  res.BlockNumber,
		"confirmations": msg.Confirmations,
	})

	if r.bus != nil {
		payload, err := json.Marshal(msg)
		if err != nil {
			r.logger.ErrorContext(ctx, "marshal settlement", slog.String("error", err.Error()))
		} else {
			if err := r.bus.Publish(ctx, domain.ChannelPayments, payload); err != nil {
				r.logger.ErrorContext(ctx, "publish settlement", slog.String("order_ref", o.Ref), slog.String("error", err.Error()))
			}
			if err := r.bus.StreamAppend(ctx, domain.StreamPaymentsSettled, payload); err != nil {
				r.logger.ErrorContext(ctx, "append settlement stream", slog.String("order_ref", o.Ref), slog.String("error", err.Error()))
			}
		}
	}

	r.background(ctx, func(ctx context.Context) {
		if r.webhook != nil {
			if err := r.webhook.Deliver(ctx, notify.EventPaymentSettled, msg); err != nil {
				r.logger.ErrorContext(ctx, "settlement webhook failed", slog.String("order_ref", o.Ref), slog.String("error", err.Error()))
			}
		}
		r.alert(ctx, notify.Alert{
			Event:    notify.EventPaymentSettled,
			Severity: notify.SeverityInfo,
			Title:    "Payment settled",
			Fields: []notify.Field{
				{Name: "order", Value: msg.OrderRef},
				{Name: "amount", Value: msg.Amount + " " + msg.TokenSymbol},
				{Name: "tx", Value: msg.TxRef},
			},
		})
	})
}

// ManualReview routes a payment that cannot be settled automatically, such
// as a direct transfer without an order reference, to the manual-audit
// queue. claimedRef is the order the caller believes it pays, if any.
func (r *Reconciler) ManualReview(ctx context.Context, res domain.VerificationResult, claimedRef string) error {
	txHex := res.TxRef.Hex()
	detail := map[string]any{
		"tx_ref":        txHex,
		"mode":          string(res.Mode),
		"payer":         res.Payer.Hex(),
		"token":         res.Token.Hex(),
		"token_symbol":  res.TokenSymbol,
		"amount":        res.Amount.String(),
		"block_number":  res.BlockNumber,
		"confirmations": res.Confirmations,
		"warning":       res.Warning,
	}
	if claimedRef != "" {
		detail["claimed_order_ref"] = claimedRef
	}

	r.logger.WarnContext(ctx, "payment queued for manual review",
		slog.String("tx_ref", txHex),
		slog.String("mode", string(res.Mode)),
		slog.String("amount", res.Amount.String()),
		slog.String("claimed_order_ref", claimedRef),
	)
	metrics.Default().Reconciliations.WithLabelValues("manual_review").Inc()

	if path := r.archive(ctx, txHex, manualEvidence{Result: res, ClaimedOrderRef: claimedRef, Reason: res.Warning}); path != "" {
		detail["evidence"] = path
	}
	if err := r.audit.Log(ctx, domain.AuditManualReview, detail); err != nil {
		return fmt.Errorf("reconciler: manual review %s: %w", txHex, err)
	}
	r.streamManual(ctx, detail)

	r.background(ctx, func(ctx context.Context) {
		r.alert(ctx, notify.Alert{
			Event:    notify.EventDirectTransfer,
			Severity: notify.SeverityWarning,
			Title:    "Payment needs manual reconciliation",
			Fields: []notify.Field{
				{Name: "tx", Value: txHex},
				{Name: "amount", Value: res.Amount.String() + " " + res.TokenSymbol},
				{Name: "payer", Value: res.Payer.Hex()},
				{Name: "claimed order", Value: orNone(claimedRef)},
			},
		})
	})
	return nil
}

// RecordFailure writes a terminal pipeline failure to the audit log and
// manual-audit stream, archives its evidence, and alerts operators.
func (r *Reconciler) RecordFailure(ctx context.Context, txRef, orderRef string, cause error) {
	detail := map[string]any{
		"tx_ref":    txRef,
		"order_ref": orderRef,
		"kind":      domain.ErrorKind(cause),
		"error":     cause.Error(),
	}
	var pe *domain.PaymentError
	if errors.As(cause, &pe) {
		if pe.Expected != "" {
			detail["expected"] = pe.Expected
		}
		if pe.Found != "" {
			detail["found"] = pe.Found
		}
	}

	if path := r.archive(ctx, txRef, failureEvidence{TxRef: txRef, OrderRef: orderRef, Kind: domain.ErrorKind(cause), Error: cause.Error()}); path != "" {
		detail["evidence"] = path
	}
	r.auditLog(ctx, domain.AuditPaymentFailed, detail)
	r.streamManual(ctx, detail)

	r.background(ctx, func(ctx context.Context) {
		r.alert(ctx, notify.Alert{
			Event:    notify.EventPaymentFailed,
			Severity: notify.SeverityCritical,
			Title:    "Payment failed verification",
			Fields: []notify.Field{
				{Name: "tx", Value: txRef},
				{Name: "order", Value: orNone(orderRef)},
				{Name: "kind", Value: domain.ErrorKind(cause)},
				{Name: "error", Value: cause.Error()},
			},
		})
	})
}

// Wait blocks until background deliveries started so far have finished.
func (r *Reconciler) Wait() {
	r.inflight.Wait()
}

type manualEvidence struct {
	Result          domain.VerificationResult `json:"result"`
	ClaimedOrderRef string                    `json:"claimed_order_ref,omitempty"`
	Reason          string                    `json:"reason"`
}

type failureEvidence struct {
	TxRef    string `json:"tx_ref"`
	OrderRef string `json:"order_ref,omitempty"`
	Kind     string `json:"kind"`
	Error    string `json:"error"`
}

func (r *Reconciler) archive(ctx context.Context, txRef string, evidence any) string {
	if r.evidence == nil {
		return ""
	}
	path, err := r.evidence.Archive(ctx, txRef, evidence)
	if err != nil {
		r.logger.ErrorContext(ctx, "archive evidence", slog.String("tx_ref", txRef), slog.String("error", err.Error()))
		return ""
	}
	return path
}

func (r *Reconciler) auditLog(ctx context.Context, event string, detail map[string]any) {
	if err := r.audit.Log(ctx, event, detail); err != nil {
		r.logger.ErrorContext(ctx, "audit log write failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

func (r *Reconciler) streamManual(ctx context.Context, detail map[string]any) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(detail)
	if err != nil {
		return
	}
	if err := r.bus.StreamAppend(ctx, domain.StreamManualAudit, payload); err != nil {
		r.logger.ErrorContext(ctx, "append manual audit stream", slog.String("error", err.Error()))
	}
}

func (r *Reconciler) alert(ctx context.Context, a notify.Alert) {
	if r.alerts == nil {
		return
	}
	if err := r.alerts.Notify(ctx, a); err != nil {
		r.logger.WarnContext(ctx, "operator alert failed", slog.String("event", a.Event), slog.String("error", err.Error()))
	}
}

// background runs fn detached from the caller's cancellation, bounded by
// NotifyTimeout, and tracked for Wait.
func (r *Reconciler) background(ctx context.Context, fn func(context.Context)) {
	if r.webhook == nil && r.alerts == nil {
		return
	}
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.NotifyTimeout)
		defer cancel()
		fn(bctx)
	}()
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
