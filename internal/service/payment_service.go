package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/chainrecon/internal/domain"
)

// ErrBadRequest marks caller input that is malformed before any chain or
// store lookup happens.
var ErrBadRequest = errors.New("bad request")

// Verifier checks a transaction on the ledger.
type Verifier interface {
	Verify(ctx context.Context, txRef common.Hash, expectedOrderRef string) (domain.VerificationResult, error)
}

// Reconciler applies verified payments to orders.
type Reconciler interface {
	Reconcile(ctx context.Context, res domain.VerificationResult, orderRef string) (domain.Order, bool, error)
	ManualReview(ctx context.Context, res domain.VerificationResult, claimedRef string) error
}

// VerifyOutcome is the result of one client-invoked verification.
type VerifyOutcome struct {
	Result domain.VerificationResult
	// Order is nil when the payment was routed to manual review.
	Order *domain.Order
	// Applied is true when this call settled the order. Callers treat an
	// already-settled order as success too.
	Applied      bool
	ManualReview bool
}

// PaymentService is the direct, client-invoked entry point: a payer's
// browser reports its transaction and waits for the verdict instead of the
// subscription picking it up.
type PaymentService struct {
	orders     domain.OrderStore
	audit      domain.AuditStore
	verifier   Verifier
	reconciler Reconciler
	timeout    time.Duration
	flights    singleflight.Group
	logger     *slog.Logger
}

// NewPaymentService creates a PaymentService. timeout bounds each
// verification, including the verifier's retries.
func NewPaymentService(
	orders domain.OrderStore,
	audit domain.AuditStore,
	verifier Verifier,
	reconciler Reconciler,
	timeout time.Duration,
	logger *slog.Logger,
) *PaymentService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PaymentService{
		orders:     orders,
		audit:      audit,
		verifier:   verifier,
		reconciler: reconciler,
		timeout:    timeout,
		logger:     logger.With(slog.String("component", "payment_service")),
	}
}

// ParseTxRef validates a 32-byte hex transaction reference.
func ParseTxRef(raw string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: tx_ref %q is not a 32-byte hex hash", ErrBadRequest, raw)
	}
	return common.BytesToHash(b), nil
}

// VerifyAndReconcile verifies txRef and, on success, settles the order it
// paid. Concurrent calls for the same transaction and order share one
// verification. A payment without an order reference is never settled
// automatically; it is queued for manual review and reported as such.
func (s *PaymentService) VerifyAndReconcile(ctx context.Context, txRef, expectedOrderRef string) (VerifyOutcome, error) {
	hash, err := ParseTxRef(txRef)
	if err != nil {
		return VerifyOutcome{}, err
	}
	expectedOrderRef = strings.TrimSpace(expectedOrderRef)

	key := hash.Hex() + "|" + expectedOrderRef
	ch := s.flights.DoChan(key, func() (any, error) {
		// The flight outlives any single caller so the others still get an
		// answer when the first one disconnects.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		return s.verifyAndReconcile(fctx, hash, expectedOrderRef)
	})

	select {
	case <-ctx.Done():
		return VerifyOutcome{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return VerifyOutcome{}, r.Err
		}
		return r.Val.(VerifyOutcome), nil
	}
}

func (s *PaymentService) verifyAndReconcile(ctx context.Context, hash common.Hash, expectedOrderRef string) (VerifyOutcome, error) {
	res, err := s.verifier.Verify(ctx, hash, expectedOrderRef)
	if err != nil {
		return VerifyOutcome{Result: res}, err
	}

	if !res.HasOrderRef() {
		if err := s.reconciler.ManualReview(ctx, res, expectedOrderRef); err != nil {
			return VerifyOutcome{Result: res}, fmt.Errorf("payment_service: %w", err)
		}
		return VerifyOutcome{Result: res, ManualReview: true}, nil
	}

	order, applied, err := s.reconciler.Reconcile(ctx, res, expectedOrderRef)
	if err != nil {
		return VerifyOutcome{Result: res}, err
	}
	s.logger.InfoContext(ctx, "direct verification reconciled",
		slog.String("tx_ref", hash.Hex()),
		slog.String("order_ref", order.Ref),
		slog.Bool("applied", applied),
	)
	return VerifyOutcome{Result: res, Order: &order, Applied: applied}, nil
}

// RegisterIntent records the payment checkout expects for an order, creating
// it in PENDING state. Registering the same intent twice is a no-op;
// registering a different one for an existing ref fails with
// domain.ErrAlreadyExists.
func (s *PaymentService) RegisterIntent(ctx context.Context, intent domain.PaymentIntent) (domain.Order, error) {
	intent.OrderRef = strings.TrimSpace(intent.OrderRef)
	if intent.OrderRef == "" {
		return domain.Order{}, fmt.Errorf("%w: order_ref is required", ErrBadRequest)
	}
	if intent.ExpectedAmount.IsNegative() {
		return domain.Order{}, fmt.Errorf("%w: expected_amount must not be negative", ErrBadRequest)
	}

	o, err := s.orders.Create(ctx, intent)
	if err != nil {
		return domain.Order{}, fmt.Errorf("payment_service: register %s: %w", intent.OrderRef, err)
	}
	s.logger.InfoContext(ctx, "payment intent registered",
		slog.String("order_ref", o.Ref),
		slog.String("expected_amount", o.ExpectedAmount.String()),
		slog.String("expected_token", o.ExpectedTokenHex()),
	)
	return o, nil
}

// GetOrder returns the order with ref.
func (s *PaymentService) GetOrder(ctx context.Context, ref string) (domain.Order, error) {
	o, err := s.orders.GetByRef(ctx, ref)
	if err != nil {
		return domain.Order{}, fmt.Errorf("payment_service: get %s: %w", ref, err)
	}
	return o, nil
}

// ManualAuditEvents are the audit events that make up the manual-audit queue.
var ManualAuditEvents = []string{domain.AuditManualReview, domain.AuditPaymentFailed}

// ListManualAudit returns manual-audit entries, newest first. An empty event
// lists manual reviews.
func (s *PaymentService) ListManualAudit(ctx context.Context, event string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if event == "" {
		event = domain.AuditManualReview
	}
	known := false
	for _, e := range ManualAuditEvents {
		if e == event {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: unknown audit event %q", ErrBadRequest, event)
	}
	if opts.Limit <= 0 || opts.Limit > 500 {
		opts.Limit = 100
	}
	entries, err := s.audit.List(ctx, event, opts)
	if err != nil {
		return nil, fmt.Errorf("payment_service: list %s: %w", event, err)
	}
	return entries, nil
}
