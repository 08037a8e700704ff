package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/reconciler"
	"github.com/alanyoungcy/chainrecon/internal/store/memory"
)

var (
	usdc = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	txA  = common.HexToHash("0xaaaa000000000000000000000000000000000000000000000000000000000001")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubVerifier struct {
	calls   atomic.Int32
	gate    chan struct{}
	result  domain.VerificationResult
	err     error
	started chan struct{}
	once    sync.Once
}

func (s *stubVerifier) Verify(ctx context.Context, tx common.Hash, _ string) (domain.VerificationResult, error) {
	s.calls.Add(1)
	if s.started != nil {
		s.once.Do(func() { close(s.started) })
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return domain.VerificationResult{}, ctx.Err()
		}
	}
	res := s.result
	res.TxRef = tx
	return res, s.err
}

func eventBacked(orderRef, amount string) domain.VerificationResult {
	return domain.VerificationResult{
		Valid:       true,
		OrderRef:    orderRef,
		Amount:      decimal.RequireFromString(amount),
		Token:       usdc,
		TokenSymbol: "USDC",
		Mode:        domain.ModeEventBacked,
		VerifiedAt:  time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func newService(t *testing.T, v Verifier, timeout time.Duration) (*PaymentService, *memory.Store) {
	t.Helper()
	store := memory.New()
	rec := reconciler.New(store, store, reconciler.Config{}, discardLogger())
	t.Cleanup(rec.Wait)
	return NewPaymentService(store, store, v, rec, timeout, discardLogger()), store
}

func TestVerifyAndReconcileSettlesOrder(t *testing.T) {
	v := &stubVerifier{result: eventBacked("ORD-ABC123", "1.0")}
	svc, store := newService(t, v, time.Second)
	ctx := context.Background()

	_, err := svc.RegisterIntent(ctx, domain.PaymentIntent{OrderRef: "ORD-ABC123", ExpectedAmount: decimal.RequireFromString("1"), ExpectedToken: &usdc})
	require.NoError(t, err)

	out, err := svc.VerifyAndReconcile(ctx, txA.Hex(), "ORD-ABC123")
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.False(t, out.ManualReview)
	require.Equal(t, domain.PaymentStatusCompleted, out.Order.PaymentStatus)
	require.Equal(t, txA.Hex(), out.Order.ChainTxRef)

	again, err := svc.VerifyAndReconcile(ctx, txA.Hex(), "ORD-ABC123")
	require.NoError(t, err)
	require.False(t, again.Applied)
	require.Equal(t, out.Order.ChainTxRef, again.Order.ChainTxRef)
	require.Equal(t, 1, store.ProcessedCount())
}

func TestVerifyAndReconcileRejectsMalformedTxRef(t *testing.T) {
	svc, _ := newService(t, &stubVerifier{}, time.Second)
	for _, raw := range []string{"", "0x1234", "not-hex", txA.Hex() + "00"} {
		_, err := svc.VerifyAndReconcile(context.Background(), raw, "ORD-1")
		require.ErrorIs(t, err, ErrBadRequest, raw)
	}
}

func TestVerifyAndReconcilePropagatesVerifierErrors(t *testing.T) {
	v := &stubVerifier{err: domain.NewPaymentError(domain.ErrReverted, txA.Hex(), "receipt status 0")}
	svc, store := newService(t, v, time.Second)
	_, err := svc.RegisterIntent(context.Background(), domain.PaymentIntent{OrderRef: "ORD-1"})
	require.NoError(t, err)

	_, err = svc.VerifyAndReconcile(context.Background(), txA.Hex(), "ORD-1")
	require.ErrorIs(t, err, domain.ErrReverted)

	o, err := store.GetByRef(context.Background(), "ORD-1")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPending, o.PaymentStatus)
}

func TestVerifyAndReconcileRoutesDirectTransfersToManualReview(t *testing.T) {
	res := eventBacked("", "0.5")
	res.Mode = domain.ModeDirectTransfer
	res.Warning = "value transfer without payOrder call"
	svc, store := newService(t, &stubVerifier{result: res}, time.Second)
	ctx := context.Background()
	_, err := svc.RegisterIntent(ctx, domain.PaymentIntent{OrderRef: "ORD-2"})
	require.NoError(t, err)

	out, err := svc.VerifyAndReconcile(ctx, txA.Hex(), "ORD-2")
	require.NoError(t, err)
	require.True(t, out.ManualReview)
	require.Nil(t, out.Order)

	o, err := store.GetByRef(ctx, "ORD-2")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPending, o.PaymentStatus, "direct transfers never settle automatically")

	entries, err := svc.ListManualAudit(ctx, "", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ORD-2", entries[0].Detail["claimed_order_ref"])
}

func TestConcurrentCallsShareOneVerification(t *testing.T) {
	v := &stubVerifier{
		result:  eventBacked("ORD-3", "1"),
		gate:    make(chan struct{}),
		started: make(chan struct{}),
	}
	svc, _ := newService(t, v, 5*time.Second)
	_, err := svc.RegisterIntent(context.Background(), domain.PaymentIntent{OrderRef: "ORD-3"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	outs := make([]VerifyOutcome, 5)
	errs := make([]error, 5)
	for i := range outs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outs[i], errs[i] = svc.VerifyAndReconcile(context.Background(), txA.Hex(), "ORD-3")
		}()
	}
	<-v.started
	time.Sleep(20 * time.Millisecond)
	close(v.gate)
	wg.Wait()

	for i := range outs {
		require.NoError(t, errs[i])
		require.Equal(t, domain.PaymentStatusCompleted, outs[i].Order.PaymentStatus)
	}
	require.Equal(t, int32(1), v.calls.Load())
}

func TestVerifyAndReconcileTimesOut(t *testing.T) {
	v := &stubVerifier{gate: make(chan struct{})}
	defer close(v.gate)
	svc, _ := newService(t, v, 20*time.Millisecond)

	_, err := svc.VerifyAndReconcile(context.Background(), txA.Hex(), "ORD-4")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegisterIntent(t *testing.T) {
	svc, _ := newService(t, &stubVerifier{}, time.Second)
	ctx := context.Background()
	intent := domain.PaymentIntent{OrderRef: " ORD-5 ", ExpectedAmount: decimal.RequireFromString("25.5"), ExpectedToken: &usdc}

	o, err := svc.RegisterIntent(ctx, intent)
	require.NoError(t, err)
	require.Equal(t, "ORD-5", o.Ref)
	require.Equal(t, domain.PaymentStatusPending, o.PaymentStatus)

	_, err = svc.RegisterIntent(ctx, intent)
	require.NoError(t, err)

	intent.ExpectedAmount = decimal.RequireFromString("30")
	_, err = svc.RegisterIntent(ctx, intent)
	require.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = svc.RegisterIntent(ctx, domain.PaymentIntent{OrderRef: "  "})
	require.ErrorIs(t, err, ErrBadRequest)
	_, err = svc.RegisterIntent(ctx, domain.PaymentIntent{OrderRef: "ORD-6", ExpectedAmount: decimal.RequireFromString("-1")})
	require.ErrorIs(t, err, ErrBadRequest)

	_, err = svc.GetOrder(ctx, "ORD-missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestListManualAuditRejectsUnknownEvents(t *testing.T) {
	svc, _ := newService(t, &stubVerifier{}, time.Second)
	_, err := svc.ListManualAudit(context.Background(), "payment_settled", domain.ListOpts{})
	require.ErrorIs(t, err, ErrBadRequest)

	entries, err := svc.ListManualAudit(context.Background(), domain.AuditPaymentFailed, domain.ListOpts{})
	require.NoError(t, err)
	require.Empty(t, entries)
}
