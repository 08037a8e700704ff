package reconciler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainrecon/internal/cache/local"
	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/notify"
	"github.com/alanyoungcy/chainrecon/internal/store/memory"
)

var (
	usdc  = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	payer = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	txA   = common.HexToHash("0xaaaa000000000000000000000000000000000000000000000000000000000001")
	txB   = common.HexToHash("0xbbbb000000000000000000000000000000000000000000000000000000000002")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validResult(tx common.Hash, orderRef, amount string) domain.VerificationResult {
	return domain.VerificationResult{
		TxRef:         tx,
		Valid:         true,
		OrderRef:      orderRef,
		Amount:        decimal.RequireFromString(amount),
		RawAmount:     big.NewInt(1_000_000),
		Token:         usdc,
		TokenSymbol:   "USDC",
		Payer:         payer,
		BlockNumber:   12,
		Confirmations: 2,
		Mode:          domain.ModeEventBacked,
		VerifiedAt:    time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

type fakeEvidence struct {
	mu    sync.Mutex
	items map[string]any
}

func (f *fakeEvidence) Archive(_ context.Context, txRef string, evidence any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items == nil {
		f.items = map[string]any{}
	}
	f.items[txRef] = evidence
	return "evidence/" + txRef + ".json", nil
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (f *fakeAlerter) Notify(_ context.Context, a notify.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeAlerter) events() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, a := range f.alerts {
		out = append(out, a.Event)
	}
	return out
}

type fakeWebhook struct {
	mu     sync.Mutex
	events []string
	data   []any
}

func (f *fakeWebhook) Deliver(_ context.Context, event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	f.data = append(f.data, data)
	return nil
}

type harness struct {
	store    *memory.Store
	bus      *local.Bus
	evidence *fakeEvidence
	alerts   *fakeAlerter
	webhook  *fakeWebhook
	rec      *Reconciler
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		bus:      local.NewBus(100),
		evidence: &fakeEvidence{},
		alerts:   &fakeAlerter{},
		webhook:  &fakeWebhook{},
	}
	all := append([]Option{
		WithSignalBus(h.bus),
		WithEvidenceArchive(h.evidence),
		WithAlerter(h.alerts),
		WithWebhook(h.webhook),
	}, opts...)
	h.rec = New(h.store, h.store, Config{LockTTL: time.Second}, discardLogger(), all...)
	return h
}

func (h *harness) register(t *testing.T, ref, amount string) {
	t.Helper()
	intent := domain.PaymentIntent{OrderRef: ref, ExpectedToken: &usdc}
	if amount != "" {
		intent.ExpectedAmount = decimal.RequireFromString(amount)
	}
	_, err := h.store.Create(context.Background(), intent)
	require.NoError(t, err)
}

func TestReconcileSettlesOnce(t *testing.T) {
	h := newHarness(t)
	h.register(t, "ORD-ABC123", "1.0")
	ctx := context.Background()

	var first domain.Order
	for i := 0; i < 3; i++ {
		o, applied, err := h.rec.Reconcile(ctx, validResult(txA, "ORD-ABC123", "1.0"), "ORD-ABC123")
		require.NoError(t, err)
		require.Equal(t, i == 0, applied)
		require.Equal(t, domain.PaymentStatusCompleted, o.PaymentStatus)
		require.Equal(t, domain.WorkflowConfirmed, o.WorkflowStatus)
		require.Equal(t, txA.Hex(), o.ChainTxRef)
		if i == 0 {
			first = o
		} else {
			require.Equal(t, first.ChainVerifiedAt, o.ChainVerifiedAt)
		}
	}
	require.Equal(t, 1, h.store.ProcessedCount())
	h.rec.Wait()

	settled, err := h.bus.StreamRead(ctx, domain.StreamPaymentsSettled, "0", 10)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	var msg Settled
	require.NoError(t, json.Unmarshal(settled[0].Payload, &msg))
	require.Equal(t, "ORD-ABC123", msg.OrderRef)
	require.Equal(t, txA.Hex(), msg.TxRef)
	require.Equal(t, "1", msg.Amount)

	require.Equal(t, []string{notify.EventPaymentSettled}, h.webhook.events)
	require.Equal(t, []string{notify.EventPaymentSettled}, h.alerts.events())

	audit, err := h.store.List(ctx, domain.AuditPaymentSettled, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, audit, 1)
}

func TestReconcileUsesRecoveredRefWhenCallerHasNone(t *testing.T) {
	h := newHarness(t)
	h.register(t, "ORD-1", "")

	o, applied, err := h.rec.Reconcile(context.Background(), validResult(txA, "ORD-1", "3"), "")
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, "ORD-1", o.Ref)
}

func TestReconcileRejectsOtherOrdersPayment(t *testing.T) {
	h := newHarness(t)
	h.register(t, "ORD-A", "")
	h.register(t, "ORD-B", "")

	_, _, err := h.rec.Reconcile(context.Background(), validResult(txA, "ORD-A", "1"), "ORD-B")
	require.ErrorIs(t, err, domain.ErrOrderMismatch)
	var pe *domain.PaymentError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, "ORD-B", pe.Expected)
	require.Equal(t, "ORD-A", pe.Found)

	b, err := h.store.GetByRef(context.Background(), "ORD-B")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPending, b.PaymentStatus)
	require.Zero(t, h.store.ProcessedCount())
}

func TestReconcileReplayAgainstDifferentOrder(t *testing.T) {
	h := newHarness(t)
	h.register(t, "ORD-A", "")
	h.register(t, "ORD-B", "")
	ctx := context.Background()

	_, _, err := h.rec.Reconcile(ctx, validResult(txA, "ORD-A", "1"), "ORD-A")
	require.NoError(t, err)

	// A forged result claiming the same transaction paid ORD-B.
	_, _, err = h.rec.Reconcile(ctx, validResult(txA, "ORD-B", "1"), "ORD-B")
	require.ErrorIs(t, err, domain.ErrOrderMismatch)

	b, err := h.store.GetByRef(ctx, "ORD-B")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPending, b.PaymentStatus)
}

func TestReconcileCompletedOrderUnchanged(t *testing.T) {
	h := newHarness(t)
	h.register(t, "ORD-1", "")
	ctx := context.Background()

	_, _, err := h.rec.Reconcile(ctx, validResult(txA, "ORD-1", "1"), "ORD-1")
	require.NoError(t, err)

	o, applied, err := h.rec.Reconcile(ctx, validResult(txB, "ORD-1", "1"), "ORD-1")
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, txA.Hex(), o.ChainTxRef)
}

func TestReconcileOrderNotFound(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.rec.Reconcile(context.Background(), validResult(txA, "ORD-404", "1"), "ORD-404")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
	var pe *domain.PaymentError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, txA.Hex(), pe.TxRef)
}

func TestReconcileRejectsInvalidAndRefless(t *testing.T) {
	h := newHarness(t)
	res := validResult(txA, "ORD-1", "1")
	res.Valid = false
	_, _, err := h.rec.Reconcile(context.Background(), res, "ORD-1")
	require.ErrorIs(t, err, domain.ErrInvalidPayment)

	direct := validResult(txA, "", "0.5")
	direct.Mode = domain.ModeDirectTransfer
	_, _, err = h.rec.Reconcile(context.Background(), direct, "ORD-1")
	require.ErrorIs(t, err, domain.ErrInvalidPayment)
}

func TestReconcileExpectationChecks(t *testing.T) {
	h := newHarness(t)
	h.register(t, "ORD-1", "10")
	ctx := context.Background()

	_, _, err := h.rec.Reconcile(ctx, validResult(txA, "ORD-1", "9.99"), "ORD-1")
	require.ErrorIs(t, err, domain.ErrUnderpaid)

	wrongToken := validResult(txB, "ORD-1", "10")
	wrongToken.Token = common.HexToAddress("0x0000000000000000000000000000000000000001")
	_, _, err = h.rec.Reconcile(ctx, wrongToken, "ORD-1")
	require.ErrorIs(t, err, domain.ErrTokenMismatch)

	o, err := h.store.GetByRef(ctx, "ORD-1")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPending, o.PaymentStatus)

	over, applied, err := h.rec.Reconcile(ctx, validResult(txB, "ORD-1", "10.5"), "ORD-1")
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, "10.5", over.ChainAmount.String())
}

func TestReconcileTokenOnlyExpectation(t *testing.T) {
	h := newHarness(t)
	h.register(t, "ORD-1", "")
	ctx := context.Background()

	wrongToken := validResult(txA, "ORD-1", "100")
	wrongToken.Token = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	_, _, err := h.rec.Reconcile(ctx, wrongToken, "ORD-1")
	require.ErrorIs(t, err, domain.ErrTokenMismatch)

	o, err := h.store.GetByRef(ctx, "ORD-1")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPending, o.PaymentStatus)

	// No amount was registered, so any positive amount in the right token settles.
	settled, applied, err := h.rec.Reconcile(ctx, validResult(txB, "ORD-1", "0.01"), "ORD-1")
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, domain.PaymentStatusCompleted, settled.PaymentStatus)
}

func TestReconcileWithoutExpectationAcceptsAnyToken(t *testing.T) {
	h := newHarness(t)
	_, err := h.store.Create(context.Background(), domain.PaymentIntent{OrderRef: "ORD-1"})
	require.NoError(t, err)

	other := validResult(txA, "ORD-1", "3")
	other.Token = common.HexToAddress("0x00000000000000000000000000000000000000ff")
	_, applied, err := h.rec.Reconcile(context.Background(), other, "ORD-1")
	require.NoError(t, err)
	require.True(t, applied)
}

func TestReconcileConcurrentTransactionsForOneOrder(t *testing.T) {
	h := newHarness(t)
	h.register(t, "ORD-1", "")

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := common.BigToHash(big.NewInt(int64(1000 + i)))
			_, ok, err := h.rec.Reconcile(context.Background(), validResult(tx, "ORD-1", "1"), "ORD-1")
			if err != nil {
				t.Errorf("reconcile: %v", err)
				return
			}
			if ok {
				applied.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, int32(1), applied.Load())
	require.Equal(t, 1, h.store.ProcessedCount())
}

type contendedLocks struct {
	inner   *local.KeyedMutex
	refused atomic.Int32
	calls   atomic.Int32
}

func (c *contendedLocks) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	c.calls.Add(1)
	if c.refused.Load() > 0 {
		c.refused.Add(-1)
		return nil, domain.ErrLockHeld
	}
	return c.inner.Acquire(ctx, key, ttl)
}

func TestReconcileWaitsForDistributedLock(t *testing.T) {
	locks := &contendedLocks{inner: local.NewKeyedMutex()}
	locks.refused.Store(2)
	h := newHarness(t, WithLockManager(locks))
	h.register(t, "ORD-1", "")

	_, applied, err := h.rec.Reconcile(context.Background(), validResult(txA, "ORD-1", "1"), "ORD-1")
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, int32(3), locks.calls.Load())
	require.Zero(t, locks.inner.Len())
}

func TestReconcileLockTimeoutIsTransient(t *testing.T) {
	locks := &contendedLocks{inner: local.NewKeyedMutex()}
	locks.refused.Store(1 << 20)
	h := newHarness(t, WithLockManager(locks))
	h.rec.cfg.LockTTL = 60 * time.Millisecond
	h.register(t, "ORD-1", "")

	_, _, err := h.rec.Reconcile(context.Background(), validResult(txA, "ORD-1", "1"), "ORD-1")
	require.ErrorIs(t, err, domain.ErrLockHeld)
	require.True(t, domain.IsTransient(err))
}

func TestManualReview(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	res := validResult(txA, "", "0.5")
	res.Mode = domain.ModeDirectTransfer
	res.Warning = "direct transfer"

	require.NoError(t, h.rec.ManualReview(ctx, res, "ORD-7"))
	h.rec.Wait()

	entries, err := h.store.List(ctx, domain.AuditManualReview, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "ORD-7", entries[0].Detail["claimed_order_ref"])
	require.Equal(t, "evidence/"+txA.Hex()+".json", entries[0].Detail["evidence"])
	require.Equal(t, "DIRECT_TRANSFER", entries[0].Detail["mode"])

	stream, err := h.bus.StreamRead(ctx, domain.StreamManualAudit, "0", 10)
	require.NoError(t, err)
	require.Len(t, stream, 1)
	require.Contains(t, h.evidence.items, txA.Hex())
	require.Equal(t, []string{notify.EventDirectTransfer}, h.alerts.events())
	require.Zero(t, h.store.ProcessedCount())
}

func TestRecordFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	cause := domain.Mismatch(domain.ErrWrongContract, txA.Hex(), "0xpay", "0xother")

	h.rec.RecordFailure(ctx, txA.Hex(), "ORD-1", cause)
	h.rec.Wait()

	entries, err := h.store.List(ctx, domain.AuditPaymentFailed, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "wrong_contract", entries[0].Detail["kind"])
	require.Equal(t, "0xother", entries[0].Detail["found"])
	require.Equal(t, []string{notify.EventPaymentFailed}, h.alerts.events())
}
