package verifier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/ledger"
	"github.com/alanyoungcy/chainrecon/internal/metrics"
)

var (
	paymentContract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	usdc            = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	payer           = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	unrelated       = common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0")
)

type fakeLedger struct {
	mu           sync.Mutex
	receipts     map[common.Hash]*types.Receipt
	txs          map[common.Hash]*ledger.TxDetails
	head         uint64
	headErr      error
	receiptCalls int
}

func newFakeLedger(head uint64) *fakeLedger {
	return &fakeLedger{
		receipts: make(map[common.Hash]*types.Receipt),
		txs:      make(map[common.Hash]*ledger.TxDetails),
		head:     head,
	}
}

func (l *fakeLedger) Receipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.receiptCalls++
	r, ok := l.receipts[h]
	if !ok {
		return nil, fmt.Errorf("fake: %w", domain.ErrTxNotFound)
	}
	return r, nil
}

func (l *fakeLedger) Transaction(_ context.Context, h common.Hash) (*ledger.TxDetails, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.txs[h]
	if !ok {
		return nil, fmt.Errorf("fake: %w", domain.ErrTxNotFound)
	}
	return tx, nil
}

func (l *fakeLedger) BlockNumber(context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head, l.headErr
}

func (l *fakeLedger) setHead(h uint64) {
	l.mu.Lock()
	l.head = h
	l.mu.Unlock()
}

// addPayOrder records a successful payOrder transaction mined in block.
func (l *fakeLedger) addPayOrder(t *testing.T, hash common.Hash, orderRef string, token common.Address, amount int64, block uint64) {
	t.Helper()
	input, err := ledger.EncodePayOrder(orderRef, token, big.NewInt(amount))
	require.NoError(t, err)
	topics, data, err := ledger.EncodePaymentLog(orderRef, payer, token, big.NewInt(amount), big.NewInt(1_700_000_000))
	require.NoError(t, err)

	to := paymentContract
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txs[hash] = &ledger.TxDetails{Hash: hash, From: payer, To: &to, Value: big.NewInt(0), Input: input}
	l.receipts[hash] = &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: new(big.Int).SetUint64(block),
		TxHash:      hash,
		Logs: []*types.Log{
			{Address: paymentContract, Topics: topics, Data: data, BlockNumber: block, TxHash: hash},
		},
	}
}

type recordingSleeper struct {
	calls   int
	total   time.Duration
	onSleep func(n int)
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.calls++
	s.total += d
	if s.onSleep != nil {
		s.onSleep(s.calls)
	}
	return ctx.Err()
}

func newTestVerifier(l Ledger, confirmations uint64, s *recordingSleeper) *Verifier {
	tokens := ledger.NewTokenTable(map[common.Address]ledger.Token{
		usdc:               {Symbol: "USDC", Decimals: 6},
		ledger.NativeToken: {Symbol: "ETH", Decimals: 18},
	}, 18)
	cfg := Config{
		PaymentContract:       paymentContract,
		Confirmations:         confirmations,
		MaxAttempts:           5,
		RetryDelay:            time.Second,
		AcceptDirectTransfers: true,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(l, tokens, cfg, logger, WithSleeper(s.sleep))
}

func requireKind(t *testing.T, err error, kind error) *domain.PaymentError {
	t.Helper()
	require.ErrorIs(t, err, kind)
	var pe *domain.PaymentError
	require.True(t, errors.As(err, &pe), "want *domain.PaymentError, got %T", err)
	return pe
}

func TestLocalNetworkEventBackedPayment(t *testing.T) {
	l := newFakeLedger(7)
	tx := common.HexToHash("0x01")
	l.addPayOrder(t, tx, "ORD-ABC123", usdc, 1_000_000, 7)
	s := &recordingSleeper{}

	res, err := newTestVerifier(l, 0, s).Verify(context.Background(), tx, "")
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, "ORD-ABC123", res.OrderRef)
	require.Equal(t, "1", res.Amount.String())
	require.Equal(t, domain.ModeEventBacked, res.Mode)
	require.Equal(t, payer, res.Payer)
	require.Equal(t, usdc, res.Token)
	require.Equal(t, "USDC", res.TokenSymbol)
	require.Zero(t, res.Confirmations)
	require.Empty(t, res.Warning)
	require.Empty(t, res.FailureReason)
	require.Equal(t, tx, res.TxRef)
	require.Zero(t, s.calls)
}

func TestRevertedFailsWithoutRetry(t *testing.T) {
	l := newFakeLedger(500)
	tx := common.HexToHash("0x02")
	l.addPayOrder(t, tx, "ORD-1", usdc, 10, 100)
	l.receipts[tx].Status = types.ReceiptStatusFailed
	s := &recordingSleeper{}

	res, err := newTestVerifier(l, 3, s).Verify(context.Background(), tx, "ORD-1")
	requireKind(t, err, domain.ErrReverted)
	require.False(t, res.Valid)
	require.NotEmpty(t, res.FailureReason)
	require.Equal(t, 1, l.receiptCalls)
	require.Zero(t, s.calls)
}

func durationSamples(t *testing.T, outcome, mode string) uint64 {
	t.Helper()
	h, ok := metrics.Default().VerificationDuration.WithLabelValues(outcome, mode).(prometheus.Metric)
	require.True(t, ok)
	var m dto.Metric
	require.NoError(t, h.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestDurationObservedForEveryOutcome(t *testing.T) {
	l := newFakeLedger(500)
	good := common.HexToHash("0x2a")
	l.addPayOrder(t, good, "ORD-1", usdc, 10, 100)
	bad := common.HexToHash("0x2b")
	l.addPayOrder(t, bad, "ORD-1", usdc, 10, 100)
	l.receipts[bad].Status = types.ReceiptStatusFailed
	v := newTestVerifier(l, 3, &recordingSleeper{})

	valid := durationSamples(t, "valid", string(domain.ModeEventBacked))
	reverted := durationSamples(t, "reverted", "none")

	_, err := v.Verify(context.Background(), good, "ORD-1")
	require.NoError(t, err)
	_, err = v.Verify(context.Background(), bad, "ORD-1")
	requireKind(t, err, domain.ErrReverted)

	require.Equal(t, valid+1, durationSamples(t, "valid", string(domain.ModeEventBacked)))
	require.Equal(t, reverted+1, durationSamples(t, "reverted", "none"))
}

func TestConfirmationGating(t *testing.T) {
	l := newFakeLedger(101)
	tx := common.HexToHash("0x03")
	l.addPayOrder(t, tx, "ORD-2", usdc, 2_500_000, 100)
	s := &recordingSleeper{}
	v := newTestVerifier(l, 3, s)

	res, err := v.Verify(context.Background(), tx, "ORD-2")
	pe := requireKind(t, err, domain.ErrConfirmationPending)
	require.Contains(t, pe.Detail, "1 of 3 confirmations")
	require.False(t, res.Valid)
	require.True(t, domain.IsTransient(err))
	require.Equal(t, 5, l.receiptCalls)
	require.Equal(t, 4, s.calls)
	require.Equal(t, 4*time.Second, s.total)

	l.setHead(103)
	res, err = v.Verify(context.Background(), tx, "ORD-2")
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.EqualValues(t, 3, res.Confirmations)
	require.Equal(t, "2.5", res.Amount.String())
}

func TestConfirmationsArriveWithinBudget(t *testing.T) {
	l := newFakeLedger(100)
	tx := common.HexToHash("0x04")
	l.addPayOrder(t, tx, "ORD-3", usdc, 1, 100)
	s := &recordingSleeper{onSleep: func(int) {
		l.mu.Lock()
		l.head++
		l.mu.Unlock()
	}}

	res, err := newTestVerifier(l, 2, s).Verify(context.Background(), tx, "")
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, 2, s.calls)
}

func TestNotFoundAfterBudget(t *testing.T) {
	l := newFakeLedger(10)
	s := &recordingSleeper{}

	res, err := newTestVerifier(l, 0, s).Verify(context.Background(), common.HexToHash("0x05"), "")
	requireKind(t, err, domain.ErrTxNotFound)
	require.False(t, res.Valid)
	require.Equal(t, 5, l.receiptCalls)
	require.Equal(t, 4, s.calls)
}

func TestTransactionAppearsDuringRetries(t *testing.T) {
	l := newFakeLedger(10)
	tx := common.HexToHash("0x06")
	s := &recordingSleeper{}
	s.onSleep = func(n int) {
		if n == 2 {
			l.addPayOrder(t, tx, "ORD-4", usdc, 3_000_000, 10)
		}
	}

	res, err := newTestVerifier(l, 0, s).Verify(context.Background(), tx, "ORD-4")
	require.NoError(t, err)
	require.Equal(t, "3", res.Amount.String())
	require.Equal(t, 3, l.receiptCalls)
}

func TestLedgerUnavailableAfterBudget(t *testing.T) {
	l := newFakeLedger(10)
	tx := common.HexToHash("0x07")
	l.addPayOrder(t, tx, "ORD-5", usdc, 1, 10)
	l.headErr = fmt.Errorf("fake: %w", domain.ErrLedgerUnavailable)

	_, err := newTestVerifier(l, 0, &recordingSleeper{}).Verify(context.Background(), tx, "")
	requireKind(t, err, domain.ErrLedgerUnavailable)
}

func TestWrongContractNamesFoundAddress(t *testing.T) {
	l := newFakeLedger(10)
	tx := common.HexToHash("0x08")
	l.addPayOrder(t, tx, "ORD-6", usdc, 1, 10)
	l.receipts[tx].Logs[0].Address = unrelated

	_, err := newTestVerifier(l, 0, &recordingSleeper{}).Verify(context.Background(), tx, "ORD-6")
	pe := requireKind(t, err, domain.ErrWrongContract)
	require.Equal(t, unrelated.Hex(), pe.Found)
	require.Equal(t, paymentContract.Hex(), pe.Expected)
	require.Contains(t, err.Error(), unrelated.Hex())
}

func TestDirectTransferAcceptedWithWarning(t *testing.T) {
	l := newFakeLedger(10)
	tx := common.HexToHash("0x09")
	to := paymentContract
	half, _ := new(big.Int).SetString("500000000000000000", 10)
	l.txs[tx] = &ledger.TxDetails{Hash: tx, From: payer, To: &to, Value: half}
	l.receipts[tx] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}

	res, err := newTestVerifier(l, 0, &recordingSleeper{}).Verify(context.Background(), tx, "")
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, domain.ModeDirectTransfer, res.Mode)
	require.False(t, res.HasOrderRef())
	require.NotEmpty(t, res.Warning)
	require.Equal(t, "0.5", res.Amount.String())
	require.Equal(t, payer, res.Payer)
}

func TestZeroLogsOtherwiseInvalid(t *testing.T) {
	l := newFakeLedger(10)
	other := unrelated
	contract := paymentContract

	toOther := common.HexToHash("0x0a")
	l.txs[toOther] = &ledger.TxDetails{Hash: toOther, To: &other, Value: big.NewInt(1)}
	l.receipts[toOther] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}

	noValue := common.HexToHash("0x0b")
	l.txs[noValue] = &ledger.TxDetails{Hash: noValue, To: &contract, Value: big.NewInt(0)}
	l.receipts[noValue] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}

	v := newTestVerifier(l, 0, &recordingSleeper{})
	_, err := v.Verify(context.Background(), toOther, "")
	requireKind(t, err, domain.ErrInvalidPayment)
	_, err = v.Verify(context.Background(), noValue, "")
	requireKind(t, err, domain.ErrInvalidPayment)
}

func TestDirectTransferRejectedWhenDisabled(t *testing.T) {
	l := newFakeLedger(10)
	tx := common.HexToHash("0x0c")
	to := paymentContract
	l.txs[tx] = &ledger.TxDetails{Hash: tx, To: &to, Value: big.NewInt(1)}
	l.receipts[tx] = &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)}

	v := newTestVerifier(l, 0, &recordingSleeper{})
	v.cfg.AcceptDirectTransfers = false
	_, err := v.Verify(context.Background(), tx, "")
	requireKind(t, err, domain.ErrInvalidPayment)
}

func TestOrderMismatchNamesBothRefs(t *testing.T) {
	l := newFakeLedger(10)
	tx := common.HexToHash("0x0d")
	l.addPayOrder(t, tx, "ORD-A", usdc, 1, 10)

	_, err := newTestVerifier(l, 0, &recordingSleeper{}).Verify(context.Background(), tx, "ORD-B")
	pe := requireKind(t, err, domain.ErrOrderMismatch)
	require.Equal(t, "ORD-B", pe.Expected)
	require.Equal(t, "ORD-A", pe.Found)
}

func TestMalformedEventData(t *testing.T) {
	l := newFakeLedger(10)
	tx := common.HexToHash("0x0e")
	l.addPayOrder(t, tx, "ORD-7", usdc, 1, 10)
	l.receipts[tx].Logs[0].Data = []byte{0x01, 0x02}

	_, err := newTestVerifier(l, 0, &recordingSleeper{}).Verify(context.Background(), tx, "")
	requireKind(t, err, domain.ErrMalformedEvent)
	require.False(t, domain.IsTransient(err))
}

func TestForwardedCallUsesExpectedRefWhenHashMatches(t *testing.T) {
	l := newFakeLedger(10)
	tx := common.HexToHash("0x0f")
	l.addPayOrder(t, tx, "ORD-8", usdc, 1_000_000, 10)
	l.txs[tx].Input = []byte{0xde, 0xad, 0xbe, 0xef}
	v := newTestVerifier(l, 0, &recordingSleeper{})

	res, err := v.Verify(context.Background(), tx, "ORD-8")
	require.NoError(t, err)
	require.Equal(t, "ORD-8", res.OrderRef)

	_, err = v.Verify(context.Background(), tx, "")
	requireKind(t, err, domain.ErrMalformedEvent)
}

func TestUnknownTokenFallsBackWithWarning(t *testing.T) {
	l := newFakeLedger(10)
	tx := common.HexToHash("0x10")
	odd := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	l.addPayOrder(t, tx, "ORD-9", odd, 1_000_000, 10)

	res, err := newTestVerifier(l, 0, &recordingSleeper{}).Verify(context.Background(), tx, "")
	require.NoError(t, err)
	require.Equal(t, "0.000000000001", res.Amount.String())
	require.Contains(t, res.Warning, "18 decimals")
}

func TestCancellationStopsRetries(t *testing.T) {
	l := newFakeLedger(10)
	ctx, cancel := context.WithCancel(context.Background())
	s := &recordingSleeper{onSleep: func(int) { cancel() }}

	_, err := newTestVerifier(l, 0, s).Verify(ctx, common.HexToHash("0x11"), "")
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, s.calls)
}
