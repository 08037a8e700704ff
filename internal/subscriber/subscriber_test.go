package subscriber

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/ledger"
)

var (
	contract = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	usdc     = common.HexToAddress("0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512")
	payer    = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

type fakeSource struct {
	logs chan types.Log
	mu   sync.Mutex
	txs  map[common.Hash]*ledger.TxDetails
}

func (f *fakeSource) SubscribePayments(context.Context, common.Address) (<-chan types.Log, error) {
	return f.logs, nil
}

func (f *fakeSource) Transaction(_ context.Context, h common.Hash) (*ledger.TxDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[h]
	if !ok {
		return nil, domain.NewPaymentError(domain.ErrLedgerUnavailable, h.Hex(), "connection refused")
	}
	return tx, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []domain.PaymentEvent
}

func (r *recordingSink) Enqueue(_ context.Context, ev domain.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) snapshot() []domain.PaymentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.PaymentEvent(nil), r.events...)
}

func paymentLog(t *testing.T, tx common.Hash, index uint, orderRef string) types.Log {
	t.Helper()
	topics, data, err := ledger.EncodePaymentLog(orderRef, payer, usdc, big.NewInt(1_000_000), big.NewInt(1_700_000_000))
	require.NoError(t, err)
	return types.Log{
		Address:     contract,
		Topics:      topics,
		Data:        data,
		TxHash:      tx,
		Index:       index,
		BlockNumber: 42,
	}
}

func payOrderTx(t *testing.T, tx common.Hash, orderRef string) *ledger.TxDetails {
	t.Helper()
	input, err := ledger.EncodePayOrder(orderRef, usdc, big.NewInt(1_000_000))
	require.NoError(t, err)
	return &ledger.TxDetails{Hash: tx, From: payer, To: &contract, Value: new(big.Int), Input: input}
}

func newSubscriber(src Source, sink Sink) *Subscriber {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(src, sink, Config{Contract: contract, Resolvers: 2, DedupTTL: time.Minute}, logger)
}

func TestSubscriberEnqueuesResolvedEvents(t *testing.T) {
	txA := common.HexToHash("0xaa")
	txB := common.HexToHash("0xbb")
	txC := common.HexToHash("0xcc")
	src := &fakeSource{
		logs: make(chan types.Log, 8),
		txs: map[common.Hash]*ledger.TxDetails{
			txA: payOrderTx(t, txA, "ORD-A"),
			txB: payOrderTx(t, txB, "ORD-B"),
		},
	}
	sink := &recordingSink{}
	sub := newSubscriber(src, sink)

	removed := paymentLog(t, txB, 0, "ORD-B")
	removed.Removed = true

	src.logs <- paymentLog(t, txA, 0, "ORD-A")
	src.logs <- paymentLog(t, txA, 0, "ORD-A") // backfill overlap
	src.logs <- removed
	src.logs <- paymentLog(t, txC, 1, "ORD-C") // lookup fails

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sub.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	byTx := map[common.Hash]domain.PaymentEvent{}
	for _, ev := range sink.snapshot() {
		byTx[ev.TxRef] = ev
	}
	require.Len(t, byTx, 2)
	require.Equal(t, "ORD-A", byTx[txA].OrderRef)
	require.Equal(t, uint64(42), byTx[txA].BlockNumber)
	require.Contains(t, byTx, txC)
	require.Empty(t, byTx[txC].OrderRef, "unresolved events still reach the verifier")
	require.Equal(t, uint(1), byTx[txC].LogIndex)
}

func TestResolveRejectsCallDataForAnotherOrder(t *testing.T) {
	tx := common.HexToHash("0xdd")
	src := &fakeSource{txs: map[common.Hash]*ledger.TxDetails{tx: payOrderTx(t, tx, "ORD-OTHER")}}
	sub := newSubscriber(src, &recordingSink{})

	ev := sub.Resolve(context.Background(), paymentLog(t, tx, 0, "ORD-LOGGED"))
	require.Empty(t, ev.OrderRef)
	require.Equal(t, tx, ev.TxRef)
}

func TestResolveIgnoresNonPayOrderCalls(t *testing.T) {
	tx := common.HexToHash("0xee")
	src := &fakeSource{txs: map[common.Hash]*ledger.TxDetails{
		tx: {Hash: tx, To: &contract, Value: new(big.Int), Input: []byte{0xa9, 0x05, 0x9c, 0xbb}},
	}}
	sub := newSubscriber(src, &recordingSink{})

	ev := sub.Resolve(context.Background(), paymentLog(t, tx, 0, "ORD-1"))
	require.Empty(t, ev.OrderRef)
}

func TestSubscriberReportsClosedStream(t *testing.T) {
	src := &fakeSource{logs: make(chan types.Log)}
	close(src.logs)
	err := newSubscriber(src, &recordingSink{}).Run(context.Background())
	require.ErrorContains(t, err, "stream closed")
}

type failingSource struct{}

func (failingSource) SubscribePayments(context.Context, common.Address) (<-chan types.Log, error) {
	return nil, errors.New("ledger: client closed")
}

func (failingSource) Transaction(context.Context, common.Hash) (*ledger.TxDetails, error) {
	return nil, nil
}

func TestSubscriberSubscribeError(t *testing.T) {
	err := newSubscriber(failingSource{}, &recordingSink{}).Run(context.Background())
	require.ErrorContains(t, err, "client closed")
}
