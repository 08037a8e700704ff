package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainrecon/internal/domain"
)

type fakeSub struct {
	errCh chan error
	once  sync.Once
}

func (s *fakeSub) Err() <-chan error { return s.errCh }
func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errCh) }) }

type fakeBackend struct {
	mu          sync.Mutex
	head        uint64
	subs        []*fakeSub
	sinks       []chan<- types.Log
	backfill    []types.Log
	filterCalls []ethereum.FilterQuery
	receiptErr  error
	closed      bool
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(31337), nil }

func (b *fakeBackend) BlockNumber(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.head, nil
}

func (b *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	return nil, b.receiptErr
}

func (b *fakeBackend) TransactionByHash(context.Context, common.Hash) (*types.Transaction, bool, error) {
	return nil, false, ethereum.NotFound
}

func (b *fakeBackend) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filterCalls = append(b.filterCalls, q)
	return b.backfill, nil
}

func (b *fakeBackend) SubscribeFilterLogs(_ context.Context, _ ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &fakeSub{errCh: make(chan error, 1)}
	b.subs = append(b.subs, sub)
	b.sinks = append(b.sinks, ch)
	return sub, nil
}

func (b *fakeBackend) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *fakeBackend) subCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(b backend) *Client {
	c := newClient(b, big.NewInt(31337), ClientConfig{BackfillMaxBlocks: 100}, testLogger())
	c.reconnectDelay = time.Millisecond
	c.maxReconnectDelay = 5 * time.Millisecond
	return c
}

func recvLog(t *testing.T, ch <-chan types.Log) types.Log {
	t.Helper()
	select {
	case lg, ok := <-ch:
		require.True(t, ok, "subscription channel closed")
		return lg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for log")
		return types.Log{}
	}
}

func TestSubscriptionResubscribesAndBackfills(t *testing.T) {
	b := &fakeBackend{}
	c := newTestClient(b)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	contract := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	out, err := c.SubscribePayments(ctx, contract)
	require.NoError(t, err)
	require.Equal(t, 1, b.subCount())

	b.sinks[0] <- types.Log{BlockNumber: 10, TxHash: common.HexToHash("0xa1")}
	require.EqualValues(t, 10, recvLog(t, out).BlockNumber)

	b.mu.Lock()
	b.head = 15
	b.backfill = []types.Log{{BlockNumber: 12, TxHash: common.HexToHash("0xb2")}}
	b.mu.Unlock()

	b.subs[0].errCh <- errors.New("connection reset by peer")

	require.Eventually(t, func() bool { return b.subCount() == 2 }, 2*time.Second, time.Millisecond)
	missed := recvLog(t, out)
	require.Equal(t, common.HexToHash("0xb2"), missed.TxHash)

	b.mu.Lock()
	require.Len(t, b.filterCalls, 1)
	q := b.filterCalls[0]
	b.mu.Unlock()
	require.EqualValues(t, 10, q.FromBlock.Uint64())
	require.EqualValues(t, 15, q.ToBlock.Uint64())
	require.Equal(t, []common.Address{contract}, q.Addresses)

	b.mu.Lock()
	sink := b.sinks[1]
	b.mu.Unlock()
	sink <- types.Log{BlockNumber: 16, TxHash: common.HexToHash("0xc3")}
	require.EqualValues(t, 16, recvLog(t, out).BlockNumber)

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-out
		return !ok
	}, 2*time.Second, time.Millisecond)
}

func TestBackfillStartsAtSubscribeHead(t *testing.T) {
	b := &fakeBackend{head: 20}
	c := newTestClient(b)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out, err := c.SubscribePayments(ctx, common.Address{})
	require.NoError(t, err)

	// Drop before any log is delivered.
	b.mu.Lock()
	b.head = 25
	b.backfill = []types.Log{{BlockNumber: 22, TxHash: common.HexToHash("0xd4")}}
	b.mu.Unlock()
	b.subs[0].errCh <- errors.New("connection reset by peer")

	missed := recvLog(t, out)
	require.Equal(t, common.HexToHash("0xd4"), missed.TxHash)

	b.mu.Lock()
	require.Len(t, b.filterCalls, 1)
	q := b.filterCalls[0]
	b.mu.Unlock()
	require.EqualValues(t, 20, q.FromBlock.Uint64())
	require.EqualValues(t, 25, q.ToBlock.Uint64())
}

func TestCloseStopsSubscriptions(t *testing.T) {
	b := &fakeBackend{}
	c := newTestClient(b)

	out, err := c.SubscribePayments(context.Background(), common.Address{})
	require.NoError(t, err)

	c.Close()
	_, ok := <-out
	require.False(t, ok)
	require.True(t, b.closed)

	_, err = c.SubscribePayments(context.Background(), common.Address{})
	require.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	b := &fakeBackend{receiptErr: ethereum.NotFound}
	c := newTestClient(b)
	defer c.Close()

	_, err := c.Receipt(context.Background(), common.HexToHash("0x01"))
	require.ErrorIs(t, err, domain.ErrTxNotFound)
	require.False(t, errors.Is(err, domain.ErrLedgerUnavailable))

	b.receiptErr = errors.New("dial tcp 127.0.0.1:8545: connection refused")
	_, err = c.Receipt(context.Background(), common.HexToHash("0x01"))
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)

	_, err = c.Transaction(context.Background(), common.HexToHash("0x01"))
	require.ErrorIs(t, err, domain.ErrTxNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.receiptErr = context.Canceled
	_, err = c.Receipt(ctx, common.HexToHash("0x01"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestThrottledCallIsTransient(t *testing.T) {
	b := &fakeBackend{}
	c := newClient(b, big.NewInt(31337), ClientConfig{RateLimit: 1, Burst: 1}, testLogger())
	defer c.Close()

	_, err := c.BlockNumber(context.Background())
	require.NoError(t, err)

	// The next token is a second away; the deadline is not.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = c.Receipt(ctx, common.HexToHash("0x01"))
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	require.True(t, domain.IsTransient(err))

	done, cancelDone := context.WithCancel(context.Background())
	cancelDone()
	_, err = c.Transaction(done, common.HexToHash("0x01"))
	require.ErrorIs(t, err, context.Canceled)
}
