// Package storetest holds the behaviour every domain.OrderStore and
// domain.AuditStore implementation must share. Driver packages call Run from
// their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainrecon/internal/domain"
)

// Factory returns fresh, empty stores for one subtest.
type Factory func(t *testing.T) (domain.OrderStore, domain.AuditStore)

var usdc = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")

func settlement(orderRef, txRef string) domain.Settlement {
	return domain.Settlement{
		OrderRef:      orderRef,
		TxRef:         txRef,
		Amount:        decimal.RequireFromString("1.5"),
		Token:         usdc,
		Confirmations: 3,
		Mode:          domain.ModeEventBacked,
		VerifiedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func intent(ref string) domain.PaymentIntent {
	return domain.PaymentIntent{
		OrderRef:       ref,
		ExpectedAmount: decimal.RequireFromString("1.5"),
		ExpectedToken:  &usdc,
	}
}

// Run exercises the shared store contract.
func Run(t *testing.T, newStores Factory) {
	t.Run("CreateIsIdempotentForSameIntent", func(t *testing.T) {
		orders, _ := newStores(t)
		ctx := context.Background()

		first, err := orders.Create(ctx, intent("ORD-1"))
		require.NoError(t, err)
		require.Equal(t, domain.PaymentStatusPending, first.PaymentStatus)
		require.Equal(t, domain.WorkflowPending, first.WorkflowStatus)

		again, err := orders.Create(ctx, intent("ORD-1"))
		require.NoError(t, err)
		require.Equal(t, first.Ref, again.Ref)

		conflicting := intent("ORD-1")
		conflicting.ExpectedAmount = decimal.RequireFromString("9")
		_, err = orders.Create(ctx, conflicting)
		require.ErrorIs(t, err, domain.ErrAlreadyExists)
	})

	t.Run("GetByRefMissing", func(t *testing.T) {
		orders, _ := newStores(t)
		_, err := orders.GetByRef(context.Background(), "ORD-NONE")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("SettleAppliesOnce", func(t *testing.T) {
		orders, _ := newStores(t)
		ctx := context.Background()
		_, err := orders.Create(ctx, intent("ORD-1"))
		require.NoError(t, err)

		out, err := orders.Settle(ctx, settlement("ORD-1", "0xaa"), nil)
		require.NoError(t, err)
		require.True(t, out.Applied)
		require.False(t, out.Replayed)
		require.Equal(t, domain.PaymentStatusCompleted, out.Order.PaymentStatus)
		require.Equal(t, domain.WorkflowConfirmed, out.Order.WorkflowStatus)
		require.Equal(t, "0xaa", out.Order.ChainTxRef)
		require.True(t, decimal.RequireFromString("1.5").Equal(out.Order.ChainAmount))
		require.Equal(t, uint64(3), out.Order.ChainConfirmations)
		require.Equal(t, domain.ModeEventBacked, out.Order.SettlementMode)
		require.NotNil(t, out.Order.ChainVerifiedAt)

		replay, err := orders.Settle(ctx, settlement("ORD-1", "0xaa"), nil)
		require.NoError(t, err)
		require.False(t, replay.Applied)
		require.True(t, replay.Replayed)
		require.Equal(t, "ORD-1", replay.Order.Ref)

		stored, err := orders.GetByRef(ctx, "ORD-1")
		require.NoError(t, err)
		require.Equal(t, "0xaa", stored.ChainTxRef)

		p, err := orders.GetProcessedTx(ctx, "0xaa")
		require.NoError(t, err)
		require.Equal(t, "ORD-1", p.OrderRef)
	})

	t.Run("CompletedOrderKeepsFirstTransaction", func(t *testing.T) {
		orders, _ := newStores(t)
		ctx := context.Background()
		_, err := orders.Create(ctx, intent("ORD-1"))
		require.NoError(t, err)

		_, err = orders.Settle(ctx, settlement("ORD-1", "0xaa"), nil)
		require.NoError(t, err)

		out, err := orders.Settle(ctx, settlement("ORD-1", "0xbb"), nil)
		require.NoError(t, err)
		require.False(t, out.Applied)
		require.Equal(t, "0xaa", out.Order.ChainTxRef)

		_, err = orders.GetProcessedTx(ctx, "0xbb")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("ReplayReportsOriginalOrder", func(t *testing.T) {
		orders, _ := newStores(t)
		ctx := context.Background()
		for _, ref := range []string{"ORD-1", "ORD-2"} {
			_, err := orders.Create(ctx, intent(ref))
			require.NoError(t, err)
		}

		_, err := orders.Settle(ctx, settlement("ORD-1", "0xaa"), nil)
		require.NoError(t, err)

		out, err := orders.Settle(ctx, settlement("ORD-2", "0xaa"), nil)
		require.NoError(t, err)
		require.True(t, out.Replayed)
		require.Equal(t, "ORD-1", out.Order.Ref)

		untouched, err := orders.GetByRef(ctx, "ORD-2")
		require.NoError(t, err)
		require.Equal(t, domain.PaymentStatusPending, untouched.PaymentStatus)
		require.Empty(t, untouched.ChainTxRef)
	})

	t.Run("SettleUnknownOrder", func(t *testing.T) {
		orders, _ := newStores(t)
		_, err := orders.Settle(context.Background(), settlement("ORD-NONE", "0xaa"), nil)
		require.ErrorIs(t, err, domain.ErrOrderNotFound)
	})

	t.Run("GuardRejectionWritesNothing", func(t *testing.T) {
		orders, _ := newStores(t)
		ctx := context.Background()
		_, err := orders.Create(ctx, intent("ORD-1"))
		require.NoError(t, err)

		rejected := errors.New("guard says no")
		var seen domain.Order
		_, err = orders.Settle(ctx, settlement("ORD-1", "0xaa"), func(o domain.Order) error {
			seen = o
			return rejected
		})
		require.ErrorIs(t, err, rejected)
		require.Equal(t, "ORD-1", seen.Ref)
		require.True(t, decimal.RequireFromString("1.5").Equal(seen.ExpectedAmount))
		require.Equal(t, &usdc, seen.ExpectedToken)

		stored, err := orders.GetByRef(ctx, "ORD-1")
		require.NoError(t, err)
		require.Equal(t, domain.PaymentStatusPending, stored.PaymentStatus)
		_, err = orders.GetProcessedTx(ctx, "0xaa")
		require.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("IntentWithoutTokenKeepsNilToken", func(t *testing.T) {
		orders, _ := newStores(t)
		ctx := context.Background()
		_, err := orders.Create(ctx, domain.PaymentIntent{
			OrderRef:       "ORD-2",
			ExpectedAmount: decimal.RequireFromString("4"),
		})
		require.NoError(t, err)

		stored, err := orders.GetByRef(ctx, "ORD-2")
		require.NoError(t, err)
		require.Nil(t, stored.ExpectedToken)
		require.True(t, stored.ExpectsAmount())
	})

	t.Run("ConcurrentSettleSameTransaction", func(t *testing.T) {
		orders, _ := newStores(t)
		ctx := context.Background()
		_, err := orders.Create(ctx, intent("ORD-1"))
		require.NoError(t, err)

		const n = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				out, err := orders.Settle(ctx, settlement("ORD-1", "0xaa"), nil)
				if err != nil {
					t.Errorf("settle: %v", err)
					return
				}
				if out.Applied {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Equal(t, 1, applied)
	})

	t.Run("ConcurrentSettleDistinctOrders", func(t *testing.T) {
		orders, _ := newStores(t)
		ctx := context.Background()

		const n = 6
		for i := 0; i < n; i++ {
			_, err := orders.Create(ctx, intent(fmt.Sprintf("ORD-%d", i)))
			require.NoError(t, err)
		}

		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := orders.Settle(ctx, settlement(fmt.Sprintf("ORD-%d", i), fmt.Sprintf("0x%02x", i)), nil)
				if err != nil {
					t.Errorf("settle %d: %v", i, err)
				}
			}(i)
		}
		wg.Wait()

		for i := 0; i < n; i++ {
			o, err := orders.GetByRef(ctx, fmt.Sprintf("ORD-%d", i))
			require.NoError(t, err)
			require.Equal(t, fmt.Sprintf("0x%02x", i), o.ChainTxRef)
		}
	})

	t.Run("AuditFilterAndOrder", func(t *testing.T) {
		_, audit := newStores(t)
		ctx := context.Background()

		require.NoError(t, audit.Log(ctx, domain.AuditPaymentSettled, map[string]any{"order_ref": "ORD-1"}))
		require.NoError(t, audit.Log(ctx, domain.AuditManualReview, map[string]any{"tx_ref": "0xaa"}))
		require.NoError(t, audit.Log(ctx, domain.AuditManualReview, map[string]any{"tx_ref": "0xbb"}))

		manual, err := audit.List(ctx, domain.AuditManualReview, domain.ListOpts{})
		require.NoError(t, err)
		require.Len(t, manual, 2)
		require.Equal(t, "0xbb", manual[0].Detail["tx_ref"])
		require.Equal(t, "0xaa", manual[1].Detail["tx_ref"])

		all, err := audit.List(ctx, "", domain.ListOpts{Limit: 1})
		require.NoError(t, err)
		require.Len(t, all, 1)
		require.Equal(t, domain.AuditManualReview, all[0].Event)
	})
}
