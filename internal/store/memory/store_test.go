package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (domain.OrderStore, domain.AuditStore) {
		s := New()
		return s, s
	})
}

func TestProcessedCount(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.Create(ctx, domain.PaymentIntent{OrderRef: "ORD-1"})
	require.NoError(t, err)

	_, err = s.Settle(ctx, domain.Settlement{OrderRef: "ORD-1", TxRef: "0xaa"}, nil)
	require.NoError(t, err)
	_, err = s.Settle(ctx, domain.Settlement{OrderRef: "ORD-1", TxRef: "0xaa"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, s.ProcessedCount())
}
