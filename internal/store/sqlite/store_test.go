package sqlite

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/store/storetest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	s, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) (domain.OrderStore, domain.AuditStore) {
		s := openTestStore(t)
		return s, s
	})
}

func TestOpenIsRepeatable(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	first, err := Open(dsn)
	require.NoError(t, err)
	defer first.Close()

	_, err = first.Create(context.Background(), domain.PaymentIntent{OrderRef: "ORD-1"})
	require.NoError(t, err)

	second, err := Open(dsn)
	require.NoError(t, err)
	defer second.Close()

	o, err := second.GetByRef(context.Background(), "ORD-1")
	require.NoError(t, err)
	require.Equal(t, domain.PaymentStatusPending, o.PaymentStatus)
	require.NoError(t, second.Ping(context.Background()))
}
