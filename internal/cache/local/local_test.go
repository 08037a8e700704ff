package local

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/chainrecon/internal/domain"
)

func TestKeyedMutexSerialisesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, "order:ORD-1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxSeen)
	require.Zero(t, k.Len())
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	a, err := k.Lock(ctx, "a")
	require.NoError(t, err)
	b, err := k.Acquire(ctx, "b", time.Second)
	require.NoError(t, err)

	_, err = k.Acquire(ctx, "a", time.Second)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	a()
	a()
	b()
	require.Zero(t, k.Len())
}

func TestKeyedMutexLockHonoursContext(t *testing.T) {
	k := NewKeyedMutex()
	unlock, err := k.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "a")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter()
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "ip:1", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
	}
	ok, _ := rl.Allow(ctx, "ip:1", 3, time.Minute)
	require.False(t, ok)

	ok, _ = rl.Allow(ctx, "ip:2", 3, time.Minute)
	require.True(t, ok)

	now = now.Add(20 * time.Second)
	ok, _ = rl.Allow(ctx, "ip:1", 3, time.Minute)
	require.True(t, ok)
}

func TestBusPubSubAndStreams(t *testing.T) {
	b := NewBus(2)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := b.Subscribe(ctx, domain.ChannelPayments)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, domain.ChannelPayments, []byte("x")))
	require.Equal(t, "x", string(<-ch))

	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, b.StreamAppend(ctx, domain.StreamManualAudit, []byte(p)))
	}
	msgs, err := b.StreamRead(ctx, domain.StreamManualAudit, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "2", string(msgs[0].Payload))

	rest, err := b.StreamRead(ctx, domain.StreamManualAudit, msgs[0].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "3", string(rest[0].Payload))

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-ch
		return !open
	}, time.Second, 5*time.Millisecond)
}
