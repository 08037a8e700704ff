package pipeline

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/metrics"
)

// ErrQueueClosed is returned by Enqueue after Close.
var ErrQueueClosed = errors.New("pipeline: queue closed")

// Item is one unit of pipeline work.
type Item struct {
	Event domain.PaymentEvent
	// Attempt counts how many times the item was requeued after a transient
	// failure.
	Attempt int
}

// Queue is a bounded work queue split into shards. Every item for the same
// order lands on the same shard, and each shard is drained by exactly one
// worker, so a single order never has two items in flight.
type Queue struct {
	shards []chan Item

	mu     sync.RWMutex
	closed bool
}

// NewQueue creates a Queue with the given number of shards sharing capacity
// slots. Each shard holds at least one item.
func NewQueue(shards, capacity int) *Queue {
	if shards < 1 {
		shards = 1
	}
	perShard := (capacity + shards - 1) / shards
	if perShard < 1 {
		perShard = 1
	}
	q := &Queue{shards: make([]chan Item, shards)}
	for i := range q.shards {
		q.shards[i] = make(chan Item, perShard)
	}
	return q
}

// Enqueue adds ev to its shard, blocking while the shard is full.
func (q *Queue) Enqueue(ctx context.Context, ev domain.PaymentEvent) error {
	return q.put(ctx, Item{Event: ev})
}

func (q *Queue) put(ctx context.Context, it Item) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.shards[q.shardFor(it.Event)] <- it:
		metrics.Default().QueueDepth.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shardFor routes by order ref, falling back to the transaction hash when
// the ref is unknown.
func (q *Queue) shardFor(ev domain.PaymentEvent) int {
	h := fnv.New32a()
	if ev.OrderRef != "" {
		h.Write([]byte(ev.OrderRef))
	} else {
		h.Write(ev.TxRef.Bytes())
	}
	return int(h.Sum32() % uint32(len(q.shards)))
}

// Len returns the number of queued items across all shards.
func (q *Queue) Len() int {
	n := 0
	for _, ch := range q.shards {
		n += len(ch)
	}
	return n
}

// Shards returns the number of shards.
func (q *Queue) Shards() int { return len(q.shards) }

// Close stops accepting items. Items already queued stay readable until the
// workers drain them. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, ch := range q.shards {
		close(ch)
	}
}
