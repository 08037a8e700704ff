package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Dedup drops logs the subscription delivers more than once, which happens
// after a resubscribe backfill overlaps the live stream. A log is identified
// by its transaction and log index. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // tx:logIndex -> first seen
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup that treats a log as a duplicate when it was seen
// within ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// DedupKey returns the identity of one log.
func DedupKey(tx common.Hash, logIndex uint) string {
	return fmt.Sprintf("%s:%d", tx.Hex(), logIndex)
}

// IsDuplicate reports whether key was seen within the TTL. Unseen or expired
// keys are recorded and false is returned.
func (d *Dedup) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if lastSeen, ok := d.seen[key]; ok && now.Sub(lastSeen) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Cleanup removes expired entries and returns how many were dropped.
func (d *Dedup) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	dropped := 0
	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
			dropped++
		}
	}
	return dropped
}

// Len returns the number of remembered keys.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
