// Package memory implements the domain stores in process memory. It backs the
// "memory" store driver and the tests of the packages above the store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/chainrecon/internal/domain"
)

// Store implements domain.OrderStore and domain.AuditStore. A single mutex
// makes every Settle call atomic.
type Store struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	processed map[string]domain.ProcessedTx
	audit     []domain.AuditEntry
	now       func() time.Time
}

var (
	_ domain.OrderStore = (*Store)(nil)
	_ domain.AuditStore = (*Store)(nil)
)

// New returns an empty Store.
func New() *Store {
	return &Store{
		orders:    make(map[string]domain.Order),
		processed: make(map[string]domain.ProcessedTx),
		now:       time.Now,
	}
}

func (s *Store) Create(_ context.Context, intent domain.PaymentIntent) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.orders[intent.OrderRef]; ok {
		if existing.SameIntent(intent) {
			return existing, nil
		}
		return domain.Order{}, domain.ErrAlreadyExists
	}
	now := s.now().UTC()
	o := domain.Order{
		Ref:            intent.OrderRef,
		PaymentStatus:  domain.PaymentStatusPending,
		WorkflowStatus: domain.WorkflowPending,
		ExpectedAmount: intent.ExpectedAmount,
		ExpectedToken:  copyToken(intent.ExpectedToken),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.orders[o.Ref] = o
	return o, nil
}

func (s *Store) GetByRef(_ context.Context, ref string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[ref]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *Store) Settle(_ context.Context, st domain.Settlement, guard domain.SettleGuard) (domain.SettleOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.processed[st.TxRef]; ok {
		o, ok := s.orders[p.OrderRef]
		if !ok {
			return domain.SettleOutcome{}, domain.ErrOrderNotFound
		}
		return domain.SettleOutcome{Order: o, Replayed: true}, nil
	}

	o, ok := s.orders[st.OrderRef]
	if !ok {
		return domain.SettleOutcome{}, domain.ErrOrderNotFound
	}
	if o.Completed() {
		return domain.SettleOutcome{Order: o}, nil
	}
	if guard != nil {
		if err := guard(o); err != nil {
			return domain.SettleOutcome{Order: o}, err
		}
	}

	now := s.now().UTC()
	o = o.Apply(st, now)
	s.orders[o.Ref] = o
	s.processed[st.TxRef] = domain.ProcessedTx{TxRef: st.TxRef, OrderRef: o.Ref, ProcessedAt: now}
	return domain.SettleOutcome{Order: o, Applied: true}, nil
}

func (s *Store) GetProcessedTx(_ context.Context, txRef string) (domain.ProcessedTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.processed[txRef]
	if !ok {
		return domain.ProcessedTx{}, domain.ErrNotFound
	}
	return p, nil
}

// ProcessedCount returns the size of the processed-transaction index.
func (s *Store) ProcessedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processed)
}

func (s *Store) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, domain.AuditEntry{
		ID:        int64(len(s.audit) + 1),
		Event:     event,
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	})
	return nil
}

// List returns entries newest first. An empty event matches every entry.
func (s *Store) List(_ context.Context, event string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.AuditEntry
	for _, e := range s.audit {
		if event != "" && !strings.EqualFold(e.Event, event) {
			continue
		}
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, nil
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func copyToken(token *common.Address) *common.Address {
	if token == nil {
		return nil
	}
	t := *token
	return &t
}
