package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderStore persists orders and the processed-transaction index.
type OrderStore interface {
	// Create registers a PENDING order. Re-registering an identical intent
	// returns the existing order; a conflicting one returns ErrAlreadyExists.
	Create(ctx context.Context, intent PaymentIntent) (Order, error)
	GetByRef(ctx context.Context, ref string) (Order, error)
	// Settle applies s in a single transaction: replay check against the
	// processed index, row lock on the order, guard, update, index insert.
	Settle(ctx context.Context, s Settlement, guard SettleGuard) (SettleOutcome, error)
	GetProcessedTx(ctx context.Context, txRef string) (ProcessedTx, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, event string, opts ListOpts) ([]AuditEntry, error)
}

// Audit events written by the engine.
const (
	AuditPaymentSettled = "payment_settled"
	AuditManualReview   = "manual_review"
	AuditPaymentFailed  = "payment_failed"
)
