package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")
)

// Transient payment failures. The same transaction may succeed when retried
// later.
var (
	ErrLedgerUnavailable   = errors.New("ledger unavailable")
	ErrTxNotFound          = errors.New("transaction not found")
	ErrConfirmationPending = errors.New("confirmation pending")
)

// Terminal payment failures. Retrying the same transaction cannot succeed.
var (
	ErrReverted       = errors.New("transaction reverted")
	ErrWrongContract  = errors.New("wrong contract")
	ErrInvalidPayment = errors.New("invalid payment")
	ErrMalformedEvent = errors.New("malformed event")
	ErrOrderMismatch  = errors.New("order mismatch")
	ErrOrderNotFound  = errors.New("order not found")
	ErrTokenMismatch  = errors.New("token mismatch")
	ErrUnderpaid      = errors.New("underpaid")
)

var transientKinds = []error{
	ErrLedgerUnavailable,
	ErrTxNotFound,
	ErrConfirmationPending,
	ErrLockHeld,
}

// IsTransient reports whether err belongs to the retryable class.
func IsTransient(err error) bool {
	for _, kind := range transientKinds {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// PaymentError carries the diagnostic detail of a failed verification or
// reconciliation. errors.Is matches it against its Kind.
type PaymentError struct {
	Kind     error
	TxRef    string
	Detail   string
	Expected string
	Found    string
}

// NewPaymentError builds a PaymentError of the given kind.
func NewPaymentError(kind error, txRef, detail string) *PaymentError {
	return &PaymentError{Kind: kind, TxRef: txRef, Detail: detail}
}

// Mismatch builds a PaymentError that names both the expected and the found
// value.
func Mismatch(kind error, txRef, expected, found string) *PaymentError {
	return &PaymentError{Kind: kind, TxRef: txRef, Expected: expected, Found: found}
}

func (e *PaymentError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.TxRef != "" {
		fmt.Fprintf(&b, " (tx %s)", e.TxRef)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Expected != "" || e.Found != "" {
		fmt.Fprintf(&b, ": expected %q, found %q", e.Expected, e.Found)
	}
	return b.String()
}

func (e *PaymentError) Unwrap() error { return e.Kind }

// ErrorKind returns a stable snake_case name for the failure class of err,
// or "internal" when err does not belong to the payment taxonomy.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrLedgerUnavailable):
		return "ledger_unavailable"
	case errors.Is(err, ErrTxNotFound):
		return "not_found"
	case errors.Is(err, ErrConfirmationPending):
		return "confirmation_pending"
	case errors.Is(err, ErrReverted):
		return "reverted"
	case errors.Is(err, ErrWrongContract):
		return "wrong_contract"
	case errors.Is(err, ErrInvalidPayment):
		return "invalid_payment"
	case errors.Is(err, ErrMalformedEvent):
		return "malformed_event"
	case errors.Is(err, ErrOrderMismatch):
		return "order_mismatch"
	case errors.Is(err, ErrOrderNotFound):
		return "order_not_found"
	case errors.Is(err, ErrTokenMismatch):
		return "token_mismatch"
	case errors.Is(err, ErrUnderpaid):
		return "underpaid"
	case errors.Is(err, ErrLockHeld):
		return "lock_held"
	default:
		return "internal"
	}
}
