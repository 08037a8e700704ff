package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// PaymentStatus tracks whether an order has been paid.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusRefunded  PaymentStatus = "REFUNDED"
)

// WorkflowStatus tracks the fulfilment lifecycle of an order.
type WorkflowStatus string

const (
	WorkflowPending    WorkflowStatus = "PENDING"
	WorkflowConfirmed  WorkflowStatus = "CONFIRMED"
	WorkflowProcessing WorkflowStatus = "PROCESSING"
	WorkflowShipped    WorkflowStatus = "SHIPPED"
	WorkflowDelivered  WorkflowStatus = "DELIVERED"
	WorkflowCancelled  WorkflowStatus = "CANCELLED"
)

// Order is the internal order record. The checkout subsystem creates it in
// PENDING state; this engine only ever moves it to COMPLETED/CONFIRMED.
// ChainTxRef never changes once PaymentStatus is COMPLETED.
type Order struct {
	Ref            string
	PaymentStatus  PaymentStatus
	WorkflowStatus WorkflowStatus

	// Expectation registered at checkout. A zero ExpectedAmount disables the
	// underpayment check and a nil ExpectedToken disables the token check;
	// the two are independent.
	ExpectedAmount decimal.Decimal
	ExpectedToken  *common.Address

	ChainTxRef         string
	ChainAmount        decimal.Decimal
	ChainConfirmations uint64
	ChainVerifiedAt    *time.Time
	SettlementMode     PaymentMode

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Completed reports whether the order has been settled.
func (o Order) Completed() bool {
	return o.PaymentStatus == PaymentStatusCompleted
}

// ExpectsAmount reports whether checkout registered a minimum amount.
func (o Order) ExpectsAmount() bool {
	return o.ExpectedAmount.IsPositive()
}

// ExpectsToken reports whether checkout registered a token. The zero address
// is a valid expectation: the native coin.
func (o Order) ExpectsToken() bool {
	return o.ExpectedToken != nil
}

// ExpectedTokenHex returns the registered token address, or "" when none.
func (o Order) ExpectedTokenHex() string {
	if o.ExpectedToken == nil {
		return ""
	}
	return o.ExpectedToken.Hex()
}

// PaymentIntent is what checkout registers before the payer transacts.
type PaymentIntent struct {
	OrderRef       string
	ExpectedAmount decimal.Decimal
	ExpectedToken  *common.Address // nil: any token
}

// Settlement is the set of chain facts written onto an order when a verified
// payment is applied to it.
type Settlement struct {
	OrderRef      string
	TxRef         string
	Amount        decimal.Decimal
	Token         common.Address
	Confirmations uint64
	Mode          PaymentMode
	VerifiedAt    time.Time
}

// SettleGuard is evaluated against the locked order row, inside the settling
// transaction, before anything is written. A non-nil error aborts the
// settlement.
type SettleGuard func(Order) error

// SettleOutcome reports what a settlement attempt did.
type SettleOutcome struct {
	Order Order
	// Applied is true only when this call moved the order to COMPLETED.
	Applied bool
	// Replayed is true when the transaction was already in the processed
	// index; Order is then the order that transaction settled.
	Replayed bool
}

// ProcessedTx is one row of the processed-transaction index.
type ProcessedTx struct {
	TxRef       string
	OrderRef    string
	ProcessedAt time.Time
}

// Apply returns o moved to COMPLETED/CONFIRMED with the chain facts of s.
func (o Order) Apply(s Settlement, now time.Time) Order {
	verifiedAt := s.VerifiedAt
	if verifiedAt.IsZero() {
		verifiedAt = now
	}
	o.PaymentStatus = PaymentStatusCompleted
	o.WorkflowStatus = WorkflowConfirmed
	o.ChainTxRef = s.TxRef
	o.ChainAmount = s.Amount
	o.ChainConfirmations = s.Confirmations
	o.ChainVerifiedAt = &verifiedAt
	o.SettlementMode = s.Mode
	o.UpdatedAt = now
	return o
}

// SameIntent reports whether o was registered with the expectation in p.
func (o Order) SameIntent(p PaymentIntent) bool {
	return o.Ref == p.OrderRef &&
		o.ExpectedAmount.Equal(p.ExpectedAmount) &&
		sameToken(o.ExpectedToken, p.ExpectedToken)
}

func sameToken(a, b *common.Address) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
