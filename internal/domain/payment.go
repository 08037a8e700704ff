package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// PaymentMode records how a payment was proven.
type PaymentMode string

const (
	// ModeEventBacked means the payment contract emitted a PaymentReceived
	// event that was decoded and cross-checked.
	ModeEventBacked PaymentMode = "EVENT_BACKED"
	// ModeDirectTransfer means value was sent straight to the payment
	// contract without calling it. No order reference can be recovered.
	ModeDirectTransfer PaymentMode = "DIRECT_TRANSFER"
)

// PaymentEvent is a candidate payment observed on the subscription. It is a
// hint for the verifier, never a proof.
type PaymentEvent struct {
	TxRef       common.Hash
	LogIndex    uint
	BlockNumber uint64
	Log         types.Log
	// OrderRef is decoded from the transaction call data. Empty when the
	// transaction could not be fetched or decoded.
	OrderRef   string
	ObservedAt time.Time
}

// VerificationResult is the verifier's verdict on one transaction.
type VerificationResult struct {
	TxRef common.Hash
	Valid bool
	// OrderRef is recovered from the original call arguments. Empty for
	// direct transfers.
	OrderRef      string
	Amount        decimal.Decimal
	RawAmount     *big.Int
	Token         common.Address
	TokenSymbol   string
	Payer         common.Address
	BlockNumber   uint64
	Confirmations uint64
	Mode          PaymentMode
	FailureReason string
	Warning       string
	VerifiedAt    time.Time
}

// HasOrderRef reports whether an order reference was recovered.
func (r VerificationResult) HasOrderRef() bool {
	return r.OrderRef != ""
}
