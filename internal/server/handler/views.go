package handler

import (
	"time"

	"github.com/alanyoungcy/chainrecon/internal/domain"
)

// orderView is the JSON shape of an order.
type orderView struct {
	Ref                string     `json:"order_ref"`
	PaymentStatus      string     `json:"payment_status"`
	WorkflowStatus     string     `json:"workflow_status"`
	ExpectedAmount     string     `json:"expected_amount,omitempty"`
	ExpectedToken      string     `json:"expected_token,omitempty"`
	ChainTxRef         string     `json:"chain_tx_ref,omitempty"`
	ChainAmount        string     `json:"chain_amount,omitempty"`
	ChainConfirmations uint64     `json:"chain_confirmations,omitempty"`
	ChainVerifiedAt    *time.Time `json:"chain_verified_at,omitempty"`
	SettlementMode     string     `json:"settlement_mode,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func newOrderView(o domain.Order) orderView {
	v := orderView{
		Ref:                o.Ref,
		PaymentStatus:      string(o.PaymentStatus),
		WorkflowStatus:     string(o.WorkflowStatus),
		ChainTxRef:         o.ChainTxRef,
		ChainConfirmations: o.ChainConfirmations,
		ChainVerifiedAt:    o.ChainVerifiedAt,
		SettlementMode:     string(o.SettlementMode),
		CreatedAt:          o.CreatedAt,
		UpdatedAt:          o.UpdatedAt,
	}
	if o.ExpectsAmount() {
		v.ExpectedAmount = o.ExpectedAmount.String()
	}
	v.ExpectedToken = o.ExpectedTokenHex()
	if o.ChainTxRef != "" {
		v.ChainAmount = o.ChainAmount.String()
	}
	return v
}

// resultView is the JSON shape of a verification result.
type resultView struct {
	TxRef         string    `json:"tx_ref"`
	Valid         bool      `json:"valid"`
	OrderRef      string    `json:"order_ref,omitempty"`
	Amount        string    `json:"amount"`
	Token         string    `json:"token"`
	TokenSymbol   string    `json:"token_symbol,omitempty"`
	Payer         string    `json:"payer"`
	BlockNumber   uint64    `json:"block_number"`
	Confirmations uint64    `json:"confirmations"`
	Mode          string    `json:"mode"`
	Warning       string    `json:"warning,omitempty"`
	VerifiedAt    time.Time `json:"verified_at"`
}

func newResultView(r domain.VerificationResult) resultView {
	return resultView{
		TxRef:         r.TxRef.Hex(),
		Valid:         r.Valid,
		OrderRef:      r.OrderRef,
		Amount:        r.Amount.String(),
		Token:         r.Token.Hex(),
		TokenSymbol:   r.TokenSymbol,
		Payer:         r.Payer.Hex(),
		BlockNumber:   r.BlockNumber,
		Confirmations: r.Confirmations,
		Mode:          string(r.Mode),
		Warning:       r.Warning,
		VerifiedAt:    r.VerifiedAt,
	}
}

type auditView struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}
