package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/service"
)

// PaymentService defines what the payment and order handlers need from the
// service layer.
type PaymentService interface {
	VerifyAndReconcile(ctx context.Context, txRef, expectedOrderRef string) (service.VerifyOutcome, error)
	RegisterIntent(ctx context.Context, intent domain.PaymentIntent) (domain.Order, error)
	GetOrder(ctx context.Context, ref string) (domain.Order, error)
	ListManualAudit(ctx context.Context, event string, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// PaymentHandler serves the payment, order, and manual-audit endpoints.
type PaymentHandler struct {
	payments   PaymentService
	retryAfter time.Duration
	logger     *slog.Logger
}

// NewPaymentHandler creates a PaymentHandler. retryAfter is advertised to
// clients whose verification is still pending.
func NewPaymentHandler(payments PaymentService, retryAfter time.Duration, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		payments:   payments,
		retryAfter: retryAfter,
		logger:     logHandler(logger, "payments"),
	}
}

type verifyRequest struct {
	TxRef            string `json:"tx_ref"`
	ExpectedOrderRef string `json:"expected_order_ref"`
}

type verifyResponse struct {
	Result       resultView `json:"result"`
	Order        *orderView `json:"order,omitempty"`
	Applied      bool       `json:"applied"`
	ManualReview bool       `json:"manual_review"`
}

// Verify checks a payer-reported transaction and settles its order.
// POST /api/payments/verify
func (h *PaymentHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.TxRef) == "" {
		writeError(w, http.StatusBadRequest, "tx_ref is required")
		return
	}

	out, err := h.payments.VerifyAndReconcile(r.Context(), req.TxRef, req.ExpectedOrderRef)
	if err != nil {
		writePaymentError(w, h.logger, r, err, h.retryAfter)
		return
	}

	resp := verifyResponse{
		Result:       newResultView(out.Result),
		Applied:      out.Applied,
		ManualReview: out.ManualReview,
	}
	if out.ManualReview {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}
	v := newOrderView(*out.Order)
	resp.Order = &v
	writeJSON(w, http.StatusOK, resp)
}

type registerRequest struct {
	OrderRef       string `json:"order_ref"`
	ExpectedAmount string `json:"expected_amount"`
	ExpectedToken  string `json:"expected_token"`
}

// RegisterOrder records a checkout's payment intent.
// POST /api/orders
func (h *PaymentHandler) RegisterOrder(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}

	intent := domain.PaymentIntent{OrderRef: req.OrderRef}
	if req.ExpectedAmount != "" {
		amount, err := decimal.NewFromString(req.ExpectedAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "expected_amount is not a decimal")
			return
		}
		intent.ExpectedAmount = amount
	}
	if req.ExpectedToken != "" {
		if !common.IsHexAddress(req.ExpectedToken) {
			writeError(w, http.StatusBadRequest, "expected_token is not an address")
			return
		}
		token := common.HexToAddress(req.ExpectedToken)
		intent.ExpectedToken = &token
	}

	o, err := h.payments.RegisterIntent(r.Context(), intent)
	if errors.Is(err, domain.ErrAlreadyExists) {
		writeError(w, http.StatusConflict, "order already registered with a different intent")
		return
	}
	if err != nil {
		writePaymentError(w, h.logger, r, err, h.retryAfter)
		return
	}
	writeJSON(w, http.StatusCreated, newOrderView(o))
}

// GetOrder returns one order's payment state.
// GET /api/orders/{ref}
func (h *PaymentHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.payments.GetOrder(r.Context(), pathParam(r, "ref"))
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		writePaymentError(w, h.logger, r, err, h.retryAfter)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(o))
}

// ListManualAudit lists payments waiting for an operator.
// GET /api/audit/manual?event=manual_review|payment_failed&limit=50&offset=0
func (h *PaymentHandler) ListManualAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := h.payments.ListManualAudit(r.Context(), r.URL.Query().Get("event"), parseListOpts(r))
	if err != nil {
		writePaymentError(w, h.logger, r, err, h.retryAfter)
		return
	}
	views := make([]auditView, 0, len(entries))
	for _, e := range entries {
		views = append(views, auditView{ID: e.ID, Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": views})
}
