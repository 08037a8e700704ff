package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/pipeline"
	"github.com/alanyoungcy/chainrecon/internal/service"
)

// Enqueuer accepts payment events for the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, ev domain.PaymentEvent) error
}

// PipelineHandler lets operators push a transaction back through the
// subscription pipeline, typically after fixing what sent it to manual
// audit.
type PipelineHandler struct {
	queue  Enqueuer
	logger *slog.Logger
}

// NewPipelineHandler creates a PipelineHandler feeding queue.
func NewPipelineHandler(queue Enqueuer, logger *slog.Logger) *PipelineHandler {
	return &PipelineHandler{queue: queue, logger: logHandler(logger, "pipeline")}
}

type enqueueRequest struct {
	TxRef    string `json:"tx_ref"`
	OrderRef string `json:"order_ref"`
}

// Enqueue queues one transaction for verification and reconciliation.
// POST /api/pipeline/enqueue
func (h *PipelineHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	hash, err := service.ParseTxRef(req.TxRef)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	ev := domain.PaymentEvent{
		TxRef:      hash,
		OrderRef:   strings.TrimSpace(req.OrderRef),
		ObservedAt: time.Now().UTC(),
	}
	switch err := h.queue.Enqueue(ctx, ev); {
	case errors.Is(err, pipeline.ErrQueueClosed):
		writeError(w, http.StatusServiceUnavailable, "pipeline is shutting down")
		return
	case errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "pipeline queue is full")
		return
	case err != nil:
		writePaymentError(w, h.logger, r, err, time.Second)
		return
	}

	h.logger.InfoContext(r.Context(), "transaction enqueued by operator",
		slog.String("tx_ref", hash.Hex()),
		slog.String("order_ref", ev.OrderRef),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "accepted",
		"tx_ref":    hash.Hex(),
		"order_ref": ev.OrderRef,
	})
}
