package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/chainrecon/internal/pipeline"
	"github.com/alanyoungcy/chainrecon/internal/server"
	"github.com/alanyoungcy/chainrecon/internal/server/handler"
	"github.com/alanyoungcy/chainrecon/internal/server/ws"
	"github.com/alanyoungcy/chainrecon/internal/service"
	"github.com/alanyoungcy/chainrecon/internal/subscriber"
)

// SubscriberMode follows the payment contract's event stream and settles
// orders through the worker pool. The HTTP server only exposes health,
// metrics, and the operator enqueue endpoint.
func (a *App) SubscriberMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting subscriber mode")

	g, ctx := errgroup.WithContext(ctx)
	queue := a.startPipeline(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, server.Handlers{
		Pipeline: handler.NewPipelineHandler(queue, a.logger),
	}, nil)
	return g.Wait()
}

// APIMode serves direct verification requests and the order endpoints,
// without a ledger subscription.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, server.Handlers{
		Payments: a.paymentHandler(deps),
	}, a.startHub(ctx, g, deps))
	return g.Wait()
}

// FullMode runs the subscriber pipeline and the complete HTTP API in one
// process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	queue := a.startPipeline(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, server.Handlers{
		Payments: a.paymentHandler(deps),
		Pipeline: handler.NewPipelineHandler(queue, a.logger),
	}, a.startHub(ctx, g, deps))
	return g.Wait()
}

// startPipeline adds the subscriber and the worker pool to g and returns the
// queue between them. The subscriber stops with ctx; the workers then drain
// the queue.
func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies) *pipeline.Queue {
	pc := a.cfg.Pipeline
	queue := pipeline.NewQueue(pc.Workers, pc.QueueSize)

	orch := pipeline.NewOrchestrator(queue, deps.Verifier, deps.Reconciler, pipeline.Config{
		RequeueLimit: pc.RequeueLimit,
		RequeueDelay: pc.RequeueDelay.Duration,
		DrainTimeout: pc.DrainTimeout.Duration,
	}, a.logger)

	sub := subscriber.New(deps.Ledger, queue, subscriber.Config{
		Contract: deps.Contract,
		DedupTTL: pc.DedupTTL.Duration,
	}, a.logger)

	a.logger.InfoContext(ctx, "pipeline configured",
		slog.String("contract", deps.Contract.Hex()),
		slog.Int("workers", pc.Workers),
		slog.Int("queue_size", pc.QueueSize),
		slog.Uint64("confirmations", deps.Network.Confirmations),
	)

	g.Go(func() error {
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := sub.Run(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("subscriber: %w", err)
		}
		return nil
	})
	return queue
}

func (a *App) paymentHandler(deps *Dependencies) *handler.PaymentHandler {
	svc := service.NewPaymentService(
		deps.Orders, deps.Audit, deps.Verifier, deps.Reconciler,
		a.cfg.Server.VerifyTimeout.Duration, a.logger,
	)
	return handler.NewPaymentHandler(svc, a.cfg.Pipeline.RequeueDelay.Duration, a.logger)
}

// startHub adds the WebSocket hub to g. It relays settlements published on
// the signal bus.
func (a *App) startHub(ctx context.Context, g *errgroup.Group, deps *Dependencies) *ws.Hub {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Network:        a.cfg.Network,
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		APIKey:         deps.APIKey,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})
	return hub
}

// startHTTPServer adds an HTTP server goroutine to the given errgroup. Health
// and status are always registered; h supplies the mode's other handlers.
// The server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, h server.Handlers, hub *ws.Hub) {
	h.Health = handler.NewHealthHandler(deps.Checks, a.logger)
	h.Status = &handler.StatusHandler{
		Mode:            a.cfg.Mode,
		Network:         a.cfg.Network,
		ChainID:         deps.Network.ChainID,
		Confirmations:   deps.Network.Confirmations,
		PaymentContract: deps.Contract.Hex(),
		StartedAt:       a.startedAt,
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          deps.APIKey,
		VerifyRateLimit: a.cfg.Server.RateLimit,
		WriteTimeout:    a.cfg.Server.VerifyTimeout.Duration + 5*time.Second,
	}, h, deps.RateLimiter, hub, a.logger)

	if deps.APIKey == "" {
		a.logger.WarnContext(ctx, "HTTP server: no api key configured; operator endpoints are open")
	}

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
