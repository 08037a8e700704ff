// Package verifier decides whether a transaction is a real, final payment to
// the payment contract. It is the single source of truth for both the
// subscription pipeline and client-invoked verification.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/ledger"
	"github.com/alanyoungcy/chainrecon/internal/metrics"
)

// Ledger is the read side of the ledger client.
type Ledger interface {
	Receipt(ctx context.Context, txRef common.Hash) (*types.Receipt, error)
	Transaction(ctx context.Context, txRef common.Hash) (*ledger.TxDetails, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config holds the verification policy of one network profile.
type Config struct {
	PaymentContract       common.Address
	Confirmations         uint64
	MaxAttempts           int
	RetryDelay            time.Duration
	AcceptDirectTransfers bool
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customises a Verifier.
type Option func(*Verifier)

// WithSleeper replaces the retry wait. Tests use it to fast-forward.
func WithSleeper(s Sleeper) Option {
	return func(v *Verifier) { v.sleep = s }
}

// WithClock replaces the time source used for VerifiedAt.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// Verifier runs the verification state machine. It is safe for concurrent
// use.
type Verifier struct {
	ledger Ledger
	tokens *ledger.TokenTable
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	sleep  Sleeper
	now    func() time.Time
}

// New creates a Verifier.
func New(l Ledger, tokens *ledger.TokenTable, cfg Config, logger *slog.Logger, opts ...Option) *Verifier {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	v := &Verifier{
		ledger: l,
		tokens: tokens,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "verifier")),
		tracer: otel.Tracer("github.com/alanyoungcy/chainrecon/internal/verifier"),
		sleep:  sleepCtx,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Threshold returns the confirmation depth required by the active network.
func (v *Verifier) Threshold() uint64 { return v.cfg.Confirmations }

// Verify checks txRef and, when expectedOrderRef is non-empty, that the
// payment was made for that order. On failure the returned error is a
// *domain.PaymentError and the result carries Valid=false and the reason.
func (v *Verifier) Verify(ctx context.Context, txRef common.Hash, expectedOrderRef string) (domain.VerificationResult, error) {
	ctx, span := v.tracer.Start(ctx, "verifier.Verify", trace.WithAttributes(
		attribute.String("tx_ref", txRef.Hex()),
		attribute.String("expected_order_ref", expectedOrderRef),
	))
	defer span.End()

	start := time.Now()
	res, err := v.run(ctx, txRef, expectedOrderRef)
	res.TxRef = txRef

	m := metrics.Default()
	if err != nil {
		res.Valid = false
		res.FailureReason = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, domain.ErrorKind(err))
		m.Verifications.WithLabelValues(domain.ErrorKind(err)).Inc()
		m.VerificationDuration.WithLabelValues(domain.ErrorKind(err), modeLabel(res.Mode)).Observe(time.Since(start).Seconds())

		level := slog.LevelWarn
		if domain.IsTransient(err) || errors.Is(err, context.Canceled) {
			level = slog.LevelInfo
		}
		v.logger.Log(ctx, level, "verification failed",
			slog.String("tx_ref", txRef.Hex()),
			slog.String("kind", domain.ErrorKind(err)),
			slog.String("error", err.Error()),
		)
		return res, err
	}

	span.SetAttributes(
		attribute.String("mode", string(res.Mode)),
		attribute.String("order_ref", res.OrderRef),
		attribute.Int64("confirmations", int64(res.Confirmations)),
	)
	m.Verifications.WithLabelValues("valid").Inc()
	m.VerificationDuration.WithLabelValues("valid", modeLabel(res.Mode)).Observe(time.Since(start).Seconds())

	attrs := []any{
		slog.String("tx_ref", txRef.Hex()),
		slog.String("order_ref", res.OrderRef),
		slog.String("amount", res.Amount.String()),
		slog.String("token", res.TokenSymbol),
		slog.String("mode", string(res.Mode)),
		slog.Uint64("confirmations", res.Confirmations),
	}
	if res.Warning != "" {
		v.logger.WarnContext(ctx, "payment verified with warning", append(attrs, slog.String("warning", res.Warning))...)
	} else {
		v.logger.InfoContext(ctx, "payment verified", attrs...)
	}
	return res, nil
}

// modeLabel names the verification mode for metrics; failures before the
// mode is known report "none".
func modeLabel(mode domain.PaymentMode) string {
	if mode == "" {
		return "none"
	}
	return string(mode)
}

// evaluate runs the log-shape, event-location, decode, and cross-check steps
// on a fetched transaction that is successful and sufficiently confirmed.
func (v *Verifier) evaluate(f fetched, expectedOrderRef string) (domain.VerificationResult, error) {
	txHex := f.tx.Hash.Hex()
	res := domain.VerificationResult{
		BlockNumber:   f.receipt.BlockNumber.Uint64(),
		Confirmations: f.confirmations,
		VerifiedAt:    v.now().UTC(),
	}

	if len(f.receipt.Logs) == 0 {
		return v.evaluateDirectTransfer(f, res)
	}

	var (
		ours  []*types.Log
		other common.Address
	)
	for _, lg := range f.receipt.Logs {
		if lg == nil {
			continue
		}
		if lg.Address == v.cfg.PaymentContract {
			ours = append(ours, lg)
		} else if other == (common.Address{}) {
			other = lg.Address
		}
	}
	if len(ours) == 0 {
		return res, domain.Mismatch(domain.ErrWrongContract, txHex, v.cfg.PaymentContract.Hex(), other.Hex())
	}

	var event *types.Log
	for _, lg := range ours {
		if len(lg.Topics) > 0 && lg.Topics[0] == ledger.PaymentReceivedTopic {
			event = lg
			break
		}
	}
	if event == nil {
		return res, domain.NewPaymentError(domain.ErrMalformedEvent, txHex, "payment contract emitted no PaymentReceived event")
	}

	pl, err := ledger.DecodePaymentLog(*event)
	if err != nil {
		return res, domain.NewPaymentError(domain.ErrMalformedEvent, txHex, err.Error())
	}
	ref, err := resolveOrderRef(f.tx.Input, pl.OrderRefHash, expectedOrderRef)
	if err != nil {
		return res, domain.NewPaymentError(domain.ErrMalformedEvent, txHex, err.Error())
	}
	if expectedOrderRef != "" && ref != expectedOrderRef {
		return res, domain.Mismatch(domain.ErrOrderMismatch, txHex, expectedOrderRef, ref)
	}

	tok := v.tokens.Lookup(pl.Token)
	res.Valid = true
	res.Mode = domain.ModeEventBacked
	res.OrderRef = ref
	res.Payer = pl.Payer
	res.Token = pl.Token
	res.TokenSymbol = tok.Symbol
	res.RawAmount = pl.Amount
	res.Amount = tok.Scale(pl.Amount)
	if !tok.Known {
		res.Warning = fmt.Sprintf("token %s is not in the token table; amount assumes %d decimals", pl.Token.Hex(), tok.Decimals)
	}
	return res, nil
}

// evaluateDirectTransfer accepts a bare value transfer to the payment
// contract. The order reference cannot be recovered, so the result carries a
// warning and the payment is routed to manual audit.
func (v *Verifier) evaluateDirectTransfer(f fetched, res domain.VerificationResult) (domain.VerificationResult, error) {
	txHex := f.tx.Hash.Hex()
	toContract := f.tx.To != nil && *f.tx.To == v.cfg.PaymentContract
	hasValue := f.tx.Value != nil && f.tx.Value.Sign() > 0
	if !toContract || !hasValue {
		return res, domain.NewPaymentError(domain.ErrInvalidPayment, txHex, "no logs and not a value transfer to the payment contract")
	}
	if !v.cfg.AcceptDirectTransfers {
		return res, domain.NewPaymentError(domain.ErrInvalidPayment, txHex, "direct transfers to the payment contract are not accepted")
	}

	native := v.tokens.Native()
	res.Valid = true
	res.Mode = domain.ModeDirectTransfer
	res.Payer = f.tx.From
	res.Token = ledger.NativeToken
	res.TokenSymbol = native.Symbol
	res.RawAmount = f.tx.Value
	res.Amount = native.Scale(f.tx.Value)
	res.Warning = "direct transfer without payOrder call: order reference unknown, queued for manual audit"
	return res, nil
}

// resolveOrderRef recovers the plaintext order reference from call data and
// checks it against the hashed topic. When the call data is not a payOrder
// call (the contract was reached through a forwarder), a caller-supplied
// expected reference is accepted if it hashes to the topic.
func resolveOrderRef(input []byte, topic common.Hash, expected string) (string, error) {
	call, err := ledger.DecodePayOrder(input)
	if err == nil {
		if ledger.OrderRefHash(call.OrderRef) != topic {
			return "", errors.New("call data order reference does not match the event topic")
		}
		return call.OrderRef, nil
	}
	if expected != "" && ledger.OrderRefHash(expected) == topic {
		return expected, nil
	}
	return "", fmt.Errorf("order reference not recoverable: %w", err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
