package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/chainrecon/internal/domain"
	"github.com/alanyoungcy/chainrecon/internal/ledger"
)

// state is a stage of one verification.
type state int

const (
	stateFetching state = iota
	stateWaitingConfirmations
	stateDone
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateFetching:
		return "fetching"
	case stateWaitingConfirmations:
		return "waiting_confirmations"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// fetched is everything one fetch cycle reads from the ledger.
type fetched struct {
	receipt       *types.Receipt
	tx            *ledger.TxDetails
	head          uint64
	confirmations uint64
}

// machine carries the state and attempt budget of one verification.
type machine struct {
	state    state
	attempts int
	lastErr  error
	result   domain.VerificationResult
	err      error
}

func (m *machine) finish(res domain.VerificationResult, err error) {
	m.result = res
	m.err = err
	if err != nil {
		m.state = stateFailed
	} else {
		m.state = stateDone
	}
}

// run drives the machine until it reaches Done or Failed. Each fetch cycle
// consumes one attempt; a missing transaction, a ledger outage, and too few
// confirmations all wait RetryDelay and start a new cycle while attempts
// remain. A reverted receipt fails at once.
func (v *Verifier) run(ctx context.Context, txRef common.Hash, expectedOrderRef string) (domain.VerificationResult, error) {
	m := &machine{state: stateFetching}
	txHex := txRef.Hex()

	for {
		switch m.state {
		case stateFetching, stateWaitingConfirmations:
			if m.attempts > 0 {
				if err := v.sleep(ctx, v.cfg.RetryDelay); err != nil {
					m.finish(domain.VerificationResult{}, err)
					continue
				}
			}
			m.attempts++
			v.step(ctx, m, txRef, expectedOrderRef)

			if (m.state == stateFetching || m.state == stateWaitingConfirmations) && m.attempts >= v.cfg.MaxAttempts {
				m.finish(domain.VerificationResult{}, exhausted(txHex, m.lastErr))
			}
		case stateDone, stateFailed:
			return m.result, m.err
		}
	}
}

// step performs one fetch cycle and moves the machine to its next state.
func (v *Verifier) step(ctx context.Context, m *machine, txRef common.Hash, expectedOrderRef string) {
	txHex := txRef.Hex()
	prev := m.state

	f, err := v.fetch(ctx, txRef)
	switch {
	case err == nil:
	case domain.IsTransient(err):
		m.lastErr = err
		m.state = stateFetching
		v.trace(ctx, txHex, prev, m, err)
		return
	default:
		m.finish(domain.VerificationResult{}, err)
		return
	}

	if f.receipt.Status != types.ReceiptStatusSuccessful {
		m.finish(domain.VerificationResult{}, domain.NewPaymentError(domain.ErrReverted, txHex,
			fmt.Sprintf("receipt status %d in block %d", f.receipt.Status, f.receipt.BlockNumber.Uint64())))
		return
	}

	if f.confirmations < v.cfg.Confirmations {
		m.lastErr = domain.NewPaymentError(domain.ErrConfirmationPending, txHex,
			fmt.Sprintf("%d of %d confirmations", f.confirmations, v.cfg.Confirmations))
		m.state = stateWaitingConfirmations
		v.trace(ctx, txHex, prev, m, m.lastErr)
		return
	}

	m.finish(v.evaluate(f, expectedOrderRef))
}

func (v *Verifier) trace(ctx context.Context, txHex string, prev state, m *machine, err error) {
	v.logger.DebugContext(ctx, "verification retry",
		slog.String("tx_ref", txHex),
		slog.String("from", prev.String()),
		slog.String("to", m.state.String()),
		slog.Int("attempt", m.attempts),
		slog.Int("max_attempts", v.cfg.MaxAttempts),
		slog.String("reason", err.Error()),
	)
}

// fetch reads receipt, transaction, and head for txRef and computes the
// confirmation depth as head minus the receipt's block.
func (v *Verifier) fetch(ctx context.Context, txRef common.Hash) (fetched, error) {
	receipt, err := v.ledger.Receipt(ctx, txRef)
	if err != nil {
		return fetched{}, err
	}
	if receipt.BlockNumber == nil {
		return fetched{}, fmt.Errorf("verifier: receipt without block number: %w", domain.ErrTxNotFound)
	}
	tx, err := v.ledger.Transaction(ctx, txRef)
	if err != nil {
		return fetched{}, err
	}
	head, err := v.ledger.BlockNumber(ctx)
	if err != nil {
		return fetched{}, err
	}

	block := receipt.BlockNumber.Uint64()
	var confirmations uint64
	if head > block {
		confirmations = head - block
	}
	return fetched{receipt: receipt, tx: tx, head: head, confirmations: confirmations}, nil
}

// exhausted converts the last transient error into the terminal-for-now
// error reported when the attempt budget runs out.
func exhausted(txHex string, last error) error {
	var pe *domain.PaymentError
	switch {
	case errors.As(last, &pe):
		return pe
	case errors.Is(last, domain.ErrTxNotFound):
		return domain.NewPaymentError(domain.ErrTxNotFound, txHex, "no receipt after all attempts")
	case errors.Is(last, domain.ErrLedgerUnavailable):
		return domain.NewPaymentError(domain.ErrLedgerUnavailable, txHex, last.Error())
	case last != nil:
		return last
	default:
		return domain.NewPaymentError(domain.ErrTxNotFound, txHex, "no attempts made")
	}
}
