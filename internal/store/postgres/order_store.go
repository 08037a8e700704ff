package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chainrecon/internal/domain"
)

// uniqueViolation is the SQLSTATE raised when a concurrent settlement of the
// same transaction wins the race to chain_tx_ref or processed_transactions.
const uniqueViolation = "23505"

// settleAttempts bounds the retry after a lost unique-constraint race. The
// second attempt always sees the winner in the processed index.
const settleAttempts = 2

const orderColumns = `
	ref, payment_status, workflow_status,
	expected_amount::text, expected_token,
	chain_tx_ref, chain_amount::text, chain_confirmations, chain_verified_at,
	settlement_mode, created_at, updated_at`

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

var _ domain.OrderStore = (*OrderStore)(nil)

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create registers a PENDING order. An identical re-registration returns the
// stored order.
func (s *OrderStore) Create(ctx context.Context, intent domain.PaymentIntent) (domain.Order, error) {
	query := `
		INSERT INTO orders (ref, expected_amount, expected_token)
		VALUES ($1, $2::numeric, $3)
		ON CONFLICT (ref) DO NOTHING
		RETURNING ` + orderColumns

	o, err := scanOrder(s.pool.QueryRow(ctx, query,
		intent.OrderRef, intent.ExpectedAmount.String(), tokenParam(intent.ExpectedToken),
	))
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("postgres: create order %s: %w", intent.OrderRef, err)
	}

	existing, err := s.GetByRef(ctx, intent.OrderRef)
	if err != nil {
		return domain.Order{}, err
	}
	if !existing.SameIntent(intent) {
		return domain.Order{}, fmt.Errorf("postgres: create order %s: %w", intent.OrderRef, domain.ErrAlreadyExists)
	}
	return existing, nil
}

// GetByRef retrieves an order by its reference.
func (s *OrderStore) GetByRef(ctx context.Context, ref string) (domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ref = $1`
	o, err := scanOrder(s.pool.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, fmt.Errorf("postgres: order %s: %w", ref, domain.ErrNotFound)
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", ref, err)
	}
	return o, nil
}

// Settle applies st inside one transaction. The order row is held with
// SELECT ... FOR UPDATE from the guard through the processed-index insert.
func (s *OrderStore) Settle(ctx context.Context, st domain.Settlement, guard domain.SettleGuard) (domain.SettleOutcome, error) {
	var (
		out domain.SettleOutcome
		err error
	)
	for attempt := 0; attempt < settleAttempts; attempt++ {
		out, err = s.settleOnce(ctx, st, guard)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			continue
		}
		return out, err
	}
	return out, err
}

func (s *OrderStore) settleOnce(ctx context.Context, st domain.Settlement, guard domain.SettleGuard) (domain.SettleOutcome, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return domain.SettleOutcome{}, fmt.Errorf("postgres: begin settle %s: %w", st.TxRef, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var settledRef string
	err = tx.QueryRow(ctx,
		`SELECT order_ref FROM processed_transactions WHERE tx_ref = $1`, st.TxRef,
	).Scan(&settledRef)
	switch {
	case err == nil:
		o, err := scanOrder(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE ref = $1`, settledRef))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return domain.SettleOutcome{}, domain.ErrOrderNotFound
			}
			return domain.SettleOutcome{}, fmt.Errorf("postgres: load settled order %s: %w", settledRef, err)
		}
		return domain.SettleOutcome{Order: o, Replayed: true}, tx.Commit(ctx)
	case !errors.Is(err, pgx.ErrNoRows):
		return domain.SettleOutcome{}, fmt.Errorf("postgres: replay check %s: %w", st.TxRef, err)
	}

	o, err := scanOrder(tx.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE ref = $1 FOR UPDATE`, st.OrderRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SettleOutcome{}, domain.ErrOrderNotFound
		}
		return domain.SettleOutcome{}, fmt.Errorf("postgres: lock order %s: %w", st.OrderRef, err)
	}
	if o.Completed() {
		return domain.SettleOutcome{Order: o}, tx.Commit(ctx)
	}
	if guard != nil {
		if err := guard(o); err != nil {
			return domain.SettleOutcome{Order: o}, err
		}
	}

	now := time.Now().UTC()
	o = o.Apply(st, now)

	tag, err := tx.Exec(ctx, `
		UPDATE orders SET
			payment_status = $2,
			workflow_status = $3,
			chain_tx_ref = $4,
			chain_amount = $5::numeric,
			chain_confirmations = $6,
			chain_verified_at = $7,
			settlement_mode = $8,
			updated_at = $9
		WHERE ref = $1 AND payment_status <> 'COMPLETED'`,
		o.Ref, string(o.PaymentStatus), string(o.WorkflowStatus),
		o.ChainTxRef, o.ChainAmount.String(), int64(o.ChainConfirmations), o.ChainVerifiedAt,
		string(o.SettlementMode), o.UpdatedAt,
	)
	if err != nil {
		return domain.SettleOutcome{}, fmt.Errorf("postgres: settle order %s: %w", o.Ref, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.SettleOutcome{}, fmt.Errorf("postgres: settle order %s: row changed under lock", o.Ref)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO processed_transactions (tx_ref, order_ref, processed_at) VALUES ($1, $2, $3)`,
		st.TxRef, o.Ref, now,
	); err != nil {
		return domain.SettleOutcome{}, fmt.Errorf("postgres: record processed tx %s: %w", st.TxRef, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.SettleOutcome{}, fmt.Errorf("postgres: commit settle %s: %w", st.TxRef, err)
	}
	return domain.SettleOutcome{Order: o, Applied: true}, nil
}

// GetProcessedTx looks a transaction up in the processed index.
func (s *OrderStore) GetProcessedTx(ctx context.Context, txRef string) (domain.ProcessedTx, error) {
	var p domain.ProcessedTx
	err := s.pool.QueryRow(ctx,
		`SELECT tx_ref, order_ref, processed_at FROM processed_transactions WHERE tx_ref = $1`, txRef,
	).Scan(&p.TxRef, &p.OrderRef, &p.ProcessedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ProcessedTx{}, fmt.Errorf("postgres: processed tx %s: %w", txRef, domain.ErrNotFound)
		}
		return domain.ProcessedTx{}, fmt.Errorf("postgres: get processed tx %s: %w", txRef, err)
	}
	return p, nil
}

// tokenParam maps an absent token expectation to NULL.
func tokenParam(token *common.Address) *string {
	if token == nil {
		return nil
	}
	hex := token.Hex()
	return &hex
}

// scanOrder reads a single order row selected with orderColumns.
func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o              domain.Order
		paymentStatus  string
		workflowStatus string
		expectedAmount string
		expectedToken  *string
		chainTxRef     *string
		chainAmount    *string
		confirmations  int64
		mode           *string
	)
	err := row.Scan(
		&o.Ref, &paymentStatus, &workflowStatus,
		&expectedAmount, &expectedToken,
		&chainTxRef, &chainAmount, &confirmations, &o.ChainVerifiedAt,
		&mode, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.PaymentStatus = domain.PaymentStatus(paymentStatus)
	o.WorkflowStatus = domain.WorkflowStatus(workflowStatus)
	if o.ExpectedAmount, err = decimal.NewFromString(expectedAmount); err != nil {
		return domain.Order{}, fmt.Errorf("parse expected_amount %q: %w", expectedAmount, err)
	}
	if expectedToken != nil {
		token := common.HexToAddress(*expectedToken)
		o.ExpectedToken = &token
	}
	if chainTxRef != nil {
		o.ChainTxRef = *chainTxRef
	}
	if chainAmount != nil {
		if o.ChainAmount, err = decimal.NewFromString(*chainAmount); err != nil {
			return domain.Order{}, fmt.Errorf("parse chain_amount %q: %w", *chainAmount, err)
		}
	}
	if confirmations > 0 {
		o.ChainConfirmations = uint64(confirmations)
	}
	if mode != nil {
		o.SettlementMode = domain.PaymentMode(*mode)
	}
	return o, nil
}
