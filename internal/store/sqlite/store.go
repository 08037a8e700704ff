// Package sqlite implements the order and audit stores on an embedded SQLite
// database through gorm. It backs single-node deployments and local
// development.
package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/alanyoungcy/chainrecon/internal/domain"
)

type orderRow struct {
	Ref                string  `gorm:"primaryKey"`
	PaymentStatus      string  `gorm:"not null;default:PENDING"`
	WorkflowStatus     string  `gorm:"not null;default:PENDING"`
	ExpectedAmount     string  `gorm:"not null;default:0"`
	ExpectedToken      *string
	ChainTxRef         *string `gorm:"uniqueIndex"`
	ChainAmount        string
	ChainConfirmations uint64
	ChainVerifiedAt    *time.Time
	SettlementMode     string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (orderRow) TableName() string { return "orders" }

type processedRow struct {
	TxRef       string `gorm:"primaryKey"`
	OrderRef    string `gorm:"index;not null"`
	ProcessedAt time.Time
}

func (processedRow) TableName() string { return "processed_transactions" }

type auditRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Event     string `gorm:"index;not null"`
	Detail    string
	CreatedAt time.Time
}

func (auditRow) TableName() string { return "audit_log" }

// Store implements domain.OrderStore and domain.AuditStore.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var (
	_ domain.OrderStore = (*Store)(nil)
	_ domain.AuditStore = (*Store)(nil)
)

// Open opens (creating if needed) the database at dsn and migrates the
// schema. SQLite allows one writer, so the pool is pinned to a single
// connection and every transaction is serialised.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", dsn, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite: pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&orderRow{}, &processedRow{}, &auditRow{}); err != nil {
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Ping checks the underlying connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Create(ctx context.Context, intent domain.PaymentIntent) (domain.Order, error) {
	now := s.now().UTC()
	row := orderRow{
		Ref:            intent.OrderRef,
		PaymentStatus:  string(domain.PaymentStatusPending),
		WorkflowStatus: string(domain.WorkflowPending),
		ExpectedAmount: intent.ExpectedAmount.String(),
		ExpectedToken:  tokenColumn(intent.ExpectedToken),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return domain.Order{}, fmt.Errorf("sqlite: create order %s: %w", intent.OrderRef, res.Error)
	}
	if res.RowsAffected == 1 {
		return row.toDomain()
	}

	existing, err := s.GetByRef(ctx, intent.OrderRef)
	if err != nil {
		return domain.Order{}, err
	}
	if !existing.SameIntent(intent) {
		return domain.Order{}, fmt.Errorf("sqlite: create order %s: %w", intent.OrderRef, domain.ErrAlreadyExists)
	}
	return existing, nil
}

func (s *Store) GetByRef(ctx context.Context, ref string) (domain.Order, error) {
	var row orderRow
	if err := s.db.WithContext(ctx).First(&row, "ref = ?", ref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Order{}, fmt.Errorf("sqlite: order %s: %w", ref, domain.ErrNotFound)
		}
		return domain.Order{}, fmt.Errorf("sqlite: get order %s: %w", ref, err)
	}
	return row.toDomain()
}

func (s *Store) Settle(ctx context.Context, st domain.Settlement, guard domain.SettleGuard) (domain.SettleOutcome, error) {
	var out domain.SettleOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior processedRow
		err := tx.First(&prior, "tx_ref = ?", st.TxRef).Error
		switch {
		case err == nil:
			o, err := loadOrder(tx, prior.OrderRef)
			if err != nil {
				return err
			}
			out = domain.SettleOutcome{Order: o, Replayed: true}
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("sqlite: replay check %s: %w", st.TxRef, err)
		}

		var row orderRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "ref = ?", st.OrderRef).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domain.ErrOrderNotFound
			}
			return fmt.Errorf("sqlite: lock order %s: %w", st.OrderRef, err)
		}
		o, err := row.toDomain()
		if err != nil {
			return err
		}
		out.Order = o
		if o.Completed() {
			return nil
		}
		if guard != nil {
			if err := guard(o); err != nil {
				return err
			}
		}

		now := s.now().UTC()
		o = o.Apply(st, now)
		res := tx.Model(&orderRow{}).
			Where("ref = ? AND payment_status <> ?", o.Ref, string(domain.PaymentStatusCompleted)).
			Updates(map[string]any{
				"payment_status":      string(o.PaymentStatus),
				"workflow_status":     string(o.WorkflowStatus),
				"chain_tx_ref":        o.ChainTxRef,
				"chain_amount":        o.ChainAmount.String(),
				"chain_confirmations": o.ChainConfirmations,
				"chain_verified_at":   o.ChainVerifiedAt,
				"settlement_mode":     string(o.SettlementMode),
				"updated_at":          o.UpdatedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("sqlite: settle order %s: %w", o.Ref, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("sqlite: settle order %s: row changed under lock", o.Ref)
		}
		if err := tx.Create(&processedRow{TxRef: st.TxRef, OrderRef: o.Ref, ProcessedAt: now}).Error; err != nil {
			return fmt.Errorf("sqlite: record processed tx %s: %w", st.TxRef, err)
		}
		out = domain.SettleOutcome{Order: o, Applied: true}
		return nil
	})
	if err != nil {
		return domain.SettleOutcome{Order: out.Order}, err
	}
	return out, nil
}

func (s *Store) GetProcessedTx(ctx context.Context, txRef string) (domain.ProcessedTx, error) {
	var row processedRow
	if err := s.db.WithContext(ctx).First(&row, "tx_ref = ?", txRef).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ProcessedTx{}, fmt.Errorf("sqlite: processed tx %s: %w", txRef, domain.ErrNotFound)
		}
		return domain.ProcessedTx{}, fmt.Errorf("sqlite: get processed tx %s: %w", txRef, err)
	}
	return domain.ProcessedTx{TxRef: row.TxRef, OrderRef: row.OrderRef, ProcessedAt: row.ProcessedAt}, nil
}

func (s *Store) Log(ctx context.Context, event string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	row := auditRow{Event: event, Detail: string(raw), CreatedAt: s.now().UTC()}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, event string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	q := s.db.WithContext(ctx).Model(&auditRow{})
	if event != "" {
		q = q.Where("event = ?", event)
	}
	if opts.Since != nil {
		q = q.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		q = q.Where("created_at <= ?", *opts.Until)
	}
	q = q.Order("id DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var rows []auditRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	entries := make([]domain.AuditEntry, 0, len(rows))
	for _, r := range rows {
		e := domain.AuditEntry{ID: r.ID, Event: r.Event, CreatedAt: r.CreatedAt}
		if r.Detail != "" {
			if err := json.Unmarshal([]byte(r.Detail), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail %d: %w", r.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func loadOrder(tx *gorm.DB, ref string) (domain.Order, error) {
	var row orderRow
	if err := tx.First(&row, "ref = ?", ref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("sqlite: load order %s: %w", ref, err)
	}
	return row.toDomain()
}

func tokenColumn(token *common.Address) *string {
	if token == nil {
		return nil
	}
	hex := token.Hex()
	return &hex
}

func (r orderRow) toDomain() (domain.Order, error) {
	o := domain.Order{
		Ref:                r.Ref,
		PaymentStatus:      domain.PaymentStatus(r.PaymentStatus),
		WorkflowStatus:     domain.WorkflowStatus(r.WorkflowStatus),
		ChainConfirmations: r.ChainConfirmations,
		ChainVerifiedAt:    r.ChainVerifiedAt,
		SettlementMode:     domain.PaymentMode(r.SettlementMode),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.ChainTxRef != nil {
		o.ChainTxRef = *r.ChainTxRef
	}
	if r.ExpectedToken != nil {
		token := common.HexToAddress(*r.ExpectedToken)
		o.ExpectedToken = &token
	}
	var err error
	if o.ExpectedAmount, err = decimal.NewFromString(r.ExpectedAmount); err != nil {
		return domain.Order{}, fmt.Errorf("sqlite: order %s expected_amount: %w", r.Ref, err)
	}
	if r.ChainAmount != "" {
		if o.ChainAmount, err = decimal.NewFromString(r.ChainAmount); err != nil {
			return domain.Order{}, fmt.Errorf("sqlite: order %s chain_amount: %w", r.Ref, err)
		}
	}
	return o, nil
}
