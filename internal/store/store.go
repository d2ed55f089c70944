// Package store is the PostgreSQL PaymentRepository.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/ports"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const uniqueViolation = "23505"

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string, maxOpenConns int) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = 25
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// pgTx is the ports.Tx handed to use-cases.
type pgTx struct {
	*sqlx.Tx
}

func (s *Store) BeginTx(ctx context.Context) (ports.Tx, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return pgTx{tx}, nil
}

func asTx(t ports.Tx) (*sqlx.Tx, error) {
	pt, ok := t.(pgTx)
	if !ok {
		return nil, fmt.Errorf("store: unexpected transaction type %T", t)
	}
	return pt.Tx, nil
}

// notFound maps sql.ErrNoRows to ports.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ports.ErrNotFound
	}
	return err
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// jsonParam renders a JSON document as a text parameter: lib/pq sends
// []byte as bytea, which jsonb columns reject.
func jsonParam(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// nullString stores empty strings as NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// SeedProduct upserts a product and its stock counters.
func (s *Store) SeedProduct(ctx context.Context, p models.Product, available int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (product_id, name, price_cents, currency, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (product_id) DO UPDATE
		SET name = EXCLUDED.name, price_cents = EXCLUDED.price_cents,
		    currency = EXCLUDED.currency, is_active = EXCLUDED.is_active`,
		p.ID, p.Name, p.PriceCents, p.Currency, p.IsActive)
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO product_stock (product_id, available_stock, reserved_stock)
		VALUES ($1, $2, 0)
		ON CONFLICT (product_id) DO UPDATE SET available_stock = EXCLUDED.available_stock, updated_at = NOW()`,
		p.ID, available)
	if err != nil {
		return fmt.Errorf("failed to upsert stock: %w", err)
	}

	return tx.Commit()
}

var _ ports.PaymentRepository = (*Store)(nil)
