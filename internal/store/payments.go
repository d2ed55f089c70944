package store

import (
	"context"
	"fmt"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/ports"
)

const transactionColumns = `transaction_id, order_id, gateway_name, COALESCE(gateway_order_id, '') AS gateway_order_id,
	status, amount, currency, gateway_raw_response, created_at, updated_at`

func (s *Store) CreateTransaction(ctx context.Context, t ports.Tx, ptx *models.PaymentTransaction) error {
	tx, err := asTx(t)
	if err != nil {
		return err
	}
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO payment_transactions
			(transaction_id, order_id, gateway_name, gateway_order_id, status, amount, currency, gateway_raw_response)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at`,
		ptx.ID, ptx.OrderID, ptx.GatewayName, nullString(ptx.GatewayOrderID), ptx.Status,
		ptx.Amount, ptx.Currency, jsonParam(ptx.GatewayRawResponse),
	).Scan(&ptx.CreatedAt, &ptx.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// UpdateTransaction keeps the stored gateway reference and raw response when
// the update leaves them empty. A second APPROVED transaction for the same
// order violates idx_transactions_one_approved and maps to ErrStatusConflict.
func (s *Store) UpdateTransaction(ctx context.Context, t ports.Tx, transactionID string, update ports.TransactionUpdate) error {
	tx, err := asTx(t)
	if err != nil {
		return err
	}
	var raw any
	if update.RawResponse != nil {
		raw = jsonParam(update.RawResponse)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = $1,
		    gateway_order_id = COALESCE(NULLIF($2, ''), gateway_order_id),
		    gateway_raw_response = COALESCE($3::jsonb, gateway_raw_response),
		    updated_at = NOW()
		WHERE transaction_id = $4`,
		update.Status, update.GatewayOrderID, raw, transactionID)
	if isUniqueViolation(err, "idx_transactions_one_approved") {
		return ports.ErrStatusConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (s *Store) GetTransactionByID(ctx context.Context, t ports.Tx, transactionID string) (*models.PaymentTransaction, error) {
	tx, err := asTx(t)
	if err != nil {
		return nil, err
	}
	var ptx models.PaymentTransaction
	err = tx.GetContext(ctx, &ptx,
		"SELECT "+transactionColumns+" FROM payment_transactions WHERE transaction_id = $1", transactionID)
	if err != nil {
		return nil, notFound(err)
	}
	return &ptx, nil
}

func (s *Store) GetApprovedTransaction(ctx context.Context, t ports.Tx, orderID string) (*models.PaymentTransaction, error) {
	tx, err := asTx(t)
	if err != nil {
		return nil, err
	}
	var ptx models.PaymentTransaction
	err = tx.GetContext(ctx, &ptx,
		"SELECT "+transactionColumns+" FROM payment_transactions WHERE order_id = $1 AND status = $2",
		orderID, models.TxStatusApproved)
	if err != nil {
		return nil, notFound(err)
	}
	return &ptx, nil
}

func (s *Store) FindTransactionByGatewayOrderID(ctx context.Context, gateway, gatewayOrderID string) (*models.PaymentTransaction, error) {
	var ptx models.PaymentTransaction
	err := s.db.GetContext(ctx, &ptx,
		"SELECT "+transactionColumns+" FROM payment_transactions WHERE gateway_name = $1 AND gateway_order_id = $2",
		gateway, gatewayOrderID)
	if err != nil {
		return nil, notFound(err)
	}
	return &ptx, nil
}

func (s *Store) ListStaleTransactions(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var txs []models.PaymentTransaction
	err := s.db.SelectContext(ctx, &txs, `
		SELECT `+transactionColumns+` FROM payment_transactions
		WHERE status IN ($1, $2) AND GREATEST(updated_at, checked_at) < $3
		ORDER BY GREATEST(updated_at, checked_at)
		LIMIT $4`,
		models.TxStatusInitiated, models.TxStatusPending, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale transactions: %w", err)
	}
	return txs, nil
}

// MarkTransactionChecked stamps checked_at; GREATEST ignores the NULL of a
// never checked row.
func (s *Store) MarkTransactionChecked(ctx context.Context, transactionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_transactions SET checked_at = $2 WHERE transaction_id = $1`, transactionID, at)
	if err != nil {
		return fmt.Errorf("failed to mark transaction checked: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

func (s *Store) CreateRefund(ctx context.Context, t ports.Tx, refund *models.Refund) error {
	tx, err := asTx(t)
	if err != nil {
		return err
	}
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO refunds (refund_id, transaction_id, order_id, amount, currency, reason,
			gateway_refund_id, requested_by, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		refund.ID, refund.TransactionID, refund.OrderID, refund.Amount, refund.Currency, refund.Reason,
		refund.GatewayRefundID, refund.RequestedBy, refund.Status,
	).Scan(&refund.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert refund: %w", err)
	}
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, t ports.Tx, entry *models.AuditLogEntry) error {
	tx, err := asTx(t)
	if err != nil {
		return err
	}
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO audit_logs (log_id, entity_type, entity_id, action, previous_status, new_status,
			actor_id, metadata, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		entry.ID, entry.EntityType, entry.EntityID, entry.Action,
		nullString(entry.PreviousStatus), nullString(entry.NewStatus),
		entry.ActorID, jsonParam(entry.Metadata), nullString(entry.IPAddress),
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

func (s *Store) ListOrderAuditTrail(ctx context.Context, orderID string) ([]models.AuditLogEntry, error) {
	var entries []models.AuditLogEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT log_id, entity_type, entity_id, action,
		       COALESCE(previous_status, '') AS previous_status, COALESCE(new_status, '') AS new_status,
		       actor_id, metadata, COALESCE(ip_address, '') AS ip_address, created_at
		FROM audit_logs
		WHERE (entity_type = $1 AND entity_id = $2)
		   OR (entity_type = $3 AND entity_id IN (SELECT transaction_id FROM payment_transactions WHERE order_id = $2))
		   OR (entity_type = $4 AND entity_id IN (SELECT refund_id FROM refunds WHERE order_id = $2))
		ORDER BY seq`,
		models.EntityOrder, orderID, models.EntityTransaction, models.EntityRefund)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit trail: %w", err)
	}
	return entries, nil
}
