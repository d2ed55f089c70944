package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"payment-service/internal/apperr"
	"payment-service/internal/models"
	"payment-service/internal/ports"

	"go.uber.org/zap"
)

// Limits are the business bounds applied to new orders.
type Limits struct {
	MinAmountCents int64
	MaxAmountCents int64
	MaxDailyOrders int
}

// DefaultLimits mirrors the configuration defaults.
func DefaultLimits() Limits {
	return Limits{MinAmountCents: 100, MaxAmountCents: 100_000_000, MaxDailyOrders: 10}
}

// cleanupTimeout bounds the failure-recording unit of work, which runs even
// after the caller's context is cancelled.
const cleanupTimeout = 10 * time.Second

func rollback(logger *zap.Logger, tx ports.Tx) {
	if err := tx.Rollback(); err != nil {
		logger.Debug("Rollback after finished transaction", zap.Error(err))
	}
}

// cancelPayment closes a remote payment on gateways that support it.
func cancelPayment(ctx context.Context, gw ports.PaymentGateway, gatewayOrderID string) error {
	canceller, ok := gw.(ports.PaymentCanceller)
	if !ok {
		return nil
	}
	return canceller.CancelPayment(ctx, gatewayOrderID)
}

// lockOwnedOrder locks the order and checks it belongs to userID.
func lockOwnedOrder(ctx context.Context, repo ports.PaymentRepository, tx ports.Tx, orderID, userID string) (*models.Order, error) {
	order, err := repo.LockOrder(ctx, tx, orderID)
	if errors.Is(err, ports.ErrNotFound) {
		return nil, apperr.ErrOrderNotFound.WithMeta("order_id", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	if order.UserID != userID {
		return nil, apperr.ErrForbidden.WithMeta("order_id", orderID)
	}
	return order, nil
}

// transitionOrder applies the state machine to order and persists the change
// with its audit entry.
func transitionOrder(ctx context.Context, repo ports.PaymentRepository, tx ports.Tx, order *models.Order,
	next models.OrderStatus, actor string, meta map[string]any) error {
	prev := order.Status
	if err := order.TransitionTo(next); err != nil {
		return apperr.ErrInvalidTransition.Wrap(err).
			WithMeta("from", string(prev)).WithMeta("to", string(next))
	}
	if err := repo.UpdateOrderStatus(ctx, tx, order.ID, prev, next); err != nil {
		if errors.Is(err, ports.ErrStatusConflict) {
			return apperr.ErrInvalidTransition.Wrap(err)
		}
		return fmt.Errorf("failed to update order status: %w", err)
	}
	entry := models.NewAuditEntry(models.EntityOrder, order.ID, models.AuditOrderStatusChanged,
		string(prev), string(next), actor, meta)
	if err := repo.CreateAuditLog(ctx, tx, entry); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// updateTransactionStatus persists a payment transaction status change with
// its audit entry.
func updateTransactionStatus(ctx context.Context, repo ports.PaymentRepository, tx ports.Tx, ptx *models.PaymentTransaction,
	update ports.TransactionUpdate, action, actor string, meta map[string]any) error {
	prev := ptx.Status
	if err := repo.UpdateTransaction(ctx, tx, ptx.ID, update); err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}
	ptx.Status = update.Status
	if update.GatewayOrderID != "" {
		ptx.GatewayOrderID = update.GatewayOrderID
	}
	if meta == nil {
		meta = map[string]any{}
	}
	meta["order_id"] = ptx.OrderID
	meta["gateway"] = ptx.GatewayName
	entry := models.NewAuditEntry(models.EntityTransaction, ptx.ID, action,
		string(prev), string(update.Status), actor, meta)
	if err := repo.CreateAuditLog(ctx, tx, entry); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// failPayment marks the transaction with a failure status, moves the order
// PROCESSING -> FAILED and puts the reserved unit back into stock, all inside
// tx.
func failPayment(ctx context.Context, repo ports.PaymentRepository, tx ports.Tx, order *models.Order,
	ptx *models.PaymentTransaction, update ports.TransactionUpdate, txAction, actor string, meta map[string]any) error {
	if err := updateTransactionStatus(ctx, repo, tx, ptx, update, txAction, actor, copyMeta(meta)); err != nil {
		return err
	}
	if err := transitionOrder(ctx, repo, tx, order, models.OrderStatusFailed, actor, copyMeta(meta)); err != nil {
		return err
	}
	if err := repo.ReleaseProductReservation(ctx, tx, order.ProductID); err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	releaseMeta := copyMeta(meta)
	releaseMeta["product_id"] = order.ProductID
	entry := models.NewAuditEntry(models.EntityOrder, order.ID, models.AuditReservationReleased,
		"", "", actor, releaseMeta)
	if err := repo.CreateAuditLog(ctx, tx, entry); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

func copyMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func withIP(meta map[string]any, ip string) map[string]any {
	if ip != "" {
		meta["ip_address"] = ip
	}
	return meta
}

func rawOrEmpty(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return raw
}

func marshalError(err error) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"error": err.Error()})
}
