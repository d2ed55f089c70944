package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-service/internal/apperr"
	"payment-service/internal/models"
	"payment-service/internal/ports"
	"payment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type RefundInput struct {
	OrderID string
	UserID  string
	// AmountCents defaults to the full order total when nil.
	AmountCents *int64
	Reason      string
	RequestedBy string
	IPAddress   string
}

type RefundResult struct {
	Refund *models.Refund `json:"refund"`
	Order  *models.Order  `json:"order"`
}

// RefundPaymentUseCase reverses a PAID order through the gateway that
// collected it.
type RefundPaymentUseCase struct {
	repo      ports.PaymentRepository
	gateways  ports.GatewayResolver
	publisher ports.EventPublisher
	logger    *zap.Logger
}

func NewRefundPaymentUseCase(repo ports.PaymentRepository, gateways ports.GatewayResolver, publisher ports.EventPublisher, logger *zap.Logger) *RefundPaymentUseCase {
	return &RefundPaymentUseCase{
		repo:      repo,
		gateways:  gateways,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "refund")),
	}
}

func (uc *RefundPaymentUseCase) Execute(ctx context.Context, in RefundInput) (*RefundResult, error) {
	ctx, span := util.StartSpan(ctx, "RefundPaymentUseCase.Execute")
	defer span.End()

	if in.RequestedBy == "" {
		in.RequestedBy = in.UserID
	}

	order, ptx, amount, err := uc.prepare(ctx, in)
	if err != nil {
		return nil, err
	}
	gw, err := uc.gateways.Get(ptx.GatewayName)
	if err != nil {
		return nil, apperr.ErrGatewayMismatch.WithMeta("gateway", ptx.GatewayName)
	}
	log := uc.logger.With(
		zap.String("order_id", order.ID),
		zap.String("transaction_id", ptx.ID),
		zap.String("gateway", gw.Name()))

	gwRefund, err := gw.Refund(ctx, ports.RefundRequest{
		GatewayOrderID: ptx.GatewayOrderID,
		AmountCents:    amount,
		Currency:       order.Currency,
		Reason:         in.Reason,
		IdempotencyKey: "refund-" + order.ID,
	})
	if err != nil {
		log.Error("Gateway refund failed", zap.Int64("amount", amount), zap.Error(err))
		return nil, apperr.ErrGateway.Wrap(err).WithMeta("order_id", order.ID)
	}

	refund := &models.Refund{
		ID:              uuid.NewString(),
		TransactionID:   ptx.ID,
		OrderID:         order.ID,
		Amount:          amount,
		Currency:        order.Currency,
		Reason:          in.Reason,
		GatewayRefundID: gwRefund.RefundID,
		RequestedBy:     in.RequestedBy,
		Status:          models.RefundStatusCompleted,
		CreatedAt:       time.Now().UTC(),
	}
	order, err = uc.complete(ctx, in, refund, gwRefund)
	if err != nil {
		log.Error("Refund accepted by gateway but not recorded",
			zap.String("gateway_refund_id", gwRefund.RefundID), zap.Error(err))
		return nil, err
	}

	util.RefundsTotal.Inc()
	util.RefundedCentsTotal.WithLabelValues(refund.Currency).Add(float64(refund.Amount))
	log.Info("Refund completed",
		zap.String("refund_id", refund.ID),
		zap.Int64("amount", refund.Amount),
		zap.String("gateway_refund_id", refund.GatewayRefundID))

	if err := uc.publisher.PublishRefundCompleted(ctx, models.NewRefundCompletedEvent(refund)); err != nil {
		log.Error("Failed to publish RefundCompleted event", zap.Error(err))
	}
	return &RefundResult{Refund: refund, Order: order}, nil
}

// prepare validates the refund under the order lock and commits before the
// gateway is called.
func (uc *RefundPaymentUseCase) prepare(ctx context.Context, in RefundInput) (*models.Order, *models.PaymentTransaction, int64, error) {
	tx, err := uc.repo.BeginTx(ctx)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(uc.logger, tx)

	order, err := lockOwnedOrder(ctx, uc.repo, tx, in.OrderID, in.UserID)
	if err != nil {
		return nil, nil, 0, err
	}
	if !order.IsRefundable() {
		return nil, nil, 0, apperr.ErrNotRefundable.WithMeta("status", string(order.Status))
	}

	ptx, err := uc.repo.GetApprovedTransaction(ctx, tx, order.ID)
	if errors.Is(err, ports.ErrNotFound) {
		return nil, nil, 0, apperr.ErrTxNotFound.WithMeta("order_id", order.ID)
	}
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to load approved transaction: %w", err)
	}

	amount := order.TotalAmount
	if in.AmountCents != nil {
		amount = *in.AmountCents
	}
	if amount <= 0 || amount > order.TotalAmount {
		return nil, nil, 0, apperr.ErrRefundAmountInvalid.
			WithMeta("amount", amount).WithMeta("max", order.TotalAmount)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, 0, fmt.Errorf("failed to commit refund check: %w", err)
	}
	return order, ptx, amount, nil
}

func (uc *RefundPaymentUseCase) complete(ctx context.Context, in RefundInput, refund *models.Refund, gwRefund *ports.RefundResult) (*models.Order, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	tx, err := uc.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(uc.logger, tx)

	order, err := uc.repo.LockOrder(ctx, tx, refund.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock order: %w", err)
	}
	if !order.IsRefundable() {
		return nil, apperr.ErrNotRefundable.WithMeta("status", string(order.Status))
	}
	ptx, err := uc.repo.GetTransactionByID(ctx, tx, refund.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}

	if err := uc.repo.CreateRefund(ctx, tx, refund); err != nil {
		return nil, fmt.Errorf("failed to create refund: %w", err)
	}
	meta := withIP(map[string]any{
		"refund_id": refund.ID,
		"amount":    refund.Amount,
		"reason":    refund.Reason,
	}, in.IPAddress)
	if err := transitionOrder(ctx, uc.repo, tx, order, models.OrderStatusRefunded, in.RequestedBy, copyMeta(meta)); err != nil {
		return nil, err
	}
	update := ports.TransactionUpdate{Status: models.TxStatusRefunded, RawResponse: rawOrEmpty(gwRefund.RawResponse)}
	if err := updateTransactionStatus(ctx, uc.repo, tx, ptx, update, models.AuditTxStatusChanged, in.RequestedBy, copyMeta(meta)); err != nil {
		return nil, err
	}
	refundMeta := withIP(map[string]any{
		"order_id":          refund.OrderID,
		"transaction_id":    refund.TransactionID,
		"amount":            refund.Amount,
		"currency":          refund.Currency,
		"reason":            refund.Reason,
		"gateway_refund_id": refund.GatewayRefundID,
		"gateway_status":    gwRefund.Status,
	}, in.IPAddress)
	entry := models.NewAuditEntry(models.EntityRefund, refund.ID, models.AuditRefundCompleted,
		"", refund.Status, in.RequestedBy, refundMeta)
	if err := uc.repo.CreateAuditLog(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("failed to write audit log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit refund: %w", err)
	}
	return order, nil
}
