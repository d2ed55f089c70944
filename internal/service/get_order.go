package service

import (
	"context"
	"errors"
	"fmt"

	"payment-service/internal/apperr"
	"payment-service/internal/models"
	"payment-service/internal/ports"
	"payment-service/internal/util"
)

// OrderQueries serves the read side of orders to their owners.
type OrderQueries struct {
	repo ports.PaymentRepository
}

func NewOrderQueries(repo ports.PaymentRepository) *OrderQueries {
	return &OrderQueries{repo: repo}
}

func (q *OrderQueries) GetOrder(ctx context.Context, orderID, userID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderQueries.GetOrder")
	defer span.End()

	order, err := q.repo.GetOrder(ctx, orderID)
	if errors.Is(err, ports.ErrNotFound) {
		return nil, apperr.ErrOrderNotFound.WithMeta("order_id", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if order.UserID != userID {
		return nil, apperr.ErrForbidden.WithMeta("order_id", orderID)
	}
	return order, nil
}

func (q *OrderQueries) AuditTrail(ctx context.Context, orderID, userID string) ([]models.AuditLogEntry, error) {
	if _, err := q.GetOrder(ctx, orderID, userID); err != nil {
		return nil, err
	}
	entries, err := q.repo.ListOrderAuditTrail(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit trail: %w", err)
	}
	return entries, nil
}
