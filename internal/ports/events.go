package ports

import (
	"context"

	"payment-service/internal/models"
)

// EventPublisher emits domain events after a unit of work commits.
type EventPublisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishPaymentInitiated(ctx context.Context, event *models.PaymentInitiatedEvent) error
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error
	PublishRefundCompleted(ctx context.Context, event *models.RefundCompletedEvent) error
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) PublishOrderCreated(context.Context, *models.OrderCreatedEvent) error {
	return nil
}
func (NopPublisher) PublishPaymentInitiated(context.Context, *models.PaymentInitiatedEvent) error {
	return nil
}
func (NopPublisher) PublishOrderPaid(context.Context, *models.OrderPaidEvent) error { return nil }
func (NopPublisher) PublishOrderFailed(context.Context, *models.OrderFailedEvent) error {
	return nil
}
func (NopPublisher) PublishRefundCompleted(context.Context, *models.RefundCompletedEvent) error {
	return nil
}
