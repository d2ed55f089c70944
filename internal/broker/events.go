package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"payment-service/internal/models"
	"payment-service/internal/ports"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes payment domain events to Kafka
type EventPublisher struct {
	producer *Producer
}

func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func orderKey(orderID string) string {
	return "order-" + orderID
}

func (ep *EventPublisher) PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

func (ep *EventPublisher) PublishPaymentInitiated(ctx context.Context, event *models.PaymentInitiatedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

func (ep *EventPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

func (ep *EventPublisher) PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

func (ep *EventPublisher) PublishRefundCompleted(ctx context.Context, event *models.RefundCompletedEvent) error {
	return ep.producer.PublishEvent(ctx, orderKey(event.OrderID), event.EventType, event)
}

var _ ports.EventPublisher = (*EventPublisher)(nil)

// EventHandler routes consumed payment events to registered callbacks.
// Unregistered event types are logged and skipped.
type EventHandler struct {
	logger        *zap.Logger
	onOrderPaid   func(context.Context, *models.OrderPaidEvent) error
	onOrderFailed func(context.Context, *models.OrderFailedEvent) error
	onRefund      func(context.Context, *models.RefundCompletedEvent) error
	onAny         func(context.Context, models.BaseEvent, []byte) error
}

func NewEventHandler(logger *zap.Logger) *EventHandler {
	return &EventHandler{logger: logger}
}

func (eh *EventHandler) OnOrderPaid(handler func(context.Context, *models.OrderPaidEvent) error) {
	eh.onOrderPaid = handler
}

func (eh *EventHandler) OnOrderFailed(handler func(context.Context, *models.OrderFailedEvent) error) {
	eh.onOrderFailed = handler
}

func (eh *EventHandler) OnRefundCompleted(handler func(context.Context, *models.RefundCompletedEvent) error) {
	eh.onRefund = handler
}

// OnAny receives every event before type-specific routing.
func (eh *EventHandler) OnAny(handler func(context.Context, models.BaseEvent, []byte) error) {
	eh.onAny = handler
}

// HandleMessage routes messages to the matching handler
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var base models.BaseEvent
	if err := json.Unmarshal(msg.Value, &base); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event", zap.String("event_type", base.EventType), zap.String("event_id", base.EventID))

	if eh.onAny != nil {
		if err := eh.onAny(ctx, base, msg.Value); err != nil {
			return err
		}
	}

	switch base.EventType {
	case models.EventTypeOrderPaid:
		if eh.onOrderPaid != nil {
			var event models.OrderPaidEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal %s event: %w", base.EventType, err)
			}
			return eh.onOrderPaid(ctx, &event)
		}

	case models.EventTypeOrderFailed:
		if eh.onOrderFailed != nil {
			var event models.OrderFailedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal %s event: %w", base.EventType, err)
			}
			return eh.onOrderFailed(ctx, &event)
		}

	case models.EventTypeRefundCompleted:
		if eh.onRefund != nil {
			var event models.RefundCompletedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal %s event: %w", base.EventType, err)
			}
			return eh.onRefund(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("event_type", base.EventType))
	}

	return nil
}
