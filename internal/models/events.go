package models

import (
	"time"

	"github.com/google/uuid"
)

// Event types
const (
	EventTypeOrderCreated     = "ORDER_CREATED"
	EventTypePaymentInitiated = "PAYMENT_INITIATED"
	EventTypeOrderPaid        = "ORDER_PAID"
	EventTypeOrderFailed      = "ORDER_FAILED"
	EventTypeRefundCompleted  = "REFUND_COMPLETED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

func newBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// OrderCreatedEvent published when a priced order is persisted
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     string `json:"order_id"`
	UserID      string `json:"user_id"`
	ProductID   string `json:"product_id"`
	TotalAmount int64  `json:"total_amount"`
	Currency    string `json:"currency"`
}

func NewOrderCreatedEvent(o *Order) *OrderCreatedEvent {
	return &OrderCreatedEvent{
		BaseEvent:   newBaseEvent(EventTypeOrderCreated),
		OrderID:     o.ID,
		UserID:      o.UserID,
		ProductID:   o.ProductID,
		TotalAmount: o.TotalAmount,
		Currency:    o.Currency,
	}
}

// PaymentInitiatedEvent published when the gateway accepted a payment intent
type PaymentInitiatedEvent struct {
	BaseEvent
	OrderID        string `json:"order_id"`
	TransactionID  string `json:"transaction_id"`
	Gateway        string `json:"gateway"`
	GatewayOrderID string `json:"gateway_order_id"`
}

func NewPaymentInitiatedEvent(orderID, transactionID, gateway, gatewayOrderID string) *PaymentInitiatedEvent {
	return &PaymentInitiatedEvent{
		BaseEvent:      newBaseEvent(EventTypePaymentInitiated),
		OrderID:        orderID,
		TransactionID:  transactionID,
		Gateway:        gateway,
		GatewayOrderID: gatewayOrderID,
	}
}

// OrderPaidEvent published when payment is confirmed and inventory granted
type OrderPaidEvent struct {
	BaseEvent
	OrderID       string `json:"order_id"`
	UserID        string `json:"user_id"`
	ProductID     string `json:"product_id"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

func NewOrderPaidEvent(o *Order, transactionID string) *OrderPaidEvent {
	return &OrderPaidEvent{
		BaseEvent:     newBaseEvent(EventTypeOrderPaid),
		OrderID:       o.ID,
		UserID:        o.UserID,
		ProductID:     o.ProductID,
		TransactionID: transactionID,
		Amount:        o.TotalAmount,
		Currency:      o.Currency,
	}
}

// OrderFailedEvent published when an order ends in FAILED
type OrderFailedEvent struct {
	BaseEvent
	OrderID       string `json:"order_id"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

func NewOrderFailedEvent(orderID, transactionID, reason string) *OrderFailedEvent {
	return &OrderFailedEvent{
		BaseEvent:     newBaseEvent(EventTypeOrderFailed),
		OrderID:       orderID,
		TransactionID: transactionID,
		Reason:        reason,
	}
}

// RefundCompletedEvent published after a refund is recorded
type RefundCompletedEvent struct {
	BaseEvent
	OrderID  string `json:"order_id"`
	RefundID string `json:"refund_id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Reason   string `json:"reason"`
}

func NewRefundCompletedEvent(r *Refund) *RefundCompletedEvent {
	return &RefundCompletedEvent{
		BaseEvent: newBaseEvent(EventTypeRefundCompleted),
		OrderID:   r.OrderID,
		RefundID:  r.ID,
		Amount:    r.Amount,
		Currency:  r.Currency,
		Reason:    r.Reason,
	}
}
