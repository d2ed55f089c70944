package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when an order status change is not in the
// transition table.
var ErrInvalidTransition = errors.New("order: invalid status transition")

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusPaid       OrderStatus = "PAID"
	OrderStatusFailed     OrderStatus = "FAILED"
	OrderStatusRefunded   OrderStatus = "REFUNDED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusPaid, OrderStatusFailed},
	OrderStatusPaid:       {OrderStatusRefunded},
	OrderStatusFailed:     {OrderStatusPending},
	OrderStatusRefunded:   {},
	OrderStatusCancelled:  {},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// Order is one purchase intent for a single product.
type Order struct {
	ID             string      `db:"order_id" json:"order_id"`
	UserID         string      `db:"user_id" json:"user_id"`
	ProductID      string      `db:"product_id" json:"product_id"`
	BaseAmount     int64       `db:"base_amount" json:"base_amount"`
	TaxAmount      int64       `db:"tax_amount" json:"tax_amount"`
	DiscountAmount int64       `db:"discount_amount" json:"discount_amount"`
	TotalAmount    int64       `db:"total_amount" json:"total_amount"`
	Currency       string      `db:"currency" json:"currency"`
	Status         OrderStatus `db:"status" json:"status"`
	IdempotencyKey string      `db:"idempotency_key" json:"-"`
	PromotionID    *string     `db:"promotion_id" json:"promotion_id,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time   `db:"updated_at" json:"updated_at"`
}

// NewOrder builds a PENDING order from a priced breakdown.
func NewOrder(id, userID, productID, idempotencyKey string, pricing Pricing, promotionID *string) *Order {
	now := time.Now().UTC()
	return &Order{
		ID:             id,
		UserID:         userID,
		ProductID:      productID,
		BaseAmount:     pricing.Base.Cents(),
		TaxAmount:      pricing.Tax.Cents(),
		DiscountAmount: pricing.Discount.Cents(),
		TotalAmount:    pricing.Total.Cents(),
		Currency:       pricing.Total.Currency(),
		Status:         OrderStatusPending,
		IdempotencyKey: idempotencyKey,
		PromotionID:    promotionID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (o *Order) IsPending() bool    { return o.Status == OrderStatusPending }
func (o *Order) IsPaid() bool       { return o.Status == OrderStatusPaid }
func (o *Order) IsRefundable() bool { return o.Status == OrderStatusPaid }

func (o *Order) IsCancellable() bool {
	return o.Status == OrderStatusPending || o.Status == OrderStatusProcessing
}

// TransitionTo moves the order to next, leaving it untouched if the change is
// not allowed.
func (o *Order) TransitionTo(next OrderStatus) error {
	if !o.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, next)
	}
	o.Status = next
	o.UpdatedAt = time.Now().UTC()
	return nil
}

// Total returns the order total as Money.
func (o *Order) Total() (Money, error) {
	return NewMoney(o.TotalAmount, o.Currency)
}

// CheckAmounts verifies total = base + tax - discount.
func (o *Order) CheckAmounts() error {
	if o.BaseAmount+o.TaxAmount-o.DiscountAmount != o.TotalAmount {
		return fmt.Errorf("order %s: total %d != %d + %d - %d",
			o.ID, o.TotalAmount, o.BaseAmount, o.TaxAmount, o.DiscountAmount)
	}
	return nil
}
