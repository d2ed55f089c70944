package api

import "payment-service/internal/ports"

const minIdempotencyKeyLen = 16

type buyerRequest struct {
	Email    string `json:"email" binding:"omitempty,email"`
	FullName string `json:"full_name" binding:"omitempty,max=200"`
	Phone    string `json:"phone" binding:"omitempty,max=32"`
}

func (b *buyerRequest) toPort() ports.Buyer {
	if b == nil {
		return ports.Buyer{}
	}
	return ports.Buyer{Email: b.Email, FullName: b.FullName, Phone: b.Phone}
}

type createOrderRequest struct {
	ProductID      string        `json:"product_id" binding:"required,max=64"`
	Currency       string        `json:"currency" binding:"omitempty,len=3,alpha"`
	CountryCode    string        `json:"country_code" binding:"omitempty,len=2,alpha"`
	PromoCode      string        `json:"promo_code" binding:"omitempty,max=64"`
	IdempotencyKey string        `json:"idempotency_key" binding:"omitempty,max=128"`
	Buyer          *buyerRequest `json:"buyer"`
}

type payOrderRequest struct {
	Gateway string        `json:"gateway" binding:"omitempty,max=32"`
	Buyer   *buyerRequest `json:"buyer"`
}

type refundRequest struct {
	AmountCents *int64 `json:"amount_cents" binding:"omitempty,gt=0"`
	Reason      string `json:"reason" binding:"omitempty,max=500"`
}

type orderURI struct {
	OrderID string `uri:"orderId" binding:"required,uuid"`
}
