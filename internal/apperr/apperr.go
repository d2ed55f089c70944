package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an operational error with a stable machine-readable code and the
// HTTP status it maps to.
type Error struct {
	Code    string
	Message string
	Status  int
	Meta    map[string]any
	Err     error
}

// New builds an Error.
func New(code, message string, status int) *Error {
	return &Error{Code: code, Message: message, Status: status}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, apperr.ErrOrderNotFound).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithMeta returns a copy of e carrying an extra metadata entry.
func (e *Error) WithMeta(key string, value any) *Error {
	cp := *e
	cp.Meta = make(map[string]any, len(e.Meta)+1)
	for k, v := range e.Meta {
		cp.Meta[k] = v
	}
	cp.Meta[key] = value
	return &cp
}

// Wrap returns a copy of e with cause attached.
func (e *Error) Wrap(cause error) *Error {
	cp := *e
	cp.Err = cause
	return &cp
}

// WithMessage returns a copy of e with a different human message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// From extracts an *Error from err's chain.
func From(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	e, ok := From(err)
	return ok && e.Code == code
}

var (
	ErrOrderNotFound       = New("ORDER_NOT_FOUND", "order not found", http.StatusNotFound)
	ErrForbidden           = New("FORBIDDEN", "order does not belong to user", http.StatusForbidden)
	ErrOrderNotPending     = New("ORDER_NOT_PENDING", "order is not pending", http.StatusConflict)
	ErrInvalidTransition   = New("INVALID_TRANSITION", "invalid order status transition", http.StatusConflict)
	ErrProductUnavailable  = New("PRODUCT_UNAVAILABLE", "product is not available", http.StatusUnprocessableEntity)
	ErrProductAlreadyOwned = New("PRODUCT_ALREADY_OWNED", "user already owns this product", http.StatusConflict)
	ErrInvalidPromo        = New("INVALID_PROMO", "promotion code is invalid or expired", http.StatusUnprocessableEntity)
	ErrCurrencyMismatch    = New("CURRENCY_MISMATCH", "currency does not match product currency", http.StatusUnprocessableEntity)
	ErrAmountTooLow        = New("AMOUNT_TOO_LOW", "order total is below the minimum", http.StatusUnprocessableEntity)
	ErrAmountTooHigh       = New("AMOUNT_TOO_HIGH", "order total is above the maximum", http.StatusUnprocessableEntity)
	ErrDailyLimitExceeded  = New("DAILY_LIMIT_EXCEEDED", "daily order limit reached", http.StatusTooManyRequests)
	ErrNotRefundable       = New("NOT_REFUNDABLE", "order is not refundable", http.StatusConflict)
	ErrTxNotFound          = New("TX_NOT_FOUND", "approved transaction not found", http.StatusNotFound)
	ErrRefundAmountInvalid = New("REFUND_AMOUNT_INVALID", "refund amount must be positive and not exceed the order total", http.StatusUnprocessableEntity)
	ErrGatewayMismatch     = New("GATEWAY_MISMATCH", "payment was collected by a gateway that is not enabled", http.StatusConflict)
	ErrGateway             = New("GATEWAY_ERROR", "payment gateway error", http.StatusBadGateway)
	ErrInvalidSignature    = New("INVALID_WEBHOOK_SIGNATURE", "invalid webhook signature", http.StatusUnauthorized)
	ErrUnknownGateway      = New("UNKNOWN_GATEWAY", "unknown payment gateway", http.StatusBadRequest)
	ErrValidation          = New("VALIDATION_ERROR", "invalid request", http.StatusBadRequest)
	ErrIdempotencyRequired = New("IDEMPOTENCY_KEY_REQUIRED", "Idempotency-Key of at least 16 characters is required", http.StatusBadRequest)
	ErrUnauthorized        = New("UNAUTHORIZED", "authentication required", http.StatusUnauthorized)
	ErrRateLimitExceeded   = New("RATE_LIMIT_EXCEEDED", "too many requests", http.StatusTooManyRequests)
	ErrFraudBlocked        = New("FRAUD_BLOCKED", "request blocked", http.StatusForbidden)
	ErrFraudVelocity       = New("FRAUD_VELOCITY_EXCEEDED", "too many failed attempts", http.StatusTooManyRequests)
	ErrInternal            = New("INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
)
