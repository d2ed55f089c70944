package ports

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"payment-service/internal/models"
)

var (
	// ErrNotFound is returned by repositories when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateIdempotencyKey is returned when an order with the same
	// idempotency key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
	// ErrStatusConflict is returned by guarded updates whose expected current
	// status no longer matches the row.
	ErrStatusConflict = errors.New("status conflict")
)

// Tx is a unit of work opened by PaymentRepository.BeginTx. Rollback after a
// successful Commit is a no-op.
type Tx interface {
	Commit() error
	Rollback() error
}

// TransactionUpdate carries the fields written when a payment transaction
// changes status. Empty GatewayOrderID and nil RawResponse leave the stored
// values untouched.
type TransactionUpdate struct {
	Status         models.TransactionStatus
	GatewayOrderID string
	RawResponse    json.RawMessage
}

// PaymentRepository owns all persisted payment state. Methods taking a Tx
// participate in the caller's unit of work; the others are ad-hoc reads
// against the pool.
type PaymentRepository interface {
	BeginTx(ctx context.Context) (Tx, error)

	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	FindOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error)
	FindTransactionByGatewayOrderID(ctx context.Context, gateway, gatewayOrderID string) (*models.PaymentTransaction, error)
	// ListStaleTransactions returns INITIATED or PENDING transactions whose
	// last update and last reconcile check are both before olderThan, least
	// recently touched first.
	ListStaleTransactions(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentTransaction, error)
	// MarkTransactionChecked records a reconcile check that left the
	// transaction unchanged, moving it to the back of the stale queue.
	MarkTransactionChecked(ctx context.Context, transactionID string, at time.Time) error
	GetValidPromotion(ctx context.Context, code, productID, userID string, now time.Time) (*models.Promotion, error)
	GetTaxRule(ctx context.Context, productID, countryCode string) (*models.TaxRule, error)
	CountUserOrdersToday(ctx context.Context, userID string, now time.Time) (int, error)
	// ListOrderAuditTrail returns the audit entries of the order and of its
	// transactions and refunds, in commit order.
	ListOrderAuditTrail(ctx context.Context, orderID string) ([]models.AuditLogEntry, error)

	// LockOrder reads the order and holds its row lock until tx ends.
	LockOrder(ctx context.Context, tx Tx, orderID string) (*models.Order, error)
	CreateOrder(ctx context.Context, tx Tx, order *models.Order) error
	// UpdateOrderStatus moves the order from -> to, failing with
	// ErrStatusConflict when the stored status is not from.
	UpdateOrderStatus(ctx context.Context, tx Tx, orderID string, from, to models.OrderStatus) error
	IncrementPromotionUses(ctx context.Context, tx Tx, promotionID string) error

	// ReserveProductForUser locks the product stock row and moves one unit
	// from available to reserved.
	ReserveProductForUser(ctx context.Context, tx Tx, productID, userID string) (*models.Reservation, error)
	AssignProductToUser(ctx context.Context, tx Tx, productID, userID, orderID string) (*models.UserInventory, error)
	ReleaseProductReservation(ctx context.Context, tx Tx, productID string) error

	CreateTransaction(ctx context.Context, tx Tx, ptx *models.PaymentTransaction) error
	UpdateTransaction(ctx context.Context, tx Tx, transactionID string, update TransactionUpdate) error
	GetTransactionByID(ctx context.Context, tx Tx, transactionID string) (*models.PaymentTransaction, error)
	GetApprovedTransaction(ctx context.Context, tx Tx, orderID string) (*models.PaymentTransaction, error)

	CreateRefund(ctx context.Context, tx Tx, refund *models.Refund) error
	CreateAuditLog(ctx context.Context, tx Tx, entry *models.AuditLogEntry) error
}
