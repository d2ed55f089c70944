package models

import (
	"encoding/json"
	"time"
)

// Product is a catalog entry. Its price is the only trusted source for order
// amounts.
type Product struct {
	ID         string    `db:"product_id" json:"product_id"`
	Name       string    `db:"name" json:"name"`
	PriceCents int64     `db:"price_cents" json:"price_cents"`
	Currency   string    `db:"currency" json:"currency"`
	IsActive   bool      `db:"is_active" json:"is_active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// ProductStock holds the stock counters of a product.
type ProductStock struct {
	ProductID      string    `db:"product_id" json:"product_id"`
	AvailableStock int       `db:"available_stock" json:"available_stock"`
	ReservedStock  int       `db:"reserved_stock" json:"reserved_stock"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Reservation is the outcome of reserving a product for a user.
type Reservation struct {
	Product      *Product
	Reserved     bool
	AlreadyOwned bool
}

// Inventory grant statuses.
const (
	InventoryStatusActive = "ACTIVE"
)

// UserInventory is a permanent grant of a product to a user.
type UserInventory struct {
	ID         string    `db:"inventory_id" json:"inventory_id"`
	UserID     string    `db:"user_id" json:"user_id"`
	ProductID  string    `db:"product_id" json:"product_id"`
	OrderID    string    `db:"order_id" json:"order_id"`
	Status     string    `db:"status" json:"status"`
	AssignedAt time.Time `db:"assigned_at" json:"assigned_at"`
}

// TransactionStatus is the state of one gateway payment attempt.
type TransactionStatus string

const (
	TxStatusInitiated TransactionStatus = "INITIATED"
	TxStatusPending   TransactionStatus = "PENDING"
	TxStatusApproved  TransactionStatus = "APPROVED"
	TxStatusRejected  TransactionStatus = "REJECTED"
	TxStatusError     TransactionStatus = "ERROR"
	TxStatusRefunded  TransactionStatus = "REFUNDED"
)

// IsFailure reports whether the gateway outcome means the payment will not
// complete.
func (s TransactionStatus) IsFailure() bool {
	return s == TxStatusRejected || s == TxStatusError
}

// PaymentTransaction is one attempt to collect an order's payment through a
// gateway.
type PaymentTransaction struct {
	ID                 string            `db:"transaction_id" json:"transaction_id"`
	OrderID            string            `db:"order_id" json:"order_id"`
	GatewayName        string            `db:"gateway_name" json:"gateway_name"`
	GatewayOrderID     string            `db:"gateway_order_id" json:"gateway_order_id,omitempty"`
	Status             TransactionStatus `db:"status" json:"status"`
	Amount             int64             `db:"amount" json:"amount"`
	Currency           string            `db:"currency" json:"currency"`
	GatewayRawResponse json.RawMessage   `db:"gateway_raw_response" json:"-"`
	CreatedAt          time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updated_at"`
}

// RefundStatus values.
const (
	RefundStatusCompleted = "COMPLETED"
)

// Refund records a completed refund. It is never modified after creation.
type Refund struct {
	ID              string    `db:"refund_id" json:"refund_id"`
	TransactionID   string    `db:"transaction_id" json:"transaction_id"`
	OrderID         string    `db:"order_id" json:"order_id"`
	Amount          int64     `db:"amount" json:"amount"`
	Currency        string    `db:"currency" json:"currency"`
	Reason          string    `db:"reason" json:"reason"`
	GatewayRefundID string    `db:"gateway_refund_id" json:"gateway_refund_id"`
	RequestedBy     string    `db:"requested_by" json:"requested_by"`
	Status          string    `db:"status" json:"status"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// Audited entity types.
const (
	EntityOrder       = "ORDER"
	EntityTransaction = "TRANSACTION"
	EntityRefund      = "REFUND"
)

// Audit actions.
const (
	AuditOrderCreated        = "ORDER_CREATED"
	AuditOrderStatusChanged  = "ORDER_STATUS_CHANGED"
	AuditTransactionCreated  = "TRANSACTION_CREATED"
	AuditTxStatusChanged     = "TX_STATUS_CHANGED"
	AuditWebhookReceived     = "WEBHOOK_RECEIVED"
	AuditInventoryAssigned   = "INVENTORY_ASSIGNED"
	AuditReservationReleased = "RESERVATION_RELEASED"
	AuditRefundCompleted     = "REFUND_COMPLETED"
)

// Non-user actors.
const (
	ActorWebhook    = "WEBHOOK"
	ActorReconciler = "RECONCILER"
	ActorSystem     = "SYSTEM"
)

// AuditLogEntry is an append-only record of one state transition.
type AuditLogEntry struct {
	ID             string          `db:"log_id" json:"log_id"`
	EntityType     string          `db:"entity_type" json:"entity_type"`
	EntityID       string          `db:"entity_id" json:"entity_id"`
	Action         string          `db:"action" json:"action"`
	PreviousStatus string          `db:"previous_status" json:"previous_status,omitempty"`
	NewStatus      string          `db:"new_status" json:"new_status,omitempty"`
	ActorID        string          `db:"actor_id" json:"actor_id"`
	Metadata       json.RawMessage `db:"metadata" json:"metadata"`
	IPAddress      string          `db:"ip_address" json:"ip_address,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// NewAuditEntry builds an entry; metadata is marshalled to JSON and an
// "ip_address" key, if present, is also copied to IPAddress.
func NewAuditEntry(entityType, entityID, action, previousStatus, newStatus, actorID string, metadata map[string]any) *AuditLogEntry {
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		raw = []byte(`{}`)
	}
	entry := &AuditLogEntry{
		EntityType:     entityType,
		EntityID:       entityID,
		Action:         action,
		PreviousStatus: previousStatus,
		NewStatus:      newStatus,
		ActorID:        actorID,
		Metadata:       raw,
		CreatedAt:      time.Now().UTC(),
	}
	if ip, ok := metadata["ip_address"].(string); ok {
		entry.IPAddress = ip
	}
	return entry
}
