package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/ports"

	"github.com/google/uuid"
)

const orderColumns = `order_id, user_id, product_id, base_amount, tax_amount, discount_amount,
	total_amount, currency, status, idempotency_key, promotion_id, created_at, updated_at`

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE order_id = $1", orderID)
	if err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

func (s *Store) FindOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE idempotency_key = $1", key)
	if err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

func (s *Store) LockOrder(ctx context.Context, t ports.Tx, orderID string) (*models.Order, error) {
	tx, err := asTx(t)
	if err != nil {
		return nil, err
	}
	var order models.Order
	err = tx.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE order_id = $1 FOR UPDATE", orderID)
	if err != nil {
		return nil, notFound(err)
	}
	return &order, nil
}

func (s *Store) CreateOrder(ctx context.Context, t ports.Tx, order *models.Order) error {
	tx, err := asTx(t)
	if err != nil {
		return err
	}
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO orders (order_id, user_id, product_id, base_amount, tax_amount, discount_amount,
			total_amount, currency, status, idempotency_key, promotion_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at`,
		order.ID, order.UserID, order.ProductID, order.BaseAmount, order.TaxAmount, order.DiscountAmount,
		order.TotalAmount, order.Currency, order.Status, order.IdempotencyKey, order.PromotionID,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if isUniqueViolation(err, "orders_idempotency_key_key") {
		return ports.ErrDuplicateIdempotencyKey
	}
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, t ports.Tx, orderID string, from, to models.OrderStatus) error {
	tx, err := asTx(t)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE order_id = $2 AND status = $3",
		to, orderID, from)
	if err != nil {
		return fmt.Errorf("failed to update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := tx.GetContext(ctx, &exists, "SELECT EXISTS (SELECT 1 FROM orders WHERE order_id = $1)", orderID); err != nil {
			return err
		}
		if !exists {
			return ports.ErrNotFound
		}
		return ports.ErrStatusConflict
	}
	return nil
}

// CountUserOrdersToday counts the user's orders created since UTC midnight
// that did not end CANCELLED or FAILED.
func (s *Store) CountUserOrdersToday(ctx context.Context, userID string, now time.Time) (int, error) {
	day := now.UTC().Truncate(24 * time.Hour)
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM orders
		WHERE user_id = $1 AND created_at >= $2 AND status NOT IN ($3, $4)`,
		userID, day, models.OrderStatusCancelled, models.OrderStatusFailed)
	return n, err
}

const promotionColumns = `promotion_id, code, product_id, discount_type, discount_value, max_uses,
	current_uses, valid_from, valid_until, is_active`

// GetValidPromotion returns the promotion for code when it applies to the
// product now and the user has not already used it on a PAID or PROCESSING
// order for the same product.
func (s *Store) GetValidPromotion(ctx context.Context, code, productID, userID string, now time.Time) (*models.Promotion, error) {
	var promo models.Promotion
	err := s.db.GetContext(ctx, &promo,
		"SELECT "+promotionColumns+" FROM promotions WHERE UPPER(code) = $1", strings.ToUpper(code))
	if err != nil {
		return nil, notFound(err)
	}
	if !promo.AppliesTo(productID, now) {
		return nil, ports.ErrNotFound
	}

	var used bool
	err = s.db.GetContext(ctx, &used, `
		SELECT EXISTS (
			SELECT 1 FROM orders
			WHERE user_id = $1 AND product_id = $2 AND promotion_id = $3 AND status IN ($4, $5)
		)`, userID, productID, promo.ID, models.OrderStatusPaid, models.OrderStatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("failed to check promotion usage: %w", err)
	}
	if used {
		return nil, ports.ErrNotFound
	}
	return &promo, nil
}

func (s *Store) IncrementPromotionUses(ctx context.Context, t ports.Tx, promotionID string) error {
	tx, err := asTx(t)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		"UPDATE promotions SET current_uses = current_uses + 1 WHERE promotion_id = $1", promotionID)
	if err != nil {
		return fmt.Errorf("failed to increment promotion uses: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ports.ErrNotFound
	}
	return nil
}

// GetTaxRule prefers a product-specific rule over the country default.
func (s *Store) GetTaxRule(ctx context.Context, productID, countryCode string) (*models.TaxRule, error) {
	var rule models.TaxRule
	err := s.db.GetContext(ctx, &rule, `
		SELECT tax_rule_id, product_id, country_code, rate, is_active FROM tax_rules
		WHERE is_active AND UPPER(country_code) = UPPER($2) AND (product_id = $1 OR product_id IS NULL)
		ORDER BY product_id NULLS LAST
		LIMIT 1`, productID, countryCode)
	if err != nil {
		return nil, notFound(err)
	}
	return &rule, nil
}

// ReserveProductForUser locks the stock row with FOR UPDATE so concurrent
// buyers of the last unit serialize here.
func (s *Store) ReserveProductForUser(ctx context.Context, t ports.Tx, productID, userID string) (*models.Reservation, error) {
	tx, err := asTx(t)
	if err != nil {
		return nil, err
	}

	var row struct {
		models.Product
		AvailableStock int `db:"available_stock"`
	}
	err = tx.GetContext(ctx, &row, `
		SELECT p.product_id, p.name, p.price_cents, p.currency, p.is_active, p.created_at, s.available_stock
		FROM products p
		JOIN product_stock s ON s.product_id = p.product_id
		WHERE p.product_id = $1
		FOR UPDATE OF s`, productID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.Reservation{}, nil
		}
		return nil, fmt.Errorf("failed to lock product stock: %w", err)
	}
	if !row.IsActive || row.AvailableStock <= 0 {
		return &models.Reservation{}, nil
	}
	product := row.Product

	var owned bool
	err = tx.GetContext(ctx, &owned, `
		SELECT EXISTS (SELECT 1 FROM user_inventory WHERE user_id = $1 AND product_id = $2 AND status = $3)`,
		userID, productID, models.InventoryStatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to check ownership: %w", err)
	}
	if owned {
		return &models.Reservation{Product: &product, AlreadyOwned: true}, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE product_stock
		SET available_stock = available_stock - 1, reserved_stock = reserved_stock + 1, updated_at = NOW()
		WHERE product_id = $1`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve stock: %w", err)
	}
	return &models.Reservation{Product: &product, Reserved: true}, nil
}

func (s *Store) AssignProductToUser(ctx context.Context, t ports.Tx, productID, userID, orderID string) (*models.UserInventory, error) {
	tx, err := asTx(t)
	if err != nil {
		return nil, err
	}
	inv := models.UserInventory{
		ID:        uuid.NewString(),
		UserID:    userID,
		ProductID: productID,
		OrderID:   orderID,
		Status:    models.InventoryStatusActive,
	}
	err = tx.GetContext(ctx, &inv.AssignedAt, `
		INSERT INTO user_inventory (inventory_id, user_id, product_id, order_id, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING assigned_at`,
		inv.ID, inv.UserID, inv.ProductID, inv.OrderID, inv.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to assign product: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE product_stock SET reserved_stock = reserved_stock - 1, updated_at = NOW()
		WHERE product_id = $1 AND reserved_stock > 0`, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to commit reserved stock: %w", err)
	}
	return &inv, nil
}

func (s *Store) ReleaseProductReservation(ctx context.Context, t ports.Tx, productID string) error {
	tx, err := asTx(t)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE product_stock
		SET available_stock = available_stock + 1, reserved_stock = reserved_stock - 1, updated_at = NOW()
		WHERE product_id = $1 AND reserved_stock > 0`, productID)
	if err != nil {
		return fmt.Errorf("failed to release reservation: %w", err)
	}
	return nil
}
