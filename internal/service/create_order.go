package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"payment-service/internal/apperr"
	"payment-service/internal/models"
	"payment-service/internal/ports"
	"payment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateOrderInput is an already validated create-order request.
type CreateOrderInput struct {
	UserID         string
	ProductID      string
	Currency       string
	CountryCode    string
	IdempotencyKey string
	PromoCode      string
	Buyer          ports.Buyer
	IPAddress      string
}

type CreateOrderResult struct {
	Order      *models.Order
	Idempotent bool
}

// CreateOrderUseCase prices an order from the trusted product record and
// reserves one unit of stock for it.
type CreateOrderUseCase struct {
	repo      ports.PaymentRepository
	publisher ports.EventPublisher
	limits    Limits
	logger    *zap.Logger
	now       func() time.Time
}

func NewCreateOrderUseCase(repo ports.PaymentRepository, publisher ports.EventPublisher, limits Limits, logger *zap.Logger) *CreateOrderUseCase {
	return &CreateOrderUseCase{
		repo:      repo,
		publisher: publisher,
		limits:    limits,
		logger:    logger.With(zap.String("component", "create_order")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (uc *CreateOrderUseCase) Execute(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error) {
	ctx, span := util.StartSpan(ctx, "CreateOrderUseCase.Execute")
	defer span.End()

	if existing, err := uc.findExisting(ctx, in); existing != nil || err != nil {
		return existing, err
	}

	now := uc.now()
	count, err := uc.repo.CountUserOrdersToday(ctx, in.UserID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to count user orders: %w", err)
	}
	if count >= uc.limits.MaxDailyOrders {
		util.OrdersRejectedTotal.WithLabelValues("daily_limit").Inc()
		return nil, apperr.ErrDailyLimitExceeded.WithMeta("limit", uc.limits.MaxDailyOrders)
	}

	tx, err := uc.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(uc.logger, tx)

	reservation, err := uc.repo.ReserveProductForUser(ctx, tx, in.ProductID, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve product: %w", err)
	}
	if !reservation.Reserved {
		// A concurrent request with the same key may have taken the unit
		// while this one waited on the stock lock.
		if existing, err := uc.findExisting(ctx, in); existing != nil || err != nil {
			return existing, err
		}
	}
	if reservation.AlreadyOwned {
		util.OrdersRejectedTotal.WithLabelValues("already_owned").Inc()
		return nil, apperr.ErrProductAlreadyOwned.WithMeta("product_id", in.ProductID)
	}
	if !reservation.Reserved || reservation.Product == nil {
		util.OrdersRejectedTotal.WithLabelValues("unavailable").Inc()
		return nil, apperr.ErrProductUnavailable.WithMeta("product_id", in.ProductID)
	}
	product := reservation.Product

	if in.Currency != "" && !strings.EqualFold(in.Currency, product.Currency) {
		return nil, apperr.ErrCurrencyMismatch.
			WithMeta("requested", in.Currency).WithMeta("product_currency", product.Currency)
	}

	pricing, promo, err := uc.price(ctx, product, in, now)
	if err != nil {
		return nil, err
	}

	total := pricing.Total.Cents()
	if total < uc.limits.MinAmountCents {
		util.OrdersRejectedTotal.WithLabelValues("amount_too_low").Inc()
		return nil, apperr.ErrAmountTooLow.WithMeta("min", uc.limits.MinAmountCents).WithMeta("total", total)
	}
	if total > uc.limits.MaxAmountCents {
		util.OrdersRejectedTotal.WithLabelValues("amount_too_high").Inc()
		return nil, apperr.ErrAmountTooHigh.WithMeta("max", uc.limits.MaxAmountCents).WithMeta("total", total)
	}

	var promotionID *string
	if promo != nil {
		promotionID = &promo.ID
	}
	order := models.NewOrder(uuid.NewString(), in.UserID, product.ID, in.IdempotencyKey, pricing, promotionID)
	if err := order.CheckAmounts(); err != nil {
		return nil, err
	}

	if err := uc.repo.CreateOrder(ctx, tx, order); err != nil {
		if errors.Is(err, ports.ErrDuplicateIdempotencyKey) {
			rollback(uc.logger, tx)
			return uc.replay(ctx, in)
		}
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	if promo != nil {
		if err := uc.repo.IncrementPromotionUses(ctx, tx, promo.ID); err != nil {
			return nil, fmt.Errorf("failed to count promotion use: %w", err)
		}
	}

	meta := withIP(map[string]any{
		"product_id":      product.ID,
		"base_amount":     order.BaseAmount,
		"tax_amount":      order.TaxAmount,
		"discount_amount": order.DiscountAmount,
		"total_amount":    order.TotalAmount,
		"currency":        order.Currency,
		"idempotency_key": order.IdempotencyKey,
	}, in.IPAddress)
	if promo != nil {
		meta["promo_code"] = promo.Code
	}
	entry := models.NewAuditEntry(models.EntityOrder, order.ID, models.AuditOrderCreated,
		"", string(order.Status), in.UserID, meta)
	if err := uc.repo.CreateAuditLog(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("failed to write audit log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	uc.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.String("product_id", order.ProductID),
		zap.Int64("total_amount", order.TotalAmount),
		zap.String("currency", order.Currency))

	if err := uc.publisher.PublishOrderCreated(ctx, models.NewOrderCreatedEvent(order)); err != nil {
		uc.logger.Error("Failed to publish OrderCreated event", zap.String("order_id", order.ID), zap.Error(err))
	}

	return &CreateOrderResult{Order: order}, nil
}

// findExisting answers a repeated request with the order already created for
// the same idempotency key.
func (uc *CreateOrderUseCase) findExisting(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error) {
	existing, err := uc.repo.FindOrderByIdempotencyKey(ctx, in.IdempotencyKey)
	if errors.Is(err, ports.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency: %w", err)
	}
	if existing.UserID != in.UserID {
		return nil, apperr.ErrForbidden.WithMessage("idempotency key belongs to another user")
	}
	util.OrdersIdempotentReplaysTotal.Inc()
	uc.logger.Info("Duplicate order request detected",
		zap.String("idempotency_key", in.IdempotencyKey),
		zap.String("order_id", existing.ID))
	return &CreateOrderResult{Order: existing, Idempotent: true}, nil
}

// replay resolves a lost insert race against a concurrent request with the
// same key.
func (uc *CreateOrderUseCase) replay(ctx context.Context, in CreateOrderInput) (*CreateOrderResult, error) {
	existing, err := uc.findExisting(ctx, in)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("order for idempotency key %q vanished after conflict", in.IdempotencyKey)
	}
	return existing, nil
}

func (uc *CreateOrderUseCase) price(ctx context.Context, product *models.Product, in CreateOrderInput, now time.Time) (models.Pricing, *models.Promotion, error) {
	base, err := models.NewMoney(product.PriceCents, product.Currency)
	if err != nil {
		return models.Pricing{}, nil, fmt.Errorf("invalid price for product %s: %w", product.ID, err)
	}

	rule, err := uc.repo.GetTaxRule(ctx, product.ID, in.CountryCode)
	if errors.Is(err, ports.ErrNotFound) {
		rule = nil
	} else if err != nil {
		return models.Pricing{}, nil, fmt.Errorf("failed to load tax rule: %w", err)
	}

	var promo *models.Promotion
	if in.PromoCode != "" {
		promo, err = uc.repo.GetValidPromotion(ctx, in.PromoCode, product.ID, in.UserID, now)
		if errors.Is(err, ports.ErrNotFound) {
			util.OrdersRejectedTotal.WithLabelValues("invalid_promo").Inc()
			return models.Pricing{}, nil, apperr.ErrInvalidPromo.WithMeta("promo_code", in.PromoCode)
		}
		if err != nil {
			return models.Pricing{}, nil, fmt.Errorf("failed to load promotion: %w", err)
		}
	}

	pricing, err := models.PriceOrder(base, rule, promo)
	if err != nil {
		return models.Pricing{}, nil, fmt.Errorf("failed to price order: %w", err)
	}
	return pricing, promo, nil
}
