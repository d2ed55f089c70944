package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DiscountType tells how a promotion's value is interpreted.
type DiscountType string

const (
	// DiscountPercentage: value is a percentage of the base amount (10 = 10%).
	DiscountPercentage DiscountType = "PERCENTAGE"
	// DiscountFixed: value is a fixed amount in major units of the order currency.
	DiscountFixed DiscountType = "FIXED"
)

// TaxRule is a tax rate applicable to a product (or to every product when
// ProductID is nil) in one country.
type TaxRule struct {
	ID          string          `db:"tax_rule_id" json:"tax_rule_id"`
	ProductID   *string         `db:"product_id" json:"product_id,omitempty"`
	CountryCode string          `db:"country_code" json:"country_code"`
	Rate        decimal.Decimal `db:"rate" json:"rate"`
	IsActive    bool            `db:"is_active" json:"is_active"`
}

// Promotion is a promo code definition.
type Promotion struct {
	ID            string          `db:"promotion_id" json:"promotion_id"`
	Code          string          `db:"code" json:"code"`
	ProductID     *string         `db:"product_id" json:"product_id,omitempty"`
	DiscountType  DiscountType    `db:"discount_type" json:"discount_type"`
	DiscountValue decimal.Decimal `db:"discount_value" json:"discount_value"`
	MaxUses       *int            `db:"max_uses" json:"max_uses,omitempty"`
	CurrentUses   int             `db:"current_uses" json:"current_uses"`
	ValidFrom     *time.Time      `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil    *time.Time      `db:"valid_until" json:"valid_until,omitempty"`
	IsActive      bool            `db:"is_active" json:"is_active"`
}

// AppliesTo reports whether the promotion is active, within its validity
// window, under its usage cap and scoped to productID. Per-user reuse is
// checked by the repository.
func (p *Promotion) AppliesTo(productID string, now time.Time) bool {
	if !p.IsActive {
		return false
	}
	if p.ProductID != nil && *p.ProductID != productID {
		return false
	}
	if p.MaxUses != nil && p.CurrentUses >= *p.MaxUses {
		return false
	}
	if p.ValidFrom != nil && now.Before(*p.ValidFrom) {
		return false
	}
	if p.ValidUntil != nil && now.After(*p.ValidUntil) {
		return false
	}
	return true
}

// Pricing is the priced breakdown of one order.
type Pricing struct {
	Base     Money
	Tax      Money
	Discount Money
	Total    Money
}

// CalculateTax applies the rule's rate to base. A nil rule means no tax.
func CalculateTax(base Money, rule *TaxRule) (Money, error) {
	if rule == nil {
		return ZeroMoney(base.Currency()), nil
	}
	return base.Multiply(rule.Rate)
}

// CalculateDiscount computes the promotion discount on base. Fixed discounts
// are capped at the base amount; unknown types yield no discount.
func CalculateDiscount(base Money, promo *Promotion) (Money, error) {
	if promo == nil {
		return ZeroMoney(base.Currency()), nil
	}
	switch promo.DiscountType {
	case DiscountPercentage:
		discount, err := base.Multiply(promo.DiscountValue.Div(hundred))
		if err != nil {
			return Money{}, err
		}
		return discount.Min(base)
	case DiscountFixed:
		fixed, err := MoneyFromDecimal(promo.DiscountValue, base.Currency())
		if err != nil {
			return Money{}, err
		}
		return fixed.Min(base)
	default:
		return ZeroMoney(base.Currency()), nil
	}
}

// CalculateTotal returns base + tax - discount.
func CalculateTotal(base, tax, discount Money) (Money, error) {
	sum, err := base.Add(tax)
	if err != nil {
		return Money{}, err
	}
	return sum.Subtract(discount)
}

// PriceOrder runs the full pricing pipeline for one unit of a product.
func PriceOrder(base Money, rule *TaxRule, promo *Promotion) (Pricing, error) {
	tax, err := CalculateTax(base, rule)
	if err != nil {
		return Pricing{}, fmt.Errorf("tax: %w", err)
	}
	discount, err := CalculateDiscount(base, promo)
	if err != nil {
		return Pricing{}, fmt.Errorf("discount: %w", err)
	}
	total, err := CalculateTotal(base, tax, discount)
	if err != nil {
		return Pricing{}, fmt.Errorf("total: %w", err)
	}
	return Pricing{Base: base, Tax: tax, Discount: discount, Total: total}, nil
}
