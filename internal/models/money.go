package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrNegativeAmount   = errors.New("money: amount must be a non-negative number of cents")
	ErrInvalidCurrency  = errors.New("money: currency must be a 3-letter code")
	ErrCurrencyMismatch = errors.New("money: currency mismatch")
	ErrNegativeResult   = errors.New("money: subtraction result cannot be negative")
)

var hundred = decimal.NewFromInt(100)

// Money is an immutable amount in minor units (cents) tagged with a currency.
// The zero value is not usable; build one with NewMoney or ZeroMoney.
type Money struct {
	cents    int64
	currency string
}

// NewMoney validates and builds a Money value.
func NewMoney(cents int64, currency string) (Money, error) {
	if cents < 0 {
		return Money{}, fmt.Errorf("%w: got %d", ErrNegativeAmount, cents)
	}
	cur, err := normalizeCurrency(currency)
	if err != nil {
		return Money{}, err
	}
	return Money{cents: cents, currency: cur}, nil
}

// ZeroMoney returns an empty amount in the given currency. The currency is
// expected to be already validated by the caller.
func ZeroMoney(currency string) Money {
	return Money{currency: strings.ToUpper(currency)}
}

// MoneyFromDecimal converts a major-unit amount (e.g. 12.34) to cents, rounding
// half away from zero.
func MoneyFromDecimal(amount decimal.Decimal, currency string) (Money, error) {
	return NewMoney(amount.Mul(hundred).Round(0).IntPart(), currency)
}

func (m Money) Cents() int64     { return m.cents }
func (m Money) Currency() string { return m.currency }
func (m Money) IsZero() bool     { return m.cents == 0 }

func (m Money) Add(other Money) (Money, error) {
	if err := m.assertSameCurrency(other); err != nil {
		return Money{}, err
	}
	return Money{cents: m.cents + other.cents, currency: m.currency}, nil
}

func (m Money) Subtract(other Money) (Money, error) {
	if err := m.assertSameCurrency(other); err != nil {
		return Money{}, err
	}
	result := m.cents - other.cents
	if result < 0 {
		return Money{}, fmt.Errorf("%w: %s - %s", ErrNegativeResult, m, other)
	}
	return Money{cents: result, currency: m.currency}, nil
}

// Multiply scales the amount by factor and rounds to the nearest cent
// (half away from zero).
func (m Money) Multiply(factor decimal.Decimal) (Money, error) {
	if factor.IsNegative() {
		return Money{}, fmt.Errorf("%w: factor %s", ErrNegativeAmount, factor)
	}
	scaled := decimal.NewFromInt(m.cents).Mul(factor).Round(0)
	return Money{cents: scaled.IntPart(), currency: m.currency}, nil
}

// Min returns the smaller of two amounts in the same currency.
func (m Money) Min(other Money) (Money, error) {
	if err := m.assertSameCurrency(other); err != nil {
		return Money{}, err
	}
	if other.cents < m.cents {
		return other, nil
	}
	return m, nil
}

func (m Money) Equals(other Money) bool {
	return m.cents == other.cents && m.currency == other.currency
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.cents, -2)
}

func (m Money) String() string {
	return m.currency + " " + m.Decimal().StringFixed(2)
}

func (m Money) assertSameCurrency(other Money) error {
	if m.currency != other.currency {
		return fmt.Errorf("%w: %s vs %s", ErrCurrencyMismatch, m.currency, other.currency)
	}
	return nil
}

func normalizeCurrency(currency string) (string, error) {
	cur := strings.ToUpper(strings.TrimSpace(currency))
	if len(cur) != 3 {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
	}
	for _, r := range cur {
		if r < 'A' || r > 'Z' {
			return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
		}
	}
	return cur, nil
}
