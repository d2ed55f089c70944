package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderTransitions(t *testing.T) {
	legal := map[OrderStatus][]OrderStatus{
		OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled},
		OrderStatusProcessing: {OrderStatusPaid, OrderStatusFailed},
		OrderStatusPaid:       {OrderStatusRefunded},
		OrderStatusFailed:     {OrderStatusPending},
	}
	all := []OrderStatus{
		OrderStatusPending, OrderStatusProcessing, OrderStatusPaid,
		OrderStatusFailed, OrderStatusRefunded, OrderStatusCancelled,
	}

	for _, from := range all {
		for _, to := range all {
			allowed := false
			for _, s := range legal[from] {
				allowed = allowed || s == to
			}
			o := &Order{Status: from}
			err := o.TransitionTo(to)
			if allowed {
				assert.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, o.Status)
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
				assert.Equal(t, from, o.Status, "status unchanged after rejected transition")
			}
		}
	}

	assert.True(t, OrderStatusRefunded.IsTerminal())
	assert.True(t, OrderStatusCancelled.IsTerminal())
	assert.False(t, OrderStatusFailed.IsTerminal())
}

func TestNewOrderAmounts(t *testing.T) {
	base, _ := NewMoney(10000, "USD")
	tax, _ := NewMoney(1900, "USD")
	discount, _ := NewMoney(1000, "USD")
	total, err := CalculateTotal(base, tax, discount)
	require.NoError(t, err)

	o := NewOrder("o1", "u1", "p1", "key", Pricing{Base: base, Tax: tax, Discount: discount, Total: total}, nil)
	assert.Equal(t, OrderStatusPending, o.Status)
	assert.Equal(t, int64(10900), o.TotalAmount)
	assert.NoError(t, o.CheckAmounts())

	o.TotalAmount++
	assert.Error(t, o.CheckAmounts())
}
