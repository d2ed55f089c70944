package store

import (
	"context"
	"os"
	"testing"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/ports"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore connects to TEST_DATABASE_URL; these are integration tests.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Integration test - requires database (set TEST_DATABASE_URL)")
	}
	store, err := NewStore(url, 5)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(false))
	t.Cleanup(func() { store.Close() })
	return store
}

func seedOrder(t *testing.T, s *Store, productID string) *models.Order {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SeedProduct(ctx, models.Product{ID: productID, Name: "Test", PriceCents: 1000, Currency: "USD", IsActive: true}, 1))

	base, err := models.NewMoney(1000, "USD")
	require.NoError(t, err)
	pricing := models.Pricing{Base: base, Tax: models.ZeroMoney("USD"), Discount: models.ZeroMoney("USD"), Total: base}
	order := models.NewOrder(uuid.NewString(), "user-"+uuid.NewString(), productID, "key-"+uuid.NewString(), pricing, nil)

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, s.CreateOrder(ctx, tx, order))
	require.NoError(t, tx.Commit())
	return order
}

func TestCreateOrderIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	order := seedOrder(t, s, "prod-"+uuid.NewString())

	found, err := s.FindOrderByIdempotencyKey(ctx, order.IdempotencyKey)
	require.NoError(t, err)
	assert.Equal(t, order.ID, found.ID)
	assert.Equal(t, order.TotalAmount, found.TotalAmount)

	dup := *order
	dup.ID = uuid.NewString()
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	assert.ErrorIs(t, s.CreateOrder(ctx, tx, &dup), ports.ErrDuplicateIdempotencyKey)
}

func TestUpdateOrderStatusGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	order := seedOrder(t, s, "prod-"+uuid.NewString())

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, s.UpdateOrderStatus(ctx, tx, order.ID, models.OrderStatusPending, models.OrderStatusProcessing))
	assert.ErrorIs(t, s.UpdateOrderStatus(ctx, tx, order.ID, models.OrderStatusPending, models.OrderStatusProcessing), ports.ErrStatusConflict)
	assert.ErrorIs(t, s.UpdateOrderStatus(ctx, tx, "missing", models.OrderStatusPending, models.OrderStatusProcessing), ports.ErrNotFound)
}

func TestReserveLastUnit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	productID := "prod-" + uuid.NewString()
	require.NoError(t, s.SeedProduct(ctx, models.Product{ID: productID, Name: "Test", PriceCents: 1000, Currency: "USD", IsActive: true}, 1))

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	res, err := s.ReserveProductForUser(ctx, tx, productID, "u1")
	require.NoError(t, err)
	assert.True(t, res.Reserved)
	require.NoError(t, tx.Commit())

	tx, err = s.BeginTx(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	res, err = s.ReserveProductForUser(ctx, tx, productID, "u2")
	require.NoError(t, err)
	assert.False(t, res.Reserved)
}

func TestTransactionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	order := seedOrder(t, s, "prod-"+uuid.NewString())

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	ptx := &models.PaymentTransaction{
		ID: uuid.NewString(), OrderID: order.ID, GatewayName: "mock",
		Status: models.TxStatusInitiated, Amount: order.TotalAmount, Currency: order.Currency,
	}
	require.NoError(t, s.CreateTransaction(ctx, tx, ptx))
	require.NoError(t, s.UpdateTransaction(ctx, tx, ptx.ID, ports.TransactionUpdate{
		Status: models.TxStatusPending, GatewayOrderID: "gw-1", RawResponse: []byte(`{"id":"gw-1"}`),
	}))
	require.NoError(t, s.UpdateTransaction(ctx, tx, ptx.ID, ports.TransactionUpdate{Status: models.TxStatusApproved}))
	require.NoError(t, s.CreateAuditLog(ctx, tx, models.NewAuditEntry(models.EntityTransaction, ptx.ID,
		models.AuditTxStatusChanged, "PENDING", "APPROVED", models.ActorWebhook, map[string]any{"ip_address": "127.0.0.1"})))
	require.NoError(t, tx.Commit())

	found, err := s.FindTransactionByGatewayOrderID(ctx, "mock", "gw-1")
	require.NoError(t, err)
	assert.Equal(t, models.TxStatusApproved, found.Status)
	assert.JSONEq(t, `{"id":"gw-1"}`, string(found.GatewayRawResponse))

	trail, err := s.ListOrderAuditTrail(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, "127.0.0.1", trail[0].IPAddress)

	stale, err := s.ListStaleTransactions(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	for _, st := range stale {
		assert.NotEqual(t, ptx.ID, st.ID)
	}
}

func TestAuditLogIsAppendOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	entry := models.NewAuditEntry(models.EntityOrder, uuid.NewString(), models.AuditOrderCreated, "", "PENDING", "u1", nil)
	require.NoError(t, s.CreateAuditLog(ctx, tx, entry))
	require.NoError(t, tx.Commit())

	_, err = s.db.ExecContext(ctx, "UPDATE audit_logs SET action = 'X' WHERE log_id = $1", entry.ID)
	assert.Error(t, err)
	_, err = s.db.ExecContext(ctx, "DELETE FROM audit_logs WHERE log_id = $1", entry.ID)
	assert.Error(t, err)
}

func TestMarkTransactionCheckedRequeues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	order := seedOrder(t, s, "prod-"+uuid.NewString())

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	ptx := &models.PaymentTransaction{
		ID: uuid.NewString(), OrderID: order.ID, GatewayName: "mock",
		Status: models.TxStatusPending, Amount: order.TotalAmount, Currency: order.Currency,
	}
	require.NoError(t, s.CreateTransaction(ctx, tx, ptx))
	require.NoError(t, tx.Commit())

	contains := func(list []models.PaymentTransaction) bool {
		for _, st := range list {
			if st.ID == ptx.ID {
				return true
			}
		}
		return false
	}

	cutoff := time.Now().Add(time.Hour)
	stale, err := s.ListStaleTransactions(ctx, cutoff, 10000)
	require.NoError(t, err)
	assert.True(t, contains(stale))

	require.NoError(t, s.MarkTransactionChecked(ctx, ptx.ID, cutoff.Add(time.Minute)))
	stale, err = s.ListStaleTransactions(ctx, cutoff, 10000)
	require.NoError(t, err)
	assert.False(t, contains(stale))

	assert.ErrorIs(t, s.MarkTransactionChecked(ctx, "missing", cutoff), ports.ErrNotFound)
}
