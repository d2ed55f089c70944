// Package memstore is an in-process PaymentRepository. Row locks block like
// SELECT ... FOR UPDATE and every write inside a Tx is undone on Rollback,
// which makes it suitable for local development and for exercising the
// payment use-cases under concurrency.
package memstore

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/ports"

	"github.com/google/uuid"
)

var errTxDone = errors.New("memstore: transaction already finished")

type Store struct {
	mu sync.Mutex

	products   map[string]models.Product
	stock      map[string]*models.ProductStock
	inventory  []models.UserInventory
	promotions map[string]*models.Promotion
	taxRules   []models.TaxRule

	orders      map[string]*models.Order
	ordersByKey map[string]string
	txs         map[string]*models.PaymentTransaction
	checkedAt   map[string]time.Time
	refunds     []models.Refund
	audit       []models.AuditLogEntry

	locks map[string]chan struct{}
	now   func() time.Time
}

func New() *Store {
	return &Store{
		products:    make(map[string]models.Product),
		stock:       make(map[string]*models.ProductStock),
		promotions:  make(map[string]*models.Promotion),
		orders:      make(map[string]*models.Order),
		ordersByKey: make(map[string]string),
		txs:         make(map[string]*models.PaymentTransaction),
		checkedAt:   make(map[string]time.Time),
		locks:       make(map[string]chan struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

type tx struct {
	s    *Store
	held []chan struct{}
	keys map[string]bool
	undo []func()
	done bool
}

func (s *Store) BeginTx(ctx context.Context) (ports.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{s: s, keys: make(map[string]bool)}, nil
}

func (t *tx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.finish()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.s.mu.Lock()
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.s.mu.Unlock()
	t.finish()
	return nil
}

func (t *tx) finish() {
	t.done = true
	t.undo = nil
	for _, ch := range t.held {
		<-ch
	}
	t.held = nil
}

func asTx(t ports.Tx) (*tx, error) {
	mt, ok := t.(*tx)
	if !ok || mt == nil {
		return nil, errors.New("memstore: foreign transaction handle")
	}
	if mt.done {
		return nil, errTxDone
	}
	return mt, nil
}

// lock blocks until the row identified by key is free or ctx is done. A tx
// may lock the same row more than once.
func (t *tx) lock(ctx context.Context, key string) error {
	if t.keys[key] {
		return nil
	}
	t.s.mu.Lock()
	ch, ok := t.s.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.s.locks[key] = ch
	}
	t.s.mu.Unlock()

	select {
	case ch <- struct{}{}:
		t.keys[key] = true
		t.held = append(t.held, ch)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Seeding and inspection helpers.

func (s *Store) AddProduct(p models.Product, available int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	s.products[p.ID] = p
	s.stock[p.ID] = &models.ProductStock{ProductID: p.ID, AvailableStock: available, UpdatedAt: s.now()}
}

func (s *Store) AddPromotion(p models.Promotion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	s.promotions[strings.ToUpper(p.Code)] = &p
}

func (s *Store) AddTaxRule(r models.TaxRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.taxRules = append(s.taxRules, r)
}

func (s *Store) Stock(productID string) models.ProductStock {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.stock[productID]; ok {
		return *st
	}
	return models.ProductStock{ProductID: productID}
}

func (s *Store) Inventory(userID string) []models.UserInventory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UserInventory
	for _, inv := range s.inventory {
		if inv.UserID == userID {
			out = append(out, inv)
		}
	}
	return out
}

func (s *Store) Transactions(orderID string) []models.PaymentTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentTransaction
	for _, ptx := range s.txs {
		if ptx.OrderID == orderID {
			out = append(out, *ptx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) Refunds(orderID string) []models.Refund {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Refund
	for _, r := range s.refunds {
		if r.OrderID == orderID {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) OrderCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// SetClock replaces the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
