package memstore

import (
	"context"
	"strings"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/ports"

	"github.com/google/uuid"
)

func (s *Store) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (s *Store) FindOrderByIdempotencyKey(ctx context.Context, key string) (*models.Order, error) {
	s.mu.Lock()
	id, ok := s.ordersByKey[key]
	s.mu.Unlock()
	if !ok {
		return nil, ports.ErrNotFound
	}
	return s.GetOrder(ctx, id)
}

func (s *Store) LockOrder(ctx context.Context, t ports.Tx, orderID string) (*models.Order, error) {
	mt, err := asTx(t)
	if err != nil {
		return nil, err
	}
	if err := mt.lock(ctx, "order:"+orderID); err != nil {
		return nil, err
	}
	return s.GetOrder(ctx, orderID)
}

func (s *Store) CreateOrder(ctx context.Context, t ports.Tx, order *models.Order) error {
	mt, err := asTx(t)
	if err != nil {
		return err
	}
	if err := mt.lock(ctx, "order:"+order.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.ordersByKey[order.IdempotencyKey]; dup {
		return ports.ErrDuplicateIdempotencyKey
	}
	cp := *order
	s.orders[order.ID] = &cp
	s.ordersByKey[order.IdempotencyKey] = order.ID
	mt.undo = append(mt.undo, func() {
		delete(s.orders, order.ID)
		delete(s.ordersByKey, order.IdempotencyKey)
	})
	return nil
}

func (s *Store) UpdateOrderStatus(ctx context.Context, t ports.Tx, orderID string, from, to models.OrderStatus) error {
	mt, err := asTx(t)
	if err != nil {
		return err
	}
	if err := mt.lock(ctx, "order:"+orderID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ports.ErrNotFound
	}
	if o.Status != from {
		return ports.ErrStatusConflict
	}
	prevStatus, prevUpdated := o.Status, o.UpdatedAt
	o.Status = to
	o.UpdatedAt = s.now()
	mt.undo = append(mt.undo, func() {
		o.Status = prevStatus
		o.UpdatedAt = prevUpdated
	})
	return nil
}

func (s *Store) CountUserOrdersToday(ctx context.Context, userID string, now time.Time) (int, error) {
	day := now.UTC().Truncate(24 * time.Hour)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, o := range s.orders {
		if o.UserID != userID || o.CreatedAt.Before(day) {
			continue
		}
		if o.Status == models.OrderStatusCancelled || o.Status == models.OrderStatusFailed {
			continue
		}
		n++
	}
	return n, nil
}

func (s *Store) GetValidPromotion(ctx context.Context, code, productID, userID string, now time.Time) (*models.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.promotions[strings.ToUpper(code)]
	if !ok || !p.AppliesTo(productID, now) {
		return nil, ports.ErrNotFound
	}
	for _, o := range s.orders {
		if o.UserID != userID || o.ProductID != productID || o.PromotionID == nil || *o.PromotionID != p.ID {
			continue
		}
		if o.Status == models.OrderStatusPaid || o.Status == models.OrderStatusProcessing {
			return nil, ports.ErrNotFound
		}
	}
	cp := *p
	return &cp, nil
}

func (s *Store) IncrementPromotionUses(ctx context.Context, t ports.Tx, promotionID string) error {
	mt, err := asTx(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.promotions {
		if p.ID == promotionID {
			p.CurrentUses++
			promo := p
			mt.undo = append(mt.undo, func() { promo.CurrentUses-- })
			return nil
		}
	}
	return ports.ErrNotFound
}

func (s *Store) GetTaxRule(ctx context.Context, productID, countryCode string) (*models.TaxRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var generic *models.TaxRule
	for i := range s.taxRules {
		r := s.taxRules[i]
		if !r.IsActive || !strings.EqualFold(r.CountryCode, countryCode) {
			continue
		}
		if r.ProductID != nil && *r.ProductID == productID {
			return &r, nil
		}
		if r.ProductID == nil && generic == nil {
			generic = &r
		}
	}
	if generic == nil {
		return nil, ports.ErrNotFound
	}
	return generic, nil
}

func (s *Store) ReserveProductForUser(ctx context.Context, t ports.Tx, productID, userID string) (*models.Reservation, error) {
	mt, err := asTx(t)
	if err != nil {
		return nil, err
	}
	if err := mt.lock(ctx, "product:"+productID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[productID]
	st := s.stock[productID]
	if !ok || !p.IsActive || st == nil || st.AvailableStock <= 0 {
		return &models.Reservation{}, nil
	}
	for _, inv := range s.inventory {
		if inv.UserID == userID && inv.ProductID == productID && inv.Status == models.InventoryStatusActive {
			return &models.Reservation{Product: &p, AlreadyOwned: true}, nil
		}
	}
	st.AvailableStock--
	st.ReservedStock++
	mt.undo = append(mt.undo, func() {
		st.AvailableStock++
		st.ReservedStock--
	})
	return &models.Reservation{Product: &p, Reserved: true}, nil
}

func (s *Store) AssignProductToUser(ctx context.Context, t ports.Tx, productID, userID, orderID string) (*models.UserInventory, error) {
	mt, err := asTx(t)
	if err != nil {
		return nil, err
	}
	if err := mt.lock(ctx, "product:"+productID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	inv := models.UserInventory{
		ID:         uuid.NewString(),
		UserID:     userID,
		ProductID:  productID,
		OrderID:    orderID,
		Status:     models.InventoryStatusActive,
		AssignedAt: s.now(),
	}
	s.inventory = append(s.inventory, inv)
	st := s.stock[productID]
	if st != nil {
		st.ReservedStock--
	}
	mt.undo = append(mt.undo, func() {
		s.inventory = removeInventory(s.inventory, inv.ID)
		if st != nil {
			st.ReservedStock++
		}
	})
	return &inv, nil
}

func (s *Store) ReleaseProductReservation(ctx context.Context, t ports.Tx, productID string) error {
	mt, err := asTx(t)
	if err != nil {
		return err
	}
	if err := mt.lock(ctx, "product:"+productID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stock[productID]
	if !ok {
		return ports.ErrNotFound
	}
	if st.ReservedStock <= 0 {
		return nil
	}
	st.ReservedStock--
	st.AvailableStock++
	mt.undo = append(mt.undo, func() {
		st.ReservedStock++
		st.AvailableStock--
	})
	return nil
}

func removeInventory(list []models.UserInventory, id string) []models.UserInventory {
	out := list[:0]
	for _, inv := range list {
		if inv.ID != id {
			out = append(out, inv)
		}
	}
	return out
}

func (s *Store) ListOrderAuditTrail(ctx context.Context, orderID string) ([]models.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	related := map[string]bool{orderID: true}
	for _, ptx := range s.txs {
		if ptx.OrderID == orderID {
			related[ptx.ID] = true
		}
	}
	for _, r := range s.refunds {
		if r.OrderID == orderID {
			related[r.ID] = true
		}
	}
	var out []models.AuditLogEntry
	for _, e := range s.audit {
		if related[e.EntityID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, t ports.Tx, entry *models.AuditLogEntry) error {
	mt, err := asTx(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	s.audit = append(s.audit, *entry)
	id := entry.ID
	mt.undo = append(mt.undo, func() {
		out := s.audit[:0]
		for _, e := range s.audit {
			if e.ID != id {
				out = append(out, e)
			}
		}
		s.audit = out
	})
	return nil
}

