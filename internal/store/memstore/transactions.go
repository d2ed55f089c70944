package memstore

import (
	"context"
	"sort"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/ports"
)

func (s *Store) CreateTransaction(ctx context.Context, t ports.Tx, ptx *models.PaymentTransaction) error {
	mt, err := asTx(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ptx
	s.txs[ptx.ID] = &cp
	mt.undo = append(mt.undo, func() { delete(s.txs, ptx.ID) })
	return nil
}

func (s *Store) UpdateTransaction(ctx context.Context, t ports.Tx, transactionID string, update ports.TransactionUpdate) error {
	mt, err := asTx(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ptx, ok := s.txs[transactionID]
	if !ok {
		return ports.ErrNotFound
	}
	if update.Status == models.TxStatusApproved {
		for _, other := range s.txs {
			if other.OrderID == ptx.OrderID && other.ID != ptx.ID && other.Status == models.TxStatusApproved {
				return ports.ErrStatusConflict
			}
		}
	}
	prev := *ptx
	ptx.Status = update.Status
	if update.GatewayOrderID != "" {
		ptx.GatewayOrderID = update.GatewayOrderID
	}
	if update.RawResponse != nil {
		ptx.GatewayRawResponse = update.RawResponse
	}
	ptx.UpdatedAt = s.now()
	mt.undo = append(mt.undo, func() { *ptx = prev })
	return nil
}

func (s *Store) GetTransactionByID(ctx context.Context, t ports.Tx, transactionID string) (*models.PaymentTransaction, error) {
	if _, err := asTx(t); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ptx, ok := s.txs[transactionID]
	if !ok {
		return nil, ports.ErrNotFound
	}
	cp := *ptx
	return &cp, nil
}

func (s *Store) GetApprovedTransaction(ctx context.Context, t ports.Tx, orderID string) (*models.PaymentTransaction, error) {
	if _, err := asTx(t); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ptx := range s.txs {
		if ptx.OrderID == orderID && ptx.Status == models.TxStatusApproved {
			cp := *ptx
			return &cp, nil
		}
	}
	return nil, ports.ErrNotFound
}

func (s *Store) FindTransactionByGatewayOrderID(ctx context.Context, gateway, gatewayOrderID string) (*models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ptx := range s.txs {
		if ptx.GatewayName == gateway && ptx.GatewayOrderID == gatewayOrderID {
			cp := *ptx
			return &cp, nil
		}
	}
	return nil, ports.ErrNotFound
}

func (s *Store) ListStaleTransactions(ctx context.Context, olderThan time.Time, limit int) ([]models.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type candidate struct {
		ptx     models.PaymentTransaction
		touched time.Time
	}
	var due []candidate
	for _, ptx := range s.txs {
		if ptx.Status != models.TxStatusInitiated && ptx.Status != models.TxStatusPending {
			continue
		}
		touched := ptx.UpdatedAt
		if checked, ok := s.checkedAt[ptx.ID]; ok && checked.After(touched) {
			touched = checked
		}
		if touched.Before(olderThan) {
			due = append(due, candidate{ptx: *ptx, touched: touched})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].touched.Equal(due[j].touched) {
			return due[i].touched.Before(due[j].touched)
		}
		return due[i].ptx.CreatedAt.Before(due[j].ptx.CreatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]models.PaymentTransaction, 0, len(due))
	for _, c := range due {
		out = append(out, c.ptx)
	}
	return out, nil
}

func (s *Store) MarkTransactionChecked(ctx context.Context, transactionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[transactionID]; !ok {
		return ports.ErrNotFound
	}
	s.checkedAt[transactionID] = at
	return nil
}

func (s *Store) CreateRefund(ctx context.Context, t ports.Tx, refund *models.Refund) error {
	mt, err := asTx(t)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds = append(s.refunds, *refund)
	id := refund.ID
	mt.undo = append(mt.undo, func() {
		out := s.refunds[:0]
		for _, r := range s.refunds {
			if r.ID != id {
				out = append(out, r)
			}
		}
		s.refunds = out
	})
	return nil
}

var _ ports.PaymentRepository = (*Store)(nil)
