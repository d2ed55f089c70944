package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-service/internal/apperr"
	"payment-service/internal/models"
	"payment-service/internal/ports"
	"payment-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type ProcessPaymentInput struct {
	OrderID string
	UserID  string
	Buyer   ports.Buyer
	// Gateway selects a provider by name; empty means the default gateway.
	Gateway   string
	IPAddress string
}

type ProcessPaymentResult struct {
	OrderID        string                   `json:"order_id"`
	TransactionID  string                   `json:"transaction_id"`
	Gateway        string                   `json:"gateway"`
	GatewayOrderID string                   `json:"gateway_order_id"`
	Status         models.TransactionStatus `json:"status"`
	RedirectURL    string                   `json:"redirect_url,omitempty"`
	ClientSecret   string                   `json:"client_secret,omitempty"`
}

// ProcessPaymentUseCase hands a PENDING order to a gateway. No database
// transaction is open while the gateway is called.
type ProcessPaymentUseCase struct {
	repo      ports.PaymentRepository
	gateways  ports.GatewayResolver
	publisher ports.EventPublisher
	logger    *zap.Logger
}

func NewProcessPaymentUseCase(repo ports.PaymentRepository, gateways ports.GatewayResolver, publisher ports.EventPublisher, logger *zap.Logger) *ProcessPaymentUseCase {
	return &ProcessPaymentUseCase{
		repo:      repo,
		gateways:  gateways,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "process_payment")),
	}
}

func (uc *ProcessPaymentUseCase) Execute(ctx context.Context, in ProcessPaymentInput) (*ProcessPaymentResult, error) {
	ctx, span := util.StartSpan(ctx, "ProcessPaymentUseCase.Execute")
	defer span.End()

	gw := uc.gateways.Default()
	if in.Gateway != "" {
		var err error
		if gw, err = uc.gateways.Get(in.Gateway); err != nil {
			return nil, apperr.ErrUnknownGateway.WithMeta("gateway", in.Gateway)
		}
	}

	order, ptx, err := uc.begin(ctx, gw.Name(), in)
	if err != nil {
		return nil, err
	}
	log := uc.logger.With(
		zap.String("order_id", order.ID),
		zap.String("transaction_id", ptx.ID),
		zap.String("gateway", gw.Name()))

	intent, gwErr := createPaymentSafely(ctx, gw, ports.PaymentRequest{
		OrderID:        order.ID,
		AmountCents:    order.TotalAmount,
		Currency:       order.Currency,
		Description:    fmt.Sprintf("Order %s", order.ID),
		IdempotencyKey: ptx.ID,
		Buyer:          in.Buyer,
		Items: []ports.LineItem{{
			ID:         order.ProductID,
			Title:      order.ProductID,
			Quantity:   1,
			UnitAmount: order.TotalAmount,
		}},
	})
	if gwErr != nil {
		log.Error("Gateway rejected payment creation", zap.Error(gwErr))
		uc.recordFailure(ctx, order, ptx, gwErr, in.IPAddress)
		return nil, apperr.ErrGateway.Wrap(gwErr).WithMeta("order_id", order.ID)
	}

	if err := uc.storeIntent(ctx, gw, ptx, intent, in.UserID); err != nil {
		log.Error("Failed to store gateway reference; payment left for reconciliation",
			zap.String("gateway_order_id", intent.GatewayOrderID), zap.Error(err))
		return nil, err
	}

	util.PaymentsInitiatedTotal.WithLabelValues(gw.Name()).Inc()
	log.Info("Payment initiated", zap.String("gateway_order_id", intent.GatewayOrderID))

	event := models.NewPaymentInitiatedEvent(order.ID, ptx.ID, gw.Name(), intent.GatewayOrderID)
	if err := uc.publisher.PublishPaymentInitiated(ctx, event); err != nil {
		log.Error("Failed to publish PaymentInitiated event", zap.Error(err))
	}

	return &ProcessPaymentResult{
		OrderID:        order.ID,
		TransactionID:  ptx.ID,
		Gateway:        gw.Name(),
		GatewayOrderID: intent.GatewayOrderID,
		Status:         ptx.Status,
		RedirectURL:    intent.RedirectURL,
		ClientSecret:   intent.ClientSecret,
	}, nil
}

// begin moves the order to PROCESSING and records an INITIATED transaction in
// one committed unit of work.
func (uc *ProcessPaymentUseCase) begin(ctx context.Context, gatewayName string, in ProcessPaymentInput) (*models.Order, *models.PaymentTransaction, error) {
	tx, err := uc.repo.BeginTx(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(uc.logger, tx)

	order, err := lockOwnedOrder(ctx, uc.repo, tx, in.OrderID, in.UserID)
	if err != nil {
		return nil, nil, err
	}
	if !order.IsPending() {
		return nil, nil, apperr.ErrOrderNotPending.WithMeta("status", string(order.Status))
	}

	meta := withIP(map[string]any{"gateway": gatewayName}, in.IPAddress)
	if err := transitionOrder(ctx, uc.repo, tx, order, models.OrderStatusProcessing, in.UserID, meta); err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	ptx := &models.PaymentTransaction{
		ID:                 uuid.NewString(),
		OrderID:            order.ID,
		GatewayName:        gatewayName,
		Status:             models.TxStatusInitiated,
		Amount:             order.TotalAmount,
		Currency:           order.Currency,
		GatewayRawResponse: []byte(`{}`),
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := uc.repo.CreateTransaction(ctx, tx, ptx); err != nil {
		return nil, nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	entry := models.NewAuditEntry(models.EntityTransaction, ptx.ID, models.AuditTransactionCreated,
		"", string(ptx.Status), in.UserID, withIP(map[string]any{
			"order_id": order.ID,
			"gateway":  gatewayName,
			"amount":   ptx.Amount,
			"currency": ptx.Currency,
		}, in.IPAddress))
	if err := uc.repo.CreateAuditLog(ctx, tx, entry); err != nil {
		return nil, nil, fmt.Errorf("failed to write audit log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit payment start: %w", err)
	}
	return order, ptx, nil
}

// storeIntent records the gateway reference and moves a still INITIATED
// attempt to PENDING.
func (uc *ProcessPaymentUseCase) storeIntent(ctx context.Context, gw ports.PaymentGateway, ptx *models.PaymentTransaction, intent *ports.PaymentIntent, actor string) error {
	tx, err := uc.repo.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(uc.logger, tx)

	if _, err := uc.repo.LockOrder(ctx, tx, ptx.OrderID); err != nil {
		return fmt.Errorf("failed to lock order %s: %w", ptx.OrderID, err)
	}
	current, err := uc.repo.GetTransactionByID(ctx, tx, ptx.ID)
	if err != nil {
		return fmt.Errorf("failed to reload transaction: %w", err)
	}
	meta := map[string]any{"gateway_order_id": intent.GatewayOrderID}

	if current.Status != models.TxStatusInitiated {
		// The attempt was settled while the gateway call was in flight. Its
		// status stands; the reference is kept so late deliveries resolve.
		meta["reason"] = "attempt settled before gateway answered"
		update := ports.TransactionUpdate{Status: current.Status, GatewayOrderID: intent.GatewayOrderID}
		if err := updateTransactionStatus(ctx, uc.repo, tx, current, update, models.AuditTxStatusChanged, models.ActorSystem, meta); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit gateway reference: %w", err)
		}
		if err := cancelPayment(ctx, gw, intent.GatewayOrderID); err != nil {
			uc.logger.Error("Failed to cancel payment of a settled attempt",
				zap.String("transaction_id", ptx.ID), zap.String("gateway_order_id", intent.GatewayOrderID), zap.Error(err))
		}
		return apperr.ErrInvalidTransition.
			WithMessage("payment attempt was closed before the gateway answered").
			WithMeta("transaction_status", string(current.Status))
	}

	update := ports.TransactionUpdate{
		Status:         models.TxStatusPending,
		GatewayOrderID: intent.GatewayOrderID,
		RawResponse:    rawOrEmpty(intent.RawResponse),
	}
	if err := updateTransactionStatus(ctx, uc.repo, tx, ptx, update, models.AuditTxStatusChanged, actor, meta); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit gateway reference: %w", err)
	}
	return nil
}

// recordFailure marks the attempt ERROR and the order FAILED in a fresh unit
// of work that outlives the caller's context.
func (uc *ProcessPaymentUseCase) recordFailure(ctx context.Context, order *models.Order, ptx *models.PaymentTransaction, cause error, ip string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	log := uc.logger.With(zap.String("order_id", order.ID), zap.String("transaction_id", ptx.ID))
	err := func() error {
		tx, err := uc.repo.BeginTx(ctx)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer rollback(uc.logger, tx)

		locked, err := uc.repo.LockOrder(ctx, tx, order.ID)
		if err != nil {
			return fmt.Errorf("failed to lock order: %w", err)
		}
		if locked.Status != models.OrderStatusProcessing {
			log.Warn("Order left PROCESSING before failure was recorded", zap.String("status", string(locked.Status)))
			return nil
		}
		current, err := uc.repo.GetTransactionByID(ctx, tx, ptx.ID)
		if err != nil {
			return fmt.Errorf("failed to load transaction: %w", err)
		}

		raw, _ := marshalError(cause)
		meta := withIP(map[string]any{"reason": cause.Error()}, ip)
		update := ports.TransactionUpdate{Status: models.TxStatusError, RawResponse: raw}
		if err := failPayment(ctx, uc.repo, tx, locked, current, update, models.AuditTxStatusChanged, models.ActorSystem, meta); err != nil {
			return err
		}
		return tx.Commit()
	}()
	if err != nil {
		log.Error("Failed to record payment failure", zap.Error(err))
		return
	}

	util.OrdersFailedTotal.WithLabelValues("gateway_error").Inc()
	event := models.NewOrderFailedEvent(order.ID, ptx.ID, cause.Error())
	if err := uc.publisher.PublishOrderFailed(ctx, event); err != nil {
		log.Error("Failed to publish OrderFailed event", zap.Error(err))
	}
}

// createPaymentSafely turns a panicking gateway into an ordinary failure so
// the failure path always runs.
func createPaymentSafely(ctx context.Context, gw ports.PaymentGateway, req ports.PaymentRequest) (intent *ports.PaymentIntent, err error) {
	defer func() {
		if r := recover(); r != nil {
			intent, err = nil, fmt.Errorf("gateway panic: %v", r)
		}
	}()
	intent, err = gw.CreatePayment(ctx, req)
	if err == nil && (intent == nil || intent.GatewayOrderID == "") {
		err = errors.New("gateway returned no payment reference")
	}
	return intent, err
}
