package service

import (
	"context"
	"errors"
	"fmt"

	"payment-service/internal/apperr"
	"payment-service/internal/models"
	"payment-service/internal/ports"
	"payment-service/internal/util"

	"go.uber.org/zap"
)

// Webhook outcomes.
const (
	OutcomeProcessed        = "processed"
	OutcomeAlreadyProcessed = "already_processed"
	OutcomeNotFound         = "not_found"
	OutcomeIgnored          = "ignored"
	OutcomePending          = "pending"
)

type WebhookInput struct {
	// Gateway is the provider the delivery claims to come from; empty means
	// the default gateway.
	Gateway   string
	Body      []byte
	Headers   map[string]string
	IPAddress string
}

type WebhookResult struct {
	Outcome       string                   `json:"outcome"`
	OrderID       string                   `json:"order_id,omitempty"`
	TransactionID string                   `json:"transaction_id,omitempty"`
	Status        models.TransactionStatus `json:"status,omitempty"`
}

// ReconcileInput identifies a remote payment whose authoritative status
// should be applied locally.
type ReconcileInput struct {
	Gateway        ports.PaymentGateway
	GatewayOrderID string
	Actor          string
	IPAddress      string
	EventType      string
}

// HandleWebhookUseCase applies gateway outcomes to local state. Deliveries
// only trigger reconciliation; the status acted on always comes from the
// gateway's status endpoint.
type HandleWebhookUseCase struct {
	repo      ports.PaymentRepository
	gateways  ports.GatewayResolver
	publisher ports.EventPublisher
	logger    *zap.Logger
}

func NewHandleWebhookUseCase(repo ports.PaymentRepository, gateways ports.GatewayResolver, publisher ports.EventPublisher, logger *zap.Logger) *HandleWebhookUseCase {
	return &HandleWebhookUseCase{
		repo:      repo,
		gateways:  gateways,
		publisher: publisher,
		logger:    logger.With(zap.String("component", "webhook")),
	}
}

func (uc *HandleWebhookUseCase) Execute(ctx context.Context, in WebhookInput) (*WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "HandleWebhookUseCase.Execute")
	defer span.End()

	gw := uc.gateways.Default()
	if in.Gateway != "" {
		var err error
		if gw, err = uc.gateways.Get(in.Gateway); err != nil {
			return nil, apperr.ErrUnknownGateway.WithMeta("gateway", in.Gateway)
		}
	}

	verification, err := gw.VerifyWebhook(ctx, in.Body, in.Headers)
	if err != nil {
		util.WebhooksTotal.WithLabelValues(gw.Name(), "verify_error").Inc()
		uc.logger.Error("Webhook verification failed",
			zap.String("gateway", gw.Name()), zap.String("ip", in.IPAddress), zap.Error(err))
		return nil, apperr.ErrGateway.Wrap(err).WithMeta("gateway", gw.Name())
	}
	if verification == nil || !verification.Valid {
		util.WebhooksTotal.WithLabelValues(gw.Name(), "invalid_signature").Inc()
		uc.logger.Warn("Webhook signature rejected",
			zap.String("gateway", gw.Name()), zap.String("ip", in.IPAddress))
		return nil, apperr.ErrInvalidSignature.WithMeta("gateway", gw.Name())
	}

	event := verification.Event
	if event.GatewayOrderID == "" {
		util.WebhooksTotal.WithLabelValues(gw.Name(), OutcomeIgnored).Inc()
		uc.logger.Info("Webhook without payment reference ignored",
			zap.String("gateway", gw.Name()), zap.String("event_type", event.Type))
		return &WebhookResult{Outcome: OutcomeIgnored}, nil
	}

	res, err := uc.Reconcile(ctx, ReconcileInput{
		Gateway:        gw,
		GatewayOrderID: event.GatewayOrderID,
		Actor:          models.ActorWebhook,
		IPAddress:      in.IPAddress,
		EventType:      event.Type,
	})
	outcome := "error"
	if res != nil {
		outcome = res.Outcome
	}
	util.WebhooksTotal.WithLabelValues(gw.Name(), outcome).Inc()
	return res, err
}

// Reconcile queries the gateway for the payment's status and applies it to
// the transaction and its order under the order row lock.
func (uc *HandleWebhookUseCase) Reconcile(ctx context.Context, in ReconcileInput) (*WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "HandleWebhookUseCase.Reconcile")
	defer span.End()

	gwName := in.Gateway.Name()
	log := uc.logger.With(zap.String("gateway", gwName), zap.String("gateway_order_id", in.GatewayOrderID))

	found, err := uc.repo.FindTransactionByGatewayOrderID(ctx, gwName, in.GatewayOrderID)
	if errors.Is(err, ports.ErrNotFound) {
		log.Info("No local transaction for gateway payment")
		return &WebhookResult{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find transaction: %w", err)
	}

	remote, err := in.Gateway.GetPaymentStatus(ctx, in.GatewayOrderID)
	if err != nil {
		return nil, apperr.ErrGateway.Wrap(err).WithMeta("gateway_order_id", in.GatewayOrderID)
	}
	// Some gateways report a failure for payments the buyer can still
	// complete. Those are closed before the order is failed.
	if remote.Status.IsFailure() && (found.Status == models.TxStatusInitiated || found.Status == models.TxStatusPending) {
		if err := cancelPayment(ctx, in.Gateway, in.GatewayOrderID); err != nil {
			log.Warn("Failed to cancel payment before failing order", zap.Error(err))
			return nil, apperr.ErrGateway.Wrap(err).WithMeta("gateway_order_id", in.GatewayOrderID)
		}
	}

	tx, err := uc.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(uc.logger, tx)

	order, err := uc.repo.LockOrder(ctx, tx, found.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock order %s: %w", found.OrderID, err)
	}
	result := &WebhookResult{OrderID: order.ID, TransactionID: found.ID, Status: remote.Status}
	if order.Status == models.OrderStatusPaid || order.Status == models.OrderStatusRefunded {
		result.Outcome = OutcomeAlreadyProcessed
		return result, nil
	}

	ptx, err := uc.repo.GetTransactionByID(ctx, tx, found.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload transaction: %w", err)
	}
	if ptx.Status != models.TxStatusInitiated && ptx.Status != models.TxStatusPending {
		result.Outcome = OutcomeAlreadyProcessed
		return result, nil
	}

	action := models.AuditWebhookReceived
	if in.Actor != models.ActorWebhook {
		action = models.AuditTxStatusChanged
	}
	meta := withIP(map[string]any{
		"gateway_order_id": in.GatewayOrderID,
		"event_type":       in.EventType,
	}, in.IPAddress)
	update := ports.TransactionUpdate{Status: remote.Status, RawResponse: rawOrEmpty(remote.RawResponse)}

	var publish func()
	switch {
	case order.Status != models.OrderStatusProcessing:
		// The order already moved on (e.g. FAILED after a gateway timeout);
		// only the attempt is updated.
		if remote.Status == models.TxStatusApproved {
			log.Error("Gateway approved a payment for an order that is no longer processing; manual refund required",
				zap.String("order_id", order.ID), zap.String("order_status", string(order.Status)))
		}
		if remote.Status == ptx.Status {
			result.Outcome = OutcomePending
			return result, nil
		}
		meta["order_status"] = string(order.Status)
		if err := updateTransactionStatus(ctx, uc.repo, tx, ptx, update, action, in.Actor, meta); err != nil {
			return nil, err
		}
		result.Outcome = OutcomeProcessed

	case remote.Status == models.TxStatusApproved:
		if err := uc.approve(ctx, tx, order, ptx, update, action, in.Actor, meta); err != nil {
			return nil, err
		}
		result.Outcome = OutcomeProcessed
		publish = func() {
			util.OrdersPaidTotal.Inc()
			if err := uc.publisher.PublishOrderPaid(ctx, models.NewOrderPaidEvent(order, ptx.ID)); err != nil {
				log.Error("Failed to publish OrderPaid event", zap.Error(err))
			}
		}

	case remote.Status.IsFailure():
		if err := failPayment(ctx, uc.repo, tx, order, ptx, update, action, in.Actor, meta); err != nil {
			return nil, err
		}
		result.Outcome = OutcomeProcessed
		publish = func() {
			util.OrdersFailedTotal.WithLabelValues("rejected").Inc()
			event := models.NewOrderFailedEvent(order.ID, ptx.ID, string(remote.Status))
			if err := uc.publisher.PublishOrderFailed(ctx, event); err != nil {
				log.Error("Failed to publish OrderFailed event", zap.Error(err))
			}
		}

	default:
		result.Outcome = OutcomePending
		if remote.Status == ptx.Status {
			return result, nil
		}
		if err := updateTransactionStatus(ctx, uc.repo, tx, ptx, update, action, in.Actor, meta); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit reconciliation: %w", err)
	}
	log.Info("Payment reconciled",
		zap.String("order_id", order.ID),
		zap.String("transaction_id", ptx.ID),
		zap.String("status", string(remote.Status)),
		zap.String("actor", in.Actor))
	if publish != nil {
		publish()
	}
	return result, nil
}

// approve records the approval, marks the order PAID and turns the
// reservation into a permanent grant.
func (uc *HandleWebhookUseCase) approve(ctx context.Context, tx ports.Tx, order *models.Order, ptx *models.PaymentTransaction,
	update ports.TransactionUpdate, action, actor string, meta map[string]any) error {
	if err := updateTransactionStatus(ctx, uc.repo, tx, ptx, update, action, actor, copyMeta(meta)); err != nil {
		return err
	}
	if err := transitionOrder(ctx, uc.repo, tx, order, models.OrderStatusPaid, actor,
		map[string]any{"transaction_id": ptx.ID}); err != nil {
		return err
	}
	inv, err := uc.repo.AssignProductToUser(ctx, tx, order.ProductID, order.UserID, order.ID)
	if err != nil {
		return fmt.Errorf("failed to assign product: %w", err)
	}
	entry := models.NewAuditEntry(models.EntityOrder, order.ID, models.AuditInventoryAssigned,
		"", models.InventoryStatusActive, actor, map[string]any{
			"product_id":   order.ProductID,
			"user_id":      order.UserID,
			"inventory_id": inv.ID,
		})
	if err := uc.repo.CreateAuditLog(ctx, tx, entry); err != nil {
		return fmt.Errorf("failed to write audit log: %w", err)
	}
	return nil
}

// ExpireAttempt fails an INITIATED transaction that never got a gateway
// reference, releasing its order from PROCESSING.
func (uc *HandleWebhookUseCase) ExpireAttempt(ctx context.Context, transactionID string) (*WebhookResult, error) {
	ctx, span := util.StartSpan(ctx, "HandleWebhookUseCase.ExpireAttempt")
	defer span.End()

	tx, err := uc.repo.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(uc.logger, tx)

	ptx, err := uc.repo.GetTransactionByID(ctx, tx, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	order, err := uc.repo.LockOrder(ctx, tx, ptx.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock order %s: %w", ptx.OrderID, err)
	}
	if ptx, err = uc.repo.GetTransactionByID(ctx, tx, transactionID); err != nil {
		return nil, fmt.Errorf("failed to reload transaction: %w", err)
	}
	result := &WebhookResult{OrderID: order.ID, TransactionID: ptx.ID, Status: models.TxStatusError}
	if ptx.Status != models.TxStatusInitiated || ptx.GatewayOrderID != "" {
		result.Outcome = OutcomeAlreadyProcessed
		result.Status = ptx.Status
		return result, nil
	}

	meta := map[string]any{"reason": "no gateway reference recorded"}
	update := ports.TransactionUpdate{Status: models.TxStatusError}
	if order.Status == models.OrderStatusProcessing {
		err = failPayment(ctx, uc.repo, tx, order, ptx, update, models.AuditTxStatusChanged, models.ActorReconciler, meta)
	} else {
		err = updateTransactionStatus(ctx, uc.repo, tx, ptx, update, models.AuditTxStatusChanged, models.ActorReconciler, meta)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit expiry: %w", err)
	}
	uc.logger.Warn("Abandoned payment attempt expired",
		zap.String("order_id", order.ID), zap.String("transaction_id", ptx.ID))
	result.Outcome = OutcomeProcessed
	return result, nil
}
