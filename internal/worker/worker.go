package worker

import (
	"context"
	"sync"
	"time"

	"payment-service/internal/models"
	"payment-service/internal/ports"
	"payment-service/internal/service"
	"payment-service/internal/util"

	"go.uber.org/zap"
)

const sweepLockKey = "payments:reconciler"

// Reconciler is the part of the webhook use-case the sweep drives.
type Reconciler interface {
	Reconcile(ctx context.Context, in service.ReconcileInput) (*service.WebhookResult, error)
	ExpireAttempt(ctx context.Context, transactionID string) (*service.WebhookResult, error)
}

// Locker provides a cross-replica lock. Acquire returns an empty token when
// another holder owns the key.
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

type Config struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

// ReconcileWorker polls gateways for transactions whose webhook never
// arrived and applies the authoritative status.
type ReconcileWorker struct {
	repo       ports.PaymentRepository
	reconciler Reconciler
	gateways   ports.GatewayResolver
	locker     Locker
	cfg        Config
	logger     *zap.Logger
	now        func() time.Time

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// NewReconcileWorker creates the worker. locker may be nil for a single
// replica deployment.
func NewReconcileWorker(
	repo ports.PaymentRepository,
	reconciler Reconciler,
	gateways ports.GatewayResolver,
	locker Locker,
	cfg Config,
	logger *zap.Logger,
) *ReconcileWorker {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &ReconcileWorker{
		repo:       repo,
		reconciler: reconciler,
		gateways:   gateways,
		locker:     locker,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "reconciler")),
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs sweeps every interval until ctx is cancelled or Stop is called.
func (w *ReconcileWorker) Start(ctx context.Context) {
	defer close(w.done)
	w.logger.Info("Starting reconcile worker",
		zap.Duration("interval", w.cfg.Interval), zap.Duration("stale_after", w.cfg.StaleAfter))

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Error("Reconcile sweep failed", zap.Error(err))
			}
		}
	}
}

// Stop ends the loop and waits for an in-flight sweep to finish.
func (w *ReconcileWorker) Stop() {
	w.once.Do(func() { close(w.stop) })
	<-w.done
	w.logger.Info("Reconcile worker stopped")
}

// SweepStats counts what one sweep did.
type SweepStats struct {
	Checked   int
	Processed int
	Failed    int
}

// Sweep reconciles one batch of stale transactions.
func (w *ReconcileWorker) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	if w.locker != nil {
		token, err := w.locker.AcquireLock(ctx, sweepLockKey, w.cfg.Interval)
		if err != nil {
			util.ReconcilerSweepsTotal.WithLabelValues("error").Inc()
			return stats, err
		}
		if token == "" {
			util.ReconcilerSweepsTotal.WithLabelValues("skipped").Inc()
			return stats, nil
		}
		defer func() {
			if err := w.locker.ReleaseLock(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
				w.logger.Warn("Failed to release reconciler lock", zap.Error(err))
			}
		}()
	}

	stale, err := w.repo.ListStaleTransactions(ctx, w.now().Add(-w.cfg.StaleAfter), w.cfg.BatchSize)
	if err != nil {
		util.ReconcilerSweepsTotal.WithLabelValues("error").Inc()
		return stats, err
	}

	for i := range stale {
		if ctx.Err() != nil {
			break
		}
		stats.Checked++
		res, err := w.reconcileOne(ctx, &stale[i])
		if res == nil || res.Outcome != service.OutcomeProcessed {
			w.markChecked(ctx, stale[i].ID)
		}
		if err != nil {
			stats.Failed++
			w.logger.Error("Failed to reconcile transaction",
				zap.String("transaction_id", stale[i].ID), zap.String("order_id", stale[i].OrderID), zap.Error(err))
			continue
		}
		if res.Outcome == service.OutcomeProcessed {
			stats.Processed++
		}
	}

	util.ReconcilerSweepsTotal.WithLabelValues("ok").Inc()
	if stats.Checked > 0 {
		w.logger.Info("Reconcile sweep finished",
			zap.Int("checked", stats.Checked), zap.Int("processed", stats.Processed), zap.Int("failed", stats.Failed))
	}
	return stats, nil
}

// markChecked requeues a transaction the sweep could not settle so the next
// batch reaches rows behind it.
func (w *ReconcileWorker) markChecked(ctx context.Context, transactionID string) {
	if err := w.repo.MarkTransactionChecked(context.WithoutCancel(ctx), transactionID, w.now()); err != nil {
		w.logger.Warn("Failed to record reconcile check",
			zap.String("transaction_id", transactionID), zap.Error(err))
	}
}

func (w *ReconcileWorker) reconcileOne(ctx context.Context, ptx *models.PaymentTransaction) (*service.WebhookResult, error) {
	if ptx.GatewayOrderID == "" {
		return w.reconciler.ExpireAttempt(ctx, ptx.ID)
	}
	gw, err := w.gateways.Get(ptx.GatewayName)
	if err != nil {
		return nil, err
	}
	return w.reconciler.Reconcile(ctx, service.ReconcileInput{
		Gateway:        gw,
		GatewayOrderID: ptx.GatewayOrderID,
		Actor:          models.ActorReconciler,
		EventType:      "reconcile.poll",
	})
}
