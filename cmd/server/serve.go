package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"payment-service/internal/api"
	"payment-service/internal/broker"
	"payment-service/internal/fraud"
	"payment-service/internal/gateway"
	"payment-service/internal/models"
	"payment-service/internal/ports"
	"payment-service/internal/redisclient"
	"payment-service/internal/service"
	"payment-service/internal/store/memstore"
	"payment-service/internal/util"
	"payment-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// demoProduct is seeded into the in-memory store so a fresh process can
// take orders.
var demoProduct = models.Product{ID: "demo-course", Name: "Demo course", PriceCents: 4900, Currency: "USD", IsActive: true}

func serve(c *cli.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer util.SyncLogger(logger)
	logger.Info("Starting payment service")

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer("payment-service", cfg.Observ.JaegerEndpoint)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Error("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	readiness := map[string]api.ReadinessCheck{}

	var repo ports.PaymentRepository
	switch cfg.Database.Driver {
	case "memory":
		mem := memstore.New()
		mem.AddProduct(demoProduct, 100)
		repo = mem
		logger.Warn("Using in-memory store; data is lost on restart", zap.String("demo_product", demoProduct.ID))
	default:
		db, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(false); err != nil {
			return err
		}
		readiness["database"] = db.Ping
		repo = db
		logger.Info("Database connected")
	}

	var counters fraud.CounterStore = fraud.NewMemoryCounterStore()
	var locker worker.Locker
	if cfg.Redis.Enabled {
		rc, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		defer rc.Close()
		counters = fraud.NewRedisCounterStore(rc)
		locker = rc
		readiness["redis"] = rc.Ping
		logger.Info("Redis connected")
	}

	var publisher ports.EventPublisher = ports.NopPublisher{}
	if cfg.Kafka.Enabled {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, logger)
		defer producer.Close()
		publisher = broker.NewEventPublisher(producer)
		logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicPayments))
	}

	gateways, err := gateway.DefaultRegistry().Build(cfg, logger)
	if err != nil {
		return err
	}

	limits := service.Limits{
		MinAmountCents: cfg.Payments.MinAmountCents,
		MaxAmountCents: cfg.Payments.MaxAmountCents,
		MaxDailyOrders: cfg.Payments.MaxDailyOrders,
	}
	webhooks := service.NewHandleWebhookUseCase(repo, gateways, publisher, logger)

	handler := api.NewHandler(api.Deps{
		CreateOrder:    service.NewCreateOrderUseCase(repo, publisher, limits, logger),
		ProcessPayment: service.NewProcessPaymentUseCase(repo, gateways, publisher, logger),
		Webhook:        webhooks,
		Refund:         service.NewRefundPaymentUseCase(repo, gateways, publisher, logger),
		Orders:         service.NewOrderQueries(repo),
		Guard: fraud.NewGuard(counters, fraud.GuardConfig{
			BlockedIPs:       cfg.Fraud.BlockedIPs,
			FailureThreshold: cfg.Fraud.FailureThreshold,
			FailureWindow:    cfg.Fraud.FailureWindow,
		}, logger),
		RateLimiter: fraud.NewRateLimiter(counters, cfg.Fraud.RateLimitMax, cfg.Fraud.RateLimitWindow, logger),
		Auth:        api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		CORSOrigins: cfg.Server.CORSOrigins,
		Readiness:   readiness,
	}, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var reconciler *worker.ReconcileWorker
	if cfg.Reconciler.Enabled {
		reconciler = worker.NewReconcileWorker(repo, webhooks, gateways, locker, worker.Config{
			Interval:   cfg.Reconciler.Interval,
			StaleAfter: cfg.Reconciler.StaleAfter,
			BatchSize:  cfg.Reconciler.BatchSize,
		}, logger)
		go reconciler.Start(workerCtx)
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("failed to start server: %w", err)
	}

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if reconciler != nil {
		reconciler.Stop()
	}

	logger.Info("Server exited")
	return nil
}
