package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"payment-service/config"
	"payment-service/internal/broker"
	"payment-service/internal/models"
	"payment-service/internal/store"
	"payment-service/internal/util"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "payment-service",
		Usage: "digital product checkout and payment processing",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the HTTP API and the reconcile worker",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "apply database migrations",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "down", Usage: "roll back every migration"},
				},
				Action: migrate,
			},
			{
				Name:  "seed-product",
				Usage: "create or update a product and its stock",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "id", Required: true},
					&cli.StringFlag{Name: "name", Required: true},
					&cli.Int64Flag{Name: "price-cents", Required: true},
					&cli.StringFlag{Name: "currency", Value: "USD"},
					&cli.IntFlag{Name: "stock", Value: 100},
				},
				Action: seedProduct,
			},
			{
				Name:  "events",
				Usage: "tail the payment events topic",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "group", Value: "payment-events-tail", Usage: "consumer group id"},
				},
				Action: tailEvents,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("payment-service: %v", err)
	}
}

// setup loads configuration and builds the process logger.
func setup() (*config.Config, *zap.Logger, error) {
	cfg := config.Load()
	logger, err := util.NewLogger(cfg.Server.Env)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.Database.Driver != "postgres" {
		return nil, fmt.Errorf("command requires DATABASE_DRIVER=postgres, got %q", cfg.Database.Driver)
	}
	return store.NewStore(cfg.Database.URL, cfg.Database.MaxOpenConns)
}

func migrate(c *cli.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer util.SyncLogger(logger)

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(c.Bool("down")); err != nil {
		return err
	}
	version, dirty, err := db.MigrationVersion()
	if err != nil {
		return err
	}
	logger.Info("Migrations applied", zap.Bool("down", c.Bool("down")), zap.Uint("version", version), zap.Bool("dirty", dirty))
	return nil
}

func seedProduct(c *cli.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer util.SyncLogger(logger)

	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	product := models.Product{
		ID:         c.String("id"),
		Name:       c.String("name"),
		PriceCents: c.Int64("price-cents"),
		Currency:   c.String("currency"),
		IsActive:   true,
	}
	if err := db.SeedProduct(c.Context, product, c.Int("stock")); err != nil {
		return err
	}
	logger.Info("Product seeded", zap.String("product_id", product.ID), zap.Int("stock", c.Int("stock")))
	return nil
}

func tailEvents(c *cli.Context) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defer util.SyncLogger(logger)

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayments, c.String("group"), logger)
	defer consumer.Close()

	handler := broker.NewEventHandler(logger)
	handler.OnAny(func(ctx context.Context, base models.BaseEvent, raw []byte) error {
		logger.Info("Payment event",
			zap.String("event_type", base.EventType),
			zap.String("event_id", base.EventID),
			zap.Time("timestamp", base.Timestamp),
			zap.ByteString("payload", raw))
		return nil
	})
	handler.OnOrderFailed(func(ctx context.Context, event *models.OrderFailedEvent) error {
		logger.Warn("Order failed", zap.String("order_id", event.OrderID), zap.String("reason", event.Reason))
		return nil
	})

	err = consumer.StartConsuming(ctx, handler.HandleMessage)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
