package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"settlecore/config"
	"settlecore/engine"
	"settlecore/expiry"
	"settlecore/models"
	"settlecore/observability/logging"
	"settlecore/outbox"
	"settlecore/server"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logging.Setup("settlecored", "").Error("configuration error", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup("settlecored", cfg.Environment)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := models.AutoMigrate(db); err != nil {
		logger.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng := engine.New(db, logger,
		engine.WithMockMode(cfg.MockMode),
		engine.WithTxTimeout(cfg.TxTimeout),
	)

	broadcaster := outbox.NewBroadcaster()
	sinks := []outbox.Deliverer{broadcaster}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, outbox.NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout))
	}
	drainer := outbox.NewDrainer(db, logger, sinks,
		outbox.WithInterval(cfg.DrainInterval),
		outbox.WithBatchSize(cfg.DrainBatchSize),
	)
	go drainer.Run(ctx)

	sweeper := expiry.New(db, eng, logger,
		expiry.WithInterval(cfg.SweepInterval),
		expiry.WithBatchSize(cfg.SweepBatchSize),
		expiry.WithRateLimit(cfg.SweepRate, cfg.SweepBurst),
	)
	go sweeper.Run(ctx)

	srv := server.New(server.Config{
		DB:          db,
		Engine:      eng,
		Drainer:     drainer,
		Broadcaster: broadcaster,
		APISecret:   cfg.APISecret,
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Handler(),
	}

	go func() {
		logger.Info("settlement core listening", "port", cfg.Port, "mock_mode", cfg.MockMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}
