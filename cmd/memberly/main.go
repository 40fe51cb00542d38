package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memberly-app/memberly-billing/internal/app"
	"github.com/memberly-app/memberly-billing/internal/authz"
	"github.com/memberly-app/memberly-billing/internal/checkout"
	"github.com/memberly-app/memberly-billing/internal/dues"
	"github.com/memberly-app/memberly-billing/internal/gateway"
	"github.com/memberly-app/memberly-billing/internal/ledger"
	"github.com/memberly-app/memberly-billing/internal/notify"
	"github.com/memberly-app/memberly-billing/internal/observability"
	"github.com/memberly-app/memberly-billing/internal/platform/cache"
	"github.com/memberly-app/memberly-billing/internal/recon"
	"github.com/memberly-app/memberly-billing/internal/shared"
	"github.com/memberly-app/memberly-billing/internal/subscription"
	"github.com/memberly-app/memberly-billing/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	authorizer := authz.NewRepository(dbpool)
	audit := shared.NewAuditTrail(dbpool, logger)

	duesRepo := dues.NewRepository(dbpool)
	projection := dues.NewProjectionRepository(dbpool)
	duesService := dues.NewService(duesRepo, projection, authorizer, audit, logger)
	duesHandler := dues.NewHandler(logger, duesService)

	ledgerRepo := ledger.NewRepository(dbpool)
	ledgerCache := ledger.NewCache(redisClient, 10*time.Minute)
	ledgerService := ledger.NewService(ledgerRepo, ledgerCache, logger)
	ledgerHandler := ledger.NewHandler(logger, ledgerService, authorizer)

	gatewayClient := gateway.NewMidtrans(cfg.GatewayServerKey, cfg.GatewayProduction)
	checkoutRepo := checkout.NewRepository(dbpool)
	checkoutService := checkout.NewService(duesService, checkoutRepo, checkoutRepo, checkoutRepo, gatewayClient, checkout.Config{
		SuccessURL: cfg.CheckoutSuccessURL,
		CancelURL:  cfg.CheckoutCancelURL,
	}, logger)
	checkoutHandler := checkout.NewHandler(logger, checkoutService)

	subscriptionRepo := subscription.NewRepository(dbpool)
	notifier := notify.NewQueueNotifier(asynqClient, logger)
	engine := recon.NewEngine(ledgerService, duesService, subscriptionRepo, notifier, logger, metrics)
	reconHandler := recon.NewHandler(logger, engine, cfg.WebhookSecret, metrics)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		DuesHandler:     duesHandler,
		CheckoutHandler: checkoutHandler,
		LedgerHandler:   ledgerHandler,
		ReconHandler:    reconHandler,
		JobHandler:      jobHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
