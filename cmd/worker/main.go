package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/memberly-app/memberly-billing/internal/app"
	jobmetrics "github.com/memberly-app/memberly-billing/internal/jobs"
	"github.com/memberly-app/memberly-billing/internal/notify"
	"github.com/memberly-app/memberly-billing/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	pool, err := pgxpool.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq client close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	mailer := jobs.NewMailer(jobs.MailerConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, logger)

	taskCtx := &jobs.TaskContext{Pool: pool, Mailer: mailer, Logger: logger, Metrics: metrics}
	scanner := jobs.NewReminderScanner(pool, asynqClient, logger, metrics)

	scanTask, err := jobs.NewReminderScanTask(cfg.BillingCurrency)
	if err != nil {
		logger.Error("build reminder scan task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: notify.TaskDuesStatusChanged, Handler: taskCtx.HandleDuesStatusChanged},
			{Type: notify.TaskRefundFollowup, Handler: taskCtx.HandleRefundFollowup},
			{Type: jobs.TaskDuesReminder, Handler: taskCtx.HandleDuesReminder},
			{Type: jobs.TaskDuesReminderScan, Handler: scanner.HandleScan},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 9 * * *", Task: scanTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
