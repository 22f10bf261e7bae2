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

	"github.com/provisio-io/provisio/internal/app"
	"github.com/provisio-io/provisio/internal/approvals"
	"github.com/provisio-io/provisio/internal/authz"
	"github.com/provisio-io/provisio/internal/directory"
	"github.com/provisio-io/provisio/internal/observability"
	"github.com/provisio-io/provisio/internal/platform/cache"
	"github.com/provisio-io/provisio/internal/platform/db"
	"github.com/provisio-io/provisio/internal/provisioning"
	"github.com/provisio-io/provisio/internal/saga"
	"github.com/provisio-io/provisio/internal/shared"
	"github.com/provisio-io/provisio/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
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

	metrics := observability.NewMetrics()
	sagaMetrics := observability.NewSagaMetrics(metrics.Registerer())

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	tupleStore := authz.NewPostgresStore(dbpool)
	authzService := authz.NewService(tupleStore, logger)
	directoryRepo := directory.NewRepository(dbpool)

	runtime := saga.NewRuntime(
		saga.NewPostgresStore(dbpool),
		saga.NewAsynqDriver(jobClient.Raw()),
		saga.WithLogger(logger),
		saga.WithNotifier(saga.NewRedisNotifier(redisClient, logger)),
		saga.WithObserver(sagaMetrics),
	)
	provisioning.NewWorkflows(provisioning.Policies{
		Step:            saga.DefaultRetryPolicy(),
		ApprovalTimeout: cfg.ApprovalTimeout,
	}).Register(runtime)
	notifier := jobs.NewApproverNotifier(jobClient, cfg.ApproverEmail, cfg.PublicBaseURL, logger)
	provisioning.NewActivities(authzService, directoryRepo, notifier, logger).Register(runtime)

	recorder := approvals.NewRecorder(dbpool, logger)
	idempotencyStore := shared.NewIdempotencyStore(dbpool)
	provisioningService := provisioning.NewService(runtime, idempotencyStore, recorder, logger)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		ProvisioningHandler: provisioning.NewHandler(logger, provisioningService),
		DirectoryHandler:    directory.NewHandler(logger, directory.NewService(directoryRepo)),
		AuthzHandler:        authz.NewHandler(logger, authzService),
		JobHandler:          jobs.NewHandler(inspector, logger),
		Metrics:             metrics,
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
