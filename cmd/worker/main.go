package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/provisio-io/provisio/internal/app"
	"github.com/provisio-io/provisio/internal/authz"
	"github.com/provisio-io/provisio/internal/directory"
	jobmetrics "github.com/provisio-io/provisio/internal/jobs"
	"github.com/provisio-io/provisio/internal/observability"
	"github.com/provisio-io/provisio/internal/platform/cache"
	"github.com/provisio-io/provisio/internal/platform/db"
	"github.com/provisio-io/provisio/internal/provisioning"
	"github.com/provisio-io/provisio/internal/saga"
	"github.com/provisio-io/provisio/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	metrics := observability.NewMetrics()
	sagaMetrics := observability.NewSagaMetrics(metrics.Registerer())

	tupleStore := authz.NewPostgresStore(pool)
	authzService := authz.NewService(tupleStore, logger)
	directoryRepo := directory.NewRepository(pool)
	notifier := jobs.NewApproverNotifier(jobClient, cfg.ApproverEmail, cfg.PublicBaseURL, logger)

	runtime := saga.NewRuntime(
		saga.NewPostgresStore(pool),
		saga.NewAsynqDriver(jobClient.Raw()),
		saga.WithLogger(logger),
		saga.WithNotifier(saga.NewRedisNotifier(redisClient, logger)),
		saga.WithObserver(sagaMetrics),
	)
	provisioning.NewWorkflows(provisioning.Policies{
		Step:            saga.DefaultRetryPolicy(),
		ApprovalTimeout: cfg.ApprovalTimeout,
	}).Register(runtime)
	provisioning.NewActivities(authzService, directoryRepo, notifier, logger).Register(runtime)

	mailer := jobs.NewMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, logger, jobmetrics.NewMetrics(metrics.Registerer()))

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: saga.TaskTypeActivity, Handler: runtime.HandleActivityTask},
			{Type: saga.TaskTypeTimer, Handler: runtime.HandleTimerTask},
			{Type: jobs.TaskTypeSendEmail, Handler: mailer.HandleSendEmail},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	// Re-dispatch work that may have been lost while the worker was down.
	if err := runtime.ResumeAll(ctx); err != nil {
		logger.Error("resume saga instances", slog.Any("error", err))
	}

	mux := chi.NewRouter()
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Method(http.MethodGet, "/metrics", metrics.Handler())
	httpServer := &http.Server{Addr: cfg.WorkerAddr, Handler: mux}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("worker http listening", slog.String("addr", cfg.WorkerAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
