package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/stackpilot/stackpilot/internal/app/migrate"
	"github.com/stackpilot/stackpilot/internal/domain"
	httpx "github.com/stackpilot/stackpilot/internal/http"
	"github.com/stackpilot/stackpilot/internal/platform"
	"github.com/stackpilot/stackpilot/internal/queue"
	"github.com/stackpilot/stackpilot/internal/repository/postgres"
	"github.com/stackpilot/stackpilot/internal/service/activity"
	"github.com/stackpilot/stackpilot/internal/service/cleanup"
	"github.com/stackpilot/stackpilot/internal/service/deploy"
	"github.com/stackpilot/stackpilot/internal/service/notify"
	"github.com/stackpilot/stackpilot/internal/service/webhook"
	"github.com/stackpilot/stackpilot/internal/ws"
	"github.com/stackpilot/stackpilot/pkg/config"
	"github.com/stackpilot/stackpilot/pkg/crypto"
	"github.com/stackpilot/stackpilot/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadWorkerConfig()
	log := logger.New("worker", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)

	var jobQueue queue.Queue
	var memQueue *queue.MemoryQueue
	if addr := strings.TrimSpace(cfg.QueueRedisAddr); addr != "" {
		redisQueue, err := queue.NewRedisQueue(addr, cfg.QueueRedisPassword, cfg.QueueRedisDB, log)
		if err != nil {
			log.Error("redis queue unavailable", "addr", addr, "error", err)
			os.Exit(1)
		}
		defer redisQueue.Close()
		jobQueue = redisQueue
		log.Info("queue backend selected", "backend", "redis", "addr", addr)
	} else {
		memQueue = queue.NewMemoryQueue()
		defer memQueue.Close()
		jobQueue = memQueue
		log.Info("queue backend selected", "backend", "memory")
	}

	dispatcher := queue.NewDispatcher(jobQueue, log, cfg.RetryBackoffBase, cfg.RetryBackoffMax)

	var client platform.Client
	httpClient, err := platform.New(cfg.PlatformAPIBaseURL, cfg.PlatformAPIKey, log)
	switch {
	case err == nil:
		client = httpClient
		log.Info("platform adapter configured", "base_url", cfg.PlatformAPIBaseURL)
	case errors.Is(err, platform.ErrMissingConfig):
		client = &platform.NullClient{}
		log.Info("no platform configured, deployments run simulated")
	default:
		log.Error("platform adapter misconfigured", "error", err)
		os.Exit(1)
	}

	secrets := crypto.Secret(cfg.SecretEncryptionKey)
	hub := ws.NewHub()
	defer hub.Shutdown()

	activitySvc := activity.New(repo, log)
	deploySvc := deploy.New(repo, repo, repo, activitySvc, dispatcher, hub, secrets, client, deploy.Config{
		Domain:       cfg.PlatformDomain,
		PollInterval: cfg.PlatformPollInterval,
		PollTimeout:  cfg.PlatformPollTimeout,
		StageDelay:   2 * time.Second,
	}, log)
	webhookSvc := webhook.New(repo, secrets, log, webhook.WithSenderName(cfg.WebhookSenderName))
	notifySvc := notify.New(notify.Config{
		APIBaseURL:   cfg.EmailAPIBaseURL,
		APIKey:       cfg.EmailAPIKey,
		From:         cfg.EmailFrom,
		SMTPAddr:     cfg.SMTPAddr,
		SMTPUsername: cfg.SMTPUsername,
		SMTPPassword: cfg.SMTPPassword,
		TemplateDir:  cfg.TemplateDir,
	}, log)
	cleanupSvc := cleanup.New(repo, repo, repo, log)

	registrations := []struct {
		jobType string
		handler queue.Handler
		opts    queue.Options
	}{
		{domain.JobTypeDeploy, deploySvc.HandleDeployJob, queue.Options{
			Concurrency:  cfg.DeployConcurrency,
			MaxAttempts:  cfg.MaxJobAttempts,
			Timeout:      cfg.JobTimeout,
			OnDeadLetter: deploySvc.HandleDeadLetter,
		}},
		{domain.JobTypeWebhook, webhookSvc.HandleDeliveryJob, queue.Options{
			Concurrency: cfg.WebhookConcurrency,
			MaxAttempts: cfg.MaxJobAttempts,
			Timeout:     time.Minute,
		}},
		{domain.JobTypeEmail, notifySvc.HandleEmailJob, queue.Options{
			Concurrency: cfg.EmailConcurrency,
			MaxAttempts: cfg.MaxJobAttempts,
			Timeout:     time.Minute,
		}},
		// retention sweeps must never overlap
		{domain.JobTypeCleanup, cleanupSvc.HandleCleanupJob, queue.Options{
			Concurrency: 1,
			MaxAttempts: cfg.MaxJobAttempts,
			Timeout:     cfg.JobTimeout,
		}},
	}
	for _, reg := range registrations {
		if err := dispatcher.Register(reg.jobType, reg.handler, reg.opts); err != nil {
			log.Error("handler registration failed", "job_type", reg.jobType, "error", err)
			os.Exit(1)
		}
	}

	dispatcherDone := make(chan struct{})
	go func() {
		defer close(dispatcherDone)
		dispatcher.Run(ctx)
	}()

	go scheduleCleanups(ctx, dispatcher, cfg.CleanupInterval, cfg.RetentionDays, log)

	router := httpx.New(log, hub, pool.Ping)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("worker server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		<-dispatcherDone
		log.Info("worker stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// scheduleCleanups enqueues the retention sweeps on a fixed interval.
func scheduleCleanups(ctx context.Context, dispatcher *queue.Dispatcher, interval time.Duration, retentionDays int, log *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sweep := range []string{cleanup.TypeDeployments, cleanup.TypeLogs, cleanup.TypeSessions} {
				job := domain.CleanupJob{Type: sweep, OlderThanDays: retentionDays}
				if _, err := dispatcher.Enqueue(ctx, domain.JobTypeCleanup, job); err != nil {
					log.Error("cleanup enqueue failed", "type", sweep, "error", err)
				}
			}
		}
	}
}
