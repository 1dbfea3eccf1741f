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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/httpapi"
	"github.com/gantryhq/gantry/internal/logger"
	"github.com/gantryhq/gantry/internal/logstream"
	"github.com/gantryhq/gantry/internal/migrate"
	"github.com/gantryhq/gantry/internal/queue"
	"github.com/gantryhq/gantry/internal/repository/postgres"
	"github.com/gantryhq/gantry/internal/scheduler"
	"github.com/gantryhq/gantry/internal/ws"
)

func main() {
	cfg := config.LoadControlPlaneConfig()
	log := logger.New("controlplane", slog.LevelInfo)

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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("redis ping failed", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}

	q := queue.New(rdb, repo, log, queue.Config{
		VisibilityTimeout: cfg.QueueVisibilityTimeout,
		MaxAttempts:       cfg.QueueMaxAttempts,
		BackoffBase:       cfg.QueueBackoffBase,
		BackoffMax:        cfg.QueueBackoffMax,
	})

	hub := ws.NewHub(cfg.LogStreamBuffer)
	relay := logstream.NewRelay(rdb, hub, log)
	go relay.Run(ctx)

	schedSvc := scheduler.NewService(repo, repo, q, log)
	issuer := httpapi.NewTokenIssuer(cfg.WorkerTokenSecret, cfg.WorkerTokenTTL)
	router := httpapi.NewRouter(log, repo, repo, repo, q, schedSvc, hub, issuer, pool.Ping)

	go reapStaleNodes(ctx, repo, cfg, log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("control plane starting", "addr", cfg.Addr, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("control plane stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// reapStaleNodes marks nodes offline when their heartbeats stop, so the
// scheduler stops placing work on them.
func reapStaleNodes(ctx context.Context, repo *postgres.Repository, cfg config.ControlPlaneConfig, log *slog.Logger) {
	ticker := time.NewTicker(cfg.NodeReapEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-cfg.NodeOfflineAfter)
			marked, err := repo.MarkStaleNodesOffline(ctx, cutoff)
			if err != nil {
				log.Warn("node reap failed", "error", err)
				continue
			}
			if marked > 0 {
				log.Info("nodes marked offline", "count", marked, "stale_after", cfg.NodeOfflineAfter.String())
			}
		}
	}
}
