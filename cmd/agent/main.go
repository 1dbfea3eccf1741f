package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/gantryhq/gantry/internal/agent"
	"github.com/gantryhq/gantry/internal/billing"
	"github.com/gantryhq/gantry/internal/blob"
	"github.com/gantryhq/gantry/internal/builder"
	"github.com/gantryhq/gantry/internal/builder/cache"
	"github.com/gantryhq/gantry/internal/builder/workspace"
	"github.com/gantryhq/gantry/internal/config"
	"github.com/gantryhq/gantry/internal/container/docker"
	"github.com/gantryhq/gantry/internal/deployer"
	"github.com/gantryhq/gantry/internal/logger"
	"github.com/gantryhq/gantry/internal/logstream"
	"github.com/gantryhq/gantry/internal/queue"
	"github.com/gantryhq/gantry/internal/repository/postgres"
	"github.com/gantryhq/gantry/internal/scheduler"
)

func main() {
	cfg := config.LoadAgentConfig()
	log := logger.New("agent", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
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

	q := queue.New(rdb, repo, log, queue.Config{})

	store, err := openBlobStore(ctx, cfg)
	if err != nil {
		log.Error("failed to open blob store", "backend", cfg.BlobBackend, "error", err)
		os.Exit(1)
	}

	buildCache := cache.New(store, log, cfg.CacheRetention, cfg.CacheMaxPerApp)

	wsManager, err := workspace.New(cfg.Workdir)
	if err != nil {
		log.Error("failed to prepare workspace root", "dir", cfg.Workdir, "error", err)
		os.Exit(1)
	}

	pipeline := builder.New(repo, repo, repo, q, store, buildCache, wsManager,
		logstream.NewPublisher(rdb, log), log, builder.Config{
			GitTimeout:       cfg.GitTimeout,
			BuildTimeout:     cfg.BuildTimeout,
			DefaultBuildpack: cfg.DefaultBuildpack,
		})

	executor := deployer.New(repo, repo, repo, repo, scheduler.NewNodeSelector(repo),
		backend, store, billing.NewLogSampler(log), log, deployer.Config{
			RunnerImage: cfg.RunnerImage,
			SlugDir:     cfg.SlugDir,
		})

	client := agent.NewClient(cfg.ControlPlaneURL, 15*time.Second)
	a := agent.New(cfg, client, backend, q, repo, repo, pipeline, executor, wsManager, log)

	if err := a.Run(ctx); err != nil {
		log.Error("agent exited", "error", err)
		os.Exit(1)
	}
}

func openBlobStore(ctx context.Context, cfg config.AgentConfig) (blob.Store, error) {
	if cfg.BlobBackend == "s3" {
		return blob.NewS3Store(ctx, blob.S3Config{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3Endpoint != "",
		})
	}
	return blob.NewLocalStore(cfg.BlobLocalDir)
}
