package app

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/mangaforge/mangaforge/internal/compose"
	"github.com/mangaforge/mangaforge/internal/middleware"
	"github.com/mangaforge/mangaforge/internal/pipeline"
	"github.com/mangaforge/mangaforge/internal/progresshub"
	"github.com/mangaforge/mangaforge/internal/ratelimit"
	"github.com/mangaforge/mangaforge/internal/repository"
	"github.com/mangaforge/mangaforge/internal/runner"
	"github.com/mangaforge/mangaforge/internal/services"
	"github.com/mangaforge/mangaforge/internal/storage"
	"github.com/mangaforge/mangaforge/internal/tracing"
	"github.com/mangaforge/mangaforge/pkg/capability"
	"github.com/mangaforge/mangaforge/pkg/config"

	// Provider adapters register themselves with the capability registry.
	_ "github.com/mangaforge/mangaforge/pkg/capability/anthropic"
	_ "github.com/mangaforge/mangaforge/pkg/capability/comfyui"
	_ "github.com/mangaforge/mangaforge/pkg/capability/edgetts"
	_ "github.com/mangaforge/mangaforge/pkg/capability/fishspeech"
	_ "github.com/mangaforge/mangaforge/pkg/capability/kling"
	_ "github.com/mangaforge/mangaforge/pkg/capability/openai"
	_ "github.com/mangaforge/mangaforge/pkg/capability/sadtalker"
)

type Application struct {
	Config   *config.Config
	Engine   *gin.Engine
	Logger   *slog.Logger
	Redis    *redis.Client
	Store    storage.Store
	Registry *capability.Registry
	Hub      *progresshub.Hub
	Runner   *runner.Runner

	Tasks     services.TaskService
	Providers services.ProviderService
	Episodes  services.EpisodeService

	RateLimiter     ratelimit.Limiter
	TracingShutdown func(context.Context) error
}

func NewApplication(cfg *config.Config) (*Application, error) {
	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	rdb := storage.NewRedisClient(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"))

	shutdown, err := tracing.Setup(context.Background(), tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  "mangaforge",
		OTLPEndpoint: cfg.Tracing.Endpoint,
		OTLPInsecure: true,
		SampleRatio:  tracing.ParseSampleRatio(os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
	}, logger)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}

	taskRepo := repository.NewTaskRepository(rdb, time.Duration(cfg.RetentionHours)*time.Hour)
	episodeRepo := repository.NewEpisodeRepository(rdb)
	configRepo := repository.NewUserConfigRepository(rdb)

	registry := capability.NewRegistry(cfg.CapabilityDefaults(), configRepo)
	hub := progresshub.New(rdb, logger, 64)

	composer := compose.NewFFmpeg(cfg.Compose.FFmpegPath, logger)
	pipe := pipeline.New(registry, store, composer, cfg.Compose.WorkDir, logger)
	orch := pipeline.NewOrchestrator(pipe, logger)

	run := runner.New(runner.Options{
		Workers:             cfg.WorkerCount,
		TaskTimeout:         time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		LeaseSeconds:        cfg.DefaultLeaseSeconds,
		RequeueInspectLimit: cfg.RequeueInspectLimit,
		BackoffPolicy:       cfg.BackoffPolicy,
		BackoffBase:         time.Duration(cfg.BackoffBaseSeconds) * time.Second,
		BackoffMax:          time.Duration(cfg.BackoffMaxSeconds) * time.Second,
		CompactInterval:     time.Duration(cfg.CompactIntervalSeconds) * time.Second,
	}, taskRepo, episodeRepo, orch, hub, logger)

	engine := gin.New()
	engine.Use(gin.Recovery(),
		middleware.RequestIDMiddleware(),
		middleware.TracingMiddleware("mangaforge"),
		middleware.LoggerMiddleware(logger))

	return &Application{
		Config:          cfg,
		Engine:          engine,
		Logger:          logger,
		Redis:           rdb,
		Store:           store,
		Registry:        registry,
		Hub:             hub,
		Runner:          run,
		Tasks:           services.NewTaskService(taskRepo, episodeRepo, store, cfg.MaxAttemptsDefault, nil),
		Providers:       services.NewProviderService(registry, configRepo),
		Episodes:        services.NewEpisodeService(episodeRepo),
		RateLimiter:     ratelimit.NewRedisLimiter(rdb),
		TracingShutdown: shutdown,
	}, nil
}

// Start launches the background loops: the progress hub relay and the worker
// pool. It returns immediately; the loops stop when ctx is done.
func (a *Application) Start(ctx context.Context) {
	go func() {
		if err := a.Hub.Run(ctx); err != nil && ctx.Err() == nil {
			a.Logger.Error("progress hub stopped", "error", err)
		}
	}()
	go a.Runner.Run(ctx)
}

func buildLogger(cfg *config.Config) *slog.Logger {
	level := new(slog.LevelVar)
	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler).With("service", "mangaforge", "env", cfg.Env)
}

func buildStore(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Backend == "minio" {
		return storage.NewMinioStore(context.Background(), storage.MinioOptions{
			Endpoint:  cfg.Storage.MinioEndpoint,
			AccessKey: cfg.Storage.MinioAccessKey,
			SecretKey: cfg.Storage.MinioSecretKey,
			Bucket:    cfg.Storage.MinioBucket,
			UseSSL:    cfg.Storage.MinioUseSSL,
		})
	}
	return storage.NewLocalStore(cfg.Storage.LocalDir), nil
}
