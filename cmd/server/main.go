package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"go.uber.org/zap"

	config "emberci/configs"
	"emberci/pkg/api"
	"emberci/pkg/auth"
	"emberci/pkg/executor"
	"emberci/pkg/logger"
	"emberci/pkg/node"
	tracing "emberci/pkg/observability"
	"emberci/pkg/scheduler"
	"emberci/pkg/storage"
	"emberci/pkg/storage/postgres"
	redisq "emberci/pkg/storage/redis"
)

func main() {
	cfg := config.LoadConfig()

	log, err := logger.Init(logger.Config{
		Level:    getEnv("LOG_LEVEL", "info"),
		Encoding: getEnv("LOG_ENCODING", "json"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log.Info("starting up", zap.String("home", cfg.Home))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Run archive (optional).
	var store storage.RunStore
	if cfg.ArchiveDB {
		connStr := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)
		pgStore, err := postgres.NewRunStore(connStr)
		if err != nil {
			log.Fatal("failed to initialize run archive", zap.Error(err))
		}
		defer pgStore.Close()
		store = pgStore
	}

	// Log archive: S3 when configured, local otherwise.
	var logStore storage.LogStore
	if cfg.S3Bucket != "" {
		logStore, err = storage.NewS3LogStore(storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Prefix:          "logs/",
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
		})
	} else {
		logStore, err = storage.NewLocalLogStore(filepath.Join(cfg.Home, "logs"))
	}
	if err != nil {
		log.Fatal("failed to initialize log store", zap.Error(err))
	}

	// Trigger queue (optional; the API can trigger without it).
	var queue storage.TriggerQueue
	redisAddr := fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort)
	if q, err := redisq.NewTriggerQueue(redisAddr); err != nil {
		log.Warn("trigger queue unavailable, continuing without it", zap.Error(err))
	} else {
		defer q.Close()
		queue = q
	}

	tracer, err := tracing.Init(ctx, tracing.Config{
		ServiceName: "emberci",
		Environment: getEnv("ENVIRONMENT", "development"),
		Endpoint:    cfg.TracingEndpoint,
		Enabled:     cfg.TracingEnabled,
	})
	if err != nil {
		log.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer tracer.Shutdown(context.Background())

	var authService *auth.Service
	if cfg.JWTSecret != "" {
		authService, err = auth.NewService(cfg.JWTSecret)
		if err != nil {
			log.Fatal("failed to initialize auth", zap.Error(err))
		}
	} else {
		log.Warn("EMBER_JWT_SECRET not set, mutating API endpoints are unauthenticated")
	}

	exec := executor.New()
	nodes := []*node.Node{node.New(cfg.NodeName, cfg.NodeExecutors)}

	core := scheduler.New(scheduler.Params{
		Config:   cfg,
		Launcher: exec,
		Jobs:     scheduler.NewFSJobSource(cfg.Home),
		Nodes:    nodes,
		Store:    store,
		Logs:     logStore,
		Queue:    queue,
		Tracer:   tracer,
	})
	go core.Run(ctx)

	server := api.NewServer(api.Config{
		Addr:      cfg.BindAddr,
		Scheduler: core,
		Store:     store,
		LogStore:  logStore,
		Auth:      authService,
	})
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("api server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error("failed to shut down api server", zap.Error(err))
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}
