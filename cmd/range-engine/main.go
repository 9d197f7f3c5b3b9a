package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terra-clan/range-engine/internal/api"
	"github.com/terra-clan/range-engine/internal/blueprint"
	"github.com/terra-clan/range-engine/internal/cleanup"
	"github.com/terra-clan/range-engine/internal/config"
	"github.com/terra-clan/range-engine/internal/deploy"
	"github.com/terra-clan/range-engine/internal/portbroker"
	"github.com/terra-clan/range-engine/internal/storage"
	"github.com/terra-clan/range-engine/internal/wireguard"
	"github.com/terra-clan/range-engine/internal/world"
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting range-engine",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	// Create context for initialization
	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	// Run database migrations
	slog.Info("running database migrations", "dir", cfg.Database.MigrationsDir)
	if err := storage.MigrateFromDSN(initCtx, cfg.Database.DSN, cfg.Database.MigrationsDir); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Initialize database repository
	repo, err := storage.NewPostgresRepository(initCtx, storage.PostgresConfig{
		DSN:          cfg.Database.DSN,
		MaxOpenConns: int32(cfg.Database.MaxOpenConns),
		MaxIdleConns: int32(cfg.Database.MaxIdleConns),
	})
	if err != nil {
		slog.Error("failed to create database repository", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected successfully")

	// Initialize VPN address pool. Redis keeps allocations across
	// restarts; without it a fresh memory pool would hand out addresses
	// already held by running worlds.
	var pool wireguard.AddrPool
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(initCtx).Err(); err != nil {
		slog.Warn("redis unavailable, using in-memory VPN address pool", "error", err)
		redisClient.Close()
		redisClient = nil
		pool = wireguard.NewMemoryPool()
	} else {
		pool = wireguard.NewRedisPool(redisClient)
	}

	provisioner := wireguard.NewProvisioner(pool, cfg.Wireguard, logger)

	// Load blueprints
	loader := blueprint.NewLoader()
	if err := loader.LoadFromDir(cfg.Blueprints.Dir); err != nil {
		slog.Warn("failed to load blueprints from dir", "dir", cfg.Blueprints.Dir, "error", err)
	}

	// Initialize Docker deploy controller
	controller, err := deploy.NewController(cfg.Docker)
	if err != nil {
		slog.Error("failed to create deploy controller", "error", err)
		os.Exit(1)
	}

	// Initialize port broker client
	broker := portbroker.NewClient(cfg.Broker.SocketPath, cfg.Broker.Timeout)

	// Initialize world coordinator
	coordinator := world.NewCoordinator(
		repo,
		loader,
		broker,
		provisioner,
		controller,
		world.NewScoreboardFactory(cfg.Scoreboard),
	)

	// Initialize cleanup worker
	cleaner := cleanup.NewCleaner(repo, coordinator, cfg.Cleanup.Interval)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start cleanup worker
	cleaner.Start(ctx)

	// Setup HTTP server
	server := api.NewServer(cfg.Server, coordinator, repo, controller)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		slog.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gracefully...")

	// Cancel context to stop background workers
	cancel()

	// Shutdown HTTP server with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Close Docker client and database pool
	if err := controller.Close(); err != nil {
		slog.Error("deploy controller close error", "error", err)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}
	if err := repo.Close(); err != nil {
		slog.Error("repository close error", "error", err)
	}

	slog.Info("range-engine stopped")
}
