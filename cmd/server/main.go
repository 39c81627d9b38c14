package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-chat-gateway/internal/admin"
	"go-chat-gateway/internal/auth"
	"go-chat-gateway/internal/backpressure"
	"go-chat-gateway/internal/config"
	"go-chat-gateway/internal/db"
	"go-chat-gateway/internal/delivery"
	"go-chat-gateway/internal/gateway"
	"go-chat-gateway/internal/logging"
	"go-chat-gateway/internal/metrics"
	"go-chat-gateway/internal/outbox"
	"go-chat-gateway/internal/outbox/postgres"
	"go-chat-gateway/internal/outbox/sqlite"
	"go-chat-gateway/internal/transport/ws"
	"go-chat-gateway/internal/watermark"
)

func main() {
	// 1. Config & Flags
	configPath := flag.String("config", "", "config file (YAML, TOML or JSON); GATEWAY_* env vars override it")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Invalid configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("❌ Logger setup failed: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("❌ Gateway stopped", zap.Error(err))
	}
	logger.Info("👋 Gateway stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) (err error) {
	// 2. Outbox storage (Platform Layer)
	store, closeStore, err := openOutbox(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Invoke(closeStore))

	// 3. Redis is optional: without it the gateway runs as a single instance.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		defer multierr.AppendInvoke(&err, multierr.Close(redisClient))
		logger.Info("✅ Connected to Redis", zap.String("addr", cfg.Redis.Addr))
	}

	marks, err := openWatermarks(cfg, redisClient)
	if err != nil {
		return err
	}

	// 4. Delivery core
	gwCfg, err := gatewayConfig(cfg)
	if err != nil {
		return err
	}
	m := metrics.New()
	counter := &ws.Counter{}
	gw, err := gateway.New(gwCfg, gateway.Deps{
		Store:           store,
		Watermarks:      marks,
		Redis:           redisClient,
		Metrics:         m,
		OpenConnections: counter.Open,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}

	authMiddleware := auth.NewMiddleware(auth.NewJWT(cfg.Auth.JWTSecret))

	// 5. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", m.Handler())

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Handle("/ws", ws.NewHandler(gw, counter, logger))
		r.Route("/admin", admin.NewHandler(gw).Routes)
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return gw.Run(ctx) })
	eg.Go(func() error {
		logger.Info("🚀 Server starting",
			zap.String("addr", cfg.Server.Addr),
			zap.String("node", cfg.Server.NodeID),
			zap.String("outbox", cfg.Outbox.Driver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("🛑 Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return multierr.Combine(srv.Shutdown(shutdownCtx), gw.Close())
	})
	return eg.Wait()
}

func openOutbox(ctx context.Context, cfg config.Config, logger *zap.Logger) (outbox.Store, func() error, error) {
	if cfg.Outbox.Driver == "postgres" {
		database, err := db.NewDatabase(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		logger.Info("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(ctx); err != nil {
			database.Close()
			return nil, nil, err
		}
		logger.Info("✅ Database Schema Initialized")
		return postgres.NewStore(database.Conn), database.Close, nil
	}

	store, err := sqlite.New(cfg.SQLite.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite outbox: %w", err)
	}
	logger.Info("✅ SQLite outbox ready", zap.String("path", cfg.SQLite.Path))
	return store, store.Close, nil
}

func openWatermarks(cfg config.Config, client *redis.Client) (watermark.Store, error) {
	if cfg.Watermark.Backend == "redis" {
		return watermark.NewRedis(client, cfg.Redis.RelayChannel+":watermarks", cfg.Watermark.MaxEntries), nil
	}
	return watermark.NewMemory(cfg.Watermark.MaxEntries)
}

func channelConfig(c config.ChannelConfig) (backpressure.Config, error) {
	mode, err := backpressure.ParseMode(c.Mode)
	if err != nil {
		return backpressure.Config{}, err
	}
	overflow, err := backpressure.ParseOverflowPolicy(c.DropPolicy)
	if err != nil {
		return backpressure.Config{}, err
	}
	return backpressure.Config{
		Capacity:    c.Capacity,
		Mode:        mode,
		Parallelism: c.Parallelism,
		Overflow:    overflow,
	}, nil
}

func gatewayConfig(cfg config.Config) (gateway.Config, error) {
	incoming, err := channelConfig(cfg.Incoming)
	if err != nil {
		return gateway.Config{}, fmt.Errorf("incoming channel: %w", err)
	}
	outgoing, err := channelConfig(cfg.Outgoing)
	if err != nil {
		return gateway.Config{}, fmt.Errorf("outgoing channel: %w", err)
	}
	return gateway.Config{
		Node:           cfg.Server.NodeID,
		RelayChannel:   cfg.Redis.RelayChannel,
		CreditCapacity: cfg.Credits.Capacity,
		CreditRefill:   cfg.Credits.RefillPerSecond,
		Incoming:       incoming,
		Outgoing:       outgoing,
		Outbox: outbox.Config{
			LeaseDuration: cfg.Outbox.LeaseDuration,
			BatchSize:     cfg.Outbox.BatchSize,
		},
		Delivery:         delivery.Config{GracePeriod: cfg.Delivery.GracePeriod},
		IdempotencyTTL:   cfg.Outbox.IdempotencyTTL,
		DispatchInterval: cfg.Outbox.DispatchInterval,
		PurgeInterval:    cfg.Delivery.PurgeInterval,
		HeavyThreshold:   cfg.Delivery.HeavyThreshold,
		HeavyLimit:       cfg.Delivery.HeavyLimit,
		CleanupFraction:  cfg.Cleanup.Fraction,
		CleanupThreshold: cfg.Cleanup.Threshold,
		CleanupInterval:  cfg.Cleanup.Interval,
		IdleTimeout:      cfg.Cleanup.IdleTimeout,
	}, nil
}
