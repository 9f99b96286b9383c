package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/veilchat/veild/internal/auth"
	"github.com/veilchat/veild/internal/bus"
	"github.com/veilchat/veild/internal/cache"
	"github.com/veilchat/veild/internal/config"
	"github.com/veilchat/veild/internal/httpapi"
	"github.com/veilchat/veild/internal/hub"
	"github.com/veilchat/veild/internal/ingest"
	"github.com/veilchat/veild/internal/logging"
	"github.com/veilchat/veild/internal/ratelimit"
	"github.com/veilchat/veild/internal/replay"
	"github.com/veilchat/veild/internal/resume"
	"github.com/veilchat/veild/internal/store"
	"github.com/veilchat/veild/internal/store/memstore"
	"github.com/veilchat/veild/internal/store/pgstore"
)

func main() {
	bootLogger := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Fatal().Err(err).Msg("Configuration error")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(logger)

	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
		logger.Info().Str("node_id", nodeID).Msg("Generated node id")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanupStore := buildStore(ctx, cfg, logger)
	defer cleanupStore()

	ca, redisBackend := buildCache(cfg, nodeID, logger)
	defer ca.Dispose()

	limiter := buildLimiter(cfg, redisBackend, logger)

	b := buildBus(cfg, logger)
	defer b.Close()

	var resumeBackend cache.Backend
	if redisBackend != nil {
		resumeBackend = redisBackend
	} else {
		resumeBackend = cache.NewMemoryBackend()
	}
	resumeStore := resume.NewStore(resumeBackend, logger)

	var authenticator hub.Authenticator
	if cfg.JWTPublicKey != "" {
		v, err := auth.NewVerifier(cfg.JWTPublicKey, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("JWT public key invalid")
		}
		authenticator = v
	} else {
		if cfg.Environment != "development" {
			logger.Fatal().Msg("JWT_PUBLIC_KEY is required outside development")
		}
		logger.Warn().Msg("Running with insecure development authentication")
		authenticator = auth.InsecureVerifier{}
	}

	svc := ingest.New(st, ca, limiter, b, logger)

	h := hub.New(hub.Options{
		Store:              st,
		Replay:             replay.NewEngine(st, logger),
		Resume:             resumeStore,
		Auth:               authenticator,
		Bus:                b,
		Logger:             logger,
		NodeID:             nodeID,
		MaxConnections:     cfg.MaxConnections,
		OutboundQueue:      cfg.OutboundQueue,
		WorkerCount:        cfg.WorkerCount,
		WorkerQueue:        cfg.WorkerQueueSize,
		CPURejectThreshold: cfg.CPURejectThreshold,
		AuthTimeout:        cfg.AuthTimeout,
		WriteTimeout:       cfg.WriteTimeout,
		DrainTimeout:       cfg.DrainTimeout,
	})
	if err := h.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Hub start failed")
	}

	api := httpapi.New(httpapi.Options{
		Addr:    cfg.Addr,
		Service: svc,
		Hub:     h,
		Auth:    authenticator,
		Logger:  logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- api.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("HTTP server exited")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	if err := h.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Hub shutdown incomplete")
	}
	logger.Info().Msg("Server stopped")
}

func buildStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, func()) {
	switch cfg.StorageDriver {
	case "postgres":
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		pool, err := pgstore.Connect(connectCtx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Postgres connection failed")
		}
		st := pgstore.New(pool)
		if err := st.EnsureSchema(connectCtx); err != nil {
			logger.Fatal().Err(err).Msg("Schema migration failed")
		}
		logger.Info().Msg("Connected to Postgres")
		return st, pool.Close
	default:
		logger.Info().Msg("Using in-memory store")
		return memstore.New(), func() {}
	}
}

func buildCache(cfg *config.Config, nodeID string, logger zerolog.Logger) (*cache.Cache, *cache.RedisBackend) {
	opts := cache.Options{
		Namespace: "veil",
		NodeID:    nodeID,
		Logger:    logger,
	}
	var redisBackend *cache.RedisBackend
	if cfg.RedisURL != "" {
		backend, err := cache.NewRedisBackend(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Redis connection failed")
		}
		redisBackend = backend
		opts.Backend = backend
		opts.Broker = cache.NewRedisBroker(backend.Client())
		logger.Info().Msg("Connected to Redis")
	} else {
		opts.Backend = cache.NewMemoryBackend()
		opts.Broker = cache.NewMemoryBroker()
	}
	c, err := cache.New(opts)
	if err != nil {
		logger.Fatal().Err(err).Msg("Cache initialization failed")
	}
	return c, redisBackend
}

func buildLimiter(cfg *config.Config, redisBackend *cache.RedisBackend, logger zerolog.Logger) *ratelimit.Limiter {
	var counters ratelimit.CounterStore
	if redisBackend != nil {
		counters = ratelimit.NewRedisCounters(redisBackend.Client())
	} else {
		counters = ratelimit.NewMemoryCounters()
	}
	return ratelimit.New(ratelimit.Options{
		Counters: counters,
		Limits: map[string]ratelimit.Limit{
			ratelimit.RouteSend: {Max: cfg.SendPerMinute, Window: time.Minute},
			ratelimit.RouteList: {Max: cfg.ListPerMinute, Window: time.Minute},
		},
		Disabled: cfg.RateLimitDisabled,
		Logger:   logger,
	})
}

func buildBus(cfg *config.Config, logger zerolog.Logger) bus.Bus {
	if cfg.NATSURL != "" {
		b, err := bus.NewNATSBus(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("NATS connection failed")
		}
		return b
	}
	logger.Info().Msg("Using in-process message bus")
	return bus.NewMemoryBus()
}
