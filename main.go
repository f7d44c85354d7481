package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/actions"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/admission"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/agents"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/approval"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/audit"
	authpkg "github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/auth"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/circuitbreaker"
	cfg "github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/config"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/db"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/health"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/httpapi"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/lifecycle"
	_ "github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/metrics" // Import for side effects
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/notify"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/policy"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/routing"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/server"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/streaming"
	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/tracing"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootstrap, err := cfg.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger, err := newLogger(bootstrap.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfgMgr, err := cfg.NewManager("", logger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	config := cfgMgr.Config()

	if err := tracing.Initialize(config.Tracing, logger); err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	hm := health.NewManager(logger)

	// ------------------------------------------------------------------
	// Storage: actions, registry and audit share one database when the
	// sql backend is selected.
	// ------------------------------------------------------------------
	var (
		registry    agents.Store
		actionStore actions.Store
		auditStore  audit.Store
	)
	switch config.Storage.Backend {
	case "sql":
		dbClient, err := db.NewClient(ctx, &config.Storage.Database, logger)
		if err != nil {
			logger.Fatal("Failed to initialize database client", zap.Error(err))
		}
		defer dbClient.Close()
		_ = hm.RegisterChecker(health.NewDatabaseHealthChecker(dbClient.Guarded()))

		sqlRegistry := agents.NewSQLStore(dbClient.DB(), logger)
		if seed := loadSeed(config.Registry.SeedPath, logger); seed != nil {
			if err := sqlRegistry.Load(ctx, seed); err != nil {
				logger.Fatal("Failed to seed registry", zap.Error(err))
			}
		}
		registry = sqlRegistry
		actionStore = actions.NewSQLStore(dbClient.DB(), logger)
		auditStore = audit.NewSQLStore(dbClient.Guarded(), logger)
	default:
		memRegistry := agents.NewMemoryStore(logger)
		if seed := loadSeed(config.Registry.SeedPath, logger); seed != nil {
			if err := memRegistry.Load(seed); err != nil {
				logger.Fatal("Failed to seed registry", zap.Error(err))
			}
		}
		registry = memRegistry
		actionStore = actions.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
	}
	if config.Storage.Audit.Async {
		async := audit.NewAsyncStore(auditStore, config.Storage.Audit.Workers, config.Storage.Audit.Buffer, logger)
		defer async.Close()
		auditStore = async
	}
	auditLog := audit.NewLog(auditStore, logger)

	var (
		redisClient redis.UniversalClient
		guarded     *circuitbreaker.RedisWrapper
	)
	if config.UsesRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
		})
		defer redisClient.Close()
		guarded = circuitbreaker.NewRedisWrapper(redisClient, config.Redis.Breaker, logger)
		_ = hm.RegisterChecker(health.NewRedisHealthChecker(guarded))
	}

	// ------------------------------------------------------------------
	// Admission, routing and policy
	// ------------------------------------------------------------------
	limits, err := config.TierLimits()
	if err != nil {
		logger.Fatal("Invalid tier limits", zap.Error(err))
	}
	var slots admission.Controller
	if config.Admission.Backend == "redis" {
		slots, err = admission.NewRedisController(guarded, config.Admission.KeyPrefix, limits, logger)
	} else {
		var mem *admission.MemoryController
		mem, err = admission.NewMemoryController(limits, logger)
		if err == nil {
			// actions left running by a previous process still hold their slots
			var held map[string]int
			if held, err = actionStore.RunningByWorkspace(ctx); err == nil {
				mem.Seed(held)
			}
		}
		slots = mem
	}
	if err != nil {
		logger.Fatal("Failed to initialize admission controller", zap.Error(err))
	}

	router, err := routing.NewRouter(registry, config.Routing, logger)
	if err != nil {
		logger.Fatal("Failed to initialize router", zap.Error(err))
	}

	overlay, err := policy.NewOPAOverlay(config.Policy.Overlay, logger)
	if err != nil {
		logger.Fatal("Failed to initialize policy overlay", zap.Error(err))
	}
	engine, err := policy.NewEngine(registry, config.Policy, overlay, logger)
	if err != nil {
		logger.Fatal("Failed to initialize policy engine", zap.Error(err))
	}
	if config.Policy.Overlay.Watch && config.Policy.Overlay.Path != "" {
		go func() {
			if err := overlay.Watch(ctx); err != nil {
				logger.Warn("Policy overlay watcher stopped", zap.Error(err))
			}
		}()
	}
	_ = hm.RegisterChecker(health.NewCustomHealthChecker("policy_overlay", false, time.Second, func(ctx context.Context) health.CheckResult {
		mode := overlay.Mode()
		details := map[string]interface{}{"mode": string(mode), "version": overlay.Version()}
		if mode != policy.ModeOff && overlay.Version() == "" {
			return health.CheckResult{Status: health.StatusDegraded, Message: "no overlay policies loaded", Details: details}
		}
		return health.CheckResult{Status: health.StatusHealthy, Details: details}
	}))

	// ------------------------------------------------------------------
	// Events: in-process hub for live streams, optional Redis stream
	// ------------------------------------------------------------------
	hub := streaming.NewManager(config.Events.ReplayCapacity, logger)
	sinks := []notify.Sink{hub}
	if config.Events.RedisStream.Enabled {
		sinks = append(sinks, notify.NewRedisStreamSink(redisClient, config.Events.RedisStream.Stream, config.Events.RedisStream.MaxLen))
	}
	dispatcher := notify.NewDispatcher(config.Events.Buffer, logger, sinks...)
	defer dispatcher.Close()

	tracker := lifecycle.NewTracker(actionStore, registry, slots, auditLog, dispatcher, logger)
	svc, err := server.NewOrchestratorService(server.Deps{
		Registry: registry,
		Actions:  actionStore,
		Gate:     admission.NewRequestGate(config.Admission.RequestsPerSecond, config.Admission.Burst),
		Slots:    slots,
		Router:   router,
		Policy:   engine,
		Tracker:  tracker,
		Queue:    approval.NewQueue(actionStore, tracker, logger),
		Audit:    auditLog,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create orchestrator service", zap.Error(err))
	}

	// ------------------------------------------------------------------
	// Auth and HTTP surface
	// ------------------------------------------------------------------
	var jwtManager *authpkg.JWTManager
	if config.Auth.JWTSecret != "" {
		jwtManager = authpkg.NewJWTManager(config.Auth.JWTSecret, config.Auth.TokenTTL)
	}
	keys := make([]authpkg.APIKey, 0, len(config.Auth.APIKeys))
	for _, k := range config.Auth.APIKeys {
		keys = append(keys, authpkg.APIKey{
			Name:        k.Name,
			WorkspaceID: k.WorkspaceID,
			UserID:      k.UserID,
			Role:        k.Role,
			Hash:        k.Hash,
		})
	}
	authMiddleware := authpkg.NewMiddleware(authpkg.NewKeyStore(keys), jwtManager, config.Auth.SkipAuth, config.Auth.DefaultWorkspaceID, logger)
	if config.Auth.SkipAuth {
		logger.Warn("Authentication disabled (auth.skip_auth=true)")
	}

	var limiter *httpapi.RateLimiter
	if config.Auth.RateLimit.Enabled {
		limiter = httpapi.NewRateLimiter(redisClient, config.Auth.RateLimit.Requests, config.Auth.RateLimit.Window, logger)
	}

	mux := http.NewServeMux()
	health.NewHTTPHandler(hm, logger).RegisterRoutes(mux)
	httpapi.NewHandler(svc, hub, authMiddleware, limiter, logger).RegisterRoutes(mux)

	// ------------------------------------------------------------------
	// Hot reload: tier limits and the overlay mode
	// ------------------------------------------------------------------
	cfgMgr.RegisterHandler(func(old, updated *cfg.Config) error {
		newLimits, err := updated.TierLimits()
		if err != nil {
			return err
		}
		if err := slots.SetLimits(newLimits); err != nil {
			return fmt.Errorf("apply tier limits: %w", err)
		}
		logger.Info("Tier limits reloaded", zap.Any("limits", updated.Admission.Limits))

		if old.Policy.Overlay.Mode != updated.Policy.Overlay.Mode {
			if err := overlay.SetMode(updated.Policy.Overlay.Mode); err != nil {
				return fmt.Errorf("apply overlay mode: %w", err)
			}
		}
		return nil
	})
	cfgMgr.Watch()

	if config.Metrics.Enabled {
		go func() {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", promhttp.Handler())
			addr := fmt.Sprintf(":%d", config.Metrics.Port)
			logger.Info("Metrics server listening", zap.String("address", addr))
			if err := http.ListenAndServe(addr, metricsMux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:         config.Server.Addr,
		Handler:      mux,
		ReadTimeout:  config.Server.ReadTimeout,
		WriteTimeout: config.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Orchestrator API listening",
			zap.String("address", config.Server.Addr),
			zap.String("storage", config.Storage.Backend),
			zap.String("admission", config.Admission.Backend),
			zap.String("overlay_mode", string(overlay.Mode())),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to serve", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownTimeout)
	defer cancel()
	// websocket and SSE handlers return once the request context is cancelled
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Tracing shutdown failed", zap.Error(err))
	}
	logger.Info("Orchestrator stopped")
}

func newLogger(c cfg.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("logging.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func loadSeed(path string, logger *zap.Logger) *agents.Seed {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		logger.Warn("Registry seed file not found, starting with an empty registry", zap.String("path", path))
		return nil
	}
	seed, err := agents.LoadSeedFile(path)
	if err != nil {
		logger.Fatal("Failed to read registry seed", zap.String("path", path), zap.Error(err))
	}
	logger.Info("Loaded registry seed",
		zap.String("path", path),
		zap.Int("workspaces", len(seed.Workspaces)),
		zap.Int("teams", len(seed.Teams)),
		zap.Int("agents", len(seed.Agents)),
	)
	return seed
}
