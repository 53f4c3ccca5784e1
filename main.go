package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/helix-bi/helix/go/pipeline/internal/agent"
	"github.com/helix-bi/helix/go/pipeline/internal/circuitbreaker"
	"github.com/helix-bi/helix/go/pipeline/internal/config"
	"github.com/helix-bi/helix/go/pipeline/internal/history"
	"github.com/helix-bi/helix/go/pipeline/internal/hooks"
	"github.com/helix-bi/helix/go/pipeline/internal/httpapi"
	"github.com/helix-bi/helix/go/pipeline/internal/idempotency"
	"github.com/helix-bi/helix/go/pipeline/internal/pipeline"
	"github.com/helix-bi/helix/go/pipeline/internal/policy"
	"github.com/helix-bi/helix/go/pipeline/internal/pricing"
	"github.com/helix-bi/helix/go/pipeline/internal/registry"
	"github.com/helix-bi/helix/go/pipeline/internal/sandbox"
	"github.com/helix-bi/helix/go/pipeline/internal/session"
	"github.com/helix-bi/helix/go/pipeline/internal/skills"
	"github.com/helix-bi/helix/go/pipeline/internal/state"
	"github.com/helix-bi/helix/go/pipeline/internal/timeout"
	"github.com/helix-bi/helix/go/pipeline/internal/tokens"
	"github.com/helix-bi/helix/go/pipeline/internal/tools"
	"github.com/helix-bi/helix/go/pipeline/internal/trace"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Token counter and pricing share models.yaml.
	counter := tokens.NewCounter(logger)
	if err := counter.LoadRatios(cfg.ModelsFile); err != nil {
		logger.Warn("Could not load tokenization ratios", zap.Error(err))
	}
	prices, err := pricing.Load(cfg.ModelsFile, logger)
	if err != nil {
		logger.Warn("Could not load pricing table, using defaults", zap.Error(err))
		prices = pricing.NewTable(logger)
	}

	table := state.DefaultTable()
	if cfg.Transitions != "" {
		table, err = state.LoadTable(cfg.Transitions)
		if err != nil {
			logger.Fatal("Invalid transition table", zap.Error(err))
		}
	}

	// Trace sinks: local SQLite always, OTLP mirror when configured.
	sqlSink, err := trace.OpenSQLStore(cfg.Storage.TraceDB, logger)
	if err != nil {
		logger.Fatal("Failed to open trace store", zap.Error(err))
	}
	defer sqlSink.Close()
	sinks := trace.MultiSink{sqlSink}
	if cfg.Tracing.Enabled {
		mirror, shutdown, err := trace.InitOTLP(ctx, cfg.Tracing, logger)
		if err != nil {
			logger.Warn("OTLP exporter unavailable, tracing locally only", zap.Error(err))
		} else {
			sinks = append(sinks, mirror)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdown(shutdownCtx)
			}()
		}
	}
	tracer := trace.NewTracer(sinks, logger)

	// Conversation store: Redis when configured, in-process otherwise.
	var store session.Store
	if cfg.Storage.RedisAddr != "" {
		store, err = session.NewRedisStore(cfg.Storage.RedisAddr, os.Getenv("REDIS_PASSWORD"), logger)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
	} else {
		logger.Info("No Redis configured, conversations are in-process only")
		store = session.NewMemoryStore()
	}
	defer store.Close()

	reg := registry.NewRegistry(logger)

	// Analytics database backing the query tools.
	queryDB, err := sqlx.Open("sqlite3", cfg.Storage.QueryDB)
	if err != nil {
		logger.Fatal("Failed to open analytics database", zap.Error(err))
	}
	defer queryDB.Close()
	for _, d := range tools.QueryTools(queryDB) {
		mustRegister(reg, d, logger)
	}

	// Sandbox for code execution, Docker preferred.
	var runner sandbox.Runner
	if cfg.Sandbox.UseDocker {
		runner, err = sandbox.NewDockerRunner(logger)
		if err != nil {
			logger.Warn("Docker unavailable, falling back to process sandbox", zap.Error(err))
			runner = sandbox.NewProcessRunner(logger)
		}
	} else {
		runner = sandbox.NewProcessRunner(logger)
	}
	for _, d := range tools.ExecTools(runner, cfg.Sandbox.Image) {
		mustRegister(reg, d, logger)
	}
	for _, d := range tools.MemoryTools(store) {
		mustRegister(reg, d, logger)
	}

	cache := idempotency.NewCache(idempotency.Config{
		TTLShort:    cfg.Cache.TTLShort,
		TTLLong:     cfg.Cache.TTLLong,
		TTLDefault:  cfg.Cache.TTLShort,
		MaxEntries:  cfg.Cache.MaxEntries,
		CacheErrors: cfg.Cache.CacheErrors,
	}, logger)

	// Skill library with optional hot-reload.
	lib := skills.NewLibrary()
	if loaded, errs := skills.LoadDir(cfg.Skills.Dir, lib); len(errs) > 0 {
		for _, e := range errs {
			logger.Warn("Skill load failed", zap.Error(e))
		}
	} else {
		logger.Info("Loaded skills", zap.Int("count", loaded))
	}
	skills.RegisterTools(lib, reg, logger)
	if cfg.Skills.Watch {
		watcher, err := skills.NewWatcher(cfg.Skills.Dir, lib, reg, cache, logger)
		if err != nil {
			logger.Warn("Skill watcher unavailable", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	// Hook chain: rate limit, optional OPA policy, audit log.
	chain := hooks.NewChain(logger)
	chain.AddPre(hooks.NewRateLimitHook(cfg.RateLimit, cfg.RateBurst))
	if cfg.Policy.Enabled {
		engine, err := policy.NewEngine(cfg.Policy, logger)
		if err != nil {
			logger.Fatal("Failed to initialize policy engine", zap.Error(err))
		}
		chain.AddPre(policy.NewHook(engine))
	}
	chain.AddPost(hooks.NewAuditHook(logger))

	timeouts := timeout.NewHandler(timeout.Config{
		Default:    cfg.Timeout.Default,
		MaxRetries: cfg.Timeout.MaxRetries,
	}, logger)

	hist := history.NewCoordinator(history.Config{
		Budget:         cfg.History.Budget,
		PreserveRecent: cfg.History.PreserveRecent,
		ModelFamily:    tokens.ModelFamily(cfg.History.ModelFamily),
	}, counter, nil, logger)

	exec := pipeline.New(reg, cache, timeouts, chain, tracer, hist, counter, table, logger)

	llmURL := os.Getenv("LLM_SERVICE_URL")
	if llmURL == "" {
		llmURL = "http://localhost:8000"
	}
	llm := agent.NewBreakerClient(
		agent.NewHTTPLLMClient(llmURL, 60*time.Second, logger),
		circuitbreaker.New("llm", circuitbreaker.DefaultConfig(), logger),
	)
	loop := agent.NewLoop(exec, llm, cfg.Agent, logger)

	// API server.
	mux := http.NewServeMux()
	httpapi.NewChatHandler(loop, store, logger).RegisterRoutes(mux)
	httpapi.NewTraceHandler(tracer, prices, logger).RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	apiServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Server.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", zap.Error(err))
		}
	}()

	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Server.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown", zap.Error(err))
	}
}

func mustRegister(reg *registry.Registry, d *registry.Descriptor, logger *zap.Logger) {
	if err := reg.Register(d); err != nil {
		logger.Fatal("Tool registration failed", zap.String("tool", d.ID), zap.Error(err))
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err == nil {
			zc.Level = zap.NewAtomicLevelAt(lvl)
		}
	}
	return zc.Build()
}
