package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/veritas/internal/actions"
	"github.com/jkaninda/veritas/internal/audit"
	"github.com/jkaninda/veritas/internal/budget"
	"github.com/jkaninda/veritas/internal/cache"
	"github.com/jkaninda/veritas/internal/circuit"
	"github.com/jkaninda/veritas/internal/config"
	"github.com/jkaninda/veritas/internal/engine"
	"github.com/jkaninda/veritas/internal/events"
	"github.com/jkaninda/veritas/internal/executor"
	"github.com/jkaninda/veritas/internal/llm"
	"github.com/jkaninda/veritas/internal/llm/anthropic"
	"github.com/jkaninda/veritas/internal/llm/gemini"
	"github.com/jkaninda/veritas/internal/llm/openai"
	"github.com/jkaninda/veritas/internal/notification"
	"github.com/jkaninda/veritas/internal/observability"
	"github.com/jkaninda/veritas/internal/pipeline"
	"github.com/jkaninda/veritas/internal/ratelimit"
	"github.com/jkaninda/veritas/internal/reasoning"
	"github.com/jkaninda/veritas/internal/review"
	"github.com/jkaninda/veritas/internal/sanitize"
	"github.com/jkaninda/veritas/internal/scheduler"
	"github.com/jkaninda/veritas/internal/storage"
	memstore "github.com/jkaninda/veritas/internal/storage/memory"
	pgstore "github.com/jkaninda/veritas/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/veritas/internal/storage/sqlite"
	"github.com/jkaninda/veritas/internal/validator"
	"github.com/jkaninda/veritas/internal/worker"
)

const (
	eventBuffer      = 64
	jobQueue         = "jobs"
	recoverySchedule = "@every 5m"
	recoverGrace     = 5 * time.Minute
)

// SharedComponents holds all initialized subsystems that both the server
// and the MCP modes require. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store         // Unified store (SQLite, PostgreSQL or memory).
	Redis  redis.UniversalClient // nil = redis not configured.

	Obs       *observability.Observability
	Bus       *events.Bus
	Notifier  *notification.Notifier // nil = notifications not configured.
	Budget    *budget.Controller
	Breaker   *circuit.Breaker
	Cache     *cache.Cache
	LLM       *llm.Client
	Reviews   *review.Queue
	Executor  *executor.Executor
	Pool      *worker.Pool
	Engine    *engine.Engine
	Reasoner  *reasoning.Orchestrator
	Pipeline  *pipeline.Pipeline
	Scheduler *scheduler.Scheduler

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared builds the full reasoning and execution stack.
// Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(ctx, cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down tracing", slog.String("error", err.Error()))
		}
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracing != nil),
	)

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Redis (optional).
	if cfg.Redis != nil {
		rdb, err := initRedis(ctx, cfg.Redis)
		if err != nil {
			sc.Cleanup()
			return nil, err
		}
		sc.Redis = rdb
		sc.addCleanup(func() { _ = rdb.Close() })
		logger.Debug("redis initialized", slog.String("addr", cfg.Redis.Addr))
	}

	initHealth(sc)

	// Event bus.
	sc.Bus = events.NewBus(eventBuffer)
	sc.Bus.OnDrop(func(e events.Event) {
		logger.Warn("event dropped for slow subscriber",
			slog.String("tenant_id", e.TenantID),
			slog.String("type", string(e.Type)),
		)
	})
	sc.addCleanup(sc.Bus.Close)

	// Operator notifications ride on the engine's event stream.
	var transitions events.Publisher = sc.Bus
	if cfg.Notifications != nil {
		notifier, err := notification.New(cfg.Notifications, logger, notification.DefaultSenders()...)
		if err != nil {
			sc.Cleanup()
			return nil, err
		}
		sc.Notifier = notifier
		sc.addCleanup(notifier.Close)
		transitions = events.Fanout(sc.Bus, notifier)
		logger.Debug("notifications enabled", slog.Int("channels", len(cfg.Notifications.Channels)))
	}

	// Budget.
	var budgetStore budget.Store = store.Budgets()
	if sc.Redis != nil {
		budgetStore = budget.NewRedisStore(sc.Redis, cfg.Redis.Prefix())
	}
	sc.Budget = budget.New(budgetStore, func(tenantID string) float64 {
		return cfg.Tenants.For(tenantID).DailyBudgetUSD
	}, logger)

	// Circuit breaker.
	sc.Breaker = circuit.New(circuit.Config{
		Threshold: cfg.Breaker.Threshold(),
		Window:    cfg.Breaker.Window(),
		Cooldown:  cfg.Breaker.Cooldown(),
	}, logger, circuit.WithTransitionHook(obs.Metrics.ObserveCircuit))

	// Cache.
	sc.Cache = initCache(cfg, sc.Redis, store, logger)

	// Provider chain.
	client, err := newLLMClient(cfg, obs, sc.Breaker, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing LLM providers: %w", err)
	}
	sc.LLM = client
	logger.Debug("llm providers initialized", slog.Any("models", client.Models()))

	sc.Reviews = review.NewQueue(store.Reviews(), logger)

	// Executor.
	exec, closeExec, err := initExecutor(ctx, cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing executor: %w", err)
	}
	sc.Executor = exec
	sc.addCleanup(closeExec)

	// Worker pool.
	var queue worker.Queue = worker.NewMemoryQueue(cfg.Workers.Buffer())
	if cfg.Workers.Queue == "redis" {
		queue = worker.NewRedisQueue(sc.Redis, cfg.Redis.Prefix(), jobQueue)
	}
	sc.Pool = worker.NewPool(queue, store.Jobs(), cfg.Workers.Workers(), logger)
	sc.Pool.Observe(obs.Metrics.ObserveJob)

	// Audit trail: the store is authoritative, the JSONL file is a mirror.
	fileLog, err := audit.NewFileLog(cfg.AuditLogPath())
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	sc.addCleanup(func() { _ = fileLog.Close() })
	auditLog := audit.Tee(audit.NewStoreLog(store.Audit(), logger), fileLog)

	// Action engine.
	var windows ratelimit.Windows = store.ActionWindows()
	if sc.Redis != nil {
		windows = ratelimit.NewRedisWindows(sc.Redis, cfg.Redis.Prefix())
	}
	sc.Engine = engine.New(
		store.Executions(),
		auditLog,
		windows,
		cfg.Tenants.For,
		exec,
		logger,
		engine.Config{
			MaxAttempts:  cfg.Executor.Attempts(),
			RecoverAfter: time.Duration(cfg.Executor.Attempts())*cfg.Executor.Timeout() + recoverGrace,
		},
	).
		WithQueue(sc.Pool).
		WithEvents(transitions).
		WithObserver(obs.Metrics.ObserveTransition)

	// Reasoning orchestrator.
	templateID, templateVersion := cfg.Reasoning.Template()
	sc.Reasoner = reasoning.New(reasoning.Config{
		TemplateID:      templateID,
		TemplateVersion: templateVersion,
		MaxTokens:       cfg.Providers.CompletionTokens(),
		OutputEstimate:  cfg.Reasoning.EstimatedOutputToks,
	}, reasoning.Deps{
		Policies:  cfg.Tenants.For,
		Sanitizer: sanitize.New(nil),
		Cache:     sc.Cache,
		Budget:    sc.Budget,
		LLM:       client,
		Pricing:   newPricing(cfg),
		Validator: validator.New(validator.Config{SupportThreshold: cfg.Reasoning.Support()}, nil, logger),
		Reviews:   sc.Reviews,
		Responses: store.Responses(),
	}, logger).
		WithQueue(sc.Pool).
		WithEvents(sc.Bus).
		WithObserver(obs.Metrics.ObserveReasoning).
		WithTracer(obs.Tracer())

	sc.Pipeline = pipeline.New(sc.Reasoner, actions.NewParser(logger), sc.Engine, logger)

	sc.Pool.Handle(worker.KindReasoningRun, sc.Pipeline.HandleJob)
	sc.Pool.Handle(worker.KindActionExecute, sc.Engine.HandleJob)

	// Sweeps.
	var schedMetrics *scheduler.Metrics
	if obs.Metrics != nil {
		schedMetrics = scheduler.NewMetrics(obs.Metrics.Registry)
	}
	sc.Scheduler = scheduler.New(time.Second, schedMetrics, logger)
	if err := sc.Scheduler.Add("approval-expiry", cfg.Approval.Sweep(), sc.Engine.ExpireTickets); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("scheduling approval expiry: %w", err)
	}
	if err := sc.Scheduler.Add("execution-recovery", recoverySchedule, sc.Engine.Recover); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("scheduling execution recovery: %w", err)
	}
	if err := sc.Scheduler.Add("cache-purge", cfg.Cache.Purge(), func(ctx context.Context) (int, error) {
		n, err := sc.Cache.Purge(ctx, time.Now().UTC())
		return int(n), err
	}); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("scheduling cache purge: %w", err)
	}

	return sc, nil
}

// Start runs the worker pool and the sweeps until ctx is canceled.
func (sc *SharedComponents) Start(ctx context.Context) {
	go func() {
		if err := sc.Pool.Run(ctx); err != nil && ctx.Err() == nil {
			sc.Logger.Error("worker pool stopped", slog.String("error", err.Error()))
		}
	}()
	stop := sc.Scheduler.Start(ctx)
	sc.addCleanup(stop)

	sc.Logger.Info("workers started",
		slog.Int("concurrency", sc.Config.Workers.Workers()),
		slog.String("queue", queueName(sc.Config)),
	)
}

func queueName(cfg *config.Config) string {
	if cfg.Workers.Queue == "" {
		return "memory"
	}
	return cfg.Workers.Queue
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, logger)
	case storage.DriverMemory:
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	journalMode := "wal"
	if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
		journalMode = cfg.Storage.SQLite.JournalMode
	}

	return sqlitestore.Open(sqlitestore.Config{
		Path:        cfg.DatabasePath(),
		JournalMode: journalMode,
	}, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	pg := cfg.Storage.Postgres
	st, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return st, nil
}

func initRedis(ctx context.Context, cfg *config.RedisConfig) (redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// initHealth registers readiness checks for the backends in use.
func initHealth(sc *SharedComponents) {
	includeDB, includeRedis := true, true
	if o := sc.Config.Observability; o != nil && o.Health != nil {
		includeDB, includeRedis = o.Health.IncludeDB, o.Health.IncludeRedis
	}
	if includeDB {
		sc.Obs.Health.AddCheck("storage", observability.DBCheck(sc.Store))
	}
	if includeRedis && sc.Redis != nil {
		sc.Obs.Health.AddCheck("redis", observability.RedisCheck(sc.Redis))
	}
}

func initCache(cfg *config.Config, rdb redis.UniversalClient, store storage.Store, logger *slog.Logger) *cache.Cache {
	var exact cache.ExactBackend = cache.NewMemoryExact(cfg.Cache.ExactSize(), cfg.Cache.ExactTTL())
	if cfg.Cache.Backend == "redis" {
		exact = cache.NewRedisExact(rdb, cfg.Redis.Prefix())
	}

	ccfg := cache.Config{
		ExactTTL:    cfg.Cache.ExactTTL(),
		SemanticTTL: cfg.Cache.SemanticTTL(),
	}

	var (
		semantic *cache.SemanticIndex
		embedder cache.Embedder
	)
	if e := cfg.Embedding; e != nil {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		semantic = cache.NewSemanticIndex(cfg.Cache.SemanticSize(), cfg.Cache.SemanticTTL())
		embedder = openai.NewEmbedder(e.APIKey, e.Model, e.Dimension, logger, opts...)
		ccfg.EmbeddingModel = e.Model
		ccfg.EmbeddingDim = e.Dimension
	}

	logger.Debug("cache initialized",
		slog.String("exact_backend", cfg.Cache.Backend),
		slog.Bool("semantic", semantic != nil),
	)
	return cache.New(ccfg, exact, semantic, embedder, store.CacheEntries(), logger)
}

// newLLMClient builds the provider chain in configured order.
func newLLMClient(cfg *config.Config, obs *observability.Observability, breaker llm.Breaker, logger *slog.Logger) (*llm.Client, error) {
	var providers []llm.Provider
	for _, name := range cfg.Providers.Chain() {
		p, err := buildProvider(name, cfg, logger)
		if err != nil {
			return nil, err
		}
		if obs.Metrics != nil || obs.Tracing != nil {
			p = observability.NewInstrumentedProvider(p, obs.Metrics, obs.Tracer())
		}
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	return llm.NewClient(providers, breaker, llm.ClientConfig{
		Timeout:    cfg.Providers.Timeout(),
		MaxRetries: cfg.Providers.Retries(),
	}, logger), nil
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "anthropic":
		var opts []anthropic.Option
		if cfg.Providers.Anthropic.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.Providers.Anthropic.BaseURL))
		}
		return anthropic.NewClient(
			cfg.Providers.Anthropic.APIKey,
			cfg.Providers.Anthropic.Model,
			logger,
			opts...,
		), nil
	case "openai":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	case "gemini":
		var opts []gemini.Option
		if cfg.Providers.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Providers.Gemini.BaseURL))
		}
		return gemini.NewClient(
			cfg.Providers.Gemini.APIKey,
			cfg.Providers.Gemini.Model,
			logger,
			opts...,
		), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(
			"",
			cfg.Providers.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}

func newPricing(cfg *config.Config) llm.Pricing {
	models := make(map[string]llm.Price, len(cfg.Pricing))
	for model, p := range cfg.Pricing {
		models[model] = llm.Price{InputPerMTok: p.InputPerMTok, OutputPerMTok: p.OutputPerMTok}
	}
	return llm.Pricing{Models: models}
}

// initExecutor picks the collaborator that applies actions. The returned
// func releases its resources.
func initExecutor(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*executor.Executor, func(), error) {
	timeout := cfg.Executor.Timeout()

	switch cfg.Executor.Collaborator {
	case "webhook":
		var opts []executor.WebhookOption
		if cfg.Executor.BlockPrivate {
			opts = append(opts, executor.WithPrivateHostsBlocked())
		}
		webhook := executor.NewWebhook(func(tenantID string) string {
			return cfg.Tenants.For(tenantID).WebhookURL
		}, cfg.Executor.WebhookSecret, logger, opts...)
		return executor.New(webhook, timeout, logger), func() {}, nil
	case "sql":
		sqlExec, err := executor.OpenSQL(ctx, cfg.Executor.SQL, logger)
		if err != nil {
			return nil, nil, err
		}
		exec := executor.New(nil, timeout, logger)
		for _, kind := range sqlExec.Kinds() {
			exec.Register(kind, sqlExec)
		}
		return exec, func() { _ = sqlExec.Close() }, nil
	default:
		return executor.New(executor.NewDryRun(logger), timeout, logger), func() {}, nil
	}
}
