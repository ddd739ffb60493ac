package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kiseki/internal/compress"
	"github.com/ashita-ai/kiseki/internal/config"
	"github.com/ashita-ai/kiseki/internal/lease"
	"github.com/ashita-ai/kiseki/internal/mcp"
	"github.com/ashita-ai/kiseki/internal/orchestrator"
	"github.com/ashita-ai/kiseki/internal/provider"
	"github.com/ashita-ai/kiseki/internal/provider/anthropic"
	"github.com/ashita-ai/kiseki/internal/provider/openai"
	"github.com/ashita-ai/kiseki/internal/ratelimit"
	"github.com/ashita-ai/kiseki/internal/retry"
	"github.com/ashita-ai/kiseki/internal/security"
	"github.com/ashita-ai/kiseki/internal/server"
	"github.com/ashita-ai/kiseki/internal/service/trace"
	"github.com/ashita-ai/kiseki/internal/storage"
	"github.com/ashita-ai/kiseki/internal/storage/sqlite"
	"github.com/ashita-ai/kiseki/internal/streaming"
	"github.com/ashita-ai/kiseki/internal/telemetry"
	"github.com/ashita-ai/kiseki/internal/toolcalls"
	"github.com/ashita-ai/kiseki/internal/tools"
	"github.com/ashita-ai/kiseki/migrations"
)

// shutdownPhase bounds each step of graceful shutdown.
const shutdownPhase = 10 * time.Second

// Run starts the server and blocks until ctx is cancelled.
func (c *ServeCmd) Run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.Port > 0 {
		cfg.Port = c.Port
	}
	return serve(ctx, cfg, logger)
}

// openedStore is the configured backend plus its optional cross-instance bus.
type openedStore struct {
	storage.Store
	pubsub server.PubSub
	close  func(ctx context.Context)
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (*openedStore, error) {
	if cfg.Store == config.StoreSQLite {
		db, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		return &openedStore{Store: db, close: func(context.Context) {
			if err := db.Close(); err != nil {
				logger.Warn("sqlite close failed", "error", err)
			}
		}}, nil
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	// RunMigrations tracks applied files in schema_migrations and skips duplicates.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}
	db.RegisterPoolMetrics()
	st := &openedStore{Store: db, close: db.Close}
	if db.NotifyConn() != nil {
		st.pubsub = db
	}
	return st, nil
}

func newModels(cfg config.Config, logger *slog.Logger) *provider.Registry {
	var models []provider.Model
	if cfg.AnthropicAPIKey != "" {
		models = append(models, anthropic.New(anthropic.Options{APIKey: cfg.AnthropicAPIKey}))
	}
	if cfg.OpenAIAPIKey != "" || cfg.OpenAIBaseURL != "" {
		models = append(models, openai.New(openai.Options{APIKey: cfg.OpenAIAPIKey, BaseURL: cfg.OpenAIBaseURL}))
	}
	reg := provider.NewRegistry(models...)
	if len(models) == 0 {
		logger.Warn("no model providers configured; submitted runs will fail")
	} else {
		logger.Info("model providers ready", "providers", reg.Names())
	}
	return reg
}

func newCompressor(cfg config.Config, models *provider.Registry, logger *slog.Logger) *compress.Compressor {
	var summarizer compress.Summarizer
	if cfg.SummaryModel != "" {
		m, err := models.Resolve("", cfg.SummaryModel)
		if err != nil {
			logger.Warn("summary model unavailable, using simple summaries", "model", cfg.SummaryModel, "error", err)
		} else {
			summarizer = provider.Summarizer{Model: m, ModelName: cfg.SummaryModel}
		}
	}
	return compress.New(compress.Options{Threshold: cfg.CompressionThreshold, PinSystem: true}, summarizer, logger)
}

// newCoordination picks Redis-backed leases and rate limits when REDIS_URL is
// set and process-local ones otherwise.
func newCoordination(ctx context.Context, cfg config.Config, logger *slog.Logger) (lease.Locker, ratelimit.Limiter, func(), error) {
	var client *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis: parse url: %w", err)
		}
		client = redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, nil, fmt.Errorf("redis: ping: %w", err)
		}
	}

	var locker lease.Locker = lease.NewLocal()
	if client != nil {
		locker = lease.NewRedis(client, "kiseki:lease:")
	}
	logger.Info("leases: " + locker.Name())

	var limiter ratelimit.Limiter
	switch {
	case !cfg.RateLimitEnabled:
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	case client != nil:
		window := time.Duration(float64(cfg.RateLimitBurst) / cfg.RateLimitRPS * float64(time.Second))
		limiter = ratelimit.NewRedisLimiter(client, "kiseki:ratelimit:", cfg.RateLimitBurst, window)
		logger.Info("rate limiting: redis (fixed window)", "limit", cfg.RateLimitBurst, "window", window)
	default:
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	}

	cleanup := func() {
		_ = limiter.Close()
		if client != nil {
			_ = client.Close()
		}
	}
	return locker, limiter, cleanup, nil
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	slog.Info("kiseki starting", "version", version, "port", cfg.Port, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close(context.Background())

	locker, limiter, cleanup, err := newCoordination(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	// The broker relays LISTEN/NOTIFY when the store has a notify connection
	// and delivers in process otherwise.
	broker := server.NewBroker(st.pubsub, logger)
	logger.Info("notification broker: " + broker.Mode())

	commands := security.NewCommandValidator(logger)
	catalog, err := tools.LoadCatalog(cfg.ToolsFile, logger)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	shell, err := tools.NewShellExecutor(cfg.WorkDir)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	dispatcher := tools.NewDispatcher(catalog, commands, shell, tools.NewConnectorExecutor(nil, version), logger)
	dispatcher.SetDefaultTimeout(cfg.ToolTimeout)

	buf := trace.NewBuffer(st, logger, cfg.StepBufferSize, cfg.StepFlushInterval)
	buf.Start(ctx)

	recorder := trace.NewRecorder(st, buf, broker, logger)
	publisher := streaming.NewPublisher(st, broker, cfg.StreamThrottle, logger)
	tracker := toolcalls.NewTracker(st, logger)
	models := newModels(cfg, logger)

	orch := orchestrator.New(orchestrator.Deps{
		Store:      st,
		Recorder:   recorder,
		Publisher:  publisher,
		Tracker:    tracker,
		Dispatcher: dispatcher,
		Models:     models,
		Compressor: newCompressor(cfg, models, logger),
		Locker:     locker,
		Notifier:   broker,
	}, orchestrator.Config{
		MaxConcurrent: int64(cfg.MaxConcurrentRuns),
		MaxTurns:      cfg.MaxTurns,
		LeaseTTL:      cfg.LeaseTTL,
		Retry:         retry.Options{MaxAttempts: cfg.RetryMaxAttempts},

		ApprovalRecheck: cfg.ApprovalRecheck,
	}, logger)
	broker.OnNotify(orch.HandleNotification)

	mcpSrv := mcp.New(orch, recorder, commands, logger, version)

	srv := server.New(server.ServerConfig{
		Orchestrator:        orch,
		Recorder:            recorder,
		Tracker:             tracker,
		Publisher:           publisher,
		Store:               st,
		Logger:              logger,
		Buffer:              buf,
		Limiter:             limiter,
		Broker:              broker,
		Commands:            commands,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		broker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return catalog.Watch(gctx)
	})
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})

	// Runs left active by a previous process resume once their lease is free.
	n, err := orch.ResumeAll(ctx)
	if err != nil {
		logger.Warn("resume failed", "error", err)
	} else if n > 0 {
		logger.Info("runs resumed", "count", n)
	}

	// Wait for a shutdown signal or a component failure.
	<-gctx.Done()

	// Graceful shutdown. Each phase gets its own timeout so early completion
	// doesn't steal budget from later phases.
	// Order: (1) stop accepting HTTP requests, (2) park active runs so another
	// instance can resume them, (3) flush buffered steps.
	slog.Info("kiseki shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), shutdownPhase)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	orchCtx, orchCancel := context.WithTimeout(context.Background(), shutdownPhase)
	if err := orch.Shutdown(orchCtx); err != nil {
		slog.Error("orchestrator shutdown error", "error", err)
	}
	orchCancel()

	bufCtx, bufCancel := context.WithTimeout(context.Background(), shutdownPhase)
	buf.Drain(bufCtx)
	bufCancel()

	err = g.Wait()
	slog.Info("kiseki stopped")
	return err
}
