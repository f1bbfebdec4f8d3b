package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/wealth-steward/internal/agent"
	"github.com/nugget/wealth-steward/internal/checkpoint"
	"github.com/nugget/wealth-steward/internal/config"
	"github.com/nugget/wealth-steward/internal/finance"
	"github.com/nugget/wealth-steward/internal/health"
	"github.com/nugget/wealth-steward/internal/httpkit"
	"github.com/nugget/wealth-steward/internal/llm"
	"github.com/nugget/wealth-steward/internal/metrics"
	"github.com/nugget/wealth-steward/internal/router"
	"github.com/nugget/wealth-steward/internal/search"
	"github.com/nugget/wealth-steward/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// sqliteDriver is the database/sql driver name registered by go-sqlite3.
const sqliteDriver = "sqlite3"

// app holds the components shared by serve and ask.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     checkpoint.Store
	client    llm.Client
	providers map[string]llm.Client // per-provider clients by name
	router    *router.Router
	tools     *tools.Registry
	metrics   *metrics.Metrics
	loop      *agent.Loop
}

// newApp wires every component from cfg. The caller must Close the app.
// A nil registry leaves metrics disabled.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry) (*app, error) {
	store, err := openStore(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	client, providers := createLLMClient(cfg, logger)
	a := &app{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		client:    client,
		providers: providers,
		tools:     createTools(cfg, logger),
	}
	if reg != nil {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.New(reg)
	}

	fast := cfg.Models.Fast
	if fast == "" {
		fast = cfg.Models.Main
	}
	a.router = router.NewRouter(logger, a.client, router.Config{Model: fast})
	a.loop = agent.NewLoop(agent.Deps{
		Logger:  logger,
		Client:  a.client,
		Router:  a.router,
		Tools:   a.tools,
		Store:   a.store,
		Metrics: a.metrics,
	}, agent.Config{
		MainModel:     cfg.Models.Main,
		FastModel:     fast,
		Temperature:   cfg.Models.Temperature,
		MaxTokens:     cfg.Models.MaxTokens,
		MaxToolRounds: cfg.Agent.MaxToolRounds,
		TurnTimeout:   cfg.Agent.TurnTimeout,
		ThinkTags:     cfg.Models.ThinkTags,
	})

	logger.Info("agent ready",
		"main_model", cfg.Models.Main,
		"fast_model", fast,
		"tools", strings.Join(a.tools.Names(), ","),
		"storage", cfg.Storage.Backend,
	)
	return a, nil
}

// watchDependencies probes every model provider and the thread store
// in the background.
func (a *app) watchDependencies(ctx context.Context, mon *health.Monitor) {
	for name, c := range a.providers {
		mon.Watch(ctx, "model:"+name, c.Ping, health.Backoff{})
	}
	mon.Watch(ctx, "store:"+a.cfg.Storage.Backend, func(ctx context.Context) error {
		_, err := a.store.Threads(ctx, 1)
		return err
	}, health.Backoff{})
}

// Close releases the thread store.
func (a *app) Close() error {
	return a.store.Close()
}

// openStore opens the configured checkpoint backend.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (checkpoint.Store, error) {
	switch cfg.Backend {
	case "", "memory":
		logger.Warn("using in-memory thread store, conversations are lost on restart")
		return checkpoint.NewMemoryStore(), nil

	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		s, err := checkpoint.OpenSQLite(sqliteDriver, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		logger.Info("thread store opened", "backend", "sqlite", "path", cfg.Path)
		return s, nil

	case "redis":
		s, err := checkpoint.OpenRedis(ctx, checkpoint.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		logger.Info("thread store opened", "backend", "redis", "addr", cfg.Redis.Addr)
		return s, nil

	case "badger":
		s, err := checkpoint.OpenBadger(checkpoint.BadgerConfig{
			Path:   cfg.Path,
			Logger: logger.With("component", "badger"),
		})
		if err != nil {
			return nil, fmt.Errorf("open badger store: %w", err)
		}
		logger.Info("thread store opened", "backend", "badger", "path", cfg.Path)
		return s, nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// createLLMClient builds a multi-provider client. Each listed model is
// mapped to its provider; unlisted models go to the first provider. The
// per-provider clients are returned for health probing.
func createLLMClient(cfg *config.Config, logger *slog.Logger) (llm.Client, map[string]llm.Client) {
	var fallback llm.Client
	clients := make(map[string]llm.Client, len(cfg.Models.Providers))

	for _, p := range cfg.Models.Providers {
		opts := []httpkit.ClientOption{
			httpkit.WithLogger(logger),
			httpkit.WithRetry(2, time.Second),
		}
		if p.Timeout > 0 {
			opts = append(opts, httpkit.WithResponseHeaderTimeout(p.Timeout))
		}
		hc := httpkit.NewStreamingClient(opts...)

		var c llm.Client
		switch strings.ToLower(p.Kind) {
		case "anthropic":
			c = llm.NewAnthropicClient(llm.AnthropicConfig{
				APIKey:     p.APIKey,
				BaseURL:    p.BaseURL,
				HTTPClient: hc,
			}, logger)
		default:
			c = llm.NewOpenAIClient(llm.OpenAIConfig{
				APIKey:     p.APIKey,
				BaseURL:    p.BaseURL,
				ThinkTags:  cfg.Models.ThinkTags,
				HTTPClient: hc,
			}, logger)
		}
		clients[p.Name] = c
		if fallback == nil {
			fallback = c
		}
		logger.Info("model provider configured", "provider", p.Name, "kind", p.Kind, "models", strings.Join(p.Models, ","))
	}

	multi := llm.NewMultiClient(fallback)
	for _, p := range cfg.Models.Providers {
		multi.AddProvider(p.Name, clients[p.Name])
		for _, m := range p.Models {
			multi.AddModel(m, p.Name)
		}
	}
	return multi, clients
}

// createTools registers the finance tools and, when a search backend is
// configured, web_search.
func createTools(cfg *config.Config, logger *slog.Logger) *tools.Registry {
	reg := tools.NewRegistry()
	finance.RegisterTools(reg, finance.NewClient(cfg.Market.BaseURL, cfg.Market.Timeout, logger.With("component", "market")))

	mgr := search.NewManager(cfg.Search.Default, logger)
	if cfg.Search.SearXNG.URL != "" {
		mgr.Register(search.NewSearXNG(cfg.Search.SearXNG.URL, logger))
	}
	if cfg.Search.Brave.APIKey != "" {
		mgr.Register(search.NewBrave(cfg.Search.Brave.APIKey, "", logger))
	}
	search.RegisterTool(reg, mgr)
	if !mgr.Configured() {
		logger.Info("web search disabled, no provider configured")
	}
	return reg
}
