package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ensemble-run/ensemble/internal/config"
	"github.com/ensemble-run/ensemble/internal/gateway"
	"github.com/ensemble-run/ensemble/internal/llm"
	"github.com/ensemble-run/ensemble/internal/llm/providers"
	"github.com/ensemble-run/ensemble/internal/observability"
	"github.com/ensemble-run/ensemble/internal/runtime"
	"github.com/ensemble-run/ensemble/internal/security"
	"github.com/ensemble-run/ensemble/internal/sessions"
	"github.com/ensemble-run/ensemble/internal/templates"
)

func newServeCommand() *cobra.Command {
	var logLevel, logFormat string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestration service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := observability.NewLogger(observability.LogConfig{
				Level:  logLevel,
				Format: logFormat,
			})
			slog.SetDefault(logger)
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "text|json")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Session store: Redis when enabled (or reachable under
	// autodetect), in-memory otherwise.
	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Ended sessions are reaped in the background; TTL expiry handles
	// the rest.
	lifecycle := sessions.NewLifecycle(store, logger)
	go lifecycle.RunPurgeLoop(ctx, time.Hour)

	// Security gate.
	keys, err := security.NewAPIKeyManager(cfg.Security.KeysFile, logger)
	if err != nil {
		return err
	}
	var jwtService *security.JWTService
	if cfg.Security.JWTSecret != "" {
		jwtService = security.NewJWTService(cfg.Security.JWTSecret, "ensemble",
			cfg.Security.AccessExpiry, cfg.Security.RefreshExpiry)
	}
	gate := security.NewGate(keys, jwtService, nil, logger)
	gate.RejectFlagged = cfg.Security.ContentMode == "reject"
	// Without a JWT secret or any provisioned keys there is nothing to
	// authenticate against; run open for local development.
	gate.AllowAnonymous = jwtService == nil && len(keys.ListAPIKeys("", true)) == 0

	// Templates.
	registry := templates.NewRegistry(cfg.Templates.Dir, logger)
	if err := registry.Load(); err != nil {
		return err
	}
	if cfg.Templates.Watch {
		go func() {
			if err := registry.Watch(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("template watcher stopped", "error", err)
			}
		}()
	}

	// Providers.
	provs, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	if len(provs) == 0 {
		return fmt.Errorf("no LLM provider configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}

	metrics := observability.NewMetrics(nil)

	rt := runtime.New(runtime.Options{
		Templates:               registry,
		Store:                   store,
		Gate:                    gate,
		Providers:               provs,
		DefaultProvider:         cfg.Providers.DefaultProvider,
		Metrics:                 metrics,
		Logger:                  logger,
		TurnTimeout:             cfg.Turn.Timeout,
		EventTimeout:            cfg.Turn.EventTimeout,
		MaxHandoffDepth:         cfg.Turn.MaxHandoffDepth,
		SessionTTL:              cfg.Redis.Expiry,
		ContextMaxMessages:      cfg.Context.MaxMessages,
		ContextMaxContentLength: cfg.Context.MaxContentLength,
	})

	server := gateway.NewServer(rt, gate, store, logger)
	return server.ListenAndServe(ctx, cfg.Server.Addr)
}

func buildStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sessions.Store, error) {
	wantRedis := cfg.Redis.Enabled
	if wantRedis == nil || *wantRedis {
		store, err := sessions.NewRedisStore(ctx, sessions.RedisOptions{
			URL:           cfg.Redis.URL,
			Prefix:        cfg.Redis.Prefix,
			TTL:           cfg.Redis.Expiry,
			MaxConns:      cfg.Redis.MaxConns,
			SocketTimeout: cfg.Redis.SocketTimeout,
		}, logger)
		if err == nil {
			logger.Info("session store: redis", "url", cfg.Redis.URL)
			return store, nil
		}
		if wantRedis != nil {
			// Redis was demanded, not autodetected.
			return nil, fmt.Errorf("redis store: %w", err)
		}
		logger.Info("redis unreachable, falling back to in-memory sessions", "error", err)
	}
	store := sessions.NewMemoryStore(cfg.Redis.Expiry, logger)
	store.StartSweeper(ctx, 0)
	logger.Info("session store: memory")
	return store, nil
}

func buildProviders(cfg *config.Config) (map[string]llm.Provider, error) {
	out := map[string]llm.Provider{}
	if key := cfg.Providers.AnthropicAPIKey; key != "" {
		p, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: key})
		if err != nil {
			return nil, err
		}
		out["anthropic"] = p
	}
	if key := cfg.Providers.OpenAIAPIKey; key != "" {
		p, err := providers.NewOpenAIProvider(providers.OpenAIConfig{APIKey: key})
		if err != nil {
			return nil, err
		}
		out["openai"] = p
	}
	return out, nil
}
