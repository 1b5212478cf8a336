// Command marketvoice is the main entry point for the conversational
// market-data voice assistant server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hula0401/marketvoice/internal/agent"
	"github.com/hula0401/marketvoice/internal/app"
	"github.com/hula0401/marketvoice/internal/cache"
	"github.com/hula0401/marketvoice/internal/config"
	"github.com/hula0401/marketvoice/internal/edge"
	"github.com/hula0401/marketvoice/internal/health"
	"github.com/hula0401/marketvoice/internal/heartbeat"
	"github.com/hula0401/marketvoice/internal/llmgate"
	"github.com/hula0401/marketvoice/internal/memorymgr"
	"github.com/hula0401/marketvoice/internal/observe"
	"github.com/hula0401/marketvoice/internal/resilience"
	"github.com/hula0401/marketvoice/internal/sessionlog"
	"github.com/hula0401/marketvoice/internal/toolregistry"
	"github.com/hula0401/marketvoice/internal/toolregistry/tools"
	"github.com/hula0401/marketvoice/pkg/memory"
	"github.com/hula0401/marketvoice/pkg/memory/postgres"
	"github.com/hula0401/marketvoice/pkg/provider/llm"
	"github.com/hula0401/marketvoice/pkg/provider/llm/anyllm"
	"github.com/hula0401/marketvoice/pkg/provider/llm/openai"
	sttmock "github.com/hula0401/marketvoice/pkg/provider/stt/mock"
	ttsmock "github.com/hula0401/marketvoice/pkg/provider/tts/mock"
	"github.com/hula0401/marketvoice/pkg/types"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "marketvoice: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "marketvoice: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("marketvoice starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "marketvoice"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	llmProvider, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		slog.Error("failed to build llm provider", "err", err)
		return 1
	}
	var llmForGate llm.Provider = llmProvider
	if cfg.Providers.LLMFallback.Name != "" {
		llmFallback, err := reg.CreateLLM(cfg.Providers.LLMFallback)
		if err != nil {
			slog.Error("failed to build llm fallback provider", "err", err)
			return 1
		}
		group := resilience.NewLLMFallback(llmProvider, cfg.Providers.LLM.Name, resilience.FallbackConfig{})
		group.AddFallback(cfg.Providers.LLMFallback.Name, llmFallback)
		llmForGate = group
	}

	// STT and TTS only ship with mock backends in this build — no real vendor
	// SDK is wired yet (see DESIGN.md). The session manager and agent graph
	// both tolerate this: STT is optional input transcription, TTS is
	// optional speech emission.
	sttProvider := &sttmock.Provider{}
	ttsProvider := &ttsmock.Provider{}

	store, err := postgres.NewStore(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		slog.Error("failed to connect to postgres", "err", err)
		return 1
	}

	kv, err := cache.New(ctx, cfg.Cache, logger)
	if err != nil {
		slog.Error("failed to connect to cache", "err", err)
		return 1
	}

	logRoot := cfg.Session.LogRoot
	txLogger := sessionlog.New(sessionlog.Config{Root: logRoot})

	gate := llmgate.New(llmForGate, time.Duration(cfg.Session.LLMTimeoutSeconds)*time.Second)

	registry := toolregistry.New(kv)
	registry.SetMetrics(metrics)
	if err := registerTools(registry, cfg, store); err != nil {
		slog.Error("failed to register tools", "err", err)
		return 1
	}

	mm := memorymgr.New(memorymgr.Config{
		Notes:            store,
		LLM:              gate,
		PostRun:          txLogger,
		FinalizeDeadline: time.Duration(cfg.Session.FinalizeDeadlineSeconds) * time.Second,
	})

	// The Agent Graph needs an AudioEmitter, which *app.Manager implements,
	// but the Manager needs the Graph to run turns — a constructor cycle.
	// audioProxy breaks it: the Graph holds a stable pointer to the proxy,
	// and the proxy is pointed at the real Manager once it exists.
	audioProxy := &audioEmitterProxy{}

	graph := agent.New(gate, registry, store, mm, ttsProvider, audioProxy, txLogger, agent.Config{
		TurnToolDeadline:      time.Duration(cfg.Session.TurnToolDeadlineSeconds) * time.Second,
		ChecklistJoinDeadline: time.Duration(cfg.Session.ChecklistJoinDeadlineSeconds) * time.Second,
		ModelName:             cfg.Providers.LLM.Model,
	})

	manager := app.NewManager(app.Config{
		Store:            store,
		Messages:         store,
		Graph:            graph,
		Finalizer:        mm,
		Logger:           txLogger,
		STT:              sttProvider,
		IdleLimit:        time.Duration(cfg.Session.IdleLimitSeconds) * time.Second,
		TurnDeadline:     time.Duration(cfg.Session.TurnDeadlineSeconds) * time.Second,
		FinalizeDeadline: time.Duration(cfg.Session.FinalizeDeadlineSeconds) * time.Second,
	})
	audioProxy.mgr = manager

	monitor := heartbeat.New(heartbeat.Config{
		Manager:   manager,
		IdleLimit: time.Duration(cfg.Session.IdleLimitSeconds) * time.Second,
	})
	monitor.Start(ctx)

	healthHandler := health.New(
		health.Checker{Name: "store", Check: func(ctx context.Context) error {
			_, err := store.GetSession(ctx, "__healthcheck__")
			if errors.Is(err, memory.ErrNotFound) {
				return nil
			}
			return err
		}},
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler.Healthz)
	mux.HandleFunc("/readyz", healthHandler.Readyz)
	mux.Handle("/ws", edge.New(manager, 10*time.Second))

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics)(mux),
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server ready", "listen_addr", cfg.Server.ListenAddr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("listen error", "err", err)
			return 1
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
	}
	monitor.Stop()
	if err := manager.CloseAll(shutdownCtx, "shutdown"); err != nil {
		slog.Error("session shutdown error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

// audioEmitterProxy forwards agent.AudioEmitter calls to a *app.Manager that
// does not exist yet at Graph-construction time.
type audioEmitterProxy struct {
	mgr *app.Manager
}

func (p *audioEmitterProxy) EmitAudio(sessionID string, chunk types.TTSChunk) {
	if p.mgr != nil {
		p.mgr.EmitAudio(sessionID, chunk)
	}
}

// registerBuiltinProviders wires the LLM factories this build ships with.
// STT/TTS have no real vendor backend yet (see DESIGN.md), mirroring the
// teacher's own registerBuiltinProviders placeholder for unimplemented
// provider kinds.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if e.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(e.BaseURL))
		}
		return openai.New(e.APIKey, e.Model, opts...)
	})
	reg.RegisterLLM("anyllm", func(e config.ProviderEntry) (llm.Provider, error) {
		backend, _ := e.Options["backend"].(string)
		if backend == "" {
			backend = "openai"
		}
		return anyllm.New(backend, e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("anthropic", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewAnthropic(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("ollama", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewOllama(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("gemini", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewGemini(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("deepseek", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewDeepSeek(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("mistral", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewMistral(e.Model, anyllmOpts(e)...)
	})
	reg.RegisterLLM("groq", func(e config.ProviderEntry) (llm.Provider, error) {
		return anyllm.NewGroq(e.Model, anyllmOpts(e)...)
	})
}

// anyllmOpts translates the common ProviderEntry fields into any-llm-go
// options shared by every backend any-llm-go wraps.
func anyllmOpts(e config.ProviderEntry) []anyllmlib.Option {
	var opts []anyllmlib.Option
	if e.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
	}
	if e.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
	}
	return opts
}

// registerTools builds and registers the five canonical tools of §4.5.
func registerTools(registry *toolregistry.Registry, cfg *config.Config, store *postgres.Store) error {
	entries := []toolregistry.Tool{
		tools.NewPriceTool(cfg.Tools.Price.BaseURL, cfg.Tools.Price.APIKey).Tool(),
		tools.NewNewsTool(cfg.Tools.News.BaseURL, cfg.Tools.News.APIKey).Tool(),
		tools.NewResearchTool(cfg.Tools.Research.BaseURL, cfg.Tools.Research.APIKey).Tool(),
		tools.NewWatchlistTool(store).Tool(),
		tools.NewPreferencesTool(store, store).Tool(),
	}
	for _, t := range entries {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("register tool %q: %w", t.Definition.Name, err)
		}
	}
	return nil
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug:
		lvl = slog.LevelDebug
	case config.LogLevelWarn:
		lvl = slog.LevelWarn
	case config.LogLevelError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
