package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nicolasforstinger/lucyd/internal/agent"
	"github.com/nicolasforstinger/lucyd/internal/bus"
	"github.com/nicolasforstinger/lucyd/internal/channels"
	"github.com/nicolasforstinger/lucyd/internal/channels/discord"
	"github.com/nicolasforstinger/lucyd/internal/channels/telegram"
	"github.com/nicolasforstinger/lucyd/internal/config"
	"github.com/nicolasforstinger/lucyd/internal/consolidation"
	"github.com/nicolasforstinger/lucyd/internal/cost"
	"github.com/nicolasforstinger/lucyd/internal/daemon"
	"github.com/nicolasforstinger/lucyd/internal/dispatch"
	"github.com/nicolasforstinger/lucyd/internal/memory"
	"github.com/nicolasforstinger/lucyd/internal/pipeline"
	"github.com/nicolasforstinger/lucyd/internal/providers"
	"github.com/nicolasforstinger/lucyd/internal/recall"
	"github.com/nicolasforstinger/lucyd/internal/sessions"
	"github.com/nicolasforstinger/lucyd/internal/store"
	"github.com/nicolasforstinger/lucyd/internal/store/file"
	"github.com/nicolasforstinger/lucyd/internal/tools"
)

// runGateway loads config, wires the dispatch loop, message pipeline and
// channel adapters together, and blocks until a termination signal arrives.
// It is the daemon's default action — what "lucyd" runs with no subcommand.
func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !cfg.HasAnyProvider() {
		fmt.Println("No AI provider API key configured. Set one in", cfgPath, "or via environment variables.")
		os.Exit(1)
	}

	workspace := config.ExpandHome(cfg.Agents.Defaults.Workspace)
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	os.MkdirAll(workspace, 0o755)

	pidPath := filepath.Join(workspace, "state", "lucyd.pid")
	if err := daemon.AcquirePIDFile(pidPath); err != nil {
		slog.Error("daemon startup refused", "error", err)
		os.Exit(1)
	}
	defer daemon.ReleasePIDFile(pidPath)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	msgBus := bus.New()
	registry := registerProviders(cfg)
	toolsReg := buildToolRegistry(workspace, cfg, registry)

	sessionMgr := sessions.NewManager(cfg.Sessions.Storage)
	sessionStore := file.NewFileSessionStore(sessionMgr)

	memStore, memErr := memory.Open(filepath.Join(workspace, "memory.db"))
	if memErr != nil {
		slog.Warn("memory store unavailable, recall/consolidation disabled", "error", memErr)
	}

	agentCfg := cfg.ResolveAgent(cfg.ResolveDefaultAgentID())
	primaryProvider, err := registry.Get(agentCfg.Provider)
	if err != nil {
		slog.Error("primary provider not configured", "provider", agentCfg.Provider, "error", err)
		os.Exit(1)
	}

	var recallEngine *recall.Engine
	var consolidationEngine *consolidation.Engine
	if memStore != nil {
		recallEngine = recall.New(memStore, recall.DefaultConfig(), nil, primaryProvider, agentCfg.Model)
		consolidationEngine = consolidation.New(memStore, consolidation.DefaultConfig(), primaryProvider, agentCfg.Model, primaryProvider, agentCfg.Model)
	}

	costLedger, costErr := cost.Open(filepath.Join(workspace, "cost.db"))
	if costErr != nil {
		slog.Warn("cost ledger unavailable, spend will not be recorded", "error", costErr)
	} else {
		defer costLedger.Close()
	}

	loop := agent.NewLoop(agent.LoopConfig{
		ID:            "default",
		Provider:      primaryProvider,
		Model:         agentCfg.Model,
		ContextWindow: agentCfg.ContextWindow,
		MaxIterations: agentCfg.MaxToolIterations,
		Workspace:     workspace,
		Bus:           msgBus,
		Sessions:      sessionStore,
		Tools:         toolsReg,
		CompactionCfg: agentCfg.Compaction,
		MemoryFlush:   memoryFlushHook(consolidationEngine, sessionStore),
	})

	chanMgr := channels.NewManager(msgBus)
	registerChannels(chanMgr, cfg, msgBus)

	rateLimiter := channels.NewWebhookRateLimiter()
	pipe := pipeline.New(pipeline.Config{
		Loop:          loop,
		Sessions:      sessionStore,
		Channels:      chanMgr,
		Recall:        recallEngine,
		Consolidation: consolidationEngine,
		CostLedger:    costLedger,
		Rates:         resolveRates(cfg),
		CompactionCfg: agentCfg.Compaction,
		ContextWindow: agentCfg.ContextWindow,
		Webhook:       resolveWebhookConfig(cfg),
		RateLimiter:   rateLimiter,
	})

	disp := dispatch.New(dispatch.Config{
		Handler: func(ctx context.Context, msg dispatch.CombinedMessage) {
			pipe.Process(ctx, msg)
		},
		Sessions: sessionStore,
		ResolveSessionKey: func(source, agentID, peerKind, chatID string) string {
			kind := sessions.PeerDirect
			if peerKind == string(sessions.PeerGroup) {
				kind = sessions.PeerGroup
			}
			if agentID == "" {
				agentID = "default"
			}
			return sessions.BuildSessionKey(agentID, source, kind, chatID)
		},
	})

	go disp.Run(ctx)
	go bridgeBusToDispatcher(ctx, msgBus, disp)

	fifoPath := filepath.Join(workspace, "state", "control.pipe")
	go func() {
		if err := daemon.RunFIFOReader(ctx, fifoPath, disp); err != nil {
			slog.Error("control fifo reader exited", "error", err)
		}
	}()

	if err := chanMgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	slog.Info("lucyd daemon ready", "pid", os.Getpid(), "workspace", workspace)
	<-ctx.Done()

	slog.Info("shutting down")
	disp.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	chanMgr.StopAll(shutdownCtx)
}

// bridgeBusToDispatcher feeds every inbound message the bus receives from a
// channel adapter onto the dispatcher's ingress queue, keeping the
// transport-facing bus decoupled from the debounce/combine logic.
func bridgeBusToDispatcher(ctx context.Context, msgBus *bus.MessageBus, disp *dispatch.Dispatcher) {
	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		disp.PublishInbound(msg)
	}
}

func registerProviders(cfg *config.Config) *providers.Registry {
	reg := providers.NewRegistry()
	if cfg.Providers.Anthropic.APIKey != "" {
		reg.Register("anthropic", providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey))
	}
	if cfg.Providers.OpenAI.APIKey != "" {
		reg.Register("openai", providers.NewOpenAIProvider("openai", cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, "gpt-4o"))
	}
	if cfg.Providers.OpenRouter.APIKey != "" {
		reg.Register("openrouter", providers.NewOpenAIProvider("openrouter", cfg.Providers.OpenRouter.APIKey, cfg.Providers.OpenRouter.APIBase, "anthropic/claude-sonnet-4.5"))
	}
	if cfg.Providers.Gemini.APIKey != "" {
		reg.Register("gemini", providers.NewOpenAIProvider("gemini", cfg.Providers.Gemini.APIKey, cfg.Providers.Gemini.APIBase, "gemini-2.5-flash"))
	}
	if cfg.Providers.DeepSeek.APIKey != "" {
		reg.Register("deepseek", providers.NewDashScopeProvider(cfg.Providers.DeepSeek.APIKey, cfg.Providers.DeepSeek.APIBase, "deepseek-chat"))
	}
	return reg
}

func buildToolRegistry(workspace string, cfg *config.Config, registry *providers.Registry) *tools.Registry {
	toolsReg := tools.NewRegistry()
	restrict := cfg.Agents.Defaults.RestrictToWorkspace
	toolsReg.Register(tools.NewReadFileTool(workspace, restrict))
	toolsReg.Register(tools.NewWriteFileTool(workspace, restrict))
	toolsReg.Register(tools.NewListFilesTool(workspace, restrict))
	toolsReg.Register(tools.NewEditTool(workspace, restrict))
	toolsReg.Register(tools.NewExecTool(workspace, restrict))
	toolsReg.Register(tools.NewReadImageTool(registry))
	toolsReg.Register(tools.NewCreateImageTool(registry))
	toolsReg.Register(tools.NewSessionsListTool())
	toolsReg.Register(tools.NewSessionStatusTool())
	toolsReg.Register(tools.NewSessionsHistoryTool())
	return toolsReg
}

func registerChannels(mgr *channels.Manager, cfg *config.Config, msgBus *bus.MessageBus) {
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, msgBus, nil)
		if err != nil {
			slog.Error("telegram channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("telegram", ch)
		}
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, msgBus, nil)
		if err != nil {
			slog.Error("discord channel init failed", "error", err)
		} else {
			mgr.RegisterChannel("discord", ch)
		}
	}
}

// memoryFlushHook returns the Loop.MemoryFlush callback that runs a
// consolidation pass just before compaction would otherwise discard
// history. Wiring it here (rather than inside internal/pipeline) keeps a
// single owner for the compaction-threshold decision — the loop already
// tracks per-session compaction cycles and only calls runMemoryFlush once
// per cycle via shouldRunMemoryFlush.
func memoryFlushHook(engine *consolidation.Engine, sessionStore store.SessionStore) func(ctx context.Context, sessionKey string) error {
	if engine == nil {
		return nil
	}
	return func(ctx context.Context, sessionKey string) error {
		history := sessionStore.GetHistory(sessionKey)
		compactionCount := sessionStore.GetCompactionCount(sessionKey)
		return engine.ConsolidateSession(ctx, sessionKey, history, compactionCount, "")
	}
}

func resolveRates(cfg *config.Config) cost.Rates {
	_ = cfg
	return cost.Rates{InputPerM: 3, OutputPerM: 15, CacheReadPerM: 0.3, CacheWritePerM: 3.75}
}

func resolveWebhookConfig(cfg *config.Config) pipeline.WebhookConfig {
	_ = cfg
	return pipeline.WebhookConfig{}
}
