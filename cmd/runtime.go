package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/seaclaw/seaclaw/internal/agent"
	"github.com/seaclaw/seaclaw/internal/browser"
	"github.com/seaclaw/seaclaw/internal/bus"
	"github.com/seaclaw/seaclaw/internal/channels"
	"github.com/seaclaw/seaclaw/internal/chunker"
	"github.com/seaclaw/seaclaw/internal/config"
	"github.com/seaclaw/seaclaw/internal/cron"
	"github.com/seaclaw/seaclaw/internal/memory"
	"github.com/seaclaw/seaclaw/internal/providers"
	"github.com/seaclaw/seaclaw/internal/sessions"
	"github.com/seaclaw/seaclaw/internal/store"
	"github.com/seaclaw/seaclaw/internal/store/pg"
	"github.com/seaclaw/seaclaw/internal/store/sqlite"
	"github.com/seaclaw/seaclaw/internal/telemetry"
	"github.com/seaclaw/seaclaw/internal/tools"
)

// runtime is the fully wired application: stores, providers, the worker
// registry, the cron executor, channels, and the tool set.
type runtime struct {
	cfg       *config.Config
	stores    *store.Stores
	bus       *bus.Bus
	creds     *providers.EnvCredentials
	providers *providers.Registry
	registry  *sessions.Registry
	cron      *cron.Executor
	channels  *channels.Manager
	browser   *browser.Controller
	tools     *tools.Registry

	stopTelemetry func(context.Context) error
}

// buildRuntime constructs and cross-wires every component. The ordering
// matters only once: the tool registry is created empty so the loop factory
// can capture it before the tools that need the session registry exist.
func buildRuntime(cfg *config.Config) (*runtime, error) {
	stopTelemetry, err := telemetry.Setup(context.Background(), cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}

	stores, err := openStores(cfg)
	if err != nil {
		return nil, err
	}

	creds := providers.NewEnvCredentials()
	creds.SetOverride("anthropic", cfg.Providers.Anthropic.APIKey)
	creds.SetOverride("openai", cfg.Providers.OpenAI.APIKey)
	creds.SetOverride("google", cfg.Providers.Google.APIKey)

	provReg := buildProviders(cfg, creds)
	provider, err := provReg.Get(cfg.Agents.Defaults.Provider)
	if err != nil {
		return nil, err
	}

	b := bus.New()
	toolReg := tools.NewRegistry()
	defaults := cfg.Agents.Defaults

	factory := func(key string) *agent.Loop {
		deny := defaults.DenyTools
		if sessions.IsSubagent(key) {
			// Sub-agents must not recurse.
			deny = append(append([]string{}, deny...), "sessions_spawn")
		}
		return agent.NewLoop(agent.Config{
			AgentID:       "default",
			Provider:      provider,
			Model:         defaults.Model,
			SystemPrompt:  defaults.SystemPrompt,
			MaxIterations: defaults.MaxToolIterations,
			HistoryLimit:  defaults.HistoryLimit,
			RunTimeout:    time.Duration(defaults.RunTimeoutSeconds) * time.Second,
			MaxTokens:     defaults.MaxTokens,
			Temperature:   defaults.Temperature,
			Bus:           b,
			Sessions:      stores.Sessions,
			Tools:         toolReg,
			AllowTools:    defaults.AllowTools,
			DenyTools:     deny,
			Chunking:      chunker.Config{},
		})
	}

	sessReg := sessions.NewRegistry(factory, stores.Sessions,
		time.Duration(cfg.Sessions.IdleMinutes)*time.Minute)

	chanMgr := channels.NewManager()
	chanMgr.Register(channels.NewCLI(os.Stdout))

	executor := cron.New(cron.Config{
		Jobs:     stores.Cron,
		Sessions: stores.Sessions,
		Registry: sessReg,
		Bus:      b,
		Notifier: chanMgr,
		AgentID:  "default",
		Tick:     time.Duration(cfg.Cron.TickSeconds) * time.Second,
	})

	rt := &runtime{
		cfg:           cfg,
		stores:        stores,
		bus:           b,
		creds:         creds,
		providers:     provReg,
		registry:      sessReg,
		cron:          executor,
		channels:      chanMgr,
		tools:         toolReg,
		stopTelemetry: stopTelemetry,
	}

	if cfg.Browser.Enabled {
		rt.browser = browser.New(browser.Config{
			Headless:      cfg.Browser.Headless,
			ScreenshotDir: cfg.Browser.ScreenshotDir,
		})
	}

	rt.registerTools()
	return rt, nil
}

func openStores(cfg *config.Config) (*store.Stores, error) {
	switch cfg.Database.Backend {
	case "", "sqlite":
		stores, err := sqlite.NewStores(cfg.Database.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return stores, nil
	case "postgres":
		if cfg.Database.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres backend requires SEACLAW_POSTGRES_DSN")
		}
		stores, err := pg.NewStores(cfg.Database.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return stores, nil
	case "memory":
		return store.MemStores(), nil
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Database.Backend)
	}
}

func buildProviders(cfg *config.Config, creds *providers.EnvCredentials) *providers.Registry {
	reg := providers.NewRegistry()
	reg.Register(providers.NewAnthropicClient(creds,
		providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.APIBase)))
	reg.Register(providers.NewOpenAIClient(creds,
		providers.WithOpenAIBaseURL(cfg.Providers.OpenAI.APIBase)))
	reg.Register(providers.NewGoogleClient(creds,
		providers.WithGoogleBaseURL(cfg.Providers.Google.APIBase)))
	reg.SetDefault(cfg.Agents.Defaults.Provider)
	return reg
}

// registerTools fills the tool registry. Must run after the session registry
// and cron executor exist; the loops only read the registry at run time.
func (rt *runtime) registerTools() {
	d := rt.cfg.Agents.Defaults
	gw := &sessionGateway{registry: rt.registry}

	rt.tools.MustRegister(
		tools.NewReadFileTool(d.Workspace, d.RestrictToWorkspace),
		tools.NewWriteFileTool(d.Workspace, d.RestrictToWorkspace),
		tools.NewEditFileTool(d.Workspace, d.RestrictToWorkspace),
		tools.NewListFilesTool(d.Workspace, d.RestrictToWorkspace),
		tools.NewExecTool(d.Workspace, 0),
		tools.NewWebFetchTool(0),
		tools.NewSessionsListTool(rt.stores.Sessions),
		tools.NewSessionsHistoryTool(rt.stores.Sessions),
		tools.NewSessionsSendTool(gw),
		tools.NewSessionsSpawnTool(gw),
		tools.NewCronTool(rt.stores.Cron, rt.cron),
		tools.NewMessageTool(rt.channels),
	)

	if rt.cfg.Memory.Path != "" {
		backend := memory.NewLocal(rt.cfg.Memory.Path)
		rt.tools.MustRegister(
			tools.NewMemorySearchTool(backend),
			tools.NewMemoryStoreTool(backend),
		)
	}
	if rt.browser != nil {
		rt.tools.MustRegister(tools.NewBrowserTool(rt.browser))
	}
}

// applyConfig absorbs a hot-reloaded config: only credential overrides are
// live-swappable; structural changes need a restart.
func (rt *runtime) applyConfig(cfg *config.Config) {
	rt.creds.SetOverride("anthropic", cfg.Providers.Anthropic.APIKey)
	rt.creds.SetOverride("openai", cfg.Providers.OpenAI.APIKey)
	rt.creds.SetOverride("google", cfg.Providers.Google.APIKey)
}

// shutdown tears the runtime down in dependency order.
func (rt *runtime) shutdown(ctx context.Context) {
	rt.cron.Stop()
	rt.registry.Shutdown()
	rt.channels.StopAll(ctx)
	if rt.browser != nil {
		rt.browser.Close()
	}
	if rt.stopTelemetry != nil {
		_ = rt.stopTelemetry(ctx)
	}
}

// sessionGateway adapts the worker registry to the narrow surface the
// session tools accept.
type sessionGateway struct {
	registry *sessions.Registry
}

func (g *sessionGateway) Send(ctx context.Context, key, text string) (string, error) {
	channel, _ := sessions.Split(key)
	res, err := g.registry.Send(ctx, key, channel, text, sessions.SendOptions{})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

func (g *sessionGateway) Spawn(ctx context.Context, label, task string, parent *tools.Context) (string, error) {
	if label == "" {
		label = "task"
	}
	key := sessions.SubagentKey(label + "-" + uuid.NewString()[:8])
	res, err := g.registry.Send(ctx, key, "subagent", task, sessions.SendOptions{
		ExtraSystem: fmt.Sprintf("You are a sub-agent spawned from session %s. Complete the task and answer with the result.", parent.SessionKey),
	})
	// The sub-agent session is one-shot; drop it regardless of outcome. The
	// row may be absent when the run failed before prepare, so the error is
	// only logged.
	if delErr := g.registry.Delete(context.WithoutCancel(ctx), key); delErr != nil {
		slog.Debug("sub-agent session cleanup failed", "key", key, "error", delErr)
	}
	if err != nil {
		return "", err
	}
	return res.Content, nil
}
