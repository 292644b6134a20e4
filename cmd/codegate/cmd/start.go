package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/RhysSullivan/codegate/internal/adapter/inbound/api"
	"github.com/RhysSullivan/codegate/internal/adapter/inbound/mcpsrv"
	"github.com/RhysSullivan/codegate/internal/adapter/outbound/audit"
	"github.com/RhysSullivan/codegate/internal/adapter/outbound/mcpclient"
	"github.com/RhysSullivan/codegate/internal/adapter/outbound/memory"
	"github.com/RhysSullivan/codegate/internal/adapter/outbound/provider"
	"github.com/RhysSullivan/codegate/internal/adapter/outbound/sqlite"
	"github.com/RhysSullivan/codegate/internal/adapter/outbound/state"
	"github.com/RhysSullivan/codegate/internal/config"
	"github.com/RhysSullivan/codegate/internal/domain/actor"
	"github.com/RhysSullivan/codegate/internal/domain/ratelimit"
	"github.com/RhysSullivan/codegate/internal/domain/run"
	"github.com/RhysSullivan/codegate/internal/domain/source"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
	"github.com/RhysSullivan/codegate/internal/runtime"
	"github.com/RhysSullivan/codegate/internal/service"
	"github.com/RhysSullivan/codegate/internal/telemetry"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway server",
	Long: `Start the codegate gateway server.

The server exposes:
  - the control plane under /v1/ (runs, approvals, tools, sources,
    credentials, policies, stats)
  - the runtime callback endpoint at /v1/runtime/tool-call
  - the MCP surface at /mcp (a single execute tool)
  - /healthz, /readyz, and /metrics

Examples:
  # Start with config file settings
  codegate start

  # Start in development mode (no auth, memory store)
  codegate start --dev

  # Start with a specific config file
  codegate --config /path/to/config.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (no auth, relaxed validation)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override dev mode from CLI flag
	if devMode {
		cfg.DevMode = true
	}

	// Apply dev defaults (disables auth, fills the callback secret)
	cfg.SetDevDefaults()

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop() // Restore default: next Ctrl+C = immediate exit.
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Server.LogLevel),
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	// Write PID file so "codegate stop" can find us.
	pidPath := pidFilePath(cfg.Server.PIDFile)
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	if err := serve(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("codegate stopped")
	return nil
}

// serve wires all components together and runs the HTTP server until the
// context is cancelled. Boot order: telemetry, state store, policy engine,
// catalog registry, providers, runtimes, run lifecycle, invocation
// pipeline, inbound surfaces.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("development mode: authentication disabled, private-network egress allowed")
	}

	// ===== BOOT-01: telemetry =====
	tel, err := telemetry.Setup(ctx, "codegate", Version, cfg.Telemetry.Enabled)
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	tracer := tel.Tracer()
	metrics := telemetry.NewMetrics()

	// ===== BOOT-02: state store =====
	store, err := openStateStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer func() { _ = store.Close() }()
	logger.Info("state store opened", "backend", cfg.Store.Backend, "path", cfg.Store.Path)

	// ===== BOOT-03: policy engine =====
	policySvc, err := service.NewPolicyService(ctx, store.Policies(), logger)
	if err != nil {
		return fmt.Errorf("create policy service: %w", err)
	}

	// ===== BOOT-04: catalog registry =====
	mcpManager := mcpclient.NewManager("codegate", Version, logger)
	defer func() { _ = mcpManager.Close() }()

	registry := service.NewRegistryService(store, mcpManager, policySvc, logger)

	seeded, err := seedSources(ctx, cfg, store, logger)
	if err != nil {
		return fmt.Errorf("seed tool sources: %w", err)
	}
	if seeded > 0 {
		logger.Info("seeded tool sources from config", "count", seeded)
	}

	creds := service.NewCredentialService(store.Credentials(), logger)
	tokens := service.NewTokenService([]byte(cfg.Auth.CallbackSecret), store.CallbackTokens())

	// ===== BOOT-05: providers =====
	providerTimeout := mustDuration(cfg.Providers.Timeout)
	httpProvider := provider.NewHTTPProvider(provider.HTTPOptions{
		AllowPrivateNetworks: cfg.Providers.AllowPrivateNetworks,
		Timeout:              providerTimeout,
	}, logger)
	providers := provider.NewRegistry(
		httpProvider,
		provider.NewGraphQLProvider(httpProvider, logger),
		provider.NewBuiltinProvider(),
		mcpManager,
	)

	// ===== BOOT-06: runtimes =====
	inproc := runtime.NewInprocRuntime()
	subproc := runtime.NewSubprocessRuntime(cfg.Runtime.NodePath, logger)
	remote := runtime.NewRemoteRuntime(cfg.Runtime.WorkerURL, logger)
	dispatcher := runtime.NewDispatcher(inproc, subproc, remote)
	logger.Info("runtimes registered",
		"inproc", inproc.IsAvailable(),
		"subprocess", subproc.IsAvailable(),
		"remote", remote.IsAvailable(),
	)

	// ===== BOOT-07: run lifecycle =====
	runSvc := service.NewRunService(service.RunServiceConfig{
		DefaultTimeout:  mustDuration(cfg.Runs.DefaultTimeout),
		MaxTimeout:      mustDuration(cfg.Runs.MaxTimeout),
		DefaultRuntime:  run.Kind(cfg.Runs.DefaultRuntime),
		MaxConcurrent:   cfg.Runs.MaxConcurrent,
		RetentionTTL:    mustDuration(cfg.Runs.RetentionTTL),
		CallbackBaseURL: cfg.Server.CallbackBaseURL,
	}, store, registry, dispatcher, tokens, metrics, tracer, logger)

	// ===== BOOT-08: invocation pipeline =====
	journal, journalClose, err := openJournal(cfg, logger)
	if err != nil {
		return fmt.Errorf("open receipt journal: %w", err)
	}
	defer journalClose()

	invocation := service.NewInvocationService(service.InvocationConfig{
		ProviderTimeout: providerTimeout,
	}, runSvc, policySvc, creds, providers, store, journal, metrics, tracer, logger)
	runSvc.SetToolCallHandler(invocation)
	go runSvc.StartSweeper(ctx)

	stats := service.NewStatsService(metrics.Registry())

	// ===== BOOT-09: inbound surfaces =====
	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		submitLimiter := memory.NewSubmitLimiter()
		submitLimiter.StartJanitor(ctx)
		defer submitLimiter.Stop()
		limiter = submitLimiter
	}

	authn := api.NewAuthenticator(cfg.Auth.Enabled, buildKeyEntries(cfg), cfg.Auth.DefaultWorkspace)

	handler := api.NewHandler(api.Config{
		Runs:        runSvc,
		Invoker:     invocation,
		Tokens:      tokens,
		Registry:    registry,
		Credentials: creds,
		Policies:    policySvc,
		Stats:       stats,
		Store:       store,
		Auth:        authn,
		Limiter:     limiter,
		LimitConfig: ratelimit.Limit{
			Rate:   cfg.RateLimit.Rate,
			Burst:  cfg.RateLimit.Burst,
			Period: mustDuration(cfg.RateLimit.Period),
		},
		Metrics: metrics,
		Logger:  logger,
	})

	// The MCP surface executes as a dedicated member actor in the default
	// workspace; elicitation answers resolve approvals as this actor.
	mcpActor := &actor.Actor{
		ID:          "mcp-surface",
		Name:        "MCP surface",
		WorkspaceID: cfg.Auth.DefaultWorkspace,
		Roles:       []actor.Role{actor.RoleMember},
	}
	mcpServer := mcpsrv.NewServer(runSvc, mcpActor, logger).Build("codegate", Version)

	mux := stdhttp.NewServeMux()
	mux.Handle("/", handler.Routes())
	mux.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*stdhttp.Request) *mcp.Server {
		return mcpServer
	}, nil))

	srv := &stdhttp.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("codegate starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"http_addr", cfg.Server.HTTPAddr,
		"store", cfg.Store.Backend,
		"auth", cfg.Auth.Enabled,
		"rate_limit", cfg.RateLimit.Enabled,
		"default_runtime", cfg.Runs.DefaultRuntime,
		"audit_output", cfg.Audit.Output,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down", "grace", cfg.Server.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), mustDuration(cfg.Server.ShutdownGrace))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStateStore builds the persistence backend named by config.
func openStateStore(cfg *config.Config, logger *slog.Logger) (outbound.StateStore, error) {
	switch cfg.Store.Backend {
	case "memory":
		return memory.NewStateStore(), nil
	case "file":
		return state.NewFileStateStore(cfg.Store.Path, logger)
	case "sqlite":
		return sqlite.Open(cfg.Store.Path)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// openJournal builds the receipt journal named by config. The returned
// close function is a no-op for stream journals.
func openJournal(cfg *config.Config, logger *slog.Logger) (service.ReceiptJournal, func(), error) {
	if cfg.Audit.Output == "stdout" {
		return audit.NewStreamJournal(os.Stdout), func() {}, nil
	}
	path := parseFileURI(cfg.Audit.Output)
	if path == "" {
		return nil, nil, fmt.Errorf("invalid audit output %q", cfg.Audit.Output)
	}
	j, err := audit.Open(path, logger)
	if err != nil {
		return nil, nil, err
	}
	return j, func() { _ = j.Close() }, nil
}

// buildKeyEntries maps config API keys to authenticator entries. Validation
// already guaranteed every actor reference resolves.
func buildKeyEntries(cfg *config.Config) []api.KeyEntry {
	actors := make(map[string]config.ActorConfig, len(cfg.Auth.Actors))
	for _, a := range cfg.Auth.Actors {
		actors[a.ID] = a
	}

	entries := make([]api.KeyEntry, 0, len(cfg.Auth.APIKeys))
	for _, key := range cfg.Auth.APIKeys {
		a := actors[key.ActorID]
		roles := make([]actor.Role, 0, len(a.Roles))
		for _, r := range a.Roles {
			roles = append(roles, actor.Role(r))
		}
		entries = append(entries, api.KeyEntry{
			// The authenticator stores argon2id PHC strings as-is and
			// sha256 digests as bare hex.
			Hash: strings.TrimPrefix(key.KeyHash, "sha256:"),
			Actor: actor.Actor{
				ID:          a.ID,
				Name:        a.Name,
				WorkspaceID: a.WorkspaceID,
				Roles:       roles,
			},
		})
	}
	return entries
}

// seedSources upserts config-declared tool sources into the store. Existing
// sources with the same id keep their artifact when content is unchanged.
func seedSources(ctx context.Context, cfg *config.Config, store outbound.StateStore, logger *slog.Logger) (int, error) {
	now := time.Now().UTC()
	count := 0
	for i, sc := range cfg.Sources {
		var manifest []byte
		if sc.ConfigFile != "" {
			data, err := os.ReadFile(sc.ConfigFile)
			if err != nil {
				return count, fmt.Errorf("sources[%d]: read config file: %w", i, err)
			}
			manifest = data
		}

		workspaceID := sc.WorkspaceID
		if workspaceID == "" {
			workspaceID = cfg.Auth.DefaultWorkspace
		}
		id := sc.ID
		if id == "" {
			id = uuid.New().String()
		}

		src := &source.Source{
			ID:          id,
			WorkspaceID: workspaceID,
			Name:        sc.Name,
			Kind:        source.Kind(sc.Kind),
			Endpoint:    sc.Endpoint,
			Config:      manifest,
			Enabled:     true,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if existing, err := store.Sources().GetSource(ctx, id); err == nil {
			src.CreatedAt = existing.CreatedAt
			src.SourceHash = existing.SourceHash
		}
		if err := src.Validate(); err != nil {
			return count, fmt.Errorf("sources[%d] (%s): %w", i, sc.Name, err)
		}
		if err := store.Sources().PutSource(ctx, src); err != nil {
			return count, fmt.Errorf("sources[%d] (%s): %w", i, sc.Name, err)
		}
		logger.Debug("seeded tool source", "name", sc.Name, "kind", sc.Kind, "workspace", workspaceID)
		count++
	}
	return count, nil
}

// mustDuration parses a duration already vetted by config validation.
func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
