package api

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RhysSullivan/codegate/internal/domain/ratelimit"
	"github.com/RhysSullivan/codegate/internal/port/outbound"
	"github.com/RhysSullivan/codegate/internal/service"
	"github.com/RhysSullivan/codegate/internal/telemetry"
)

// Handler serves the control plane and the runtime callback endpoint.
type Handler struct {
	runs        *service.RunService
	invoker     service.ToolCallHandler
	tokens      *service.TokenService
	registry    *service.RegistryService
	credentials *service.CredentialService
	policies    *service.PolicyService
	stats       *service.StatsService
	store       outbound.StateStore

	auth        *Authenticator
	limiter     ratelimit.Limiter
	limitConfig ratelimit.Limit

	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// Config carries the handler's dependencies.
type Config struct {
	Runs        *service.RunService
	Invoker     service.ToolCallHandler
	Tokens      *service.TokenService
	Registry    *service.RegistryService
	Credentials *service.CredentialService
	Policies    *service.PolicyService
	Stats       *service.StatsService
	Store       outbound.StateStore
	Auth        *Authenticator
	Limiter     ratelimit.Limiter
	LimitConfig ratelimit.Limit
	Metrics     *telemetry.Metrics
	Logger      *slog.Logger
}

// NewHandler builds the handler.
func NewHandler(cfg Config) *Handler {
	return &Handler{
		runs:        cfg.Runs,
		invoker:     cfg.Invoker,
		tokens:      cfg.Tokens,
		registry:    cfg.Registry,
		credentials: cfg.Credentials,
		policies:    cfg.Policies,
		stats:       cfg.Stats,
		store:       cfg.Store,
		auth:        cfg.Auth,
		limiter:     cfg.Limiter,
		limitConfig: cfg.LimitConfig,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
	}
}

// Routes assembles the mux. Control-plane routes sit behind auth; the
// callback route authenticates with run-scoped tokens instead; health and
// metrics are open.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// Runs.
	mux.HandleFunc("POST /v1/runs", h.requireActor(h.submitRun))
	mux.HandleFunc("GET /v1/runs", h.requireActor(h.listRuns))
	mux.HandleFunc("GET /v1/runs/{id}", h.requireActor(h.getRun))
	mux.HandleFunc("GET /v1/runs/{id}/events", h.requireActor(h.runEvents))
	mux.HandleFunc("POST /v1/runs/{id}/cancel", h.requireActor(h.cancelRun))

	// Approvals.
	mux.HandleFunc("GET /v1/approvals", h.requireActor(h.listApprovals))
	mux.HandleFunc("POST /v1/approvals/{id}", h.requireActor(h.resolveApproval))

	// Catalog.
	mux.HandleFunc("GET /v1/tools", h.requireActor(h.listTools))
	mux.HandleFunc("GET /v1/tool-sources", h.requireActor(h.listSources))
	mux.HandleFunc("POST /v1/tool-sources", h.requireActor(h.putSource))
	mux.HandleFunc("DELETE /v1/tool-sources/{id}", h.requireActor(h.deleteSource))

	// Credentials.
	mux.HandleFunc("GET /v1/credentials", h.requireActor(h.listCredentials))
	mux.HandleFunc("POST /v1/credentials", h.requireActor(h.putCredential))
	mux.HandleFunc("DELETE /v1/credentials/{id}", h.requireActor(h.deleteCredential))

	// Policies.
	mux.HandleFunc("GET /v1/policies", h.requireActor(h.listPolicies))
	mux.HandleFunc("POST /v1/policies", h.requireActor(h.putPolicy))
	mux.HandleFunc("DELETE /v1/policies/{id}", h.requireActor(h.deletePolicy))

	// Stats.
	mux.HandleFunc("GET /v1/stats", h.requireActor(h.getStats))

	// Runtime callback: run-scoped bearer tokens, not API keys.
	mux.HandleFunc("POST /v1/runtime/tool-call", h.toolCallback)

	// Open endpoints.
	mux.HandleFunc("GET /healthz", h.healthz)
	mux.HandleFunc("GET /readyz", h.readyz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{}))

	var root http.Handler = mux
	root = loggingMiddleware(h.logger, h.metrics)(root)
	root = requestIDMiddleware(root)
	return root
}

// requireActor wraps a control-plane handler with API key auth.
func (h *Handler) requireActor(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.auth.authMiddleware(fn).ServeHTTP(w, r)
	}
}

// workspaceFor resolves the effective workspace: explicit query parameter,
// else the actor's home workspace.
func workspaceFor(r *http.Request) string {
	if ws := r.URL.Query().Get("workspaceId"); ws != "" {
		return ws
	}
	return actorFrom(r.Context()).WorkspaceID
}
