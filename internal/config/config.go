// Package config provides configuration types for the codegate gateway.
//
// Configuration is file-based (codegate.yaml) with CODEGATE_* environment
// variable overrides. The schema covers the HTTP listener, the state store
// backend, control-plane authentication, run execution limits, outbound
// provider behavior, rate limiting, the receipt journal, and telemetry.
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level configuration for the codegate gateway.
type Config struct {
	// Server configures the HTTP server listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store configures the state persistence backend.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Auth configures file-based actors and API keys.
	// Optional: when auth is disabled, requests run as the anonymous
	// bootstrap actor in the default workspace.
	Auth AuthConfig `yaml:"auth" mapstructure:"auth"`

	// Runs configures run execution limits and retention.
	Runs RunsConfig `yaml:"runs" mapstructure:"runs"`

	// Runtime configures the snippet runtime adapters.
	Runtime RuntimeConfig `yaml:"runtime" mapstructure:"runtime"`

	// Providers configures outbound tool provider behavior.
	Providers ProvidersConfig `yaml:"providers" mapstructure:"providers"`

	// RateLimit configures run submission rate limiting.
	RateLimit RateLimitConfig `yaml:"rate_limit" mapstructure:"rate_limit"`

	// Audit configures the invocation receipt journal.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Telemetry configures the OpenTelemetry bootstrap.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// Sources seeds tool sources at startup. Optional: sources can be
	// managed through the API instead.
	Sources []SourceConfig `yaml:"sources" mapstructure:"sources" validate:"omitempty,dive"`

	// DevMode enables development features (auth off, memory store,
	// ephemeral callback secret, private-network egress).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
// TLS is out of scope; terminate it at a reverse proxy.
type ServerConfig struct {
	// HTTPAddr is the address to listen on (e.g., "127.0.0.1:8311").
	// Defaults to "127.0.0.1:8311" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level.
	// Valid values: "debug", "info", "warn", "error".
	// Defaults to "info" if empty. DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// CallbackBaseURL is the externally reachable base URL remote workers
	// POST tool callbacks to. Defaults to "http://<http_addr>".
	CallbackBaseURL string `yaml:"callback_base_url" mapstructure:"callback_base_url" validate:"omitempty,url"`

	// ShutdownGrace bounds graceful shutdown (e.g., "30s").
	// Defaults to "30s" if not specified.
	ShutdownGrace string `yaml:"shutdown_grace" mapstructure:"shutdown_grace" validate:"omitempty"`

	// PIDFile is where the start command records its pid.
	// Defaults to ~/.codegate/server.pid.
	PIDFile string `yaml:"pid_file" mapstructure:"pid_file"`
}

// StoreConfig selects and configures the state persistence backend.
type StoreConfig struct {
	// Backend is the persistence backend.
	// Valid values: "memory", "file", "sqlite".
	// Defaults to "memory" (state lost on restart).
	Backend string `yaml:"backend" mapstructure:"backend" validate:"omitempty,oneof=memory file sqlite"`

	// Path is the state file (file backend) or database file (sqlite
	// backend). Required for those backends.
	Path string `yaml:"path" mapstructure:"path"`
}

// AuthConfig configures file-based authentication.
// Actors and API keys are defined in the configuration file.
type AuthConfig struct {
	// Enabled turns API key authentication on. When false, requests run
	// as the anonymous bootstrap actor with admin rights.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// DefaultWorkspace is the workspace the anonymous actor belongs to.
	// Defaults to "default".
	DefaultWorkspace string `yaml:"default_workspace" mapstructure:"default_workspace"`

	// Actors defines the known principals.
	Actors []ActorConfig `yaml:"actors" mapstructure:"actors" validate:"omitempty,dive"`

	// APIKeys defines the API keys that map to actors.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`

	// CallbackSecret signs run-scoped callback tokens. Required when
	// auth is enabled; dev mode generates an ephemeral one.
	CallbackSecret string `yaml:"callback_secret" mapstructure:"callback_secret"`
}

// ActorConfig defines a file-based actor (a user or service principal).
type ActorConfig struct {
	// ID is the unique identifier for this actor.
	ID string `yaml:"id" mapstructure:"id" validate:"required"`

	// Name is the human-readable name for this actor.
	Name string `yaml:"name" mapstructure:"name"`

	// WorkspaceID is the workspace this actor belongs to.
	WorkspaceID string `yaml:"workspace_id" mapstructure:"workspace_id" validate:"required"`

	// Roles are the roles assigned to this actor.
	// Valid values: "admin", "member".
	Roles []string `yaml:"roles" mapstructure:"roles" validate:"required,min=1,dive,oneof=admin member"`
}

// APIKeyConfig defines an API key that authenticates as an actor.
type APIKeyConfig struct {
	// KeyHash is the argon2id PHC string produced by `codegate hash-key`,
	// or a SHA-256 hash prefixed with "sha256:".
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required"`

	// ActorID references the actor this key authenticates as.
	// Must match an ID in Auth.Actors.
	ActorID string `yaml:"actor_id" mapstructure:"actor_id" validate:"required"`

	// Name is an optional label for audit logs.
	Name string `yaml:"name" mapstructure:"name"`
}

// RunsConfig configures run execution limits and retention.
type RunsConfig struct {
	// DefaultTimeout is the run deadline when the submission carries no
	// timeoutMs (e.g., "60s"). Defaults to "60s".
	DefaultTimeout string `yaml:"default_timeout" mapstructure:"default_timeout" validate:"omitempty"`

	// MaxTimeout caps the per-run timeout a submission may request
	// (e.g., "10m"). Defaults to "10m".
	MaxTimeout string `yaml:"max_timeout" mapstructure:"max_timeout" validate:"omitempty"`

	// MaxConcurrent is the number of runs executing at once; further
	// submissions queue. Defaults to 64.
	MaxConcurrent int `yaml:"max_concurrent" mapstructure:"max_concurrent" validate:"omitempty,min=1"`

	// DefaultRuntime is the runtime used when the submission names none.
	// Valid values: "local-inproc", "subprocess", "remote".
	// Defaults to "local-inproc".
	DefaultRuntime string `yaml:"default_runtime" mapstructure:"default_runtime" validate:"omitempty,oneof=local-inproc subprocess remote"`

	// RetentionTTL is how long terminal runs are kept before the sweeper
	// deletes them (e.g., "24h"). Defaults to "24h".
	RetentionTTL string `yaml:"retention_ttl" mapstructure:"retention_ttl" validate:"omitempty"`

	// SweepInterval is how often the retention sweeper runs (e.g., "10m").
	// Defaults to "10m".
	SweepInterval string `yaml:"sweep_interval" mapstructure:"sweep_interval" validate:"omitempty"`
}

// RuntimeConfig configures the snippet runtime adapters.
type RuntimeConfig struct {
	// WorkerURL is the base URL of the remote worker host. Empty leaves
	// the remote runtime unavailable.
	WorkerURL string `yaml:"worker_url" mapstructure:"worker_url" validate:"omitempty,url"`

	// NodePath is the Node.js binary the subprocess runtime spawns.
	// Defaults to "node" (resolved from PATH).
	NodePath string `yaml:"node_path" mapstructure:"node_path"`
}

// ProvidersConfig configures outbound tool provider behavior.
type ProvidersConfig struct {
	// Timeout bounds a single provider invocation (e.g., "30s").
	// Defaults to "30s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty"`

	// AllowPrivateNetworks disables the egress guard that blocks
	// loopback, RFC 1918, and link-local destinations. Dev only.
	AllowPrivateNetworks bool `yaml:"allow_private_networks" mapstructure:"allow_private_networks"`
}

// RateLimitConfig configures run submission rate limiting.
type RateLimitConfig struct {
	// Enabled turns rate limiting on or off.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Rate is the sustained submissions per period per actor.
	// Defaults to 30 if rate limiting is enabled.
	Rate int `yaml:"rate" mapstructure:"rate" validate:"omitempty,min=1"`

	// Burst is the number of submissions allowed above the sustained
	// rate. Defaults to 10 if rate limiting is enabled.
	Burst int `yaml:"burst" mapstructure:"burst" validate:"omitempty,min=1"`

	// Period is the window the rate applies to (e.g., "1m").
	// Defaults to "1m".
	Period string `yaml:"period" mapstructure:"period" validate:"omitempty"`
}

// AuditConfig configures the invocation receipt journal.
type AuditConfig struct {
	// Output specifies where receipts are written.
	// Valid values: "stdout" or "file:///absolute/path/to/receipts.jsonl"
	// Defaults to "stdout" if empty.
	Output string `yaml:"output" mapstructure:"output" validate:"omitempty,audit_output"`
}

// TelemetryConfig configures the OpenTelemetry bootstrap.
type TelemetryConfig struct {
	// Enabled turns trace and metric export on.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SourceConfig seeds a tool source at startup.
type SourceConfig struct {
	// ID is the unique identifier; generated when empty.
	ID string `yaml:"id" mapstructure:"id"`

	// WorkspaceID is the owning workspace. Defaults to the anonymous
	// workspace when empty.
	WorkspaceID string `yaml:"workspace_id" mapstructure:"workspace_id"`

	// Name is the catalog namespace (tools.<name>.*).
	Name string `yaml:"name" mapstructure:"name" validate:"required"`

	// Kind is the source kind.
	// Valid values: "openapi", "mcp", "graphql", "internal".
	Kind string `yaml:"kind" mapstructure:"kind" validate:"required,oneof=openapi mcp graphql internal"`

	// Endpoint is the upstream base URL or MCP server URL.
	Endpoint string `yaml:"endpoint" mapstructure:"endpoint" validate:"omitempty,url"`

	// ConfigFile is a path to the source descriptor document (OpenAPI
	// spec, GraphQL schema). Optional for mcp and internal kinds.
	ConfigFile string `yaml:"config_file" mapstructure:"config_file"`
}

// SetDevDefaults applies permissive defaults for development mode.
// These are applied BEFORE validation so required fields are satisfied.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}

	c.Auth.Enabled = false
	c.Server.LogLevel = "debug"
	c.Providers.AllowPrivateNetworks = true

	// Ephemeral callback secret: remote-runtime tokens will not survive a
	// restart, which is fine for dev runs.
	if c.Auth.CallbackSecret == "" {
		c.Auth.CallbackSecret = "codegate-dev-secret"
	}
}

// SetDefaults applies sensible default values to the configuration.
func (c *Config) SetDefaults() {
	// Server defaults — bind to localhost only.
	// Users who need network access must explicitly set http_addr.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8311"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.CallbackBaseURL == "" {
		c.Server.CallbackBaseURL = "http://" + c.Server.HTTPAddr
	}
	if c.Server.ShutdownGrace == "" {
		c.Server.ShutdownGrace = "30s"
	}

	// Store defaults
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}

	// Auth defaults
	if c.Auth.DefaultWorkspace == "" {
		c.Auth.DefaultWorkspace = "default"
	}

	// Run defaults
	if c.Runs.DefaultTimeout == "" {
		c.Runs.DefaultTimeout = "60s"
	}
	if c.Runs.MaxTimeout == "" {
		c.Runs.MaxTimeout = "10m"
	}
	if c.Runs.MaxConcurrent == 0 {
		c.Runs.MaxConcurrent = 64
	}
	if c.Runs.DefaultRuntime == "" {
		c.Runs.DefaultRuntime = "local-inproc"
	}
	if c.Runs.RetentionTTL == "" {
		c.Runs.RetentionTTL = "24h"
	}
	if c.Runs.SweepInterval == "" {
		c.Runs.SweepInterval = "10m"
	}

	// Runtime defaults
	if c.Runtime.NodePath == "" {
		c.Runtime.NodePath = "node"
	}

	// Provider defaults
	if c.Providers.Timeout == "" {
		c.Providers.Timeout = "30s"
	}

	// Audit defaults
	if c.Audit.Output == "" {
		c.Audit.Output = "stdout"
	}

	// Rate limit defaults — enabled by default.
	// viper.IsSet distinguishes "not set" (zero value) from "explicitly false".
	if !viper.IsSet("rate_limit.enabled") {
		c.RateLimit.Enabled = true
	}
	if c.RateLimit.Rate == 0 {
		c.RateLimit.Rate = 30
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 10
	}
	if c.RateLimit.Period == "" {
		c.RateLimit.Period = "1m"
	}
}
