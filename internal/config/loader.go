package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for codegate.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the binary itself,
// which Viper's built-in SetConfigName would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("codegate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: CODEGATE_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("CODEGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Bind nested keys for env var support
	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a codegate config file
// with an explicit YAML extension (.yaml or .yml). This prevents Viper from
// matching the binary "codegate" (no extension) in the current directory.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".codegate"),
	}
	if runtime.GOOS == "windows" {
		// %ProgramData%\codegate (typically C:\ProgramData\codegate)
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "codegate"))
		}
	} else {
		paths = append(paths, "/etc/codegate")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for codegate.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "codegate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds all config keys for environment variable support.
// This enables overriding nested config values via environment variables.
// Example: CODEGATE_SERVER_HTTP_ADDR overrides server.http_addr
func bindNestedEnvKeys() {
	// Server config
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.callback_base_url")
	_ = viper.BindEnv("server.shutdown_grace")
	_ = viper.BindEnv("server.pid_file")

	// Store config
	_ = viper.BindEnv("store.backend")
	_ = viper.BindEnv("store.path")

	// Auth config
	_ = viper.BindEnv("auth.enabled")
	_ = viper.BindEnv("auth.default_workspace")
	_ = viper.BindEnv("auth.callback_secret")
	// Note: auth.actors and auth.api_keys are arrays, complex to override via env
	// Users should use config file for these

	// Run config
	_ = viper.BindEnv("runs.default_timeout")
	_ = viper.BindEnv("runs.max_timeout")
	_ = viper.BindEnv("runs.max_concurrent")
	_ = viper.BindEnv("runs.default_runtime")
	_ = viper.BindEnv("runs.retention_ttl")
	_ = viper.BindEnv("runs.sweep_interval")

	// Runtime config
	_ = viper.BindEnv("runtime.worker_url")
	_ = viper.BindEnv("runtime.node_path")

	// Provider config
	_ = viper.BindEnv("providers.timeout")
	_ = viper.BindEnv("providers.allow_private_networks")

	// Rate limit config
	_ = viper.BindEnv("rate_limit.enabled")
	_ = viper.BindEnv("rate_limit.rate")
	_ = viper.BindEnv("rate_limit.burst")
	_ = viper.BindEnv("rate_limit.period")

	// Audit config
	_ = viper.BindEnv("audit.output")

	// Telemetry config
	_ = viper.BindEnv("telemetry.enabled")

	// Note: sources is an array, complex to override via env
	// Users should use config file for seeded sources

	// Dev mode
	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the Config.
// Note: Caller should apply any CLI flag overrides (e.g. --dev), then call
// cfg.SetDevDefaults() and cfg.Validate() to complete initialization.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only
		// This allows running with pure environment variable configuration
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply default values for optional fields
	cfg.SetDefaults()

	// In dev mode, apply permissive defaults before validation
	cfg.SetDevDefaults()

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
