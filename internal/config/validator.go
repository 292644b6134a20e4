package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers gateway-specific validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// audit_output: validates "stdout" or "file://<absolute-path>"
	if err := v.RegisterValidation("audit_output", validateAuditOutput); err != nil {
		return fmt.Errorf("failed to register audit_output validator: %w", err)
	}
	return nil
}

// validateAuditOutput validates the audit output field.
// Valid values: "stdout" or "file://<absolute-path>"
func validateAuditOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()

	// "stdout" is always valid
	if output == "stdout" {
		return true
	}

	// "file://<path>" requires an absolute path
	if strings.HasPrefix(output, "file://") {
		path := strings.TrimPrefix(output, "file://")
		return path != "" && filepath.IsAbs(path)
	}

	return false
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	// Create validator with required struct enabled
	v := validator.New(validator.WithRequiredStructEnabled())

	// Register custom validators
	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	// Run struct validation (tags)
	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateDurations(); err != nil {
		return err
	}

	if err := c.validateStoreBackend(); err != nil {
		return err
	}

	if err := c.validateAuth(); err != nil {
		return err
	}

	return nil
}

// validateDurations ensures all duration strings parse.
func (c *Config) validateDurations() error {
	fields := []struct {
		name  string
		value string
	}{
		{"server.shutdown_grace", c.Server.ShutdownGrace},
		{"runs.default_timeout", c.Runs.DefaultTimeout},
		{"runs.max_timeout", c.Runs.MaxTimeout},
		{"runs.retention_ttl", c.Runs.RetentionTTL},
		{"runs.sweep_interval", c.Runs.SweepInterval},
		{"providers.timeout", c.Providers.Timeout},
		{"rate_limit.period", c.RateLimit.Period},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if _, err := time.ParseDuration(f.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", f.name, f.value)
		}
	}

	def, _ := time.ParseDuration(c.Runs.DefaultTimeout)
	max, _ := time.ParseDuration(c.Runs.MaxTimeout)
	if def > max {
		return fmt.Errorf("runs.default_timeout (%s) exceeds runs.max_timeout (%s)", c.Runs.DefaultTimeout, c.Runs.MaxTimeout)
	}
	return nil
}

// validateStoreBackend ensures file-backed stores carry a path.
func (c *Config) validateStoreBackend() error {
	switch c.Store.Backend {
	case "file", "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store: backend %q requires store.path", c.Store.Backend)
		}
	}
	return nil
}

// validateAuth checks key hash formats, actor reference integrity, and the
// callback secret requirement.
func (c *Config) validateAuth() error {
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return errors.New("auth: enabled but no api_keys configured")
	}
	if c.Auth.Enabled && c.Auth.CallbackSecret == "" {
		return errors.New("auth: callback_secret is required when auth is enabled (or set dev_mode: true)")
	}
	if c.Runtime.WorkerURL != "" && c.Auth.CallbackSecret == "" {
		return errors.New("runtime: worker_url requires auth.callback_secret to sign callback tokens")
	}

	// Build map of known actor IDs
	knownActors := make(map[string]struct{}, len(c.Auth.Actors))
	for _, act := range c.Auth.Actors {
		knownActors[act.ID] = struct{}{}
	}

	for i, key := range c.Auth.APIKeys {
		if !strings.HasPrefix(key.KeyHash, "$argon2id$") && !strings.HasPrefix(key.KeyHash, "sha256:") {
			return fmt.Errorf("api_keys[%d]: key_hash must be an argon2id PHC string or prefixed with \"sha256:\"", i)
		}
		if _, exists := knownActors[key.ActorID]; !exists {
			return fmt.Errorf("api_keys[%d]: references unknown actor_id: %s", i, key.ActorID)
		}
	}

	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			msg := formatSingleValidationError(e)
			messages = append(messages, msg)
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must have at least %s items", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout' or 'file://<absolute-path>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
