package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Sentinel-Gate/abusegate/internal/domain/auth"
	"github.com/Sentinel-Gate/abusegate/internal/domain/ratelimit"
)

// RegisterCustomValidators registers abuse-gate validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	rules := map[string]validator.Func{
		"audit_output": validateAuditOutput,
		"trace_output": validateTraceOutput,
		"store_type":   validateStoreType,
		"action_name":  validateActionName,
		"duration":     validateDuration,
		"key_hash":     validateKeyHash,
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("failed to register %s validator: %w", tag, err)
		}
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
	return isAbsFileURI(output)
}

// validateTraceOutput additionally accepts "stderr".
func validateTraceOutput(fl validator.FieldLevel) bool {
	output := fl.Field().String()
	if output == "stdout" || output == "stderr" {
		return true
	}
	return isAbsFileURI(output)
}

func isAbsFileURI(output string) bool {
	path, ok := strings.CutPrefix(output, "file://")
	return ok && path != "" && filepath.IsAbs(path)
}

// StoreTypes lists the supported store backends.
var StoreTypes = []string{"memory", "sqlite", "postgres", "mysql", "redis"}

func validateStoreType(fl validator.FieldLevel) bool {
	t := fl.Field().String()
	for _, known := range StoreTypes {
		if t == known {
			return true
		}
	}
	return false
}

func validateActionName(fl validator.FieldLevel) bool {
	_, err := ratelimit.ParseAction(fl.Field().String())
	return err == nil
}

func validateDuration(fl validator.FieldLevel) bool {
	d, err := time.ParseDuration(fl.Field().String())
	return err == nil && d >= 0
}

func validateKeyHash(fl validator.FieldLevel) bool {
	return auth.DetectHashType(fl.Field().String()) != "unknown"
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

	if err := c.validateStoreConnection(); err != nil {
		return err
	}

	// Overrides are checked against the full policy invariants
	// (burst >= max, unique actions).
	if _, err := c.PolicyTable(); err != nil {
		return fmt.Errorf("rate_limit.policies: %w", err)
	}

	return nil
}

// validateStoreConnection ensures SQL backends have a DSN.
func (c *Config) validateStoreConnection() error {
	switch c.Store.Type {
	case "sqlite", "postgres", "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for store type %q", c.Store.Type)
		}
	}
	return nil
}

// Overrides converts the configured policy overrides to domain policies.
func (c *Config) Overrides() []ratelimit.Policy {
	out := make([]ratelimit.Policy, 0, len(c.RateLimit.Policies))
	for _, p := range c.RateLimit.Policies {
		out = append(out, ratelimit.Policy{
			Action:         ratelimit.Action(p.Action),
			MaxRequests:    p.MaxRequests,
			WindowSeconds:  p.WindowSeconds,
			BurstAllowance: p.BurstAllowance,
		})
	}
	return out
}

// PolicyTable returns the default policy table with the configured
// overrides applied. Without overrides the default table is returned as is.
func (c *Config) PolicyTable() (*ratelimit.PolicyTable, error) {
	if len(c.RateLimit.Policies) == 0 {
		return ratelimit.DefaultPolicyTable(), nil
	}
	seen := make(map[string]int, len(c.RateLimit.Policies))
	for i, p := range c.RateLimit.Policies {
		if prev, dup := seen[p.Action]; dup {
			return nil, fmt.Errorf("[%d]: action %s already overridden at [%d]", i, p.Action, prev)
		}
		seen[p.Action] = i
	}
	return ratelimit.DefaultPolicyTable().WithOverrides(c.Overrides())
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
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", field, e.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, e.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "audit_output":
		return fmt.Sprintf("%s must be 'stdout' or 'file://<absolute-path>'", field)
	case "trace_output":
		return fmt.Sprintf("%s must be 'stdout', 'stderr' or 'file://<absolute-path>'", field)
	case "store_type":
		return fmt.Sprintf("%s must be one of: %s", field, strings.Join(StoreTypes, ", "))
	case "action_name":
		return fmt.Sprintf("%s is not a known action: %v", field, e.Value())
	case "duration":
		return fmt.Sprintf("%s must be a duration like \"30s\" or \"5m\"", field)
	case "key_hash":
		return fmt.Sprintf("%s must be an argon2id hash or 'sha256:<hex>'", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
