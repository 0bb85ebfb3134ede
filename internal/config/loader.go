package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ABUSE_GATE_SERVER_HTTP_ADDR.
const EnvPrefix = "ABUSE_GATE"

// InitViper initializes Viper with the configuration file and environment variables.
// If configFile is empty, it searches for abuse-gate.yaml/.yml in standard locations.
// The search requires an explicit YAML extension to avoid matching the binary itself,
// which Viper's built-in SetConfigName would match (same base name, no extension).
// A .env file in the working directory is loaded first; variables already set
// in the environment win.
func InitViper(configFile string) error {
	if err := loadDotEnv(".env"); err != nil {
		return err
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location.
		// Set name/type without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("abuse-gate")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// Bind nested keys for env var support
	bindNestedEnvKeys()
	return nil
}

// loadDotEnv loads path into the process environment when it exists.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

// findConfigFile searches standard locations for an abuse-gate config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".abuse-gate"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "abuse-gate"))
		}
	} else {
		paths = append(paths, "/etc/abuse-gate")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for abuse-gate.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "abuse-gate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds scalar config keys for environment variable support.
// Example: ABUSE_GATE_STORE_REDIS_ADDR overrides store.redis.addr
func bindNestedEnvKeys() {
	// Server config
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.tls_cert_file")
	_ = viper.BindEnv("server.tls_key_file")
	_ = viper.BindEnv("server.shutdown_timeout")

	// Store config
	_ = viper.BindEnv("store.type")
	_ = viper.BindEnv("store.dsn")
	_ = viper.BindEnv("store.max_open_conns")
	_ = viper.BindEnv("store.max_idle_conns")
	_ = viper.BindEnv("store.conn_max_lifetime")
	_ = viper.BindEnv("store.max_retries")
	_ = viper.BindEnv("store.shard_count")
	_ = viper.BindEnv("store.redis.addr")
	_ = viper.BindEnv("store.redis.password")
	_ = viper.BindEnv("store.redis.db")
	_ = viper.BindEnv("store.redis.prefix")

	// Rate limit config
	// Note: rate_limit.policies and rate_limit.exemptions are arrays;
	// use the config file for these.
	_ = viper.BindEnv("rate_limit.store_timeout")
	_ = viper.BindEnv("rate_limit.retention")
	_ = viper.BindEnv("rate_limit.cleanup_interval")

	// Violations config
	_ = viper.BindEnv("violations.channel_size")
	_ = viper.BindEnv("violations.batch_size")
	_ = viper.BindEnv("violations.flush_interval")
	_ = viper.BindEnv("violations.send_timeout")
	_ = viper.BindEnv("violations.warning_threshold")
	_ = viper.BindEnv("violations.buffer_size")
	_ = viper.BindEnv("violations.journal")
	_ = viper.BindEnv("violations.retention")

	// Audit config
	_ = viper.BindEnv("audit.output")

	// Admin config
	_ = viper.BindEnv("admin.api_key_hash")
	_ = viper.BindEnv("admin.rate_limit")
	_ = viper.BindEnv("admin.rate_window")

	// Tracing config
	_ = viper.BindEnv("tracing.output")
	_ = viper.BindEnv("tracing.sample_ratio")

	// Dev mode
	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the Config.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults,
// but does NOT apply dev defaults or validate.
// Use this when CLI flags may override DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only
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
