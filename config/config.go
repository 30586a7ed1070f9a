/*
config.go - Runtime configuration for the ledger binaries

PURPOSE:
  One Config value shared by `serve` and `verify`. Sources, lowest to
  highest precedence:

    1. Defaults()
    2. optional YAML file (Load(path), path may be empty)
    3. LEDGER_* environment variables
    4. cobra flags (applied by cmd/ledger after Load)

ENVIRONMENT:
  LEDGER_PORT                 listen port
  LEDGER_DB                   sqlite path, ":memory:" for an ephemeral store
  LEDGER_LOG_LEVEL            debug | info | warn | error
  LEDGER_LOG_FORMAT           json | console
  LEDGER_RECONCILE_INTERVAL   Go duration, 0 disables the scheduler
  LEDGER_RECONCILE_TOLERANCE  warning band for item balance differences
  LEDGER_RECONCILE_TENANCIES  comma separated tenancy ids
  LEDGER_LIST_CACHE_SIZE      per-list replay memo entries

SEE ALSO:
  - cmd/ledger/main.go: Flag overrides
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/billing-ledger/generic"
)

const envPrefix = "LEDGER_"

// Config is the full runtime configuration.
type Config struct {
	Port          int             `yaml:"port"`
	DB            string          `yaml:"db"`
	ListCacheSize int             `yaml:"list_cache_size"`
	Log           LogConfig       `yaml:"log"`
	Reconcile     ReconcileConfig `yaml:"reconcile"`
}

// LogConfig mirrors logging.Config minus the component name.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ReconcileConfig drives the periodic verifier.
type ReconcileConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Tolerance int64         `yaml:"tolerance"`
	Tenancies []string      `yaml:"tenancies"`
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Port:          8080,
		DB:            "ledger.db",
		ListCacheSize: 256,
		Log:           LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	var errs []error
	lookup := func(key string) (string, bool) {
		v := strings.TrimSpace(getenv(envPrefix + key))
		return v, v != ""
	}

	if v, ok := lookup("PORT"); ok {
		n, err := strconv.Atoi(v)
		errs = append(errs, envError("PORT", err))
		c.Port = n
	}
	if v, ok := lookup("DB"); ok {
		c.DB = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.Log.Level = strings.ToLower(v)
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		c.Log.Format = strings.ToLower(v)
	}
	if v, ok := lookup("RECONCILE_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		errs = append(errs, envError("RECONCILE_INTERVAL", err))
		c.Reconcile.Interval = d
	}
	if v, ok := lookup("RECONCILE_TOLERANCE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		errs = append(errs, envError("RECONCILE_TOLERANCE", err))
		c.Reconcile.Tolerance = n
	}
	if v, ok := lookup("RECONCILE_TENANCIES"); ok {
		c.Reconcile.Tenancies = splitList(v)
	}
	if v, ok := lookup("LIST_CACHE_SIZE"); ok {
		n, err := strconv.Atoi(v)
		errs = append(errs, envError("LIST_CACHE_SIZE", err))
		c.ListCacheSize = n
	}
	return errors.Join(errs...)
}

// Validate rejects configurations the binaries cannot start with.
func (c Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return &generic.ValidationError{Field: "port", Reason: fmt.Sprintf("must be in 1..65535, got %d", c.Port)}
	case c.ListCacheSize <= 0:
		return &generic.ValidationError{Field: "list_cache_size", Reason: "must be positive"}
	case strings.TrimSpace(c.DB) == "":
		return &generic.ValidationError{Field: "db", Reason: "required"}
	case c.Reconcile.Interval < 0:
		return &generic.ValidationError{Field: "reconcile.interval", Reason: "must not be negative"}
	case c.Reconcile.Tolerance < 0:
		return &generic.ValidationError{Field: "reconcile.tolerance", Reason: "must not be negative"}
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return &generic.ValidationError{Field: "log.format", Reason: fmt.Sprintf("unknown format %q", c.Log.Format)}
	}
	return nil
}

// TenancyIDs returns the configured reconcile tenancies.
func (c Config) TenancyIDs() []generic.TenancyID {
	out := make([]generic.TenancyID, 0, len(c.Reconcile.Tenancies))
	for _, t := range c.Reconcile.Tenancies {
		out = append(out, generic.TenancyID(t))
	}
	return out
}

func envError(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s%s: %w", envPrefix, key, err)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
