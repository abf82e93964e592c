package keygate

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces environment overrides. Nested keys are separated by a
// double underscore: KEYGATE_DISCOVERY__INTERVAL=1h sets discovery.interval.
const EnvPrefix = "KEYGATE_"

// LoadConfig builds a Config from, in increasing precedence: DefaultConfig,
// the YAML file at path (skipped when path is empty), legacy environment
// variables, and KEYGATE_ environment variables. A .env file in the working
// directory is loaded into the process environment first when present.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}
	if err := applyLegacyEnv(k); err != nil {
		return nil, err
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// applyLegacyEnv maps the unprefixed variable names older deployments use.
func applyLegacyEnv(k *koanf.Koanf) error {
	set := func(key string, v interface{}) error {
		if err := k.Set(key, v); err != nil {
			return fmt.Errorf("applying legacy env %s: %w", key, err)
		}
		return nil
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		if err := set("server.port", port); err != nil {
			return err
		}
	}
	for name, key := range map[string]string{
		"ADMIN_PASSWORD": "admin.password",
		"JWT_SECRET":     "admin.jwt_secret",
		"DATABASE_URL":   "database.dsn",
	} {
		if v := os.Getenv(name); v != "" {
			if err := set(key, v); err != nil {
				return err
			}
		}
	}
	for name, key := range map[string]string{
		"AUTO_DISCOVER_MODELS": "discovery.on_startup",
		"AUTO_UPDATE_MODELS":   "discovery.periodic",
	} {
		if v := os.Getenv(name); v != "" {
			if err := set(key, v == "true"); err != nil {
				return err
			}
		}
	}
	if v := os.Getenv("MODEL_UPDATE_INTERVAL"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MODEL_UPDATE_INTERVAL must be milliseconds: %w", err)
		}
		if err := set("discovery.interval", time.Duration(ms)*time.Millisecond); err != nil {
			return err
		}
	}
	return nil
}

// ValidateConfig validates a Config for correctness.
func ValidateConfig(cfg Config) error {
	var errs []error
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", cfg.Server.Port))
	}

	switch cfg.Database.Driver {
	case DriverSQLite, DriverMemory:
	case DriverPostgres:
		if cfg.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", cfg.Database.Driver))
	}

	if cfg.Admin.Password != "" && cfg.Admin.JWTSecret == "" {
		errs = append(errs, errors.New("admin.jwt_secret is required when admin.password is set"))
	}
	if cfg.Admin.JWTSecret != "" && len(cfg.Admin.JWTSecret) < 16 {
		errs = append(errs, errors.New("admin.jwt_secret must be at least 16 characters"))
	}
	if cfg.Admin.TokenTTL <= 0 {
		errs = append(errs, errors.New("admin.token_ttl must be positive"))
	}

	if cfg.Discovery.Periodic && cfg.Discovery.Interval < time.Minute {
		errs = append(errs, fmt.Errorf("discovery.interval %s is below one minute", cfg.Discovery.Interval))
	}
	if cfg.Discovery.Timeout <= 0 {
		errs = append(errs, errors.New("discovery.timeout must be positive"))
	}
	if cfg.Discovery.Concurrency <= 0 {
		errs = append(errs, errors.New("discovery.concurrency must be positive"))
	}
	if cfg.Upstream.Timeout <= 0 {
		errs = append(errs, errors.New("upstream.timeout must be positive"))
	}

	if cfg.RateLimit.LoginPerMinute < 0 || cfg.RateLimit.CredentialRPS < 0 || cfg.RateLimit.CredentialBurst < 0 {
		errs = append(errs, errors.New("rate_limit values must not be negative"))
	}

	for _, o := range cfg.Server.CORSOrigins {
		if o == "*" {
			continue
		}
		if u, err := url.Parse(o); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.cors_origins: %q is not an origin", o))
		}
	}
	return errors.Join(errs...)
}
