package keygate

import (
	"time"

	"github.com/ferro-labs/keygate/internal/discovery"
)

// Config holds the configuration for the KeyGate server.
type Config struct {
	Server    ServerConfig    `koanf:"server" json:"server" yaml:"server"`
	Database  DatabaseConfig  `koanf:"database" json:"database" yaml:"database"`
	Admin     AdminConfig     `koanf:"admin" json:"admin" yaml:"admin"`
	Discovery DiscoveryConfig `koanf:"discovery" json:"discovery" yaml:"discovery"`
	Upstream  UpstreamConfig  `koanf:"upstream" json:"upstream" yaml:"upstream"`
	Defaults  DefaultsConfig  `koanf:"defaults" json:"defaults" yaml:"defaults"`
	RateLimit RateLimitConfig `koanf:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	Log       LogConfig       `koanf:"log" json:"log" yaml:"log"`
	// ProvidersFile optionally points at a YAML provider seed file applied at startup.
	ProvidersFile string `koanf:"providers_file" json:"providers_file,omitempty" yaml:"providers_file,omitempty"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `koanf:"port" json:"port" yaml:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout" json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout" json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// CORSOrigins lists allowed browser origins; empty allows any.
	CORSOrigins []string `koanf:"cors_origins" json:"cors_origins" yaml:"cors_origins"`
}

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver string `koanf:"driver" json:"driver" yaml:"driver"`
	// DSN is a file path for sqlite (default keygate.db) or a connection URL for postgres.
	DSN string `koanf:"dsn" json:"-" yaml:"dsn"`
}

// AdminConfig controls admin login and token issuance.
type AdminConfig struct {
	Password  string        `koanf:"password" json:"-" yaml:"password"`
	JWTSecret string        `koanf:"jwt_secret" json:"-" yaml:"jwt_secret"`
	TokenTTL  time.Duration `koanf:"token_ttl" json:"token_ttl" yaml:"token_ttl"`
}

// DiscoveryConfig controls background model discovery.
type DiscoveryConfig struct {
	OnStartup   bool          `koanf:"on_startup" json:"on_startup" yaml:"on_startup"`
	Periodic    bool          `koanf:"periodic" json:"periodic" yaml:"periodic"`
	Interval    time.Duration `koanf:"interval" json:"interval" yaml:"interval"`
	Timeout     time.Duration `koanf:"timeout" json:"timeout" yaml:"timeout"`
	Concurrency int           `koanf:"concurrency" json:"concurrency" yaml:"concurrency"`
}

// UpstreamConfig bounds forwarded inference calls.
type UpstreamConfig struct {
	Timeout time.Duration `koanf:"timeout" json:"timeout" yaml:"timeout"`
}

// DefaultsConfig fills request fields clients leave out.
type DefaultsConfig struct {
	ChatModel  string `koanf:"chat_model" json:"chat_model" yaml:"chat_model"`
	ImageModel string `koanf:"image_model" json:"image_model" yaml:"image_model"`
}

// RateLimitConfig holds request throttles. Zero disables a limit.
type RateLimitConfig struct {
	LoginPerMinute  int     `koanf:"login_per_minute" json:"login_per_minute" yaml:"login_per_minute"`
	CredentialRPS   float64 `koanf:"credential_rps" json:"credential_rps" yaml:"credential_rps"`
	CredentialBurst int     `koanf:"credential_burst" json:"credential_burst" yaml:"credential_burst"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `koanf:"level" json:"level" yaml:"level"`
	Format string `koanf:"format" json:"format" yaml:"format"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:            3000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    90 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{Driver: DriverSQLite},
		Admin:    AdminConfig{TokenTTL: 7 * 24 * time.Hour},
		Discovery: DiscoveryConfig{
			Interval:    discovery.DefaultInterval,
			Timeout:     10 * time.Second,
			Concurrency: discovery.DefaultConcurrency,
		},
		Upstream: UpstreamConfig{Timeout: 60 * time.Second},
		Defaults: DefaultsConfig{ChatModel: "gpt-3.5-turbo", ImageModel: "dall-e-3"},
		RateLimit: RateLimitConfig{
			LoginPerMinute:  10,
			CredentialRPS:   0,
			CredentialBurst: 0,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}
