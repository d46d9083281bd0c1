// Package config loads and validates application configuration from YAML files
// and environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Identity      IdentityConfig      `yaml:"identity"`
	Store         StoreConfig         `yaml:"store"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Roles         RolesConfig         `yaml:"roles"`
	Idempotency   IdempotencyConfig   `yaml:"idempotency"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig describes HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AdminRole is the role a caller must hold to cancel requests.
	AdminRole string `yaml:"admin_role"`
}

// IdentityConfig describes bearer token verification settings. Tokens are
// verified with the shared secret named by HMACSecretEnv when set, otherwise
// with keys fetched from JWKSURL.
type IdentityConfig struct {
	Issuer        string            `yaml:"issuer"`
	Audience      string            `yaml:"audience"`
	Algorithms    []string          `yaml:"algorithms"`
	HMACSecretEnv string            `yaml:"hmac_secret_env"`
	JWKSURL       string            `yaml:"jwks_url"`
	JWKSCacheTTL  time.Duration     `yaml:"jwks_cache_ttl"`
	ClaimPaths    map[string]string `yaml:"claim_paths"`
}

// StoreConfig describes approval request persistence settings.
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSNEnv          string        `yaml:"dsn_env"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// CatalogConfig describes where flow templates come from.
type CatalogConfig struct {
	Driver string   `yaml:"driver"`
	Files  []string `yaml:"files"`
}

// RolesConfig maps node types to role names and selects the role
// membership provider.
type RolesConfig struct {
	NodeTypes  map[string]string `yaml:"node_types"`
	Membership MembershipConfig  `yaml:"membership"`
}

// MembershipConfig describes the role membership provider.
type MembershipConfig struct {
	Driver          string        `yaml:"driver"`
	AssignmentsFile string        `yaml:"assignments_file"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
}

// IdempotencyConfig describes submit de-duplication settings.
type IdempotencyConfig struct {
	Enabled bool          `yaml:"enabled"`
	Driver  string        `yaml:"driver"`
	AddrEnv string        `yaml:"addr_env"`
	DB      int           `yaml:"db"`
	TTL     time.Duration `yaml:"ttl"`
}

// ObservabilityConfig describes logging, tracing, and metrics settings.
type ObservabilityConfig struct {
	LogLevel string        `yaml:"log_level"`
	Tracing  TracingConfig `yaml:"tracing"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// TracingConfig describes distributed tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
}

// MetricsConfig describes Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultNodeTypes is the node-type to role-name table of the reference
// deployment. DUAL and AI are deliberately unmapped.
func DefaultNodeTypes() map[string]string {
	return map[string]string{
		"PI":      "PI",
		"ETHICS":  "Ethics",
		"ADMIN":   "Data Administrator",
		"ARBITER": "Arbiter",
	}
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			HandlerTimeout:  25 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			AdminRole:       "Data Administrator",
		},
		Identity: IdentityConfig{
			JWKSCacheTTL: 1 * time.Hour,
			Algorithms:   []string{"RS256"},
			ClaimPaths: map[string]string{
				"subject_id": "sub",
				"email":      "email",
				"roles":      "roles",
			},
		},
		Store: StoreConfig{
			Driver:          "memory",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Catalog: CatalogConfig{
			Driver: "yaml",
		},
		Roles: RolesConfig{
			NodeTypes: DefaultNodeTypes(),
			Membership: MembershipConfig{
				Driver:   "static",
				CacheTTL: 30 * time.Second,
			},
		},
		Idempotency: IdempotencyConfig{
			Driver: "memory",
			TTL:    24 * time.Hour,
		},
		Observability: ObservabilityConfig{
			LogLevel: "info",
			Tracing: TracingConfig{
				Exporter:     "otlp",
				SamplingRate: 0.1,
			},
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
	}
}

// Load reads a YAML config file, applies environment variable overrides,
// and validates required fields.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required fields are present and valid.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if c.Identity.Issuer == "" {
		errs = append(errs, "identity.issuer is required")
	}
	if c.Identity.Audience == "" {
		errs = append(errs, "identity.audience is required")
	}
	if c.Identity.HMACSecretEnv == "" && c.Identity.JWKSURL == "" {
		errs = append(errs, "identity.hmac_secret_env or identity.jwks_url is required")
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "store.dsn_env is required for the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (memory, postgres)", c.Store.Driver))
	}

	switch c.Catalog.Driver {
	case "yaml":
		if len(c.Catalog.Files) == 0 {
			errs = append(errs, "catalog.files is required for the yaml driver")
		}
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "catalog driver postgres requires store.dsn_env")
		}
	default:
		errs = append(errs, fmt.Sprintf("catalog.driver %q is not supported (yaml, postgres)", c.Catalog.Driver))
	}

	switch c.Roles.Membership.Driver {
	case "static":
		if c.Roles.Membership.AssignmentsFile == "" {
			errs = append(errs, "roles.membership.assignments_file is required for the static driver")
		}
	case "postgres":
		if c.Store.DSNEnv == "" {
			errs = append(errs, "membership driver postgres requires store.dsn_env")
		}
	default:
		errs = append(errs, fmt.Sprintf("roles.membership.driver %q is not supported (static, postgres)", c.Roles.Membership.Driver))
	}

	if c.Idempotency.Enabled && c.Idempotency.Driver == "redis" && c.Idempotency.AddrEnv == "" {
		errs = append(errs, "idempotency.addr_env is required for the redis driver")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads STEWARD_* environment variables and overrides config
// values. Only the most commonly overridden fields are supported.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STEWARD_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("STEWARD_IDENTITY_ISSUER"); v != "" {
		cfg.Identity.Issuer = v
	}
	if v := os.Getenv("STEWARD_IDENTITY_AUDIENCE"); v != "" {
		cfg.Identity.Audience = v
	}
	if v := os.Getenv("STEWARD_IDENTITY_JWKS_URL"); v != "" {
		cfg.Identity.JWKSURL = v
	}
	if v := os.Getenv("STEWARD_IDENTITY_HMAC_SECRET_ENV"); v != "" {
		cfg.Identity.HMACSecretEnv = v
	}
	if v := os.Getenv("STEWARD_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("STEWARD_STORE_DSN_ENV"); v != "" {
		cfg.Store.DSNEnv = v
	}
	if v := os.Getenv("STEWARD_OBSERVABILITY_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
}
