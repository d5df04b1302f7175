// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.json document in the working directory
// (§6.3: "Configuration is a JSON document"). Environment variables take
// precedence over the file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the JSON file uses the
// same names in lower_snake_case (model_configs, forwarders.http, ...).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/ygo74/openai-proxy/internal/audit"
	"github.com/ygo74/openai-proxy/internal/auth"
	"github.com/ygo74/openai-proxy/internal/db"
	"github.com/ygo74/openai-proxy/internal/domain"
	"github.com/ygo74/openai-proxy/internal/httpclient"
	"github.com/ygo74/openai-proxy/internal/orchestrator"
)

// Config is the top-level configuration container (§6.3).
type Config struct {
	Port     int
	LogLevel string

	DB     db.Config
	Models []ModelConfig

	Auth AuthConfig

	Forwarders ForwardersConfig
	Audit      audit.Config

	CORSOrigins []string

	// Redis backs the exact-match response cache and the per-principal RPM
	// limiter (§4.1 DOMAIN STACK). With an empty URL the gateway caches
	// responses in the in-process MemoryCache and applies no rate limiting.
	RedisURL             string
	CacheTTL             time.Duration
	CacheExcludeExact    []string
	CacheExcludePatterns []string
	DefaultRPMLimit      int
}

// ModelConfig is one entry of `model_configs[]` (§6.3): the operator-supplied
// wiring for a single catalog model, both the credentials consumed by
// internal/orchestrator.AdapterFactory and the catalog row seeded at startup.
type ModelConfig struct {
	Provider      domain.ProviderKind `mapstructure:"provider"`
	URL           string              `mapstructure:"url"`
	TechnicalName string              `mapstructure:"technical_name"`
	DisplayName   string              `mapstructure:"display_name"`
	APIKey        string              `mapstructure:"api_key"`
	APIVersion    string              `mapstructure:"api_version"`
	RateLimit     int                 `mapstructure:"rate_limit"`
	Capabilities  domain.Capabilities `mapstructure:"capabilities"`

	// Azure extensions.
	TenantID       string `mapstructure:"tenant_id"`
	ClientID       string `mapstructure:"client_id"`
	ClientSecret   string `mapstructure:"client_secret"`
	SubscriptionID string `mapstructure:"subscription_id"`
	ResourceGroup  string `mapstructure:"resource_group"`
	ResourceName   string `mapstructure:"resource_name"`

	// Unique extensions.
	AppID     string `mapstructure:"app_id"`
	CompanyID string `mapstructure:"company_id"`
	UserID    string `mapstructure:"user_id"`

	// Bedrock extensions.
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Region    string `mapstructure:"region"`

	// VertexAI extensions.
	Project  string `mapstructure:"project"`
	Location string `mapstructure:"location"`
}

// AdapterConfig converts m into the shape internal/orchestrator.AdapterFactory
// consumes. proxyOpts carries the process-wide HTTP client settings (§4.1);
// TargetURL is filled in per-model so NO_PROXY host matching works.
func (m ModelConfig) AdapterConfig(proxyOpts httpclient.Options) orchestrator.ModelConfig {
	proxyOpts.TargetURL = m.URL
	return orchestrator.ModelConfig{
		Provider:       m.Provider,
		URL:            m.URL,
		TechnicalName:  m.TechnicalName,
		APIKey:         m.APIKey,
		APIVersion:     m.APIVersion,
		Proxy:          proxyOpts,
		TenantID:       m.TenantID,
		ClientID:       m.ClientID,
		ClientSecret:   m.ClientSecret,
		SubscriptionID: m.SubscriptionID,
		ResourceGroup:  m.ResourceGroup,
		ResourceName:   m.ResourceName,
		AppID:          m.AppID,
		CompanyID:      m.CompanyID,
		UserID:         m.UserID,
		AccessKey:      m.AccessKey,
		SecretKey:      m.SecretKey,
		Region:         m.Region,
		Project:        m.Project,
		Location:       m.Location,
	}
}

// CatalogModel builds the domain.Model row seeded for m at startup. Models
// already present (matched by technical_name) are left untouched by the
// seeder — this only supplies the initial row.
func (m ModelConfig) CatalogModel() domain.Model {
	displayName := m.DisplayName
	if displayName == "" {
		displayName = m.TechnicalName
	}
	return domain.Model{
		URL:           m.URL,
		DisplayName:   displayName,
		TechnicalName: m.TechnicalName,
		Provider:      m.Provider,
		APIVersion:    m.APIVersion,
		Capabilities:  m.Capabilities,
	}
}

// AuthConfig carries the environment-sourced auth settings of §4.4/§6.3.
type AuthConfig struct {
	KeycloakURL     string
	KeycloakRealm   string
	JWTSecret       string
	JWTAlgorithm    string
	OAuthIssuer     string
	OAuthAudience   string
	JWKSCacheTTL    time.Duration
	DevelopmentMode bool
}

// JWTConfig builds the auth.JWTConfig Resolve needs. §4.4: audience
// verification is skipped in development mode or when no audience is
// configured.
func (a AuthConfig) JWTConfig() auth.JWTConfig {
	return auth.JWTConfig{
		KeycloakURL:   a.KeycloakURL,
		KeycloakRealm: a.KeycloakRealm,
		HS256Secret:   a.JWTSecret,
		Algorithm:     a.JWTAlgorithm,
		Audience:      a.OAuthAudience,
		Issuer:        a.OAuthIssuer,
		VerifyAud:     a.OAuthAudience != "" && !a.DevelopmentMode,
		JWKSCacheTTL:  a.JWKSCacheTTL,
	}
}

// ForwardersConfig mirrors §6.3's `forwarders.*` document.
type ForwardersConfig struct {
	Print      PrintForwarderConfig
	HTTP       []HTTPForwarderConfig
	ClickHouse ClickHouseForwarderConfig
}

// PrintForwarderConfig configures the stdout audit sink (§4.7).
type PrintForwarderConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Level   string `mapstructure:"level"`
}

// HTTPForwarderConfig configures one outbound audit sink (§4.7).
type HTTPForwarderConfig struct {
	Enabled        bool              `mapstructure:"enabled"`
	URL            string            `mapstructure:"url"`
	Headers        map[string]string `mapstructure:"headers"`
	RetryCount     int               `mapstructure:"retry_count"`
	TimeoutSeconds int               `mapstructure:"timeout_seconds"`
}

// ClickHouseForwarderConfig configures the optional ClickHouse sink (§4.7,
// DOMAIN STACK).
type ClickHouseForwarderConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
	Table   string `mapstructure:"table"`
}

// Load reads configuration from environment variables and (optionally) from
// config.json in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("db_type", "sqlite")
	v.SetDefault("KEYCLOAK_JWKS_CACHE_TTL", "3600s")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("forwarders.print.enabled", true)
	v.SetDefault("forwarders.print.level", "info")
	v.SetDefault("audit.exclude_paths", []string{"/health", "/metrics"})
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("rate_limit.default_rpm", 0)

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DB: db.Config{
			Type: db.Type(v.GetString("db_type")),
			URL:  v.GetString("db_url"),
		},

		Auth: AuthConfig{
			KeycloakURL:     v.GetString("KEYCLOAK_URL"),
			KeycloakRealm:   v.GetString("KEYCLOAK_REALM"),
			JWTSecret:       v.GetString("JWT_SECRET"),
			JWTAlgorithm:    v.GetString("JWT_ALGORITHM"),
			OAuthIssuer:     v.GetString("OAUTH_ISSUER"),
			OAuthAudience:   v.GetString("OAUTH_AUDIENCE"),
			JWKSCacheTTL:    v.GetDuration("KEYCLOAK_JWKS_CACHE_TTL"),
			DevelopmentMode: v.GetBool("DEVELOPMENT_MODE"),
		},

		Audit: audit.Config{
			DBEnabled:        v.GetBool("audit.db_enabled"),
			ExcludePaths:     v.GetStringSlice("audit.exclude_paths"),
			SensitiveHeaders: v.GetStringSlice("audit.sensitive_headers"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		RedisURL:             v.GetString("REDIS_URL"),
		CacheTTL:             v.GetDuration("cache.ttl"),
		CacheExcludeExact:    v.GetStringSlice("cache.exclude_exact"),
		CacheExcludePatterns: v.GetStringSlice("cache.exclude_patterns"),
		DefaultRPMLimit:      v.GetInt("rate_limit.default_rpm"),
	}

	if err := v.UnmarshalKey("model_configs", &cfg.Models); err != nil {
		return nil, fmt.Errorf("config: decode model_configs: %w", err)
	}

	cfg.Forwarders.Print = PrintForwarderConfig{
		Enabled: v.GetBool("forwarders.print.enabled"),
		Level:   strings.ToLower(v.GetString("forwarders.print.level")),
	}
	if err := v.UnmarshalKey("forwarders.http", &cfg.Forwarders.HTTP); err != nil {
		return nil, fmt.Errorf("config: decode forwarders.http: %w", err)
	}
	cfg.Forwarders.ClickHouse = ClickHouseForwarderConfig{
		Enabled: v.GetBool("forwarders.clickhouse.enabled"),
		DSN:     v.GetString("forwarders.clickhouse.dsn"),
		Table:   v.GetString("forwarders.clickhouse.table"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

// validate checks semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.DB.Type {
	case db.TypeSQLite, db.TypePostgres:
	default:
		return fmt.Errorf("config: invalid db_type %q; must be one of: sqlite, postgres", c.DB.Type)
	}
	if c.DB.Type == db.TypePostgres && c.DB.URL == "" {
		return fmt.Errorf("config: db_url is required when db_type=postgres")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	seen := make(map[string]struct{}, len(c.Models))
	for _, m := range c.Models {
		if m.TechnicalName == "" {
			return fmt.Errorf("config: model_configs entry is missing technical_name")
		}
		if _, dup := seen[m.TechnicalName]; dup {
			return fmt.Errorf("config: duplicate model_configs technical_name %q", m.TechnicalName)
		}
		seen[m.TechnicalName] = struct{}{}
		if m.Provider == domain.ProviderAzure && m.APIVersion == "" {
			return fmt.Errorf("config: model %q: api_version is required for provider=azure", m.TechnicalName)
		}
	}

	return nil
}
