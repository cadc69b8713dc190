package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Token store backends.
const (
	TokenStoreMemory   = "memory"
	TokenStoreRedis    = "redis"
	TokenStorePostgres = "postgres"
)

// Provider enumerates the authentication providers the gateway knows about.
type Provider string

const (
	ProviderCredentials Provider = "credentials"
	ProviderGoogle      Provider = "google"
	ProviderGithub      Provider = "github"
	ProviderFacebook    Provider = "facebook"
)

var knownProviders = map[Provider]struct{}{
	ProviderCredentials: {},
	ProviderGoogle:      {},
	ProviderGithub:      {},
	ProviderFacebook:    {},
}

type Config struct {
	Env  string
	Port int

	Database DatabaseConfig
	Redis    RedisConfig
	CORS     CORSConfig
	Log      LogConfig
	Backend  BackendConfig
	Session  SessionConfig
	Routes   RouteConfig
	Auth     AuthConfig
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// RedisConfig configures the shared token store. ConnectTimeout bounds the
// dial and the startup ping; OperationTimeout bounds each command.
type RedisConfig struct {
	Host             string
	Port             int
	Password         string
	DB               int
	ConnectTimeout   time.Duration
	OperationTimeout time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// BackendConfig describes how the gateway reaches the credential service.
type BackendConfig struct {
	BaseURL          string
	BaseHTTPSURL     string
	HTTPS            bool
	PublicBaseURL    string
	APIKey           string
	APIKeyHeader     string
	Timeout          time.Duration
	ThrottleInterval time.Duration
}

// URL returns the base URL selected by the HTTPS flag.
func (b BackendConfig) URL() string {
	if b.HTTPS && b.BaseHTTPSURL != "" {
		return strings.TrimRight(b.BaseHTTPSURL, "/")
	}
	return strings.TrimRight(b.BaseURL, "/")
}

// SessionConfig governs token lifetimes and where token pairs are kept.
type SessionConfig struct {
	AccessTokenLifetime  time.Duration
	RefreshTokenLifetime time.Duration
	CookieName           string
	CookieDomain         string
	CookieMaxAge         time.Duration
	Store                string
	PurgeInterval        time.Duration
}

// RouteConfig is the static routing table consumed by the route guard.
type RouteConfig struct {
	DefaultLandingPath string
	LoginPath          string
	APIAuthPrefix      string
	AuthRoutes         []string
}

// AuthConfig enumerates the enabled authentication providers.
type AuthConfig struct {
	Providers []Provider
}

// Enabled reports whether the provider is part of the configured set.
func (a AuthConfig) Enabled(p Provider) bool {
	for _, candidate := range a.Providers {
		if candidate == p {
			return true
		}
	}
	return false
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")

	cfg.Database = DatabaseConfig{
		Host:            v.GetString("DB_HOST"),
		Port:            v.GetInt("DB_PORT"),
		User:            v.GetString("DB_USER"),
		Password:        v.GetString("DB_PASSWORD"),
		Name:            v.GetString("DB_NAME"),
		SSLMode:         v.GetString("DB_SSL_MODE"),
		MaxOpenConns:    v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns:    v.GetInt("DB_MAX_IDLE_CONNS"),
		ConnMaxLifetime: parseDuration(v.GetString("DB_CONN_MAX_LIFETIME"), time.Hour),
		ConnectTimeout:  parseDuration(v.GetString("DB_CONNECT_TIMEOUT"), 5*time.Second),
	}

	cfg.Redis = RedisConfig{
		Host:             v.GetString("REDIS_HOST"),
		Port:             v.GetInt("REDIS_PORT"),
		Password:         v.GetString("REDIS_PASSWORD"),
		DB:               v.GetInt("REDIS_DB"),
		ConnectTimeout:   parseDuration(v.GetString("REDIS_CONNECT_TIMEOUT"), 5*time.Second),
		OperationTimeout: parseDuration(v.GetString("REDIS_OPERATION_TIMEOUT"), 3*time.Second),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	cfg.Backend = BackendConfig{
		BaseURL:          v.GetString("BACKEND_BASE_URL"),
		BaseHTTPSURL:     v.GetString("BACKEND_BASE_HTTPS_URL"),
		HTTPS:            v.GetBool("HTTPS"),
		PublicBaseURL:    v.GetString("PUBLIC_BASE_URL"),
		APIKey:           v.GetString("BACKEND_API_KEY"),
		APIKeyHeader:     v.GetString("BACKEND_API_KEY_HEADER"),
		Timeout:          parseDuration(v.GetString("BACKEND_TIMEOUT"), 10*time.Second),
		ThrottleInterval: parseDuration(v.GetString("BACKEND_THROTTLE_INTERVAL"), 2*time.Second),
	}

	cfg.Session = SessionConfig{
		AccessTokenLifetime:  parseDuration(v.GetString("ACCESS_TOKEN_LIFETIME"), 5*time.Minute),
		RefreshTokenLifetime: parseDuration(v.GetString("REFRESH_TOKEN_LIFETIME"), 24*time.Hour),
		CookieName:           v.GetString("SESSION_COOKIE_NAME"),
		CookieDomain:         v.GetString("SESSION_COOKIE_DOMAIN"),
		CookieMaxAge:         parseDuration(v.GetString("SESSION_COOKIE_MAX_AGE"), 24*time.Hour),
		Store:                strings.ToLower(v.GetString("TOKEN_STORE")),
		PurgeInterval:        parseDuration(v.GetString("TOKEN_PURGE_INTERVAL"), 10*time.Minute),
	}

	cfg.Routes = RouteConfig{
		DefaultLandingPath: v.GetString("DEFAULT_LANDING_PATH"),
		LoginPath:          v.GetString("LOGIN_PATH"),
		APIAuthPrefix:      v.GetString("API_AUTH_PREFIX"),
		AuthRoutes:         splitAndTrim(v.GetString("AUTH_ROUTES")),
	}

	providers, err := parseProviders(v.GetString("AUTH_PROVIDERS"))
	if err != nil {
		return nil, err
	}
	cfg.Auth = AuthConfig{Providers: providers}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Backend.URL() == "" {
		return errors.New("config: BACKEND_BASE_URL is required")
	}
	if c.Backend.ThrottleInterval < 0 {
		return errors.New("config: BACKEND_THROTTLE_INTERVAL must not be negative")
	}
	if c.Session.AccessTokenLifetime <= 0 || c.Session.RefreshTokenLifetime <= 0 {
		return errors.New("config: token lifetimes must be positive")
	}
	if c.Session.AccessTokenLifetime > c.Session.RefreshTokenLifetime {
		return errors.New("config: ACCESS_TOKEN_LIFETIME must not exceed REFRESH_TOKEN_LIFETIME")
	}
	switch c.Session.Store {
	case TokenStoreMemory, TokenStoreRedis, TokenStorePostgres:
	default:
		return fmt.Errorf("config: unknown TOKEN_STORE %q", c.Session.Store)
	}
	if !strings.HasPrefix(c.Routes.LoginPath, "/") || !strings.HasPrefix(c.Routes.DefaultLandingPath, "/") {
		return errors.New("config: LOGIN_PATH and DEFAULT_LANDING_PATH must be absolute paths")
	}
	if c.Routes.APIAuthPrefix != "" && strings.HasPrefix(c.Routes.DefaultLandingPath, c.Routes.APIAuthPrefix) {
		return errors.New("config: DEFAULT_LANDING_PATH must not live under API_AUTH_PREFIX")
	}
	if len(c.Auth.Providers) == 0 {
		return errors.New("config: at least one auth provider must be enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "session_gateway")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)
	v.SetDefault("DB_CONN_MAX_LIFETIME", "1h")
	v.SetDefault("DB_CONNECT_TIMEOUT", "5s")

	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("REDIS_CONNECT_TIMEOUT", "5s")
	v.SetDefault("REDIS_OPERATION_TIMEOUT", "3s")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("BACKEND_BASE_URL", "http://localhost:8000/auth-api")
	v.SetDefault("BACKEND_BASE_HTTPS_URL", "")
	v.SetDefault("HTTPS", false)
	v.SetDefault("PUBLIC_BASE_URL", "")
	v.SetDefault("BACKEND_API_KEY", "")
	v.SetDefault("BACKEND_API_KEY_HEADER", "X-API-Key")
	v.SetDefault("BACKEND_TIMEOUT", "10s")
	v.SetDefault("BACKEND_THROTTLE_INTERVAL", "2s")

	v.SetDefault("ACCESS_TOKEN_LIFETIME", "5m")
	v.SetDefault("REFRESH_TOKEN_LIFETIME", "24h")
	v.SetDefault("SESSION_COOKIE_NAME", "sessionId")
	v.SetDefault("SESSION_COOKIE_DOMAIN", "")
	v.SetDefault("SESSION_COOKIE_MAX_AGE", "24h")
	v.SetDefault("TOKEN_STORE", TokenStoreMemory)
	v.SetDefault("TOKEN_PURGE_INTERVAL", "10m")

	v.SetDefault("DEFAULT_LANDING_PATH", "/sphere")
	v.SetDefault("LOGIN_PATH", "/auth/login")
	v.SetDefault("API_AUTH_PREFIX", "/api/auth")
	v.SetDefault("AUTH_ROUTES", "/auth/login,/auth/register")

	v.SetDefault("AUTH_PROVIDERS", string(ProviderCredentials))
}

func parseProviders(raw string) ([]Provider, error) {
	parts := splitAndTrim(raw)
	providers := make([]Provider, 0, len(parts))
	seen := make(map[Provider]struct{}, len(parts))
	for _, part := range parts {
		p := Provider(strings.ToLower(part))
		if _, ok := knownProviders[p]; !ok {
			return nil, fmt.Errorf("config: unknown auth provider %q", part)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		providers = append(providers, p)
	}
	return providers, nil
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
