package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. PSYNC_DATABASE_PASSWORD
const EnvPrefix = "PSYNC"

// Config holds all application configuration
type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	Log       LogConfig
	HTTP      HTTPConfig
	Telemetry TelemetryConfig
	Vault     VaultConfig
	OAuth     OAuthConfig
	Sync      SyncConfig
	Scheduler SchedulerConfig
	Billing   BillingConfig
	// Platforms is keyed by platform identifier (x, facebook, google_analytics, shopify, quickbooks)
	Platforms map[string]PlatformConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Addr returns host:port
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// JWTConfig holds the settings used to verify API bearer tokens
type JWTConfig struct {
	Secret                string
	Issuer                string
	AccessTokenExpiration time.Duration
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodySize       int64
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
	CORSAllowOrigins  []string
	CORSAllowMethods  []string
	CORSAllowHeaders  []string
	TrustedProxies    []string
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool          // Whether to enable OpenTelemetry
	CollectorEndpoint string        // OTEL Collector endpoint (e.g., "localhost:4317")
	SamplingRatio     float64       // Sampling ratio (0.0-1.0, 1.0 = 100%)
	ServiceName       string        // Service name for traces
	Insecure          bool          // Use insecure (non-TLS) connection (development only)
	DBTraceEnabled    bool          // Enable database query tracing (otelgorm)
	DBLogFullSQL      bool          // Log full SQL statements (dev only)
	DBSlowQueryThresh time.Duration // Slow query threshold for warnings
}

// VaultConfig holds the credential encryption key material
type VaultConfig struct {
	MasterKey string // base64, at least 32 bytes decoded
	KeyID     string
	// PreviousKeys maps retired key IDs to their base64 master keys
	PreviousKeys map[string]string
}

// OAuthConfig holds the handshake settings shared by every platform
type OAuthConfig struct {
	StateSecret string
	StateTTL    time.Duration
	// StateStore selects "redis" or "memory"
	StateStore string
}

// SyncConfig tunes one sync invocation
type SyncConfig struct {
	PageSize       int
	MaxPages       int
	ManualCooldown time.Duration
}

// SchedulerConfig holds the background sync scheduler configuration
type SchedulerConfig struct {
	Enabled       bool
	WorkerCount   int
	QueueSize     int
	JobTimeout    time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	HistorySize   int
	// TickInterval is how often active connections are scanned
	TickInterval time.Duration
	// SyncInterval is the minimum age of the last terminal attempt before a connection is due again
	SyncInterval time.Duration
	BatchSize    int
}

// BillingConfig selects and configures the plan quota source
type BillingConfig struct {
	// Provider selects "static" or "remote"
	Provider   string
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	UpgradeURL string
	// DefaultPlan applies to every user without an override
	DefaultPlan string
	// Plans maps plan names to connection caps; -1 is unlimited
	Plans map[string]int
	// UserPlans maps user IDs to plan names
	UserPlans map[string]string
}

// PlatformConfig holds one platform's OAuth client and API settings
type PlatformConfig struct {
	Enabled           bool
	ClientID          string
	ClientSecret      string
	RedirectURL       string
	AuthURL           string
	TokenURL          string
	APIBaseURL        string
	Scopes            []string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with PSYNC_ prefix (e.g., PSYNC_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:                v.GetString("jwt.secret"),
			Issuer:                v.GetString("jwt.issuer"),
			AccessTokenExpiration: v.GetDuration("jwt.access_token_expiration"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
			Output: v.GetString("log.output"),
		},
		HTTP: HTTPConfig{
			ReadTimeout:       v.GetDuration("http.read_timeout"),
			WriteTimeout:      v.GetDuration("http.write_timeout"),
			IdleTimeout:       v.GetDuration("http.idle_timeout"),
			MaxHeaderBytes:    v.GetInt("http.max_header_bytes"),
			MaxBodySize:       v.GetInt64("http.max_body_size"),
			RateLimitEnabled:  v.GetBool("http.rate_limit_enabled"),
			RateLimitRequests: v.GetInt("http.rate_limit_requests"),
			RateLimitWindow:   v.GetDuration("http.rate_limit_window"),
			CORSAllowOrigins:  v.GetStringSlice("http.cors_allow_origins"),
			CORSAllowMethods:  v.GetStringSlice("http.cors_allow_methods"),
			CORSAllowHeaders:  v.GetStringSlice("http.cors_allow_headers"),
			TrustedProxies:    v.GetStringSlice("http.trusted_proxies"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
			DBTraceEnabled:    v.GetBool("telemetry.db_trace_enabled"),
			DBLogFullSQL:      v.GetBool("telemetry.db_log_full_sql"),
			DBSlowQueryThresh: v.GetDuration("telemetry.db_slow_query_threshold"),
		},
		Vault: VaultConfig{
			MasterKey:    v.GetString("vault.master_key"),
			KeyID:        v.GetString("vault.key_id"),
			PreviousKeys: v.GetStringMapString("vault.previous_keys"),
		},
		OAuth: OAuthConfig{
			StateSecret: v.GetString("oauth.state_secret"),
			StateTTL:    v.GetDuration("oauth.state_ttl"),
			StateStore:  v.GetString("oauth.state_store"),
		},
		Sync: SyncConfig{
			PageSize:       v.GetInt("sync.page_size"),
			MaxPages:       v.GetInt("sync.max_pages"),
			ManualCooldown: v.GetDuration("sync.manual_cooldown"),
		},
		Scheduler: SchedulerConfig{
			Enabled:       v.GetBool("scheduler.enabled"),
			WorkerCount:   v.GetInt("scheduler.worker_count"),
			QueueSize:     v.GetInt("scheduler.queue_size"),
			JobTimeout:    v.GetDuration("scheduler.job_timeout"),
			RetryAttempts: v.GetInt("scheduler.retry_attempts"),
			RetryDelay:    v.GetDuration("scheduler.retry_delay"),
			MaxRetryDelay: v.GetDuration("scheduler.max_retry_delay"),
			HistorySize:   v.GetInt("scheduler.history_size"),
			TickInterval:  v.GetDuration("scheduler.tick_interval"),
			SyncInterval:  v.GetDuration("scheduler.sync_interval"),
			BatchSize:     v.GetInt("scheduler.batch_size"),
		},
		Billing: BillingConfig{
			Provider:    v.GetString("billing.provider"),
			Endpoint:    v.GetString("billing.endpoint"),
			APIKey:      v.GetString("billing.api_key"),
			Timeout:     v.GetDuration("billing.timeout"),
			UpgradeURL:  v.GetString("billing.upgrade_url"),
			DefaultPlan: v.GetString("billing.default_plan"),
			Plans:       toIntMap(v.GetStringMap("billing.plans")),
			UserPlans:   v.GetStringMapString("billing.user_plans"),
		},
		Platforms: loadPlatforms(v),
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadPlatforms reads every platforms.<name> table. Secrets can be supplied
// per platform through PSYNC_PLATFORMS_<NAME>_CLIENT_SECRET.
func loadPlatforms(v *viper.Viper) map[string]PlatformConfig {
	out := make(map[string]PlatformConfig)
	for name := range v.GetStringMap("platforms") {
		prefix := "platforms." + name + "."
		out[name] = PlatformConfig{
			Enabled:           v.GetBool(prefix + "enabled"),
			ClientID:          v.GetString(prefix + "client_id"),
			ClientSecret:      v.GetString(prefix + "client_secret"),
			RedirectURL:       v.GetString(prefix + "redirect_url"),
			AuthURL:           v.GetString(prefix + "auth_url"),
			TokenURL:          v.GetString(prefix + "token_url"),
			APIBaseURL:        v.GetString(prefix + "api_base_url"),
			Scopes:            v.GetStringSlice(prefix + "scopes"),
			Timeout:           v.GetDuration(prefix + "timeout"),
			RequestsPerSecond: v.GetFloat64(prefix + "requests_per_second"),
			Burst:             v.GetInt(prefix + "burst"),
		}
	}
	return out
}

func toIntMap(in map[string]any) map[string]int {
	out := make(map[string]int, len(in))
	for k, raw := range in {
		switch n := raw.(type) {
		case int:
			out[k] = n
		case int64:
			out[k] = int(n)
		case float64:
			out[k] = int(n)
		}
	}
	return out
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "platformsync"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "postgres"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "platformsync"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 60
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = 30
	}
	if cfg.Redis.Host == "" {
		cfg.Redis.Host = "localhost"
	}
	if cfg.Redis.Port == 0 {
		cfg.Redis.Port = 6379
	}
	if cfg.JWT.Issuer == "" {
		cfg.JWT.Issuer = "platformsync"
	}
	if cfg.JWT.AccessTokenExpiration == 0 {
		cfg.JWT.AccessTokenExpiration = 15 * time.Minute
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Output == "" {
		cfg.Log.Output = "stdout"
	}
	if cfg.HTTP.ReadTimeout == 0 {
		cfg.HTTP.ReadTimeout = 15 * time.Second
	}
	if cfg.HTTP.WriteTimeout == 0 {
		// a manual sync runs inside the request
		cfg.HTTP.WriteTimeout = 2 * time.Minute
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20
	}
	if cfg.HTTP.RateLimitRequests == 0 {
		cfg.HTTP.RateLimitRequests = 100
	}
	if cfg.HTTP.RateLimitWindow == 0 {
		cfg.HTTP.RateLimitWindow = time.Minute
	}
	// No CORS origin default: an empty list allows no cross-origin requests.
	if len(cfg.HTTP.CORSAllowMethods) == 0 {
		cfg.HTTP.CORSAllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	}
	if len(cfg.HTTP.CORSAllowHeaders) == 0 {
		cfg.HTTP.CORSAllowHeaders = []string{"Content-Type", "Authorization", "X-Request-ID"}
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "platformsync"
	}
	if cfg.Telemetry.DBSlowQueryThresh == 0 {
		cfg.Telemetry.DBSlowQueryThresh = 200 * time.Millisecond
	}
	if cfg.Vault.KeyID == "" {
		cfg.Vault.KeyID = "k1"
	}
	if cfg.OAuth.StateTTL == 0 {
		cfg.OAuth.StateTTL = 10 * time.Minute
	}
	if cfg.OAuth.StateStore == "" {
		cfg.OAuth.StateStore = "redis"
	}
	if cfg.Sync.PageSize == 0 {
		cfg.Sync.PageSize = 100
	}
	if cfg.Sync.MaxPages == 0 {
		cfg.Sync.MaxPages = 50
	}
	if cfg.Sync.ManualCooldown == 0 {
		cfg.Sync.ManualCooldown = time.Minute
	}
	if cfg.Scheduler.WorkerCount == 0 {
		cfg.Scheduler.WorkerCount = 4
	}
	if cfg.Scheduler.QueueSize == 0 {
		cfg.Scheduler.QueueSize = 256
	}
	if cfg.Scheduler.JobTimeout == 0 {
		cfg.Scheduler.JobTimeout = 10 * time.Minute
	}
	if cfg.Scheduler.RetryAttempts == 0 {
		cfg.Scheduler.RetryAttempts = 3
	}
	if cfg.Scheduler.RetryDelay == 0 {
		cfg.Scheduler.RetryDelay = 30 * time.Second
	}
	if cfg.Scheduler.MaxRetryDelay == 0 {
		cfg.Scheduler.MaxRetryDelay = 15 * time.Minute
	}
	if cfg.Scheduler.HistorySize == 0 {
		cfg.Scheduler.HistorySize = 200
	}
	if cfg.Scheduler.TickInterval == 0 {
		cfg.Scheduler.TickInterval = 5 * time.Minute
	}
	if cfg.Scheduler.SyncInterval == 0 {
		cfg.Scheduler.SyncInterval = time.Hour
	}
	if cfg.Scheduler.BatchSize == 0 {
		cfg.Scheduler.BatchSize = 100
	}
	if cfg.Billing.Provider == "" {
		cfg.Billing.Provider = "static"
	}
	if cfg.Billing.Timeout == 0 {
		cfg.Billing.Timeout = 5 * time.Second
	}
	if cfg.Billing.DefaultPlan == "" {
		cfg.Billing.DefaultPlan = "free"
	}
	if len(cfg.Billing.Plans) == 0 {
		cfg.Billing.Plans = map[string]int{"free": 1, "pro": 5, "enterprise": -1}
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database.max_idle_conns cannot be negative")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) cannot exceed database.max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	switch c.OAuth.StateStore {
	case "redis", "memory":
	default:
		return fmt.Errorf("oauth.state_store must be redis or memory, got %q", c.OAuth.StateStore)
	}

	switch c.Billing.Provider {
	case "static":
		if _, ok := c.Billing.Plans[c.Billing.DefaultPlan]; !ok {
			return fmt.Errorf("billing.default_plan %q is not listed in billing.plans", c.Billing.DefaultPlan)
		}
		for user, plan := range c.Billing.UserPlans {
			if _, ok := c.Billing.Plans[plan]; !ok {
				return fmt.Errorf("billing.user_plans.%s references unknown plan %q", user, plan)
			}
		}
	case "remote":
		if _, err := url.ParseRequestURI(c.Billing.Endpoint); err != nil {
			return fmt.Errorf("billing.endpoint must be an absolute URL when billing.provider is remote")
		}
	default:
		return fmt.Errorf("billing.provider must be static or remote, got %q", c.Billing.Provider)
	}

	if c.Sync.MaxPages < 0 || c.Sync.PageSize < 0 {
		return fmt.Errorf("sync.page_size and sync.max_pages cannot be negative")
	}

	if c.App.Env == "production" {
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("jwt.secret must be at least 32 characters in production")
		}
		if len(c.OAuth.StateSecret) < 32 {
			return fmt.Errorf("oauth.state_secret must be at least 32 characters in production")
		}
		if c.OAuth.StateStore != "redis" {
			return fmt.Errorf("oauth.state_store must be redis in production")
		}
		key, err := base64.StdEncoding.DecodeString(c.Vault.MasterKey)
		if err != nil || len(key) < 32 {
			return fmt.Errorf("vault.master_key must be base64 of at least 32 bytes in production")
		}
		if c.Database.Password == "" {
			return fmt.Errorf("database.password is required in production")
		}
		if c.Database.SSLMode == "disable" {
			return fmt.Errorf("database.sslmode cannot be 'disable' in production")
		}
		for _, origin := range c.HTTP.CORSAllowOrigins {
			if origin == "*" {
				return fmt.Errorf("cors_allow_origins cannot be '*' in production (use specific origins)")
			}
		}
		if c.Telemetry.DBLogFullSQL {
			return fmt.Errorf("telemetry.db_log_full_sql must be false in production")
		}
	}

	return nil
}

// EnabledPlatforms returns the names of enabled platform blocks in a stable order
func (c *Config) EnabledPlatforms() []string {
	names := make([]string, 0, len(c.Platforms))
	for name, p := range c.Platforms {
		if p.Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// DSN returns the database connection string with properly escaped values
func (d *DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:   d.DBName,
	}
	q := u.Query()
	q.Set("sslmode", d.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}
