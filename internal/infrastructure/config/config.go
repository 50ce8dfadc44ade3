package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Driver names a supported database backend
type Driver string

const (
	// DriverPostgres is the production database
	DriverPostgres Driver = "postgres"
	// DriverSQLite is the zero-dependency development database
	DriverSQLite Driver = "sqlite"
)

// Config holds all application configuration
type Config struct {
	App         AppConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Auth        AuthConfig
	Log         LogConfig
	HTTP        HTTPConfig
	Breaker     BreakerConfig
	Retry       RetryConfig
	Cache       CacheConfig
	Transport   TransportConfig
	Credentials CredentialsConfig
	Places      PlacesConfig
	Telemetry   TelemetryConfig
}

// AppConfig holds application-specific settings
type AppConfig struct {
	Name string
	Env  string
	Port string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver          Driver
	Host            string
	Port            int
	User            string
	Password        string
	DBName          string
	SSLMode         string
	Path            string // sqlite file path, ":memory:" for ephemeral
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // in minutes
	ConnMaxIdleTime int // in minutes
}

// RedisConfig holds the warm cache tier's connection settings. Disabled
// leaves only the in-process hot tier active.
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// AuthConfig holds the static bearer token protecting mutating routes
type AuthConfig struct {
	BearerToken string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stdout, stderr, or file path
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
	MaxBodySize       int64
	TrustedProxies    []string
	RateLimitEnabled  bool
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// BreakerServiceConfig overrides the breaker bounds for one upstream
type BreakerServiceConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// BreakerConfig holds the circuit breaker bounds
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	// Services holds per-upstream overrides keyed by service name
	Services map[string]BreakerServiceConfig
}

// RetryConfig holds the read-path retry bounds; submissions always run a
// single attempt regardless of these values.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	Randomization float64
}

// CacheConfig holds the tiered cache bounds
type CacheConfig struct {
	HotCapacity int
	HotTTL      time.Duration
	WarmTTL     time.Duration
	KeyPrefix   string
}

// TransportConfig holds the escalation ladder settings
type TransportConfig struct {
	UserAgent        string
	MaxResponseBytes int64
	HTTPTimeout      time.Duration
	CurlPath         string
	CurlTimeout      time.Duration
	BrowserEnabled   bool
	BrowserHeadless  bool
	BrowserNoSandbox bool
	NavTimeout       time.Duration
	InterceptWait    time.Duration
	BrowserIdleTime  time.Duration
	PacingMin        time.Duration
	PacingMax        time.Duration
}

// PlatformCredentialConfig holds one upstream's secrets. Only the fields the
// platform actually uses need to be set.
type PlatformCredentialConfig struct {
	APIKey    string
	Email     string
	Password  string
	CSRFToken string
	Cookies   map[string]string
}

// CredentialsConfig seeds the static credential vault
type CredentialsConfig struct {
	Resy      PlatformCredentialConfig
	OpenTable PlatformCredentialConfig
	Places    PlatformCredentialConfig
	// Guest identity attached to submissions that require diner names
	GuestFirstName string
	GuestLastName  string
	GuestPhone     string
}

// PlacesConfig bounds discovery spend
type PlacesConfig struct {
	// BudgetCents is the hard budget stop; zero or negative disables it
	BudgetCents float64
	// SearchLimit caps results per discovery query
	SearchLimit int
}

// TelemetryConfig holds OpenTelemetry configuration
type TelemetryConfig struct {
	Enabled           bool
	CollectorEndpoint string
	SamplingRatio     float64
	ServiceName       string
	Insecure          bool
}

// Load loads configuration from TOML file and environment variables
// Priority (highest to lowest):
// 1. Environment variables with RESERVA_ prefix (e.g., RESERVA_DATABASE_PASSWORD)
// 2. config.toml
// 3. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/reserva")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults and env vars
	}

	v.SetEnvPrefix("RESERVA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("app.name"),
			Env:  v.GetString("app.env"),
			Port: v.GetString("app.port"),
		},
		Database: DatabaseConfig{
			Driver:          Driver(v.GetString("database.driver")),
			Host:            v.GetString("database.host"),
			Port:            v.GetInt("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			DBName:          v.GetString("database.dbname"),
			SSLMode:         v.GetString("database.sslmode"),
			Path:            v.GetString("database.path"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetInt("database.conn_max_lifetime"),
			ConnMaxIdleTime: v.GetInt("database.conn_max_idle_time"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Host:     v.GetString("redis.host"),
			Port:     v.GetInt("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Auth: AuthConfig{
			BearerToken: v.GetString("auth.bearer_token"),
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
			TrustedProxies:    v.GetStringSlice("http.trusted_proxies"),
			RateLimitEnabled:  v.GetBool("http.rate_limit_enabled"),
			RateLimitRequests: v.GetInt("http.rate_limit_requests"),
			RateLimitWindow:   v.GetDuration("http.rate_limit_window"),
		},
		Breaker: BreakerConfig{
			FailureThreshold: v.GetInt("breaker.failure_threshold"),
			ResetTimeout:     v.GetDuration("breaker.reset_timeout"),
			Services:         loadBreakerServices(v),
		},
		Retry: RetryConfig{
			MaxAttempts:   v.GetInt("retry.max_attempts"),
			InitialDelay:  v.GetDuration("retry.initial_delay"),
			MaxDelay:      v.GetDuration("retry.max_delay"),
			Multiplier:    v.GetFloat64("retry.multiplier"),
			Randomization: v.GetFloat64("retry.randomization"),
		},
		Cache: CacheConfig{
			HotCapacity: v.GetInt("cache.hot_capacity"),
			HotTTL:      v.GetDuration("cache.hot_ttl"),
			WarmTTL:     v.GetDuration("cache.warm_ttl"),
			KeyPrefix:   v.GetString("cache.key_prefix"),
		},
		Transport: TransportConfig{
			UserAgent:        v.GetString("transport.user_agent"),
			MaxResponseBytes: v.GetInt64("transport.max_response_bytes"),
			HTTPTimeout:      v.GetDuration("transport.http_timeout"),
			CurlPath:         v.GetString("transport.curl_path"),
			CurlTimeout:      v.GetDuration("transport.curl_timeout"),
			BrowserEnabled:   v.GetBool("transport.browser_enabled"),
			BrowserHeadless:  v.GetBool("transport.browser_headless"),
			BrowserNoSandbox: v.GetBool("transport.browser_no_sandbox"),
			NavTimeout:       v.GetDuration("transport.nav_timeout"),
			InterceptWait:    v.GetDuration("transport.intercept_wait"),
			BrowserIdleTime:  v.GetDuration("transport.browser_idle_time"),
			PacingMin:        v.GetDuration("transport.pacing_min"),
			PacingMax:        v.GetDuration("transport.pacing_max"),
		},
		Credentials: CredentialsConfig{
			Resy: PlatformCredentialConfig{
				APIKey:   v.GetString("credentials.resy.api_key"),
				Email:    v.GetString("credentials.resy.email"),
				Password: v.GetString("credentials.resy.password"),
			},
			OpenTable: PlatformCredentialConfig{
				CSRFToken: v.GetString("credentials.opentable.csrf_token"),
				Cookies:   v.GetStringMapString("credentials.opentable.cookies"),
			},
			Places: PlatformCredentialConfig{
				APIKey: v.GetString("credentials.places.api_key"),
			},
			GuestFirstName: v.GetString("credentials.guest_first_name"),
			GuestLastName:  v.GetString("credentials.guest_last_name"),
			GuestPhone:     v.GetString("credentials.guest_phone"),
		},
		Places: PlacesConfig{
			BudgetCents: v.GetFloat64("places.budget_cents"),
			SearchLimit: v.GetInt("places.search_limit"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           v.GetBool("telemetry.enabled"),
			CollectorEndpoint: v.GetString("telemetry.collector_endpoint"),
			SamplingRatio:     v.GetFloat64("telemetry.sampling_ratio"),
			ServiceName:       v.GetString("telemetry.service_name"),
			Insecure:          v.GetBool("telemetry.insecure"),
		},
	}

	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadBreakerServices reads per-upstream breaker overrides, keyed by the
// service names the breaker registry uses.
func loadBreakerServices(v *viper.Viper) map[string]BreakerServiceConfig {
	services := make(map[string]BreakerServiceConfig)
	for name := range v.GetStringMap("breaker.services") {
		prefix := "breaker.services." + name
		services[name] = BreakerServiceConfig{
			FailureThreshold: v.GetInt(prefix + ".failure_threshold"),
			ResetTimeout:     v.GetDuration(prefix + ".reset_timeout"),
		}
	}
	return services
}

// applyDefaults sets default values for any empty config fields
func applyDefaults(cfg *Config) {
	if cfg.App.Name == "" {
		cfg.App.Name = "reserva"
	}
	if cfg.App.Env == "" {
		cfg.App.Env = "development"
	}
	if cfg.App.Port == "" {
		cfg.App.Port = "8080"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.User == "" {
		cfg.Database.User = "reserva"
	}
	if cfg.Database.DBName == "" {
		cfg.Database.DBName = "reserva"
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "reserva.db"
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
		// Booking cascades walk several upstreams; responses can be slow.
		cfg.HTTP.WriteTimeout = 120 * time.Second
	}
	if cfg.HTTP.IdleTimeout == 0 {
		cfg.HTTP.IdleTimeout = 60 * time.Second
	}
	if cfg.HTTP.MaxHeaderBytes == 0 {
		cfg.HTTP.MaxHeaderBytes = 1 << 20 // 1MB
	}
	if cfg.HTTP.MaxBodySize == 0 {
		cfg.HTTP.MaxBodySize = 1 << 20 // 1MB
	}
	if cfg.HTTP.RateLimitRequests == 0 {
		cfg.HTTP.RateLimitRequests = 100
	}
	if cfg.HTTP.RateLimitWindow == 0 {
		cfg.HTTP.RateLimitWindow = time.Minute
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.ResetTimeout == 0 {
		cfg.Breaker.ResetTimeout = 120 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.InitialDelay == 0 {
		cfg.Retry.InitialDelay = 500 * time.Millisecond
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 8 * time.Second
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2.0
	}
	if cfg.Retry.Randomization == 0 {
		cfg.Retry.Randomization = 0.5
	}
	if cfg.Cache.HotCapacity == 0 {
		cfg.Cache.HotCapacity = 1024
	}
	if cfg.Cache.HotTTL == 0 {
		cfg.Cache.HotTTL = 300 * time.Second
	}
	if cfg.Cache.WarmTTL == 0 {
		cfg.Cache.WarmTTL = 24 * time.Hour
	}
	if cfg.Cache.KeyPrefix == "" {
		cfg.Cache.KeyPrefix = "reserva"
	}
	if cfg.Transport.HTTPTimeout == 0 {
		cfg.Transport.HTTPTimeout = 15 * time.Second
	}
	if cfg.Transport.CurlTimeout == 0 {
		cfg.Transport.CurlTimeout = 20 * time.Second
	}
	if cfg.Transport.NavTimeout == 0 {
		cfg.Transport.NavTimeout = 30 * time.Second
	}
	if cfg.Transport.InterceptWait == 0 {
		cfg.Transport.InterceptWait = 20 * time.Second
	}
	if cfg.Transport.BrowserIdleTime == 0 {
		cfg.Transport.BrowserIdleTime = 5 * time.Minute
	}
	if cfg.Transport.PacingMin == 0 {
		cfg.Transport.PacingMin = 400 * time.Millisecond
	}
	if cfg.Transport.PacingMax == 0 {
		cfg.Transport.PacingMax = 1200 * time.Millisecond
	}
	if cfg.Places.SearchLimit == 0 {
		cfg.Places.SearchLimit = 10
	}
	if cfg.Telemetry.CollectorEndpoint == "" {
		cfg.Telemetry.CollectorEndpoint = "localhost:4317"
	}
	if cfg.Telemetry.SamplingRatio == 0 {
		cfg.Telemetry.SamplingRatio = 1.0
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "reserva"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.Database.Driver)
	}

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

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.Transport.PacingMin > c.Transport.PacingMax {
		return fmt.Errorf("transport.pacing_min (%s) cannot exceed transport.pacing_max (%s)",
			c.Transport.PacingMin, c.Transport.PacingMax)
	}

	if c.App.Env == "production" {
		if c.Auth.BearerToken == "" {
			return fmt.Errorf("auth.bearer_token is required in production")
		}
		if len(c.Auth.BearerToken) < 32 {
			return fmt.Errorf("auth.bearer_token must be at least 32 characters in production")
		}
		if c.Database.Driver == DriverPostgres {
			if c.Database.Password == "" {
				return fmt.Errorf("database.password is required in production")
			}
			if c.Database.SSLMode == "disable" {
				return fmt.Errorf("database.sslmode cannot be 'disable' in production")
			}
		}
	}

	if c.Telemetry.SamplingRatio < 0.0 || c.Telemetry.SamplingRatio > 1.0 {
		return fmt.Errorf("telemetry.sampling_ratio must be between 0.0 and 1.0, got %f", c.Telemetry.SamplingRatio)
	}

	return nil
}

// DSN returns the database connection string for the configured driver
func (d *DatabaseConfig) DSN() string {
	if d.Driver == DriverSQLite {
		return d.Path
	}
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
