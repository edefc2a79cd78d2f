package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App          AppConfig          `envPrefix:"APP_"`
	Postgres     PostgresConfig     `envPrefix:"POSTGRES_"`
	Redis        RedisConfig        `envPrefix:"REDIS_"`
	Logger       LoggerConfig       `envPrefix:"LOG_"`
	Auth         AuthConfig         `envPrefix:"AUTH_"`
	Notification NotificationConfig `envPrefix:"NOTIFY_"`
	Engine       EngineConfig       `envPrefix:"ENGINE_"`
	CallLog      CallLogConfig      `envPrefix:"CALL_LOG_"`
	LocalState   LocalStateConfig   `envPrefix:"LOCAL_STATE_"`
	RateLimit    RateLimitConfig    `envPrefix:"RATE_LIMIT_"`
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string `env:"NAME" envDefault:"call-session-service"`
	Env                   string `env:"ENV" envDefault:"development"`
	Host                  string `env:"HOST" envDefault:"0.0.0.0"`
	Port                  string `env:"PORT" envDefault:"8080"`
	Version               string `env:"VERSION" envDefault:"dev"`
	RequestTimeoutSeconds int    `env:"REQUEST_TIMEOUT_SECONDS" envDefault:"30"`
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string `env:"DSN"`
	MaxConns       int32  `env:"MAX_CONNS" envDefault:"10"`
	MinConns       int32  `env:"MIN_CONNS" envDefault:"2"`
	RunMigrations  bool   `env:"RUN_MIGRATIONS" envDefault:"true"`
	MigrationsDir  string `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	ConnMaxIdleSec int32  `env:"CONN_MAX_IDLE_SECONDS" envDefault:"30"`
	ConnMaxLifeSec int32  `env:"CONN_MAX_LIFE_SECONDS" envDefault:"300"`
}

// RedisConfig holds the push feed store connection values.
type RedisConfig struct {
	Addr          string `env:"ADDR" envDefault:"127.0.0.1:6379"`
	Password      string `env:"PASSWORD"`
	DB            int    `env:"DB" envDefault:"0"`
	Prefix        string `env:"PREFIX" envDefault:"calls"`
	DialTimeoutMS int    `env:"DIAL_TIMEOUT_MS" envDefault:"2000"`
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level   string `env:"LEVEL" envDefault:"info"`
	Format  string `env:"FORMAT" envDefault:"json"`
	Service string `env:"SERVICE" envDefault:"call-session-service"`
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret             string `env:"JWT_SECRET" envDefault:"dev-secret"`
	AccessTokenTTLMinutes int    `env:"ACCESS_TOKEN_TTL_MINUTES" envDefault:"60"`
}

// NotificationConfig holds notification delivery endpoints.
type NotificationConfig struct {
	WebhookURL     string        `env:"WEBHOOK_URL"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"5s"`
	DedupWindow    time.Duration `env:"DEDUP_WINDOW" envDefault:"8s"`
}

// EngineConfig tunes the per-viewer session engine.
type EngineConfig struct {
	StalenessWindow   time.Duration `env:"STALENESS_WINDOW" envDefault:"5m"`
	RingTimeout       time.Duration `env:"RING_TIMEOUT" envDefault:"30s"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"5s"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"20s"`
	LobbyInterval     time.Duration `env:"LOBBY_INTERVAL" envDefault:"3s"`
	DirectoryInterval time.Duration `env:"DIRECTORY_INTERVAL" envDefault:"1m"`
	RecentLimit       int           `env:"RECENT_LIMIT" envDefault:"50"`
	NotFoundLimit     int           `env:"NOT_FOUND_LIMIT" envDefault:"3"`
	NotFoundCooldown  time.Duration `env:"NOT_FOUND_COOLDOWN" envDefault:"1m"`
	IOTimeout         time.Duration `env:"IO_TIMEOUT" envDefault:"10s"`
	EventBuffer       int           `env:"EVENT_BUFFER" envDefault:"128"`
	CooldownBase      time.Duration `env:"COOLDOWN_BASE" envDefault:"2s"`
	CooldownMax       time.Duration `env:"COOLDOWN_MAX" envDefault:"2m"`
}

// CallLogConfig selects how sessions reach the call log. An empty BaseURL
// means sessions use the in-process service directly.
type CallLogConfig struct {
	BaseURL string        `env:"BASE_URL"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"5s"`
}

// LocalStateConfig points at the sqlite file holding per-viewer client state.
type LocalStateConfig struct {
	Path          string        `env:"PATH" envDefault:"call-session-state.db"`
	PruneInterval time.Duration `env:"PRUNE_INTERVAL" envDefault:"1h"`
	Retention     time.Duration `env:"RETENTION" envDefault:"24h"`
}

// RateLimitConfig bounds REST log traffic per viewer.
type RateLimitConfig struct {
	Max        int           `env:"MAX" envDefault:"60"`
	Expiration time.Duration `env:"EXPIRATION" envDefault:"1m"`
}

// Load reads configuration from environment variables, applying defaults where possible.
// ENV_FILE names an optional dotenv file; a missing default .env is ignored.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func loadEnvFile() error {
	if path := os.Getenv("ENV_FILE"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// AccessTokenTTL returns the lifetime of issued viewer tokens.
func (a AuthConfig) AccessTokenTTL() time.Duration {
	if a.AccessTokenTTLMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(a.AccessTokenTTLMinutes) * time.Minute
}

// DialTimeout bounds connecting to the push feed store.
func (r RedisConfig) DialTimeout() time.Duration {
	if r.DialTimeoutMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(r.DialTimeoutMS) * time.Millisecond
}
