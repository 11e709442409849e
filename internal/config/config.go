// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config is the process configuration, read from the environment. A .env file
// is loaded by godotenv/autoload in main before Load runs.
type Config struct {
	Env      string `env:"APP_ENV" env-default:"dev"`
	LogLevel string `env:"LOG_LEVEL" env-default:"debug"`
	Port     string `env:"PORT" env-default:"8080"`

	StoreBackend  string `env:"STORE_BACKEND" env-default:"postgres"`
	BrokerBackend string `env:"BROKER_BACKEND" env-default:"redis"`

	Postgres  Postgres
	Redis     Redis
	Historian Historian
	Room      Room

	// TokenExpire is a Go duration, or "never"/"0" for tokens without exp.
	TokenExpire string `env:"TOKEN_EXPIRE_TIME" env-default:"168h"`
	// Raw ed25519 keys shared by every instance. When unset each process
	// generates its own pair and tokens do not survive a restart.
	PrivateKeyPath string `env:"JWT_PRIVATE_KEY_PATH"`
	PublicKeyPath  string `env:"JWT_PUBLIC_KEY_PATH"`

	// AllowedOrigins is a comma-separated list of WebSocket origin patterns.
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" env-separator:","`
}

type Postgres struct {
	User     string `env:"POSTGRES_USER" env-default:"postgres"`
	Password string `env:"POSTGRES_PASSWORD"`
	Host     string `env:"PG_HOST" env-default:"localhost"`
	Port     string `env:"PG_PORT" env-default:"5432"`
	Database string `env:"PG_DATABASE" env-default:"arena"`
}

// DSN builds the connection string the way ConnectDB expects it.
func (p Postgres) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", p.User, p.Password, p.Host, p.Port, p.Database)
}

type Redis struct {
	Addr     string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" env-default:"0"`
}

type Historian struct {
	QueueName         string        `env:"HISTORIAN_QUEUE_NAME" env-default:"arena_room_actions"`
	BatchSize         int           `env:"HISTORIAN_BATCH_SIZE" env-default:"100"`
	FlushMS           int           `env:"HISTORIAN_FLUSH_MS" env-default:"500"`
	InactivityTimeout time.Duration `env:"ROOM_INACTIVITY_TIMEOUT" env-default:"30m"`
}

// Room holds coordination policy. None of these values are protocol
// contracts; they only tune timing and economics.
type Room struct {
	AutoStart         bool          `env:"ROOM_AUTO_START" env-default:"true"`
	AutoStartDelay    time.Duration `env:"ROOM_AUTO_START_DELAY" env-default:"1500ms"`
	CountdownWindow   time.Duration `env:"ROOM_COUNTDOWN_WINDOW" env-default:"5m"`
	HeartbeatInterval time.Duration `env:"ROOM_HEARTBEAT_INTERVAL" env-default:"60s"`
	ActivityInterval  time.Duration `env:"ROOM_ACTIVITY_INTERVAL" env-default:"1m"`
	DefaultCommission float64       `env:"ROOM_DEFAULT_COMMISSION" env-default:"0.10"`
	MoveRate          float64       `env:"ROOM_MOVE_RATE" env-default:"20"`
	MoveBurst         int           `env:"ROOM_MOVE_BURST" env-default:"40"`
}

// Load reads the environment into a Config.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg.StoreBackend = strings.ToLower(cfg.StoreBackend)
	cfg.BrokerBackend = strings.ToLower(cfg.BrokerBackend)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MustLoad is Load for main; it panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) validate() error {
	switch c.StoreBackend {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_BACKEND must be postgres or memory, got %q", c.StoreBackend)
	}
	switch c.BrokerBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("BROKER_BACKEND must be redis or memory, got %q", c.BrokerBackend)
	}
	if c.Room.DefaultCommission < 0 || c.Room.DefaultCommission >= 1 {
		return fmt.Errorf("ROOM_DEFAULT_COMMISSION must be in [0,1), got %v", c.Room.DefaultCommission)
	}
	return nil
}

// IsProd reports whether APP_ENV selects production behaviour.
func (c *Config) IsProd() bool {
	return c.Env == "prod" || c.Env == "production"
}
