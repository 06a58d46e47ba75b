package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	ErrMissingAPIURL      = errors.New("CHATDESK_API_URL is required")
	ErrInvalidPageSize    = errors.New("CHATDESK_PAGE_SIZE must be > 0")
	ErrInvalidPollCount   = errors.New("POLL_ATTEMPTS must be between 1 and 5")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingBotToken    = errors.New("BOT_TOKEN is required")
	ErrMissingRedisAddr   = errors.New("REDIS_ADDR is required")
	ErrMissingMasterKey   = errors.New("at least one master key is required")
)

type Config struct {
	API     APIConfig
	HTTP    HTTPConfig
	Poll    PollConfig
	DB      DBConfig
	Redis   RedisConfig
	Bot     BotConfig
	Worker  WorkerConfig
	Rate    RateConfig
	Metrics MetricsConfig
	Mock    MockConfig
	Crypto  CryptoConfig
	Log     LogConfig
}

type APIConfig struct {
	BaseURL      string `env:"CHATDESK_API_URL" envDefault:"http://localhost:5080/api"`
	Profile      string `env:"CHATDESK_PROFILE" envDefault:"default"`
	DefaultModel string `env:"CHATDESK_DEFAULT_MODEL" envDefault:"gemini-2.0-flash"`
	DefaultTitle string `env:"CHATDESK_DEFAULT_TITLE" envDefault:"New Chat"`
	PageSize     int    `env:"CHATDESK_PAGE_SIZE" envDefault:"50"`
}

type HTTPConfig struct {
	ClientTimeout time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	MaxRetries    int           `env:"HTTP_MAX_RETRIES" envDefault:"2"`
	BackoffBase   time.Duration `env:"HTTP_BACKOFF_BASE" envDefault:"400ms"`
}

// MaxPollAttempts caps POLL_ATTEMPTS.
const MaxPollAttempts = 5

// PollConfig drives the wait for an asynchronous assistant reply. The
// delays are not read from the environment; they default to 1s then 2s and
// only tests shorten them.
type PollConfig struct {
	Attempts        int `env:"POLL_ATTEMPTS" envDefault:"5"`
	FirstDelay      time.Duration
	NextDelay       time.Duration
	TolerableErrors int `env:"POLL_TOLERABLE_ERRORS" envDefault:"2"`
}

type DBConfig struct {
	Driver      string `env:"DB_DRIVER" envDefault:"sqlite"`
	DSN         string `env:"DB_DSN"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`
}

type RedisConfig struct {
	Addr        string        `env:"REDIS_ADDR"`
	Password    string        `env:"REDIS_PASSWORD"`
	DB          int           `env:"REDIS_DB" envDefault:"0"`
	QueueStream string        `env:"QUEUE_STREAM" envDefault:"chatdesk:jobs"`
	QueueGroup  string        `env:"QUEUE_GROUP" envDefault:"chatdesk-workers"`
	QueueBlock  time.Duration `env:"QUEUE_BLOCK" envDefault:"5s"`
	UpdateTTL   time.Duration `env:"UPDATE_DEDUPE_TTL" envDefault:"6h"`
	SendLockTTL time.Duration `env:"SEND_LOCK_TTL" envDefault:"2m"`
}

type BotConfig struct {
	Token         string `env:"BOT_TOKEN"`
	AllowedUserID int64  `env:"BOT_ALLOWED_USER_ID" envDefault:"0"`
}

type WorkerConfig struct {
	Concurrency  int    `env:"WORKER_CONCURRENCY" envDefault:"4"`
	ConsumerName string `env:"WORKER_CONSUMER_NAME"`
	MaxRetries   int    `env:"WORKER_MAX_RETRIES" envDefault:"3"`
}

type RateConfig struct {
	PerHour int64 `env:"RATE_LIMIT_PER_HOUR" envDefault:"30"`
}

type MetricsConfig struct {
	Addr string `env:"METRICS_ADDR" envDefault:":9090"`
	Path string `env:"METRICS_PATH" envDefault:"/metrics"`
}

type MockConfig struct {
	Addr       string        `env:"MOCK_ADDR" envDefault:":5080"`
	JWTSecret  string        `env:"MOCK_JWT_SECRET" envDefault:"chatdesk-mock-secret"`
	ReplyMode  string        `env:"MOCK_REPLY_MODE" envDefault:"async"`
	ReplyDelay time.Duration `env:"MOCK_REPLY_DELAY" envDefault:"1500ms"`
	TokenTTL   time.Duration `env:"MOCK_TOKEN_TTL" envDefault:"1h"`
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads an optional .env file and then the process environment.
// Variables already present in the environment win over the file.
func Load() (*Config, error) {
	envFile := strings.TrimSpace(os.Getenv("CHATDESK_ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	normalize(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

func normalize(cfg *Config) {
	cfg.API.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.API.BaseURL), "/")
	cfg.API.Profile = strings.TrimSpace(cfg.API.Profile)
	if cfg.API.Profile == "" {
		cfg.API.Profile = "default"
	}
	cfg.DB.Driver = strings.ToLower(strings.TrimSpace(cfg.DB.Driver))
	if cfg.DB.DSN == "" && (cfg.DB.Driver == "sqlite" || cfg.DB.Driver == "sqlite3") {
		cfg.DB.DSN = filepath.Join(stateDir(), "chatdesk.db")
	}
	if cfg.Worker.ConsumerName == "" {
		cfg.Worker.ConsumerName = hostnameOr("worker")
	}
	if cfg.Poll.FirstDelay <= 0 {
		cfg.Poll.FirstDelay = time.Second
	}
	if cfg.Poll.NextDelay <= 0 {
		cfg.Poll.NextDelay = 2 * time.Second
	}
	if cfg.Poll.TolerableErrors < 0 {
		cfg.Poll.TolerableErrors = 0
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.Mock.ReplyMode = strings.ToLower(strings.TrimSpace(cfg.Mock.ReplyMode))
}

func (c *Config) validate() error {
	if c.API.BaseURL == "" {
		return ErrMissingAPIURL
	}
	if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("CHATDESK_API_URL %q is not an absolute url", c.API.BaseURL)
	}
	if c.API.PageSize <= 0 {
		return ErrInvalidPageSize
	}
	if c.Poll.Attempts <= 0 || c.Poll.Attempts > MaxPollAttempts {
		return ErrInvalidPollCount
	}
	switch c.DB.Driver {
	case "sqlite", "sqlite3", "postgres", "pgx":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DB.Driver)
	}
	if c.DB.DSN == "" {
		return ErrMissingDatabaseDSN
	}
	return nil
}

// ValidateBridge checks the settings only the Telegram bridge needs.
func (c *Config) ValidateBridge() error {
	if strings.TrimSpace(c.Bot.Token) == "" {
		return ErrMissingBotToken
	}
	if strings.TrimSpace(c.Redis.Addr) == "" {
		return ErrMissingRedisAddr
	}
	return nil
}

// PollDelays expands the poll settings into the per-attempt wait sequence.
func (p PollConfig) PollDelays() []time.Duration {
	out := make([]time.Duration, p.Attempts)
	for i := range out {
		if i == 0 {
			out[i] = p.FirstDelay
			continue
		}
		out[i] = p.NextDelay
	}
	return out
}

func stateDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "chatdesk")
	}
	return "."
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
