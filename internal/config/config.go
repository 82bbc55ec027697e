package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/manpreetbhatti/codehive/internal/ratelimit"
)

const (
	StoreSQLite = "sqlite"
	StoreMongo  = "mongo"
)

type Config struct {
	// Server
	Port            int           `env:"PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	AllowedOrigins  []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	// Document store
	Store         string `env:"STORE" envDefault:"sqlite"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"./data/codehive.db"`
	MongoURI      string `env:"MONGO_URI" envDefault:"mongodb://localhost:27017/"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"code_collab"`

	// Execution sandbox
	PistonURL     string        `env:"PISTON_URL" envDefault:"https://emkc.org/api/v2/piston"`
	PistonTimeout time.Duration `env:"PISTON_TIMEOUT" envDefault:"20s"`

	// Assistant
	OpenAIKey     string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIModel   string        `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	OpenAITimeout time.Duration `env:"OPENAI_TIMEOUT" envDefault:"30s"`

	// Rate limiting for /api/run and the assistant endpoints
	RateLimitPerMinute int    `env:"RATE_LIMIT_PER_MINUTE" envDefault:"30"`
	RedisAddr          string `env:"REDIS_ADDR"`
	RedisPassword      string `env:"REDIS_PASSWORD"`
	RedisDB            int    `env:"REDIS_DB" envDefault:"0"`

	// Inbound websocket frames, per connection
	WSFramesPerSecond   float64 `env:"WS_FRAMES_PER_SECOND" envDefault:"100"`
	WSFrameBurst        int     `env:"WS_FRAME_BURST" envDefault:"200"`
	WSMaxRateViolations int     `env:"WS_MAX_RATE_VIOLATIONS" envDefault:"1000"`

	// Uploads
	MaxUploadBytes int64 `env:"MAX_UPLOAD_BYTES" envDefault:"10485760"`
}

// Load reads .env when present, then the environment
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the configuration from the environment only
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	switch c.Store {
	case StoreSQLite, StoreMongo:
	default:
		return fmt.Errorf("parse config: unknown STORE %q", c.Store)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("parse config: invalid PORT %d", c.Port)
	}
	if c.WSFramesPerSecond <= 0 || c.WSFrameBurst <= 0 {
		return fmt.Errorf("parse config: websocket frame rate and burst must be positive")
	}
	return nil
}

// FrameRate is the token bucket applied to each websocket connection
func (c *Config) FrameRate() ratelimit.Rate {
	return ratelimit.Rate{PerSecond: c.WSFramesPerSecond, Burst: c.WSFrameBurst}
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Level maps LOG_LEVEL to a slog level, defaulting to info
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
