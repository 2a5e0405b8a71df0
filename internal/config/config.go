package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	DBPath         string   `env:"CODECOLLAB_DB_PATH" envDefault:"./data/codecollab.db"`
	AllowedOrigins []string `env:"CODECOLLAB_ALLOWED_ORIGINS" envSeparator:","`

	ExecutorURL     string        `env:"CODECOLLAB_EXECUTOR_URL" envDefault:"https://emkc.org/api/v2/piston"`
	ExecutorTimeout time.Duration `env:"CODECOLLAB_EXECUTOR_TIMEOUT" envDefault:"15s"`
	CompileLimit    int           `env:"CODECOLLAB_COMPILE_LIMIT" envDefault:"10"`
	CompileWindow   time.Duration `env:"CODECOLLAB_COMPILE_WINDOW" envDefault:"1m"`

	// Empty disables the Redis presence mirror and the distributed compile limit.
	RedisURL string `env:"CODECOLLAB_REDIS_URL"`

	RetentionInterval time.Duration `env:"CODECOLLAB_RETENTION_INTERVAL" envDefault:"10m"`
	ExecutionLogTTL   time.Duration `env:"CODECOLLAB_EXECUTION_LOG_TTL" envDefault:"168h"`

	OTelEndpoint string `env:"CODECOLLAB_OTEL_ENDPOINT"`

	DefaultLanguage string `env:"CODECOLLAB_DEFAULT_LANGUAGE" envDefault:"javascript"`
	DefaultDocument string `env:"CODECOLLAB_DEFAULT_DOCUMENT" envDefault:"// start code here"`
}

// Load reads the server configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ExecutorTimeout <= 0 {
		return fmt.Errorf("CODECOLLAB_EXECUTOR_TIMEOUT must be positive, got %s", c.ExecutorTimeout)
	}
	if c.RetentionInterval <= 0 {
		return fmt.Errorf("CODECOLLAB_RETENTION_INTERVAL must be positive, got %s", c.RetentionInterval)
	}
	if c.CompileLimit < 0 {
		return fmt.Errorf("CODECOLLAB_COMPILE_LIMIT must not be negative, got %d", c.CompileLimit)
	}
	return nil
}

// OriginAllowed reports whether a websocket upgrade from origin is accepted.
// An empty allow list accepts every origin.
func (c Config) OriginAllowed(origin string) bool {
	if len(c.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
