package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	OverflowDropNewest = "drop_newest"
	OverflowDropOldest = "drop_oldest"
)

type Config struct {
	Port        int    `env:"PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	StatusCallbackSecret  string `env:"STATUS_CALLBACK_SECRET"`
	PersistTimeoutSeconds int    `env:"PERSIST_TIMEOUT_SECONDS" envDefault:"5"`
	PendingTTLSeconds     int    `env:"PENDING_TTL_SECONDS" envDefault:"60"`
	MaxObservers          int    `env:"MAX_OBSERVERS" envDefault:"1000"`

	TranscriptionURL            string `env:"TRANSCRIPTION_URL"`
	TranscriptionAPIKey         string `env:"TRANSCRIPTION_API_KEY"`
	TranscriptionConnectTimeout int    `env:"TRANSCRIPTION_CONNECT_TIMEOUT_SECONDS" envDefault:"5"`
	TranscriptionRetryBudget    int    `env:"TRANSCRIPTION_RETRY_BUDGET" envDefault:"3"`
	TranscriptionRetryDelayMs   int    `env:"TRANSCRIPTION_RETRY_DELAY_MS" envDefault:"1000"`
	AudioBufferFrames           int    `env:"AUDIO_BUFFER_FRAMES" envDefault:"500"`
	AudioOverflowPolicy         string `env:"AUDIO_OVERFLOW_POLICY" envDefault:"drop_newest"`

	CoachAPIURL         string `env:"COACH_API_URL"`
	CoachAPIKey         string `env:"COACH_API_KEY"`
	CoachModel          string `env:"COACH_MODEL" envDefault:"gpt-4o-mini"`
	CoachMinContext     int    `env:"COACH_MIN_CONTEXT" envDefault:"3"`
	CoachInterval       int    `env:"COACH_INTERVAL" envDefault:"2"`
	CoachWindow         int    `env:"COACH_WINDOW" envDefault:"10"`
	CoachTimeoutSeconds int    `env:"COACH_TIMEOUT_SECONDS" envDefault:"8"`
	CoachMaxPerMinute   int    `env:"COACH_MAX_PER_MINUTE" envDefault:"0"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) PersistTimeout() time.Duration {
	return time.Duration(c.PersistTimeoutSeconds) * time.Second
}

func (c *Config) PendingTTL() time.Duration {
	return time.Duration(c.PendingTTLSeconds) * time.Second
}

func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.TranscriptionConnectTimeout) * time.Second
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.TranscriptionRetryDelayMs) * time.Millisecond
}

func (c *Config) CoachTimeout() time.Duration {
	return time.Duration(c.CoachTimeoutSeconds) * time.Second
}

func (c *Config) Validate() error {
	if c.AudioOverflowPolicy != OverflowDropNewest && c.AudioOverflowPolicy != OverflowDropOldest {
		return fmt.Errorf("AUDIO_OVERFLOW_POLICY must be %q or %q", OverflowDropNewest, OverflowDropOldest)
	}
	if c.AudioBufferFrames <= 0 {
		return fmt.Errorf("AUDIO_BUFFER_FRAMES must be positive")
	}
	if c.CoachInterval <= 0 {
		return fmt.Errorf("COACH_INTERVAL must be positive")
	}
	if c.CoachMinContext < 1 {
		return fmt.Errorf("COACH_MIN_CONTEXT must be at least 1")
	}
	if c.TranscriptionRetryBudget < 0 {
		return fmt.Errorf("TRANSCRIPTION_RETRY_BUDGET must not be negative")
	}

	if c.TranscriptionURL == "" {
		log.Warn().Msg("TRANSCRIPTION_URL is empty: live captions disabled")
	}
	if c.CoachAPIURL == "" {
		log.Warn().Msg("COACH_API_URL is empty: coaching suggestions disabled")
	}
	if c.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL is empty: finished calls will be logged, not persisted")
	}
	if c.RedisURL != "" && strings.HasPrefix(c.RedisURL, "redis://") && c.StatusCallbackSecret != "" {
		log.Warn().Msg("REDIS_URL uses redis:// (not TLS): consider using rediss://")
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
