package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	APIBaseURL         string        `env:"API_BASE_URL,required,notEmpty"`
	APIToken           string        `env:"API_TOKEN,required,notEmpty"`
	APIPath            string        `env:"API_STORY_TRACKING_PATH"         envDefault:"/story_tracking"`
	APITimeout         time.Duration `env:"API_TIMEOUT"                     envDefault:"30s"`
	APIRatePerSecond   float64       `env:"API_RATE_PER_SECOND"             envDefault:"2"`
	PollInterval       time.Duration `env:"POLL_INTERVAL"                   envDefault:"3m"`
	PollMinInterval    time.Duration `env:"POLL_MIN_INTERVAL"               envDefault:"2m"`
	PollTimeout        time.Duration `env:"POLL_TIMEOUT"                    envDefault:"10s"`
	SeenCacheSize      int           `env:"SEEN_CACHE_SIZE"                 envDefault:"4096"`
	RefreshConcurrency int           `env:"REFRESH_CONCURRENCY"             envDefault:"4"`
	PushURL            string        `env:"PUSH_URL"`
	PushAPIKey         string        `env:"PUSH_API_KEY"`
	CachePath          string        `env:"CACHE_PATH"`
	FeedSearchURL      string        `env:"FEED_SEARCH_URL"`
	TelegramToken      string        `env:"TELEGRAM_TOKEN"`
	AllowedUsers       []int64       `env:"ALLOWED_USERS"`
	LogLevel           slog.Level    `env:"LOG_LEVEL"                       envDefault:"info"`
}

func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	if err = cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.PollMinInterval <= 0 {
		errs = append(errs, errors.New("POLL_MIN_INTERVAL must be positive"))
	}
	if c.PollInterval <= c.PollMinInterval {
		errs = append(errs, fmt.Errorf(
			"POLL_INTERVAL (%s) must be larger than POLL_MIN_INTERVAL (%s)",
			c.PollInterval,
			c.PollMinInterval,
		))
	}
	if c.PollTimeout <= 0 {
		errs = append(errs, errors.New("POLL_TIMEOUT must be positive"))
	}
	if c.RefreshConcurrency <= 0 {
		errs = append(errs, errors.New("REFRESH_CONCURRENCY must be positive"))
	}
	if c.PushURL != "" && strings.TrimSpace(c.PushAPIKey) == "" {
		errs = append(errs, errors.New("PUSH_API_KEY is required with PUSH_URL"))
	}
	if c.TelegramToken != "" && len(c.AllowedUsers) == 0 {
		errs = append(errs, errors.New("ALLOWED_USERS is required with TELEGRAM_TOKEN"))
	}

	return errors.Join(errs...)
}
