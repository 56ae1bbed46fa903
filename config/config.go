package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Bondwatch BondwatchConfig `yaml:"bondwatch"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Source    SourceConfig    `yaml:"source"`
	Storage   StorageConfig   `yaml:"storage"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type BondwatchConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Region        string        `yaml:"region"`
	Namespace     string        `yaml:"namespace"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type SchedulerConfig struct {
	NotifyInterval   time.Duration `yaml:"notify_interval"`
	BackfillInterval time.Duration `yaml:"backfill_interval"`
	BackfillMaxAge   time.Duration `yaml:"backfill_max_age"`
	LeadTimeDays     int           `yaml:"lead_time_days"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
}

type SourceConfig struct {
	Tinkoff TinkoffSourceConfig `yaml:"tinkoff"`
	Moex    MoexSourceConfig    `yaml:"moex"`
}

type TinkoffSourceConfig struct {
	CouponsURL  string          `yaml:"coupons_url"`
	BondByURL   string          `yaml:"bond_by_url"`
	Token       string          `yaml:"token"`
	Timeout     time.Duration   `yaml:"timeout"`
	LongTimeout time.Duration   `yaml:"long_timeout"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

type MoexSourceConfig struct {
	BaseURL     string          `yaml:"base_url"`
	Timeout     time.Duration   `yaml:"timeout"`
	LongTimeout time.Duration   `yaml:"long_timeout"`
	RateLimit   RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type StorageConfig struct {
	Sqlite SqliteConfig `yaml:"sqlite"`
}

type SqliteConfig struct {
	Path string `yaml:"path"`
}

type TelegramConfig struct {
	APIURL  string        `yaml:"api_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Scheduler: SchedulerConfig{
			NotifyInterval:   30 * time.Second,
			BackfillInterval: time.Hour,
			BackfillMaxAge:   24 * time.Hour,
			LeadTimeDays:     3,
			MaxConcurrent:    4,
		},
		Source: SourceConfig{
			Tinkoff: TinkoffSourceConfig{
				Timeout:     5 * time.Second,
				LongTimeout: 15 * time.Second,
			},
			Moex: MoexSourceConfig{
				Timeout:     5 * time.Second,
				LongTimeout: 15 * time.Second,
			},
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Secrets come from the environment when present
	if v := os.Getenv("TINKOFF_TOKEN"); v != "" {
		config.Source.Tinkoff.Token = strings.TrimSpace(v)
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		config.Telegram.Token = strings.TrimSpace(v)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) validate() error {
	if c.Scheduler.NotifyInterval <= 0 {
		return fmt.Errorf("scheduler.notify_interval must be positive")
	}
	if c.Scheduler.BackfillInterval <= 0 {
		return fmt.Errorf("scheduler.backfill_interval must be positive")
	}
	if c.Scheduler.LeadTimeDays <= 0 {
		return fmt.Errorf("scheduler.lead_time_days must be positive")
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		return fmt.Errorf("scheduler.max_concurrent must be positive")
	}
	if c.Storage.Sqlite.Path == "" {
		return fmt.Errorf("storage.sqlite.path is required")
	}
	return nil
}
