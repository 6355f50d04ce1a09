// Package config loads platform configuration from a YAML file with
// environment-variable overrides for deploy-time secrets.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the newsletter platform.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Tracking  TrackingConfig  `yaml:"tracking"`
	Bounce    BounceConfig    `yaml:"bounce"`
	SES       SESConfig       `yaml:"ses"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds Postgres settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis settings for the job queue and distributed locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TrackingConfig holds tracking URL generation and signing settings.
type TrackingConfig struct {
	// BaseURL is the public origin of the tracking endpoints, e.g.
	// "https://news.example.com" (no trailing slash).
	BaseURL    string `yaml:"base_url"`
	SigningKey string `yaml:"signing_key"`
}

// BounceConfig holds bounce webhook authentication and correlation settings.
type BounceConfig struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	// WindowHours bounds the best-effort dispatch correlation: a bounce is
	// attached to the most recent dispatch finished within this window.
	WindowHours int `yaml:"window_hours"`
}

// Window returns the bounce correlation window as a duration.
func (b BounceConfig) Window() time.Duration {
	return time.Duration(b.WindowHours) * time.Hour
}

// SESConfig holds AWS SES v2 credentials for the outbound mailer.
type SESConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// WorkerConfig holds job queue consumer settings.
type WorkerConfig struct {
	Concurrency int    `yaml:"concurrency"`
	QueueKey    string `yaml:"queue_key"`
}

// SchedulerConfig holds planning sweep settings.
type SchedulerConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// PollInterval returns the sweep interval as a duration.
func (s SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// DispatchConfig holds dispatch orchestration settings.
type DispatchConfig struct {
	// MaxTestRecipients caps synchronous test sends; the API rejects larger
	// audiences before the orchestrator runs.
	MaxTestRecipients int `yaml:"max_test_recipients"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads the YAML file (if present) then overrides secrets and
// connection strings from the environment. A .env file is honoured when it
// exists, matching local development setups.
func LoadFromEnv(path string) (*Config, error) {
	godotenv.Load()

	var cfg *Config
	if _, err := os.Stat(path); err == nil {
		cfg, err = Load(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = &Config{}
		cfg.applyDefaults()
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("TRACKING_SIGNING_KEY"); v != "" {
		cfg.Tracking.SigningKey = v
	}
	if v := os.Getenv("BOUNCE_API_KEY"); v != "" {
		cfg.Bounce.APIKey = v
	}
	if v := os.Getenv("BOUNCE_API_SECRET"); v != "" {
		cfg.Bounce.APISecret = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.SES.Region == "" {
		c.SES.Region = "us-east-1"
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.QueueKey == "" {
		c.Worker.QueueKey = "newsletter:jobs"
	}
	if c.Scheduler.PollIntervalSeconds == 0 {
		c.Scheduler.PollIntervalSeconds = 60
	}
	if c.Bounce.WindowHours == 0 {
		c.Bounce.WindowHours = 6
	}
	if c.Dispatch.MaxTestRecipients == 0 {
		c.Dispatch.MaxTestRecipients = 10
	}
}
