package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Feed     FeedConfig     `mapstructure:"feed"`
	Metadata MetadataConfig `mapstructure:"metadata"`
	Market   MarketConfig   `mapstructure:"market"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Publish  PublishConfig  `mapstructure:"publish"`
	Profile  ProfileConfig  `mapstructure:"profile"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Server   ServerConfig   `mapstructure:"server"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// FeedConfig holds tick feed connection configuration
type FeedConfig struct {
	URL          string        `mapstructure:"url"`
	TokenFile    string        `mapstructure:"token_file"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	MinReconnect time.Duration `mapstructure:"min_reconnect"`
	MaxReconnect time.Duration `mapstructure:"max_reconnect"`
}

// MetadataConfig holds the instrument metadata source configuration
type MetadataConfig struct {
	CSVPath string `mapstructure:"csv_path"`
}

// MarketConfig holds trading session configuration
type MarketConfig struct {
	OpenTime string `mapstructure:"open_time"` // "HH:MM" wall clock
	Timezone string `mapstructure:"timezone"`
}

// AlertsConfig holds alert rule family configuration.
// Each rule family can be toggled independently; a disabled family
// short-circuits before any state mutation.
type AlertsConfig struct {
	UserAlerts        bool          `mapstructure:"user_alerts"`
	PDHCross          bool          `mapstructure:"pdh_cross"`
	VolumeSpike       bool          `mapstructure:"volume_spike"`
	PositiveOpen      bool          `mapstructure:"positive_open"`
	SpikeWindow       int           `mapstructure:"spike_window"`
	SpikeRatio        float64       `mapstructure:"spike_ratio"`
	PositiveOpenDelay time.Duration `mapstructure:"positive_open_delay"`
	HistoryLimit      int           `mapstructure:"history_limit"`
}

// PublishConfig holds the broadcast cycle configuration
type PublishConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	Epsilon          float64       `mapstructure:"epsilon"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
}

// ProfileConfig holds volume profile configuration
type ProfileConfig struct {
	LookbackDays    int           `mapstructure:"lookback_days"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath       string        `mapstructure:"db_path"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
}

// ServerConfig holds the subscriber-facing server configuration
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	setDefaults(v)

	v.SetEnvPrefix("TICKWATCH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("feed.dial_timeout", "10s")
	v.SetDefault("feed.min_reconnect", "500ms")
	v.SetDefault("feed.max_reconnect", "30s")

	v.SetDefault("market.open_time", "09:15")
	v.SetDefault("market.timezone", "Asia/Kolkata")

	v.SetDefault("alerts.user_alerts", true)
	v.SetDefault("alerts.pdh_cross", true)
	v.SetDefault("alerts.volume_spike", true)
	v.SetDefault("alerts.positive_open", true)
	v.SetDefault("alerts.spike_window", 10)
	v.SetDefault("alerts.spike_ratio", 2.5)
	v.SetDefault("alerts.positive_open_delay", "6m")
	v.SetDefault("alerts.history_limit", 500)

	v.SetDefault("publish.interval", "1s")
	v.SetDefault("publish.epsilon", 0.01)
	v.SetDefault("publish.subscriber_buffer", 64)

	v.SetDefault("profile.lookback_days", 7)
	v.SetDefault("profile.refresh_interval", "24h")

	v.SetDefault("storage.db_path", "./data/tickwatch.db")
	v.SetDefault("storage.query_timeout", "10s")

	v.SetDefault("server.addr", ":5000")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Feed.URL == "" {
		return fmt.Errorf("feed.url is required")
	}
	if c.Feed.MinReconnect <= 0 || c.Feed.MaxReconnect < c.Feed.MinReconnect {
		return fmt.Errorf("feed reconnect delays must satisfy 0 < min_reconnect <= max_reconnect")
	}

	if c.Metadata.CSVPath == "" {
		return fmt.Errorf("metadata.csv_path is required")
	}

	if _, err := time.Parse("15:04", c.Market.OpenTime); err != nil {
		return fmt.Errorf("market.open_time must be HH:MM: %w", err)
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("market.timezone is invalid: %w", err)
	}

	if c.Alerts.SpikeWindow < 2 {
		return fmt.Errorf("alerts.spike_window must be at least 2")
	}
	if c.Alerts.SpikeRatio <= 1.0 {
		return fmt.Errorf("alerts.spike_ratio must be greater than 1.0")
	}
	if c.Alerts.PositiveOpenDelay < 5*time.Minute {
		return fmt.Errorf("alerts.positive_open_delay must be at least 5 minutes")
	}
	if c.Alerts.HistoryLimit < 1 {
		return fmt.Errorf("alerts.history_limit must be at least 1")
	}

	if c.Publish.Interval < 100*time.Millisecond {
		return fmt.Errorf("publish.interval must be at least 100ms")
	}
	if c.Publish.Epsilon <= 0 {
		return fmt.Errorf("publish.epsilon must be positive")
	}
	if c.Publish.SubscriberBuffer < 1 {
		return fmt.Errorf("publish.subscriber_buffer must be at least 1")
	}

	if c.Profile.LookbackDays < 1 {
		return fmt.Errorf("profile.lookback_days must be at least 1")
	}
	if c.Profile.RefreshInterval < time.Minute {
		return fmt.Errorf("profile.refresh_interval must be at least 1 minute")
	}

	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.QueryTimeout < time.Second {
		return fmt.Errorf("storage.query_timeout must be at least 1 second")
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// MarketOpen returns today's market open instant in the configured timezone.
func (c *Config) MarketOpen(now time.Time) time.Time {
	loc, err := time.LoadLocation(c.Market.Timezone)
	if err != nil {
		loc = now.Location()
	}
	t, _ := time.Parse("15:04", c.Market.OpenTime)
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), t.Hour(), t.Minute(), 0, 0, loc)
}
