package config

import (
	"fmt"
	"math/big"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Fund     FundConfig     `mapstructure:"fund"`
	Health   HealthConfig   `mapstructure:"health"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Registry RegistryConfig `mapstructure:"registry"`
	Keeper   KeeperConfig   `mapstructure:"keeper"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// FundConfig holds the managed fund API configuration
type FundConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// HealthConfig holds the optional upstream health feed configuration
type HealthConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// OracleConfig holds the immutable oracle engine parameters
type OracleConfig struct {
	Heartbeat                   time.Duration `mapstructure:"heartbeat"`
	DeviationTriggerBps         int64         `mapstructure:"deviation_trigger_bps"`
	GracePeriod                 time.Duration `mapstructure:"grace_period"`
	ObservationsToUse           int           `mapstructure:"observations_to_use"`
	AllowedAnswerChangeLowerBps int64         `mapstructure:"allowed_answer_change_lower_bps"`
	AllowedAnswerChangeUpperBps int64         `mapstructure:"allowed_answer_change_upper_bps"`
	Decimals                    uint8         `mapstructure:"decimals"`
}

// RegistryConfig holds the scheduler registration API configuration
type RegistryConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// KeeperConfig holds the keeper cycle and registration identity configuration
type KeeperConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	UpkeepName         string        `mapstructure:"upkeep_name"`
	AdminID            string        `mapstructure:"admin_id"`
	FundingAmount      string        `mapstructure:"funding_amount"`
	CheckpointInterval int           `mapstructure:"checkpoint_interval"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	MaxAnomalies int    `mapstructure:"max_anomalies"`
	DBPath       string `mapstructure:"db_path"`
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

	v.SetEnvPrefix("NAV_ORACLE")
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
	v.SetDefault("fund.timeout", "30s")
	v.SetDefault("fund.max_retries", 3)
	v.SetDefault("fund.retry_delay_base", "1s")

	v.SetDefault("health.enabled", false)
	v.SetDefault("health.timeout", "10s")

	// Oracle defaults mirror a daily-heartbeat share price feed.
	v.SetDefault("oracle.heartbeat", "24h")
	v.SetDefault("oracle.deviation_trigger_bps", 5)
	v.SetDefault("oracle.grace_period", "1h")
	v.SetDefault("oracle.observations_to_use", 4)
	v.SetDefault("oracle.allowed_answer_change_lower_bps", 9000)
	v.SetDefault("oracle.allowed_answer_change_upper_bps", 11000)
	v.SetDefault("oracle.decimals", 6)

	v.SetDefault("registry.timeout", "30s")
	v.SetDefault("registry.max_retries", 3)
	v.SetDefault("registry.retry_delay_base", "1s")

	v.SetDefault("keeper.poll_interval", "5m")
	v.SetDefault("keeper.upkeep_name", "nav-oracle")
	v.SetDefault("keeper.funding_amount", "0")
	v.SetDefault("keeper.checkpoint_interval", 1)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("storage.max_anomalies", 1000)
	v.SetDefault("storage.db_path", "./data/navoracle.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Fund.BaseURL == "" {
		return fmt.Errorf("fund.base_url is required")
	}
	if c.Fund.Timeout <= 0 {
		return fmt.Errorf("fund.timeout must be positive")
	}

	if c.Health.Enabled && c.Health.BaseURL == "" {
		return fmt.Errorf("health.base_url is required when health is enabled")
	}

	if c.Oracle.Heartbeat < time.Minute {
		return fmt.Errorf("oracle.heartbeat must be at least 1 minute")
	}
	if c.Oracle.DeviationTriggerBps < 1 {
		return fmt.Errorf("oracle.deviation_trigger_bps must be at least 1")
	}
	if c.Oracle.GracePeriod < 0 {
		return fmt.Errorf("oracle.grace_period must not be negative")
	}
	if c.Oracle.ObservationsToUse < 2 {
		return fmt.Errorf("oracle.observations_to_use must be at least 2")
	}
	if c.Oracle.AllowedAnswerChangeLowerBps < 1 || c.Oracle.AllowedAnswerChangeLowerBps >= 10000 {
		return fmt.Errorf("oracle.allowed_answer_change_lower_bps must be between 1 and 9999")
	}
	if c.Oracle.AllowedAnswerChangeUpperBps <= 10000 {
		return fmt.Errorf("oracle.allowed_answer_change_upper_bps must exceed 10000")
	}

	if c.Registry.BaseURL == "" {
		return fmt.Errorf("registry.base_url is required")
	}

	if c.Keeper.PollInterval < time.Second {
		return fmt.Errorf("keeper.poll_interval must be at least 1 second")
	}
	if c.Keeper.UpkeepName == "" {
		return fmt.Errorf("keeper.upkeep_name is required")
	}
	if c.Keeper.AdminID == "" {
		return fmt.Errorf("keeper.admin_id is required")
	}
	if _, err := c.FundingAmount(); err != nil {
		return err
	}
	if c.Keeper.CheckpointInterval < 1 {
		return fmt.Errorf("keeper.checkpoint_interval must be at least 1")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Storage.MaxAnomalies < 1 {
		return fmt.Errorf("storage.max_anomalies must be at least 1")
	}
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
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

// FundingAmount parses keeper.funding_amount as a scaled decimal integer.
func (c *Config) FundingAmount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(c.Keeper.FundingAmount, 10)
	if !ok {
		return nil, fmt.Errorf("keeper.funding_amount must be a decimal integer, got %q", c.Keeper.FundingAmount)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("keeper.funding_amount must be positive")
	}
	return amount, nil
}
