// Package config provides configuration management for the alert trader.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/alert_trader/internal/broker"
)

// Defaults applied by Normalize.
const (
	defaultPollInterval   = time.Second
	defaultFetchLimit     = 10
	defaultDriver         = "sqlite3"
	defaultDSN            = "data/trades.db"
	defaultExpirationTTL  = time.Hour
	defaultChainTTL       = 5 * time.Minute
	defaultDashboardPort  = 4000
	defaultStreamInterval = 2 * time.Second
	defaultBrokerTimeout  = 10 * time.Second
	defaultTimezone       = "America/New_York"
)

var defaultPriceTolerance = decimal.RequireFromString("0.15")

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Discord     DiscordConfig     `yaml:"discord"`
	Storage     StorageConfig     `yaml:"storage"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Kafka       KafkaConfig       `yaml:"kafka"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode      string `yaml:"mode"`       // paper | live
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
	Timezone  string `yaml:"timezone"`   // e.g., "America/New_York"
}

// BrokerConfig defines Tradier API settings. Each mode has its own key and account.
type BrokerConfig struct {
	PaperAPIKey    string `yaml:"paper_api_key"`
	LiveAPIKey     string `yaml:"live_api_key"`
	PaperAccountID string `yaml:"paper_account_id"`
	LiveAccountID  string `yaml:"live_account_id"`
	APIEndpoint    string `yaml:"api_endpoint"`
	Timeout        string `yaml:"timeout"`
	OrderDuration  string `yaml:"order_duration"`
}

// DiscordConfig defines the alert channel to poll.
type DiscordConfig struct {
	Token        string `yaml:"token"`
	ChannelID    string `yaml:"channel_id"`
	PollInterval string `yaml:"poll_interval"`
	FetchLimit   int    `yaml:"fetch_limit"`
	TodayOnly    *bool  `yaml:"today_only"`
}

// StorageConfig selects the database.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite3 | postgres
	DSN    string `yaml:"dsn"`
}

// ExecutionConfig controls order planning.
type ExecutionConfig struct {
	PriceTolerance *decimal.Decimal `yaml:"price_tolerance"`
	DryRun         bool             `yaml:"dry_run"`
}

// ResolverConfig sets cache lifetimes.
type ResolverConfig struct {
	ExpirationTTL string `yaml:"expiration_ttl"`
	ChainTTL      string `yaml:"chain_ttl"`
}

// DashboardConfig configures the reporting server.
type DashboardConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Port           int    `yaml:"port"`
	AuthToken      string `yaml:"auth_token"`
	StreamInterval string `yaml:"stream_interval"`
}

// KafkaConfig enables the trade event publisher when Brokers and Topic are set.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML with environment expansion, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.Normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

// Normalize fills in defaults for unset values.
func (c *Config) Normalize() {
	c.Environment.Mode = strings.ToLower(strings.TrimSpace(c.Environment.Mode))
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Environment.LogFormat == "" {
		c.Environment.LogFormat = "text"
	}
	if c.Environment.Timezone == "" {
		c.Environment.Timezone = defaultTimezone
	}
	if c.Broker.OrderDuration == "" {
		c.Broker.OrderDuration = "day"
	}
	if c.Discord.FetchLimit == 0 {
		c.Discord.FetchLimit = defaultFetchLimit
	}
	if c.Discord.TodayOnly == nil {
		t := true
		c.Discord.TodayOnly = &t
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = defaultDriver
	}
	if c.Storage.DSN == "" && c.Storage.Driver == defaultDriver {
		c.Storage.DSN = defaultDSN
	}
	if c.Execution.PriceTolerance == nil {
		tol := defaultPriceTolerance
		c.Execution.PriceTolerance = &tol
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = defaultDashboardPort
	}
}

// Validate checks every setting and reports all problems at once.
func (c *Config) Validate() error {
	var errs error
	add := func(format string, args ...interface{}) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}

	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		add("environment.mode must be 'paper' or 'live'")
	} else {
		if c.APIKey() == "" {
			add("broker.%s_api_key is required", c.Environment.Mode)
		}
		if c.AccountID() == "" {
			add("broker.%s_account_id is required", c.Environment.Mode)
		}
	}
	switch strings.ToLower(c.Environment.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("environment.log_level must be one of debug, info, warn, error")
	}
	if c.Environment.LogFormat != "text" && c.Environment.LogFormat != "json" {
		add("environment.log_format must be 'text' or 'json'")
	}
	if _, err := time.LoadLocation(c.Environment.Timezone); err != nil {
		add("environment.timezone invalid: %w", err)
	}

	if _, err := broker.NormalizeDuration(c.Broker.OrderDuration); err != nil {
		add("broker.order_duration invalid: %w", err)
	}
	checkDuration(&errs, "broker.timeout", c.Broker.Timeout)
	checkDuration(&errs, "discord.poll_interval", c.Discord.PollInterval)
	checkDuration(&errs, "resolver.expiration_ttl", c.Resolver.ExpirationTTL)
	checkDuration(&errs, "resolver.chain_ttl", c.Resolver.ChainTTL)
	checkDuration(&errs, "dashboard.stream_interval", c.Dashboard.StreamInterval)

	if c.Discord.FetchLimit < 1 || c.Discord.FetchLimit > 100 {
		add("discord.fetch_limit must be between 1 and 100")
	}

	switch c.Storage.Driver {
	case "sqlite3":
	case "postgres":
		if c.Storage.DSN == "" {
			add("storage.dsn is required for postgres")
		}
	default:
		add("storage.driver must be 'sqlite3' or 'postgres'")
	}

	if c.Execution.PriceTolerance != nil && c.Execution.PriceTolerance.IsNegative() {
		add("execution.price_tolerance must be >= 0")
	}

	if c.Dashboard.Port < 1 || c.Dashboard.Port > 65535 {
		add("dashboard.port must be between 1 and 65535")
	}

	if (len(c.Kafka.Brokers) == 0) != (c.Kafka.Topic == "") {
		add("kafka.brokers and kafka.topic must be set together")
	}

	return errs
}

// ValidateDiscord checks the settings only the run command needs.
func (c *Config) ValidateDiscord() error {
	var errs error
	if c.Discord.Token == "" {
		errs = multierr.Append(errs, errors.New("discord.token is required"))
	}
	if c.Discord.ChannelID == "" {
		errs = multierr.Append(errs, errors.New("discord.channel_id is required"))
	}
	return errs
}

func checkDuration(errs *error, field, value string) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		*errs = multierr.Append(*errs, fmt.Errorf("%s invalid: %w", field, err))
		return
	}
	if d <= 0 {
		*errs = multierr.Append(*errs, fmt.Errorf("%s must be > 0", field))
	}
}

// IsPaperTrading returns true if the bot is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// APIKey returns the Tradier key for the selected mode.
func (c *Config) APIKey() string {
	if c.IsPaperTrading() {
		return c.Broker.PaperAPIKey
	}
	return c.Broker.LiveAPIKey
}

// AccountID returns the Tradier account for the selected mode.
func (c *Config) AccountID() string {
	if c.IsPaperTrading() {
		return c.Broker.PaperAccountID
	}
	return c.Broker.LiveAccountID
}

// Location returns the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Environment.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// KafkaEnabled reports whether trade events should be published.
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0 && c.Kafka.Topic != ""
}

// GetPollInterval returns the Discord poll interval.
func (c *Config) GetPollInterval() time.Duration {
	return durationOr(c.Discord.PollInterval, defaultPollInterval)
}

// GetBrokerTimeout returns the HTTP timeout for Tradier calls.
func (c *Config) GetBrokerTimeout() time.Duration {
	return durationOr(c.Broker.Timeout, defaultBrokerTimeout)
}

// GetExpirationTTL returns how long expiration lists are cached.
func (c *Config) GetExpirationTTL() time.Duration {
	return durationOr(c.Resolver.ExpirationTTL, defaultExpirationTTL)
}

// GetChainTTL returns how long option chains are cached.
func (c *Config) GetChainTTL() time.Duration {
	return durationOr(c.Resolver.ChainTTL, defaultChainTTL)
}

// GetStreamInterval returns the dashboard push interval.
func (c *Config) GetStreamInterval() time.Duration {
	return durationOr(c.Dashboard.StreamInterval, defaultStreamInterval)
}

// GetPriceTolerance returns the allowed distance between alert and chain price.
func (c *Config) GetPriceTolerance() decimal.Decimal {
	if c.Execution.PriceTolerance == nil {
		return defaultPriceTolerance
	}
	return *c.Execution.PriceTolerance
}

func durationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
