// Package config handles ledger-agent configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/ledger/config.yaml,
// /etc/ledger/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ledger", "config.yaml"))
	}

	return append(paths, "/etc/ledger/config.yaml")
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all ledger-agent configuration.
type Config struct {
	DataDir    string           `yaml:"data_dir"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Listen     ListenConfig     `yaml:"listen"`
	Agent      AgentConfig      `yaml:"agent"`
	Oracle     OracleConfig     `yaml:"oracle"`
	Advisor    OracleConfig     `yaml:"advisor"`
	Accounting AccountingConfig `yaml:"accounting"`
	Confirm    ConfirmConfig    `yaml:"confirm"`
	Notify     NotifyConfig     `yaml:"notify"`
	Intake     IntakeConfig     `yaml:"intake"`
	Processor  ProcessorConfig  `yaml:"processor"`
}

// DatabaseConfig selects the SQLite driver and file.
type DatabaseConfig struct {
	// Driver is "sqlite3" (cgo, default) or "sqlite" (pure Go).
	Driver string `yaml:"driver"`
	// Path defaults to <data_dir>/ledger.db.
	Path string `yaml:"path"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // trace, debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// ListenConfig defines the HTTP API bind address.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// AgentConfig bounds the reasoning loop.
type AgentConfig struct {
	// Organization names whose books are kept, for the system prompt.
	Organization        string `yaml:"organization"`
	MaxSteps            int    `yaml:"max_steps"`
	MaxConsultations    int    `yaml:"max_consultations"`
	StallThreshold      int    `yaml:"stall_threshold"`
	MaxObservationBytes int    `yaml:"max_observation_bytes"`
}

// OracleConfig selects and configures a reasoning provider.
type OracleConfig struct {
	Provider  string        `yaml:"provider"` // anthropic or ollama
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key"`
	BaseURL   string        `yaml:"base_url"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Configured reports whether a provider has been selected.
func (o OracleConfig) Configured() bool {
	return o.Provider != ""
}

// AccountingConfig describes the accounting backend connection.
type AccountingConfig struct {
	BaseURL           string        `yaml:"base_url"`
	RealmID           string        `yaml:"realm_id"`
	ClientID          string        `yaml:"client_id"`
	ClientSecret      string        `yaml:"client_secret"`
	RefreshToken      string        `yaml:"refresh_token"`
	TokenURL          string        `yaml:"token_url"`
	MinorVersion      string        `yaml:"minor_version"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	CacheTTL          time.Duration `yaml:"cache_ttl"`
	AccountsTTL       time.Duration `yaml:"accounts_ttl"`
	Retry             RetryConfig   `yaml:"retry"`
}

// Configured reports whether a company and OAuth client have been set.
func (a AccountingConfig) Configured() bool {
	return a.RealmID != "" && a.ClientID != ""
}

// RetryConfig is the backoff policy applied to rate-limited calls.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxRetries      int           `yaml:"max_retries"`
}

// ConfirmConfig controls pending-action approval.
type ConfirmConfig struct {
	TTL      time.Duration `yaml:"ttl"`
	Approver string        `yaml:"approver"`
}

// NotifyConfig defines the outbound notification channel. When SMTP.Host
// is empty notifications are only logged.
type NotifyConfig struct {
	Recipient string     `yaml:"recipient"`
	From      string     `yaml:"from"`
	SMTP      SMTPConfig `yaml:"smtp"`
}

// SMTPConfig holds outbound mail server settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// StartTLS upgrades a plain connection. When false, implicit TLS is
	// used on port 465 and plain text elsewhere.
	StartTLS bool `yaml:"starttls"`
}

// IntakeConfig enables the IMAP mailbox as an inbound trigger.
type IntakeConfig struct {
	IMAP           IMAPConfig `yaml:"imap"`
	Folder         string     `yaml:"folder"`
	AllowedSenders []string   `yaml:"allowed_senders"`
}

// IMAPConfig holds inbound mail server settings.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Configured reports whether an IMAP server has been set.
func (c IMAPConfig) Configured() bool {
	return c.Host != ""
}

// ProcessorConfig controls the periodic processing cycle.
type ProcessorConfig struct {
	Interval    time.Duration `yaml:"interval"`
	Concurrency int           `yaml:"concurrency"`
}

// Load reads configuration from a YAML file, expanding environment
// variables before decoding, then applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(c.DataDir, "ledger.db")
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}

	if c.Agent.MaxSteps == 0 {
		c.Agent.MaxSteps = 10
	}
	if c.Agent.MaxConsultations == 0 {
		c.Agent.MaxConsultations = 10
	}
	if c.Agent.StallThreshold == 0 {
		c.Agent.StallThreshold = 3
	}
	if c.Agent.MaxObservationBytes == 0 {
		c.Agent.MaxObservationBytes = 4000
	}

	applyOracleDefaults(&c.Oracle)
	applyOracleDefaults(&c.Advisor)

	a := &c.Accounting
	if a.BaseURL == "" {
		a.BaseURL = "https://quickbooks.api.intuit.com"
	}
	if a.TokenURL == "" {
		a.TokenURL = "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
	}
	if a.MinorVersion == "" {
		a.MinorVersion = "65"
	}
	if a.RequestsPerSecond == 0 {
		a.RequestsPerSecond = 8
	}
	if a.Burst == 0 {
		a.Burst = 4
	}
	if a.CacheTTL == 0 {
		a.CacheTTL = 24 * time.Hour
	}
	if a.AccountsTTL == 0 {
		a.AccountsTTL = time.Hour
	}
	if a.Retry.InitialInterval == 0 {
		a.Retry.InitialInterval = 2 * time.Second
	}
	if a.Retry.MaxInterval == 0 {
		a.Retry.MaxInterval = 30 * time.Second
	}
	if a.Retry.MaxRetries == 0 {
		a.Retry.MaxRetries = 4
	}

	if c.Confirm.TTL == 0 {
		c.Confirm.TTL = 24 * time.Hour
	}
	if c.Confirm.Approver == "" {
		c.Confirm.Approver = c.Notify.Recipient
	}
	if c.Notify.SMTP.Port == 0 {
		c.Notify.SMTP.Port = 587
	}
	if c.Intake.IMAP.Port == 0 {
		c.Intake.IMAP.Port = 993
	}
	if c.Intake.Folder == "" {
		c.Intake.Folder = "INBOX"
	}
	if c.Processor.Interval == 0 {
		c.Processor.Interval = 5 * time.Minute
	}
	if c.Processor.Concurrency == 0 {
		c.Processor.Concurrency = 4
	}
}

func applyOracleDefaults(o *OracleConfig) {
	if o.Provider == "" {
		return
	}
	o.Provider = strings.ToLower(o.Provider)
	if o.MaxTokens == 0 {
		o.MaxTokens = 1024
	}
	if o.Timeout == 0 {
		o.Timeout = 2 * time.Minute
	}
	if o.Provider == "ollama" && o.BaseURL == "" {
		o.BaseURL = "http://localhost:11434"
	}
}

// Validate reports every configuration problem found, joined.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q (valid: sqlite3, sqlite)", c.Database.Driver))
	}
	if _, err := ParseLogLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q (valid: text, json)", c.Logging.Format))
	}
	if c.Agent.MaxSteps < 1 {
		errs = append(errs, errors.New("agent.max_steps must be positive"))
	}
	if c.Agent.MaxConsultations < 0 {
		errs = append(errs, errors.New("agent.max_consultations must not be negative"))
	}

	errs = append(errs, validateOracle("oracle", c.Oracle)...)
	if c.Advisor.Configured() {
		errs = append(errs, validateOracle("advisor", c.Advisor)...)
	}

	if c.Accounting.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("accounting.requests_per_second must not be negative"))
	}
	if c.Notify.SMTP.Host != "" && c.Notify.From == "" {
		errs = append(errs, errors.New("notify.from is required when notify.smtp.host is set"))
	}
	if c.Intake.IMAP.Configured() && len(c.Intake.AllowedSenders) == 0 {
		errs = append(errs, errors.New("intake.allowed_senders is required when intake.imap.host is set"))
	}

	return errors.Join(errs...)
}

func validateOracle(section string, o OracleConfig) []error {
	var errs []error
	switch o.Provider {
	case "":
		errs = append(errs, fmt.Errorf("%s.provider is required (anthropic, ollama)", section))
	case "anthropic":
		if o.APIKey == "" {
			errs = append(errs, fmt.Errorf("%s.api_key is required for anthropic", section))
		}
	case "ollama":
	default:
		errs = append(errs, fmt.Errorf("%s.provider %q (valid: anthropic, ollama)", section, o.Provider))
	}
	if o.Provider != "" && o.Model == "" {
		errs = append(errs, fmt.Errorf("%s.model is required", section))
	}
	return errs
}
