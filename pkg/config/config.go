// Package config provides typed, fail-fast access to the recurring
// order system's configuration document. Missing required keys are a
// startup error; nothing is defaulted that could mask an absent
// credential.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/castlepeak/ibkr-recurring/pkg/errs"
)

type Environment string

const (
	EnvironmentLive  Environment = "live"
	EnvironmentPaper Environment = "paper"
)

type BrokerConfig struct {
	ConsumerKey        string `yaml:"consumer_key"`
	AccessToken        string `yaml:"access_token"`
	AccessTokenSecret  string `yaml:"access_token_secret"` // base64 ciphertext
	DHPrimeHex         string `yaml:"dh_prime_hex"`
	Realm              string `yaml:"realm"`
	SignatureKeyPath   string `yaml:"signature_key_path"`
	EncryptionKeyPath  string `yaml:"encryption_key_path"`
	BaseURL            string `yaml:"base_url"`
	AccountID          string `yaml:"account_id"`
	TicklerInterval    time.Duration `yaml:"tickler_interval"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
}

type SheetConfig struct {
	SpreadsheetURL      string `yaml:"spreadsheet_url"`
	WorksheetIndex      int    `yaml:"worksheet_index"`
	ServiceAccountJSON  string `yaml:"service_account_json_path"`
}

type NotifierConfig struct {
	WebhookURLs []string      `yaml:"webhook_urls"`
	Timeout     time.Duration `yaml:"timeout"`
}

type SchedulerConfig struct {
	FireTime string `yaml:"fire_time"` // "HH:MM", default 09:00
	Timezone string `yaml:"timezone"`  // default America/New_York
}

type HTTPConfig struct {
	Port int `yaml:"port"`
}

type SupervisorConfig struct {
	PIDFile    string `yaml:"pid_file"`
	LogFile    string `yaml:"log_file"`
}

type Config struct {
	Broker      BrokerConfig     `yaml:"broker"`
	Sheet       SheetConfig      `yaml:"sheet"`
	Notifier    NotifierConfig   `yaml:"notifier"`
	Scheduler   SchedulerConfig  `yaml:"scheduler"`
	Supervisor  SupervisorConfig `yaml:"supervisor"`
	HTTP        HTTPConfig       `yaml:"http"`
	Environment Environment      `yaml:"environment"`
}

// Load reads the YAML configuration document at path, fills in
// defaults for non-credential knobs, and validates that every required
// key is present. A .env file in the working directory, if any, is
// loaded into the process environment, but no configuration value is
// read from the environment.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional dev convenience; missing .env is not an error

	info, err := os.Stat(path)
	if err != nil {
		return nil, &errs.ConfigError{Key: path, Err: err}
	}
	if info.Mode().Perm()&0077 != 0 {
		return nil, &errs.ConfigError{Key: path, Err: fmt.Errorf("config file must not be readable by group/other (mode %04o)", info.Mode().Perm())}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.ConfigError{Key: path, Err: err}
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, &errs.ConfigError{Key: path, Err: fmt.Errorf("parse: %w", err)}
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in non-credential operational knobs only
// (timeouts, scheduler defaults). Credentials are never defaulted.
func applyDefaults(cfg *Config) {
	if cfg.Scheduler.FireTime == "" {
		cfg.Scheduler.FireTime = "09:00"
	}
	if cfg.Scheduler.Timezone == "" {
		cfg.Scheduler.Timezone = "America/New_York"
	}
	if cfg.Broker.TicklerInterval == 0 {
		cfg.Broker.TicklerInterval = 60 * time.Second
	}
	if cfg.Broker.RequestTimeout == 0 {
		cfg.Broker.RequestTimeout = 15 * time.Second
	}
	if cfg.Broker.BaseURL == "" {
		cfg.Broker.BaseURL = "https://api.ibkr.com/v1/api"
	}
	if cfg.Notifier.Timeout == 0 {
		cfg.Notifier.Timeout = 5 * time.Second
	}
	if cfg.HTTP.Port == 0 {
		cfg.HTTP.Port = 8700
	}
	if cfg.Supervisor.PIDFile == "" {
		cfg.Supervisor.PIDFile = "data/recurringd.pid"
	}
	if cfg.Supervisor.LogFile == "" {
		cfg.Supervisor.LogFile = "data/recurringd.log"
	}
}

func validate(cfg *Config) error {
	required := []struct {
		key   string
		value string
	}{
		{"broker.consumer_key", cfg.Broker.ConsumerKey},
		{"broker.access_token", cfg.Broker.AccessToken},
		{"broker.access_token_secret", cfg.Broker.AccessTokenSecret},
		{"broker.dh_prime_hex", cfg.Broker.DHPrimeHex},
		{"broker.realm", cfg.Broker.Realm},
		{"broker.signature_key_path", cfg.Broker.SignatureKeyPath},
		{"broker.encryption_key_path", cfg.Broker.EncryptionKeyPath},
		{"broker.account_id", cfg.Broker.AccountID},
		{"sheet.spreadsheet_url", cfg.Sheet.SpreadsheetURL},
		{"sheet.service_account_json_path", cfg.Sheet.ServiceAccountJSON},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &errs.ConfigError{Key: r.key}
		}
	}

	if len(cfg.Notifier.WebhookURLs) == 0 {
		return &errs.ConfigError{Key: "notifier.webhook_urls"}
	}

	switch cfg.Environment {
	case EnvironmentLive, EnvironmentPaper:
	default:
		return &errs.ConfigError{Key: "environment", Err: fmt.Errorf("must be %q or %q, got %q", EnvironmentLive, EnvironmentPaper, cfg.Environment)}
	}

	if _, err := time.LoadLocation(cfg.Scheduler.Timezone); err != nil {
		return &errs.ConfigError{Key: "scheduler.timezone", Err: err}
	}
	if _, err := parseFireTime(cfg.Scheduler.FireTime); err != nil {
		return &errs.ConfigError{Key: "scheduler.fire_time", Err: err}
	}

	return nil
}

// parseFireTime parses "HH:MM" into hour/minute.
func parseFireTime(s string) (hourMinute [2]int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return hourMinute, fmt.Errorf("expected HH:MM, got %q", s)
	}
	var h, m int
	if _, err := fmt.Sscanf(parts[0], "%d", &h); err != nil {
		return hourMinute, err
	}
	if _, err := fmt.Sscanf(parts[1], "%d", &m); err != nil {
		return hourMinute, err
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return hourMinute, fmt.Errorf("hour/minute out of range: %q", s)
	}
	return [2]int{h, m}, nil
}

// FireHourMinute returns the parsed fire_time; callers have already
// gone through Load, so the error is unreachable in practice.
func (c *Config) FireHourMinute() (hour, minute int) {
	hm, _ := parseFireTime(c.Scheduler.FireTime)
	return hm[0], hm[1]
}
