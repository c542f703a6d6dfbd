// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"github.com/rashadism/ticketflow/internal/logging"
)

// Config is the top-level Ticketflow configuration.
type Config struct {
	Database DatabaseConfig `koanf:"database"`
	Logging  logging.Config `koanf:"logging"`
	Outbox   OutboxConfig   `koanf:"outbox"`
	Email    EmailConfig    `koanf:"email"`
}

// DatabaseConfig defines the document store settings.
type DatabaseConfig struct {
	// Path is the sqlite database file path. ":memory:" is accepted for tests.
	Path string `koanf:"path"`
}

// OutboxConfig defines the notification outbox scheduler settings.
type OutboxConfig struct {
	// Workers is the number of concurrent delivery workers.
	Workers int `koanf:"workers"`
	// PollInterval is how often the scheduler scans for due rows.
	PollInterval time.Duration `koanf:"poll_interval"`
	// BatchSize is the maximum number of rows claimed per scan.
	BatchSize int `koanf:"batch_size"`
	// MaxRetries is the delivery attempt cap before a row is marked FAILED.
	MaxRetries int `koanf:"max_retries"`
	// InitialBackoff is the first retry delay; subsequent delays grow
	// exponentially up to MaxBackoff.
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	// LockTTL is how long a claimed row stays invisible to other workers.
	LockTTL time.Duration `koanf:"lock_ttl"`
}

// EmailConfig defines the external email transport settings.
type EmailConfig struct {
	// SenderAddress is the From address on outgoing mail.
	SenderAddress string `koanf:"sender_address"`
	// SendEndpoint is the mail provider's send URL. Empty disables the
	// real transport.
	SendEndpoint string `koanf:"send_endpoint"`
	// TokenEndpoint is the OAuth client-credentials token URL.
	TokenEndpoint string `koanf:"token_endpoint"`
	ClientID      string `koanf:"client_id"`
	ClientSecret  string `koanf:"client_secret"`
	// TokenSkew is subtracted from the token expiry when deciding whether
	// a cached token is still usable.
	TokenSkew time.Duration `koanf:"token_skew"`
}

// Default returns the configuration defaults applied before file and
// environment overrides.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Path: "ticketflow.db",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Outbox: OutboxConfig{
			Workers:        4,
			PollInterval:   5 * time.Second,
			BatchSize:      50,
			MaxRetries:     5,
			InitialBackoff: 30 * time.Second,
			MaxBackoff:     30 * time.Minute,
			LockTTL:        2 * time.Minute,
		},
		Email: EmailConfig{
			SenderAddress: "noreply@ticketflow.local",
			TokenSkew:     time.Minute,
		},
	}
}

// Validate implements Validator.
func (c *Config) Validate() error {
	var errs ValidationErrors

	root := NewPath("database")
	if err := MustNotBeEmpty(root.Child("path"), c.Database.Path); err != nil {
		errs = append(errs, err)
	}

	ob := NewPath("outbox")
	if err := MustBeInRange(ob.Child("workers"), c.Outbox.Workers, 1, 64); err != nil {
		errs = append(errs, err)
	}
	if err := MustBeGreaterThan(ob.Child("poll_interval"), c.Outbox.PollInterval, 0); err != nil {
		errs = append(errs, err)
	}
	if err := MustBeGreaterThan(ob.Child("batch_size"), c.Outbox.BatchSize, 0); err != nil {
		errs = append(errs, err)
	}
	if err := MustBeInRange(ob.Child("max_retries"), c.Outbox.MaxRetries, 1, 20); err != nil {
		errs = append(errs, err)
	}
	if err := MustBeGreaterThan(ob.Child("initial_backoff"), c.Outbox.InitialBackoff, 0); err != nil {
		errs = append(errs, err)
	}
	if c.Outbox.MaxBackoff < c.Outbox.InitialBackoff {
		errs = append(errs, Invalid(ob.Child("max_backoff"), "must be >= initial_backoff"))
	}

	lg := NewPath("logging")
	if err := MustBeOneOf(lg.Child("level"), c.Logging.Level, []string{"debug", "info", "warn", "warning", "error"}); err != nil {
		errs = append(errs, err)
	}
	if err := MustBeOneOf(lg.Child("format"), c.Logging.Format, []string{"json", "text"}); err != nil {
		errs = append(errs, err)
	}

	return errs.OrNil()
}

// Load reads the full configuration from defaults, the optional YAML file at
// configPath, and TICKETFLOW__ environment variables.
func Load(configPath string) (*Config, error) {
	loader := NewLoader("TICKETFLOW")
	if err := loader.LoadWithDefaults(Default(), configPath); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := loader.UnmarshalAndValidate("", cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
