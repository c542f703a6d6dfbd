// Copyright 2026 The Ticketflow Authors
// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rashadism/ticketflow/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "ticketflow.db", cfg.Database.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 4, cfg.Outbox.Workers)
	assert.Equal(t, 5*time.Second, cfg.Outbox.PollInterval)
	assert.Equal(t, 5, cfg.Outbox.MaxRetries)
	assert.Equal(t, "noreply@ticketflow.local", cfg.Email.SenderAddress)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join("testdata", "test_config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ticketflow/ticketflow.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, 2, cfg.Outbox.Workers)
	assert.Equal(t, 10*time.Second, cfg.Outbox.PollInterval)
	assert.Equal(t, 15*time.Minute, cfg.Outbox.MaxBackoff)
	assert.Equal(t, "helpdesk@corp.example", cfg.Email.SenderAddress)

	// Keys the file does not mention keep their defaults.
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Outbox.InitialBackoff)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("TICKETFLOW__OUTBOX__WORKERS", "8")
	t.Setenv("TICKETFLOW__DATABASE__PATH", ":memory:")
	t.Setenv("TICKETFLOW__EMAIL__SENDER_ADDRESS", "env@corp.example")

	cfg, err := config.Load(filepath.Join("testdata", "test_config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Outbox.Workers)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, "env@corp.example", cfg.Email.SenderAddress)
	// Untouched file values survive.
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join("testdata", "no_such_file.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"outbox:\n  workers: 0\nlogging:\n  level: loud\n"), 0o600))

	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outbox.workers")
	assert.Contains(t, err.Error(), "logging.level")
}

func TestLoadRejectsBackoffInversion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"outbox:\n  initial_backoff: 10m\n  max_backoff: 1m\n"), 0o600))

	_, err := config.Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outbox.max_backoff")
}
