// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatewarden.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "file", cfg.Storage.Mode)
	assert.Equal(t, 3, cfg.Auth.MinPasswordLength)
	assert.Equal(t, 5, cfg.Auth.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Auth.LockoutDuration)
	assert.Equal(t, 30*time.Minute, cfg.Auth.ConfirmTokenTTL)
	assert.Equal(t, time.Hour, cfg.Auth.ResetTokenTTL)
	assert.Equal(t, uint32(64*1024), cfg.Auth.Argon2.MemoryKiB)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
storage:
  mode: durable
  database_url: postgres://localhost/gatewarden
  snapshot_path: /var/lib/gatewarden/snapshot.json
auth:
  max_attempts: 3
  lockout_duration: 10m
  anti_sharing: true
log:
  format: text
  level: debug
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "durable", cfg.Storage.Mode)
	assert.Equal(t, "postgres://localhost/gatewarden", cfg.Storage.DatabaseURL)
	assert.Equal(t, 3, cfg.Auth.MaxAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Auth.LockoutDuration)
	assert.True(t, cfg.Auth.AntiSharing)
	assert.Equal(t, "text", cfg.Log.Format)

	// Untouched keys keep defaults.
	assert.Equal(t, 3, cfg.Auth.MinPasswordLength)
	assert.Equal(t, 30*time.Minute, cfg.Auth.ConfirmTokenTTL)
}

func TestLoad_FlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, `
log:
  format: text
`)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log.format", Default().Log.Format, "")
	flags.String("storage.snapshot_path", Default().Storage.SnapshotPath, "")
	require.NoError(t, flags.Parse([]string{"--log.format=json"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Log.Format, "explicit flag should win over file")
	assert.Equal(t, "gatewarden.json", cfg.Storage.SnapshotPath, "unset flag should not clobber defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults valid",
			mutate: func(*Config) {},
		},
		{
			name: "durable without database url",
			mutate: func(c *Config) {
				c.Storage.Mode = "durable"
			},
			wantErr: "database_url",
		},
		{
			name: "unknown storage mode",
			mutate: func(c *Config) {
				c.Storage.Mode = "cloud"
			},
			wantErr: "storage.mode",
		},
		{
			name: "zero max attempts",
			mutate: func(c *Config) {
				c.Auth.MaxAttempts = 0
			},
			wantErr: "max_attempts",
		},
		{
			name: "zero argon2 memory",
			mutate: func(c *Config) {
				c.Auth.Argon2.MemoryKiB = 0
			},
			wantErr: "argon2",
		},
		{
			name: "postmark without tokens",
			mutate: func(c *Config) {
				c.Mail.Enabled = true
				c.Mail.Provider = "postmark"
			},
			wantErr: "server_token",
		},
		{
			name: "mail dev provider needs no tokens",
			mutate: func(c *Config) {
				c.Mail.Enabled = true
				c.Mail.Provider = "dev"
			},
		},
		{
			name: "bad log format",
			mutate: func(c *Config) {
				c.Log.Format = "xml"
			},
			wantErr: "log.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLog_SlogLevel(t *testing.T) {
	assert.Equal(t, "INFO", Log{Level: "info"}.SlogLevel().String())
	assert.Equal(t, "DEBUG", Log{Level: "DEBUG"}.SlogLevel().String())
	assert.Equal(t, "WARN", Log{Level: "warn"}.SlogLevel().String())
	assert.Equal(t, "ERROR", Log{Level: "error"}.SlogLevel().String())
	assert.Equal(t, "INFO", Log{Level: "verbose"}.SlogLevel().String())
}
