// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads and validates the Gatewarden configuration from
// defaults, an optional YAML file, and command-line flags, in that order.
package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/gatewarden/internal/storage"
)

// Storage selects and parameterizes the persistence backend.
type Storage struct {
	// Mode is "durable" or "file". Durable mode needs DatabaseURL and
	// degrades to file mode when the database is unreachable at startup.
	Mode string `koanf:"mode"`

	DatabaseURL  string `koanf:"database_url"`
	SnapshotPath string `koanf:"snapshot_path"`
}

// Argon2 is the credential codec work factor.
type Argon2 struct {
	Time      uint32 `koanf:"time"`
	MemoryKiB uint32 `koanf:"memory_kib"`
	Threads   uint8  `koanf:"threads"`
}

// Auth holds the gatekeeping policy.
type Auth struct {
	MinPasswordLength int           `koanf:"min_password_length"`
	MaxAttempts       int           `koanf:"max_attempts"`
	LockoutDuration   time.Duration `koanf:"lockout_duration"`
	ConfirmTokenTTL   time.Duration `koanf:"confirm_token_ttl"`
	ResetTokenTTL     time.Duration `koanf:"reset_token_ttl"`
	AntiSharing       bool          `koanf:"anti_sharing"`
	IPLocking         bool          `koanf:"ip_locking"`
	AnchorWorld       string        `koanf:"anchor_world"`
	Argon2            Argon2        `koanf:"argon2"`
}

// Mail configures the notification gateway. Only honored when the durable
// backend is up.
type Mail struct {
	Enabled bool `koanf:"enabled"`

	// Provider is "postmark" or "dev" (logs instead of sending).
	Provider     string `koanf:"provider"`
	ServerToken  string `koanf:"server_token"`
	AccountToken string `koanf:"account_token"`
	Sender       string `koanf:"sender"`
}

// Log configures the structured logger.
type Log struct {
	// Format is "json" or "text".
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// SlogLevel maps the configured level name to a slog.Level. Unknown names
// fall back to info.
func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the full Gatewarden configuration.
type Config struct {
	Storage Storage `koanf:"storage"`
	Auth    Auth    `koanf:"auth"`
	Mail    Mail    `koanf:"mail"`
	Log     Log     `koanf:"log"`

	// MetricsAddr serves health/readiness and Prometheus metrics when set.
	MetricsAddr string `koanf:"metrics_addr"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		Storage: Storage{
			Mode:         string(storage.ModeFile),
			SnapshotPath: "gatewarden.json",
		},
		Auth: Auth{
			MinPasswordLength: 3,
			MaxAttempts:       5,
			LockoutDuration:   5 * time.Minute,
			ConfirmTokenTTL:   30 * time.Minute,
			ResetTokenTTL:     time.Hour,
			AnchorWorld:       "world",
			Argon2: Argon2{
				Time:      1,
				MemoryKiB: 64 * 1024,
				Threads:   4,
			},
		},
		Mail: Mail{Provider: "dev"},
		Log:  Log{Format: "json", Level: "info"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// non-empty), then any flags set on flags. The result is validated.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, oops.Code("CONFIG_FILE_UNREADABLE").
				With("path", path).
				Wrapf(err, "load config file")
		}
	}
	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, oops.Code("CONFIG_FLAGS_INVALID").
				Wrapf(err, "load flag overrides")
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, oops.Code("CONFIG_INVALID").
			Wrapf(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot start.
func (c Config) Validate() error {
	switch storage.Mode(c.Storage.Mode) {
	case storage.ModeDurable:
		if c.Storage.DatabaseURL == "" {
			return oops.Code("CONFIG_INVALID").
				Errorf("storage.database_url is required in durable mode")
		}
		if c.Storage.SnapshotPath == "" {
			return oops.Code("CONFIG_INVALID").
				Errorf("storage.snapshot_path is required (degradation fallback)")
		}
	case storage.ModeFile:
		if c.Storage.SnapshotPath == "" {
			return oops.Code("CONFIG_INVALID").
				Errorf("storage.snapshot_path is required in file mode")
		}
	default:
		return oops.Code("CONFIG_INVALID").
			With("mode", c.Storage.Mode).
			Errorf("storage.mode must be %q or %q", storage.ModeDurable, storage.ModeFile)
	}

	if c.Auth.MinPasswordLength < 1 {
		return oops.Code("CONFIG_INVALID").
			Errorf("auth.min_password_length must be at least 1")
	}
	if c.Auth.MaxAttempts < 1 {
		return oops.Code("CONFIG_INVALID").
			Errorf("auth.max_attempts must be at least 1")
	}
	if c.Auth.LockoutDuration <= 0 || c.Auth.ConfirmTokenTTL <= 0 || c.Auth.ResetTokenTTL <= 0 {
		return oops.Code("CONFIG_INVALID").
			Errorf("auth durations must be positive")
	}
	if c.Auth.Argon2.Time == 0 || c.Auth.Argon2.MemoryKiB == 0 || c.Auth.Argon2.Threads == 0 {
		return oops.Code("CONFIG_INVALID").
			Errorf("auth.argon2 work factor fields must be positive")
	}

	if c.Mail.Enabled {
		switch c.Mail.Provider {
		case "dev":
		case "postmark":
			if c.Mail.ServerToken == "" || c.Mail.AccountToken == "" || c.Mail.Sender == "" {
				return oops.Code("CONFIG_INVALID").
					Errorf("mail.server_token, mail.account_token and mail.sender are required for postmark")
			}
		default:
			return oops.Code("CONFIG_INVALID").
				With("provider", c.Mail.Provider).
				Errorf("mail.provider must be \"postmark\" or \"dev\"")
		}
	}

	if c.Log.Format != "json" && c.Log.Format != "text" {
		return oops.Code("CONFIG_INVALID").
			With("format", c.Log.Format).
			Errorf("log.format must be \"json\" or \"text\"")
	}
	return nil
}
