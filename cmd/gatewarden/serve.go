// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"

	"github.com/holomush/gatewarden/internal/auth"
	"github.com/holomush/gatewarden/internal/config"
	"github.com/holomush/gatewarden/internal/logging"
	"github.com/holomush/gatewarden/internal/mail"
	"github.com/holomush/gatewarden/internal/storage"
)

// reconnectDelay is the pause before the single durable-backend reconnect
// attempt.
const reconnectDelay = 3 * time.Second

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gatekeeper service",
		Long: `Start the gatekeeper: open the configured storage backend (degrading
to the local snapshot file if the database is unreachable), wire the auth
coordinator, and serve health/metrics endpoints until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), cmd, nil)
		},
	}

	// Flag names mirror the config keys so posflag can overlay them, and
	// flag defaults mirror config.Default so unchanged flags never clobber
	// file values.
	d := config.Default()
	cmd.Flags().String("storage.mode", d.Storage.Mode, "storage mode (durable or file)")
	cmd.Flags().String("storage.database_url", "", "PostgreSQL URL for durable mode")
	cmd.Flags().String("storage.snapshot_path", d.Storage.SnapshotPath, "snapshot file path")
	cmd.Flags().String("log.format", d.Log.Format, "log format (json or text)")
	cmd.Flags().String("log.level", d.Log.Level, "log level (debug, info, warn, error)")
	cmd.Flags().String("metrics_addr", "", "metrics/health HTTP address (empty = disabled)")

	return cmd
}

// runServe starts the service with injectable dependencies. If deps is nil,
// default implementations are used.
func runServe(ctx context.Context, cmd *cobra.Command, deps *ServeDeps) error {
	if deps == nil {
		deps = &ServeDeps{}
	}
	deps.applyDefaults()

	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	logging.SetDefault(logging.Options{
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.SlogLevel(),
	})
	logger := slog.Default()

	backend, err := openBackend(ctx, cfg, deps, logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Coordinator metrics come from the observability server when one is
	// configured.
	var metrics auth.Metrics
	var obsServer ObservabilityServer
	if cfg.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.MetricsAddr, func(ctx context.Context) (storage.Mode, bool) {
			return backend.Mode(), backend.Connected(ctx)
		})
		obsErrCh, startErr := obsServer.Start()
		if startErr != nil {
			return oops.Code("OBSERVABILITY_START_FAILED").Wrap(startErr)
		}
		defer func() {
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer stopCancel()
			if stopErr := obsServer.Stop(stopCtx); stopErr != nil {
				logger.Warn("observability server stop failed", "error", stopErr)
			}
		}()
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
		metrics = obsServer.Metrics()
	}

	coordinator := buildCoordinator(cfg, backend, deps, logger, metrics)
	dispatcher := auth.NewDispatcher()
	defer dispatcher.Close()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Gatewarden started")
	logger.Info("gatekeeper ready",
		"storage_mode", string(backend.Mode()),
		"mail_enabled", cfg.Mail.Enabled,
	)

	hostErrCh := make(chan error, 1)
	if deps.Host != nil {
		go func() {
			hostErrCh <- deps.Host(ctx, coordinator, dispatcher)
		}()
	}

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-hostErrCh:
		if err != nil {
			return oops.Code("HOST_FAILED").Wrap(err)
		}
		logger.Info("host adapter finished")
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}
	return nil
}

// openBackend opens the configured backend. Durable mode gets exactly one
// bounded reconnect attempt; if the database is still unreachable the
// process degrades to the snapshot file for its lifetime.
func openBackend(ctx context.Context, cfg config.Config, deps *ServeDeps, logger *slog.Logger) (storage.Backend, error) {
	if storage.Mode(cfg.Storage.Mode) != storage.ModeDurable {
		return deps.FileOpener(cfg.Storage.SnapshotPath, logger)
	}

	var backend storage.Backend
	backoff := retry.WithMaxRetries(1, retry.NewConstant(reconnectDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		b, openErr := deps.DurableOpener(ctx, cfg.Storage.DatabaseURL)
		if openErr != nil {
			logger.Warn("database connection failed", "error", openErr)
			return retry.RetryableError(openErr)
		}
		backend = b
		return nil
	})
	if err == nil {
		logger.Info("durable backend connected")
		return backend, nil
	}

	logging.Error(logger, "database unreachable, degrading to snapshot file storage for this run", err)
	return deps.FileOpener(cfg.Storage.SnapshotPath, logger)
}

// buildCoordinator wires the auth state machine from the loaded config.
func buildCoordinator(cfg config.Config, backend storage.Backend, deps *ServeDeps, logger *slog.Logger, metrics auth.Metrics) *auth.Coordinator {
	hasher := auth.NewArgon2idHasher(auth.Argon2Params{
		Time:    cfg.Auth.Argon2.Time,
		Memory:  cfg.Auth.Argon2.MemoryKiB,
		Threads: cfg.Auth.Argon2.Threads,
	})
	policy := auth.Policy{
		MinPasswordLength: cfg.Auth.MinPasswordLength,
		MaxAttempts:       cfg.Auth.MaxAttempts,
		LockoutDuration:   cfg.Auth.LockoutDuration,
		ConfirmTokenTTL:   cfg.Auth.ConfirmTokenTTL,
		ResetTokenTTL:     cfg.Auth.ResetTokenTTL,
		AntiSharing:       cfg.Auth.AntiSharing,
		IPLocking:         cfg.Auth.IPLocking,
	}

	opts := []auth.CoordinatorOption{
		auth.WithLogger(logger),
		auth.WithAnchorWorld(cfg.Auth.AnchorWorld),
	}
	if metrics != nil {
		opts = append(opts, auth.WithMetrics(metrics))
	}

	// Email features need the durable backend; a volatile token store would
	// present a confirmation flow it cannot honor across restarts.
	if cfg.Mail.Enabled && backend.Mode() == storage.ModeDurable {
		sender, err := deps.SenderFactory(cfg.Mail.Provider, mail.Config{
			ServerToken:  cfg.Mail.ServerToken,
			AccountToken: cfg.Mail.AccountToken,
			Sender:       cfg.Mail.Sender,
		}, logger)
		if err != nil {
			logging.Error(logger, "mail sender unavailable, email features disabled", err)
		} else {
			opts = append(opts, auth.WithSender(sender))
		}
	} else if cfg.Mail.Enabled {
		logger.Warn("mail enabled but durable backend is down, email features disabled")
	}

	return auth.NewCoordinator(backend, hasher, policy, opts...)
}

// monitorServerErrors cancels the run context when a background server
// reports a fatal error.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, name string) {
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			slog.Error("background server failed", "server", name, "error", err)
			cancel()
		}
	case <-ctx.Done():
	}
}
