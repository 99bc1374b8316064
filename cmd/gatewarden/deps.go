// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/holomush/gatewarden/internal/auth"
	"github.com/holomush/gatewarden/internal/mail"
	"github.com/holomush/gatewarden/internal/observability"
	"github.com/holomush/gatewarden/internal/storage"
	"github.com/holomush/gatewarden/internal/storage/file"
	"github.com/holomush/gatewarden/internal/storage/postgres"
)

// ServeDeps contains injectable dependencies for the serve command.
// All fields with nil values use their default implementations.
type ServeDeps struct {
	// DurableOpener opens the PostgreSQL backend.
	// Default: postgres.Open
	DurableOpener func(ctx context.Context, dsn string) (storage.Backend, error)

	// FileOpener opens the snapshot backend.
	// Default: file.Open
	FileOpener func(path string, logger *slog.Logger) (storage.Backend, error)

	// SenderFactory creates the notification gateway.
	// Default: postmark or dev sender per the mail config
	SenderFactory func(provider string, cfg mail.Config, logger *slog.Logger) (mail.Sender, error)

	// ObservabilityServerFactory creates the metrics/health server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, status observability.StatusFunc) ObservabilityServer

	// Host receives the wired coordinator and dispatcher once the service
	// is up. The embedding world adapter hangs its session lifecycle off
	// this hook. Default: nil (serve just blocks until interrupted).
	Host func(ctx context.Context, c *auth.Coordinator, d *auth.Dispatcher) error
}

func (d *ServeDeps) applyDefaults() {
	if d.DurableOpener == nil {
		d.DurableOpener = func(ctx context.Context, dsn string) (storage.Backend, error) {
			return postgres.Open(ctx, dsn)
		}
	}
	if d.FileOpener == nil {
		d.FileOpener = func(path string, logger *slog.Logger) (storage.Backend, error) {
			return file.Open(path, logger)
		}
	}
	if d.SenderFactory == nil {
		d.SenderFactory = func(provider string, cfg mail.Config, logger *slog.Logger) (mail.Sender, error) {
			if provider == "postmark" {
				return mail.NewPostmarkSender(cfg)
			}
			return mail.NewDevSender(logger), nil
		}
	}
	if d.ObservabilityServerFactory == nil {
		d.ObservabilityServerFactory = func(addr string, status observability.StatusFunc) ObservabilityServer {
			return observability.NewServer(addr, status)
		}
	}
}

// ObservabilityServer interface wraps the methods used from
// observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}
