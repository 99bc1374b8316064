// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package mail

import (
	"context"
	"log/slog"
)

// DevSender logs messages instead of delivering them. For local runs where
// no provider is configured.
type DevSender struct {
	logger *slog.Logger
}

// NewDevSender creates a DevSender logging to the given logger.
func NewDevSender(logger *slog.Logger) *DevSender {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DevSender{logger: logger}
}

// Deliver logs the message and reports success.
func (s *DevSender) Deliver(_ context.Context, to, subject, body string) error {
	s.logger.Info("dev mail delivery",
		"to", to,
		"subject", subject,
		"body", body,
	)
	return nil
}

// Compile-time interface check.
var _ Sender = (*DevSender)(nil)
