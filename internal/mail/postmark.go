// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package mail

import (
	"context"

	"github.com/mrz1836/postmark"
	"github.com/samber/oops"
)

// Config holds Postmark credentials and the sender identity.
type Config struct {
	ServerToken  string
	AccountToken string
	Sender       string // from address
}

// PostmarkSender implements Sender using Postmark's transactional API.
type PostmarkSender struct {
	client *postmark.Client
	sender string
}

// NewPostmarkSender creates a Postmark-backed sender. All fields are
// required; misconfiguration fails at startup rather than on first send.
func NewPostmarkSender(cfg Config) (*PostmarkSender, error) {
	if cfg.ServerToken == "" {
		return nil, oops.Code("MAIL_CONFIG_INVALID").Errorf("server token is required")
	}
	if cfg.AccountToken == "" {
		return nil, oops.Code("MAIL_CONFIG_INVALID").Errorf("account token is required")
	}
	if cfg.Sender == "" {
		return nil, oops.Code("MAIL_CONFIG_INVALID").Errorf("sender address is required")
	}
	return &PostmarkSender{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		sender: cfg.Sender,
	}, nil
}

// Deliver sends a plain-text message. Provider failures surface as plain
// errors; the coordinator owns the user-facing delivery sentinel.
func (s *PostmarkSender) Deliver(ctx context.Context, to, subject, body string) error {
	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:     s.sender,
		To:       to,
		Subject:  subject,
		TextBody: body,
	})
	if err != nil {
		return oops.Code("MAIL_DELIVERY_FAILED").
			With("to", to).
			With("subject", subject).
			Wrap(err)
	}
	if resp.ErrorCode > 0 {
		return oops.Code("MAIL_DELIVERY_FAILED").
			With("to", to).
			With("subject", subject).
			With("provider_code", resp.ErrorCode).
			Errorf("provider rejected message")
	}
	return nil
}

// Compile-time interface check.
var _ Sender = (*PostmarkSender)(nil)
