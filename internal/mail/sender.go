// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package mail abstracts out-of-band message delivery for email
// confirmation and password reset flows.
package mail

import (
	"context"
	"fmt"
	"time"
)

// Sender delivers a message to an address.
type Sender interface {
	Deliver(ctx context.Context, to, subject, body string) error
}

// ConfirmationMessage renders the email-confirmation message body.
func ConfirmationMessage(displayName, token string, ttl time.Duration) (subject, body string) {
	subject = "Gatewarden Email Confirmation"
	body = fmt.Sprintf(
		"Hello %s,\n\n"+
			"You requested to link this email to your account.\n"+
			"Confirm it in-world with:\n\n"+
			"/confirmemail %s\n\n"+
			"This token expires in %d minutes.\n\n"+
			"If you did not request this, you can safely ignore this message.\n",
		displayName, token, int(ttl.Minutes()),
	)
	return subject, body
}

// ResetMessage renders the password-reset message body.
func ResetMessage(displayName, token string, ttl time.Duration) (subject, body string) {
	subject = "Gatewarden Password Reset"
	body = fmt.Sprintf(
		"Hello %s,\n\n"+
			"You requested a password reset for your account.\n"+
			"Complete it in-world with:\n\n"+
			"/resetconfirm %s <new_password> <confirm_new_password>\n\n"+
			"This token expires in %d minutes.\n\n"+
			"If you did not request this, you can safely ignore this message.\n",
		displayName, token, int(ttl.Minutes()),
	)
	return subject, body
}
