// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"crypto/rand"
	"encoding/hex"
	"net/mail"
	"strings"

	"github.com/samber/oops"
)

// TokenBytes is the length of a pending token before hex encoding.
// 16 bytes = 32 hex chars, long enough to type from an email.
const TokenBytes = 16

// GenerateToken creates a cryptographically random opaque token for email
// confirmation and password reset flows.
func GenerateToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", oops.Code("AUTH_TOKEN_GENERATE_FAILED").Wrap(err)
	}
	return hex.EncodeToString(buf), nil
}

// ValidEmail performs a syntactic check on an email address. The address
// must parse as a bare RFC 5322 address (no display name) and carry a
// domain with at least one dot.
func ValidEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return false
	}
	at := strings.LastIndex(email, "@")
	return at > 0 && strings.Contains(email[at+1:], ".")
}
