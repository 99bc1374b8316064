// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package storage defines the persistence contract behind the auth
// Coordinator and the types shared by its two implementations: the durable
// PostgreSQL backend and the degraded local snapshot backend.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/holomush/gatewarden/internal/world"
)

// Mode identifies the capability set of a backend, resolved once at startup.
type Mode string

const (
	// ModeDurable is a relational store surviving restarts and supporting
	// cross-session coordination (anti-sharing, IP trust, audit log).
	ModeDurable Mode = "durable"

	// ModeFile is a local snapshot store. An availability fallback, not a
	// security-equivalent mode: tokens are volatile and the durable-only
	// operations return ErrUnsupported.
	ModeFile Mode = "file"
)

// Sentinel errors for the storage contract.
var (
	// ErrNotFound is returned when a requested record does not exist.
	// Distinct from backend failure: absence-of-data and backend-down must
	// never be conflated.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateAccount is returned by CreateAccount when the identity is
	// already registered.
	ErrDuplicateAccount = errors.New("account already exists")

	// ErrEmailInUse is returned by SetEmail when another account already
	// holds the address. The pre-check in EmailInUse can lose a race, so
	// the write itself carries the verdict.
	ErrEmailInUse = errors.New("email already in use")

	// ErrTokenInvalid is returned when a pending token is absent, does not
	// match, or has expired (expired rows self-delete at read).
	ErrTokenInvalid = errors.New("token invalid or expired")

	// ErrUnsupported is returned by operations the backend's capability set
	// does not cover, so callers can distinguish "checked and clear" from
	// "not checked".
	ErrUnsupported = errors.New("operation not supported by this backend")
)

// Account is a persisted identity record, independent of any live session.
type Account struct {
	ID           uuid.UUID      `json:"-"`
	DisplayName  string         `json:"display_name"`
	PasswordHash string         `json:"password_hash"`
	Email        string         `json:"email,omitempty"`
	LastLoginIP  string         `json:"last_login_ip,omitempty"`
	LoggedIn     bool           `json:"logged_in"`
	LastPosition world.Position `json:"last_position"`
	RegisteredAt time.Time      `json:"registered_at"`
}

// SecurityEvent types recorded in the audit log.
const (
	EventAntiSharing        = "anti_account_sharing"
	EventIPRestricted       = "ip_restricted"
	EventLockoutActive      = "lockout_active"
	EventLockoutTriggered   = "lockout_triggered"
	EventLoginFailed        = "login_failed"
	EventCredentialLookup   = "credential_lookup_failed"
	EventRegistrationFailed = "registration_failed"
	EventEmailLinkRequested = "email_link_requested"
	EventEmailConfirmed     = "email_confirmed"
	EventEmailDeliveryFail  = "email_delivery_failed"
	EventResetRequested     = "password_reset_requested"
	EventResetConfirmed     = "password_reset_confirmed"
	EventResetFailed        = "password_reset_failed"
)

// Backend is the persistence contract. All operations take a context and
// return wrapped errors at the boundary; raw driver errors never escape to
// the Coordinator's callers.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// Mode reports the backend's capability set.
	Mode() Mode

	// Connected reports backend health. The Coordinator checks this before
	// relying on any answer to distinguish "no" from "don't know".
	Connected(ctx context.Context) bool

	// Close releases backend resources.
	Close()

	// Account CRUD.

	// IsRegistered reports whether an account exists for the identity.
	IsRegistered(ctx context.Context, id uuid.UUID) (bool, error)

	// CreateAccount stores a new account. Returns ErrDuplicateAccount if
	// the identity is already registered.
	CreateAccount(ctx context.Context, acct *Account) error

	// PasswordHash returns the stored hash, or ErrNotFound.
	PasswordHash(ctx context.Context, id uuid.UUID) (string, error)

	// UpdatePassword replaces the stored hash.
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error

	// Email returns the confirmed email, or "" when none is linked.
	Email(ctx context.Context, id uuid.UUID) (string, error)

	// SetEmail commits a confirmed email onto the account.
	SetEmail(ctx context.Context, id uuid.UUID, email string) error

	// EmailInUse reports whether any account owns the email
	// (case-insensitive).
	EmailInUse(ctx context.Context, email string) (bool, error)

	// Pending tokens. At most one live token per account and kind; putting
	// a new one invalidates the previous.

	// PutConfirmationToken stores a pending email confirmation.
	PutConfirmationToken(ctx context.Context, id uuid.UUID, email, token string, expiresAt time.Time) error

	// ResolveConfirmationToken returns the unconfirmed email for a matching
	// unexpired token, or ErrTokenInvalid. Expired tokens self-delete.
	ResolveConfirmationToken(ctx context.Context, id uuid.UUID, token string) (string, error)

	// DeleteConfirmationToken removes the pending confirmation, if any.
	DeleteConfirmationToken(ctx context.Context, id uuid.UUID) error

	// PutResetToken stores a pending password reset, replacing any prior.
	PutResetToken(ctx context.Context, id uuid.UUID, token string, expiresAt time.Time) error

	// ResolveResetToken succeeds when the token matches and is unexpired;
	// returns ErrTokenInvalid otherwise. Expired tokens self-delete.
	ResolveResetToken(ctx context.Context, id uuid.UUID, token string) error

	// DeleteResetToken removes the pending reset, if any.
	DeleteResetToken(ctx context.Context, id uuid.UUID) error

	// Login-state flag. Only the durable backend gives meaningful
	// anti-sharing semantics; the file backend tracks the flag without
	// enforcing cross-session exclusivity.

	MarkLoggedIn(ctx context.Context, id uuid.UUID) error
	MarkLoggedOut(ctx context.Context, id uuid.UUID) error
	IsLoggedIn(ctx context.Context, id uuid.UUID) (bool, error)

	// SetLastLoginIP records the source address of the latest login.
	SetLastLoginIP(ctx context.Context, id uuid.UUID, ip string) error

	// Position snapshot. The file backend is the source of last-known
	// positions; the durable backend stores them for parity.

	Position(ctx context.Context, id uuid.UUID) (world.Position, bool, error)
	SetPosition(ctx context.Context, id uuid.UUID, pos world.Position) error

	// IP trust list. Durable only; the file backend returns ErrUnsupported.

	IsIPRestricted(ctx context.Context, id uuid.UUID, ip string) (bool, error)
	TrustIP(ctx context.Context, id uuid.UUID, ip string) error
	BanIP(ctx context.Context, id uuid.UUID, ip string) error

	// LogSecurityEvent appends to the audit log. Durable only; the file
	// backend returns ErrUnsupported. id is nil for IP-only events.
	LogSecurityEvent(ctx context.Context, id *uuid.UUID, ip, eventType, details string) error
}
