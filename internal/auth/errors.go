// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import "errors"

// Sentinel errors for the Coordinator's operations. Callers branch with
// errors.Is; the returned errors additionally carry oops codes and context
// for structured logging.
var (
	// Policy violations: user-correctable, surfaced verbatim.
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNotRegistered     = errors.New("not registered")
	ErrWeakPassword      = errors.New("password does not meet the minimum length")
	ErrInvalidEmail      = errors.New("invalid email address")
	ErrEmailInUse        = errors.New("email already linked to another account")
	ErrNoEmailOnFile     = errors.New("no confirmed email on file")

	// Auth failures: surfaced; bad credentials also drive lockout accounting.
	ErrBadCredentials = errors.New("incorrect password")
	ErrTokenInvalid   = errors.New("token invalid or expired")

	// ErrLockedOut is returned while an account or IP lockout is active.
	ErrLockedOut = errors.New("temporarily locked out")

	// ErrFeatureUnavailable is returned when an operation needs the durable
	// backend or the notification gateway and neither is configured.
	ErrFeatureUnavailable = errors.New("feature unavailable")

	// Backend failures: surfaced as generic failures, logged for operators.
	// Never conflated with "account does not exist".
	ErrRegistrationFailed = errors.New("registration failed")
	ErrCredentialLookup   = errors.New("could not load stored credentials")
	ErrDeliveryFailed     = errors.New("could not deliver message")
	ErrStorageFailed      = errors.New("storage operation failed")

	// ErrUnknownSession is returned for operations on a session that never
	// joined (or already left).
	ErrUnknownSession = errors.New("unknown session")
)
