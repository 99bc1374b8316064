// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/holomush/gatewarden/internal/mail"
	"github.com/holomush/gatewarden/internal/storage"
	"github.com/holomush/gatewarden/internal/world"
)

// Policy holds the tunable auth rules. Zero values are replaced by the
// defaults at construction.
type Policy struct {
	// MinPasswordLength rejects shorter passwords on register and reset.
	MinPasswordLength int

	// MaxAttempts is the failed-login count that triggers a lockout.
	MaxAttempts int

	// LockoutDuration is how long a triggered lockout denies the account
	// and the source IP.
	LockoutDuration time.Duration

	// ConfirmTokenTTL bounds email confirmation tokens.
	ConfirmTokenTTL time.Duration

	// ResetTokenTTL bounds password reset tokens.
	ResetTokenTTL time.Duration

	// AntiSharing rejects joins for accounts already marked logged in
	// elsewhere. Durable backend only.
	AntiSharing bool

	// IPLocking rejects joins from IPs the account has banned. Durable
	// backend only.
	IPLocking bool
}

// DefaultPolicy returns the stock rules.
func DefaultPolicy() Policy {
	return Policy{
		MinPasswordLength: 3,
		MaxAttempts:       5,
		LockoutDuration:   5 * time.Minute,
		ConfirmTokenTTL:   30 * time.Minute,
		ResetTokenTTL:     60 * time.Minute,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MinPasswordLength <= 0 {
		p.MinPasswordLength = d.MinPasswordLength
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.LockoutDuration <= 0 {
		p.LockoutDuration = d.LockoutDuration
	}
	if p.ConfirmTokenTTL <= 0 {
		p.ConfirmTokenTTL = d.ConfirmTokenTTL
	}
	if p.ResetTokenTTL <= 0 {
		p.ResetTokenTTL = d.ResetTokenTTL
	}
	return p
}

// Metrics receives auth outcome counts. Implemented by the observability
// package; a no-op stands in when none is wired.
type Metrics interface {
	AuthAttempt(outcome string)
	Lockout()
}

type noopMetrics struct{}

func (noopMetrics) AuthAttempt(string) {}
func (noopMetrics) Lockout()           {}

// Coordinator is the auth state machine. It holds every session at the gate
// until it proves a password, drives the lockout tracker, and mediates all
// account access through the storage backend.
//
// Methods are safe for concurrent use across sessions; operations for one
// session are expected to arrive in order (the Dispatcher provides that).
type Coordinator struct {
	store    storage.Backend
	hasher   Hasher
	sender   mail.Sender // nil when mail is not configured
	policy   Policy
	logger   *slog.Logger
	metrics  Metrics
	sessions *sessionTable
	lockouts *LockoutTracker

	anchorWorld string
	now         func() time.Time
}

// CoordinatorOption configures optional Coordinator dependencies.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithSender enables email confirmation and password reset delivery.
func WithSender(s mail.Sender) CoordinatorOption {
	return func(c *Coordinator) { c.sender = s }
}

// WithMetrics wires outcome counters.
func WithMetrics(m Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithAnchorWorld overrides the world name of the holding anchor.
func WithAnchorWorld(name string) CoordinatorOption {
	return func(c *Coordinator) { c.anchorWorld = name }
}

// withClock replaces the time source in tests.
func withClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		c.now = now
		c.lockouts.now = now
	}
}

// NewCoordinator constructs a Coordinator with explicit dependencies.
func NewCoordinator(store storage.Backend, hasher Hasher, policy Policy, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		store:       store,
		hasher:      hasher,
		policy:      policy.withDefaults(),
		logger:      slog.New(slog.DiscardHandler),
		metrics:     noopMetrics{},
		sessions:    newSessionTable(),
		lockouts:    NewLockoutTracker(),
		anchorWorld: world.DefaultWorldName,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// durable reports whether durable-only features can be consulted right now.
func (c *Coordinator) durable(ctx context.Context) bool {
	return c.store.Mode() == storage.ModeDurable && c.store.Connected(ctx)
}

// securityEvent appends to the audit log, tolerating backends without one.
func (c *Coordinator) securityEvent(ctx context.Context, id *uuid.UUID, ip, eventType, details string) {
	err := c.store.LogSecurityEvent(ctx, id, ip, eventType, details)
	if err != nil && !errors.Is(err, storage.ErrUnsupported) {
		c.logger.Warn("security event not recorded",
			slog.String("event_type", eventType), slog.Any("error", err))
	}
}

// OnJoin admits or rejects a joining session. Admitted sessions are held
// restricted at the anchor until Register or Login succeeds; rejected ones
// are disconnected with a reason and the rejection is audit-logged.
func (c *Coordinator) OnJoin(ctx context.Context, conn world.Conn) error {
	id := conn.ID()
	ip := conn.RemoteIP()

	if c.durable(ctx) {
		if c.policy.AntiSharing {
			loggedIn, err := c.store.IsLoggedIn(ctx, id)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				c.logger.Error("anti-sharing check failed",
					slog.String("session_id", id.String()), slog.Any("error", err))
			} else if loggedIn {
				c.securityEvent(ctx, &id, ip, storage.EventAntiSharing,
					"join rejected: account already logged in")
				conn.Disconnect("This account is already logged in.")
				return oops.Code("AUTH_ACCOUNT_IN_USE").
					With("session_id", id.String()).
					Errorf("account already logged in")
			}
		}
		if c.policy.IPLocking {
			restricted, err := c.store.IsIPRestricted(ctx, id, ip)
			if err != nil && !errors.Is(err, storage.ErrUnsupported) {
				c.logger.Error("ip restriction check failed",
					slog.String("session_id", id.String()), slog.Any("error", err))
			} else if restricted {
				c.securityEvent(ctx, &id, ip, storage.EventIPRestricted,
					"join rejected: source address banned for account")
				conn.Disconnect("Connections from this address are not allowed.")
				return oops.Code("AUTH_IP_RESTRICTED").
					With("session_id", id.String()).With("ip", ip).
					Errorf("source address restricted")
			}
		}
	}

	if c.lockouts.AccountLocked(id) || c.lockouts.IPLocked(ip) {
		c.securityEvent(ctx, &id, ip, storage.EventLockoutActive,
			"join rejected: lockout active")
		conn.Disconnect("Too many failed attempts. Try again later.")
		return oops.Code("AUTH_LOCKED_OUT").
			With("session_id", id.String()).With("ip", ip).
			Wrap(ErrLockedOut)
	}

	awaiting := AwaitingLogin
	registered, err := c.store.IsRegistered(ctx, id)
	if err != nil {
		// Backend down is not "unregistered": require a login so the
		// constraint check on CreateAccount remains the last line.
		c.logger.Error("registration lookup failed",
			slog.String("session_id", id.String()), slog.Any("error", err))
	} else if !registered {
		awaiting = AwaitingRegister
	}

	preAuth := conn.Position()
	if c.store.Mode() == storage.ModeFile {
		if pos, ok, perr := c.store.Position(ctx, id); perr == nil && ok {
			preAuth = pos
		}
	}

	st := &sessionState{
		conn:      conn,
		awaiting:  awaiting,
		currentIP: ip,
		preAuth:   preAuth,
	}
	st.restricted.Store(true)
	c.sessions.put(id, st)

	conn.Relocate(world.AnchorPosition(c.anchorWorld))
	conn.SetHover(true)
	if awaiting == AwaitingRegister {
		conn.Send("Welcome! Register with /register <password>.")
	} else {
		conn.Send("Welcome back! Log in with /login <password>.")
	}
	return nil
}

// OnLeave drops the session's transient state. Authenticated sessions are
// marked logged out and, on the file backend, their last position is saved.
func (c *Coordinator) OnLeave(ctx context.Context, sessionID uuid.UUID) {
	st, ok := c.sessions.remove(sessionID)
	if !ok {
		return
	}
	if st.restricted.Load() {
		return
	}
	if c.store.Mode() == storage.ModeFile {
		if err := c.store.SetPosition(ctx, sessionID, st.conn.Position()); err != nil {
			c.logger.Warn("position snapshot failed",
				slog.String("session_id", sessionID.String()), slog.Any("error", err))
		}
	}
	if err := c.store.MarkLoggedOut(ctx, sessionID); err != nil {
		c.logger.Warn("logout mark failed",
			slog.String("session_id", sessionID.String()), slog.Any("error", err))
	}
}

// Register creates the account for a session awaiting registration and
// releases the restriction on success.
func (c *Coordinator) Register(ctx context.Context, sessionID uuid.UUID, password string) error {
	st, ok := c.sessions.get(sessionID)
	if !ok {
		return oops.Code("AUTH_UNKNOWN_SESSION").Wrap(ErrUnknownSession)
	}
	if !st.restricted.Load() || st.awaiting != AwaitingRegister {
		return oops.Code("AUTH_ALREADY_REGISTERED").
			With("session_id", sessionID.String()).
			Wrap(ErrAlreadyRegistered)
	}
	if len(password) < c.policy.MinPasswordLength {
		return oops.Code("AUTH_WEAK_PASSWORD").
			With("min_length", c.policy.MinPasswordLength).
			Wrap(ErrWeakPassword)
	}

	hash, err := c.hasher.Hash(password)
	if err != nil {
		c.logger.Error("password hash failed",
			slog.String("session_id", sessionID.String()), slog.Any("error", err))
		return oops.Code("AUTH_REGISTRATION_FAILED").Wrap(ErrRegistrationFailed)
	}

	acct := &storage.Account{
		ID:           sessionID,
		DisplayName:  st.conn.DisplayName(),
		PasswordHash: hash,
		LastLoginIP:  st.currentIP,
		LoggedIn:     true,
		LastPosition: st.preAuth,
		RegisteredAt: c.now().UTC(),
	}
	if err := c.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, storage.ErrDuplicateAccount) {
			st.awaiting = AwaitingLogin
			return oops.Code("AUTH_ALREADY_REGISTERED").Wrap(ErrAlreadyRegistered)
		}
		c.logger.Error("account create failed",
			slog.String("session_id", sessionID.String()), slog.Any("error", err))
		c.securityEvent(ctx, &sessionID, st.currentIP, storage.EventRegistrationFailed,
			"account create failed")
		c.metrics.AuthAttempt("register_error")
		return oops.Code("AUTH_REGISTRATION_FAILED").Wrap(ErrRegistrationFailed)
	}

	if err := c.store.TrustIP(ctx, sessionID, st.currentIP); err != nil && !errors.Is(err, storage.ErrUnsupported) {
		c.logger.Warn("ip trust failed",
			slog.String("session_id", sessionID.String()), slog.Any("error", err))
	}

	c.metrics.AuthAttempt("register_ok")
	c.admit(ctx, st, sessionID)
	st.conn.Send("Registered. Welcome!")
	return nil
}

// Login verifies the password for a session awaiting login, counting failed
// attempts toward a lockout on the durable backend.
func (c *Coordinator) Login(ctx context.Context, sessionID uuid.UUID, password string) error {
	st, ok := c.sessions.get(sessionID)
	if !ok {
		return oops.Code("AUTH_UNKNOWN_SESSION").Wrap(ErrUnknownSession)
	}
	if !st.restricted.Load() {
		return nil
	}
	if st.awaiting == AwaitingRegister {
		return oops.Code("AUTH_NOT_REGISTERED").
			With("session_id", sessionID.String()).
			Wrap(ErrNotRegistered)
	}

	// Lockouts deny before any password check so a locked attacker learns
	// nothing about the credential.
	if c.lockouts.AccountLocked(sessionID) || c.lockouts.IPLocked(st.currentIP) {
		return oops.Code("AUTH_LOCKED_OUT").
			With("session_id", sessionID.String()).
			Wrap(ErrLockedOut)
	}

	hash, err := c.store.PasswordHash(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			st.awaiting = AwaitingRegister
			return oops.Code("AUTH_NOT_REGISTERED").Wrap(ErrNotRegistered)
		}
		c.logger.Error("credential lookup failed",
			slog.String("session_id", sessionID.String()), slog.Any("error", err))
		c.securityEvent(ctx, &sessionID, st.currentIP, storage.EventCredentialLookup,
			"stored credential unavailable")
		return oops.Code("AUTH_CREDENTIAL_LOOKUP").Wrap(ErrCredentialLookup)
	}

	match, err := c.hasher.Verify(password, hash)
	if err != nil {
		// A malformed stored hash is an operator problem, not a caller
		// error. Count it as a mismatch.
		c.logger.Error("stored hash unreadable",
			slog.String("session_id", sessionID.String()), slog.Any("error", err))
		match = false
	}
	if !match {
		return c.loginFailed(ctx, st, sessionID)
	}

	st.failedAttempts = 0
	if err := c.store.SetLastLoginIP(ctx, sessionID, st.currentIP); err != nil {
		c.logger.Warn("last login ip not recorded",
			slog.String("session_id", sessionID.String()), slog.Any("error", err))
	}
	c.metrics.AuthAttempt("login_ok")
	c.admit(ctx, st, sessionID)
	st.conn.Send("Logged in. Welcome back!")
	return nil
}

// loginFailed counts the miss and triggers a lockout at the threshold.
// Attempt counting only runs against the durable backend; the snapshot
// backend cannot audit it.
func (c *Coordinator) loginFailed(ctx context.Context, st *sessionState, sessionID uuid.UUID) error {
	c.metrics.AuthAttempt("login_failed")
	if !c.durable(ctx) {
		return oops.Code("AUTH_BAD_CREDENTIALS").Wrap(ErrBadCredentials)
	}

	st.failedAttempts++
	c.securityEvent(ctx, &sessionID, st.currentIP, storage.EventLoginFailed,
		"password mismatch")
	if st.failedAttempts < c.policy.MaxAttempts {
		return oops.Code("AUTH_BAD_CREDENTIALS").
			With("attempts", st.failedAttempts).
			Wrap(ErrBadCredentials)
	}

	unlockAt := c.now().Add(c.policy.LockoutDuration)
	c.lockouts.Lock(sessionID, st.currentIP, unlockAt)
	c.metrics.Lockout()
	c.securityEvent(ctx, &sessionID, st.currentIP, storage.EventLockoutTriggered,
		"failed attempt limit reached")
	c.logger.Warn("lockout triggered",
		slog.String("session_id", sessionID.String()),
		slog.String("ip", st.currentIP),
		slog.Time("unlock_at", unlockAt))
	st.conn.Disconnect("Too many failed attempts. Try again later.")
	return oops.Code("AUTH_LOCKED_OUT").
		With("session_id", sessionID.String()).
		Wrap(ErrLockedOut)
}

// admit releases the gate: clears the restriction and puts the session back
// where it was before the anchor hold.
func (c *Coordinator) admit(ctx context.Context, st *sessionState, sessionID uuid.UUID) {
	st.restricted.Store(false)
	st.awaiting = AwaitingLogin
	if err := c.store.MarkLoggedIn(ctx, sessionID); err != nil {
		c.logger.Warn("login mark failed",
			slog.String("session_id", sessionID.String()), slog.Any("error", err))
	}
	st.conn.SetHover(false)
	st.conn.Relocate(st.preAuth)
}

// RequestEmailLink issues (or reissues) an email confirmation token and
// delivers it out of band. Requires the notification gateway and the durable
// backend.
func (c *Coordinator) RequestEmailLink(ctx context.Context, sessionID uuid.UUID, email string) error {
	st, ok := c.sessions.get(sessionID)
	if !ok {
		return oops.Code("AUTH_UNKNOWN_SESSION").Wrap(ErrUnknownSession)
	}
	if c.sender == nil || !c.durable(ctx) {
		return oops.Code("AUTH_FEATURE_UNAVAILABLE").Wrap(ErrFeatureUnavailable)
	}
	if !ValidEmail(email) {
		return oops.Code("AUTH_INVALID_EMAIL").Wrap(ErrInvalidEmail)
	}

	inUse, err := c.store.EmailInUse(ctx, email)
	if err != nil {
		return oops.Code("AUTH_STORAGE_FAILED").Wrap(ErrStorageFailed)
	}
	if inUse {
		return oops.Code("AUTH_EMAIL_IN_USE").Wrap(ErrEmailInUse)
	}

	token, err := GenerateToken()
	if err != nil {
		return oops.Code("AUTH_STORAGE_FAILED").Wrap(ErrStorageFailed)
	}
	expiresAt := c.now().Add(c.policy.ConfirmTokenTTL)
	if err := c.store.PutConfirmationToken(ctx, sessionID, email, token, expiresAt); err != nil {
		return oops.Code("AUTH_STORAGE_FAILED").Wrap(ErrStorageFailed)
	}
	c.securityEvent(ctx, &sessionID, st.currentIP, storage.EventEmailLinkRequested, email)

	subject, body := mail.ConfirmationMessage(st.conn.DisplayName(), token, c.policy.ConfirmTokenTTL)
	if err := c.sender.Deliver(ctx, email, subject, body); err != nil {
		// Token stays stored so a resend simply overwrites it.
		c.logger.Error("confirmation delivery failed",
			slog.String("session_id", sessionID.String()), slog.Any("error", err))
		c.securityEvent(ctx, &sessionID, st.currentIP, storage.EventEmailDeliveryFail, email)
		return oops.Code("AUTH_DELIVERY_FAILED").Wrap(ErrDeliveryFailed)
	}
	return nil
}

// ConfirmEmail commits the pending email when the token matches.
func (c *Coordinator) ConfirmEmail(ctx context.Context, sessionID uuid.UUID, token string) error {
	st, ok := c.sessions.get(sessionID)
	if !ok {
		return oops.Code("AUTH_UNKNOWN_SESSION").Wrap(ErrUnknownSession)
	}

	email, err := c.store.ResolveConfirmationToken(ctx, sessionID, token)
	if err != nil {
		if errors.Is(err, storage.ErrTokenInvalid) {
			return oops.Code("AUTH_TOKEN_INVALID").Wrap(ErrTokenInvalid)
		}
		return oops.Code("AUTH_STORAGE_FAILED").Wrap(ErrStorageFailed)
	}
	if err := c.store.SetEmail(ctx, sessionID, email); err != nil {
		// Another account can claim the address between the pre-check at
		// request time and the commit here.
		if errors.Is(err, storage.ErrEmailInUse) {
			return oops.Code("AUTH_EMAIL_IN_USE").Wrap(ErrEmailInUse)
		}
		return oops.Code("AUTH_STORAGE_FAILED").Wrap(ErrStorageFailed)
	}
	if err := c.store.DeleteConfirmationToken(ctx, sessionID); err != nil {
		c.logger.Warn("confirmation token cleanup failed",
			slog.String("session_id", sessionID.String()), slog.Any("error", err))
	}
	c.securityEvent(ctx, &sessionID, st.currentIP, storage.EventEmailConfirmed, email)
	st.conn.Send("Email confirmed.")
	return nil
}

// RequestPasswordReset issues a reset token to the account's confirmed email.
func (c *Coordinator) RequestPasswordReset(ctx context.Context, sessionID uuid.UUID) error {
	st, ok := c.sessions.get(sessionID)
	if !ok {
		return oops.Code("AUTH_UNKNOWN_SESSION").Wrap(ErrUnknownSession)
	}
	if c.sender == nil || !c.durable(ctx) {
		return oops.Code("AUTH_FEATURE_UNAVAILABLE").Wrap(ErrFeatureUnavailable)
	}

	email, err := c.store.Email(ctx, sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return oops.Code("AUTH_NOT_REGISTERED").Wrap(ErrNotRegistered)
		}
		return oops.Code("AUTH_STORAGE_FAILED").Wrap(ErrStorageFailed)
	}
	if email == "" {
		return oops.Code("AUTH_NO_EMAIL").Wrap(ErrNoEmailOnFile)
	}

	token, err := GenerateToken()
	if err != nil {
		return oops.Code("AUTH_STORAGE_FAILED").Wrap(ErrStorageFailed)
	}
	expiresAt := c.now().Add(c.policy.ResetTokenTTL)
	if err := c.store.PutResetToken(ctx, sessionID, token, expiresAt); err != nil {
		return oops.Code("AUTH_STORAGE_FAILED").Wrap(ErrStorageFailed)
	}
	c.securityEvent(ctx, &sessionID, st.currentIP, storage.EventResetRequested, "")

	subject, body := mail.ResetMessage(st.conn.DisplayName(), token, c.policy.ResetTokenTTL)
	if err := c.sender.Deliver(ctx, email, subject, body); err != nil {
		c.logger.Error("reset delivery failed",
			slog.String("session_id", sessionID.String()), slog.Any("error", err))
		c.securityEvent(ctx, &sessionID, st.currentIP, storage.EventEmailDeliveryFail, "")
		return oops.Code("AUTH_DELIVERY_FAILED").Wrap(ErrDeliveryFailed)
	}
	return nil
}

// ConfirmPasswordReset replaces the password when the reset token matches.
// The caller still has to log in with the new password.
func (c *Coordinator) ConfirmPasswordReset(ctx context.Context, sessionID uuid.UUID, token, newPassword string) error {
	st, ok := c.sessions.get(sessionID)
	if !ok {
		return oops.Code("AUTH_UNKNOWN_SESSION").Wrap(ErrUnknownSession)
	}
	if len(newPassword) < c.policy.MinPasswordLength {
		return oops.Code("AUTH_WEAK_PASSWORD").
			With("min_length", c.policy.MinPasswordLength).
			Wrap(ErrWeakPassword)
	}

	if err := c.store.ResolveResetToken(ctx, sessionID, token); err != nil {
		if errors.Is(err, storage.ErrTokenInvalid) {
			c.securityEvent(ctx, &sessionID, st.currentIP, storage.EventResetFailed,
				"token mismatch or expired")
			return oops.Code("AUTH_TOKEN_INVALID").Wrap(ErrTokenInvalid)
		}
		return oops.Code("AUTH_STORAGE_FAILED").Wrap(ErrStorageFailed)
	}

	hash, err := c.hasher.Hash(newPassword)
	if err != nil {
		c.logger.Error("password hash failed",
			slog.String("session_id", sessionID.String()), slog.Any("error", err))
		return oops.Code("AUTH_STORAGE_FAILED").Wrap(ErrStorageFailed)
	}
	if err := c.store.UpdatePassword(ctx, sessionID, hash); err != nil {
		return oops.Code("AUTH_STORAGE_FAILED").Wrap(ErrStorageFailed)
	}
	if err := c.store.DeleteResetToken(ctx, sessionID); err != nil {
		c.logger.Warn("reset token cleanup failed",
			slog.String("session_id", sessionID.String()), slog.Any("error", err))
	}
	st.failedAttempts = 0
	c.securityEvent(ctx, &sessionID, st.currentIP, storage.EventResetConfirmed, "")
	st.conn.Send("Password changed. Log in with your new password.")
	return nil
}

// IsRestricted is the adapter's pre-action gate: true while the session has
// not authenticated (or is unknown).
func (c *Coordinator) IsRestricted(sessionID uuid.UUID) bool {
	return c.sessions.isRestricted(sessionID)
}
