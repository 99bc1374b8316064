// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package postgres implements the durable storage backend. It carries the
// full capability set: account CRUD, login-state coordination, pending
// tokens, the IP trust list, and the append-only security event log.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/gatewarden/internal/storage"
	"github.com/holomush/gatewarden/internal/world"
)

// connectedTimeout bounds the health-check ping so a dead backend cannot
// stall the caller.
const connectedTimeout = 2 * time.Second

// poolIface abstracts pgxpool.Pool so pgxmock can stand in for tests.
type poolIface interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// Backend implements storage.Backend using PostgreSQL.
type Backend struct {
	pool poolIface
}

// Open connects to the database at dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").Wrap(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, oops.Code("DB_PING_FAILED").Wrap(err)
	}
	return &Backend{pool: pool}, nil
}

// NewBackend wraps an existing pool. Used by tests with pgxmock.
func NewBackend(pool poolIface) *Backend {
	return &Backend{pool: pool}
}

// Mode reports the backend's capability set.
func (b *Backend) Mode() storage.Mode { return storage.ModeDurable }

// Connected pings the pool with a short timeout.
func (b *Backend) Connected(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, connectedTimeout)
	defer cancel()
	return b.pool.Ping(ctx) == nil
}

// Close closes the connection pool.
func (b *Backend) Close() {
	b.pool.Close()
}

// IsRegistered reports whether an account exists for the identity.
func (b *Backend) IsRegistered(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := b.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, oops.Code("ACCOUNT_LOOKUP_FAILED").
			With("operation", "is registered").
			With("id", id.String()).
			Wrap(err)
	}
	return exists, nil
}

// CreateAccount stores a new account. A unique violation maps to
// storage.ErrDuplicateAccount.
func (b *Backend) CreateAccount(ctx context.Context, acct *storage.Account) error {
	posJSON, err := marshalPosition(acct.LastPosition)
	if err != nil {
		return err
	}

	registeredAt := acct.RegisteredAt
	if registeredAt.IsZero() {
		registeredAt = time.Now().UTC()
	}

	_, err = b.pool.Exec(ctx, `
		INSERT INTO accounts (id, display_name, password_hash, email, last_login_ip, logged_in, last_position, registered_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
	`,
		acct.ID,
		acct.DisplayName,
		acct.PasswordHash,
		acct.Email,
		acct.LastLoginIP,
		acct.LoggedIn,
		posJSON,
		registeredAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("ACCOUNT_DUPLICATE").
				With("id", acct.ID.String()).
				Wrap(storage.ErrDuplicateAccount)
		}
		return oops.Code("ACCOUNT_CREATE_FAILED").
			With("id", acct.ID.String()).
			With("display_name", acct.DisplayName).
			Wrap(err)
	}
	return nil
}

// PasswordHash returns the stored hash, or storage.ErrNotFound.
func (b *Backend) PasswordHash(ctx context.Context, id uuid.UUID) (string, error) {
	var hash string
	err := b.pool.QueryRow(ctx,
		`SELECT password_hash FROM accounts WHERE id = $1`, id).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(storage.ErrNotFound)
	}
	if err != nil {
		return "", oops.Code("PASSWORD_HASH_LOOKUP_FAILED").With("id", id.String()).Wrap(err)
	}
	return hash, nil
}

// UpdatePassword replaces the stored hash.
func (b *Backend) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE accounts SET password_hash = $2 WHERE id = $1`, id, hash)
	if err != nil {
		return oops.Code("PASSWORD_UPDATE_FAILED").With("id", id.String()).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(storage.ErrNotFound)
	}
	return nil
}

// Email returns the confirmed email, or "" when none is linked.
func (b *Backend) Email(ctx context.Context, id uuid.UUID) (string, error) {
	var email *string
	err := b.pool.QueryRow(ctx,
		`SELECT email FROM accounts WHERE id = $1`, id).Scan(&email)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(storage.ErrNotFound)
	}
	if err != nil {
		return "", oops.Code("EMAIL_LOOKUP_FAILED").With("id", id.String()).Wrap(err)
	}
	if email == nil {
		return "", nil
	}
	return *email, nil
}

// SetEmail commits a confirmed email onto the account.
func (b *Backend) SetEmail(ctx context.Context, id uuid.UUID, email string) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE accounts SET email = $2 WHERE id = $1`, id, email)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return oops.Code("EMAIL_IN_USE").With("id", id.String()).Wrap(storage.ErrEmailInUse)
		}
		return oops.Code("EMAIL_SET_FAILED").With("id", id.String()).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(storage.ErrNotFound)
	}
	return nil
}

// EmailInUse reports whether any account owns the email (case-insensitive).
func (b *Backend) EmailInUse(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := b.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE LOWER(email) = LOWER($1))`, email).Scan(&exists)
	if err != nil {
		return false, oops.Code("EMAIL_LOOKUP_FAILED").Wrap(err)
	}
	return exists, nil
}

// PutConfirmationToken stores a pending email confirmation, replacing any
// prior one for the account.
func (b *Backend) PutConfirmationToken(ctx context.Context, id uuid.UUID, email, token string, expiresAt time.Time) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO email_confirmation_tokens (account_id, email, token, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO UPDATE
		SET email = EXCLUDED.email, token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
	`, id, email, token, expiresAt)
	if err != nil {
		return oops.Code("CONFIRM_TOKEN_PUT_FAILED").With("id", id.String()).Wrap(err)
	}
	return nil
}

// ResolveConfirmationToken returns the unconfirmed email for a matching
// unexpired token. Expired rows are deleted at read.
func (b *Backend) ResolveConfirmationToken(ctx context.Context, id uuid.UUID, token string) (string, error) {
	var email string
	var expiresAt time.Time
	err := b.pool.QueryRow(ctx,
		`SELECT email, expires_at FROM email_confirmation_tokens WHERE account_id = $1 AND token = $2`,
		id, token).Scan(&email, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", oops.Code("TOKEN_INVALID").With("id", id.String()).Wrap(storage.ErrTokenInvalid)
	}
	if err != nil {
		return "", oops.Code("CONFIRM_TOKEN_LOOKUP_FAILED").With("id", id.String()).Wrap(err)
	}
	if !time.Now().Before(expiresAt) {
		_ = b.DeleteConfirmationToken(ctx, id) //nolint:errcheck // Lazy expiry cleanup; the read already failed
		return "", oops.Code("TOKEN_EXPIRED").With("id", id.String()).Wrap(storage.ErrTokenInvalid)
	}
	return email, nil
}

// DeleteConfirmationToken removes the pending confirmation, if any.
func (b *Backend) DeleteConfirmationToken(ctx context.Context, id uuid.UUID) error {
	_, err := b.pool.Exec(ctx,
		`DELETE FROM email_confirmation_tokens WHERE account_id = $1`, id)
	if err != nil {
		return oops.Code("CONFIRM_TOKEN_DELETE_FAILED").With("id", id.String()).Wrap(err)
	}
	return nil
}

// PutResetToken stores a pending password reset, replacing any prior one.
func (b *Backend) PutResetToken(ctx context.Context, id uuid.UUID, token string, expiresAt time.Time) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO password_reset_tokens (account_id, token, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id) DO UPDATE
		SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
	`, id, token, expiresAt)
	if err != nil {
		return oops.Code("RESET_TOKEN_PUT_FAILED").With("id", id.String()).Wrap(err)
	}
	return nil
}

// ResolveResetToken succeeds when the token matches and is unexpired.
// Expired rows are deleted at read.
func (b *Backend) ResolveResetToken(ctx context.Context, id uuid.UUID, token string) error {
	var expiresAt time.Time
	err := b.pool.QueryRow(ctx,
		`SELECT expires_at FROM password_reset_tokens WHERE account_id = $1 AND token = $2`,
		id, token).Scan(&expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return oops.Code("TOKEN_INVALID").With("id", id.String()).Wrap(storage.ErrTokenInvalid)
	}
	if err != nil {
		return oops.Code("RESET_TOKEN_LOOKUP_FAILED").With("id", id.String()).Wrap(err)
	}
	if !time.Now().Before(expiresAt) {
		_ = b.DeleteResetToken(ctx, id) //nolint:errcheck // Lazy expiry cleanup; the read already failed
		return oops.Code("TOKEN_EXPIRED").With("id", id.String()).Wrap(storage.ErrTokenInvalid)
	}
	return nil
}

// DeleteResetToken removes the pending reset, if any.
func (b *Backend) DeleteResetToken(ctx context.Context, id uuid.UUID) error {
	_, err := b.pool.Exec(ctx,
		`DELETE FROM password_reset_tokens WHERE account_id = $1`, id)
	if err != nil {
		return oops.Code("RESET_TOKEN_DELETE_FAILED").With("id", id.String()).Wrap(err)
	}
	return nil
}

// MarkLoggedIn sets the login flag, the durable anti-sharing signal.
func (b *Backend) MarkLoggedIn(ctx context.Context, id uuid.UUID) error {
	return b.setLoggedIn(ctx, id, true)
}

// MarkLoggedOut clears the login flag.
func (b *Backend) MarkLoggedOut(ctx context.Context, id uuid.UUID) error {
	return b.setLoggedIn(ctx, id, false)
}

func (b *Backend) setLoggedIn(ctx context.Context, id uuid.UUID, loggedIn bool) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE accounts SET logged_in = $2 WHERE id = $1`, id, loggedIn)
	if err != nil {
		return oops.Code("LOGIN_FLAG_UPDATE_FAILED").With("id", id.String()).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(storage.ErrNotFound)
	}
	return nil
}

// IsLoggedIn reports whether the account is marked logged in elsewhere.
func (b *Backend) IsLoggedIn(ctx context.Context, id uuid.UUID) (bool, error) {
	var loggedIn bool
	err := b.pool.QueryRow(ctx,
		`SELECT logged_in FROM accounts WHERE id = $1`, id).Scan(&loggedIn)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, oops.Code("LOGIN_FLAG_LOOKUP_FAILED").With("id", id.String()).Wrap(err)
	}
	return loggedIn, nil
}

// SetLastLoginIP records the source address of the latest login.
func (b *Backend) SetLastLoginIP(ctx context.Context, id uuid.UUID, ip string) error {
	tag, err := b.pool.Exec(ctx,
		`UPDATE accounts SET last_login_ip = $2 WHERE id = $1`, id, ip)
	if err != nil {
		return oops.Code("LAST_IP_UPDATE_FAILED").With("id", id.String()).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(storage.ErrNotFound)
	}
	return nil
}

// Position returns the last-known position snapshot.
func (b *Backend) Position(ctx context.Context, id uuid.UUID) (world.Position, bool, error) {
	var posJSON []byte
	err := b.pool.QueryRow(ctx,
		`SELECT last_position FROM accounts WHERE id = $1`, id).Scan(&posJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return world.Position{}, false, nil
	}
	if err != nil {
		return world.Position{}, false, oops.Code("POSITION_LOOKUP_FAILED").With("id", id.String()).Wrap(err)
	}
	if len(posJSON) == 0 {
		return world.Position{}, false, nil
	}
	var pos world.Position
	if err := json.Unmarshal(posJSON, &pos); err != nil {
		return world.Position{}, false, oops.Code("POSITION_DECODE_FAILED").With("id", id.String()).Wrap(err)
	}
	return pos, !pos.IsZero(), nil
}

// SetPosition stores the last-known position snapshot.
func (b *Backend) SetPosition(ctx context.Context, id uuid.UUID, pos world.Position) error {
	posJSON, err := marshalPosition(pos)
	if err != nil {
		return err
	}
	tag, err := b.pool.Exec(ctx,
		`UPDATE accounts SET last_position = $2 WHERE id = $1`, id, posJSON)
	if err != nil {
		return oops.Code("POSITION_UPDATE_FAILED").With("id", id.String()).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(storage.ErrNotFound)
	}
	return nil
}

// IsIPRestricted reports whether the IP is explicitly distrusted for the
// account. Unknown IPs are not restricted.
func (b *Backend) IsIPRestricted(ctx context.Context, id uuid.UUID, ip string) (bool, error) {
	var trusted bool
	err := b.pool.QueryRow(ctx,
		`SELECT trusted FROM ip_restrictions WHERE account_id = $1 AND ip = $2`, id, ip).Scan(&trusted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, oops.Code("IP_RESTRICTION_LOOKUP_FAILED").With("id", id.String()).With("ip", ip).Wrap(err)
	}
	return !trusted, nil
}

// TrustIP marks the IP as trusted for the account.
func (b *Backend) TrustIP(ctx context.Context, id uuid.UUID, ip string) error {
	return b.setIPTrust(ctx, id, ip, true)
}

// BanIP marks the IP as distrusted for the account.
func (b *Backend) BanIP(ctx context.Context, id uuid.UUID, ip string) error {
	return b.setIPTrust(ctx, id, ip, false)
}

func (b *Backend) setIPTrust(ctx context.Context, id uuid.UUID, ip string, trusted bool) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO ip_restrictions (account_id, ip, trusted)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, ip) DO UPDATE SET trusted = EXCLUDED.trusted
	`, id, ip, trusted)
	if err != nil {
		return oops.Code("IP_TRUST_UPDATE_FAILED").With("id", id.String()).With("ip", ip).Wrap(err)
	}
	return nil
}

// LogSecurityEvent appends to the audit log. id is nil for IP-only events.
func (b *Backend) LogSecurityEvent(ctx context.Context, id *uuid.UUID, ip, eventType, details string) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO security_events (id, occurred_at, account_id, ip, event_type, details)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ulid.Make().String(), time.Now().UTC(), id, ip, eventType, details)
	if err != nil {
		return oops.Code("SECURITY_EVENT_LOG_FAILED").With("event_type", eventType).Wrap(err)
	}
	return nil
}

func marshalPosition(pos world.Position) ([]byte, error) {
	if pos.IsZero() {
		return nil, nil
	}
	raw, err := json.Marshal(pos)
	if err != nil {
		return nil, oops.Code("POSITION_ENCODE_FAILED").Wrap(err)
	}
	return raw, nil
}

// Compile-time interface check.
var _ storage.Backend = (*Backend)(nil)
