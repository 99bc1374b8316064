// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package file implements the snapshot storage backend: a JSON file holding
// all accounts, rewritten in full on every mutation. Used when no durable
// backend is configured or reachable.
package file

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/oops"

	"github.com/holomush/gatewarden/internal/storage"
	"github.com/holomush/gatewarden/internal/world"
)

// pendingConfirmation is an in-memory email confirmation token. The file
// backend never persists tokens; a restart drops them.
type pendingConfirmation struct {
	email     string
	token     string
	expiresAt time.Time
}

// pendingReset is an in-memory password reset token.
type pendingReset struct {
	token     string
	expiresAt time.Time
}

// Backend implements storage.Backend over a JSON snapshot file.
//
// The in-memory account map is the source of truth while running; every
// mutation rewrites the snapshot before the call returns, so a crash never
// leaves the two views diverged for longer than one operation.
type Backend struct {
	mu       sync.RWMutex
	path     string
	accounts map[uuid.UUID]*storage.Account
	emails   map[string]uuid.UUID // lowercase email -> account

	confirmations map[uuid.UUID]pendingConfirmation
	resets        map[uuid.UUID]pendingReset

	logger *slog.Logger
}

// Open loads the snapshot at path, creating an empty one if it does not
// exist. The parent directory is created as needed.
func Open(path string, logger *slog.Logger) (*Backend, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	b := &Backend{
		path:          path,
		accounts:      make(map[uuid.UUID]*storage.Account),
		emails:        make(map[string]uuid.UUID),
		confirmations: make(map[uuid.UUID]pendingConfirmation),
		resets:        make(map[uuid.UUID]pendingReset),
		logger:        logger,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, oops.Code("SNAPSHOT_DIR_FAILED").With("path", path).Wrap(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, oops.Code("SNAPSHOT_READ_FAILED").With("path", path).Wrap(err)
		}
		// First run: create an empty snapshot.
		if err := b.flushLocked(); err != nil {
			return nil, err
		}
		logger.Info("created empty account snapshot", "path", path)
		return b, nil
	}

	var records map[string]*storage.Account
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, oops.Code("SNAPSHOT_DECODE_FAILED").With("path", path).Wrap(err)
	}
	for key, acct := range records {
		id, err := uuid.Parse(key)
		if err != nil {
			return nil, oops.Code("SNAPSHOT_CORRUPT_ID").With("path", path).With("id", key).Wrap(err)
		}
		acct.ID = id
		b.accounts[id] = acct
		if acct.Email != "" {
			b.emails[strings.ToLower(acct.Email)] = id
		}
	}

	logger.Info("loaded account snapshot", "path", path, "accounts", len(b.accounts))
	return b, nil
}

// Mode reports the backend's capability set.
func (b *Backend) Mode() storage.Mode { return storage.ModeFile }

// Connected always reports true: the in-memory map is authoritative while
// the process runs. Flush failures surface on the mutating call instead.
func (b *Backend) Connected(context.Context) bool { return true }

// Close is a no-op; the snapshot is already on disk after every mutation.
func (b *Backend) Close() {}

// flushLocked rewrites the whole snapshot. Callers hold b.mu.
// Written to a temp file and renamed so a crash mid-write never truncates
// the previous snapshot.
func (b *Backend) flushLocked() error {
	records := make(map[string]*storage.Account, len(b.accounts))
	for id, acct := range b.accounts {
		records[id.String()] = acct
	}

	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return oops.Code("SNAPSHOT_ENCODE_FAILED").Wrap(err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return oops.Code("SNAPSHOT_WRITE_FAILED").With("path", tmp).Wrap(err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return oops.Code("SNAPSHOT_RENAME_FAILED").With("path", b.path).Wrap(err)
	}
	return nil
}

// IsRegistered reports whether an account exists for the identity.
func (b *Backend) IsRegistered(_ context.Context, id uuid.UUID) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.accounts[id]
	return ok, nil
}

// CreateAccount stores a new account and flushes the snapshot.
func (b *Backend) CreateAccount(_ context.Context, acct *storage.Account) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.accounts[acct.ID]; exists {
		return oops.Code("ACCOUNT_DUPLICATE").
			With("id", acct.ID.String()).
			Wrap(storage.ErrDuplicateAccount)
	}

	stored := *acct
	if stored.RegisteredAt.IsZero() {
		stored.RegisteredAt = time.Now().UTC()
	}
	b.accounts[acct.ID] = &stored
	if stored.Email != "" {
		b.emails[strings.ToLower(stored.Email)] = acct.ID
	}
	return b.flushLocked()
}

// PasswordHash returns the stored hash, or storage.ErrNotFound.
func (b *Backend) PasswordHash(_ context.Context, id uuid.UUID) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	acct, ok := b.accounts[id]
	if !ok {
		return "", oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(storage.ErrNotFound)
	}
	return acct.PasswordHash, nil
}

// UpdatePassword replaces the stored hash and flushes.
func (b *Backend) UpdatePassword(_ context.Context, id uuid.UUID, hash string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[id]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(storage.ErrNotFound)
	}
	acct.PasswordHash = hash
	return b.flushLocked()
}

// Email returns the confirmed email, or "" when none is linked.
func (b *Backend) Email(_ context.Context, id uuid.UUID) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	acct, ok := b.accounts[id]
	if !ok {
		return "", oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(storage.ErrNotFound)
	}
	return acct.Email, nil
}

// SetEmail commits a confirmed email and flushes.
func (b *Backend) SetEmail(_ context.Context, id uuid.UUID, email string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[id]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(storage.ErrNotFound)
	}
	if owner, taken := b.emails[strings.ToLower(email)]; taken && owner != id {
		return oops.Code("EMAIL_IN_USE").With("id", id.String()).Wrap(storage.ErrEmailInUse)
	}
	if acct.Email != "" {
		delete(b.emails, strings.ToLower(acct.Email))
	}
	acct.Email = email
	b.emails[strings.ToLower(email)] = id
	return b.flushLocked()
}

// EmailInUse reports whether any account owns the email (case-insensitive).
func (b *Backend) EmailInUse(_ context.Context, email string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.emails[strings.ToLower(email)]
	return ok, nil
}

// PutConfirmationToken stores an in-memory confirmation token, replacing
// any prior one. Not persisted; lost on restart.
func (b *Backend) PutConfirmationToken(_ context.Context, id uuid.UUID, email, token string, expiresAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.confirmations[id] = pendingConfirmation{email: email, token: token, expiresAt: expiresAt}
	return nil
}

// ResolveConfirmationToken returns the pending email for a matching
// unexpired token. Expired entries self-delete at read.
func (b *Backend) ResolveConfirmationToken(_ context.Context, id uuid.UUID, token string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending, ok := b.confirmations[id]
	if !ok || pending.token != token {
		return "", oops.Code("TOKEN_INVALID").With("id", id.String()).Wrap(storage.ErrTokenInvalid)
	}
	if !time.Now().Before(pending.expiresAt) {
		delete(b.confirmations, id)
		return "", oops.Code("TOKEN_EXPIRED").With("id", id.String()).Wrap(storage.ErrTokenInvalid)
	}
	return pending.email, nil
}

// DeleteConfirmationToken removes the pending confirmation, if any.
func (b *Backend) DeleteConfirmationToken(_ context.Context, id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.confirmations, id)
	return nil
}

// PutResetToken stores an in-memory reset token, replacing any prior one.
func (b *Backend) PutResetToken(_ context.Context, id uuid.UUID, token string, expiresAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.resets[id] = pendingReset{token: token, expiresAt: expiresAt}
	return nil
}

// ResolveResetToken succeeds when the token matches and is unexpired.
func (b *Backend) ResolveResetToken(_ context.Context, id uuid.UUID, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending, ok := b.resets[id]
	if !ok || pending.token != token {
		return oops.Code("TOKEN_INVALID").With("id", id.String()).Wrap(storage.ErrTokenInvalid)
	}
	if !time.Now().Before(pending.expiresAt) {
		delete(b.resets, id)
		return oops.Code("TOKEN_EXPIRED").With("id", id.String()).Wrap(storage.ErrTokenInvalid)
	}
	return nil
}

// DeleteResetToken removes the pending reset, if any.
func (b *Backend) DeleteResetToken(_ context.Context, id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.resets, id)
	return nil
}

// MarkLoggedIn records the login flag. Informational only in file mode: no
// cross-session exclusivity is enforced.
func (b *Backend) MarkLoggedIn(_ context.Context, id uuid.UUID) error {
	return b.setLoggedIn(id, true)
}

// MarkLoggedOut clears the login flag and flushes.
func (b *Backend) MarkLoggedOut(_ context.Context, id uuid.UUID) error {
	return b.setLoggedIn(id, false)
}

func (b *Backend) setLoggedIn(id uuid.UUID, loggedIn bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[id]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(storage.ErrNotFound)
	}
	acct.LoggedIn = loggedIn
	return b.flushLocked()
}

// IsLoggedIn reports the tracked flag. Not authoritative for anti-sharing.
func (b *Backend) IsLoggedIn(_ context.Context, id uuid.UUID) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	acct, ok := b.accounts[id]
	if !ok {
		return false, nil
	}
	return acct.LoggedIn, nil
}

// SetLastLoginIP records the source address of the latest login.
func (b *Backend) SetLastLoginIP(_ context.Context, id uuid.UUID, ip string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[id]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(storage.ErrNotFound)
	}
	acct.LastLoginIP = ip
	return b.flushLocked()
}

// Position returns the last-known position snapshot.
func (b *Backend) Position(_ context.Context, id uuid.UUID) (world.Position, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	acct, ok := b.accounts[id]
	if !ok || acct.LastPosition.IsZero() {
		return world.Position{}, false, nil
	}
	return acct.LastPosition, true, nil
}

// SetPosition stores the last-known position and flushes.
func (b *Backend) SetPosition(_ context.Context, id uuid.UUID, pos world.Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	acct, ok := b.accounts[id]
	if !ok {
		return oops.Code("ACCOUNT_NOT_FOUND").With("id", id.String()).Wrap(storage.ErrNotFound)
	}
	acct.LastPosition = pos
	return b.flushLocked()
}

// IsIPRestricted is not supported without a durable backend.
func (b *Backend) IsIPRestricted(context.Context, uuid.UUID, string) (bool, error) {
	return false, storage.ErrUnsupported
}

// TrustIP is not supported without a durable backend.
func (b *Backend) TrustIP(context.Context, uuid.UUID, string) error {
	return storage.ErrUnsupported
}

// BanIP is not supported without a durable backend.
func (b *Backend) BanIP(context.Context, uuid.UUID, string) error {
	return storage.ErrUnsupported
}

// LogSecurityEvent is not supported without a durable backend; there is no
// audit trail in file mode.
func (b *Backend) LogSecurityEvent(context.Context, *uuid.UUID, string, string, string) error {
	return storage.ErrUnsupported
}

// Compile-time interface check.
var _ storage.Backend = (*Backend)(nil)
