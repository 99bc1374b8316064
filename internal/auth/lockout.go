// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// LockoutTracker holds time-boxed login denials keyed by account and by IP.
// Presence of an entry is authoritative only while now < unlockAt; expiry is
// observed lazily at read, which also removes the entry. There is no
// background sweep.
type LockoutTracker struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]time.Time // account id -> unlockAt
	ips      map[string]time.Time    // ip -> unlockAt

	now func() time.Time
}

// NewLockoutTracker creates an empty tracker.
func NewLockoutTracker() *LockoutTracker {
	return &LockoutTracker{
		accounts: make(map[uuid.UUID]time.Time),
		ips:      make(map[string]time.Time),
		now:      time.Now,
	}
}

// Lock denies the account and the IP until unlockAt.
func (t *LockoutTracker) Lock(id uuid.UUID, ip string, unlockAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accounts[id] = unlockAt
	if ip != "" {
		t.ips[ip] = unlockAt
	}
}

// AccountLocked reports whether the account is currently denied.
func (t *LockoutTracker) AccountLocked(id uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	unlockAt, ok := t.accounts[id]
	if !ok {
		return false
	}
	if !t.now().Before(unlockAt) {
		delete(t.accounts, id)
		return false
	}
	return true
}

// IPLocked reports whether the IP is currently denied.
func (t *LockoutTracker) IPLocked(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	unlockAt, ok := t.ips[ip]
	if !ok {
		return false
	}
	if !t.now().Before(unlockAt) {
		delete(t.ips, ip)
		return false
	}
	return true
}
