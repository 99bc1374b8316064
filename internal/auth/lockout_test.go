// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestLockoutTracker_AccountAndIP(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewLockoutTracker()
	tracker.now = func() time.Time { return now }

	id := uuid.New()
	assert.False(t, tracker.AccountLocked(id))
	assert.False(t, tracker.IPLocked("10.0.0.1"))

	tracker.Lock(id, "10.0.0.1", now.Add(5*time.Minute))
	assert.True(t, tracker.AccountLocked(id))
	assert.True(t, tracker.IPLocked("10.0.0.1"))
	assert.False(t, tracker.AccountLocked(uuid.New()), "other accounts unaffected")
	assert.False(t, tracker.IPLocked("10.0.0.2"), "other addresses unaffected")
}

func TestLockoutTracker_ExpiryBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewLockoutTracker()
	tracker.now = func() time.Time { return now }

	id := uuid.New()
	unlockAt := now.Add(time.Minute)
	tracker.Lock(id, "10.0.0.1", unlockAt)

	now = unlockAt.Add(-time.Nanosecond)
	assert.True(t, tracker.AccountLocked(id), "still locked just before the deadline")

	// Exactly at unlockAt the lock has expired.
	now = unlockAt
	assert.False(t, tracker.AccountLocked(id))
	assert.False(t, tracker.IPLocked("10.0.0.1"))
}

func TestLockoutTracker_ExpiredEntryRemovedOnRead(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewLockoutTracker()
	tracker.now = func() time.Time { return now }

	id := uuid.New()
	tracker.Lock(id, "10.0.0.1", now.Add(time.Minute))

	now = now.Add(2 * time.Minute)
	assert.False(t, tracker.AccountLocked(id))
	assert.False(t, tracker.IPLocked("10.0.0.1"))

	tracker.mu.Lock()
	defer tracker.mu.Unlock()
	assert.Empty(t, tracker.accounts, "observation removes the expired entry")
	assert.Empty(t, tracker.ips)
}

func TestLockoutTracker_RelockExtends(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewLockoutTracker()
	tracker.now = func() time.Time { return now }

	id := uuid.New()
	tracker.Lock(id, "", now.Add(time.Minute))
	tracker.Lock(id, "", now.Add(10*time.Minute))

	now = now.Add(5 * time.Minute)
	assert.True(t, tracker.AccountLocked(id), "later lock wins")
}

func TestLockoutTracker_EmptyIPIgnored(t *testing.T) {
	tracker := NewLockoutTracker()
	tracker.Lock(uuid.New(), "", time.Now().Add(time.Minute))
	assert.False(t, tracker.IPLocked(""))
}
