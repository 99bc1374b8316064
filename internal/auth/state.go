// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package auth

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/holomush/gatewarden/internal/world"
)

// AwaitingKind is what an unauthenticated session must do next.
type AwaitingKind string

const (
	// AwaitingLogin means an account exists; the session must prove the
	// password again.
	AwaitingLogin AwaitingKind = "login"

	// AwaitingRegister means no account exists yet.
	AwaitingRegister AwaitingKind = "register"
)

// sessionState is the transient per-connection auth state. Created on join,
// destroyed on leave, never persisted.
//
// All fields except restricted are only touched from the session's
// dispatcher lane, which serializes that session's operations. restricted is
// atomic because the lifecycle adapter reads it from host threads.
type sessionState struct {
	conn           world.Conn
	restricted     atomic.Bool
	awaiting       AwaitingKind
	failedAttempts int
	currentIP      string
	preAuth        world.Position
}

// sessionTable holds the per-session auth state with its own lock, separate
// from the lockout tracker so unrelated concerns never contend.
type sessionTable struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*sessionState
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[uuid.UUID]*sessionState)}
}

func (t *sessionTable) put(id uuid.UUID, st *sessionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[id] = st
}

func (t *sessionTable) get(id uuid.UUID) (*sessionState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.sessions[id]
	return st, ok
}

func (t *sessionTable) remove(id uuid.UUID) (*sessionState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.sessions[id]
	delete(t.sessions, id)
	return st, ok
}

// isRestricted reports whether the session is still held at the gate.
// Unknown sessions answer true: fail safe, never grant access by default.
func (t *sessionTable) isRestricted(id uuid.UUID) bool {
	t.mu.RLock()
	st, ok := t.sessions[id]
	t.mu.RUnlock()
	if !ok {
		return true
	}
	return st.restricted.Load()
}
