// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package world

import "github.com/google/uuid"

// Conn is the handle the host environment provides for a live session.
// Gatewarden never reaches into the host beyond this interface: it relocates
// sessions, toggles hover while they are held at the anchor, delivers
// messages, and requests disconnects.
//
// Implementations must be safe for concurrent use; the auth coordinator may
// call them from dispatcher goroutines while the host delivers lifecycle
// events on its own threads.
type Conn interface {
	// ID is the stable external identifier for the session's identity.
	// It survives reconnects and keys the account record.
	ID() uuid.UUID

	// DisplayName is the informational name presented by the session.
	DisplayName() string

	// RemoteIP is the source address of the connection.
	RemoteIP() string

	// Position reports the session's current world position.
	Position() Position

	// Relocate moves the session to the given position.
	Relocate(pos Position)

	// SetHover suspends (true) or restores (false) physics-affecting
	// movement such as falling while the session is held at the anchor.
	SetHover(enabled bool)

	// Send delivers a user-facing message to the session.
	Send(msg string)

	// Disconnect closes the connection with a reason shown to the user.
	Disconnect(reason string)
}
