// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package world defines the boundary between Gatewarden and the host
// environment: positions, the neutral auth anchor, and the connection
// handle the host implements for each live session.
package world

// Position is a world coordinate snapshot. Both storage backends persist it
// as-is, so the JSON field names are part of the snapshot format.
type Position struct {
	World string  `json:"world"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
	Yaw   float32 `json:"yaw"`
	Pitch float32 `json:"pitch"`
}

// IsZero reports whether the position carries no data.
func (p Position) IsZero() bool {
	return p == Position{}
}

// DefaultWorldName is the anchor world when the host does not configure one.
const DefaultWorldName = "world"

// Anchor coordinates for unauthenticated sessions. Block-centered so the
// session does not clip into geometry, high enough to be clear of terrain.
const (
	anchorX = 0.5
	anchorY = 64
	anchorZ = 0.5
)

// AnchorPosition returns the fixed neutral point sessions are held at while
// unauthenticated. The anchor hides the session's real coordinates until it
// proves its identity.
func AnchorPosition(worldName string) Position {
	return Position{World: worldName, X: anchorX, Y: anchorY, Z: anchorZ}
}
