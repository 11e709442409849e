// internal/models/membership.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// Membership is the durable record of one user's participation in one room.
// Rows are never deleted; leaving only clears IsConnected.
type Membership struct {
	RoomID      uuid.UUID `json:"room_id"`
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`

	// GameHandle is a per-game identifier such as a platform gamertag.
	GameHandle string `json:"game_handle,omitempty"`

	IsConnected bool `json:"is_connected"`
	IsReady     bool `json:"is_ready"`
	Score       int  `json:"score"`
	Forfeited   bool `json:"forfeited"`

	JoinedAt   time.Time `json:"joined_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// Active reports whether the member still takes part in the match.
func (m Membership) Active() bool {
	return m.IsConnected && !m.Forfeited
}

// Player identifies a user asking to create or join a room.
type Player struct {
	UserID      uuid.UUID `json:"user_id"`
	DisplayName string    `json:"display_name"`
	GameHandle  string    `json:"game_handle,omitempty"`
}

// PresenceRecord is the ephemeral, connection-scoped record of a client
// attached to a room channel. It is never persisted.
type PresenceRecord struct {
	UserID      uuid.UUID `json:"user_id"`
	ConnectedAt time.Time `json:"connected_at"`
	Ready       bool      `json:"ready"`
}
