// internal/models/room.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// RoomStatus is the persisted lifecycle status of a room.
type RoomStatus string

const (
	StatusWaiting  RoomStatus = "waiting"
	StatusStarting RoomStatus = "starting"
	StatusPlaying  RoomStatus = "playing"
	StatusEnded    RoomStatus = "ended"
)

// Rank orders statuses along the lifecycle. Unknown statuses rank -1.
func (s RoomStatus) Rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusStarting:
		return 1
	case StatusPlaying:
		return 2
	case StatusEnded:
		return 3
	default:
		return -1
	}
}

// IsTerminal reports whether no further transition is possible.
func (s RoomStatus) IsTerminal() bool { return s == StatusEnded }

// InMatch reports whether the room is past the lobby phase but not ended.
func (s RoomStatus) InMatch() bool { return s == StatusStarting || s == StatusPlaying }

// End reasons recorded on the room row.
const (
	EndReasonResult    = "result"
	EndReasonForfeit   = "forfeit"
	EndReasonTimeout   = "timeout"
	EndReasonAbandoned = "abandoned"
)

// Room represents a row in the rooms table: one instance of a paid game.
type Room struct {
	ID             uuid.UUID  `json:"id"`
	Code           string     `json:"code"`
	GameKind       GameKind   `json:"game_kind"`
	Status         RoomStatus `json:"status"`
	Capacity       int        `json:"capacity"`
	CurrentPlayers int        `json:"current_players"`

	// EntryFee and PrizePot are in minor currency units.
	EntryFee       int64   `json:"entry_fee"`
	PrizePot       int64   `json:"prize_pot"`
	CommissionRate float64 `json:"commission_rate"`

	HostUserID   uuid.UUID `json:"host_user_id"`
	WinnerUserID uuid.UUID `json:"winner_user_id,omitempty"`
	EndReason    string    `json:"end_reason,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	// ConnectedPlayerIDs is derived from membership rows when the room is read.
	ConnectedPlayerIDs []uuid.UUID `json:"connected_player_ids"`
}

// IsFull reports whether no further members can be admitted.
func (r *Room) IsFull() bool {
	return r.CurrentPlayers >= r.Capacity
}

// Clone returns a deep copy safe to hand across goroutines.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		c.EndedAt = &t
	}
	c.ConnectedPlayerIDs = append([]uuid.UUID(nil), r.ConnectedPlayerIDs...)
	return &c
}
