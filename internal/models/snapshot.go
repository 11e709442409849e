package models

import "github.com/google/uuid"

// RoomSnapshot is a consistent read of a room row and its membership rows.
type RoomSnapshot struct {
	Room    Room         `json:"room"`
	Members []Membership `json:"members"`
}

// Member returns the membership for userID, if any.
func (s *RoomSnapshot) Member(userID uuid.UUID) (Membership, bool) {
	for _, m := range s.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return Membership{}, false
}

// ConnectedCount counts connected, non-forfeited members.
func (s *RoomSnapshot) ConnectedCount() int {
	n := 0
	for _, m := range s.Members {
		if m.Active() {
			n++
		}
	}
	return n
}

// ReadyCount counts connected, non-forfeited members whose ready flag is set.
func (s *RoomSnapshot) ReadyCount() int {
	n := 0
	for _, m := range s.Members {
		if m.Active() && m.IsReady {
			n++
		}
	}
	return n
}

// ConnectedIDs lists the user ids of connected, non-forfeited members in
// membership order.
func ConnectedIDs(members []Membership) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		if m.Active() {
			ids = append(ids, m.UserID)
		}
	}
	return ids
}
