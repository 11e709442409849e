// Package room holds the room state machine: the transition table, the
// start guard, the forfeit rule, the readiness countdown and reconciliation
// of persisted snapshots against local state.
package room

import (
	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/models"
)

// MinPlayers is the fewest connected players a match can start or continue with.
const MinPlayers = 2

var transitions = map[models.RoomStatus][]models.RoomStatus{
	models.StatusWaiting:  {models.StatusStarting, models.StatusEnded},
	models.StatusStarting: {models.StatusPlaying, models.StatusEnded},
	models.StatusPlaying:  {models.StatusEnded},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.RoomStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources lists every status with an edge into to.
func Sources(to models.RoomStatus) []models.RoomStatus {
	var out []models.RoomStatus
	for _, from := range []models.RoomStatus{models.StatusWaiting, models.StatusStarting, models.StatusPlaying} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Counts derives connected and ready counts from membership rows. Forfeited
// members never count.
func Counts(members []models.Membership) (connected, ready int) {
	for _, m := range members {
		if !m.Active() {
			continue
		}
		connected++
		if m.IsReady {
			ready++
		}
	}
	return connected, ready
}

// StartGuard holds when at least two players are connected and every one
// of them is ready.
func StartGuard(members []models.Membership) bool {
	connected, ready := Counts(members)
	return connected >= MinPlayers && ready == connected
}

// ShouldForceEnd reports whether a match in progress has dropped below the
// player minimum.
func ShouldForceEnd(status models.RoomStatus, members []models.Membership) bool {
	if !status.InMatch() {
		return false
	}
	connected, _ := Counts(members)
	return connected < MinPlayers
}

// SoleSurvivor returns the only active member, if exactly one remains.
func SoleSurvivor(members []models.Membership) (uuid.UUID, bool) {
	var (
		id uuid.UUID
		n  int
	)
	for _, m := range members {
		if m.Active() {
			id = m.UserID
			n++
		}
	}
	return id, n == 1
}

// TopScorer returns the non-forfeited member with the strictly highest score.
// A tie yields false.
func TopScorer(members []models.Membership) (uuid.UUID, bool) {
	var (
		best  uuid.UUID
		score int
		tied  bool
		found bool
	)
	for _, m := range members {
		if m.Forfeited {
			continue
		}
		switch {
		case !found || m.Score > score:
			best, score, tied, found = m.UserID, m.Score, false, true
		case m.Score == score:
			tied = true
		}
	}
	return best, found && !tied
}
