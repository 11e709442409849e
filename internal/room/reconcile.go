package room

import "github.com/jason-s-yu/arena/internal/models"

// Reconcile merges a freshly fetched snapshot into local state. The fetched
// rows win, except that a status ranking below the local one is a stale read:
// local is kept and the caller should fetch again.
func Reconcile(local *models.RoomSnapshot, fetched models.RoomSnapshot) (models.RoomSnapshot, bool) {
	if local == nil {
		return fetched, false
	}
	if fetched.Room.Status.Rank() < local.Room.Status.Rank() {
		return *local, true
	}
	return fetched, false
}

// IsRefetchHint reports whether a broadcast event should trigger a refetch of
// persisted state. Move and timer traffic never touches rows.
func IsRefetchHint(event string) bool {
	switch event {
	case models.EventMove, models.EventTimer:
		return false
	default:
		return true
	}
}
