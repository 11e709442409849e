// Package store holds the persisted Room and Membership rows. All mutations
// are single-row conditional updates; callers re-read before deciding.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/models"
)

var (
	// ErrCodeTaken is returned by InsertRoom when the code collides with
	// another non-ended room.
	ErrCodeTaken = errors.New("room code already in use")
	// ErrMemberExists is returned by AdmitMember when the (room, user) row
	// already exists. Callers treat it as a rejoin.
	ErrMemberExists = errors.New("membership already exists")
)

// MemberPatch is a partial update of a membership row. Nil fields are left
// untouched.
type MemberPatch struct {
	IsConnected *bool
	IsReady     *bool
	Score       *int
	Forfeited   *bool
	GameHandle  *string
	// Touch sets LastSeenAt to the write time.
	Touch bool
}

// Bool returns a pointer to b, for building patches.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to i, for building patches.
func Int(i int) *int { return &i }

// Transition is a conditional status write: it applies only while the room's
// status is one of From.
type Transition struct {
	From     []models.RoomStatus
	To       models.RoomStatus
	At       time.Time
	Reason   string
	WinnerID uuid.UUID
}

func (t Transition) allows(s models.RoomStatus) bool {
	for _, f := range t.From {
		if f == s {
			return true
		}
	}
	return false
}

// TableResync marks a RowChange sent after the change feed was interrupted.
// The room may have changed in any way.
const TableResync = "resync"

// RowChange is a push notification that a room or membership row changed.
// It carries identifiers only; subscribers re-read the rows.
type RowChange struct {
	Table  string    `json:"table"`
	RoomID uuid.UUID `json:"room_id"`
	UserID uuid.UUID `json:"user_id,omitempty"`
}

// RoomStore is the row-store substrate the directory and coordinator build on.
type RoomStore interface {
	InsertRoom(ctx context.Context, room *models.Room, host models.Membership) error
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	GetRoomByCode(ctx context.Context, code string) (*models.Room, error)
	ListMembers(ctx context.Context, roomID uuid.UUID) ([]models.Membership, error)
	GetMember(ctx context.Context, roomID, userID uuid.UUID) (*models.Membership, error)

	// AdmitMember increments current_players only while it is below capacity
	// and the room is waiting, adds fee to the pot, and inserts m.
	AdmitMember(ctx context.Context, m models.Membership, fee int64) (*models.Room, error)
	UpdateMember(ctx context.Context, roomID, userID uuid.UUID, patch MemberPatch) (*models.Membership, error)

	// TransitionRoom returns the room after the write and whether this call
	// changed it. A transition whose guard no longer holds is not an error.
	TransitionRoom(ctx context.Context, roomID uuid.UUID, t Transition) (*models.Room, bool, error)

	Subscribe(ctx context.Context, roomID uuid.UUID) (<-chan RowChange, error)
	ListActiveRooms(ctx context.Context) ([]models.Room, error)
}

// Snapshot reads a room and its members together.
func Snapshot(ctx context.Context, s RoomStore, roomID uuid.UUID) (*models.RoomSnapshot, error) {
	room, err := s.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	members, err := s.ListMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	room.ConnectedPlayerIDs = models.ConnectedIDs(members)
	return &models.RoomSnapshot{Room: *room, Members: members}, nil
}

func persistence(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, models.ErrPersistence, err)
}
