package channel

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/jason-s-yu/arena/internal/room"
)

// Event is one delivery to channel listeners.
type Event struct {
	Name      string                              `json:"type"`
	RoomID    uuid.UUID                           `json:"room_id"`
	UserID    uuid.UUID                           `json:"user_id,omitempty"`
	Ready     bool                                `json:"ready,omitempty"`
	Payload   json.RawMessage                     `json:"payload,omitempty"`
	Presences map[uuid.UUID]models.PresenceRecord `json:"presences,omitempty"`
	Timer     *room.TimerState                    `json:"timer,omitempty"`
}

// readyPayload is the broadcast body of a ready toggle.
type readyPayload struct {
	UserID uuid.UUID `json:"user_id"`
	Ready  bool      `json:"ready"`
}

// actorPayload wraps payloads that need to carry who sent them.
type actorPayload struct {
	UserID uuid.UUID       `json:"user_id"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// Handler receives events on the channel's dispatch goroutine. It must not
// block.
type Handler func(Event)

// ListenerID identifies a registered handler for removal.
type ListenerID uint64
