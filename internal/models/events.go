package models

// Channel event names. Payload shapes are agreed between the service and the
// UI and are not a public protocol.
const (
	EventPresenceSync = "presence_sync"
	EventPlayerJoined = "player_joined"
	EventPlayerLeft   = "player_left"
	EventReady        = "ready"
	EventTimer        = "timer"
	EventGameStart    = "game_start"
	EventGameOver     = "game_over"
	EventMove         = "move"
	EventForfeit      = "forfeit"
	// EventRoomUpdate tells peers a persisted row changed and they should refetch.
	EventRoomUpdate = "room_update"
)
