// internal/handlers/ws_codes.go
package handlers

// Custom WebSocket close codes used by the room session. These give clients a
// more specific reason than the standard codes.
const (
	BadSubprotocolError   = 3000 // Client connected without the "room" subprotocol.
	InvalidAuthTokenError = 3001 // Auth token was invalid or expired.
	InvalidUserIDError    = 3002 // User ID in the token is not a room member.
	InvalidRoomIDError    = 3003 // Room ID in the URL does not exist or is malformed.
	RoomEndedError        = 3004 // Room reached ended; the session has nothing left to follow.
	ChannelUnavailable    = 3005 // The room channel could not be joined; retry later.
)
