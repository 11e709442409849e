// internal/handlers/rooms.go
package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/auth"
	"github.com/jason-s-yu/arena/internal/coordinator"
	"github.com/jason-s-yu/arena/internal/directory"
	"github.com/jason-s-yu/arena/internal/models"
)

type createRoomRequest struct {
	directory.CreateParams
	GameHandle string `json:"game_handle"`
}

type joinRoomRequest struct {
	Code       string `json:"code"`
	GameHandle string `json:"game_handle"`
}

type readyRequest struct {
	// Ready defaults to true when omitted.
	Ready *bool `json:"ready"`
}

func player(id auth.Identity, handle string) models.Player {
	return models.Player{UserID: id.UserID, DisplayName: id.DisplayName, GameHandle: handle}
}

// ListGamesHandler returns the supported game kinds.
func (s *Server) ListGamesHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]models.GameKind{"games": models.GameKinds()})
}

// CreateRoomHandler creates a room with the caller as host.
func (s *Server) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var req createRoomRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	p := req.CreateParams
	p.Creator = player(id, req.GameHandle)
	snap, err := s.coord.CreateRoom(r.Context(), p)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

// JoinRoomHandler admits the caller into the room behind a join code.
func (s *Server) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	var req joinRoomRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, s.log, err)
		return
	}
	snap, err := s.coord.JoinByCode(r.Context(), req.Code, player(id, req.GameHandle))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetRoomHandler returns the current snapshot.
func (s *Server) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID, err := roomIDParam(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	snap, err := s.coord.Snapshot(r.Context(), roomID)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// roomAction adapts a coordinator call on (room, caller) into a handler.
func (s *Server) roomAction(fn func(r *http.Request, roomID, userID uuid.UUID) (*models.RoomSnapshot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := identity(r)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		roomID, err := roomIDParam(r)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		snap, err := fn(r, roomID, id.UserID)
		if err != nil {
			writeError(w, s.log, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// ReadyHandler sets the caller's ready flag.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	s.roomAction(func(r *http.Request, roomID, userID uuid.UUID) (*models.RoomSnapshot, error) {
		var req readyRequest
		if err := decodeBody(r, &req); err != nil {
			return nil, err
		}
		ready := req.Ready == nil || *req.Ready
		return s.coord.ToggleReady(r.Context(), roomID, userID, ready)
	})(w, r)
}

func (s *Server) StartHandler(w http.ResponseWriter, r *http.Request) {
	s.roomAction(func(r *http.Request, roomID, userID uuid.UUID) (*models.RoomSnapshot, error) {
		return s.coord.StartGame(r.Context(), roomID, userID)
	})(w, r)
}

func (s *Server) ForfeitHandler(w http.ResponseWriter, r *http.Request) {
	s.roomAction(func(r *http.Request, roomID, userID uuid.UUID) (*models.RoomSnapshot, error) {
		return s.coord.Forfeit(r.Context(), roomID, userID)
	})(w, r)
}

func (s *Server) LeaveHandler(w http.ResponseWriter, r *http.Request) {
	s.roomAction(func(r *http.Request, roomID, userID uuid.UUID) (*models.RoomSnapshot, error) {
		return s.coord.Leave(r.Context(), roomID, userID)
	})(w, r)
}

// EndHandler records a reported match result.
func (s *Server) EndHandler(w http.ResponseWriter, r *http.Request) {
	s.roomAction(func(r *http.Request, roomID, userID uuid.UUID) (*models.RoomSnapshot, error) {
		var res coordinator.Result
		if err := decodeBody(r, &res); err != nil {
			return nil, err
		}
		return s.coord.EndGame(r.Context(), roomID, userID, res)
	})(w, r)
}

// HeartbeatHandler re-asserts the caller's connection without a socket.
func (s *Server) HeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	id, err := identity(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	roomID, err := roomIDParam(r)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.coord.Heartbeat(r.Context(), roomID, id.UserID); err != nil {
		writeError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
