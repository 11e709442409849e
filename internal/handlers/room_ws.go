// internal/handlers/room_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/coordinator"
	"github.com/jason-s-yu/arena/internal/middleware"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	roomSubprotocol = "room"
	pingInterval    = 30 * time.Second
	writeTimeout    = 5 * time.Second
)

// clientMessage is anything a client sends over the room socket.
type clientMessage struct {
	Type     string            `json:"type"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Scores   map[uuid.UUID]int `json:"scores,omitempty"`
	WinnerID uuid.UUID         `json:"winner_id,omitempty"`
}

type snapshotMessage struct {
	Type     string              `json:"type"`
	Snapshot models.RoomSnapshot `json:"snapshot"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// roomSession is one client socket attached to one room.
type roomSession struct {
	s       *Server
	c       *websocket.Conn
	w       *coordinator.Watcher
	roomID  uuid.UUID
	userID  uuid.UUID
	log     *logrus.Entry
	limiter *rate.Limiter
	out     chan any
}

// RoomWSHandler attaches an authenticated member to a room. The socket
// streams channel events and reconciled snapshots, and accepts room actions.
func (s *Server) RoomWSHandler(w http.ResponseWriter, r *http.Request) {
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

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{roomSubprotocol},
		OriginPatterns:     s.originPatterns,
		InsecureSkipVerify: len(s.originPatterns) == 0,
	})
	if err != nil {
		s.log.WithError(err).Warn("websocket accept error")
		return
	}
	defer c.Close(websocket.StatusInternalError, "handler finished")

	if c.Subprotocol() != roomSubprotocol {
		c.Close(BadSubprotocolError, "client must speak the room subprotocol")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	watcher, err := s.coord.Subscribe(ctx, roomID, id.UserID)
	if err != nil {
		code, reason := closeFor(err)
		s.log.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "user_id": id.UserID}).Warn("room subscribe failed")
		c.Close(code, reason)
		return
	}
	middleware.LogWebSocketConnect(s.log, r.RemoteAddr, r.URL.Path, roomID, id.UserID)

	sess := &roomSession{
		s:       s,
		c:       c,
		w:       watcher,
		roomID:  roomID,
		userID:  id.UserID,
		log:     s.log.WithFields(logrus.Fields{"room_id": roomID, "user_id": id.UserID}),
		limiter: rate.NewLimiter(rate.Limit(s.room.MoveRate), s.room.MoveBurst),
		out:     make(chan any, 16),
	}

	go sess.writePump(ctx, cancel)
	go sess.heartbeatLoop(ctx)
	readErr := sess.readPump(ctx)
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), s.coord.Policy().OpTimeout)
	defer closeCancel()
	if err := watcher.Close(closeCtx); err != nil {
		sess.log.WithError(err).Warn("session teardown failed")
	}
	middleware.LogWebSocketDisconnect(s.log, r.RemoteAddr, r.URL.Path, roomID, id.UserID, readErr)
	c.Close(websocket.StatusNormalClosure, "")
}

// closeFor picks a close code for a failed subscribe.
func closeFor(err error) (websocket.StatusCode, string) {
	switch {
	case errors.Is(err, models.ErrRoomEnded):
		return RoomEndedError, "room has ended"
	case errors.Is(err, models.ErrNotFound):
		return InvalidUserIDError, "not a member of this room"
	case errors.Is(err, models.ErrChannel):
		return ChannelUnavailable, "room channel unavailable"
	default:
		return websocket.StatusInternalError, "could not attach to room"
	}
}

// readPump handles client messages until the socket closes. A normal close
// returns nil.
func (rs *roomSession) readPump(ctx context.Context) error {
	for {
		typ, data, err := rs.c.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			rs.log.WithField("message_type", typ).Warn("ignoring non-text message")
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			rs.sendError(fmt.Errorf("invalid JSON format: %w", models.ErrValidation))
			continue
		}
		if stop := rs.handle(ctx, msg); stop {
			return nil
		}
	}
}

// handle runs one client action. It reports whether the session should end.
func (rs *roomSession) handle(ctx context.Context, msg clientMessage) bool {
	coord := rs.s.coord
	var err error
	switch msg.Type {
	case "ready", "unready":
		_, err = coord.ToggleReady(ctx, rs.roomID, rs.userID, msg.Type == "ready")
	case "start":
		_, err = coord.StartGame(ctx, rs.roomID, rs.userID)
	case "move":
		if !rs.limiter.Allow() {
			err = fmt.Errorf("too many moves, slow down: %w", models.ErrValidation)
			break
		}
		err = coord.SendMove(ctx, rs.roomID, rs.userID, msg.Payload)
	case "forfeit":
		_, err = coord.Forfeit(ctx, rs.roomID, rs.userID)
	case "leave":
		_, err = coord.Leave(ctx, rs.roomID, rs.userID)
		if err == nil {
			return true
		}
	case "end":
		_, err = coord.EndGame(ctx, rs.roomID, rs.userID, coordinator.Result{Scores: msg.Scores, WinnerID: msg.WinnerID})
	case "heartbeat":
		err = coord.Heartbeat(ctx, rs.roomID, rs.userID)
	default:
		err = fmt.Errorf("unknown action type: %q: %w", msg.Type, models.ErrValidation)
	}
	if err != nil {
		rs.log.WithError(err).WithField("action", msg.Type).Debug("room action rejected")
		rs.sendError(err)
	}
	return false
}

func (rs *roomSession) sendError(err error) {
	select {
	case rs.out <- errorMessage{Type: "error", Error: models.Kind(err), Message: models.Message(err)}:
	default:
		rs.log.Warn("session reply buffer full, dropping error")
	}
}

// writePump is the only writer on the socket.
func (rs *roomSession) writePump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		var msg any
		select {
		case <-ctx.Done():
			return
		case <-rs.w.Done():
			return
		case ev := <-rs.w.Events():
			msg = ev
		case snap := <-rs.w.Snapshots():
			msg = snapshotMessage{Type: "snapshot", Snapshot: snap}
		case m := <-rs.out:
			msg = m
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 15*time.Second)
			err := rs.c.Ping(pingCtx)
			pingCancel()
			if err != nil {
				rs.log.WithError(err).Warn("ping failed, assuming disconnect")
				return
			}
			continue
		}

		data, err := json.Marshal(msg)
		if err != nil {
			rs.log.WithError(err).Warn("failed to marshal outgoing message")
			continue
		}
		writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
		err = rs.c.Write(writeCtx, websocket.MessageText, data)
		writeCancel()
		if err != nil {
			rs.log.WithError(err).Debug("websocket write failed")
			return
		}
	}
}

// heartbeatLoop re-asserts the member's connection flag and presence while
// the socket is open.
func (rs *roomSession) heartbeatLoop(ctx context.Context) {
	interval := rs.s.coord.Policy().HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rs.s.coord.Heartbeat(ctx, rs.roomID, rs.userID); err != nil && ctx.Err() == nil {
				rs.log.WithError(err).Warn("heartbeat failed")
			}
		}
	}
}
