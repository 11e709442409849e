package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialRoom(t *testing.T, e *testEnv, roomID, token string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/rooms/" + roomID + "/ws"
	h := http.Header{}
	h.Set("Cookie", authCookieName+"="+token)
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{roomSubprotocol},
		HTTPHeader:   h,
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

// readUntil reads frames until one has the wanted type.
func readUntil(t *testing.T, c *websocket.Conn, want string) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, data, err := c.Read(ctx)
		require.NoError(t, err, "waiting for %s", want)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if msg["type"] == want {
			return msg
		}
	}
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.Write(ctx, websocket.MessageText, data))
}

func TestRoomSocketFlow(t *testing.T) {
	e := newTestEnv(t)
	alice, aliceID := e.guest(t, "alice")
	bob, _ := e.guest(t, "bob")
	created := e.snapshot(t, http.MethodPost, "/rooms", alice,
		map[string]any{"game_kind": "tic_tac_toe", "capacity": 2}, http.StatusCreated)
	e.snapshot(t, http.MethodPost, "/rooms/join", bob, map[string]any{"code": created.Room.Code}, http.StatusOK)
	roomID := created.Room.ID.String()

	ca := dialRoom(t, e, roomID, alice)
	cb := dialRoom(t, e, roomID, bob)

	// A snapshot is only sent once the session is subscribed.
	first := readUntil(t, ca, "snapshot")
	assert.Contains(t, first, "snapshot")
	readUntil(t, cb, "snapshot")

	send(t, ca, map[string]string{"type": "dance"})
	errMsg := readUntil(t, ca, "error")
	assert.Equal(t, "validation_error", errMsg["error"])

	send(t, ca, map[string]string{"type": "ready"})
	ready := readUntil(t, cb, models.EventReady)
	assert.Equal(t, aliceID.String(), ready["user_id"])

	send(t, cb, map[string]string{"type": "ready"})
	readUntil(t, ca, models.EventGameStart)

	send(t, ca, map[string]any{"type": "move", "payload": map[string]int{"cell": 4}})
	move := readUntil(t, cb, models.EventMove)
	assert.Equal(t, map[string]any{"cell": float64(4)}, move["payload"])

	send(t, cb, map[string]string{"type": "forfeit"})
	over := readUntil(t, ca, models.EventGameOver)
	payload, ok := over["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, models.EndReasonForfeit, payload["reason"])
	assert.Equal(t, aliceID.String(), payload["winner_id"])
}

func TestRoomSocketRejectsNonMember(t *testing.T) {
	e := newTestEnv(t)
	alice, _ := e.guest(t, "alice")
	mallory, _ := e.guest(t, "mallory")
	created := e.snapshot(t, http.MethodPost, "/rooms", alice,
		map[string]any{"game_kind": "cards", "capacity": 2}, http.StatusCreated)

	c := dialRoom(t, e, created.Room.ID.String(), mallory)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusCode(InvalidUserIDError), websocket.CloseStatus(err))
}
