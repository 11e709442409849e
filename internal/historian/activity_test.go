package historian

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/cache"
	"github.com/jason-s-yu/arena/internal/channel"
	"github.com/jason-s-yu/arena/internal/config"
	"github.com/jason-s-yu/arena/internal/coordinator"
	"github.com/jason-s-yu/arena/internal/directory"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/jason-s-yu/arena/internal/pubsub"
	"github.com/jason-s-yu/arena/internal/store"
	"github.com/jason-s-yu/arena/internal/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// observer feeds coordinator records straight into the historian, standing
// in for the Redis queue.
type observer struct{ s *Service }

func (o observer) Record(_ context.Context, rec cache.RoomActionRecord) error {
	o.s.Observe(rec)
	return nil
}

func TestLiveMatchIsNotExpired(t *testing.T) {
	ctx := context.Background()
	rows := store.NewMemory(nil)
	reg := channel.NewRegistry(pubsub.NewMemory(nil), rows, time.Minute, nil)
	defer reg.Close()

	svc := New(&sliceSource{}, &memSink{}, NewRowExpirer(rows, "", 0), config.Historian{InactivityTimeout: 30 * time.Minute}, nil)
	var mu sync.Mutex
	clock := time.Now()
	svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	advance := func(d time.Duration) {
		mu.Lock()
		clock = clock.Add(d)
		mu.Unlock()
	}

	policy := coordinator.DefaultPolicy()
	policy.AutoStartDelay = 0
	policy.ActivityInterval = 0
	c := coordinator.New(directory.New(rows, wallet.NewMemory(1000), 0.1, nil), rows, reg, observer{svc}, policy, nil)
	defer c.Close()

	alice := models.Player{UserID: uuid.New(), DisplayName: "alice"}
	bob := models.Player{UserID: uuid.New(), DisplayName: "bob"}
	snap, err := c.CreateRoom(ctx, directory.CreateParams{GameKind: "checkers", Capacity: 2, Creator: alice})
	require.NoError(t, err)
	roomID := snap.Room.ID
	_, err = c.JoinByCode(ctx, snap.Room.Code, bob)
	require.NoError(t, err)

	wa, err := c.Subscribe(ctx, roomID, alice.UserID)
	require.NoError(t, err)
	defer wa.Close(ctx)
	wb, err := c.Subscribe(ctx, roomID, bob.UserID)
	require.NoError(t, err)
	defer wb.Close(ctx)

	for _, p := range []models.Player{alice, bob} {
		_, err := c.ToggleReady(ctx, roomID, p.UserID, true)
		require.NoError(t, err)
	}
	snap, err = c.Snapshot(ctx, roomID)
	require.NoError(t, err)
	require.Equal(t, models.StatusPlaying, snap.Room.Status)

	// An hour of play, never more than twenty minutes between actions.
	for i := 0; i < 3; i++ {
		advance(20 * time.Minute)
		require.NoError(t, c.SendMove(ctx, roomID, alice.UserID, json.RawMessage(`{"n":1}`)))
		require.NoError(t, c.Heartbeat(ctx, roomID, bob.UserID))
		assert.Equal(t, 0, svc.ExpireIdle(ctx))
	}
	snap, err = c.Snapshot(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPlaying, snap.Room.Status)

	// Nobody moves or heartbeats for longer than the timeout.
	advance(31 * time.Minute)
	assert.Equal(t, 1, svc.ExpireIdle(ctx))
	snap, err = c.Snapshot(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, snap.Room.Status)
	assert.Equal(t, models.EndReasonTimeout, snap.Room.EndReason)
}
