package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubResyncReachesEverySubscribedRoom(t *testing.T) {
	h := newChangeHub(nil)
	assert.True(t, h.empty())

	ctx, cancel := context.WithCancel(context.Background())
	a, b := uuid.New(), uuid.New()
	chA := h.subscribe(ctx, a)
	chB := h.subscribe(ctx, b)
	assert.False(t, h.empty())

	h.resync()
	for id, ch := range map[uuid.UUID]<-chan RowChange{a: chA, b: chB} {
		select {
		case c := <-ch:
			assert.Equal(t, TableResync, c.Table)
			assert.Equal(t, id, c.RoomID)
		case <-time.After(time.Second):
			t.Fatalf("no resync for room %s", id)
		}
	}

	cancel()
	require.Eventually(t, h.empty, time.Second, 10*time.Millisecond)
}
