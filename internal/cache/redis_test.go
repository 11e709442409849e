package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Needs a live Redis at REDIS_TEST_ADDR.
func TestActionQueueRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rdb, err := ConnectRedis(ctx, config.Redis{Addr: addr})
	require.NoError(t, err)
	defer rdb.Close()

	q := NewActionQueue(rdb, "test_actions_"+uuid.NewString())
	defer rdb.Del(context.Background(), q.Name())

	rec := RoomActionRecord{RoomID: uuid.New(), ActorUserID: uuid.New(), ActionType: "ready", ActionPayload: map[string]any{"ready": true}}
	require.NoError(t, q.Record(ctx, rec))

	got, err := q.Pop(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.RoomID, got.RoomID)
	assert.Equal(t, "ready", got.ActionType)
	assert.NotZero(t, got.Timestamp)

	empty, err := q.Pop(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, empty)
}
