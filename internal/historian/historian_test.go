package historian

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/cache"
	"github.com/jason-s-yu/arena/internal/config"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/jason-s-yu/arena/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sliceSource hands out queued records, then reports empty pops.
type sliceSource struct {
	mu   sync.Mutex
	recs []cache.RoomActionRecord
}

func (s *sliceSource) Pop(ctx context.Context, timeout time.Duration) (*cache.RoomActionRecord, error) {
	s.mu.Lock()
	if len(s.recs) > 0 {
		rec := s.recs[0]
		s.recs = s.recs[1:]
		s.mu.Unlock()
		return &rec, nil
	}
	s.mu.Unlock()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return nil, nil
	}
}

type memSink struct {
	mu   sync.Mutex
	recs []cache.RoomActionRecord
	fail error
}

func (m *memSink) InsertActions(_ context.Context, recs []cache.RoomActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.recs = append(m.recs, recs...)
	return nil
}

func (m *memSink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

func action(roomID uuid.UUID, typ string) cache.RoomActionRecord {
	return cache.RoomActionRecord{RoomID: roomID, ActorUserID: uuid.New(), ActionType: typ, Timestamp: time.Now().UnixMilli()}
}

func TestObserveFlushesAtBatchSize(t *testing.T) {
	sink := &memSink{}
	s := New(&sliceSource{}, sink, nil, config.Historian{BatchSize: 2, FlushMS: 1000}, nil)
	roomID := uuid.New()

	assert.False(t, s.Observe(action(roomID, "join")))
	assert.True(t, s.Observe(action(roomID, "ready")))
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 2, sink.count())
	assert.Equal(t, 0, s.Pending())
}

func TestFailedFlushKeepsRecords(t *testing.T) {
	sink := &memSink{fail: errors.New("db down")}
	s := New(&sliceSource{}, sink, nil, config.Historian{BatchSize: 10}, nil)
	s.Observe(action(uuid.New(), "join"))

	require.Error(t, s.Flush(context.Background()))
	assert.Equal(t, 1, s.Pending())

	sink.fail = nil
	require.NoError(t, s.Flush(context.Background()))
	assert.Equal(t, 1, sink.count())
}

func TestRunDrainsQueue(t *testing.T) {
	roomID := uuid.New()
	src := &sliceSource{recs: []cache.RoomActionRecord{action(roomID, "create_room"), action(roomID, "join"), action(roomID, "ready")}}
	sink := &memSink{}
	s := New(src, sink, nil, config.Historian{BatchSize: 100, FlushMS: 10}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.count() == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("historian did not stop")
	}
}

func TestExpireIdleEndsQuietRooms(t *testing.T) {
	ctx := context.Background()
	rows := store.NewMemory(nil)
	now := time.Now()
	quiet := &models.Room{
		ID: uuid.New(), Code: "QUIET2", GameKind: models.GameLudo, Status: models.StatusWaiting,
		Capacity: 2, CurrentPlayers: 1, HostUserID: uuid.New(), CreatedAt: now,
	}
	busy := &models.Room{
		ID: uuid.New(), Code: "BUSY23", GameKind: models.GameLudo, Status: models.StatusWaiting,
		Capacity: 2, CurrentPlayers: 1, HostUserID: uuid.New(), CreatedAt: now,
	}
	for _, r := range []*models.Room{quiet, busy} {
		host := models.Membership{RoomID: r.ID, UserID: r.HostUserID, DisplayName: "host", IsConnected: true, JoinedAt: now}
		require.NoError(t, rows.InsertRoom(ctx, r, host))
	}

	s := New(&sliceSource{}, &memSink{}, NewRowExpirer(rows, "", 0), config.Historian{InactivityTimeout: 10 * time.Minute}, nil)
	clock := now
	s.now = func() time.Time { return clock }

	active, err := rows.ListActiveRooms(ctx)
	require.NoError(t, err)
	s.Seed(active)

	clock = now.Add(8 * time.Minute)
	s.Observe(action(busy.ID, "ready"))

	clock = now.Add(11 * time.Minute)
	assert.Equal(t, 1, s.ExpireIdle(ctx))

	got, err := rows.GetRoom(ctx, quiet.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, got.Status)
	assert.Equal(t, models.EndReasonTimeout, got.EndReason)

	got, err = rows.GetRoom(ctx, busy.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, got.Status)

	// Already expired rooms are no longer tracked.
	assert.Equal(t, 0, s.ExpireIdle(ctx))
}

func TestEndActionStopsTracking(t *testing.T) {
	rows := store.NewMemory(nil)
	s := New(&sliceSource{}, &memSink{}, NewRowExpirer(rows, "", 0), config.Historian{InactivityTimeout: time.Minute}, nil)
	roomID := uuid.New()
	clock := time.Now()
	s.now = func() time.Time { return clock }

	s.Observe(action(roomID, "join"))
	s.Observe(action(roomID, "end"))
	clock = clock.Add(time.Hour)
	assert.Equal(t, 0, s.ExpireIdle(context.Background()))
}

func TestRowExpirerKeepsRoomWithRecentMembers(t *testing.T) {
	ctx := context.Background()
	rows := store.NewMemory(nil)
	now := time.Now()
	r := &models.Room{
		ID: uuid.New(), Code: "LIVE23", GameKind: models.GameLudo, Status: models.StatusPlaying,
		Capacity: 2, CurrentPlayers: 1, HostUserID: uuid.New(), CreatedAt: now,
	}
	host := models.Membership{RoomID: r.ID, UserID: r.HostUserID, DisplayName: "host", IsConnected: true, JoinedAt: now, LastSeenAt: now}
	require.NoError(t, rows.InsertRoom(ctx, r, host))

	exp := NewRowExpirer(rows, "", 10*time.Minute)
	s := New(&sliceSource{}, &memSink{}, exp, config.Historian{InactivityTimeout: 10 * time.Minute}, nil)
	clock := now
	s.now = func() time.Time { return clock }
	s.Seed([]models.Room{*r})

	// The queue went quiet but the host heartbeated five minutes ago.
	clock = now.Add(15 * time.Minute)
	_, err := rows.UpdateMember(ctx, r.ID, host.UserID, store.MemberPatch{Touch: true})
	require.NoError(t, err)
	exp.now = func() time.Time { return time.Now().Add(5 * time.Minute) }

	_, err = exp.ExpireRoom(ctx, r.ID)
	assert.ErrorIs(t, err, ErrStillActive)
	assert.Equal(t, 0, s.ExpireIdle(ctx))
	got, err := rows.GetRoom(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPlaying, got.Status)

	// Still tracked, and ended once the members go quiet too.
	exp.now = func() time.Time { return time.Now().Add(time.Hour) }
	clock = now.Add(30 * time.Minute)
	assert.Equal(t, 1, s.ExpireIdle(ctx))
	got, err = rows.GetRoom(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnded, got.Status)
	assert.Equal(t, models.EndReasonTimeout, got.EndReason)
}
