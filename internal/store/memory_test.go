package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoom(code string, capacity int) (*models.Room, models.Membership) {
	now := time.Now()
	host := uuid.New()
	r := &models.Room{
		ID:             uuid.New(),
		Code:           code,
		GameKind:       models.GameLudo,
		Status:         models.StatusWaiting,
		Capacity:       capacity,
		CurrentPlayers: 1,
		EntryFee:       10,
		PrizePot:       10,
		HostUserID:     host,
		CreatedAt:      now,
	}
	m := models.Membership{
		RoomID:      r.ID,
		UserID:      host,
		DisplayName: "host",
		IsConnected: true,
		JoinedAt:    now,
		LastSeenAt:  now,
	}
	return r, m
}

func member(roomID uuid.UUID) models.Membership {
	return models.Membership{RoomID: roomID, UserID: uuid.New(), DisplayName: "guest", IsConnected: true, JoinedAt: time.Now()}
}

func TestMemoryInsertAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil)
	r, host := newRoom("ABC234", 2)
	require.NoError(t, s.InsertRoom(ctx, r, host))

	got, err := s.GetRoomByCode(ctx, "ABC234")
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, []uuid.UUID{host.UserID}, got.ConnectedPlayerIDs)

	_, err = s.GetRoom(ctx, uuid.New())
	assert.ErrorIs(t, err, models.ErrNotFound)

	dup, dupHost := newRoom("ABC234", 2)
	assert.ErrorIs(t, s.InsertRoom(ctx, dup, dupHost), ErrCodeTaken)
}

func TestMemoryCodeReusableAfterEnd(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil)
	r, host := newRoom("QWE789", 2)
	require.NoError(t, s.InsertRoom(ctx, r, host))

	_, changed, err := s.TransitionRoom(ctx, r.ID, Transition{
		From: []models.RoomStatus{models.StatusWaiting}, To: models.StatusEnded, At: time.Now(), Reason: models.EndReasonAbandoned,
	})
	require.NoError(t, err)
	require.True(t, changed)

	_, err = s.GetRoomByCode(ctx, "QWE789")
	assert.ErrorIs(t, err, models.ErrNotFound)

	next, nextHost := newRoom("QWE789", 2)
	assert.NoError(t, s.InsertRoom(ctx, next, nextHost))
}

func TestMemoryAdmitMember(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil)
	r, host := newRoom("ZXC345", 2)
	require.NoError(t, s.InsertRoom(ctx, r, host))

	m := member(r.ID)
	got, err := s.AdmitMember(ctx, m, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentPlayers)
	assert.Equal(t, int64(20), got.PrizePot)
	assert.Len(t, got.ConnectedPlayerIDs, 2)

	_, err = s.AdmitMember(ctx, m, 10)
	assert.ErrorIs(t, err, ErrMemberExists)

	_, err = s.AdmitMember(ctx, member(r.ID), 10)
	assert.ErrorIs(t, err, models.ErrCapacity)

	after, err := s.GetRoom(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, after.CurrentPlayers)
}

func TestMemoryAdmitRequiresWaiting(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil)
	r, host := newRoom("RTY456", 4)
	require.NoError(t, s.InsertRoom(ctx, r, host))
	_, _, err := s.TransitionRoom(ctx, r.ID, Transition{From: []models.RoomStatus{models.StatusWaiting}, To: models.StatusStarting})
	require.NoError(t, err)

	_, err = s.AdmitMember(ctx, member(r.ID), 0)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestMemoryTransitionIsConditional(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil)
	r, host := newRoom("UIO567", 2)
	require.NoError(t, s.InsertRoom(ctx, r, host))

	toStarting := Transition{From: []models.RoomStatus{models.StatusWaiting}, To: models.StatusStarting}
	_, changed, err := s.TransitionRoom(ctx, r.ID, toStarting)
	require.NoError(t, err)
	assert.True(t, changed)

	got, changed, err := s.TransitionRoom(ctx, r.ID, toStarting)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.StatusStarting, got.Status)

	start := time.Now()
	got, changed, err = s.TransitionRoom(ctx, r.ID, Transition{From: []models.RoomStatus{models.StatusStarting}, To: models.StatusPlaying, At: start})
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, got.StartedAt)
	assert.True(t, got.StartedAt.Equal(start))
}

func TestMemoryMembershipImmutableAfterEnd(t *testing.T) {
	ctx := context.Background()
	s := NewMemory(nil)
	r, host := newRoom("PAS678", 2)
	require.NoError(t, s.InsertRoom(ctx, r, host))

	m, err := s.UpdateMember(ctx, r.ID, host.UserID, MemberPatch{IsReady: Bool(true), Score: Int(3)})
	require.NoError(t, err)
	assert.True(t, m.IsReady)
	assert.Equal(t, 3, m.Score)

	_, _, err = s.TransitionRoom(ctx, r.ID, Transition{From: []models.RoomStatus{models.StatusWaiting}, To: models.StatusEnded, At: time.Now()})
	require.NoError(t, err)

	_, err = s.UpdateMember(ctx, r.ID, host.UserID, MemberPatch{Score: Int(9)})
	assert.True(t, errors.Is(err, models.ErrRoomEnded))

	got, err := s.GetMember(ctx, r.ID, host.UserID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Score)
}

func TestMemorySubscribeDeliversChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := NewMemory(nil)
	r, host := newRoom("DFG789", 3)
	require.NoError(t, s.InsertRoom(ctx, r, host))

	changes, err := s.Subscribe(ctx, r.ID)
	require.NoError(t, err)

	_, err = s.UpdateMember(ctx, r.ID, host.UserID, MemberPatch{IsReady: Bool(true)})
	require.NoError(t, err)

	select {
	case c := <-changes:
		assert.Equal(t, "memberships", c.Table)
		assert.Equal(t, host.UserID, c.UserID)
	case <-time.After(time.Second):
		t.Fatal("no row change delivered")
	}

	cancel()
	select {
	case _, ok := <-changes:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
}
