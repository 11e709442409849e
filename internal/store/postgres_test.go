package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/arena/internal/database"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestPool connects to PG_TEST_DSN, migrating the schema. Tests skip when
// it is unset.
func openTestPool(t *testing.T) *pgxpool.Pool {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, database.Migrate(ctx, pool))
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresAdmitMemberCapacity(t *testing.T) {
	pool := openTestPool(t)
	ctx := context.Background()
	s := NewPostgres(pool, nil)

	r, host := newRoom(randomCode(t), 2)
	require.NoError(t, s.InsertRoom(ctx, r, host))

	got, err := s.AdmitMember(ctx, member(r.ID), r.EntryFee)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentPlayers)

	_, err = s.AdmitMember(ctx, member(r.ID), r.EntryFee)
	assert.ErrorIs(t, err, models.ErrCapacity)

	_, err = s.AdmitMember(ctx, host, r.EntryFee)
	assert.Error(t, err)
}

func TestPostgresTransitionAndNotify(t *testing.T) {
	pool := openTestPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := NewPostgres(pool, nil)

	r, host := newRoom(randomCode(t), 2)
	require.NoError(t, s.InsertRoom(ctx, r, host))

	changes, err := s.Subscribe(ctx, r.ID)
	require.NoError(t, err)

	end := time.Now()
	got, changed, err := s.TransitionRoom(ctx, r.ID, Transition{
		From: []models.RoomStatus{models.StatusWaiting}, To: models.StatusEnded, At: end, Reason: models.EndReasonAbandoned,
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.EndReasonAbandoned, got.EndReason)

	select {
	case c := <-changes:
		assert.Equal(t, r.ID, c.RoomID)
	case <-ctx.Done():
		t.Fatal("no notification received")
	}

	_, err = s.UpdateMember(ctx, r.ID, host.UserID, MemberPatch{IsReady: Bool(true)})
	assert.ErrorIs(t, err, models.ErrRoomEnded)
}

func TestPostgresListenerSurvivesLostConnection(t *testing.T) {
	pool := openTestPool(t)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s := NewPostgres(pool, nil)

	r, host := newRoom(randomCode(t), 2)
	require.NoError(t, s.InsertRoom(ctx, r, host))
	changes, err := s.Subscribe(ctx, r.ID)
	require.NoError(t, err)

	_, err = pool.Exec(ctx, `
		SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		WHERE query = 'LISTEN ' || $1::text AND pid <> pg_backend_pid()`, NotifyChannel)
	require.NoError(t, err)

	// The replacement listener first asks subscribers to re-read.
	select {
	case c := <-changes:
		assert.Equal(t, TableResync, c.Table)
		assert.Equal(t, r.ID, c.RoomID)
	case <-ctx.Done():
		t.Fatal("listener did not come back")
	}

	_, err = s.UpdateMember(ctx, r.ID, host.UserID, MemberPatch{IsReady: Bool(true)})
	require.NoError(t, err)
	select {
	case c := <-changes:
		assert.Equal(t, r.ID, c.RoomID)
	case <-ctx.Done():
		t.Fatal("no notification after reconnect")
	}
}

func randomCode(t *testing.T) string {
	t.Helper()
	const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	n := time.Now().UnixNano()
	b := make([]byte, 6)
	for i := range b {
		b[i] = alphabet[n%int64(len(alphabet))]
		n /= int64(len(alphabet))
	}
	return string(b)
}
