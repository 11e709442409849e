package directory

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/jason-s-yu/arena/internal/store"
	"github.com/jason-s-yu/arena/internal/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newDirectory(t *testing.T) (*Directory, *store.Memory, *wallet.Memory) {
	t.Helper()
	rows := store.NewMemory(nil)
	w := wallet.NewMemory(1000)
	return New(rows, w, 0.1, nil), rows, w
}

func player(name string) models.Player {
	return models.Player{UserID: uuid.New(), DisplayName: name}
}

func TestValidate(t *testing.T) {
	d, _, _ := newDirectory(t)
	assert.NoError(t, d.Validate("ludo"))
	assert.NoError(t, d.Validate("call_of_duty"))
	assert.ErrorIs(t, d.Validate("poker"), models.ErrValidation)
	assert.ErrorIs(t, d.Validate(""), models.ErrValidation)
}

func TestNormalizeCode(t *testing.T) {
	code, err := NormalizeCode("  abc234 ")
	require.NoError(t, err)
	assert.Equal(t, "ABC234", code)

	for _, bad := range []string{"", "ABC", "ABC2345", "ABC23O", "ABC 23"} {
		_, err := NormalizeCode(bad)
		assert.ErrorIs(t, err, models.ErrValidation, bad)
	}

	generated, err := GenerateCode()
	require.NoError(t, err)
	_, err = NormalizeCode(generated)
	assert.NoError(t, err)
}

func TestCreate(t *testing.T) {
	d, rows, w := newDirectory(t)
	ctx := context.Background()
	host := player("alice")

	room, err := d.Create(ctx, CreateParams{GameKind: "ludo", Capacity: 2, EntryFee: 10, Creator: host})
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, room.Status)
	assert.Equal(t, 1, room.CurrentPlayers)
	assert.Equal(t, int64(10), room.PrizePot)
	assert.InDelta(t, 0.1, room.CommissionRate, 1e-9)
	assert.Len(t, room.Code, CodeLength)

	m, err := rows.GetMember(ctx, room.ID, host.UserID)
	require.NoError(t, err)
	assert.True(t, m.IsConnected)

	bal, _ := w.Balance(ctx, host.UserID)
	assert.Equal(t, int64(990), bal)
}

func TestCreateRejectsBadInput(t *testing.T) {
	d, _, _ := newDirectory(t)
	ctx := context.Background()
	bad := []CreateParams{
		{GameKind: "poker", Capacity: 2, Creator: player("a")},
		{GameKind: "ludo", Capacity: 1, Creator: player("a")},
		{GameKind: "ludo", Capacity: 9, Creator: player("a")},
		{GameKind: "ludo", Capacity: 2, EntryFee: -1, Creator: player("a")},
		{GameKind: "fifa", Capacity: 2, Creator: player("a")},
		{GameKind: "ludo", Capacity: 2},
	}
	for _, p := range bad {
		_, err := d.Create(ctx, p)
		assert.ErrorIs(t, err, models.ErrValidation, "%+v", p)
	}
}

func TestCreateRetriesCodeCollision(t *testing.T) {
	d, _, _ := newDirectory(t)
	ctx := context.Background()
	codes := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	var i int32
	d.newCode = func() (string, error) {
		n := atomic.AddInt32(&i, 1) - 1
		return codes[n], nil
	}

	first, err := d.Create(ctx, CreateParams{GameKind: "ludo", Capacity: 2, Creator: player("a")})
	require.NoError(t, err)
	second, err := d.Create(ctx, CreateParams{GameKind: "ludo", Capacity: 2, Creator: player("b")})
	require.NoError(t, err)
	assert.Equal(t, "AAAAAA", first.Code)
	assert.Equal(t, "BBBBBB", second.Code)
}

func TestCreateInsufficientFunds(t *testing.T) {
	d, _, w := newDirectory(t)
	host := player("poor")
	w.Set(host.UserID, 5)

	_, err := d.Create(context.Background(), CreateParams{GameKind: "ludo", Capacity: 2, EntryFee: 10, Creator: host})
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)
}

func TestJoinByCode(t *testing.T) {
	d, _, w := newDirectory(t)
	ctx := context.Background()
	room, err := d.Create(ctx, CreateParams{GameKind: "checkers", Capacity: 2, EntryFee: 10, Creator: player("a")})
	require.NoError(t, err)

	bob := player("bob")
	res, err := d.JoinByCode(ctx, " "+strings.ToLower(room.Code), bob)
	require.NoError(t, err)
	assert.False(t, res.Rejoined)
	assert.Equal(t, 2, res.Room.CurrentPlayers)
	assert.Equal(t, int64(20), res.Room.PrizePot)

	bal, _ := w.Balance(ctx, bob.UserID)
	assert.Equal(t, int64(990), bal)
}

func TestJoinByCodeErrors(t *testing.T) {
	d, _, w := newDirectory(t)
	ctx := context.Background()

	_, err := d.JoinByCode(ctx, "abc", player("x"))
	assert.ErrorIs(t, err, models.ErrValidation)

	_, err = d.JoinByCode(ctx, "ZZZZZZ", player("x"))
	assert.ErrorIs(t, err, models.ErrNotFound)

	room, err := d.Create(ctx, CreateParams{GameKind: "ludo", Capacity: 2, EntryFee: 10, Creator: player("a")})
	require.NoError(t, err)

	poor := player("poor")
	w.Set(poor.UserID, 3)
	_, err = d.JoinByCode(ctx, room.Code, poor)
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)

	_, err = d.JoinByCode(ctx, room.Code, player("b"))
	require.NoError(t, err)

	late := player("late")
	_, err = d.JoinByCode(ctx, room.Code, late)
	assert.ErrorIs(t, err, models.ErrCapacity)
	bal, _ := w.Balance(ctx, late.UserID)
	assert.Equal(t, int64(1000), bal, "no debit for a refused join")
}

func TestJoinByCodeIsIdempotent(t *testing.T) {
	d, rows, w := newDirectory(t)
	ctx := context.Background()
	room, err := d.Create(ctx, CreateParams{GameKind: "ludo", Capacity: 2, EntryFee: 10, Creator: player("a")})
	require.NoError(t, err)

	bob := player("bob")
	_, err = d.JoinByCode(ctx, room.Code, bob)
	require.NoError(t, err)

	_, err = rows.UpdateMember(ctx, room.ID, bob.UserID, store.MemberPatch{IsConnected: store.Bool(false), Score: store.Int(4)})
	require.NoError(t, err)

	// room is full, but bob already holds a seat
	res, err := d.JoinByCode(ctx, room.Code, bob)
	require.NoError(t, err)
	assert.True(t, res.Rejoined)
	assert.Equal(t, 2, res.Room.CurrentPlayers)

	members, err := rows.ListMembers(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, members, 2)
	m, _ := rows.GetMember(ctx, room.ID, bob.UserID)
	assert.True(t, m.IsConnected)
	assert.Equal(t, 4, m.Score)
	assert.False(t, m.Forfeited)

	bal, _ := w.Balance(ctx, bob.UserID)
	assert.Equal(t, int64(990), bal, "rejoin is free")
}

func TestConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	d, rows, w := newDirectory(t)
	ctx := context.Background()
	const capacity, joiners = 4, 20

	room, err := d.Create(ctx, CreateParams{GameKind: "cards", Capacity: capacity, EntryFee: 5, Creator: player("host")})
	require.NoError(t, err)

	var ok, full int32
	players := make([]models.Player, joiners)
	var g errgroup.Group
	for i := range players {
		players[i] = player("p")
		p := players[i]
		g.Go(func() error {
			_, err := d.JoinByCode(ctx, room.Code, p)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, models.ErrCapacity):
				atomic.AddInt32(&full, 1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(capacity-1), ok)
	assert.Equal(t, int32(joiners-capacity+1), full)

	got, err := rows.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, capacity, got.CurrentPlayers)
	assert.Equal(t, int64(5*capacity), got.PrizePot)

	// every refused player was refunded
	require.Eventually(t, func() bool {
		var total int64
		for _, p := range players {
			b, _ := w.Balance(ctx, p.UserID)
			total += b
		}
		return total == int64(joiners*1000-(capacity-1)*5)
	}, time.Second, 10*time.Millisecond)
}

func TestJoinAfterStartRejected(t *testing.T) {
	d, rows, _ := newDirectory(t)
	ctx := context.Background()
	room, err := d.Create(ctx, CreateParams{GameKind: "ludo", Capacity: 4, Creator: player("a")})
	require.NoError(t, err)
	_, _, err = rows.TransitionRoom(ctx, room.ID, store.Transition{From: []models.RoomStatus{models.StatusWaiting}, To: models.StatusStarting})
	require.NoError(t, err)

	_, err = d.JoinByCode(ctx, room.Code, player("b"))
	assert.ErrorIs(t, err, models.ErrValidation)
}
