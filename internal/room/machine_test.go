package room

import (
	"testing"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/stretchr/testify/assert"
)

func players(states ...string) []models.Membership {
	out := make([]models.Membership, 0, len(states))
	for _, s := range states {
		m := models.Membership{UserID: uuid.New()}
		switch s {
		case "ready":
			m.IsConnected, m.IsReady = true, true
		case "idle":
			m.IsConnected = true
		case "gone":
		case "forfeit":
			m.Forfeited = true
		}
		out = append(out, m)
	}
	return out
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, CanTransition(models.StatusWaiting, models.StatusStarting))
	assert.True(t, CanTransition(models.StatusStarting, models.StatusPlaying))
	assert.True(t, CanTransition(models.StatusPlaying, models.StatusEnded))
	assert.True(t, CanTransition(models.StatusWaiting, models.StatusEnded))

	assert.False(t, CanTransition(models.StatusWaiting, models.StatusPlaying))
	assert.False(t, CanTransition(models.StatusPlaying, models.StatusWaiting))
	assert.False(t, CanTransition(models.StatusEnded, models.StatusWaiting))
	assert.False(t, CanTransition(models.StatusPlaying, models.StatusStarting))

	assert.ElementsMatch(t,
		[]models.RoomStatus{models.StatusWaiting, models.StatusStarting, models.StatusPlaying},
		Sources(models.StatusEnded))
	assert.Equal(t, []models.RoomStatus{models.StatusWaiting}, Sources(models.StatusStarting))
}

func TestStartGuard(t *testing.T) {
	cases := []struct {
		name    string
		members []models.Membership
		want    bool
	}{
		{"single connected ready player", players("ready"), false},
		{"one of two ready", players("ready", "idle"), false},
		{"all of two ready", players("ready", "ready"), true},
		{"all of three ready", players("ready", "ready", "ready"), true},
		{"disconnected member does not count", players("ready", "ready", "gone"), true},
		{"disconnected leaves one", players("ready", "gone"), false},
		{"forfeited does not count", players("ready", "forfeit"), false},
		{"nobody", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, StartGuard(tc.members))
		})
	}
}

func TestShouldForceEnd(t *testing.T) {
	two := players("idle", "forfeit")
	assert.True(t, ShouldForceEnd(models.StatusPlaying, two))
	assert.True(t, ShouldForceEnd(models.StatusStarting, two))
	assert.False(t, ShouldForceEnd(models.StatusWaiting, two))
	assert.False(t, ShouldForceEnd(models.StatusEnded, two))
	assert.False(t, ShouldForceEnd(models.StatusPlaying, players("idle", "idle", "forfeit")))
}

func TestSoleSurvivorAndTopScorer(t *testing.T) {
	ms := players("idle", "forfeit")
	id, ok := SoleSurvivor(ms)
	assert.True(t, ok)
	assert.Equal(t, ms[0].UserID, id)

	_, ok = SoleSurvivor(players("idle", "idle"))
	assert.False(t, ok)

	scored := players("idle", "idle", "forfeit")
	scored[0].Score, scored[1].Score, scored[2].Score = 3, 7, 99
	id, ok = TopScorer(scored)
	assert.True(t, ok)
	assert.Equal(t, scored[1].UserID, id)

	scored[0].Score = 7
	_, ok = TopScorer(scored)
	assert.False(t, ok)
}
