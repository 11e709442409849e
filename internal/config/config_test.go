package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_BACKEND", "Memory")
	t.Setenv("BROKER_BACKEND", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 1500*time.Millisecond, cfg.Room.AutoStartDelay)
	assert.Equal(t, 5*time.Minute, cfg.Room.CountdownWindow)
	assert.Equal(t, 60*time.Second, cfg.Room.HeartbeatInterval)
	assert.Equal(t, time.Minute, cfg.Room.ActivityInterval)
	assert.InDelta(t, 0.10, cfg.Room.DefaultCommission, 1e-9)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "mongo")
	_, err := Load()
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	p := Postgres{User: "u", Password: "p", Host: "db", Port: "5433", Database: "arena"}
	assert.Equal(t, "postgres://u:p@db:5433/arena", p.DSN())
}
