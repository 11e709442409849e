package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndAuthenticate(t *testing.T) {
	s, err := NewSessions("1h")
	require.NoError(t, err)

	guest, err := NewGuest("alice")
	require.NoError(t, err)

	token, err := s.CreateJWT(guest)
	require.NoError(t, err)

	got, err := s.AuthenticateJWT(token)
	require.NoError(t, err)
	assert.Equal(t, guest, got)
}

func TestExpiredTokenRejected(t *testing.T) {
	s, err := NewSessions("1m")
	require.NoError(t, err)
	s.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	guest, err := NewGuest("")
	require.NoError(t, err)
	token, err := s.CreateJWT(guest)
	require.NoError(t, err)

	_, err = s.AuthenticateJWT(token)
	assert.Error(t, err)
}

func TestTokenFromOtherKeyRejected(t *testing.T) {
	a, err := NewSessions("never")
	require.NoError(t, err)
	b, err := NewSessions("never")
	require.NoError(t, err)

	guest, _ := NewGuest("bob")
	token, err := a.CreateJWT(guest)
	require.NoError(t, err)
	_, err = b.AuthenticateJWT(token)
	assert.Error(t, err)
}

func TestParseTokenExpireTime(t *testing.T) {
	d, err := parseTokenExpireTime("never")
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = parseTokenExpireTime("soon")
	assert.Error(t, err)
}

func TestGuestNameAndContext(t *testing.T) {
	g, err := NewGuest("  ")
	require.NoError(t, err)
	assert.Contains(t, g.DisplayName, "guest-")

	_, err = NewGuest("this display name is certainly far too long to accept")
	assert.Error(t, err)

	ctx := WithIdentity(context.Background(), g)
	got, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, g.UserID, got.UserID)
}
