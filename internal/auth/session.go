// internal/auth/session.go
package auth

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Identity is the resolved user behind a session token.
type Identity struct {
	UserID      uuid.UUID
	DisplayName string
}

// Sessions issues and verifies ed25519-signed session tokens.
type Sessions struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	// expire is zero when tokens never expire.
	expire time.Duration
	now    func() time.Time
}

// parseTokenExpireTime accepts a Go duration, or "never", "0" or "" for no expiry.
func parseTokenExpireTime(v string) (time.Duration, error) {
	if v == "never" || v == "0" || v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("failed to parse token expire time: %w", err)
	}
	return d, nil
}

// NewSessions generates a fresh ed25519 key pair at runtime. Tokens do not
// survive a restart.
func NewSessions(expire string) (*Sessions, error) {
	d, err := parseTokenExpireTime(expire)
	if err != nil {
		return nil, err
	}
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return &Sessions{privateKey: priv, publicKey: pub, expire: d, now: time.Now}, nil
}

// NewSessionsFromPath reads raw ed25519 keys from disk.
func NewSessionsFromPath(privatePath, publicPath, expire string) (*Sessions, error) {
	d, err := parseTokenExpireTime(expire)
	if err != nil {
		return nil, err
	}
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	return &Sessions{
		privateKey: ed25519.PrivateKey(privateKeyData),
		publicKey:  ed25519.PublicKey(publicKeyData),
		expire:     d,
		now:        time.Now,
	}, nil
}

// CreateJWT signs a token with "sub" = user id and "name" = display name.
func (s *Sessions) CreateJWT(id Identity) (string, error) {
	claims := jwt.MapClaims{
		"sub":  id.UserID.String(),
		"name": id.DisplayName,
		"iat":  s.now().Unix(),
	}
	if s.expire > 0 {
		claims["exp"] = s.now().Add(s.expire).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(s.privateKey)
}

// AuthenticateJWT verifies a token and returns the identity it carries.
func (s *Sessions) AuthenticateJWT(tokenString string) (Identity, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.publicKey, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return Identity{}, fmt.Errorf("invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("invalid jwt claims")
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return Identity{}, fmt.Errorf("missing sub in jwt")
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return Identity{}, fmt.Errorf("invalid user id in jwt: %w", err)
	}
	name, _ := claims["name"].(string)
	return Identity{UserID: userID, DisplayName: name}, nil
}
