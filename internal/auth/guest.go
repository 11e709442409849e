package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const maxDisplayName = 32

// NewGuest mints a guest identity. An empty name becomes "guest-xxxx".
func NewGuest(displayName string) (Identity, error) {
	id := uuid.New()
	name := strings.TrimSpace(displayName)
	if name == "" {
		name = "guest-" + id.String()[:4]
	}
	if len(name) > maxDisplayName {
		return Identity{}, fmt.Errorf("display name longer than %d characters", maxDisplayName)
	}
	return Identity{UserID: id, DisplayName: name}, nil
}

type ctxKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity attached by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok
}
