// Package pubsub is the channel substrate: named topics carrying broadcast
// messages and a keyed presence set. Delivery is best-effort and only to
// current subscribers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jason-s-yu/arena/internal/models"
)

// Message kinds.
const (
	KindBroadcast     = "broadcast"
	KindPresenceJoin  = "presence_join"
	KindPresenceLeave = "presence_leave"
	KindPresenceSync  = "presence_sync"
)

// Message is one delivery on a subscription. Presence messages carry the
// full presence set as of the change in Presences.
type Message struct {
	Kind      string                           `json:"kind"`
	Event     string                           `json:"event,omitempty"`
	Payload   json.RawMessage                  `json:"payload,omitempty"`
	Key       string                           `json:"key,omitempty"`
	Presence  *models.PresenceRecord           `json:"presence,omitempty"`
	Presences map[string]models.PresenceRecord `json:"presences,omitempty"`
	From      string                           `json:"from,omitempty"`
}

// Broker opens subscriptions on named topics.
type Broker interface {
	// Subscribe returns once the substrate has confirmed the subscription.
	// Handshake failures wrap models.ErrChannel.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// Subscription is one attachment to a topic.
type Subscription interface {
	// Messages is closed when the subscription ends.
	Messages() <-chan Message
	// Send broadcasts to every other subscriber of the topic.
	Send(ctx context.Context, event string, payload any) error
	Track(ctx context.Context, key string, p models.PresenceRecord) error
	Untrack(ctx context.Context, key string) error
	Presence(ctx context.Context) (map[string]models.PresenceRecord, error)
	Close() error
}

func channelErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, models.ErrChannel, err)
}

func encodePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}

func copyPresence(in map[string]models.PresenceRecord) map[string]models.PresenceRecord {
	out := make(map[string]models.PresenceRecord, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
