package channel

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/jason-s-yu/arena/internal/pubsub"
	"github.com/jason-s-yu/arena/internal/store"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Registry owns the process's room channels. A channel is created on the
// first Connect for its room and disposed when its last local session
// disconnects.
type Registry struct {
	broker pubsub.Broker
	rows   store.RoomStore
	log    *logrus.Logger
	window time.Duration

	mu       sync.Mutex
	channels map[uuid.UUID]*Channel
	opening  singleflight.Group
}

// NewRegistry builds an empty registry. window is the readiness countdown
// length used by every channel.
func NewRegistry(broker pubsub.Broker, rows store.RoomStore, window time.Duration, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Registry{
		broker:   broker,
		rows:     rows,
		log:      log,
		window:   window,
		channels: make(map[uuid.UUID]*Channel),
	}
}

// Get returns the live channel for roomID, if this process has one.
func (r *Registry) Get(roomID uuid.UUID) (*Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.channels[roomID]
	return ch, ok
}

// Len reports how many channels are open.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// Connect attaches a local session of userID to the room's channel, opening
// the substrate subscription if this is the room's first session. Presence is
// published only after the subscription handshake succeeds. Failures wrap
// models.ErrChannel and are not retried.
func (r *Registry) Connect(ctx context.Context, roomID, userID uuid.UUID) (*Channel, error) {
	ch, first, err := r.attach(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !first {
		return ch, nil
	}
	rec := models.PresenceRecord{UserID: userID, ConnectedAt: time.Now()}
	if err := ch.sub.Track(ctx, userID.String(), rec); err != nil {
		r.Disconnect(context.Background(), roomID, userID)
		return nil, err
	}
	r.log.WithFields(logrus.Fields{"room_id": roomID, "user_id": userID}).Debug("presence tracked")
	return ch, nil
}

func (r *Registry) attach(ctx context.Context, roomID, userID uuid.UUID) (*Channel, bool, error) {
	for {
		r.mu.Lock()
		if ch, ok := r.channels[roomID]; ok {
			first := ch.addLocal(userID)
			r.mu.Unlock()
			return ch, first, nil
		}
		r.mu.Unlock()

		_, err, _ := r.opening.Do(roomID.String(), func() (any, error) {
			r.mu.Lock()
			_, ok := r.channels[roomID]
			r.mu.Unlock()
			if ok {
				return nil, nil
			}
			sub, err := r.broker.Subscribe(ctx, roomID.String())
			if err != nil {
				return nil, err
			}
			ch := newChannel(roomID, sub, r.rows, r.window, r.log)
			r.mu.Lock()
			r.channels[roomID] = ch
			r.mu.Unlock()
			r.log.WithField("room_id", roomID).Info("room channel opened")
			return nil, nil
		})
		if err != nil {
			return nil, false, err
		}
		// Loop to take a local reference under the lock; a racing
		// Disconnect may have disposed the channel in between.
	}
}

// Disconnect removes one local session of userID. The user's presence is
// untracked when their last session leaves, and the channel is disposed when
// no local sessions remain. Calling it for a session that never connected is a
// no-op.
func (r *Registry) Disconnect(ctx context.Context, roomID, userID uuid.UUID) {
	r.mu.Lock()
	ch, ok := r.channels[roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	had, last := ch.removeLocal(userID)
	if !had {
		r.mu.Unlock()
		return
	}
	empty := ch.localCount() == 0
	if empty {
		delete(r.channels, roomID)
	}
	r.mu.Unlock()

	if last {
		if err := ch.sub.Untrack(ctx, userID.String()); err != nil {
			r.log.WithError(err).WithField("room_id", roomID).Warn("failed to untrack presence")
		}
	}
	if empty {
		ch.close()
		r.log.WithField("room_id", roomID).Info("room channel disposed")
	}
}

// Close disposes every channel, for shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	chans := r.channels
	r.channels = make(map[uuid.UUID]*Channel)
	r.mu.Unlock()
	for _, ch := range chans {
		ch.close()
	}
}
