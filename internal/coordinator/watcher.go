package coordinator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/channel"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/jason-s-yu/arena/internal/room"
	"github.com/jason-s-yu/arena/internal/store"
	"github.com/sirupsen/logrus"
)

const watcherEventBuffer = 128

// Watcher is one live session's view of a room. It delivers channel events
// as they arrive and a reconciled snapshot after every row change or
// refetch hint.
type Watcher struct {
	c      *Coordinator
	roomID uuid.UUID
	userID uuid.UUID
	ch     *channel.Channel
	lid    channel.ListenerID
	log    *logrus.Entry

	events    chan channel.Event
	snapshots chan models.RoomSnapshot
	refetch   chan struct{}

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	mu    sync.Mutex
	local *models.RoomSnapshot
}

// Subscribe opens a live session for a member: it joins the room channel,
// marks the membership connected, and starts following row changes.
func (c *Coordinator) Subscribe(ctx context.Context, roomID, userID uuid.UUID) (*Watcher, error) {
	snap, m, err := c.member(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if snap.Room.Status == models.StatusEnded {
		return nil, models.ErrRoomEnded
	}

	ch, err := c.channels.Connect(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}

	// A forfeited player may still watch, but stays out of the active set.
	if !m.Forfeited {
		patch := store.MemberPatch{IsConnected: store.Bool(true), Touch: true}
		if _, err := c.rows.UpdateMember(ctx, roomID, userID, patch); err != nil {
			c.channels.Disconnect(context.Background(), roomID, userID)
			return nil, err
		}
	}

	wctx, cancel := context.WithCancel(context.Background())
	changes, err := c.rows.Subscribe(wctx, roomID)
	if err != nil {
		cancel()
		c.channels.Disconnect(context.Background(), roomID, userID)
		return nil, fmt.Errorf("follow room rows: %w", err)
	}

	w := &Watcher{
		c:         c,
		roomID:    roomID,
		userID:    userID,
		ch:        ch,
		log:       c.roomLog(roomID).WithField("user_id", userID),
		events:    make(chan channel.Event, watcherEventBuffer),
		snapshots: make(chan models.RoomSnapshot, 1),
		refetch:   make(chan struct{}, 1),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	w.lid = ch.On("", w.onEvent)
	go w.run(wctx, changes)

	w.requestRefetch()
	c.hint(ctx, roomID)
	w.log.Info("session subscribed")
	return w, nil
}

// Events delivers channel traffic for the room.
func (w *Watcher) Events() <-chan channel.Event { return w.events }

// Snapshots delivers the latest reconciled room state. Only the newest
// undelivered snapshot is kept.
func (w *Watcher) Snapshots() <-chan models.RoomSnapshot { return w.snapshots }

// Done is closed once the watcher has stopped.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// RoomID returns the watched room.
func (w *Watcher) RoomID() uuid.UUID { return w.roomID }

// Current returns the last reconciled snapshot, or nil before the first
// fetch completes.
func (w *Watcher) Current() *models.RoomSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.local == nil {
		return nil
	}
	cp := *w.local
	return &cp
}

// onEvent runs on the channel's dispatch goroutine and must not block.
func (w *Watcher) onEvent(ev channel.Event) {
	if room.IsRefetchHint(ev.Name) {
		w.requestRefetch()
	}
	if ev.Name == models.EventRoomUpdate {
		return
	}
	select {
	case w.events <- ev:
	default:
		w.log.WithField("event", ev.Name).Warn("session event buffer full, dropping event")
	}
}

func (w *Watcher) requestRefetch() {
	select {
	case w.refetch <- struct{}{}:
	default:
	}
}

func (w *Watcher) run(ctx context.Context, changes <-chan store.RowChange) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
		case <-w.refetch:
		}
		w.sync(ctx)
	}
}

// sync fetches, reconciles and publishes the room state, then lets the
// coordinator react to it.
func (w *Watcher) sync(ctx context.Context) {
	fetched, err := w.c.Snapshot(ctx, w.roomID)
	if err != nil {
		if ctx.Err() == nil {
			w.log.WithError(err).Warn("room refetch failed")
		}
		return
	}

	w.mu.Lock()
	merged, stale := room.Reconcile(w.local, *fetched)
	w.local = &merged
	w.mu.Unlock()
	if stale {
		w.log.WithFields(logrus.Fields{
			"local":   merged.Room.Status,
			"fetched": fetched.Room.Status,
		}).Debug("stale room read, refetching")
		w.requestRefetch()
		return
	}

	select {
	case <-w.snapshots:
	default:
	}
	w.snapshots <- merged

	w.c.evaluate(&merged)
}

// Close ends the session and runs the coordinator's disconnect handling.
func (w *Watcher) Close(ctx context.Context) error {
	var err error
	w.closeOnce.Do(func() {
		w.ch.Off(w.lid)
		w.cancel()
		<-w.done
		err = w.c.Disconnect(ctx, w.roomID, w.userID)
		w.log.Info("session closed")
	})
	return err
}
