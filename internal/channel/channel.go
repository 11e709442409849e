// Package channel is the per-room presence and readiness bus. One Channel
// exists per room per process and is shared by every local session of that
// room. Events are dispatched to listeners on a single goroutine.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/jason-s-yu/arena/internal/pubsub"
	"github.com/jason-s-yu/arena/internal/room"
	"github.com/jason-s-yu/arena/internal/store"
	"github.com/sirupsen/logrus"
)

type listener struct {
	id    ListenerID
	event string
	h     Handler
}

// Channel is a room's ephemeral bus: broadcasts, a presence set, and the
// advisory readiness countdown.
type Channel struct {
	roomID uuid.UUID
	sub    pubsub.Subscription
	rows   store.RoomStore
	log    *logrus.Entry

	mu        sync.Mutex
	listeners []listener
	nextID    ListenerID
	local     map[uuid.UUID]int
	presence  map[uuid.UUID]models.PresenceRecord

	queueMu sync.Mutex
	queue   []Event
	notify  chan struct{}

	countdown *room.Countdown
	done      chan struct{}
	closeOnce sync.Once
	stopped   chan struct{}
}

func newChannel(roomID uuid.UUID, sub pubsub.Subscription, rows store.RoomStore, window time.Duration, log *logrus.Logger) *Channel {
	ch := &Channel{
		roomID:   roomID,
		sub:      sub,
		rows:     rows,
		log:      log.WithField("room_id", roomID),
		local:    make(map[uuid.UUID]int),
		presence: make(map[uuid.UUID]models.PresenceRecord),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	ch.countdown = room.NewCountdown(window, ch.broadcastTimer)
	go ch.dispatchLoop()
	return ch
}

// RoomID returns the room this channel serves.
func (ch *Channel) RoomID() uuid.UUID { return ch.roomID }

// Countdown returns the room's readiness countdown.
func (ch *Channel) Countdown() *room.Countdown { return ch.countdown }

// On registers h for events named event. An empty name receives everything.
func (ch *Channel) On(event string, h Handler) ListenerID {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.nextID++
	ch.listeners = append(ch.listeners, listener{id: ch.nextID, event: event, h: h})
	return ch.nextID
}

func (ch *Channel) OnPresenceSync(h Handler) ListenerID { return ch.On(models.EventPresenceSync, h) }
func (ch *Channel) OnPlayerJoined(h Handler) ListenerID { return ch.On(models.EventPlayerJoined, h) }
func (ch *Channel) OnPlayerLeft(h Handler) ListenerID { return ch.On(models.EventPlayerLeft, h) }
func (ch *Channel) OnReadyStatusChange(h Handler) ListenerID { return ch.On(models.EventReady, h) }
func (ch *Channel) OnTimerChange(h Handler) ListenerID { return ch.On(models.EventTimer, h) }
func (ch *Channel) OnGameStart(h Handler) ListenerID { return ch.On(models.EventGameStart, h) }
func (ch *Channel) OnGameOver(h Handler) ListenerID { return ch.On(models.EventGameOver, h) }
func (ch *Channel) OnMove(h Handler) ListenerID { return ch.On(models.EventMove, h) }

// Off removes a listener. Unknown ids are ignored.
func (ch *Channel) Off(id ListenerID) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i, l := range ch.listeners {
		if l.id == id {
			ch.listeners = append(ch.listeners[:i:i], ch.listeners[i+1:]...)
			return
		}
	}
}

// Presence returns the last presence set seen on the channel.
func (ch *Channel) Presence() map[uuid.UUID]models.PresenceRecord {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return copyPresence(ch.presence)
}

// BroadcastReady mirrors a ready toggle into the presence record, fans it out,
// and persists it on the membership row. The two writes are not atomic; the
// next refetch settles any difference.
func (ch *Channel) BroadcastReady(ctx context.Context, userID uuid.UUID, ready bool) error {
	ch.mu.Lock()
	rec, ok := ch.presence[userID]
	ch.mu.Unlock()
	if !ok {
		rec = models.PresenceRecord{UserID: userID, ConnectedAt: time.Now()}
	}
	rec.Ready = ready
	if err := ch.sub.Track(ctx, userID.String(), rec); err != nil {
		return err
	}
	if err := ch.send(ctx, models.EventReady, readyPayload{UserID: userID, Ready: ready}); err != nil {
		return err
	}
	if _, err := ch.rows.UpdateMember(ctx, ch.roomID, userID, store.MemberPatch{IsReady: store.Bool(ready), Touch: true}); err != nil {
		return err
	}
	return nil
}

// Touch re-publishes userID's presence record so the substrate's expiry
// does not prune a live session.
func (ch *Channel) Touch(ctx context.Context, userID uuid.UUID) error {
	ch.mu.Lock()
	rec, ok := ch.presence[userID]
	ch.mu.Unlock()
	if !ok {
		rec = models.PresenceRecord{UserID: userID, ConnectedAt: time.Now()}
	}
	return ch.sub.Track(ctx, userID.String(), rec)
}

// BroadcastGameStart announces that the room has entered play.
func (ch *Channel) BroadcastGameStart(ctx context.Context, payload any) error {
	return ch.send(ctx, models.EventGameStart, payload)
}

// BroadcastGameOver announces the final result.
func (ch *Channel) BroadcastGameOver(ctx context.Context, payload any) error {
	return ch.send(ctx, models.EventGameOver, payload)
}

// BroadcastMove relays a move from userID. Moves are never persisted.
func (ch *Channel) BroadcastMove(ctx context.Context, userID uuid.UUID, payload json.RawMessage) error {
	return ch.send(ctx, models.EventMove, actorPayload{UserID: userID, Data: payload})
}

// BroadcastForfeit announces that userID left a match in progress.
func (ch *Channel) BroadcastForfeit(ctx context.Context, userID uuid.UUID) error {
	return ch.send(ctx, models.EventForfeit, actorPayload{UserID: userID})
}

// BroadcastRoomUpdate hints peers to refetch persisted state.
func (ch *Channel) BroadcastRoomUpdate(ctx context.Context) error {
	return ch.send(ctx, models.EventRoomUpdate, nil)
}

func (ch *Channel) broadcastTimer(st room.TimerState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ch.send(ctx, models.EventTimer, st); err != nil {
		ch.log.WithError(err).Warn("failed to broadcast timer change")
	}
}

// send publishes to remote subscribers and delivers to local listeners, since
// the substrate does not echo a sender's own broadcasts.
func (ch *Channel) send(ctx context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	if payload == nil {
		raw = nil
	}
	if err := ch.sub.Send(ctx, event, json.RawMessage(raw)); err != nil {
		return err
	}
	ch.enqueue(ch.decodeBroadcast(event, raw))
	return nil
}

func (ch *Channel) enqueue(ev Event) {
	ch.queueMu.Lock()
	ch.queue = append(ch.queue, ev)
	ch.queueMu.Unlock()
	select {
	case ch.notify <- struct{}{}:
	default:
	}
}

func (ch *Channel) drain() []Event {
	ch.queueMu.Lock()
	defer ch.queueMu.Unlock()
	q := ch.queue
	ch.queue = nil
	return q
}

func (ch *Channel) dispatchLoop() {
	defer close(ch.stopped)
	msgs := ch.sub.Messages()
	for {
		select {
		case <-ch.done:
			return
		case <-ch.notify:
			for _, ev := range ch.drain() {
				ch.dispatch(ev)
			}
		case msg, ok := <-msgs:
			if !ok {
				ch.log.Debug("substrate subscription ended")
				return
			}
			for _, ev := range ch.translate(msg) {
				ch.dispatch(ev)
			}
		}
	}
}

// dispatch calls matching listeners without holding the lock, so handlers
// may register or remove listeners.
func (ch *Channel) dispatch(ev Event) {
	ch.mu.Lock()
	hs := make([]Handler, 0, len(ch.listeners))
	for _, l := range ch.listeners {
		if l.event == "" || l.event == ev.Name {
			hs = append(hs, l.h)
		}
	}
	ch.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// translate turns one substrate message into channel events and keeps the
// local presence view current.
func (ch *Channel) translate(msg pubsub.Message) []Event {
	switch msg.Kind {
	case pubsub.KindBroadcast:
		return []Event{ch.decodeBroadcast(msg.Event, msg.Payload)}
	case pubsub.KindPresenceSync, pubsub.KindPresenceJoin, pubsub.KindPresenceLeave:
	default:
		ch.log.WithField("kind", msg.Kind).Warn("unknown substrate message")
		return nil
	}

	set := make(map[uuid.UUID]models.PresenceRecord, len(msg.Presences))
	for k, v := range msg.Presences {
		id, err := uuid.Parse(k)
		if err != nil {
			continue
		}
		set[id] = v
	}
	ch.mu.Lock()
	prev := ch.presence
	ch.presence = set
	ch.mu.Unlock()

	var out []Event
	if msg.Kind != pubsub.KindPresenceSync {
		id, err := uuid.Parse(msg.Key)
		if err == nil {
			_, wasPresent := prev[id]
			switch {
			case msg.Kind == pubsub.KindPresenceJoin && !wasPresent:
				out = append(out, Event{Name: models.EventPlayerJoined, RoomID: ch.roomID, UserID: id})
			case msg.Kind == pubsub.KindPresenceLeave:
				out = append(out, Event{Name: models.EventPlayerLeft, RoomID: ch.roomID, UserID: id})
			}
		}
	}
	return append(out, Event{Name: models.EventPresenceSync, RoomID: ch.roomID, Presences: copyPresence(set)})
}

func (ch *Channel) decodeBroadcast(event string, raw json.RawMessage) Event {
	ev := Event{Name: event, RoomID: ch.roomID, Payload: raw}
	switch event {
	case models.EventReady:
		var p readyPayload
		if json.Unmarshal(raw, &p) == nil {
			ev.UserID, ev.Ready = p.UserID, p.Ready
		}
	case models.EventTimer:
		var st room.TimerState
		if json.Unmarshal(raw, &st) == nil {
			ev.Timer = &st
		}
	case models.EventMove, models.EventForfeit:
		var p actorPayload
		if json.Unmarshal(raw, &p) == nil {
			ev.UserID = p.UserID
			ev.Payload = p.Data
		}
	}
	return ev
}

// addLocal counts a local session for userID and reports whether it is the
// first one. Callers hold the registry lock.
func (ch *Channel) addLocal(userID uuid.UUID) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.local[userID]++
	return ch.local[userID] == 1
}

// removeLocal drops one local session. It reports whether userID had one and
// whether it was the last.
func (ch *Channel) removeLocal(userID uuid.UUID) (had, last bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	n, ok := ch.local[userID]
	if !ok {
		return false, false
	}
	if n <= 1 {
		delete(ch.local, userID)
		return true, true
	}
	ch.local[userID] = n - 1
	return true, false
}

func (ch *Channel) localCount() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.local)
}

// HasLocal reports whether userID has a live session on this process.
func (ch *Channel) HasLocal(userID uuid.UUID) bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.local[userID] > 0
}

func (ch *Channel) close() {
	ch.closeOnce.Do(func() {
		ch.countdown.Stop()
		close(ch.done)
		if err := ch.sub.Close(); err != nil {
			ch.log.WithError(err).Warn("closing substrate subscription")
		}
	})
}

func copyPresence(in map[uuid.UUID]models.PresenceRecord) map[uuid.UUID]models.PresenceRecord {
	out := make(map[uuid.UUID]models.PresenceRecord, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
