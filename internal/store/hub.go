package store

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// changeHub fans row changes out to per-room subscribers.
type changeHub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan RowChange]struct{}
	log  *logrus.Logger
}

func newChangeHub(log *logrus.Logger) *changeHub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &changeHub{subs: make(map[uuid.UUID]map[chan RowChange]struct{}), log: log}
}

func (h *changeHub) subscribe(ctx context.Context, roomID uuid.UUID) <-chan RowChange {
	ch := make(chan RowChange, 32)
	h.mu.Lock()
	if h.subs[roomID] == nil {
		h.subs[roomID] = make(map[chan RowChange]struct{})
	}
	h.subs[roomID][ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[roomID], ch)
		if len(h.subs[roomID]) == 0 {
			delete(h.subs, roomID)
		}
		h.mu.Unlock()
		close(ch)
	}()
	return ch
}

// publish never blocks; a slow subscriber misses the hint and catches up on
// its next read.
func (h *changeHub) publish(c RowChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[c.RoomID] {
		select {
		case ch <- c:
		default:
			h.log.WithField("room_id", c.RoomID).Warn("row change dropped, subscriber buffer full")
		}
	}
}

// empty reports whether any room has a subscriber.
func (h *changeHub) empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs) == 0
}

// resync tells every subscriber to re-read its room, after notifications
// may have been lost.
func (h *changeHub) resync() {
	h.mu.Lock()
	rooms := make([]uuid.UUID, 0, len(h.subs))
	for id := range h.subs {
		rooms = append(rooms, id)
	}
	h.mu.Unlock()
	for _, id := range rooms {
		h.publish(RowChange{Table: TableResync, RoomID: id})
	}
}
