package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/sirupsen/logrus"
)

type memberKey struct {
	room uuid.UUID
	user uuid.UUID
}

// Memory is an in-process RoomStore. Each method holds the lock for the
// whole read-modify-write, which gives the same single-row atomicity the
// Postgres store gets from conditional UPDATEs.
type Memory struct {
	mu      sync.RWMutex
	rooms   map[uuid.UUID]*models.Room
	members map[memberKey]*models.Membership
	order   map[uuid.UUID][]uuid.UUID
	hub     *changeHub
	now     func() time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory(log *logrus.Logger) *Memory {
	return &Memory{
		rooms:   make(map[uuid.UUID]*models.Room),
		members: make(map[memberKey]*models.Membership),
		order:   make(map[uuid.UUID][]uuid.UUID),
		hub:     newChangeHub(log),
		now:     time.Now,
	}
}

func (s *Memory) InsertRoom(ctx context.Context, room *models.Room, host models.Membership) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	for _, r := range s.rooms {
		if r.Code == room.Code && r.Status != models.StatusEnded {
			s.mu.Unlock()
			return ErrCodeTaken
		}
	}
	if _, ok := s.rooms[room.ID]; ok {
		s.mu.Unlock()
		return persistence("insert room", fmt.Errorf("duplicate id %s", room.ID))
	}
	r := room.Clone()
	r.ConnectedPlayerIDs = nil
	s.rooms[r.ID] = r
	m := host
	m.RoomID = r.ID
	s.members[memberKey{r.ID, m.UserID}] = &m
	s.order[r.ID] = []uuid.UUID{m.UserID}
	s.mu.Unlock()

	s.hub.publish(RowChange{Table: "rooms", RoomID: r.ID})
	return nil
}

func (s *Memory) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", id, models.ErrNotFound)
	}
	return s.withConnected(r), nil
}

func (s *Memory) GetRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.rooms {
		if r.Code == code && r.Status != models.StatusEnded {
			return s.withConnected(r), nil
		}
	}
	return nil, fmt.Errorf("room code %s: %w", code, models.ErrNotFound)
}

// withConnected must be called with the lock held.
func (s *Memory) withConnected(r *models.Room) *models.Room {
	c := r.Clone()
	c.ConnectedPlayerIDs = make([]uuid.UUID, 0, len(s.order[r.ID]))
	for _, uid := range s.order[r.ID] {
		if s.members[memberKey{r.ID, uid}].Active() {
			c.ConnectedPlayerIDs = append(c.ConnectedPlayerIDs, uid)
		}
	}
	return c
}

func (s *Memory) ListMembers(ctx context.Context, roomID uuid.UUID) ([]models.Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Membership, 0, len(s.order[roomID]))
	for _, uid := range s.order[roomID] {
		out = append(out, *s.members[memberKey{roomID, uid}])
	}
	return out, nil
}

func (s *Memory) GetMember(ctx context.Context, roomID, userID uuid.UUID) (*models.Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey{roomID, userID}]
	if !ok {
		return nil, fmt.Errorf("member %s in room %s: %w", userID, roomID, models.ErrNotFound)
	}
	c := *m
	return &c, nil
}

func (s *Memory) AdmitMember(ctx context.Context, m models.Membership, fee int64) (*models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	r, ok := s.rooms[m.RoomID]
	switch {
	case !ok:
		s.mu.Unlock()
		return nil, fmt.Errorf("room %s: %w", m.RoomID, models.ErrNotFound)
	case s.members[memberKey{m.RoomID, m.UserID}] != nil:
		s.mu.Unlock()
		return nil, ErrMemberExists
	case r.Status != models.StatusWaiting:
		s.mu.Unlock()
		return nil, fmt.Errorf("room is %s: %w", r.Status, models.ErrValidation)
	case r.CurrentPlayers >= r.Capacity:
		s.mu.Unlock()
		return nil, models.ErrCapacity
	}
	r.CurrentPlayers++
	r.PrizePot += fee
	row := m
	s.members[memberKey{m.RoomID, m.UserID}] = &row
	s.order[m.RoomID] = append(s.order[m.RoomID], m.UserID)
	out := s.withConnected(r)
	s.mu.Unlock()

	s.hub.publish(RowChange{Table: "rooms", RoomID: m.RoomID})
	s.hub.publish(RowChange{Table: "memberships", RoomID: m.RoomID, UserID: m.UserID})
	return out, nil
}

func (s *Memory) UpdateMember(ctx context.Context, roomID, userID uuid.UUID, patch MemberPatch) (*models.Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
	}
	if r.Status == models.StatusEnded {
		s.mu.Unlock()
		return nil, models.ErrRoomEnded
	}
	m, ok := s.members[memberKey{roomID, userID}]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("member %s in room %s: %w", userID, roomID, models.ErrNotFound)
	}
	applyPatch(m, patch, s.now())
	out := *m
	s.mu.Unlock()

	s.hub.publish(RowChange{Table: "memberships", RoomID: roomID, UserID: userID})
	return &out, nil
}

func applyPatch(m *models.Membership, p MemberPatch, now time.Time) {
	if p.IsConnected != nil {
		m.IsConnected = *p.IsConnected
	}
	if p.IsReady != nil {
		m.IsReady = *p.IsReady
	}
	if p.Score != nil {
		m.Score = *p.Score
	}
	if p.Forfeited != nil {
		m.Forfeited = *p.Forfeited
	}
	if p.GameHandle != nil {
		m.GameHandle = *p.GameHandle
	}
	if p.Touch {
		m.LastSeenAt = now
	}
}

func (s *Memory) TransitionRoom(ctx context.Context, roomID uuid.UUID, t Transition) (*models.Room, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	r, ok := s.rooms[roomID]
	if !ok {
		s.mu.Unlock()
		return nil, false, fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
	}
	if !t.allows(r.Status) {
		out := s.withConnected(r)
		s.mu.Unlock()
		return out, false, nil
	}
	r.Status = t.To
	at := t.At
	switch t.To {
	case models.StatusPlaying:
		r.StartedAt = &at
	case models.StatusEnded:
		r.EndedAt = &at
		r.EndReason = t.Reason
		r.WinnerUserID = t.WinnerID
	}
	out := s.withConnected(r)
	s.mu.Unlock()

	s.hub.publish(RowChange{Table: "rooms", RoomID: roomID})
	return out, true, nil
}

func (s *Memory) Subscribe(ctx context.Context, roomID uuid.UUID) (<-chan RowChange, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.subscribe(ctx, roomID), nil
}

func (s *Memory) ListActiveRooms(ctx context.Context) ([]models.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Room
	for _, r := range s.rooms {
		if r.Status != models.StatusEnded {
			out = append(out, *s.withConnected(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
