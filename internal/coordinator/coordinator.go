// Package coordinator is the room service facade. Every operation re-reads
// persisted rows before deciding, holds no lock across backend calls, and
// returns either the refreshed snapshot or a taxonomy error.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/cache"
	"github.com/jason-s-yu/arena/internal/channel"
	"github.com/jason-s-yu/arena/internal/directory"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/jason-s-yu/arena/internal/room"
	"github.com/jason-s-yu/arena/internal/store"
	"github.com/sirupsen/logrus"
)

// Recorder receives an audit record of every mutating action. Recording is
// best-effort.
type Recorder interface {
	Record(ctx context.Context, rec cache.RoomActionRecord) error
}

// Result is a reported match outcome.
type Result struct {
	// Scores maps members to final scores. Members left out keep theirs.
	Scores map[uuid.UUID]int `json:"scores"`

	// WinnerID may be nil, in which case the top scorer wins.
	WinnerID uuid.UUID `json:"winner_id,omitempty"`
}

// gameOverPayload is broadcast when a room ends.
type gameOverPayload struct {
	Reason   string            `json:"reason"`
	WinnerID uuid.UUID         `json:"winner_id,omitempty"`
	Scores   map[uuid.UUID]int `json:"scores,omitempty"`
	Payout   int64             `json:"payout"`
	EndedAt  time.Time         `json:"ended_at"`
}

type gameStartPayload struct {
	StartedBy uuid.UUID `json:"started_by,omitempty"`
}

// Coordinator drives rooms through their lifecycle.
type Coordinator struct {
	dir      *directory.Directory
	rows     store.RoomStore
	channels *channel.Registry
	recorder Recorder
	policy   Policy
	log      *logrus.Logger
	now      func() time.Time

	mu           sync.Mutex
	pendingStart map[uuid.UUID]*time.Timer
	lastActivity map[uuid.UUID]time.Time
}

// New wires a coordinator. recorder may be nil.
func New(dir *directory.Directory, rows store.RoomStore, channels *channel.Registry, recorder Recorder, policy Policy, log *logrus.Logger) *Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Coordinator{
		dir:          dir,
		rows:         rows,
		channels:     channels,
		recorder:     recorder,
		policy:       policy,
		log:          log,
		now:          time.Now,
		pendingStart: make(map[uuid.UUID]*time.Timer),
		lastActivity: make(map[uuid.UUID]time.Time),
	}
}

// Policy returns the coordinator's timing policy.
func (c *Coordinator) Policy() Policy { return c.policy }

func (c *Coordinator) roomLog(roomID uuid.UUID) *logrus.Entry {
	return c.log.WithField("room_id", roomID)
}

// Snapshot reads the room and its members.
func (c *Coordinator) Snapshot(ctx context.Context, roomID uuid.UUID) (*models.RoomSnapshot, error) {
	return store.Snapshot(ctx, c.rows, roomID)
}

// Validate checks a game kind, for deep links.
func (c *Coordinator) Validate(kind string) error {
	return c.dir.Validate(kind)
}

// CreateRoom creates a room with the creator seated and connected.
func (c *Coordinator) CreateRoom(ctx context.Context, p directory.CreateParams) (*models.RoomSnapshot, error) {
	r, err := c.dir.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	c.record(ctx, r.ID, p.Creator.UserID, "create_room", map[string]any{
		"game_kind": r.GameKind, "capacity": r.Capacity, "entry_fee": r.EntryFee,
	})
	return c.Snapshot(ctx, r.ID)
}

// JoinByCode admits or reconnects a player.
func (c *Coordinator) JoinByCode(ctx context.Context, code string, p models.Player) (*models.RoomSnapshot, error) {
	res, err := c.dir.JoinByCode(ctx, code, p)
	if err != nil {
		return nil, err
	}
	action := "join"
	if res.Rejoined {
		action = "rejoin"
	}
	c.record(ctx, res.Room.ID, p.UserID, action, nil)
	c.hint(ctx, res.Room.ID)
	return c.settle(ctx, res.Room.ID)
}

// member loads roomID's snapshot and userID's membership in it.
func (c *Coordinator) member(ctx context.Context, roomID, userID uuid.UUID) (*models.RoomSnapshot, models.Membership, error) {
	snap, err := c.Snapshot(ctx, roomID)
	if err != nil {
		return nil, models.Membership{}, err
	}
	m, ok := snap.Member(userID)
	if !ok {
		return nil, models.Membership{}, fmt.Errorf("user %s is not in room %s: %w", userID, roomID, models.ErrNotFound)
	}
	return snap, m, nil
}

// ToggleReady sets the player's ready flag. Ready only means something while
// the room is waiting.
func (c *Coordinator) ToggleReady(ctx context.Context, roomID, userID uuid.UUID, ready bool) (*models.RoomSnapshot, error) {
	snap, m, err := c.member(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if snap.Room.Status != models.StatusWaiting {
		return nil, fmt.Errorf("room is %s: %w", snap.Room.Status, models.ErrValidation)
	}
	if m.Forfeited {
		return nil, fmt.Errorf("player has forfeited: %w", models.ErrValidation)
	}

	if ch, ok := c.channels.Get(roomID); ok && ch.HasLocal(userID) {
		err = ch.BroadcastReady(ctx, userID, ready)
	} else {
		// No live session here: persist only, watchers pick it up from the
		// row change.
		_, err = c.rows.UpdateMember(ctx, roomID, userID, store.MemberPatch{
			IsReady: store.Bool(ready), IsConnected: store.Bool(true), Touch: true,
		})
	}
	if err != nil {
		return nil, err
	}
	c.record(ctx, roomID, userID, "ready", map[string]any{"ready": ready})
	return c.settle(ctx, roomID)
}

// StartGame runs the start guard on a fresh read. An unmet guard is not an
// error: the current snapshot comes back unchanged.
func (c *Coordinator) StartGame(ctx context.Context, roomID, userID uuid.UUID) (*models.RoomSnapshot, error) {
	if _, _, err := c.member(ctx, roomID, userID); err != nil {
		return nil, err
	}
	return c.tryStart(ctx, roomID, userID)
}

// tryStart is the single path into Starting for both manual and automatic
// starts.
func (c *Coordinator) tryStart(ctx context.Context, roomID, by uuid.UUID) (*models.RoomSnapshot, error) {
	log := c.roomLog(roomID)
	snap, err := c.Snapshot(ctx, roomID)
	if err != nil {
		return nil, err
	}
	switch snap.Room.Status {
	case models.StatusWaiting:
		if !room.StartGuard(snap.Members) {
			connected, ready := room.Counts(snap.Members)
			log.WithFields(logrus.Fields{"connected": connected, "ready": ready}).Debug("start guard not met")
			return snap, nil
		}
	case models.StatusStarting:
		// A previous start stopped half way; finish it below.
	default:
		return snap, nil
	}

	r, changed, err := c.rows.TransitionRoom(ctx, roomID, store.Transition{
		From: room.Sources(models.StatusStarting),
		To:   models.StatusStarting,
		At:   c.now(),
	})
	if err != nil {
		return nil, err
	}
	if changed {
		c.cancelPendingStart(roomID)
		if ch, ok := c.channels.Get(roomID); ok {
			ch.Countdown().Stop()
			if err := ch.BroadcastGameStart(ctx, gameStartPayload{StartedBy: by}); err != nil {
				log.WithError(err).Warn("failed to broadcast game start")
			}
		}
		c.record(ctx, roomID, by, "start", nil)
		log.Info("room starting")
	}

	if r.Status == models.StatusStarting {
		r, changed, err = c.rows.TransitionRoom(ctx, roomID, store.Transition{
			From: []models.RoomStatus{models.StatusStarting},
			To:   models.StatusPlaying,
			At:   c.now(),
		})
		if err != nil {
			return nil, err
		}
		if changed {
			log.WithField("started_at", r.StartedAt).Info("room playing")
			c.hint(ctx, roomID)
		}
	}
	return c.Snapshot(ctx, roomID)
}

// Forfeit ends userID's participation. Mid-match it marks the membership
// forfeited and disconnected and ends the room if fewer than two active
// players remain. In the lobby it is the same as Leave.
func (c *Coordinator) Forfeit(ctx context.Context, roomID, userID uuid.UUID) (*models.RoomSnapshot, error) {
	snap, _, err := c.member(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	switch {
	case snap.Room.Status == models.StatusEnded:
		return nil, models.ErrRoomEnded
	case snap.Room.Status == models.StatusWaiting:
		return c.leaveLobby(ctx, roomID, userID)
	}

	log := c.roomLog(roomID).WithField("user_id", userID)
	err = retryOnce(ctx, log, c.policy.RetryDelay, "forfeit", func(ctx context.Context) error {
		_, err := c.rows.UpdateMember(ctx, roomID, userID, store.MemberPatch{
			Forfeited: store.Bool(true), IsConnected: store.Bool(false), IsReady: store.Bool(false), Touch: true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info("player forfeited")
	c.record(ctx, roomID, userID, "forfeit", nil)
	if ch, ok := c.channels.Get(roomID); ok {
		if err := ch.BroadcastForfeit(ctx, userID); err != nil {
			log.WithError(err).Warn("failed to broadcast forfeit")
		}
	}

	snap, err = c.Snapshot(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.ShouldForceEnd(snap.Room.Status, snap.Members) {
		winner, _ := room.SoleSurvivor(snap.Members)
		if _, err := c.end(ctx, roomID, models.EndReasonForfeit, winner, nil); err != nil {
			return nil, err
		}
		return c.Snapshot(ctx, roomID)
	}
	return snap, nil
}

// Leave is a voluntary exit. In the lobby the seat is kept but marked
// disconnected and unready; mid-match it is a forfeit; after the end it does
// nothing.
func (c *Coordinator) Leave(ctx context.Context, roomID, userID uuid.UUID) (*models.RoomSnapshot, error) {
	snap, _, err := c.member(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	switch {
	case snap.Room.Status == models.StatusEnded:
		return snap, nil
	case snap.Room.Status.InMatch():
		return c.Forfeit(ctx, roomID, userID)
	}
	return c.leaveLobby(ctx, roomID, userID)
}

func (c *Coordinator) leaveLobby(ctx context.Context, roomID, userID uuid.UUID) (*models.RoomSnapshot, error) {
	log := c.roomLog(roomID).WithField("user_id", userID)
	err := retryOnce(ctx, log, c.policy.RetryDelay, "leave", func(ctx context.Context) error {
		_, err := c.rows.UpdateMember(ctx, roomID, userID, store.MemberPatch{
			IsConnected: store.Bool(false), IsReady: store.Bool(false), Touch: true,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Info("player left lobby")
	c.record(ctx, roomID, userID, "leave", nil)
	c.hint(ctx, roomID)
	return c.settle(ctx, roomID)
}

// SendMove relays a move to the room. Moves are not persisted.
func (c *Coordinator) SendMove(ctx context.Context, roomID, userID uuid.UUID, payload json.RawMessage) error {
	ch, ok := c.channels.Get(roomID)
	if !ok || !ch.HasLocal(userID) {
		return fmt.Errorf("no live session for user in room: %w", models.ErrChannel)
	}
	snap, m, err := c.member(ctx, roomID, userID)
	if err != nil {
		return err
	}
	if snap.Room.Status != models.StatusPlaying {
		return fmt.Errorf("room is %s: %w", snap.Room.Status, models.ErrValidation)
	}
	if m.Forfeited {
		return fmt.Errorf("player has forfeited: %w", models.ErrValidation)
	}
	if err := ch.BroadcastMove(ctx, userID, payload); err != nil {
		return err
	}
	c.noteActivity(ctx, roomID, userID, "move")
	return nil
}

// EndGame records a reported result: scores first, then the Ended transition,
// then the game_over broadcast.
func (c *Coordinator) EndGame(ctx context.Context, roomID, userID uuid.UUID, res Result) (*models.RoomSnapshot, error) {
	snap, _, err := c.member(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if snap.Room.Status == models.StatusEnded {
		return nil, models.ErrRoomEnded
	}
	if !snap.Room.Status.InMatch() {
		return nil, fmt.Errorf("room is %s: %w", snap.Room.Status, models.ErrValidation)
	}
	for uid := range res.Scores {
		if _, ok := snap.Member(uid); !ok {
			return nil, fmt.Errorf("score for non-member %s: %w", uid, models.ErrValidation)
		}
	}
	if res.WinnerID != uuid.Nil {
		if _, ok := snap.Member(res.WinnerID); !ok {
			return nil, fmt.Errorf("winner %s is not a member: %w", res.WinnerID, models.ErrValidation)
		}
	}

	for uid, score := range res.Scores {
		if _, err := c.rows.UpdateMember(ctx, roomID, uid, store.MemberPatch{Score: store.Int(score)}); err != nil {
			return nil, err
		}
	}

	winner := res.WinnerID
	if winner == uuid.Nil {
		members, err := c.rows.ListMembers(ctx, roomID)
		if err != nil {
			return nil, err
		}
		winner, _ = room.TopScorer(members)
	}
	c.record(ctx, roomID, userID, "report_result", map[string]any{"winner_id": winner, "scores": res.Scores})
	if _, err := c.end(ctx, roomID, models.EndReasonResult, winner, res.Scores); err != nil {
		return nil, err
	}
	return c.Snapshot(ctx, roomID)
}

// ExpireRoom ends a room from outside, e.g. after an inactivity timeout.
func (c *Coordinator) ExpireRoom(ctx context.Context, roomID uuid.UUID, reason string) (*models.RoomSnapshot, error) {
	if reason == "" {
		reason = models.EndReasonTimeout
	}
	if _, err := c.end(ctx, roomID, reason, uuid.Nil, nil); err != nil {
		return nil, err
	}
	return c.Snapshot(ctx, roomID)
}

// end moves the room to Ended from any live status and announces it. It
// reports whether this call made the change.
func (c *Coordinator) end(ctx context.Context, roomID uuid.UUID, reason string, winner uuid.UUID, scores map[uuid.UUID]int) (bool, error) {
	r, changed, err := c.rows.TransitionRoom(ctx, roomID, store.Transition{
		From:     room.Sources(models.StatusEnded),
		To:       models.StatusEnded,
		At:       c.now(),
		Reason:   reason,
		WinnerID: winner,
	})
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	c.cancelPendingStart(roomID)
	c.mu.Lock()
	delete(c.lastActivity, roomID)
	c.mu.Unlock()

	log := c.roomLog(roomID).WithFields(logrus.Fields{"reason": reason, "winner": winner})
	log.Info("room ended")
	c.record(ctx, roomID, winner, "end", map[string]any{"reason": reason})

	if ch, ok := c.channels.Get(roomID); ok {
		ch.Countdown().Stop()
		payload := gameOverPayload{Reason: reason, WinnerID: winner, Scores: scores, EndedAt: c.now()}
		if r.EndedAt != nil {
			payload.EndedAt = *r.EndedAt
		}
		if winner != uuid.Nil {
			payload.Payout = Payout(r.PrizePot, r.CommissionRate)
		}
		if err := ch.BroadcastGameOver(ctx, payload); err != nil {
			log.WithError(err).Warn("failed to broadcast game over")
		}
	}
	return true, nil
}

// Payout is the winner's share of pot after the house commission, which is
// rounded to the nearest unit.
func Payout(pot int64, commission float64) int64 {
	return pot - int64(float64(pot)*commission+0.5)
}

// Heartbeat re-asserts a live session's connection flag and presence. A
// forfeited player watching the room is only marked as seen.
func (c *Coordinator) Heartbeat(ctx context.Context, roomID, userID uuid.UUID) error {
	m, err := c.rows.GetMember(ctx, roomID, userID)
	if err != nil {
		return err
	}
	patch := store.MemberPatch{Touch: true}
	if !m.Forfeited {
		patch.IsConnected = store.Bool(true)
	}
	_, err = c.rows.UpdateMember(ctx, roomID, userID, patch)
	if errors.Is(err, models.ErrRoomEnded) {
		return nil
	}
	if err != nil {
		return err
	}
	if ch, ok := c.channels.Get(roomID); ok && ch.HasLocal(userID) {
		if err := ch.Touch(ctx, userID); err != nil {
			c.roomLog(roomID).WithError(err).Warn("presence refresh failed")
		}
	}
	c.noteActivity(ctx, roomID, userID, "heartbeat")
	return nil
}

// noteActivity records a move or heartbeat at most once per
// ActivityInterval per room, so the historian sees the room is alive
// without logging every move.
func (c *Coordinator) noteActivity(ctx context.Context, roomID, userID uuid.UUID, action string) {
	now := c.now()
	c.mu.Lock()
	last, seen := c.lastActivity[roomID]
	due := !seen || now.Sub(last) >= c.policy.ActivityInterval
	if due {
		c.lastActivity[roomID] = now
	}
	c.mu.Unlock()
	if due {
		c.record(ctx, roomID, userID, action, nil)
	}
}

// Disconnect tears down one session. When the user has no other session in
// this process the membership is marked disconnected (and unready in the
// lobby). The seat, score and forfeit flag are kept for a later rejoin.
func (c *Coordinator) Disconnect(ctx context.Context, roomID, userID uuid.UUID) error {
	c.channels.Disconnect(ctx, roomID, userID)
	ch, ok := c.channels.Get(roomID)
	if ok && ch.HasLocal(userID) {
		return nil
	}
	if !ok {
		c.mu.Lock()
		delete(c.lastActivity, roomID)
		c.mu.Unlock()
	}

	snap, err := c.Snapshot(ctx, roomID)
	if err != nil {
		return err
	}
	if snap.Room.Status == models.StatusEnded {
		return nil
	}
	if _, ok := snap.Member(userID); !ok {
		return nil
	}
	patch := store.MemberPatch{IsConnected: store.Bool(false), Touch: true}
	if snap.Room.Status == models.StatusWaiting {
		patch.IsReady = store.Bool(false)
	}
	log := c.roomLog(roomID).WithField("user_id", userID)
	err = retryOnce(ctx, log, c.policy.RetryDelay, "disconnect", func(ctx context.Context) error {
		_, err := c.rows.UpdateMember(ctx, roomID, userID, patch)
		return err
	})
	if errors.Is(err, models.ErrRoomEnded) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Debug("session disconnected")
	c.hint(ctx, roomID)

	if _, err := c.settle(ctx, roomID); err != nil {
		log.WithError(err).Warn("post-disconnect evaluation failed")
	}
	return nil
}

// settle re-reads the room after a membership change and reacts to it.
func (c *Coordinator) settle(ctx context.Context, roomID uuid.UUID) (*models.RoomSnapshot, error) {
	snap, err := c.Snapshot(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if c.evaluate(snap) {
		return c.Snapshot(ctx, roomID)
	}
	return snap, nil
}

// evaluate drives the readiness countdown and the auto-start trigger from
// a fresh snapshot. It reports whether a start was attempted inline.
func (c *Coordinator) evaluate(snap *models.RoomSnapshot) bool {
	roomID := snap.Room.ID
	ch, hasChannel := c.channels.Get(roomID)
	if snap.Room.Status != models.StatusWaiting {
		if hasChannel {
			ch.Countdown().Stop()
		}
		return false
	}
	if hasChannel {
		ch.Countdown().Evaluate(room.Counts(snap.Members))
	}
	if c.policy.AutoStart && room.StartGuard(snap.Members) {
		return c.scheduleStart(roomID)
	}
	return false
}

// scheduleStart starts the room after AutoStartDelay, or right away when
// there is no delay, which it reports. A timer that is cancelled or replaced
// before firing does nothing.
func (c *Coordinator) scheduleStart(roomID uuid.UUID) bool {
	if c.policy.AutoStartDelay <= 0 {
		c.autoStart(roomID)
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pendingStart[roomID]; ok {
		return false
	}
	var timer *time.Timer
	timer = time.AfterFunc(c.policy.AutoStartDelay, func() {
		c.mu.Lock()
		if c.pendingStart[roomID] != timer {
			c.mu.Unlock()
			return
		}
		delete(c.pendingStart, roomID)
		c.mu.Unlock()
		c.autoStart(roomID)
	})
	c.pendingStart[roomID] = timer
	c.roomLog(roomID).WithField("delay", c.policy.AutoStartDelay).Debug("auto-start scheduled")
	return false
}

func (c *Coordinator) autoStart(roomID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.policy.OpTimeout)
	defer cancel()
	if _, err := c.tryStart(ctx, roomID, uuid.Nil); err != nil {
		c.roomLog(roomID).WithError(err).Warn("auto-start failed")
	}
}

func (c *Coordinator) cancelPendingStart(roomID uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.pendingStart[roomID]; ok {
		t.Stop()
		delete(c.pendingStart, roomID)
	}
}

// hint tells peers on the room channel to refetch.
func (c *Coordinator) hint(ctx context.Context, roomID uuid.UUID) {
	ch, ok := c.channels.Get(roomID)
	if !ok {
		return
	}
	if err := ch.BroadcastRoomUpdate(ctx); err != nil {
		c.roomLog(roomID).WithError(err).Warn("failed to broadcast room update")
	}
}

func (c *Coordinator) record(ctx context.Context, roomID, actor uuid.UUID, action string, payload map[string]any) {
	if c.recorder == nil {
		return
	}
	rec := cache.RoomActionRecord{
		RoomID:        roomID,
		ActorUserID:   actor,
		ActionType:    action,
		ActionPayload: payload,
		Timestamp:     c.now().UnixMilli(),
	}
	if err := c.recorder.Record(ctx, rec); err != nil {
		c.roomLog(roomID).WithError(err).WithField("action", action).Warn("failed to record room action")
	}
}

// Close stops pending auto-start timers.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.pendingStart {
		t.Stop()
		delete(c.pendingStart, id)
	}
}
