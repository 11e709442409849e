// Package directory resolves and validates room access: creating rooms,
// joining by code, and rejecting bad input before any backend call.
package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/jason-s-yu/arena/internal/store"
	"github.com/jason-s-yu/arena/internal/wallet"
	"github.com/sirupsen/logrus"
)

const (
	MinCapacity = 2
	MaxCapacity = 8

	maxCodeAttempts = 8
)

// CreateParams describes a room to create.
type CreateParams struct {
	GameKind string `json:"game_kind"`
	Capacity int    `json:"capacity"`
	EntryFee int64  `json:"entry_fee"`

	// CommissionRate defaults to the directory's configured rate when nil.
	CommissionRate *float64      `json:"commission_rate,omitempty"`
	Creator        models.Player `json:"-"`
}

// JoinResult is the outcome of a successful JoinByCode.
type JoinResult struct {
	Room     *models.Room
	Rejoined bool
}

// Directory admits players into rooms.
type Directory struct {
	rows              store.RoomStore
	wallet            wallet.Wallet
	log               *logrus.Logger
	defaultCommission float64

	newCode func() (string, error)
	now     func() time.Time
}

func New(rows store.RoomStore, w wallet.Wallet, defaultCommission float64, log *logrus.Logger) *Directory {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Directory{
		rows:              rows,
		wallet:            w,
		log:               log,
		defaultCommission: defaultCommission,
		newCode:           GenerateCode,
		now:               time.Now,
	}
}

// Validate checks a game kind against the supported set.
func (d *Directory) Validate(kind string) error {
	if !models.IsKnownGameKind(kind) {
		return fmt.Errorf("unknown game kind %q: %w", kind, models.ErrValidation)
	}
	return nil
}

func (d *Directory) validateCreate(p CreateParams) (float64, error) {
	if err := d.Validate(p.GameKind); err != nil {
		return 0, err
	}
	if p.Creator.UserID == uuid.Nil {
		return 0, fmt.Errorf("creator is required: %w", models.ErrValidation)
	}
	if p.Capacity < MinCapacity || p.Capacity > MaxCapacity {
		return 0, fmt.Errorf("capacity must be between %d and %d: %w", MinCapacity, MaxCapacity, models.ErrValidation)
	}
	if p.EntryFee < 0 {
		return 0, fmt.Errorf("entry fee cannot be negative: %w", models.ErrValidation)
	}
	rate := d.defaultCommission
	if p.CommissionRate != nil {
		rate = *p.CommissionRate
	}
	if rate < 0 || rate >= 1 {
		return 0, fmt.Errorf("commission rate must be in [0,1): %w", models.ErrValidation)
	}
	if err := checkHandle(models.GameKind(p.GameKind), p.Creator.GameHandle); err != nil {
		return 0, err
	}
	return rate, nil
}

func checkHandle(kind models.GameKind, handle string) error {
	if kind.RequiresHandle() && strings.TrimSpace(handle) == "" {
		return fmt.Errorf("%s rooms need a game handle: %w", kind, models.ErrValidation)
	}
	return nil
}

// Create allocates a room with a fresh code and the creator as its first,
// connected member. The creator's entry fee seeds the prize pot.
func (d *Directory) Create(ctx context.Context, p CreateParams) (*models.Room, error) {
	rate, err := d.validateCreate(p)
	if err != nil {
		return nil, err
	}

	now := d.now()
	room := &models.Room{
		ID:             uuid.New(),
		GameKind:       models.GameKind(p.GameKind),
		Status:         models.StatusWaiting,
		Capacity:       p.Capacity,
		CurrentPlayers: 1,
		EntryFee:       p.EntryFee,
		PrizePot:       p.EntryFee,
		CommissionRate: rate,
		HostUserID:     p.Creator.UserID,
		CreatedAt:      now,
	}
	host := models.Membership{
		RoomID:      room.ID,
		UserID:      p.Creator.UserID,
		DisplayName: p.Creator.DisplayName,
		GameHandle:  strings.TrimSpace(p.Creator.GameHandle),
		IsConnected: true,
		JoinedAt:    now,
		LastSeenAt:  now,
	}

	ref := feeRef(room.ID)
	if err := d.debit(ctx, p.Creator.UserID, p.EntryFee, ref); err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		if attempt == maxCodeAttempts {
			d.refund(p.Creator.UserID, p.EntryFee, ref)
			return nil, fmt.Errorf("no free room code after %d attempts: %w", maxCodeAttempts, models.ErrPersistence)
		}
		code, err := d.newCode()
		if err != nil {
			d.refund(p.Creator.UserID, p.EntryFee, ref)
			return nil, fmt.Errorf("generate code: %w: %v", models.ErrPersistence, err)
		}
		room.Code = code
		err = d.rows.InsertRoom(ctx, room, host)
		if errors.Is(err, store.ErrCodeTaken) {
			d.log.WithField("code", code).Debug("room code collision, regenerating")
			continue
		}
		if err != nil {
			d.refund(p.Creator.UserID, p.EntryFee, ref)
			return nil, err
		}
		break
	}

	d.log.WithFields(logrus.Fields{
		"room_id":   room.ID,
		"code":      room.Code,
		"game_kind": room.GameKind,
		"host":      room.HostUserID,
	}).Info("room created")
	room.ConnectedPlayerIDs = []uuid.UUID{host.UserID}
	return room, nil
}

// JoinByCode resolves code and admits p. A user who already holds a
// membership is reconnected instead of inserted again, and this is checked
// before capacity so a dropped player can always return.
func (d *Directory) JoinByCode(ctx context.Context, code string, p models.Player) (*JoinResult, error) {
	code, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	if p.UserID == uuid.Nil {
		return nil, fmt.Errorf("user is required: %w", models.ErrValidation)
	}

	room, err := d.rows.GetRoomByCode(ctx, code)
	if err != nil {
		return nil, err
	}

	if m, err := d.rows.GetMember(ctx, room.ID, p.UserID); err == nil {
		return d.rejoin(ctx, room.ID, *m, p)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	if room.Status != models.StatusWaiting {
		return nil, fmt.Errorf("room already %s: %w", room.Status, models.ErrValidation)
	}
	// Fast path on a possibly stale read; AdmitMember decides for real.
	if room.IsFull() {
		return nil, models.ErrCapacity
	}
	if err := checkHandle(room.GameKind, p.GameHandle); err != nil {
		return nil, err
	}

	ref := feeRef(room.ID)
	if err := d.debit(ctx, p.UserID, room.EntryFee, ref); err != nil {
		return nil, err
	}

	now := d.now()
	admitted, err := d.rows.AdmitMember(ctx, models.Membership{
		RoomID:      room.ID,
		UserID:      p.UserID,
		DisplayName: p.DisplayName,
		GameHandle:  strings.TrimSpace(p.GameHandle),
		IsConnected: true,
		JoinedAt:    now,
		LastSeenAt:  now,
	}, room.EntryFee)
	if errors.Is(err, store.ErrMemberExists) {
		// A concurrent join by the same user won; this one becomes a rejoin.
		d.refund(p.UserID, room.EntryFee, ref)
		m, err := d.rows.GetMember(ctx, room.ID, p.UserID)
		if err != nil {
			return nil, err
		}
		return d.rejoin(ctx, room.ID, *m, p)
	}
	if err != nil {
		d.refund(p.UserID, room.EntryFee, ref)
		return nil, err
	}

	d.log.WithFields(logrus.Fields{
		"room_id":         room.ID,
		"user_id":         p.UserID,
		"current_players": admitted.CurrentPlayers,
	}).Info("player joined room")
	return &JoinResult{Room: admitted}, nil
}

// rejoin reconnects an existing member. A forfeited member comes back as a
// spectator and stays disconnected.
func (d *Directory) rejoin(ctx context.Context, roomID uuid.UUID, m models.Membership, p models.Player) (*JoinResult, error) {
	patch := store.MemberPatch{Touch: true}
	if !m.Forfeited {
		patch.IsConnected = store.Bool(true)
	}
	if h := strings.TrimSpace(p.GameHandle); h != "" {
		patch.GameHandle = &h
	}
	if _, err := d.rows.UpdateMember(ctx, roomID, p.UserID, patch); err != nil {
		return nil, err
	}
	room, err := d.rows.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	d.log.WithFields(logrus.Fields{"room_id": roomID, "user_id": p.UserID}).Info("player rejoined room")
	return &JoinResult{Room: room, Rejoined: true}, nil
}

func feeRef(roomID uuid.UUID) string {
	return "room:" + roomID.String() + ":entry"
}

func (d *Directory) debit(ctx context.Context, userID uuid.UUID, amount int64, ref string) error {
	if amount == 0 || d.wallet == nil {
		return nil
	}
	return d.wallet.Debit(ctx, userID, amount, ref)
}

// refund uses its own context so it completes after the caller's is cancelled.
func (d *Directory) refund(userID uuid.UUID, amount int64, ref string) {
	if amount == 0 || d.wallet == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.wallet.Refund(ctx, userID, amount, ref); err != nil {
		d.log.WithError(err).WithFields(logrus.Fields{"user_id": userID, "amount": amount, "ref": ref}).Error("entry fee refund failed")
	}
}
