package historian

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/arena/internal/cache"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/jason-s-yu/arena/internal/room"
	"github.com/jason-s-yu/arena/internal/store"
)

// PostgresSink writes action batches into room_actions.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(pool *pgxpool.Pool) *PostgresSink {
	return &PostgresSink{pool: pool}
}

// InsertActions inserts recs in a single transaction.
func (p *PostgresSink) InsertActions(ctx context.Context, recs []cache.RoomActionRecord) error {
	const q = `
		INSERT INTO room_actions (room_id, actor_user_id, action_type, action_payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range recs {
			payload, err := json.Marshal(rec.ActionPayload)
			if err != nil {
				return fmt.Errorf("marshal action payload: %w", err)
			}
			var actor any
			if rec.ActorUserID != uuid.Nil {
				actor = rec.ActorUserID
			}
			batch.Queue(q, rec.RoomID, actor, rec.ActionType, payload, time.UnixMilli(rec.Timestamp))
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert room actions: %w", err)
		}
		return nil
	})
}

// RowExpirer ends rooms through the row store's conditional transition, so
// a room that already ended is left alone. A room where any member was seen
// within the idle window is kept and reported as ErrStillActive.
type RowExpirer struct {
	rows   store.RoomStore
	reason string
	idle   time.Duration
	now    func() time.Time
}

// NewRowExpirer ends rooms with the given reason, "timeout" when empty.
// idle <= 0 skips the member check.
func NewRowExpirer(rows store.RoomStore, reason string, idle time.Duration) *RowExpirer {
	if reason == "" {
		reason = models.EndReasonTimeout
	}
	return &RowExpirer{rows: rows, reason: reason, idle: idle, now: time.Now}
}

func (e *RowExpirer) ExpireRoom(ctx context.Context, roomID uuid.UUID) (bool, error) {
	now := e.now()
	if e.idle > 0 {
		members, err := e.rows.ListMembers(ctx, roomID)
		if err != nil {
			return false, err
		}
		for _, m := range members {
			if now.Sub(m.LastSeenAt) < e.idle {
				return false, ErrStillActive
			}
		}
	}
	_, changed, err := e.rows.TransitionRoom(ctx, roomID, store.Transition{
		From:   room.Sources(models.StatusEnded),
		To:     models.StatusEnded,
		At:     now,
		Reason: e.reason,
	})
	return changed, err
}
