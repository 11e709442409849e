package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/sirupsen/logrus"
)

// NotifyChannel is the LISTEN channel the schema triggers publish row
// changes on.
const NotifyChannel = "room_changes"

const roomColumns = `
	id, code, game_kind, status, capacity, current_players,
	entry_fee, prize_pot, commission_rate,
	host_user_id, winner_user_id, COALESCE(end_reason, ''),
	created_at, started_at, ended_at`

const memberColumns = `
	room_id, user_id, display_name, COALESCE(game_handle, ''),
	is_connected, is_ready, score, forfeited,
	joined_at, last_seen_at`

// memberColumnsM is memberColumns qualified for UPDATE ... FROM rooms.
const memberColumnsM = `
	m.room_id, m.user_id, m.display_name, COALESCE(m.game_handle, ''),
	m.is_connected, m.is_ready, m.score, m.forfeited,
	m.joined_at, m.last_seen_at`

// Postgres is a RoomStore backed by pgx. Row-change subscriptions share one
// LISTEN connection per store.
type Postgres struct {
	pool *pgxpool.Pool
	log  *logrus.Logger
	hub  *changeHub

	listenMu  sync.Mutex
	listening bool
}

// NewPostgres wraps an open pool. The schema must already be migrated.
func NewPostgres(pool *pgxpool.Pool, log *logrus.Logger) *Postgres {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Postgres{pool: pool, log: log, hub: newChangeHub(log)}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (*models.Room, error) {
	var (
		r      models.Room
		winner *uuid.UUID
	)
	err := row.Scan(
		&r.ID, &r.Code, &r.GameKind, &r.Status, &r.Capacity, &r.CurrentPlayers,
		&r.EntryFee, &r.PrizePot, &r.CommissionRate,
		&r.HostUserID, &winner, &r.EndReason,
		&r.CreatedAt, &r.StartedAt, &r.EndedAt,
	)
	if err != nil {
		return nil, err
	}
	if winner != nil {
		r.WinnerUserID = *winner
	}
	return &r, nil
}

func scanMember(row rowScanner) (*models.Membership, error) {
	var m models.Membership
	err := row.Scan(
		&m.RoomID, &m.UserID, &m.DisplayName, &m.GameHandle,
		&m.IsConnected, &m.IsReady, &m.Score, &m.Forfeited,
		&m.JoinedAt, &m.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullableUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}

// InsertRoom writes the room row and the host's membership in one transaction.
func (s *Postgres) InsertRoom(ctx context.Context, room *models.Room, host models.Membership) error {
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO rooms (
				id, code, game_kind, status, capacity, current_players,
				entry_fee, prize_pot, commission_rate, host_user_id, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			room.ID, room.Code, room.GameKind, room.Status, room.Capacity, room.CurrentPlayers,
			room.EntryFee, room.PrizePot, room.CommissionRate, room.HostUserID, room.CreatedAt,
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO memberships (
				room_id, user_id, display_name, game_handle,
				is_connected, is_ready, score, forfeited, joined_at, last_seen_at
			) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)`,
			room.ID, host.UserID, host.DisplayName, host.GameHandle,
			host.IsConnected, host.IsReady, host.Score, host.Forfeited, host.JoinedAt, host.LastSeenAt,
		)
		return err
	})
	if isUniqueViolation(err) {
		return ErrCodeTaken
	}
	if err != nil {
		return persistence("insert room", err)
	}
	return nil
}

func (s *Postgres) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("room %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, persistence("get room", err)
	}
	if r.ConnectedPlayerIDs, err = s.connectedIDs(ctx, id); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Postgres) GetRoomByCode(ctx context.Context, code string) (*models.Room, error) {
	r, err := scanRoom(s.pool.QueryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE code = $1 AND status <> 'ended'`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("room code %s: %w", code, models.ErrNotFound)
	}
	if err != nil {
		return nil, persistence("get room by code", err)
	}
	if r.ConnectedPlayerIDs, err = s.connectedIDs(ctx, r.ID); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Postgres) connectedIDs(ctx context.Context, roomID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM memberships
		WHERE room_id = $1 AND is_connected AND NOT forfeited
		ORDER BY joined_at`, roomID)
	if err != nil {
		return nil, persistence("list connected", err)
	}
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (uuid.UUID, error) {
		var id uuid.UUID
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, persistence("list connected", err)
	}
	return ids, nil
}

func (s *Postgres) ListMembers(ctx context.Context, roomID uuid.UUID) ([]models.Membership, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+memberColumns+` FROM memberships WHERE room_id = $1 ORDER BY joined_at`, roomID)
	if err != nil {
		return nil, persistence("list members", err)
	}
	defer rows.Close()

	var out []models.Membership
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, persistence("scan member", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list members", err)
	}
	return out, nil
}

func (s *Postgres) GetMember(ctx context.Context, roomID, userID uuid.UUID) (*models.Membership, error) {
	m, err := scanMember(s.pool.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM memberships WHERE room_id = $1 AND user_id = $2`, roomID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("member %s in room %s: %w", userID, roomID, models.ErrNotFound)
	}
	if err != nil {
		return nil, persistence("get member", err)
	}
	return m, nil
}

// AdmitMember performs the capacity check and the increment in one UPDATE so
// two joins racing for the last slot cannot both win.
func (s *Postgres) AdmitMember(ctx context.Context, m models.Membership, fee int64) (*models.Room, error) {
	var admitted *models.Room
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		r, err := scanRoom(tx.QueryRow(ctx, `
			UPDATE rooms
			SET current_players = current_players + 1, prize_pot = prize_pot + $2
			WHERE id = $1 AND current_players < capacity AND status = 'waiting'
			RETURNING `+roomColumns, m.RoomID, fee))
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO memberships (
				room_id, user_id, display_name, game_handle,
				is_connected, is_ready, score, forfeited, joined_at, last_seen_at
			) VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10)
			ON CONFLICT (room_id, user_id) DO NOTHING`,
			m.RoomID, m.UserID, m.DisplayName, m.GameHandle,
			m.IsConnected, m.IsReady, m.Score, m.Forfeited, m.JoinedAt, m.LastSeenAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrMemberExists
		}
		admitted = r
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrMemberExists):
		return nil, ErrMemberExists
	case errors.Is(err, pgx.ErrNoRows):
		return nil, s.admissionRefusal(ctx, m.RoomID)
	default:
		return nil, persistence("admit member", err)
	}
	if admitted.ConnectedPlayerIDs, err = s.connectedIDs(ctx, m.RoomID); err != nil {
		return nil, err
	}
	return admitted, nil
}

// admissionRefusal explains why the conditional update matched no row.
func (s *Postgres) admissionRefusal(ctx context.Context, roomID uuid.UUID) error {
	r, err := scanRoom(s.pool.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, roomID))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
	case err != nil:
		return persistence("admit member", err)
	case r.Status != models.StatusWaiting:
		return fmt.Errorf("room is %s: %w", r.Status, models.ErrValidation)
	default:
		return models.ErrCapacity
	}
}

func (s *Postgres) UpdateMember(ctx context.Context, roomID, userID uuid.UUID, patch MemberPatch) (*models.Membership, error) {
	sets := make([]string, 0, 6)
	args := []any{roomID, userID}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.IsConnected != nil {
		add("is_connected", *patch.IsConnected)
	}
	if patch.IsReady != nil {
		add("is_ready", *patch.IsReady)
	}
	if patch.Score != nil {
		add("score", *patch.Score)
	}
	if patch.Forfeited != nil {
		add("forfeited", *patch.Forfeited)
	}
	if patch.GameHandle != nil {
		add("game_handle", *patch.GameHandle)
	}
	if patch.Touch || len(sets) == 0 {
		add("last_seen_at", time.Now())
	}

	q := `
		UPDATE memberships m SET ` + strings.Join(sets, ", ") + `
		FROM rooms r
		WHERE m.room_id = $1 AND m.user_id = $2 AND r.id = m.room_id AND r.status <> 'ended'
		RETURNING ` + memberColumnsM
	m, err := scanMember(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.updateRefusal(ctx, roomID, userID)
	}
	if err != nil {
		return nil, persistence("update member", err)
	}
	return m, nil
}

func (s *Postgres) updateRefusal(ctx context.Context, roomID, userID uuid.UUID) error {
	var status models.RoomStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM rooms WHERE id = $1`, roomID).Scan(&status)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return fmt.Errorf("room %s: %w", roomID, models.ErrNotFound)
	case err != nil:
		return persistence("update member", err)
	case status == models.StatusEnded:
		return models.ErrRoomEnded
	default:
		return fmt.Errorf("member %s in room %s: %w", userID, roomID, models.ErrNotFound)
	}
}

func (s *Postgres) TransitionRoom(ctx context.Context, roomID uuid.UUID, t Transition) (*models.Room, bool, error) {
	from := make([]string, len(t.From))
	for i, f := range t.From {
		from[i] = string(f)
	}

	var q string
	args := []any{roomID, from, t.To}
	switch t.To {
	case models.StatusPlaying:
		q = `UPDATE rooms SET status = $3, started_at = $4 WHERE id = $1 AND status = ANY($2) RETURNING ` + roomColumns
		args = append(args, t.At)
	case models.StatusEnded:
		q = `UPDATE rooms SET status = $3, ended_at = $4, end_reason = $5, winner_user_id = $6
			WHERE id = $1 AND status = ANY($2) RETURNING ` + roomColumns
		args = append(args, t.At, t.Reason, nullableUUID(t.WinnerID))
	default:
		q = `UPDATE rooms SET status = $3 WHERE id = $1 AND status = ANY($2) RETURNING ` + roomColumns
	}

	r, err := scanRoom(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		r, err = s.GetRoom(ctx, roomID)
		if err != nil {
			return nil, false, err
		}
		return r, false, nil
	}
	if err != nil {
		return nil, false, persistence("transition room", err)
	}
	if r.ConnectedPlayerIDs, err = s.connectedIDs(ctx, roomID); err != nil {
		return nil, false, err
	}
	return r, true, nil
}

const (
	listenRetryMin = 500 * time.Millisecond
	listenRetryMax = 30 * time.Second
)

// Subscribe starts the shared listener if it is not running and returns a
// stream of changes for roomID until ctx ends.
func (s *Postgres) Subscribe(ctx context.Context, roomID uuid.UUID) (<-chan RowChange, error) {
	if err := s.ensureListener(ctx); err != nil {
		return nil, persistence("subscribe", err)
	}
	return s.hub.subscribe(ctx, roomID), nil
}

func (s *Postgres) ensureListener(ctx context.Context) error {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	if s.listening {
		return nil
	}
	conn, err := s.listen(ctx)
	if err != nil {
		return err
	}
	s.listening = true
	go s.receive(conn)
	return nil
}

func (s *Postgres) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Release()
		return nil, err
	}
	return conn, nil
}

// receive forwards notifications to the hub. A lost connection is replaced
// and every subscriber is told to re-read, since notifications sent in
// between are gone.
func (s *Postgres) receive(conn *pgxpool.Conn) {
	for {
		err := s.forward(conn)
		// Closing first keeps a LISTENing session out of the pool.
		_ = conn.Conn().Close(context.Background())
		conn.Release()
		s.log.WithError(err).Warn("row change listener lost, reconnecting")

		if conn = s.reconnect(); conn == nil {
			return
		}
		s.hub.resync()
	}
}

func (s *Postgres) forward(conn *pgxpool.Conn) error {
	ctx := context.Background()
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var change RowChange
		if err := json.Unmarshal([]byte(n.Payload), &change); err != nil {
			s.log.WithError(err).WithField("payload", n.Payload).Warn("bad row change payload")
			continue
		}
		s.hub.publish(change)
	}
}

// reconnect retries LISTEN with backoff. Once nobody is subscribed it stops
// and leaves the next Subscribe to start a fresh listener.
func (s *Postgres) reconnect() *pgxpool.Conn {
	delay := listenRetryMin
	for {
		time.Sleep(delay)

		s.listenMu.Lock()
		if s.hub.empty() {
			s.listening = false
			s.listenMu.Unlock()
			s.log.Info("row change listener stopped, no subscribers left")
			return nil
		}
		s.listenMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		conn, err := s.listen(ctx)
		cancel()
		if err == nil {
			s.log.Info("row change listener reconnected")
			return conn
		}
		delay = min(delay*2, listenRetryMax)
		s.log.WithError(err).WithField("retry_in", delay).Warn("row change listener reconnect failed")
	}
}

func (s *Postgres) ListActiveRooms(ctx context.Context) ([]models.Room, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE status <> 'ended' ORDER BY created_at`)
	if err != nil {
		return nil, persistence("list active rooms", err)
	}
	defer rows.Close()

	var out []models.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, persistence("scan room", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("list active rooms", err)
	}
	return out, nil
}
