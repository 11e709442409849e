// internal/cache/redis.go
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/config"
	"github.com/redis/go-redis/v9"
)

// DefaultQueueName is the Redis list the historian drains.
const DefaultQueueName = "arena_room_actions"

// RoomActionRecord is one coordinator action as the historian stores it.
type RoomActionRecord struct {
	RoomID        uuid.UUID      `json:"room_id"`
	ActorUserID   uuid.UUID      `json:"actor_user_id"`
	ActionType    string         `json:"action_type"`
	ActionPayload map[string]any `json:"action_payload,omitempty"`
	Timestamp     int64          `json:"timestamp"`
}

// ConnectRedis opens a client and pings it.
func ConnectRedis(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// ActionQueue pushes action records onto a Redis list.
type ActionQueue struct {
	rdb  *redis.Client
	name string
}

func NewActionQueue(rdb *redis.Client, name string) *ActionQueue {
	if name == "" {
		name = DefaultQueueName
	}
	return &ActionQueue{rdb: rdb, name: name}
}

// Name is the list key.
func (q *ActionQueue) Name() string { return q.name }

// Record serializes rec and RPUSHes it. It costs one round trip.
func (q *ActionQueue) Record(ctx context.Context, rec RoomActionRecord) error {
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal RoomActionRecord: %w", err)
	}
	if err := q.rdb.RPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("failed to RPush to Redis list '%s': %w", q.name, err)
	}
	return nil
}

// Pop blocks up to timeout for the next record. It returns (nil, nil) on
// timeout.
func (q *ActionQueue) Pop(ctx context.Context, timeout time.Duration) (*RoomActionRecord, error) {
	res, err := q.rdb.BLPop(ctx, timeout, q.name).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected BLPOP reply of %d elements", len(res))
	}
	var rec RoomActionRecord
	if err := json.Unmarshal([]byte(res[1]), &rec); err != nil {
		return nil, fmt.Errorf("undecodable action record: %w", err)
	}
	return &rec, nil
}
