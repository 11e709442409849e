package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultPresenceTTL bounds how long a presence entry outlives its last
// Track. Sessions re-track on every heartbeat, so a crashed process's entries
// age out even while other sessions keep the room alive.
const DefaultPresenceTTL = 3 * time.Minute

// Redis is a Broker on Redis Pub/Sub. Broadcasts go to "room:{topic}"; the
// presence set is the hash "presence:{topic}", one field per key.
type Redis struct {
	rdb         *redis.Client
	log         *logrus.Logger
	PresenceTTL time.Duration

	now func() time.Time
}

func NewRedis(rdb *redis.Client, log *logrus.Logger) *Redis {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Redis{rdb: rdb, log: log, PresenceTTL: DefaultPresenceTTL, now: time.Now}
}

func channelKey(topic string) string { return "room:" + topic }
func presenceKey(topic string) string { return "presence:" + topic }

// presenceEntry is the stored hash value. SeenAt is refreshed by every Track.
type presenceEntry struct {
	Record models.PresenceRecord `json:"record"`
	SeenAt int64                 `json:"seen_at"`
}

// decodePresence splits stored fields into live records and keys whose
// SeenAt is older than ttl. Undecodable fields count as stale.
func decodePresence(fields map[string]string, now time.Time, ttl time.Duration) (map[string]models.PresenceRecord, []string) {
	live := make(map[string]models.PresenceRecord, len(fields))
	var stale []string
	cutoff := now.Add(-ttl).UnixMilli()
	for k, v := range fields {
		var e presenceEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil || e.SeenAt < cutoff {
			stale = append(stale, k)
			continue
		}
		live[k] = e.Record
	}
	return live, stale
}

func (b *Redis) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	ps := b.rdb.Subscribe(ctx, channelKey(topic))
	// Receive blocks for the subscribe confirmation.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, channelErr("subscribe", err)
	}

	s := &redisSub{
		id:     uuid.NewString(),
		broker: b,
		topic:  topic,
		ps:     ps,
		out:    make(chan Message, subscriberBuffer),
		done:   make(chan struct{}),
	}
	initial, err := s.Presence(ctx)
	if err != nil {
		_ = ps.Close()
		return nil, channelErr("subscribe", err)
	}
	s.out <- Message{Kind: KindPresenceSync, Presences: initial}
	go s.pump()
	return s, nil
}

// Close is a no-op; the client is owned by main.
func (b *Redis) Close() error { return nil }

type redisSub struct {
	id     string
	broker *Redis
	topic  string
	ps     *redis.PubSub
	out    chan Message

	closeOnce sync.Once
	done      chan struct{}
}

func (s *redisSub) pump() {
	defer close(s.out)
	in := s.ps.Channel()
	log := s.broker.log.WithField("topic", s.topic)
	for {
		select {
		case <-s.done:
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				log.WithError(err).Warn("undecodable message on room channel")
				continue
			}
			if msg.Kind == KindBroadcast && msg.From == s.id {
				continue
			}
			select {
			case s.out <- msg:
			case <-s.done:
				return
			default:
				log.WithField("kind", msg.Kind).Warn("subscriber buffer full, message dropped")
			}
		}
	}
}

func (s *redisSub) Messages() <-chan Message { return s.out }

func (s *redisSub) publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := s.broker.rdb.Publish(ctx, channelKey(s.topic), data).Err(); err != nil {
		return channelErr("publish", err)
	}
	return nil
}

func (s *redisSub) Send(ctx context.Context, event string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	return s.publish(ctx, Message{Kind: KindBroadcast, Event: event, Payload: raw, From: s.id})
}

func (s *redisSub) Track(ctx context.Context, key string, p models.PresenceRecord) error {
	data, err := json.Marshal(presenceEntry{Record: p, SeenAt: s.broker.now().UnixMilli()})
	if err != nil {
		return err
	}
	pk := presenceKey(s.topic)
	pipe := s.broker.rdb.TxPipeline()
	pipe.HSet(ctx, pk, key, data)
	pipe.Expire(ctx, pk, s.broker.PresenceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return channelErr("track", err)
	}
	set, err := s.Presence(ctx)
	if err != nil {
		return err
	}
	rec := p
	return s.publish(ctx, Message{Kind: KindPresenceJoin, Key: key, Presence: &rec, Presences: set})
}

func (s *redisSub) Untrack(ctx context.Context, key string) error {
	n, err := s.broker.rdb.HDel(ctx, presenceKey(s.topic), key).Result()
	if err != nil {
		return channelErr("untrack", err)
	}
	if n == 0 {
		return nil
	}
	set, err := s.Presence(ctx)
	if err != nil {
		return err
	}
	return s.publish(ctx, Message{Kind: KindPresenceLeave, Key: key, Presences: set})
}

func (s *redisSub) Presence(ctx context.Context) (map[string]models.PresenceRecord, error) {
	fields, err := s.broker.rdb.HGetAll(ctx, presenceKey(s.topic)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, channelErr("presence", err)
	}
	live, stale := decodePresence(fields, s.broker.now(), s.broker.PresenceTTL)
	if len(stale) > 0 {
		if err := s.broker.rdb.HDel(ctx, presenceKey(s.topic), stale...).Err(); err != nil {
			s.broker.log.WithError(err).WithField("topic", s.topic).Warn("failed to prune stale presence")
		} else {
			s.broker.log.WithFields(logrus.Fields{"topic": s.topic, "pruned": len(stale)}).Debug("pruned stale presence")
		}
	}
	return live, nil
}

func (s *redisSub) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
