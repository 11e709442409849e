package pubsub

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/sirupsen/logrus"
)

const subscriberBuffer = 64

// Memory is an in-process Broker. It is the substrate for tests and for a
// single-node deployment without Redis.
type Memory struct {
	mu     sync.Mutex
	topics map[string]*memTopic
	log    *logrus.Logger
	closed bool

	// FailSubscribe, when set, makes every Subscribe fail its handshake.
	FailSubscribe error
}

type memTopic struct {
	subs     map[*memSub]struct{}
	presence map[string]models.PresenceRecord
}

func NewMemory(log *logrus.Logger) *Memory {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Memory{topics: make(map[string]*memTopic), log: log}
}

func (b *Memory) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, channelErr("subscribe", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, channelErr("subscribe", errors.New("broker closed"))
	}
	if b.FailSubscribe != nil {
		return nil, channelErr("subscribe", b.FailSubscribe)
	}
	t := b.topics[topic]
	if t == nil {
		t = &memTopic{subs: make(map[*memSub]struct{}), presence: make(map[string]models.PresenceRecord)}
		b.topics[topic] = t
	}
	s := &memSub{
		id:     uuid.NewString(),
		broker: b,
		topic:  topic,
		out:    make(chan Message, subscriberBuffer),
	}
	t.subs[s] = struct{}{}
	s.out <- Message{Kind: KindPresenceSync, Presences: copyPresence(t.presence)}
	return s, nil
}

func (b *Memory) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, t := range b.topics {
		for s := range t.subs {
			s.closeLocked()
		}
	}
	b.topics = make(map[string]*memTopic)
	return nil
}

// deliver must be called with b.mu held.
func (b *Memory) deliver(t *memTopic, msg Message, skip *memSub) {
	for s := range t.subs {
		if s == skip {
			continue
		}
		select {
		case s.out <- msg:
		default:
			b.log.WithFields(logrus.Fields{"topic": s.topic, "kind": msg.Kind}).Warn("subscriber buffer full, message dropped")
		}
	}
}

type memSub struct {
	id     string
	broker *Memory
	topic  string
	out    chan Message
	closed bool
}

func (s *memSub) Messages() <-chan Message { return s.out }

func (s *memSub) Send(ctx context.Context, event string, payload any) error {
	raw, err := encodePayload(payload)
	if err != nil {
		return err
	}
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return channelErr("send", errors.New("subscription closed"))
	}
	b.deliver(b.topics[s.topic], Message{Kind: KindBroadcast, Event: event, Payload: raw, From: s.id}, s)
	return nil
}

func (s *memSub) Track(ctx context.Context, key string, p models.PresenceRecord) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return channelErr("track", errors.New("subscription closed"))
	}
	t := b.topics[s.topic]
	t.presence[key] = p
	rec := p
	b.deliver(t, Message{Kind: KindPresenceJoin, Key: key, Presence: &rec, Presences: copyPresence(t.presence)}, nil)
	return nil
}

func (s *memSub) Untrack(ctx context.Context, key string) error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.closed {
		return nil
	}
	t := b.topics[s.topic]
	if _, ok := t.presence[key]; !ok {
		return nil
	}
	delete(t.presence, key)
	b.deliver(t, Message{Kind: KindPresenceLeave, Key: key, Presences: copyPresence(t.presence)}, nil)
	return nil
}

func (s *memSub) Presence(ctx context.Context) (map[string]models.PresenceRecord, error) {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.topics[s.topic]
	if t == nil {
		return map[string]models.PresenceRecord{}, nil
	}
	return copyPresence(t.presence), nil
}

func (s *memSub) Close() error {
	b := s.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *memSub) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	if t := s.broker.topics[s.topic]; t != nil {
		delete(t.subs, s)
		if len(t.subs) == 0 && len(t.presence) == 0 {
			delete(s.broker.topics, s.topic)
		}
	}
	close(s.out)
}
