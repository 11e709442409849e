// Package historian drains the room action queue into durable storage and
// ends rooms that have gone quiet for longer than the inactivity timeout.
package historian

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/arena/internal/cache"
	"github.com/jason-s-yu/arena/internal/config"
	"github.com/jason-s-yu/arena/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Source yields queued action records. Pop returns (nil, nil) when nothing
// arrived within timeout.
type Source interface {
	Pop(ctx context.Context, timeout time.Duration) (*cache.RoomActionRecord, error)
}

// Sink persists a batch of records atomically.
type Sink interface {
	InsertActions(ctx context.Context, recs []cache.RoomActionRecord) error
}

// Expirer ends an idle room. It reports whether the room was still live.
// ErrStillActive means the room showed activity the queue did not carry and
// was left alone.
type Expirer interface {
	ExpireRoom(ctx context.Context, roomID uuid.UUID) (bool, error)
}

// ErrStillActive is returned by an Expirer that found recent activity.
var ErrStillActive = errors.New("room still active")

// Service is the historian worker.
type Service struct {
	src     Source
	sink    Sink
	expirer Expirer
	log     *logrus.Logger

	batchSize  int
	flushDelay time.Duration
	inactivity time.Duration
	popTimeout time.Duration
	checkEvery time.Duration

	batchMu sync.Mutex
	batch   []cache.RoomActionRecord

	activityMu   sync.Mutex
	lastActivity map[uuid.UUID]time.Time

	now func() time.Time
}

// New builds a historian from its config section.
func New(src Source, sink Sink, expirer Expirer, cfg config.Historian, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flush := time.Duration(cfg.FlushMS) * time.Millisecond
	if flush <= 0 {
		flush = 500 * time.Millisecond
	}
	return &Service{
		src:          src,
		sink:         sink,
		expirer:      expirer,
		log:          log,
		batchSize:    batchSize,
		flushDelay:   flush,
		inactivity:   cfg.InactivityTimeout,
		popTimeout:   3 * time.Second,
		checkEvery:   time.Minute,
		batch:        make([]cache.RoomActionRecord, 0, batchSize),
		lastActivity: make(map[uuid.UUID]time.Time),
		now:          time.Now,
	}
}

// Seed starts the inactivity clock for rooms that were live before the
// historian started, so a room that never records another action still
// expires.
func (s *Service) Seed(rooms []models.Room) {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	now := s.now()
	for _, r := range rooms {
		if _, ok := s.lastActivity[r.ID]; !ok {
			s.lastActivity[r.ID] = now
		}
	}
}

// Run drains the queue until ctx is cancelled, then flushes what is left.
func (s *Service) Run(ctx context.Context) error {
	s.log.Info("historian started")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.flushLoop(gctx) })
	if s.inactivity > 0 {
		g.Go(func() error { return s.inactivityLoop(gctx) })
	}
	err := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := s.Flush(flushCtx); ferr != nil {
		s.log.WithError(ferr).Error("final flush failed")
	}
	s.log.Info("historian shutting down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Service) readLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := s.src.Pop(ctx, s.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.WithError(err).Error("queue pop failed")
			continue
		}
		if rec == nil {
			continue
		}
		if s.Observe(*rec) {
			if err := s.Flush(ctx); err != nil {
				s.log.WithError(err).Error("batch flush failed")
			}
		}
	}
}

func (s *Service) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.flushDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.log.WithError(err).Error("batch flush failed")
			}
		}
	}
}

func (s *Service) inactivityLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.checkEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.ExpireIdle(ctx)
		}
	}
}

// Observe queues rec and updates its room's activity clock. It reports
// whether the batch is full.
func (s *Service) Observe(rec cache.RoomActionRecord) bool {
	s.activityMu.Lock()
	if rec.ActionType == "end" {
		delete(s.lastActivity, rec.RoomID)
	} else {
		s.lastActivity[rec.RoomID] = s.now()
	}
	s.activityMu.Unlock()

	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	s.batch = append(s.batch, rec)
	return len(s.batch) >= s.batchSize
}

// Flush writes the pending batch. On failure the records are put back so the
// next flush retries them.
func (s *Service) Flush(ctx context.Context) error {
	s.batchMu.Lock()
	if len(s.batch) == 0 {
		s.batchMu.Unlock()
		return nil
	}
	pending := make([]cache.RoomActionRecord, len(s.batch))
	copy(pending, s.batch)
	s.batch = s.batch[:0]
	s.batchMu.Unlock()

	if err := s.sink.InsertActions(ctx, pending); err != nil {
		s.batchMu.Lock()
		s.batch = append(pending, s.batch...)
		s.batchMu.Unlock()
		return err
	}
	s.log.WithField("count", len(pending)).Debug("flushed room actions")
	return nil
}

// Pending reports how many records wait for the next flush.
func (s *Service) Pending() int {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	return len(s.batch)
}

// ExpireIdle ends every tracked room idle beyond the inactivity timeout and
// returns how many it ended.
func (s *Service) ExpireIdle(ctx context.Context) int {
	now := s.now()
	var idle []uuid.UUID
	s.activityMu.Lock()
	for id, last := range s.lastActivity {
		if now.Sub(last) > s.inactivity {
			idle = append(idle, id)
		}
	}
	s.activityMu.Unlock()

	ended := 0
	for _, id := range idle {
		log := s.log.WithField("room_id", id)
		changed, err := s.expirer.ExpireRoom(ctx, id)
		if errors.Is(err, ErrStillActive) {
			s.activityMu.Lock()
			if last, ok := s.lastActivity[id]; ok && !last.After(now) {
				s.lastActivity[id] = now
			}
			s.activityMu.Unlock()
			log.Debug("idle room has recent member activity, keeping it")
			continue
		}
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			log.WithError(err).Warn("failed to expire idle room")
			continue
		}
		s.activityMu.Lock()
		if last, ok := s.lastActivity[id]; ok && !last.After(now) {
			delete(s.lastActivity, id)
		}
		s.activityMu.Unlock()
		if changed {
			ended++
			log.Info("ended room due to inactivity")
		}
	}
	return ended
}
