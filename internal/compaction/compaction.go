// Package compaction periodically repairs the stored documents of rooms
// nobody is connected to.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/huddle/backend/internal/room"
)

type Config struct {
	Interval  time.Duration
	BatchSize int
	Timeout   time.Duration
	Limits    room.Limits
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		BatchSize: 500,
		Timeout:   10 * time.Second,
		Limits:    room.DefaultLimits(),
	}
}

// Store is the part of db.Store compaction needs.
type Store interface {
	DocumentIDs(ctx context.Context, after string, limit int) ([]string, error)
	Mutate(ctx context.Context, roomID string, fn func(*room.Snapshot) error) (*room.Snapshot, error)
}

// Presence reports live membership so active rooms are left to the
// coalescer.
type Presence interface {
	Members(roomID string) int
}

type Service struct {
	store    Store
	presence Presence
	config   Config
	log      *zap.Logger
	stop     chan struct{}
	wg       sync.WaitGroup

	compacted tally.Counter
	failed    tally.Counter
}

func New(store Store, presence Presence, config Config, logger *zap.Logger, scope tally.Scope) *Service {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Limits == (room.Limits{}) {
		config.Limits = def.Limits
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	scope = scope.SubScope("compaction")

	return &Service{
		store:     store,
		presence:  presence,
		config:    config,
		log:       logger,
		stop:      make(chan struct{}),
		compacted: scope.Counter("compacted"),
		failed:    scope.Counter("failed"),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	s.log.Info("compaction service started", zap.Duration("interval", s.config.Interval))
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	s.log.Info("compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.sweep(ctx)
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	n, err := s.CompactAll(ctx)
	if err != nil {
		s.log.Warn("compaction pass finished with errors", zap.Int("compacted", n), zap.Error(err))
		return
	}
	if n > 0 {
		s.log.Info("compacted rooms", zap.Int("count", n))
	}
}

// CompactAll normalizes every idle room's document and returns how many
// documents were rewritten.
func (s *Service) CompactAll(ctx context.Context) (int, error) {
	var (
		errs      error
		compacted int
	)
	after := ""
	for {
		ids, err := s.store.DocumentIDs(ctx, after, s.config.BatchSize)
		if err != nil {
			return compacted, multierr.Append(errs, fmt.Errorf("list documents: %w", err))
		}

		for _, id := range ids {
			if ctx.Err() != nil {
				return compacted, multierr.Append(errs, ctx.Err())
			}
			if s.presence != nil && s.presence.Members(id) > 0 {
				continue
			}
			changed, err := s.CompactNow(ctx, id)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("room %s: %w", id, err))
				continue
			}
			if changed {
				compacted++
			}
		}

		if len(ids) < s.config.BatchSize {
			return compacted, errs
		}
		after = ids[len(ids)-1]
	}
}

// CompactNow normalizes one room's stored document and reports whether it
// had to be rewritten. Rooms without a document are skipped.
func (s *Service) CompactNow(ctx context.Context, roomID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	changed := false
	_, err := s.store.Mutate(ctx, roomID, func(snap *room.Snapshot) error {
		if !snap.Normalize(s.config.Limits) {
			return room.ErrUnchanged
		}
		changed = true
		return nil
	})
	if errors.Is(err, room.ErrRoomNotFound) {
		return false, nil
	}
	if err != nil {
		s.failed.Inc(1)
		return false, err
	}
	if changed {
		s.compacted.Inc(1)
		s.log.Debug("room compacted", zap.String("room_id", roomID))
	}
	return changed, nil
}
