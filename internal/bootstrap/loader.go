// Package bootstrap loads the document a joining connection starts from.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/huddle/backend/internal/room"
)

const defaultTimeout = 5 * time.Second

// Source is the slice of the document store the loader reads from.
type Source interface {
	Read(ctx context.Context, roomID string) (*room.Snapshot, error)
	CreateDefault(ctx context.Context, roomID string) (*room.Snapshot, error)
}

// Loader fetches or creates a room's document for a joiner.
type Loader struct {
	src     Source
	limits  room.Limits
	timeout time.Duration
	log     *zap.Logger
}

func NewLoader(src Source, limits room.Limits, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{src: src, limits: limits, timeout: defaultTimeout, log: logger}
}

// Load returns the room's committed document, creating the default one if
// the room has none yet. The result is normalized before it is handed out:
// orphaned groups are pruned and logs are cut to their caps. The stored
// document is left as is.
func (l *Loader) Load(ctx context.Context, roomID string) (*room.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	snap, err := l.src.Read(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	if snap == nil {
		if snap, err = l.src.CreateDefault(ctx, roomID); err != nil {
			return nil, fmt.Errorf("create room %s: %w", roomID, err)
		}
		l.log.Info("room document created", zap.String("room_id", roomID))
	}

	snap = snap.Clone()
	if snap.Normalize(l.limits) {
		l.log.Debug("room document normalized on load", zap.String("room_id", roomID))
	}
	return snap, nil
}
