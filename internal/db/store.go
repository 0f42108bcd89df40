package db

import (
	"context"
	"time"

	"github.com/manpreetbhatti/huddle/backend/internal/room"
)

// Room is the catalogue row of a room.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Stats struct {
	RoomCount     int `json:"room_count"`
	DocumentCount int `json:"document_count"`
}

// Store persists one snapshot document per room.
type Store interface {
	// Read returns the room's document, or nil when none exists.
	Read(ctx context.Context, roomID string) (*room.Snapshot, error)

	// CreateDefault stores the default document unless one exists and
	// returns whichever document is stored afterwards.
	CreateDefault(ctx context.Context, roomID string) (*room.Snapshot, error)

	// Patch applies ops to the stored document in one transaction. Ops the
	// document rejects are skipped. Returns room.ErrRoomNotFound when the
	// room has no document.
	Patch(ctx context.Context, roomID string, ops ...room.Op) error

	// Mutate loads the document, runs fn on it and stores the result.
	// fn may return room.ErrUnchanged to skip the write.
	Mutate(ctx context.Context, roomID string, fn func(*room.Snapshot) error) (*room.Snapshot, error)

	CreateRoom(ctx context.Context, id, name string) error
	GetRoom(ctx context.Context, id string) (*Room, error)
	ListRooms(ctx context.Context, limit, offset int) ([]Room, error)

	// DocumentIDs returns up to limit ids of rooms that have a document,
	// in ascending order and strictly after the given id. Writes do not
	// move rooms in this order, so it is safe to page over while mutating.
	DocumentIDs(ctx context.Context, after string, limit int) ([]string, error)
	DeleteRoom(ctx context.Context, id string) error

	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// applyPatch is the Mutate callback shared by every store's Patch.
func applyPatch(ops []room.Op, now time.Time, limits room.Limits) func(*room.Snapshot) error {
	return func(s *room.Snapshot) error {
		if s.ApplyAll(ops, now, limits) == 0 {
			return room.ErrUnchanged
		}
		return nil
	}
}

func defaultLimits(l room.Limits) room.Limits {
	d := room.DefaultLimits()
	if l.ChatLog <= 0 {
		l.ChatLog = d.ChatLog
	}
	if l.ExecutionLog <= 0 {
		l.ExecutionLog = d.ExecutionLog
	}
	return l
}
