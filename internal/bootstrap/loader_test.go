package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/huddle/backend/internal/room"
)

type fakeSource struct {
	docs    map[string]*room.Snapshot
	readErr error
	created int
}

func (f *fakeSource) Read(_ context.Context, roomID string) (*room.Snapshot, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.docs[roomID], nil
}

func (f *fakeSource) CreateDefault(_ context.Context, roomID string) (*room.Snapshot, error) {
	if doc, ok := f.docs[roomID]; ok {
		return doc, nil
	}
	f.created++
	f.docs[roomID] = room.Default(roomID, time.Unix(0, 0))
	return f.docs[roomID], nil
}

func TestLoadCreatesDefault(t *testing.T) {
	src := &fakeSource{docs: map[string]*room.Snapshot{}}
	l := NewLoader(src, room.DefaultLimits(), zap.NewNop())

	snap, err := l.Load(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, 1, src.created)
	require.Len(t, snap.Files, 1)
	assert.Equal(t, room.DefaultFileID, snap.Files[0].ID)

	_, err = l.Load(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, 1, src.created)
}

func TestLoadPrunesOrphanGroupsWithoutTouchingStore(t *testing.T) {
	stored := room.Default("R1", time.Unix(0, 0))
	stored.Groups = []room.Group{{ID: "used"}, {ID: "orphan"}}
	stored.Files[0].GroupID = "used"
	src := &fakeSource{docs: map[string]*room.Snapshot{"R1": stored}}
	l := NewLoader(src, room.DefaultLimits(), zap.NewNop())

	snap, err := l.Load(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, []room.Group{{ID: "used"}}, snap.Groups)
	assert.Len(t, stored.Groups, 2)
}

func TestLoadPropagatesStoreErrors(t *testing.T) {
	src := &fakeSource{docs: map[string]*room.Snapshot{}, readErr: errors.New("locked")}
	l := NewLoader(src, room.DefaultLimits(), zap.NewNop())

	_, err := l.Load(context.Background(), "R1")
	assert.ErrorContains(t, err, "locked")
}
