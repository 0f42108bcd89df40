package coalesce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally/v4"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/huddle/backend/internal/clock"
	"github.com/manpreetbhatti/huddle/backend/internal/room"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeStore applies patches to in-memory snapshots and remembers every call.
type fakeStore struct {
	mu    sync.Mutex
	docs  map[string]*room.Snapshot
	calls [][]room.Op
	fail  func(call int) error
}

func newFakeStore(roomIDs ...string) *fakeStore {
	s := &fakeStore{docs: make(map[string]*room.Snapshot)}
	for _, id := range roomIDs {
		s.docs[id] = room.Default(id, epoch)
	}
	return s
}

func (s *fakeStore) Patch(_ context.Context, roomID string, ops ...room.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	call := len(s.calls)
	s.calls = append(s.calls, append([]room.Op(nil), ops...))
	if s.fail != nil {
		if err := s.fail(call); err != nil {
			return err
		}
	}
	doc, ok := s.docs[roomID]
	if !ok {
		return room.ErrRoomNotFound
	}
	doc.ApplyAll(ops, epoch, room.DefaultLimits())
	return nil
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeStore) doc(roomID string) *room.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[roomID].Clone()
}

func newTestWriter(t *testing.T, store Persister) (*Writer, *clock.Fake, tally.TestScope) {
	t.Helper()
	clk := clock.NewFake(epoch)
	scope := tally.NewTestScope("", nil)
	w := New(store, clk, Config{Window: 2 * time.Second}, zap.NewNop(), scope)
	t.Cleanup(func() {
		require.NoError(t, w.Close(context.Background()))
	})
	return w, clk, scope
}

func contentOp(t *testing.T, fileID, content string) room.Op {
	t.Helper()
	op, err := room.Set(room.FilePath(fileID, "content"), content)
	require.NoError(t, err)
	return op
}

func counter(scope tally.TestScope, name string) int64 {
	if c, ok := scope.Snapshot().Counters()[name+"+"]; ok {
		return c.Value()
	}
	return 0
}

func TestRapidEditsProduceOneWriteWithLastValue(t *testing.T) {
	store := newFakeStore("R1")
	w, clk, scope := newTestWriter(t, store)

	for i := 1; i <= 10; i++ {
		w.Record("R1", contentOp(t, "main", fmt.Sprintf("v%d", i)))
		clk.Advance(500 * time.Millisecond)
	}
	w.Wait()
	assert.Equal(t, 0, store.callCount(), "nothing is written while edits keep arriving")

	clk.Advance(2 * time.Second)
	w.Wait()

	require.Equal(t, 1, store.callCount())
	f, _ := store.doc("R1").File("main")
	assert.Equal(t, "v10", f.Content)
	assert.Equal(t, int64(1), counter(scope, "coalesce.flushes"))
	assert.Equal(t, 0, w.pendingFor("R1"))
}

func TestTimerRestartsOnEveryRecord(t *testing.T) {
	store := newFakeStore("R1")
	w, clk, _ := newTestWriter(t, store)

	w.Record("R1", contentOp(t, "main", "a"))
	clk.Advance(1900 * time.Millisecond)
	w.Record("R1", contentOp(t, "main", "b"))
	clk.Advance(1900 * time.Millisecond)
	w.Wait()
	assert.Equal(t, 0, store.callCount())

	clk.Advance(100 * time.Millisecond)
	w.Wait()
	assert.Equal(t, 1, store.callCount())
}

func TestFlushOrdersBySequence(t *testing.T) {
	store := newFakeStore("R1")
	w, clk, _ := newTestWriter(t, store)

	name, _ := room.Set(room.FilePath("main", "name"), "a.js")
	w.Record("R1", contentOp(t, "main", "1"))
	w.Record("R1", name)
	w.Record("R1", contentOp(t, "main", "2"))

	clk.Advance(2 * time.Second)
	w.Wait()

	require.Equal(t, 1, store.callCount())
	ops := store.calls[0]
	require.Len(t, ops, 2)
	assert.Equal(t, room.FilePath("main", "name"), ops[0].Path)
	assert.Equal(t, room.FilePath("main", "content"), ops[1].Path)
}

func TestFailedFlushIsRetried(t *testing.T) {
	store := newFakeStore("R1")
	store.fail = func(call int) error {
		if call == 0 {
			return errors.New("disk full")
		}
		return nil
	}
	w, clk, scope := newTestWriter(t, store)

	w.Record("R1", contentOp(t, "main", "x=1"))
	clk.Advance(2 * time.Second)
	w.Wait()
	require.Equal(t, 1, store.callCount())
	assert.Equal(t, 1, w.pendingFor("R1"))

	clk.Advance(2 * time.Second)
	w.Wait()
	require.Equal(t, 2, store.callCount())
	f, _ := store.doc("R1").File("main")
	assert.Equal(t, "x=1", f.Content)
	assert.Equal(t, int64(1), counter(scope, "coalesce.flush_errors"))
}

func TestRetryKeepsNewerValue(t *testing.T) {
	store := newFakeStore("R1")
	release := make(chan struct{})
	entered := make(chan struct{})
	store.fail = func(call int) error {
		if call == 0 {
			close(entered)
			<-release
			return errors.New("timeout")
		}
		return nil
	}
	w, clk, _ := newTestWriter(t, store)

	w.Record("R1", contentOp(t, "main", "old"))
	clk.Advance(2 * time.Second)
	<-entered

	// Recorded while the failing flush is out.
	w.Record("R1", contentOp(t, "main", "new"))
	close(release)
	w.Wait()

	clk.Advance(2 * time.Second)
	w.Wait()

	f, _ := store.doc("R1").File("main")
	assert.Equal(t, "new", f.Content)
}

func TestMissingRoomDropsBatch(t *testing.T) {
	store := newFakeStore()
	w, clk, _ := newTestWriter(t, store)

	w.Record("ghost", contentOp(t, "main", "x"))
	clk.Advance(2 * time.Second)
	w.Wait()

	assert.Equal(t, 1, store.callCount())
	assert.Equal(t, 0, w.pendingFor("ghost"))
	assert.Zero(t, clk.Pending())
}

func TestStructuralRemoveForgetsPendingEdits(t *testing.T) {
	store := newFakeStore("R1")
	w, clk, _ := newTestWriter(t, store)

	create, _ := room.Set(room.FilePath("f2"), room.File{Name: "b.js"})
	w.Apply("R1", create)
	w.Wait()

	w.Record("R1", contentOp(t, "f2", "typing"))
	w.Record("R1", contentOp(t, "main", "kept"))
	w.Apply("R1", room.Remove(room.FilePath("f2")))
	w.Wait()

	assert.Equal(t, 1, w.pendingFor("R1"))
	_, ok := store.doc("R1").File("f2")
	assert.False(t, ok, "structural ops do not wait for the window")

	clk.Advance(2 * time.Second)
	w.Wait()

	doc := store.doc("R1")
	_, ok = doc.File("f2")
	assert.False(t, ok)
	f, _ := doc.File("main")
	assert.Equal(t, "kept", f.Content)
}

func TestObjectDeleteFiltersPendingScene(t *testing.T) {
	store := newFakeStore("R1")
	w, clk, _ := newTestWriter(t, store)

	scene := json.RawMessage(`[{"id":"a"},{"id":"b"}]`)
	w.Record("R1", room.Op{Kind: room.OpSet, Path: room.CanvasPath(room.DefaultCanvasID, "scene"), Value: scene})
	w.Apply("R1", room.Remove(room.ObjectPath(room.DefaultCanvasID, "a")))
	w.Wait()

	clk.Advance(2 * time.Second)
	w.Wait()

	cs, _ := store.doc("R1").Canvas(room.DefaultCanvasID)
	require.Len(t, cs.Scene, 1)
	assert.JSONEq(t, `{"id":"b"}`, string(cs.Scene[0]))
}

func TestAppendsAccumulateAndCap(t *testing.T) {
	store := newFakeStore("R1")
	w, clk, _ := newTestWriter(t, store)

	for i := 0; i < room.DefaultChatLogCap+1; i++ {
		raw, err := json.Marshal(room.ChatEntry{ID: fmt.Sprintf("m%d", i), Text: "hi"})
		require.NoError(t, err)
		w.Append("R1", room.PathChatLog, raw)
	}
	clk.Advance(2 * time.Second)
	w.Wait()

	require.Equal(t, 1, store.callCount())
	log := store.doc("R1").ChatLog
	require.Len(t, log, room.DefaultChatLogCap)
	assert.Equal(t, "m1", log[0].ID)
}

func TestFailedAppendKeepsOrderWithNewerEntries(t *testing.T) {
	store := newFakeStore("R1")
	release := make(chan struct{})
	entered := make(chan struct{})
	store.fail = func(call int) error {
		if call == 0 {
			close(entered)
			<-release
			return errors.New("busy")
		}
		return nil
	}
	w, clk, _ := newTestWriter(t, store)

	w.Append("R1", room.PathChatLog, json.RawMessage(`{"id":"m1"}`))
	clk.Advance(2 * time.Second)
	<-entered
	w.Append("R1", room.PathChatLog, json.RawMessage(`{"id":"m2"}`))
	close(release)
	w.Wait()

	clk.Advance(2 * time.Second)
	w.Wait()

	log := store.doc("R1").ChatLog
	require.Len(t, log, 2)
	assert.Equal(t, "m1", log[0].ID)
	assert.Equal(t, "m2", log[1].ID)
}

func TestFlushNow(t *testing.T) {
	store := newFakeStore("R1")
	w, clk, _ := newTestWriter(t, store)

	w.Record("R1", contentOp(t, "main", "now"))
	w.Flush("R1")
	w.Wait()

	assert.Equal(t, 1, store.callCount())
	assert.Zero(t, clk.Pending())
}

func TestRoomsFlushIndependently(t *testing.T) {
	store := newFakeStore("R1", "R2")
	w, clk, _ := newTestWriter(t, store)

	w.Record("R1", contentOp(t, "main", "one"))
	clk.Advance(time.Second)
	w.Record("R2", contentOp(t, "main", "two"))
	assert.Equal(t, 2, w.PendingWrites())
	clk.Advance(time.Second)
	w.Wait()

	assert.Equal(t, 1, store.callCount())
	assert.Equal(t, 1, w.PendingWrites())
	f, _ := store.doc("R1").File("main")
	assert.Equal(t, "one", f.Content)

	clk.Advance(time.Second)
	w.Wait()
	assert.Equal(t, 2, store.callCount())
	assert.Zero(t, w.PendingWrites())
}

func TestSyncWaitsForQueuedWrites(t *testing.T) {
	store := newFakeStore("R1")
	gate := make(chan struct{})
	store.fail = func(int) error {
		<-gate
		return nil
	}
	w, _, _ := newTestWriter(t, store)
	ctx := context.Background()

	require.NoError(t, w.Sync(ctx, "R1"), "nothing queued")

	file, err := room.Set(room.FilePath("f2"), room.File{ID: "f2", Name: "b.js"})
	require.NoError(t, err)
	w.Apply("R1", file)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Sync(short, "R1"), context.DeadlineExceeded)

	synced := make(chan error, 1)
	go func() { synced <- w.Sync(ctx, "R1") }()
	close(gate)
	require.NoError(t, <-synced)

	_, ok := store.doc("R1").File("f2")
	assert.True(t, ok, "the structural write is stored once Sync returns")
}

func TestCloseFlushesAndReportsErrors(t *testing.T) {
	store := newFakeStore("R1", "R2")
	store.fail = func(int) error { return errors.New("read-only") }
	clk := clock.NewFake(epoch)
	w := New(store, clk, Config{}, zap.NewNop(), nil)

	w.Record("R1", contentOp(t, "main", "a"))
	w.Record("R2", contentOp(t, "main", "b"))

	err := w.Close(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, store.callCount())

	// Writes after close are dropped.
	w.Record("R1", contentOp(t, "main", "late"))
	assert.Equal(t, 0, w.pendingFor("R1"))
	assert.NoError(t, w.Close(context.Background()))
}
