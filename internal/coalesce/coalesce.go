// Package coalesce batches rapid durable writes per room. Field writes are
// kept last-write-wins in a pending map and flushed together once a room
// has been quiet for the configured window. Every store call for a room
// runs on that room's lane, one at a time and in submission order, so two
// flushes for the same room never race.
package coalesce

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/uber-go/tally/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/huddle/backend/internal/clock"
	"github.com/manpreetbhatti/huddle/backend/internal/room"
)

const (
	DefaultWindow  = 2 * time.Second
	DefaultTimeout = 10 * time.Second
)

// Persister is the slice of the document store the writer needs.
type Persister interface {
	Patch(ctx context.Context, roomID string, ops ...room.Op) error
}

type Config struct {
	// Window is the inactivity period after the last record before a
	// room's pending writes are flushed.
	Window time.Duration

	// RetryDelay is how long a failed batch waits before it is tried
	// again. Defaults to Window.
	RetryDelay time.Duration

	// Timeout bounds a single store call.
	Timeout time.Duration
}

type entry struct {
	op  room.Op
	seq uint64
}

type roomState struct {
	pending  map[string]entry
	timer    clock.Timer
	timerGen uint64

	lane    []func()
	running bool

	// flushing is set while a flush batch is out at the store. removed
	// collects paths dropped by structural ops during that window so a
	// failed batch is not re-queued over them.
	flushing bool
	removed  map[string]uint64
}

func (rs *roomState) idle() bool {
	return len(rs.pending) == 0 && rs.timer == nil && len(rs.lane) == 0 && !rs.running
}

// Writer is the write coalescer.
type Writer struct {
	store Persister
	clock clock.Clock
	cfg   Config
	log   *zap.Logger

	flushes     tally.Counter
	flushErrors tally.Counter
	opsWritten  tally.Counter

	mu        sync.Mutex
	idleCond  *sync.Cond
	seq       uint64
	busy      int
	rooms     map[string]*roomState
	closing   bool
	closeErrs error
}

// New returns a Writer persisting through store.
func New(store Persister, clk clock.Clock, cfg Config, logger *zap.Logger, scope tally.Scope) *Writer {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = cfg.Window
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if scope == nil {
		scope = tally.NoopScope
	}
	scope = scope.SubScope("coalesce")

	w := &Writer{
		store:       store,
		clock:       clk,
		cfg:         cfg,
		log:         logger,
		flushes:     scope.Counter("flushes"),
		flushErrors: scope.Counter("flush_errors"),
		opsWritten:  scope.Counter("ops"),
		rooms:       make(map[string]*roomState),
	}
	w.idleCond = sync.NewCond(&w.mu)
	return w
}

// Record stores op as the latest pending write for its path and restarts
// the room's inactivity timer. A later Record for the same path replaces
// the earlier one.
func (w *Writer) Record(roomID string, op room.Op) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closing {
		w.log.Warn("record after close dropped", zap.String("room_id", roomID), zap.String("path", op.Path))
		return
	}
	rs := w.state(roomID)
	w.seq++
	rs.pending[op.Path] = entry{op: op, seq: w.seq}
	w.arm(roomID, rs, w.cfg.Window)
}

// Append accumulates log entries for path (chatLog or executionLog). All
// entries appended within one window are written in a single append op
// and capped by the store.
func (w *Writer) Append(roomID, path string, values ...json.RawMessage) {
	if len(values) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closing {
		w.log.Warn("append after close dropped", zap.String("room_id", roomID), zap.String("path", path))
		return
	}
	rs := w.state(roomID)
	w.seq++
	key := appendKey(path)
	e := rs.pending[key]
	if e.op.Path == "" {
		e.op = room.Op{Kind: room.OpAppend, Path: path}
	}
	e.op.Values = append(e.op.Values, values...)
	e.seq = w.seq
	rs.pending[key] = e
	w.arm(roomID, rs, w.cfg.Window)
}

// Apply sends structural ops to the store right away on the room's lane,
// ahead of any pending coalesced writes. Pending writes addressed under a
// path the ops replace or remove are forgotten so a later flush cannot
// bring the removed entity back.
func (w *Writer) Apply(roomID string, ops ...room.Op) {
	if len(ops) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closing {
		w.log.Warn("structural write after close dropped", zap.String("room_id", roomID), zap.Int("ops", len(ops)))
		return
	}
	rs := w.state(roomID)
	batch := make([]entry, 0, len(ops))
	for _, op := range ops {
		w.seq++
		w.forget(rs, op, w.seq)
		batch = append(batch, entry{op: op, seq: w.seq})
	}
	w.enqueue(roomID, rs, func() { w.write(roomID, batch, false) })
}

// Flush schedules an immediate flush of the room's pending writes without
// waiting for the window to expire.
func (w *Writer) Flush(roomID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rs, ok := w.rooms[roomID]
	if !ok {
		return
	}
	w.disarm(rs)
	w.enqueue(roomID, rs, func() { w.flush(roomID) })
}

// PendingWrites returns the number of coalesced writes not yet handed to
// the store, across every room.
func (w *Writer) PendingWrites() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, rs := range w.rooms {
		n += len(rs.pending)
	}
	return n
}

func (w *Writer) pendingFor(roomID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if rs, ok := w.rooms[roomID]; ok {
		return len(rs.pending)
	}
	return 0
}

// Sync blocks until every store call queued for the room before it was
// called has finished, or ctx ends. Pending coalesced writes are not
// flushed.
func (w *Writer) Sync(ctx context.Context, roomID string) error {
	w.mu.Lock()
	rs, ok := w.rooms[roomID]
	if !ok || (len(rs.lane) == 0 && !rs.running) {
		w.mu.Unlock()
		return nil
	}
	done := make(chan struct{})
	w.enqueue(roomID, rs, func() { close(done) })
	w.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until no lane has queued or running work. Armed timers are
// not waited for.
func (w *Writer) Wait() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.busy > 0 {
		w.idleCond.Wait()
	}
}

// Close flushes every room and waits for the lanes to drain or for ctx to
// end. Writes recorded after Close are dropped. Store errors raised by the
// final flushes are returned together.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return nil
	}
	w.closing = true
	for roomID, rs := range w.rooms {
		w.disarm(rs)
		if len(rs.pending) > 0 {
			id := roomID
			w.enqueue(id, rs, func() { w.flush(id) })
			continue
		}
		if rs.idle() {
			delete(w.rooms, roomID)
		}
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return multierr.Append(w.takeCloseErrs(), ctx.Err())
	}
	return w.takeCloseErrs()
}

func (w *Writer) takeCloseErrs() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.closeErrs
	w.closeErrs = nil
	return err
}

// state returns the room's state, creating it. Caller holds w.mu.
func (w *Writer) state(roomID string) *roomState {
	rs, ok := w.rooms[roomID]
	if !ok {
		rs = &roomState{pending: make(map[string]entry)}
		w.rooms[roomID] = rs
	}
	return rs
}

// arm (re)starts the room timer. Caller holds w.mu.
func (w *Writer) arm(roomID string, rs *roomState, d time.Duration) {
	w.disarm(rs)
	rs.timerGen++
	gen := rs.timerGen
	rs.timer = w.clock.AfterFunc(d, func() { w.expire(roomID, gen) })
}

func (w *Writer) disarm(rs *roomState) {
	if rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
}

func (w *Writer) expire(roomID string, gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	rs, ok := w.rooms[roomID]
	if !ok || rs.timerGen != gen || rs.timer == nil {
		return
	}
	rs.timer = nil
	w.enqueue(roomID, rs, func() { w.flush(roomID) })
}

// enqueue appends a task to the room's lane, starting the lane goroutine
// if it is not running. Caller holds w.mu.
func (w *Writer) enqueue(roomID string, rs *roomState, task func()) {
	rs.lane = append(rs.lane, task)
	w.busy++
	if !rs.running {
		rs.running = true
		go w.drain(roomID, rs)
	}
}

func (w *Writer) drain(roomID string, rs *roomState) {
	w.mu.Lock()
	for len(rs.lane) > 0 {
		task := rs.lane[0]
		rs.lane = rs.lane[1:]
		w.mu.Unlock()

		task()

		w.mu.Lock()
		w.busy--
	}
	rs.running = false
	if rs.idle() && w.rooms[roomID] == rs {
		delete(w.rooms, roomID)
	}
	if w.busy == 0 {
		w.idleCond.Broadcast()
	}
	w.mu.Unlock()
}

// flush takes every pending write for the room and persists them in one
// store call, ordered by when each was last recorded.
func (w *Writer) flush(roomID string) {
	w.mu.Lock()
	rs, ok := w.rooms[roomID]
	if !ok || len(rs.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := make([]entry, 0, len(rs.pending))
	for _, e := range rs.pending {
		batch = append(batch, e)
	}
	rs.pending = make(map[string]entry)
	w.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].seq < batch[j].seq })
	w.write(roomID, batch, true)
}

func (w *Writer) write(roomID string, batch []entry, coalesced bool) {
	ops := make([]room.Op, len(batch))
	for i, e := range batch {
		ops[i] = e.op
	}

	w.mu.Lock()
	rs := w.state(roomID)
	rs.flushing = true
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
	err := w.store.Patch(ctx, roomID, ops...)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	removed := rs.removed
	rs.flushing = false
	rs.removed = nil

	switch {
	case err == nil:
		w.flushes.Inc(1)
		w.opsWritten.Inc(int64(len(ops)))
		w.log.Debug("room writes persisted",
			zap.String("room_id", roomID),
			zap.Int("ops", len(ops)),
			zap.Bool("coalesced", coalesced))
		return
	case errors.Is(err, room.ErrRoomNotFound):
		w.log.Warn("room document missing, writes dropped",
			zap.String("room_id", roomID),
			zap.Int("ops", len(ops)))
		return
	}

	w.flushErrors.Inc(1)
	if w.closing {
		w.closeErrs = multierr.Append(w.closeErrs, err)
		w.log.Error("final flush failed", zap.String("room_id", roomID), zap.Int("ops", len(ops)), zap.Error(err))
		return
	}

	w.log.Error("room writes failed, retrying",
		zap.String("room_id", roomID),
		zap.Int("ops", len(ops)),
		zap.Duration("retry_in", w.cfg.RetryDelay),
		zap.Error(err))
	w.requeue(rs, batch, removed)
	w.arm(roomID, rs, w.cfg.RetryDelay)
}

// requeue puts a failed batch back into the pending map. A write is only
// restored when nothing newer was recorded for its key in the meantime and
// no structural op removed its path. Caller holds w.mu.
func (w *Writer) requeue(rs *roomState, batch []entry, removed map[string]uint64) {
	for _, e := range batch {
		if seq, gone := covered(removed, e.op.Path); gone && seq > e.seq {
			continue
		}
		key := e.op.Path
		if e.op.Kind == room.OpAppend {
			key = appendKey(e.op.Path)
			if newer, ok := rs.pending[key]; ok {
				newer.op.Values = append(opValues(e.op), newer.op.Values...)
				rs.pending[key] = newer
				continue
			}
		}
		if _, ok := rs.pending[key]; ok {
			continue
		}
		rs.pending[key] = e
	}
}

// forget drops pending writes the structural op supersedes. Caller holds
// w.mu.
func (w *Writer) forget(rs *roomState, op room.Op, seq uint64) {
	if op.Kind == room.OpAppend {
		return
	}
	prefix := op.Path + "."
	for key := range rs.pending {
		if key == op.Path || strings.HasPrefix(key, prefix) {
			delete(rs.pending, key)
		}
	}
	if op.Kind == room.OpRemove {
		if surfaceID, objectID, ok := objectPath(op.Path); ok {
			sceneKey := room.CanvasPath(surfaceID, "scene")
			if e, ok := rs.pending[sceneKey]; ok {
				e.op.Value = withoutObject(e.op.Value, objectID)
				rs.pending[sceneKey] = e
			}
		}
	}
	if rs.flushing {
		if rs.removed == nil {
			rs.removed = make(map[string]uint64)
		}
		rs.removed[op.Path] = seq
	}
}

func covered(removed map[string]uint64, path string) (uint64, bool) {
	for p, seq := range removed {
		if path == p || strings.HasPrefix(path, p+".") {
			return seq, true
		}
	}
	return 0, false
}

func appendKey(path string) string {
	return "+" + path
}

func opValues(op room.Op) []json.RawMessage {
	if len(op.Value) == 0 {
		return op.Values
	}
	return append(append([]json.RawMessage(nil), op.Values...), op.Value)
}

// objectPath splits canvas.<surface>.objects.<object>.
func objectPath(path string) (string, string, bool) {
	seg := strings.Split(path, ".")
	if len(seg) != 4 || seg[0] != "canvas" || seg[2] != "objects" {
		return "", "", false
	}
	return seg[1], seg[3], true
}

func withoutObject(scene json.RawMessage, objectID string) json.RawMessage {
	var objects []json.RawMessage
	if err := json.Unmarshal(scene, &objects); err != nil {
		return scene
	}
	kept := objects[:0]
	for _, obj := range objects {
		if id, err := room.ObjectID(obj); err == nil && id == objectID {
			continue
		}
		kept = append(kept, obj)
	}
	out, err := json.Marshal(kept)
	if err != nil {
		return scene
	}
	return out
}
