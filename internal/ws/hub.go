package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/uber-go/tally/v4"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/huddle/backend/internal/clock"
	"github.com/manpreetbhatti/huddle/backend/internal/presence"
	"github.com/manpreetbhatti/huddle/backend/internal/protocol"
	"github.com/manpreetbhatti/huddle/backend/internal/room"
)

const (
	eventQueueSize = 1024
	joinTimeout    = 10 * time.Second
)

// Writer receives the durable side of room mutations.
type Writer interface {
	Record(roomID string, op room.Op)
	Append(roomID, path string, values ...json.RawMessage)
	Apply(roomID string, ops ...room.Op)
	Flush(roomID string)

	// Sync returns once the room's structural writes issued so far are
	// stored.
	Sync(ctx context.Context, roomID string) error
}

// Loader produces the document a joiner bootstraps from.
type Loader interface {
	Load(ctx context.Context, roomID string) (*room.Snapshot, error)
}

type Options struct {
	Registry presence.Registry
	Writer   Writer
	Loader   Loader
	Clock    clock.Clock
	Logger   *zap.Logger
	Scope    tally.Scope

	MessagesPerSecond float64
	MessageBurst      int
	SendBuffer        int
	AllowedOrigins    []string
}

type eventKind int

const (
	evJoin eventKind = iota
	evJoined
	evMessage
	evLeave
	evNotify
)

// event is one unit of work for the hub loop. Events from one connection
// are posted by its read pump in arrival order.
type event struct {
	kind   eventKind
	client *Client

	// evJoin
	roomID      string
	displayName string

	// evJoined
	snapshot *room.Snapshot
	err      error

	// evMessage
	env protocol.Envelope
	raw []byte

	// evNotify
	data []byte
}

// Hub owns every room's live state. All registry mutation and fan-out
// happens on the goroutine running Run.
type Hub struct {
	events chan event
	done   chan struct{}

	// Loop-owned state
	rooms   map[string]map[*Client]bool
	voice   *presence.Voice
	cursors *presence.Cursors
	slow    []*Client

	registry presence.Registry
	writer   Writer
	loader   Loader
	clock    clock.Clock
	log      *zap.Logger
	upgrader websocket.Upgrader
	opts     Options

	eventsCounter tally.Counter
	dropped       tally.Counter
	unauthorized  tally.Counter
	roomsGauge    tally.Gauge
	membersGauge  tally.Gauge
}

func NewHub(opts Options) *Hub {
	if opts.Registry == nil {
		opts.Registry = presence.NewRegistry()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Scope == nil {
		opts.Scope = tally.NoopScope
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = messagesPerSecond
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = messageBurst
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = sendBuffer
	}
	scope := opts.Scope.SubScope("hub")

	return &Hub{
		events:        make(chan event, eventQueueSize),
		done:          make(chan struct{}),
		rooms:         make(map[string]map[*Client]bool),
		voice:         presence.NewVoice(),
		cursors:       presence.NewCursors(),
		registry:      opts.Registry,
		writer:        opts.Writer,
		loader:        opts.Loader,
		clock:         opts.Clock,
		log:           opts.Logger,
		upgrader:      newUpgrader(opts.AllowedOrigins),
		opts:          opts,
		eventsCounter: scope.Counter("events"),
		dropped:       scope.Counter("dropped_events"),
		unauthorized:  scope.Counter("unauthorized"),
		roomsGauge:    scope.Gauge("rooms"),
		membersGauge:  scope.Gauge("members"),
	}
}

// Run processes events until ctx ends, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case ev := <-h.events:
			h.handle(ev)
			h.evictSlow()
		}
	}
}

// post hands an event to the loop. It gives up once the loop has stopped.
func (h *Hub) post(ev event) {
	select {
	case h.events <- ev:
	case <-h.done:
	}
}

// Stats is a point-in-time presence summary safe to read from any
// goroutine.
type Stats struct {
	Rooms   int            `json:"rooms"`
	Members int            `json:"members"`
	PerRoom map[string]int `json:"per_room"`
}

func (h *Hub) Stats() Stats {
	per := h.registry.Rooms()
	s := Stats{Rooms: len(per), PerRoom: per}
	for _, n := range per {
		s.Members += n
	}
	return s
}

// Members returns the number of live members in a room.
func (h *Hub) Members(roomID string) int {
	return len(h.registry.Roster(roomID).Members)
}

func (h *Hub) handle(ev event) {
	defer func() {
		if r := recover(); r != nil {
			h.dropped.Inc(1)
			h.log.Error("event handler panicked",
				zap.String("room_id", ev.client.roomID),
				zap.String("connection_id", ev.client.id),
				zap.String("event", string(ev.env.Type)),
				zap.Any("panic", r))
		}
	}()

	h.eventsCounter.Inc(1)
	switch ev.kind {
	case evJoin:
		h.handleJoin(ev.client, ev.roomID, ev.displayName)
	case evJoined:
		h.completeJoin(ev.client, ev.snapshot, ev.err)
	case evMessage:
		h.handleMessage(ev.client, ev.env, ev.raw)
	case evLeave:
		h.leave(ev.client)
	case evNotify:
		if !ev.client.closed {
			h.deliver(ev.client, ev.data)
		}
	}
}

// handleJoin registers c in the room right away and starts loading the
// document it will bootstrap from. Until completeJoin runs, frames for c
// are held back so nothing relayed during the load is lost.
func (h *Hub) handleJoin(c *Client, roomID, displayName string) {
	if c.closed {
		return
	}
	if c.roomID != "" {
		h.log.Debug("duplicate join ignored", zap.String("room_id", c.roomID), zap.String("connection_id", c.id))
		return
	}

	h.registry.Join(roomID, presence.Member{
		ConnectionID: c.id,
		Identity:     c.identity,
		DisplayName:  displayName,
		JoinedAt:     h.clock.Now().UTC(),
	})
	c.roomID = roomID
	c.displayName = displayName
	c.joining = true
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Client]bool)
	}
	h.rooms[roomID][c] = true
	h.updateGauges()

	if h.loader == nil {
		h.completeJoin(c, nil, nil)
		return
	}
	go h.bootstrap(c, roomID)
}

// bootstrap runs off the loop. Waiting on the writer first means every
// structural change relayed before the join was registered is in the
// document that gets read.
func (h *Hub) bootstrap(c *Client, roomID string) {
	ctx, cancel := context.WithTimeout(context.Background(), joinTimeout)
	defer cancel()

	var (
		snap *room.Snapshot
		err  error
	)
	if h.writer != nil {
		err = h.writer.Sync(ctx, roomID)
	}
	if err == nil {
		snap, err = h.loader.Load(ctx, roomID)
	}
	h.post(event{kind: evJoined, client: c, snapshot: snap, err: err})
}

// completeJoin sends the joiner its room state followed by everything held
// back while it loaded, then announces it to the room.
func (h *Hub) completeJoin(c *Client, snap *room.Snapshot, err error) {
	if c.closed || !c.joining {
		return
	}
	roomID := c.roomID
	backlog := c.backlog
	c.joining = false
	c.backlog = nil

	if err != nil {
		h.log.Error("load room", zap.String("room_id", roomID), zap.String("connection_id", c.id), zap.Error(err))
		h.sendError(c, protocol.CodeRoomUnavailable, "room could not be loaded", protocol.JoinRoom)
		h.leave(c)
		return
	}

	roster := h.registry.Roster(roomID)
	settings, _ := h.registry.Settings(roomID)
	h.send(c, protocol.RoomState, protocol.RoomStatePayload{
		RoomID:       roomID,
		ConnectionID: c.id,
		Snapshot:     snap,
		Members:      roster.Members,
		HostID:       roster.HostID,
		ChatDisabled: settings.ChatDisabled,
		Cursors:      h.cursors.List(roomID),
		VoicePeers:   h.voice.Peers(roomID),
	})
	for _, data := range backlog {
		h.deliver(c, data)
	}

	member, _ := h.registry.Member(roomID, c.id)
	c.announced = true
	h.broadcast(roomID, c, protocol.MemberJoined, protocol.MembershipPayload{
		Member:  member,
		Members: roster.Members,
		HostID:  roster.HostID,
	})

	h.log.Info("member joined",
		zap.String("room_id", roomID),
		zap.String("connection_id", c.id),
		zap.Int("members", len(roster.Members)),
		zap.Int("held_frames", len(backlog)),
		zap.Bool("host", roster.HostID == c.id))
}

func (h *Hub) handleMessage(c *Client, env protocol.Envelope, raw []byte) {
	if c.closed {
		return
	}
	if env.Type == protocol.Ping {
		h.send(c, protocol.Pong, nil)
		return
	}
	if c.roomID == "" {
		h.sendError(c, protocol.CodeJoinRequired, "join a room first", env.Type)
		return
	}

	if protocol.Host(env.Type) && !h.registry.IsHost(c.roomID, c.id) {
		h.unauthorized.Inc(1)
		h.log.Warn("privileged event from non-host",
			zap.String("room_id", c.roomID),
			zap.String("connection_id", c.id),
			zap.String("event", string(env.Type)))
		h.sendError(c, protocol.CodeNotAuthorized, "only the host can do that", env.Type)
		return
	}

	handler, ok := routes[env.Type]
	if !ok {
		h.dropped.Inc(1)
		return
	}
	if err := handler(h, c, env, raw); err != nil {
		h.dropped.Inc(1)
		h.log.Debug("event dropped",
			zap.String("room_id", c.roomID),
			zap.String("connection_id", c.id),
			zap.String("event", string(env.Type)),
			zap.Error(err))
	}
}

// leave removes the client from its room, hands off host authority if it
// was host, and closes its send channel. It is the single exit path for
// disconnects, kicks and evictions.
func (h *Hub) leave(c *Client) {
	if c.closed {
		return
	}
	c.closed = true
	c.backlog = nil
	defer close(c.send)

	roomID := c.roomID
	if roomID == "" {
		return
	}
	delete(h.rooms[roomID], c)

	wasHost := h.registry.IsHost(roomID, c.id)
	roster, member, ok := h.registry.Leave(roomID, c.id)

	if peer, had := h.voice.Leave(roomID, c.id); had {
		h.broadcast(roomID, nil, protocol.VoiceLeave, protocol.VoicePayload{PeerID: peer.PeerID, ConnectionID: c.id})
	}
	if h.cursors.Drop(roomID, c.id) {
		h.broadcast(roomID, nil, protocol.CursorLeft, protocol.CursorLeftPayload{ConnectionID: c.id})
	}

	if ok && len(roster.Members) > 0 {
		if c.announced {
			h.broadcast(roomID, nil, protocol.MemberLeft, protocol.MembershipPayload{
				Member:  member,
				Members: roster.Members,
				HostID:  roster.HostID,
			})
		}
		if wasHost {
			h.broadcast(roomID, nil, protocol.HostChanged, protocol.HostChangedPayload{
				HostID:  roster.HostID,
				Members: roster.Members,
			})
			h.log.Info("host reassigned", zap.String("room_id", roomID), zap.String("host_id", roster.HostID))
		}
	}

	if len(h.rooms[roomID]) == 0 {
		h.closeRoom(roomID)
	}
	h.updateGauges()

	h.log.Info("member left",
		zap.String("room_id", roomID),
		zap.String("connection_id", c.id),
		zap.Int("remaining", len(roster.Members)))
}

// closeRoom drops the loop's ephemeral state for an empty room and pushes
// its pending writes out.
func (h *Hub) closeRoom(roomID string) {
	delete(h.rooms, roomID)
	h.voice.DropRoom(roomID)
	h.cursors.DropRoom(roomID)
	if h.writer != nil {
		h.writer.Flush(roomID)
	}
	h.log.Info("room closed", zap.String("room_id", roomID))
}

func (h *Hub) shutdown() {
	for _, clients := range h.rooms {
		for c := range clients {
			h.leave(c)
		}
	}
}

// deliver queues data for c without blocking. A full buffer marks c as a
// slow consumer to be evicted once the current event is done. While c is
// still joining, data is held back, up to the size of its send buffer.
func (h *Hub) deliver(c *Client, data []byte) {
	if c.closed || c.evicting {
		return
	}
	if c.joining {
		if len(c.backlog) < cap(c.send) {
			c.backlog = append(c.backlog, data)
			return
		}
		c.evicting = true
		h.slow = append(h.slow, c)
		return
	}
	select {
	case c.send <- data:
	default:
		c.evicting = true
		h.slow = append(h.slow, c)
	}
}

func (h *Hub) evictSlow() {
	for len(h.slow) > 0 {
		c := h.slow[0]
		h.slow = h.slow[1:]
		h.log.Warn("evicting slow consumer", zap.String("room_id", c.roomID), zap.String("connection_id", c.id))
		h.leave(c)
	}
}

func (h *Hub) send(c *Client, typ protocol.Type, payload any) {
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		h.log.Error("encode event", zap.String("event", string(typ)), zap.Error(err))
		return
	}
	h.deliver(c, data)
}

func (h *Hub) sendError(c *Client, code, message string, typ protocol.Type) {
	h.send(c, protocol.Error, protocol.ErrorPayload{Code: code, Message: message, Event: typ})
}

// broadcast encodes one event and fans it out to the room, skipping except.
func (h *Hub) broadcast(roomID string, except *Client, typ protocol.Type, payload any) {
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		h.log.Error("encode event", zap.String("event", string(typ)), zap.Error(err))
		return
	}
	h.fanout(roomID, except, data)
}

// fanout sends pre-encoded data to every member of the room but except.
func (h *Hub) fanout(roomID string, except *Client, data []byte) {
	for c := range h.rooms[roomID] {
		if c != except {
			h.deliver(c, data)
		}
	}
}

// clientByID finds a connection in the room.
func (h *Hub) clientByID(roomID, connectionID string) *Client {
	for c := range h.rooms[roomID] {
		if c.id == connectionID {
			return c
		}
	}
	return nil
}

func (h *Hub) updateGauges() {
	members := 0
	for _, clients := range h.rooms {
		members += len(clients)
	}
	h.roomsGauge.Update(float64(len(h.rooms)))
	h.membersGauge.Update(float64(members))
}

func (h *Hub) now() time.Time {
	return h.clock.Now()
}

// ServeWs upgrades the request and starts the connection's pumps.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request, identity string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := h.newClient(conn, identity)
	h.log.Debug("connection opened",
		zap.String("connection_id", c.id),
		zap.String("remote", conn.RemoteAddr().String()))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) notify(c *Client, typ protocol.Type, payload any) {
	data, err := protocol.Encode(typ, payload)
	if err != nil {
		h.log.Error("encode event", zap.String("event", string(typ)), zap.Error(err))
		return
	}
	h.post(event{kind: evNotify, client: c, data: data})
}
