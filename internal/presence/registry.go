// Package presence tracks who is connected to each room: the member list,
// the room's host and its control-plane settings, plus the ephemeral voice
// and cursor registries. Nothing in this package is persisted.
package presence

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotMember is returned when an operation targets a connection that
	// is not registered in the room.
	ErrNotMember = errors.New("presence: not a member of the room")

	// ErrNotHost is returned when a privileged operation is attempted by a
	// connection that does not hold the room's host assignment.
	ErrNotHost = errors.New("presence: caller is not the host")
)

// Member is one live connection's registration in a room.
type Member struct {
	ConnectionID string    `json:"connectionId"`
	Identity     string    `json:"identity"`
	DisplayName  string    `json:"displayName"`
	JoinedAt     time.Time `json:"joinedAt"`

	seq uint64
}

// Roster is the member list of a room in join order plus its host.
type Roster struct {
	Members []Member `json:"members"`
	HostID  string   `json:"hostId"`
}

// Settings are per-room control-plane flags.
type Settings struct {
	ChatDisabled bool `json:"chatDisabled"`
}

// Registry is the room-scoped presence repository. Host assignment is
// derived from join order: the first member becomes host and, when the
// host leaves, the oldest surviving member takes over.
type Registry interface {
	// Join registers m in the room. The first member of an empty room
	// becomes its host. Joining twice with the same connection id is a
	// no-op.
	Join(roomID string, m Member) Roster

	// Leave removes the connection. When the host leaves, the oldest
	// remaining member is elected. When nobody remains, the room's
	// roster, host assignment and settings are erased. The removed member
	// is returned with ok=false if the connection was not registered.
	Leave(roomID, connectionID string) (roster Roster, removed Member, ok bool)

	// IsHost reports whether connectionID holds the room's host assignment.
	IsHost(roomID, connectionID string) bool

	// Member looks up a registered connection.
	Member(roomID, connectionID string) (Member, bool)

	// Roster returns the current roster; empty for unknown rooms.
	Roster(roomID string) Roster

	// TransferHost moves the host assignment from caller to target. The
	// caller must be host and the target a current member.
	TransferHost(roomID, caller, target string) (Roster, error)

	// Settings returns the room's settings and whether the room exists.
	Settings(roomID string) (Settings, bool)

	// SetChatDisabled updates the chat flag. The caller must be host.
	SetChatDisabled(roomID, caller string, disabled bool) (Settings, error)

	// Rooms returns the member count of every non-empty room.
	Rooms() map[string]int
}

type roomEntry struct {
	members  []Member
	hostID   string
	settings Settings
}

type registry struct {
	mu    sync.RWMutex
	seq   uint64
	rooms map[string]*roomEntry
}

// NewRegistry returns an empty in-memory Registry.
func NewRegistry() Registry {
	return &registry{rooms: make(map[string]*roomEntry)}
}

func (r *registry) Join(roomID string, m Member) Roster {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.rooms[roomID]
	if !ok {
		entry = &roomEntry{}
		r.rooms[roomID] = entry
	}
	if entry.index(m.ConnectionID) >= 0 {
		return entry.roster()
	}

	r.seq++
	m.seq = r.seq
	entry.members = append(entry.members, m)
	if entry.hostID == "" {
		entry.hostID = m.ConnectionID
	}
	return entry.roster()
}

func (r *registry) Leave(roomID, connectionID string) (Roster, Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.rooms[roomID]
	if !ok {
		return Roster{}, Member{}, false
	}
	idx := entry.index(connectionID)
	if idx < 0 {
		return entry.roster(), Member{}, false
	}

	removed := entry.members[idx]
	entry.members = append(entry.members[:idx], entry.members[idx+1:]...)

	if len(entry.members) == 0 {
		delete(r.rooms, roomID)
		return Roster{Members: []Member{}}, removed, true
	}
	if entry.hostID == connectionID {
		// members stays sorted by join sequence, so the head is the
		// oldest surviving connection.
		entry.hostID = entry.members[0].ConnectionID
	}
	return entry.roster(), removed, true
}

func (r *registry) IsHost(roomID, connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.rooms[roomID]
	return ok && connectionID != "" && entry.hostID == connectionID
}

func (r *registry) Member(roomID, connectionID string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.rooms[roomID]
	if !ok {
		return Member{}, false
	}
	idx := entry.index(connectionID)
	if idx < 0 {
		return Member{}, false
	}
	return entry.members[idx], true
}

func (r *registry) Roster(roomID string) Roster {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.rooms[roomID]
	if !ok {
		return Roster{Members: []Member{}}
	}
	return entry.roster()
}

func (r *registry) TransferHost(roomID, caller, target string) (Roster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.rooms[roomID]
	if !ok || entry.hostID != caller {
		return Roster{}, ErrNotHost
	}
	if entry.index(target) < 0 {
		return entry.roster(), ErrNotMember
	}
	entry.hostID = target
	return entry.roster(), nil
}

func (r *registry) Settings(roomID string) (Settings, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.rooms[roomID]
	if !ok {
		return Settings{}, false
	}
	return entry.settings, true
}

func (r *registry) SetChatDisabled(roomID, caller string, disabled bool) (Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.rooms[roomID]
	if !ok || entry.hostID != caller {
		return Settings{}, ErrNotHost
	}
	entry.settings.ChatDisabled = disabled
	return entry.settings, nil
}

func (r *registry) Rooms() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.rooms))
	for id, entry := range r.rooms {
		counts[id] = len(entry.members)
	}
	return counts
}

func (e *roomEntry) index(connectionID string) int {
	for i, m := range e.members {
		if m.ConnectionID == connectionID {
			return i
		}
	}
	return -1
}

func (e *roomEntry) roster() Roster {
	members := make([]Member, len(e.members))
	copy(members, e.members)
	return Roster{Members: members, HostID: e.hostID}
}
