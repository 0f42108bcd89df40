package presence

import (
	"encoding/json"
	"hash/fnv"
	"sort"
	"time"
)

var cursorPalette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#bfef45",
	"#469990", "#9a6324", "#800000", "#000075",
}

// Cursor is the latest reported caret of one connection.
type Cursor struct {
	ConnectionID string          `json:"connectionId"`
	DisplayName  string          `json:"displayName"`
	Color        string          `json:"color"`
	FileID       string          `json:"fileId"`
	Position     json.RawMessage `json:"position,omitempty"`
	UpdatedAt    int64           `json:"updatedAt"`
}

// Cursors is the per-room live cursor map keyed by connection id. It is
// owned by the hub's event loop and is not safe for concurrent use.
type Cursors struct {
	rooms map[string]map[string]Cursor
}

// NewCursors returns an empty cursor registry.
func NewCursors() *Cursors {
	return &Cursors{rooms: make(map[string]map[string]Cursor)}
}

// ColorFor derives a stable cursor color from an identity.
func ColorFor(identity string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(identity))
	return cursorPalette[h.Sum32()%uint32(len(cursorPalette))]
}

// Report overwrites the member's cursor and returns the stored entry.
func (c *Cursors) Report(roomID string, m Member, fileID string, position json.RawMessage, now time.Time) Cursor {
	cur := Cursor{
		ConnectionID: m.ConnectionID,
		DisplayName:  m.DisplayName,
		Color:        ColorFor(m.Identity),
		FileID:       fileID,
		Position:     position,
		UpdatedAt:    now.UnixMilli(),
	}
	byConn, ok := c.rooms[roomID]
	if !ok {
		byConn = make(map[string]Cursor)
		c.rooms[roomID] = byConn
	}
	byConn[m.ConnectionID] = cur
	return cur
}

// Drop evicts the connection's cursor and reports whether it had one.
func (c *Cursors) Drop(roomID, connectionID string) bool {
	byConn, ok := c.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := byConn[connectionID]; !ok {
		return false
	}
	delete(byConn, connectionID)
	if len(byConn) == 0 {
		delete(c.rooms, roomID)
	}
	return true
}

// List returns the room's cursors ordered by connection id.
func (c *Cursors) List(roomID string) []Cursor {
	byConn := c.rooms[roomID]
	out := make([]Cursor, 0, len(byConn))
	for _, cur := range byConn {
		out = append(out, cur)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectionID < out[j].ConnectionID })
	return out
}

// DropRoom forgets every cursor in the room.
func (c *Cursors) DropRoom(roomID string) {
	delete(c.rooms, roomID)
}
