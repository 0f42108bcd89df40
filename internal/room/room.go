// Package room holds the durable per-room document and the path-addressed
// operations that mutate it.
package room

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when an op addresses a file, group, canvas
	// surface or canvas object that does not exist.
	ErrNotFound = errors.New("room: target not found")

	// ErrRoomNotFound is returned by stores when a room has no document.
	ErrRoomNotFound = errors.New("room: document not found")

	// ErrInvalidPath is returned for paths outside the document grammar or
	// an op kind the path does not support.
	ErrInvalidPath = errors.New("room: invalid path")

	// ErrInvalidValue is returned when an op value cannot be decoded for
	// its path.
	ErrInvalidValue = errors.New("room: invalid value")

	// ErrUnchanged lets a mutation callback abort without writing.
	ErrUnchanged = errors.New("room: unchanged")
)

const (
	DefaultChatLogCap      = 100
	DefaultExecutionLogCap = 50

	DefaultFileID   = "main"
	DefaultCanvasID = "canvas-1"
)

// Limits bounds the append-only logs of a snapshot.
type Limits struct {
	ChatLog      int
	ExecutionLog int
}

// DefaultLimits returns the standard retention counts.
func DefaultLimits() Limits {
	return Limits{ChatLog: DefaultChatLogCap, ExecutionLog: DefaultExecutionLogCap}
}

// File is one source file shared in a room.
type File struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Language     string `json:"language"`
	Content      string `json:"content"`
	GroupID      string `json:"groupId,omitempty"`
	LastModified int64  `json:"lastModified"`
}

// Group is a named folder that files can be filed under.
type Group struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Color     string `json:"color"`
	Collapsed bool   `json:"collapsed"`
}

// CanvasSurface is one drawing board. Scene holds the serialized drawing
// objects, each a JSON object with a string "id" field.
type CanvasSurface struct {
	ID    string            `json:"id"`
	Name  string            `json:"name"`
	Scene []json.RawMessage `json:"scene"`
}

// ChatEntry is one chat line.
type ChatEntry struct {
	ID        string `json:"id"`
	Author    string `json:"author"`
	AuthorID  string `json:"authorId,omitempty"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ExecutionEntry is the relayed result of one sandboxed code run.
type ExecutionEntry struct {
	ID          string `json:"id"`
	SurfaceName string `json:"surfaceName"`
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	ExitCode    int    `json:"exitCode"`
	DurationMs  int64  `json:"durationMs"`
	Timestamp   int64  `json:"timestamp"`
}

// Snapshot is the durable document of a room.
type Snapshot struct {
	RoomID         string           `json:"roomId"`
	Name           string           `json:"name"`
	CreatedAt      time.Time        `json:"createdAt"`
	Files          []File           `json:"files"`
	Groups         []Group          `json:"groups"`
	CanvasSurfaces []CanvasSurface  `json:"canvasSurfaces"`
	ActiveCanvas   string           `json:"activeCanvas"`
	ChatLog        []ChatEntry      `json:"chatLog"`
	ExecutionLog   []ExecutionEntry `json:"executionLog"`
	Version        int64            `json:"version"`
	LastUpdated    time.Time        `json:"lastUpdated"`
}

// Default returns the document a room starts with: one empty source file,
// one empty canvas surface and empty logs.
func Default(roomID string, now time.Time) *Snapshot {
	now = now.UTC()
	return &Snapshot{
		RoomID:    roomID,
		CreatedAt: now,
		Files: []File{{
			ID:           DefaultFileID,
			Name:         "main.js",
			Language:     "javascript",
			LastModified: now.UnixMilli(),
		}},
		Groups: []Group{},
		CanvasSurfaces: []CanvasSurface{{
			ID:    DefaultCanvasID,
			Name:  "Canvas 1",
			Scene: []json.RawMessage{},
		}},
		ActiveCanvas: DefaultCanvasID,
		ChatLog:      []ChatEntry{},
		ExecutionLog: []ExecutionEntry{},
		LastUpdated:  now,
	}
}

// File returns the file with the given id.
func (s *Snapshot) File(id string) (*File, bool) {
	for i := range s.Files {
		if s.Files[i].ID == id {
			return &s.Files[i], true
		}
	}
	return nil, false
}

// Group returns the group with the given id.
func (s *Snapshot) Group(id string) (*Group, bool) {
	for i := range s.Groups {
		if s.Groups[i].ID == id {
			return &s.Groups[i], true
		}
	}
	return nil, false
}

// Canvas returns the canvas surface with the given id.
func (s *Snapshot) Canvas(id string) (*CanvasSurface, bool) {
	for i := range s.CanvasSurfaces {
		if s.CanvasSurfaces[i].ID == id {
			return &s.CanvasSurfaces[i], true
		}
	}
	return nil, false
}

// Normalize repairs invariants a stored document may have drifted from:
// dangling group references are cleared, groups no file references are
// pruned, logs are cut to their caps and the active canvas points at an
// existing surface. It reports whether anything changed.
func (s *Snapshot) Normalize(limits Limits) bool {
	changed := false

	groups := make(map[string]bool, len(s.Groups))
	for _, g := range s.Groups {
		groups[g.ID] = true
	}
	referenced := make(map[string]bool, len(s.Groups))
	for i := range s.Files {
		gid := s.Files[i].GroupID
		if gid == "" {
			continue
		}
		if !groups[gid] {
			s.Files[i].GroupID = ""
			changed = true
			continue
		}
		referenced[gid] = true
	}

	kept := make([]Group, 0, len(s.Groups))
	for _, g := range s.Groups {
		if referenced[g.ID] {
			kept = append(kept, g)
		}
	}
	if len(kept) != len(s.Groups) {
		changed = true
	}
	s.Groups = kept

	if n := len(s.ChatLog); limits.ChatLog > 0 && n > limits.ChatLog {
		s.ChatLog = append([]ChatEntry(nil), s.ChatLog[n-limits.ChatLog:]...)
		changed = true
	}
	if n := len(s.ExecutionLog); limits.ExecutionLog > 0 && n > limits.ExecutionLog {
		s.ExecutionLog = append([]ExecutionEntry(nil), s.ExecutionLog[n-limits.ExecutionLog:]...)
		changed = true
	}

	if _, ok := s.Canvas(s.ActiveCanvas); !ok {
		active := ""
		if len(s.CanvasSurfaces) > 0 {
			active = s.CanvasSurfaces[0].ID
		}
		if active != s.ActiveCanvas {
			s.ActiveCanvas = active
			changed = true
		}
	}

	s.fillEmpty()
	return changed
}

// fillEmpty replaces nil lists so the document always encodes them as [].
func (s *Snapshot) fillEmpty() {
	if s.Files == nil {
		s.Files = []File{}
	}
	if s.Groups == nil {
		s.Groups = []Group{}
	}
	if s.CanvasSurfaces == nil {
		s.CanvasSurfaces = []CanvasSurface{}
	}
	for i := range s.CanvasSurfaces {
		if s.CanvasSurfaces[i].Scene == nil {
			s.CanvasSurfaces[i].Scene = []json.RawMessage{}
		}
	}
	if s.ChatLog == nil {
		s.ChatLog = []ChatEntry{}
	}
	if s.ExecutionLog == nil {
		s.ExecutionLog = []ExecutionEntry{}
	}
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Files = append([]File(nil), s.Files...)
	c.Groups = append([]Group(nil), s.Groups...)
	c.CanvasSurfaces = make([]CanvasSurface, len(s.CanvasSurfaces))
	for i, cs := range s.CanvasSurfaces {
		cs.Scene = append([]json.RawMessage(nil), cs.Scene...)
		c.CanvasSurfaces[i] = cs
	}
	c.ChatLog = append([]ChatEntry(nil), s.ChatLog...)
	c.ExecutionLog = append([]ExecutionEntry(nil), s.ExecutionLog...)
	c.fillEmpty()
	return &c
}
