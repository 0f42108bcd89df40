package room

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OpKind selects how an Op changes the addressed field.
type OpKind string

const (
	OpSet    OpKind = "set"
	OpRemove OpKind = "remove"
	OpAppend OpKind = "append"
)

// Top-level paths.
const (
	PathName         = "name"
	PathActiveCanvas = "activeCanvas"
	PathChatLog      = "chatLog"
	PathExecutionLog = "executionLog"
)

const maxIDLength = 128

// Op is a single path-addressed change to a Snapshot.
//
// Paths are dot separated with ids as segments:
//
//	name
//	activeCanvas
//	files.<id>                      set (upsert) or remove
//	files.<id>.content|name|language|groupId
//	groups.<id>                     set (upsert) or remove
//	groups.<id>.name|color|collapsed
//	canvas.<id>                     set (upsert) or remove
//	canvas.<id>.name|scene
//	canvas.<id>.objects.<objectId>  set (upsert) or remove
//	chatLog, executionLog           append
type Op struct {
	Kind   OpKind            `json:"kind"`
	Path   string            `json:"path"`
	Value  json.RawMessage   `json:"value,omitempty"`
	Values []json.RawMessage `json:"values,omitempty"`
}

// Set builds a set op, encoding v as the value.
func Set(path string, v any) (Op, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Op{}, fmt.Errorf("encode %s: %w", path, err)
	}
	return Op{Kind: OpSet, Path: path, Value: raw}, nil
}

// Remove builds a remove op.
func Remove(path string) Op {
	return Op{Kind: OpRemove, Path: path}
}

// FilePath addresses a file or one of its fields.
func FilePath(id string, field ...string) string {
	return join("files", id, field)
}

// GroupPath addresses a group or one of its fields.
func GroupPath(id string, field ...string) string {
	return join("groups", id, field)
}

// CanvasPath addresses a canvas surface or one of its fields.
func CanvasPath(id string, field ...string) string {
	return join("canvas", id, field)
}

// ObjectPath addresses one object inside a canvas surface's scene.
func ObjectPath(surfaceID, objectID string) string {
	return CanvasPath(surfaceID, "objects", objectID)
}

func join(root, id string, field []string) string {
	return strings.Join(append([]string{root, id}, field...), ".")
}

// ValidID reports whether id can be used as a path segment.
func ValidID(id string) bool {
	return id != "" && len(id) <= maxIDLength && !strings.ContainsAny(id, ". ")
}

// ObjectID extracts the "id" field of a serialized canvas object.
func ObjectID(raw json.RawMessage) (string, error) {
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("%w: canvas object: %v", ErrInvalidValue, err)
	}
	if !ValidID(obj.ID) {
		return "", fmt.Errorf("%w: canvas object has no usable id", ErrInvalidValue)
	}
	return obj.ID, nil
}

// Apply performs op against the snapshot. Structural removals keep
// cross-surface references consistent: removing a group clears it from
// every file, removing the active canvas re-points activeCanvas.
func (s *Snapshot) Apply(op Op, now time.Time, limits Limits) error {
	seg := strings.Split(op.Path, ".")
	for _, p := range seg {
		if p == "" {
			return fmt.Errorf("%w: %q", ErrInvalidPath, op.Path)
		}
	}

	switch seg[0] {
	case PathName:
		if len(seg) != 1 || op.Kind != OpSet {
			break
		}
		return decodeInto(op, &s.Name)
	case PathActiveCanvas:
		if len(seg) != 1 || op.Kind != OpSet {
			break
		}
		var id string
		if err := decodeInto(op, &id); err != nil {
			return err
		}
		if _, ok := s.Canvas(id); !ok {
			return fmt.Errorf("%w: canvas %s", ErrNotFound, id)
		}
		s.ActiveCanvas = id
		return nil
	case PathChatLog:
		if len(seg) != 1 || op.Kind != OpAppend {
			break
		}
		return s.appendChat(op, limits.ChatLog)
	case PathExecutionLog:
		if len(seg) != 1 || op.Kind != OpAppend {
			break
		}
		return s.appendExecution(op, limits.ExecutionLog)
	case "files":
		if len(seg) >= 2 {
			return s.applyFile(op, seg[1], seg[2:], now)
		}
	case "groups":
		if len(seg) >= 2 {
			return s.applyGroup(op, seg[1], seg[2:])
		}
	case "canvas":
		if len(seg) >= 2 {
			return s.applyCanvas(op, seg[1], seg[2:])
		}
	}
	return fmt.Errorf("%w: %s %q", ErrInvalidPath, op.Kind, op.Path)
}

func (s *Snapshot) applyFile(op Op, id string, rest []string, now time.Time) error {
	stamp := now.UnixMilli()

	if len(rest) == 0 {
		switch op.Kind {
		case OpSet:
			var f File
			if err := decodeInto(op, &f); err != nil {
				return err
			}
			f.ID = id
			if _, ok := s.Group(f.GroupID); f.GroupID != "" && !ok {
				f.GroupID = ""
			}
			if f.LastModified == 0 {
				f.LastModified = stamp
			}
			if existing, ok := s.File(id); ok {
				*existing = f
				return nil
			}
			s.Files = append(s.Files, f)
			return nil
		case OpRemove:
			for i := range s.Files {
				if s.Files[i].ID == id {
					s.Files = append(s.Files[:i], s.Files[i+1:]...)
					return nil
				}
			}
			return fmt.Errorf("%w: file %s", ErrNotFound, id)
		}
		return fmt.Errorf("%w: %s files.%s", ErrInvalidPath, op.Kind, id)
	}

	if len(rest) != 1 || op.Kind != OpSet {
		return fmt.Errorf("%w: %q", ErrInvalidPath, op.Path)
	}
	f, ok := s.File(id)
	if !ok {
		return fmt.Errorf("%w: file %s", ErrNotFound, id)
	}

	var target *string
	switch rest[0] {
	case "content":
		target = &f.Content
	case "name":
		target = &f.Name
	case "language":
		target = &f.Language
	case "groupId":
		var gid string
		if err := decodeInto(op, &gid); err != nil {
			return err
		}
		if _, exists := s.Group(gid); gid != "" && !exists {
			return fmt.Errorf("%w: group %s", ErrNotFound, gid)
		}
		f.GroupID = gid
		f.LastModified = stamp
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPath, op.Path)
	}
	if err := decodeInto(op, target); err != nil {
		return err
	}
	f.LastModified = stamp
	return nil
}

func (s *Snapshot) applyGroup(op Op, id string, rest []string) error {
	if len(rest) == 0 {
		switch op.Kind {
		case OpSet:
			var g Group
			if err := decodeInto(op, &g); err != nil {
				return err
			}
			g.ID = id
			if existing, ok := s.Group(id); ok {
				*existing = g
				return nil
			}
			s.Groups = append(s.Groups, g)
			return nil
		case OpRemove:
			idx := -1
			for i := range s.Groups {
				if s.Groups[i].ID == id {
					idx = i
					break
				}
			}
			if idx < 0 {
				return fmt.Errorf("%w: group %s", ErrNotFound, id)
			}
			s.Groups = append(s.Groups[:idx], s.Groups[idx+1:]...)
			for i := range s.Files {
				if s.Files[i].GroupID == id {
					s.Files[i].GroupID = ""
				}
			}
			return nil
		}
		return fmt.Errorf("%w: %s groups.%s", ErrInvalidPath, op.Kind, id)
	}

	if len(rest) != 1 || op.Kind != OpSet {
		return fmt.Errorf("%w: %q", ErrInvalidPath, op.Path)
	}
	g, ok := s.Group(id)
	if !ok {
		return fmt.Errorf("%w: group %s", ErrNotFound, id)
	}
	switch rest[0] {
	case "name":
		return decodeInto(op, &g.Name)
	case "color":
		return decodeInto(op, &g.Color)
	case "collapsed":
		return decodeInto(op, &g.Collapsed)
	}
	return fmt.Errorf("%w: %q", ErrInvalidPath, op.Path)
}

func (s *Snapshot) applyCanvas(op Op, id string, rest []string) error {
	if len(rest) == 0 {
		switch op.Kind {
		case OpSet:
			var cs CanvasSurface
			if err := decodeInto(op, &cs); err != nil {
				return err
			}
			cs.ID = id
			if cs.Scene == nil {
				cs.Scene = []json.RawMessage{}
			}
			if existing, ok := s.Canvas(id); ok {
				*existing = cs
				return nil
			}
			s.CanvasSurfaces = append(s.CanvasSurfaces, cs)
			if s.ActiveCanvas == "" {
				s.ActiveCanvas = id
			}
			return nil
		case OpRemove:
			for i := range s.CanvasSurfaces {
				if s.CanvasSurfaces[i].ID != id {
					continue
				}
				s.CanvasSurfaces = append(s.CanvasSurfaces[:i], s.CanvasSurfaces[i+1:]...)
				if s.ActiveCanvas == id {
					s.ActiveCanvas = ""
					if len(s.CanvasSurfaces) > 0 {
						s.ActiveCanvas = s.CanvasSurfaces[0].ID
					}
				}
				return nil
			}
			return fmt.Errorf("%w: canvas %s", ErrNotFound, id)
		}
		return fmt.Errorf("%w: %s canvas.%s", ErrInvalidPath, op.Kind, id)
	}

	cs, ok := s.Canvas(id)
	if !ok {
		return fmt.Errorf("%w: canvas %s", ErrNotFound, id)
	}

	switch {
	case len(rest) == 1 && rest[0] == "name" && op.Kind == OpSet:
		return decodeInto(op, &cs.Name)
	case len(rest) == 1 && rest[0] == "scene" && op.Kind == OpSet:
		var scene []json.RawMessage
		if err := decodeInto(op, &scene); err != nil {
			return err
		}
		if scene == nil {
			scene = []json.RawMessage{}
		}
		cs.Scene = scene
		return nil
	case len(rest) == 2 && rest[0] == "objects":
		return cs.applyObject(op, rest[1])
	}
	return fmt.Errorf("%w: %q", ErrInvalidPath, op.Path)
}

func (cs *CanvasSurface) applyObject(op Op, objectID string) error {
	idx := -1
	for i, raw := range cs.Scene {
		if id, err := ObjectID(raw); err == nil && id == objectID {
			idx = i
			break
		}
	}

	switch op.Kind {
	case OpSet:
		id, err := ObjectID(op.Value)
		if err != nil {
			return err
		}
		if id != objectID {
			return fmt.Errorf("%w: object id %s does not match path %s", ErrInvalidValue, id, objectID)
		}
		obj := append(json.RawMessage(nil), op.Value...)
		if idx >= 0 {
			cs.Scene[idx] = obj
			return nil
		}
		cs.Scene = append(cs.Scene, obj)
		return nil
	case OpRemove:
		if idx < 0 {
			return fmt.Errorf("%w: object %s", ErrNotFound, objectID)
		}
		cs.Scene = append(cs.Scene[:idx], cs.Scene[idx+1:]...)
		return nil
	}
	return fmt.Errorf("%w: %s %q", ErrInvalidPath, op.Kind, op.Path)
}

func (s *Snapshot) appendChat(op Op, limit int) error {
	for _, raw := range opValues(op) {
		var e ChatEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("%w: chat entry: %v", ErrInvalidValue, err)
		}
		s.ChatLog = append(s.ChatLog, e)
	}
	if n := len(s.ChatLog); limit > 0 && n > limit {
		s.ChatLog = append([]ChatEntry(nil), s.ChatLog[n-limit:]...)
	}
	return nil
}

func (s *Snapshot) appendExecution(op Op, limit int) error {
	for _, raw := range opValues(op) {
		var e ExecutionEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return fmt.Errorf("%w: execution entry: %v", ErrInvalidValue, err)
		}
		s.ExecutionLog = append(s.ExecutionLog, e)
	}
	if n := len(s.ExecutionLog); limit > 0 && n > limit {
		s.ExecutionLog = append([]ExecutionEntry(nil), s.ExecutionLog[n-limit:]...)
	}
	return nil
}

func opValues(op Op) []json.RawMessage {
	if len(op.Value) == 0 {
		return op.Values
	}
	return append(append([]json.RawMessage(nil), op.Values...), op.Value)
}

func decodeInto(op Op, v any) error {
	if len(op.Value) == 0 {
		return fmt.Errorf("%w: %s has no value", ErrInvalidValue, op.Path)
	}
	if err := json.Unmarshal(op.Value, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, op.Path, err)
	}
	return nil
}

// ApplyAll applies ops in order, skipping any op the document rejects. It
// returns the number of ops that took effect.
func (s *Snapshot) ApplyAll(ops []Op, now time.Time, limits Limits) int {
	applied := 0
	for _, op := range ops {
		if err := s.Apply(op, now, limits); err != nil {
			continue
		}
		applied++
	}
	return applied
}
