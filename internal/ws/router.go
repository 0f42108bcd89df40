package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/huddle/backend/internal/protocol"
	"github.com/manpreetbhatti/huddle/backend/internal/room"
)

const maxChatRunes = 2000

var errInvalidPayload = errors.New("invalid payload")

// handler processes one event from a joined member. Returning an error
// drops the event.
type handler func(h *Hub, c *Client, env protocol.Envelope, raw []byte) error

var routes = map[protocol.Type]handler{
	protocol.FileEdit:     onFileEdit,
	protocol.FileCreate:   onFileCreate,
	protocol.FileDelete:   onFileDelete,
	protocol.FileRename:   onFileRename,
	protocol.FileLanguage: onFileLanguage,
	protocol.FileMove:     onFileMove,

	protocol.GroupCreate: onGroupCreate,
	protocol.GroupUpdate: onGroupUpdate,
	protocol.GroupDelete: onGroupDelete,

	protocol.CanvasObjectAdd:       onCanvasObject,
	protocol.CanvasObjectModify:    onCanvasObject,
	protocol.CanvasObjectDelete:    onCanvasObjectDelete,
	protocol.CanvasFullSync:        onCanvasFullSync,
	protocol.CanvasSurfaceCreate:   onCanvasSurfaceCreate,
	protocol.CanvasSurfaceDelete:   onCanvasSurfaceDelete,
	protocol.CanvasSurfaceActivate: onCanvasSurfaceActivate,

	protocol.CursorReport:    onCursorReport,
	protocol.ChatMessage:     onChatMessage,
	protocol.ExecutionResult: onExecutionResult,

	protocol.VoiceJoin:  onVoiceJoin,
	protocol.VoiceLeave: onVoiceLeave,
	protocol.VoiceMute:  onVoiceMute,

	protocol.HostKick:       onHostKick,
	protocol.HostMute:       onHostMute,
	protocol.HostTransfer:   onHostTransfer,
	protocol.HostToggleChat: onHostToggleChat,
	protocol.HostEndSession: onHostEndSession,
}

func validID(field, id string) error {
	if !room.ValidID(id) {
		return fmt.Errorf("%w: %s %q", errInvalidPayload, field, id)
	}
	return nil
}

// relay forwards the frame exactly as received to everyone but the sender.
func (h *Hub) relay(c *Client, raw []byte) {
	h.fanout(c.roomID, c, raw)
}

// record queues a coalesced field write.
func (h *Hub) record(roomID, path string, value any) error {
	op, err := room.Set(path, value)
	if err != nil {
		return err
	}
	if h.writer != nil {
		h.writer.Record(roomID, op)
	}
	return nil
}

// apply sends structural ops straight to the room's persistence lane.
func (h *Hub) apply(roomID string, ops ...room.Op) {
	if h.writer != nil {
		h.writer.Apply(roomID, ops...)
	}
}

// Files

func onFileEdit(h *Hub, c *Client, env protocol.Envelope, raw []byte) error {
	var p protocol.FileEditPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if err := validID("fileId", p.FileID); err != nil {
		return err
	}
	h.relay(c, raw)
	return h.record(c.roomID, room.FilePath(p.FileID, "content"), p.Content)
}

func onFileCreate(h *Hub, c *Client, env protocol.Envelope, raw []byte) error {
	var p protocol.FileCreatePayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if err := validID("file.id", p.File.ID); err != nil {
		return err
	}
	op, err := room.Set(room.FilePath(p.File.ID), p.File)
	if err != nil {
		return err
	}
	h.relay(c, raw)
	h.apply(c.roomID, op)
	return nil
}

func onFileDelete(h *Hub, c *Client, env protocol.Envelope, raw []byte) error {
	var p protocol.FileRefPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if err := validID("fileId", p.FileID); err != nil {
		return err
	}
	h.relay(c, raw)
	h.apply(c.roomID, room.Remove(room.FilePath(p.FileID)))
	return nil
}

func onFileRename(h *Hub, c *Client, env protocol.Envelope, raw []byte) error {
	var p protocol.FileRenamePayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if err := validID("fileId", p.FileID); err != nil {
		return err
	}
	h.relay(c, raw)
	return h.record(c.roomID, room.FilePath(p.FileID, "name"), p.Name)
}

func onFileLanguage(h *Hub, c *Client, env protocol.Envelope, raw []byte) error {
	var p protocol.FileLanguagePayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if err := validID("fileId", p.FileID); err != nil {
		return err
	}
	h.relay(c, raw)
	return h.record(c.roomID, room.FilePath(p.FileID, "language"), p.Language)
}

func onFileMove(h *Hub, c *Client, env protocol.Envelope, raw []byte) error {
	var p protocol.FileMovePayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if err := validID("fileId", p.FileID); err != nil {
		return err
	}
	if p.GroupID != "" {
		if err := validID("groupId", p.GroupID); err != nil {
			return err
		}
	}
	op, err := room.Set(room.FilePath(p.FileID, "groupId"), p.GroupID)
	if err != nil {
		return err
	}
	h.relay(c, raw)
	// Ordered with group create and delete on the same lane.
	h.apply(c.roomID, op)
	return nil
}

// Groups

func onGroupCreate(h *Hub, c *Client, env protocol.Envelope, raw []byte) error {
	var p protocol.GroupCreatePayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if err := validID("group.id", p.Group.ID); err != nil {
		return err
	}
	op, err := room.Set(room.GroupPath(p.Group.ID), p.Group)
	if err != nil {
		return err
	}
	h.relay(c, raw)
	h.apply(c.roomID, op)
	return nil
}

func onGroupUpdate(h *Hub, c *Client, env protocol.Envelope, raw []byte) error {
	var p protocol.GroupUpdatePayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if err := validID("groupId", p.GroupID); err != nil {
		return err
	}
	h.relay(c, raw)

	var errs []error
	if p.Patch.Name != nil {
		errs = append(errs, h.record(c.roomID, room.GroupPath(p.GroupID, "name"), *p.Patch.Name))
	}
	if p.Patch.Color != nil {
		errs = append(errs, h.record(c.roomID, room.GroupPath(p.GroupID, "color"), *p.Patch.Color))
	}
	if p.Patch.Collapsed != nil {
		errs = append(errs, h.record(c.roomID, room.GroupPath(p.GroupID, "collapsed"), *p.Patch.Collapsed))
	}
	return errors.Join(errs...)
}

func onGroupDelete(h *Hub, c *Client, env protocol.Envelope, raw []byte) error {
	var p protocol.GroupRefPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if err := validID("groupId", p.GroupID); err != nil {
		return err
	}
	h.relay(c, raw)
	// The document clears every file's reference in the same op.
	h.apply(c.roomID, room.Remove(room.GroupPath(p.GroupID)))
	return nil
}

// Canvas

func onCanvasObject(h *Hub, c *Client, env protocol.Envelope, raw []byte) error {
	var p protocol.CanvasObjectPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if err := validID("surfaceId", p.SurfaceID); err != nil {
		return err
	}
	if p.Scene != nil {
		h.relay(c, raw)
		return h.record(c.roomID, room.CanvasPath(p.SurfaceID, "scene"), p.Scene)
	}

	objectID, err := room.ObjectID(p.Object)
	if err != nil {
		return err
	}
	h.relay(c, raw)
	if h.writer != nil {
		h.writer.Record(c.roomID, room.Op{
			Kind:  room.OpSet,
			Path:  room.ObjectPath(p.SurfaceID, objectID),
			Value: p.Object,
		})
	}
	return nil
}

func onCanvasObjectDelete(h *Hub, c *Client, env protocol.Envelope, raw []byte) error {
	var p protocol.CanvasObjectPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if err := validID("surfaceId", p.SurfaceID); err != nil {
		return err
	}
	if err := validID("objectId", p.ObjectID); err != nil {
		return err
	}
	h.relay(c, raw)
	h.apply(c.roomID, room.Remove(room.ObjectPath(p.SurfaceID, p.ObjectID)))
	return nil
}

func onCanvasFullSync(h *Hub, c *Client, env protocol.Envelope, raw []byte) error {
	var p protocol.CanvasScenePayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if err := validID("surfaceId", p.SurfaceID); err != nil {
		return err
	}
	if p.Scene == nil {
		p.Scene = []json.RawMessage{}
	}
	h.relay(c, raw)
	return h.record(c.roomID, room.CanvasPath(p.SurfaceID, "scene"), p.Scene)
}

func onCanvasSurfaceCreate(h *Hub, c *Client, env protocol.Envelope, raw []byte) error {
	var p protocol.CanvasSurfacePayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if err := validID("surface.id", p.Surface.ID); err != nil {
		return err
	}
	op, err := room.Set(room.CanvasPath(p.Surface.ID), p.Surface)
	if err != nil {
		return err
	}
	h.relay(c, raw)
	h.apply(c.roomID, op)
	return nil
}

func onCanvasSurfaceDelete(h *Hub, c *Client, env protocol.Envelope, raw []byte) error {
	var p protocol.CanvasSurfaceRefPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if err := validID("surfaceId", p.SurfaceID); err != nil {
		return err
	}
	h.relay(c, raw)
	h.apply(c.roomID, room.Remove(room.CanvasPath(p.SurfaceID)))
	return nil
}

func onCanvasSurfaceActivate(h *Hub, c *Client, env protocol.Envelope, raw []byte) error {
	var p protocol.CanvasSurfaceRefPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if err := validID("surfaceId", p.SurfaceID); err != nil {
		return err
	}
	h.relay(c, raw)
	return h.record(c.roomID, room.PathActiveCanvas, p.SurfaceID)
}

// Cursors

func onCursorReport(h *Hub, c *Client, env protocol.Envelope, _ []byte) error {
	var p protocol.CursorReportPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	member, ok := h.registry.Member(c.roomID, c.id)
	if !ok {
		return fmt.Errorf("%w: sender is not registered", errInvalidPayload)
	}
	cur := h.cursors.Report(c.roomID, member, p.FileID, p.Position, h.now())
	h.broadcast(c.roomID, c, protocol.CursorReport, cur)
	return nil
}

// Logs

func onChatMessage(h *Hub, c *Client, env protocol.Envelope, _ []byte) error {
	var p protocol.ChatMessagePayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	text := strings.TrimSpace(p.Text)
	if text == "" || utf8.RuneCountInString(text) > maxChatRunes {
		return fmt.Errorf("%w: chat text length", errInvalidPayload)
	}

	if settings, _ := h.registry.Settings(c.roomID); settings.ChatDisabled && !h.registry.IsHost(c.roomID, c.id) {
		h.sendError(c, protocol.CodeChatDisabled, "chat is disabled by the host", env.Type)
		return nil
	}

	entry := room.ChatEntry{
		ID:        p.ID,
		Author:    c.displayName,
		AuthorID:  c.identity,
		Text:      text,
		Timestamp: h.now().UnixMilli(),
	}
	if !room.ValidID(entry.ID) {
		entry.ID = uuid.NewString()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	h.broadcast(c.roomID, c, protocol.ChatMessage, entry)
	if h.writer != nil {
		h.writer.Append(c.roomID, room.PathChatLog, data)
	}
	return nil
}

func onExecutionResult(h *Hub, c *Client, env protocol.Envelope, _ []byte) error {
	var p protocol.ExecutionResultPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	entry := p.Entry
	if !room.ValidID(entry.ID) {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = h.now().UnixMilli()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	h.broadcast(c.roomID, c, protocol.ExecutionResult, protocol.ExecutionResultPayload{Entry: entry})
	if h.writer != nil {
		h.writer.Append(c.roomID, room.PathExecutionLog, data)
	}
	return nil
}

// Voice

func onVoiceJoin(h *Hub, c *Client, env protocol.Envelope, _ []byte) error {
	var p protocol.VoicePayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if p.PeerID == "" {
		return fmt.Errorf("%w: missing peerId", errInvalidPayload)
	}

	peer, others := h.voice.Join(c.roomID, c.id, p.PeerID)
	h.send(c, protocol.VoicePeers, protocol.VoicePeersPayload{Peers: others})
	// The joiner gets the join too so its own view reflects the accepted
	// state.
	h.broadcast(c.roomID, nil, protocol.VoiceJoin, protocol.VoicePayload{
		PeerID:       peer.PeerID,
		ConnectionID: peer.ConnectionID,
		Muted:        &peer.Muted,
	})
	return nil
}

func onVoiceLeave(h *Hub, c *Client, _ protocol.Envelope, _ []byte) error {
	peer, ok := h.voice.Leave(c.roomID, c.id)
	if !ok {
		return nil
	}
	h.broadcast(c.roomID, c, protocol.VoiceLeave, protocol.VoicePayload{
		PeerID:       peer.PeerID,
		ConnectionID: c.id,
	})
	return nil
}

func onVoiceMute(h *Hub, c *Client, env protocol.Envelope, _ []byte) error {
	var p protocol.VoicePayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if p.Muted == nil {
		return fmt.Errorf("%w: missing muted", errInvalidPayload)
	}
	peer, ok := h.voice.SetMuted(c.roomID, c.id, p.PeerID, *p.Muted)
	if !ok {
		return nil
	}
	h.broadcast(c.roomID, c, protocol.VoiceMute, protocol.VoicePayload{
		PeerID:       peer.PeerID,
		ConnectionID: c.id,
		Muted:        &peer.Muted,
	})
	return nil
}
