package protocol

import (
	"encoding/json"

	"github.com/manpreetbhatti/huddle/backend/internal/presence"
	"github.com/manpreetbhatti/huddle/backend/internal/room"
)

type JoinRoomPayload struct {
	RoomID      string `json:"roomId"`
	DisplayName string `json:"displayName"`
}

// RoomStatePayload is the bootstrap frame sent to a joiner only.
type RoomStatePayload struct {
	RoomID       string               `json:"roomId"`
	ConnectionID string               `json:"connectionId"`
	Snapshot     *room.Snapshot       `json:"snapshot"`
	Members      []presence.Member    `json:"members"`
	HostID       string               `json:"hostId"`
	ChatDisabled bool                 `json:"chatDisabled"`
	Cursors      []presence.Cursor    `json:"cursors"`
	VoicePeers   []presence.VoicePeer `json:"voicePeers"`
}

// MembershipPayload is carried by member-joined and member-left.
type MembershipPayload struct {
	Member  presence.Member   `json:"member"`
	Members []presence.Member `json:"members"`
	HostID  string            `json:"hostId"`
}

type FileEditPayload struct {
	FileID  string `json:"fileId"`
	Content string `json:"content"`
}

type FileCreatePayload struct {
	File room.File `json:"file"`
}

type FileRefPayload struct {
	FileID string `json:"fileId"`
}

type FileRenamePayload struct {
	FileID string `json:"fileId"`
	Name   string `json:"name"`
}

type FileLanguagePayload struct {
	FileID   string `json:"fileId"`
	Language string `json:"language"`
}

type FileMovePayload struct {
	FileID  string `json:"fileId"`
	GroupID string `json:"groupId"`
}

type GroupCreatePayload struct {
	Group room.Group `json:"group"`
}

// GroupPatch lists the group fields an update may change; nil fields are
// left alone.
type GroupPatch struct {
	Name      *string `json:"name,omitempty"`
	Color     *string `json:"color,omitempty"`
	Collapsed *bool   `json:"collapsed,omitempty"`
}

type GroupUpdatePayload struct {
	GroupID string     `json:"groupId"`
	Patch   GroupPatch `json:"patch"`
}

type GroupRefPayload struct {
	GroupID string `json:"groupId"`
}

// CanvasObjectPayload carries one object for add and modify, or an object
// id for delete. Scene, when present, is the sender's full scene after the
// change.
type CanvasObjectPayload struct {
	SurfaceID string            `json:"surfaceId"`
	Object    json.RawMessage   `json:"object,omitempty"`
	ObjectID  string            `json:"objectId,omitempty"`
	Scene     []json.RawMessage `json:"scene,omitempty"`
}

type CanvasScenePayload struct {
	SurfaceID string            `json:"surfaceId"`
	Scene     []json.RawMessage `json:"scene"`
}

type CanvasSurfacePayload struct {
	Surface room.CanvasSurface `json:"surface"`
}

type CanvasSurfaceRefPayload struct {
	SurfaceID string `json:"surfaceId"`
}

type CursorReportPayload struct {
	FileID   string          `json:"fileId"`
	Position json.RawMessage `json:"position"`
}

type CursorLeftPayload struct {
	ConnectionID string `json:"connectionId"`
}

// ChatMessagePayload is {text} from a client and a full chat entry from
// the server.
type ChatMessagePayload = room.ChatEntry

type ExecutionResultPayload struct {
	Entry room.ExecutionEntry `json:"entry"`
}

type VoicePayload struct {
	PeerID       string `json:"peerId"`
	ConnectionID string `json:"connectionId,omitempty"`
	Muted        *bool  `json:"muted,omitempty"`
}

type VoicePeersPayload struct {
	Peers []presence.VoicePeer `json:"peers"`
}

type HostTargetPayload struct {
	TargetConnectionID string `json:"targetConnectionId"`
}

// HostToggleChatPayload sets chat to Disabled, or flips it when Disabled
// is omitted.
type HostToggleChatPayload struct {
	Disabled *bool `json:"disabled,omitempty"`
}

type HostChangedPayload struct {
	HostID  string            `json:"hostId"`
	Members []presence.Member `json:"members"`
}

type KickedPayload struct {
	RoomID string `json:"roomId"`
	By     string `json:"by"`
}

type SessionEndedPayload struct {
	RoomID string `json:"roomId"`
	By     string `json:"by"`
}

type ChatToggledPayload struct {
	ChatDisabled bool `json:"chatDisabled"`
}

type ForceMutePayload struct {
	TargetConnectionID string `json:"targetConnectionId"`
	PeerID             string `json:"peerId,omitempty"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   Type   `json:"event,omitempty"`
}
