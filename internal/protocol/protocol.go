// Package protocol defines the JSON event envelope exchanged over a room
// connection and the payload carried by each event type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Represents the name of an event on the wire
type Type string

const (
	// Session
	JoinRoom     Type = "join-room"
	RoomState    Type = "room-state"
	MemberJoined Type = "member-joined"
	MemberLeft   Type = "member-left"

	// Files
	FileEdit     Type = "file-edit"
	FileCreate   Type = "file-create"
	FileDelete   Type = "file-delete"
	FileRename   Type = "file-rename"
	FileLanguage Type = "file-language"
	FileMove     Type = "file-move"

	// Groups
	GroupCreate Type = "group-create"
	GroupUpdate Type = "group-update"
	GroupDelete Type = "group-delete"

	// Canvas
	CanvasObjectAdd       Type = "canvas-object-add"
	CanvasObjectModify    Type = "canvas-object-modify"
	CanvasObjectDelete    Type = "canvas-object-delete"
	CanvasFullSync        Type = "canvas-full-sync"
	CanvasSurfaceCreate   Type = "canvas-surface-create"
	CanvasSurfaceDelete   Type = "canvas-surface-delete"
	CanvasSurfaceActivate Type = "canvas-surface-activate"

	// Cursors
	CursorReport Type = "cursor-report"
	CursorLeft   Type = "cursor-left"

	// Logs
	ChatMessage     Type = "chat-message"
	ExecutionResult Type = "execution-result"

	// Voice
	VoiceJoin  Type = "voice-join"
	VoiceLeave Type = "voice-leave"
	VoiceMute  Type = "voice-mute"
	VoicePeers Type = "voice-peers"

	// Host controls
	HostKick       Type = "host-kick"
	HostMute       Type = "host-mute"
	HostTransfer   Type = "host-transfer"
	HostToggleChat Type = "host-toggle-chat"
	HostEndSession Type = "host-end-session"

	// Host notifications
	HostChanged   Type = "host-changed"
	YouWereKicked Type = "you-were-kicked"
	SessionEnded  Type = "session-ended"
	ChatToggled   Type = "chat-toggled"
	ForceMute     Type = "force-mute"

	Error Type = "error"
	Ping  Type = "ping"
	Pong  Type = "pong"
)

// Error codes carried by an Error event
const (
	CodeNotAuthorized   = "not-authorized"
	CodeJoinRequired    = "join-required"
	CodeRoomUnavailable = "room-unavailable"
	CodeChatDisabled    = "chat-disabled"
	CodeRateLimited     = "rate-limited"
	CodeBadMessage      = "bad-message"
)

var (
	ErrEmptyMessage = errors.New("protocol: empty message")
	ErrUnknownType  = errors.New("protocol: unknown event type")
)

// inbound lists every event a client may send.
var inbound = map[Type]bool{
	JoinRoom: true,

	FileEdit: true, FileCreate: true, FileDelete: true,
	FileRename: true, FileLanguage: true, FileMove: true,

	GroupCreate: true, GroupUpdate: true, GroupDelete: true,

	CanvasObjectAdd: true, CanvasObjectModify: true, CanvasObjectDelete: true,
	CanvasFullSync: true, CanvasSurfaceCreate: true, CanvasSurfaceDelete: true,
	CanvasSurfaceActivate: true,

	CursorReport:    true,
	ChatMessage:     true,
	ExecutionResult: true,

	VoiceJoin: true, VoiceLeave: true, VoiceMute: true,

	HostKick: true, HostMute: true, HostTransfer: true,
	HostToggleChat: true, HostEndSession: true,

	Ping: true,
}

// Inbound reports whether clients are allowed to send t.
func Inbound(t Type) bool {
	return inbound[t]
}

// Host reports whether t is a privileged host control.
func Host(t Type) bool {
	switch t {
	case HostKick, HostMute, HostTransfer, HostToggleChat, HostEndSession:
		return true
	}
	return false
}

// Envelope is one event frame.
type Envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode wraps payload in an envelope of the given type.
func Encode(t Type, payload any) ([]byte, error) {
	env := Envelope{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", t, err)
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// Decode parses an inbound frame and rejects anything that is not a
// client event.
func Decode(data []byte) (Envelope, error) {
	if len(data) == 0 {
		return Envelope{}, ErrEmptyMessage
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if !Inbound(env.Type) {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return env, nil
}

// Unmarshal decodes the envelope's payload into v. A missing payload
// decodes as an empty object.
func (e Envelope) Unmarshal(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("protocol: %s payload: %w", e.Type, err)
	}
	return nil
}
