package ws

import (
	"errors"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/huddle/backend/internal/presence"
	"github.com/manpreetbhatti/huddle/backend/internal/protocol"
)

// Host controls. handleMessage has already checked that c is the room's
// host before any of these run.

func onHostKick(h *Hub, c *Client, env protocol.Envelope, _ []byte) error {
	var p protocol.HostTargetPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if p.TargetConnectionID == c.id {
		return nil
	}
	target := h.clientByID(c.roomID, p.TargetConnectionID)
	if target == nil {
		return nil
	}

	h.send(target, protocol.YouWereKicked, protocol.KickedPayload{RoomID: c.roomID, By: c.id})
	h.log.Info("member kicked",
		zap.String("room_id", c.roomID),
		zap.String("connection_id", target.id),
		zap.String("by", c.id))
	h.leave(target)
	return nil
}

func onHostMute(h *Hub, c *Client, env protocol.Envelope, _ []byte) error {
	var p protocol.HostTargetPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	target := h.clientByID(c.roomID, p.TargetConnectionID)
	if target == nil {
		return nil
	}

	peer, inVoice := h.voice.ForceMute(c.roomID, target.id)
	h.broadcast(c.roomID, nil, protocol.ForceMute, protocol.ForceMutePayload{
		TargetConnectionID: target.id,
		PeerID:             peer.PeerID,
	})
	if inVoice {
		h.broadcast(c.roomID, target, protocol.VoiceMute, protocol.VoicePayload{
			PeerID:       peer.PeerID,
			ConnectionID: target.id,
			Muted:        &peer.Muted,
		})
	}
	return nil
}

func onHostTransfer(h *Hub, c *Client, env protocol.Envelope, _ []byte) error {
	var p protocol.HostTargetPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	if p.TargetConnectionID == c.id {
		return nil
	}

	roster, err := h.registry.TransferHost(c.roomID, c.id, p.TargetConnectionID)
	if errors.Is(err, presence.ErrNotMember) {
		return nil
	}
	if err != nil {
		return err
	}

	h.broadcast(c.roomID, nil, protocol.HostChanged, protocol.HostChangedPayload{
		HostID:  roster.HostID,
		Members: roster.Members,
	})
	h.log.Info("host transferred",
		zap.String("room_id", c.roomID),
		zap.String("from", c.id),
		zap.String("to", roster.HostID))
	return nil
}

func onHostToggleChat(h *Hub, c *Client, env protocol.Envelope, _ []byte) error {
	var p protocol.HostToggleChatPayload
	if err := env.Unmarshal(&p); err != nil {
		return err
	}
	var disabled bool
	if p.Disabled != nil {
		disabled = *p.Disabled
	} else {
		current, _ := h.registry.Settings(c.roomID)
		disabled = !current.ChatDisabled
	}
	settings, err := h.registry.SetChatDisabled(c.roomID, c.id, disabled)
	if err != nil {
		return err
	}
	h.broadcast(c.roomID, nil, protocol.ChatToggled, protocol.ChatToggledPayload{ChatDisabled: settings.ChatDisabled})
	return nil
}

// onHostEndSession tells everyone the session is over, pushes the room's
// pending writes out and disconnects every member.
func onHostEndSession(h *Hub, c *Client, _ protocol.Envelope, _ []byte) error {
	roomID := c.roomID
	h.broadcast(roomID, nil, protocol.SessionEnded, protocol.SessionEndedPayload{RoomID: roomID, By: c.id})
	if h.writer != nil {
		h.writer.Flush(roomID)
	}
	h.log.Info("session ended", zap.String("room_id", roomID), zap.String("by", c.id))

	for member := range h.rooms[roomID] {
		h.leave(member)
	}
	return nil
}
