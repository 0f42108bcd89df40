package presence

// VoicePeer is a connection's entry in a room's voice channel. New peers
// start muted.
type VoicePeer struct {
	PeerID       string `json:"peerId"`
	ConnectionID string `json:"connectionId"`
	Muted        bool   `json:"muted"`
}

// Voice is the per-room voice presence set. It is owned by the hub's event
// loop and is not safe for concurrent use.
type Voice struct {
	rooms map[string][]VoicePeer
}

// NewVoice returns an empty voice registry.
func NewVoice() *Voice {
	return &Voice{rooms: make(map[string][]VoicePeer)}
}

// Join adds the connection to the room's voice set, replacing any earlier
// entry it held, and returns the new entry plus every other peer.
func (v *Voice) Join(roomID, connectionID, peerID string) (VoicePeer, []VoicePeer) {
	v.remove(roomID, connectionID)

	peer := VoicePeer{PeerID: peerID, ConnectionID: connectionID, Muted: true}
	others := append([]VoicePeer(nil), v.rooms[roomID]...)
	v.rooms[roomID] = append(v.rooms[roomID], peer)
	if others == nil {
		others = []VoicePeer{}
	}
	return peer, others
}

// Leave removes the connection's voice entry.
func (v *Voice) Leave(roomID, connectionID string) (VoicePeer, bool) {
	return v.remove(roomID, connectionID)
}

// SetMuted changes the mute flag of peerID. Only the connection owning the
// peer may change it.
func (v *Voice) SetMuted(roomID, connectionID, peerID string, muted bool) (VoicePeer, bool) {
	peers := v.rooms[roomID]
	for i := range peers {
		if peers[i].PeerID == peerID && peers[i].ConnectionID == connectionID {
			peers[i].Muted = muted
			return peers[i], true
		}
	}
	return VoicePeer{}, false
}

// ForceMute mutes whatever peer the connection holds.
func (v *Voice) ForceMute(roomID, connectionID string) (VoicePeer, bool) {
	peers := v.rooms[roomID]
	for i := range peers {
		if peers[i].ConnectionID == connectionID {
			peers[i].Muted = true
			return peers[i], true
		}
	}
	return VoicePeer{}, false
}

// Peers returns the room's voice set in join order.
func (v *Voice) Peers(roomID string) []VoicePeer {
	return append([]VoicePeer{}, v.rooms[roomID]...)
}

// DropRoom forgets the room's voice set.
func (v *Voice) DropRoom(roomID string) {
	delete(v.rooms, roomID)
}

func (v *Voice) remove(roomID, connectionID string) (VoicePeer, bool) {
	peers := v.rooms[roomID]
	for i, p := range peers {
		if p.ConnectionID != connectionID {
			continue
		}
		peers = append(peers[:i], peers[i+1:]...)
		if len(peers) == 0 {
			delete(v.rooms, roomID)
		} else {
			v.rooms[roomID] = peers
		}
		return p, true
	}
	return VoicePeer{}, false
}
