package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func member(id string) Member {
	return Member{ConnectionID: id, Identity: "guest_" + id, DisplayName: id, JoinedAt: time.Unix(0, 0)}
}

func ids(r Roster) []string {
	out := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		out = append(out, m.ConnectionID)
	}
	return out
}

func TestFirstMemberBecomesHost(t *testing.T) {
	reg := NewRegistry()

	r := reg.Join("R1", member("a"))
	assert.Equal(t, "a", r.HostID)

	r = reg.Join("R1", member("b"))
	assert.Equal(t, "a", r.HostID)
	assert.Equal(t, []string{"a", "b"}, ids(r))

	assert.True(t, reg.IsHost("R1", "a"))
	assert.False(t, reg.IsHost("R1", "b"))
	assert.False(t, reg.IsHost("R2", "a"))
}

func TestJoinIsIdempotent(t *testing.T) {
	reg := NewRegistry()
	reg.Join("R1", member("a"))
	r := reg.Join("R1", member("a"))
	assert.Equal(t, []string{"a"}, ids(r))
}

func TestHostFailoverPicksOldestSurvivor(t *testing.T) {
	reg := NewRegistry()
	for _, id := range []string{"a", "b", "c", "d"} {
		reg.Join("R1", member(id))
	}

	// Removing a non-host keeps the host.
	r, _, ok := reg.Leave("R1", "c")
	require.True(t, ok)
	assert.Equal(t, "a", r.HostID)

	r, removed, ok := reg.Leave("R1", "a")
	require.True(t, ok)
	assert.Equal(t, "a", removed.ConnectionID)
	assert.Equal(t, "b", r.HostID)
	assert.Equal(t, []string{"b", "d"}, ids(r))

	r, _, _ = reg.Leave("R1", "b")
	assert.Equal(t, "d", r.HostID)
}

func TestExactlyOneHostWhileNonEmpty(t *testing.T) {
	reg := NewRegistry()
	all := []string{"a", "b", "c", "d", "e"}
	for _, id := range all {
		reg.Join("R1", member(id))
	}

	for _, leaving := range []string{"c", "a", "e", "b"} {
		reg.Leave("R1", leaving)
		hosts := 0
		for _, m := range reg.Roster("R1").Members {
			if reg.IsHost("R1", m.ConnectionID) {
				hosts++
			}
		}
		assert.Equal(t, 1, hosts, "after %s left", leaving)
	}
}

func TestEmptyRoomErasesSettings(t *testing.T) {
	reg := NewRegistry()
	reg.Join("R1", member("a"))
	_, err := reg.SetChatDisabled("R1", "a", true)
	require.NoError(t, err)

	r, _, ok := reg.Leave("R1", "a")
	require.True(t, ok)
	assert.Empty(t, r.Members)
	assert.Empty(t, r.HostID)

	_, exists := reg.Settings("R1")
	assert.False(t, exists)
	assert.NotContains(t, reg.Rooms(), "R1")

	reg.Join("R1", member("b"))
	s, exists := reg.Settings("R1")
	require.True(t, exists)
	assert.False(t, s.ChatDisabled)
	assert.True(t, reg.IsHost("R1", "b"))
}

func TestLeaveUnknown(t *testing.T) {
	reg := NewRegistry()
	_, _, ok := reg.Leave("R1", "a")
	assert.False(t, ok)

	reg.Join("R1", member("a"))
	_, _, ok = reg.Leave("R1", "ghost")
	assert.False(t, ok)
}

func TestTransferHost(t *testing.T) {
	reg := NewRegistry()
	reg.Join("R1", member("a"))
	reg.Join("R1", member("b"))

	_, err := reg.TransferHost("R1", "b", "a")
	assert.ErrorIs(t, err, ErrNotHost)
	assert.True(t, reg.IsHost("R1", "a"))

	_, err = reg.TransferHost("R1", "a", "ghost")
	assert.ErrorIs(t, err, ErrNotMember)
	assert.True(t, reg.IsHost("R1", "a"))

	r, err := reg.TransferHost("R1", "a", "b")
	require.NoError(t, err)
	assert.Equal(t, "b", r.HostID)
	assert.False(t, reg.IsHost("R1", "a"))
}

func TestSetChatDisabledRequiresHost(t *testing.T) {
	reg := NewRegistry()
	reg.Join("R1", member("a"))
	reg.Join("R1", member("b"))

	_, err := reg.SetChatDisabled("R1", "b", true)
	assert.ErrorIs(t, err, ErrNotHost)
	s, _ := reg.Settings("R1")
	assert.False(t, s.ChatDisabled)

	s, err = reg.SetChatDisabled("R1", "a", true)
	require.NoError(t, err)
	assert.True(t, s.ChatDisabled)
}

func TestRoomsAreIsolated(t *testing.T) {
	reg := NewRegistry()
	reg.Join("R1", member("a"))
	reg.Join("R2", member("b"))

	assert.Equal(t, map[string]int{"R1": 1, "R2": 1}, reg.Rooms())
	assert.True(t, reg.IsHost("R2", "b"))
	_, ok := reg.Member("R1", "b")
	assert.False(t, ok)
}

func TestVoice(t *testing.T) {
	v := NewVoice()

	peer, others := v.Join("R1", "a", "pa")
	assert.True(t, peer.Muted)
	assert.Empty(t, others)

	_, others = v.Join("R1", "b", "pb")
	require.Len(t, others, 1)
	assert.Equal(t, "pa", others[0].PeerID)

	// Only the owning connection may toggle its peer.
	_, ok := v.SetMuted("R1", "b", "pa", false)
	assert.False(t, ok)
	p, ok := v.SetMuted("R1", "a", "pa", false)
	require.True(t, ok)
	assert.False(t, p.Muted)

	p, ok = v.ForceMute("R1", "a")
	require.True(t, ok)
	assert.True(t, p.Muted)

	// Re-joining replaces the earlier entry.
	v.Join("R1", "a", "pa2")
	assert.Len(t, v.Peers("R1"), 2)

	_, ok = v.Leave("R1", "a")
	assert.True(t, ok)
	_, ok = v.Leave("R1", "a")
	assert.False(t, ok)
	assert.Len(t, v.Peers("R1"), 1)
}

func TestCursors(t *testing.T) {
	c := NewCursors()
	a := member("a")
	now := time.UnixMilli(1000)

	first := c.Report("R1", a, "main", json.RawMessage(`{"line":1}`), now)
	second := c.Report("R1", a, "main", json.RawMessage(`{"line":2}`), now.Add(time.Second))

	assert.Equal(t, first.Color, second.Color)
	assert.Equal(t, ColorFor(a.Identity), second.Color)
	assert.Equal(t, "a", second.DisplayName)

	list := c.List("R1")
	require.Len(t, list, 1)
	assert.JSONEq(t, `{"line":2}`, string(list[0].Position))

	assert.True(t, c.Drop("R1", "a"))
	assert.False(t, c.Drop("R1", "a"))
	assert.Empty(t, c.List("R1"))
}
