package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data, err := Encode(FileEdit, FileEditPayload{FileID: "main", Content: "x=1"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"file-edit","payload":{"fileId":"main","content":"x=1"}}`, string(data))

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, FileEdit, env.Type)

	var p FileEditPayload
	require.NoError(t, env.Unmarshal(&p))
	assert.Equal(t, "x=1", p.Content)
}

func TestEncodeWithoutPayload(t *testing.T) {
	data, err := Encode(Pong, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"pong"}`, string(data))
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"empty", "", ErrEmptyMessage},
		{"unknown type", `{"type":"nope"}`, ErrUnknownType},
		{"server only type", `{"type":"room-state"}`, ErrUnknownType},
		{"missing type", `{"payload":{}}`, ErrUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := Decode([]byte(`{not json`))
	assert.Error(t, err)
}

func TestUnmarshalMissingPayload(t *testing.T) {
	env := Envelope{Type: HostEndSession}
	var p HostTargetPayload
	assert.NoError(t, env.Unmarshal(&p))

	env = Envelope{Type: FileEdit, Payload: json.RawMessage(`[1,2]`)}
	assert.Error(t, env.Unmarshal(&p))
}

func TestHostEvents(t *testing.T) {
	for _, typ := range []Type{HostKick, HostMute, HostTransfer, HostToggleChat, HostEndSession} {
		assert.True(t, Host(typ), typ)
		assert.True(t, Inbound(typ), typ)
	}
	assert.False(t, Host(FileEdit))
	assert.False(t, Inbound(HostChanged))
}
