package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
)

func TestDecodeRequest(t *testing.T) {
	request, err := DecodeRequest([]byte(`{"subtype":"register","data":{"name":"Xiaomi/14","capture":true}}`))
	require.NoError(t, err)
	assert.Equal(t, "register", request.Subtype)
	assert.Equal(t, "Xiaomi/14", GetString(request.Data, "name", ""))
	assert.True(t, GetBool(request.Data, "capture", false))

	request, err = DecodeRequest([]byte(`{"subtype":"ping"}`))
	require.NoError(t, err)
	assert.NotNil(t, request.Data)

	_, err = DecodeRequest([]byte(`{"data":{}}`))
	assert.ErrorIs(t, err, ErrEmptySubtype)

	_, err = DecodeRequest([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeResponseText(t *testing.T) {
	response := DecodeResponse([]byte("File uploaded"))
	assert.Equal(t, "text", response.Subtype)
	assert.Equal(t, "File uploaded", response.Data["text"])

	response = DecodeResponse([]byte(`{"subtype":"list","data":{"files":["a.wav"]}}`))
	assert.Equal(t, "list", response.Subtype)
}

func TestCommandFromFrame(t *testing.T) {
	tests := []struct {
		name  string
		frame *protocol.Frame
		verb  string
	}{
		{"request", protocol.NewFrame(protocol.Request, []byte(`{"subtype":"join","data":{"group":"room1"}}`)), "join"},
		{"notification", protocol.NewFrame(protocol.Notification, []byte(`{"subtype":"ping"}`)), "ping"},
		{"response", protocol.NewFrame(protocol.Response, []byte("OK")), VerbResponse},
		{"data", protocol.NewFrame(protocol.DataTransfer, EncodeChunk(ChunkHeader{1, 1, 0, 3}, []byte("abc"))), VerbUploadChunk},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := CommandFromFrame("s1", tt.frame)
			require.NoError(t, err)
			assert.Equal(t, "s1", cmd.SessionID)
			assert.Equal(t, tt.verb, cmd.Verb)
		})
	}

	_, err := CommandFromFrame("s1", protocol.NewFrame(protocol.Request, []byte(`{}`)))
	assert.ErrorIs(t, err, ErrEmptySubtype)
}

func TestCommandOwnsPayload(t *testing.T) {
	payload := map[string]any{"group": "room1"}
	raw := []byte{1, 2, 3}
	cmd := NewCommand("s1", "join", payload, raw)

	payload["group"] = "room2"
	raw[0] = 9

	assert.Equal(t, "room1", cmd.Payload["group"])
	assert.Equal(t, byte(1), cmd.Raw[0])
}

func TestEventFrame(t *testing.T) {
	event := NewResponse("s1", "registered", map[string]any{"session_id": "s1"})
	f, err := event.Frame()
	require.NoError(t, err)
	assert.Equal(t, protocol.Response, f.Type)

	request, err := DecodeRequest(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, "registered", request.Subtype)
	assert.Equal(t, "s1", request.Data["session_id"])

	_, err = NewEvent(ToAll(), protocol.Notification, "", nil).Frame()
	assert.ErrorIs(t, err, ErrEmptySubtype)

	text := NewTextResponse("s1", "File uploaded")
	require.True(t, text.IsText())
	f, err = text.Frame()
	require.NoError(t, err)
	assert.Equal(t, protocol.Response, f.Type)
	assert.Equal(t, []byte("File uploaded"), f.Payload)
	decoded := DecodeResponse(f.Payload)
	assert.Equal(t, "text", decoded.Subtype)
	assert.Equal(t, "File uploaded", decoded.Data["text"])

	data := NewDataEvent(ToGroup("capture"), []byte("xyz"))
	f, err = data.Frame()
	require.NoError(t, err)
	assert.Equal(t, protocol.DataTransfer, f.Type)
	assert.Equal(t, []byte("xyz"), f.Payload)
}

func TestParseChunk(t *testing.T) {
	header := ChunkHeader{ChunkID: 2, TotalChunks: 3, Offset: 2048, TotalLength: 5000}
	got, data, err := ParseChunk(EncodeChunk(header, []byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, header, got)
	assert.Equal(t, []byte("hello"), data)

	_, _, err = ParseChunk([]byte{1, 2, 3})
	assert.Error(t, err)

	_, _, err = ParseChunk(EncodeChunk(ChunkHeader{ChunkID: 0, TotalChunks: 1}, nil))
	assert.Error(t, err)
}

func TestChunkCount(t *testing.T) {
	assert.Equal(t, int64(0), ChunkCount(0, 2048))
	assert.Equal(t, int64(1), ChunkCount(2048, 2048))
	assert.Equal(t, int64(2), ChunkCount(2049, 2048))
	assert.Equal(t, int64(3), ChunkCount(5000, 0))
}

func TestGetInt64(t *testing.T) {
	data := map[string]any{"f": float64(42), "s": "7", "frac": 1.5, "b": true}

	n, err := GetInt64(data, "f")
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	n, err = GetInt64(data, "s")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	_, err = GetInt64(data, "frac")
	assert.Error(t, err)
	_, err = GetInt64(data, "b")
	assert.Error(t, err)
	_, err = GetInt64(data, "missing")
	assert.Error(t, err)
}
