package app

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	c "github.com/life-stream-dev/life-stream-audio-center/internal/config"
	"github.com/life-stream-dev/life-stream-audio-center/internal/connection"
	"github.com/life-stream-dev/life-stream-audio-center/internal/connection/connectiontest"
	"github.com/life-stream-dev/life-stream-audio-center/internal/device"
	"github.com/life-stream-dev/life-stream-audio-center/internal/packet"
	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
)

const wait = time.Second

func newContext(t *testing.T) *Context {
	t.Helper()
	config := c.Default()
	config.Audio.BasePath = t.TempDir()
	ctx, err := New(&config, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Shutdown(time.Second) })
	return ctx
}

func connect(t *testing.T, ctx *Context, info map[string]any) (string, *connectiontest.Peer) {
	t.Helper()
	conn, peer := connectiontest.NewPipe(t, 64)
	id, err := ctx.Registry.Register(conn)
	require.NoError(t, err)
	require.NoError(t, conn.Session().Activate())
	require.NoError(t, ctx.Dispatcher.Submit(packet.NewCommand(id, VerbRegister, info, nil)))
	f := peer.Next(wait)
	require.NotNil(t, f)
	require.Equal(t, protocol.Response, f.Type)
	require.Equal(t, TextRegistered, string(f.Payload))
	return id, peer
}

func submit(t *testing.T, ctx *Context, id, verb string, payload map[string]any) {
	t.Helper()
	require.NoError(t, ctx.Dispatcher.Submit(packet.NewCommand(id, verb, payload, nil)))
}

func TestBoundVerbs(t *testing.T) {
	ctx := newContext(t)
	assert.ElementsMatch(t, []string{
		VerbRegister, VerbUpload, VerbUploadChunk, VerbResponse, VerbPing,
		VerbJoin, VerbLeave, VerbPublish, VerbDisconnect,
	}, ctx.Dispatcher.Verbs())
}

func TestRegisterCreatesDevice(t *testing.T) {
	ctx := newContext(t)
	id, _ := connect(t, ctx, map[string]any{"Brand": "Xiaomi", "Model": "14"})
	dev, ok := ctx.Devices.Get(id)
	require.True(t, ok)
	assert.Equal(t, "Xiaomi/14", dev.Name)
	assert.Contains(t, ctx.Registry.Members(device.GroupCapture), id)
}

func TestPing(t *testing.T) {
	ctx := newContext(t)
	id, peer := connect(t, ctx, nil)
	submit(t, ctx, id, VerbPing, nil)
	frame, response := peer.NextRequest(t, wait)
	assert.Equal(t, protocol.Response, frame.Type)
	assert.Equal(t, "pong", response.Subtype)
}

func TestJoinPublishLeave(t *testing.T) {
	ctx := newContext(t)
	a, peerA := connect(t, ctx, nil)
	b, peerB := connect(t, ctx, nil)

	submit(t, ctx, a, VerbJoin, map[string]any{"group": "room"})
	_, response := peerA.NextRequest(t, wait)
	assert.Equal(t, "joined", response.Subtype)
	submit(t, ctx, b, VerbJoin, map[string]any{"group": "room"})
	peerB.NextRequest(t, wait)

	submit(t, ctx, a, VerbPublish, map[string]any{"group": "room", "subtype": "hello", "data": map[string]any{"n": 1}})
	frame, notification := peerB.NextRequest(t, wait)
	assert.Equal(t, protocol.Notification, frame.Type)
	assert.Equal(t, "hello", notification.Subtype)
	assert.Equal(t, a, notification.Data["from"])

	// a is in the group too, then gets its ack
	_, notification = peerA.NextRequest(t, wait)
	assert.Equal(t, "hello", notification.Subtype)
	_, ack := peerA.NextRequest(t, wait)
	assert.Equal(t, "published", ack.Subtype)
	assert.Equal(t, float64(2), ack.Data["delivered"])

	submit(t, ctx, b, VerbLeave, map[string]any{"group": "room"})
	_, response = peerB.NextRequest(t, wait)
	assert.Equal(t, "left", response.Subtype)
	assert.Equal(t, []string{a}, ctx.Registry.Members("room"))

	submit(t, ctx, a, VerbJoin, nil)
	_, response = peerA.NextRequest(t, wait)
	assert.Equal(t, "error", response.Subtype)
	assert.Equal(t, VerbJoin, response.Data["verb"])
}

func TestUploadFlow(t *testing.T) {
	ctx := newContext(t)
	id, peer := connect(t, ctx, map[string]any{"Brand": "Google", "Model": "Pixel"})
	require.NoError(t, ctx.Devices.SetExperiment("e1"))

	content := []byte("some pcm bytes")
	submit(t, ctx, id, VerbUpload, map[string]any{"filepath": "a.pcm", "chunks": float64(2), "length": float64(len(content))})
	f, response := peer.NextRequest(t, wait)
	assert.Equal(t, []byte(TextReadyForChunk), f.Payload)
	assert.Equal(t, TextReadyForChunk, response.Data["text"])

	for i, part := range [][]byte{content[:8], content[8:]} {
		payload := packet.EncodeChunk(packet.ChunkHeader{
			ChunkID:     int32(i + 1),
			TotalChunks: 2,
			Offset:      int32(i * 8),
			TotalLength: int32(len(content)),
		}, part)
		require.NoError(t, ctx.Dispatcher.Submit(packet.NewCommand(id, VerbUploadChunk, nil, payload)))
	}
	f, _ = peer.NextRequest(t, wait)
	assert.Equal(t, protocol.Response, f.Type)
	assert.Equal(t, []byte(TextUploaded), f.Payload)

	written, err := os.ReadFile(filepath.Join(ctx.Config.Audio.BasePath, "Google_Pixel", "e1", "a.pcm"))
	require.NoError(t, err)
	assert.Equal(t, content, written)
}

func TestUploadFailure(t *testing.T) {
	ctx := newContext(t)
	id, peer := connect(t, ctx, nil)

	submit(t, ctx, id, VerbUpload, map[string]any{"filepath": "../x", "chunks": 1, "length": 1})
	_, response := peer.NextRequest(t, wait)
	assert.Equal(t, "error", response.Subtype)

	submit(t, ctx, id, VerbUpload, map[string]any{"filepath": "b.pcm", "chunks": 1, "length": 4})
	peer.NextRequest(t, wait)
	payload := packet.EncodeChunk(packet.ChunkHeader{ChunkID: 1, TotalChunks: 9, TotalLength: 4}, []byte{1, 2, 3, 4})
	require.NoError(t, ctx.Dispatcher.Submit(packet.NewCommand(id, VerbUploadChunk, nil, payload)))
	f, _ := peer.NextRequest(t, wait)
	assert.Equal(t, []byte(TextUploadFailed), f.Payload)
}

func TestResponseGoesToSink(t *testing.T) {
	ctx := newContext(t)
	id, _ := connect(t, ctx, nil)

	var mu sync.Mutex
	lines := make(chan string, 2)
	ctx.SetResponseSink(func(sessionID, text string) {
		mu.Lock()
		defer mu.Unlock()
		lines <- "[" + sessionID + "] " + text
	})
	frame := protocol.NewFrame(protocol.Response, []byte("capture started"))
	cmd, err := packet.CommandFromFrame(id, frame)
	require.NoError(t, err)
	require.NoError(t, ctx.Dispatcher.Submit(cmd))

	select {
	case line := <-lines:
		assert.Equal(t, "["+id+"] capture started", line)
	case <-time.After(wait):
		t.Fatal("response not printed")
	}
}

func TestDisconnectVerb(t *testing.T) {
	ctx := newContext(t)
	id, peer := connect(t, ctx, nil)
	submit(t, ctx, id, VerbDisconnect, nil)
	_, response := peer.NextRequest(t, wait)
	assert.Equal(t, "bye", response.Subtype)

	require.Eventually(t, func() bool {
		_, err := ctx.Registry.Lookup(id)
		return err != nil
	}, wait, 10*time.Millisecond)
	assert.False(t, ctx.Devices.Has(id))
	_, err := ctx.Registry.Lookup(id)
	assert.ErrorIs(t, err, connection.ErrNotFound)
}
