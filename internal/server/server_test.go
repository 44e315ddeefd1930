package server

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-audio-center/internal/app"
	c "github.com/life-stream-dev/life-stream-audio-center/internal/config"
	"github.com/life-stream-dev/life-stream-audio-center/internal/packet"
	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
	"github.com/life-stream-dev/life-stream-audio-center/internal/session"
)

const wait = 2 * time.Second

type client struct {
	ctx    *app.Context
	conn   net.Conn
	reader *bufio.Reader
}

func startServer(t *testing.T, mutate func(*c.Config)) (*Server, *app.Context) {
	t.Helper()
	config := c.Default()
	config.Audio.BasePath = t.TempDir()
	config.Server.HandshakeTimeout = "1s"
	config.Server.DrainTimeout = "1s"
	if mutate != nil {
		mutate(&config)
	}
	ctx, err := app.New(&config, nil)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := New(ctx)
	require.NoError(t, srv.Serve(ln))
	t.Cleanup(func() {
		_ = srv.Stop(time.Second)
		_ = ctx.Shutdown(time.Second)
	})
	return srv, ctx
}

func dial(t *testing.T, srv *Server) *client {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &client{ctx: srv.ctx, conn: conn, reader: bufio.NewReader(conn)}
}

func (cl *client) request(t *testing.T, subtype string, data map[string]any) {
	t.Helper()
	payload, err := (&packet.Request{Subtype: subtype, Data: data}).Encode()
	require.NoError(t, err)
	require.NoError(t, protocol.WriteFrame(cl.conn, protocol.NewFrame(protocol.Request, payload)))
}

func (cl *client) read(t *testing.T) (*protocol.Frame, *packet.Request) {
	t.Helper()
	_ = cl.conn.SetReadDeadline(time.Now().Add(wait))
	f, err := protocol.ReadFrame(cl.reader, 0)
	require.NoError(t, err)
	return f, packet.DecodeResponse(f.Payload)
}

func (cl *client) register(t *testing.T) string {
	t.Helper()
	cl.request(t, packet.VerbRegister, map[string]any{"Brand": "Test", "Model": "Phone"})
	f, _ := cl.read(t)
	require.Equal(t, protocol.Response, f.Type)
	require.Equal(t, app.TextRegistered, string(f.Payload))
	return cl.sessionID(t)
}

// sessionID finds the server side session of this client by address.
func (cl *client) sessionID(t *testing.T) string {
	t.Helper()
	for _, conn := range cl.ctx.Registry.Snapshot() {
		if conn.RemoteAddr() == cl.conn.LocalAddr().String() {
			return conn.ID()
		}
	}
	t.Fatalf("no session for %s", cl.conn.LocalAddr())
	return ""
}

func (cl *client) expectClosed(t *testing.T) {
	t.Helper()
	_ = cl.conn.SetReadDeadline(time.Now().Add(wait))
	for {
		if _, err := protocol.ReadFrame(cl.reader, 0); err != nil {
			assert.NotErrorIs(t, err, protocol.ErrInvalidMagic)
			return
		}
	}
}

func TestHandshakeAndPing(t *testing.T) {
	srv, ctx := startServer(t, nil)
	cl := dial(t, srv)
	id := cl.register(t)

	conn, err := ctx.Registry.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, session.Active, conn.Session().State())
	assert.True(t, ctx.Devices.Has(id))

	cl.request(t, "ping", nil)
	_, response := cl.read(t)
	assert.Equal(t, "pong", response.Subtype)

	cl.request(t, "no-such-verb", nil)
	_, response = cl.read(t)
	assert.Equal(t, "error", response.Subtype)
	assert.Equal(t, "no-such-verb", response.Data["verb"])
}

func TestHandshakeRejectsOtherFirstRequest(t *testing.T) {
	srv, ctx := startServer(t, nil)
	cl := dial(t, srv)
	cl.request(t, "ping", nil)
	cl.expectClosed(t)
	require.Eventually(t, func() bool { return ctx.Registry.Len() == 0 }, wait, 10*time.Millisecond)
}

func TestHandshakeTimeout(t *testing.T) {
	srv, ctx := startServer(t, func(config *c.Config) {
		config.Server.HandshakeTimeout = "100ms"
	})
	cl := dial(t, srv)
	require.Eventually(t, func() bool { return ctx.Registry.Len() == 1 }, wait, 10*time.Millisecond)
	cl.expectClosed(t)
	require.Eventually(t, func() bool { return ctx.Registry.Len() == 0 }, wait, 10*time.Millisecond)
}

func TestBadMagicAbortsOnlyThatSession(t *testing.T) {
	srv, ctx := startServer(t, nil)
	good := dial(t, srv)
	goodID := good.register(t)
	bad := dial(t, srv)
	bad.register(t)

	_, err := bad.conn.Write([]byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	bad.expectClosed(t)
	require.Eventually(t, func() bool { return ctx.Registry.Len() == 1 }, wait, 10*time.Millisecond)

	good.request(t, "ping", nil)
	_, response := good.read(t)
	assert.Equal(t, "pong", response.Subtype)
	_, err = ctx.Registry.Lookup(goodID)
	assert.NoError(t, err)
}

func TestIdleTimeoutDisconnects(t *testing.T) {
	srv, ctx := startServer(t, func(config *c.Config) {
		config.Server.IdleTimeout = "150ms"
	})
	cl := dial(t, srv)
	id := cl.register(t)
	cl.expectClosed(t)
	require.Eventually(t, func() bool {
		_, err := ctx.Registry.Lookup(id)
		return err != nil
	}, wait, 10*time.Millisecond)
	assert.False(t, ctx.Devices.Has(id))
}

func TestStopDisconnectsSessions(t *testing.T) {
	srv, ctx := startServer(t, nil)
	cl := dial(t, srv)
	cl.register(t)
	addr := srv.Addr().String()

	require.NoError(t, srv.Stop(time.Second))
	assert.False(t, srv.Running())
	assert.ErrorIs(t, srv.Stop(time.Second), ErrServerNotRunning)
	cl.expectClosed(t)
	assert.Equal(t, 0, ctx.Registry.Len())

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServeTwice(t *testing.T) {
	srv, _ := startServer(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, srv.Serve(ln), ErrServerRunning)
}
