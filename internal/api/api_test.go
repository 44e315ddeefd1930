package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/life-stream-dev/life-stream-audio-center/internal/app"
	c "github.com/life-stream-dev/life-stream-audio-center/internal/config"
	"github.com/life-stream-dev/life-stream-audio-center/internal/packet"
	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
)

func newTestServer(t *testing.T, origins ...string) (*Server, *app.Context) {
	t.Helper()
	config := c.Default()
	config.Audio.BasePath = t.TempDir()
	if len(origins) > 0 {
		config.Http.AllowedOrigins = origins
	}
	ctx, err := app.New(&config, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Shutdown(time.Second) })
	return NewServer(ctx, nil), ctx
}

func do(t *testing.T, s *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	s.ServeHTTP(rr, req)

	var decoded map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	}
	return rr, decoded
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rr, body := do(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
}

func TestDevicesAndSessionsEmpty(t *testing.T) {
	s, _ := newTestServer(t)
	rr, body := do(t, s, http.MethodGet, "/api/devices/list", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(0), body["device_count"])

	rr, body = do(t, s, http.MethodGet, "/api/devices/status", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, body["server_running"])

	rr, body = do(t, s, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(0), body["count"])
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)
	rr, body := do(t, s, http.MethodPost, "/api/devices/list", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "error", body["status"])

	rr, body = do(t, s, http.MethodDelete, "/health", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, "error", body["status"])
}

func TestNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	rr, body := do(t, s, http.MethodGet, "/api/nothing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "error", body["status"])

	rr, body = do(t, s, http.MethodGet, "/nothing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "error", body["status"])
}

func TestPublishValidation(t *testing.T) {
	s, _ := newTestServer(t)
	rr, _ := do(t, s, http.MethodPost, "/api/groups/capture/publish", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, body := do(t, s, http.MethodPost, "/api/groups/capture/publish", map[string]any{"subtype": "hello"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "error", body["status"])
}

func TestRecordingWithoutDevices(t *testing.T) {
	s, _ := newTestServer(t)
	rr, _ := do(t, s, http.MethodPost, "/api/recording/start", map[string]any{"scene_id": "s1"})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr, _ = do(t, s, http.MethodPost, "/api/recording/start", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = do(t, s, http.MethodPost, "/api/recording/stop", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr, body := do(t, s, http.MethodGet, "/api/recording/status", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, false, body["is_recording"])
}

func TestTime(t *testing.T) {
	s, _ := newTestServer(t)
	client := time.Now().UnixMilli() - 1000
	rr, body := do(t, s, http.MethodPost, "/api/time/sync", map[string]any{"client_timestamp": client})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(client), body["client_timestamp"])
	assert.GreaterOrEqual(t, body["offset_ms"].(float64), float64(1000))

	rr, body = do(t, s, http.MethodPost, "/api/time/sync", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, body, "offset_ms")

	rr, body = do(t, s, http.MethodGet, "/api/time/current", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, body, "timestamp")
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func writeRequest(t *testing.T, ws *websocket.Conn, subtype string, data map[string]any) {
	t.Helper()
	payload, err := (&packet.Request{Subtype: subtype, Data: data}).Encode()
	require.NoError(t, err)
	frame := protocol.Encode(protocol.NewFrame(protocol.Request, payload))
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame))
}

func readResponse(t *testing.T, ws *websocket.Conn) *packet.Request {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	f, err := protocol.ReadFrame(bytes.NewReader(data), 0)
	require.NoError(t, err)
	return packet.DecodeResponse(f.Payload)
}

func TestWebSocketDevice(t *testing.T) {
	s, ctx := newTestServer(t)
	ts := httptest.NewServer(s)
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	writeRequest(t, ws, packet.VerbRegister, map[string]any{"Brand": "Web", "Model": "Client"})
	response := readResponse(t, ws)
	require.Equal(t, app.TextRegistered, response.Data["text"])
	devices := ctx.Devices.List()
	require.Len(t, devices, 1)
	id := devices[0].ID
	dev, ok := ctx.Devices.Get(id)
	require.True(t, ok)
	assert.Equal(t, "ws", dev.Transport)

	writeRequest(t, ws, "ping", nil)
	assert.Equal(t, "pong", readResponse(t, ws).Subtype)

	rr, body := do(t, s, http.MethodPost, "/api/groups/devices/publish", map[string]any{"subtype": "hello"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, []any{id}, body["delivered"])
	assert.Equal(t, "hello", readResponse(t, ws).Subtype)

	rr, body = do(t, s, http.MethodGet, "/api/devices/known", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(1), body["device_count"])
	known := body["devices"].([]any)[0].(map[string]any)
	assert.Equal(t, id, known["id"])
	assert.Equal(t, "Web/Client", known["name"])
}

func TestWebSocketOrigin(t *testing.T) {
	s, _ := newTestServer(t, "https://allowed.example")
	ts := httptest.NewServer(s)
	defer ts.Close()

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://ALLOWED.example")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	require.NoError(t, err)
	_ = ws.Close()

	// native clients send no Origin
	ws, _, err = websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	_ = ws.Close()
}

func TestNormalizeOrigin(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"HTTPS://Example.COM", "https://example.com", true},
		{"http://localhost:3000", "http://localhost:3000", true},
		{"example.com", "", false},
	}
	for _, tt := range tests {
		got, ok := normalizeOrigin(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
