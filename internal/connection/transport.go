package connection

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
)

// Transport moves whole frames over one client link. ReadFrame is called from
// a single goroutine and WriteFrame from another.
type Transport interface {
	ReadFrame() (*protocol.Frame, error)
	WriteFrame(f *protocol.Frame) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
	Kind() string
}

type TCPTransport struct {
	conn     net.Conn
	reader   *bufio.Reader
	maxFrame int
}

func NewTCPTransport(conn net.Conn, maxFrame int) *TCPTransport {
	return &TCPTransport{conn: conn, reader: bufio.NewReader(conn), maxFrame: maxFrame}
}

func (t *TCPTransport) ReadFrame() (*protocol.Frame, error) {
	return protocol.ReadFrame(t.reader, t.maxFrame)
}

func (t *TCPTransport) WriteFrame(f *protocol.Frame) error {
	return protocol.WriteFrame(t.conn, f)
}

func (t *TCPTransport) SetReadDeadline(d time.Time) error  { return t.conn.SetReadDeadline(d) }
func (t *TCPTransport) SetWriteDeadline(d time.Time) error { return t.conn.SetWriteDeadline(d) }
func (t *TCPTransport) Close() error                       { return t.conn.Close() }
func (t *TCPTransport) RemoteAddr() net.Addr               { return t.conn.RemoteAddr() }
func (t *TCPTransport) LocalAddr() net.Addr                { return t.conn.LocalAddr() }
func (t *TCPTransport) Kind() string                       { return "tcp" }

// WSTransport carries exactly one encoded frame per binary WebSocket message.
type WSTransport struct {
	ws       *websocket.Conn
	maxFrame int
	closeMu  sync.Mutex
	closed   bool
}

func NewWSTransport(ws *websocket.Conn, maxFrame int) *WSTransport {
	if maxFrame <= 0 {
		maxFrame = protocol.DefaultMaxFrameSize
	}
	ws.SetReadLimit(int64(maxFrame))
	return &WSTransport{ws: ws, maxFrame: maxFrame}
}

func (t *WSTransport) ReadFrame() (*protocol.Frame, error) {
	for {
		messageType, data, err := t.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		reader := bytes.NewReader(data)
		f, err := protocol.ReadFrame(reader, t.maxFrame)
		if err != nil {
			return nil, err
		}
		if reader.Len() != 0 {
			return nil, fmt.Errorf("%w: %d trailing bytes in message", protocol.ErrFrameTooLarge, reader.Len())
		}
		return f, nil
	}
}

func (t *WSTransport) WriteFrame(f *protocol.Frame) error {
	return t.ws.WriteMessage(websocket.BinaryMessage, protocol.Encode(f))
}

func (t *WSTransport) SetReadDeadline(d time.Time) error  { return t.ws.SetReadDeadline(d) }
func (t *WSTransport) SetWriteDeadline(d time.Time) error { return t.ws.SetWriteDeadline(d) }

// Close sends a close message when possible, then closes the socket.
func (t *WSTransport) Close() error {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	_ = t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.ws.Close()
}

func (t *WSTransport) RemoteAddr() net.Addr { return t.ws.RemoteAddr() }
func (t *WSTransport) LocalAddr() net.Addr  { return t.ws.LocalAddr() }
func (t *WSTransport) Kind() string         { return "ws" }
