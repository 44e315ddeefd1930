// Package connectiontest provides in-memory client links for tests.
package connectiontest

import (
	"bufio"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-audio-center/internal/connection"
	"github.com/life-stream-dev/life-stream-audio-center/internal/packet"
	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
)

// Peer is the client side of a pipe. Frames written by the server are
// collected on Frames.
type Peer struct {
	conn   net.Conn
	Frames chan *protocol.Frame

	mu  sync.Mutex
	err error
}

// NewPipe returns a server side Connection backed by net.Pipe and the peer
// that reads from it. Both ends are closed on test cleanup.
func NewPipe(t testing.TB, sendBuffer int) (*connection.Connection, *Peer) {
	t.Helper()
	server, client := net.Pipe()
	conn := connection.NewConnection(connection.NewTCPTransport(server, 0), sendBuffer)
	peer := &Peer{conn: client, Frames: make(chan *protocol.Frame, 64)}
	go peer.readLoop()
	t.Cleanup(func() {
		conn.Abort()
		_ = client.Close()
	})
	return conn, peer
}

func (p *Peer) readLoop() {
	defer close(p.Frames)
	reader := bufio.NewReader(p.conn)
	for {
		f, err := protocol.ReadFrame(reader, 0)
		if err != nil {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
			return
		}
		p.Frames <- f
	}
}

// Send writes a frame as the client would.
func (p *Peer) Send(f *protocol.Frame) error {
	return protocol.WriteFrame(p.conn, f)
}

// SendRequest writes a Request frame carrying subtype and data.
func (p *Peer) SendRequest(subtype string, data map[string]any) error {
	request := &packet.Request{Subtype: subtype, Data: data}
	payload, err := request.Encode()
	if err != nil {
		return err
	}
	return p.Send(protocol.NewFrame(protocol.Request, payload))
}

func (p *Peer) Close() error {
	return p.conn.Close()
}

// Next waits up to timeout for the next frame. It returns nil when nothing
// arrived or the link closed.
func (p *Peer) Next(timeout time.Duration) *protocol.Frame {
	select {
	case f, ok := <-p.Frames:
		if !ok {
			return nil
		}
		return f
	case <-time.After(timeout):
		return nil
	}
}

// NextRequest waits for the next JSON frame and decodes it.
func (p *Peer) NextRequest(t testing.TB, timeout time.Duration) (*protocol.Frame, *packet.Request) {
	t.Helper()
	f := p.Next(timeout)
	if f == nil {
		t.Fatalf("no frame received within %s", timeout)
		return nil, nil
	}
	return f, packet.DecodeResponse(f.Payload)
}

// Err returns the error that ended the read loop, if any.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}
