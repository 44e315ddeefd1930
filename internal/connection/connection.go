// Package connection 实现了客户端连接、传输层与连接注册表
package connection

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
	"github.com/life-stream-dev/life-stream-audio-center/internal/session"
)

const DefaultSendBuffer = 256

// Connection 表示一个客户端连接. 写操作由独立的写协程串行执行
type Connection struct {
	transport Transport
	remote    string
	local     string
	createdAt time.Time

	id      string
	session *session.Session

	writeTimeout time.Duration

	mu      sync.Mutex
	alive   bool
	send    chan *protocol.Frame
	aborted atomic.Bool
	done    chan struct{}

	teardown sync.Once
}

// NewConnection wraps a transport and starts its write loop.
func NewConnection(transport Transport, sendBuffer int) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	c := &Connection{
		transport:    transport,
		remote:       transport.RemoteAddr().String(),
		local:        transport.LocalAddr().String(),
		createdAt:    time.Now(),
		writeTimeout: 10 * time.Second,
		alive:        true,
		send:         make(chan *protocol.Frame, sendBuffer),
		done:         make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// bind is called once by the registry.
func (c *Connection) bind(id string, s *session.Session) {
	c.id = id
	c.session = s
}

func (c *Connection) ID() string                { return c.id }
func (c *Connection) Session() *session.Session { return c.session }
func (c *Connection) Transport() Transport      { return c.transport }
func (c *Connection) RemoteAddr() string        { return c.remote }
func (c *Connection) LocalAddr() string         { return c.local }
func (c *Connection) Kind() string              { return c.transport.Kind() }
func (c *Connection) CreatedAt() time.Time      { return c.createdAt }

func (c *Connection) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

// Send queues a frame without blocking.
func (c *Connection) Send(f *protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.alive {
		return ErrConnectionClosed
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrSendBufferFull
	}
}

func (c *Connection) writeLoop() {
	defer close(c.done)
	for f := range c.send {
		if c.aborted.Load() {
			continue
		}
		if c.writeTimeout > 0 {
			_ = c.transport.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		}
		if err := c.transport.WriteFrame(f); err != nil {
			if !IsNetClosedError(err) {
				logger.ErrorF("[%s] Fail to send data, details: %v", c.label(), err)
			}
			c.Abort()
			continue
		}
		logger.DebugF("[%s] Send %d bytes to client", c.label(), f.Size())
	}
}

// stop refuses further sends and lets the write loop finish the queue.
func (c *Connection) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alive {
		c.alive = false
		close(c.send)
	}
}

// Drain stops accepting frames, waits until queued frames are written or the
// timeout elapses, then closes the transport.
func (c *Connection) Drain(timeout time.Duration) error {
	c.stop()
	var err error
	select {
	case <-c.done:
	case <-time.After(timeout):
		err = fmt.Errorf("[%s] drain: %w", c.label(), context.DeadlineExceeded)
		c.aborted.Store(true)
	}
	if closeErr := c.transport.Close(); closeErr != nil && !IsNetClosedError(closeErr) && err == nil {
		err = closeErr
	}
	return err
}

// Abort drops queued frames and closes the transport immediately, which also
// unblocks an in-flight write.
func (c *Connection) Abort() {
	c.aborted.Store(true)
	c.stop()
	_ = c.transport.Close()
}

// Teardown runs fn the first time it is called for this connection.
func (c *Connection) Teardown(fn func()) {
	c.teardown.Do(fn)
}

// Done is closed once the write loop has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) label() string {
	if c.id != "" {
		return c.id
	}
	return c.remote
}

func (c *Connection) String() string {
	return fmt.Sprintf("Connection{id=%s, kind=%s, remote=%s, alive=%t}", c.id, c.Kind(), c.remote, c.Alive())
}
