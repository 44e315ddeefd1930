package dispatcher

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/life-stream-dev/life-stream-audio-center/internal/packet"
)

// mailbox buffers the pending commands of one session. At most one worker
// drains it at a time, which gives per-session FIFO order.
type mailbox struct {
	mu      sync.Mutex
	queue   *queue.Queue
	running bool
	closed  bool
}

func newMailbox() *mailbox {
	return &mailbox{queue: queue.New()}
}

// push adds cmd and reports whether the caller must start a worker.
func (m *mailbox) push(cmd packet.Command) (start bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, false
	}
	m.queue.Add(cmd)
	if m.running {
		return false, true
	}
	m.running = true
	return true, true
}

// pop returns the next command, or false once the mailbox is empty or closed,
// in which case the worker must exit.
func (m *mailbox) pop() (packet.Command, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || m.queue.Length() == 0 {
		m.running = false
		return packet.Command{}, false
	}
	return m.queue.Remove().(packet.Command), true
}

// close drops pending commands and returns how many were dropped.
func (m *mailbox) close() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	dropped := m.queue.Length()
	m.queue = queue.New()
	return dropped
}

func (m *mailbox) pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Length()
}
