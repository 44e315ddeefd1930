// Package dispatcher 将会话命令路由到处理函数, 并负责会话的关闭流程
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-audio-center/internal/connection"
	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
	"github.com/life-stream-dev/life-stream-audio-center/internal/packet"
	"github.com/life-stream-dev/life-stream-audio-center/internal/session"
)

const DefaultDrainTimeout = 5 * time.Second

// HandlerFunc processes one command. It runs on the session's mailbox
// worker, never under a registry lock.
type HandlerFunc func(ctx context.Context, cmd packet.Command) error

// DisconnectHook runs once per connection during teardown, after the
// session has left its groups and before the connection is unregistered.
type DisconnectHook func(conn *connection.Connection, cause error)

type Dispatcher struct {
	registry     *connection.Registry
	drainTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	handlerMu sync.RWMutex
	handlers  map[string]HandlerFunc

	hookMu sync.RWMutex
	hooks  []DisconnectHook

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	closed    bool
	workers   sync.WaitGroup
}

func New(registry *connection.Registry, drainTimeout time.Duration) *Dispatcher {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		registry:     registry,
		drainTimeout: drainTimeout,
		ctx:          ctx,
		cancel:       cancel,
		handlers:     make(map[string]HandlerFunc),
		mailboxes:    make(map[string]*mailbox),
	}
}

func (d *Dispatcher) Registry() *connection.Registry {
	return d.registry
}

// RegisterHandler binds verb to handler. Binding a verb twice is a
// programming error and fails with ErrDuplicateHandler.
func (d *Dispatcher) RegisterHandler(verb string, handler HandlerFunc) error {
	if verb == "" || handler == nil {
		return fmt.Errorf("invalid handler registration for verb %q", verb)
	}
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	if _, ok := d.handlers[verb]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, verb)
	}
	d.handlers[verb] = handler
	return nil
}

func (d *Dispatcher) handler(verb string) (HandlerFunc, bool) {
	d.handlerMu.RLock()
	defer d.handlerMu.RUnlock()
	h, ok := d.handlers[verb]
	return h, ok
}

// Verbs returns the bound verbs, sorted.
func (d *Dispatcher) Verbs() []string {
	d.handlerMu.RLock()
	defer d.handlerMu.RUnlock()
	verbs := make([]string, 0, len(d.handlers))
	for verb := range d.handlers {
		verbs = append(verbs, verb)
	}
	slices.Sort(verbs)
	return verbs
}

func (d *Dispatcher) OnDisconnect(hook DisconnectHook) {
	d.hookMu.Lock()
	d.hooks = append(d.hooks, hook)
	d.hookMu.Unlock()
}

// Submit queues cmd for its session. An unbound verb is answered with an
// error event and returned as *CommandError; the session stays Active.
func (d *Dispatcher) Submit(cmd packet.Command) error {
	conn, err := d.registry.Lookup(cmd.SessionID)
	if err != nil {
		return err
	}
	if state := conn.Session().State(); !conn.Session().IsActive() {
		return fmt.Errorf("%w: %s is %s", ErrSessionNotActive, cmd.SessionID, state)
	}
	if _, ok := d.handler(cmd.Verb); !ok {
		cerr := NewCommandError(cmd.Verb, "unknown command", ErrUnknownVerb)
		d.reportError(conn, cerr)
		return cerr
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	// Teardown drops the mailbox under d.mu after leaving Active, so checking
	// again here keeps a closing session from getting a fresh mailbox.
	if !conn.Session().IsActive() {
		return fmt.Errorf("%w: %s", ErrSessionNotActive, cmd.SessionID)
	}
	mb, ok := d.mailboxes[cmd.SessionID]
	if !ok {
		mb = newMailbox()
		d.mailboxes[cmd.SessionID] = mb
	}
	start, ok := mb.push(cmd)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotActive, cmd.SessionID)
	}
	if start {
		d.workers.Add(1)
		go d.work(conn, mb)
	}
	return nil
}

func (d *Dispatcher) work(conn *connection.Connection, mb *mailbox) {
	defer d.workers.Done()
	for {
		cmd, ok := mb.pop()
		if !ok {
			return
		}
		if !conn.Session().IsActive() {
			logger.DebugF("[%s] Drop %s, session is %s", conn.ID(), cmd.Verb, conn.Session().State())
			continue
		}
		d.execute(conn, cmd)
	}
}

func (d *Dispatcher) execute(conn *connection.Connection, cmd packet.Command) {
	handler, ok := d.handler(cmd.Verb)
	if !ok {
		d.reportError(conn, NewCommandError(cmd.Verb, "unknown command", ErrUnknownVerb))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("[%s] Handler for %s panicked: %v\n%s", conn.ID(), cmd.Verb, r, debug.Stack())
			d.reportError(conn, NewCommandError(cmd.Verb, "internal error", fmt.Errorf("panic: %v", r)))
		}
	}()

	start := time.Now()
	if err := handler(d.ctx, cmd); err != nil {
		d.reportError(conn, asCommandError(cmd.Verb, err))
		return
	}
	logger.DebugF("[%s] Handled %s in %v", conn.ID(), cmd.Verb, time.Since(start))
}

func (d *Dispatcher) reportError(conn *connection.Connection, cerr *CommandError) {
	logger.WarnF("[%s] %v", conn.ID(), cerr)
	event := packet.NewResponse(conn.ID(), "error", map[string]any{
		"verb":   cerr.Verb,
		"reason": cerr.Reason,
	})
	if err := d.send(conn, event); err != nil {
		logger.DebugF("[%s] Fail to report command error, details: %v", conn.ID(), err)
	}
}

// Reply sends event to a single session regardless of the event's target.
func (d *Dispatcher) Reply(sessionID string, event packet.Event) error {
	conn, err := d.registry.Lookup(sessionID)
	if err != nil {
		return err
	}
	return d.send(conn, event)
}

func (d *Dispatcher) send(conn *connection.Connection, event packet.Event) error {
	f, err := event.Frame()
	if err != nil {
		return err
	}
	return conn.Send(f)
}

func (d *Dispatcher) dropMailbox(id string) {
	d.mu.Lock()
	mb, ok := d.mailboxes[id]
	delete(d.mailboxes, id)
	d.mu.Unlock()
	if ok {
		if dropped := mb.close(); dropped > 0 {
			logger.DebugF("[%s] Dropped %d pending commands", id, dropped)
		}
	}
}

func (d *Dispatcher) runHooks(conn *connection.Connection, cause error) {
	d.hookMu.RLock()
	hooks := slices.Clone(d.hooks)
	d.hookMu.RUnlock()
	for _, hook := range hooks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorF("[%s] Disconnect hook panicked: %v", conn.ID(), r)
				}
			}()
			hook(conn, cause)
		}()
	}
}

// Disconnect tears a session down gracefully: Active -> Closing, leave all
// groups, drain queued writes (bounded by the drain timeout), then Closed.
// A session still handshaking is aborted instead. Calling it for a session
// that is already closing is a no-op.
func (d *Dispatcher) Disconnect(sessionID string, cause error) error {
	conn, err := d.registry.Lookup(sessionID)
	if err != nil {
		return err
	}
	s := conn.Session()
	if !s.BeginClose() {
		if s.State() == session.Handshaking {
			return d.Abort(sessionID, cause)
		}
		return nil
	}
	logger.InfoF("[%s] Closing session, cause: %v", sessionID, describe(cause))

	_, _ = d.registry.LeaveAllGroups(sessionID)
	d.dropMailbox(sessionID)
	conn.Teardown(func() { d.runHooks(conn, cause) })

	if err := conn.Drain(d.drainTimeout); err != nil {
		logger.WarnF("[%s] %v", sessionID, err)
	}
	if _, err := d.registry.Unregister(sessionID); err != nil && !errors.Is(err, connection.ErrNotFound) {
		return err
	}
	return nil
}

// Abort tears a session down after a fatal error: straight to Closed,
// pending writes are dropped.
func (d *Dispatcher) Abort(sessionID string, cause error) error {
	conn, err := d.registry.Lookup(sessionID)
	if err != nil {
		return err
	}
	if !conn.Session().Close() {
		return nil
	}
	logger.WarnF("[%s] Aborting session, cause: %v", sessionID, describe(cause))

	conn.Abort()
	_, _ = d.registry.LeaveAllGroups(sessionID)
	d.dropMailbox(sessionID)
	conn.Teardown(func() { d.runHooks(conn, cause) })

	if _, err := d.registry.Unregister(sessionID); err != nil && !errors.Is(err, connection.ErrNotFound) {
		return err
	}
	return nil
}

// Shutdown refuses new commands, moves every session to Closing and waits
// for the drains and mailbox workers. Sessions still open at the deadline are
// aborted and context.DeadlineExceeded is returned.
func (d *Dispatcher) Shutdown(timeout time.Duration) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDispatcherClosed
	}
	d.closed = true
	d.mu.Unlock()
	defer d.cancel()

	deadline := time.After(timeout)
	conns := d.registry.Snapshot()
	logger.InfoF("Shutting down dispatcher, closing %d sessions", len(conns))

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := d.Disconnect(id, ErrServerShutdown); err != nil && !errors.Is(err, connection.ErrNotFound) {
				logger.WarnF("[%s] Fail to close session, details: %v", id, err)
			}
		}(conn.ID())
	}

	if !waitOrDeadline(&wg, deadline) {
		for _, conn := range d.registry.Snapshot() {
			_ = d.Abort(conn.ID(), ErrServerShutdown)
		}
		return fmt.Errorf("dispatcher shutdown: %w", context.DeadlineExceeded)
	}
	if !waitOrDeadline(&d.workers, deadline) {
		return fmt.Errorf("dispatcher shutdown: %w", context.DeadlineExceeded)
	}
	logger.Info("Dispatcher shut down")
	return nil
}

func waitOrDeadline(wg *sync.WaitGroup, deadline <-chan time.Time) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-deadline:
		return false
	}
}

func describe(cause error) string {
	if cause == nil {
		return "client request"
	}
	return cause.Error()
}

// Pending returns the number of queued commands for a session.
func (d *Dispatcher) Pending(sessionID string) int {
	d.mu.Lock()
	mb, ok := d.mailboxes[sessionID]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	return mb.pending()
}
