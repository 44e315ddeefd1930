// Package server 负责 TCP 监听与连接的握手和读循环
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/life-stream-dev/life-stream-audio-center/internal/app"
	"github.com/life-stream-dev/life-stream-audio-center/internal/connection"
	"github.com/life-stream-dev/life-stream-audio-center/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
)

var (
	ErrServerRunning    = errors.New("server is already running")
	ErrServerNotRunning = errors.New("server is not running")
)

type Server struct {
	ctx *app.Context
	sem *semaphore.Weighted

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	stopped  chan struct{}
	handlers sync.WaitGroup
}

func New(ctx *app.Context) *Server {
	return &Server{
		ctx: ctx,
		sem: semaphore.NewWeighted(ctx.Config.Server.MaxConnections),
	}
}

// Start listens on the configured address and accepts in the background.
func (s *Server) Start() error {
	return s.StartAt(s.ctx.Config.Server.Address())
}

func (s *Server) StartAt(address string) error {
	if s.Running() {
		return ErrServerRunning
	}
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts on ln in the background until Stop.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		_ = ln.Close()
		return ErrServerRunning
	}
	acceptCtx, cancel := context.WithCancel(context.Background())
	s.listener = ln
	s.cancel = cancel
	s.stopped = make(chan struct{})
	logger.InfoF("Audio Center Server Listen On %s", ln.Addr())
	go s.acceptLoop(acceptCtx, ln, s.stopped)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, stopped chan struct{}) {
	defer close(stopped)
	for {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		conn, err := ln.Accept()
		if err != nil {
			s.sem.Release(1)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.ErrorF("Accept connection error: %v", err)
			continue
		}

		logger.DebugF("Accepted new connection from %s", conn.RemoteAddr().String())

		s.handlers.Add(1)
		go func(c net.Conn) {
			defer func() {
				s.sem.Release(1)
				s.handlers.Done()
			}()
			ServeTransport(s.ctx, connection.NewTCPTransport(c, s.ctx.Config.Server.MaxFrameSize))
		}(conn)
	}
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener != nil
}

func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and gracefully disconnects every TCP session.
// Sessions still open after timeout are aborted.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	ln, cancel, stopped := s.listener, s.cancel, s.stopped
	s.listener, s.cancel, s.stopped = nil, nil, nil
	s.mu.Unlock()
	if ln == nil {
		return ErrServerNotRunning
	}
	cancel()
	if err := ln.Close(); err != nil && !connection.IsNetClosedError(err) {
		logger.ErrorF("Server close error: %v", err)
	}
	<-stopped

	var group errgroup.Group
	for _, conn := range s.ctx.Registry.Snapshot() {
		if conn.Kind() != "tcp" {
			continue
		}
		id := conn.ID()
		group.Go(func() error {
			err := s.ctx.Dispatcher.Disconnect(id, dispatcher.ErrServerShutdown)
			if errors.Is(err, connection.ErrNotFound) {
				return nil
			}
			return err
		})
	}
	err := group.Wait()

	done := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("Connection handlers still running after stop timeout, aborting")
		for _, conn := range s.ctx.Registry.Snapshot() {
			if conn.Kind() == "tcp" {
				_ = s.ctx.Dispatcher.Abort(conn.ID(), dispatcher.ErrServerShutdown)
			}
		}
		if err == nil {
			err = context.DeadlineExceeded
		}
	}
	logger.Info("Audio Center Server stopped")
	return err
}
