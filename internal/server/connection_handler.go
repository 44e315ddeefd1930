package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-audio-center/internal/app"
	"github.com/life-stream-dev/life-stream-audio-center/internal/connection"
	"github.com/life-stream-dev/life-stream-audio-center/internal/dispatcher"
	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
	"github.com/life-stream-dev/life-stream-audio-center/internal/packet"
	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
)

var (
	ErrHandshake   = errors.New("handshake failed")
	ErrIdleTimeout = errors.New("idle timeout")
)

type ConnectionHandler struct {
	ctx       *app.Context
	conn      *connection.Connection
	connId    string
	handshake time.Duration
	idle      time.Duration
}

// ServeTransport registers a new connection over transport and serves it
// until the session ends. It blocks, callers run it on its own goroutine.
func ServeTransport(ctx *app.Context, transport connection.Transport) {
	conn := connection.NewConnection(transport, ctx.Config.Server.SendBuffer)
	id, err := ctx.Registry.Register(conn)
	if err != nil {
		logger.ErrorF("[%s] Fail to register connection, details: %v", transport.RemoteAddr(), err)
		conn.Abort()
		return
	}
	handler := &ConnectionHandler{
		ctx:       ctx,
		conn:      conn,
		connId:    id,
		handshake: ctx.Config.Server.Handshake(),
		idle:      ctx.Config.Server.Idle(),
	}
	handler.handleConnection()
}

func (c *ConnectionHandler) handleFirstPacket() error {
	transport := c.conn.Transport()
	_ = transport.SetReadDeadline(time.Now().Add(c.handshake))
	f, err := transport.ReadFrame()
	if err != nil {
		logger.WarnF("[%s] Fail to read first frame, details: %v", c.connId, err)
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	if f.Type != protocol.Request {
		logger.ErrorF("[%s] Invalid first frame type, expected %s frame, but got %s frame", c.connId, protocol.Request, f.Type)
		return fmt.Errorf("%w: first frame is %s", ErrHandshake, f.Type)
	}
	cmd, err := packet.CommandFromFrame(c.connId, f)
	if err != nil {
		logger.ErrorF("[%s] Fail to parse first frame, details: %v", c.connId, err)
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if cmd.Verb != packet.VerbRegister {
		logger.ErrorF("[%s] Invalid first request, expected %s, but got %s", c.connId, packet.VerbRegister, cmd.Verb)
		return fmt.Errorf("%w: first request is %s", ErrHandshake, cmd.Verb)
	}

	s := c.conn.Session()
	if err := s.Activate(); err != nil {
		return err
	}
	s.Touch()
	if err := c.ctx.Dispatcher.Submit(cmd); err != nil {
		return err
	}
	if c.idle == 0 {
		logger.WarnF("[%s] Idle timeout set to 0, heartbeat disable", c.connId)
		_ = transport.SetReadDeadline(time.Time{})
	}
	return nil
}

// handlePacket reads frames until the link ends and returns the reason.
func (c *ConnectionHandler) handlePacket() error {
	transport := c.conn.Transport()
	s := c.conn.Session()
	for {
		if c.idle != 0 {
			_ = transport.SetReadDeadline(time.Now().Add(c.idle))
		}

		f, err := transport.ReadFrame()
		if err != nil {
			connection.HandleReadError(c.connId, err)
			return err
		}
		s.Touch()
		logger.DebugF("[%s] Receive %s", c.connId, f)

		cmd, err := packet.CommandFromFrame(c.connId, f)
		if err != nil {
			logger.WarnF("[%s] Fail to decode %s frame, details: %v", c.connId, f.Type, err)
			event := packet.NewResponse(c.connId, "error", map[string]any{"verb": f.Type.String(), "reason": err.Error()})
			if err := c.ctx.Dispatcher.Reply(c.connId, event); err != nil {
				return err
			}
			continue
		}

		err = c.ctx.Dispatcher.Submit(cmd)
		var cerr *dispatcher.CommandError
		switch {
		case err == nil, errors.As(err, &cerr):
		default:
			return err
		}
	}
}

func (c *ConnectionHandler) handleConnection() {
	defer logger.DebugF("[%s] Connection closed", c.connId)

	if err := c.handleFirstPacket(); err != nil {
		_ = c.ctx.Dispatcher.Abort(c.connId, err)
		return
	}

	err := c.handlePacket()
	switch {
	case connection.IsGracefulReadError(err):
		if isTimeout(err) {
			err = fmt.Errorf("%w: %w", ErrIdleTimeout, err)
		}
		_ = c.ctx.Dispatcher.Disconnect(c.connId, err)
	case errors.Is(err, dispatcher.ErrSessionNotActive), errors.Is(err, dispatcher.ErrDispatcherClosed),
		errors.Is(err, connection.ErrNotFound):
		// 会话已由其他路径关闭
		_ = c.ctx.Dispatcher.Disconnect(c.connId, err)
	default:
		_ = c.ctx.Dispatcher.Abort(c.connId, err)
	}
}

func isTimeout(err error) bool {
	var timeout interface{ Timeout() bool }
	return errors.As(err, &timeout) && timeout.Timeout()
}
