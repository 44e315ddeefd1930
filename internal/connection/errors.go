package connection

import (
	"errors"
	"io"
	"net"
	"os"

	"github.com/gorilla/websocket"

	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
)

var (
	ErrDuplicateConnection = errors.New("duplicate connection id")
	ErrNotFound            = errors.New("connection not found")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrSendBufferFull      = errors.New("send buffer full")
)

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

// IsGracefulReadError reports whether a read error is an orderly end of the
// stream (EOF, peer close or idle timeout) rather than a fault.
func IsGracefulReadError(err error) bool {
	return errors.Is(err, io.EOF) || os.IsTimeout(err) || IsNetClosedError(err)
}

func HandleReadError(connID string, err error) {
	switch {
	case errors.Is(err, io.EOF):
		logger.InfoF("[%s] Client close connection", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	case IsNetClosedError(err):
		logger.DebugF("[%s] Connection already closed", connID)
	case protocol.IsProtocolError(err):
		logger.ErrorF("[%s] Protocol violation, details: %v", connID, err)
	default:
		logger.ErrorF("[%s] Error occured while reading frame, details: %v", connID, err)
	}
}
