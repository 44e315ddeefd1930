package packet

import (
	"fmt"
	"maps"
	"time"

	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
)

// Reserved verbs for frames that do not carry a subtype of their own.
const (
	VerbRegister    = "register"
	VerbResponse    = "response"
	VerbUploadChunk = "upload.chunk"
)

// Command is an inbound request from one session. It is passed by value and
// its payload is a private copy, so handlers cannot affect each other.
type Command struct {
	SessionID  string
	Verb       string
	Payload    map[string]any
	Raw        []byte
	ReceivedAt time.Time
}

// NewCommand copies payload and raw so the command owns its data.
func NewCommand(sessionID, verb string, payload map[string]any, raw []byte) Command {
	cmd := Command{
		SessionID:  sessionID,
		Verb:       verb,
		Payload:    map[string]any{},
		ReceivedAt: time.Now(),
	}
	if payload != nil {
		cmd.Payload = maps.Clone(payload)
	}
	if raw != nil {
		cmd.Raw = append([]byte(nil), raw...)
	}
	return cmd
}

// CommandFromFrame maps an inbound frame to a command.
func CommandFromFrame(sessionID string, f *protocol.Frame) (Command, error) {
	switch f.Type {
	case protocol.Request, protocol.Notification:
		request, err := DecodeRequest(f.Payload)
		if err != nil {
			return Command{}, err
		}
		return NewCommand(sessionID, request.Subtype, request.Data, nil), nil
	case protocol.Response:
		response := DecodeResponse(f.Payload)
		payload := maps.Clone(response.Data)
		payload["subtype"] = response.Subtype
		return NewCommand(sessionID, VerbResponse, payload, nil), nil
	case protocol.DataTransfer:
		return NewCommand(sessionID, VerbUploadChunk, nil, f.Payload), nil
	default:
		return Command{}, fmt.Errorf("%w: %s", protocol.ErrUnknownMessageType, f.Type)
	}
}

func (c Command) String() string {
	if c.Raw != nil {
		return fmt.Sprintf("Command{session=%s, verb=%s, raw=%d bytes}", c.SessionID, c.Verb, len(c.Raw))
	}
	return fmt.Sprintf("Command{session=%s, verb=%s, payload=%v}", c.SessionID, c.Verb, c.Payload)
}
