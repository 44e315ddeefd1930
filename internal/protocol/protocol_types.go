// Package protocol implements the framed binary protocol spoken between the
// audio center and its devices.
//
// Every frame is a 12 byte header followed by the payload:
//
//	magic (4 bytes) | type (4 bytes) | length (4 bytes) | payload
//
// All integers are big-endian.
package protocol

import "fmt"

// Magic marks the start of every frame.
const Magic uint32 = 0xACC5CCFA

// HeaderSize is the size of the fixed frame header.
const HeaderSize = 12

// DefaultMaxFrameSize bounds a whole frame, header included.
const DefaultMaxFrameSize = 4096

// MessageType identifies the kind of payload a frame carries.
type MessageType uint32

const (
	Request      MessageType = iota // JSON {"subtype","data"}, expects work from the peer
	Response                        // reply to a Request
	DataTransfer                    // raw file chunk
	Notification                    // server pushed event
)

// MessageTypeMap maps a MessageType to its name
var MessageTypeMap = map[MessageType]string{
	Request:      "REQUEST",
	Response:     "RESPONSE",
	DataTransfer: "DATA_TRANSFER",
	Notification: "NOTIFICATION",
}

func (t MessageType) String() string {
	if name, ok := MessageTypeMap[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	_, ok := MessageTypeMap[t]
	return ok
}

// Frame is one decoded protocol frame.
type Frame struct {
	Type    MessageType
	Payload []byte
}

// NewFrame builds a frame of the given type.
func NewFrame(t MessageType, payload []byte) *Frame {
	return &Frame{Type: t, Payload: payload}
}

// Size returns the encoded size of the frame.
func (f *Frame) Size() int {
	return HeaderSize + len(f.Payload)
}

func (f *Frame) String() string {
	// chunks are binary, print only their size
	if f.Type == DataTransfer {
		return fmt.Sprintf("Frame{type=%s, payload=[%d bytes]}", f.Type, len(f.Payload))
	}
	return fmt.Sprintf("Frame{type=%s, payload=%s}", f.Type, string(f.Payload))
}
