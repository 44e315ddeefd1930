package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrInvalidMagic       = errors.New("invalid magic number")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
)

// Encode serialises a frame into a single buffer.
func Encode(f *Frame) []byte {
	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(f.Type))
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(f.Payload)))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// WriteFrame encodes f and writes it fully to w.
func WriteFrame(w io.Writer, f *Frame) error {
	data := Encode(f)
	total := 0
	for total < len(data) {
		n, err := w.Write(data[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

// ReadFrame reads one frame from r. maxSize bounds the whole frame; a value
// <= 0 selects DefaultMaxFrameSize.
func ReadFrame(r io.Reader, maxSize int) (*Frame, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}

	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	if magic := binary.BigEndian.Uint32(header[0:4]); magic != Magic {
		return nil, fmt.Errorf("%w: 0x%08X", ErrInvalidMagic, magic)
	}

	messageType := MessageType(binary.BigEndian.Uint32(header[4:8]))
	if !messageType.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageType, uint32(messageType))
	}

	length := binary.BigEndian.Uint32(header[8:12])
	if int64(length)+HeaderSize > int64(maxSize) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, int64(length)+HeaderSize, maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return &Frame{Type: messageType, Payload: payload}, nil
}

// IsProtocolError reports whether err was caused by a malformed frame rather
// than by the transport.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrInvalidMagic) ||
		errors.Is(err, ErrUnknownMessageType) ||
		errors.Is(err, ErrFrameTooLarge)
}
