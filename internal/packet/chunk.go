package packet

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
)

// ChunkHeaderSize is the size of the header in front of every file chunk.
const ChunkHeaderSize = 16

// DefaultChunkSize is the file bytes carried per DataTransfer frame.
const DefaultChunkSize = 2048

// ChunkHeader describes one file chunk. Chunk ids start at 1 and
// TotalLength is the length of the whole file.
type ChunkHeader struct {
	ChunkID     int32
	TotalChunks int32
	Offset      int32
	TotalLength int32
}

// EncodeChunk prefixes data with its chunk header.
func EncodeChunk(header ChunkHeader, data []byte) []byte {
	buf := make([]byte, ChunkHeaderSize+len(data))
	binary.BigEndian.PutUint32(buf[0:4], uint32(header.ChunkID))
	binary.BigEndian.PutUint32(buf[4:8], uint32(header.TotalChunks))
	binary.BigEndian.PutUint32(buf[8:12], uint32(header.Offset))
	binary.BigEndian.PutUint32(buf[12:16], uint32(header.TotalLength))
	copy(buf[ChunkHeaderSize:], data)
	return buf
}

// ParseChunk splits a DataTransfer payload into its header and file bytes.
func ParseChunk(payload []byte) (ChunkHeader, []byte, error) {
	if len(payload) < ChunkHeaderSize {
		return ChunkHeader{}, nil, fmt.Errorf("chunk too short: %d bytes", len(payload))
	}
	header := ChunkHeader{
		ChunkID:     int32(binary.BigEndian.Uint32(payload[0:4])),
		TotalChunks: int32(binary.BigEndian.Uint32(payload[4:8])),
		Offset:      int32(binary.BigEndian.Uint32(payload[8:12])),
		TotalLength: int32(binary.BigEndian.Uint32(payload[12:16])),
	}
	if header.ChunkID <= 0 || header.TotalChunks <= 0 || header.Offset < 0 || header.TotalLength < 0 {
		return header, nil, fmt.Errorf("invalid chunk header %+v", header)
	}
	return header, payload[ChunkHeaderSize:], nil
}

// MaxFileLength is the largest file a chunk header can describe.
const MaxFileLength = math.MaxInt32

// MaxChunkSize is the largest chunk whose DataTransfer frame fits in
// maxFrameSize bytes.
func MaxChunkSize(maxFrameSize int) int {
	return maxFrameSize - protocol.HeaderSize - ChunkHeaderSize
}

// ChunkCount returns how many chunks of size chunkSize a file of length bytes needs.
func ChunkCount(length int64, chunkSize int) int64 {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	chunks := length / int64(chunkSize)
	if length%int64(chunkSize) != 0 {
		chunks++
	}
	return chunks
}
