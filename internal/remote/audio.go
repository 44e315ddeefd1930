// Package remote 向设备下发采集, 播放以及文件管理指令
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/life-stream-dev/life-stream-audio-center/internal/broadcast"
	"github.com/life-stream-dev/life-stream-audio-center/internal/connection"
	"github.com/life-stream-dev/life-stream-audio-center/internal/device"
	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
	"github.com/life-stream-dev/life-stream-audio-center/internal/packet"
	"github.com/life-stream-dev/life-stream-audio-center/internal/protocol"
	"github.com/life-stream-dev/life-stream-audio-center/internal/utils"
)

// TargetAll addresses every device with the matching function switched on.
const TargetAll = "ALL"

var (
	ErrInvalidAction = errors.New("invalid action")
	ErrInvalidMode   = errors.New("invalid mode")
	ErrEmptyPath     = errors.New("file path is empty")
	ErrFileTooLarge  = errors.New("file too large")
)

var (
	captureActions  = []string{"start", "stop", "pause", "resume"}
	captureModes    = []string{"simple", "pro", "single"}
	playbackActions = []string{"start", "stop", "pause", "resume"}
	playbackModes   = []string{"music", "voice"}
)

type CaptureOptions struct {
	Action   string
	Mode     string
	Output   string
	Duration int
	Process  bool
	Forward  bool
	Delete   bool
	Ultra    bool
}

func (o CaptureOptions) request() (*packet.Request, error) {
	if !utils.OptionIn(o.Action, captureActions...) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, o.Action)
	}
	action := strings.ToLower(o.Action)
	request := packet.NewRequest("capture").Put("action", action)
	if action != "start" {
		return request, nil
	}
	if !utils.OptionIn(o.Mode, captureModes...) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, o.Mode)
	}
	return request.
		Put("mode", strings.ToLower(o.Mode)).
		Put("output", o.Output).
		Put("duration", o.Duration).
		Put("process", o.Process).
		Put("forward", o.Forward).
		Put("delete", o.Delete).
		Put("ultra", o.Ultra), nil
}

type PlaybackOptions struct {
	Action string
	Mode   string
	Loop   bool
	Input  string
}

func (o PlaybackOptions) request() (*packet.Request, error) {
	if !utils.OptionIn(o.Action, playbackActions...) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, o.Action)
	}
	action := strings.ToLower(o.Action)
	request := packet.NewRequest("playback").Put("action", action)
	if action != "start" {
		return request, nil
	}
	if !utils.OptionIn(o.Mode, playbackModes...) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, o.Mode)
	}
	return request.
		Put("mode", strings.ToLower(o.Mode)).
		Put("loop", o.Loop).
		Put("input", o.Input), nil
}

type AudioService struct {
	registry  *connection.Registry
	broadcast *broadcast.Engine
	chunkSize int
	// retry interval while a connection's send buffer is full
	backoff time.Duration
}

// NewAudioService caps chunkSize so a DataTransfer frame never exceeds
// maxFrameSize. maxFrameSize <= 0 selects protocol.DefaultMaxFrameSize.
func NewAudioService(registry *connection.Registry, engine *broadcast.Engine, chunkSize, maxFrameSize int) *AudioService {
	if maxFrameSize <= 0 {
		maxFrameSize = protocol.DefaultMaxFrameSize
	}
	if chunkSize <= 0 {
		chunkSize = packet.DefaultChunkSize
	}
	if limit := packet.MaxChunkSize(maxFrameSize); chunkSize > limit {
		logger.WarnF("Chunk size %d exceeds frame limit, using %d", chunkSize, limit)
		chunkSize = limit
	}
	return &AudioService{
		registry:  registry,
		broadcast: engine,
		chunkSize: chunkSize,
		backoff:   5 * time.Millisecond,
	}
}

// resolve maps a device id or ALL onto a target. ALL means group.
func resolve(target, group string) packet.Target {
	if strings.EqualFold(target, TargetAll) {
		return packet.ToGroup(group)
	}
	return packet.ToSession(target)
}

func (as *AudioService) publish(target packet.Target, request *packet.Request) (*broadcast.DeliveryReport, error) {
	event := packet.NewEvent(target, protocol.Request, request.Subtype, request.Data)
	report, err := as.broadcast.Publish(event)
	if err != nil {
		return report, err
	}
	logger.InfoF("Remote %s sent to %s: %s", request.Subtype, target, report)
	return report, nil
}

func (as *AudioService) Capture(target string, opts CaptureOptions) (*broadcast.DeliveryReport, error) {
	request, err := opts.request()
	if err != nil {
		return nil, err
	}
	return as.publish(resolve(target, device.GroupCapture), request)
}

func (as *AudioService) Playback(target string, opts PlaybackOptions) (*broadcast.DeliveryReport, error) {
	request, err := opts.request()
	if err != nil {
		return nil, err
	}
	return as.publish(resolve(target, device.GroupPlayback), request)
}

// List asks the device to report its local files.
func (as *AudioService) List(target string) (*broadcast.DeliveryReport, error) {
	return as.publish(resolve(target, device.GroupDevices), packet.NewRequest("list"))
}

func (as *AudioService) Delete(target, path string) (*broadcast.DeliveryReport, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	return as.publish(resolve(target, device.GroupDevices), packet.NewRequest("delete").Put("filepath", path))
}

// PushFile sends a local file to one device: an upload request followed by
// DataTransfer chunks. progress, if set, is called after every chunk.
func (as *AudioService) PushFile(ctx context.Context, id, path string, progress func(chunk, total int64)) error {
	conn, err := as.registry.Lookup(id)
	if err != nil {
		return err
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = file.Close() }()
	stat, err := file.Stat()
	if err != nil {
		return err
	}
	length := stat.Size()
	if length > packet.MaxFileLength {
		return fmt.Errorf("%w: %s is %d bytes", ErrFileTooLarge, path, length)
	}
	chunks := packet.ChunkCount(length, as.chunkSize)

	request := packet.NewRequest("upload").
		Put("filepath", filepath.Base(path)).
		Put("chunks", chunks).
		Put("length", length)
	payload, err := request.Encode()
	if err != nil {
		return err
	}
	if err := as.send(ctx, conn, protocol.NewFrame(protocol.Request, payload)); err != nil {
		return fmt.Errorf("upload request: %w", err)
	}
	logger.InfoF("[%s] Upload request sent: %s chunks: %d length: %d", id, filepath.Base(path), chunks, length)

	buf := make([]byte, as.chunkSize)
	var offset int64
	for chunkID := int64(1); chunkID <= chunks; chunkID++ {
		n, err := io.ReadFull(file, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return fmt.Errorf("read %s: %w", path, err)
		}
		header := packet.ChunkHeader{
			ChunkID:     int32(chunkID),
			TotalChunks: int32(chunks),
			Offset:      int32(offset),
			TotalLength: int32(length),
		}
		frame := protocol.NewFrame(protocol.DataTransfer, packet.EncodeChunk(header, buf[:n]))
		if err := as.send(ctx, conn, frame); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", chunkID, chunks, err)
		}
		logger.DebugF("[%s] Sending chunk: %d/%d position: %d/%d", id, chunkID, chunks, offset, length)
		offset += int64(n)
		if progress != nil {
			progress(chunkID, chunks)
		}
	}
	logger.InfoF("[%s] Upload completed: %s", id, path)
	return nil
}

// send waits for room in the connection's send buffer.
func (as *AudioService) send(ctx context.Context, conn *connection.Connection, f *protocol.Frame) error {
	for {
		err := conn.Send(f)
		if !errors.Is(err, connection.ErrSendBufferFull) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(as.backoff):
		}
	}
}
