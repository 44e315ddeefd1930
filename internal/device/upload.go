package device

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
	"github.com/life-stream-dev/life-stream-audio-center/internal/packet"
	"github.com/life-stream-dev/life-stream-audio-center/internal/utils"
)

var (
	ErrInvalidFilename   = errors.New("invalid filename")
	ErrNoUploadTask      = errors.New("no upload in progress")
	ErrUploadInProgress  = errors.New("upload already in progress")
	ErrChunkMismatch     = errors.New("chunk does not match upload")
	ErrInvalidUploadSize = errors.New("invalid upload size")
)

type UploadStatus int

const (
	Uploading UploadStatus = iota
	Finished
	Failed
)

func (s UploadStatus) String() string {
	switch s {
	case Uploading:
		return "uploading"
	case Finished:
		return "finished"
	default:
		return "failed"
	}
}

// UploadInfo describes one file being received from a device.
type UploadInfo struct {
	DeviceID   string `json:"device_id"`
	RemoteName string `json:"remote_name"`
	LocalPath  string `json:"local_path"`
	Chunks     int64  `json:"chunks"`
	Length     int64  `json:"length"`
	Received   int64  `json:"received"`
}

// UploadTask is an open upload. Its mutex serialises file I/O so the
// manager lock is never held across a write.
type UploadTask struct {
	UploadInfo

	mu     sync.Mutex
	status UploadStatus
	file   *os.File
}

func (t *UploadTask) Status() UploadStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *UploadTask) Info() UploadInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.UploadInfo
}

func (t *UploadTask) write(offset int64, data []byte) error {
	if t.file == nil {
		if err := os.MkdirAll(filepath.Dir(t.LocalPath), 0755); err != nil {
			return err
		}
		f, err := os.OpenFile(t.LocalPath, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0644)
		if err != nil {
			return err
		}
		t.file = f
	}
	_, err := t.file.WriteAt(data, offset)
	return err
}

// finish closes the file and records the final status. Callers hold t.mu.
func (t *UploadTask) finish(status UploadStatus) {
	t.status = status
	if t.file == nil {
		return
	}
	if err := t.file.Close(); err != nil {
		logger.WarnF("[%s] Fail to close %s, details: %v", t.DeviceID, t.LocalPath, err)
	}
	t.file = nil
}

// UploadProgress is the outcome of one WriteChunk call.
type UploadProgress struct {
	Header    packet.ChunkHeader
	Status    UploadStatus
	LocalPath string
}

// UploadManager writes device uploads under
// <basePath>/<device name>/<experiment>/<file>.
type UploadManager struct {
	basePath string

	mu    sync.Mutex
	tasks map[string]*UploadTask
	names map[string]string
}

func NewUploadManager(basePath string) *UploadManager {
	return &UploadManager{
		basePath: basePath,
		tasks:    make(map[string]*UploadTask),
		names:    make(map[string]string),
	}
}

func (um *UploadManager) BasePath() string {
	return um.basePath
}

// SetDeviceName maps a device id to the folder its files go to.
func (um *UploadManager) SetDeviceName(deviceID, name string) {
	um.mu.Lock()
	um.names[deviceID] = name
	um.mu.Unlock()
}

func (um *UploadManager) ForgetDevice(deviceID string) {
	um.mu.Lock()
	delete(um.names, deviceID)
	um.mu.Unlock()
}

// LocalPath returns where filename from deviceID is stored for experiment.
func (um *UploadManager) LocalPath(deviceID, experiment, filename string) string {
	um.mu.Lock()
	folder, ok := um.names[deviceID]
	um.mu.Unlock()
	if !ok || folder == "" {
		folder = deviceID
	}
	folder = strings.ReplaceAll(folder, "/", "_")
	parts := []string{um.basePath, folder}
	if experiment != "" {
		parts = append(parts, experiment)
	}
	return filepath.Join(append(parts, filepath.Base(filename))...)
}

// AddTask opens an upload for deviceID. A device uploads one file at a time.
func (um *UploadManager) AddTask(deviceID, experiment, filename string, chunks, length int64) (*UploadTask, error) {
	if !utils.ValidFilename(filename) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFilename, filename)
	}
	if chunks <= 0 || length < 0 || chunks > max(length, 1) {
		return nil, fmt.Errorf("%w: %d chunks for %d bytes", ErrInvalidUploadSize, chunks, length)
	}
	task := &UploadTask{UploadInfo: UploadInfo{
		DeviceID:   deviceID,
		RemoteName: filename,
		LocalPath:  um.LocalPath(deviceID, experiment, filename),
		Chunks:     chunks,
		Length:     length,
	}}

	um.mu.Lock()
	defer um.mu.Unlock()
	if _, ok := um.tasks[deviceID]; ok {
		return nil, fmt.Errorf("%w for %s", ErrUploadInProgress, deviceID)
	}
	um.tasks[deviceID] = task
	logger.InfoF("[%s] File upload request: %s chunks: %d length: %d", deviceID, filename, chunks, length)
	return task, nil
}

// WriteChunk stores one DataTransfer payload. A header that disagrees with
// the task fails and removes the task; the last chunk finishes it.
func (um *UploadManager) WriteChunk(deviceID string, payload []byte) (*UploadProgress, error) {
	header, data, err := packet.ParseChunk(payload)
	if err != nil {
		return nil, err
	}

	um.mu.Lock()
	task, ok := um.tasks[deviceID]
	um.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w for %s", ErrNoUploadTask, deviceID)
	}

	task.mu.Lock()
	defer task.mu.Unlock()
	// Remove 可能已在拿到任务后关闭了它
	if task.status != Uploading {
		return nil, fmt.Errorf("%w for %s", ErrNoUploadTask, deviceID)
	}
	progress := &UploadProgress{Header: header, LocalPath: task.LocalPath}

	if int64(header.TotalChunks) != task.Chunks || int64(header.TotalLength) != task.Length ||
		header.Offset < 0 || int64(header.Offset)+int64(len(data)) > task.Length {
		task.finish(Failed)
		um.detach(deviceID, task)
		progress.Status = Failed
		logger.ErrorF("[%s] Invalid chunk data: %d/%d position: %d/%d", deviceID, header.ChunkID, header.TotalChunks, header.Offset, header.TotalLength)
		return progress, ErrChunkMismatch
	}

	if err := task.write(int64(header.Offset), data); err != nil {
		task.finish(Failed)
		um.detach(deviceID, task)
		progress.Status = Failed
		logger.ErrorF("[%s] Failed to write chunk: %d/%d position: %d/%d", deviceID, header.ChunkID, header.TotalChunks, header.Offset, header.TotalLength)
		return progress, fmt.Errorf("write chunk: %w", err)
	}
	task.Received += int64(len(data))
	logger.DebugF("[%s] File upload chunk: %d/%d position: %d/%d", deviceID, header.ChunkID, header.TotalChunks, header.Offset, header.TotalLength)

	if int64(header.ChunkID) == task.Chunks {
		task.finish(Finished)
		um.detach(deviceID, task)
		progress.Status = Finished
		logger.InfoF("[%s] File upload finished: %s -> %s", deviceID, task.RemoteName, task.LocalPath)
		return progress, nil
	}
	progress.Status = Uploading
	return progress, nil
}

// detach drops task from the table unless a newer task replaced it.
func (um *UploadManager) detach(deviceID string, task *UploadTask) {
	um.mu.Lock()
	if um.tasks[deviceID] == task {
		delete(um.tasks, deviceID)
	}
	um.mu.Unlock()
}

// Remove drops the device's task, if any, and releases its file.
func (um *UploadManager) Remove(deviceID string) {
	um.mu.Lock()
	task, ok := um.tasks[deviceID]
	delete(um.tasks, deviceID)
	um.mu.Unlock()
	if !ok {
		return
	}
	task.mu.Lock()
	if task.status == Uploading {
		task.finish(Failed)
	}
	task.mu.Unlock()
}

func (um *UploadManager) HasOngoing() bool {
	um.mu.Lock()
	defer um.mu.Unlock()
	return len(um.tasks) > 0
}

// Tasks describes the open uploads ordered by device id.
func (um *UploadManager) Tasks() []UploadInfo {
	um.mu.Lock()
	open := make([]*UploadTask, 0, len(um.tasks))
	for _, task := range um.tasks {
		open = append(open, task)
	}
	um.mu.Unlock()
	infos := make([]UploadInfo, len(open))
	for i, task := range open {
		infos[i] = task.Info()
	}
	slices.SortFunc(infos, func(a, b UploadInfo) int {
		return strings.Compare(a.DeviceID, b.DeviceID)
	})
	return infos
}
