package remote

import (
	"errors"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-audio-center/internal/device"
	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
)

const DefaultRecordingDuration = 10

var (
	ErrNoDevices        = errors.New("no devices connected")
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
	ErrEmptyScene       = errors.New("scene id is empty")
	ErrRecordingFailed  = errors.New("no device accepted the command")
)

// RecordingStatus describes the scene being recorded, if any.
type RecordingStatus struct {
	Recording bool      `json:"is_recording"`
	Scene     string    `json:"current_scene,omitempty"`
	Timestamp int64     `json:"timestamp,omitempty"`
	Duration  int       `json:"duration,omitempty"`
	Devices   []string  `json:"devices,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Recorder starts and stops a synchronised single-shot capture on every
// connected device.
type Recorder struct {
	devices *device.Manager
	audio   *AudioService

	mu     sync.Mutex
	status RecordingStatus
}

func NewRecorder(devices *device.Manager, audio *AudioService) *Recorder {
	return &Recorder{devices: devices, audio: audio}
}

// Start sends a capture start for scene to every device. timestamp is the
// client's reference time in milliseconds, 0 means now; duration is in
// seconds, 0 means DefaultRecordingDuration.
func (r *Recorder) Start(scene string, timestamp int64, duration int) (RecordingStatus, error) {
	if scene == "" {
		return RecordingStatus{}, ErrEmptyScene
	}
	if timestamp <= 0 {
		timestamp = time.Now().UnixMilli()
	}
	if duration <= 0 {
		duration = DefaultRecordingDuration
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.devices.IDs()
	if len(ids) == 0 {
		logger.Warn("No devices connected, cannot start recording")
		return RecordingStatus{}, ErrNoDevices
	}
	if r.status.Recording {
		logger.WarnF("Already recording scene: %s", r.status.Scene)
		return r.status, ErrAlreadyRecording
	}
	logger.InfoF("Starting recording for scene: %s, timestamp: %d, duration: %d", scene, timestamp, duration)

	opts := CaptureOptions{
		Action:   "start",
		Mode:     "single",
		Output:   scene,
		Duration: duration,
		Forward:  true,
		Ultra:    true,
	}
	started := r.sendAll(ids, opts)
	if len(started) == 0 {
		return RecordingStatus{}, ErrRecordingFailed
	}
	r.status = RecordingStatus{
		Recording: true,
		Scene:     scene,
		Timestamp: timestamp,
		Duration:  duration,
		Devices:   started,
		StartedAt: time.Now(),
	}
	return r.status, nil
}

// Stop sends a capture stop to every device and clears the scene.
func (r *Recorder) Stop() (RecordingStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.status.Recording {
		logger.Warn("Not currently recording")
		return RecordingStatus{}, ErrNotRecording
	}
	logger.InfoF("Stopping recording for scene: %s", r.status.Scene)

	stopped := r.sendAll(r.devices.IDs(), CaptureOptions{Action: "stop"})
	if len(stopped) == 0 {
		return r.status, ErrRecordingFailed
	}
	previous := r.status
	r.status = RecordingStatus{}
	logger.InfoF("Recording stopped for scene: %s", previous.Scene)
	return previous, nil
}

func (r *Recorder) Status() RecordingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Recorder) sendAll(ids []string, opts CaptureOptions) []string {
	accepted := make([]string, 0, len(ids))
	for _, id := range ids {
		report, err := r.audio.Capture(id, opts)
		if err == nil && len(report.Delivered) == 0 {
			err = report.Failed[id]
		}
		if err != nil {
			logger.ErrorF("[%s] Failed to send capture %s: %v", id, opts.Action, err)
			continue
		}
		accepted = append(accepted, id)
	}
	return accepted
}
