// Package device 管理已注册的采集设备, 设备能力分组以及设备上传的文件
package device

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-audio-center/internal/connection"
	"github.com/life-stream-dev/life-stream-audio-center/internal/database"
	"github.com/life-stream-dev/life-stream-audio-center/internal/logger"
	"github.com/life-stream-dev/life-stream-audio-center/internal/packet"
	"github.com/life-stream-dev/life-stream-audio-center/internal/utils"
)

const (
	GroupDevices  = "devices"
	GroupCapture  = "capture"
	GroupPlayback = "playback"

	CapabilityCapture  = "capture"
	CapabilityPlayback = "playback"
	CapabilityAll      = "all"

	UnknownName = "Unknown"

	directoryTimeout = 3 * time.Second
)

var (
	ErrUnknownDevice     = errors.New("unknown device")
	ErrInvalidCapability = errors.New("invalid capability")
	ErrInvalidSwitch     = errors.New("switch must be on or off")
	ErrInvalidExperiment = errors.New("invalid experiment key")
	ErrSessionGone       = errors.New("session is no longer active")
	ErrDeviceConnected   = errors.New("device is connected")
)

type Device struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	RemoteAddr   string         `json:"remote_addr"`
	LocalAddr    string         `json:"local_addr"`
	Transport    string         `json:"transport"`
	Extra        map[string]any `json:"extra,omitempty"`
	Capture      bool           `json:"capture"`
	Playback     bool           `json:"playback"`
	RegisteredAt time.Time      `json:"registered_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (d *Device) String() string {
	return fmt.Sprintf("%s(%s) %s capture=%v playback=%v", d.ID, d.Name, d.RemoteAddr, d.Capture, d.Playback)
}

// NameFromInfo builds "Brand/Model" from a register payload.
func NameFromInfo(info map[string]any) string {
	brand := packet.GetString(info, "Brand", UnknownName)
	model := packet.GetString(info, "Model", UnknownName)
	return brand + "/" + model
}

type Manager struct {
	registry  *connection.Registry
	directory database.Directory
	uploads   *UploadManager

	mu         sync.RWMutex
	devices    map[string]*Device
	experiment string
}

func NewManager(registry *connection.Registry, directory database.Directory, uploads *UploadManager) *Manager {
	if directory == nil {
		directory = database.NewMemoryDirectory()
	}
	return &Manager{
		registry:  registry,
		directory: directory,
		uploads:   uploads,
		devices:   make(map[string]*Device),
	}
}

func (m *Manager) Uploads() *UploadManager {
	return m.uploads
}

func (m *Manager) Directory() database.Directory {
	return m.directory
}

// Register creates the device for conn or refreshes its info. New devices
// start with capture on and playback off.
func (m *Manager) Register(ctx context.Context, conn *connection.Connection, info map[string]any) (*Device, bool, error) {
	id := conn.ID()
	name := NameFromInfo(info)
	now := time.Now()

	record := m.lookup(ctx, id)

	m.mu.Lock()
	dev, exists := m.devices[id]
	if !exists {
		dev = &Device{
			ID:           id,
			RemoteAddr:   conn.RemoteAddr(),
			LocalAddr:    conn.LocalAddr(),
			Transport:    conn.Kind(),
			Capture:      true,
			RegisteredAt: now,
		}
		// 按地址分配 id 时, 重连的设备沿用上次的功能开关
		if record != nil {
			dev.Capture = record.Capture
			dev.Playback = record.Playback
			if name == UnknownName+"/"+UnknownName && record.Name != "" {
				name = record.Name
			}
		}
		m.devices[id] = dev
	}
	dev.Name = name
	dev.Extra = maps.Clone(info)
	dev.UpdatedAt = now
	snapshot := *dev
	m.mu.Unlock()

	// the disconnect hook may have run before the insert
	if !conn.Session().IsActive() {
		if !exists {
			m.Unregister(id)
		}
		return nil, false, fmt.Errorf("%w: %s is %s", ErrSessionGone, id, conn.Session().State())
	}

	if !exists {
		groups := []string{GroupDevices}
		if snapshot.Capture {
			groups = append(groups, GroupCapture)
		}
		if snapshot.Playback {
			groups = append(groups, GroupPlayback)
		}
		for _, group := range groups {
			if err := m.registry.JoinGroup(id, group); err != nil {
				m.Unregister(id)
				return nil, false, fmt.Errorf("join %s: %w", group, err)
			}
		}
		logger.InfoF("[%s] Device registered: %s", id, name)
	} else {
		logger.InfoF("[%s] Device updated: %s", id, name)
	}
	if m.uploads != nil {
		m.uploads.SetDeviceName(id, name)
	}
	m.save(ctx, &snapshot)
	return &snapshot, !exists, nil
}

// lookup reads the stored record for id, nil when there is none.
func (m *Manager) lookup(ctx context.Context, id string) *database.DeviceRecord {
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	record, err := m.directory.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, database.ErrRecordNotFound) {
			logger.WarnF("[%s] Fail to read device record, details: %v", id, err)
		}
		return nil
	}
	return record
}

func (m *Manager) save(ctx context.Context, dev *Device) {
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	record := &database.DeviceRecord{
		ID:         dev.ID,
		Name:       dev.Name,
		Capture:    dev.Capture,
		Playback:   dev.Playback,
		RemoteAddr: dev.RemoteAddr,
		UpdatedAt:  dev.UpdatedAt,
	}
	if err := m.directory.Save(ctx, record); err != nil {
		logger.WarnF("[%s] Fail to save device record, details: %v", dev.ID, err)
	}
}

// Unregister forgets the device and releases its upload. The registry
// already removed it from its groups.
func (m *Manager) Unregister(id string) bool {
	m.mu.Lock()
	dev, ok := m.devices[id]
	delete(m.devices, id)
	m.mu.Unlock()
	if m.uploads != nil {
		m.uploads.Remove(id)
		m.uploads.ForgetDevice(id)
	}
	if ok {
		logger.InfoF("[%s] Device unregistered: %s", id, dev.Name)
	}
	return ok
}

func (m *Manager) Get(id string) (Device, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.devices[id]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.devices[id]
	return ok
}

// List returns all devices ordered by id.
func (m *Manager) List() []Device {
	m.mu.RLock()
	devices := make([]Device, 0, len(m.devices))
	for _, dev := range m.devices {
		devices = append(devices, *dev)
	}
	m.mu.RUnlock()
	slices.SortFunc(devices, func(a, b Device) int {
		return strings.Compare(a.ID, b.ID)
	})
	return devices
}

func (m *Manager) IDs() []string {
	devices := m.List()
	ids := make([]string, len(devices))
	for i, dev := range devices {
		ids[i] = dev.ID
	}
	return ids
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// UpdateFunction switches a capability on or off. capability is one of
// capture, playback or all; action is on or off.
func (m *Manager) UpdateFunction(ctx context.Context, id, capability, action string) error {
	var on bool
	switch strings.ToLower(action) {
	case "on":
		on = true
	case "off":
		on = false
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSwitch, action)
	}
	var groups []string
	switch strings.ToLower(capability) {
	case CapabilityCapture:
		groups = []string{GroupCapture}
	case CapabilityPlayback:
		groups = []string{GroupPlayback}
	case CapabilityAll:
		groups = []string{GroupCapture, GroupPlayback}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidCapability, capability)
	}

	m.mu.Lock()
	dev, ok := m.devices[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	for _, group := range groups {
		if group == GroupCapture {
			dev.Capture = on
		} else {
			dev.Playback = on
		}
	}
	dev.UpdatedAt = time.Now()
	snapshot := *dev
	m.mu.Unlock()

	for _, group := range groups {
		var err error
		if on {
			err = m.registry.JoinGroup(id, group)
		} else {
			err = m.registry.LeaveGroup(id, group)
		}
		if err != nil {
			return err
		}
	}
	logger.InfoF("[%s] Device function %s switched %s", id, capability, action)
	m.save(ctx, &snapshot)
	return nil
}

// CaptureIDs returns the sessions whose capture function is on.
func (m *Manager) CaptureIDs() []string {
	return m.registry.Members(GroupCapture)
}

func (m *Manager) PlaybackIDs() []string {
	return m.registry.Members(GroupPlayback)
}

// NameOf resolves a display name, falling back to the directory for devices
// that are not registered.
func (m *Manager) NameOf(ctx context.Context, id string) string {
	if dev, ok := m.Get(id); ok {
		return dev.Name
	}
	if record := m.lookup(ctx, id); record != nil {
		return record.Name
	}
	return id
}

// Known lists every device the directory remembers, ordered by id.
func (m *Manager) Known(ctx context.Context) ([]database.DeviceRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	records, err := m.directory.List(ctx)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(records, func(a, b database.DeviceRecord) int {
		return strings.Compare(a.ID, b.ID)
	})
	return records, nil
}

// Forget drops the stored record of a device that is not connected.
func (m *Manager) Forget(ctx context.Context, id string) error {
	if m.Has(id) {
		return fmt.Errorf("%w: %s", ErrDeviceConnected, id)
	}
	ctx, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()
	if err := m.directory.Delete(ctx, id); err != nil {
		return err
	}
	logger.InfoF("[%s] Device record removed", id)
	return nil
}

// SetExperiment sets the key uploads are filed under.
func (m *Manager) SetExperiment(key string) error {
	if !utils.ValidFilename(key) {
		return fmt.Errorf("%w: %q", ErrInvalidExperiment, key)
	}
	m.mu.Lock()
	m.experiment = key
	m.mu.Unlock()
	logger.InfoF("Experiment created: %s", key)
	return nil
}

// ClearExperiment closes the current experiment and returns its key.
func (m *Manager) ClearExperiment() string {
	m.mu.Lock()
	key := m.experiment
	m.experiment = ""
	m.mu.Unlock()
	if key != "" {
		logger.InfoF("Experiment closed: %s", key)
	}
	return key
}

func (m *Manager) Experiment() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.experiment
}

// StartUpload opens an upload task for a registered device under the
// current experiment.
func (m *Manager) StartUpload(id, filename string, chunks, length int64) (*UploadTask, error) {
	if !m.Has(id) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return m.uploads.AddTask(id, m.Experiment(), filename, chunks, length)
}
