package database

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDeviceIDEmpty  = errors.New("device_id is empty")
	ErrRecordNotFound = errors.New("device record not found")
)

// DeviceRecord is the persisted part of a device: its id, display name and
// capabilities.
type DeviceRecord struct {
	ID         string    `bson:"device_id" json:"id"`
	Name       string    `bson:"name" json:"name"`
	Capture    bool      `bson:"capture" json:"capture"`
	Playback   bool      `bson:"playback" json:"playback"`
	RemoteAddr string    `bson:"remote_addr" json:"remote_addr"`
	UpdatedAt  time.Time `bson:"updated_at" json:"updated_at"`
}

// Directory stores device records.
type Directory interface {
	Get(ctx context.Context, id string) (*DeviceRecord, error)
	Save(ctx context.Context, record *DeviceRecord) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]DeviceRecord, error)
}
