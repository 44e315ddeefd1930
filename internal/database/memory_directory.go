package database

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

type MemoryDirectory struct {
	mu      sync.RWMutex
	records map[string]DeviceRecord
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{records: make(map[string]DeviceRecord)}
}

func (md *MemoryDirectory) Get(_ context.Context, id string) (*DeviceRecord, error) {
	if id == "" {
		return nil, ErrDeviceIDEmpty
	}
	md.mu.RLock()
	defer md.mu.RUnlock()
	record, ok := md.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
	}
	return &record, nil
}

func (md *MemoryDirectory) Save(_ context.Context, record *DeviceRecord) error {
	if record.ID == "" {
		return ErrDeviceIDEmpty
	}
	md.mu.Lock()
	md.records[record.ID] = *record
	md.mu.Unlock()
	return nil
}

func (md *MemoryDirectory) Delete(_ context.Context, id string) error {
	if id == "" {
		return ErrDeviceIDEmpty
	}
	md.mu.Lock()
	delete(md.records, id)
	md.mu.Unlock()
	return nil
}

func (md *MemoryDirectory) List(_ context.Context) ([]DeviceRecord, error) {
	md.mu.RLock()
	records := make([]DeviceRecord, 0, len(md.records))
	for _, record := range md.records {
		records = append(records, record)
	}
	md.mu.RUnlock()
	slices.SortFunc(records, func(a, b DeviceRecord) int {
		return strings.Compare(a.ID, b.ID)
	})
	return records, nil
}
