package database

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedDirectory keeps recently read records in an expiring LRU in front
// of another Directory. Writes go through and invalidate.
type CachedDirectory struct {
	backend Directory
	cache   *expirable.LRU[string, DeviceRecord]
}

func NewCachedDirectory(backend Directory, size int, ttl time.Duration) *CachedDirectory {
	if size <= 0 {
		size = 256
	}
	return &CachedDirectory{
		backend: backend,
		cache:   expirable.NewLRU[string, DeviceRecord](size, nil, ttl),
	}
}

func (cd *CachedDirectory) Get(ctx context.Context, id string) (*DeviceRecord, error) {
	if record, ok := cd.cache.Get(id); ok {
		return &record, nil
	}
	record, err := cd.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	cd.cache.Add(id, *record)
	return record, nil
}

func (cd *CachedDirectory) Save(ctx context.Context, record *DeviceRecord) error {
	cd.cache.Remove(record.ID)
	if err := cd.backend.Save(ctx, record); err != nil {
		return err
	}
	cd.cache.Add(record.ID, *record)
	return nil
}

func (cd *CachedDirectory) Delete(ctx context.Context, id string) error {
	cd.cache.Remove(id)
	return cd.backend.Delete(ctx, id)
}

func (cd *CachedDirectory) List(ctx context.Context) ([]DeviceRecord, error) {
	return cd.backend.List(ctx)
}

func (cd *CachedDirectory) Cached() int {
	return cd.cache.Len()
}
