package directory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Lister is the source a Cache reads through
type Lister interface {
	ListDevices(ctx context.Context) ([]Device, error)
}

// Cache keeps the device list in memory for ttl. Concurrent misses share one fetch.
type Cache struct {
	source Lister
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
	group  singleflight.Group

	mu        sync.RWMutex
	devices   []Device
	fetchedAt time.Time
}

// NewCache creates a device cache over source
func NewCache(source Lister, ttl time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		source: source,
		ttl:    ttl,
		logger: logger.With("component", "directory"),
		now:    time.Now,
	}
}

// List returns the cached devices, fetching when stale or when forceRefresh is set
func (c *Cache) List(ctx context.Context, forceRefresh bool) ([]Device, error) {
	if !forceRefresh {
		if devices, ok := c.fresh(); ok {
			return devices, nil
		}
	}
	return c.fetch(ctx)
}

// Find returns the device with the given UUID. An unknown UUID triggers one
// refetch in case the device was added since the last fetch.
func (c *Cache) Find(ctx context.Context, deviceUUID string) (Device, error) {
	devices, err := c.List(ctx, false)
	if err != nil {
		return Device{}, err
	}
	if device, ok := findDevice(devices, deviceUUID); ok {
		return device, nil
	}

	c.mu.RLock()
	age := c.now().Sub(c.fetchedAt)
	c.mu.RUnlock()
	if age < time.Second {
		return Device{}, ErrDeviceNotFound
	}

	devices, err = c.fetch(ctx)
	if err != nil {
		return Device{}, err
	}
	if device, ok := findDevice(devices, deviceUUID); ok {
		return device, nil
	}
	return Device{}, ErrDeviceNotFound
}

// Refresh refetches the device list; used by the cache warmer
func (c *Cache) Refresh(ctx context.Context) error {
	_, err := c.fetch(ctx)
	return err
}

func (c *Cache) fresh() ([]Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.devices == nil || c.now().Sub(c.fetchedAt) >= c.ttl {
		return nil, false
	}
	return c.devices, true
}

// fetch runs one shared directory call. The flight is detached from the
// first caller's cancellation; each caller may still stop waiting.
func (c *Cache) fetch(ctx context.Context) ([]Device, error) {
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("devices", func() (interface{}, error) {
		devices, err := c.source.ListDevices(flightCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.devices = devices
		c.fetchedAt = c.now()
		c.mu.Unlock()

		c.logger.Debug("Device list refreshed",
			"count", len(devices),
		)
		return devices, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]Device), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func findDevice(devices []Device, deviceUUID string) (Device, bool) {
	for _, device := range devices {
		if device.DeviceUUID == deviceUUID {
			return device, true
		}
	}
	return Device{}, false
}
