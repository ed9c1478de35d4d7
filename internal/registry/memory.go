package registry

import (
	"context"
	gosync "sync"
	"time"

	"github.com/potagerlabs/trellis/backend/internal/sync"
)

// MemoryRegistry keeps attached devices in process memory. Suitable for a
// single server instance; multi-instance deployments use RedisRegistry so
// fan-out targets are shared.
type MemoryRegistry struct {
	mu      gosync.RWMutex
	devices map[sync.UserID]map[sync.DeviceID]Device
	clock   func() time.Time
}

// NewMemoryRegistry constructs an empty in-process registry.
func NewMemoryRegistry(clock func() time.Time) *MemoryRegistry {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryRegistry{
		devices: make(map[sync.UserID]map[sync.DeviceID]Device),
		clock:   clock,
	}
}

// Register upserts the device and refreshes its last-seen time.
func (r *MemoryRegistry) Register(_ context.Context, device Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device.LastSeenAt = r.clock().UTC()
	userDevices, ok := r.devices[device.UserID]
	if !ok {
		userDevices = make(map[sync.DeviceID]Device)
		r.devices[device.UserID] = userDevices
	}
	userDevices[device.ID] = device
	return nil
}

// Heartbeat refreshes the last-seen time of an attached device.
func (r *MemoryRegistry) Heartbeat(_ context.Context, userID sync.UserID, deviceID sync.DeviceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	userDevices := r.devices[userID]
	device, ok := userDevices[deviceID]
	if !ok {
		return ErrDeviceNotFound
	}
	device.LastSeenAt = r.clock().UTC()
	userDevices[deviceID] = device
	return nil
}

// Unregister removes the device immediately.
func (r *MemoryRegistry) Unregister(_ context.Context, userID sync.UserID, deviceID sync.DeviceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	userDevices := r.devices[userID]
	if _, ok := userDevices[deviceID]; !ok {
		return ErrDeviceNotFound
	}
	delete(userDevices, deviceID)
	if len(userDevices) == 0 {
		delete(r.devices, userID)
	}
	return nil
}

// ListOnline returns devices within the liveness window.
func (r *MemoryRegistry) ListOnline(ctx context.Context, userID sync.UserID) ([]Device, error) {
	now := r.clock().UTC()
	all, err := r.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	online := make([]Device, 0, len(all))
	for _, device := range all {
		if device.Online(now) {
			online = append(online, device)
		}
	}
	return online, nil
}

// List returns every attached device, expiring entries past the hard TTL.
func (r *MemoryRegistry) List(_ context.Context, userID sync.UserID) ([]Device, error) {
	now := r.clock().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	userDevices := r.devices[userID]
	devices := make([]Device, 0, len(userDevices))
	for deviceID, device := range userDevices {
		if now.Sub(device.LastSeenAt) > HardExpiry {
			delete(userDevices, deviceID)
			continue
		}
		devices = append(devices, device)
	}
	if len(userDevices) == 0 {
		delete(r.devices, userID)
	}
	return devices, nil
}

// Get returns a single attached device.
func (r *MemoryRegistry) Get(_ context.Context, userID sync.UserID, deviceID sync.DeviceID) (Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	device, ok := r.devices[userID][deviceID]
	if !ok {
		return Device{}, ErrDeviceNotFound
	}
	if r.clock().UTC().Sub(device.LastSeenAt) > HardExpiry {
		return Device{}, ErrDeviceNotFound
	}
	return device, nil
}
