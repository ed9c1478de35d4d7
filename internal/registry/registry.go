package registry

import (
	"context"
	"errors"
	"time"

	"github.com/potagerlabs/trellis/backend/internal/sync"
)

const (
	// HeartbeatInterval is the cadence devices are expected to report at.
	HeartbeatInterval = 30 * time.Second
	// LivenessWindow demotes a device to offline when its last heartbeat is older.
	LivenessWindow = HeartbeatInterval + HeartbeatInterval/2
	// HardExpiry removes a device entry entirely as a safety net.
	HardExpiry = 5 * HeartbeatInterval
)

var (
	// ErrDeviceNotFound indicates the device is not currently attached.
	ErrDeviceNotFound = errors.New("registry: device not found")
)

// Device represents one attached client session.
type Device struct {
	ID               sync.DeviceID
	UserID           sync.UserID
	Type             sync.DeviceType
	DisplayName      string
	LastSeenAt       time.Time
	PendingSyncCount int
}

// Online reports whether the device heartbeat falls within the liveness window.
func (device Device) Online(now time.Time) bool {
	return now.Sub(device.LastSeenAt) <= LivenessWindow
}

// Registry tracks which devices are attached for a user. It is a liveness
// cache, never the source of truth for data: a flushed registry loses no
// records, only fan-out targets until devices heartbeat again.
type Registry interface {
	// Register upserts the device and refreshes its last-seen time.
	Register(ctx context.Context, device Device) error
	// Heartbeat refreshes the last-seen time of an attached device.
	Heartbeat(ctx context.Context, userID sync.UserID, deviceID sync.DeviceID) error
	// Unregister removes the device immediately (graceful disconnect).
	Unregister(ctx context.Context, userID sync.UserID, deviceID sync.DeviceID) error
	// ListOnline returns devices within the liveness window, used as fan-out targets.
	ListOnline(ctx context.Context, userID sync.UserID) ([]Device, error)
	// List returns every attached device, including stale ones not yet expired.
	List(ctx context.Context, userID sync.UserID) ([]Device, error)
	// Get returns a single attached device.
	Get(ctx context.Context, userID sync.UserID, deviceID sync.DeviceID) (Device, error)
}
