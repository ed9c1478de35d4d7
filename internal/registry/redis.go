package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/potagerlabs/trellis/backend/internal/sync"
)

const (
	userSetKeyPrefix = "trellis:devices:"
	deviceKeyPrefix  = "trellis:device:"
)

// RedisRegistry stores attached devices in Redis so that multiple server
// instances share the same fan-out targets. Each device holds a TTL key
// refreshed on heartbeat; the hard expiry is enforced by Redis itself.
type RedisRegistry struct {
	client *redis.Client
	clock  func() time.Time
}

// NewRedisRegistry constructs a registry backed by the provided client.
func NewRedisRegistry(client *redis.Client, clock func() time.Time) *RedisRegistry {
	if clock == nil {
		clock = time.Now
	}
	return &RedisRegistry{client: client, clock: clock}
}

type deviceDocument struct {
	ID               string `json:"id"`
	UserID           string `json:"userId"`
	Type             string `json:"type"`
	DisplayName      string `json:"displayName"`
	LastSeenAtMs     int64  `json:"lastSeenAtMs"`
	PendingSyncCount int    `json:"pendingSyncCount"`
}

func userSetKey(userID sync.UserID) string {
	return userSetKeyPrefix + userID.String()
}

func deviceKey(userID sync.UserID, deviceID sync.DeviceID) string {
	return deviceKeyPrefix + userID.String() + ":" + deviceID.String()
}

// Register upserts the device document and refreshes its TTL.
func (r *RedisRegistry) Register(ctx context.Context, device Device) error {
	device.LastSeenAt = r.clock().UTC()
	document := deviceDocument{
		ID:               device.ID.String(),
		UserID:           device.UserID.String(),
		Type:             device.Type.String(),
		DisplayName:      device.DisplayName,
		LastSeenAtMs:     device.LastSeenAt.UnixMilli(),
		PendingSyncCount: device.PendingSyncCount,
	}
	encoded, err := json.Marshal(document)
	if err != nil {
		return err
	}
	pipe := r.client.Pipeline()
	pipe.SAdd(ctx, userSetKey(device.UserID), device.ID.String())
	pipe.Set(ctx, deviceKey(device.UserID, device.ID), encoded, HardExpiry)
	pipe.Expire(ctx, userSetKey(device.UserID), HardExpiry)
	_, err = pipe.Exec(ctx)
	return err
}

// Heartbeat refreshes the device document's last-seen time and TTL.
func (r *RedisRegistry) Heartbeat(ctx context.Context, userID sync.UserID, deviceID sync.DeviceID) error {
	device, err := r.Get(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	return r.Register(ctx, device)
}

// Unregister removes the device immediately.
func (r *RedisRegistry) Unregister(ctx context.Context, userID sync.UserID, deviceID sync.DeviceID) error {
	pipe := r.client.Pipeline()
	removed := pipe.SRem(ctx, userSetKey(userID), deviceID.String())
	pipe.Del(ctx, deviceKey(userID, deviceID))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if removed.Val() == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// ListOnline returns devices within the liveness window.
func (r *RedisRegistry) ListOnline(ctx context.Context, userID sync.UserID) ([]Device, error) {
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

// List returns every attached device whose TTL key still exists. Set members
// whose key expired are pruned as a side effect.
func (r *RedisRegistry) List(ctx context.Context, userID sync.UserID) ([]Device, error) {
	memberIDs, err := r.client.SMembers(ctx, userSetKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(memberIDs) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	lookups := make([]memberLookup, 0, len(memberIDs))
	for _, memberID := range memberIDs {
		deviceID, idErr := sync.NewDeviceID(memberID)
		if idErr != nil {
			continue
		}
		lookups = append(lookups, memberLookup{
			memberID: memberID,
			cmd:      pipe.Get(ctx, deviceKey(userID, deviceID)),
		})
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	devices, expired, err := collectDevices(lookups)
	if err != nil {
		return nil, err
	}
	if len(expired) > 0 {
		_ = r.client.SRem(ctx, userSetKey(userID), expired...).Err()
	}
	return devices, nil
}

// memberLookup keeps each set member id paired with its document lookup so
// pruning after a TTL miss removes the right member even when other ids
// were skipped as invalid.
type memberLookup struct {
	memberID string
	cmd      *redis.StringCmd
}

func collectDevices(lookups []memberLookup) ([]Device, []interface{}, error) {
	devices := make([]Device, 0, len(lookups))
	expired := make([]interface{}, 0)
	for _, lookup := range lookups {
		raw, err := lookup.cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			expired = append(expired, lookup.memberID)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		device, err := decodeDevice(raw)
		if err != nil {
			return nil, nil, err
		}
		devices = append(devices, device)
	}
	return devices, expired, nil
}

// Get returns a single attached device.
func (r *RedisRegistry) Get(ctx context.Context, userID sync.UserID, deviceID sync.DeviceID) (Device, error) {
	raw, err := r.client.Get(ctx, deviceKey(userID, deviceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return Device{}, err
	}
	return decodeDevice(raw)
}

func decodeDevice(raw []byte) (Device, error) {
	var document deviceDocument
	if err := json.Unmarshal(raw, &document); err != nil {
		return Device{}, err
	}
	deviceID, err := sync.NewDeviceID(document.ID)
	if err != nil {
		return Device{}, err
	}
	userID, err := sync.NewUserID(document.UserID)
	if err != nil {
		return Device{}, err
	}
	deviceType, err := sync.ParseDeviceType(document.Type)
	if err != nil {
		return Device{}, err
	}
	return Device{
		ID:               deviceID,
		UserID:           userID,
		Type:             deviceType,
		DisplayName:      document.DisplayName,
		LastSeenAt:       time.UnixMilli(document.LastSeenAtMs).UTC(),
		PendingSyncCount: document.PendingSyncCount,
	}, nil
}
