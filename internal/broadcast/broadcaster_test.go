package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/potagerlabs/trellis/backend/internal/registry"
	"github.com/potagerlabs/trellis/backend/internal/sync"
	"github.com/potagerlabs/trellis/backend/internal/telemetry"
)

func registerDevice(t *testing.T, devices registry.Registry, userID sync.UserID, deviceID sync.DeviceID) {
	t.Helper()
	err := devices.Register(context.Background(), registry.Device{
		ID:     deviceID,
		UserID: userID,
		Type:   "desktop",
	})
	if err != nil {
		t.Fatalf("failed to register %s: %v", deviceID, err)
	}
}

func TestBroadcastPublishesAndEnqueues(t *testing.T) {
	db := newQueueDB(t)
	now := time.UnixMilli(1700000001000).UTC()
	clock := func() time.Time { return now }
	tracker := telemetry.NewTracker(clock)
	dispatcher := NewDispatcher()
	queue := newQueue(t, db, func(context.Context, sync.DeviceID, sync.Change) error { return nil }, clock, tracker)
	devices := registry.NewMemoryRegistry(clock)
	registerDevice(t, devices, "user-1", "device-1")
	registerDevice(t, devices, "user-1", "laptop")

	broadcaster, err := NewBroadcaster(BroadcasterConfig{
		Dispatcher: dispatcher,
		Queue:      queue,
		Registry:   devices,
		Tracker:    tracker,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to construct broadcaster: %v", err)
	}

	laptop, cancel := dispatcher.Subscribe(context.Background(), "user-1", "laptop")
	defer cancel()

	change := queueChange(t, "change-1", 1700000000000)
	if err := broadcaster.Broadcast(context.Background(), change); err != nil {
		t.Fatalf("unexpected broadcast error: %v", err)
	}

	message := expectMessage(t, laptop)
	if message.Change.ID != "change-1" {
		t.Fatalf("expected change-1 on the realtime path, got %s", message.Change.ID)
	}
	if !message.PublishedAt.Equal(now) {
		t.Fatalf("expected publish timestamp %s, got %s", now, message.PublishedAt)
	}

	// The origin device never gets a durable job, only the laptop does.
	pending, err := queue.PendingCountForDevice(context.Background(), "user-1", "laptop")
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected 1 durable job for the laptop, got %d", pending)
	}
	originPending, err := queue.PendingCountForDevice(context.Background(), "user-1", "device-1")
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if originPending != 0 {
		t.Fatalf("origin device must not receive its own change, got %d jobs", originPending)
	}

	stats := tracker.Snapshot("user-1")
	if stats.SyncsToday != 1 {
		t.Fatalf("expected 1 sync recorded, got %d", stats.SyncsToday)
	}
	if stats.Recent[0].Status != telemetry.StatusPending {
		t.Fatalf("expected pending activity, got %s", stats.Recent[0].Status)
	}
}

func TestBroadcastSkipsStaleDevicesOnRealtimePath(t *testing.T) {
	db := newQueueDB(t)
	current := time.UnixMilli(1700000000000).UTC()
	clock := func() time.Time { return current }
	dispatcher := NewDispatcher()
	queue := newQueue(t, db, func(context.Context, sync.DeviceID, sync.Change) error { return nil }, clock, nil)
	devices := registry.NewMemoryRegistry(clock)
	registerDevice(t, devices, "user-1", "device-stale")
	registerDevice(t, devices, "user-1", "device-fresh")

	// Past the liveness window but well short of the hard expiry: the stale
	// device is offline for fan-out yet still a durable delivery target.
	current = current.Add(registry.LivenessWindow + time.Second)
	if err := devices.Heartbeat(context.Background(), "user-1", "device-fresh"); err != nil {
		t.Fatalf("unexpected heartbeat error: %v", err)
	}

	broadcaster, err := NewBroadcaster(BroadcasterConfig{
		Dispatcher: dispatcher,
		Queue:      queue,
		Registry:   devices,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to construct broadcaster: %v", err)
	}

	stale, cancelStale := dispatcher.Subscribe(context.Background(), "user-1", "device-stale")
	defer cancelStale()
	fresh, cancelFresh := dispatcher.Subscribe(context.Background(), "user-1", "device-fresh")
	defer cancelFresh()

	if err := broadcaster.Broadcast(context.Background(), queueChange(t, "change-1", 1700000000000)); err != nil {
		t.Fatalf("unexpected broadcast error: %v", err)
	}

	expectMessage(t, fresh)
	expectNoMessage(t, stale)

	for _, deviceID := range []sync.DeviceID{"device-stale", "device-fresh"} {
		pending, err := queue.PendingCountForDevice(context.Background(), "user-1", deviceID)
		if err != nil {
			t.Fatalf("unexpected count error: %v", err)
		}
		if pending != 1 {
			t.Fatalf("expected a durable job for %s, got %d", deviceID, pending)
		}
	}
}

func TestBroadcastSettlesImmediatelyWithoutOtherDevices(t *testing.T) {
	db := newQueueDB(t)
	now := time.UnixMilli(1700000001000).UTC()
	clock := func() time.Time { return now }
	tracker := telemetry.NewTracker(clock)
	devices := registry.NewMemoryRegistry(clock)
	registerDevice(t, devices, "user-1", "device-1")

	queue := newQueue(t, db, func(context.Context, sync.DeviceID, sync.Change) error { return nil }, clock, tracker)
	broadcaster, err := NewBroadcaster(BroadcasterConfig{
		Dispatcher: NewDispatcher(),
		Queue:      queue,
		Registry:   devices,
		Tracker:    tracker,
		Clock:      clock,
	})
	if err != nil {
		t.Fatalf("failed to construct broadcaster: %v", err)
	}

	if err := broadcaster.Broadcast(context.Background(), queueChange(t, "change-1", 1700000000000)); err != nil {
		t.Fatalf("unexpected broadcast error: %v", err)
	}

	pending, err := queue.PendingCount(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if pending != 0 {
		t.Fatalf("a change with no other devices needs no jobs, got %d", pending)
	}
	if status := tracker.Snapshot("user-1").Recent[0].Status; status != telemetry.StatusSynced {
		t.Fatalf("expected the change settled immediately, got %s", status)
	}
}

type brokenRegistry struct {
	registry.Registry
}

func (brokenRegistry) List(context.Context, sync.UserID) ([]registry.Device, error) {
	return nil, errors.New("roster store down")
}

func TestBroadcastFailsWithoutDeviceRoster(t *testing.T) {
	queue := newQueue(t, newQueueDB(t), func(context.Context, sync.DeviceID, sync.Change) error { return nil }, nil, nil)
	broadcaster, err := NewBroadcaster(BroadcasterConfig{
		Dispatcher: NewDispatcher(),
		Queue:      queue,
		Registry:   brokenRegistry{},
	})
	if err != nil {
		t.Fatalf("failed to construct broadcaster: %v", err)
	}

	err = broadcaster.Broadcast(context.Background(), queueChange(t, "change-1", 1700000000000))
	if !errors.Is(err, errFanOutTargetsUnavailable) {
		t.Fatalf("expected fan-out targets error, got %v", err)
	}
}

func TestBroadcastRequiresItsDeliveryPaths(t *testing.T) {
	devices := registry.NewMemoryRegistry(nil)
	if _, err := NewBroadcaster(BroadcasterConfig{Queue: &DeliveryQueue{}, Registry: devices}); err == nil {
		t.Fatalf("expected missing dispatcher error")
	}
	if _, err := NewBroadcaster(BroadcasterConfig{Dispatcher: NewDispatcher(), Registry: devices}); err == nil {
		t.Fatalf("expected missing queue error")
	}
	if _, err := NewBroadcaster(BroadcasterConfig{Dispatcher: NewDispatcher(), Queue: &DeliveryQueue{}}); err == nil {
		t.Fatalf("expected missing registry error")
	}
}
