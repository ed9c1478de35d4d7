package broadcast

import (
	"context"
	"errors"
	gosync "sync"
	"time"

	"github.com/potagerlabs/trellis/backend/internal/sync"
)

var (
	// ErrDeviceNotAttached indicates the device holds no live subscription,
	// so the caller must fall back to the durable path.
	ErrDeviceNotAttached = errors.New("broadcast: device not attached")
	// ErrSubscriberBusy indicates the device's stream buffer is full.
	ErrSubscriberBusy = errors.New("broadcast: subscriber buffer full")
)

// Message is one change fanned out to a user's attached devices.
type Message struct {
	Change      sync.Change
	PublishedAt time.Time
}

// Dispatcher fans messages out to every subscribed device of a user. It is
// best-effort: a subscriber whose buffer is full misses the message and is
// caught up by the durable delivery path.
type Dispatcher struct {
	mu          gosync.RWMutex
	subscribers map[sync.UserID]map[sync.DeviceID]*subscriber
	bufferSize  int
}

type subscriber struct {
	deviceID sync.DeviceID
	stream   chan Message
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[sync.UserID]map[sync.DeviceID]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe attaches a device stream. The returned cleanup detaches it; the
// stream also detaches when the context is cancelled. Subscribing the same
// device twice replaces the previous stream.
func (d *Dispatcher) Subscribe(ctx context.Context, userID sync.UserID, deviceID sync.DeviceID) (<-chan Message, func()) {
	entry := &subscriber{
		deviceID: deviceID,
		stream:   make(chan Message, d.bufferSize),
	}
	d.register(userID, entry)
	cleanup := func() {
		d.unregister(userID, entry)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// Publish delivers the message to every subscribed device of the change's
// user except the originating device. A device must never receive an echo
// of its own change.
func (d *Dispatcher) Publish(message Message) {
	d.mu.RLock()
	userSubscribers := d.subscribers[message.Change.UserID]
	if len(userSubscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	targets := make([]*subscriber, 0, len(userSubscribers))
	for _, entry := range userSubscribers {
		if entry.deviceID == message.Change.OriginDeviceID {
			continue
		}
		targets = append(targets, entry)
	}
	d.mu.RUnlock()

	for _, target := range targets {
		select {
		case target.stream <- message:
		default:
		}
	}
}

// DeliverTo hands the message to exactly one attached device. Unlike
// Publish it reports failure, which is what lets the durable queue keep a
// job pending until the target device actually holds a live session.
func (d *Dispatcher) DeliverTo(userID sync.UserID, deviceID sync.DeviceID, message Message) error {
	d.mu.RLock()
	entry, attached := d.subscribers[userID][deviceID]
	d.mu.RUnlock()
	if !attached {
		return ErrDeviceNotAttached
	}
	select {
	case entry.stream <- message:
		return nil
	default:
		return ErrSubscriberBusy
	}
}

func (d *Dispatcher) register(userID sync.UserID, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	userSubscribers, ok := d.subscribers[userID]
	if !ok {
		userSubscribers = make(map[sync.DeviceID]*subscriber)
		d.subscribers[userID] = userSubscribers
	}
	userSubscribers[entry.deviceID] = entry
}

func (d *Dispatcher) unregister(userID sync.UserID, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	userSubscribers := d.subscribers[userID]
	if userSubscribers == nil {
		return
	}
	if current, ok := userSubscribers[entry.deviceID]; ok && current == entry {
		delete(userSubscribers, entry.deviceID)
	}
	if len(userSubscribers) == 0 {
		delete(d.subscribers, userID)
	}
}
