package broadcast

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/potagerlabs/trellis/backend/internal/registry"
	"github.com/potagerlabs/trellis/backend/internal/sync"
	"github.com/potagerlabs/trellis/backend/internal/telemetry"
)

var (
	errMissingDispatcher        = errors.New("dispatcher is required")
	errMissingQueue             = errors.New("delivery queue is required")
	errMissingDeviceRegistry    = errors.New("device registry is required")
	errFanOutTargetsUnavailable = errors.New("fan-out targets unavailable")
)

// BroadcasterConfig describes the delivery paths available to the broadcaster.
// Relay and Exporter are optional; Dispatcher, Queue, and Registry are not.
type BroadcasterConfig struct {
	Dispatcher *Dispatcher
	Queue      *DeliveryQueue
	Registry   registry.Registry
	Relay      *RedisRelay
	Exporter   *ChangeExporter
	Tracker    *telemetry.Tracker
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Broadcaster publishes an accepted change on two paths: an immediate
// best-effort fan-out to the user's online devices and a durable retried
// delivery job per known device. Consumers de-duplicate by change id since
// both paths may deliver. The registry picks the targets for both paths:
// only devices within the liveness window get the realtime push, while
// every registered device, stale or not, gets a durable job.
type Broadcaster struct {
	dispatcher *Dispatcher
	queue      *DeliveryQueue
	registry   registry.Registry
	relay      *RedisRelay
	exporter   *ChangeExporter
	tracker    *telemetry.Tracker
	clock      func() time.Time
	logger     *zap.Logger
}

// NewBroadcaster validates the configuration and constructs a Broadcaster.
func NewBroadcaster(cfg BroadcasterConfig) (*Broadcaster, error) {
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Registry == nil {
		return nil, errMissingDeviceRegistry
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		dispatcher: cfg.Dispatcher,
		queue:      cfg.Queue,
		registry:   cfg.Registry,
		relay:      cfg.Relay,
		exporter:   cfg.Exporter,
		tracker:    cfg.Tracker,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Broadcast fans the change out and durably enqueues its delivery. The
// returned error reflects only the durable path: a transient fan-out or
// export failure is logged and recovered without user visibility.
func (b *Broadcaster) Broadcast(ctx context.Context, change sync.Change) error {
	message := Message{Change: change, PublishedAt: b.clock().UTC()}

	known, err := b.registry.List(ctx, change.UserID)
	if err != nil {
		// Without the device roster there is no way to enqueue the
		// guaranteed deliveries, so this fails the whole broadcast.
		b.logger.Error("device roster lookup failed",
			zap.String("change_id", change.ID.String()),
			zap.Error(err))
		return errFanOutTargetsUnavailable
	}
	targets := make([]sync.DeviceID, 0, len(known))
	for _, device := range known {
		if device.ID == change.OriginDeviceID {
			continue
		}
		targets = append(targets, device.ID)
	}

	b.publishOnline(ctx, message)
	if b.relay != nil {
		if err := b.relay.Publish(ctx, message); err != nil {
			b.logger.Warn("relay publish failed",
				zap.String("change_id", change.ID.String()),
				zap.Error(err))
		}
	}

	if b.tracker != nil {
		b.tracker.RecordSync(change.UserID.String(), telemetry.Activity{
			ChangeID:  change.ID.String(),
			Device:    change.OriginDeviceID.String(),
			Operation: string(change.Operation),
			Entity:    change.Entity.String(),
			Actor:     change.UserID.String(),
			Timestamp: change.Timestamp.Time(),
			Status:    telemetry.StatusPending,
		})
	}

	if b.exporter != nil {
		if err := b.exporter.Export(change); err != nil {
			b.logger.Warn("change export failed",
				zap.String("change_id", change.ID.String()),
				zap.Error(err))
		}
	}

	if err := b.queue.Enqueue(ctx, change, targets); err != nil {
		b.logger.Error("durable enqueue failed",
			zap.String("change_id", change.ID.String()),
			zap.Error(err))
		return err
	}
	if len(targets) == 0 && b.tracker != nil {
		// The origin device is the only one known, so the change is
		// already settled everywhere it can reach.
		b.tracker.MarkSynced(change.UserID.String(), change.ID.String(),
			b.clock().UTC().Sub(change.Timestamp.Time()))
	}
	return nil
}

// publishOnline pushes the message to the user's devices that are within
// the liveness window. A device whose heartbeats stopped keeps its durable
// jobs but is skipped here until it reports in again.
func (b *Broadcaster) publishOnline(ctx context.Context, message Message) {
	online, err := b.registry.ListOnline(ctx, message.Change.UserID)
	if err != nil {
		b.logger.Warn("online device lookup failed",
			zap.String("change_id", message.Change.ID.String()),
			zap.Error(err))
		return
	}
	for _, device := range online {
		if device.ID == message.Change.OriginDeviceID {
			continue
		}
		if err := b.dispatcher.DeliverTo(message.Change.UserID, device.ID, message); err != nil {
			// Best-effort path: the durable job catches the device up.
			continue
		}
	}
}
