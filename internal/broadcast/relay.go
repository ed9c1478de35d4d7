package broadcast

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/potagerlabs/trellis/backend/internal/sync"
)

const relayChannelPrefix = "trellis:fanout:"

// RedisRelay bridges the in-process dispatcher across server instances.
// Published messages carry the origin instance id so an instance never
// re-delivers its own publications.
type RedisRelay struct {
	client     *redis.Client
	instanceID string
	dispatcher *Dispatcher
	logger     *zap.Logger
}

// NewRedisRelay constructs a relay for the given instance.
func NewRedisRelay(client *redis.Client, instanceID string, dispatcher *Dispatcher, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:     client,
		instanceID: instanceID,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

type relayEnvelope struct {
	InstanceID  string              `json:"instanceId"`
	Change      sync.ChangeDocument `json:"change"`
	PublishedAt time.Time           `json:"publishedAt"`
}

// Publish forwards a message to every other instance's dispatcher.
func (r *RedisRelay) Publish(ctx context.Context, message Message) error {
	envelope := relayEnvelope{
		InstanceID:  r.instanceID,
		Change:      sync.EncodeChange(message.Change),
		PublishedAt: message.PublishedAt,
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	channel := relayChannelPrefix + message.Change.UserID.String()
	return r.client.Publish(ctx, channel, encoded).Err()
}

// Run subscribes to the fan-out channels and republishes remote messages
// into the local dispatcher until the context is cancelled.
func (r *RedisRelay) Run(ctx context.Context) {
	subscription := r.client.PSubscribe(ctx, relayChannelPrefix+"*")
	defer subscription.Close()

	stream := subscription.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-stream:
			if !ok {
				return
			}
			r.handle(payload)
		}
	}
}

func (r *RedisRelay) handle(payload *redis.Message) {
	var envelope relayEnvelope
	if err := json.Unmarshal([]byte(payload.Payload), &envelope); err != nil {
		r.logger.Warn("relay message decode failed", zap.Error(err))
		return
	}
	if envelope.InstanceID == r.instanceID {
		return
	}
	change, err := envelope.Change.Decode()
	if err != nil {
		r.logger.Warn("relay change decode failed", zap.Error(err))
		return
	}
	r.dispatcher.Publish(Message{Change: change, PublishedAt: envelope.PublishedAt})
}
