package fabric

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/loomflow/loomflow/common/models"
	redisWrapper "github.com/loomflow/loomflow/common/redis"
)

const eventChannelPrefix = "events:execution:"

// envelope wraps a published event with its origin instance so each
// bridge can skip its own messages coming back over pub/sub.
type envelope struct {
	Origin string                `json:"origin"`
	Event  models.ExecutionEvent `json:"event"`
}

// RedisBridge fans events out across instances: local events are
// published to Redis, and events published by other instances are fed
// into the local fabric. Implements the engine's EventPublisher.
type RedisBridge struct {
	redis    *redisWrapper.Client
	fabric   *Fabric
	instance string
	log      Logger
}

// NewRedisBridge creates a bridge over the shared Redis client
func NewRedisBridge(redis *redisWrapper.Client, f *Fabric, log Logger) *RedisBridge {
	return &RedisBridge{
		redis:    redis,
		fabric:   f,
		instance: uuid.NewString(),
		log:      log,
	}
}

// Publish delivers the event locally and broadcasts it to peers.
func (b *RedisBridge) Publish(event models.ExecutionEvent) {
	b.fabric.Publish(event)

	payload, err := json.Marshal(envelope{Origin: b.instance, Event: event})
	if err != nil {
		b.log.Error("failed to marshal event envelope", "error", err)
		return
	}
	channel := eventChannelPrefix + event.ExecutionID
	if err := b.redis.PublishEvent(context.Background(), channel, string(payload)); err != nil {
		b.log.Warn("failed to broadcast event", "channel", channel, "error", err)
	}
}

// Run consumes peer events until ctx ends. Blocks; run in a goroutine.
func (b *RedisBridge) Run(ctx context.Context) {
	pubsub := b.redis.Subscribe(ctx, eventChannelPrefix+"*")
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !strings.HasPrefix(msg.Channel, eventChannelPrefix) {
				continue
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn("invalid event envelope", "channel", msg.Channel, "error", err)
				continue
			}
			if env.Origin == b.instance {
				continue
			}
			b.fabric.Publish(env.Event)
		}
	}
}
