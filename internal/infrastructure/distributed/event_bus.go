package distributed

import (
	"context"
	"fmt"
	"strings"

	"streamcore/internal/core/domain"
	"streamcore/internal/core/ports"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// envelope is what travels between instances. Seq is not carried: every
// instance numbers events as it delivers them to its own subscribers.
type envelope struct {
	InstanceID string        `json:"instance_id"`
	Event      *domain.Event `json:"event"`
}

// LocalBus is the in-process side of the bridge.
type LocalBus interface {
	ports.EventBus
}

// EventBus publishes locally and mirrors every event to one Redis channel
// per stream, so viewers connected to other instances receive it too.
type EventBus struct {
	local      LocalBus
	client     redis.UniversalClient
	instanceID string
	prefix     string
	logger     *zap.SugaredLogger
}

func NewEventBus(
	local LocalBus,
	client redis.UniversalClient,
	instanceID string,
	channelPrefix string,
	logger *zap.SugaredLogger,
) *EventBus {
	return &EventBus{
		local:      local,
		client:     client,
		instanceID: instanceID,
		prefix:     channelPrefix,
		logger:     logger,
	}
}

func (eb *EventBus) channel(streamID domain.StreamID) string {
	return eb.prefix + string(streamID)
}

// Publish delivers locally first; a Redis failure only affects remote viewers
// and is returned for the caller to log.
func (eb *EventBus) Publish(ctx context.Context, event *domain.Event) error {
	if err := eb.local.Publish(ctx, event); err != nil {
		return err
	}

	data, err := json.Marshal(envelope{InstanceID: eb.instanceID, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel(event.StreamID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

func (eb *EventBus) Subscribe(streamID domain.StreamID) (ports.Subscription, error) {
	return eb.local.Subscribe(streamID)
}

// Run relays events from other instances into the local bus until ctx is
// cancelled.
func (eb *EventBus) Run(ctx context.Context) error {
	pubsub := eb.client.PSubscribe(ctx, eb.prefix+"*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s*: %w", eb.prefix, err)
	}
	eb.logger.Infow("event bridge subscribed",
		"pattern", eb.prefix+"*",
		"instance_id", eb.instanceID,
	)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.relay(ctx, msg)
		}
	}
}

func (eb *EventBus) relay(ctx context.Context, msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Event == nil {
		eb.logger.Warnw("failed to unmarshal event",
			"channel", msg.Channel,
			"error", err,
		)
		return
	}

	// Skip events from this instance
	if env.InstanceID == eb.instanceID {
		return
	}

	streamID := domain.StreamID(strings.TrimPrefix(msg.Channel, eb.prefix))
	if env.Event.StreamID != streamID {
		eb.logger.Warnw("event stream does not match channel",
			"channel", msg.Channel,
			"stream_id", env.Event.StreamID,
		)
		return
	}

	if err := eb.local.Publish(ctx, env.Event); err != nil {
		eb.logger.Warnw("error relaying event",
			"type", env.Event.Kind,
			"stream_id", streamID,
			"error", err,
		)
	}
}
