package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"crm-realtime/internal/models"
)

// Deliverer hands an event to the connections of this process.
type Deliverer interface {
	Deliver(evt models.Event)
}

// Broadcaster publishes room events on Redis pub/sub so every instance can
// deliver them to its own connections.
type Broadcaster struct {
	client *redis.Client
	local  Deliverer
	logger zerolog.Logger
}

// NewBroadcaster constructs a Broadcaster delivering received events to local.
func NewBroadcaster(client *redis.Client, local Deliverer, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{client: client, local: local, logger: logger.With().Str("component", "redis_broadcaster").Logger()}
}

// Publish sends evt to the room's channel. It is delivered locally once it
// comes back through Run.
func (b *Broadcaster) Publish(ctx context.Context, evt models.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return transient("publish", b.client.Publish(ctx, eventsChannel(evt.ConversationID), payload).Err())
}

// Run subscribes to every room channel and delivers events until ctx is
// done. ready is closed once the subscription is active.
func (b *Broadcaster) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := b.client.PSubscribe(ctx, eventsPattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe %s: %w", eventsPattern, err)
	}
	if ready != nil {
		close(ready)
	}
	b.logger.Info().Str("pattern", eventsPattern).Msg("subscribed to room events")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var evt models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				b.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed event")
				continue
			}
			b.local.Deliver(evt)
		}
	}
}
