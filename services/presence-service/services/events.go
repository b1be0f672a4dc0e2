package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"chorus/presence-service/models"
	"chorus/presence-service/utils"
)

const presenceEventsChannel = "presence:events"

// EventPublisher announces presence transitions to every node.
type EventPublisher interface {
	PublishPresence(ctx context.Context, event models.PresenceEvent) error
}

// PresenceEventBus carries presence transitions between nodes over Redis pub/sub and feeds
// received events into the local dispatch table.
type PresenceEventBus struct {
	redis   *redis.Client
	channel string
	logger  *utils.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPresenceEventBus(client *redis.Client, logger *utils.Logger) *PresenceEventBus {
	return &PresenceEventBus{
		redis:   client,
		channel: presenceEventsChannel,
		logger:  logger.With("component", "presence-events"),
	}
}

func (b *PresenceEventBus) PublishPresence(ctx context.Context, event models.PresenceEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal presence event: %w", err)
	}
	if err := b.redis.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish presence event: %w", err)
	}
	return nil
}

// Start subscribes and dispatches every received event as EventPresenceChanged. It returns once
// the subscription is confirmed.
func (b *PresenceEventBus) Start(ctx context.Context, dispatcher *Dispatcher) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	pubsub := b.redis.Subscribe(b.ctx, b.channel)
	if _, err := pubsub.Receive(b.ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	b.wg.Add(1)
	go b.listen(pubsub, dispatcher)

	b.logger.Info("Listening for presence events", "channel", b.channel)
	return nil
}

func (b *PresenceEventBus) listen(pubsub *redis.PubSub, dispatcher *Dispatcher) {
	defer b.wg.Done()
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event models.PresenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil || event.UserID == "" {
				b.logger.Warn("Dropping malformed presence event", "error", err)
				continue
			}
			dispatcher.Dispatch(b.ctx, Event{
				Kind:     EventPresenceChanged,
				UserID:   event.UserID,
				Presence: &event,
			})
		}
	}
}

// Stop ends the listener and waits for it to exit.
func (b *PresenceEventBus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}
