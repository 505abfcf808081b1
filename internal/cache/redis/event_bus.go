package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/option-broker/internal/model"
)

const (
	// DefaultEventChannel is the Pub/Sub channel committed events go to.
	DefaultEventChannel = "broker:events"

	// streamMaxLen caps the durable event stream via XADD MAXLEN ~.
	streamMaxLen int64 = 10000
)

// EventBus publishes committed broker events to a Pub/Sub channel for live
// consumers and appends them to a trimmed stream for late readers.
type EventBus struct {
	rdb     *redis.Client
	channel string
	stream  string
}

// NewEventBus creates a bus on channel. The stream is channel + ":stream".
func NewEventBus(c *Client, channel string) *EventBus {
	if channel == "" {
		channel = DefaultEventChannel
	}
	return &EventBus{rdb: c.Underlying(), channel: channel, stream: streamName(channel)}
}

func streamName(channel string) string {
	return channel + ":stream"
}

// Publish implements events.Sink.
func (b *EventBus) Publish(ctx context.Context, e model.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("redis: encode event %d: %w", e.Seq, err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.Publish(ctx, b.channel, payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":     e.Seq,
			"kind":    string(e.Kind),
			"payload": payload,
		},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish event %d: %w", e.Seq, err)
	}
	return nil
}

// Subscribe decodes events from the channel until ctx is cancelled. The
// returned channel is closed when the subscription ends. Undecodable
// payloads are skipped.
func (b *EventBus) Subscribe(ctx context.Context) (<-chan model.Event, error) {
	pubsub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", b.channel, err)
	}

	out := make(chan model.Event, 128)
	go func() {
		defer close(out)
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
				var e model.Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
