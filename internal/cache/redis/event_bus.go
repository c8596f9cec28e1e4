package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// streamMaxLen caps the per-channel history stream (XADD MAXLEN ~).
const streamMaxLen int64 = 10000

// EventBus implements domain.EventBus with Redis Pub/Sub for live delivery.
// Every published payload is also appended to "{channel}:log" so recent
// history can be replayed.
type EventBus struct {
	rdb *redis.Client
}

// NewEventBus creates an EventBus backed by c.
func NewEventBus(c *Client) *EventBus {
	return &EventBus{rdb: c.Underlying()}
}

// Publish sends payload to channel and records it in the history stream.
func (b *EventBus) Publish(ctx context.Context, channel string, payload []byte) error {
	_, err := b.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, channel, payload)
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: channel + ":log",
			MaxLen: streamMaxLen,
			Approx: true,
			Values: map[string]any{"payload": payload},
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns payloads published on channel until ctx ends, at which
// point the returned channel is closed. Glob patterns use PSUBSCRIBE.
func (b *EventBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	var pubsub *redis.PubSub
	if strings.ContainsAny(channel, "*?[") {
		pubsub = b.rdb.PSubscribe(ctx, channel)
	} else {
		pubsub = b.rdb.Subscribe(ctx, channel)
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", channel, err)
	}

	out := make(chan []byte, 128)
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
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Recent returns up to n of the latest payloads published on channel, oldest
// first.
func (b *EventBus) Recent(ctx context.Context, channel string, n int64) ([][]byte, error) {
	msgs, err := b.rdb.XRevRangeN(ctx, channel+":log", "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: recent %s: %w", channel, err)
	}
	out := make([][]byte, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		switch v := msgs[i].Values["payload"].(type) {
		case string:
			out = append(out, []byte(v))
		case []byte:
			out = append(out, v)
		}
	}
	return out, nil
}

var _ domain.EventBus = (*EventBus)(nil)
