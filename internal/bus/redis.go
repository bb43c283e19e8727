package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// RedisBus fans deliveries out to every instance subscribed to the same
// Redis channel, including the publisher.
type RedisBus struct {
	client  *redis.Client
	channel string
	log     *log.Logger
}

func NewRedisBus(ctx context.Context, logger *log.Logger, addr, channel string) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}

	return &RedisBus{
		client:  client,
		channel: channel,
		log:     logger,
	}, nil
}

func (b *RedisBus) Publish(ctx context.Context, d *Delivery) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}

	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription. Handlers run
// on a single goroutine in publish order.
func (b *RedisBus) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	go func() {
		for msg := range ps.Channel() {
			var d Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				b.log.Printf("discarding malformed delivery on %s: %v", msg.Channel, err)
				continue
			}
			h(&d)
		}
	}()

	return ps, nil
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}
