package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisRelay spreads envelopes over a Redis pub/sub channel so that every
// server process delivers to the connections it holds.
type RedisRelay struct {
	client  *redis.Client
	channel string
	log     *slog.Logger
}

func NewRedisRelay(client *redis.Client, channel string, log *slog.Logger) *RedisRelay {
	return &RedisRelay{client: client, channel: channel, log: log}
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, payload).Err()
}

// Listen subscribes to the channel and hands every envelope to deliver until
// ctx is cancelled. It returns once the subscription is confirmed failed or
// the context ends.
func (r *RedisRelay) Listen(ctx context.Context, deliver func(Envelope) int) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	r.log.Info("subscribed to delivery channel", "channel", r.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("dropping malformed envelope", "error", err)
				continue
			}
			deliver(env)
		}
	}
}
