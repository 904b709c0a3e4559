package hub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/leadline/call-broker/internal/protocol"
	redisclient "github.com/leadline/call-broker/internal/redis"
)

// Envelope is what crosses instances: the encoded event and who should get it.
type Envelope struct {
	Event    protocol.Event `json:"event"`
	Audience Audience       `json:"audience"`
}

type Relay interface {
	Publish(ctx context.Context, env Envelope) error
	// Run delivers received envelopes until ctx is done.
	Run(ctx context.Context, deliver func(Envelope)) error
	Close() error
}

// RedisRelay fans events out to every broker instance over one pub/sub channel.
type RedisRelay struct {
	redis   *redisclient.Client
	channel string
}

func NewRedisRelay(client *redisclient.Client) *RedisRelay {
	return &RedisRelay{redis: client, channel: redisclient.EventsChannel}
}

func (r *RedisRelay) Publish(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return r.redis.Publish(ctx, r.channel, data).Err()
}

func (r *RedisRelay) Run(ctx context.Context, deliver func(Envelope)) error {
	pubsub := r.redis.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	// Wait for the subscription to be confirmed before reporting ready.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	log.Debug().Str("channel", r.channel).Msg("redis pubsub subscribed")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Error().Err(err).Msg("failed to unmarshal relayed event")
				continue
			}
			deliver(env)
		}
	}
}

func (r *RedisRelay) Close() error {
	return nil
}
