package services

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/chipbank/backend/internal/models"
)

// Notifier broadcasts ledger changes to interested consumers (dashboards,
// fraud monitors). Publishing is fire-and-forget: implementations must never
// fail or block the ledger operation that triggered them.
type Notifier interface {
	Publish(ctx context.Context, event models.Event)
}

// RedisNotifier publishes events as JSON on a Redis pub/sub channel.
type RedisNotifier struct {
	redis   *redis.Client
	channel string
}

func NewRedisNotifier(rdb *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{redis: rdb, channel: channel}
}

func (n *RedisNotifier) Publish(ctx context.Context, event models.Event) {
	if n.redis == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		log.Warn().Err(err).Str("kind", event.Kind).Msg("failed to marshal ledger event")
		return
	}
	if err := n.redis.Publish(ctx, n.channel, payload).Err(); err != nil {
		log.Warn().Err(err).Str("kind", event.Kind).Msg("failed to publish ledger event")
	}
}

// NoopNotifier drops every event. Used when notifications are disabled or
// Redis is unavailable.
type NoopNotifier struct{}

func (NoopNotifier) Publish(context.Context, models.Event) {}
