package services

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/chipbank/backend/internal/models"
)

const idemKeyPrefix = "idem:"

// Fast-path lookup deadline; past this we go straight to Postgres.
const idemFastPathTimeout = 150 * time.Millisecond

// IdempotencyGuard answers "has this submission key been committed before".
// Redis is the fast path; the transaction log, backed by a unique index, is
// the source of truth. Redis being down, slow or stale at worst lets a
// duplicate reach Append, where the unique index still rejects it.
type IdempotencyGuard struct {
	redis *redis.Client
	txLog *TransactionLog
	ttl   time.Duration
}

func NewIdempotencyGuard(rdb *redis.Client, txLog *TransactionLog, ttl time.Duration) *IdempotencyGuard {
	return &IdempotencyGuard{redis: rdb, txLog: txLog, ttl: ttl}
}

// Check returns the previously committed transaction for key, or nil when
// the key is unseen. An empty key disables idempotency for the submission.
func (g *IdempotencyGuard) Check(ctx context.Context, key string) (*models.Transaction, error) {
	if key == "" {
		return nil, nil
	}

	if g.redis != nil {
		fastCtx, cancel := context.WithTimeout(ctx, idemFastPathTimeout)
		txID, err := g.redis.Get(fastCtx, idemKeyPrefix+key).Result()
		cancel()
		switch {
		case err == nil && txID != "":
			entry, lookupErr := g.txLog.FindByID(ctx, txID)
			if lookupErr == nil {
				return entry, nil
			}
			log.Warn().Err(lookupErr).Str("tx_id", txID).Msg("idempotency fast path hit but log lookup failed")
		case err != nil && !errors.Is(err, redis.Nil):
			log.Warn().Err(err).Msg("idempotency fast path unavailable, falling back to log")
		}
	}

	entry, err := g.txLog.FindByIdempotencyKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// MarkSeen records key -> txID on the fast path after commit. Best effort.
func (g *IdempotencyGuard) MarkSeen(ctx context.Context, key, txID string) {
	if key == "" || g.redis == nil {
		return
	}
	if err := g.redis.Set(ctx, idemKeyPrefix+key, txID, g.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("tx_id", txID).Msg("failed to mark idempotency key seen")
	}
}
