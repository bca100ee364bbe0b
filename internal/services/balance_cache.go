package services

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const balanceKeyPrefix = "balance:"

// BalanceCache is a read-through Redis cache of account balances. Postgres
// stays authoritative: every write path invalidates the affected keys right
// after commit, and any cache failure degrades to a miss.
type BalanceCache struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewBalanceCache(rdb *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{redis: rdb, ttl: ttl}
}

// Get returns the cached balance and whether the lookup hit.
func (c *BalanceCache) Get(ctx context.Context, accountID string) (decimal.Decimal, bool) {
	if c.redis == nil {
		return decimal.Zero, false
	}

	raw, err := c.redis.Get(ctx, balanceKeyPrefix+accountID).Result()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("account_id", accountID).Msg("balance cache read failed")
		}
		return decimal.Zero, false
	}

	balance, err := decimal.NewFromString(raw)
	if err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("balance cache held an unparseable value, dropping key")
		c.redis.Del(ctx, balanceKeyPrefix+accountID)
		return decimal.Zero, false
	}
	return balance, true
}

// Set stores a balance under the configured TTL. Best effort.
func (c *BalanceCache) Set(ctx context.Context, accountID string, balance decimal.Decimal) {
	if c.redis == nil {
		return
	}
	if err := c.redis.Set(ctx, balanceKeyPrefix+accountID, balance.String(), c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("account_id", accountID).Msg("balance cache write failed")
	}
}

// Invalidate drops cached balances for the given accounts after a commit.
func (c *BalanceCache) Invalidate(ctx context.Context, accountIDs ...string) {
	if c.redis == nil || len(accountIDs) == 0 {
		return
	}

	keys := make([]string, 0, len(accountIDs))
	for _, id := range accountIDs {
		if id == "" {
			continue
		}
		keys = append(keys, balanceKeyPrefix+id)
	}
	if len(keys) == 0 {
		return
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		log.Warn().Err(err).Strs("accounts", accountIDs).Msg("balance cache invalidation failed")
	}
}
