package services

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestBalanceCache_Get(t *testing.T) {
	t.Run("hit", func(t *testing.T) {
		rdb, rmock := redismock.NewClientMock()
		cache := NewBalanceCache(rdb, time.Minute)

		rmock.ExpectGet("balance:" + testAliceID).SetVal("420.50")

		balance, ok := cache.Get(context.Background(), testAliceID)
		assert.True(t, ok)
		assert.True(t, balance.Equal(decimal.RequireFromString("420.50")))
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("miss", func(t *testing.T) {
		rdb, rmock := redismock.NewClientMock()
		cache := NewBalanceCache(rdb, time.Minute)

		rmock.ExpectGet("balance:" + testAliceID).RedisNil()

		_, ok := cache.Get(context.Background(), testAliceID)
		assert.False(t, ok)
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("unparseable value is dropped and reads as a miss", func(t *testing.T) {
		rdb, rmock := redismock.NewClientMock()
		cache := NewBalanceCache(rdb, time.Minute)

		rmock.ExpectGet("balance:" + testAliceID).SetVal("garbage")
		rmock.ExpectDel("balance:" + testAliceID).SetVal(1)

		_, ok := cache.Get(context.Background(), testAliceID)
		assert.False(t, ok)
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("nil client always misses", func(t *testing.T) {
		cache := NewBalanceCache(nil, time.Minute)

		balance, ok := cache.Get(context.Background(), testAliceID)
		assert.False(t, ok)
		assert.True(t, balance.IsZero())
	})
}

func TestBalanceCache_Set(t *testing.T) {
	t.Run("writes with the configured ttl", func(t *testing.T) {
		rdb, rmock := redismock.NewClientMock()
		cache := NewBalanceCache(rdb, time.Minute)

		rmock.ExpectSet("balance:"+testAliceID, "99.95", time.Minute).SetVal("OK")

		cache.Set(context.Background(), testAliceID, decimal.RequireFromString("99.95"))
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("nil client is a no-op", func(t *testing.T) {
		cache := NewBalanceCache(nil, time.Minute)
		cache.Set(context.Background(), testAliceID, decimal.NewFromInt(1))
	})
}

func TestBalanceCache_Invalidate(t *testing.T) {
	t.Run("drops every named key", func(t *testing.T) {
		rdb, rmock := redismock.NewClientMock()
		cache := NewBalanceCache(rdb, time.Minute)

		rmock.ExpectDel("balance:"+testAliceID, "balance:"+testBobID).SetVal(2)

		cache.Invalidate(context.Background(), testAliceID, testBobID)
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("blank ids are filtered out", func(t *testing.T) {
		rdb, rmock := redismock.NewClientMock()
		cache := NewBalanceCache(rdb, time.Minute)

		rmock.ExpectDel("balance:" + testBobID).SetVal(1)

		cache.Invalidate(context.Background(), "", testBobID)
		assert.NoError(t, rmock.ExpectationsWereMet())
	})

	t.Run("no ids is a no-op", func(t *testing.T) {
		rdb, rmock := redismock.NewClientMock()
		cache := NewBalanceCache(rdb, time.Minute)

		cache.Invalidate(context.Background())
		assert.NoError(t, rmock.ExpectationsWereMet())
	})
}
