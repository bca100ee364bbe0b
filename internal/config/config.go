package config

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config carries every tunable the service reads at startup. Database and
// Redis connection settings live with their constructors in internal/database.
type Config struct {
	Server   ServerConfig
	JWT      JWTConfig
	Ledger   LedgerConfig
	Bulk     BulkConfig
	Notifier NotifierConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type JWTConfig struct {
	SecretKey   string
	ExpiryHours int
}

// LedgerConfig bounds the chip economy. MaxBalance is both the per-account
// ceiling and the largest single transfer amount.
type LedgerConfig struct {
	MaxBalance      decimal.Decimal
	DailyMintAmount decimal.Decimal
	BalanceCacheTTL time.Duration
	IdempotencyTTL  time.Duration
}

type BulkConfig struct {
	QueueKey    string
	MaxAttempts int
	RetryBase   time.Duration
	Workers     int
}

type NotifierConfig struct {
	Channel string
	Enabled bool
}

// Load returns configuration with defaults applied. Callers are expected to
// have pointed viper at the environment already (see cmd/server).
func Load() *Config {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.read_timeout", 15*time.Second)
	viper.SetDefault("server.write_timeout", 15*time.Second)
	viper.SetDefault("server.idle_timeout", 60*time.Second)

	viper.SetDefault("jwt.secret_key", "dev-secret-change-me")
	viper.SetDefault("jwt.expiry_hours", 24)

	viper.SetDefault("ledger.max_balance", "20000000000000")
	viper.SetDefault("ledger.daily_mint_amount", "100")
	viper.SetDefault("ledger.balance_cache_ttl", 5*time.Minute)
	viper.SetDefault("ledger.idempotency_ttl", 24*time.Hour)

	viper.SetDefault("bulk.queue_key", "bulk:jobs")
	viper.SetDefault("bulk.max_attempts", 3)
	viper.SetDefault("bulk.retry_base", 2*time.Second)
	viper.SetDefault("bulk.workers", 1)

	viper.SetDefault("notifier.channel", "ledger:events")
	viper.SetDefault("notifier.enabled", true)

	return &Config{
		Server: ServerConfig{
			Port:         viper.GetString("server.port"),
			ReadTimeout:  viper.GetDuration("server.read_timeout"),
			WriteTimeout: viper.GetDuration("server.write_timeout"),
			IdleTimeout:  viper.GetDuration("server.idle_timeout"),
		},
		JWT: JWTConfig{
			SecretKey:   viper.GetString("jwt.secret_key"),
			ExpiryHours: viper.GetInt("jwt.expiry_hours"),
		},
		Ledger: LedgerConfig{
			MaxBalance:      decimalOrDefault(viper.GetString("ledger.max_balance"), decimal.New(2, 13)),
			DailyMintAmount: decimalOrDefault(viper.GetString("ledger.daily_mint_amount"), decimal.NewFromInt(100)),
			BalanceCacheTTL: viper.GetDuration("ledger.balance_cache_ttl"),
			IdempotencyTTL:  viper.GetDuration("ledger.idempotency_ttl"),
		},
		Bulk: BulkConfig{
			QueueKey:    viper.GetString("bulk.queue_key"),
			MaxAttempts: viper.GetInt("bulk.max_attempts"),
			RetryBase:   viper.GetDuration("bulk.retry_base"),
			Workers:     viper.GetInt("bulk.workers"),
		},
		Notifier: NotifierConfig{
			Channel: viper.GetString("notifier.channel"),
			Enabled: viper.GetBool("notifier.enabled"),
		},
	}
}

func decimalOrDefault(raw string, fallback decimal.Decimal) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil || d.Sign() <= 0 {
		return fallback
	}
	return d
}
