package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/chipbank/backend/internal/config"
	"github.com/chipbank/backend/internal/database"
	"github.com/chipbank/backend/internal/handlers"
	"github.com/chipbank/backend/internal/logging"
	mW "github.com/chipbank/backend/internal/middleware"
	"github.com/chipbank/backend/internal/services"
)

// @title Chipbank Ledger API
// @version 1.0
// @description Virtual chip ledger with idempotent transfers, bulk jobs and admin controls
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	viper.BindEnv("ledger.max_balance", "LEDGER_MAX_BALANCE")
	viper.BindEnv("ledger.daily_mint_amount", "LEDGER_DAILY_MINT_AMOUNT")
	viper.BindEnv("ledger.balance_cache_ttl", "LEDGER_BALANCE_CACHE_TTL")
	viper.BindEnv("ledger.idempotency_ttl", "LEDGER_IDEMPOTENCY_TTL")
	viper.BindEnv("bulk.queue_key", "BULK_QUEUE_KEY")
	viper.BindEnv("bulk.max_attempts", "BULK_MAX_ATTEMPTS")
	viper.BindEnv("bulk.retry_base", "BULK_RETRY_BASE")
	viper.BindEnv("bulk.workers", "BULK_WORKERS")
	viper.BindEnv("notifier.channel", "NOTIFIER_CHANNEL")
	viper.BindEnv("notifier.enabled", "NOTIFIER_ENABLED")
	viper.BindEnv("admin.email", "ADMIN_EMAIL")
	viper.BindEnv("admin.password", "ADMIN_PASSWORD")

	logging.Init()

	if err := viper.ReadInConfig(); err != nil {
		log.Warn().Err(err).Msg("config file not found, using defaults")
	}

	cfg := config.Load()

	db, err := database.InitDB()
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	accounts := services.NewAccountStore(db, cfg.Ledger.MaxBalance)
	txLog := services.NewTransactionLog(db)
	guard := services.NewIdempotencyGuard(redisClient, txLog, cfg.Ledger.IdempotencyTTL)
	cache := services.NewBalanceCache(redisClient, cfg.Ledger.BalanceCacheTTL)

	var notifier services.Notifier = services.NoopNotifier{}
	if cfg.Notifier.Enabled && redisClient != nil {
		notifier = services.NewRedisNotifier(redisClient, cfg.Notifier.Channel)
	}

	ledgerService := services.NewLedgerService(db, accounts, txLog, guard, cache, notifier, cfg.Ledger)
	bulkService := services.NewBulkService(db, redisClient, accounts, txLog, cache, notifier, cfg.Bulk, cfg.Ledger)
	authService := services.NewAuthService(accounts, redisClient, cfg.JWT)
	qrService := services.NewQRService(redisClient)

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 10*time.Second)
	if err := authService.EnsureAdmin(bootCtx, viper.GetString("admin.email"), viper.GetString("admin.password")); err != nil {
		log.Error().Err(err).Msg("admin provisioning failed")
	}
	cancelBoot()

	runCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	go bulkService.Run(runCtx)

	authHandler := handlers.NewAuthHandler(authService)
	accountHandler := handlers.NewAccountHandler(ledgerService)
	ledgerHandler := handlers.NewLedgerHandler(ledgerService, txLog)
	bulkHandler := handlers.NewBulkHandler(bulkService)
	qrHandler := handlers.NewQRHandler(qrService, ledgerService)
	authMW := mW.NewAuth(cfg.JWT, redisClient)

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// Public endpoints (no auth required)
		r.Post("/auth/register", authHandler.Register)
		r.Post("/auth/login", authHandler.Login)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(authMW.Require)

			r.Post("/auth/logout", authHandler.Logout)

			r.Get("/accounts", accountHandler.List)
			r.Get("/accounts/{id}", accountHandler.Get)
			r.Get("/accounts/{id}/balance", accountHandler.Balance)
			r.Put("/accounts/{id}/recovery", accountHandler.Recovery)

			r.Post("/transfers", ledgerHandler.Transfer)
			r.Get("/transactions", ledgerHandler.ListTransactions)
			r.Get("/transactions/{id}", ledgerHandler.GetTransaction)
			r.Patch("/transactions/{id}", ledgerHandler.UpdateTransaction)
			r.Delete("/transactions/{id}", ledgerHandler.DeleteTransaction)

			r.Post("/qr/generate", qrHandler.Generate)
			r.Post("/qr/scan", qrHandler.Scan)

			// Admin endpoints
			r.Group(func(r chi.Router) {
				r.Use(authMW.RequireAdmin)

				r.Post("/accounts/{id}/ban", accountHandler.Ban)
				r.Post("/accounts/{id}/unban", accountHandler.Unban)
				r.Post("/accounts/{id}/verify", accountHandler.Verify)
				r.Post("/accounts/{id}/unverify", accountHandler.Unverify)

				r.Post("/transactions/{id}/approve", ledgerHandler.Approve)
				r.Post("/transactions/{id}/reject", ledgerHandler.Reject)
				r.Post("/transactions/{id}/reverse", ledgerHandler.Reverse)

				r.Post("/mint", ledgerHandler.Mint)
				r.Post("/recover", ledgerHandler.Recover)

				r.Post("/bulk/transfers", bulkHandler.Submit)
				r.Get("/bulk/transfers/{id}", bulkHandler.GetJob)
			})
		})
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("server shutting down")
	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server stopped")
}
