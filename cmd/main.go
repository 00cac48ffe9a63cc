/**
 * @description
 * This is the main entry point for the settlement-service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, the payment processor client, message broker, webhook
 * de-duplication store, repositories, the core application service, the cron
 * scheduler, and the HTTP server. It wires everything together and starts the
 * service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/api, internal/app, internal/config, internal/scheduler, internal/store: Internal packages.
 * - pkg/paystack: Client for the payment processor API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/tradepost/settlement-service/internal/api"
	"github.com/tradepost/settlement-service/internal/app"
	"github.com/tradepost/settlement-service/internal/config"
	"github.com/tradepost/settlement-service/internal/scheduler"
	"github.com/tradepost/settlement-service/internal/store"
	"github.com/tradepost/settlement-service/pkg/paystack"
	rmrabbit "github.com/tradepost/settlement-service/pkg/rabbitmq"
)

func main() {
	// Load .env for local development; production uses real environment variables.
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment values\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer that carries payout status events.
	// Event delivery is best effort; the service still settles without it.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the payment processor client.
	paystackClient := paystack.NewClient(cfg.PaystackAPIBaseURL, cfg.PaystackSecretKey, cfg.PaystackWebhookSecret, cfg.ValidationChargeCents)

	// Redis backs webhook de-duplication; without it the webhook handler
	// falls back to its in-process cache.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; webhook dedupe uses in-process cache\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; webhook dedupe uses in-process cache\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; webhook dedupe uses in-process cache\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	settlementService := app.NewService(repository, paystackClient, producer, app.Settings{
		Currency:          cfg.Currency,
		Country:           cfg.Country,
		MinTransferAmount: cfg.MinTransferAmount,
		MaxTransferAmount: cfg.MaxTransferAmount,
		MaxRetries:        cfg.MaxTransferRetries,
		RetryBaseDelay:    time.Duration(cfg.RetryBaseDelaySeconds) * time.Second,
		MaxRetryDelay:     time.Duration(cfg.MaxRetryDelaySeconds) * time.Second,
		ReferencePrefix:   cfg.TransferReferencePrefix,
	})

	// Start the cron scheduler for retry dispatch, reconciliation, and escrow
	// auto-release.
	schedLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	schedConfig := scheduler.Config{
		RetryDispatchSchedule: cfg.RetryDispatchSchedule,
		ReconcileSchedule:     cfg.ReconcileSchedule,
		AutoReleaseSchedule:   cfg.AutoReleaseSchedule,
		BatchSize:             cfg.SchedulerBatchSize,
		StaleAfter:            time.Duration(cfg.StaleTransferAfterSeconds) * time.Second,
	}
	jobs := scheduler.NewJobs(repository, settlementService, schedLogger, schedConfig)
	sched := scheduler.NewScheduler(jobs, schedLogger, schedConfig)
	sched.Start()

	// Initialize the API handlers and router.
	handlers := api.NewSettlementHandlers(settlementService)
	var redisUniversal redis.UniversalClient
	if redisClient != nil {
		redisUniversal = redisClient
	}
	webhookHandler := api.NewWebhookHandler(settlementService, paystackClient, redisUniversal, time.Duration(cfg.WebhookDedupeTTLHours)*time.Hour)
	router := api.SettlementRoutes(handlers, webhookHandler, api.RouterConfig{
		JWTSecret:      cfg.JWTSecret,
		InternalAPIKey: cfg.InternalAPIKey,
		AllowedOrigins: cfg.AllowedOriginList(),
	})

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	// Let running cron jobs finish before closing the server's dependencies.
	<-sched.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
