/**
 * @description
 * This is the main entry point for the transfer-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, document store clients, message brokers, repositories, the transfer
 * coordinator, background workers, and the HTTP server. It wires everything
 * together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver for the transfer journal.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/docstore: Client for the ledger and relay document stores.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerbridge/transfer-service/internal/api"
	"github.com/ledgerbridge/transfer-service/internal/app"
	"github.com/ledgerbridge/transfer-service/internal/config"
	"github.com/ledgerbridge/transfer-service/internal/domain"
	"github.com/ledgerbridge/transfer-service/internal/store"
	"github.com/ledgerbridge/transfer-service/pkg/docstore"
	rmrabbit "github.com/ledgerbridge/transfer-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InstitutionRoutingCode) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"institution routing code must be configured\" env=INSTITUTION_ROUTING_CODE")
	}
	if strings.TrimSpace(cfg.LedgerStoreBaseURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"ledger store url must be configured\" env=LEDGER_STORE_BASE_URL")
	}

	log.Printf("level=info component=bootstrap msg=\"starting transfer-service\" port=%s routing_code=%s", cfg.ServerPort, cfg.InstitutionRoutingCode)

	// Establish a connection pool to the PostgreSQL journal database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
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

	journal := store.NewPostgresJournal(dbpool)
	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 15*time.Second)
	if err := journal.EnsureSchema(schemaCtx); err != nil {
		cancelSchema()
		log.Fatalf("level=fatal component=bootstrap msg=\"journal schema setup failed\" err=%v", err)
	}
	cancelSchema()

	// Initialize the RabbitMQ producer to publish lifecycle events.
	var producer rmrabbit.Publisher
	eventProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventExchange)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = rmrabbit.FallbackProducer{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the document store clients for the owner ledgers and the
	// cross-institution relay record.
	ledgerClient := docstore.NewClient(cfg.LedgerStoreBaseURL, cfg.LedgerStoreAPIKey, 15*time.Second)
	relayClient := docstore.NewClient(cfg.RelayStoreBaseURL, cfg.RelayStoreAPIKey, 15*time.Second)

	accounts := store.NewAccountRepository(ledgerClient, cfg.LedgerCollection)
	relay := store.NewRelayStore(relayClient, cfg.RelayCollection)
	directory := store.NewAccountDirectory(ledgerClient, cfg.DirectoryCollection)

	// Redis backs idempotency markers and transfer rate limiting. Both
	// degrade gracefully when Redis is absent.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; markers and rate limiting disabled\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; markers and rate limiting disabled\" err=%v", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; markers and rate limiting disabled\" err=%v", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	var markers app.Markers = app.NoopMarkers{}
	var limiter api.RateLimiter
	if redisClient != nil {
		markers = app.NewRedisMarkers(redisClient, "", time.Duration(cfg.IdempotencyMarkerTTLMin)*time.Minute)
		limiter = app.NewRedisTransferRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	policy := app.RetryPolicy{
		MaxAttempts: cfg.StepRetryMaxAttempts,
		BaseBackoff: time.Duration(cfg.StepRetryBaseBackoffMs) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.StepRetryMaxBackoffMs) * time.Millisecond,
	}

	coordinator := app.NewCoordinator(
		accounts,
		relay,
		journal,
		markers,
		producer,
		cfg.InstitutionRoutingCode,
		domain.Amount(cfg.MaxTransferAmountMinor),
		policy,
	)

	// Background workers: the inbound relay consumer and the expiry sweeper.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	consumer := app.NewRelayConsumer(accounts, relay, directory, journal, producer, cfg.InstitutionRoutingCode, policy)
	go consumer.Run(workerCtx, time.Duration(cfg.RelayPollIntervalSeconds)*time.Second)

	sweeper := app.NewRelaySweeper(accounts, relay, journal, producer, time.Duration(cfg.RelayExpirySeconds)*time.Second, 100, policy)
	go sweeper.Run(workerCtx, time.Duration(cfg.RelaySweepIntervalSeconds)*time.Second)

	// Initialize the API handlers.
	transferHandlers := api.NewTransferHandlers(coordinator, sweeper, limiter, cfg.TransferRateLimitPerMinute, time.Minute)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.TransferRoutes(transferHandlers, cfg.AuthJWKSURL, cfg.InternalAPIKey))

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

	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
