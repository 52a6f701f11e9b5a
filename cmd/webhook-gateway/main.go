package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-subscriptions/internal/chat"
	"ms-subscriptions/internal/config"
	"ms-subscriptions/internal/dedup"
	"ms-subscriptions/internal/kafka"
	"ms-subscriptions/internal/ledger"
	"ms-subscriptions/internal/lifecycle"
	"ms-subscriptions/internal/logger"
	"ms-subscriptions/internal/payment"
	"ms-subscriptions/internal/push"
	"ms-subscriptions/internal/roster"
	"ms-subscriptions/internal/storefront"
	"ms-subscriptions/internal/users"
	"ms-subscriptions/internal/webhookgw"
)

// The gateway terminates processor and storefront webhooks on its own port
// so the caller-facing API can sit behind auth while this stays reachable
// from the public internet.
func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting Webhook Gateway initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}

	cfg := config.Load()

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.Database.Username, cfg.Database.Password,
		cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)

	sqldb, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
	}
	if err := sqldb.Ping(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
	}
	bunDB := bun.NewDB(sqldb, pgdialect.New())
	defer bunDB.Close()
	log.Info("DATABASE", "✅ PostgreSQL connection successful")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	defer redisClient.Close()
	log.Info("DATABASE", fmt.Sprintf("✅ Redis connection successful to %s", cfg.Redis.Addr))

	var events lifecycle.EventPublisher
	if cfg.Kafka.Enabled && !cfg.Kafka.MockMode {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.LifecycleEvents, log)
		defer producer.Close()
		events = producer
	}

	userStore := &users.DB{Bun: bunDB}
	payments, err := payment.NewService(cfg.Stripe.SecretKey, userStore, log)
	if err != nil {
		log.Fatal("PAYMENT", fmt.Sprintf("Stripe client init failed: %v", err))
	}

	var sender push.Sender = push.NoopSender{}
	if cfg.Push.Enabled && cfg.Push.Endpoint != "" {
		sender = push.NewHTTPSender(cfg.Push.Endpoint, log)
	}

	service := lifecycle.NewService(
		&ledger.DB{Bun: bunDB},
		storefront.NewClient(cfg.Storefront.BaseURL, cfg.Storefront.ConsumerKey, cfg.Storefront.ConsumerSecret, log),
		payments,
		&chat.Store{Bun: bunDB},
		&roster.Roster{Bun: bunDB},
		userStore,
		sender,
		events,
		log,
	)

	guard := dedup.NewGuard(redisClient, log)
	handler := webhookgw.NewHandler(service, guard, cfg.Stripe.WebhookSecret, cfg.Storefront.WebhookSecret, log)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	handler.Routes(engine)

	server := &http.Server{
		Addr:         cfg.Server.WebhookPort,
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Webhook Gateway running on %s", cfg.Server.WebhookPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "✅ Webhook Gateway shutdown complete")
	}
}
