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

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-subscriptions/internal/api"
	"ms-subscriptions/internal/auth"
	"ms-subscriptions/internal/chat"
	"ms-subscriptions/internal/config"
	"ms-subscriptions/internal/database/migrations"
	"ms-subscriptions/internal/kafka"
	"ms-subscriptions/internal/ledger"
	"ms-subscriptions/internal/lifecycle"
	"ms-subscriptions/internal/logger"
	"ms-subscriptions/internal/payment"
	"ms-subscriptions/internal/push"
	"ms-subscriptions/internal/roster"
	"ms-subscriptions/internal/storefront"
	"ms-subscriptions/internal/users"
)

func connectDatabase(cfg *config.Config, log *logger.Logger) *bun.DB {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.Database.Username, cfg.Database.Password,
		cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)

	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", dsn)
		if err == nil {
			err = sqldb.Ping()
			if err == nil {
				break
			}
		}
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	log.Info("DATABASE", "✅ PostgreSQL connection successful")
	return bun.NewDB(sqldb, pgdialect.New())
}

func runMigrations(bunDB *bun.DB, log *logger.Logger) {
	opts := migrations.DefaultOptions()
	if !opts.AutoMigrate {
		log.Info("DATABASE", "Auto-migration disabled, skipping")
		return
	}
	runner := migrations.NewRunner(bunDB, opts)
	if err := runner.Initialize(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Migration init failed: %v", err))
	}
	if err := runner.RunMigrations(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Migration failed: %v", err))
	}
}

func main() {
	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting Subscription Service initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()

	bunDB := connectDatabase(cfg, log)
	defer bunDB.Close()

	runMigrations(bunDB, log)

	var events lifecycle.EventPublisher
	if cfg.Kafka.Enabled && !cfg.Kafka.MockMode {
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, []string{cfg.Kafka.Topics.LifecycleEvents}); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		} else {
			log.Info("KAFKA", "Required topics ensured successfully")
		}
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.LifecycleEvents, log)
		defer producer.Close()
		events = producer
		log.Info("KAFKA", "Kafka producer initialized successfully")
	} else {
		log.Warn("KAFKA", "Kafka disabled, lifecycle events will not be published")
	}

	userStore := &users.DB{Bun: bunDB}
	ledgerStore := &ledger.DB{Bun: bunDB}
	adminRoster := &roster.Roster{Bun: bunDB}
	chatStore := &chat.Store{Bun: bunDB}

	payments, err := payment.NewService(cfg.Stripe.SecretKey, userStore, log)
	if err != nil {
		log.Fatal("PAYMENT", fmt.Sprintf("Stripe client init failed: %v", err))
	}

	store := storefront.NewClient(cfg.Storefront.BaseURL, cfg.Storefront.ConsumerKey, cfg.Storefront.ConsumerSecret, log)

	var sender push.Sender
	if cfg.Push.Enabled && cfg.Push.Endpoint != "" {
		sender = push.NewHTTPSender(cfg.Push.Endpoint, log)
		log.Info("PUSH", fmt.Sprintf("Push sender configured for %s", cfg.Push.Endpoint))
	} else {
		sender = push.NoopSender{}
		log.Warn("PUSH", "Push notifications disabled")
	}

	service := lifecycle.NewService(ledgerStore, store, payments, chatStore, adminRoster, userStore, sender, events, log)

	handler := &api.Handler{
		Service:  service,
		Payments: payments,
		Users:    userStore,
	}

	log.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		if cfg.Auth.OIDCIssuer == "" {
			log.Warn("AUTH", "OIDC issuer not configured, accepting unverified tokens")
		}
		r.Use(auth.Middleware(cfg.Auth.OIDCIssuer))
		log.Info("AUTH", "JWT middleware applied to protected API routes")

		r.Route("/api", func(r chi.Router) {
			handler.Routes(r)
		})
		log.Info("ROUTER", "Subscription routes registered under /api")
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Subscription Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	} else {
		log.Info("HTTP", "✅ Subscription Service shutdown complete")
	}
}
