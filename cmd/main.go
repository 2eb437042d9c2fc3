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

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/coursekit/payments-service/internal/api"
	"github.com/coursekit/payments-service/internal/config"
	"github.com/coursekit/payments-service/internal/gateway"
	"github.com/coursekit/payments-service/internal/repository"
	"github.com/coursekit/payments-service/internal/service"
	"github.com/coursekit/payments-service/internal/telemetry"
)

func main() {
	cfg := config.Load()

	if err := telemetry.Init("payments-service"); err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}
	defer telemetry.Shutdown(context.Background())

	telemetry.Logger.Info("Starting Payments Service")

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	ledger := repository.NewLedgerRepository(db)
	if err := ledger.InitDB(); err != nil {
		telemetry.Logger.Fatal("Failed to initialize ledger schema", zap.Error(err))
	}

	entitlements := repository.NewEntitlementRepository(db)
	if err := entitlements.InitDB(); err != nil {
		telemetry.Logger.Fatal("Failed to initialize entitlements schema", zap.Error(err))
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL,
	})

	// Connect to NATS
	nc, err := nats.Connect(cfg.NatsURL)
	if err != nil {
		telemetry.Logger.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer nc.Close()

	// Kafka writer for ledger state-change events
	kafkaWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers),
		Topic:    "payments.state.changed",
		Balancer: &kafka.LeastBytes{},
	}
	defer kafkaWriter.Close()

	// Configure payment gateways
	stripeGW := gateway.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	mercadoGW, err := gateway.NewMercadoPagoGateway(
		cfg.MercadoPagoAccessToken,
		cfg.MercadoPagoWebhookSecret,
		os.Getenv("CALLBACK_BASE_URL"),
	)
	if err != nil {
		telemetry.Logger.Fatal("Failed to configure mercadopago gateway", zap.Error(err))
	}
	gateways := gateway.NewRegistry(stripeGW, mercadoGW)

	reconciler := service.NewReconciler(ledger, entitlements, gateways, cfg, redisClient, nc, kafkaWriter)

	r := api.NewRouter(ledger, reconciler, gateways)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		telemetry.Logger.Info("Payments Service starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	telemetry.Logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}

	telemetry.Logger.Info("Server exited")
}
