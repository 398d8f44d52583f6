// Local development server - runs every route in one process behind a plain WebSocket endpoint
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MostProject/RoomChat/internal/awsclient"
	"github.com/MostProject/RoomChat/internal/config"
	"github.com/MostProject/RoomChat/internal/health"
	"github.com/MostProject/RoomChat/internal/observability"
	"github.com/MostProject/RoomChat/internal/resilience"
	"github.com/MostProject/RoomChat/internal/storage"
	"github.com/MostProject/RoomChat/internal/storage/dynamotest"
	"github.com/aws/smithy-go"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
)

const version = "local-dev"

// openStore returns a DynamoDB-backed store when USE_DYNAMODB=true (DynamoDB
// Local when DYNAMODB_ENDPOINT is set, AWS otherwise) and an in-memory one
// otherwise. Tables are created if missing.
func openStore(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*storage.DynamoDBStore, error) {
	var client interface {
		storage.DynamoDBAPI
		storage.SchemaAPI
	}

	if os.Getenv("USE_DYNAMODB") == "true" {
		awsCfg, err := awsclient.LoadConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		client = awsclient.NewDynamoDB(awsCfg, cfg)
		logger.Info(ctx, "DynamoDB storage enabled", map[string]interface{}{
			"endpoint": cfg.DynamoDBEndpoint,
		})
	} else {
		client = dynamotest.New()
		logger.Info(ctx, "Using in-memory storage")
	}

	retry := resilience.StartupRetryConfig()
	retry.Retryable = retryableStartupError
	retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.WarnErr(ctx, "DynamoDB not ready, retrying", err, map[string]interface{}{
			"attempt": attempt,
			"delay":   delay.String(),
		})
	}
	err := resilience.Retry(ctx, retry, func(ctx context.Context) error {
		return storage.EnsureTables(ctx, client, cfg)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare tables: %w", err)
	}

	return storage.NewDynamoDBStore(client, cfg), nil
}

// retryableStartupError retries transport failures and server faults. A client
// fault such as a validation error will not go away by waiting.
func retryableStartupError(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorFault() != smithy.FaultClient
	}
	return true
}

func run(ctx context.Context) error {
	// .env is optional
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.ServiceName+"-local", observability.ParseLevel(cfg.LogLevel), os.Stdout)
	ctx = observability.WithContext(ctx, logger)

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics(nil, cfg.MetricsNamespace, cfg.Environment)
	metrics.EnablePrometheus(prometheus.DefaultRegisterer)
	store.WithMetrics(metrics)

	healthServer := health.NewServer(cfg.HealthPort, version, prometheus.DefaultGatherer, metrics.Snapshot)
	healthServer.RegisterChecker("dynamodb", health.DynamoDBChecker(store.Ping))

	server := NewLocalServer(store, cfg, metrics, logger, "localhost:"+cfg.WSPort)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.handleWebSocket)
	mux.HandleFunc("/", consoleHandler(cfg.WSPort, cfg.HealthPort))
	wsServer := &http.Server{
		Addr:              ":" + cfg.WSPort,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := healthServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error(ctx, "Health server error", err)
		}
	}()
	go server.startPingLoop(ctx, pingInterval)

	go func() {
		<-ctx.Done()
		logger.Info(context.Background(), "Shutting down servers...")
		healthServer.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		wsServer.Shutdown(shutdownCtx)
		healthServer.Stop(shutdownCtx)
		metrics.Flush(shutdownCtx)
	}()

	healthServer.SetReady(true)
	logger.Info(ctx, "Local development server started", map[string]interface{}{
		"websocket_port": cfg.WSPort,
		"health_port":    cfg.HealthPort,
	})
	fmt.Printf("\n")
	fmt.Printf("RoomChat Local Development Server\n")
	fmt.Printf("---------------------------------\n")
	fmt.Printf("  Web UI:     http://localhost:%s/\n", cfg.WSPort)
	fmt.Printf("  WebSocket:  ws://localhost:%s/ws\n", cfg.WSPort)
	fmt.Printf("  Health:     http://localhost:%s/health\n", cfg.HealthPort)
	fmt.Printf("  Metrics:    http://localhost:%s/metrics\n", cfg.HealthPort)
	fmt.Printf("---------------------------------\n\n")

	if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
