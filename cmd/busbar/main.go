package main

import (
	"context"
	"strings"
	"time"

	"gridflow/internal/busbar/handlers"
	"gridflow/pkg/cache"
	"gridflow/pkg/config"
	"gridflow/pkg/kafka"
	"gridflow/pkg/logging"
	"gridflow/pkg/monitoring"
	"gridflow/pkg/server"
)

const serviceVersion = "1.0.0"

func main() {
	logger := logging.NewLoggerWithService("busbar")
	config.LoadEnv(logger)

	logger.Info("Starting Busbar (Telemetry Ingestion Gateway)")

	brokersEnv := config.RequireEnv("KAFKA_BROKERS")
	redisURL := config.GetEnv("REDIS_URL", "redis://127.0.0.1:6379/0")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "busbar")

	// Connect dependencies; failure here is fatal init (exit 1)
	brokers := strings.Split(brokersEnv, ",")
	producer, err := kafka.NewProducer(brokers, clientID, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	redisClient, err := cache.NewClientFromURL(connectCtx, redisURL)
	connectCancel()
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()
	telemetryCache := cache.New(redisClient)

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("busbar", serviceVersion)
	metricsCollector := monitoring.NewMetricsCollector("busbar", serviceVersion)

	metrics := &handlers.Metrics{
		Success:          metricsCollector.NewCounter("success_total", "Readings accepted", []string{"region"}),
		Errors:           metricsCollector.NewCounter("errors_total", "Ingestion errors", []string{"error_type"}),
		ValidationErrors: metricsCollector.NewCounter("validation_errors_total", "Validation failures", []string{"field"}),
		Duplicates:       metricsCollector.NewCounter("duplicates_total", "Duplicate readings", []string{}),
		PublishLatency:   metricsCollector.NewHistogram("publish_latency_seconds", "Kafka publish latency", []string{}, nil),
		DedupLatency:     metricsCollector.NewHistogram("dedup_latency_seconds", "Dedup cache latency", []string{}, nil),
	}

	healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(producer.GetClient()))
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"KAFKA_BROKERS": brokersEnv,
	}))

	highWater := int64(config.GetEnvInt("PRODUCER_HIGH_WATER", 10000))
	lowWater := int64(config.GetEnvInt("PRODUCER_LOW_WATER", 5000))

	ingest := handlers.NewIngestHandlers(producer, telemetryCache, logger, metrics, highWater, lowWater)

	router := server.SetupServiceRouter(logger, "busbar", healthChecker, metricsCollector)
	router.POST("/telemetry", ingest.HandleTelemetry)
	router.POST("/telemetry/batch", ingest.HandleTelemetryBatch)

	serverConfig := server.DefaultConfig("busbar", "18080")
	if err := server.StartWithShutdown(serverConfig, router, logger, func(ctx context.Context) {
		// Listener already stopped; flush the producer before disconnecting
		producer.Close()
		redisClient.Close()
	}); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
