package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"gridflow/internal/dynamo"
	"gridflow/pkg/cache"
	"gridflow/pkg/config"
	"gridflow/pkg/database"
	"gridflow/pkg/kafka"
	"gridflow/pkg/logging"
	"gridflow/pkg/monitoring"
	"gridflow/pkg/server"
)

const serviceVersion = "1.0.0"

func main() {
	logger := logging.NewLoggerWithService("dynamo")
	config.LoadEnv(logger)

	logger.Info("Starting Dynamo (Tariff Engine)")

	brokersEnv := config.RequireEnv("KAFKA_BROKERS")
	databaseURL := config.RequireEnv("DATABASE_URL")
	brokers := strings.Split(brokersEnv, ",")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "dynamo")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "dynamo-pricers")
	redisURL := config.GetEnv("REDIS_URL", "redis://127.0.0.1:6379/0")

	dbConfig := database.DefaultConfig()
	dbConfig.URL = databaseURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	connectCtx, connectCancel := context.WithTimeout(context.Background(), 10*time.Second)
	redisClient, err := cache.NewClientFromURL(connectCtx, redisURL)
	connectCancel()
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redisClient.Close()
	telemetryCache := cache.New(redisClient)

	producer, err := kafka.NewProducer(brokers, clientID, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka producer")
	}
	defer producer.Close()

	consumer, err := kafka.NewConsumer(brokers, groupID, clientID, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer")
	}
	defer consumer.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("dynamo", serviceVersion)
	metricsCollector := monitoring.NewMetricsCollector("dynamo", serviceVersion)

	metrics := &dynamo.Metrics{
		Updates:        metricsCollector.NewCounter("tariff_updates_total", "Tariff changes applied", []string{"region", "trigger"}),
		HysteresisSkip: metricsCollector.NewCounter("hysteresis_skips_total", "Repricings suppressed by hysteresis", []string{"region"}),
		Errors:         metricsCollector.NewCounter("errors_total", "Pricing errors", []string{"stage"}),
	}

	healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(producer.GetClient()))
	healthChecker.AddCheck("postgres", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"KAFKA_BROKERS": brokersEnv,
		"DATABASE_URL":  databaseURL,
	}))

	engineConfig := dynamo.DefaultEngineConfig()
	engineConfig.BasePrice = config.GetEnvFloat("BASE_PRICE", engineConfig.BasePrice)
	engineConfig.MinChangeThreshold = config.GetEnvFloat("MIN_CHANGE_THRESHOLD", engineConfig.MinChangeThreshold)

	repo := dynamo.NewTariffRepository(db)
	engine := dynamo.NewEngine(engineConfig, repo, telemetryCache, producer, logger, metrics)

	preloadCtx, preloadCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := engine.Preload(preloadCtx); err != nil {
		logger.WithError(err).Fatal("Failed to preload tariff state")
	}
	preloadCancel()

	consumer.AddHandler(kafka.TopicAggregates1mRegional, engine.HandleRegionalAggregate)

	runCtx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Start(runCtx); err != nil && runCtx.Err() == nil {
			logger.WithError(err).Error("Consumer stopped unexpectedly")
		}
	}()

	operator := dynamo.NewOperatorHandlers(engine, repo, telemetryCache, logger)

	router := server.SetupServiceRouter(logger, "dynamo", healthChecker, metricsCollector)
	router.POST("/operator/tariff/override", operator.HandleOverride)
	router.GET("/operator/tariff/:region", operator.HandleCurrent)
	router.GET("/operator/tariff/:region/history", operator.HandleHistory)
	router.GET("/operator/tariffs/all", operator.HandleAll)

	serverConfig := server.DefaultConfig("dynamo", "18082")
	if err := server.StartWithShutdown(serverConfig, router, logger, func(ctx context.Context) {
		stop()
		wg.Wait()
		producer.Close()
	}); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
