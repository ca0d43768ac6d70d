package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"gridflow/internal/breaker"
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
	logger := logging.NewLoggerWithService("breaker")
	config.LoadEnv(logger)

	logger.Info("Starting Breaker (Alert Engine)")

	brokersEnv := config.RequireEnv("KAFKA_BROKERS")
	databaseURL := config.RequireEnv("DATABASE_URL")
	brokers := strings.Split(brokersEnv, ",")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "breaker")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "breaker-evaluators")
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
	healthChecker := monitoring.NewHealthChecker("breaker", serviceVersion)
	metricsCollector := monitoring.NewMetricsCollector("breaker", serviceVersion)

	metrics := &breaker.Metrics{
		Raised:        metricsCollector.NewCounter("alerts_raised_total", "Alerts persisted and published", []string{"rule"}),
		CooldownSkips: metricsCollector.NewCounter("cooldown_skips_total", "Alerts suppressed by cooldown", []string{"rule"}),
		DedupSkips:    metricsCollector.NewCounter("dedup_skips_total", "Alerts suppressed by active-alert marker", []string{"rule"}),
		EvalErrors:    metricsCollector.NewCounter("eval_errors_total", "Rule evaluation failures", []string{"rule"}),
		OutageScans:   metricsCollector.NewCounter("outage_scans_total", "Meter liveness sweeps", []string{}),
	}

	healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(producer.GetClient()))
	healthChecker.AddCheck("postgres", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"KAFKA_BROKERS": brokersEnv,
		"DATABASE_URL":  databaseURL,
	}))

	repo := breaker.NewAlertRepository(db)
	engine := breaker.NewEngine(breaker.SeededRules(), telemetryCache, repo, producer, logger, metrics)

	consumer.AddHandler(kafka.TopicAlerts, engine.HandleUpstreamAlert)
	consumer.AddHandler(kafka.TopicAggregates1mRegional, engine.HandleRegionalAggregate)
	consumer.AddHandler(kafka.TopicAggregates1m, engine.HandleMeterAggregate)

	evalInterval := config.GetEnvDuration("RULE_EVAL_INTERVAL", 15*time.Second)

	runCtx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Start(runCtx); err != nil && runCtx.Err() == nil {
			logger.WithError(err).Error("Consumer stopped unexpectedly")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.RunOutageScanner(runCtx, evalInterval)
	}()

	status := breaker.NewStatusHandlers(repo, producer, logger)

	router := server.SetupServiceRouter(logger, "breaker", healthChecker, metricsCollector)
	router.GET("/alerts", status.HandleList)
	router.POST("/alerts/:id/acknowledge", status.HandleAcknowledge)
	router.POST("/alerts/:id/resolve", status.HandleResolve)

	serverConfig := server.DefaultConfig("breaker", "18083")
	if err := server.StartWithShutdown(serverConfig, router, logger, func(ctx context.Context) {
		stop()
		wg.Wait()
		producer.Close()
	}); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
