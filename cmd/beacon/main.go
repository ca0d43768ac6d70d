package main

import (
	"context"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"gridflow/internal/beacon/handlers"
	"gridflow/internal/beacon/websocket"
	"gridflow/pkg/config"
	"gridflow/pkg/kafka"
	"gridflow/pkg/logging"
	"gridflow/pkg/middleware"
	"gridflow/pkg/monitoring"
	"gridflow/pkg/server"
)

const serviceVersion = "1.0.0"

func main() {
	logger := logging.NewLoggerWithService("beacon")
	config.LoadEnv(logger)

	logger.Info("Starting Beacon (Notification Broadcaster)")

	brokersEnv := config.RequireEnv("KAFKA_BROKERS")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	brokers := strings.Split(brokersEnv, ",")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "beacon")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "beacon-broadcasters")
	maxConns := config.GetEnvInt("MAX_WS_CONNECTIONS", 10000)

	consumer, err := kafka.NewConsumer(brokers, groupID, clientID, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer")
	}
	defer consumer.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("beacon", serviceVersion)
	metricsCollector := monitoring.NewMetricsCollector("beacon", serviceVersion)

	metrics := &websocket.Metrics{
		Connections: metricsCollector.NewGauge("connections", "Active WebSocket connections", []string{}),
		Dropped:     metricsCollector.NewCounter("dropped_total", "Messages dropped", []string{"reason"}),
		Delivered:   metricsCollector.NewCounter("delivered_total", "Messages delivered", []string{"channel"}),
		Denied:      metricsCollector.NewCounter("subscriptions_denied_total", "Subscriptions denied", []string{"channel"}),
	}

	healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(consumer.GetClient()))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"KAFKA_BROKERS": brokersEnv,
		"JWT_SECRET":    jwtSecret,
	}))

	hub := websocket.NewHub([]byte(jwtSecret), maxConns, logger, metrics)
	go hub.Run()

	fanOut := handlers.NewFanOutHandlers(hub, logger)

	consumer.AddHandler(kafka.TopicTariffUpdates, fanOut.HandleTariffUpdate)
	consumer.AddHandler(kafka.TopicAlertsProcessed, fanOut.HandleProcessedAlert)
	consumer.AddHandler(kafka.TopicAlertStatusUpdates, fanOut.HandleAlertStatusUpdate)

	runCtx, stop := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := consumer.Start(runCtx); err != nil && runCtx.Err() == nil {
			logger.WithError(err).Error("Consumer stopped unexpectedly")
		}
	}()

	router := server.SetupServiceRouter(logger, "beacon", healthChecker, metricsCollector)
	router.GET("/ws", func(c *gin.Context) {
		hub.ServeWS(c.Writer, c.Request)
	})

	serviceToken := config.GetEnv("SERVICE_TOKEN", "")
	stats := router.Group("/stats")
	if serviceToken != "" {
		stats.Use(middleware.ServiceAuthMiddleware(serviceToken))
	}
	stats.GET("", fanOut.HandleStats)

	serverConfig := server.DefaultConfig("beacon", "18084")
	if err := server.StartWithShutdown(serverConfig, router, logger, func(ctx context.Context) {
		stop()
		wg.Wait()
	}); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
