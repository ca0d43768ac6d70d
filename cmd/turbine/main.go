package main

import (
	"context"
	"strings"
	"sync"
	"time"

	"gridflow/internal/turbine"
	"gridflow/pkg/config"
	"gridflow/pkg/kafka"
	"gridflow/pkg/logging"
	"gridflow/pkg/monitoring"
	"gridflow/pkg/server"
	"gridflow/pkg/store"
)

const serviceVersion = "1.0.0"

func main() {
	logger := logging.NewLoggerWithService("turbine")
	config.LoadEnv(logger)

	logger.Info("Starting Turbine (Stream Processor)")

	brokersEnv := config.RequireEnv("KAFKA_BROKERS")
	brokers := strings.Split(brokersEnv, ",")
	clientID := config.GetEnv("KAFKA_CLIENT_ID", "turbine")
	groupID := config.GetEnv("KAFKA_GROUP_ID", "turbine-processors")

	chConfig := store.Config{
		Addr:     strings.Split(config.GetEnv("CLICKHOUSE_ADDR", "127.0.0.1:9000"), ","),
		Database: config.GetEnv("CLICKHOUSE_DB", "gridflow"),
		Username: config.GetEnv("CLICKHOUSE_USER", "default"),
		Password: config.GetEnv("CLICKHOUSE_PASSWORD", ""),
	}
	chConn := store.MustConnect(chConfig, logger)
	defer chConn.Close()
	aggregateStore := store.NewAggregateStore(chConn)

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
	healthChecker := monitoring.NewHealthChecker("turbine", serviceVersion)
	metricsCollector := monitoring.NewMetricsCollector("turbine", serviceVersion)

	metrics := &turbine.Metrics{
		ReadingsProcessed: metricsCollector.NewCounter("readings_processed_total", "Readings folded into windows", []string{"region"}),
		LateDropped:       metricsCollector.NewCounter("late_dropped_total", "Readings rejected as too late", []string{}),
		FlushedAggregates: metricsCollector.NewCounter("flushed_aggregates_total", "Aggregates flushed", []string{"window"}),
		FlushErrors:       metricsCollector.NewCounter("flush_errors_total", "Store flush failures", []string{"window"}),
		FlushDuration:     metricsCollector.NewHistogram("flush_duration_seconds", "Store flush latency", []string{"window"}, nil),
		PublishErrors:     metricsCollector.NewCounter("publish_errors_total", "Topic publish failures", []string{"topic"}),
		Anomalies:         metricsCollector.NewCounter("anomalies_total", "Anomaly alerts raised", []string{"severity"}),
	}

	healthChecker.AddCheck("kafka", monitoring.KafkaHealthCheck(producer.GetClient()))
	healthChecker.AddCheck("clickhouse", monitoring.ClickHouseHealthCheck(chConn))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"KAFKA_BROKERS": brokersEnv,
	}))

	detectorConfig := turbine.DefaultDetectorConfig()
	detectorConfig.MinSampleSize = int64(config.GetEnvInt("MIN_SAMPLE_SIZE", int(detectorConfig.MinSampleSize)))
	detectorConfig.SpikeThreshold = config.GetEnvFloat("SPIKE_THRESHOLD", detectorConfig.SpikeThreshold)
	detectorConfig.DropThreshold = config.GetEnvFloat("DROP_THRESHOLD", detectorConfig.DropThreshold)
	detector := turbine.NewDetector(detectorConfig, aggregateStore.LastAvgPowerForMeter, logger)

	processorConfig := turbine.Config{
		FlushInterval1m:  config.GetEnvDuration("FLUSH_INTERVAL_1M", 60*time.Second),
		FlushInterval15m: config.GetEnvDuration("FLUSH_INTERVAL_15M", 900*time.Second),
		RegionCapacity:   config.GetRegionCapacityTable(),
		DefaultCapacity:  config.GetEnvFloat("DEFAULT_REGION_CAPACITY_KW", config.DefaultRegionCapacityKw),
	}
	processor := turbine.NewProcessor(processorConfig, detector, aggregateStore, producer, consumer, logger, metrics)

	consumer.AddHandler(kafka.TopicRawReadings, processor.HandleReading)

	poolGauge := metricsCollector.NewGauge("store_pool_connections", "ClickHouse connection pool state", []string{"state"})

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
		processor.Run(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				stats := aggregateStore.Stats()
				poolGauge.WithLabelValues("total").Set(float64(stats.Total))
				poolGauge.WithLabelValues("idle").Set(float64(stats.Idle))
				poolGauge.WithLabelValues("busy").Set(float64(stats.Busy))
			}
		}
	}()

	router := server.SetupServiceRouter(logger, "turbine", healthChecker, metricsCollector)

	serverConfig := server.DefaultConfig("turbine", "18081")
	if err := server.StartWithShutdown(serverConfig, router, logger, func(ctx context.Context) {
		// Stop the consumer and flush loops first: Drain must not run while
		// HandleReading can still touch the windows
		stop()
		wg.Wait()
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 20*time.Second)
		processor.Drain(drainCtx)
		drainCancel()
		producer.Close()
	}); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
