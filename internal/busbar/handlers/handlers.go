package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"gridflow/pkg/cache"
	"gridflow/pkg/kafka"
	"gridflow/pkg/logging"
	"gridflow/pkg/models"
	"gridflow/pkg/validation"
)

// Number of parallel validate+dedup workers for the batch endpoint
const batchWorkers = 32

// Producer is the slice of the Kafka producer the gateway uses.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) (kafka.ProduceResult, error)
	ProduceBatch(ctx context.Context, batch []kafka.BatchRecord) error
	InFlight() int64
}

// DedupCache is the slice of the telemetry cache the gateway uses.
type DedupCache interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	UpdateMeterLastSeen(ctx context.Context, meterID, region string, seen time.Time) error
}

// Metrics holds the gateway's Prometheus metrics
type Metrics struct {
	Success          *prometheus.CounterVec // labels: region
	Errors           *prometheus.CounterVec // labels: error_type
	ValidationErrors *prometheus.CounterVec // labels: field
	Duplicates       *prometheus.CounterVec // no labels
	PublishLatency   *prometheus.HistogramVec
	DedupLatency     *prometheus.HistogramVec
}

// IngestHandlers implements the telemetry ingestion endpoints.
type IngestHandlers struct {
	producer  Producer
	cache     DedupCache
	logger    logging.Logger
	metrics   *Metrics
	highWater int64
	lowWater  int64
	shedding  atomic.Bool
}

// NewIngestHandlers creates the gateway handlers. highWater/lowWater bound
// the producer's in-flight records: at or above highWater the gateway sheds
// load with 503s until in-flight drops below lowWater.
func NewIngestHandlers(producer Producer, dedup DedupCache, logger logging.Logger, metrics *Metrics, highWater, lowWater int64) *IngestHandlers {
	return &IngestHandlers{
		producer:  producer,
		cache:     dedup,
		logger:    logger,
		metrics:   metrics,
		highWater: highWater,
		lowWater:  lowWater,
	}
}

// overloaded applies the high/low water hysteresis to the producer queue.
func (h *IngestHandlers) overloaded() bool {
	inFlight := h.producer.InFlight()
	if h.shedding.Load() {
		if inFlight < h.lowWater {
			h.shedding.Store(false)
			return false
		}
		return true
	}
	if inFlight >= h.highWater {
		h.shedding.Store(true)
		return true
	}
	return false
}

// dedupOutcome classifies one reading during ingest
type dedupOutcome int

const (
	outcomeAccepted dedupOutcome = iota
	outcomeDuplicate
	outcomeInvalid
)

// checkDedup runs the atomic set-if-absent for a reading's dedup key.
// Cache unavailability fails open: ingestion proceeds without dedup rather
// than dropping valid telemetry.
func (h *IngestHandlers) checkDedup(ctx context.Context, reading *models.Reading) dedupOutcome {
	start := time.Now()
	fresh, err := h.cache.SetIfAbsent(ctx, reading.DedupKey(), "1", cache.DedupTTL)
	h.metrics.DedupLatency.WithLabelValues().Observe(time.Since(start).Seconds())

	if err != nil {
		h.logger.WithError(err).WithField("meter_id", reading.MeterID).Warn("Dedup cache unavailable, failing open")
		h.metrics.Errors.WithLabelValues("dedup_cache").Inc()
		return outcomeAccepted
	}
	if !fresh {
		h.metrics.Duplicates.WithLabelValues().Inc()
		return outcomeDuplicate
	}
	return outcomeAccepted
}

// touchLiveness refreshes the meter's last-seen record off the request path.
func (h *IngestHandlers) touchLiveness(reading models.Reading) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.cache.UpdateMeterLastSeen(ctx, reading.MeterID, reading.Region, time.Now().UTC()); err != nil {
			h.logger.WithError(err).WithField("meter_id", reading.MeterID).Debug("Failed to refresh meter liveness")
		}
	}()
}

// HandleTelemetry handles POST /telemetry
func (h *IngestHandlers) HandleTelemetry(c *gin.Context) {
	if h.overloaded() {
		h.metrics.Errors.WithLabelValues("backpressure").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "producer saturated, retry later"})
		return
	}

	var reading models.Reading
	if err := c.ShouldBindJSON(&reading); err != nil {
		h.metrics.Errors.WithLabelValues("malformed_body").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}

	if fieldErrs := validation.ValidateReading(&reading); len(fieldErrs) > 0 {
		for _, fe := range fieldErrs {
			h.metrics.ValidationErrors.WithLabelValues(fe.Field).Inc()
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": fieldErrs})
		return
	}

	if h.checkDedup(c.Request.Context(), &reading) == outcomeDuplicate {
		c.JSON(http.StatusOK, gin.H{"status": "success", "duplicate": true})
		return
	}

	value, err := json.Marshal(reading)
	if err != nil {
		h.metrics.Errors.WithLabelValues("marshal").Inc()
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode reading"})
		return
	}

	start := time.Now()
	result, err := h.producer.Produce(c.Request.Context(), kafka.TopicRawReadings, []byte(reading.MeterID), value, nil)
	h.metrics.PublishLatency.WithLabelValues().Observe(time.Since(start).Seconds())
	if err != nil {
		h.metrics.Errors.WithLabelValues("publish").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to publish reading"})
		return
	}

	h.metrics.Success.WithLabelValues(reading.Region).Inc()
	h.touchLiveness(reading)

	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"topic":     result.Topic,
		"partition": result.Partition,
		"offset":    result.Offset,
	})
}

// batchItemError reports why one reading of a batch was rejected
type batchItemError struct {
	Index  int                     `json:"index"`
	Fields []validation.FieldError `json:"fields"`
}

// HandleTelemetryBatch handles POST /telemetry/batch
func (h *IngestHandlers) HandleTelemetryBatch(c *gin.Context) {
	if h.overloaded() {
		h.metrics.Errors.WithLabelValues("backpressure").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "producer saturated, retry later"})
		return
	}

	var readings []models.Reading
	if err := c.ShouldBindJSON(&readings); err != nil {
		h.metrics.Errors.WithLabelValues("malformed_body").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}

	if fe := validation.ValidateBatchSize(len(readings)); fe != nil {
		h.metrics.ValidationErrors.WithLabelValues(fe.Field).Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": []validation.FieldError{*fe}})
		return
	}

	outcomes := make([]dedupOutcome, len(readings))
	var mu sync.Mutex
	var itemErrors []batchItemError

	g, gctx := errgroup.WithContext(c.Request.Context())
	g.SetLimit(batchWorkers)
	for i := range readings {
		i := i
		g.Go(func() error {
			if fieldErrs := validation.ValidateReading(&readings[i]); len(fieldErrs) > 0 {
				for _, fe := range fieldErrs {
					h.metrics.ValidationErrors.WithLabelValues(fe.Field).Inc()
				}
				outcomes[i] = outcomeInvalid
				mu.Lock()
				itemErrors = append(itemErrors, batchItemError{Index: i, Fields: fieldErrs})
				mu.Unlock()
				return nil
			}
			outcomes[i] = h.checkDedup(gctx, &readings[i])
			return nil
		})
	}
	// Workers never return errors; failures are recorded per item
	_ = g.Wait()

	var batch []kafka.BatchRecord
	var accepted, duplicates, failed int
	for i, outcome := range outcomes {
		switch outcome {
		case outcomeDuplicate:
			duplicates++
		case outcomeInvalid:
			failed++
		default:
			value, err := json.Marshal(readings[i])
			if err != nil {
				failed++
				continue
			}
			batch = append(batch, kafka.BatchRecord{
				Topic: kafka.TopicRawReadings,
				Key:   []byte(readings[i].MeterID),
				Value: value,
			})
			accepted++
		}
	}

	if len(batch) > 0 {
		start := time.Now()
		err := h.producer.ProduceBatch(c.Request.Context(), batch)
		h.metrics.PublishLatency.WithLabelValues().Observe(time.Since(start).Seconds())
		if err != nil {
			h.metrics.Errors.WithLabelValues("publish").Inc()
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to publish batch"})
			return
		}
	}

	for i, outcome := range outcomes {
		if outcome == outcomeAccepted {
			h.metrics.Success.WithLabelValues(readings[i].Region).Inc()
			h.touchLiveness(readings[i])
		}
	}

	status := http.StatusOK
	if failed > 0 {
		status = http.StatusMultiStatus
	}
	response := gin.H{
		"accepted":   accepted,
		"duplicates": duplicates,
		"failed":     failed,
	}
	if len(itemErrors) > 0 {
		response["errors"] = itemErrors
	}
	c.JSON(status, response)
}
