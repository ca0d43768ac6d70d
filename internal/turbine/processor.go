package turbine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"gridflow/pkg/kafka"
	"gridflow/pkg/logging"
	"gridflow/pkg/models"
)

// Store writes become "slow" past this duration; a run of slow writes pauses
// the consumer until a fast write goes through.
const (
	slowWriteThreshold = 2 * time.Second
	slowWriteBudget    = 3
)

// Store is the slice of the aggregate store the processor uses.
type Store interface {
	UpsertAggregates1m(ctx context.Context, aggregates []models.Aggregate) error
	UpsertAggregates15m(ctx context.Context, aggregates []models.Aggregate) error
}

// Publisher is the slice of the Kafka producer the processor uses.
type Publisher interface {
	ProduceJSON(ctx context.Context, topic string, key string, v interface{}, headers map[string]string) (kafka.ProduceResult, error)
}

// ConsumerControl pauses and resumes the upstream consumer for backpressure.
type ConsumerControl interface {
	Pause()
	Resume()
}

// Metrics holds the processor's Prometheus metrics
type Metrics struct {
	ReadingsProcessed *prometheus.CounterVec   // labels: region
	LateDropped       *prometheus.CounterVec   // no labels
	FlushedAggregates *prometheus.CounterVec   // labels: window
	FlushErrors       *prometheus.CounterVec   // labels: window
	FlushDuration     *prometheus.HistogramVec // labels: window
	PublishErrors     *prometheus.CounterVec   // labels: topic
	Anomalies         *prometheus.CounterVec   // labels: severity
}

// Config holds processor tunables.
type Config struct {
	FlushInterval1m  time.Duration
	FlushInterval15m time.Duration
	RegionCapacity   map[string]float64
	DefaultCapacity  float64
}

// Processor is the stream-aggregation state machine: it folds raw readings
// into 1m and 15m windows, flushes closed windows to the store and the
// aggregate topics, and runs anomaly detection per reading.
//
// The consumer loop is serial per partition; flush timers run concurrently
// but only touch buckets the live loop no longer writes to.
type Processor struct {
	cfg        Config
	windows1m  *WindowSet
	windows15m *WindowSet
	detector   *Detector
	store      Store
	publisher  Publisher
	control    ConsumerControl
	logger     logging.Logger
	metrics    *Metrics

	slowWrites int
	paused     bool

	// now is swappable for tests
	now func() time.Time
}

// NewProcessor wires the processor. control may be nil when no backpressure
// hook is available (tests).
func NewProcessor(cfg Config, detector *Detector, store Store, publisher Publisher, control ConsumerControl, logger logging.Logger, metrics *Metrics) *Processor {
	return &Processor{
		cfg:        cfg,
		windows1m:  NewWindowSet(Bucket1m),
		windows15m: NewWindowSet(Bucket15m),
		detector:   detector,
		store:      store,
		publisher:  publisher,
		control:    control,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// HandleReading is the raw_readings consumer handler. Malformed payloads are
// permanent failures: they are counted and skipped so they never block the
// partition.
func (p *Processor) HandleReading(ctx context.Context, msg kafka.Message) error {
	var reading models.Reading
	if err := json.Unmarshal(msg.Value, &reading); err != nil {
		p.logger.WithError(err).WithFields(logging.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Warn("Skipping malformed reading")
		return nil
	}

	now := p.now()
	if !p.windows1m.Add(reading, now) {
		p.metrics.LateDropped.WithLabelValues().Inc()
	}
	if !p.windows15m.Add(reading, now) {
		p.metrics.LateDropped.WithLabelValues().Inc()
	}
	p.metrics.ReadingsProcessed.WithLabelValues(reading.Region).Inc()

	if alert := p.detector.Evaluate(ctx, reading); alert != nil {
		p.metrics.Anomalies.WithLabelValues(alert.Severity).Inc()
		if _, err := p.publisher.ProduceJSON(ctx, kafka.TopicAlerts, reading.MeterID, alert, nil); err != nil {
			// The durable aggregate path is unaffected; count and move on
			p.metrics.PublishErrors.WithLabelValues(kafka.TopicAlerts).Inc()
			p.logger.WithError(err).WithField("meter_id", reading.MeterID).Error("Failed to publish anomaly alert")
		}
	}

	return nil
}

// Run drives the flush timers until the context is cancelled. The final
// drain is the caller's job, after the consumer loop has exited: Drain swaps
// the processor clock and must never run concurrently with HandleReading.
func (p *Processor) Run(ctx context.Context) {
	ticker1m := time.NewTicker(p.cfg.FlushInterval1m)
	ticker15m := time.NewTicker(p.cfg.FlushInterval15m)
	defer ticker1m.Stop()
	defer ticker15m.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker1m.C:
			p.FlushOneMinute(ctx)
		case <-ticker15m.C:
			p.FlushFifteenMinute(ctx)
		}
	}
}

// FlushOneMinute flushes closed 1m buckets: store upsert, per-meter publish,
// regional publish, then bucket drop. A store failure retains the buckets
// for the next tick.
func (p *Processor) FlushOneMinute(ctx context.Context) {
	flushable := p.windows1m.Snapshot(p.now())
	if len(flushable) == 0 {
		return
	}
	aggregates := BuildAggregates(flushable)

	if err := p.writeStore(ctx, "1m", func() error {
		return p.store.UpsertAggregates1m(ctx, aggregates)
	}); err != nil {
		return
	}

	for _, aggregate := range aggregates {
		if _, err := p.publisher.ProduceJSON(ctx, kafka.TopicAggregates1m, aggregate.MeterID, aggregate, nil); err != nil {
			p.metrics.PublishErrors.WithLabelValues(kafka.TopicAggregates1m).Inc()
		}
	}

	regionals := BuildRegionalAggregates(aggregates, p.cfg.RegionCapacity, p.cfg.DefaultCapacity)
	for _, regional := range regionals {
		if _, err := p.publisher.ProduceJSON(ctx, kafka.TopicAggregates1mRegional, regional.Region, regional, nil); err != nil {
			p.metrics.PublishErrors.WithLabelValues(kafka.TopicAggregates1mRegional).Inc()
		}
	}

	p.dropFlushed(p.windows1m, flushable, "1m", len(aggregates))
}

// FlushFifteenMinute flushes closed 15m buckets.
func (p *Processor) FlushFifteenMinute(ctx context.Context) {
	flushable := p.windows15m.Snapshot(p.now())
	if len(flushable) == 0 {
		return
	}
	aggregates := BuildAggregates(flushable)

	if err := p.writeStore(ctx, "15m", func() error {
		return p.store.UpsertAggregates15m(ctx, aggregates)
	}); err != nil {
		return
	}

	for _, aggregate := range aggregates {
		if _, err := p.publisher.ProduceJSON(ctx, kafka.TopicAggregates15m, aggregate.MeterID, aggregate, nil); err != nil {
			p.metrics.PublishErrors.WithLabelValues(kafka.TopicAggregates15m).Inc()
		}
	}

	p.dropFlushed(p.windows15m, flushable, "15m", len(aggregates))
}

// Drain flushes everything still in memory, including the current buckets.
// Called once during shutdown, strictly after the consumer and flush
// goroutines have stopped: it replaces the processor clock unsynchronized.
func (p *Processor) Drain(ctx context.Context) {
	farFuture := p.now().Add(24 * time.Hour)
	saved := p.now
	p.now = func() time.Time { return farFuture }
	defer func() { p.now = saved }()

	p.FlushOneMinute(ctx)
	p.FlushFifteenMinute(ctx)
}

func (p *Processor) dropFlushed(set *WindowSet, flushable map[int64]map[string]*MeterWindow, window string, count int) {
	buckets := make([]int64, 0, len(flushable))
	for bucket := range flushable {
		buckets = append(buckets, bucket)
	}
	set.Drop(buckets)

	p.metrics.FlushedAggregates.WithLabelValues(window).Add(float64(count))
	p.logger.WithFields(logging.Fields{
		"window":     window,
		"buckets":    len(buckets),
		"aggregates": count,
	}).Debug("Flushed aggregation buckets")
}

// writeStore runs one store write, tracking duration for the backpressure
// hook: a run of slow writes pauses the consumer, a fast write resumes it.
func (p *Processor) writeStore(ctx context.Context, window string, write func() error) error {
	start := time.Now()
	err := write()
	elapsed := time.Since(start)
	p.metrics.FlushDuration.WithLabelValues(window).Observe(elapsed.Seconds())

	if err != nil {
		p.metrics.FlushErrors.WithLabelValues(window).Inc()
		p.logger.WithError(err).WithField("window", window).Error("Store flush failed, retaining buckets")
		p.noteWriteLatency(elapsed, true)
		return err
	}

	p.noteWriteLatency(elapsed, false)
	return nil
}

func (p *Processor) noteWriteLatency(elapsed time.Duration, failed bool) {
	if p.control == nil {
		return
	}
	if failed || elapsed > slowWriteThreshold {
		p.slowWrites++
		if p.slowWrites >= slowWriteBudget && !p.paused {
			p.control.Pause()
			p.paused = true
			p.logger.Warn("Store persistently slow, pausing raw_readings consumer")
		}
		return
	}
	p.slowWrites = 0
	if p.paused {
		p.control.Resume()
		p.paused = false
		p.logger.Info("Store recovered, resuming raw_readings consumer")
	}
}
