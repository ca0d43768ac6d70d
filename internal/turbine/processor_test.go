package turbine

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridflow/pkg/kafka"
	"gridflow/pkg/logging"
	"gridflow/pkg/models"
)

type fakeStore struct {
	err     error
	batches [][]models.Aggregate
}

func (s *fakeStore) UpsertAggregates1m(ctx context.Context, aggregates []models.Aggregate) error {
	if s.err != nil {
		return s.err
	}
	s.batches = append(s.batches, aggregates)
	return nil
}

func (s *fakeStore) UpsertAggregates15m(ctx context.Context, aggregates []models.Aggregate) error {
	return s.UpsertAggregates1m(ctx, aggregates)
}

type publishedRecord struct {
	Topic string
	Key   string
	Value interface{}
}

type fakePublisher struct {
	records []publishedRecord
}

func (p *fakePublisher) ProduceJSON(ctx context.Context, topic, key string, v interface{}, headers map[string]string) (kafka.ProduceResult, error) {
	p.records = append(p.records, publishedRecord{Topic: topic, Key: key, Value: v})
	return kafka.ProduceResult{Topic: topic}, nil
}

func (p *fakePublisher) byTopic(topic string) []publishedRecord {
	var out []publishedRecord
	for _, r := range p.records {
		if r.Topic == topic {
			out = append(out, r)
		}
	}
	return out
}

type fakeControl struct {
	pauses  int
	resumes int
}

func (c *fakeControl) Pause()  { c.pauses++ }
func (c *fakeControl) Resume() { c.resumes++ }

func testProcessorMetrics() *Metrics {
	return &Metrics{
		ReadingsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_readings_processed_total"}, []string{"region"}),
		LateDropped:       prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_late_dropped_total"}, []string{}),
		FlushedAggregates: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_flushed_aggregates_total"}, []string{"window"}),
		FlushErrors:       prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_flush_errors_total"}, []string{"window"}),
		FlushDuration:     prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "test_flush_duration_seconds"}, []string{"window"}),
		PublishErrors:     prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_publish_errors_total"}, []string{"topic"}),
		Anomalies:         prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_anomalies_total"}, []string{"severity"}),
	}
}

func testProcessor(store Store, publisher Publisher, control ConsumerControl) *Processor {
	logger := logging.NewLoggerWithService("test")
	cfg := Config{
		FlushInterval1m:  time.Minute,
		FlushInterval15m: 15 * time.Minute,
		RegionCapacity:   map[string]float64{"Pune-West": 1000},
		DefaultCapacity:  1_000_000,
	}
	detector := NewDetector(DefaultDetectorConfig(), nil, logger)
	return NewProcessor(cfg, detector, store, publisher, control, logger, testProcessorMetrics())
}

func readingMessage(t *testing.T, r models.Reading) kafka.Message {
	t.Helper()
	value, err := json.Marshal(r)
	require.NoError(t, err)
	return kafka.Message{Topic: kafka.TopicRawReadings, Value: value}
}

func TestHandleReadingMalformed(t *testing.T) {
	store := &fakeStore{}
	p := testProcessor(store, &fakePublisher{}, nil)

	err := p.HandleReading(context.Background(), kafka.Message{Value: []byte("{not json")})
	assert.NoError(t, err)
	assert.Equal(t, 0, p.windows1m.Len())
}

func TestFlushPublishesAndDrops(t *testing.T) {
	store := &fakeStore{}
	publisher := &fakePublisher{}
	p := testProcessor(store, publisher, nil)

	windowStart := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return windowStart.Add(30 * time.Second) }

	for i, power := range []float64{2, 3, 4, 5, 6, 1} {
		msg := readingMessage(t, reading("MTR-1", "Pune-West", windowStart.Add(time.Duration(i*9)*time.Second), power))
		require.NoError(t, p.HandleReading(context.Background(), msg))
	}

	p.now = func() time.Time { return windowStart.Add(61 * time.Second) }
	p.FlushOneMinute(context.Background())

	require.Len(t, store.batches, 1)
	require.Len(t, store.batches[0], 1)
	assert.InDelta(t, 3.5, store.batches[0][0].AvgPowerKw, 1e-9)

	perMeter := publisher.byTopic(kafka.TopicAggregates1m)
	require.Len(t, perMeter, 1)
	assert.Equal(t, "MTR-1", perMeter[0].Key)

	regionals := publisher.byTopic(kafka.TopicAggregates1mRegional)
	require.Len(t, regionals, 1)
	assert.Equal(t, "Pune-West", regionals[0].Key)
	regional, ok := regionals[0].Value.(models.RegionalAggregate)
	require.True(t, ok)
	assert.InDelta(t, 0.35, regional.LoadPercentage, 1e-9)

	// Buckets are gone; a second flush is a no-op
	p.FlushOneMinute(context.Background())
	assert.Len(t, store.batches, 1)
}

func TestFlushRetainsBucketsOnStoreFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("clickhouse down")}
	publisher := &fakePublisher{}
	p := testProcessor(store, publisher, nil)

	windowStart := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return windowStart }
	msg := readingMessage(t, reading("MTR-1", "Pune-West", windowStart, 2))
	require.NoError(t, p.HandleReading(context.Background(), msg))

	p.now = func() time.Time { return windowStart.Add(61 * time.Second) }
	p.FlushOneMinute(context.Background())

	// Nothing published, bucket kept for retry
	assert.Empty(t, publisher.records)
	assert.Equal(t, 1, p.windows1m.Len())

	store.err = nil
	p.FlushOneMinute(context.Background())
	require.Len(t, store.batches, 1)
	assert.Equal(t, 0, p.windows1m.Len())
	assert.Len(t, publisher.byTopic(kafka.TopicAggregates1m), 1)
}

func TestLateReadingsAreCounted(t *testing.T) {
	p := testProcessor(&fakeStore{}, &fakePublisher{}, nil)

	now := time.Date(2025, 11, 7, 10, 30, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	msg := readingMessage(t, reading("MTR-1", "Pune-West", now.Add(-2*time.Hour), 2))
	require.NoError(t, p.HandleReading(context.Background(), msg))

	// Both the 1m and 15m window sets reject the reading
	assert.Equal(t, 2.0, testutil.ToFloat64(p.metrics.LateDropped.WithLabelValues()))
}

func TestAnomalyAlertPublished(t *testing.T) {
	publisher := &fakePublisher{}
	p := testProcessor(&fakeStore{}, publisher, nil)

	base := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return base }
	for i := 0; i < 10; i++ {
		msg := readingMessage(t, reading("MTR-1", "Pune-West", base.Add(time.Duration(i)*time.Second), 2))
		require.NoError(t, p.HandleReading(context.Background(), msg))
	}
	msg := readingMessage(t, reading("MTR-1", "Pune-West", base.Add(11*time.Second), 5))
	require.NoError(t, p.HandleReading(context.Background(), msg))

	alerts := publisher.byTopic(kafka.TopicAlerts)
	require.Len(t, alerts, 1)
	assert.Equal(t, "MTR-1", alerts[0].Key)
	alert, ok := alerts[0].Value.(*models.Alert)
	require.True(t, ok)
	assert.Equal(t, models.AlertTypeAnomaly, alert.Type)
}

func TestDrainFlushesCurrentBuckets(t *testing.T) {
	store := &fakeStore{}
	p := testProcessor(store, &fakePublisher{}, nil)

	now := time.Date(2025, 11, 7, 10, 0, 30, 0, time.UTC)
	p.now = func() time.Time { return now }
	msg := readingMessage(t, reading("MTR-1", "Pune-West", now, 2))
	require.NoError(t, p.HandleReading(context.Background(), msg))

	// The bucket is still current, a normal flush keeps it
	p.FlushOneMinute(context.Background())
	assert.Empty(t, store.batches)

	p.Drain(context.Background())
	require.Len(t, store.batches, 2) // 1m and 15m paths
	assert.Equal(t, 0, p.windows1m.Len())
	assert.Equal(t, 0, p.windows15m.Len())
}

func TestRunExitsWithoutDraining(t *testing.T) {
	store := &fakeStore{}
	p := testProcessor(store, &fakePublisher{}, nil)

	now := time.Date(2025, 11, 7, 10, 0, 30, 0, time.UTC)
	p.now = func() time.Time { return now }
	msg := readingMessage(t, reading("MTR-1", "Pune-West", now, 2))
	require.NoError(t, p.HandleReading(context.Background(), msg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	// The loop leaves the in-memory buckets alone; the shutdown path drains
	// only after Run has returned
	assert.Empty(t, store.batches)
	assert.Equal(t, 1, p.windows1m.Len())

	p.Drain(context.Background())
	require.Len(t, store.batches, 2)
	assert.Equal(t, 0, p.windows1m.Len())
	assert.Equal(t, 0, p.windows15m.Len())
}

func TestBackpressurePausesAndResumes(t *testing.T) {
	store := &fakeStore{err: errors.New("slow store")}
	control := &fakeControl{}
	p := testProcessor(store, &fakePublisher{}, control)

	windowStart := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return windowStart }
	msg := readingMessage(t, reading("MTR-1", "Pune-West", windowStart, 2))
	require.NoError(t, p.HandleReading(context.Background(), msg))
	p.now = func() time.Time { return windowStart.Add(61 * time.Second) }

	for i := 0; i < slowWriteBudget; i++ {
		p.FlushOneMinute(context.Background())
	}
	assert.Equal(t, 1, control.pauses)

	store.err = nil
	p.FlushOneMinute(context.Background())
	assert.Equal(t, 1, control.resumes)
}
