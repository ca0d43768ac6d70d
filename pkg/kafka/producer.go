package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Publish retry budget: initial 300ms, exponential backoff capped at 30s,
// 8 attempts total. After the budget the message is dropped and counted.
const (
	publishBaseDelay   = 300 * time.Millisecond
	publishMaxDelay    = 30 * time.Second
	publishMaxAttempts = 8
)

// ProduceResult reports where a record landed.
type ProduceResult struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

// Producer wraps a franz-go client with the backbone's publish semantics:
// sync produce with a bounded retry budget, per-key partitioning, and an
// in-flight gauge the gateway uses for backpressure.
type Producer struct {
	client   *kgo.Client
	logger   *logrus.Logger
	retry    retrypolicy.RetryPolicy[*kgo.Record]
	inFlight atomic.Int64
	dropped  atomic.Int64
}

// NewProducer creates a producer connected to the given brokers.
func NewProducer(brokers []string, clientID string, logger *logrus.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	retry := retrypolicy.NewBuilder[*kgo.Record]().
		WithBackoff(publishBaseDelay, publishMaxDelay).
		WithMaxAttempts(publishMaxAttempts).
		HandleIf(func(_ *kgo.Record, err error) bool {
			if err == nil {
				return false
			}
			// Retrying a cancelled produce cannot succeed
			return err != context.Canceled && err != context.DeadlineExceeded
		}).
		Build()

	return &Producer{
		client: client,
		logger: logger,
		retry:  retry,
	}, nil
}

func (p *Producer) Close() error {
	p.client.Close()
	return nil
}

// Produce publishes one record and returns its partition and offset. The key
// determines the partition, which preserves per-key ordering.
func (p *Producer) Produce(ctx context.Context, topic string, key, value []byte, headers map[string]string) (ProduceResult, error) {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	p.inFlight.Add(1)
	defer p.inFlight.Add(-1)

	produced, err := failsafe.With(p.retry).WithContext(ctx).Get(func() (*kgo.Record, error) {
		produceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		result := p.client.ProduceSync(produceCtx, record)
		if err := result.FirstErr(); err != nil {
			return nil, err
		}
		r, _ := result.First()
		return r, nil
	})
	if err != nil {
		p.dropped.Add(1)
		p.logger.WithError(err).WithField("topic", topic).Error("Dropping message after exhausting publish retries")
		return ProduceResult{}, fmt.Errorf("failed to produce message: %w", err)
	}

	return ProduceResult{Topic: produced.Topic, Partition: produced.Partition, Offset: produced.Offset}, nil
}

// ProduceJSON marshals v and publishes it.
func (p *Producer) ProduceJSON(ctx context.Context, topic string, key string, v interface{}, headers map[string]string) (ProduceResult, error) {
	value, err := json.Marshal(v)
	if err != nil {
		return ProduceResult{}, fmt.Errorf("failed to marshal message: %w", err)
	}
	return p.Produce(ctx, topic, []byte(key), value, headers)
}

// BatchRecord is one record of a multi-record produce.
type BatchRecord struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// ProduceBatch publishes all records in a single produce call. Used by the
// gateway's batch endpoint so the unique subset lands atomically enough for
// at-least-once delivery.
func (p *Producer) ProduceBatch(ctx context.Context, batch []BatchRecord) error {
	if len(batch) == 0 {
		return nil
	}

	records := make([]*kgo.Record, 0, len(batch))
	for _, b := range batch {
		record := &kgo.Record{Topic: b.Topic, Key: b.Key, Value: b.Value}
		for k, v := range b.Headers {
			record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
		}
		records = append(records, record)
	}

	p.inFlight.Add(int64(len(records)))
	defer p.inFlight.Add(int64(-len(records)))

	_, err := failsafe.With(p.retry).WithContext(ctx).Get(func() (*kgo.Record, error) {
		produceCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		results := p.client.ProduceSync(produceCtx, records...)
		if err := results.FirstErr(); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		p.dropped.Add(int64(len(records)))
		p.logger.WithError(err).WithField("records", len(records)).Error("Dropping batch after exhausting publish retries")
		return fmt.Errorf("failed to produce batch: %w", err)
	}

	return nil
}

// InFlight returns the number of records currently being produced. The
// gateway compares this against its high-water mark to decide when to shed
// load with 503s.
func (p *Producer) InFlight() int64 {
	return p.inFlight.Load()
}

// Dropped returns the number of records dropped after retry exhaustion.
func (p *Producer) Dropped() int64 {
	return p.dropped.Load()
}

// HealthCheck pings the brokers
func (p *Producer) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// GetClient returns the underlying kgo.Client for health checks
func (p *Producer) GetClient() *kgo.Client {
	return p.client
}
