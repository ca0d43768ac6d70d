package dynamo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridflow/pkg/kafka"
	"gridflow/pkg/logging"
	"gridflow/pkg/models"
)

type fakeTariffCache struct {
	set     []models.Tariff
	preload []models.Tariff
}

func (c *fakeTariffCache) SetTariff(ctx context.Context, tariff models.Tariff) error {
	c.set = append(c.set, tariff)
	return nil
}

func (c *fakeTariffCache) PreloadTariffs(ctx context.Context, tariffs []models.Tariff) error {
	c.preload = append(c.preload, tariffs...)
	return nil
}

type publishedUpdate struct {
	Topic string
	Key   string
	Value interface{}
}

type fakePublisher struct {
	records []publishedUpdate
}

func (p *fakePublisher) ProduceJSON(ctx context.Context, topic, key string, v interface{}, headers map[string]string) (kafka.ProduceResult, error) {
	p.records = append(p.records, publishedUpdate{Topic: topic, Key: key, Value: v})
	return kafka.ProduceResult{Topic: topic}, nil
}

func testEngineMetrics() *Metrics {
	return &Metrics{
		Updates:        prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_tariff_updates_total"}, []string{"region", "trigger"}),
		HysteresisSkip: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_hysteresis_skips_total"}, []string{"region"}),
		Errors:         prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_errors_total"}, []string{"stage"}),
	}
}

func testEngine(t *testing.T) (*Engine, *fakePublisher, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	publisher := &fakePublisher{}
	engine := NewEngine(DefaultEngineConfig(), NewTariffRepository(db), &fakeTariffCache{}, publisher,
		logging.NewLoggerWithService("test"), testEngineMetrics())
	return engine, publisher, mock
}

func regionalMessage(t *testing.T, region string, loadPercentage float64) kafka.Message {
	t.Helper()
	value, err := json.Marshal(models.RegionalAggregate{
		Region:         region,
		WindowStart:    time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC),
		LoadPercentage: loadPercentage,
	})
	require.NoError(t, err)
	return kafka.Message{Topic: kafka.TopicAggregates1mRegional, Value: value}
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		load       float64
		wantTier   string
		wantFactor float64
	}{
		{95, TierCritical, 1.25},
		{90.01, TierCritical, 1.25},
		{90, TierHigh, 1.10},
		{75, TierHigh, 1.10},
		{74.99, TierNormal, 1.00},
		{50, TierNormal, 1.00},
		{49.99, TierLow, 0.90},
		{25, TierLow, 0.90},
		{24.99, TierVeryLow, 0.80},
		{0, TierVeryLow, 0.80},
	}
	for _, tt := range tests {
		tier, factor := TierFor(tt.load)
		assert.Equal(t, tt.wantTier, tier, "load %.2f", tt.load)
		assert.Equal(t, tt.wantFactor, factor, "load %.2f", tt.load)
	}
}

func TestAutoRepriceCriticalTier(t *testing.T) {
	engine, publisher, mock := testEngine(t)
	mock.ExpectExec("INSERT INTO tariffs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := engine.HandleRegionalAggregate(context.Background(), regionalMessage(t, "Pune-West", 92))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, publisher.records, 1)
	assert.Equal(t, kafka.TopicTariffUpdates, publisher.records[0].Topic)
	assert.Equal(t, "Pune-West", publisher.records[0].Key)

	update, ok := publisher.records[0].Value.(models.TariffUpdate)
	require.True(t, ok)
	assert.InDelta(t, 6.25, update.PricePerKwh, 1e-9)
	assert.Equal(t, TierCritical, update.Tier)
	assert.Equal(t, models.TariffTriggerAuto, update.TriggeredBy)

	price, known := engine.LastPrice("Pune-West")
	require.True(t, known)
	assert.InDelta(t, 6.25, price, 1e-9)
}

func TestHysteresisSuppressesRepeat(t *testing.T) {
	engine, publisher, mock := testEngine(t)
	mock.ExpectExec("INSERT INTO tariffs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, engine.HandleRegionalAggregate(context.Background(), regionalMessage(t, "Pune-West", 92)))
	require.Len(t, publisher.records, 1)

	// Still critical tier: same computed price, difference 0 < 0.10
	require.NoError(t, engine.HandleRegionalAggregate(context.Background(), regionalMessage(t, "Pune-West", 91)))
	assert.Len(t, publisher.records, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTierChangePublishes(t *testing.T) {
	engine, publisher, mock := testEngine(t)
	mock.ExpectExec("INSERT INTO tariffs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO tariffs").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, engine.HandleRegionalAggregate(context.Background(), regionalMessage(t, "Pune-West", 92)))
	require.NoError(t, engine.HandleRegionalAggregate(context.Background(), regionalMessage(t, "Pune-West", 80)))
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, publisher.records, 2)
	update := publisher.records[1].Value.(models.TariffUpdate)
	assert.InDelta(t, 5.50, update.PricePerKwh, 1e-9)
	assert.InDelta(t, 6.25, update.PreviousPrice, 1e-9)
	assert.Equal(t, TierHigh, update.Tier)
}

func TestOverrideBypassesHysteresis(t *testing.T) {
	engine, publisher, mock := testEngine(t)
	mock.ExpectExec("INSERT INTO tariffs").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO tariffs").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, engine.HandleRegionalAggregate(context.Background(), regionalMessage(t, "Pune-West", 60)))

	// A 5 paise move would be suppressed on the AUTO path
	tariff, fieldErrs, err := engine.Override(context.Background(), models.TariffOverrideRequest{
		Region:   "Pune-West",
		NewPrice: 5.05,
		Reason:   "grid maintenance pricing",
	})
	require.NoError(t, err)
	require.Empty(t, fieldErrs)
	require.NotNil(t, tariff)
	assert.Equal(t, models.TariffTriggerManual, tariff.TriggeredBy)
	assert.InDelta(t, 5.05, tariff.PricePerKwh, 1e-9)

	require.Len(t, publisher.records, 2)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOverrideValidation(t *testing.T) {
	engine, publisher, _ := testEngine(t)

	tariff, fieldErrs, err := engine.Override(context.Background(), models.TariffOverrideRequest{
		Region:   "Pune-West",
		NewPrice: 25.00,
		Reason:   "short",
	})
	require.NoError(t, err)
	assert.Nil(t, tariff)
	require.Len(t, fieldErrs, 2)
	assert.Empty(t, publisher.records)
}

func TestAutoPriceClamp(t *testing.T) {
	engine, _, _ := testEngine(t)

	assert.Equal(t, 0.50, engine.clamp(0.10))
	assert.Equal(t, 20.00, engine.clamp(31.00))
	assert.Equal(t, 6.25, engine.clamp(6.25))
}

func TestMalformedRegionalAggregateSkipped(t *testing.T) {
	engine, publisher, mock := testEngine(t)

	err := engine.HandleRegionalAggregate(context.Background(), kafka.Message{Value: []byte("{oops")})
	assert.NoError(t, err)
	assert.Empty(t, publisher.records)
	require.NoError(t, mock.ExpectationsWereMet())
}
