package breaker

import (
	"context"
	"encoding/json"
	"errors"
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

// fakeStateCache is an in-memory StateCache with injectable failures.
type fakeStateCache struct {
	cooldowns    map[string]time.Time
	activeAlerts map[string]time.Time
	liveness     map[string]models.MeterLiveness
	regionLoads  map[string]float64

	cooldownErr error
	markerErr   error
	now         time.Time
}

func newFakeStateCache() *fakeStateCache {
	return &fakeStateCache{
		cooldowns:    make(map[string]time.Time),
		activeAlerts: make(map[string]time.Time),
		liveness:     make(map[string]models.MeterLiveness),
		regionLoads:  make(map[string]float64),
		now:          time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC),
	}
}

func cooldownKey(ruleID, region, meterID string) string {
	return ruleID + "|" + region + "|" + meterID
}

func (c *fakeStateCache) InCooldown(ctx context.Context, ruleID, region, meterID string) (bool, error) {
	if c.cooldownErr != nil {
		return false, c.cooldownErr
	}
	expiry, ok := c.cooldowns[cooldownKey(ruleID, region, meterID)]
	return ok && c.now.Before(expiry), nil
}

func (c *fakeStateCache) SetCooldown(ctx context.Context, ruleID, region, meterID string, ttl time.Duration) (bool, error) {
	c.cooldowns[cooldownKey(ruleID, region, meterID)] = c.now.Add(ttl)
	return true, nil
}

func (c *fakeStateCache) MarkActiveAlert(ctx context.Context, region, alertType, meterID string, cooldown time.Duration) (bool, error) {
	if c.markerErr != nil {
		return false, c.markerErr
	}
	// Same TTL clamp as the Redis-backed cache
	ttl := 5 * time.Minute
	if cooldown > 0 && cooldown < ttl {
		ttl = cooldown
	}
	key := region + "|" + alertType + "|" + meterID
	if expiry, ok := c.activeAlerts[key]; ok && c.now.Before(expiry) {
		return false, nil
	}
	c.activeAlerts[key] = c.now.Add(ttl)
	return true, nil
}

func (c *fakeStateCache) UpdateRegionLoad(ctx context.Context, region string, loadPercentage float64) error {
	c.regionLoads[region] = loadPercentage
	return nil
}

func (c *fakeStateCache) AddOverloadWindow(ctx context.Context, region string, windowStart time.Time) error {
	return nil
}

func (c *fakeStateCache) TrimOverloadWindows(ctx context.Context, region string, cutoff time.Time) error {
	return nil
}

func (c *fakeStateCache) CountOverloadWindows(ctx context.Context, region string, from, to time.Time) (int64, error) {
	return 0, nil
}

func (c *fakeStateCache) StaleMeters(ctx context.Context, cutoff time.Time) ([]string, error) {
	var stale []string
	for meterID, l := range c.liveness {
		if l.LastSeen.Before(cutoff) {
			stale = append(stale, meterID)
		}
	}
	return stale, nil
}

func (c *fakeStateCache) GetMeterLastSeen(ctx context.Context, meterID string) (*models.MeterLiveness, error) {
	l, ok := c.liveness[meterID]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

type publishedAlert struct {
	Topic string
	Key   string
	Value interface{}
}

type fakePublisher struct {
	records []publishedAlert
}

func (p *fakePublisher) ProduceJSON(ctx context.Context, topic, key string, v interface{}, headers map[string]string) (kafka.ProduceResult, error) {
	p.records = append(p.records, publishedAlert{Topic: topic, Key: key, Value: v})
	return kafka.ProduceResult{Topic: topic}, nil
}

func testBreakerMetrics() *Metrics {
	return &Metrics{
		Raised:        prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_alerts_raised_total"}, []string{"rule"}),
		CooldownSkips: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_cooldown_skips_total"}, []string{"rule"}),
		DedupSkips:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_dedup_skips_total"}, []string{"rule"}),
		EvalErrors:    prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_eval_errors_total"}, []string{"rule"}),
		OutageScans:   prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_outage_scans_total"}, []string{}),
	}
}

func testEngine(t *testing.T, cache StateCache) (*Engine, *fakePublisher, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	publisher := &fakePublisher{}
	engine := NewEngine(SeededRules(), cache, NewAlertRepository(db), publisher,
		logging.NewLoggerWithService("test"), testBreakerMetrics())
	return engine, publisher, mock
}

func outageContext(meterID string, agoMs float64) models.RuleContext {
	return models.RuleContext{
		Region:    "Pune-West",
		MeterID:   meterID,
		Timestamp: time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC),
		Data:      map[string]interface{}{FieldLastSeenAgoMs: agoMs},
	}
}

func TestOutageRuleFiresOnceDuringCooldown(t *testing.T) {
	cache := newFakeStateCache()
	engine, publisher, mock := testEngine(t, cache)
	mock.ExpectExec("INSERT INTO alerts").WillReturnResult(sqlmock.NewResult(0, 1))

	// 35s silent: rule fires, alert published, cooldown set
	engine.EvaluateAll(context.Background(), outageContext("MTR-1", 35000))
	require.Len(t, publisher.records, 1)
	assert.Equal(t, kafka.TopicAlertsProcessed, publisher.records[0].Topic)
	alert := publisher.records[0].Value.(models.Alert)
	assert.Equal(t, models.AlertTypeMeterOutage, alert.Type)
	assert.Equal(t, "MTR-1", alert.MeterID)
	assert.Equal(t, alert.ID, publisher.records[0].Key)

	// 20s later, same condition: still cooling down
	cache.now = cache.now.Add(20 * time.Second)
	engine.EvaluateAll(context.Background(), outageContext("MTR-1", 55000))
	assert.Len(t, publisher.records, 1)

	// 70s after the first alert both the 60s cooldown and the active-alert
	// marker (capped at the cooldown) have lapsed, so the rule fires again
	cache.now = cache.now.Add(50 * time.Second)
	mock.ExpectExec("INSERT INTO alerts").WillReturnResult(sqlmock.NewResult(0, 1))
	engine.EvaluateAll(context.Background(), outageContext("MTR-1", 125000))
	assert.Len(t, publisher.records, 2)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCooldownFailsClosed(t *testing.T) {
	cache := newFakeStateCache()
	cache.cooldownErr = errors.New("redis down")
	engine, publisher, mock := testEngine(t, cache)

	engine.EvaluateAll(context.Background(), outageContext("MTR-1", 35000))
	assert.Empty(t, publisher.records)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveAlertMarkerSuppressesDuplicate(t *testing.T) {
	cache := newFakeStateCache()
	engine, publisher, mock := testEngine(t, cache)
	mock.ExpectExec("INSERT INTO alerts").WillReturnResult(sqlmock.NewResult(0, 1))

	// Another engine already holds the marker for MTR-2
	cache.activeAlerts["Pune-West|METER_OUTAGE|MTR-2"] = cache.now.Add(time.Minute)

	engine.EvaluateAll(context.Background(), outageContext("MTR-1", 35000))
	engine.EvaluateAll(context.Background(), outageContext("MTR-2", 35000))

	require.Len(t, publisher.records, 1)
	alert := publisher.records[0].Value.(models.Alert)
	assert.Equal(t, "MTR-1", alert.MeterID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegionalOverloadFromAggregate(t *testing.T) {
	cache := newFakeStateCache()
	engine, publisher, mock := testEngine(t, cache)
	mock.ExpectExec("INSERT INTO alerts").WillReturnResult(sqlmock.NewResult(0, 1))

	value, err := json.Marshal(models.RegionalAggregate{
		Region:         "Pune-West",
		WindowStart:    time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC),
		LoadPercentage: 94,
		TotalPowerKw:   940,
		MeterCount:     12,
	})
	require.NoError(t, err)

	err = engine.HandleRegionalAggregate(context.Background(), kafka.Message{Value: value})
	require.NoError(t, err)

	assert.Equal(t, 94.0, cache.regionLoads["Pune-West"])
	require.Len(t, publisher.records, 1)
	alert := publisher.records[0].Value.(models.Alert)
	assert.Equal(t, models.AlertTypeRegionalOverload, alert.Type)
	assert.Equal(t, models.SeverityHigh, alert.Severity)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegionalAggregateBelowThresholdNoAlert(t *testing.T) {
	cache := newFakeStateCache()
	engine, publisher, mock := testEngine(t, cache)

	value, err := json.Marshal(models.RegionalAggregate{
		Region:         "Pune-West",
		WindowStart:    time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC),
		LoadPercentage: 60,
	})
	require.NoError(t, err)

	require.NoError(t, engine.HandleRegionalAggregate(context.Background(), kafka.Message{Value: value}))
	assert.Empty(t, publisher.records)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAnomalyForward(t *testing.T) {
	cache := newFakeStateCache()
	engine, publisher, mock := testEngine(t, cache)
	mock.ExpectExec("INSERT INTO alerts").WillReturnResult(sqlmock.NewResult(0, 1))

	upstream := models.Alert{
		ID:        "a-1",
		Type:      models.AlertTypeAnomaly,
		Severity:  models.SeverityMedium,
		Region:    "Pune-West",
		MeterID:   "MTR-1",
		Message:   "spike",
		Status:    models.AlertStatusActive,
		Timestamp: time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC),
	}
	value, err := json.Marshal(upstream)
	require.NoError(t, err)

	require.NoError(t, engine.HandleUpstreamAlert(context.Background(), kafka.Message{Value: value}))
	require.Len(t, publisher.records, 1)
	assert.Equal(t, kafka.TopicAlertsProcessed, publisher.records[0].Topic)
	assert.Equal(t, "a-1", publisher.records[0].Key)

	// Same logical anomaly again: the active-alert marker suppresses it
	require.NoError(t, engine.HandleUpstreamAlert(context.Background(), kafka.Message{Value: value}))
	assert.Len(t, publisher.records, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestScanOutagesBuildsContexts(t *testing.T) {
	cache := newFakeStateCache()
	engine, publisher, mock := testEngine(t, cache)
	mock.ExpectExec("INSERT INTO alerts").WillReturnResult(sqlmock.NewResult(0, 1))

	now := time.Now().UTC()
	cache.liveness["MTR-1"] = models.MeterLiveness{MeterID: "MTR-1", Region: "Pune-West", LastSeen: now.Add(-45 * time.Second)}
	cache.liveness["MTR-2"] = models.MeterLiveness{MeterID: "MTR-2", Region: "Pune-West", LastSeen: now.Add(-5 * time.Second)}
	cache.now = now

	engine.ScanOutages(context.Background())

	require.Len(t, publisher.records, 1)
	alert := publisher.records[0].Value.(models.Alert)
	assert.Equal(t, "MTR-1", alert.MeterID)
	require.NoError(t, mock.ExpectationsWereMet())
}
