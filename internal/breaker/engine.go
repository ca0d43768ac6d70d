package breaker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"gridflow/pkg/kafka"
	"gridflow/pkg/logging"
	"gridflow/pkg/models"
)

// A meter counts as silent after this much quiet time.
const outageThreshold = 30 * time.Second

// StateCache is the slice of the telemetry cache the alert engine uses.
type StateCache interface {
	InCooldown(ctx context.Context, ruleID, region, meterID string) (bool, error)
	SetCooldown(ctx context.Context, ruleID, region, meterID string, ttl time.Duration) (bool, error)
	MarkActiveAlert(ctx context.Context, region, alertType, meterID string, cooldown time.Duration) (bool, error)
	UpdateRegionLoad(ctx context.Context, region string, loadPercentage float64) error
	AddOverloadWindow(ctx context.Context, region string, windowStart time.Time) error
	TrimOverloadWindows(ctx context.Context, region string, cutoff time.Time) error
	CountOverloadWindows(ctx context.Context, region string, from, to time.Time) (int64, error)
	StaleMeters(ctx context.Context, cutoff time.Time) ([]string, error)
	GetMeterLastSeen(ctx context.Context, meterID string) (*models.MeterLiveness, error)
}

// Publisher is the slice of the Kafka producer the alert engine uses.
type Publisher interface {
	ProduceJSON(ctx context.Context, topic string, key string, v interface{}, headers map[string]string) (kafka.ProduceResult, error)
}

// Metrics holds the alert engine's Prometheus metrics
type Metrics struct {
	Raised        *prometheus.CounterVec // labels: rule
	CooldownSkips *prometheus.CounterVec // labels: rule
	DedupSkips    *prometheus.CounterVec // labels: rule
	EvalErrors    *prometheus.CounterVec // labels: rule
	OutageScans   *prometheus.CounterVec // no labels
}

// Engine evaluates the seeded rule set over contexts built from the
// regional aggregate stream, upstream anomaly alerts, and periodic meter
// liveness scans. Every evaluation failure is logged and skipped; the
// consumer loop is never crashed by a bad context.
type Engine struct {
	rules     []models.AlertRule
	cache     StateCache
	repo      *AlertRepository
	publisher Publisher
	logger    logging.Logger
	metrics   *Metrics
}

// NewEngine wires the alert engine with the seeded rules.
func NewEngine(rules []models.AlertRule, cache StateCache, repo *AlertRepository, publisher Publisher, logger logging.Logger, metrics *Metrics) *Engine {
	return &Engine{
		rules:     rules,
		cache:     cache,
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
	}
}

// HandleUpstreamAlert is the `alerts` topic consumer handler: upstream
// anomaly alerts are deduped, persisted, and forwarded to alerts_processed.
func (e *Engine) HandleUpstreamAlert(ctx context.Context, msg kafka.Message) error {
	rule, enabled := e.rule("anomaly_forward")
	if !enabled {
		return nil
	}

	var alert models.Alert
	if err := json.Unmarshal(msg.Value, &alert); err != nil {
		e.logger.WithError(err).WithField("offset", msg.Offset).Warn("Skipping malformed upstream alert")
		return nil
	}

	fresh, err := e.cache.MarkActiveAlert(ctx, alert.Region, alert.Type, alert.MeterID,
		time.Duration(rule.CooldownMs)*time.Millisecond)
	if err != nil {
		// Fail closed: without the marker a second engine could double-publish
		e.logger.WithError(err).WithField("alert_id", alert.ID).Warn("Active-alert marker unavailable, skipping forward")
		e.metrics.DedupSkips.WithLabelValues(rule.ID).Inc()
		return nil
	}
	if !fresh {
		e.metrics.DedupSkips.WithLabelValues(rule.ID).Inc()
		return nil
	}

	if err := e.repo.Insert(ctx, alert); err != nil {
		e.logger.WithError(err).WithField("alert_id", alert.ID).Error("Failed to persist forwarded alert")
		e.metrics.EvalErrors.WithLabelValues(rule.ID).Inc()
		return nil
	}

	if _, err := e.publisher.ProduceJSON(ctx, kafka.TopicAlertsProcessed, alertKey(alert), alert, nil); err != nil {
		e.logger.WithError(err).WithField("alert_id", alert.ID).Error("Failed to publish forwarded alert")
		e.metrics.EvalErrors.WithLabelValues(rule.ID).Inc()
		return nil
	}

	e.metrics.Raised.WithLabelValues(rule.ID).Inc()
	return nil
}

// HandleRegionalAggregate is the aggregates_1m_regional consumer handler:
// it refreshes the cached region load, tracks overload windows, and runs the
// region-scoped rules.
func (e *Engine) HandleRegionalAggregate(ctx context.Context, msg kafka.Message) error {
	var regional models.RegionalAggregate
	if err := json.Unmarshal(msg.Value, &regional); err != nil {
		e.logger.WithError(err).WithField("offset", msg.Offset).Warn("Skipping malformed regional aggregate")
		return nil
	}

	if err := e.cache.UpdateRegionLoad(ctx, regional.Region, regional.LoadPercentage); err != nil {
		e.logger.WithError(err).WithField("region", regional.Region).Debug("Failed to refresh cached region load")
	}
	if regional.LoadPercentage > 90 {
		if err := e.cache.AddOverloadWindow(ctx, regional.Region, regional.WindowStart); err != nil {
			e.logger.WithError(err).WithField("region", regional.Region).Debug("Failed to record overload window")
		}
	}
	if err := e.cache.TrimOverloadWindows(ctx, regional.Region, time.Now().Add(-10*time.Minute)); err != nil {
		e.logger.WithError(err).WithField("region", regional.Region).Debug("Failed to trim overload windows")
	}

	rctx := models.RuleContext{
		Region:    regional.Region,
		Timestamp: regional.WindowStart,
		Data: map[string]interface{}{
			FieldLoadPercentage: regional.LoadPercentage,
			"total_power_kw":    regional.TotalPowerKw,
			"meter_count":       float64(regional.MeterCount),
		},
	}
	e.EvaluateAll(ctx, rctx)
	return nil
}

// HandleMeterAggregate is the aggregates_1m consumer handler: it builds
// meter-scoped contexts for the consumption rules.
func (e *Engine) HandleMeterAggregate(ctx context.Context, msg kafka.Message) error {
	var aggregate models.Aggregate
	if err := json.Unmarshal(msg.Value, &aggregate); err != nil {
		e.logger.WithError(err).WithField("offset", msg.Offset).Warn("Skipping malformed aggregate")
		return nil
	}

	rctx := models.RuleContext{
		Region:    aggregate.Region,
		MeterID:   aggregate.MeterID,
		Timestamp: aggregate.WindowStart,
		Data: map[string]interface{}{
			FieldConsumption: aggregate.EnergyKwhSum,
			"avg_power_kw":   aggregate.AvgPowerKw,
			"max_power_kw":   aggregate.MaxPowerKw,
		},
	}
	e.EvaluateAll(ctx, rctx)
	return nil
}

// ScanOutages runs one liveness sweep: every meter silent longer than the
// outage threshold yields a meter-scoped context.
func (e *Engine) ScanOutages(ctx context.Context) {
	e.metrics.OutageScans.WithLabelValues().Inc()

	now := time.Now().UTC()
	stale, err := e.cache.StaleMeters(ctx, now.Add(-outageThreshold))
	if err != nil {
		e.logger.WithError(err).Warn("Meter liveness scan failed")
		return
	}

	for _, meterID := range stale {
		liveness, err := e.cache.GetMeterLastSeen(ctx, meterID)
		if err != nil || liveness == nil {
			continue
		}
		rctx := models.RuleContext{
			Region:    liveness.Region,
			MeterID:   meterID,
			Timestamp: now,
			Data: map[string]interface{}{
				FieldLastSeenAgoMs: float64(now.Sub(liveness.LastSeen).Milliseconds()),
			},
		}
		e.EvaluateAll(ctx, rctx)
	}
}

// RunOutageScanner drives ScanOutages until the context is cancelled.
func (e *Engine) RunOutageScanner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.ScanOutages(ctx)
		}
	}
}

// EvaluateAll runs every enabled conditional rule against one context.
func (e *Engine) EvaluateAll(ctx context.Context, rctx models.RuleContext) {
	for _, rule := range e.rules {
		if !rule.Enabled || len(rule.Conditions) == 0 {
			continue
		}
		e.evaluate(ctx, rule, rctx)
	}
}

// evaluate runs one rule: conditions, cooldown (fail closed), active-alert
// dedup, persist, publish, cooldown marker.
func (e *Engine) evaluate(ctx context.Context, rule models.AlertRule, rctx models.RuleContext) {
	matched, err := EvalRule(rule, rctx)
	if err != nil {
		e.logger.WithError(err).WithField("rule", rule.ID).Warn("Rule evaluation failed")
		e.metrics.EvalErrors.WithLabelValues(rule.ID).Inc()
		return
	}
	if !matched {
		return
	}

	if rule.CooldownMs > 0 {
		cooling, err := e.cache.InCooldown(ctx, rule.ID, rctx.Region, rctx.MeterID)
		if err != nil {
			// Fail closed: a duplicate page is worse than a delayed one
			e.logger.WithError(err).WithField("rule", rule.ID).Warn("Cooldown check unavailable, skipping alert")
			e.metrics.CooldownSkips.WithLabelValues(rule.ID).Inc()
			return
		}
		if cooling {
			e.metrics.CooldownSkips.WithLabelValues(rule.ID).Inc()
			return
		}
	}

	fresh, err := e.cache.MarkActiveAlert(ctx, rctx.Region, rule.Type, rctx.MeterID,
		time.Duration(rule.CooldownMs)*time.Millisecond)
	if err != nil {
		e.logger.WithError(err).WithField("rule", rule.ID).Warn("Active-alert marker unavailable, skipping alert")
		e.metrics.DedupSkips.WithLabelValues(rule.ID).Inc()
		return
	}
	if !fresh {
		e.metrics.DedupSkips.WithLabelValues(rule.ID).Inc()
		return
	}

	alert := e.buildAlert(ctx, rule, rctx)
	if err := e.repo.Insert(ctx, alert); err != nil {
		e.logger.WithError(err).WithField("rule", rule.ID).Error("Failed to persist alert")
		e.metrics.EvalErrors.WithLabelValues(rule.ID).Inc()
		return
	}

	if _, err := e.publisher.ProduceJSON(ctx, kafka.TopicAlertsProcessed, alertKey(alert), alert, nil); err != nil {
		e.logger.WithError(err).WithField("rule", rule.ID).Error("Failed to publish alert")
		e.metrics.EvalErrors.WithLabelValues(rule.ID).Inc()
		return
	}

	if rule.CooldownMs > 0 {
		if _, err := e.cache.SetCooldown(ctx, rule.ID, rctx.Region, rctx.MeterID,
			time.Duration(rule.CooldownMs)*time.Millisecond); err != nil {
			e.logger.WithError(err).WithField("rule", rule.ID).Warn("Failed to set cooldown marker")
		}
	}

	e.metrics.Raised.WithLabelValues(rule.ID).Inc()
	e.logger.WithFields(logging.Fields{
		"rule":     rule.ID,
		"alert_id": alert.ID,
		"region":   rctx.Region,
		"meter_id": rctx.MeterID,
		"severity": alert.Severity,
	}).Info("Alert raised")
}

func (e *Engine) buildAlert(ctx context.Context, rule models.AlertRule, rctx models.RuleContext) models.Alert {
	metadata := map[string]interface{}{"rule": rule.ID}
	for field, value := range rctx.Data {
		metadata[field] = value
	}

	var message string
	switch rule.Type {
	case models.AlertTypeRegionalOverload:
		load, _ := toFloat(rctx.Data[FieldLoadPercentage])
		message = fmt.Sprintf("Region %s at %.1f%% of capacity", rctx.Region, load)
		if count, err := e.cache.CountOverloadWindows(ctx, rctx.Region, time.Now().Add(-10*time.Minute), time.Now()); err == nil {
			metadata["overloadWindows10m"] = count
		}
	case models.AlertTypeMeterOutage:
		ago, _ := toFloat(rctx.Data[FieldLastSeenAgoMs])
		message = fmt.Sprintf("Meter %s silent for %.0fs", rctx.MeterID, ago/1000)
	case models.AlertTypeHighConsumption:
		consumption, _ := toFloat(rctx.Data[FieldConsumption])
		message = fmt.Sprintf("Meter %s consumed %.1f kWh in the last window", rctx.MeterID, consumption)
	case models.AlertTypeLowGeneration:
		generation, _ := toFloat(rctx.Data[FieldGenerationPercentage])
		message = fmt.Sprintf("Region %s generation headroom down to %.1f%%", rctx.Region, generation)
	default:
		message = fmt.Sprintf("Rule %s matched for region %s", rule.ID, rctx.Region)
	}

	return models.Alert{
		ID:        uuid.New().String(),
		Type:      rule.Type,
		Severity:  rule.Severity,
		Region:    rctx.Region,
		MeterID:   rctx.MeterID,
		Message:   message,
		Status:    models.AlertStatusActive,
		Timestamp: rctx.Timestamp.UTC(),
		Metadata:  metadata,
	}
}

// alertKey is the alerts_processed partition key: the alert id, or the meter
// id for upstream alerts that arrive without one.
func alertKey(alert models.Alert) string {
	if alert.ID != "" {
		return alert.ID
	}
	return alert.MeterID
}

func (e *Engine) rule(id string) (models.AlertRule, bool) {
	for _, rule := range e.rules {
		if rule.ID == id {
			return rule, rule.Enabled
		}
	}
	return models.AlertRule{}, false
}
