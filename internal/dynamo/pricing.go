package dynamo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"gridflow/pkg/kafka"
	"gridflow/pkg/logging"
	"gridflow/pkg/models"
	"gridflow/pkg/validation"
)

// Pricing tier names, carried on tariff_updates for display.
const (
	TierCritical = "critical"
	TierHigh     = "high"
	TierNormal   = "normal"
	TierLow      = "low"
	TierVeryLow  = "very_low"
)

// TierFor maps a regional load percentage to its tier and price multiplier.
func TierFor(loadPercentage float64) (string, float64) {
	switch {
	case loadPercentage > 90:
		return TierCritical, 1.25
	case loadPercentage >= 75:
		return TierHigh, 1.10
	case loadPercentage >= 50:
		return TierNormal, 1.00
	case loadPercentage >= 25:
		return TierLow, 0.90
	default:
		return TierVeryLow, 0.80
	}
}

// TariffCache is the slice of the telemetry cache the engine uses.
type TariffCache interface {
	SetTariff(ctx context.Context, tariff models.Tariff) error
	PreloadTariffs(ctx context.Context, tariffs []models.Tariff) error
}

// Publisher is the slice of the Kafka producer the engine uses.
type Publisher interface {
	ProduceJSON(ctx context.Context, topic string, key string, v interface{}, headers map[string]string) (kafka.ProduceResult, error)
}

// Metrics holds the engine's Prometheus metrics
type Metrics struct {
	Updates        *prometheus.CounterVec // labels: region, trigger
	HysteresisSkip *prometheus.CounterVec // labels: region
	Errors         *prometheus.CounterVec // labels: stage
}

// EngineConfig holds pricing tunables.
type EngineConfig struct {
	BasePrice          float64
	MinChangeThreshold float64
}

// DefaultEngineConfig returns the production pricing parameters.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		BasePrice:          5.00,
		MinChangeThreshold: 0.10,
	}
}

// Engine computes load-tiered prices per region. AUTO repricing runs off the
// regional aggregate stream with hysteresis; operator overrides bypass the
// hysteresis and stamp MANUAL.
type Engine struct {
	cfg       EngineConfig
	repo      *TariffRepository
	cache     TariffCache
	publisher Publisher
	logger    logging.Logger
	metrics   *Metrics

	mu        sync.Mutex
	lastPrice map[string]float64
}

// NewEngine wires the pricing engine.
func NewEngine(cfg EngineConfig, repo *TariffRepository, cache TariffCache, publisher Publisher, logger logging.Logger, metrics *Metrics) *Engine {
	return &Engine{
		cfg:       cfg,
		repo:      repo,
		cache:     cache,
		publisher: publisher,
		logger:    logger,
		metrics:   metrics,
		lastPrice: make(map[string]float64),
	}
}

// Preload warms the lastPrice table and the cache from the latest persisted
// tariff per region. Called once at boot.
func (e *Engine) Preload(ctx context.Context) error {
	tariffs, err := e.repo.LatestPerRegion(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, t := range tariffs {
		e.lastPrice[t.Region] = t.PricePerKwh
	}
	e.mu.Unlock()

	if err := e.cache.PreloadTariffs(ctx, tariffs); err != nil {
		e.logger.WithError(err).Warn("Failed to preload tariffs into cache")
	}

	e.logger.WithField("regions", len(tariffs)).Info("Preloaded tariff state")
	return nil
}

// HandleRegionalAggregate is the aggregates_1m_regional consumer handler.
// Malformed payloads are skipped; a persistence failure is returned so the
// message is redelivered.
func (e *Engine) HandleRegionalAggregate(ctx context.Context, msg kafka.Message) error {
	var regional models.RegionalAggregate
	if err := json.Unmarshal(msg.Value, &regional); err != nil {
		e.logger.WithError(err).WithFields(logging.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Warn("Skipping malformed regional aggregate")
		return nil
	}

	tier, multiplier := TierFor(regional.LoadPercentage)
	newPrice := e.clamp(round2(e.cfg.BasePrice * multiplier))

	e.mu.Lock()
	lastPrice, known := e.lastPrice[regional.Region]
	e.mu.Unlock()

	if known && math.Abs(newPrice-lastPrice) < e.cfg.MinChangeThreshold {
		e.metrics.HysteresisSkip.WithLabelValues(regional.Region).Inc()
		return nil
	}

	reason := fmt.Sprintf("Regional load %.1f%% (%s tier)", regional.LoadPercentage, tier)
	_, err := e.applyPrice(ctx, regional.Region, newPrice, lastPrice, reason, models.TariffTriggerAuto, tier, regional.LoadPercentage)
	if err != nil {
		e.metrics.Errors.WithLabelValues("auto_reprice").Inc()
		return err
	}
	return nil
}

// Override applies an operator override: validated, clamped by validation,
// no hysteresis. Returns the persisted tariff or field errors.
func (e *Engine) Override(ctx context.Context, req models.TariffOverrideRequest) (*models.Tariff, []validation.FieldError, error) {
	if fieldErrs := validation.ValidateTariffOverride(&req); len(fieldErrs) > 0 {
		return nil, fieldErrs, nil
	}

	e.mu.Lock()
	lastPrice, known := e.lastPrice[req.Region]
	e.mu.Unlock()
	if !known {
		if current, err := e.repo.Current(ctx, req.Region); err == nil {
			lastPrice = current.PricePerKwh
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, nil, err
		}
	}

	reason := req.Reason
	if req.OperatorID != "" {
		reason = fmt.Sprintf("%s (operator %s)", req.Reason, req.OperatorID)
	}

	tariff, err := e.applyPrice(ctx, req.Region, req.NewPrice, lastPrice, reason, models.TariffTriggerManual, "", 0)
	if err != nil {
		e.metrics.Errors.WithLabelValues("override").Inc()
		return nil, nil, err
	}
	return tariff, nil, nil
}

// applyPrice is the single write path for pricing decisions: Postgres row,
// cache refresh, tariff_updates publish, then lastPrice advance. The cache
// and publish failures are logged but do not fail the decision; the Postgres
// row is the source of truth.
func (e *Engine) applyPrice(ctx context.Context, region string, newPrice, previousPrice float64, reason, trigger, tier string, loadPercentage float64) (*models.Tariff, error) {
	now := time.Now().UTC()
	tariff := models.Tariff{
		TariffID:      uuid.New().String(),
		Region:        region,
		PricePerKwh:   newPrice,
		EffectiveFrom: now,
		Reason:        reason,
		TriggeredBy:   trigger,
		CreatedAt:     now,
	}

	if err := e.repo.Insert(ctx, tariff); err != nil {
		return nil, err
	}

	if err := e.cache.SetTariff(ctx, tariff); err != nil {
		e.logger.WithError(err).WithField("region", region).Warn("Failed to refresh tariff cache")
		e.metrics.Errors.WithLabelValues("cache").Inc()
	}

	update := models.TariffUpdate{
		TariffID:       tariff.TariffID,
		Region:         region,
		PricePerKwh:    newPrice,
		PreviousPrice:  previousPrice,
		LoadPercentage: loadPercentage,
		Tier:           tier,
		Reason:         reason,
		TriggeredBy:    trigger,
		EffectiveFrom:  now,
	}
	if _, err := e.publisher.ProduceJSON(ctx, kafka.TopicTariffUpdates, region, update, nil); err != nil {
		e.logger.WithError(err).WithField("region", region).Error("Failed to publish tariff update")
		e.metrics.Errors.WithLabelValues("publish").Inc()
	}

	e.mu.Lock()
	e.lastPrice[region] = newPrice
	e.mu.Unlock()

	e.metrics.Updates.WithLabelValues(region, trigger).Inc()
	e.logger.WithFields(logging.Fields{
		"region":    region,
		"price":     newPrice,
		"previous":  previousPrice,
		"trigger":   trigger,
		"tariff_id": tariff.TariffID,
	}).Info("Tariff updated")

	return &tariff, nil
}

// clamp bounds AUTO pricing to the same floor and ceiling overrides get.
func (e *Engine) clamp(price float64) float64 {
	if price < validation.MinOverridePrice {
		return validation.MinOverridePrice
	}
	if price > validation.MaxOverridePrice {
		return validation.MaxOverridePrice
	}
	return price
}

// LastPrice returns the engine's current price for a region, for handlers
// and tests.
func (e *Engine) LastPrice(region string) (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	price, ok := e.lastPrice[region]
	return price, ok
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
