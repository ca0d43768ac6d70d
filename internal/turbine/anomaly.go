package turbine

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"gridflow/pkg/logging"
	"gridflow/pkg/models"
)

// Detector thresholds. Change is relative to the smoothed baseline with the
// denominator floored at 0.1 to keep near-zero baselines from exploding.
type DetectorConfig struct {
	MinSampleSize  int64
	SpikeThreshold float64
	DropThreshold  float64
	EMAAlpha       float64
}

// DefaultDetectorConfig returns the production thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		MinSampleSize:  10,
		SpikeThreshold: 1.0,
		DropThreshold:  0.5,
		EMAAlpha:       0.2,
	}
}

// BaselineLoader fetches the last persisted average power for a meter, used
// to seed the baseline on cold start. Returns false when none exists.
type BaselineLoader func(ctx context.Context, meterID string) (float64, bool, error)

// Detector maintains per-meter adaptive baselines and flags readings that
// deviate from them. It is owned by the consumer task and is not safe for
// concurrent use.
type Detector struct {
	cfg       DetectorConfig
	loader    BaselineLoader
	logger    logging.Logger
	baselines map[string]float64
	counts    map[string]int64
}

// NewDetector creates a detector with a cold-start baseline loader.
func NewDetector(cfg DetectorConfig, loader BaselineLoader, logger logging.Logger) *Detector {
	return &Detector{
		cfg:       cfg,
		loader:    loader,
		logger:    logger,
		baselines: make(map[string]float64),
		counts:    make(map[string]int64),
	}
}

// Evaluate inspects one reading. It returns a non-nil alert when the reading
// is anomalous; the baseline advances by EMA only on non-anomalous readings.
func (d *Detector) Evaluate(ctx context.Context, reading models.Reading) *models.Alert {
	meterID := reading.MeterID
	d.counts[meterID]++
	count := d.counts[meterID]

	baseline, ok := d.baselines[meterID]
	if !ok {
		if d.loader != nil {
			loaded, found, err := d.loader(ctx, meterID)
			if err != nil {
				d.logger.WithError(err).WithField("meter_id", meterID).Warn("Baseline cold-start lookup failed")
			} else if found {
				baseline = loaded
				d.baselines[meterID] = baseline
				ok = true
			}
		}
		if !ok {
			d.baselines[meterID] = reading.PowerKw
			return nil
		}
	}

	if count < d.cfg.MinSampleSize {
		d.updateBaseline(meterID, baseline, reading.PowerKw)
		return nil
	}

	denominator := baseline
	if denominator < 0.1 {
		denominator = 0.1
	}
	change := (reading.PowerKw - baseline) / denominator

	switch {
	case reading.PowerKw < 0.1 && baseline > 1.0:
		return d.alert(reading, baseline, change, "outage", models.SeverityHigh,
			fmt.Sprintf("Meter %s reported %.3f kW against a %.2f kW baseline, possible outage", meterID, reading.PowerKw, baseline))

	case change > d.cfg.SpikeThreshold:
		severity := models.SeverityMedium
		if change > 2.0 {
			severity = models.SeverityHigh
		}
		return d.alert(reading, baseline, change, "spike", severity,
			fmt.Sprintf("Meter %s spiked to %.2f kW, %.0f%% above its %.2f kW baseline", meterID, reading.PowerKw, change*100, baseline))

	case change < -d.cfg.DropThreshold:
		severity := models.SeverityLow
		if change < -0.8 {
			severity = models.SeverityMedium
		}
		return d.alert(reading, baseline, change, "drop", severity,
			fmt.Sprintf("Meter %s dropped to %.2f kW, %.0f%% below its %.2f kW baseline", meterID, reading.PowerKw, -change*100, baseline))
	}

	d.updateBaseline(meterID, baseline, reading.PowerKw)
	return nil
}

func (d *Detector) updateBaseline(meterID string, baseline, powerKw float64) {
	d.baselines[meterID] = (1-d.cfg.EMAAlpha)*baseline + d.cfg.EMAAlpha*powerKw
}

func (d *Detector) alert(reading models.Reading, baseline, change float64, kind, severity, message string) *models.Alert {
	return &models.Alert{
		ID:        uuid.New().String(),
		Type:      models.AlertTypeAnomaly,
		Severity:  severity,
		Region:    reading.Region,
		MeterID:   reading.MeterID,
		Message:   message,
		Status:    models.AlertStatusActive,
		Timestamp: reading.Timestamp.UTC(),
		Metadata: map[string]interface{}{
			"anomalyKind": kind,
			"powerKw":     reading.PowerKw,
			"baselineKw":  baseline,
			"change":      change,
		},
	}
}

// Baseline returns the current baseline for a meter, for tests and
// observability.
func (d *Detector) Baseline(meterID string) (float64, bool) {
	baseline, ok := d.baselines[meterID]
	return baseline, ok
}
