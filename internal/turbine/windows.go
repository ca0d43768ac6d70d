package turbine

import (
	"sort"
	"sync"
	"time"

	"gridflow/pkg/models"
)

// Window sizes in seconds
const (
	Bucket1m  int64 = 60
	Bucket15m int64 = 900
)

// BucketStart aligns a timestamp down to the start of its window.
func BucketStart(ts time.Time, sizeSeconds int64) int64 {
	unix := ts.Unix()
	return unix - (unix % sizeSeconds)
}

// MeterWindow accumulates readings for one meter within one bucket.
// Aggregation is commutative, so redelivered readings inside a live bucket
// only ever shift the average, never corrupt the shape.
type MeterWindow struct {
	Region    string
	PowerSum  float64
	MaxPower  float64
	EnergySum float64
	Count     int64
}

// WindowSet holds the live buckets for one window size. The consumer loop
// writes, the flush timer snapshots and drops; the mutex covers both. The
// invariant is that no live write targets a bucket older than the current
// one, enforced by Add.
type WindowSet struct {
	sizeSeconds int64

	mu      sync.Mutex
	buckets map[int64]map[string]*MeterWindow
}

// NewWindowSet creates a window set for the given bucket size.
func NewWindowSet(sizeSeconds int64) *WindowSet {
	return &WindowSet{
		sizeSeconds: sizeSeconds,
		buckets:     make(map[int64]map[string]*MeterWindow),
	}
}

// Add folds a reading into its bucket. A reading for a bucket older than the
// current one is accepted only if that bucket still exists in memory (not yet
// flushed); otherwise it is rejected, which keeps flushes idempotent under
// at-least-once redelivery.
func (w *WindowSet) Add(reading models.Reading, now time.Time) bool {
	bucket := BucketStart(reading.Timestamp, w.sizeSeconds)
	current := BucketStart(now, w.sizeSeconds)

	w.mu.Lock()
	defer w.mu.Unlock()

	meters, exists := w.buckets[bucket]
	if bucket < current && !exists {
		return false
	}
	if !exists {
		meters = make(map[string]*MeterWindow)
		w.buckets[bucket] = meters
	}

	window, ok := meters[reading.MeterID]
	if !ok {
		window = &MeterWindow{Region: reading.Region}
		meters[reading.MeterID] = window
	}

	window.PowerSum += reading.PowerKw
	if reading.PowerKw > window.MaxPower || window.Count == 0 {
		window.MaxPower = reading.PowerKw
	}
	if reading.EnergyKwh != nil {
		window.EnergySum += *reading.EnergyKwh
	}
	window.Count++
	window.Region = reading.Region

	return true
}

// Snapshot returns all buckets strictly older than the current bucket,
// without removing them. The caller drops them only after a successful
// flush, so a failed flush retries the same buckets next tick.
func (w *WindowSet) Snapshot(now time.Time) map[int64]map[string]*MeterWindow {
	current := BucketStart(now, w.sizeSeconds)

	w.mu.Lock()
	defer w.mu.Unlock()

	flushable := make(map[int64]map[string]*MeterWindow)
	for bucket, meters := range w.buckets {
		if bucket < current {
			flushable[bucket] = meters
		}
	}
	return flushable
}

// Drop removes the given buckets after a successful flush.
func (w *WindowSet) Drop(buckets []int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, bucket := range buckets {
		delete(w.buckets, bucket)
	}
}

// Len returns the number of live buckets, for observability.
func (w *WindowSet) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buckets)
}

// BuildAggregates converts flushable buckets into per-meter aggregates,
// ordered by window start then meter id for deterministic emission.
func BuildAggregates(flushable map[int64]map[string]*MeterWindow) []models.Aggregate {
	var aggregates []models.Aggregate
	for bucket, meters := range flushable {
		windowStart := time.Unix(bucket, 0).UTC()
		for meterID, window := range meters {
			if window.Count == 0 {
				continue
			}
			aggregates = append(aggregates, models.Aggregate{
				MeterID:      meterID,
				Region:       window.Region,
				WindowStart:  windowStart,
				AvgPowerKw:   window.PowerSum / float64(window.Count),
				MaxPowerKw:   window.MaxPower,
				EnergyKwhSum: window.EnergySum,
				Count:        window.Count,
			})
		}
	}
	sort.Slice(aggregates, func(i, j int) bool {
		if !aggregates[i].WindowStart.Equal(aggregates[j].WindowStart) {
			return aggregates[i].WindowStart.Before(aggregates[j].WindowStart)
		}
		return aggregates[i].MeterID < aggregates[j].MeterID
	})
	return aggregates
}

// BuildRegionalAggregates derives one regional summary per (region, window)
// from per-meter aggregates. TotalPowerKw is the sum of per-meter averages;
// LoadPercentage is total over the region's configured capacity.
func BuildRegionalAggregates(aggregates []models.Aggregate, capacity map[string]float64, defaultCapacity float64) []models.RegionalAggregate {
	type key struct {
		region string
		window int64
	}
	grouped := make(map[key]*models.RegionalAggregate)

	for _, a := range aggregates {
		k := key{region: a.Region, window: a.WindowStart.Unix()}
		regional, ok := grouped[k]
		if !ok {
			regional = &models.RegionalAggregate{
				Region:      a.Region,
				WindowStart: a.WindowStart,
				MinPowerKw:  a.AvgPowerKw,
				MaxPowerKw:  a.AvgPowerKw,
			}
			grouped[k] = regional
		}
		regional.MeterCount++
		regional.TotalPowerKw += a.AvgPowerKw
		if a.AvgPowerKw > regional.MaxPowerKw {
			regional.MaxPowerKw = a.AvgPowerKw
		}
		if a.AvgPowerKw < regional.MinPowerKw {
			regional.MinPowerKw = a.AvgPowerKw
		}
		regional.ActiveMeterIDs = append(regional.ActiveMeterIDs, a.MeterID)
	}

	var regionals []models.RegionalAggregate
	for _, regional := range grouped {
		cap := defaultCapacity
		if c, ok := capacity[regional.Region]; ok {
			cap = c
		}
		regional.LoadPercentage = regional.TotalPowerKw / cap * 100
		sort.Strings(regional.ActiveMeterIDs)
		regionals = append(regionals, *regional)
	}
	sort.Slice(regionals, func(i, j int) bool {
		if !regionals[i].WindowStart.Equal(regionals[j].WindowStart) {
			return regionals[i].WindowStart.Before(regionals[j].WindowStart)
		}
		return regionals[i].Region < regionals[j].Region
	})
	return regionals
}
