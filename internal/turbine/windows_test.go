package turbine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridflow/pkg/models"
)

func reading(meterID, region string, ts time.Time, powerKw float64) models.Reading {
	return models.Reading{MeterID: meterID, Region: region, Timestamp: ts, PowerKw: powerKw}
}

func TestBucketStart(t *testing.T) {
	ts := time.Date(2025, 11, 7, 10, 0, 42, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC).Unix(), BucketStart(ts, Bucket1m))
	assert.Equal(t, time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC).Unix(), BucketStart(ts, Bucket15m))

	ts = time.Date(2025, 11, 7, 10, 14, 59, 0, time.UTC)
	assert.Equal(t, time.Date(2025, 11, 7, 10, 14, 0, 0, time.UTC).Unix(), BucketStart(ts, Bucket1m))
	assert.Equal(t, time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC).Unix(), BucketStart(ts, Bucket15m))
}

func TestWindowAggregation(t *testing.T) {
	set := NewWindowSet(Bucket1m)
	windowStart := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	now := windowStart.Add(30 * time.Second)

	for i, power := range []float64{2, 3, 4, 5, 6, 1} {
		r := reading("MTR-1", "Pune-West", windowStart.Add(time.Duration(i*9)*time.Second), power)
		require.True(t, set.Add(r, now))
	}

	flushable := set.Snapshot(windowStart.Add(time.Minute))
	aggregates := BuildAggregates(flushable)
	require.Len(t, aggregates, 1)

	a := aggregates[0]
	assert.Equal(t, "MTR-1", a.MeterID)
	assert.Equal(t, "Pune-West", a.Region)
	assert.Equal(t, windowStart, a.WindowStart)
	assert.InDelta(t, 3.5, a.AvgPowerKw, 1e-9)
	assert.Equal(t, 6.0, a.MaxPowerKw)
	assert.Equal(t, int64(6), a.Count)
}

func TestAggregationConservation(t *testing.T) {
	set := NewWindowSet(Bucket1m)
	windowStart := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	powers := []float64{0.3, 1.7, 2.9, 0.05, 4.44}

	var sum float64
	for i, power := range powers {
		set.Add(reading("MTR-1", "Pune-West", windowStart.Add(time.Duration(i)*time.Second), power), windowStart)
		sum += power
	}

	aggregates := BuildAggregates(set.Snapshot(windowStart.Add(time.Minute)))
	require.Len(t, aggregates, 1)
	assert.InDelta(t, sum, aggregates[0].AvgPowerKw*float64(aggregates[0].Count), 1e-9)
}

func TestLateReadingRejection(t *testing.T) {
	set := NewWindowSet(Bucket1m)
	windowStart := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	now := windowStart.Add(2 * time.Minute)

	// Late reading to a bucket never seen in memory is rejected
	assert.False(t, set.Add(reading("MTR-1", "Pune-West", windowStart, 2), now))

	// A late reading to a bucket still in memory is accepted
	require.True(t, set.Add(reading("MTR-1", "Pune-West", now.Add(-90*time.Second), 2), now.Add(-90*time.Second)))
	assert.True(t, set.Add(reading("MTR-1", "Pune-West", now.Add(-80*time.Second), 3), now))
}

func TestSnapshotExcludesCurrentBucket(t *testing.T) {
	set := NewWindowSet(Bucket1m)
	old := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	current := old.Add(time.Minute)

	set.Add(reading("MTR-1", "Pune-West", old, 2), old)
	set.Add(reading("MTR-1", "Pune-West", current, 3), current)

	flushable := set.Snapshot(current.Add(time.Second))
	require.Len(t, flushable, 1)
	_, hasOld := flushable[old.Unix()]
	assert.True(t, hasOld)

	// Snapshot does not remove; Drop does
	assert.Equal(t, 2, set.Len())
	set.Drop([]int64{old.Unix()})
	assert.Equal(t, 1, set.Len())
}

func TestBuildRegionalAggregates(t *testing.T) {
	windowStart := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)
	aggregates := []models.Aggregate{
		{MeterID: "MTR-1", Region: "Pune-West", WindowStart: windowStart, AvgPowerKw: 400, Count: 6},
		{MeterID: "MTR-2", Region: "Pune-West", WindowStart: windowStart, AvgPowerKw: 520, Count: 6},
		{MeterID: "MTR-3", Region: "Pune-East", WindowStart: windowStart, AvgPowerKw: 100, Count: 6},
	}
	capacity := map[string]float64{"Pune-West": 1000}

	regionals := BuildRegionalAggregates(aggregates, capacity, 2000)
	require.Len(t, regionals, 2)

	east, west := regionals[0], regionals[1]
	assert.Equal(t, "Pune-East", east.Region)
	assert.Equal(t, "Pune-West", west.Region)

	assert.Equal(t, 2, west.MeterCount)
	assert.InDelta(t, 920, west.TotalPowerKw, 1e-9)
	assert.InDelta(t, 92, west.LoadPercentage, 1e-9)
	assert.Equal(t, 520.0, west.MaxPowerKw)
	assert.Equal(t, 400.0, west.MinPowerKw)
	assert.Equal(t, []string{"MTR-1", "MTR-2"}, west.ActiveMeterIDs)

	// Unconfigured region falls back to the default capacity
	assert.InDelta(t, 5, east.LoadPercentage, 1e-9)
}
