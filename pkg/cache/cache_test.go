package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridflow/pkg/models"
)

func testCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb), mr
}

func TestSetIfAbsent(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	fresh, err := c.SetIfAbsent(ctx, "reading:MTR-1:2025-11-07T10:00:00Z", "1", DedupTTL)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = c.SetIfAbsent(ctx, "reading:MTR-1:2025-11-07T10:00:00Z", "1", DedupTTL)
	require.NoError(t, err)
	assert.False(t, fresh)

	// A new key after expiry counts as fresh again
	mr.FastForward(DedupTTL + time.Second)
	fresh, err = c.SetIfAbsent(ctx, "reading:MTR-1:2025-11-07T10:00:00Z", "1", DedupTTL)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestMeterLiveness(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()
	now := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)

	require.NoError(t, c.UpdateMeterLastSeen(ctx, "MTR-1", "Pune-West", now.Add(-time.Minute)))
	require.NoError(t, c.UpdateMeterLastSeen(ctx, "MTR-2", "Pune-East", now))

	liveness, err := c.GetMeterLastSeen(ctx, "MTR-1")
	require.NoError(t, err)
	require.NotNil(t, liveness)
	assert.Equal(t, "MTR-1", liveness.MeterID)
	assert.Equal(t, "Pune-West", liveness.Region)
	assert.Equal(t, now.Add(-time.Minute), liveness.LastSeen)

	liveness, err = c.GetMeterLastSeen(ctx, "MTR-unknown")
	require.NoError(t, err)
	assert.Nil(t, liveness)

	// Only MTR-1 is older than the 30s cutoff
	stale, err := c.StaleMeters(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"MTR-1"}, stale)
}

func TestRegionLoad(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	_, found, err := c.GetRegionLoad(ctx, "Pune-West")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, c.UpdateRegionLoad(ctx, "Pune-West", 87.5))

	load, found, err := c.GetRegionLoad(ctx, "Pune-West")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 87.5, load)
}

func TestOverloadWindows(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()
	base := time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.AddOverloadWindow(ctx, "Pune-West", base.Add(time.Duration(i)*time.Minute)))
	}

	count, err := c.CountOverloadWindows(ctx, "Pune-West", base, base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	// Re-adding the same window is idempotent
	require.NoError(t, c.AddOverloadWindow(ctx, "Pune-West", base))
	count, err = c.CountOverloadWindows(ctx, "Pune-West", base, base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)

	require.NoError(t, c.TrimOverloadWindows(ctx, "Pune-West", base.Add(2*time.Minute)))
	count, err = c.CountOverloadWindows(ctx, "Pune-West", base, base.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestCooldowns(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	cooling, err := c.InCooldown(ctx, "meter_outage", "Pune-West", "MTR-1")
	require.NoError(t, err)
	assert.False(t, cooling)

	set, err := c.SetCooldown(ctx, "meter_outage", "Pune-West", "MTR-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, set)

	cooling, err = c.InCooldown(ctx, "meter_outage", "Pune-West", "MTR-1")
	require.NoError(t, err)
	assert.True(t, cooling)

	// Different scope cools down independently
	cooling, err = c.InCooldown(ctx, "meter_outage", "Pune-West", "MTR-2")
	require.NoError(t, err)
	assert.False(t, cooling)

	mr.FastForward(61 * time.Second)
	cooling, err = c.InCooldown(ctx, "meter_outage", "Pune-West", "MTR-1")
	require.NoError(t, err)
	assert.False(t, cooling)
}

func TestMarkActiveAlert(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	fresh, err := c.MarkActiveAlert(ctx, "Pune-West", models.AlertTypeRegionalOverload, "", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = c.MarkActiveAlert(ctx, "Pune-West", models.AlertTypeRegionalOverload, "", 5*time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh)

	// Meter-scoped markers do not collide with the regional one
	fresh, err = c.MarkActiveAlert(ctx, "Pune-West", models.AlertTypeRegionalOverload, "MTR-1", 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestMarkActiveAlertExpiresWithCooldown(t *testing.T) {
	c, mr := testCache(t)
	ctx := context.Background()

	// The marker for a 60s-cooldown rule must not outlive the cooldown
	fresh, err := c.MarkActiveAlert(ctx, "Pune-West", models.AlertTypeMeterOutage, "MTR-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	mr.FastForward(70 * time.Second)
	fresh, err = c.MarkActiveAlert(ctx, "Pune-West", models.AlertTypeMeterOutage, "MTR-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)

	// A zero cooldown falls back to the full marker TTL
	fresh, err = c.MarkActiveAlert(ctx, "Pune-West", models.AlertTypeAnomaly, "MTR-1", 0)
	require.NoError(t, err)
	assert.True(t, fresh)

	mr.FastForward(70 * time.Second)
	fresh, err = c.MarkActiveAlert(ctx, "Pune-West", models.AlertTypeAnomaly, "MTR-1", 0)
	require.NoError(t, err)
	assert.False(t, fresh)

	mr.FastForward(ActiveAlertTTL)
	fresh, err = c.MarkActiveAlert(ctx, "Pune-West", models.AlertTypeAnomaly, "MTR-1", 0)
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestTariffs(t *testing.T) {
	c, _ := testCache(t)
	ctx := context.Background()

	tariff, err := c.GetTariff(ctx, "Pune-West")
	require.NoError(t, err)
	assert.Nil(t, tariff)

	want := models.Tariff{
		TariffID:      "t-1",
		Region:        "Pune-West",
		PricePerKwh:   6.25,
		EffectiveFrom: time.Date(2025, 11, 7, 10, 0, 0, 0, time.UTC),
		Reason:        "Regional load 92.0% (critical tier)",
		TriggeredBy:   models.TariffTriggerAuto,
	}
	require.NoError(t, c.SetTariff(ctx, want))

	got, err := c.GetTariff(ctx, "Pune-West")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.TariffID, got.TariffID)
	assert.Equal(t, want.PricePerKwh, got.PricePerKwh)

	err = c.PreloadTariffs(ctx, []models.Tariff{
		{TariffID: "t-2", Region: "Pune-East", PricePerKwh: 4.50},
		{TariffID: "t-3", Region: "Mumbai-South", PricePerKwh: 5.50},
	})
	require.NoError(t, err)

	got, err = c.GetTariff(ctx, "Pune-East")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 4.50, got.PricePerKwh)
}
