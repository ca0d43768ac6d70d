package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"gridflow/pkg/models"
)

// Keyspace TTLs. Tariff keys are unbounded: the cache value for a region must
// track the most recent persisted row until replaced.
const (
	DedupTTL          = 60 * time.Second
	MeterLastSeenTTL  = time.Hour
	RegionLoadTTL     = 5 * time.Minute
	OverloadWindowTTL = 10 * time.Minute
	ActiveAlertTTL    = 5 * time.Minute
)

const meterLivenessIndex = "meter_liveness"

// Cache is the shared key-value state of the pipeline: ingestion dedup
// markers, meter liveness, region load, overload windows, rule cooldowns,
// active-alert dedup markers, and the current tariff per region.
//
// Availability policy is decided by callers: the gateway fails open on dedup
// errors, the alert engine fails closed on cooldown errors.
type Cache struct {
	rdb goredis.UniversalClient
}

// New creates a cache over an existing Redis client.
func New(rdb goredis.UniversalClient) *Cache {
	return &Cache{rdb: rdb}
}

// SetIfAbsent atomically sets key to value with a TTL and reports whether the
// key was newly set. Backed by SET NX.
func (c *Cache) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Meter liveness

// UpdateMeterLastSeen refreshes last_seen:{meter} and the liveness index the
// outage rule scans. The index entry carries the same retention as the key.
func (c *Cache) UpdateMeterLastSeen(ctx context.Context, meterID, region string, seen time.Time) error {
	key := "last_seen:" + meterID
	value := region + "|" + strconv.FormatInt(seen.UnixMilli(), 10)

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, key, value, MeterLastSeenTTL)
	pipe.ZAdd(ctx, meterLivenessIndex, goredis.Z{Score: float64(seen.UnixMilli()), Member: meterID})
	pipe.ZRemRangeByScore(ctx, meterLivenessIndex, "0",
		strconv.FormatInt(seen.Add(-MeterLastSeenTTL).UnixMilli(), 10))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update last seen %s: %w", meterID, err)
	}
	return nil
}

// GetMeterLastSeen returns the liveness record for a meter, or nil if the
// meter has not reported within the retention window.
func (c *Cache) GetMeterLastSeen(ctx context.Context, meterID string) (*models.MeterLiveness, error) {
	value, err := c.rdb.Get(ctx, "last_seen:"+meterID).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get last seen %s: %w", meterID, err)
	}

	idx := strings.LastIndex(value, "|")
	if idx < 0 {
		return nil, fmt.Errorf("malformed last seen value for %s", meterID)
	}
	ms, err := strconv.ParseInt(value[idx+1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed last seen timestamp for %s", meterID)
	}

	return &models.MeterLiveness{
		MeterID:  meterID,
		Region:   value[:idx],
		LastSeen: time.UnixMilli(ms).UTC(),
	}, nil
}

// StaleMeters returns meters whose last report is older than the cutoff.
func (c *Cache) StaleMeters(ctx context.Context, cutoff time.Time) ([]string, error) {
	members, err := c.rdb.ZRangeByScore(ctx, meterLivenessIndex, &goredis.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan stale meters: %w", err)
	}
	return members, nil
}

// Region load

// UpdateRegionLoad caches the last known load percentage for a region.
func (c *Cache) UpdateRegionLoad(ctx context.Context, region string, loadPercentage float64) error {
	key := "region_load:" + region
	if err := c.rdb.Set(ctx, key, strconv.FormatFloat(loadPercentage, 'f', -1, 64), RegionLoadTTL).Err(); err != nil {
		return fmt.Errorf("set region load %s: %w", region, err)
	}
	return nil
}

// GetRegionLoad returns the last known load percentage for a region. The
// second return is false when no recent value exists.
func (c *Cache) GetRegionLoad(ctx context.Context, region string) (float64, bool, error) {
	value, err := c.rdb.Get(ctx, "region_load:"+region).Result()
	if err == goredis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get region load %s: %w", region, err)
	}
	load, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, false, fmt.Errorf("malformed region load for %s", region)
	}
	return load, true, nil
}

// Overload windows: a sorted set per region scored by window start, used to
// track consecutive overload minutes.

func overloadKey(region string) string {
	return "overload_windows:" + region
}

// AddOverloadWindow records one overloaded 1m window for a region.
func (c *Cache) AddOverloadWindow(ctx context.Context, region string, windowStart time.Time) error {
	key := overloadKey(region)
	score := float64(windowStart.Unix())

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, goredis.Z{Score: score, Member: strconv.FormatInt(windowStart.Unix(), 10)})
	pipe.Expire(ctx, key, OverloadWindowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add overload window %s: %w", region, err)
	}
	return nil
}

// CountOverloadWindows counts overloaded windows in [from, to].
func (c *Cache) CountOverloadWindows(ctx context.Context, region string, from, to time.Time) (int64, error) {
	count, err := c.rdb.ZCount(ctx, overloadKey(region),
		strconv.FormatInt(from.Unix(), 10),
		strconv.FormatInt(to.Unix(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("count overload windows %s: %w", region, err)
	}
	return count, nil
}

// TrimOverloadWindows drops windows older than the cutoff.
func (c *Cache) TrimOverloadWindows(ctx context.Context, region string, cutoff time.Time) error {
	err := c.rdb.ZRemRangeByScore(ctx, overloadKey(region), "0", strconv.FormatInt(cutoff.Unix(), 10)).Err()
	if err != nil {
		return fmt.Errorf("trim overload windows %s: %w", region, err)
	}
	return nil
}

// Rule cooldowns

// CooldownKey builds the cooldown marker key for a rule and its scope.
func CooldownKey(ruleID, region, meterID string) string {
	return "cooldown:" + ruleID + ":region:" + region + ":meter:" + meterID
}

// SetCooldown sets the cooldown marker for a rule scope. Returns false when
// a marker already exists, i.e. the rule is still cooling down.
func (c *Cache) SetCooldown(ctx context.Context, ruleID, region, meterID string, ttl time.Duration) (bool, error) {
	return c.SetIfAbsent(ctx, CooldownKey(ruleID, region, meterID), "1", ttl)
}

// InCooldown reports whether a cooldown marker exists for a rule scope.
func (c *Cache) InCooldown(ctx context.Context, ruleID, region, meterID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, CooldownKey(ruleID, region, meterID)).Result()
	if err != nil {
		return false, fmt.Errorf("cooldown check %s: %w", ruleID, err)
	}
	return n > 0, nil
}

// Active-alert dedup

// MarkActiveAlert sets the cross-engine dedup marker for a logical alert.
// Returns false when another engine already published it within the TTL.
// The marker lives for the firing rule's cooldown, capped at ActiveAlertTTL,
// so it never blocks a re-alert the cooldown would allow. A zero cooldown
// uses the full ActiveAlertTTL.
func (c *Cache) MarkActiveAlert(ctx context.Context, region, alertType, meterID string, cooldown time.Duration) (bool, error) {
	ttl := ActiveAlertTTL
	if cooldown > 0 && cooldown < ttl {
		ttl = cooldown
	}
	key := "active_alert:" + region + ":" + alertType
	if meterID != "" {
		key += ":" + meterID
	}
	return c.SetIfAbsent(ctx, key, "1", ttl)
}

// Tariffs

// SetTariff caches the current tariff for a region. No TTL: the cached value
// must equal the most recent persisted row until the next change.
func (c *Cache) SetTariff(ctx context.Context, tariff models.Tariff) error {
	payload, err := json.Marshal(tariff)
	if err != nil {
		return fmt.Errorf("marshal tariff %s: %w", tariff.Region, err)
	}
	if err := c.rdb.Set(ctx, "tariff:"+tariff.Region, payload, 0).Err(); err != nil {
		return fmt.Errorf("set tariff %s: %w", tariff.Region, err)
	}
	return nil
}

// GetTariff returns the cached tariff for a region, or nil when absent.
func (c *Cache) GetTariff(ctx context.Context, region string) (*models.Tariff, error) {
	payload, err := c.rdb.Get(ctx, "tariff:"+region).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get tariff %s: %w", region, err)
	}
	var tariff models.Tariff
	if err := json.Unmarshal(payload, &tariff); err != nil {
		return nil, fmt.Errorf("unmarshal tariff %s: %w", region, err)
	}
	return &tariff, nil
}

// PreloadTariffs writes the current tariff per region, used at tariff-engine
// boot to warm the cache from the store.
func (c *Cache) PreloadTariffs(ctx context.Context, tariffs []models.Tariff) error {
	pipe := c.rdb.Pipeline()
	for _, tariff := range tariffs {
		payload, err := json.Marshal(tariff)
		if err != nil {
			return fmt.Errorf("marshal tariff %s: %w", tariff.Region, err)
		}
		pipe.Set(ctx, "tariff:"+tariff.Region, payload, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("preload tariffs: %w", err)
	}
	return nil
}
