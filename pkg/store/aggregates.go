package store

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"gridflow/pkg/models"
)

const (
	Table1m  = "aggregates_1m"
	Table15m = "aggregates_15m"
)

// PoolStats is a snapshot of the store connection pool for observability.
type PoolStats struct {
	Total int `json:"total"`
	Idle  int `json:"idle"`
	Busy  int `json:"busy"`
}

// AggregateConn is the slice of the driver connection the store uses.
type AggregateConn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	QueryRow(ctx context.Context, query string, args ...interface{}) driver.Row
	Stats() driver.Stats
}

// AggregateStore persists windowed aggregates. Both tables are
// ReplacingMergeTree keyed by (meter_id, window_start): re-inserting a row
// for the same key replaces it on merge, which gives upsert semantics under
// at-least-once redelivery.
type AggregateStore struct {
	conn AggregateConn
}

// NewAggregateStore creates a store over an existing connection.
func NewAggregateStore(conn AggregateConn) *AggregateStore {
	return &AggregateStore{conn: conn}
}

// UpsertAggregates1m batch-writes 1-minute aggregates.
func (s *AggregateStore) UpsertAggregates1m(ctx context.Context, aggregates []models.Aggregate) error {
	return s.upsert(ctx, Table1m, aggregates)
}

// UpsertAggregates15m batch-writes 15-minute aggregates.
func (s *AggregateStore) UpsertAggregates15m(ctx context.Context, aggregates []models.Aggregate) error {
	return s.upsert(ctx, Table15m, aggregates)
}

func (s *AggregateStore) upsert(ctx context.Context, table string, aggregates []models.Aggregate) error {
	if len(aggregates) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+table+
		" (meter_id, region, window_start, avg_power_kw, max_power_kw, energy_kwh_sum, count)")
	if err != nil {
		return fmt.Errorf("prepare %s batch: %w", table, err)
	}

	for _, a := range aggregates {
		if err := batch.Append(
			a.MeterID,
			a.Region,
			a.WindowStart,
			a.AvgPowerKw,
			a.MaxPowerKw,
			a.EnergyKwhSum,
			uint64(a.Count),
		); err != nil {
			return fmt.Errorf("append to %s batch: %w", table, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send %s batch: %w", table, err)
	}
	return nil
}

// LastAvgPowerForMeter returns the most recent 1-minute average power for a
// meter, used as the anomaly baseline on cold start. The second return is
// false when the meter has no persisted aggregates.
func (s *AggregateStore) LastAvgPowerForMeter(ctx context.Context, meterID string) (float64, bool, error) {
	var avg float64
	var count uint64
	row := s.conn.QueryRow(ctx,
		"SELECT argMax(avg_power_kw, window_start), count() FROM "+Table1m+" WHERE meter_id = ?", meterID)
	if err := row.Scan(&avg, &count); err != nil {
		return 0, false, fmt.Errorf("last avg power for %s: %w", meterID, err)
	}
	if count == 0 {
		return 0, false, nil
	}
	return avg, true, nil
}

// Stats returns the current pool state.
func (s *AggregateStore) Stats() PoolStats {
	stats := s.conn.Stats()
	return PoolStats{
		Total: stats.Open,
		Idle:  stats.Idle,
		Busy:  stats.Open - stats.Idle,
	}
}
