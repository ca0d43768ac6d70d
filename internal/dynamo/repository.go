package dynamo

import (
	"context"
	"database/sql"
	"fmt"

	"gridflow/pkg/models"
)

// TariffRepository persists pricing decisions. Every decision is a new row;
// the current tariff per region is the row with the greatest effective_from.
type TariffRepository struct {
	db *sql.DB
}

// NewTariffRepository creates a repository over an existing connection.
func NewTariffRepository(db *sql.DB) *TariffRepository {
	return &TariffRepository{db: db}
}

// Insert appends one pricing decision.
func (r *TariffRepository) Insert(ctx context.Context, tariff models.Tariff) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tariffs (tariff_id, region, price_per_kwh, effective_from, reason, triggered_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tariff.TariffID,
		tariff.Region,
		tariff.PricePerKwh,
		tariff.EffectiveFrom,
		tariff.Reason,
		tariff.TriggeredBy,
		tariff.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert tariff for %s: %w", tariff.Region, err)
	}
	return nil
}

// Current returns the latest tariff for a region, or sql.ErrNoRows when the
// region has no pricing history.
func (r *TariffRepository) Current(ctx context.Context, region string) (*models.Tariff, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT tariff_id, region, price_per_kwh, effective_from, reason, triggered_by, created_at
		FROM tariffs
		WHERE region = $1
		ORDER BY effective_from DESC
		LIMIT 1`, region)
	return scanTariff(row)
}

// History returns up to limit decisions for a region, newest first.
func (r *TariffRepository) History(ctx context.Context, region string, limit int) ([]models.Tariff, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tariff_id, region, price_per_kwh, effective_from, reason, triggered_by, created_at
		FROM tariffs
		WHERE region = $1
		ORDER BY effective_from DESC
		LIMIT $2`, region, limit)
	if err != nil {
		return nil, fmt.Errorf("query tariff history for %s: %w", region, err)
	}
	defer rows.Close()
	return collectTariffs(rows)
}

// LatestPerRegion returns the current tariff of every region with history,
// used to warm the cache and the pricing engine at boot.
func (r *TariffRepository) LatestPerRegion(ctx context.Context) ([]models.Tariff, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT ON (region)
			tariff_id, region, price_per_kwh, effective_from, reason, triggered_by, created_at
		FROM tariffs
		ORDER BY region, effective_from DESC`)
	if err != nil {
		return nil, fmt.Errorf("query latest tariffs: %w", err)
	}
	defer rows.Close()
	return collectTariffs(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTariff(row rowScanner) (*models.Tariff, error) {
	var t models.Tariff
	if err := row.Scan(
		&t.TariffID,
		&t.Region,
		&t.PricePerKwh,
		&t.EffectiveFrom,
		&t.Reason,
		&t.TriggeredBy,
		&t.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

func collectTariffs(rows *sql.Rows) ([]models.Tariff, error) {
	var tariffs []models.Tariff
	for rows.Next() {
		t, err := scanTariff(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tariff row: %w", err)
		}
		tariffs = append(tariffs, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tariff rows: %w", err)
	}
	return tariffs, nil
}
