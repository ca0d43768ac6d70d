package breaker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"gridflow/pkg/models"
)

// ErrInvalidTransition is returned when a status update violates the
// active → acknowledged → resolved lifecycle.
var ErrInvalidTransition = fmt.Errorf("invalid alert status transition")

// AlertRepository persists pipeline alerts and their status lifecycle.
type AlertRepository struct {
	db *sql.DB
}

// NewAlertRepository creates a repository over an existing connection.
func NewAlertRepository(db *sql.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Insert persists a newly raised alert.
func (r *AlertRepository) Insert(ctx context.Context, alert models.Alert) error {
	metadata, err := json.Marshal(alert.Metadata)
	if err != nil {
		return fmt.Errorf("marshal alert metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO alerts (id, type, severity, region, meter_id, message, status, timestamp, metadata)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9)`,
		alert.ID,
		alert.Type,
		alert.Severity,
		alert.Region,
		alert.MeterID,
		alert.Message,
		alert.Status,
		alert.Timestamp,
		metadata,
	)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", alert.ID, err)
	}
	return nil
}

// Get returns one alert by id, or sql.ErrNoRows.
func (r *AlertRepository) Get(ctx context.Context, id string) (*models.Alert, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, type, severity, COALESCE(region, ''), COALESCE(meter_id, ''), message, status,
		       timestamp, COALESCE(acknowledged_by, ''), acknowledged_at, resolved_at, metadata
		FROM alerts WHERE id = $1`, id)
	return scanAlert(row)
}

// List returns alerts newest first, optionally filtered by status.
func (r *AlertRepository) List(ctx context.Context, status string, limit int) ([]models.Alert, error) {
	query := `
		SELECT id, type, severity, COALESCE(region, ''), COALESCE(meter_id, ''), message, status,
		       timestamp, COALESCE(acknowledged_by, ''), acknowledged_at, resolved_at, metadata
		FROM alerts`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert row: %w", err)
		}
		alerts = append(alerts, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alert rows: %w", err)
	}
	return alerts, nil
}

// Transition moves an alert to a new status, enforcing the lifecycle, and
// returns the updated alert. acknowledgedBy is recorded only on the
// acknowledge transition.
func (r *AlertRepository) Transition(ctx context.Context, id, newStatus, acknowledgedBy string) (*models.Alert, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transition tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx,
		"SELECT status FROM alerts WHERE id = $1 FOR UPDATE", id).Scan(&current); err != nil {
		return nil, err
	}
	if !models.ValidStatusTransition(current, newStatus) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, newStatus)
	}

	now := time.Now().UTC()
	switch newStatus {
	case models.AlertStatusAcknowledged:
		_, err = tx.ExecContext(ctx, `
			UPDATE alerts SET status = $2, acknowledged_by = $3, acknowledged_at = $4, updated_at = $4
			WHERE id = $1`, id, newStatus, acknowledgedBy, now)
	case models.AlertStatusResolved:
		_, err = tx.ExecContext(ctx, `
			UPDATE alerts SET status = $2, resolved_at = $3, updated_at = $3
			WHERE id = $1`, id, newStatus, now)
	default:
		return nil, fmt.Errorf("%w: cannot transition to %s", ErrInvalidTransition, newStatus)
	}
	if err != nil {
		return nil, fmt.Errorf("update alert %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transition: %w", err)
	}
	return r.Get(ctx, id)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAlert(row rowScanner) (*models.Alert, error) {
	var alert models.Alert
	var acknowledgedAt, resolvedAt sql.NullTime
	var metadata []byte

	if err := row.Scan(
		&alert.ID,
		&alert.Type,
		&alert.Severity,
		&alert.Region,
		&alert.MeterID,
		&alert.Message,
		&alert.Status,
		&alert.Timestamp,
		&alert.AcknowledgedBy,
		&acknowledgedAt,
		&resolvedAt,
		&metadata,
	); err != nil {
		return nil, err
	}

	if acknowledgedAt.Valid {
		t := acknowledgedAt.Time
		alert.AcknowledgedAt = &t
	}
	if resolvedAt.Valid {
		t := resolvedAt.Time
		alert.ResolvedAt = &t
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &alert.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal alert metadata: %w", err)
		}
	}
	return &alert, nil
}
