package validation

import (
	"fmt"
	"time"

	"gridflow/pkg/models"
)

// FieldError describes a single invalid field in a request payload.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Batch size bounds for POST /telemetry/batch
const (
	MinBatchSize = 1
	MaxBatchSize = 1000
)

// Tariff override bounds
const (
	MinOverridePrice = 0.50
	MaxOverridePrice = 20.00
	MinReasonLength  = 10
)

// ValidateReading checks a reading against the ingest schema and returns all
// field errors found. An empty slice means the reading is valid.
func ValidateReading(r *models.Reading) []FieldError {
	var errs []FieldError

	if r.MeterID == "" {
		errs = append(errs, FieldError{Field: "meterId", Reason: "must be a non-empty string"})
	}
	if r.Region == "" {
		errs = append(errs, FieldError{Field: "region", Reason: "must be a non-empty string"})
	}
	if r.Timestamp.IsZero() {
		errs = append(errs, FieldError{Field: "timestamp", Reason: "must be an ISO-8601 timestamp"})
	}
	if r.PowerKw < 0 {
		errs = append(errs, FieldError{Field: "powerKw", Reason: "must be >= 0"})
	}
	if r.Voltage != nil && (*r.Voltage < 0 || *r.Voltage > 500) {
		errs = append(errs, FieldError{Field: "voltage", Reason: "must be within [0, 500]"})
	}
	if r.Current != nil && *r.Current < 0 {
		errs = append(errs, FieldError{Field: "current", Reason: "must be >= 0"})
	}
	if r.Frequency != nil && *r.Frequency < 0 {
		errs = append(errs, FieldError{Field: "frequency", Reason: "must be >= 0"})
	}
	if r.PowerFactor != nil && (*r.PowerFactor < 0 || *r.PowerFactor > 1) {
		errs = append(errs, FieldError{Field: "powerFactor", Reason: "must be within [0, 1]"})
	}
	if r.EnergyKwh != nil && *r.EnergyKwh < 0 {
		errs = append(errs, FieldError{Field: "energyKwh", Reason: "must be >= 0"})
	}
	if r.Status != "" && r.Status != models.ReadingStatusOK && r.Status != models.ReadingStatusError {
		errs = append(errs, FieldError{Field: "status", Reason: "must be OK or ERROR"})
	}

	return errs
}

// ValidateBatchSize checks the batch endpoint's array length bounds.
func ValidateBatchSize(n int) *FieldError {
	if n < MinBatchSize || n > MaxBatchSize {
		return &FieldError{
			Field:  "readings",
			Reason: fmt.Sprintf("batch size must be within [%d, %d]", MinBatchSize, MaxBatchSize),
		}
	}
	return nil
}

// ValidateTariffOverride checks an operator override request.
func ValidateTariffOverride(req *models.TariffOverrideRequest) []FieldError {
	var errs []FieldError

	if req.Region == "" {
		errs = append(errs, FieldError{Field: "region", Reason: "must be a non-empty string"})
	}
	if req.NewPrice < MinOverridePrice || req.NewPrice > MaxOverridePrice {
		errs = append(errs, FieldError{
			Field:  "newPrice",
			Reason: fmt.Sprintf("must be within [%.2f, %.2f]", MinOverridePrice, MaxOverridePrice),
		})
	}
	if len(req.Reason) < MinReasonLength {
		errs = append(errs, FieldError{
			Field:  "reason",
			Reason: fmt.Sprintf("must be at least %d characters", MinReasonLength),
		})
	}

	return errs
}

// ParseTimestamp parses an ISO-8601 timestamp string.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
