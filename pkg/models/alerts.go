package models

import "time"

// Alert severities, lowest to highest
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert statuses. Valid transitions: active → acknowledged → resolved,
// and active → resolved.
const (
	AlertStatusActive       = "active"
	AlertStatusAcknowledged = "acknowledged"
	AlertStatusResolved     = "resolved"
)

// Alert types emitted by the pipeline
const (
	AlertTypeAnomaly          = "ANOMALY"
	AlertTypeRegionalOverload = "REGIONAL_OVERLOAD"
	AlertTypeMeterOutage      = "METER_OUTAGE"
	AlertTypeHighConsumption  = "HIGH_CONSUMPTION"
	AlertTypeLowGeneration    = "LOW_GENERATION"
)

// Alert is a pipeline alert, persisted by the alert engine and fanned out
// on alerts_processed.
type Alert struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	Severity       string                 `json:"severity"`
	Region         string                 `json:"region,omitempty"`
	MeterID        string                 `json:"meterId,omitempty"`
	Message        string                 `json:"message"`
	Status         string                 `json:"status"`
	Timestamp      time.Time              `json:"timestamp"`
	AcknowledgedBy string                 `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time             `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time             `json:"resolvedAt,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ValidStatusTransition reports whether an alert may move from one status
// to another.
func ValidStatusTransition(from, to string) bool {
	switch from {
	case AlertStatusActive:
		return to == AlertStatusAcknowledged || to == AlertStatusResolved
	case AlertStatusAcknowledged:
		return to == AlertStatusResolved
	default:
		return false
	}
}

// AlertStatusUpdate is the alert_status_updates topic payload.
type AlertStatusUpdate struct {
	AlertID        string                 `json:"alertId"`
	Status         string                 `json:"status"`
	Region         string                 `json:"region,omitempty"`
	MeterID        string                 `json:"meterId,omitempty"`
	AcknowledgedBy string                 `json:"acknowledgedBy,omitempty"`
	UpdatedAt      time.Time              `json:"updatedAt"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Condition operators
const (
	OpGT          = "gt"
	OpGTE         = "gte"
	OpLT          = "lt"
	OpLTE         = "lte"
	OpEQ          = "eq"
	OpNEQ         = "neq"
	OpContains    = "contains"
	OpNotContains = "not_contains"
)

// RuleCondition compares one context field against a configured value.
// Aggregation and TimeWindowMs are recorded but evaluation currently applies
// the operator to the single current value (see DESIGN.md).
type RuleCondition struct {
	Field        string      `json:"field"`
	Operator     string      `json:"operator"`
	Value        interface{} `json:"value"`
	Aggregation  string      `json:"aggregation,omitempty"`
	TimeWindowMs int64       `json:"timeWindowMs,omitempty"`
}

// AlertRule is an in-memory rule definition. Conditions are an implicit AND.
type AlertRule struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Enabled    bool            `json:"enabled"`
	Severity   string          `json:"severity"`
	Conditions []RuleCondition `json:"conditions"`
	CooldownMs int64           `json:"cooldownMs"`
}

// RuleContext is one evaluation input: the scope it applies to plus a flat
// field → value map the conditions read from.
type RuleContext struct {
	Region    string
	MeterID   string
	Timestamp time.Time
	Data      map[string]interface{}
}
