package models

import "time"

// Tariff trigger sources
const (
	TariffTriggerAuto   = "AUTO"
	TariffTriggerManual = "MANUAL"
)

// Tariff is one pricing decision for a region. The current tariff per region
// is the row with the greatest EffectiveFrom.
type Tariff struct {
	TariffID     string    `json:"tariffId"`
	Region       string    `json:"region"`
	PricePerKwh  float64   `json:"pricePerKwh"`
	EffectiveFrom time.Time `json:"effectiveFrom"`
	Reason       string    `json:"reason"`
	TriggeredBy  string    `json:"triggeredBy"`
	CreatedAt    time.Time `json:"createdAt"`
}

// TariffUpdate is the tariff_updates topic payload.
type TariffUpdate struct {
	TariffID       string    `json:"tariffId"`
	Region         string    `json:"region"`
	PricePerKwh    float64   `json:"pricePerKwh"`
	PreviousPrice  float64   `json:"previousPrice"`
	LoadPercentage float64   `json:"loadPercentage,omitempty"`
	Tier           string    `json:"tier,omitempty"`
	Reason         string    `json:"reason"`
	TriggeredBy    string    `json:"triggeredBy"`
	EffectiveFrom  time.Time `json:"effectiveFrom"`
}

// TariffOverrideRequest is the operator override request body.
type TariffOverrideRequest struct {
	Region     string  `json:"region"`
	NewPrice   float64 `json:"newPrice"`
	Reason     string  `json:"reason"`
	OperatorID string  `json:"operatorId,omitempty"`
}
