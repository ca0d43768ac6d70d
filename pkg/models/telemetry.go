package models

import "time"

// Reading statuses reported by meters
const (
	ReadingStatusOK    = "OK"
	ReadingStatusError = "ERROR"
)

// Reading is a single meter sample as received by the ingestion gateway.
// Readings are ephemeral: they exist on the wire and in the raw_readings
// topic, never in the store. (meterId, timestamp) identifies a logical
// reading for dedup; readingId is optional and informational.
type Reading struct {
	ReadingID   string    `json:"readingId,omitempty"`
	MeterID     string    `json:"meterId"`
	Region      string    `json:"region"`
	Timestamp   time.Time `json:"timestamp"`
	PowerKw     float64   `json:"powerKw"`
	Voltage     *float64  `json:"voltage,omitempty"`
	Current     *float64  `json:"current,omitempty"`
	Frequency   *float64  `json:"frequency,omitempty"`
	PowerFactor *float64  `json:"powerFactor,omitempty"`
	EnergyKwh   *float64  `json:"energyKwh,omitempty"`
	Seq         *int64    `json:"seq,omitempty"`
	Status      string    `json:"status,omitempty"`
}

// DedupKey returns the cache key identifying this logical reading.
func (r Reading) DedupKey() string {
	return "reading:" + r.MeterID + ":" + r.Timestamp.UTC().Format(time.RFC3339)
}

// Aggregate is a per-meter windowed summary, persisted to the time-series
// store and published on the aggregate topics. Window length is implied by
// the table/topic it travels on (1m or 15m).
type Aggregate struct {
	MeterID      string    `json:"meterId"`
	Region       string    `json:"region"`
	WindowStart  time.Time `json:"windowStart"`
	AvgPowerKw   float64   `json:"avgPowerKw"`
	MaxPowerKw   float64   `json:"maxPowerKw"`
	EnergyKwhSum float64   `json:"energyKwhSum"`
	Count        int64     `json:"count"`
}

// RegionalAggregate summarises one region over a 1-minute window.
// TotalPowerKw is the sum of per-meter average power across the window.
type RegionalAggregate struct {
	Region         string    `json:"region"`
	WindowStart    time.Time `json:"windowStart"`
	MeterCount     int       `json:"meterCount"`
	TotalPowerKw   float64   `json:"totalPowerKw"`
	MaxPowerKw     float64   `json:"maxPowerKw"`
	MinPowerKw     float64   `json:"minPowerKw"`
	ActiveMeterIDs []string  `json:"activeMeterIds"`
	LoadPercentage float64   `json:"loadPercentage"`
}

// MeterLiveness is the cached last-seen record for a meter.
type MeterLiveness struct {
	MeterID  string    `json:"meterId"`
	Region   string    `json:"region"`
	LastSeen time.Time `json:"lastSeen"`
}
