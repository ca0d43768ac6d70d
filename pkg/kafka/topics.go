package kafka

// Canonical topic names for the telemetry backbone. Keys are chosen so that
// per-key ordering holds: meter-scoped topics key by meterId, region-scoped
// topics by region, alert streams by alertId.
const (
	TopicRawReadings          = "raw_readings"           // key: meterId
	TopicAggregates1m         = "aggregates_1m"          // key: meterId
	TopicAggregates15m        = "aggregates_15m"         // key: meterId
	TopicAggregates1mRegional = "aggregates_1m_regional" // key: region
	TopicAlerts               = "alerts"                 // key: meterId
	TopicAlertsProcessed      = "alerts_processed"       // key: alertId or meterId
	TopicAlertStatusUpdates   = "alert_status_updates"   // key: alertId
	TopicTariffUpdates        = "tariff_updates"         // key: region
)
