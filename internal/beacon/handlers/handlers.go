package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"gridflow/internal/beacon/websocket"
	"gridflow/pkg/kafka"
	"gridflow/pkg/logging"
)

// Event types carried on fan-out frames
const (
	EventTariffUpdate = "TARIFF_UPDATE"
	EventAlert        = "ALERT"
	EventAlertStatus  = "ALERT_STATUS"
)

// Broadcaster is the slice of the hub the fan-out handlers use.
type Broadcaster interface {
	Broadcast(msgType, channel string, data map[string]interface{})
	Stats() map[string]interface{}
}

// FanOutHandlers routes consumed pipeline events to hub channels. Within one
// upstream partition the consumer is serial, so per-channel ordering follows
// partition order.
type FanOutHandlers struct {
	hub    Broadcaster
	logger logging.Logger
}

// NewFanOutHandlers creates the topic-to-channel routing handlers.
func NewFanOutHandlers(hub Broadcaster, logger logging.Logger) *FanOutHandlers {
	return &FanOutHandlers{hub: hub, logger: logger}
}

// HandleTariffUpdate routes tariff_updates to {tariffs, region:{r}}.
func (h *FanOutHandlers) HandleTariffUpdate(ctx context.Context, msg kafka.Message) error {
	data, region, _, ok := h.decode(msg)
	if !ok {
		return nil
	}
	h.hub.Broadcast(EventTariffUpdate, websocket.ChannelTariffs, data)
	if region != "" {
		h.hub.Broadcast(EventTariffUpdate, "region:"+region, data)
	}
	return nil
}

// HandleProcessedAlert routes alerts_processed to {alerts, region:{r},
// meter:{m}}.
func (h *FanOutHandlers) HandleProcessedAlert(ctx context.Context, msg kafka.Message) error {
	data, region, meterID, ok := h.decode(msg)
	if !ok {
		return nil
	}
	h.hub.Broadcast(EventAlert, websocket.ChannelAlerts, data)
	if region != "" {
		h.hub.Broadcast(EventAlert, "region:"+region, data)
	}
	if meterID != "" {
		h.hub.Broadcast(EventAlert, "meter:"+meterID, data)
	}
	return nil
}

// HandleAlertStatusUpdate routes alert_status_updates to
// {alert_status_updates, region:{r}}.
func (h *FanOutHandlers) HandleAlertStatusUpdate(ctx context.Context, msg kafka.Message) error {
	data, region, _, ok := h.decode(msg)
	if !ok {
		return nil
	}
	h.hub.Broadcast(EventAlertStatus, websocket.ChannelAlertStatusUpdates, data)
	if region != "" {
		h.hub.Broadcast(EventAlertStatus, "region:"+region, data)
	}
	return nil
}

// decode unmarshals a payload and pulls out its routing fields. Malformed
// payloads are skipped, never retried.
func (h *FanOutHandlers) decode(msg kafka.Message) (data map[string]interface{}, region, meterID string, ok bool) {
	if err := json.Unmarshal(msg.Value, &data); err != nil {
		h.logger.WithError(err).WithFields(logging.Fields{
			"topic":  msg.Topic,
			"offset": msg.Offset,
		}).Warn("Skipping malformed fan-out payload")
		return nil, "", "", false
	}
	region, _ = data["region"].(string)
	meterID, _ = data["meterId"].(string)
	return data, region, meterID, true
}

// HandleStats handles GET /stats, service-token gated.
func (h *FanOutHandlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Stats())
}
