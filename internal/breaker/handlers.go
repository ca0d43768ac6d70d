package breaker

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"gridflow/pkg/kafka"
	"gridflow/pkg/logging"
	"gridflow/pkg/models"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// StatusHandlers implements the alert lifecycle HTTP endpoints.
type StatusHandlers struct {
	repo      *AlertRepository
	publisher Publisher
	logger    logging.Logger
}

// NewStatusHandlers creates the alert status handlers.
func NewStatusHandlers(repo *AlertRepository, publisher Publisher, logger logging.Logger) *StatusHandlers {
	return &StatusHandlers{repo: repo, publisher: publisher, logger: logger}
}

type acknowledgeRequest struct {
	AcknowledgedBy string `json:"acknowledgedBy"`
}

// HandleAcknowledge handles POST /alerts/:id/acknowledge
func (h *StatusHandlers) HandleAcknowledge(c *gin.Context) {
	var req acknowledgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}
	if req.AcknowledgedBy == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "acknowledgedBy is required"})
		return
	}
	h.transition(c, models.AlertStatusAcknowledged, req.AcknowledgedBy)
}

// HandleResolve handles POST /alerts/:id/resolve
func (h *StatusHandlers) HandleResolve(c *gin.Context) {
	h.transition(c, models.AlertStatusResolved, "")
}

func (h *StatusHandlers) transition(c *gin.Context, newStatus, acknowledgedBy string) {
	id := c.Param("id")

	alert, err := h.repo.Transition(c.Request.Context(), id, newStatus, acknowledgedBy)
	if errors.Is(err, sql.ErrNoRows) {
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found", "id": id})
		return
	}
	if errors.Is(err, ErrInvalidTransition) {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "id": id})
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("alert_id", id).Error("Alert status transition failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update alert"})
		return
	}

	update := models.AlertStatusUpdate{
		AlertID:        alert.ID,
		Status:         alert.Status,
		Region:         alert.Region,
		MeterID:        alert.MeterID,
		AcknowledgedBy: alert.AcknowledgedBy,
		UpdatedAt:      time.Now().UTC(),
		Metadata:       alert.Metadata,
	}
	if _, err := h.publisher.ProduceJSON(c.Request.Context(), kafka.TopicAlertStatusUpdates, update.AlertID, update, nil); err != nil {
		// The row is already updated; the fan-out miss is logged, not surfaced
		h.logger.WithError(err).WithField("alert_id", id).Error("Failed to publish alert status update")
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "alert": alert})
}

// HandleList handles GET /alerts?status=&limit=
func (h *StatusHandlers) HandleList(c *gin.Context) {
	status := c.Query("status")
	if status != "" && status != models.AlertStatusActive &&
		status != models.AlertStatusAcknowledged && status != models.AlertStatusResolved {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status", "status": status})
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	alerts, err := h.repo.List(c.Request.Context(), status, limit)
	if err != nil {
		h.logger.WithError(err).Error("Alert listing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load alerts"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}
