package dynamo

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gridflow/pkg/logging"
	"gridflow/pkg/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// TariffCacheReader reads the cached current tariff; nil means cache miss.
type TariffCacheReader interface {
	GetTariff(ctx context.Context, region string) (*models.Tariff, error)
}

// OperatorHandlers implements the tariff operator endpoints.
type OperatorHandlers struct {
	engine  *Engine
	repo    *TariffRepository
	tariffs TariffCacheReader
	logger  logging.Logger
}

// NewOperatorHandlers creates the operator-facing HTTP handlers.
func NewOperatorHandlers(engine *Engine, repo *TariffRepository, tariffs TariffCacheReader, logger logging.Logger) *OperatorHandlers {
	return &OperatorHandlers{engine: engine, repo: repo, tariffs: tariffs, logger: logger}
}

// HandleOverride handles POST /operator/tariff/override
func (h *OperatorHandlers) HandleOverride(c *gin.Context) {
	var req models.TariffOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "detail": err.Error()})
		return
	}

	tariff, fieldErrs, err := h.engine.Override(c.Request.Context(), req)
	if err != nil {
		h.logger.WithError(err).WithField("region", req.Region).Error("Tariff override failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply override"})
		return
	}
	if len(fieldErrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": fieldErrs})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "tariff": tariff})
}

// HandleCurrent handles GET /operator/tariff/:region. The cache is
// authoritative for the current value; Postgres is the fallback on a miss.
func (h *OperatorHandlers) HandleCurrent(c *gin.Context) {
	region := c.Param("region")

	tariff, err := h.tariffs.GetTariff(c.Request.Context(), region)
	if err != nil {
		h.logger.WithError(err).WithField("region", region).Warn("Tariff cache read failed, falling back to store")
	}
	if tariff == nil {
		tariff, err = h.repo.Current(c.Request.Context(), region)
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no tariff for region", "region": region})
			return
		}
		if err != nil {
			h.logger.WithError(err).WithField("region", region).Error("Tariff lookup failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load tariff"})
			return
		}
	}

	c.JSON(http.StatusOK, tariff)
}

// HandleHistory handles GET /operator/tariff/:region/history?limit=
func (h *OperatorHandlers) HandleHistory(c *gin.Context) {
	region := c.Param("region")

	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	history, err := h.repo.History(c.Request.Context(), region, limit)
	if err != nil {
		h.logger.WithError(err).WithField("region", region).Error("Tariff history lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load tariff history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"region": region, "tariffs": history, "count": len(history)})
}

// HandleAll handles GET /operator/tariffs/all
func (h *OperatorHandlers) HandleAll(c *gin.Context) {
	tariffs, err := h.repo.LatestPerRegion(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Tariff listing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load tariffs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"tariffs": tariffs, "count": len(tariffs)})
}
