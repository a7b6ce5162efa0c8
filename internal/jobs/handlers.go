// Package jobs exposes the batch jobs as admin routes so an operator can
// trigger a run outside the schedule.
package jobs

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lurkerhound/lurkerhound/internal/aggregator"
	"github.com/lurkerhound/lurkerhound/internal/enricher"
	"github.com/lurkerhound/lurkerhound/internal/httperr"
	"github.com/lurkerhound/lurkerhound/internal/logger"
	"github.com/lurkerhound/lurkerhound/internal/storage/pg"
)

// Handler wires the enrichment and aggregation jobs to HTTP.
type Handler struct {
	enricher   *enricher.Enricher
	aggregator *aggregator.Aggregator
	logger     *logger.Logger
}

func NewHandler(e *enricher.Enricher, a *aggregator.Aggregator, log *logger.Logger) *Handler {
	return &Handler{
		enricher:   e,
		aggregator: a,
		logger:     log.WithComponent("jobs-handler"),
	}
}

// Enrich runs one enrichment batch.
// POST /jobs/enrich
func (h *Handler) Enrich(c *gin.Context) {
	enriched, err := h.enricher.RunOnce(c.Request.Context())
	if err != nil {
		h.logger.LogError(c.Request.Context(), err, "Enrichment batch failed")
		httperr.AbortWithInternal(c, "Enrichment batch failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"enriched": enriched})
}

type aggregateRequest struct {
	ScanID string `json:"scan_id" binding:"required"`
}

// Aggregate rolls up one finished scan.
// POST /jobs/aggregate
func (h *Handler) Aggregate(c *gin.Context) {
	var req aggregateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httperr.AbortWithBadRequest(c, "Invalid aggregate request", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	scanID, err := uuid.Parse(req.ScanID)
	if err != nil {
		httperr.AbortWithBadRequest(c, "Invalid scan id", nil)
		return
	}

	aggregated, err := h.aggregator.RunForScan(c.Request.Context(), scanID)
	if err != nil {
		switch {
		case errors.Is(err, pg.ErrNotFound):
			httperr.AbortWithNotFound(c, "Scan not found")
		case errors.Is(err, aggregator.ErrScanNotFinished):
			httperr.AbortWithConflict(c, "Scan has not finished")
		default:
			h.logger.LogError(c.Request.Context(), err, "Aggregation failed")
			httperr.AbortWithInternal(c, "Aggregation failed")
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"aggregated": aggregated})
}
