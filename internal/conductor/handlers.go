package conductor

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lurkerhound/lurkerhound/internal/httperr"
	"github.com/lurkerhound/lurkerhound/internal/logger"
	"github.com/lurkerhound/lurkerhound/internal/storage/pg"
)

// Handler exposes the scan admin routes.
type Handler struct {
	conductor *Conductor
	logger    *logger.Logger
}

func NewHandler(conductor *Conductor, log *logger.Logger) *Handler {
	return &Handler{
		conductor: conductor,
		logger:    log.WithComponent("conductor-handler"),
	}
}

// StartScan launches a new scanning session.
// POST /scans
func (h *Handler) StartScan(c *gin.Context) {
	scanID, err := h.conductor.StartScan(c.Request.Context())
	if err != nil {
		if errors.Is(err, ErrScanActive) {
			httperr.AbortWithConflict(c, "A scan is already active")
			return
		}
		h.logger.LogError(c.Request.Context(), err, "Failed to start scan")
		httperr.AbortWithInternal(c, "Failed to start scan")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"scan_id": scanID.String()})
}

// CancelScan stops the named scan.
// DELETE /scans/:id
func (h *Handler) CancelScan(c *gin.Context) {
	scanID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httperr.AbortWithBadRequest(c, "Invalid scan id", nil)
		return
	}

	if err := h.conductor.CancelScan(c.Request.Context(), scanID); err != nil {
		switch {
		case errors.Is(err, pg.ErrNotFound):
			httperr.AbortWithNotFound(c, "Scan not found")
		case errors.Is(err, ErrScanNotActive):
			httperr.AbortWithConflict(c, "Scan is not active")
		default:
			h.logger.LogError(c.Request.Context(), err, "Failed to cancel scan")
			httperr.AbortWithInternal(c, "Failed to cancel scan")
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

type scanStatusResponse struct {
	ScanID          string  `json:"scan_id"`
	TimeStarted     string  `json:"time_started"`
	TimeEnded       *string `json:"time_ended,omitempty"`
	ReasonEnded     string  `json:"reason_ended"`
	StreamsInScan   int     `json:"streams_in_scan"`
	Active          bool    `json:"active"`
	PendingDepth    int64   `json:"pending_depth"`
	WorkbenchDepth  int64   `json:"workbench_depth"`
	FetchesComplete int64   `json:"fetches_complete"`
	FetchesErrored  int64   `json:"fetches_errored"`
}

// GetScan reports a scan's progress.
// GET /scans/:id
func (h *Handler) GetScan(c *gin.Context) {
	scanID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httperr.AbortWithBadRequest(c, "Invalid scan id", nil)
		return
	}

	status, err := h.conductor.Status(c.Request.Context(), scanID)
	if err != nil {
		if errors.Is(err, pg.ErrNotFound) {
			httperr.AbortWithNotFound(c, "Scan not found")
			return
		}
		h.logger.LogError(c.Request.Context(), err, "Failed to load scan status")
		httperr.AbortWithInternal(c, "Failed to load scan status")
		return
	}

	resp := scanStatusResponse{
		ScanID:          status.Scan.ID.String(),
		TimeStarted:     status.Scan.TimeStarted.Format(time.RFC3339),
		ReasonEnded:     string(status.Scan.ReasonEnded),
		StreamsInScan:   status.Scan.StreamsInScan,
		Active:          status.Active,
		PendingDepth:    status.PendingDepth,
		WorkbenchDepth:  status.WorkbenchDepth,
		FetchesComplete: status.FetchesComplete,
		FetchesErrored:  status.FetchesErrored,
	}
	if status.Scan.TimeEnded != nil {
		ended := status.Scan.TimeEnded.Format(time.RFC3339)
		resp.TimeEnded = &ended
	}

	c.JSON(http.StatusOK, resp)
}
