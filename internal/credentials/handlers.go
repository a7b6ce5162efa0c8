package credentials

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lurkerhound/lurkerhound/internal/httperr"
	"github.com/lurkerhound/lurkerhound/internal/logger"
)

// Handler exposes the admin token routes.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

func NewHandler(service *Service, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  log.WithComponent("credentials-handler"),
	}
}

// StoreToken ingests the token pair produced by the operator's OAuth dance.
// POST /store-token
func (h *Handler) StoreToken(c *gin.Context) {
	var submission TokenSubmission
	if err := c.ShouldBindJSON(&submission); err != nil {
		httperr.AbortWithBadRequest(c, "Invalid token payload", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	if err := h.service.Ingest(c.Request.Context(), submission); err != nil {
		var invalid *ErrInvalidPayload
		if errors.As(err, &invalid) {
			httperr.AbortWithBadRequest(c, "Invalid token payload", map[string]interface{}{
				"field":  invalid.Field,
				"reason": invalid.Reason,
			})
			return
		}
		h.logger.LogError(c.Request.Context(), err, "Failed to store token pair")
		httperr.AbortWithInternal(c, "Failed to store token pair")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}

// ForceTokensRefresh refreshes the stored pair immediately.
// GET /force-tokens-refresh
func (h *Handler) ForceTokensRefresh(c *gin.Context) {
	if err := h.service.ForceRefresh(c.Request.Context()); err != nil {
		if errors.Is(err, ErrNoCredentials) {
			httperr.AbortWithNotFound(c, "No token pair on record")
			return
		}
		h.logger.LogError(c.Request.Context(), err, "Failed to refresh token pair")
		httperr.AbortWithInternal(c, "Failed to refresh token pair")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "ok"})
}
