package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/estate/services/searchsync/internal/models"
	"example.com/estate/services/searchsync/internal/repositories"
)

// SyncStatusReader looks up the sync status of one entity
type SyncStatusReader interface {
	Get(ctx context.Context, entityType, entityID string) (*models.IndexSyncStatus, error)
}

// SyncStatusHandler serves operational sync status lookups
type SyncStatusHandler struct {
	status SyncStatusReader
}

// NewSyncStatusHandler creates a new sync status handler
func NewSyncStatusHandler(status SyncStatusReader) *SyncStatusHandler {
	return &SyncStatusHandler{status: status}
}

// HandleGetSyncStatus returns the last sync outcome of an entity
func (h *SyncStatusHandler) HandleGetSyncStatus(c *gin.Context) {
	entityType := c.Param("entityType")
	entityID := c.Param("entityId")

	row, err := h.status.Get(c.Request.Context(), entityType, entityID)
	if errors.Is(err, repositories.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "sync status not found"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("entity_type", entityType).Str("entity_id", entityID).Msg("Failed to get sync status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get sync status"})
		return
	}

	c.JSON(http.StatusOK, row)
}

// RegisterRoutes registers the handler's routes
func (h *SyncStatusHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/sync-status/:entityType/:entityId", h.HandleGetSyncStatus)
}
