package api

import (
	"net/http"

	"character-playground/backend/internal/upstream"
	apperrors "character-playground/backend/pkg/errors"
	"character-playground/backend/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ModelsHandler serves GET /api/models: the merged, name-sorted model
// catalog of the listed upstream tiers.
type ModelsHandler struct {
	catalog *upstream.Catalog
}

// NewModelsHandler creates the models listing handler.
func NewModelsHandler(catalog *upstream.Catalog) *ModelsHandler {
	return &ModelsHandler{catalog: catalog}
}

// Handle returns the aggregated model options.
func (h *ModelsHandler) Handle(c *gin.Context) {
	options, err := h.catalog.List(c.Request.Context())
	if err != nil {
		logger.FromContext(c).LogError(err, "model catalog fetch failed")
		c.Error(apperrors.NewServerError("Failed to fetch models"))
		c.Abort()
		return
	}
	c.JSON(http.StatusOK, options)
}
