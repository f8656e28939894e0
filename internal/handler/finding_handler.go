// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package handler

import (
	"fmt"
	"net/http"

	"github.com/basaltsec/recon/backend/internal/models"
	apperrors "github.com/basaltsec/recon/backend/internal/pkg/errors"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/service"

	"github.com/gin-gonic/gin"
)

// FindingHandler handles finding-related HTTP requests.
type FindingHandler struct {
	findingService service.FindingService
	logger         logger.Logger
}

// NewFindingHandler creates a new finding handler instance.
func NewFindingHandler(findingService service.FindingService, log logger.Logger) *FindingHandler {
	return &FindingHandler{
		findingService: findingService,
		logger:         log,
	}
}

// ListFindings handles GET /api/findings - List the caller's findings with
// pagination and an optional severity filter.
func (h *FindingHandler) ListFindings(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}

	var req models.FindingListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		respondError(c, apperrors.NewInvalidRequest(fmt.Sprintf("Invalid query parameters: %v", err)))
		return
	}

	resp, err := h.findingService.ListFindings(c.Request.Context(), user, &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
