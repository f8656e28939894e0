// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package handler

import (
	"net/http"
	"strconv"

	apperrors "github.com/basaltsec/recon/backend/internal/pkg/errors"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/service"

	"github.com/gin-gonic/gin"
)

// DashboardHandler handles dashboard aggregate HTTP requests.
type DashboardHandler struct {
	dashboardService service.DashboardService
	logger           logger.Logger
}

// NewDashboardHandler creates a new dashboard handler instance.
func NewDashboardHandler(dashboardService service.DashboardService, log logger.Logger) *DashboardHandler {
	return &DashboardHandler{
		dashboardService: dashboardService,
		logger:           log,
	}
}

// GetStats handles GET /api/dashboard/stats - Per-user counts.
func (h *DashboardHandler) GetStats(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}

	stats, err := h.dashboardService.GetStats(c.Request.Context(), user)
	if err != nil {
		h.logger.Error("Failed to load dashboard stats for user %s: %v", user.ExternalAuthID, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetOpenPorts handles GET /api/dashboard/open-ports - Most frequent open
// ports across the caller's findings. The optional limit defaults to 10.
func (h *DashboardHandler) GetOpenPorts(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, apperrors.NewInvalidRequest("limit must be an integer"))
			return
		}
		limit = parsed
	}

	ports, err := h.dashboardService.GetOpenPorts(c.Request.Context(), user, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"ports": ports})
}
