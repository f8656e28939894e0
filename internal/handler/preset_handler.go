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

// PresetHandler handles HTTP requests for per-user scan presets.
type PresetHandler struct {
	presetService *service.PresetService
	logger        logger.Logger
}

// NewPresetHandler creates a new preset handler instance.
func NewPresetHandler(presetService *service.PresetService, log logger.Logger) *PresetHandler {
	return &PresetHandler{
		presetService: presetService,
		logger:        log,
	}
}

// GetPreset handles GET /api/config - The caller's saved scan preset.
// A user without a saved preset receives an empty object.
func (h *PresetHandler) GetPreset(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}

	preset, err := h.presetService.GetPreset(c.Request.Context(), user.ExternalAuthID)
	if err != nil {
		h.logger.Error("Failed to load preset for user %s: %v", user.ExternalAuthID, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, preset)
}

// SavePreset handles POST /api/config - Save the caller's scan preset.
func (h *PresetHandler) SavePreset(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}

	var preset models.ScanPreset
	if err := c.ShouldBindJSON(&preset); err != nil {
		respondError(c, apperrors.NewInvalidRequest(fmt.Sprintf("Invalid request body: %v", err)))
		return
	}

	if err := h.presetService.SavePreset(c.Request.Context(), user.ExternalAuthID, &preset); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Preset saved successfully"})
}
