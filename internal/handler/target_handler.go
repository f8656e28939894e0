// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package handler

import (
	"fmt"
	"net/http"

	"github.com/basaltsec/recon/backend/internal/models"
	apperrors "github.com/basaltsec/recon/backend/internal/pkg/errors"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/pkg/validator"
	"github.com/basaltsec/recon/backend/internal/service"

	"github.com/gin-gonic/gin"
)

// TargetHandler handles target-related HTTP requests.
type TargetHandler struct {
	targetService service.TargetService
	logger        logger.Logger
}

// NewTargetHandler creates a new target handler instance.
func NewTargetHandler(targetService service.TargetService, log logger.Logger) *TargetHandler {
	return &TargetHandler{
		targetService: targetService,
		logger:        log,
	}
}

// ListTargets handles GET /api/targets - List the caller's targets, paged.
func (h *TargetHandler) ListTargets(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}

	var req models.TargetListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		respondError(c, apperrors.NewInvalidRequest(fmt.Sprintf("Invalid query parameters: %v", err)))
		return
	}

	resp, err := h.targetService.ListTargets(c.Request.Context(), user, &req)
	if err != nil {
		h.logger.Error("Failed to list targets for user %s: %v", user.ExternalAuthID, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// CreateTarget handles POST /api/targets - Create a target by name.
func (h *TargetHandler) CreateTarget(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}

	var req models.CreateTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewInvalidRequest(fmt.Sprintf("Invalid request body: %v", err)))
		return
	}

	target, err := h.targetService.CreateTarget(c.Request.Context(), user, &req)
	if err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("Created target %s for user %s", target.Name, user.ExternalAuthID)
	c.JSON(http.StatusOK, target)
}

// GetTarget handles GET /api/targets/:uuid - Get one target with counts.
func (h *TargetHandler) GetTarget(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}

	targetUUID := c.Param("uuid")
	if err := validator.ValidateUUID("target UUID", targetUUID); err != nil {
		respondError(c, apperrors.NewNotFound("Target not found"))
		return
	}

	info, err := h.targetService.GetTarget(c.Request.Context(), user, targetUUID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, info)
}

// DeleteTarget handles DELETE /api/targets/:uuid - Delete an owned target and
// everything attached to it.
func (h *TargetHandler) DeleteTarget(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}

	targetUUID := c.Param("uuid")
	if err := validator.ValidateUUID("target UUID", targetUUID); err != nil {
		respondError(c, apperrors.NewNotFound("Target not found"))
		return
	}

	if err := h.targetService.DeleteTarget(c.Request.Context(), user, targetUUID); err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("Deleted target %s for user %s", targetUUID, user.ExternalAuthID)
	c.JSON(http.StatusOK, gin.H{"message": "Target deleted successfully"})
}

// GetTargetFindings handles GET /api/targets/:uuid/findings - All findings
// recorded against one target.
func (h *TargetHandler) GetTargetFindings(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}

	targetUUID := c.Param("uuid")
	if err := validator.ValidateUUID("target UUID", targetUUID); err != nil {
		respondError(c, apperrors.NewNotFound("Target not found"))
		return
	}

	findings, err := h.targetService.GetTargetFindings(c.Request.Context(), user, targetUUID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":    len(findings),
		"findings": findings,
	})
}
