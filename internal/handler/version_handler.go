// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package handler

import (
	"net/http"

	"github.com/basaltsec/recon/backend/internal/models"

	"github.com/gin-gonic/gin"
)

// VersionHandler serves build information.
type VersionHandler struct {
	info models.VersionInfo
}

// NewVersionHandler creates a new version handler instance.
func NewVersionHandler(info models.VersionInfo) *VersionHandler {
	return &VersionHandler{info: info}
}

// GetVersion handles GET /api/version - Build metadata injected at link time.
func (h *VersionHandler) GetVersion(c *gin.Context) {
	c.JSON(http.StatusOK, h.info)
}
