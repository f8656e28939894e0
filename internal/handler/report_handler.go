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

// ReportHandler handles report HTTP requests.
type ReportHandler struct {
	reportService service.ReportService
	logger        logger.Logger
}

// NewReportHandler creates a new report handler instance.
func NewReportHandler(reportService service.ReportService, log logger.Logger) *ReportHandler {
	return &ReportHandler{
		reportService: reportService,
		logger:        log,
	}
}

// CreateReport handles POST /api/scans/:uuid/reports - Request an export of
// one scan in the given format.
func (h *ReportHandler) CreateReport(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}

	scanUUID := c.Param("uuid")
	if err := validator.ValidateUUID("scan UUID", scanUUID); err != nil {
		respondError(c, apperrors.NewNotFound("Scan not found"))
		return
	}

	var req models.CreateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewInvalidRequest(fmt.Sprintf("Invalid request body: %v", err)))
		return
	}

	report, err := h.reportService.CreateReport(c.Request.Context(), user, scanUUID, &req)
	if err != nil {
		respondError(c, err)
		return
	}

	h.logger.Info("Created %s report %s for scan %s", report.Type, report.UUID, scanUUID)
	c.JSON(http.StatusOK, report)
}

// ListReports handles GET /api/reports - List reports over the caller's scans.
func (h *ReportHandler) ListReports(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}

	resp, err := h.reportService.ListReports(c.Request.Context(), user)
	if err != nil {
		h.logger.Error("Failed to list reports for user %s: %v", user.ExternalAuthID, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetReport handles GET /api/reports/:uuid - Get one report row.
func (h *ReportHandler) GetReport(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}

	reportUUID := c.Param("uuid")
	if err := validator.ValidateUUID("report UUID", reportUUID); err != nil {
		respondError(c, apperrors.NewNotFound("Report not found"))
		return
	}

	report, err := h.reportService.GetReport(c.Request.Context(), user, reportUUID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, report)
}
