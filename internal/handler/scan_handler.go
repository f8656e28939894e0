// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/basaltsec/recon/backend/internal/models"
	apperrors "github.com/basaltsec/recon/backend/internal/pkg/errors"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/pkg/validator"
	"github.com/basaltsec/recon/backend/internal/service"

	"github.com/gin-gonic/gin"
)

// hookParseBudget bounds how long the hook endpoint waits for the scanner's
// callback body.
const hookParseBudget = 10 * time.Second

// ScanHandler handles scan-related HTTP requests.
type ScanHandler struct {
	scanService service.ScanService
	logger      logger.Logger
}

// NewScanHandler creates a new scan handler instance.
func NewScanHandler(scanService service.ScanService, log logger.Logger) *ScanHandler {
	return &ScanHandler{
		scanService: scanService,
		logger:      log,
	}
}

// StartScan handles POST /api/scans/start - Submit a new scan.
func (h *ScanHandler) StartScan(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}

	var req models.StartScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperrors.NewInvalidRequest(fmt.Sprintf("Invalid request body: %v", err)))
		return
	}

	resp, err := h.scanService.StartScan(c.Request.Context(), user, &req)
	if err != nil {
		h.logger.Error("Failed to start scan for user %s: %v", user.ExternalAuthID, err)
		respondError(c, err)
		return
	}

	h.logger.Info("Started scan %s for user %s", resp.ScanUUID, user.ExternalAuthID)
	c.JSON(http.StatusOK, resp)
}

// ListScans handles GET /api/scans - List the caller's scans, newest first.
func (h *ScanHandler) ListScans(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}

	resp, err := h.scanService.ListScans(c.Request.Context(), user)
	if err != nil {
		h.logger.Error("Failed to list scans for user %s: %v", user.ExternalAuthID, err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetScan handles GET /api/scans/:uuid - Get one scan with live progress.
func (h *ScanHandler) GetScan(c *gin.Context) {
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

	resp, err := h.scanService.GetScan(c.Request.Context(), user, scanUUID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetScanStatus handles GET /api/scans/:uuid/status - Get the bare status.
func (h *ScanHandler) GetScanStatus(c *gin.Context) {
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

	resp, err := h.scanService.GetScanStatus(c.Request.Context(), user, scanUUID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// GetScanFindings handles GET /api/scans/:uuid/findings - Findings derived
// from the scan, across all its targets.
func (h *ScanHandler) GetScanFindings(c *gin.Context) {
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

	findings, err := h.scanService.GetScanFindings(c.Request.Context(), user, scanUUID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":    len(findings),
		"findings": findings,
	})
}

// Hook handles POST /api/scans/hook - The scanner's status callback.
// The endpoint always answers 200 so the scanner never enters a retry loop;
// failures are reported in the response body.
func (h *ScanHandler) Hook(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), hookParseBudget)
	defer cancel()

	body, err := readBody(ctx, c.Request.Body)
	if err != nil {
		h.logger.Error("Hook: reading callback body failed: %v", err)
		c.JSON(http.StatusOK, gin.H{"status": "error", "error": "unreadable request body"})
		return
	}

	var req models.ScanHookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Error("Hook: malformed callback payload: %v", err)
		c.JSON(http.StatusOK, gin.H{"status": "error", "error": "malformed JSON payload"})
		return
	}

	if err := h.scanService.ProcessHook(ctx, &req); err != nil {
		h.logger.Error("Hook: callback for scan %s rejected: %v", req.ScanID, err)
		msg := err.Error()
		if appErr, ok := err.(*apperrors.AppError); ok {
			msg = appErr.Message
		}
		c.JSON(http.StatusOK, gin.H{"status": "error", "error": msg})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// readBody reads r fully, abandoning the read when ctx expires. The scanner
// is expected to deliver its callback body well inside the budget.
func readBody(ctx context.Context, r io.Reader) ([]byte, error) {
	type result struct {
		data []byte
		err  error
	}

	ch := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(r)
		ch <- result{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.data, res.err
	}
}
