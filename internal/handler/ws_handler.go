// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package handler

import (
	"context"
	"net/http"
	"sync"

	apperrors "github.com/basaltsec/recon/backend/internal/pkg/errors"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/pkg/validator"
	"github.com/basaltsec/recon/backend/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// upgrader accepts any origin: WebSocket clients authenticate with a token
// or session, not with the Origin header.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamHandler handles the WebSocket streaming endpoints.
type StreamHandler struct {
	streamService service.StreamService
	scanService   service.ScanService
	logger        logger.Logger
}

// NewStreamHandler creates a new stream handler instance.
func NewStreamHandler(streamService service.StreamService, scanService service.ScanService, log logger.Logger) *StreamHandler {
	return &StreamHandler{
		streamService: streamService,
		scanService:   scanService,
		logger:        log,
	}
}

// wsConn serializes writes to one WebSocket connection. The stream pump and
// the final flush may send from different goroutines.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) send(frame interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(frame)
}

// StreamScan handles GET /api/scans/ws/:uuid - Live per-scan stream.
// Ownership is checked before the upgrade; the stream runs until the client
// disconnects. The server never initiates the close.
func (h *StreamHandler) StreamScan(c *gin.Context) {
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

	scan, err := h.scanService.GetScan(c.Request.Context(), user, scanUUID)
	if err != nil {
		respondError(c, err)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed for scan %s: %v", scanUUID, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Client disconnect surfaces as a read error and stops the pump.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	h.logger.Debug("Stream opened for scan %s (user %s)", scanUUID, user.ExternalAuthID)
	ws := &wsConn{conn: conn}
	h.streamService.StreamScan(ctx, scan.ID, scan.UUID, ws.send)
	h.logger.Debug("Stream closed for scan %s", scanUUID)
}

// StreamScanList handles GET /api/scans/ws - Periodic scan-list updates.
// The keycloak_uuid query parameter must name the authenticated subject.
func (h *StreamHandler) StreamScanList(c *gin.Context) {
	user := currentUser(c)
	if user == nil {
		respondError(c, apperrors.ErrUnauthorized)
		return
	}

	requested := c.Query("keycloak_uuid")
	if requested == "" {
		respondError(c, apperrors.NewInvalidRequest("keycloak_uuid query parameter is required"))
		return
	}
	if requested != currentSubject(c) {
		respondError(c, apperrors.NewForbidden("keycloak_uuid does not match the authenticated user"))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed for scan list (user %s): %v", user.ExternalAuthID, err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ws := &wsConn{conn: conn}
	h.streamService.StreamScanList(ctx, user.ID, ws.send)
}
