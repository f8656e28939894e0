// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package handler provides HTTP request handlers.
package handler

import (
	"net/http"

	"github.com/basaltsec/recon/backend/internal/middleware"
	"github.com/basaltsec/recon/backend/internal/models"
	apperrors "github.com/basaltsec/recon/backend/internal/pkg/errors"

	"github.com/gin-gonic/gin"
)

// respondError writes a JSON error response, mapping AppError to its HTTP
// status code. Errors without a classification surface as 500.
func respondError(c *gin.Context, err error) {
	if appErr, ok := err.(*apperrors.AppError); ok {
		c.JSON(appErr.StatusCode, gin.H{"error": appErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// currentUser returns the user resolved by the auth middleware, or nil when
// the request carries no identity.
func currentUser(c *gin.Context) *models.User {
	v, exists := c.Get(middleware.UserContextKey)
	if !exists {
		return nil
	}
	user, ok := v.(*models.User)
	if !ok {
		return nil
	}
	return user
}

// currentSubject returns the external auth subject of the request, or ""
// when unauthenticated.
func currentSubject(c *gin.Context) string {
	v, exists := c.Get(middleware.SubjectContextKey)
	if !exists {
		return ""
	}
	subject, ok := v.(string)
	if !ok {
		return ""
	}
	return subject
}
