// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package handler

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"

	"github.com/basaltsec/recon/backend/internal/models"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/repository"
	"github.com/basaltsec/recon/backend/internal/service"
	"github.com/basaltsec/recon/backend/internal/types"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"
)

// Cookie names and lifetimes for the OIDC code flow.
const (
	sessionCookieName   = "session"
	sessionCookieMaxAge = 86400 * 7 // matches the session TTL
	stateCookieName     = "oauth_state"
	stateCookieMaxAge   = 600
)

// identity is what a completed code flow tells us about the caller.
type identity struct {
	Subject string
	Email   string
	Name    string
}

// AuthHandler implements the OIDC code flow for browser clients: the login
// redirect, the callback, logout, and the userinfo probe. API clients skip
// all of this and present bearer tokens directly.
type AuthHandler struct {
	config      *types.OIDCConfig
	sessions    *service.SessionService
	users       repository.UserRepository
	provider    *oidc.Provider
	oauthConfig *oauth2.Config
	logger      logger.Logger
}

// NewAuthHandler creates a new auth handler. The provider is shared with the
// auth middleware and is nil when OIDC is disabled.
func NewAuthHandler(cfg *types.OIDCConfig, provider *oidc.Provider, sessionService *service.SessionService, users repository.UserRepository, log logger.Logger) *AuthHandler {
	h := &AuthHandler{
		config:   cfg,
		sessions: sessionService,
		users:    users,
		provider: provider,
		logger:   log,
	}

	if cfg.Enabled && provider != nil {
		h.oauthConfig = &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		}
	}

	return h
}

// Login handles GET /api/auth/login - Redirect to the OIDC provider. The
// anti-CSRF state travels in a short-lived cookie.
func (h *AuthHandler) Login(c *gin.Context) {
	if !h.config.Enabled {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "OIDC authentication is not enabled"})
		return
	}

	state, err := newStateToken()
	if err != nil {
		h.logger.Error("Failed to generate login state: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate state"})
		return
	}

	c.SetCookie(stateCookieName, state, stateCookieMaxAge, "/", "", true, true)
	c.Redirect(http.StatusFound, h.oauthConfig.AuthCodeURL(state))
}

// Callback handles GET /api/auth/callback - Complete the code flow, mirror
// the identity into the users table, and hand the browser a session cookie.
func (h *AuthHandler) Callback(c *gin.Context) {
	if !h.config.Enabled {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "OIDC authentication is not enabled"})
		return
	}

	ident, ok := h.verifyCallback(c)
	if !ok {
		return
	}

	user, err := h.users.GetOrCreate(c.Request.Context(), &models.User{
		ExternalAuthID: ident.Subject,
		DisplayName:    ident.Name,
		Email:          ident.Email,
	})
	if err != nil {
		h.logger.Error("Failed to mirror user %s: %v", ident.Subject, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve user"})
		return
	}
	if !user.Enabled {
		c.JSON(http.StatusForbidden, gin.H{"error": "User account is disabled"})
		return
	}

	sessionID, err := h.sessions.CreateSession(ident.Subject, ident.Email, ident.Name)
	if err != nil {
		h.logger.Error("Failed to create session: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create session"})
		return
	}
	c.SetCookie(sessionCookieName, sessionID, sessionCookieMaxAge, "/", "", true, true)

	h.logger.Info("User authenticated: %s (%s)", ident.Email, ident.Subject)
	c.Redirect(http.StatusFound, "/")
}

// verifyCallback walks the provider's callback through state verification,
// code exchange, and ID-token validation. On failure the response has been
// written and ok is false.
func (h *AuthHandler) verifyCallback(c *gin.Context) (ident identity, ok bool) {
	wantState, err := c.Cookie(stateCookieName)
	if err != nil {
		h.logger.Error("OIDC callback without a state cookie: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing state"})
		return identity{}, false
	}
	if c.Query("state") != wantState {
		h.logger.Error("OIDC callback state mismatch")
		c.JSON(http.StatusBadRequest, gin.H{"error": "State mismatch"})
		return identity{}, false
	}
	// The state is single-use.
	c.SetCookie(stateCookieName, "", -1, "/", "", true, true)

	ctx := c.Request.Context()
	token, err := h.oauthConfig.Exchange(ctx, c.Query("code"))
	if err != nil {
		h.logger.Error("OIDC code exchange failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to exchange token"})
		return identity{}, false
	}

	rawID, ok := token.Extra("id_token").(string)
	if !ok {
		h.logger.Error("OIDC token response carried no id_token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "No id_token"})
		return identity{}, false
	}

	verifier := h.provider.Verifier(&oidc.Config{ClientID: h.config.ClientID})
	idToken, err := verifier.Verify(ctx, rawID)
	if err != nil {
		h.logger.Error("OIDC ID token rejected: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to verify token"})
		return identity{}, false
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		h.logger.Error("Failed to extract claims: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to extract claims"})
		return identity{}, false
	}

	return identity{Subject: idToken.Subject, Email: claims.Email, Name: claims.Name}, true
}

// Logout handles POST /api/auth/logout - Drop the session on both ends.
func (h *AuthHandler) Logout(c *gin.Context) {
	if sessionID, err := c.Cookie(sessionCookieName); err == nil && sessionID != "" {
		h.sessions.DeleteSession(sessionID)
	}
	c.SetCookie(sessionCookieName, "", -1, "/", "", true, true)

	c.JSON(http.StatusOK, gin.H{"message": "Logged out successfully"})
}

// UserInfo handles GET /api/auth/userinfo - Current session information.
// The endpoint is public; unauthenticated callers get authenticated=false.
func (h *AuthHandler) UserInfo(c *gin.Context) {
	if !h.config.Enabled {
		c.JSON(http.StatusOK, gin.H{"authenticated": false, "oidc_enabled": false})
		return
	}

	anonymous := gin.H{"authenticated": false, "oidc_enabled": true}

	sessionID, err := c.Cookie(sessionCookieName)
	if err != nil || sessionID == "" {
		c.JSON(http.StatusOK, anonymous)
		return
	}
	session, exists := h.sessions.GetSession(sessionID)
	if !exists {
		c.JSON(http.StatusOK, anonymous)
		return
	}

	info := models.UserInfoResponse{
		UUID:        session.Subject,
		DisplayName: session.DisplayName,
		Email:       session.Email,
		Enabled:     true,
	}
	// Prefer the mirrored row; it carries the authoritative enabled flag.
	if user, err := h.users.GetByExternalID(c.Request.Context(), session.Subject); err == nil && user != nil {
		info.DisplayName = user.DisplayName
		info.Email = user.Email
		info.Enabled = user.Enabled
	}

	c.JSON(http.StatusOK, gin.H{
		"authenticated": true,
		"oidc_enabled":  true,
		"user":          info,
	})
}

// newStateToken returns the random anti-CSRF state for one login attempt.
func newStateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
