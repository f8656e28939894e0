// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package middleware provides HTTP middleware for the recon server.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/basaltsec/recon/backend/internal/models"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/repository"
	"github.com/basaltsec/recon/backend/internal/service"
	"github.com/basaltsec/recon/backend/internal/types"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gin-gonic/gin"
)

// Context keys set by the auth middleware.
const (
	UserContextKey    = "user"
	SubjectContextKey = "subject"
)

// anonymousSubject identifies every request when OIDC is disabled (dev mode).
const anonymousSubject = "anonymous"

// authClaims is the identity extracted from a token or a session.
type authClaims struct {
	Subject     string
	Email       string
	DisplayName string
}

// Authenticator resolves the requesting user from a bearer token, the token
// query parameter (WebSocket clients cannot set headers), or the session
// cookie, and mirrors the identity into the users table.
type Authenticator struct {
	config   *types.OIDCConfig
	verifier *oidc.IDTokenVerifier
	sessions *service.SessionService
	users    repository.UserRepository
	logger   logger.Logger
}

// NewAuthenticator creates the authentication middleware. The provider is
// shared with the auth handler and is nil when OIDC is disabled.
func NewAuthenticator(cfg *types.OIDCConfig, provider *oidc.Provider, sessions *service.SessionService, users repository.UserRepository, log logger.Logger) *Authenticator {
	a := &Authenticator{
		config:   cfg,
		sessions: sessions,
		users:    users,
		logger:   log,
	}
	if cfg.Enabled && provider != nil {
		a.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.ClientID})
	}
	return a
}

// Middleware returns the gin handler enforcing authentication on the routes
// it is attached to. On success the resolved user and subject are stored in
// the request context.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := a.resolveClaims(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}

		user, err := a.users.GetOrCreate(c.Request.Context(), &models.User{
			ExternalAuthID: claims.Subject,
			DisplayName:    claims.DisplayName,
			Email:          claims.Email,
		})
		if err != nil {
			a.logger.Error("Auth: mirroring user %s failed: %v", claims.Subject, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to resolve user"})
			c.Abort()
			return
		}
		if !user.Enabled {
			c.JSON(http.StatusForbidden, gin.H{"error": "User account is disabled"})
			c.Abort()
			return
		}

		c.Set(UserContextKey, user)
		c.Set(SubjectContextKey, user.ExternalAuthID)
		c.Next()
	}
}

// resolveClaims extracts the caller identity. Resolution order: bearer
// header, token query parameter, session cookie.
func (a *Authenticator) resolveClaims(c *gin.Context) (*authClaims, bool) {
	if !a.config.Enabled {
		return &authClaims{Subject: anonymousSubject, DisplayName: "Anonymous"}, true
	}

	if raw := bearerToken(c); raw != "" {
		claims, err := a.verifyToken(c, raw)
		if err != nil {
			a.logger.Debug("Auth: bearer token rejected: %v", err)
			return nil, false
		}
		return claims, true
	}

	if raw := c.Query("token"); raw != "" {
		claims, err := a.verifyToken(c, raw)
		if err != nil {
			a.logger.Debug("Auth: query token rejected: %v", err)
			return nil, false
		}
		return claims, true
	}

	if sessionID, err := c.Cookie("session"); err == nil && sessionID != "" {
		if session, exists := a.sessions.GetSession(sessionID); exists {
			// Sliding expiry: active browsers stay logged in.
			a.sessions.RefreshSession(sessionID)
			return &authClaims{
				Subject:     session.Subject,
				Email:       session.Email,
				DisplayName: session.DisplayName,
			}, true
		}
		a.logger.Debug("Auth: invalid or expired session")
	}

	return nil, false
}

// verifyToken validates a JWT against the OIDC issuer and extracts the
// identity claims.
func (a *Authenticator) verifyToken(c *gin.Context, raw string) (*authClaims, error) {
	if a.verifier == nil {
		return nil, errors.New("no token verifier configured")
	}

	idToken, err := a.verifier.Verify(c.Request.Context(), raw)
	if err != nil {
		return nil, err
	}

	var claims struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, err
	}

	return &authClaims{
		Subject:     idToken.Subject,
		Email:       claims.Email,
		DisplayName: claims.Name,
	}, nil
}

// bearerToken returns the token from the Authorization header, or "" when
// the header is absent or not a bearer scheme.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
