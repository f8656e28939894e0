// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package models

import "time"

// User mirrors an identity owned by the external auth provider.
// A row is created on first sight of a new token subject.
type User struct {
	ID             int64     `json:"id"`
	ExternalAuthID string    `json:"external_auth_id"` // OIDC subject claim
	DisplayName    string    `json:"display_name"`
	Email          string    `json:"email"`
	Enabled        bool      `json:"enabled"` // Disabled users fail auth with 403
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// UserInfoResponse represents the response for GET /api/auth/userinfo.
type UserInfoResponse struct {
	UUID        string `json:"uuid"` // External auth subject
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Enabled     bool   `json:"enabled"`
}
