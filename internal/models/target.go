// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package models

import "time"

// Target is a user-owned, named network endpoint (hostname, public IP,
// public CIDR, or public IP range). Names are normalizer post-images and
// unique per user; targets are reused across scans.
type Target struct {
	ID        int64     `json:"id"`
	UUID      string    `json:"uuid"`
	UserID    int64     `json:"user_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateTargetRequest represents the request body for POST /api/targets.
type CreateTargetRequest struct {
	Name string `json:"name" binding:"required"` // Raw target string, normalized before insert
}

// TargetListRequest represents query parameters for listing targets.
type TargetListRequest struct {
	Page     int `form:"page,default=1"`      // Page number (default: 1)
	PageSize int `form:"pageSize,default=20"` // Items per page (default: 20, max: 100)
}

// TargetInfo is a Target enriched with the aggregate counts shown on the
// target list page.
type TargetInfo struct {
	Target
	FindingsCount       int64 `json:"findings_count"`
	CompletedScansCount int64 `json:"completed_scans_count"`
}

// TargetListResponse represents the response for target list queries.
type TargetListResponse struct {
	Total    int           `json:"total"`    // Total number of targets for the user
	Page     int           `json:"page"`     // Current page number
	PageSize int           `json:"pageSize"` // Items per page
	Targets  []*TargetInfo `json:"targets"`  // Targets for the current page, newest first
}
