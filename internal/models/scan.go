// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package models defines data structures for the recon control plane.
package models

import "time"

// ScanStatus represents the lifecycle state of a scan.
type ScanStatus string

const (
	ScanStatusPending   ScanStatus = "pending"   // Scan created, not yet picked up by the scanner
	ScanStatusRunning   ScanStatus = "running"   // Scanner reported work in progress
	ScanStatusCompleted ScanStatus = "completed" // Scanner finished successfully
	ScanStatusFailed    ScanStatus = "failed"    // Scanner failed or the watcher timed out
)

// IsTerminal reports whether the status admits no further transitions.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed
}

// ScanType selects the option profile sent to the external scanner.
type ScanType string

const (
	ScanTypeDefault ScanType = "default" // Scanner's built-in defaults
	ScanTypeCustom  ScanType = "custom"  // Caller-supplied scan_options
	ScanTypeDeep    ScanType = "deep"    // Scanner's aggressive profile
)

// Valid reports whether the scan type is one of the known profiles.
func (t ScanType) Valid() bool {
	switch t {
	case ScanTypeDefault, ScanTypeCustom, ScanTypeDeep:
		return true
	}
	return false
}

// Scan represents one invocation of the external scanner against a set of
// targets on behalf of one user.
type Scan struct {
	ID         int64      `json:"id"`
	UUID       string     `json:"uuid"`
	UserID     int64      `json:"user_id"`
	Name       string     `json:"name"`        // Convenience label ("Assessment no. K"), not an identifier
	Type       ScanType   `json:"type"`        // default | custom | deep
	Status     ScanStatus `json:"status"`      // pending | running | completed | failed
	Parameters string     `json:"parameters"`  // JSON of the original start request
	Output     string     `json:"output"`      // Scanner stdout; append-only while live
	Result     string     `json:"-"`           // Raw scanner result JSON (large, not serialized)
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`  // Set once, on the first transition out of pending
	FinishedAt *time.Time `json:"finished_at"` // Set once, on the first transition into a terminal state
}

// StartScanRequest represents the request body for POST /api/scans/start.
type StartScanRequest struct {
	Targets     []string               `json:"targets" binding:"required"` // Raw target strings (required)
	Type        string                 `json:"type" binding:"required"`    // default | custom | deep (required)
	ScanOptions map[string]interface{} `json:"scan_options"`               // Passed through to the scanner (optional)
}

// StartScanResponse carries the UUID of the newly created scan.
type StartScanResponse struct {
	ScanUUID string `json:"scan_uuid"`
}

// ScanStatusResponse represents the response for GET /api/scans/:uuid/status.
type ScanStatusResponse struct {
	Status ScanStatus `json:"status"`
}

// ScanResponse represents a scan in list/detail responses, enriched with the
// associated target names and, while non-terminal, the live progress value.
type ScanResponse struct {
	ID         int64      `json:"id"`
	UUID       string     `json:"uuid"`
	UserID     int64      `json:"user_id"`
	Name       string     `json:"name"`
	Type       ScanType   `json:"type"`
	Status     ScanStatus `json:"status"`
	Parameters string     `json:"parameters"`
	Output     string     `json:"output"`
	Targets    []string   `json:"targets"`
	Progress   *string    `json:"progress,omitempty"` // Last cached progress, non-terminal scans only
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

// ScanListResponse represents the response for GET /api/scans.
type ScanListResponse struct {
	Total int             `json:"total"` // Total number of scans for the user
	Scans []*ScanResponse `json:"scans"` // Newest first
}

// ScanHookRequest represents the scanner's callback body for POST /api/scans/hook.
type ScanHookRequest struct {
	ScanID string `json:"scan_id"` // Scan UUID assigned at submission
	Status string `json:"status"`  // Scanner-reported status (last-wins)
}

// ScanEnvelope is the JSON value stored under the scan:{S} key on the bus.
type ScanEnvelope struct {
	Status     string  `json:"status"`
	FinishedAt *string `json:"finished_at,omitempty"`
}

// StatusEvent is the JSON payload published on the {S}:status channel after
// every persisted transition.
type StatusEvent struct {
	Status     string  `json:"status"`
	StartedAt  *string `json:"started_at"`
	FinishedAt *string `json:"finished_at"`
}
