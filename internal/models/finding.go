// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package models

import (
	"encoding/json"
	"time"
)

// Severity is the classification level assigned to a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is one of the known levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// PortState is the scanner-reported state of a port.
type PortState string

const (
	PortStateOpen     PortState = "open"
	PortStateClosed   PortState = "closed"
	PortStateFiltered PortState = "filtered"
	PortStateUnknown  PortState = "unknown"
)

// Finding is a single interpreted observation about a target, derived from
// scanner output, carrying a severity and a remediation recommendation.
// Findings are created exclusively by the watcher on scan completion.
type Finding struct {
	ID             int64           `json:"id"`
	UUID           string          `json:"uuid"`
	TargetID       int64           `json:"target_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Recommendation string          `json:"recommendation"`
	Port           *int            `json:"port,omitempty"`
	PortState      PortState       `json:"port_state,omitempty"`
	Protocol       string          `json:"protocol,omitempty"`
	Service        string          `json:"service,omitempty"`
	OS             json.RawMessage `json:"os,omitempty"`         // OS detection payload, raw JSON
	Traceroute     json.RawMessage `json:"traceroute,omitempty"` // Traceroute hops, raw JSON
	Severity       Severity        `json:"severity"`
	CreatedAt      time.Time       `json:"created_at"`
}

// FindingListRequest represents query parameters for listing findings.
type FindingListRequest struct {
	Page     int    `form:"page,default=1"`      // Page number (default: 1)
	PageSize int    `form:"pageSize,default=50"` // Items per page (default: 50, max: 200)
	Severity string `form:"severity"`            // Filter by severity (optional)
}

// FindingListResponse represents the response for finding list queries.
type FindingListResponse struct {
	Total    int        `json:"total"`    // Total number of findings matching the filter
	Page     int        `json:"page"`     // Current page number
	PageSize int        `json:"pageSize"` // Items per page
	Findings []*Finding `json:"findings"` // Findings for the current page
}
