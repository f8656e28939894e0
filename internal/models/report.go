// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package models

import "time"

// ReportType is the requested export format of a report.
type ReportType string

const (
	ReportTypePDF  ReportType = "pdf"
	ReportTypeJSON ReportType = "json"
	ReportTypeCSV  ReportType = "csv"
)

// Valid reports whether the report type is one of the known formats.
func (t ReportType) Valid() bool {
	switch t {
	case ReportTypePDF, ReportTypeJSON, ReportTypeCSV:
		return true
	}
	return false
}

// ReportStatus is the generation state of a report.
type ReportStatus string

const (
	ReportStatusPending   ReportStatus = "pending"
	ReportStatusGenerated ReportStatus = "generated"
	ReportStatusFailed    ReportStatus = "failed"
)

// Report is a requested export of a scan's terminal state. Generation runs
// outside this service; rows here track the request and its download URL.
type Report struct {
	ID               int64        `json:"id"`
	UUID             string       `json:"uuid"`
	ScanID           int64        `json:"scan_id"`
	Name             string       `json:"name"`
	Type             ReportType   `json:"type"`
	Status           ReportStatus `json:"status"`
	URL              *string      `json:"url,omitempty"`
	LastDownloadedAt *time.Time   `json:"last_downloaded_at"`
	CreatedAt        time.Time    `json:"created_at"`
}

// CreateReportRequest represents the request body for POST /api/scans/:uuid/reports.
type CreateReportRequest struct {
	Name string `json:"name"`                    // Optional label; defaults to the scan name
	Type string `json:"type" binding:"required"` // pdf | json | csv (required)
}

// ReportListResponse represents the response for GET /api/reports.
type ReportListResponse struct {
	Total   int       `json:"total"`
	Reports []*Report `json:"reports"`
}
