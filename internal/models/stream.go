// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package models

// Frame type tags for WebSocket messages sent by the stream endpoints.
const (
	FrameTypeProgress   = "progress"
	FrameTypeStatus     = "status"
	FrameTypeOutput     = "output"
	FrameTypeScanUpdate = "scan_update"
)

// ProgressFrame relays a progress percentage from the {S}:progress channel.
type ProgressFrame struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"` // 0..100
}

// StatusFrame relays a lifecycle transition from the {S}:status channel.
type StatusFrame struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"` // running | completed | failed
	StartedAt  *string `json:"started_at"`
	FinishedAt *string `json:"finished_at"`
}

// OutputFrame relays one scanner output line from the {S} channel.
type OutputFrame struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ScanUpdateFrame is the periodic per-scan summary sent on the scan-list
// stream. Progress is the raw cached string, null when nothing is cached.
type ScanUpdateFrame struct {
	Type       string  `json:"type"`
	ScanUUID   string  `json:"scan_uuid"`
	Status     string  `json:"status"`
	Progress   *string `json:"progress"`
	StartedAt  *string `json:"started_at"`
	FinishedAt *string `json:"finished_at"`
	Name       string  `json:"name"`
}
