// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package models

// ScanPreset represents a user's saved default scan submission, pre-filled by
// the UI on the next scan. Stored on the bus under user_config:{subject}.
type ScanPreset struct {
	Type        string                 `json:"type,omitempty"`         // Preferred scan type
	Targets     []string               `json:"targets,omitempty"`      // Last submitted target list
	ScanOptions map[string]interface{} `json:"scan_options,omitempty"` // Preferred scanner options
}
