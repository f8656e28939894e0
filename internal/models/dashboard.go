// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package models

// DashboardStats aggregates per-user counts for the dashboard page.
type DashboardStats struct {
	Targets            int64            `json:"targets"`
	Scans              int64            `json:"scans"`
	Findings           int64            `json:"findings"`
	FindingsBySeverity map[string]int64 `json:"findings_by_severity"`
}

// OpenPortCount is one row of the top-open-ports aggregate.
type OpenPortCount struct {
	Port  int   `json:"port"`
	Count int64 `json:"count"`
}
