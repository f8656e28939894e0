// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package models

// VersionInfo represents the build information exposed on /api/version.
// Values are injected at build time via -ldflags.
type VersionInfo struct {
	Version string `json:"version"` // Semantic version or "dev"
	Commit  string `json:"commit"`  // Git commit hash
	Date    string `json:"date"`    // Build timestamp
}
