// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package kvb

import "time"

// Key and channel names per scan, shared with the external scanner. The
// scanner writes scan:{S}, scan_output:{S} and scan_results:{S}; the watcher
// owns scan_progress:{S} and the {S}:status channel.

// TTLs applied to transient keys.
const (
	OutputTTL   = 24 * time.Hour // scan_output:{S} list
	ProgressTTL = time.Hour      // scan_progress:{S} cache
)

// ScanKey returns the key holding the scan's status envelope.
func ScanKey(scanUUID string) string {
	return "scan:" + scanUUID
}

// OutputKey returns the key of the ordered output-line list.
func OutputKey(scanUUID string) string {
	return "scan_output:" + scanUUID
}

// ResultsKey returns the key of the terminal results blob.
func ResultsKey(scanUUID string) string {
	return "scan_results:" + scanUUID
}

// ProgressKey returns the key caching the last observed progress value.
func ProgressKey(scanUUID string) string {
	return "scan_progress:" + scanUUID
}

// PresetKey returns the key holding a user's saved scan preset.
func PresetKey(subject string) string {
	return "user_config:" + subject
}

// OutputChannel returns the pub/sub channel carrying output lines.
func OutputChannel(scanUUID string) string {
	return scanUUID
}

// ProgressChannel returns the pub/sub channel carrying progress numbers.
func ProgressChannel(scanUUID string) string {
	return scanUUID + ":progress"
}

// StatusChannel returns the pub/sub channel carrying status transitions.
func StatusChannel(scanUUID string) string {
	return scanUUID + ":status"
}
