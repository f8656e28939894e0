// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package validator provides input validation utilities for security.
package validator

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// Maximum input sizes to prevent DoS
	MaxTargets          = 64
	MaxTargetLength     = 512
	MaxScanOptions      = 64
	MaxScanOptionKeyLen = 128
)

var (
	// Valid UUID format (RFC 4122 textual representation)
	uuidRegex = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

	// Valid scan option key: letters, digits, underscore
	// Examples: os_detection, tcp_syn_ping_ports, min_rate
	optionKeyRegex = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)
)

// ValidationError represents an input validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

// ValidateTargets validates the raw target list of a scan submission.
// Content rules live in the normalizer; this checks shape and size only.
func ValidateTargets(targets []string) error {
	if len(targets) == 0 {
		return &ValidationError{
			Field:   "targets",
			Message: "at least one target is required",
		}
	}

	if len(targets) > MaxTargets {
		return &ValidationError{
			Field:   "targets",
			Message: fmt.Sprintf("target list exceeds maximum of %d entries", MaxTargets),
		}
	}

	for _, target := range targets {
		if len(target) > MaxTargetLength {
			return &ValidationError{
				Field:   "targets",
				Message: fmt.Sprintf("target exceeds maximum length of %d characters", MaxTargetLength),
			}
		}

		// Reject control characters; everything else is the normalizer's job
		if strings.ContainsAny(target, "\n\r\x00") {
			return &ValidationError{
				Field:   "targets",
				Message: "target contains control characters",
			}
		}
	}

	return nil
}

// ValidateScanType validates the scan type against the known profiles.
func ValidateScanType(scanType string) error {
	switch scanType {
	case "default", "custom", "deep":
		return nil
	}
	return &ValidationError{
		Field:   "type",
		Message: fmt.Sprintf("unknown scan type '%s' (expected: default, custom, or deep)", scanType),
	}
}

// ValidateScanOptions validates the free-form scanner options mapping.
// Values are passed through untouched; only keys and map size are checked.
func ValidateScanOptions(options map[string]interface{}) error {
	if len(options) > MaxScanOptions {
		return &ValidationError{
			Field:   "scan_options",
			Message: fmt.Sprintf("scan options exceed maximum of %d entries", MaxScanOptions),
		}
	}

	for key := range options {
		if len(key) > MaxScanOptionKeyLen {
			return &ValidationError{
				Field:   "scan_options",
				Message: fmt.Sprintf("option key exceeds maximum length of %d characters", MaxScanOptionKeyLen),
			}
		}

		if !optionKeyRegex.MatchString(key) {
			return &ValidationError{
				Field:   "scan_options",
				Message: fmt.Sprintf("option key '%s' contains invalid characters", key),
			}
		}
	}

	return nil
}

// ValidateUUID validates a UUID path or query parameter.
func ValidateUUID(field, value string) error {
	if value == "" {
		return &ValidationError{
			Field:   field,
			Message: "uuid cannot be empty",
		}
	}

	if !uuidRegex.MatchString(value) {
		return &ValidationError{
			Field:   field,
			Message: "uuid format is invalid",
		}
	}

	return nil
}
