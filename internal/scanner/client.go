// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package scanner provides the HTTP client used to dispatch scan jobs to the
// external scan engine.
package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/basaltsec/recon/backend/internal/pkg/errors"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/types"
)

// hookPath is the webhook route the scanner calls back on, appended to the
// configured callback base URL.
const hookPath = "/api/scans/hook"

// Job is the dispatch payload sent to the scanner.
type Job struct {
	Targets     []string               `json:"targets"`
	ScanType    string                 `json:"scan_type"`
	ScanOptions map[string]interface{} `json:"scan_options,omitempty"`
	ScanID      string                 `json:"scan_id"`
}

// Client dispatches scan jobs to the external scanner.
type Client interface {
	// Submit posts the job to the scanner. The scanner acknowledges
	// acceptance with 202; anything else is an error.
	Submit(ctx context.Context, job *Job) error
}

// httpClient implements Client over plain HTTP.
type httpClient struct {
	submitURL   string
	callbackURL string
	client      *http.Client
	log         logger.Logger
}

// NewHTTPClient creates a scanner client from the scanner configuration.
func NewHTTPClient(cfg *types.ScannerConfig, log logger.Logger) Client {
	return &httpClient{
		submitURL:   cfg.URL,
		callbackURL: strings.TrimRight(cfg.CallbackURL, "/") + hookPath,
		client:      &http.Client{Timeout: cfg.SubmitTimeout},
		log:         log,
	}
}

// Submit posts the job with the callback header set so the scanner can
// report status transitions back to the webhook.
func (c *httpClient) Submit(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return apperrors.WrapInternal(err, "Failed to encode scan job")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.submitURL, bytes.NewReader(body))
	if err != nil {
		return apperrors.WrapInternal(err, "Failed to build scanner request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Callback-Url", c.callbackURL)

	c.log.Debug("Submitting scan %s to %s (%d targets)", job.ScanID, c.submitURL, len(job.Targets))

	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.WrapUpstreamUnavailable(err, "Scanner submission failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		// Include a slice of the body for diagnostics; the scanner's error
		// text is free-form.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperrors.WrapUpstreamUnavailable(
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
			"Scanner rejected the scan job",
		)
	}
	return nil
}
