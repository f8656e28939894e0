// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basaltsec/recon/backend/internal/classifier"
	"github.com/basaltsec/recon/backend/internal/kvb"
	"github.com/basaltsec/recon/backend/internal/models"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/repository"
	"github.com/basaltsec/recon/backend/internal/types"
)

// watcher supervises one scan until it reaches a terminal state. It is the
// single writer of the scan's lifecycle columns and findings; the scanner
// talks to it indirectly through the scan:{S} envelope and the progress
// channel.
type watcher struct {
	scanUUID string
	repos    *repository.Repositories
	bus      kvb.Bus
	cfg      types.WatcherConfig
	logger   logger.Logger
	stopCh   <-chan struct{}

	scan         *models.Scan
	lastProgress time.Time // Last progress-channel traffic; drives the inactivity check
	lastPoll     time.Time // Last scan:{S} read; paces polling
}

// run watches the scan until it is terminal, the process is stopping, or the
// scan turns out to be gone. A stop leaves the scan as-is for ResumeWatchers.
func (w *watcher) run(ctx context.Context) {
	scan, err := w.repos.Scans.GetByUUID(ctx, w.scanUUID)
	if err != nil {
		w.logger.Error("Watcher %s: failed to load scan: %v", w.scanUUID, err)
		return
	}
	if scan == nil {
		w.logger.Error("Watcher %s: scan does not exist", w.scanUUID)
		return
	}
	if scan.Status.IsTerminal() {
		return // Finished while queued for a pool slot
	}
	w.scan = scan

	sub := w.bus.Subscribe(ctx, kvb.ProgressChannel(w.scanUUID))
	defer sub.Close()

	w.logger.Debug("Watcher %s: watching (status %s)", w.scanUUID, scan.Status)
	w.lastProgress = time.Now()

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		msg, err := sub.Receive(ctx, w.cfg.ReceiveTimeout)
		if err != nil {
			w.logger.Error("Watcher %s: progress receive failed: %v", w.scanUUID, err)
			// Pace the loop so a broken subscription cannot spin it hot.
			select {
			case <-w.stopCh:
				return
			case <-time.After(w.cfg.ReceiveTimeout):
			}
		}
		if msg != nil {
			w.observeProgress(ctx, msg.Payload)
		}

		// Only running scans are subject to the silence check; a scan may
		// sit pending in the scanner's queue indefinitely.
		if w.scan.Status == models.ScanStatusRunning && time.Since(w.lastProgress) > w.cfg.InactivityTimeout {
			w.logger.Error("Watcher %s: no progress for %s, failing the scan", w.scanUUID, w.cfg.InactivityTimeout)
			if w.fail(ctx) {
				return
			}
			continue
		}

		if time.Since(w.lastPoll) < w.cfg.PollInterval {
			continue
		}
		w.lastPoll = time.Now()

		if w.poll(ctx) {
			return
		}
	}
}

// observeProgress resets the inactivity window and refreshes the cached
// progress value read by scan GETs and the scan-list stream.
func (w *watcher) observeProgress(ctx context.Context, payload string) {
	w.lastProgress = time.Now()
	if err := w.bus.Set(ctx, kvb.ProgressKey(w.scanUUID), payload, kvb.ProgressTTL); err != nil {
		w.logger.Error("Watcher %s: progress cache write failed: %v", w.scanUUID, err)
	}
}

// poll reads the scan:{S} envelope and applies any status transition it
// announces. Returns true once the scan is terminal and persisted.
func (w *watcher) poll(ctx context.Context) bool {
	raw, ok, err := w.bus.Get(ctx, kvb.ScanKey(w.scanUUID))
	if err != nil {
		w.logger.Error("Watcher %s: envelope read failed: %v", w.scanUUID, err)
		return false
	}
	if !ok {
		return false // Envelope not written yet
	}

	var env models.ScanEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		w.logger.Error("Watcher %s: malformed envelope %q: %v", w.scanUUID, raw, err)
		return false
	}

	next := models.ScanStatus(env.Status)
	if next == w.scan.Status {
		return false
	}

	switch next {
	case models.ScanStatusPending:
		// Stale delivery behind an already-observed transition; ignore.
		return false
	case models.ScanStatusRunning:
		w.markRunning(ctx)
		return false
	case models.ScanStatusCompleted:
		return w.complete(ctx)
	case models.ScanStatusFailed:
		return w.fail(ctx)
	default:
		w.logger.Error("Watcher %s: ignoring unknown status %q", w.scanUUID, env.Status)
		return false
	}
}

// markRunning persists the pending→running transition. started_at is set
// exactly once, on the first observation out of pending.
func (w *watcher) markRunning(ctx context.Context) {
	now := time.Now().UTC()
	if w.scan.StartedAt == nil {
		w.scan.StartedAt = &now
	}
	w.scan.Status = models.ScanStatusRunning

	if err := w.repos.Scans.Update(ctx, w.scan); err != nil {
		w.logger.Error("Watcher %s: failed to persist running transition: %v", w.scanUUID, err)
		w.scan.Status = models.ScanStatusPending // Retry on the next poll
		return
	}

	// The scan gets the full silence window from the moment it starts.
	w.lastProgress = time.Now()

	w.logger.Info("Scan %s is running", w.scanUUID)
	w.publishStatus(ctx)
}

// complete persists the terminal completed state: final output, raw results,
// and the classified findings commit together with the scan-row update in
// one transaction, guarded so a duplicate delivery cannot double-insert
// findings. Consumed artifact keys are deleted; scan:{S} itself stays for
// late stream readers.
func (w *watcher) complete(ctx context.Context) bool {
	// Artifact reads are best-effort: a failure here downgrades the result
	// to empty, it does not hold the transition back.
	lines, err := w.bus.Range(ctx, kvb.OutputKey(w.scanUUID), 0, -1)
	if err != nil {
		w.logger.Error("Watcher %s: output read failed, completing without output: %v", w.scanUUID, err)
		lines = nil
	}
	raw, _, err := w.bus.Get(ctx, kvb.ResultsKey(w.scanUUID))
	if err != nil {
		w.logger.Error("Watcher %s: results read failed, completing without results: %v", w.scanUUID, err)
		raw = ""
	}

	prev := w.scan.Status
	now := time.Now().UTC()
	if w.scan.StartedAt == nil {
		w.scan.StartedAt = &now
	}
	if w.scan.FinishedAt == nil {
		w.scan.FinishedAt = &now
	}
	w.scan.Status = models.ScanStatusCompleted
	w.scan.Output = strings.Join(lines, "\n")
	w.scan.Result = raw

	findings := w.deriveFindings(ctx, raw)

	applied, err := w.repos.Scans.Complete(ctx, w.scan, findings)
	if err != nil {
		w.logger.Error("Watcher %s: completion transaction failed: %v", w.scanUUID, err)
		w.scan.Status = prev // Retry on the next poll
		return false
	}
	if applied {
		w.logger.Info("Scan %s completed with %d finding(s)", w.scanUUID, len(findings))
	} else {
		w.logger.Info("Scan %s results already ingested, skipping duplicate delivery", w.scanUUID)
	}

	if err := w.bus.Delete(ctx, kvb.OutputKey(w.scanUUID), kvb.ResultsKey(w.scanUUID)); err != nil {
		w.logger.Error("Watcher %s: artifact cleanup failed: %v", w.scanUUID, err)
	}

	w.publishStatus(ctx)
	w.publishFinalProgress(ctx)
	return true
}

// fail persists the terminal failed state. Output lines already flushed by
// the stream gateway stay; failed scans get no authoritative output pass.
func (w *watcher) fail(ctx context.Context) bool {
	prev := w.scan.Status
	now := time.Now().UTC()
	if w.scan.StartedAt == nil {
		w.scan.StartedAt = &now
	}
	if w.scan.FinishedAt == nil {
		w.scan.FinishedAt = &now
	}
	w.scan.Status = models.ScanStatusFailed

	if err := w.repos.Scans.Update(ctx, w.scan); err != nil {
		w.logger.Error("Watcher %s: failed to persist failed transition: %v", w.scanUUID, err)
		w.scan.Status = prev // Retry on the next poll
		return false
	}

	w.logger.Info("Scan %s failed", w.scanUUID)
	w.publishStatus(ctx)
	w.publishFinalProgress(ctx)
	return true
}

// publishStatus announces the transition on {S}:status. The publish always
// follows the database write, so subscribers never observe a state the row
// does not hold yet.
func (w *watcher) publishStatus(ctx context.Context) {
	payload, err := json.Marshal(models.StatusEvent{
		Status:     string(w.scan.Status),
		StartedAt:  rfc3339(w.scan.StartedAt),
		FinishedAt: rfc3339(w.scan.FinishedAt),
	})
	if err != nil {
		w.logger.Error("Watcher %s: failed to encode status event: %v", w.scanUUID, err)
		return
	}
	if err := w.bus.Publish(ctx, kvb.StatusChannel(w.scanUUID), string(payload)); err != nil {
		w.logger.Error("Watcher %s: status publish failed: %v", w.scanUUID, err)
	}
}

// publishFinalProgress publishes the terminal 100 mark on the progress
// channel.
func (w *watcher) publishFinalProgress(ctx context.Context) {
	if err := w.bus.Publish(ctx, kvb.ProgressChannel(w.scanUUID), "100"); err != nil {
		w.logger.Error("Watcher %s: final progress publish failed: %v", w.scanUUID, err)
	}
}

// deriveFindings classifies the raw results payload and resolves each host
// to one of the scan's targets. Unparseable payloads and unresolvable hosts
// drop their findings; result ingestion never blocks the status transition.
func (w *watcher) deriveFindings(ctx context.Context, raw string) []*models.Finding {
	if raw == "" {
		return nil
	}

	var hosts []models.HostRecord
	if err := json.Unmarshal([]byte(raw), &hosts); err != nil {
		w.logger.Error("Watcher %s: unparseable results payload: %v", w.scanUUID, err)
		return nil
	}

	candidates := classifier.Classify(hosts)
	if len(candidates) == 0 {
		return nil
	}

	targets, err := w.repos.Targets.ListByScan(ctx, w.scan.ID)
	if err != nil {
		w.logger.Error("Watcher %s: target lookup failed, dropping %d finding(s): %v", w.scanUUID, len(candidates), err)
		return nil
	}
	byName := make(map[string]int64, len(targets))
	for _, t := range targets {
		byName[t.Name] = t.ID
	}

	findings := make([]*models.Finding, 0, len(candidates))
	for i := range candidates {
		c := &candidates[i]

		// Attach by exact name, falling back to the only target when the
		// scan has just one.
		targetID, ok := byName[c.IPAddress]
		if !ok {
			targetID, ok = byName[c.Hostname]
		}
		if !ok && len(targets) == 1 {
			targetID, ok = targets[0].ID, true
		}
		if !ok {
			w.logger.Error("Watcher %s: no target matches host %s/%s, dropping finding %s", w.scanUUID, c.IPAddress, c.Hostname, c.Name)
			continue
		}

		findings = append(findings, &models.Finding{
			UUID:           uuid.New().String(),
			TargetID:       targetID,
			Name:           c.Name,
			Description:    c.Description,
			Recommendation: c.Recommendation,
			Port:           c.Port,
			PortState:      c.PortState,
			Protocol:       c.Protocol,
			Service:        c.Service,
			OS:             c.OS,
			Traceroute:     c.Traceroute,
			Severity:       c.Severity,
		})
	}
	return findings
}

// rfc3339 formats an optional timestamp for event payloads.
func rfc3339(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}
