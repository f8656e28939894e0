// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/basaltsec/recon/backend/internal/kvb"
	"github.com/basaltsec/recon/backend/internal/models"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/repository"
	"github.com/basaltsec/recon/backend/internal/types"
)

// startWatcher runs a watcher for the scan in the background and returns a
// channel that closes when it exits. Test helpers live in scan_service_test.go.
func startWatcher(t *testing.T, repos *repository.Repositories, bus kvb.Bus, scanUUID string, cfg types.WatcherConfig) <-chan struct{} {
	t.Helper()

	stopCh := make(chan struct{})
	w := &watcher{
		scanUUID: scanUUID,
		repos:    repos,
		bus:      bus,
		cfg:      cfg,
		logger:   logger.NewNop(),
		stopCh:   stopCh,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.run(context.Background())
	}()
	t.Cleanup(func() {
		close(stopCh)
		<-done
	})
	return done
}

// waitForBusValue polls a bus key until it holds want or the deadline expires.
func waitForBusValue(t *testing.T, bus kvb.Bus, key, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		val, found, err := bus.Get(context.Background(), key)
		if err != nil {
			t.Fatalf("Failed to read %s: %v", key, err)
		}
		if found && val == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("Key %s never reached %q (last: found=%v val=%q)", key, want, found, val)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// waitForExit asserts that the watcher goroutine finishes.
func waitForExit(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected the watcher to exit")
	}
}

// TestWatcherCompletesScan drives a scan through pending, running, and
// completed, checking the persisted row, the ingested findings, the artifact
// cleanup, and the published events.
func TestWatcherCompletesScan(t *testing.T) {
	repos := repository.NewInMemoryRepositories()
	bus := newTestBus(t)
	ctx := context.Background()

	user := seedUser(t, repos, "owner")
	target := seedTarget(t, repos, user.ID, "93.184.216.34")
	scan := seedScan(t, repos, user.ID, "Assessment no. 1", models.ScanStatusPending, []int64{target.ID})

	sub := bus.Subscribe(ctx, kvb.StatusChannel(scan.UUID), kvb.ProgressChannel(scan.UUID))
	defer sub.Close()
	events := sub.Channel()

	// Give the forwarding goroutine time to establish the subscription.
	time.Sleep(100 * time.Millisecond)

	startWatcher(t, repos, bus, scan.UUID, testWatcherConfig())

	if err := bus.Set(ctx, kvb.ScanKey(scan.UUID), `{"status":"running"}`, 0); err != nil {
		t.Fatalf("Failed to write envelope: %v", err)
	}
	running := waitForScanStatus(t, repos, scan.UUID, models.ScanStatusRunning)
	if running.StartedAt == nil {
		t.Fatal("Expected started_at after the running transition")
	}
	if running.FinishedAt != nil {
		t.Error("Expected no finished_at while running")
	}

	// Scanner artifacts arrive before the terminal callback.
	if err := bus.Push(ctx, kvb.OutputKey(scan.UUID), "Starting scan", "Host 93.184.216.34 is up"); err != nil {
		t.Fatalf("Failed to push output: %v", err)
	}
	results, err := json.Marshal([]models.HostRecord{{
		IPAddress: "93.184.216.34",
		Ports: []models.PortRecord{{
			Port:     443,
			Protocol: "tcp",
			State:    "open",
			Service:  &models.ServiceInfo{Name: "https", Product: "nginx"},
		}},
	}})
	if err != nil {
		t.Fatalf("Failed to build results payload: %v", err)
	}
	if err := bus.Set(ctx, kvb.ResultsKey(scan.UUID), string(results), 0); err != nil {
		t.Fatalf("Failed to write results: %v", err)
	}

	if err := bus.Set(ctx, kvb.ScanKey(scan.UUID), `{"status":"completed"}`, 0); err != nil {
		t.Fatalf("Failed to write envelope: %v", err)
	}
	completed := waitForScanStatus(t, repos, scan.UUID, models.ScanStatusCompleted)

	if completed.FinishedAt == nil {
		t.Fatal("Expected finished_at after completion")
	}
	if completed.StartedAt == nil || !completed.StartedAt.Equal(*running.StartedAt) {
		t.Error("Expected started_at to be set exactly once")
	}
	if completed.Output != "Starting scan\nHost 93.184.216.34 is up" {
		t.Errorf("Unexpected final output: %q", completed.Output)
	}
	if completed.Result != string(results) {
		t.Errorf("Expected the raw results payload on the row, got %q", completed.Result)
	}

	findings, err := repos.Findings.ListByScan(ctx, scan.ID)
	if err != nil {
		t.Fatalf("Failed to list findings: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("Expected 1 finding, got %d", len(findings))
	}
	if findings[0].TargetID != target.ID {
		t.Errorf("Expected the finding attached to target %d, got %d", target.ID, findings[0].TargetID)
	}
	if findings[0].Name != "93.184.216.34-443/tcp" {
		t.Errorf("Unexpected finding name: %s", findings[0].Name)
	}

	// Consumed artifacts are gone; the envelope survives for late readers.
	if _, found, _ := bus.Get(ctx, kvb.ResultsKey(scan.UUID)); found {
		t.Error("Expected the results key to be deleted")
	}
	if lines, _ := bus.Range(ctx, kvb.OutputKey(scan.UUID), 0, -1); len(lines) != 0 {
		t.Errorf("Expected the output key to be deleted, got %d line(s)", len(lines))
	}
	if _, found, _ := bus.Get(ctx, kvb.ScanKey(scan.UUID)); !found {
		t.Error("Expected the scan envelope to survive completion")
	}

	// Both transitions were announced, then the terminal 100 mark.
	var statuses []string
	sawFinalProgress := false
	deadline := time.After(2 * time.Second)
	for len(statuses) < 2 || !sawFinalProgress {
		select {
		case msg := <-events:
			switch msg.Channel {
			case kvb.StatusChannel(scan.UUID):
				var evt models.StatusEvent
				if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
					t.Fatalf("Malformed status event %q: %v", msg.Payload, err)
				}
				statuses = append(statuses, evt.Status)
			case kvb.ProgressChannel(scan.UUID):
				if msg.Payload == "100" {
					sawFinalProgress = true
				}
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for watcher events (statuses=%v, final progress=%v)", statuses, sawFinalProgress)
		}
	}
	if statuses[0] != "running" || statuses[1] != "completed" {
		t.Errorf("Expected running then completed announcements, got %v", statuses)
	}
}

// TestWatcherFailsScan tests the direct pending-to-failed transition.
func TestWatcherFailsScan(t *testing.T) {
	repos := repository.NewInMemoryRepositories()
	bus := newTestBus(t)
	ctx := context.Background()

	user := seedUser(t, repos, "owner")
	scan := seedScan(t, repos, user.ID, "Assessment no. 1", models.ScanStatusPending, nil)

	done := startWatcher(t, repos, bus, scan.UUID, testWatcherConfig())

	if err := bus.Set(ctx, kvb.ScanKey(scan.UUID), `{"status":"failed"}`, 0); err != nil {
		t.Fatalf("Failed to write envelope: %v", err)
	}

	failed := waitForScanStatus(t, repos, scan.UUID, models.ScanStatusFailed)
	if failed.StartedAt == nil || failed.FinishedAt == nil {
		t.Error("Expected both lifecycle timestamps on a failed scan")
	}
	if findings, _ := repos.Findings.ListByScan(ctx, scan.ID); len(findings) != 0 {
		t.Errorf("Expected no findings on a failed scan, got %d", len(findings))
	}
	waitForExit(t, done)
}

// TestWatcherInactivityTimeout tests that a running scan with no progress
// traffic is failed after the silence window and that the failure is
// announced exactly once.
func TestWatcherInactivityTimeout(t *testing.T) {
	repos := repository.NewInMemoryRepositories()
	bus := newTestBus(t)
	ctx := context.Background()

	user := seedUser(t, repos, "owner")
	scan := seedScan(t, repos, user.ID, "Assessment no. 1", models.ScanStatusPending, nil)

	sub := bus.Subscribe(ctx, kvb.StatusChannel(scan.UUID))
	defer sub.Close()
	events := sub.Channel()

	// Give the forwarding goroutine time to establish the subscription.
	time.Sleep(100 * time.Millisecond)

	cfg := testWatcherConfig()
	cfg.InactivityTimeout = 60 * time.Millisecond
	done := startWatcher(t, repos, bus, scan.UUID, cfg)

	if err := bus.Set(ctx, kvb.ScanKey(scan.UUID), `{"status":"running"}`, 0); err != nil {
		t.Fatalf("Failed to write envelope: %v", err)
	}
	waitForScanStatus(t, repos, scan.UUID, models.ScanStatusRunning)

	// No progress traffic follows; the watcher gives up on its own.
	failed := waitForScanStatus(t, repos, scan.UUID, models.ScanStatusFailed)
	if failed.FinishedAt == nil {
		t.Error("Expected finished_at on the timed-out scan")
	}
	waitForExit(t, done)

	var statuses []string
	deadline := time.After(2 * time.Second)
	for len(statuses) == 0 || statuses[len(statuses)-1] != "failed" {
		select {
		case msg := <-events:
			var evt models.StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				t.Fatalf("Malformed status event %q: %v", msg.Payload, err)
			}
			statuses = append(statuses, evt.Status)
		case <-deadline:
			t.Fatalf("Timed out waiting for the failed announcement, got %v", statuses)
		}
	}
	if statuses[0] != "running" {
		t.Errorf("Expected the running announcement first, got %v", statuses)
	}

	// The watcher has exited, so nothing further may arrive.
	select {
	case msg := <-events:
		t.Errorf("Unexpected event after the terminal announcement: %s", msg.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

// TestWatcherPendingImmuneToInactivity tests that the silence check does not
// apply to scans still queued at the scanner.
func TestWatcherPendingImmuneToInactivity(t *testing.T) {
	repos := repository.NewInMemoryRepositories()
	bus := newTestBus(t)

	user := seedUser(t, repos, "owner")
	scan := seedScan(t, repos, user.ID, "Assessment no. 1", models.ScanStatusPending, nil)

	cfg := testWatcherConfig()
	cfg.InactivityTimeout = 40 * time.Millisecond
	startWatcher(t, repos, bus, scan.UUID, cfg)

	time.Sleep(5 * cfg.InactivityTimeout)

	stored, err := repos.Scans.GetByUUID(context.Background(), scan.UUID)
	if err != nil || stored == nil {
		t.Fatalf("Failed to load scan: %v", err)
	}
	if stored.Status != models.ScanStatusPending {
		t.Errorf("Expected the queued scan to stay pending, got %s", stored.Status)
	}
}

// TestWatcherIgnoresStaleEnvelope tests that a pending envelope delivered
// behind an observed running transition does not move the scan backwards.
func TestWatcherIgnoresStaleEnvelope(t *testing.T) {
	repos := repository.NewInMemoryRepositories()
	bus := newTestBus(t)
	ctx := context.Background()

	user := seedUser(t, repos, "owner")
	scan := seedScan(t, repos, user.ID, "Assessment no. 1", models.ScanStatusPending, nil)

	cfg := testWatcherConfig()
	done := startWatcher(t, repos, bus, scan.UUID, cfg)

	if err := bus.Set(ctx, kvb.ScanKey(scan.UUID), `{"status":"running"}`, 0); err != nil {
		t.Fatalf("Failed to write envelope: %v", err)
	}
	waitForScanStatus(t, repos, scan.UUID, models.ScanStatusRunning)

	// Out-of-order delivery: the scanner's pending report lands last.
	if err := bus.Set(ctx, kvb.ScanKey(scan.UUID), `{"status":"pending"}`, 0); err != nil {
		t.Fatalf("Failed to write envelope: %v", err)
	}
	time.Sleep(10 * cfg.PollInterval)

	stored, err := repos.Scans.GetByUUID(ctx, scan.UUID)
	if err != nil || stored == nil {
		t.Fatalf("Failed to load scan: %v", err)
	}
	if stored.Status != models.ScanStatusRunning {
		t.Errorf("Expected the scan to stay running, got %s", stored.Status)
	}
	select {
	case <-done:
		t.Fatal("Expected the watcher to keep running")
	default:
	}
}

// TestWatcherCachesProgress tests that progress-channel traffic lands in the
// scan_progress:{S} key read by scan GETs and the scan-list stream.
func TestWatcherCachesProgress(t *testing.T) {
	repos := repository.NewInMemoryRepositories()
	bus := newTestBus(t)
	ctx := context.Background()

	user := seedUser(t, repos, "owner")
	scan := seedScan(t, repos, user.ID, "Assessment no. 1", models.ScanStatusPending, nil)

	startWatcher(t, repos, bus, scan.UUID, testWatcherConfig())

	// Give the watcher's subscription time to establish.
	time.Sleep(100 * time.Millisecond)

	if err := bus.Publish(ctx, kvb.ProgressChannel(scan.UUID), "42.5"); err != nil {
		t.Fatalf("Failed to publish progress: %v", err)
	}
	waitForBusValue(t, bus, kvb.ProgressKey(scan.UUID), "42.5")
}

// TestWatcherExitsWhenScanAlreadyTerminal tests the fast path for scans that
// finished while the watcher was queued for a pool slot.
func TestWatcherExitsWhenScanAlreadyTerminal(t *testing.T) {
	repos := repository.NewInMemoryRepositories()
	bus := newTestBus(t)

	user := seedUser(t, repos, "owner")
	scan := seedScan(t, repos, user.ID, "Assessment no. 1", models.ScanStatusCompleted, nil)

	done := startWatcher(t, repos, bus, scan.UUID, testWatcherConfig())
	waitForExit(t, done)
}

// TestWatcherDuplicateCompletion tests the result guard: a second terminal
// delivery reports terminal without double-inserting findings or clobbering
// the first ingest.
func TestWatcherDuplicateCompletion(t *testing.T) {
	repos := repository.NewInMemoryRepositories()
	bus := newTestBus(t)
	ctx := context.Background()

	user := seedUser(t, repos, "owner")
	target := seedTarget(t, repos, user.ID, "example.com")
	scan := seedScan(t, repos, user.ID, "Assessment no. 1", models.ScanStatusRunning, []int64{target.ID})

	// Two watchers holding pre-completion copies, as after racing deliveries.
	loadScan := func() *models.Scan {
		s, err := repos.Scans.GetByUUID(ctx, scan.UUID)
		if err != nil || s == nil {
			t.Fatalf("Failed to load scan: %v", err)
		}
		return s
	}
	w1 := &watcher{scanUUID: scan.UUID, repos: repos, bus: bus, logger: logger.NewNop(), scan: loadScan()}
	w2 := &watcher{scanUUID: scan.UUID, repos: repos, bus: bus, logger: logger.NewNop(), scan: loadScan()}

	results := `[{"hostname":"example.com","ports":[{"port":22,"protocol":"tcp","state":"open"}]}]`
	if err := bus.Set(ctx, kvb.ResultsKey(scan.UUID), results, 0); err != nil {
		t.Fatalf("Failed to write results: %v", err)
	}
	if err := bus.Push(ctx, kvb.OutputKey(scan.UUID), "line one"); err != nil {
		t.Fatalf("Failed to push output: %v", err)
	}

	if !w1.complete(ctx) {
		t.Fatal("Expected the first completion to report terminal")
	}
	findings, err := repos.Findings.ListByScan(ctx, scan.ID)
	if err != nil {
		t.Fatalf("Failed to list findings: %v", err)
	}
	if len(findings) != 1 {
		t.Fatalf("Expected 1 finding after the first ingest, got %d", len(findings))
	}

	// The duplicate delivery re-populates the artifact keys.
	if err := bus.Set(ctx, kvb.ResultsKey(scan.UUID), results, 0); err != nil {
		t.Fatalf("Failed to write results: %v", err)
	}
	if err := bus.Push(ctx, kvb.OutputKey(scan.UUID), "line two"); err != nil {
		t.Fatalf("Failed to push output: %v", err)
	}

	if !w2.complete(ctx) {
		t.Fatal("Expected the duplicate completion to report terminal")
	}
	findings, err = repos.Findings.ListByScan(ctx, scan.ID)
	if err != nil {
		t.Fatalf("Failed to list findings: %v", err)
	}
	if len(findings) != 1 {
		t.Errorf("Expected no duplicate findings, got %d", len(findings))
	}

	stored := loadScan()
	if stored.Output != "line one" {
		t.Errorf("Expected the first ingest's output to stand, got %q", stored.Output)
	}
}

// TestDeriveFindings tests host-to-target attachment: exact IP match, hostname
// fallback, the single-target fallback, and dropping unresolvable hosts.
func TestDeriveFindings(t *testing.T) {
	repos := repository.NewInMemoryRepositories()
	bus := newTestBus(t)
	ctx := context.Background()

	user := seedUser(t, repos, "owner")
	byIP := seedTarget(t, repos, user.ID, "93.184.216.34")
	byHost := seedTarget(t, repos, user.ID, "example.org")
	scan := seedScan(t, repos, user.ID, "Assessment no. 1", models.ScanStatusRunning, []int64{byIP.ID, byHost.ID})

	w := &watcher{scanUUID: scan.UUID, repos: repos, bus: bus, logger: logger.NewNop()}
	w.scan, _ = repos.Scans.GetByUUID(ctx, scan.UUID)

	raw, err := json.Marshal([]models.HostRecord{
		{
			IPAddress: "93.184.216.34",
			Ports:     []models.PortRecord{{Port: 80, Protocol: "tcp", State: "open"}},
		},
		{
			IPAddress: "203.0.113.7",
			Hostname:  "example.org",
			Ports:     []models.PortRecord{{Port: 22, Protocol: "tcp", State: "open"}},
		},
		{
			IPAddress: "198.51.100.9",
			Hostname:  "unrelated.example",
			Ports:     []models.PortRecord{{Port: 443, Protocol: "tcp", State: "open"}},
		},
	})
	if err != nil {
		t.Fatalf("Failed to build results payload: %v", err)
	}

	findings := w.deriveFindings(ctx, string(raw))
	if len(findings) != 2 {
		t.Fatalf("Expected 2 findings (unresolvable host dropped), got %d", len(findings))
	}
	attached := make(map[string]int64, len(findings))
	for _, f := range findings {
		attached[f.Name] = f.TargetID
	}
	if attached["93.184.216.34-80/tcp"] != byIP.ID {
		t.Errorf("Expected the IP-matched finding on target %d, got %d", byIP.ID, attached["93.184.216.34-80/tcp"])
	}
	if attached["203.0.113.7-22/tcp"] != byHost.ID {
		t.Errorf("Expected the hostname-matched finding on target %d, got %d", byHost.ID, attached["203.0.113.7-22/tcp"])
	}

	if got := w.deriveFindings(ctx, "not json"); got != nil {
		t.Errorf("Expected nil findings for an unparseable payload, got %v", got)
	}
	if got := w.deriveFindings(ctx, ""); got != nil {
		t.Errorf("Expected nil findings for an empty payload, got %v", got)
	}
}

// TestDeriveFindingsSingleTargetFallback tests that hosts matching no target
// by name still attach when the scan has exactly one target.
func TestDeriveFindingsSingleTargetFallback(t *testing.T) {
	repos := repository.NewInMemoryRepositories()
	bus := newTestBus(t)
	ctx := context.Background()

	user := seedUser(t, repos, "owner")
	target := seedTarget(t, repos, user.ID, "scanme.example.net")
	scan := seedScan(t, repos, user.ID, "Assessment no. 1", models.ScanStatusRunning, []int64{target.ID})

	w := &watcher{scanUUID: scan.UUID, repos: repos, bus: bus, logger: logger.NewNop()}
	w.scan, _ = repos.Scans.GetByUUID(ctx, scan.UUID)

	raw := `[{"ip_address":"192.0.2.44","ports":[{"port":8080,"protocol":"tcp","state":"open"}]}]`
	findings := w.deriveFindings(ctx, raw)
	if len(findings) != 1 {
		t.Fatalf("Expected 1 finding, got %d", len(findings))
	}
	if findings[0].TargetID != target.ID {
		t.Errorf("Expected the finding attached to the only target %d, got %d", target.ID, findings[0].TargetID)
	}
}
