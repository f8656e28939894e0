// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/basaltsec/recon/backend/internal/models"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/repository"
)

// Shared test fixtures (seedUser, seedTarget, seedScan, wantAppError) live in
// scan_service_test.go.

// ingestFindings drives a seeded scan to completed with the given findings
// attached, the only path that inserts findings.
func ingestFindings(t *testing.T, repos *repository.Repositories, scan *models.Scan, findings []*models.Finding) {
	t.Helper()
	now := time.Now().UTC()
	scan.Status = models.ScanStatusCompleted
	scan.Result = "[]"
	scan.StartedAt = &now
	scan.FinishedAt = &now
	applied, err := repos.Scans.Complete(context.Background(), scan, findings)
	if err != nil {
		t.Fatalf("Failed to complete scan: %v", err)
	}
	if !applied {
		t.Fatal("Expected the completion to apply")
	}
}

// portFinding builds a minimal open-port finding for a target.
func portFinding(targetID int64, name string, port int) *models.Finding {
	p := port
	return &models.Finding{
		UUID:      uuid.New().String(),
		TargetID:  targetID,
		Name:      name,
		Port:      &p,
		PortState: models.PortStateOpen,
		Protocol:  "tcp",
		Severity:  models.SeverityMedium,
	}
}

func newTargetService(t *testing.T) (TargetService, *repository.Repositories) {
	t.Helper()
	repos := repository.NewInMemoryRepositories()
	return NewTargetService(repos, logger.NewNop()), repos
}

// TestCreateTarget tests that a raw name is normalized before insert.
func TestCreateTarget(t *testing.T) {
	svc, repos := newTargetService(t)
	ctx := context.Background()
	user := seedUser(t, repos, "alice")

	target, err := svc.CreateTarget(ctx, user, &models.CreateTargetRequest{Name: "https://scanme.example.org/"})
	if err != nil {
		t.Fatalf("CreateTarget failed: %v", err)
	}
	if target.Name != "scanme.example.org" {
		t.Errorf("Expected the normalized name, got %s", target.Name)
	}
	if target.UUID == "" || target.ID == 0 {
		t.Errorf("Expected identifiers to be assigned, got %+v", target)
	}
	if target.UserID != user.ID {
		t.Errorf("Expected the target to belong to user %d, got %d", user.ID, target.UserID)
	}

	stored, err := repos.Targets.GetByName(ctx, user.ID, "scanme.example.org")
	if err != nil || stored == nil {
		t.Fatalf("Expected the target row to exist: %v", err)
	}
}

// TestCreateTargetRejectsUnscannable tests that names which normalize away
// entirely are rejected.
func TestCreateTargetRejectsUnscannable(t *testing.T) {
	svc, repos := newTargetService(t)
	ctx := context.Background()
	user := seedUser(t, repos, "alice")

	for _, name := range []string{"", "192.168.1.10", "127.0.0.1"} {
		t.Run("name "+name, func(t *testing.T) {
			_, err := svc.CreateTarget(ctx, user, &models.CreateTargetRequest{Name: name})
			appErr := wantAppError(t, err, http.StatusUnprocessableEntity)
			if appErr.Message != "Target name is empty or not scannable" {
				t.Errorf("Unexpected message: %s", appErr.Message)
			}
		})
	}

	count, err := repos.Targets.CountByUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("CountByUser failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected no targets after rejected creates, got %d", count)
	}
}

// TestCreateTargetDuplicate tests the per-user uniqueness of normalized
// names, including collisions that only appear after normalization.
func TestCreateTargetDuplicate(t *testing.T) {
	svc, repos := newTargetService(t)
	ctx := context.Background()
	user := seedUser(t, repos, "alice")
	other := seedUser(t, repos, "bob")

	if _, err := svc.CreateTarget(ctx, user, &models.CreateTargetRequest{Name: "example.com"}); err != nil {
		t.Fatalf("CreateTarget failed: %v", err)
	}

	_, err := svc.CreateTarget(ctx, user, &models.CreateTargetRequest{Name: "https://example.com/"})
	appErr := wantAppError(t, err, http.StatusUnprocessableEntity)
	if !strings.Contains(appErr.Message, "Target already exists: example.com") {
		t.Errorf("Unexpected message: %s", appErr.Message)
	}

	// Uniqueness is scoped per user.
	if _, err := svc.CreateTarget(ctx, other, &models.CreateTargetRequest{Name: "example.com"}); err != nil {
		t.Errorf("Expected another user to reuse the name, got %v", err)
	}
}

// TestListTargets tests pagination clamps, ordering, and the joined counts.
func TestListTargets(t *testing.T) {
	svc, repos := newTargetService(t)
	ctx := context.Background()
	user := seedUser(t, repos, "alice")

	alpha := seedTarget(t, repos, user.ID, "alpha.example.com")
	beta := seedTarget(t, repos, user.ID, "beta.example.com")
	gamma := seedTarget(t, repos, user.ID, "gamma.example.com")

	// gamma: one completed scan carrying two findings, plus a running scan
	// that must not count.
	done := seedScan(t, repos, user.ID, "Assessment no. 1", models.ScanStatusPending, []int64{gamma.ID})
	ingestFindings(t, repos, done, []*models.Finding{
		portFinding(gamma.ID, "gamma.example.com-443/tcp", 443),
		portFinding(gamma.ID, "gamma.example.com-22/tcp", 22),
	})
	seedScan(t, repos, user.ID, "Assessment no. 2", models.ScanStatusRunning, []int64{gamma.ID})

	resp, err := svc.ListTargets(ctx, user, &models.TargetListRequest{})
	if err != nil {
		t.Fatalf("ListTargets failed: %v", err)
	}
	if resp.Total != 3 || resp.Page != 1 || resp.PageSize != defaultTargetPageSize {
		t.Errorf("Unexpected page envelope: total=%d page=%d pageSize=%d", resp.Total, resp.Page, resp.PageSize)
	}
	if len(resp.Targets) != 3 {
		t.Fatalf("Expected 3 targets, got %d", len(resp.Targets))
	}

	// Newest first.
	wantOrder := []string{gamma.Name, beta.Name, alpha.Name}
	for i, want := range wantOrder {
		if resp.Targets[i].Name != want {
			t.Errorf("Position %d: expected %s, got %s", i, want, resp.Targets[i].Name)
		}
	}

	first := resp.Targets[0]
	if first.FindingsCount != 2 {
		t.Errorf("Expected 2 findings on %s, got %d", first.Name, first.FindingsCount)
	}
	if first.CompletedScansCount != 1 {
		t.Errorf("Expected 1 completed scan on %s, got %d", first.Name, first.CompletedScansCount)
	}
	if resp.Targets[1].FindingsCount != 0 || resp.Targets[1].CompletedScansCount != 0 {
		t.Errorf("Expected zero counts on %s, got %+v", resp.Targets[1].Name, resp.Targets[1])
	}

	// Page size is capped.
	resp, err = svc.ListTargets(ctx, user, &models.TargetListRequest{Page: 1, PageSize: 500})
	if err != nil {
		t.Fatalf("ListTargets failed: %v", err)
	}
	if resp.PageSize != maxTargetPageSize {
		t.Errorf("Expected page size capped at %d, got %d", maxTargetPageSize, resp.PageSize)
	}

	// Second page of two.
	resp, err = svc.ListTargets(ctx, user, &models.TargetListRequest{Page: 2, PageSize: 2})
	if err != nil {
		t.Fatalf("ListTargets failed: %v", err)
	}
	if resp.Total != 3 || len(resp.Targets) != 1 || resp.Targets[0].Name != alpha.Name {
		t.Errorf("Unexpected second page: total=%d targets=%+v", resp.Total, resp.Targets)
	}

	// Past the end.
	resp, err = svc.ListTargets(ctx, user, &models.TargetListRequest{Page: 9, PageSize: 2})
	if err != nil {
		t.Fatalf("ListTargets failed: %v", err)
	}
	if resp.Total != 3 || len(resp.Targets) != 0 {
		t.Errorf("Expected an empty page past the end, got %+v", resp.Targets)
	}
}

// TestGetTarget tests ownership enforcement and the joined counts on a
// single-target read.
func TestGetTarget(t *testing.T) {
	svc, repos := newTargetService(t)
	ctx := context.Background()
	user := seedUser(t, repos, "alice")
	other := seedUser(t, repos, "bob")

	target := seedTarget(t, repos, user.ID, "app.example.com")
	scan := seedScan(t, repos, user.ID, "Assessment no. 1", models.ScanStatusPending, []int64{target.ID})
	ingestFindings(t, repos, scan, []*models.Finding{
		portFinding(target.ID, "app.example.com-80/tcp", 80),
	})

	info, err := svc.GetTarget(ctx, user, target.UUID)
	if err != nil {
		t.Fatalf("GetTarget failed: %v", err)
	}
	if info.Name != "app.example.com" || info.FindingsCount != 1 || info.CompletedScansCount != 1 {
		t.Errorf("Unexpected target info: %+v", info)
	}

	_, err = svc.GetTarget(ctx, other, target.UUID)
	wantAppError(t, err, http.StatusForbidden)

	_, err = svc.GetTarget(ctx, user, uuid.New().String())
	appErr := wantAppError(t, err, http.StatusNotFound)
	if appErr.Message != "Target not found" {
		t.Errorf("Unexpected message: %s", appErr.Message)
	}
}

// TestDeleteTarget tests the cascade: findings and scan associations go,
// scans stay.
func TestDeleteTarget(t *testing.T) {
	svc, repos := newTargetService(t)
	ctx := context.Background()
	user := seedUser(t, repos, "alice")
	other := seedUser(t, repos, "bob")

	target := seedTarget(t, repos, user.ID, "db.example.com")
	scan := seedScan(t, repos, user.ID, "Assessment no. 1", models.ScanStatusPending, []int64{target.ID})
	ingestFindings(t, repos, scan, []*models.Finding{
		portFinding(target.ID, "db.example.com-5432/tcp", 5432),
	})

	// Ownership is enforced before anything is touched.
	wantAppError(t, svc.DeleteTarget(ctx, other, target.UUID), http.StatusForbidden)

	if err := svc.DeleteTarget(ctx, user, target.UUID); err != nil {
		t.Fatalf("DeleteTarget failed: %v", err)
	}

	gone, err := repos.Targets.GetByUUID(ctx, target.UUID)
	if err != nil || gone != nil {
		t.Errorf("Expected the target row to be gone, got %+v (err %v)", gone, err)
	}
	count, err := repos.Findings.CountByTarget(ctx, target.ID)
	if err != nil || count != 0 {
		t.Errorf("Expected the findings to cascade, got %d (err %v)", count, err)
	}
	associated, err := repos.Targets.ListByScan(ctx, scan.ID)
	if err != nil || len(associated) != 0 {
		t.Errorf("Expected the scan association to cascade, got %+v (err %v)", associated, err)
	}
	survivor, err := repos.Scans.GetByUUID(ctx, scan.UUID)
	if err != nil || survivor == nil {
		t.Fatalf("Expected the scan row to survive: %v", err)
	}

	err = svc.DeleteTarget(ctx, user, target.UUID)
	wantAppError(t, err, http.StatusNotFound)
}

// TestGetTargetFindings tests per-target finding reads with ownership
// enforcement.
func TestGetTargetFindings(t *testing.T) {
	svc, repos := newTargetService(t)
	ctx := context.Background()
	user := seedUser(t, repos, "alice")
	other := seedUser(t, repos, "bob")

	target := seedTarget(t, repos, user.ID, "mail.example.com")
	scan := seedScan(t, repos, user.ID, "Assessment no. 1", models.ScanStatusPending, []int64{target.ID})
	ingestFindings(t, repos, scan, []*models.Finding{
		portFinding(target.ID, "mail.example.com-25/tcp", 25),
		portFinding(target.ID, "mail.example.com-587/tcp", 587),
	})

	findings, err := svc.GetTargetFindings(ctx, user, target.UUID)
	if err != nil {
		t.Fatalf("GetTargetFindings failed: %v", err)
	}
	if len(findings) != 2 {
		t.Fatalf("Expected 2 findings, got %d", len(findings))
	}
	// Newest first; same batch ties break by insertion order reversed.
	if findings[0].Name != "mail.example.com-587/tcp" || findings[1].Name != "mail.example.com-25/tcp" {
		t.Errorf("Unexpected order: %s, %s", findings[0].Name, findings[1].Name)
	}

	_, err = svc.GetTargetFindings(ctx, other, target.UUID)
	wantAppError(t, err, http.StatusForbidden)

	_, err = svc.GetTargetFindings(ctx, user, uuid.New().String())
	wantAppError(t, err, http.StatusNotFound)
}
