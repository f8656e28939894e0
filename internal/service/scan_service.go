// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package service provides business logic for the recon control plane: the
// scan orchestrator, the per-scan watcher, and the live-stream gateway.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/basaltsec/recon/backend/internal/kvb"
	"github.com/basaltsec/recon/backend/internal/models"
	apperrors "github.com/basaltsec/recon/backend/internal/pkg/errors"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/pkg/normalize"
	"github.com/basaltsec/recon/backend/internal/pkg/validator"
	"github.com/basaltsec/recon/backend/internal/repository"
	"github.com/basaltsec/recon/backend/internal/scanner"
	"github.com/basaltsec/recon/backend/internal/types"
)

// scanNamePrefix seeds the per-user scan counter: the K-th scan is named
// "Assessment no. K".
const scanNamePrefix = "Assessment no."

// ScanService defines the interface for scan orchestration.
type ScanService interface {
	// StartScan validates and persists a new scan, dispatches it to the
	// external scanner, and spawns its watcher.
	StartScan(ctx context.Context, user *models.User, req *models.StartScanRequest) (*models.StartScanResponse, error)

	// GetScan retrieves one of the user's scans, enriched with target names
	// and, while non-terminal, the last cached progress value.
	GetScan(ctx context.Context, user *models.User, scanUUID string) (*models.ScanResponse, error)

	// GetScanStatus retrieves just the lifecycle status of one scan.
	GetScanStatus(ctx context.Context, user *models.User, scanUUID string) (*models.ScanStatusResponse, error)

	// ListScans retrieves the user's scans, newest first.
	ListScans(ctx context.Context, user *models.User) (*models.ScanListResponse, error)

	// GetScanFindings retrieves the findings attached to the scan's targets.
	GetScanFindings(ctx context.Context, user *models.User, scanUUID string) ([]*models.Finding, error)

	// ProcessHook records a scanner status callback on the bus. The watcher
	// picks the value up on its next poll; deliveries are last-wins.
	ProcessHook(ctx context.Context, req *models.ScanHookRequest) error

	// ResumeWatchers spawns a watcher for every scan still in flight.
	// Called on startup to recover scans orphaned by a restart.
	ResumeWatchers(ctx context.Context) error

	// Start brings up the watcher pool and resumes orphaned scans.
	Start()

	// Stop signals all watchers and waits for them to drain.
	Stop()
}

// scanServiceImpl implements ScanService.
type scanServiceImpl struct {
	repos      *repository.Repositories
	bus        kvb.Bus
	scanner    scanner.Client
	watcherCfg types.WatcherConfig
	logger     logger.Logger

	// Watcher pool management
	workerPool chan struct{}  // Semaphore bounding concurrent watchers
	stopCh     chan struct{}  // Signal to stop all watchers
	wg         sync.WaitGroup // Wait group for graceful shutdown
}

// NewScanService creates a new scan orchestrator. maxWatchers bounds the
// number of concurrent watcher goroutines; watchers beyond the bound queue
// for a slot without blocking StartScan.
func NewScanService(
	repos *repository.Repositories,
	bus kvb.Bus,
	scannerClient scanner.Client,
	watcherCfg types.WatcherConfig,
	maxWatchers int,
	log logger.Logger,
) ScanService {
	if maxWatchers <= 0 {
		maxWatchers = 64 // Default watcher pool size
	}
	if watcherCfg.PollInterval <= 0 {
		watcherCfg.PollInterval = 1500 * time.Millisecond
	}
	if watcherCfg.ReceiveTimeout <= 0 {
		watcherCfg.ReceiveTimeout = time.Second
	}
	if watcherCfg.InactivityTimeout <= 0 {
		watcherCfg.InactivityTimeout = 2 * time.Minute
	}

	return &scanServiceImpl{
		repos:      repos,
		bus:        bus,
		scanner:    scannerClient,
		watcherCfg: watcherCfg,
		logger:     log,
		workerPool: make(chan struct{}, maxWatchers),
		stopCh:     make(chan struct{}),
	}
}

// Start brings up the watcher pool and resumes watchers for scans that were
// in flight when the previous process stopped.
func (s *scanServiceImpl) Start() {
	s.logger.Info("Starting scan watcher pool (max watchers: %d)", cap(s.workerPool))

	if err := s.ResumeWatchers(context.Background()); err != nil {
		s.logger.Error("Failed to resume scan watchers: %v", err)
	}
}

// Stop stops all watchers gracefully. Scans still in flight stay in their
// current state and are picked up by ResumeWatchers on the next start.
func (s *scanServiceImpl) Stop() {
	s.logger.Info("Stopping scan watchers...")
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Scan watchers stopped")
}

// StartScan validates and persists a new scan, dispatches it to the external
// scanner, and spawns its watcher.
func (s *scanServiceImpl) StartScan(ctx context.Context, user *models.User, req *models.StartScanRequest) (*models.StartScanResponse, error) {
	if err := validator.ValidateTargets(req.Targets); err != nil {
		return nil, apperrors.NewInvalidRequest(err.Error())
	}
	if err := validator.ValidateScanType(req.Type); err != nil {
		return nil, apperrors.NewInvalidRequest(err.Error())
	}
	if err := validator.ValidateScanOptions(req.ScanOptions); err != nil {
		return nil, apperrors.NewInvalidRequest(err.Error())
	}
	scanType := models.ScanType(req.Type)

	names := normalize.Targets(req.Targets)
	if len(names) == 0 {
		return nil, apperrors.NewInvalidRequest("No scannable targets in request")
	}

	targetIDs := make([]int64, 0, len(names))
	for _, name := range names {
		target, err := s.repos.Targets.GetOrCreate(ctx, &models.Target{
			UUID:   uuid.New().String(),
			UserID: user.ID,
			Name:   name,
		})
		if err != nil {
			return nil, apperrors.WrapInternal(err, "Failed to resolve scan targets")
		}
		targetIDs = append(targetIDs, target.ID)
	}

	count, err := s.repos.Scans.CountByUserAndNamePrefix(ctx, user.ID, scanNamePrefix)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to number the scan")
	}

	params, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to encode scan parameters")
	}

	scan := &models.Scan{
		UUID:       uuid.New().String(),
		UserID:     user.ID,
		Name:       fmt.Sprintf("%s %d", scanNamePrefix, count+1),
		Type:       scanType,
		Status:     models.ScanStatusPending,
		Parameters: string(params),
	}
	if err := s.repos.Scans.Create(ctx, scan, targetIDs); err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to create scan")
	}

	s.logger.Info("Created scan %s (%s) for user %d with %d target(s)", scan.UUID, scan.Name, user.ID, len(names))

	s.writeEnvelope(ctx, scan.UUID, models.ScanStatusPending)

	job := &scanner.Job{
		Targets:     names,
		ScanType:    string(scanType),
		ScanOptions: req.ScanOptions,
		ScanID:      scan.UUID,
	}
	if err := s.scanner.Submit(ctx, job); err != nil {
		// The scan row exists and the caller gets its UUID; the failure is
		// surfaced through the scan state instead of the response code.
		s.logger.Error("Scan %s: scanner submission failed: %v", scan.UUID, err)
		s.markFailed(ctx, scan)
		return &models.StartScanResponse{ScanUUID: scan.UUID}, nil
	}

	s.spawnWatcher(scan.UUID)

	return &models.StartScanResponse{ScanUUID: scan.UUID}, nil
}

// GetScan retrieves one of the user's scans with its target names. For
// non-terminal scans the response carries the last cached progress value.
func (s *scanServiceImpl) GetScan(ctx context.Context, user *models.User, scanUUID string) (*models.ScanResponse, error) {
	scan, err := s.authorizedScan(ctx, user, scanUUID)
	if err != nil {
		return nil, err
	}

	resp, err := s.scanResponse(ctx, scan)
	if err != nil {
		return nil, err
	}

	if !scan.Status.IsTerminal() {
		val, ok, err := s.bus.Get(ctx, kvb.ProgressKey(scan.UUID))
		if err != nil {
			s.logger.Error("Scan %s: progress lookup failed: %v", scan.UUID, err)
		} else if ok {
			resp.Progress = &val
		}
	}
	return resp, nil
}

// GetScanStatus retrieves just the lifecycle status of one scan.
func (s *scanServiceImpl) GetScanStatus(ctx context.Context, user *models.User, scanUUID string) (*models.ScanStatusResponse, error) {
	scan, err := s.authorizedScan(ctx, user, scanUUID)
	if err != nil {
		return nil, err
	}
	return &models.ScanStatusResponse{Status: scan.Status}, nil
}

// ListScans retrieves the user's scans, newest first.
func (s *scanServiceImpl) ListScans(ctx context.Context, user *models.User) (*models.ScanListResponse, error) {
	scans, err := s.repos.Scans.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to list scans")
	}

	resp := &models.ScanListResponse{
		Total: len(scans),
		Scans: make([]*models.ScanResponse, 0, len(scans)),
	}
	for _, scan := range scans {
		item, err := s.scanResponse(ctx, scan)
		if err != nil {
			return nil, err
		}
		resp.Scans = append(resp.Scans, item)
	}
	return resp, nil
}

// GetScanFindings retrieves the findings attached to the scan's targets.
func (s *scanServiceImpl) GetScanFindings(ctx context.Context, user *models.User, scanUUID string) ([]*models.Finding, error) {
	scan, err := s.authorizedScan(ctx, user, scanUUID)
	if err != nil {
		return nil, err
	}

	findings, err := s.repos.Findings.ListByScan(ctx, scan.ID)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to list scan findings")
	}
	return findings, nil
}

// ProcessHook records a scanner status callback. The hook only refreshes the
// scan:{S} envelope on the bus; all database transitions belong to the
// watcher, so out-of-order deliveries resolve to whatever arrived last.
func (s *scanServiceImpl) ProcessHook(ctx context.Context, req *models.ScanHookRequest) error {
	if req.ScanID == "" {
		return apperrors.NewInvalidRequest("scan_id is required")
	}
	status := models.ScanStatus(req.Status)
	switch status {
	case models.ScanStatusPending, models.ScanStatusRunning, models.ScanStatusCompleted, models.ScanStatusFailed:
	default:
		return apperrors.NewInvalidRequest(fmt.Sprintf("Unknown scan status: %s", req.Status))
	}

	scan, err := s.repos.Scans.GetByUUID(ctx, req.ScanID)
	if err != nil {
		return apperrors.WrapInternal(err, "Failed to load scan")
	}
	if scan == nil {
		return apperrors.NewNotFound("Scan not found")
	}

	payload, err := json.Marshal(models.ScanEnvelope{Status: string(status)})
	if err != nil {
		return apperrors.WrapInternal(err, "Failed to encode scan status")
	}
	if err := s.bus.Set(ctx, kvb.ScanKey(scan.UUID), string(payload), 0); err != nil {
		return apperrors.WrapInternal(err, "Failed to record scanner status")
	}

	s.logger.Info("Hook: scan %s reported %s", scan.UUID, status)
	return nil
}

// ResumeWatchers spawns a watcher for every scan still pending or running.
func (s *scanServiceImpl) ResumeWatchers(ctx context.Context) error {
	scans, err := s.repos.Scans.ListByStatuses(ctx, []models.ScanStatus{
		models.ScanStatusPending,
		models.ScanStatusRunning,
	})
	if err != nil {
		return fmt.Errorf("failed to list resumable scans: %w", err)
	}

	for _, scan := range scans {
		s.spawnWatcher(scan.UUID)
	}
	if len(scans) > 0 {
		s.logger.Info("Resumed %d scan watcher(s)", len(scans))
	}
	return nil
}

// spawnWatcher hands a scan to a watcher goroutine. The goroutine waits for
// a pool slot, so spawning never blocks the caller even with the pool full.
func (s *scanServiceImpl) spawnWatcher(scanUUID string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case s.workerPool <- struct{}{}:
		case <-s.stopCh:
			return
		}
		defer func() { <-s.workerPool }() // Release slot when done

		w := &watcher{
			scanUUID: scanUUID,
			repos:    s.repos,
			bus:      s.bus,
			cfg:      s.watcherCfg,
			logger:   s.logger,
			stopCh:   s.stopCh,
		}
		w.run(context.Background())
	}()
}

// markFailed closes a scan that never reached the scanner. This is the one
// lifecycle write made outside the watcher: on submission failure no watcher
// exists yet, so the orchestrator records the terminal state itself.
func (s *scanServiceImpl) markFailed(ctx context.Context, scan *models.Scan) {
	now := time.Now().UTC()
	if scan.StartedAt == nil {
		scan.StartedAt = &now
	}
	if scan.FinishedAt == nil {
		scan.FinishedAt = &now
	}
	scan.Status = models.ScanStatusFailed

	if err := s.repos.Scans.Update(ctx, scan); err != nil {
		s.logger.Error("Scan %s: failed to record submission failure: %v", scan.UUID, err)
	}
	s.writeEnvelope(ctx, scan.UUID, models.ScanStatusFailed)
}

// writeEnvelope stores the scan:{S} status envelope. Envelope writes are
// best-effort: the database row stays authoritative.
func (s *scanServiceImpl) writeEnvelope(ctx context.Context, scanUUID string, status models.ScanStatus) {
	payload, err := json.Marshal(models.ScanEnvelope{Status: string(status)})
	if err != nil {
		s.logger.Error("Scan %s: failed to encode status envelope: %v", scanUUID, err)
		return
	}
	if err := s.bus.Set(ctx, kvb.ScanKey(scanUUID), string(payload), 0); err != nil {
		s.logger.Error("Scan %s: failed to write status envelope: %v", scanUUID, err)
	}
}

// authorizedScan loads a scan and enforces ownership: unknown UUIDs yield
// 404, other users' scans 403.
func (s *scanServiceImpl) authorizedScan(ctx context.Context, user *models.User, scanUUID string) (*models.Scan, error) {
	scan, err := s.repos.Scans.GetByUUID(ctx, scanUUID)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to load scan")
	}
	if scan == nil {
		return nil, apperrors.NewNotFound("Scan not found")
	}
	if scan.UserID != user.ID {
		return nil, apperrors.NewForbidden("Scan belongs to another user")
	}
	return scan, nil
}

// scanResponse shapes a scan row for API responses, joining the associated
// target names.
func (s *scanServiceImpl) scanResponse(ctx context.Context, scan *models.Scan) (*models.ScanResponse, error) {
	targets, err := s.repos.Targets.ListByScan(ctx, scan.ID)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to load scan targets")
	}
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		names = append(names, t.Name)
	}

	return &models.ScanResponse{
		ID:         scan.ID,
		UUID:       scan.UUID,
		UserID:     scan.UserID,
		Name:       scan.Name,
		Type:       scan.Type,
		Status:     scan.Status,
		Parameters: scan.Parameters,
		Output:     scan.Output,
		Targets:    names,
		CreatedAt:  scan.CreatedAt,
		StartedAt:  scan.StartedAt,
		FinishedAt: scan.FinishedAt,
	}, nil
}
