// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package repository

import (
	"sync"

	"github.com/basaltsec/recon/backend/internal/models"
)

// Store is the shared backing state for the in-memory repositories. A single
// lock covers every table so that cross-entity operations (cascade deletes,
// the scan-completion transaction) stay atomic, mirroring what Postgres
// gives the production implementation.
type Store struct {
	mu sync.RWMutex

	users    map[int64]*models.User
	targets  map[int64]*models.Target
	scans    map[int64]*models.Scan
	findings map[int64]*models.Finding
	reports  map[int64]*models.Report

	// scanTargets maps scan ID to its associated target IDs, insertion order
	// preserved (the scan_target_association table).
	scanTargets map[int64][]int64

	nextUserID    int64
	nextTargetID  int64
	nextScanID    int64
	nextFindingID int64
	nextReportID  int64
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		users:       make(map[int64]*models.User),
		targets:     make(map[int64]*models.Target),
		scans:       make(map[int64]*models.Scan),
		findings:    make(map[int64]*models.Finding),
		reports:     make(map[int64]*models.Report),
		scanTargets: make(map[int64][]int64),
	}
}

// NewInMemoryRepositories creates the full repository set over one shared
// store. Used when no database URL is configured (dev mode) and in tests.
func NewInMemoryRepositories() *Repositories {
	store := NewStore()
	return &Repositories{
		Users:    &InMemoryUserRepository{store: store},
		Targets:  &InMemoryTargetRepository{store: store},
		Scans:    &InMemoryScanRepository{store: store},
		Findings: &InMemoryFindingRepository{store: store},
		Reports:  &InMemoryReportRepository{store: store},
	}
}

// deleteTargetLocked removes a target and everything hanging off it:
// findings and scan associations. Caller holds the write lock.
func (s *Store) deleteTargetLocked(targetID int64) {
	for id, f := range s.findings {
		if f.TargetID == targetID {
			delete(s.findings, id)
		}
	}
	for scanID, targetIDs := range s.scanTargets {
		kept := targetIDs[:0]
		for _, tid := range targetIDs {
			if tid != targetID {
				kept = append(kept, tid)
			}
		}
		s.scanTargets[scanID] = kept
	}
	delete(s.targets, targetID)
}

// copyScan returns a defensive copy so callers cannot mutate stored rows
// outside repository methods.
func copyScan(s *models.Scan) *models.Scan {
	out := *s
	return &out
}

func copyTarget(t *models.Target) *models.Target {
	out := *t
	return &out
}

func copyUser(u *models.User) *models.User {
	out := *u
	return &out
}

func copyFinding(f *models.Finding) *models.Finding {
	out := *f
	return &out
}

func copyReport(r *models.Report) *models.Report {
	out := *r
	return &out
}
