// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package repository provides the storage layer for the recon control plane:
// one interface per entity, a Postgres implementation (pgx) for production,
// and an in-memory implementation with identical semantics for dev mode and
// tests.
package repository

// Repositories bundles the per-entity repositories behind one wiring point.
// All members are backed by the same store (one pgx pool or one in-memory
// Store) so cross-entity guarantees (cascade deletes, the scan-completion
// transaction) hold.
type Repositories struct {
	Users    UserRepository
	Targets  TargetRepository
	Scans    ScanRepository
	Findings FindingRepository
	Reports  ReportRepository
}
