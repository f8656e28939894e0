// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package repository

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basaltsec/recon/backend/internal/models"
)

// ReportRepository defines storage operations for report rows. Reports hang
// off scans; ownership always resolves through the scan's user.
type ReportRepository interface {
	// Create inserts a new report row.
	Create(ctx context.Context, report *models.Report) error

	// GetByUUIDForUser retrieves a report by UUID, scoped to reports whose
	// scan is owned by the user. Returns nil when the report does not exist
	// or belongs to someone else.
	GetByUUIDForUser(ctx context.Context, uuid string, userID int64) (*models.Report, error)

	// ListByUser retrieves all reports for the user's scans, newest first.
	ListByUser(ctx context.Context, userID int64) ([]*models.Report, error)
}

// InMemoryReportRepository implements ReportRepository over the shared Store.
type InMemoryReportRepository struct {
	store *Store
}

// Create inserts a new report row.
func (r *InMemoryReportRepository) Create(ctx context.Context, report *models.Report) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, exists := r.store.scans[report.ScanID]; !exists {
		return errors.New("scan does not exist")
	}
	r.store.nextReportID++
	report.ID = r.store.nextReportID
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	r.store.reports[report.ID] = copyReport(report)
	return nil
}

// GetByUUIDForUser retrieves an owned report by UUID.
func (r *InMemoryReportRepository) GetByUUIDForUser(ctx context.Context, uuid string, userID int64) (*models.Report, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, rep := range r.store.reports {
		if rep.UUID != uuid {
			continue
		}
		scan, exists := r.store.scans[rep.ScanID]
		if !exists || scan.UserID != userID {
			return nil, nil // Not found or not owned
		}
		return copyReport(rep), nil
	}
	return nil, nil // Report not found
}

// ListByUser retrieves all reports for the user's scans, newest first.
func (r *InMemoryReportRepository) ListByUser(ctx context.Context, userID int64) ([]*models.Report, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*models.Report
	for _, rep := range r.store.reports {
		scan, exists := r.store.scans[rep.ScanID]
		if exists && scan.UserID == userID {
			out = append(out, copyReport(rep))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// PostgresReportRepository implements ReportRepository over a pgx pool.
type PostgresReportRepository struct {
	pool *pgxpool.Pool
}

const reportColumns = "r.id, r.uuid, r.scan_id, r.name, r.report_type, r.status, r.url, r.last_downloaded_at, r.created_at"

// Create inserts a new report row.
func (r *PostgresReportRepository) Create(ctx context.Context, report *models.Report) error {
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO reports (uuid, scan_id, name, report_type, status, url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		report.UUID, report.ScanID, report.Name, report.Type, report.Status, report.URL, report.CreatedAt).Scan(&report.ID)
}

// GetByUUIDForUser retrieves an owned report by UUID.
func (r *PostgresReportRepository) GetByUUIDForUser(ctx context.Context, uuid string, userID int64) (*models.Report, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+reportColumns+`
		FROM reports r
		JOIN scans s ON s.id = r.scan_id
		WHERE r.uuid = $1 AND s.user_id = $2`,
		uuid, userID)
	rep, err := scanReport(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // Not found or not owned
	}
	return rep, err
}

// ListByUser retrieves all reports for the user's scans, newest first.
func (r *PostgresReportRepository) ListByUser(ctx context.Context, userID int64) ([]*models.Report, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+reportColumns+`
		FROM reports r
		JOIN scans s ON s.id = r.scan_id
		WHERE s.user_id = $1
		ORDER BY r.created_at DESC, r.id DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Report
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rep)
	}
	return out, rows.Err()
}

// scanReport reads one report row in reportColumns order.
func scanReport(row pgx.Row) (*models.Report, error) {
	var rep models.Report
	err := row.Scan(&rep.ID, &rep.UUID, &rep.ScanID, &rep.Name, &rep.Type, &rep.Status,
		&rep.URL, &rep.LastDownloadedAt, &rep.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &rep, nil
}
