// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basaltsec/recon/backend/internal/models"
)

// ScanRepository defines storage operations for scans and their lifecycle.
type ScanRepository interface {
	// Create inserts a new scan together with its target associations.
	Create(ctx context.Context, scan *models.Scan, targetIDs []int64) error

	// GetByUUID retrieves a scan by its UUID.
	// Returns nil if the scan does not exist.
	GetByUUID(ctx context.Context, uuid string) (*models.Scan, error)

	// ListByUser retrieves all scans of a user, newest first.
	ListByUser(ctx context.Context, userID int64) ([]*models.Scan, error)

	// ListByStatuses retrieves all scans currently in one of the given
	// statuses, across users. Used to resume watchers on startup.
	ListByStatuses(ctx context.Context, statuses []models.ScanStatus) ([]*models.Scan, error)

	// ListByUserExcludingStatuses retrieves the user's scans whose status is
	// in none of the given statuses. Used by the scan-list heartbeat.
	ListByUserExcludingStatuses(ctx context.Context, userID int64, excluded []models.ScanStatus) ([]*models.Scan, error)

	// Update persists the scan's lifecycle columns: status, started_at,
	// finished_at. Output is written through AppendOutput and Complete so
	// that a stale in-memory copy can never clobber appended lines; result
	// is only written by Complete.
	Update(ctx context.Context, scan *models.Scan) error

	// AppendOutput appends a chunk to the scan's output column.
	AppendOutput(ctx context.Context, id int64, chunk string) error

	// Complete applies the terminal scan-row update and inserts the scan's
	// findings in one transaction, guarded by `result IS NULL`. Returns false
	// without error when the guard rejects the update (results were already
	// ingested by an earlier delivery).
	Complete(ctx context.Context, scan *models.Scan, findings []*models.Finding) (bool, error)

	// CountByUserAndNamePrefix counts the user's scans whose name starts
	// with prefix. Feeds the "Assessment no. K" counter.
	CountByUserAndNamePrefix(ctx context.Context, userID int64, prefix string) (int, error)

	// CountByUser returns the user's total scan count.
	CountByUser(ctx context.Context, userID int64) (int64, error)

	// CountCompletedByTarget counts completed scans associated with a target.
	CountCompletedByTarget(ctx context.Context, targetID int64) (int64, error)
}

// InMemoryScanRepository implements ScanRepository over the shared Store.
type InMemoryScanRepository struct {
	store *Store
}

// Create inserts a new scan together with its target associations.
func (r *InMemoryScanRepository) Create(ctx context.Context, scan *models.Scan, targetIDs []int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	r.store.nextScanID++
	scan.ID = r.store.nextScanID
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = time.Now().UTC()
	}
	r.store.scans[scan.ID] = copyScan(scan)
	r.store.scanTargets[scan.ID] = append([]int64(nil), targetIDs...)
	return nil
}

// GetByUUID retrieves a scan by its UUID.
func (r *InMemoryScanRepository) GetByUUID(ctx context.Context, uuid string) (*models.Scan, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, s := range r.store.scans {
		if s.UUID == uuid {
			return copyScan(s), nil
		}
	}
	return nil, nil // Scan not found
}

// ListByUser retrieves all scans of a user, newest first.
func (r *InMemoryScanRepository) ListByUser(ctx context.Context, userID int64) ([]*models.Scan, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*models.Scan
	for _, s := range r.store.scans {
		if s.UserID == userID {
			out = append(out, copyScan(s))
		}
	}
	sortScansNewestFirst(out)
	return out, nil
}

// ListByStatuses retrieves all scans in one of the given statuses.
func (r *InMemoryScanRepository) ListByStatuses(ctx context.Context, statuses []models.ScanStatus) ([]*models.Scan, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*models.Scan
	for _, s := range r.store.scans {
		for _, status := range statuses {
			if s.Status == status {
				out = append(out, copyScan(s))
				break
			}
		}
	}
	sortScansNewestFirst(out)
	return out, nil
}

// ListByUserExcludingStatuses retrieves the user's scans outside the given
// statuses.
func (r *InMemoryScanRepository) ListByUserExcludingStatuses(ctx context.Context, userID int64, excluded []models.ScanStatus) ([]*models.Scan, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*models.Scan
	for _, s := range r.store.scans {
		if s.UserID != userID {
			continue
		}
		skip := false
		for _, status := range excluded {
			if s.Status == status {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, copyScan(s))
		}
	}
	sortScansNewestFirst(out)
	return out, nil
}

// Update persists the scan's lifecycle columns.
func (r *InMemoryScanRepository) Update(ctx context.Context, scan *models.Scan) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	stored, exists := r.store.scans[scan.ID]
	if !exists {
		return errors.New("scan does not exist")
	}
	stored.Status = scan.Status
	stored.StartedAt = scan.StartedAt
	stored.FinishedAt = scan.FinishedAt
	return nil
}

// AppendOutput appends a chunk to the scan's output column.
func (r *InMemoryScanRepository) AppendOutput(ctx context.Context, id int64, chunk string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	stored, exists := r.store.scans[id]
	if !exists {
		return errors.New("scan does not exist")
	}
	stored.Output += chunk
	return nil
}

// Complete applies the terminal update and findings atomically, guarded by
// an unset result column.
func (r *InMemoryScanRepository) Complete(ctx context.Context, scan *models.Scan, findings []*models.Finding) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	stored, exists := r.store.scans[scan.ID]
	if !exists {
		return false, errors.New("scan does not exist")
	}
	if stored.Result != "" {
		return false, nil // Results already ingested
	}

	stored.Status = scan.Status
	stored.Output = scan.Output
	stored.Result = scan.Result
	stored.StartedAt = scan.StartedAt
	stored.FinishedAt = scan.FinishedAt

	now := time.Now().UTC()
	for _, f := range findings {
		r.store.nextFindingID++
		f.ID = r.store.nextFindingID
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		r.store.findings[f.ID] = copyFinding(f)
	}
	return true, nil
}

// CountByUserAndNamePrefix counts the user's scans named with the prefix.
func (r *InMemoryScanRepository) CountByUserAndNamePrefix(ctx context.Context, userID int64, prefix string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	count := 0
	for _, s := range r.store.scans {
		if s.UserID == userID && strings.HasPrefix(s.Name, prefix) {
			count++
		}
	}
	return count, nil
}

// CountByUser returns the user's total scan count.
func (r *InMemoryScanRepository) CountByUser(ctx context.Context, userID int64) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var count int64
	for _, s := range r.store.scans {
		if s.UserID == userID {
			count++
		}
	}
	return count, nil
}

// CountCompletedByTarget counts completed scans associated with a target.
func (r *InMemoryScanRepository) CountCompletedByTarget(ctx context.Context, targetID int64) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var count int64
	for scanID, targetIDs := range r.store.scanTargets {
		scan, exists := r.store.scans[scanID]
		if !exists || scan.Status != models.ScanStatusCompleted {
			continue
		}
		for _, tid := range targetIDs {
			if tid == targetID {
				count++
				break
			}
		}
	}
	return count, nil
}

// sortScansNewestFirst orders scans by creation time descending, breaking
// ties by ID so the order is stable.
func sortScansNewestFirst(scans []*models.Scan) {
	sort.Slice(scans, func(i, j int) bool {
		if scans[i].CreatedAt.Equal(scans[j].CreatedAt) {
			return scans[i].ID > scans[j].ID
		}
		return scans[i].CreatedAt.After(scans[j].CreatedAt)
	})
}

// PostgresScanRepository implements ScanRepository over a pgx pool.
type PostgresScanRepository struct {
	pool *pgxpool.Pool
}

const scanColumns = "id, uuid, user_id, name, scan_type, status, parameters, output, COALESCE(result, ''), created_at, started_at, finished_at"

// Create inserts a new scan together with its target associations.
func (r *PostgresScanRepository) Create(ctx context.Context, scan *models.Scan, targetIDs []int64) error {
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = time.Now().UTC()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO scans (uuid, user_id, name, scan_type, status, parameters, output, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, '', $7)
		RETURNING id`,
		scan.UUID, scan.UserID, scan.Name, scan.Type, scan.Status, scan.Parameters, scan.CreatedAt).Scan(&scan.ID)
	if err != nil {
		return err
	}

	for _, targetID := range targetIDs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO scan_target_association (scan_id, target_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING`,
			scan.ID, targetID); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// GetByUUID retrieves a scan by its UUID.
func (r *PostgresScanRepository) GetByUUID(ctx context.Context, uuid string) (*models.Scan, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+scanColumns+` FROM scans WHERE uuid = $1`, uuid)
	s, err := scanScan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // Scan not found
	}
	return s, err
}

// ListByUser retrieves all scans of a user, newest first.
func (r *PostgresScanRepository) ListByUser(ctx context.Context, userID int64) ([]*models.Scan, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+scanColumns+`
		FROM scans
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectScans(rows)
}

// ListByStatuses retrieves all scans in one of the given statuses.
func (r *PostgresScanRepository) ListByStatuses(ctx context.Context, statuses []models.ScanStatus) ([]*models.Scan, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+scanColumns+`
		FROM scans
		WHERE status = ANY($1)
		ORDER BY created_at DESC, id DESC`,
		statusStrings(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectScans(rows)
}

// ListByUserExcludingStatuses retrieves the user's scans outside the given
// statuses.
func (r *PostgresScanRepository) ListByUserExcludingStatuses(ctx context.Context, userID int64, excluded []models.ScanStatus) ([]*models.Scan, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+scanColumns+`
		FROM scans
		WHERE user_id = $1 AND status <> ALL($2)
		ORDER BY created_at DESC, id DESC`,
		userID, statusStrings(excluded))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectScans(rows)
}

// Update persists the scan's lifecycle columns.
func (r *PostgresScanRepository) Update(ctx context.Context, scan *models.Scan) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE scans
		SET status = $2, started_at = $3, finished_at = $4
		WHERE id = $1`,
		scan.ID, scan.Status, scan.StartedAt, scan.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("scan does not exist")
	}
	return nil
}

// AppendOutput appends a chunk to the scan's output column.
func (r *PostgresScanRepository) AppendOutput(ctx context.Context, id int64, chunk string) error {
	_, err := r.pool.Exec(ctx, `UPDATE scans SET output = output || $2 WHERE id = $1`, id, chunk)
	return err
}

// Complete applies the terminal update and findings in one transaction,
// guarded by `result IS NULL`.
func (r *PostgresScanRepository) Complete(ctx context.Context, scan *models.Scan, findings []*models.Finding) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	var result any
	if scan.Result != "" {
		result = scan.Result
	}

	tag, err := tx.Exec(ctx, `
		UPDATE scans
		SET status = $2, output = $3, result = $4, started_at = $5, finished_at = $6
		WHERE id = $1 AND result IS NULL`,
		scan.ID, scan.Status, scan.Output, result, scan.StartedAt, scan.FinishedAt)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, nil // Results already ingested
	}

	now := time.Now().UTC()
	for _, f := range findings {
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		err := tx.QueryRow(ctx, insertFindingSQL,
			f.UUID, f.TargetID, f.Name, f.Description, f.Recommendation,
			f.Port, nullIfEmpty(string(f.PortState)), nullIfEmpty(f.Protocol), nullIfEmpty(f.Service),
			nullIfEmptyJSON(f.OS), nullIfEmptyJSON(f.Traceroute), f.Severity, f.CreatedAt).Scan(&f.ID)
		if err != nil {
			return false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// CountByUserAndNamePrefix counts the user's scans named with the prefix.
func (r *PostgresScanRepository) CountByUserAndNamePrefix(ctx context.Context, userID int64, prefix string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM scans WHERE user_id = $1 AND name LIKE $2 || '%'`,
		userID, prefix).Scan(&count)
	return count, err
}

// CountByUser returns the user's total scan count.
func (r *PostgresScanRepository) CountByUser(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM scans WHERE user_id = $1`, userID).Scan(&count)
	return count, err
}

// CountCompletedByTarget counts completed scans associated with a target.
func (r *PostgresScanRepository) CountCompletedByTarget(ctx context.Context, targetID int64) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM scans s
		JOIN scan_target_association sta ON sta.scan_id = s.id
		WHERE sta.target_id = $1 AND s.status = $2`,
		targetID, models.ScanStatusCompleted).Scan(&count)
	return count, err
}

// scanScan reads one scan row in scanColumns order.
func scanScan(row pgx.Row) (*models.Scan, error) {
	var s models.Scan
	err := row.Scan(&s.ID, &s.UUID, &s.UserID, &s.Name, &s.Type, &s.Status,
		&s.Parameters, &s.Output, &s.Result, &s.CreatedAt, &s.StartedAt, &s.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// collectScans drains rows into a scan slice.
func collectScans(rows pgx.Rows) ([]*models.Scan, error) {
	var out []*models.Scan
	for rows.Next() {
		s, err := scanScan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// statusStrings converts statuses for array parameters.
func statusStrings(statuses []models.ScanStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
