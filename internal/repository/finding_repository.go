// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package repository

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basaltsec/recon/backend/internal/models"
)

// FindingRepository defines storage operations for classified findings.
// Findings are inserted exclusively through ScanRepository.Complete; this
// interface only reads and aggregates.
type FindingRepository interface {
	// ListByUser retrieves the user's findings (via target ownership) with
	// pagination and an optional severity filter, newest first.
	ListByUser(ctx context.Context, userID int64, req *models.FindingListRequest) ([]*models.Finding, int, error)

	// ListByTarget retrieves all findings of one target, newest first.
	ListByTarget(ctx context.Context, targetID int64) ([]*models.Finding, error)

	// ListByScan retrieves findings of all targets associated with a scan,
	// newest first.
	ListByScan(ctx context.Context, scanID int64) ([]*models.Finding, error)

	// CountByUser returns the user's total finding count.
	CountByUser(ctx context.Context, userID int64) (int64, error)

	// CountByTarget returns a target's finding count.
	CountByTarget(ctx context.Context, targetID int64) (int64, error)

	// CountBySeverity returns the user's finding counts keyed by severity.
	CountBySeverity(ctx context.Context, userID int64) (map[string]int64, error)

	// TopOpenPorts returns the user's most common open ports across
	// findings, descending by count.
	TopOpenPorts(ctx context.Context, userID int64, limit int) ([]models.OpenPortCount, error)
}

// InMemoryFindingRepository implements FindingRepository over the shared
// Store.
type InMemoryFindingRepository struct {
	store *Store
}

// ownerOf resolves a finding's owning user via its target. Caller holds at
// least the read lock.
func (r *InMemoryFindingRepository) ownerOf(f *models.Finding) (int64, bool) {
	t, exists := r.store.targets[f.TargetID]
	if !exists {
		return 0, false
	}
	return t.UserID, true
}

// ListByUser retrieves the user's findings with pagination and severity
// filter.
func (r *InMemoryFindingRepository) ListByUser(ctx context.Context, userID int64, req *models.FindingListRequest) ([]*models.Finding, int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var filtered []*models.Finding
	for _, f := range r.store.findings {
		owner, ok := r.ownerOf(f)
		if !ok || owner != userID {
			continue
		}
		if req.Severity != "" && string(f.Severity) != req.Severity {
			continue
		}
		filtered = append(filtered, copyFinding(f))
	}
	total := len(filtered)
	sortFindingsNewestFirst(filtered)

	start := (req.Page - 1) * req.PageSize
	end := start + req.PageSize
	if start >= total {
		return []*models.Finding{}, total, nil
	}
	if end > total {
		end = total
	}
	return filtered[start:end], total, nil
}

// ListByTarget retrieves all findings of one target.
func (r *InMemoryFindingRepository) ListByTarget(ctx context.Context, targetID int64) ([]*models.Finding, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*models.Finding
	for _, f := range r.store.findings {
		if f.TargetID == targetID {
			out = append(out, copyFinding(f))
		}
	}
	sortFindingsNewestFirst(out)
	return out, nil
}

// ListByScan retrieves findings of all targets associated with a scan.
func (r *InMemoryFindingRepository) ListByScan(ctx context.Context, scanID int64) ([]*models.Finding, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	members := make(map[int64]struct{}, len(r.store.scanTargets[scanID]))
	for _, tid := range r.store.scanTargets[scanID] {
		members[tid] = struct{}{}
	}

	var out []*models.Finding
	for _, f := range r.store.findings {
		if _, ok := members[f.TargetID]; ok {
			out = append(out, copyFinding(f))
		}
	}
	sortFindingsNewestFirst(out)
	return out, nil
}

// CountByUser returns the user's total finding count.
func (r *InMemoryFindingRepository) CountByUser(ctx context.Context, userID int64) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var count int64
	for _, f := range r.store.findings {
		if owner, ok := r.ownerOf(f); ok && owner == userID {
			count++
		}
	}
	return count, nil
}

// CountByTarget returns a target's finding count.
func (r *InMemoryFindingRepository) CountByTarget(ctx context.Context, targetID int64) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var count int64
	for _, f := range r.store.findings {
		if f.TargetID == targetID {
			count++
		}
	}
	return count, nil
}

// CountBySeverity returns the user's finding counts keyed by severity.
func (r *InMemoryFindingRepository) CountBySeverity(ctx context.Context, userID int64) (map[string]int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := make(map[string]int64)
	for _, f := range r.store.findings {
		if owner, ok := r.ownerOf(f); ok && owner == userID {
			out[string(f.Severity)]++
		}
	}
	return out, nil
}

// TopOpenPorts returns the user's most common open ports across findings.
func (r *InMemoryFindingRepository) TopOpenPorts(ctx context.Context, userID int64, limit int) ([]models.OpenPortCount, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	counts := make(map[int]int64)
	for _, f := range r.store.findings {
		if f.Port == nil || f.PortState != models.PortStateOpen {
			continue
		}
		if owner, ok := r.ownerOf(f); ok && owner == userID {
			counts[*f.Port]++
		}
	}

	out := make([]models.OpenPortCount, 0, len(counts))
	for port, count := range counts {
		out = append(out, models.OpenPortCount{Port: port, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Port < out[j].Port
		}
		return out[i].Count > out[j].Count
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sortFindingsNewestFirst orders findings by creation time descending,
// breaking ties by ID.
func sortFindingsNewestFirst(findings []*models.Finding) {
	sort.Slice(findings, func(i, j int) bool {
		if findings[i].CreatedAt.Equal(findings[j].CreatedAt) {
			return findings[i].ID > findings[j].ID
		}
		return findings[i].CreatedAt.After(findings[j].CreatedAt)
	})
}

// PostgresFindingRepository implements FindingRepository over a pgx pool.
type PostgresFindingRepository struct {
	pool *pgxpool.Pool
}

const findingColumns = "f.id, f.uuid, f.target_id, f.name, f.description, f.recommendation, f.port, f.port_state, f.protocol, f.service, f.os, f.traceroute, f.severity, f.created_at"

// insertFindingSQL is shared with PostgresScanRepository.Complete, which
// inserts findings inside the completion transaction.
const insertFindingSQL = `
	INSERT INTO findings (uuid, target_id, name, description, recommendation, port, port_state, protocol, service, os, traceroute, severity, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	RETURNING id`

// ListByUser retrieves the user's findings with pagination and severity
// filter.
func (r *PostgresFindingRepository) ListByUser(ctx context.Context, userID int64, req *models.FindingListRequest) ([]*models.Finding, int, error) {
	var total int
	var err error
	if req.Severity != "" {
		err = r.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM findings f JOIN targets t ON t.id = f.target_id
			WHERE t.user_id = $1 AND f.severity = $2`,
			userID, req.Severity).Scan(&total)
	} else {
		err = r.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM findings f JOIN targets t ON t.id = f.target_id
			WHERE t.user_id = $1`,
			userID).Scan(&total)
	}
	if err != nil {
		return nil, 0, err
	}

	var rows pgx.Rows
	offset := (req.Page - 1) * req.PageSize
	if req.Severity != "" {
		rows, err = r.pool.Query(ctx, `
			SELECT `+findingColumns+`
			FROM findings f JOIN targets t ON t.id = f.target_id
			WHERE t.user_id = $1 AND f.severity = $2
			ORDER BY f.created_at DESC, f.id DESC
			LIMIT $3 OFFSET $4`,
			userID, req.Severity, req.PageSize, offset)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT `+findingColumns+`
			FROM findings f JOIN targets t ON t.id = f.target_id
			WHERE t.user_id = $1
			ORDER BY f.created_at DESC, f.id DESC
			LIMIT $2 OFFSET $3`,
			userID, req.PageSize, offset)
	}
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	findings, err := collectFindings(rows)
	if err != nil {
		return nil, 0, err
	}
	return findings, total, nil
}

// ListByTarget retrieves all findings of one target.
func (r *PostgresFindingRepository) ListByTarget(ctx context.Context, targetID int64) ([]*models.Finding, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+findingColumns+`
		FROM findings f
		WHERE f.target_id = $1
		ORDER BY f.created_at DESC, f.id DESC`,
		targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFindings(rows)
}

// ListByScan retrieves findings of all targets associated with a scan.
func (r *PostgresFindingRepository) ListByScan(ctx context.Context, scanID int64) ([]*models.Finding, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+findingColumns+`
		FROM findings f
		JOIN scan_target_association sta ON sta.target_id = f.target_id
		WHERE sta.scan_id = $1
		ORDER BY f.created_at DESC, f.id DESC`,
		scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectFindings(rows)
}

// CountByUser returns the user's total finding count.
func (r *PostgresFindingRepository) CountByUser(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM findings f JOIN targets t ON t.id = f.target_id
		WHERE t.user_id = $1`,
		userID).Scan(&count)
	return count, err
}

// CountByTarget returns a target's finding count.
func (r *PostgresFindingRepository) CountByTarget(ctx context.Context, targetID int64) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM findings WHERE target_id = $1`, targetID).Scan(&count)
	return count, err
}

// CountBySeverity returns the user's finding counts keyed by severity.
func (r *PostgresFindingRepository) CountBySeverity(ctx context.Context, userID int64) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT f.severity, COUNT(*)
		FROM findings f JOIN targets t ON t.id = f.target_id
		WHERE t.user_id = $1
		GROUP BY f.severity`,
		userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var severity string
		var count int64
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		out[severity] = count
	}
	return out, rows.Err()
}

// TopOpenPorts returns the user's most common open ports across findings.
func (r *PostgresFindingRepository) TopOpenPorts(ctx context.Context, userID int64, limit int) ([]models.OpenPortCount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT f.port, COUNT(*)
		FROM findings f JOIN targets t ON t.id = f.target_id
		WHERE t.user_id = $1 AND f.port IS NOT NULL AND f.port_state = $2
		GROUP BY f.port
		ORDER BY COUNT(*) DESC, f.port ASC
		LIMIT $3`,
		userID, models.PortStateOpen, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.OpenPortCount
	for rows.Next() {
		var entry models.OpenPortCount
		if err := rows.Scan(&entry.Port, &entry.Count); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// scanFinding reads one finding row in findingColumns order, mapping SQL
// NULLs back to Go zero values.
func scanFinding(row pgx.Row) (*models.Finding, error) {
	var f models.Finding
	var portState, protocol, service, osPayload, traceroute *string
	err := row.Scan(&f.ID, &f.UUID, &f.TargetID, &f.Name, &f.Description, &f.Recommendation,
		&f.Port, &portState, &protocol, &service, &osPayload, &traceroute, &f.Severity, &f.CreatedAt)
	if err != nil {
		return nil, err
	}
	if portState != nil {
		f.PortState = models.PortState(*portState)
	}
	if protocol != nil {
		f.Protocol = *protocol
	}
	if service != nil {
		f.Service = *service
	}
	if osPayload != nil {
		f.OS = json.RawMessage(*osPayload)
	}
	if traceroute != nil {
		f.Traceroute = json.RawMessage(*traceroute)
	}
	return &f, nil
}

// collectFindings drains rows into a finding slice.
func collectFindings(rows pgx.Rows) ([]*models.Finding, error) {
	var out []*models.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// nullIfEmpty maps empty strings to SQL NULL.
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullIfEmptyJSON maps empty JSON payloads to SQL NULL.
func nullIfEmptyJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
