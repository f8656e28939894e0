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

// TargetRepository defines storage operations for scan targets.
type TargetRepository interface {
	// Create inserts a new target. The name must already be normalized and
	// unique for the user.
	Create(ctx context.Context, target *models.Target) error

	// GetOrCreate returns the user's target with the candidate's name,
	// inserting the candidate first if no such target exists. Safe under
	// concurrent submissions of the same name.
	GetOrCreate(ctx context.Context, candidate *models.Target) (*models.Target, error)

	// GetByUUID retrieves a target by its UUID.
	// Returns nil if the target does not exist.
	GetByUUID(ctx context.Context, uuid string) (*models.Target, error)

	// GetByName retrieves a user's target by normalized name.
	// Returns nil if the target does not exist.
	GetByName(ctx context.Context, userID int64, name string) (*models.Target, error)

	// List retrieves the user's targets with pagination, newest first.
	List(ctx context.Context, userID int64, req *models.TargetListRequest) ([]*models.Target, int, error)

	// ListByScan retrieves the targets associated with a scan.
	ListByScan(ctx context.Context, scanID int64) ([]*models.Target, error)

	// Delete removes a target and cascades to its findings and scan
	// associations.
	Delete(ctx context.Context, id int64) error

	// CountByUser returns the user's total target count.
	CountByUser(ctx context.Context, userID int64) (int64, error)
}

// InMemoryTargetRepository implements TargetRepository over the shared Store.
type InMemoryTargetRepository struct {
	store *Store
}

// Create inserts a new target.
func (r *InMemoryTargetRepository) Create(ctx context.Context, target *models.Target) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	return r.createLocked(target)
}

func (r *InMemoryTargetRepository) createLocked(target *models.Target) error {
	r.store.nextTargetID++
	target.ID = r.store.nextTargetID
	if target.CreatedAt.IsZero() {
		target.CreatedAt = time.Now().UTC()
	}
	r.store.targets[target.ID] = copyTarget(target)
	return nil
}

// GetOrCreate returns the existing target by (user, name) or inserts the
// candidate.
func (r *InMemoryTargetRepository) GetOrCreate(ctx context.Context, candidate *models.Target) (*models.Target, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, t := range r.store.targets {
		if t.UserID == candidate.UserID && t.Name == candidate.Name {
			return copyTarget(t), nil
		}
	}
	if err := r.createLocked(candidate); err != nil {
		return nil, err
	}
	return copyTarget(candidate), nil
}

// GetByUUID retrieves a target by its UUID.
func (r *InMemoryTargetRepository) GetByUUID(ctx context.Context, uuid string) (*models.Target, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, t := range r.store.targets {
		if t.UUID == uuid {
			return copyTarget(t), nil
		}
	}
	return nil, nil // Target not found
}

// GetByName retrieves a user's target by normalized name.
func (r *InMemoryTargetRepository) GetByName(ctx context.Context, userID int64, name string) (*models.Target, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, t := range r.store.targets {
		if t.UserID == userID && t.Name == name {
			return copyTarget(t), nil
		}
	}
	return nil, nil // Target not found
}

// List retrieves the user's targets with pagination, newest first.
func (r *InMemoryTargetRepository) List(ctx context.Context, userID int64, req *models.TargetListRequest) ([]*models.Target, int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var filtered []*models.Target
	for _, t := range r.store.targets {
		if t.UserID == userID {
			filtered = append(filtered, copyTarget(t))
		}
	}
	total := len(filtered)

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].ID > filtered[j].ID
		}
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	start := (req.Page - 1) * req.PageSize
	end := start + req.PageSize
	if start >= total {
		return []*models.Target{}, total, nil
	}
	if end > total {
		end = total
	}
	return filtered[start:end], total, nil
}

// ListByScan retrieves the targets associated with a scan.
func (r *InMemoryTargetRepository) ListByScan(ctx context.Context, scanID int64) ([]*models.Target, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var out []*models.Target
	for _, tid := range r.store.scanTargets[scanID] {
		if t, exists := r.store.targets[tid]; exists {
			out = append(out, copyTarget(t))
		}
	}
	return out, nil
}

// Delete removes a target and cascades to findings and scan associations.
func (r *InMemoryTargetRepository) Delete(ctx context.Context, id int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, exists := r.store.targets[id]; !exists {
		return errors.New("target does not exist")
	}
	r.store.deleteTargetLocked(id)
	return nil
}

// CountByUser returns the user's total target count.
func (r *InMemoryTargetRepository) CountByUser(ctx context.Context, userID int64) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var count int64
	for _, t := range r.store.targets {
		if t.UserID == userID {
			count++
		}
	}
	return count, nil
}

// PostgresTargetRepository implements TargetRepository over a pgx pool.
type PostgresTargetRepository struct {
	pool *pgxpool.Pool
}

const targetColumns = "id, uuid, user_id, name, created_at"

// Create inserts a new target.
func (r *PostgresTargetRepository) Create(ctx context.Context, target *models.Target) error {
	if target.CreatedAt.IsZero() {
		target.CreatedAt = time.Now().UTC()
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO targets (uuid, user_id, name, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		target.UUID, target.UserID, target.Name, target.CreatedAt).Scan(&target.ID)
}

// GetOrCreate returns the existing target by (user, name) or inserts the
// candidate. The insert relies on the UNIQUE(user_id, name) constraint.
func (r *PostgresTargetRepository) GetOrCreate(ctx context.Context, candidate *models.Target) (*models.Target, error) {
	if candidate.CreatedAt.IsZero() {
		candidate.CreatedAt = time.Now().UTC()
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO targets (uuid, user_id, name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, name) DO NOTHING
		RETURNING `+targetColumns,
		candidate.UUID, candidate.UserID, candidate.Name, candidate.CreatedAt)
	t, err := scanTarget(row)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	// Conflict: somebody else holds (user_id, name); fetch theirs.
	return r.GetByName(ctx, candidate.UserID, candidate.Name)
}

// GetByUUID retrieves a target by its UUID.
func (r *PostgresTargetRepository) GetByUUID(ctx context.Context, uuid string) (*models.Target, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE uuid = $1`, uuid)
	t, err := scanTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // Target not found
	}
	return t, err
}

// GetByName retrieves a user's target by normalized name.
func (r *PostgresTargetRepository) GetByName(ctx context.Context, userID int64, name string) (*models.Target, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+targetColumns+` FROM targets WHERE user_id = $1 AND name = $2`, userID, name)
	t, err := scanTarget(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // Target not found
	}
	return t, err
}

// List retrieves the user's targets with pagination, newest first.
func (r *PostgresTargetRepository) List(ctx context.Context, userID int64, req *models.TargetListRequest) ([]*models.Target, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM targets WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+targetColumns+`
		FROM targets
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		userID, req.PageSize, (req.Page-1)*req.PageSize)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	targets, err := collectTargets(rows)
	if err != nil {
		return nil, 0, err
	}
	return targets, total, nil
}

// ListByScan retrieves the targets associated with a scan.
func (r *PostgresTargetRepository) ListByScan(ctx context.Context, scanID int64) ([]*models.Target, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT t.id, t.uuid, t.user_id, t.name, t.created_at
		FROM targets t
		JOIN scan_target_association sta ON sta.target_id = t.id
		WHERE sta.scan_id = $1
		ORDER BY t.id`,
		scanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTargets(rows)
}

// Delete removes a target; the FK constraints cascade to findings and scan
// associations.
func (r *PostgresTargetRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM targets WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("target does not exist")
	}
	return nil
}

// CountByUser returns the user's total target count.
func (r *PostgresTargetRepository) CountByUser(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM targets WHERE user_id = $1`, userID).Scan(&count)
	return count, err
}

// scanTarget reads one target row in targetColumns order.
func scanTarget(row pgx.Row) (*models.Target, error) {
	var t models.Target
	if err := row.Scan(&t.ID, &t.UUID, &t.UserID, &t.Name, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

// collectTargets drains rows into a target slice.
func collectTargets(rows pgx.Rows) ([]*models.Target, error) {
	var out []*models.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
