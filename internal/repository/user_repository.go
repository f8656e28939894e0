// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/basaltsec/recon/backend/internal/models"
)

// UserRepository defines storage operations for mirrored auth users.
type UserRepository interface {
	// GetOrCreate returns the user with the candidate's external auth ID,
	// inserting the candidate first if no such user exists. Display name and
	// email are refreshed from the candidate on every call. Safe under
	// concurrent first-sight requests for the same subject.
	GetOrCreate(ctx context.Context, candidate *models.User) (*models.User, error)

	// GetByExternalID retrieves a user by OIDC subject.
	// Returns nil if the user does not exist.
	GetByExternalID(ctx context.Context, externalID string) (*models.User, error)

	// GetByID retrieves a user by primary key.
	// Returns nil if the user does not exist.
	GetByID(ctx context.Context, id int64) (*models.User, error)
}

// InMemoryUserRepository implements UserRepository over the shared Store.
type InMemoryUserRepository struct {
	store *Store
}

// GetOrCreate returns the mirrored user, inserting it on first sight.
func (r *InMemoryUserRepository) GetOrCreate(ctx context.Context, candidate *models.User) (*models.User, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, u := range r.store.users {
		if u.ExternalAuthID == candidate.ExternalAuthID {
			u.DisplayName = candidate.DisplayName
			u.Email = candidate.Email
			u.UpdatedAt = time.Now().UTC()
			return copyUser(u), nil
		}
	}

	r.store.nextUserID++
	now := time.Now().UTC()
	u := &models.User{
		ID:             r.store.nextUserID,
		ExternalAuthID: candidate.ExternalAuthID,
		DisplayName:    candidate.DisplayName,
		Email:          candidate.Email,
		Enabled:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	r.store.users[u.ID] = u
	return copyUser(u), nil
}

// GetByExternalID retrieves a user by OIDC subject.
func (r *InMemoryUserRepository) GetByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	for _, u := range r.store.users {
		if u.ExternalAuthID == externalID {
			return copyUser(u), nil
		}
	}
	return nil, nil // User not found
}

// GetByID retrieves a user by primary key.
func (r *InMemoryUserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	u, exists := r.store.users[id]
	if !exists {
		return nil, nil // User not found
	}
	return copyUser(u), nil
}

// PostgresUserRepository implements UserRepository over a pgx pool.
type PostgresUserRepository struct {
	pool *pgxpool.Pool
}

const userColumns = "id, external_auth_id, display_name, email, enabled, created_at, updated_at"

// GetOrCreate upserts the mirrored user in one round trip.
func (r *PostgresUserRepository) GetOrCreate(ctx context.Context, candidate *models.User) (*models.User, error) {
	now := time.Now().UTC()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO users (external_auth_id, display_name, email, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, $4)
		ON CONFLICT (external_auth_id)
		DO UPDATE SET display_name = EXCLUDED.display_name, email = EXCLUDED.email, updated_at = EXCLUDED.updated_at
		RETURNING `+userColumns,
		candidate.ExternalAuthID, candidate.DisplayName, candidate.Email, now)
	return scanUser(row)
}

// GetByExternalID retrieves a user by OIDC subject.
func (r *PostgresUserRepository) GetByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE external_auth_id = $1`, externalID)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // User not found
	}
	return u, err
}

// GetByID retrieves a user by primary key.
func (r *PostgresUserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // User not found
	}
	return u, err
}

// scanUser reads one user row in userColumns order.
func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	if err := row.Scan(&u.ID, &u.ExternalAuthID, &u.DisplayName, &u.Email, &u.Enabled, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}
