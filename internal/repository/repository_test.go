// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package repository

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/basaltsec/recon/backend/internal/models"
)

// seedUser inserts a user keyed by OIDC subject.
func seedUser(t *testing.T, repos *Repositories, subject string) *models.User {
	t.Helper()
	u, err := repos.Users.GetOrCreate(context.Background(), &models.User{
		ExternalAuthID: subject,
		DisplayName:    subject,
		Email:          subject + "@example.com",
	})
	if err != nil {
		t.Fatalf("Failed to seed user %s: %v", subject, err)
	}
	return u
}

// seedTarget inserts a target with a fresh UUID.
func seedTarget(t *testing.T, repos *Repositories, userID int64, name string) *models.Target {
	t.Helper()
	target, err := repos.Targets.GetOrCreate(context.Background(), &models.Target{
		UUID:   uuid.New().String(),
		UserID: userID,
		Name:   name,
	})
	if err != nil {
		t.Fatalf("Failed to seed target %s: %v", name, err)
	}
	return target
}

// seedScan inserts a pending scan associated with the given targets.
func seedScan(t *testing.T, repos *Repositories, userID int64, name string, targetIDs []int64) *models.Scan {
	t.Helper()
	scan := &models.Scan{
		UUID:   uuid.New().String(),
		UserID: userID,
		Name:   name,
		Type:   models.ScanTypeDefault,
		Status: models.ScanStatusPending,
	}
	if err := repos.Scans.Create(context.Background(), scan, targetIDs); err != nil {
		t.Fatalf("Failed to seed scan %s: %v", name, err)
	}
	return scan
}
