// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import (
	"context"

	"github.com/basaltsec/recon/backend/internal/models"
	apperrors "github.com/basaltsec/recon/backend/internal/pkg/errors"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/repository"
)

// Open-port aggregate bounds.
const (
	defaultOpenPortLimit = 10
	maxOpenPortLimit     = 50
)

// DashboardService defines the interface for dashboard aggregates.
type DashboardService interface {
	// GetStats returns the user's entity counts and the findings-by-severity
	// breakdown.
	GetStats(ctx context.Context, user *models.User) (*models.DashboardStats, error)

	// GetOpenPorts returns the user's most common open ports, descending by
	// count.
	GetOpenPorts(ctx context.Context, user *models.User, limit int) ([]models.OpenPortCount, error)
}

// dashboardServiceImpl implements DashboardService.
type dashboardServiceImpl struct {
	repos  *repository.Repositories
	logger logger.Logger
}

// NewDashboardService creates a new dashboard service instance.
func NewDashboardService(repos *repository.Repositories, log logger.Logger) DashboardService {
	return &dashboardServiceImpl{
		repos:  repos,
		logger: log,
	}
}

// GetStats returns the user's entity counts and the findings-by-severity
// breakdown.
func (s *dashboardServiceImpl) GetStats(ctx context.Context, user *models.User) (*models.DashboardStats, error) {
	targets, err := s.repos.Targets.CountByUser(ctx, user.ID)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to count targets")
	}
	scans, err := s.repos.Scans.CountByUser(ctx, user.ID)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to count scans")
	}
	findings, err := s.repos.Findings.CountByUser(ctx, user.ID)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to count findings")
	}
	bySeverity, err := s.repos.Findings.CountBySeverity(ctx, user.ID)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to count findings by severity")
	}

	return &models.DashboardStats{
		Targets:            targets,
		Scans:              scans,
		Findings:           findings,
		FindingsBySeverity: bySeverity,
	}, nil
}

// GetOpenPorts returns the user's most common open ports, descending by
// count.
func (s *dashboardServiceImpl) GetOpenPorts(ctx context.Context, user *models.User, limit int) ([]models.OpenPortCount, error) {
	if limit < 1 {
		limit = defaultOpenPortLimit
	}
	if limit > maxOpenPortLimit {
		limit = maxOpenPortLimit
	}

	ports, err := s.repos.Findings.TopOpenPorts(ctx, user.ID, limit)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to aggregate open ports")
	}
	return ports, nil
}
