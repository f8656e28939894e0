// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import (
	"context"
	"fmt"

	"github.com/basaltsec/recon/backend/internal/models"
	apperrors "github.com/basaltsec/recon/backend/internal/pkg/errors"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/repository"
)

// Finding list pagination bounds.
const (
	defaultFindingPageSize = 50
	maxFindingPageSize     = 200
)

// FindingService defines the interface for querying findings across targets.
type FindingService interface {
	ListFindings(ctx context.Context, user *models.User, req *models.FindingListRequest) (*models.FindingListResponse, error)
}

// findingServiceImpl implements the FindingService interface.
type findingServiceImpl struct {
	repos  *repository.Repositories
	logger logger.Logger
}

// NewFindingService creates a new finding service instance.
func NewFindingService(repos *repository.Repositories, log logger.Logger) FindingService {
	return &findingServiceImpl{
		repos:  repos,
		logger: log,
	}
}

// ListFindings returns one page of the user's findings, newest first,
// optionally filtered by severity.
func (s *findingServiceImpl) ListFindings(ctx context.Context, user *models.User, req *models.FindingListRequest) (*models.FindingListResponse, error) {
	if req.Severity != "" && !models.Severity(req.Severity).Valid() {
		return nil, apperrors.NewInvalidRequest(fmt.Sprintf("Unknown severity: %s", req.Severity))
	}
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 {
		req.PageSize = defaultFindingPageSize
	}
	if req.PageSize > maxFindingPageSize {
		req.PageSize = maxFindingPageSize
	}

	findings, total, err := s.repos.Findings.ListByUser(ctx, user.ID, req)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to list findings")
	}

	return &models.FindingListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Findings: findings,
	}, nil
}
