// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/basaltsec/recon/backend/internal/models"
	apperrors "github.com/basaltsec/recon/backend/internal/pkg/errors"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/pkg/normalize"
	"github.com/basaltsec/recon/backend/internal/repository"
)

// Target list pagination bounds.
const (
	defaultTargetPageSize = 20
	maxTargetPageSize     = 100
)

// TargetService defines the interface for target operations.
type TargetService interface {
	// ListTargets retrieves the user's targets, paginated and enriched with
	// finding and completed-scan counts.
	ListTargets(ctx context.Context, user *models.User, req *models.TargetListRequest) (*models.TargetListResponse, error)

	// CreateTarget normalizes and stores a new target for the user.
	CreateTarget(ctx context.Context, user *models.User, req *models.CreateTargetRequest) (*models.Target, error)

	// GetTarget retrieves one of the user's targets with its counts.
	GetTarget(ctx context.Context, user *models.User, targetUUID string) (*models.TargetInfo, error)

	// DeleteTarget removes one of the user's targets together with its
	// findings and scan associations.
	DeleteTarget(ctx context.Context, user *models.User, targetUUID string) error

	// GetTargetFindings retrieves all findings of one target.
	GetTargetFindings(ctx context.Context, user *models.User, targetUUID string) ([]*models.Finding, error)
}

// targetServiceImpl implements TargetService.
type targetServiceImpl struct {
	repos  *repository.Repositories
	logger logger.Logger
}

// NewTargetService creates a new target service instance.
func NewTargetService(repos *repository.Repositories, log logger.Logger) TargetService {
	return &targetServiceImpl{
		repos:  repos,
		logger: log,
	}
}

// ListTargets retrieves the user's targets, paginated and enriched with
// finding and completed-scan counts.
func (s *targetServiceImpl) ListTargets(ctx context.Context, user *models.User, req *models.TargetListRequest) (*models.TargetListResponse, error) {
	if req.Page < 1 {
		req.Page = 1
	}
	if req.PageSize < 1 {
		req.PageSize = defaultTargetPageSize
	}
	if req.PageSize > maxTargetPageSize {
		req.PageSize = maxTargetPageSize
	}

	targets, total, err := s.repos.Targets.List(ctx, user.ID, req)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to list targets")
	}

	infos := make([]*models.TargetInfo, 0, len(targets))
	for _, t := range targets {
		info, err := s.targetInfo(ctx, t)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}

	return &models.TargetListResponse{
		Total:    total,
		Page:     req.Page,
		PageSize: req.PageSize,
		Targets:  infos,
	}, nil
}

// CreateTarget normalizes and stores a new target for the user. Names that
// normalize away entirely (private ranges, empty input) and names already
// taken are rejected.
func (s *targetServiceImpl) CreateTarget(ctx context.Context, user *models.User, req *models.CreateTargetRequest) (*models.Target, error) {
	names := normalize.Targets([]string{req.Name})
	if len(names) == 0 {
		return nil, apperrors.NewInvalidRequest("Target name is empty or not scannable")
	}
	name := names[0]

	existing, err := s.repos.Targets.GetByName(ctx, user.ID, name)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to check for existing target")
	}
	if existing != nil {
		return nil, apperrors.NewInvalidRequest("Target already exists: " + name)
	}

	target := &models.Target{
		UUID:   uuid.New().String(),
		UserID: user.ID,
		Name:   name,
	}
	if err := s.repos.Targets.Create(ctx, target); err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to create target")
	}

	s.logger.Info("Created target %s (%s) for user %d", target.UUID, name, user.ID)
	return target, nil
}

// GetTarget retrieves one of the user's targets with its counts.
func (s *targetServiceImpl) GetTarget(ctx context.Context, user *models.User, targetUUID string) (*models.TargetInfo, error) {
	target, err := s.authorizedTarget(ctx, user, targetUUID)
	if err != nil {
		return nil, err
	}
	return s.targetInfo(ctx, target)
}

// DeleteTarget removes one of the user's targets. Findings and scan
// associations cascade; scans themselves stay.
func (s *targetServiceImpl) DeleteTarget(ctx context.Context, user *models.User, targetUUID string) error {
	target, err := s.authorizedTarget(ctx, user, targetUUID)
	if err != nil {
		return err
	}

	if err := s.repos.Targets.Delete(ctx, target.ID); err != nil {
		return apperrors.WrapInternal(err, "Failed to delete target")
	}

	s.logger.Info("Deleted target %s (%s) of user %d", target.UUID, target.Name, user.ID)
	return nil
}

// GetTargetFindings retrieves all findings of one target, newest first.
func (s *targetServiceImpl) GetTargetFindings(ctx context.Context, user *models.User, targetUUID string) ([]*models.Finding, error) {
	target, err := s.authorizedTarget(ctx, user, targetUUID)
	if err != nil {
		return nil, err
	}

	findings, err := s.repos.Findings.ListByTarget(ctx, target.ID)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to list target findings")
	}
	return findings, nil
}

// authorizedTarget loads a target and enforces ownership: unknown UUIDs
// yield 404, other users' targets 403.
func (s *targetServiceImpl) authorizedTarget(ctx context.Context, user *models.User, targetUUID string) (*models.Target, error) {
	target, err := s.repos.Targets.GetByUUID(ctx, targetUUID)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to load target")
	}
	if target == nil {
		return nil, apperrors.NewNotFound("Target not found")
	}
	if target.UserID != user.ID {
		return nil, apperrors.NewForbidden("Target belongs to another user")
	}
	return target, nil
}

// targetInfo joins the aggregate counts onto a target row.
func (s *targetServiceImpl) targetInfo(ctx context.Context, target *models.Target) (*models.TargetInfo, error) {
	findings, err := s.repos.Findings.CountByTarget(ctx, target.ID)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to count target findings")
	}
	scans, err := s.repos.Scans.CountCompletedByTarget(ctx, target.ID)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to count target scans")
	}
	return &models.TargetInfo{
		Target:              *target,
		FindingsCount:       findings,
		CompletedScansCount: scans,
	}, nil
}
