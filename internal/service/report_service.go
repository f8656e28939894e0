// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/basaltsec/recon/backend/internal/models"
	apperrors "github.com/basaltsec/recon/backend/internal/pkg/errors"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/repository"
)

// ReportService defines the interface for report operations. Report rows
// track export requests; generation itself runs in an external worker that
// fills in the download URL.
type ReportService interface {
	// CreateReport records an export request for one of the user's scans.
	CreateReport(ctx context.Context, user *models.User, scanUUID string, req *models.CreateReportRequest) (*models.Report, error)

	// GetReport retrieves one of the user's reports by UUID.
	GetReport(ctx context.Context, user *models.User, reportUUID string) (*models.Report, error)

	// ListReports retrieves all reports for the user's scans, newest first.
	ListReports(ctx context.Context, user *models.User) (*models.ReportListResponse, error)
}

// reportServiceImpl implements ReportService.
type reportServiceImpl struct {
	repos  *repository.Repositories
	logger logger.Logger
}

// NewReportService creates a new report service instance.
func NewReportService(repos *repository.Repositories, log logger.Logger) ReportService {
	return &reportServiceImpl{
		repos:  repos,
		logger: log,
	}
}

// CreateReport records an export request for one of the user's scans. The
// row starts pending; the label defaults to the scan name.
func (s *reportServiceImpl) CreateReport(ctx context.Context, user *models.User, scanUUID string, req *models.CreateReportRequest) (*models.Report, error) {
	reportType := models.ReportType(req.Type)
	if !reportType.Valid() {
		return nil, apperrors.NewInvalidRequest("Unknown report type: " + req.Type)
	}

	scan, err := s.repos.Scans.GetByUUID(ctx, scanUUID)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to load scan")
	}
	if scan == nil {
		return nil, apperrors.NewNotFound("Scan not found")
	}
	if scan.UserID != user.ID {
		return nil, apperrors.NewForbidden("Scan belongs to another user")
	}

	name := req.Name
	if name == "" {
		name = scan.Name
	}

	report := &models.Report{
		UUID:   uuid.New().String(),
		ScanID: scan.ID,
		Name:   name,
		Type:   reportType,
		Status: models.ReportStatusPending,
	}
	if err := s.repos.Reports.Create(ctx, report); err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to create report")
	}

	s.logger.Info("Report %s (%s) requested for scan %s", report.UUID, reportType, scan.UUID)
	return report, nil
}

// GetReport retrieves one of the user's reports by UUID. Reports of other
// users' scans read as absent.
func (s *reportServiceImpl) GetReport(ctx context.Context, user *models.User, reportUUID string) (*models.Report, error) {
	report, err := s.repos.Reports.GetByUUIDForUser(ctx, reportUUID, user.ID)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to load report")
	}
	if report == nil {
		return nil, apperrors.NewNotFound("Report not found")
	}
	return report, nil
}

// ListReports retrieves all reports for the user's scans, newest first.
func (s *reportServiceImpl) ListReports(ctx context.Context, user *models.User) (*models.ReportListResponse, error) {
	reports, err := s.repos.Reports.ListByUser(ctx, user.ID)
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to list reports")
	}
	return &models.ReportListResponse{
		Total:   len(reports),
		Reports: reports,
	}, nil
}
