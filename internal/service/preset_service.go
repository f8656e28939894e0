// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/basaltsec/recon/backend/internal/kvb"
	"github.com/basaltsec/recon/backend/internal/models"
	apperrors "github.com/basaltsec/recon/backend/internal/pkg/errors"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
	"github.com/basaltsec/recon/backend/internal/pkg/validator"
)

// maxPresetSize limits the stored preset JSON in bytes.
const maxPresetSize = 4096

// PresetService persists per-user scan presets on the bus under
// user_config:{subject}. Presets pre-fill the next scan submission in the
// UI; they never influence a scan on their own.
type PresetService struct {
	bus    kvb.Bus
	logger logger.Logger
}

// NewPresetService creates a new preset service.
func NewPresetService(bus kvb.Bus, log logger.Logger) *PresetService {
	return &PresetService{
		bus:    bus,
		logger: log,
	}
}

// GetPreset returns the user's saved preset. Users without one get the
// empty preset, as does a corrupt stored value.
func (s *PresetService) GetPreset(ctx context.Context, subject string) (*models.ScanPreset, error) {
	raw, ok, err := s.bus.Get(ctx, kvb.PresetKey(subject))
	if err != nil {
		return nil, apperrors.WrapInternal(err, "Failed to read scan preset")
	}
	if !ok {
		return &models.ScanPreset{}, nil
	}

	var preset models.ScanPreset
	if err := json.Unmarshal([]byte(raw), &preset); err != nil {
		s.logger.Error("Preset for user %s is corrupt, returning empty: %v", subject, err)
		return &models.ScanPreset{}, nil
	}
	return &preset, nil
}

// SavePreset stores the user's preset, replacing any previous one.
func (s *PresetService) SavePreset(ctx context.Context, subject string, preset *models.ScanPreset) error {
	if preset.Type != "" {
		if err := validator.ValidateScanType(preset.Type); err != nil {
			return apperrors.NewInvalidRequest(err.Error())
		}
	}
	if err := validator.ValidateScanOptions(preset.ScanOptions); err != nil {
		return apperrors.NewInvalidRequest(err.Error())
	}

	data, err := json.Marshal(preset)
	if err != nil {
		return apperrors.WrapInternal(err, "Failed to encode scan preset")
	}
	if len(data) > maxPresetSize {
		return apperrors.NewInvalidRequest(fmt.Sprintf("Preset size (%d bytes) exceeds maximum allowed size (%d bytes)", len(data), maxPresetSize))
	}

	if err := s.bus.Set(ctx, kvb.PresetKey(subject), string(data), 0); err != nil {
		return apperrors.WrapInternal(err, "Failed to store scan preset")
	}

	s.logger.Info("Preset saved for user %s", subject)
	return nil
}
