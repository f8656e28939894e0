// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package service

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"testing"

	"github.com/basaltsec/recon/backend/internal/kvb"
	"github.com/basaltsec/recon/backend/internal/models"
	"github.com/basaltsec/recon/backend/internal/pkg/logger"
)

// TestGetPresetMissing tests that users without a saved preset get the empty
// preset, not an error.
func TestGetPresetMissing(t *testing.T) {
	bus := newTestBus(t)
	svc := NewPresetService(bus, logger.NewNop())

	preset, err := svc.GetPreset(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetPreset failed: %v", err)
	}
	if preset == nil {
		t.Fatal("Expected an empty preset, got nil")
	}
	if preset.Type != "" || len(preset.Targets) != 0 || len(preset.ScanOptions) != 0 {
		t.Errorf("Expected the empty preset, got %+v", preset)
	}
}

// TestGetPresetCorrupt tests that an unparseable stored value degrades to the
// empty preset instead of failing the request.
func TestGetPresetCorrupt(t *testing.T) {
	bus := newTestBus(t)
	svc := NewPresetService(bus, logger.NewNop())
	ctx := context.Background()

	if err := bus.Set(ctx, kvb.PresetKey("alice"), "{not json", 0); err != nil {
		t.Fatalf("Failed to seed corrupt preset: %v", err)
	}

	preset, err := svc.GetPreset(ctx, "alice")
	if err != nil {
		t.Fatalf("GetPreset failed: %v", err)
	}
	if preset == nil || preset.Type != "" || len(preset.ScanOptions) != 0 {
		t.Errorf("Expected the empty preset for a corrupt value, got %+v", preset)
	}
}

// TestPresetRoundTrip tests saving, reading back, overwriting, and per-user
// isolation.
func TestPresetRoundTrip(t *testing.T) {
	bus := newTestBus(t)
	svc := NewPresetService(bus, logger.NewNop())
	ctx := context.Background()

	saved := &models.ScanPreset{
		Type:    "deep",
		Targets: []string{"example.com", "198.51.100.7"},
		ScanOptions: map[string]interface{}{
			"top_ports":    "1000",
			"os_detection": "true",
		},
	}
	if err := svc.SavePreset(ctx, "alice", saved); err != nil {
		t.Fatalf("SavePreset failed: %v", err)
	}

	got, err := svc.GetPreset(ctx, "alice")
	if err != nil {
		t.Fatalf("GetPreset failed: %v", err)
	}
	if !reflect.DeepEqual(got, saved) {
		t.Errorf("Preset round trip mismatch: got %+v, want %+v", got, saved)
	}

	// Presets are keyed per subject.
	other, err := svc.GetPreset(ctx, "bob")
	if err != nil {
		t.Fatalf("GetPreset for other user failed: %v", err)
	}
	if other.Type != "" {
		t.Errorf("Expected bob to have no preset, got %+v", other)
	}

	// Saving again replaces the previous preset wholesale.
	replacement := &models.ScanPreset{Type: "default"}
	if err := svc.SavePreset(ctx, "alice", replacement); err != nil {
		t.Fatalf("SavePreset overwrite failed: %v", err)
	}
	got, err = svc.GetPreset(ctx, "alice")
	if err != nil {
		t.Fatalf("GetPreset after overwrite failed: %v", err)
	}
	if !reflect.DeepEqual(got, replacement) {
		t.Errorf("Expected the replacement preset, got %+v", got)
	}
}

// TestSavePresetValidation tests that presets pass the same type and option
// checks as a scan submission.
func TestSavePresetValidation(t *testing.T) {
	bus := newTestBus(t)
	svc := NewPresetService(bus, logger.NewNop())
	ctx := context.Background()

	tests := []struct {
		name   string
		preset *models.ScanPreset
	}{
		{
			name:   "unknown scan type",
			preset: &models.ScanPreset{Type: "stealth"},
		},
		{
			name: "option key with invalid characters",
			preset: &models.ScanPreset{
				ScanOptions: map[string]interface{}{"min rate": "5000"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.SavePreset(ctx, "alice", tt.preset)
			wantAppError(t, err, http.StatusUnprocessableEntity)
		})
	}

	// An empty type means "no preference" and passes.
	if err := svc.SavePreset(ctx, "alice", &models.ScanPreset{Targets: []string{"example.com"}}); err != nil {
		t.Errorf("Expected an empty type to be accepted, got %v", err)
	}
}

// TestSavePresetSizeLimit tests the encoded-size cap on stored presets.
func TestSavePresetSizeLimit(t *testing.T) {
	bus := newTestBus(t)
	svc := NewPresetService(bus, logger.NewNop())

	oversized := &models.ScanPreset{
		ScanOptions: map[string]interface{}{
			"script_args": strings.Repeat("x", maxPresetSize),
		},
	}
	err := svc.SavePreset(context.Background(), "alice", oversized)
	appErr := wantAppError(t, err, http.StatusUnprocessableEntity)
	if !strings.Contains(appErr.Message, "exceeds maximum allowed size") {
		t.Errorf("Unexpected error message: %s", appErr.Message)
	}
}
