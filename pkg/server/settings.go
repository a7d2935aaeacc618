package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/types"
)

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	settings, _, err := storage.GetSettingsWithMigration(ctx, s.storage)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, settings)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !getUser(r).Admin {
		writeJSONError(w, "unauthorized", http.StatusForbidden)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var newSettings types.Settings
	if err := json.NewDecoder(r.Body).Decode(&newSettings); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to decode settings", slog.Any("error", err))
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := newSettings.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	newSettings.LegacyThresholdDollarsPerKWH = 0

	if err := s.storage.SetSettings(ctx, newSettings, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to save settings", slog.Any("error", err))
		writeJSONError(w, "failed to save settings", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"settings updated",
		slog.Float64("threshold", newSettings.PriceThresholdCentsPerKWH),
		slog.Bool("autoMode", newSettings.AutoMode),
		slog.Bool("dryRun", newSettings.DryRun),
		slog.Int("targetSOC", newSettings.TargetSOC),
		slog.Bool("mockPrice", newSettings.MockPriceCentsPerKWH != nil),
	)
	writeJSON(w, newSettings)
}
