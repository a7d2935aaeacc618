package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/storage"
)

const (
	defaultForecastHours = 12
	maxForecastHours     = 48
)

func (s *Server) handleLivePrices(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "private, max-age=60")
	writeJSON(w, s.prices.LivePrices(r.Context()))
}

func (s *Server) handleForecastPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hours := defaultForecastHours
	if h := r.URL.Query().Get("hours"); h != "" {
		var err error
		hours, err = strconv.Atoi(h)
		if err != nil || hours < 1 || hours > maxForecastHours {
			writeJSONError(w, fmt.Sprintf("hours must be between 1 and %d", maxForecastHours), http.StatusBadRequest)
			return
		}
	}

	settings, _, err := storage.GetSettingsWithMigration(ctx, s.storage)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get settings", slog.Any("error", err))
		writeJSONError(w, "failed to get settings", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "private, max-age=60")
	writeJSON(w, s.prices.ForecastPrices(ctx, settings, hours))
}

func (s *Server) handleHistoryPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start, end, err := parseTimeRange(r, time.Now())
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	prices, err := s.storage.GetPriceHistory(ctx, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get prices", slog.Any("error", err))
		writeJSONError(w, "failed to get prices", http.StatusInternalServerError)
		return
	}

	// If the range ends before today (midnight today), cache for 24 hours.
	// Otherwise, cache for 1 minute.
	today := time.Now().Truncate(24 * time.Hour)
	if end.Before(today) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
	writeJSON(w, prices)
}

// parseTimeRange reads start and end as RFC3339. Without both it returns the
// 24 hours before now.
func parseTimeRange(r *http.Request, now time.Time) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" || endStr == "" {
		return now.Add(-24 * time.Hour), now, nil
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	if end.Sub(start) > 7*24*time.Hour {
		return time.Time{}, time.Time{}, fmt.Errorf("time range cannot exceed 7 days")
	}

	return start, end, nil
}
