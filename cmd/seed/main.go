package main

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/price"
	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/types"
)

func main() {
	s := storage.Configured()
	window := lflag.Duration("seed-window", 24*time.Hour, "How far back to seed price history")
	lflag.Configure()

	ctx := context.Background()
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	// leave settings alone unless this is a fresh database
	settings, version, err := s.GetSettings(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to read settings", slog.Any("error", err))
		os.Exit(1)
	}
	if version == 0 {
		settings = types.Settings{
			DryRun:                    true,
			AutoMode:                  true,
			PriceThresholdCentsPerKWH: types.DefaultPriceThresholdCentsPerKWH,
			TargetSOC:                 80,
		}
		if err := s.SetSettings(ctx, settings, types.CurrentSettingsVersion); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed settings", slog.Any("error", err))
			os.Exit(1)
		}
		log.Ctx(ctx).InfoContext(ctx, "seeded dry run settings")
	}
	if !settings.DryRun {
		log.Ctx(ctx).ErrorContext(ctx, "refusing to seed prices into a database that sends real commands")
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var count int
	for _, t := range seedTimes(time.Now(), *window) {
		quote := types.PriceQuote{
			Timestamp:   t,
			CentsPerKWH: mockPrice(t, rng),
			Channel:     types.PriceChannelGeneral,
		}
		if err := s.UpsertPrice(ctx, quote); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed price", slog.Time("timestamp", t), slog.Any("error", err))
			os.Exit(1)
		}
		count++
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded price history", slog.Int("count", count))
}

// seedTimes returns 5 minute steps covering window and ending before the
// price cache would treat the newest one as fresh.
func seedTimes(now time.Time, window time.Duration) []time.Time {
	end := now.UTC().Add(-price.CacheTTL).Truncate(5 * time.Minute)
	var times []time.Time
	for t := end.Add(-window); !t.After(end); t = t.Add(5 * time.Minute) {
		times = append(times, t)
	}
	return times
}

// mockPrice follows a day with a solar soak at midday and an evening peak.
func mockPrice(t time.Time, rng *rand.Rand) float64 {
	hour := float64(t.Hour()) + float64(t.Minute())/60
	price := 22.0
	switch {
	case hour < 6:
		price = 14
	case hour >= 10 && hour < 15:
		// negative around noon when solar floods the grid
		dist := math.Abs(hour - 12.5)
		price = 2 + dist*4 - 6*math.Exp(-(dist*dist)/2)
	case hour >= 17 && hour < 21:
		price = 45
	}
	price += rng.Float64()*2 - 1
	return math.Round(price*100) / 100
}
