package storage

import (
	"context"
	"log/slog"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

// SettingsStore is the part of Database that holds settings.
type SettingsStore interface {
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error
}

// GetSettingsWithMigration reads the settings and migrates them to the
// current version, saving the result when anything changed.
func GetSettingsWithMigration(ctx context.Context, s SettingsStore) (types.Settings, int, error) {
	settings, version, err := s.GetSettings(ctx)
	if err != nil {
		return types.Settings{}, 0, err
	}

	// Check for migration
	if version < types.CurrentSettingsVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating settings", slog.Int("oldVersion", version), slog.Int("newVersion", types.CurrentSettingsVersion))
		newSettings, changed, err := types.MigrateSettings(settings, version)
		if err != nil {
			// Log error but return settings as is (best effort)
			log.Ctx(ctx).ErrorContext(ctx, "failed to migrate settings", slog.Int("currentVersion", version), slog.Any("error", err))
			return settings, version, nil
		}
		settings = newSettings
		version = types.CurrentSettingsVersion
		if changed {
			if err := s.SetSettings(ctx, newSettings, types.CurrentSettingsVersion); err != nil {
				// the migrated settings are still used for this call
				log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated settings", slog.Any("error", err))
			} else {
				log.Ctx(ctx).InfoContext(ctx, "saved migrated settings", slog.Int("newVersion", types.CurrentSettingsVersion))
			}
		}
	}

	return settings, version, nil
}
