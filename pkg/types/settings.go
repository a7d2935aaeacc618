package types

import (
	"errors"
	"fmt"
	"math"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 2

// DefaultPriceThresholdCentsPerKWH is used when no threshold was ever set.
const DefaultPriceThresholdCentsPerKWH = 15.0

// Settings represents the configuration stored in the database.
// These are dynamic settings that can be changed without redeploying.
type Settings struct {
	// DryRun decides but never sends commands to the vehicle.
	DryRun bool `json:"dryRun"`
	// AutoMode lets the control loop act on its decisions.
	AutoMode bool `json:"autoMode"`

	// Charge when the price is at or under this amount (in c/kWh)
	PriceThresholdCentsPerKWH float64 `json:"priceThresholdCentsPerKWH"`
	// MockPriceCentsPerKWH overrides every price lookup when set.
	MockPriceCentsPerKWH *float64 `json:"mockPriceCentsPerKWH,omitempty"`

	// TargetSOC is applied before starting a charge. 0 leaves the vehicle's
	// own target alone.
	TargetSOC int `json:"targetSOC"`

	// Deprecated: thresholds used to be stored in $/kWh
	LegacyThresholdDollarsPerKWH float64 `json:"priceThresholdDollarsPerKWH,omitempty"`
}

// Validate checks that operator supplied values are usable.
func (s Settings) Validate() error {
	if math.IsNaN(s.PriceThresholdCentsPerKWH) || math.IsInf(s.PriceThresholdCentsPerKWH, 0) {
		return errors.New("priceThresholdCentsPerKWH must be a finite number")
	}
	if s.PriceThresholdCentsPerKWH < 0 {
		return errors.New("priceThresholdCentsPerKWH must be 0 or greater")
	}
	if s.MockPriceCentsPerKWH != nil {
		if math.IsNaN(*s.MockPriceCentsPerKWH) || math.IsInf(*s.MockPriceCentsPerKWH, 0) {
			return errors.New("mockPriceCentsPerKWH must be a finite number")
		}
	}
	if s.TargetSOC < 0 || s.TargetSOC > 100 {
		return fmt.Errorf("targetSOC must be between 0 and 100, got %d", s.TargetSOC)
	}
	return nil
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.PriceThresholdCentsPerKWH == 0 && s.LegacyThresholdDollarsPerKWH == 0 {
				s.PriceThresholdCentsPerKWH = DefaultPriceThresholdCentsPerKWH
				migrated = true
			}
			if !s.AutoMode {
				s.AutoMode = true
				migrated = true
			}
			if s.TargetSOC == 0 {
				s.TargetSOC = 80
				migrated = true
			}
		case 2:
			// version 2: threshold moved from $/kWh to c/kWh
			if s.LegacyThresholdDollarsPerKWH != 0 {
				s.PriceThresholdCentsPerKWH = math.Round(s.LegacyThresholdDollarsPerKWH*10000) / 100
				s.LegacyThresholdDollarsPerKWH = 0
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
