package controller

import (
	"strings"

	"github.com/raterudder/chargerudder/pkg/types"
)

// InferChargeState fuses the three charging signals in an overview. Signals
// are checked in order and can only ever add a true value; a missing signal
// abstains rather than counting as false.
func InferChargeState(o types.Overview) types.ChargeState {
	var s types.ChargeState

	// 1. battery charging state
	if o.BatteryChargingState != nil {
		switch strings.ToUpper(strings.TrimSpace(*o.BatteryChargingState)) {
		case "CHARGING", "ON":
			s.IsCharging = true
		}
	}

	// 2. charging summary
	if o.ChargingSummary != nil && o.ChargingSummary.Status != nil {
		status := *o.ChargingSummary.Status
		if status == "CHARGING" {
			s.IsCharging = true
			s.IsPluggedIn = true
		} else if status != "NOT_PLUGGED" {
			s.IsPluggedIn = true
		}
	}

	// 3. charging power
	if o.ChargingRate != nil && o.ChargingRate.PowerKW != nil && *o.ChargingRate.PowerKW > 0 {
		s.IsCharging = true
		s.IsPluggedIn = true
	}

	return s
}
