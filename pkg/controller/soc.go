package controller

import "math"

const (
	MinTargetSOC = 25
	MaxTargetSOC = 100
)

// ClampSOC limits a target state of charge to what the vehicle accepts.
func ClampSOC(percent int) int {
	return min(max(percent, MinTargetSOC), MaxTargetSOC)
}

// StopTargetSOC returns the target to apply before stopping a charge: the
// current battery level so any scheduled charge has nothing left to do. The
// vehicle offers no real override so this is best effort. An unknown level
// falls back to the minimum.
func StopTargetSOC(batteryLevel *float64) int {
	if batteryLevel == nil || math.IsNaN(*batteryLevel) {
		return MinTargetSOC
	}
	level := *batteryLevel
	if level > MaxTargetSOC {
		return MaxTargetSOC
	}
	if level < MinTargetSOC {
		return MinTargetSOC
	}
	return ClampSOC(int(level))
}
