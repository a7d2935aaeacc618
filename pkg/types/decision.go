package types

import (
	"encoding/json"
	"time"
)

// Action is what the controller decided to do with the vehicle.
type Action int

const (
	ActionNone Action = iota
	ActionStart
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionStart:
		return "START"
	case ActionStop:
		return "STOP"
	default:
		return "NONE"
	}
}

// MarshalJSON encodes the action as its name.
func (a Action) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// Decision is the outcome of comparing the price with the threshold.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// LoopStatus is a point-in-time copy of what the control loop last did.
type LoopStatus struct {
	LastTick       time.Time   `json:"lastTick"`
	LastTickID     string      `json:"lastTickID,omitempty"`
	Skipped        string      `json:"skipped,omitempty"`
	AuthState      string      `json:"authState"`
	VIN            string      `json:"vin,omitempty"`
	PriceCents     float64     `json:"priceCents"`
	ThresholdCents float64     `json:"thresholdCents"`
	State          ChargeState `json:"state"`
	BatteryLevel   *float64    `json:"batteryLevel,omitempty"`
	Decision       Decision    `json:"decision"`
	LastCommand    *CommandLog `json:"lastCommand,omitempty"`
	DryRun         bool        `json:"dryRun"`
}

// CommandLog records the last command sent to the vehicle.
type CommandLog struct {
	Command   ChargeCommand `json:"command"`
	Confirmed bool          `json:"confirmed"`
	Message   string        `json:"message,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}
