package types

import (
	"encoding/json"
	"strings"
	"time"
)

// SessionToken is the opaque token blob handed out by the vehicle account
// service. It is stored verbatim and never inspected.
type SessionToken []byte

// CaptchaChallenge is returned by the account service when a login requires a
// captcha to be solved before credentials are accepted.
type CaptchaChallenge struct {
	// State correlates the solution with the challenge and must be sent back
	// with the next login.
	State    string `json:"state"`
	Image    []byte `json:"-"`
	MIMEType string `json:"mimeType"`
}

// IsSVG returns true if the challenge image is an SVG document.
func (c CaptchaChallenge) IsSVG() bool {
	if strings.Contains(c.MIMEType, "svg") {
		return true
	}
	head := strings.TrimSpace(string(c.Image[:min(len(c.Image), 256)]))
	return strings.HasPrefix(head, "<svg") || (strings.HasPrefix(head, "<?xml") && strings.Contains(head, "<svg"))
}

// ChargingSummary is the charging summary measurement.
type ChargingSummary struct {
	Status *string `json:"status,omitempty"`
}

// ChargingRate is the charging rate measurement.
type ChargingRate struct {
	PowerKW *float64 `json:"powerKW,omitempty"`
}

// Overview is a single snapshot of the vehicle's measurements. Every field is
// optional; a nil field means the vehicle did not report that signal.
type Overview struct {
	BatteryLevelPercent  *float64         `json:"batteryLevelPercent,omitempty"`
	BatteryChargingState *string          `json:"batteryChargingState,omitempty"`
	ChargingSummary      *ChargingSummary `json:"chargingSummary,omitempty"`
	ChargingRate         *ChargingRate    `json:"chargingRate,omitempty"`

	// Raw holds every measurement as returned by the service, keyed by name.
	Raw       map[string]json.RawMessage `json:"-"`
	FetchedAt time.Time                  `json:"fetchedAt"`
}

// ChargeState is the fused view of whether the vehicle is charging and
// plugged in.
type ChargeState struct {
	IsCharging  bool `json:"isCharging"`
	IsPluggedIn bool `json:"isPluggedIn"`
}

// ChargeDirection is the direction of a charge command.
type ChargeDirection string

const (
	ChargeDirectionStart ChargeDirection = "start"
	ChargeDirectionStop  ChargeDirection = "stop"
)

// ChargeCommand is a single start or stop request with the target state of
// charge that should be applied before it.
type ChargeCommand struct {
	Direction        ChargeDirection `json:"direction"`
	TargetSOCPercent int             `json:"targetSOCPercent"`
}

// CommandResult is the service's answer to a remote command.
type CommandResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Succeeded returns true if the service confirmed the command.
func (r CommandResult) Succeeded() bool {
	switch strings.ToUpper(r.Status) {
	case "SUCCESS", "PERFORMED":
		return true
	}
	return false
}
